package derp

import (
	"testing"
	"time"

	"github.com/pymq/relay/internal/key"
	"github.com/pymq/relay/internal/logger"
)

func TestClientSDKSendRecv(t *testing.T) {
	h := newTestHub(t)

	connA, err := dialRaw(h.ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	privA, _ := key.NewPrivate()
	clientA, err := NewClient(privA, connA, logger.Discard)
	if err != nil {
		t.Fatalf("NewClient A: %v", err)
	}
	defer clientA.Close()

	connB, err := dialRaw(h.ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	privB, _ := key.NewPrivate()
	clientB, err := NewClient(privB, connB, logger.Discard)
	if err != nil {
		t.Fatalf("NewClient B: %v", err)
	}
	defer clientB.Close()

	if clientA.ServerPublicKey().Raw() != h.serverPriv.Public().Raw() {
		t.Fatal("client A learned wrong server key")
	}

	time.Sleep(30 * time.Millisecond)

	if err := clientA.Send(clientB.PublicKey(), []byte("sdk hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	for {
		msg, err := clientB.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if _, ok := msg.(KeepAliveMessage); ok {
			continue
		}
		rp, ok := msg.(ReceivedPacket)
		if !ok {
			t.Fatalf("unexpected message type %T", msg)
		}
		if rp.Source.Raw() != clientA.PublicKey().Raw() {
			t.Fatalf("source mismatch")
		}
		if string(rp.Data) != "sdk hello" {
			t.Fatalf("data = %q", rp.Data)
		}
		break
	}
}
