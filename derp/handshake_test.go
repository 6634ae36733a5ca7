package derp

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/pymq/relay/internal/key"
	"github.com/pymq/relay/internal/logger"
)

func pipeBufs(a, b net.Conn) (*bufio.Reader, *bufio.Writer, *bufio.Reader, *bufio.Writer) {
	return bufio.NewReader(a), bufio.NewWriter(a), bufio.NewReader(b), bufio.NewWriter(b)
}

func TestHandshakeSuccess(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	serverPriv, _ := key.NewPrivate()
	clientPriv, _ := key.NewPrivate()

	sbr, sbw, cbr, cbw := pipeBufs(serverConn, clientConn)

	kc := NewKeyCache(8)
	resultCh := make(chan handshakeResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := serverHandshake(context.Background(), sbr, sbw, serverPriv.Public(), kc, logger.Discard)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- res
	}()

	gotServerPub, err := recvServerKey(cbr)
	if err != nil {
		t.Fatalf("recvServerKey: %v", err)
	}
	if gotServerPub.Raw() != serverPriv.Public().Raw() {
		t.Fatal("server key mismatch")
	}
	if err := writeClientInfoFrame(cbw, clientPriv, ClientInfo{Version: ProtocolVersion}); err != nil {
		t.Fatalf("writeClientInfoFrame: %v", err)
	}

	select {
	case res := <-resultCh:
		if res.ClientKey.Raw() != clientPriv.Public().Raw() {
			t.Fatal("client key mismatch")
		}
		if res.Info.Version != ProtocolVersion {
			t.Fatalf("version = %d, want %d", res.Info.Version, ProtocolVersion)
		}
	case err := <-errCh:
		t.Fatalf("serverHandshake failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake result")
	}
}

func TestHandshakeVersionMismatch(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	serverPriv, _ := key.NewPrivate()
	clientPriv, _ := key.NewPrivate()
	sbr, sbw, cbr, cbw := pipeBufs(serverConn, clientConn)

	kc := NewKeyCache(8)
	errCh := make(chan error, 1)
	go func() {
		_, err := serverHandshake(context.Background(), sbr, sbw, serverPriv.Public(), kc, logger.Discard)
		errCh <- err
	}()

	if _, err := recvServerKey(cbr); err != nil {
		t.Fatalf("recvServerKey: %v", err)
	}
	if err := writeClientInfoFrame(cbw, clientPriv, ClientInfo{Version: ProtocolVersion - 1}); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected version mismatch error, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestHandshakeBadSignature(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	serverPriv, _ := key.NewPrivate()
	clientPriv, _ := key.NewPrivate()
	otherPriv, _ := key.NewPrivate()
	sbr, sbw, cbr, cbw := pipeBufs(serverConn, clientConn)

	kc := NewKeyCache(8)
	errCh := make(chan error, 1)
	go func() {
		_, err := serverHandshake(context.Background(), sbr, sbw, serverPriv.Public(), kc, logger.Discard)
		errCh <- err
	}()

	if _, err := recvServerKey(cbr); err != nil {
		t.Fatalf("recvServerKey: %v", err)
	}

	// Hand-assemble a ClientInfo frame that advertises clientPriv's
	// public key but is signed by otherPriv, so the advertised key and
	// the signer disagree and Verify must fail.
	info := ClientInfo{Version: ProtocolVersion}
	infoBytes, err := json.Marshal(info)
	if err != nil {
		t.Fatal(err)
	}
	digest := sha256.Sum256(append([]byte(clientInfoDomain), infoBytes...))
	sig := otherPriv.Sign(digest[:])

	pub := clientPriv.Public().Raw()
	payload := make([]byte, 0, key.Length+len(sig)+len(infoBytes))
	payload = append(payload, pub[:]...)
	payload = append(payload, sig...)
	payload = append(payload, infoBytes...)
	if err := writeFrame(cbw, frameClientInfo, payload); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected bad-signature error, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestHandshakeTimesOut(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	serverPriv, _ := key.NewPrivate()
	sbr, sbw, cbr, _ := pipeBufs(serverConn, clientConn)

	kc := NewKeyCache(8)
	errCh := make(chan error, 1)
	go func() {
		_, err := serverHandshake(context.Background(), sbr, sbw, serverPriv.Public(), kc, logger.Discard)
		errCh <- err
	}()

	// net.Pipe is synchronous: read the ServerKey greeting so the server
	// gets past it, then never send ClientInfo.
	if _, err := recvServerKey(cbr); err != nil {
		t.Fatalf("recvServerKey: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected timeout error, got nil")
		}
	case <-time.After(HandshakeTimeout + 2*time.Second):
		t.Fatal("serverHandshake did not time out in time")
	}
}
