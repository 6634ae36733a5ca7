package stund

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/pymq/relay/internal/logger"
)

func buildBindingRequest(txID [12]byte) []byte {
	pkt := make([]byte, headerLen)
	binary.BigEndian.PutUint16(pkt[0:2], bindingRequest)
	binary.BigEndian.PutUint16(pkt[2:4], 0)
	binary.BigEndian.PutUint32(pkt[4:8], magicCookie)
	copy(pkt[8:20], txID[:])
	return pkt
}

func TestParseBindingRequestAccepted(t *testing.T) {
	var txID [12]byte
	for i := range txID {
		txID[i] = byte(i + 1)
	}
	got, ok := parseBindingRequest(buildBindingRequest(txID))
	if !ok {
		t.Fatal("expected binding request to parse")
	}
	if got != txID {
		t.Fatalf("txID = %x, want %x", got, txID)
	}
}

func TestParseBindingRequestRejectsBadCookie(t *testing.T) {
	var txID [12]byte
	pkt := buildBindingRequest(txID)
	binary.BigEndian.PutUint32(pkt[4:8], 0xdeadbeef)
	if _, ok := parseBindingRequest(pkt); ok {
		t.Fatal("expected rejection for bad magic cookie")
	}
}

func TestParseBindingRequestRejectsWrongMethod(t *testing.T) {
	var txID [12]byte
	pkt := buildBindingRequest(txID)
	binary.BigEndian.PutUint16(pkt[0:2], 0x0003) // allocate request, not binding
	if _, ok := parseBindingRequest(pkt); ok {
		t.Fatal("expected rejection for non-binding method")
	}
}

func TestParseBindingRequestRejectsShortPacket(t *testing.T) {
	if _, ok := parseBindingRequest([]byte{0x00, 0x01}); ok {
		t.Fatal("expected rejection for short packet")
	}
}

func TestEncodeXorMappedAddressIPv4RoundTrips(t *testing.T) {
	var txID [12]byte
	addr := &net.UDPAddr{IP: net.ParseIP("192.0.2.5"), Port: 54321}
	attr := encodeXorMappedAddress(txID, addr)

	if got, want := binary.BigEndian.Uint16(attr[0:2]), uint16(attrXorMappedAddress); got != want {
		t.Fatalf("attr type = %#x, want %#x", got, want)
	}
	family := attr[5]
	if family != familyIPv4 {
		t.Fatalf("family = %d, want IPv4", family)
	}
	xport := binary.BigEndian.Uint16(attr[6:8])
	port := xport ^ uint16(magicCookie>>16)
	if port != uint16(addr.Port) {
		t.Fatalf("decoded port = %d, want %d", port, addr.Port)
	}
	var cookie [4]byte
	binary.BigEndian.PutUint32(cookie[:], magicCookie)
	ip4 := addr.IP.To4()
	for i := 0; i < 4; i++ {
		if attr[8+i]^cookie[i] != ip4[i] {
			t.Fatalf("decoded IP byte %d mismatch", i)
		}
	}
}

func TestResponderEndToEnd(t *testing.T) {
	r, err := Listen("127.0.0.1:0", logger.Discard)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Serve(ctx)

	client, err := net.DialUDP("udp", nil, r.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var txID [12]byte
	copy(txID[:], "abcdefghijkl")
	if _, err := client.Write(buildBindingRequest(txID)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp := buf[:n]

	if got := binary.BigEndian.Uint16(resp[0:2]); got != bindingSuccess {
		t.Fatalf("response type = %#x, want %#x", got, bindingSuccess)
	}
	if got := binary.BigEndian.Uint32(resp[4:8]); got != magicCookie {
		t.Fatalf("response cookie = %#x, want %#x", got, magicCookie)
	}
	var gotTxID [12]byte
	copy(gotTxID[:], resp[8:20])
	if gotTxID != txID {
		t.Fatalf("response txID = %x, want %x", gotTxID, txID)
	}
}

func TestResponderIgnoresMalformedDatagram(t *testing.T) {
	r, err := Listen("127.0.0.1:0", logger.Discard)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Serve(ctx)

	client, err := net.DialUDP("udp", nil, r.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("not a stun packet")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	var txID [12]byte
	if _, err := client.Write(buildBindingRequest(txID)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	if _, err := client.Read(buf); err != nil {
		t.Fatalf("expected a response to the valid request after garbage: %v", err)
	}
}
