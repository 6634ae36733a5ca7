// Package stund implements the minimal RFC 5389 STUN binding
// request/response responder described in spec.md §4.H/§6: it answers
// every well-formed binding request with an XOR-MAPPED-ADDRESS attribute
// and nothing else, so clients behind NAT can discover their public
// address/port without needing a full STUN/TURN server.
package stund

import (
	"context"
	"encoding/binary"
	"net"

	"github.com/pymq/relay/internal/logger"
)

const (
	magicCookie = 0x2112A442

	bindingRequest = 0x0001
	bindingSuccess = 0x0101

	classRequest = 0x00 // top two class bits both zero

	headerLen        = 20
	transactionIDLen = 12

	attrXorMappedAddress = 0x0020

	familyIPv4 = 0x01
	familyIPv6 = 0x02
)

// Responder binds a UDP socket and answers binding requests until its
// context is cancelled (spec.md §4.H, §5 "STUN uses a single task with
// per-request sub-tasks"). Malformed datagrams are logged and skipped;
// they never stop the loop.
type Responder struct {
	conn *net.UDPConn
	logf logger.Logf
}

// Listen binds addr (e.g. ":3478") for UDP and returns a Responder ready
// to Serve.
func Listen(addr string, logf logger.Logf) (*Responder, error) {
	if logf == nil {
		logf = logger.Discard
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &Responder{conn: conn, logf: logf}, nil
}

// LocalAddr returns the bound address, mainly useful in tests that bind
// to port 0.
func (r *Responder) LocalAddr() net.Addr { return r.conn.LocalAddr() }

// Close stops Serve by closing the underlying socket.
func (r *Responder) Close() error { return r.conn.Close() }

// Serve reads datagrams until ctx is cancelled or the socket closes. It
// always returns a non-nil error; a cancelled ctx yields ctx.Err().
func (r *Responder) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	buf := make([]byte, 1500)
	for {
		n, srcAddr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		txID, ok := parseBindingRequest(buf[:n])
		if !ok {
			r.logf("stund: dropping non-binding-request datagram from %s", srcAddr)
			continue
		}
		go func() {
			resp := encodeBindingSuccess(txID, srcAddr)
			if _, err := r.conn.WriteToUDP(resp, srcAddr); err != nil {
				r.logf("stund: write to %s failed: %v", srcAddr, err)
			}
		}()
	}
}

// parseBindingRequest validates the STUN header (magic cookie, method,
// class) and returns the 12-byte transaction ID on success.
func parseBindingRequest(pkt []byte) (txID [transactionIDLen]byte, ok bool) {
	if len(pkt) < headerLen {
		return txID, false
	}
	msgType := binary.BigEndian.Uint16(pkt[0:2])
	cookie := binary.BigEndian.Uint32(pkt[4:8])
	if cookie != magicCookie {
		return txID, false
	}
	method := msgType & 0x3eef
	class := ((msgType & 0x0100) >> 7) | ((msgType & 0x0010) >> 4)
	if method != bindingRequest || class != classRequest {
		return txID, false
	}
	copy(txID[:], pkt[8:20])
	return txID, true
}

// encodeBindingSuccess builds a Binding Success Response containing only
// an XOR-MAPPED-ADDRESS attribute for src, per spec.md §4.H.
func encodeBindingSuccess(txID [transactionIDLen]byte, src *net.UDPAddr) []byte {
	attr := encodeXorMappedAddress(txID, src)

	pkt := make([]byte, headerLen+len(attr))
	binary.BigEndian.PutUint16(pkt[0:2], bindingSuccess)
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(attr)))
	binary.BigEndian.PutUint32(pkt[4:8], magicCookie)
	copy(pkt[8:20], txID[:])
	copy(pkt[20:], attr)
	return pkt
}

func encodeXorMappedAddress(txID [transactionIDLen]byte, addr *net.UDPAddr) []byte {
	ip4 := addr.IP.To4()
	var family byte
	var xAddr []byte
	if ip4 != nil {
		family = familyIPv4
		xAddr = make([]byte, 4)
		var cookie [4]byte
		binary.BigEndian.PutUint32(cookie[:], magicCookie)
		for i := 0; i < 4; i++ {
			xAddr[i] = ip4[i] ^ cookie[i]
		}
	} else {
		family = familyIPv6
		ip16 := addr.IP.To16()
		xAddr = make([]byte, 16)
		var salt [16]byte
		binary.BigEndian.PutUint32(salt[0:4], magicCookie)
		copy(salt[4:16], txID[:])
		for i := 0; i < 16; i++ {
			xAddr[i] = ip16[i] ^ salt[i]
		}
	}

	port := uint16(addr.Port) ^ uint16(magicCookie>>16)

	value := make([]byte, 4+len(xAddr))
	value[0] = 0
	value[1] = family
	binary.BigEndian.PutUint16(value[2:4], port)
	copy(value[4:], xAddr)

	attr := make([]byte, 4+len(value))
	binary.BigEndian.PutUint16(attr[0:2], attrXorMappedAddress)
	binary.BigEndian.PutUint16(attr[2:4], uint16(len(value)))
	copy(attr[4:], value)
	return attr
}
