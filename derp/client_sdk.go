package derp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pymq/relay/internal/key"
	"github.com/pymq/relay/internal/logger"
)

// Client is a relay client SDK, the counterpart to the server-side
// connection handling in client_conn.go. Its shape — a net.Conn plus
// buffered reader/writer, a write mutex, and Send/Recv methods — follows
// the original derp.Client's; what changed is the handshake (Ed25519
// signature instead of a NaCl-boxed clientInfo) and the dropped
// mesh-only operations (WatchConnectionChanges, ClosePeer,
// NotePreferred), which spec.md's Non-goals exclude.
type Client struct {
	serverKey  key.NodePublic
	privateKey key.NodePrivate
	publicKey  key.NodePublic
	logf       logger.Logf
	nc         net.Conn
	br         *bufio.Reader

	wmu           sync.Mutex
	bw            *bufio.Writer
	sendRateLimit *rate.Limiter // nil: unlimited
}

// NewClient performs the client side of the handshake over nc and returns
// a ready-to-use Client.
func NewClient(privateKey key.NodePrivate, nc net.Conn, logf logger.Logf) (*Client, error) {
	br := bufio.NewReader(nc)
	bw := bufio.NewWriter(nc)

	serverKey, err := recvServerKey(br)
	if err != nil {
		return nil, fmt.Errorf("derp.Client: failed to receive server key: %w", err)
	}
	if err := writeClientInfoFrame(bw, privateKey, ClientInfo{Version: ProtocolVersion}); err != nil {
		return nil, fmt.Errorf("derp.Client: failed to send client info: %w", err)
	}
	return &Client{
		serverKey:  serverKey,
		privateKey: privateKey,
		publicKey:  privateKey.Public(),
		logf:       logf,
		nc:         nc,
		br:         br,
		bw:         bw,
	}, nil
}

// SetSendRateLimit configures an optional outbound token bucket: Send
// calls block until enough tokens are available for the frame they're
// about to write. A server may advertise a suggested rate via a future
// ServerInfo-style frame; callers may also set this from a static
// config. Passing burst <= 0 disables the limiter.
func (c *Client) SetSendRateLimit(bytesPerSecond, burst int) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if burst <= 0 {
		c.sendRateLimit = nil
		return
	}
	c.sendRateLimit = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

// ServerPublicKey returns the server's public key, learned during the
// handshake.
func (c *Client) ServerPublicKey() key.NodePublic { return c.serverKey }

// PublicKey returns this client's own public key.
func (c *Client) PublicKey() key.NodePublic { return c.publicKey }

// Send sends pkt to dstKey. It is an error if pkt exceeds MaxPacketSize.
func (c *Client) Send(dstKey key.NodePublic, pkt []byte) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("derp.Send: %w", err)
		}
	}()
	if len(pkt) > MaxPacketSize {
		return fmt.Errorf("packet too big: %d", len(pkt))
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	raw := dstKey.Raw()
	buf := make([]byte, 0, key.Length+len(pkt))
	buf = append(buf, raw[:]...)
	buf = append(buf, pkt...)

	if c.sendRateLimit != nil {
		for n := frameHeaderLen + len(buf); n > 0; {
			chunk := min(n, c.sendRateLimit.Burst())
			if err := c.sendRateLimit.WaitN(context.Background(), chunk); err != nil {
				return err
			}
			n -= chunk
		}
	}
	return writeFrame(c.bw, frameSendPacket, buf)
}

// Ping sends a Ping frame with the given 8-byte payload, soliciting a Pong.
func (c *Client) Ping(data [8]byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return writeFrame(c.bw, framePing, data[:])
}

func (c *Client) Pong(data [8]byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return writeFrame(c.bw, framePong, data[:])
}

// Close closes the underlying transport.
func (c *Client) Close() error { return c.nc.Close() }

// ReceivedMessage is the union of messages Recv may return.
type ReceivedMessage interface{ isReceivedMessage() }

type ReceivedPacket struct {
	Source key.NodePublic
	Data   []byte
}

func (ReceivedPacket) isReceivedMessage() {}

type PeerGoneMessage struct{ Peer key.NodePublic }

func (PeerGoneMessage) isReceivedMessage() {}

type PingMessage [8]byte

func (PingMessage) isReceivedMessage() {}

type PongMessage [8]byte

func (PongMessage) isReceivedMessage() {}

type KeepAliveMessage struct{}

func (KeepAliveMessage) isReceivedMessage() {}

// Recv reads and classifies the next frame from the server. Each call
// reads into a freshly allocated buffer, so a returned message's Data (if
// any) stays valid after later calls to Recv.
func (c *Client) Recv() (ReceivedMessage, error) {
	c.nc.SetReadDeadline(time.Now().Add(2 * time.Minute))
	t, payload, err := readFrame(c.br)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("derp.Recv: %w", err)
	}
	switch t {
	case frameKeepAlive:
		return KeepAliveMessage{}, nil
	case framePeerGone:
		pub, err := key.NodePublicFromBytes(payload)
		if err != nil {
			return nil, fmt.Errorf("derp.Recv: malformed PeerGone: %w", err)
		}
		return PeerGoneMessage{Peer: pub}, nil
	case frameRecvPacket:
		if len(payload) < key.Length {
			return nil, fmt.Errorf("derp.Recv: short RecvPacket frame")
		}
		src, err := key.NodePublicFromBytes(payload[:key.Length])
		if err != nil {
			return nil, fmt.Errorf("derp.Recv: malformed source key: %w", err)
		}
		return ReceivedPacket{Source: src, Data: payload[key.Length:]}, nil
	case framePing:
		if len(payload) != 8 {
			return nil, fmt.Errorf("derp.Recv: malformed Ping frame")
		}
		var m PingMessage
		copy(m[:], payload)
		return m, nil
	case framePong:
		if len(payload) != 8 {
			return nil, fmt.Errorf("derp.Recv: malformed Pong frame")
		}
		var m PongMessage
		copy(m[:], payload)
		return m, nil
	default:
		c.logf("derp.Recv: ignoring unknown frame type %v", t)
		return c.Recv()
	}
}
