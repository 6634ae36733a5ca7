// Package derp implements the relay wire protocol and the in-memory
// dispatcher that forwards opaque packets between connected clients by
// public key. See the package-level design notes in the repository's
// SPEC_FULL.md for the full component breakdown; this file holds the
// shared constants and error types referenced by frame.go, handshake.go,
// client_conn.go and server.go.
package derp

import (
	"fmt"
	"time"

	"github.com/pymq/relay/internal/key"
)

// ProtocolVersion is the version this server requires of connecting
// clients. A client advertising any other version is rejected during the
// handshake (spec.md §4.C step 4).
const ProtocolVersion = 2

// MaxFramePayloadSize is the largest payload, in bytes, accepted in a
// single frame (spec.md §3, "Maximum frame payload: 64 KiB").
const MaxFramePayloadSize = 64 << 10

// MaxPacketSize is the largest application payload accepted in a
// SendPacket frame: MaxFramePayloadSize minus the destination key prefix.
const MaxPacketSize = MaxFramePayloadSize - key.Length

// serverKeyMagic identifies the first frame a server ever sends.
const serverKeyMagic = "DERP🔑"

// Handshake and connection timing, per spec.md §5.
const (
	HandshakeTimeout  = 10 * time.Second
	WriteTimeout      = 2 * time.Second
	KeepAliveInterval = 15 * time.Second
	DispatchSendWait  = 5 * time.Second
)

// mailboxCapacity is the bounded size of a ConnectionSlot's outbound
// mailbox (spec.md §3, ConnectionSlot).
const mailboxCapacity = 32

// dispatchChanCapacity is the bound on the dispatcher's registration
// channel (spec.md §4.F).
const dispatchChanCapacity = 1024

// FrameType tags every frame on the wire (spec.md §3, §4.A).
type FrameType byte

const (
	frameServerKey  FrameType = 0x01 // server>client, first frame
	frameClientInfo FrameType = 0x02 // client>server
	frameSendPacket FrameType = 0x03 // client>server
	frameRecvPacket FrameType = 0x04 // server>client
	frameKeepAlive  FrameType = 0x05 // server>client
	framePing       FrameType = 0x06 // either direction
	framePong       FrameType = 0x07 // either direction
	framePeerGone   FrameType = 0x08 // server>client
	frameHealth     FrameType = 0x09 // server>client, informational only
	frameRestarting FrameType = 0x0a // server>client, informational only
)

func (t FrameType) String() string {
	switch t {
	case frameServerKey:
		return "ServerKey"
	case frameClientInfo:
		return "ClientInfo"
	case frameSendPacket:
		return "SendPacket"
	case frameRecvPacket:
		return "RecvPacket"
	case frameKeepAlive:
		return "KeepAlive"
	case framePing:
		return "Ping"
	case framePong:
		return "Pong"
	case framePeerGone:
		return "PeerGone"
	case frameHealth:
		return "Health"
	case frameRestarting:
		return "Restarting"
	default:
		return fmt.Sprintf("FrameType(%#02x)", byte(t))
	}
}

// Error kinds, per spec.md §7. Each wraps an underlying cause; callers
// type-switch or errors.As to decide what counter to bump and whether the
// error is ours to log at debug vs warn.

// TransportError indicates an I/O or transport-level failure. Never
// retried at this layer.
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return fmt.Sprintf("derp: transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError indicates a malformed frame, oversize frame, unknown frame
// type, bad signature, or version mismatch. Always fatal to the
// connection.
type ProtocolError struct{ Err error }

func (e *ProtocolError) Error() string { return fmt.Sprintf("derp: protocol: %v", e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// TimeoutError indicates a handshake or write deadline was exceeded.
type TimeoutError struct{ Err error }

func (e *TimeoutError) Error() string { return fmt.Sprintf("derp: timeout: %v", e.Err) }
func (e *TimeoutError) Unwrap() error { return e.Err }

// CapacityError indicates a bounded queue (mailbox, dispatch channel) was
// full. The caller decides whether that means "drop the payload" or
// "close the offending connection".
type CapacityError struct{ Err error }

func (e *CapacityError) Error() string { return fmt.Sprintf("derp: capacity: %v", e.Err) }
func (e *CapacityError) Unwrap() error { return e.Err }

func protoErrf(format string, args ...any) error {
	return &ProtocolError{Err: fmt.Errorf(format, args...)}
}

func timeoutErrf(format string, args ...any) error {
	return &TimeoutError{Err: fmt.Errorf(format, args...)}
}
