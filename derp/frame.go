package derp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// frameHeaderLen is the size of the type+length prefix on every frame:
// 1 byte type, 4 bytes big-endian length (spec.md §4.A).
const frameHeaderLen = 1 + 4

// writeFrameHeader writes the type+length prefix for a frame whose
// payload is payloadLen bytes. It does not flush.
func writeFrameHeader(bw *bufio.Writer, t FrameType, payloadLen uint32) error {
	if err := bw.WriteByte(byte(t)); err != nil {
		return &TransportError{Err: err}
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], payloadLen)
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

// writeFrame writes a complete frame (header + payload) and flushes.
func writeFrame(bw *bufio.Writer, t FrameType, payload []byte) error {
	if len(payload) > MaxFramePayloadSize {
		return protoErrf("frame payload %d exceeds max %d", len(payload), MaxFramePayloadSize)
	}
	if err := writeFrameHeader(bw, t, uint32(len(payload))); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := bw.Write(payload); err != nil {
			return &TransportError{Err: err}
		}
	}
	if err := bw.Flush(); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

// readFrameHeader reads and validates the type+length prefix of the next
// frame, enforcing MaxFramePayloadSize.
func readFrameHeader(br *bufio.Reader) (t FrameType, payloadLen uint32, err error) {
	tb, err := br.ReadByte()
	if err == io.EOF {
		// EOF before the type byte: a clean disconnect at a frame boundary.
		return 0, 0, io.EOF
	}
	if err != nil {
		return 0, 0, shortReadErr(err)
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		return 0, 0, shortReadErr(err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFramePayloadSize {
		return 0, 0, &ProtocolError{Err: fmt.Errorf("FrameTooLarge: length %d exceeds max %d", n, MaxFramePayloadSize)}
	}
	return FrameType(tb), n, nil
}

// readFrame reads one complete frame into a freshly allocated buffer. The
// server's per-connection read loop instead calls readFrameHeader and
// reads the payload separately, so it can apply the receive rate limit
// between the two.
func readFrame(br *bufio.Reader) (t FrameType, payload []byte, err error) {
	t, n, err := readFrameHeader(br)
	if err != nil {
		return 0, nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return 0, nil, shortReadErr(err)
	}
	return t, buf, nil
}

// shortReadErr classifies an I/O error from mid-frame reads. EOF at a
// frame boundary is a clean disconnect, which readFrameHeader returns
// as-is (so callers can detect it with errors.Is(err, io.EOF)) without
// calling this; EOF or ErrUnexpectedEOF mid-frame is a protocol-level
// short read.
func shortReadErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return &ProtocolError{Err: fmt.Errorf("ShortRead: %w", err)}
	}
	return &TransportError{Err: err}
}
