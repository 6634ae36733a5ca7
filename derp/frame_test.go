package derp

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestRoundTripFraming(t *testing.T) {
	cases := []struct {
		name    string
		typ     FrameType
		payload []byte
	}{
		{"empty", frameKeepAlive, nil},
		{"small", framePing, []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{"at-max", frameSendPacket, bytes.Repeat([]byte{0xAB}, MaxFramePayloadSize)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			bw := bufio.NewWriter(&buf)
			if err := writeFrame(bw, c.typ, c.payload); err != nil {
				t.Fatalf("writeFrame: %v", err)
			}
			br := bufio.NewReader(&buf)
			gotType, gotPayload, err := readFrame(br)
			if err != nil {
				t.Fatalf("readFrame: %v", err)
			}
			if gotType != c.typ {
				t.Errorf("type = %v, want %v", gotType, c.typ)
			}
			if !bytes.Equal(gotPayload, c.payload) {
				t.Errorf("payload mismatch: got %d bytes, want %d", len(gotPayload), len(c.payload))
			}
		})
	}
}

func TestWriteFrameRefusesOversizePayload(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	big := make([]byte, MaxFramePayloadSize+1)
	err := writeFrame(bw, frameSendPacket, big)
	if err == nil {
		t.Fatal("expected error for oversize payload, got nil")
	}
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
}

func TestReadFrameRejectsOversizeLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	// Hand-craft a header declaring a length above the max, no payload.
	if err := writeFrameHeader(bw, frameSendPacket, MaxFramePayloadSize+6); err != nil {
		t.Fatal(err)
	}
	bw.Flush()

	br := bufio.NewReader(&buf)
	_, _, err := readFrame(br)
	if err == nil {
		t.Fatal("expected FrameTooLarge error, got nil")
	}
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
}

func TestReadFrameShortMidFrame(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	if err := writeFrameHeader(bw, framePing, 8); err != nil {
		t.Fatal(err)
	}
	bw.Write([]byte{1, 2, 3}) // declare 8 bytes, only write 3
	bw.Flush()

	br := bufio.NewReader(&buf)
	_, _, err := readFrame(br)
	if err == nil {
		t.Fatal("expected ShortRead error, got nil")
	}
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProtocolError for short mid-frame read, got %T: %v", err, err)
	}
}

func TestReadFrameCleanEOFAtBoundary(t *testing.T) {
	br := bufio.NewReader(bytes.NewReader(nil))
	_, _, err := readFrame(br)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at frame boundary, got %v", err)
	}
}
