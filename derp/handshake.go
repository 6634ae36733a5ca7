package derp

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/pymq/relay/internal/key"
	"github.com/pymq/relay/internal/logger"
)

// clientInfoDomain is prepended to the JSON-encoded ClientInfo payload
// before hashing, so a signature over a ClientInfo can never be replayed
// as a signature over some other message shape (spec.md §4.C step 3).
const clientInfoDomain = "iroh-relay-client-info"

// ClientInfo is the handshake payload a client signs to prove possession
// of its private key (spec.md §3).
type ClientInfo struct {
	Version int `json:"version"`
}

// sendServerKey writes the first frame a server ever sends: its own
// public key, so the client knows who it's talking to.
func sendServerKey(bw *bufio.Writer, serverPub key.NodePublic) error {
	raw := serverPub.Raw()
	payload := make([]byte, 0, len(serverKeyMagic)+key.Length)
	payload = append(payload, serverKeyMagic...)
	payload = append(payload, raw[:]...)
	return writeFrame(bw, frameServerKey, payload)
}

// handshakeResult is what a successful server-side handshake yields.
type handshakeResult struct {
	ClientKey key.NodePublic
	Info      ClientInfo
}

// serverHandshake performs the server side of the handshake described in
// spec.md §4.C: send ServerKey, await ClientInfo within
// HandshakeTimeout, verify the signature and protocol version.
//
// The signature check runs inline on the calling goroutine.
func serverHandshake(ctx context.Context, br *bufio.Reader, bw *bufio.Writer, serverPub key.NodePublic, kc *KeyCache, logf logger.Logf) (handshakeResult, error) {
	if err := sendServerKey(bw, serverPub); err != nil {
		return handshakeResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	type frameResult struct {
		t       FrameType
		payload []byte
		err     error
	}
	resultCh := make(chan frameResult, 1)
	go func() {
		t, payload, err := readFrame(br)
		resultCh <- frameResult{t, payload, err}
	}()

	var fr frameResult
	select {
	case fr = <-resultCh:
	case <-ctx.Done():
		return handshakeResult{}, timeoutErrf("waiting for ClientInfo frame: %w", ctx.Err())
	}
	if fr.err != nil {
		return handshakeResult{}, fr.err
	}
	if fr.t != frameClientInfo {
		return handshakeResult{}, protoErrf("expected ClientInfo frame, got %v", fr.t)
	}

	const sigLen = 64
	if len(fr.payload) < key.Length+sigLen {
		return handshakeResult{}, protoErrf("ClientInfo frame too short: %d bytes", len(fr.payload))
	}
	rawKey := fr.payload[:key.Length]
	sig := fr.payload[key.Length : key.Length+sigLen]
	infoBytes := fr.payload[key.Length+sigLen:]

	clientKey, err := kc.GetOrInsert(rawKey)
	if err != nil {
		return handshakeResult{}, protoErrf("invalid client key: %w", err)
	}

	digest := sha256.Sum256(append([]byte(clientInfoDomain), infoBytes...))
	if !clientKey.Verify(digest[:], sig) {
		logf("handshake: bad signature from %s", clientKey)
		return handshakeResult{}, protoErrf("BadSignature")
	}

	var info ClientInfo
	if err := json.Unmarshal(infoBytes, &info); err != nil {
		return handshakeResult{}, protoErrf("invalid ClientInfo JSON: %w", err)
	}
	if info.Version != ProtocolVersion {
		return handshakeResult{}, protoErrf("VersionMismatch: client=%d server=%d", info.Version, ProtocolVersion)
	}

	return handshakeResult{ClientKey: clientKey, Info: info}, nil
}

// writeClientInfoFrame encodes and sends a signed ClientInfo frame, the
// client side of the handshake. Exposed so the Client SDK type in
// client_sdk.go can reuse it.
func writeClientInfoFrame(bw *bufio.Writer, priv key.NodePrivate, info ClientInfo) error {
	infoBytes, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("derp: marshal ClientInfo: %w", err)
	}
	digest := sha256.Sum256(append([]byte(clientInfoDomain), infoBytes...))
	sig := priv.Sign(digest[:])

	pub := priv.Public().Raw()
	payload := make([]byte, 0, key.Length+len(sig)+len(infoBytes))
	payload = append(payload, pub[:]...)
	payload = append(payload, sig...)
	payload = append(payload, infoBytes...)
	return writeFrame(bw, frameClientInfo, payload)
}

// recvServerKey is the client side of reading the server's greeting
// frame.
func recvServerKey(br *bufio.Reader) (key.NodePublic, error) {
	t, payload, err := readFrame(br)
	if err != nil {
		return key.NodePublic{}, err
	}
	if t != frameServerKey {
		return key.NodePublic{}, protoErrf("expected ServerKey frame, got %v", t)
	}
	if len(payload) != len(serverKeyMagic)+key.Length {
		return key.NodePublic{}, protoErrf("malformed ServerKey frame")
	}
	if string(payload[:len(serverKeyMagic)]) != serverKeyMagic {
		return key.NodePublic{}, protoErrf("bad ServerKey magic")
	}
	return key.NodePublicFromBytes(payload[len(serverKeyMagic):])
}
