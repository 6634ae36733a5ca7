// Package key implements the public/private key types used to identify
// relay clients. A NodePublic names a connection slot; a NodePrivate signs
// the handshake payload that proves possession of the corresponding public
// key.
package key

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
)

// Length of a NodePublic in wire form. A NodePrivate is
// ed25519.PrivateKeySize (64) bytes.
const Length = ed25519.PublicKeySize // 32

// NodePublic is a node's long-lived Ed25519 public key.
//
// The zero value is not a valid key; use IsZero to test for it.
type NodePublic struct {
	b [Length]byte
}

// NodePrivate is a node's long-lived Ed25519 private key.
type NodePrivate struct {
	b [ed25519.PrivateKeySize]byte
}

// NewPrivate generates a new random NodePrivate.
func NewPrivate() (NodePrivate, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return NodePrivate{}, fmt.Errorf("key: generate: %w", err)
	}
	var k NodePrivate
	copy(k.b[:], priv)
	return k, nil
}

// Public returns the public half of k.
func (k NodePrivate) Public() NodePublic {
	pub := ed25519.PrivateKey(k.b[:]).Public().(ed25519.PublicKey)
	var p NodePublic
	copy(p.b[:], pub)
	return p
}

// Sign signs msg with k, returning a 64-byte Ed25519 signature.
func (k NodePrivate) Sign(msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(k.b[:]), msg)
}

// IsZero reports whether k is the zero value.
func (k NodePrivate) IsZero() bool {
	var zero [ed25519.PrivateKeySize]byte
	return subtle.ConstantTimeCompare(k.b[:], zero[:]) == 1
}

// NodePublicFromBytes parses raw into a NodePublic without verifying
// anything beyond its length. Use the KeyCache for verified, deduplicated
// construction on the hot path.
func NodePublicFromBytes(raw []byte) (NodePublic, error) {
	if len(raw) != Length {
		return NodePublic{}, fmt.Errorf("key: bad public key length %d", len(raw))
	}
	var p NodePublic
	copy(p.b[:], raw)
	return p, nil
}

// Verify reports whether sig is a valid Ed25519 signature of msg by k.
func (k NodePublic) Verify(msg, sig []byte) bool {
	return ed25519.Verify(k.b[:], msg, sig)
}

// IsZero reports whether k is the zero value.
func (k NodePublic) IsZero() bool {
	var zero [Length]byte
	return k.b == zero
}

// Raw returns the 32 raw key bytes. The returned array is a copy.
func (k NodePublic) Raw() [Length]byte { return k.b }

// AppendTo appends the raw key bytes to dst and returns the extended slice.
func (k NodePublic) AppendTo(dst []byte) []byte { return append(dst, k.b[:]...) }

func (k NodePublic) String() string { return hex.EncodeToString(k.b[:]) }

// ErrInvalidKey is returned when a key has the wrong length or is all
// zero bytes. No curve-point validation is performed.
var ErrInvalidKey = errors.New("key: invalid public key")
