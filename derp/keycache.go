package derp

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pymq/relay/internal/key"
)

// DefaultKeyCacheCapacity is the default number of decoded public keys a
// KeyCache holds onto, per spec.md §4.B.
const DefaultKeyCacheCapacity = 1024

// KeyCache amortizes key decoding across the lifetime of the server
// process. It is passed explicitly to every component that needs to turn
// wire bytes into a key.NodePublic, rather than living behind a package
// global (see SPEC_FULL.md's DOMAIN STACK notes).
type KeyCache struct {
	c *lru.Cache[[key.Length]byte, key.NodePublic]
}

// NewKeyCache builds a KeyCache with the given capacity. A non-positive
// capacity falls back to DefaultKeyCacheCapacity.
func NewKeyCache(capacity int) *KeyCache {
	if capacity <= 0 {
		capacity = DefaultKeyCacheCapacity
	}
	c, err := lru.New[[key.Length]byte, key.NodePublic](capacity)
	if err != nil {
		// Only returns an error for a non-positive size, which we've
		// already guarded against.
		panic(err)
	}
	return &KeyCache{c: c}
}

// GetOrInsert returns the cached key.NodePublic for raw, decoding and
// validating it first if this is the first time raw has been seen. It
// never returns a handle that bypassed validation (spec.md invariant 5).
func (kc *KeyCache) GetOrInsert(raw []byte) (key.NodePublic, error) {
	if len(raw) != key.Length {
		return key.NodePublic{}, &ProtocolError{Err: key.ErrInvalidKey}
	}
	var a [key.Length]byte
	copy(a[:], raw)

	if pub, ok := kc.c.Get(a); ok {
		return pub, nil
	}

	pub, err := key.NodePublicFromBytes(raw)
	if err != nil || pub.IsZero() {
		return key.NodePublic{}, &ProtocolError{Err: key.ErrInvalidKey}
	}
	kc.c.Add(a, pub)
	return pub, nil
}

// Len reports the number of entries currently cached. Exposed for tests
// and metrics, not on the hot path.
func (kc *KeyCache) Len() int { return kc.c.Len() }
