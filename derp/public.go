package derp

import (
	"context"
	"net"

	"github.com/pymq/relay/internal/key"
	"github.com/pymq/relay/internal/logger"
	"github.com/pymq/relay/internal/ratelimit"
)

// RateLimitConfig is re-exported so callers outside this package (the
// HTTP gateway, cmd/derper) can configure the per-connection receive
// limiter without importing internal/ratelimit directly.
type RateLimitConfig = ratelimit.Config

// ConnectionDeps bundles everything RunConnection needs beyond the
// transport itself: the dispatcher to register with, the key cache for
// handshake verification, metrics, an optional receive rate limit, and a
// logger.
type ConnectionDeps struct {
	Dispatcher *Dispatcher
	KeyCache   *KeyCache
	Metrics    *Metrics
	RateLimit  RateLimitConfig
	Logf       logger.Logf
}

// RunConnection is the entry point an HTTP upgrade gateway (or any other
// transport adapter) calls once it has a raw duplex stream ready for the
// relay protocol. It blocks until the connection is fully torn down.
func RunConnection(ctx context.Context, conn net.Conn, serverPub key.NodePublic, deps ConnectionDeps) error {
	logf := deps.Logf
	if logf == nil {
		logf = logger.Discard
	}
	return runClientConnection(ctx, conn, serverPub, clientConnDeps{
		dispatcher: deps.Dispatcher,
		keyCache:   deps.KeyCache,
		limiter:    ratelimit.New(deps.RateLimit),
		metrics:    deps.Metrics,
		logf:       logf,
	})
}
