// Package derphttp implements the HTTP/1.1 upgrade gateway described in
// spec.md §4.G: it accepts TCP, optionally terminates TLS, and routes the
// relay upgrade paths (and a small set of auxiliary handlers) to the derp
// package's connection handling.
package derphttp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pymq/relay/derp"
	"github.com/pymq/relay/internal/key"
	"github.com/pymq/relay/internal/logger"
)

// listenBacklog is the TCP accept backlog requested from the kernel
// (spec.md §4.G). Go's net package doesn't expose backlog tuning
// directly; it's recorded here for documentation and surfaced to
// deployment configs (e.g. net.core.somaxconn) rather than enforced in
// code.
const listenBacklog = 2048

// TLSAcceptor is the collaborator interface named in spec.md §6: it wraps
// a plain TCP connection in TLS. See tls.go for the manual and ACME
// implementations.
type TLSAcceptor interface {
	Accept(conn net.Conn) (*tls.Conn, error)
	TLSConfig() *tls.Config
}

// Config configures a Gateway.
type Config struct {
	ServerPrivateKey key.NodePrivate
	Dispatcher       *derp.Dispatcher
	KeyCache         *derp.KeyCache
	Metrics          *derp.Metrics
	RateLimit        derp.RateLimitConfig
	TLS              TLSAcceptor // nil disables TLS
	Logf             logger.Logf
}

// Gateway is the HTTP upgrade server described in spec.md §4.G. It owns a
// net.Listener and a stdlib http.Server configured to hijack the upgrade
// routes itself.
type Gateway struct {
	cfg    Config
	mux    *http.ServeMux
	server *http.Server

	mu   sync.Mutex
	auxH map[string]http.HandlerFunc
}

// NewGateway builds a Gateway from cfg. It does not start listening;
// call Serve.
func NewGateway(cfg Config) *Gateway {
	if cfg.Logf == nil {
		cfg.Logf = logger.Discard
	}
	g := &Gateway{cfg: cfg, mux: http.NewServeMux()}
	g.registerRoutes()
	g.server = &http.Server{Handler: withSecurityHeaders(g, g.mux)}
	return g
}

// Handle registers an auxiliary (method, path) handler, per spec.md §4.G
// "Configured auxiliary (Method, path) handlers". method is matched
// case-sensitively against r.Method; path is matched exactly.
func (g *Gateway) Handle(method, path string, h http.HandlerFunc) {
	g.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	})
}

func (g *Gateway) registerRoutes() {
	g.mux.HandleFunc("/relay", g.handleUpgrade)
	g.mux.HandleFunc("/derp", g.handleUpgrade) // legacy alias
	g.mux.HandleFunc("/derp/probe", g.handleProbe)
	g.mux.HandleFunc("/robots.txt", g.handleRobots)
	g.mux.HandleFunc("/", g.handleIndex)
	g.mux.HandleFunc("/index.html", g.handleIndex)
	g.mux.HandleFunc("/generate_204", g.handleGenerate204)
}

// Serve accepts connections on ln until ctx is cancelled, dispatching each
// to the stdlib HTTP server (which in turn calls handleUpgrade for
// matching requests). If cfg.TLS is set, connections are TLS-wrapped
// before being handed to the HTTP parser.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	if tcpLn, ok := ln.(*net.TCPListener); ok {
		_ = tcpLn // backlog is a listen()-time kernel parameter; see listenBacklog doc.
	}

	var servingLn net.Listener = ln
	if g.cfg.TLS != nil {
		servingLn = tls.NewListener(ln, g.cfg.TLS.TLSConfig())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- g.server.Serve(servingLn) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return g.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (g *Gateway) tlsActive() bool { return g.cfg.TLS != nil }

func withSecurityHeaders(g *Gateway, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.tlsActive() {
			w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			w.Header().Set("Content-Security-Policy",
				"default-src 'none'; frame-ancestors 'none'; form-action 'none'; base-uri 'self'; block-all-mixed-content; plugin-types 'none'")
		}
		h.ServeHTTP(w, r)
	})
}

// handleUpgrade routes GET /relay and /derp to either the raw derp
// transport or the websocket sub-protocol, per spec.md §4.G / §6.
func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch r.Header.Get("Upgrade") {
	case "websocket":
		g.cfg.Metrics.IncWebsocketAccepts()
		g.serveWebsocketUpgrade(w, r)
	case "derp", "DERP":
		g.cfg.Metrics.IncDerpAccepts()
		g.serveRawUpgrade(w, r)
	default:
		http.Error(w, "missing or unsupported Upgrade header", http.StatusBadRequest)
	}
}

// serveRawUpgrade performs the bare HTTP 101 switch for the native derp
// framing (no sub-protocol container): after the header exchange, the
// connection is handed byte-for-byte to the derp package.
func (g *Gateway) serveRawUpgrade(w http.ResponseWriter, r *http.Request) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(brw, "HTTP/1.1 101 Switching Protocols\r\nUpgrade: derp\r\nConnection: Upgrade\r\n\r\n")
	if err := brw.Flush(); err != nil {
		conn.Close()
		return
	}
	g.runDerpConnection(r.Context(), conn)
}

func (g *Gateway) runDerpConnection(ctx context.Context, conn net.Conn) {
	derp.RunConnection(ctx, conn, g.cfg.ServerPrivateKey.Public(), derp.ConnectionDeps{
		Dispatcher: g.cfg.Dispatcher,
		KeyCache:   g.cfg.KeyCache,
		Metrics:    g.cfg.Metrics,
		RateLimit:  g.cfg.RateLimit,
		Logf:       g.cfg.Logf,
	})
}
