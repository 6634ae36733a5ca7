package derphttp

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/crypto/acme/autocert"
)

// ManualTLSAcceptor loads a fixed certificate/key pair from disk, for
// deployments that manage their own certificates (spec.md §4.G, "Manual
// variant").
type ManualTLSAcceptor struct {
	cfg *tls.Config
}

// NewManualTLSAcceptor loads certFile/keyFile once at startup.
func NewManualTLSAcceptor(certFile, keyFile string) (*ManualTLSAcceptor, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("derphttp: loading TLS cert: %w", err)
	}
	return &ManualTLSAcceptor{cfg: &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}}, nil
}

func (a *ManualTLSAcceptor) TLSConfig() *tls.Config { return a.cfg }

func (a *ManualTLSAcceptor) Accept(conn net.Conn) (*tls.Conn, error) {
	tc := tls.Server(conn, a.cfg)
	if err := tc.Handshake(); err != nil {
		return nil, err
	}
	return tc, nil
}

// ACMETLSAcceptor obtains and renews certificates automatically via
// Let's Encrypt (spec.md §4.G, "ACME variant"), using
// golang.org/x/crypto/acme/autocert the same way the rest of the stack
// already depends on golang.org/x/crypto.
type ACMETLSAcceptor struct {
	mgr *autocert.Manager
	cfg *tls.Config
}

// NewACMETLSAcceptor builds an autocert-backed acceptor for the given
// hostnames, caching obtained certificates under cacheDir.
func NewACMETLSAcceptor(cacheDir string, hostnames ...string) *ACMETLSAcceptor {
	mgr := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(hostnames...),
		Cache:      autocert.DirCache(cacheDir),
	}
	cfg := mgr.TLSConfig()
	cfg.MinVersion = tls.VersionTLS12
	return &ACMETLSAcceptor{mgr: mgr, cfg: cfg}
}

func (a *ACMETLSAcceptor) TLSConfig() *tls.Config { return a.cfg }

// HTTPHandler returns the handler that must also be served on port 80 for
// ACME's http-01 challenge to succeed; callers wanting ACME are
// responsible for running it (spec.md leaves the plaintext listener's
// wiring to the deployer, per its Non-goals around ops/deployment
// concerns).
func (a *ACMETLSAcceptor) HTTPHandler(fallback http.Handler) http.Handler {
	return a.mgr.HTTPHandler(fallback)
}

func (a *ACMETLSAcceptor) Accept(conn net.Conn) (*tls.Conn, error) {
	tc := tls.Server(conn, a.cfg)
	if err := tc.Handshake(); err != nil {
		return nil, err
	}
	return tc, nil
}
