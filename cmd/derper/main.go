// Command derper runs the relay hub: the HTTP upgrade gateway and the
// STUN responder, sharing one dispatcher, key cache and metrics
// registry. Configuration is a handful of flags (spec.md explicitly
// excludes CLI argument handling from scope, so no flag-parsing
// framework beyond the standard library is wired in here — matching
// `tailscale.com/cmd/derper`, itself a flag-based binary).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pymq/relay/derp"
	"github.com/pymq/relay/derphttp"
	"github.com/pymq/relay/internal/key"
	"github.com/pymq/relay/internal/logger"
	"github.com/pymq/relay/internal/paths"
	"github.com/pymq/relay/stund"
)

func main() {
	var (
		addr        = flag.String("a", ":443", "listen address for the HTTP upgrade gateway")
		metricsAddr = flag.String("metrics-addr", ":9090", "listen address for the Prometheus /metrics endpoint, empty to disable")
		stunAddr    = flag.String("stun-addr", ":3478", "listen address for the STUN responder, empty to disable")
		certFile    = flag.String("certfile", "", "TLS certificate file (manual mode); leave empty to disable TLS")
		keyFile     = flag.String("keyfile", "", "TLS key file (manual mode)")
		acmeHosts   = flag.String("acme-hostname", "", "hostname to request an ACME certificate for; overrides -certfile/-keyfile")
		acmeCache   = flag.String("acme-cache-dir", paths.DefaultACMECacheDir(), "directory for cached ACME certificates")
		keyCacheCap = flag.Int("keycache-capacity", derp.DefaultKeyCacheCapacity, "bounded LRU capacity for the handshake key cache")
		rateBPS     = flag.Int("recv-bytes-per-sec", 0, "per-connection receive rate limit in bytes/sec, 0 disables")
		rateBurst   = flag.Int("recv-burst-bytes", 0, "per-connection receive rate limit burst in bytes")
	)
	flag.Parse()

	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	logf := zerologLogf(zl)

	serverPriv, err := key.NewPrivate()
	if err != nil {
		zl.Fatal().Err(err).Msg("generating server key")
	}
	zl.Info().Str("publicKey", serverPriv.Public().String()).Msg("relay identity")

	reg := prometheus.NewRegistry()
	metrics := derp.NewMetrics(reg)
	dispatcher := derp.NewDispatcher(metrics, logf)
	keyCache := derp.NewKeyCache(*keyCacheCap)

	var tlsAcceptor derphttp.TLSAcceptor
	switch {
	case *acmeHosts != "":
		tlsAcceptor = derphttp.NewACMETLSAcceptor(*acmeCache, *acmeHosts)
	case *certFile != "" && *keyFile != "":
		tlsAcceptor, err = derphttp.NewManualTLSAcceptor(*certFile, *keyFile)
		if err != nil {
			zl.Fatal().Err(err).Msg("loading TLS material")
		}
	}

	gateway := derphttp.NewGateway(derphttp.Config{
		ServerPrivateKey: serverPriv,
		Dispatcher:       dispatcher,
		KeyCache:         keyCache,
		Metrics:          metrics,
		RateLimit: derp.RateLimitConfig{
			BytesPerSecond: *rateBPS,
			MaxBurstBytes:  *rateBurst,
		},
		TLS:  tlsAcceptor,
		Logf: logf,
	})

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		zl.Fatal().Err(err).Str("addr", *addr).Msg("binding gateway listener")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *metricsAddr != "" {
		go serveMetrics(ctx, *metricsAddr, reg, logf)
	}

	var stunResponder *stund.Responder
	if *stunAddr != "" {
		stunResponder, err = stund.Listen(*stunAddr, logf)
		if err != nil {
			zl.Fatal().Err(err).Str("addr", *stunAddr).Msg("binding STUN listener")
		}
		go func() {
			if err := stunResponder.Serve(ctx); err != nil && ctx.Err() == nil {
				logf("stun responder exited: %v", err)
			}
		}()
	}

	zl.Info().Str("addr", *addr).Bool("tls", tlsAcceptor != nil).Msg("gateway listening")
	if err := gateway.Serve(ctx, ln); err != nil {
		zl.Error().Err(err).Msg("gateway exited")
	}

	dispatcher.Shutdown(5 * time.Second)
	if stunResponder != nil {
		stunResponder.Close()
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logf logger.Logf) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logf("metrics server exited: %v", err)
	}
}

// zerologLogf adapts a zerolog.Logger to the logger.Logf shape used
// throughout the rest of the module.
func zerologLogf(zl zerolog.Logger) logger.Logf {
	return func(format string, args ...any) {
		zl.Info().Msg(fmt.Sprintf(format, args...))
	}
}
