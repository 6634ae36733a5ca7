// Package logger defines the minimal logging abstraction passed around the
// relay: a plain printf-shaped function, so callers can back it with
// whatever structured logger they like without the rest of the tree
// depending on it directly.
package logger

import (
	"fmt"
	"sync"
	"time"
)

// Logf is a printf-style logging function, the same shape every
// constructor in this tree (handshake, dispatcher, connection, gateway)
// accepts.
type Logf func(format string, args ...any)

// Discard drops everything logged to it.
func Discard(string, ...any) {}

// WithPrefix returns a Logf that prepends prefix to every message logged
// through logf.
func WithPrefix(logf Logf, prefix string) Logf {
	if prefix == "" {
		return logf
	}
	return func(format string, args ...any) {
		logf(prefix+format, args...)
	}
}

// RateLimited returns a Logf that forwards to logf at most once per burst
// window per distinct format string, dropping the rest. It protects the
// real logging backend from being flooded by a noisy or misbehaving
// connection (e.g. a peer retrying a bad handshake in a loop).
func RateLimited(logf Logf, window time.Duration) Logf {
	var mu sync.Mutex
	last := make(map[string]time.Time)
	return func(format string, args ...any) {
		mu.Lock()
		now := time.Now()
		if t, ok := last[format]; ok && now.Sub(t) < window {
			mu.Unlock()
			return
		}
		last[format] = now
		mu.Unlock()
		logf(format, args...)
	}
}

// Std adapts a standard-library-shaped logger (fmt.Sprintf + a Println-like
// sink) into a Logf, for tests and small tools that don't want to pull in
// zerolog.
func Std(println func(string)) Logf {
	return func(format string, args ...any) {
		println(fmt.Sprintf(format, args...))
	}
}
