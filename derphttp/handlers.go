package derphttp

import (
	"fmt"
	"net/http"
	"regexp"
)

// handleProbe answers the liveness probe path (spec.md §6 "the probe
// endpoint"). It never inspects body or auth — any client that can reach
// the gateway at all is considered a successful probe.
func (g *Gateway) handleProbe(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) handleRobots(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, "User-agent: *\nDisallow: /\n")
}

func (g *Gateway) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>relay</title></head>
<body>
<h1>relay</h1>
<p>This is a relay server. See /derp/probe for liveness, /generate_204 for captive-portal detection.</p>
</body>
</html>
`

// challengeTokenRE matches the X-Tailscale-Challenge token format named in
// spec.md §6: ASCII letters, digits, dot, underscore, hyphen, under 64
// bytes.
var challengeTokenRE = regexp.MustCompile(`^[A-Za-z0-9._-]{1,63}$`)

// handleGenerate204 implements the captive-portal detection endpoint
// (spec.md §6, scenario S5): when TLS is disabled and the client sends a
// well-formed X-Tailscale-Challenge header, echo it back in an
// X-Tailscale-Response header ("response <token>", unsigned)
// alongside the 204; otherwise just answer 204 with no extra header. Over
// TLS, captive-portal probing makes no sense (a captive portal can't
// intercept TLS without breaking the handshake outright), so the
// challenge/response dance is skipped — still a plain 204.
func (g *Gateway) handleGenerate204(w http.ResponseWriter, r *http.Request) {
	if !g.tlsActive() {
		if tok := r.Header.Get("X-Tailscale-Challenge"); tok != "" && challengeTokenRE.MatchString(tok) {
			w.Header().Set("X-Tailscale-Response", "response "+tok)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
