package derphttp

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// wsUpgrader is shared across requests; gorilla/websocket's Upgrader is
// safe for concurrent use once configured.
var wsUpgrader = websocket.Upgrader{
	// The relay protocol doesn't use Origin-based CSRF protection;
	// clients are native binaries and browsers connecting through
	// wasm, not same-origin web pages.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serveWebsocketUpgrade implements the websocket sub-protocol path of
// spec.md §4.G/§6: validate the handshake headers, switch protocols via
// gorilla/websocket, then bridge the message-oriented *websocket.Conn
// into the net.Conn shape the derp package expects — one relay frame per
// binary message.
func (g *Gateway) serveWebsocketUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		w.Header().Set("Sec-WebSocket-Version", "13")
		http.Error(w, "unsupported websocket version", http.StatusBadRequest)
		return
	}
	if r.Header.Get("Sec-WebSocket-Key") == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return
	}

	wsConn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote a response on failure.
		return
	}
	conn := &wsMessageConn{ws: wsConn}
	g.runDerpConnection(r.Context(), conn)
}

// wsMessageConn adapts a gorilla *websocket.Conn, which is message-
// oriented, into the byte-stream net.Conn shape the derp package's frame
// codec expects. Each Write call must correspond to exactly one relay
// frame (the codec always writes a complete frame per call via
// bufio.Writer.Flush), so it's written out as one binary WebSocket
// message; each Read drains the next binary message into the caller's
// buffer, short-reading if the message is larger than the buffer; the
// unread remainder is kept and returned by the following Reads.
type wsMessageConn struct {
	ws *websocket.Conn

	readBuf []byte // leftover bytes from a partially-consumed message
}

func (c *wsMessageConn) Read(p []byte) (int, error) {
	for len(c.readBuf) == 0 {
		t, msg, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if t != websocket.BinaryMessage {
			return 0, &protocolMessageTypeError{got: t}
		}
		c.readBuf = msg
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

func (c *wsMessageConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsMessageConn) Close() error                       { return c.ws.Close() }
func (c *wsMessageConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *wsMessageConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *wsMessageConn) SetDeadline(t time.Time) error      { c.ws.SetReadDeadline(t); return c.ws.SetWriteDeadline(t) }
func (c *wsMessageConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsMessageConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

type protocolMessageTypeError struct{ got int }

func (e *protocolMessageTypeError) Error() string {
	return "derphttp: text websocket message is a protocol error, binary required"
}

var _ net.Conn = (*wsMessageConn)(nil)
