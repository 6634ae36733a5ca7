package derp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pymq/relay/internal/key"
	"github.com/pymq/relay/internal/logger"
	"github.com/pymq/relay/internal/ratelimit"
)

// outboundFrame is one entry in a connSlot's mailbox.
type outboundFrame struct {
	t       FrameType
	payload []byte
}

// connSlot is the registry entry for one connected public key — spec.md
// §3's ConnectionSlot. The dispatcher owns the map of these; the read and
// write loops below hold a reference to their own slot and, via the
// dispatcher's published snapshot, look up others.
type connSlot struct {
	id        string // uuid, for log correlation only
	nodeID    key.NodePublic
	epoch     uint64
	mailbox   chan outboundFrame
	createdAt time.Time
	lastSeen  atomic.Int64 // unix nanos

	bytesRecv atomic.Uint64
	bytesSent atomic.Uint64

	cancel context.CancelFunc
	logf   logger.Logf

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnSlot(nodeID key.NodePublic, epoch uint64, cancel context.CancelFunc, logf logger.Logf) *connSlot {
	s := &connSlot{
		id:        uuid.NewString(),
		nodeID:    nodeID,
		epoch:     epoch,
		mailbox:   make(chan outboundFrame, mailboxCapacity),
		createdAt: time.Now(),
		cancel:    cancel,
		logf:      logf,
		closed:    make(chan struct{}),
	}
	s.lastSeen.Store(time.Now().UnixNano())
	return s
}

// enqueue attempts a non-blocking send into the mailbox. It reports false
// if the mailbox was full or the slot already closed — in both cases the
// caller must drop the frame rather than block (spec.md invariant 3).
func (s *connSlot) enqueue(f outboundFrame) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.mailbox <- f:
		return true
	default:
		return false
	}
}

func (s *connSlot) noteSeen() { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *connSlot) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// clientConnDeps bundles everything a running connection needs beyond the
// transport itself.
type clientConnDeps struct {
	dispatcher *Dispatcher
	keyCache   *KeyCache
	limiter    *ratelimit.Limiter
	metrics    *Metrics
	logf       logger.Logf
}

// runClientConnection drives one upgraded transport end to end: it
// performs the handshake, registers with the dispatcher, and runs the
// read and write loops until either exits, then deregisters and closes
// the transport. It returns once the connection is fully torn down.
func runClientConnection(ctx context.Context, conn net.Conn, serverPub key.NodePublic, deps clientConnDeps) error {
	defer conn.Close()

	br := bufio.NewReader(conn)
	// Sized so a whole frame fits and each flush is a single conn.Write,
	// which the websocket adapter sends as one message.
	bw := bufio.NewWriterSize(conn, frameHeaderLen+MaxFramePayloadSize)

	conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	hs, err := serverHandshake(ctx, br, bw, serverPub, deps.keyCache, deps.logf)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		deps.metrics.IncHandshakeFailures()
		if _, ok := err.(*TimeoutError); ok {
			deps.metrics.IncTimeouts()
		} else {
			deps.metrics.IncProtocolErrors()
		}
		deps.logf("handshake failed: %v", err)
		return err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	slot := newConnSlot(hs.ClientKey, 0, cancel, deps.logf)
	slot.logf = logger.WithPrefix(deps.logf, fmt.Sprintf("[%s %s] ", hs.ClientKey, slot.id[:8]))
	epoch, err := deps.dispatcher.Register(connCtx, slot)
	if err != nil {
		deps.logf("register failed for %s: %v", hs.ClientKey, err)
		return err
	}
	slot.epoch = epoch

	deps.metrics.ConnOpened()
	defer deps.metrics.ConnClosed()
	defer deps.dispatcher.Deregister(hs.ClientKey, epoch)
	defer slot.markClosed()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		if err := readLoop(connCtx, br, slot, deps); err != nil {
			classifyReadLoopErr(err, deps.metrics)
			slot.logf("read loop exit: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		if err := writeLoop(connCtx, bw, conn, slot, deps); err != nil {
			slot.logf("write loop exit: %v", err)
		}
	}()
	wg.Wait()
	return nil
}

// classifyReadLoopErr counts a readLoop exit error against the metrics
// named in spec.md §7: protocol errors (bad frame, oversize, unknown
// type) bump protocol_errors; timeouts bump timeouts. Plain context
// cancellation (graceful teardown, or the other goroutine exiting first)
// and ordinary transport errors (EOF, reset) aren't protocol or timeout
// failures and are left uncounted here.
func classifyReadLoopErr(err error, metrics *Metrics) {
	switch err.(type) {
	case *ProtocolError:
		metrics.IncProtocolErrors()
	case *TimeoutError:
		metrics.IncTimeouts()
	}
}

// readLoop is spec.md §4.E's "Read loop."
func readLoop(ctx context.Context, br *bufio.Reader, slot *connSlot, deps clientConnDeps) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		t, n, err := readFrameHeader(br)
		if err != nil {
			return err
		}
		frameTotal := frameHeaderLen + int(n)

		if err := deps.limiter.Wait(ctx, frameTotal); err != nil {
			return err
		}

		payload := make([]byte, n)
		if _, err := ioReadFullCtx(ctx, br, payload); err != nil {
			return err
		}
		slot.bytesRecv.Add(uint64(frameTotal))
		deps.metrics.AddBytesReceived(frameTotal)

		switch t {
		case frameSendPacket:
			if err := handleSendPacket(slot, payload, deps); err != nil {
				return err
			}
		case framePing:
			if len(payload) != 8 {
				return protoErrf("malformed Ping frame")
			}
			var pong [8]byte
			copy(pong[:], payload)
			if !slot.enqueue(outboundFrame{t: framePong, payload: pong[:]}) {
				deps.metrics.IncDroppedFullMailbox()
			}
		case framePong:
			if len(payload) != 8 {
				return protoErrf("malformed Pong frame")
			}
			slot.noteSeen()
		case frameKeepAlive:
			slot.noteSeen()
		default:
			return protoErrf("unexpected frame type from client: %v", t)
		}
	}
}

func handleSendPacket(slot *connSlot, payload []byte, deps clientConnDeps) error {
	if len(payload) < key.Length {
		return protoErrf("SendPacket frame too short")
	}
	dst, err := key.NodePublicFromBytes(payload[:key.Length])
	if err != nil {
		return protoErrf("bad destination key in SendPacket: %w", err)
	}
	pkt := payload[key.Length:]

	snapshot := deps.dispatcher.Snapshot()
	destSlot, ok := snapshot[dst]
	if !ok {
		// Destination absent: drop silently, no NACK (spec.md §4.E).
		return nil
	}
	src := slot.nodeID.Raw()
	framePayload := make([]byte, 0, key.Length+len(pkt))
	framePayload = append(framePayload, src[:]...)
	framePayload = append(framePayload, pkt...)

	if destSlot.enqueue(outboundFrame{t: frameRecvPacket, payload: framePayload}) {
		deps.metrics.IncForwarded()
	} else {
		deps.metrics.IncDroppedFullMailbox()
	}
	return nil
}

// writeLoop is spec.md §4.E's "Write loop." On cancellation it drains any
// frame already sitting in the mailbox before exiting: a forced
// replacement enqueues a best-effort PeerGone into the evicted slot's own
// mailbox and then cancels it (spec.md property 8), and without this
// drain the cancellation could win the race against delivering that
// already-enqueued frame.
func writeLoop(ctx context.Context, bw *bufio.Writer, conn net.Conn, slot *connSlot, deps clientConnDeps) error {
	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-slot.mailbox:
			if err := writeMailboxFrame(conn, bw, f, slot, deps); err != nil {
				return err
			}
			ticker.Reset(KeepAliveInterval)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return drainMailbox(conn, bw, slot, deps, ctx.Err())
		case <-ticker.C:
			if err := writeDeadlined(conn, bw, frameKeepAlive, nil); err != nil {
				deps.metrics.IncTimeouts()
				return err
			}
		case f := <-slot.mailbox:
			if err := writeMailboxFrame(conn, bw, f, slot, deps); err != nil {
				return err
			}
			ticker.Reset(KeepAliveInterval)
		}
	}
}

// drainMailbox flushes any frames still sitting in slot's mailbox,
// best-effort, before returning exitErr. It never blocks: a mailbox that
// keeps refilling faster than it's drained would otherwise delay
// shutdown indefinitely.
func drainMailbox(conn net.Conn, bw *bufio.Writer, slot *connSlot, deps clientConnDeps, exitErr error) error {
	for {
		select {
		case f := <-slot.mailbox:
			writeMailboxFrame(conn, bw, f, slot, deps)
		default:
			return exitErr
		}
	}
}

func writeMailboxFrame(conn net.Conn, bw *bufio.Writer, f outboundFrame, slot *connSlot, deps clientConnDeps) error {
	n := frameHeaderLen + len(f.payload)
	if err := writeDeadlined(conn, bw, f.t, f.payload); err != nil {
		deps.metrics.IncTimeouts()
		return err
	}
	slot.bytesSent.Add(uint64(n))
	deps.metrics.AddBytesSent(n)
	return nil
}

func writeDeadlined(conn net.Conn, bw *bufio.Writer, t FrameType, payload []byte) error {
	conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return writeFrame(bw, t, payload)
}

// ioReadFullCtx reads len(buf) bytes from br, honoring ctx cancellation by
// racing the blocking read against ctx.Done. The underlying reader isn't
// actually interruptible mid-syscall; in practice the connection's read
// deadline (set by the caller closing the net.Conn on cancel) unblocks it.
func ioReadFullCtx(ctx context.Context, br *bufio.Reader, buf []byte) (int, error) {
	type res struct {
		n   int
		err error
	}
	ch := make(chan res, 1)
	go func() {
		n := 0
		for n < len(buf) {
			m, err := br.Read(buf[n:])
			n += m
			if err != nil {
				ch <- res{n, shortReadErr(err)}
				return
			}
		}
		ch <- res{n, nil}
	}()
	select {
	case r := <-ch:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
