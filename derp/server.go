package derp

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pymq/relay/internal/key"
	"github.com/pymq/relay/internal/logger"
)

// Dispatcher is the single-actor registry described in spec.md §4.F: a
// map of currently connected public keys to connSlots, mutated only by
// its own goroutine via a bounded message channel, and published as a
// read-only snapshot for the hot SendPacket path.
type Dispatcher struct {
	reqCh     chan dispatchReq
	snapshot  atomic.Pointer[map[key.NodePublic]*connSlot]
	nextEpoch atomic.Uint64
	metrics   *Metrics
	logf      logger.Logf

	done chan struct{}
}

type dispatchReq struct {
	kind    dispatchKind
	slot    *connSlot
	nodeID  key.NodePublic
	epoch   uint64
	replyCh chan uint64
}

type dispatchKind int

const (
	reqCreateClient dispatchKind = iota
	reqRemoveClient
)

// NewDispatcher starts the dispatcher's actor goroutine. Call Shutdown to
// stop it.
func NewDispatcher(metrics *Metrics, logf logger.Logf) *Dispatcher {
	d := &Dispatcher{
		reqCh:   make(chan dispatchReq, dispatchChanCapacity),
		metrics: metrics,
		logf:    logf,
		done:    make(chan struct{}),
	}
	empty := map[key.NodePublic]*connSlot{}
	d.snapshot.Store(&empty)
	go d.run()
	return d
}

// Register enqueues a CreateClient message and returns the new slot's
// assigned epoch. If an existing slot for the same key is registered, it
// is sent a best-effort PeerGone frame and cancelled (spec.md §4.F,
// invariant 1; property 8).
func (d *Dispatcher) Register(ctx context.Context, slot *connSlot) (uint64, error) {
	replyCh := make(chan uint64, 1)
	req := dispatchReq{kind: reqCreateClient, slot: slot, replyCh: replyCh}
	if err := d.send(ctx, req); err != nil {
		return 0, err
	}
	select {
	case epoch := <-replyCh:
		return epoch, nil
	case <-ctx.Done():
		return 0, &TimeoutError{Err: ctx.Err()}
	}
}

// Deregister removes a slot, but only if its epoch still matches the
// currently registered one — a newer slot that replaced it must not be
// removed by a late-arriving deregistration from the old connection
// (spec.md §4.E, "slot_epoch").
func (d *Dispatcher) Deregister(nodeID key.NodePublic, epoch uint64) {
	// Best-effort: a full channel here means the dispatcher is
	// shutting down or badly backlogged; the slot's resources are
	// released by its own goroutines regardless (spec.md invariant 4),
	// so it's safe to drop this message rather than block the caller's
	// connection teardown.
	select {
	case d.reqCh <- dispatchReq{kind: reqRemoveClient, nodeID: nodeID, epoch: epoch}:
	default:
	}
}

// Snapshot returns the current read-only view of the registry. Read loops
// use this directly, without going through reqCh, to keep SendPacket
// latency to one hash lookup and one channel send (spec.md §4.F "Fast
// path").
func (d *Dispatcher) Snapshot() map[key.NodePublic]*connSlot {
	return *d.snapshot.Load()
}

// send delivers req to the actor goroutine, blocking up to
// DispatchSendWait. A full channel after that means the dispatcher is
// overloaded or stuck; the caller is expected to close the offending
// connection (spec.md §4.F).
func (d *Dispatcher) send(ctx context.Context, req dispatchReq) error {
	timer := time.NewTimer(DispatchSendWait)
	defer timer.Stop()
	select {
	case d.reqCh <- req:
		return nil
	case <-timer.C:
		return &CapacityError{Err: context.DeadlineExceeded}
	case <-ctx.Done():
		return &TimeoutError{Err: ctx.Err()}
	}
}

func (d *Dispatcher) run() {
	clients := make(map[key.NodePublic]*connSlot)
	defer close(d.done)
	for req := range d.reqCh {
		switch req.kind {
		case reqCreateClient:
			d.handleCreateClient(clients, req)
		case reqRemoveClient:
			d.handleRemoveClient(clients, req)
		}
		d.publish(clients)
	}
}

func (d *Dispatcher) handleCreateClient(clients map[key.NodePublic]*connSlot, req dispatchReq) {
	slot := req.slot
	if old, ok := clients[slot.nodeID]; ok {
		raw := old.nodeID.Raw()
		if !old.enqueue(outboundFrame{t: framePeerGone, payload: raw[:]}) {
			d.logf("peerGone delivery dropped for %s: mailbox full", old.nodeID)
		}
		old.cancel()
		d.metrics.IncForcedReplacements()
	}
	epoch := d.nextEpoch.Add(1)
	slot.epoch = epoch
	clients[slot.nodeID] = slot
	req.replyCh <- epoch
}

func (d *Dispatcher) handleRemoveClient(clients map[key.NodePublic]*connSlot, req dispatchReq) {
	cur, ok := clients[req.nodeID]
	if !ok || cur.epoch != req.epoch {
		return
	}
	delete(clients, req.nodeID)
}

func (d *Dispatcher) publish(clients map[key.NodePublic]*connSlot) {
	snap := make(map[key.NodePublic]*connSlot, len(clients))
	for k, v := range clients {
		snap[k] = v
	}
	d.snapshot.Store(&snap)
}

// Shutdown cancels every registered slot and waits (up to timeout) for the
// actor goroutine to drain its channel and exit. It does not itself close
// client transports; each connection's own write loop, once cancelled,
// flushes within WriteTimeout and closes its socket (spec.md §5 Graceful
// shutdown).
func (d *Dispatcher) Shutdown(timeout time.Duration) {
	for _, slot := range d.Snapshot() {
		slot.cancel()
	}
	close(d.reqCh)
	select {
	case <-d.done:
	case <-time.After(timeout):
		d.logf("dispatcher shutdown timed out after %v", timeout)
	}
}
