// Package relay implements the encrypted TCP relay core: TCPRelay (the
// acceptor and timeout sweeper) and Handler (the per-connection staged
// protocol machine), grounded on
// original_source/shadowsocks/shadowsocks/tcprelay.py's TCPRelay/
// TCPRelayHandler pair and SeleniaProject-Orizon's netstack.TCPServer for
// the Go-idiomatic acceptor/backoff shape.
package relay

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/relaymesh/sockrelay/internal/config"
	"github.com/relaymesh/sockrelay/internal/debug"
	"github.com/relaymesh/sockrelay/internal/logging"
	"github.com/relaymesh/sockrelay/internal/metrics"
	"github.com/relaymesh/sockrelay/internal/reactor"
	"github.com/relaymesh/sockrelay/internal/resolver"
)

// timeoutsCleanSize is TIMEOUTS_CLEAN_SIZE from spec.md §4.2: the
// compaction threshold for the timeout ring.
const timeoutsCleanSize = 512

// StatCallback reports bytes relayed on a listen port, mirroring the
// original's optional stat_callback hook used by a management process.
type StatCallback func(listenPort int, bytesDelta int)

// snapshotTimeout bounds how long a DebugSnapshot caller waits for the
// reactor goroutine to answer, so a stuck reactor degrades the debug
// endpoint instead of leaking a goroutine per request.
const snapshotTimeout = 2 * time.Second

// snapshotRequest is handed to the reactor goroutine over
// TCPRelay.snapshotReqs; it answers on reply once it has built a snapshot
// from handler state it alone owns.
type snapshotRequest struct {
	reply chan []debug.HandlerSnapshot
}

// TCPRelay owns the listening socket, the live handler set, and the
// idle-timeout aging ring described in spec.md §3/§4.2.
type TCPRelay struct {
	cfg      *config.RelayConfig
	resolver resolver.Resolver
	log      logging.Logger
	stats    StatCallback
	metrics  *metrics.Registry

	loop *reactor.Reactor

	listenFD       reactor.FD
	listenFastOpen bool

	// wakeFD/wakeWriteFD are the self-pipe DebugSnapshot uses to ask the
	// reactor goroutine for a snapshot without touching handler state from
	// any other goroutine (spec.md §5's single-owner rule).
	wakeFD      reactor.FD
	wakeWriteFD int

	snapshotReqs chan snapshotRequest

	handlersByFD map[reactor.FD]*Handler

	// timeouts is the append-only ring: a nil slot is a tombstone.
	timeouts      []*Handler
	handlerToSlot map[*Handler]int
	sweepOffset   int

	closed      bool
	addedToLoop bool

	acceptBackoff time.Duration

	// fatalErr records why the relay shut itself down when that wasn't
	// requested by the caller (e.g. the listen socket itself errored).
	// spec.md §4.2/§7 require this to be fatal and to propagate upward;
	// Run returning nil doesn't by itself distinguish a clean Stop from
	// this, so the caller checks FatalErr after loop.Run returns.
	fatalErr error
}

// FatalErr reports the reason the relay tore itself down, if it did so on
// its own (rather than via an explicit Close from the caller). The result
// is only meaningful once the owning Reactor's Run has returned.
func (r *TCPRelay) FatalErr() error {
	return r.fatalErr
}

// New constructs a TCPRelay bound to cfg.ListenAddr:cfg.ListenPort. The
// listen socket is created, bound, and put into listening state before
// New returns; any failure here is fatal to the relay per spec.md §7.
func New(cfg *config.RelayConfig, res resolver.Resolver, log logging.Logger, stats StatCallback, reg *metrics.Registry) (*TCPRelay, error) {
	if log == nil {
		log = logging.Discard()
	}
	fd, gotFastOpen, err := listenSocket(cfg.ListenAddr, cfg.ListenPort, cfg.FastOpen, func(msg string) { log.Warn(msg) })
	if err != nil {
		return nil, err
	}
	wakeReadFD, wakeWriteFD, err := wakePipe()
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	r := &TCPRelay{
		cfg:            cfg,
		resolver:       res,
		log:            log,
		stats:          stats,
		metrics:        reg,
		listenFD:       reactor.FD(fd),
		listenFastOpen: gotFastOpen,
		wakeFD:         reactor.FD(wakeReadFD),
		wakeWriteFD:    wakeWriteFD,
		snapshotReqs:   make(chan snapshotRequest, 8),
		handlersByFD:   make(map[reactor.FD]*Handler),
		handlerToSlot:  make(map[*Handler]int),
	}
	return r, nil
}

// AddToLoop registers the listen socket and the periodic sweep callback
// with loop. Calling it twice fails, matching spec.md §4.2.
func (r *TCPRelay) AddToLoop(loop *reactor.Reactor) error {
	if r.addedToLoop {
		return fmt.Errorf("relay: already added to loop")
	}
	if r.closed {
		return fmt.Errorf("relay: already closed")
	}
	r.loop = loop
	if err := loop.Add(r.listenFD, reactor.In|reactor.Err, r); err != nil {
		return err
	}
	if err := loop.Add(r.wakeFD, reactor.In|reactor.Err, r); err != nil {
		return err
	}
	loop.AddPeriodic(r.handlePeriodic)
	r.addedToLoop = true
	return nil
}

func (r *TCPRelay) registerFD(fd reactor.FD, h *Handler) {
	r.handlersByFD[fd] = h
}

func (r *TCPRelay) unregisterFD(fd reactor.FD) {
	delete(r.handlersByFD, fd)
}

// HandleEvent implements reactor.Handler for the listen socket and the
// internal wake-pipe used by DebugSnapshot.
func (r *TCPRelay) HandleEvent(fd reactor.FD, mask reactor.Mask) {
	if fd == r.wakeFD {
		r.drainWake()
		return
	}
	if fd != r.listenFD {
		if h, ok := r.handlersByFD[fd]; ok {
			h.HandleEvent(fd, mask)
		}
		return
	}
	if mask.Has(reactor.Err) {
		r.fatalErr = fmt.Errorf("relay: listen socket error")
		r.log.Error(r.fatalErr.Error())
		// A listen-socket error is fatal per spec.md §4.2/§7: the fd is
		// level-triggered and re-delivers this same ERR event on every poll
		// iteration until it is deregistered, so tearing the relay down
		// here (rather than just logging) is what actually stops the spin.
		r.Close(false)
		r.loop.Stop()
		return
	}
	if mask.Has(reactor.In) {
		r.acceptLoop()
	}
}

// drainWake runs on the reactor goroutine: it empties the self-pipe used to
// wake the poll for an out-of-band snapshot request, then answers every
// pending request with a snapshot built from handler state it alone owns.
func (r *TCPRelay) drainWake() {
	buf := make([]byte, 64)
	for {
		if _, err := unix.Read(int(r.wakeFD), buf); err != nil {
			break
		}
	}
	for {
		select {
		case req := <-r.snapshotReqs:
			req.reply <- r.buildSnapshot()
		default:
			return
		}
	}
}

// acceptLoop drains the accept queue, tolerant of EAGAIN, one connection
// at a time per spec.md §4.2. A genuine (non-EAGAIN) accept error is
// counted, logged, and ends this drain; the listen socket stays registered
// for IN, so the accept is retried on the next poll with no delay.
func (r *TCPRelay) acceptLoop() {
	for {
		fd, sa, err := acceptOne(int(r.listenFD))
		if err != nil {
			if r.metrics != nil {
				r.metrics.AcceptErrors.Inc()
			}
			r.log.Warn("relay: accept failed", "err", err)
			r.backoffAccept()
			return
		}
		if fd < 0 {
			r.acceptBackoff = 0
			return
		}
		r.acceptBackoff = 0

		clientAddr := sockaddrString(sa)
		h, err := newHandler(r, r.loop, reactor.FD(fd), clientAddr)
		if err != nil {
			r.log.Warn("relay: failed to start handler", "err", err)
			_ = unix.Close(fd)
			continue
		}
		if r.metrics != nil {
			r.metrics.HandlersTotal.Inc()
			r.metrics.HandlersActive.Inc()
		}
		_ = h
	}
}

func (r *TCPRelay) backoffAccept() {
	if r.acceptBackoff == 0 {
		r.acceptBackoff = 5 * time.Millisecond
	} else {
		r.acceptBackoff *= 2
		if r.acceptBackoff > time.Second {
			r.acceptBackoff = time.Second
		}
	}
	// acceptBackoff doubles from 5ms up to a 1s cap, but nothing reads it:
	// there is no sleep and the listen socket's IN interest is not dropped,
	// so a persistent accept error (e.g. EMFILE) is retried on every poll
	// iteration while the listen fd stays readable.
}

// handlePeriodic implements spec.md §4.2's handle_periodic: drains to a
// close once every handler is gone, then sweeps timeouts.
func (r *TCPRelay) handlePeriodic() {
	if r.closed {
		if r.listenFD != noFD {
			_ = r.loop.Remove(r.listenFD)
			_ = unix.Close(int(r.listenFD))
			r.listenFD = noFD
			r.log.Info("relay: closed listen socket", "port", r.cfg.ListenPort)
		}
		if r.wakeFD != noFD {
			_ = r.loop.Remove(r.wakeFD)
			_ = unix.Close(int(r.wakeFD))
			_ = unix.Close(r.wakeWriteFD)
			r.wakeFD = noFD
		}
		if len(r.handlersByFD) == 0 {
			r.log.Info("relay: stopping")
			r.loop.Stop()
		}
	}
	r.sweepTimeouts()
}

// updateActivity implements spec.md §4.2's update_activity: rate-limited
// to once per TIMEOUT_PRECISION per handler to bound index churn. uplink
// is true when bytesDelta was just read from the client (heading to the
// peer) and false when it was read from the peer (heading to the client);
// it is meaningless when bytesDelta is 0 and ignored in that case.
func (r *TCPRelay) updateActivity(h *Handler, bytesDelta int, uplink bool) {
	if bytesDelta > 0 {
		if r.stats != nil {
			r.stats(r.cfg.ListenPort, bytesDelta)
		}
		if r.metrics != nil {
			if uplink {
				r.metrics.BytesUp.Add(float64(bytesDelta))
			} else {
				r.metrics.BytesDown.Add(float64(bytesDelta))
			}
		}
	}
	now := time.Now().Unix()
	if now-h.lastActivity < int64(reactor.TimeoutPrecision/time.Second) {
		return
	}
	h.lastActivity = now

	if slot, ok := r.handlerToSlot[h]; ok {
		r.timeouts[slot] = nil
	}
	r.handlerToSlot[h] = len(r.timeouts)
	r.timeouts = append(r.timeouts, h)
}

// removeHandler implements spec.md §4.2's remove_handler.
func (r *TCPRelay) removeHandler(h *Handler) {
	if slot, ok := r.handlerToSlot[h]; ok {
		r.timeouts[slot] = nil
		delete(r.handlerToSlot, h)
	}
	if r.metrics != nil {
		r.metrics.HandlersActive.Dec()
	}
}

// sweepTimeouts implements spec.md §4.2's sweep_timeouts: advances from
// sweepOffset, destroying expired live handlers, tombstoning their slots,
// and compacting the ring once the examined prefix is both longer than
// timeoutsCleanSize and more than half the ring.
func (r *TCPRelay) sweepTimeouts() {
	if len(r.timeouts) == 0 {
		return
	}
	now := time.Now().Unix()
	length := len(r.timeouts)
	pos := r.sweepOffset

	for pos < length {
		h := r.timeouts[pos]
		if h == nil {
			pos++
			continue
		}
		if now-h.lastActivity < int64(r.cfg.TimeoutSeconds) {
			break
		}
		if h.remoteHost != "" {
			r.log.Warn("relay: timed out", "remote", fmt.Sprintf("%s:%d", h.remoteHost, h.remotePort))
		} else {
			r.log.Warn("relay: timed out")
		}
		if r.metrics != nil {
			r.metrics.Timeouts.Inc()
		}
		h.destroy()
		r.timeouts[pos] = nil
		pos++
	}

	if pos > timeoutsCleanSize && pos > length/2 {
		r.timeouts = append([]*Handler(nil), r.timeouts[pos:]...)
		for k, v := range r.handlerToSlot {
			r.handlerToSlot[k] = v - pos
		}
		pos = 0
	}
	r.sweepOffset = pos
}

// Close implements spec.md §4.2's close(drain). With drain=false, the
// listen socket and every live handler are torn down immediately; with
// drain=true, teardown is deferred to the next periodic tick so in-flight
// accepts/handlers can finish their current event first.
func (r *TCPRelay) Close(drain bool) {
	r.closed = true
	if drain {
		return
	}
	if r.loop != nil && r.listenFD != noFD {
		_ = r.loop.Remove(r.listenFD)
	}
	if r.listenFD != noFD {
		_ = unix.Close(int(r.listenFD))
		r.listenFD = noFD
	}
	if r.loop != nil && r.wakeFD != noFD {
		_ = r.loop.Remove(r.wakeFD)
	}
	if r.wakeFD != noFD {
		_ = unix.Close(int(r.wakeFD))
		_ = unix.Close(r.wakeWriteFD)
		r.wakeFD = noFD
	}
	for _, h := range append([]*Handler(nil), handlerValues(r.handlersByFD)...) {
		h.destroy()
	}
}

func handlerValues(m map[reactor.FD]*Handler) []*Handler {
	seen := make(map[*Handler]bool, len(m))
	out := make([]*Handler, 0, len(m))
	for _, h := range m {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}

// DebugSnapshot implements debug.Snapshotter. It is called from the debug
// HTTP server's own goroutine, never from the reactor goroutine, so it
// must not read handler state directly (spec.md §5 gives the reactor
// goroutine exclusive ownership of it). Instead it hands a reply channel
// to the reactor goroutine over snapshotReqs, wakes the poll via the
// self-pipe so the answer doesn't wait for the next periodic tick, and
// waits for drainWake to answer.
func (r *TCPRelay) DebugSnapshot() []debug.HandlerSnapshot {
	reply := make(chan []debug.HandlerSnapshot, 1)
	select {
	case r.snapshotReqs <- snapshotRequest{reply: reply}:
	case <-time.After(snapshotTimeout):
		return nil
	}
	if _, err := unix.Write(r.wakeWriteFD, []byte{0}); err != nil {
		return nil
	}
	select {
	case snap := <-reply:
		return snap
	case <-time.After(snapshotTimeout):
		return nil
	}
}

// buildSnapshot runs only on the reactor goroutine (called from drainWake)
// and is the one place allowed to read handler fields directly.
func (r *TCPRelay) buildSnapshot() []debug.HandlerSnapshot {
	handlers := handlerValues(r.handlersByFD)
	out := make([]debug.HandlerSnapshot, 0, len(handlers))
	for _, h := range handlers {
		out = append(out, debug.HandlerSnapshot{
			ID:           h.id,
			Stage:        h.stage.String(),
			RemoteAddr:   h.clientAddr,
			UpstreamAddr: fmt.Sprintf("%s:%d", h.remoteHost, h.remotePort),
			LastActivity: time.Unix(h.lastActivity, 0),
		})
	}
	return out
}
