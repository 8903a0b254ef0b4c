// Package reactor implements the OS-portable readiness multiplexer that
// every other package in this module is driven by: register/modify/remove
// of per-fd interest masks, a blocking poll(timeout), and periodic callbacks
// ticked at least every TimeoutPrecision while the loop runs.
//
// There is deliberately no net.Conn anywhere in this package. Handlers own
// raw, non-blocking file descriptors directly (see internal/relay/sockaddr.go)
// so that suspension only ever happens inside Wait, never inside a Go
// runtime netpoller the reactor doesn't control.
package reactor

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// TimeoutPrecision is the minimum cadence at which periodic callbacks run
// while the reactor loop is active.
const TimeoutPrecision = 10 * time.Second

// FD is a raw, OS-level file descriptor.
type FD int

// Handler receives readiness notifications for one registered descriptor.
type Handler interface {
	HandleEvent(fd FD, mask Mask)
}

// event is one ready descriptor returned by a single Wait call.
type event struct {
	fd   FD
	mask Mask
}

// poller is the backend-specific half of the reactor: the raw syscall
// plumbing. Add/Modify/Remove operate purely on descriptors; Reactor layers
// the fd->Handler map and the periodic-callback/run-loop machinery on top,
// which is shared verbatim across epoll, kqueue, and select.
type poller interface {
	open() error
	close() error
	add(fd FD, mask Mask) error
	modify(fd FD, mask Mask) error
	remove(fd FD) error
	wait(timeout time.Duration) ([]event, error)
}

// Reactor is one OS-portable readiness loop. A process embeds exactly one:
// all handler state reachable from it is owned by the goroutine that calls
// Run and must never be touched from any other goroutine.
type Reactor struct {
	impl poller
	log  *slog.Logger

	mu       sync.Mutex // guards handlers only; Add/Remove may be called during dispatch
	handlers map[FD]Handler

	periodicMu sync.Mutex
	periodic   []func()

	stop     chan struct{}
	stopOnce sync.Once
	lastTick time.Time
}

// New returns a Reactor backed by the best available OS poller: epoll on
// Linux, kqueue on BSD/Darwin, select everywhere else non-blocking I/O is
// available. The logger may be nil, in which case logs are discarded.
func New(log *slog.Logger) (*Reactor, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(discard{}, nil))
	}
	r := &Reactor{
		impl:     newPoller(),
		log:      log,
		handlers: make(map[FD]Handler),
		stop:     make(chan struct{}),
		lastTick: time.Now(),
	}
	if err := r.impl.open(); err != nil {
		return nil, err
	}
	return r, nil
}

// Add registers fd for the given interest mask; h.HandleEvent is invoked
// whenever fd becomes ready per mask. Err is implicitly always monitored.
func (r *Reactor) Add(fd FD, mask Mask, h Handler) error {
	r.mu.Lock()
	r.handlers[fd] = h
	r.mu.Unlock()
	if err := r.impl.add(fd, mask|Err); err != nil {
		r.mu.Lock()
		delete(r.handlers, fd)
		r.mu.Unlock()
		return err
	}
	return nil
}

// Modify changes the interest mask for an already-registered fd.
func (r *Reactor) Modify(fd FD, mask Mask) error {
	return r.impl.modify(fd, mask|Err)
}

// Remove deregisters fd. Idempotent: removing an fd twice is a no-op.
func (r *Reactor) Remove(fd FD) error {
	r.mu.Lock()
	_, ok := r.handlers[fd]
	delete(r.handlers, fd)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.impl.remove(fd)
}

// AddPeriodic registers cb to run at least every TimeoutPrecision while the
// loop runs, and immediately after any interrupted poll.
func (r *Reactor) AddPeriodic(cb func()) {
	r.periodicMu.Lock()
	r.periodic = append(r.periodic, cb)
	r.periodicMu.Unlock()
}

// PeriodicHandle identifies one callback registered with AddPeriodicHandle.
// Comparing funcs by identity isn't possible in Go, so there is no
// RemovePeriodic(cb); a callback is removed through its handle instead.
// Callbacks registered with plain AddPeriodic cannot be removed.
type PeriodicHandle struct {
	r   *Reactor
	idx int
}

// AddPeriodicHandle is like AddPeriodic but returns a handle usable with Remove.
func (r *Reactor) AddPeriodicHandle(cb func()) *PeriodicHandle {
	r.periodicMu.Lock()
	defer r.periodicMu.Unlock()
	r.periodic = append(r.periodic, cb)
	return &PeriodicHandle{r: r, idx: len(r.periodic) - 1}
}

// Remove deregisters this periodic callback. Idempotent.
func (h *PeriodicHandle) Remove() {
	h.r.periodicMu.Lock()
	defer h.r.periodicMu.Unlock()
	if h.idx < 0 || h.idx >= len(h.r.periodic) {
		return
	}
	h.r.periodic[h.idx] = nil
}

// Stop ends the Run loop at the next iteration boundary. Safe to call from
// within a Handler's HandleEvent or a periodic callback.
func (r *Reactor) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Run blocks, driving the readiness loop until Stop is called. Each
// iteration calls Wait(TimeoutPrecision), dispatches ready events to their
// handler, then ticks periodic callbacks if TimeoutPrecision has elapsed
// (or the poll was interrupted).
func (r *Reactor) Run() error {
	defer r.impl.close()
	for {
		select {
		case <-r.stop:
			return nil
		default:
		}

		asap := false
		events, err := r.impl.wait(TimeoutPrecision)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EPIPE) {
				asap = true
			} else {
				r.log.Error("reactor poll error", "err", err)
			}
		}

		for _, ev := range events {
			r.mu.Lock()
			h := r.handlers[ev.fd]
			r.mu.Unlock()
			if h == nil {
				continue
			}
			r.dispatch(h, ev.fd, ev.mask)
		}

		if asap || time.Since(r.lastTick) >= TimeoutPrecision {
			r.tickPeriodic()
			r.lastTick = time.Now()
		}
	}
}

// dispatch invokes h.HandleEvent, converting a panic into a logged error so
// that one handler's bug can never take down the reactor; the handler is
// responsible for its own teardown.
func (r *Reactor) dispatch(h Handler, fd FD, mask Mask) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("handler panic", "fd", int(fd), "mask", mask.String(), "recover", rec)
		}
	}()
	h.HandleEvent(fd, mask)
}

func (r *Reactor) tickPeriodic() {
	r.periodicMu.Lock()
	cbs := make([]func(), len(r.periodic))
	copy(cbs, r.periodic)
	r.periodicMu.Unlock()
	for _, cb := range cbs {
		if cb == nil {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("periodic callback panic", "recover", rec)
				}
			}()
			cb()
		}()
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
