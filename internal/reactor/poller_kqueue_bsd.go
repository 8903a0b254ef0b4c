//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

func newPoller() poller { return &kqueuePoller{} }

// kqueuePoller adapts the teacher's net.Conn-keyed kqueue backend
// (internal/runtime/asyncio/kqueue_poller_bsd.go in SeleniaProject-Orizon) to
// raw-fd-keyed registration, since the reactor here must be able to
// register a listening socket before any net.Conn wraps it. kqueue models
// read and write readiness as independent filters, so Add/Modify issue one
// EV_ADD/EV_DELETE kevent per direction rather than a single combined mask.
type kqueuePoller struct {
	kq int
}

func (p *kqueuePoller) open() error {
	fd, err := unix.Kqueue()
	if err != nil {
		return err
	}
	p.kq = fd
	return nil
}

func (p *kqueuePoller) close() error {
	return unix.Close(p.kq)
}

func (p *kqueuePoller) changesFor(fd FD, mask Mask, add bool) []unix.Kevent_t {
	var flags uint16
	if add {
		flags = unix.EV_ADD | unix.EV_ENABLE
	} else {
		flags = unix.EV_DELETE
	}
	return []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags},
	}
}

func (p *kqueuePoller) apply(fd FD, mask Mask) error {
	// kqueue has no "disable interest" short of deleting the filter, so
	// every Modify re-derives the full desired state: delete both filters
	// then re-add only the ones the new mask wants. Deleting a filter that
	// was never added is harmless (kqueue returns ENOENT, which we ignore).
	del := p.changesFor(fd, mask, false)
	_, _ = unix.Kevent(p.kq, del, nil, nil)

	var add []unix.Kevent_t
	if mask.has(In) || mask.has(Hup) {
		add = append(add, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE})
	}
	if mask.has(Out) {
		add = append(add, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_ENABLE})
	}
	if len(add) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, add, nil, nil)
	return err
}

func (p *kqueuePoller) add(fd FD, mask Mask) error    { return p.apply(fd, mask) }
func (p *kqueuePoller) modify(fd FD, mask Mask) error { return p.apply(fd, mask) }

func (p *kqueuePoller) remove(fd FD) error {
	del := p.changesFor(fd, 0, false)
	_, err := unix.Kevent(p.kq, del, nil, nil)
	return err
}

func (p *kqueuePoller) wait(timeout time.Duration) ([]event, error) {
	raw := make([]unix.Kevent_t, 256)
	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	n, err := unix.Kevent(p.kq, nil, raw, &ts)
	if err != nil {
		return nil, err
	}
	byFD := make(map[FD]Mask, n)
	order := make([]FD, 0, n)
	for i := 0; i < n; i++ {
		e := raw[i]
		fd := FD(e.Ident)
		if _, seen := byFD[fd]; !seen {
			order = append(order, fd)
		}
		var m Mask
		switch e.Filter {
		case unix.EVFILT_READ:
			m = In
		case unix.EVFILT_WRITE:
			m = Out
		}
		if e.Flags&unix.EV_ERROR != 0 {
			m |= Err
		}
		if e.Flags&unix.EV_EOF != 0 {
			m |= Hup
		}
		byFD[fd] |= m
	}
	out := make([]event, 0, len(order))
	for _, fd := range order {
		out = append(out, event{fd: fd, mask: byFD[fd]})
	}
	return out, nil
}
