//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

func newPoller() poller { return &selectPoller{regs: make(map[FD]Mask)} }

// selectPoller is the portable, syscall-driven fallback for platforms
// without epoll or kqueue. Unlike the teacher's goroutine-per-fd default
// poller (SeleniaProject-Orizon internal/runtime/asyncio's goPoller), this
// backend still suspends only inside one syscall per loop iteration, so it
// preserves the single-threaded handler-state ownership rule of spec.md §5.
type selectPoller struct {
	regs map[FD]Mask
}

func (p *selectPoller) open() error  { return nil }
func (p *selectPoller) close() error { return nil }

func (p *selectPoller) add(fd FD, mask Mask) error {
	p.regs[fd] = mask
	return nil
}

func (p *selectPoller) modify(fd FD, mask Mask) error {
	p.regs[fd] = mask
	return nil
}

func (p *selectPoller) remove(fd FD) error {
	delete(p.regs, fd)
	return nil
}

func (p *selectPoller) wait(timeout time.Duration) ([]event, error) {
	var rfds, wfds, efds unix.FdSet
	maxFD := 0
	for fd, mask := range p.regs {
		if int(fd) > maxFD {
			maxFD = int(fd)
		}
		// Err is always monitored via the exception fd_set.
		fdSetAdd(&efds, fd)
		if mask.has(In) || mask.has(Hup) {
			fdSetAdd(&rfds, fd)
		}
		if mask.has(Out) {
			fdSetAdd(&wfds, fd)
		}
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(maxFD+1, &rfds, &wfds, &efds, &tv)
	if err != nil {
		return nil, err
	}
	out := make([]event, 0, n)
	for fd, mask := range p.regs {
		var got Mask
		if fdSetHas(&rfds, fd) {
			got |= In
		}
		if fdSetHas(&wfds, fd) {
			got |= Out
		}
		if fdSetHas(&efds, fd) {
			got |= Err
		}
		if got != 0 {
			out = append(out, event{fd: fd, mask: got & (mask | Err)})
		}
	}
	return out, nil
}

func fdSetAdd(set *unix.FdSet, fd FD) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdSetHas(set *unix.FdSet, fd FD) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
