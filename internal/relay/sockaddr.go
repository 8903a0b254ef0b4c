package relay

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// msgFastopen is MSG_FASTOPEN, not exposed by golang.org/x/sys/unix on all
// platforms; its value is stable across Linux architectures.
const msgFastopen = 0x20000000

// sockaddrFor builds a unix.Sockaddr from an IP string and port, choosing
// AF_INET or AF_INET6 the way net.Dial's resolver would.
func sockaddrFor(ip string, port int) (unix.Sockaddr, int, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, 0, fmt.Errorf("relay: %q is not a numeric IP", ip)
	}
	if v4 := parsed.To4(); v4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = port
		copy(sa.Addr[:], v4)
		return &sa, unix.AF_INET, nil
	}
	var sa unix.SockaddrInet6
	sa.Port = port
	copy(sa.Addr[:], parsed.To16())
	return &sa, unix.AF_INET6, nil
}

// listenSocket builds, binds, and listens on addr:port per spec.md §4.2:
// SO_REUSEADDR, non-blocking, optional TCP_FASTOPEN (degrading silently),
// backlog 1024.
func listenSocket(addr string, port int, fastOpen bool, log func(string)) (fd int, actualFastOpen bool, err error) {
	sa, family, err := sockaddrFor(addr, port)
	if err != nil {
		return -1, false, err
	}
	fd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, false, fmt.Errorf("relay: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, false, fmt.Errorf("relay: SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, false, fmt.Errorf("relay: bind %s:%d: %w", addr, port, err)
	}
	actualFastOpen = false
	if fastOpen {
		// TCP_FASTOPEN = 23 on Linux; queue length 5, matching the upstream
		// reference's qlen. Unsupported platforms/kernels degrade silently.
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, 23, 5); err != nil {
			if log != nil {
				log("fast open is not available on this listen socket, disabling")
			}
		} else {
			actualFastOpen = true
		}
	}
	if err := unix.Listen(fd, 1024); err != nil {
		_ = unix.Close(fd)
		return -1, false, fmt.Errorf("relay: listen: %w", err)
	}
	return fd, actualFastOpen, nil
}

// acceptOne accepts a single pending connection in non-blocking mode,
// returning (−1, nil, nil) on EAGAIN.
func acceptOne(listenFD int) (fd int, peer unix.Sockaddr, err error) {
	fd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.ECONNABORTED {
			return -1, nil, nil
		}
		return -1, nil, err
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return fd, sa, nil
}

// createOutboundSocket makes a non-blocking TCP socket for the peer
// connection, matching client_sock's setup (SOL_TCP/TCP_NODELAY).
func createOutboundSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return fd, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(a.Addr[:])
		return fmt.Sprintf("%s:%d", ip.String(), a.Port)
	case *unix.SockaddrInet6:
		ip := net.IP(a.Addr[:])
		return fmt.Sprintf("[%s]:%d", ip.String(), a.Port)
	default:
		return "unknown"
	}
}

func isTemporaryErrno(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINPROGRESS || err == unix.ETIMEDOUT
}

// wakePipe builds a self-pipe: a non-blocking read end registerable with
// the reactor, and a write end any other goroutine can use to force the
// poll to return immediately. This is how DebugSnapshot asks the reactor
// goroutine to answer an out-of-band request without a lock on handler
// state (see TCPRelay.DebugSnapshot/drainWake).
func wakePipe() (readFD, writeFD int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, fmt.Errorf("relay: wake pipe: %w", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return -1, -1, fmt.Errorf("relay: wake pipe nonblock: %w", err)
	}
	return fds[0], fds[1], nil
}
