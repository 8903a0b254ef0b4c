package relay

import (
	"bytes"
	"fmt"
	"math/rand"
	"net"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/relaymesh/sockrelay/internal/cipher"
	"github.com/relaymesh/sockrelay/internal/config"
	"github.com/relaymesh/sockrelay/internal/errors"
	"github.com/relaymesh/sockrelay/internal/logging"
	"github.com/relaymesh/sockrelay/internal/reactor"
	"github.com/relaymesh/sockrelay/internal/resolver"
)

// bufSize is BUF_SIZE from spec.md §4.3: the per-recv read chunk.
const bufSize = 32 * 1024

// noFD marks a socket slot as absent (Handler's client_sock/peer_sock are
// each owned exclusively and closed exactly once; -1 means "not open").
const noFD reactor.FD = -1

// Handler is one TCPRelayHandler: it owns a client↔peer socket pair and
// drives them through the staged protocol of spec.md §4.3, grounded on
// original_source/shadowsocks/shadowsocks/tcprelay.py's TCPRelayHandler,
// reworked from Python's single-threaded callback style into Go methods
// invoked only from the owning Reactor goroutine (spec.md §5).
type Handler struct {
	// id is a correlation ID threaded through every log line for this
	// connection, UUIDv7 so it sorts chronologically by creation time
	// (grounded on bassosimone-nop's spanid.go NewSpanID).
	id string

	relay   *TCPRelay
	loop    *reactor.Reactor
	cfg     *config.RelayConfig
	res     resolver.Resolver
	isLocal bool
	log     logging.Logger

	clientFD reactor.FD
	peerFD   reactor.FD

	stage Stage

	upStatus   Status
	downStatus Status

	bufToClient [][]byte
	bufToPeer   [][]byte

	enc cipher.Cipher

	clientAddr string

	remoteHost string
	remotePort uint16

	chosenHost string
	chosenPort int

	// lastActivity and the handler's slot in TCPRelay's timeout ring are
	// read and written exclusively by TCPRelay.updateActivity/removeHandler;
	// the ring itself (handlerToSlot) lives on TCPRelay, not here, since the
	// ring's compaction pass needs to rewrite slots across every handler.
	lastActivity int64

	fastOpenSent bool
	pendingQuery *resolver.Query
}

func newHandler(relay *TCPRelay, loop *reactor.Reactor, clientFD reactor.FD, clientAddr string) (*Handler, error) {
	enc, err := cipher.New(relay.cfg.Password, relay.cfg.Method)
	if err != nil {
		return nil, err
	}
	id := newSpanID()
	h := &Handler{
		id:         id,
		relay:      relay,
		loop:       loop,
		cfg:        relay.cfg,
		res:        relay.resolver,
		isLocal:    relay.cfg.Mode == config.ModeClient,
		log:        relay.log.With("id", id, "client", clientAddr),
		clientFD:   clientFD,
		peerFD:     noFD,
		stage:      StageInit,
		upStatus:   StatusReading,
		downStatus: StatusInit,
		clientAddr: clientAddr,
	}
	h.enc = enc
	if h.isLocal {
		h.chosenHost, h.chosenPort = h.pickPeer()
	}

	if err := loop.Add(clientFD, reactor.In|reactor.Err, h); err != nil {
		return nil, err
	}
	relay.registerFD(clientFD, h)
	relay.updateActivity(h, 0, true)
	return h, nil
}

// newSpanID returns a UUIDv7 correlation ID, grounded on
// bassosimone-nop's spanid.go NewSpanID — sortable by creation time, one
// per handler, threaded through every log line for that connection.
func newSpanID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (h *Handler) pickPeer() (string, int) {
	addrs, ports := h.cfg.PeerAddrs, h.cfg.PeerPorts
	host := addrs[rand.Intn(len(addrs))]
	port := ports[rand.Intn(len(ports))]
	return host, port
}

// HandleEvent implements reactor.Handler. Order matters, matching the
// original: ERR first, then IN (readiness to read), then OUT.
func (h *Handler) HandleEvent(fd reactor.FD, mask reactor.Mask) {
	if h.stage == StageDestroyed {
		return
	}
	if fd == h.peerFD {
		if mask.Has(reactor.Err) {
			h.onPeerError()
			if h.stage == StageDestroyed {
				return
			}
		}
		if mask.Has(reactor.In) || mask.Has(reactor.Hup) {
			h.onPeerRead()
			if h.stage == StageDestroyed {
				return
			}
		}
		if mask.Has(reactor.Out) {
			h.onPeerWrite()
		}
		return
	}
	if fd == h.clientFD {
		if mask.Has(reactor.Err) {
			h.onClientError()
			if h.stage == StageDestroyed {
				return
			}
		}
		if mask.Has(reactor.In) || mask.Has(reactor.Hup) {
			h.onClientRead()
			if h.stage == StageDestroyed {
				return
			}
		}
		if mask.Has(reactor.Out) {
			h.onClientWrite()
		}
		return
	}
	h.log.Warn("relay: event for unknown socket", "fd", int(fd))
}

func (h *Handler) setUpStatus(status Status) {
	if h.upStatus == status {
		return
	}
	h.upStatus = status
	h.applyMasks()
}

func (h *Handler) setDownStatus(status Status) {
	if h.downStatus == status {
		return
	}
	h.downStatus = status
	h.applyMasks()
}

// applyMasks recomputes each socket's reactor mask from (upStatus,
// downStatus), per spec.md §4.3's per-direction flow control table.
func (h *Handler) applyMasks() {
	if h.clientFD != noFD {
		mask := reactor.Err
		if h.downStatus.has(StatusWriting) {
			mask |= reactor.Out
		}
		if h.upStatus.has(StatusReading) {
			mask |= reactor.In
		}
		_ = h.loop.Modify(h.clientFD, mask)
	}
	if h.peerFD != noFD {
		mask := reactor.Err
		if h.downStatus.has(StatusReading) {
			mask |= reactor.In
		}
		if h.upStatus.has(StatusWriting) {
			mask |= reactor.Out
		}
		_ = h.loop.Modify(h.peerFD, mask)
	}
}

// writeToSock attempts to send data on fd (client or peer); on a short or
// blocked write it buffers the remainder and flips that direction to
// WRITING, per spec.md §4.3's write_to_sock.
func (h *Handler) writeToSock(data []byte, toClient bool) {
	if len(data) == 0 {
		return
	}
	fd := h.peerFD
	if toClient {
		fd = h.clientFD
	}
	if fd == noFD {
		return
	}

	n, err := unix.Write(int(fd), data)
	if err != nil {
		if isTemporaryErrno(err) {
			n = 0
		} else {
			h.log.Warn("relay: write failed", "err", err)
			h.destroy()
			return
		}
	}
	if n < len(data) {
		rest := append([]byte(nil), data[n:]...)
		if toClient {
			h.bufToClient = append(h.bufToClient, rest)
			h.setDownStatus(StatusWriting)
		} else {
			h.bufToPeer = append(h.bufToPeer, rest)
			h.setUpStatus(StatusWriting)
		}
		return
	}
	if toClient {
		h.setDownStatus(StatusReading)
	} else {
		h.setUpStatus(StatusReading)
	}
}

func drainQueue(q *[][]byte) []byte {
	if len(*q) == 0 {
		return nil
	}
	joined := bytes.Join(*q, nil)
	*q = nil
	return joined
}

func (h *Handler) onClientRead() {
	if h.clientFD == noFD {
		return
	}
	buf := make([]byte, bufSize)
	n, err := unix.Read(int(h.clientFD), buf)
	if err != nil {
		if isTemporaryErrno(err) {
			return
		}
		h.destroy()
		return
	}
	if n == 0 {
		h.destroy()
		return
	}
	data := buf[:n]
	h.relay.updateActivity(h, n, true)

	if !h.isLocal {
		data, err = h.enc.Decrypt(data)
		if err != nil {
			h.destroyWithError(errors.Wrap(errors.CategoryProtocol, "DECRYPT_FAILED", err, nil))
			return
		}
		if len(data) == 0 {
			return
		}
	}

	switch {
	case h.stage == StageStream:
		if h.isLocal {
			data, err = h.enc.Encrypt(data)
			if err != nil {
				h.log.Warn("relay: encrypt failed", "err", err)
				h.destroy()
				return
			}
		}
		h.writeToSock(data, false)
	case h.isLocal && h.stage == StageInit:
		h.writeToSock([]byte{0x05, 0x00}, true)
		h.stage = StageAddr
	case h.stage == StageConnecting:
		h.handleStageConnecting(data)
	case (h.isLocal && h.stage == StageAddr) || (!h.isLocal && h.stage == StageInit):
		h.handleStageAddr(data)
	}
}

func (h *Handler) onPeerRead() {
	if h.peerFD == noFD {
		return
	}
	buf := make([]byte, bufSize)
	n, err := unix.Read(int(h.peerFD), buf)
	if err != nil {
		if isTemporaryErrno(err) {
			return
		}
		h.destroy()
		return
	}
	if n == 0 {
		h.destroy()
		return
	}
	data := buf[:n]
	h.relay.updateActivity(h, n, false)

	if h.isLocal {
		data, err = h.enc.Decrypt(data)
	} else {
		data, err = h.enc.Encrypt(data)
	}
	if err != nil {
		h.log.Warn("relay: cipher failed on peer read", "err", err)
		h.destroy()
		return
	}
	h.writeToSock(data, true)
}

func (h *Handler) onClientWrite() {
	if data := drainQueue(&h.bufToClient); data != nil {
		h.writeToSock(data, true)
	} else {
		h.setDownStatus(StatusReading)
	}
}

func (h *Handler) onPeerWrite() {
	h.stage = StageStream
	if data := drainQueue(&h.bufToPeer); data != nil {
		h.writeToSock(data, false)
	} else {
		h.setUpStatus(StatusReading)
	}
}

func (h *Handler) onClientError() {
	h.log.Debug("relay: client socket error")
	h.destroy()
}

func (h *Handler) onPeerError() {
	h.log.Debug("relay: peer socket error")
	h.destroy()
}

// handleStageAddr parses the inbound header (SOCKS5 request in client
// mode, raw header in server mode) and kicks off DNS resolution.
func (h *Handler) handleStageAddr(data []byte) {
	if h.isLocal {
		if len(data) < 2 {
			h.log.Warn("relay: short SOCKS5 request")
			h.destroy()
			return
		}
		cmd := data[1]
		switch cmd {
		case 0x03: // CMD_UDP_ASSOCIATE
			h.writeToSock(udpAssocReply(clientBindIP(h.clientFD), clientBindPort(h.clientFD)), true)
			h.stage = StageUDPAssoc
			return
		case 0x01: // CMD_CONNECT
			data = data[3:]
		default:
			h.destroyWithError(errors.UnknownCommand(cmd))
			return
		}
	}

	hdr, ok := parseHeader(data)
	if !ok {
		h.destroyWithError(errors.BadHeader(fmt.Sprintf("could not parse address header (%d bytes)", len(data))))
		return
	}
	h.remoteHost, h.remotePort = hdr.host, hdr.port
	h.log.Info("relay: connecting", "remote", hdr.String())

	h.setUpStatus(StatusWriting) // pause reading from the upstream side
	h.stage = StageDNS

	if h.isLocal {
		h.writeToSock(socksReply(), true)
		enc, err := h.enc.Encrypt(data)
		if err != nil {
			h.log.Warn("relay: encrypt failed", "err", err)
			h.destroy()
			return
		}
		h.bufToPeer = append(h.bufToPeer, enc)
		h.resolve(h.chosenHost)
	} else {
		if len(data) > hdr.headerLen {
			h.bufToPeer = append(h.bufToPeer, append([]byte(nil), data[hdr.headerLen:]...))
		}
		h.resolve(hdr.host)
	}
}

func (h *Handler) resolve(host string) {
	h.pendingQuery = h.res.Resolve(host, h.onDNSResolved)
}

func (h *Handler) onDNSResolved(host, ip string, err error) {
	h.pendingQuery = nil
	if h.stage == StageDestroyed {
		return
	}
	if err != nil {
		if h.relay.metrics != nil {
			h.relay.metrics.DNSFailures.Inc()
		}
		h.destroyWithError(errors.Wrap(errors.CategoryResolver, "RESOLVE_FAILED", fmt.Errorf("%s: %w", host, err), nil))
		return
	}
	if ip == "" {
		h.destroy()
		return
	}

	if h.forbidden(ip) {
		if h.relay.metrics != nil {
			h.relay.metrics.ForbiddenHits.Inc()
		}
		h.destroyWithError(errors.ForbiddenIP(ip))
		return
	}

	h.stage = StageConnecting

	port := h.remotePort
	if h.isLocal {
		port = uint16(h.chosenPort)
	}

	if h.isLocal && h.cfg.FastOpen {
		// Wait for more client data to arrive, then send it all in one SYN.
		h.setUpStatus(StatusReading)
		return
	}

	if err := h.connectPeer(ip, int(port)); err != nil {
		h.log.Warn("relay: connect failed", "err", err)
		h.destroy()
		return
	}
	h.setUpStatus(StatusReadWriting)
	h.setDownStatus(StatusReading)
}

func (h *Handler) forbidden(ip string) bool {
	for _, f := range h.cfg.ForbiddenIPs {
		if f == ip {
			return true
		}
	}
	return false
}

func (h *Handler) connectPeer(ip string, port int) error {
	sa, family, err := sockaddrFor(ip, port)
	if err != nil {
		return err
	}
	fd, err := createOutboundSocket(family)
	if err != nil {
		return err
	}
	h.peerFD = reactor.FD(fd)
	h.relay.registerFD(h.peerFD, h)

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		return err
	}
	return h.loop.Add(h.peerFD, reactor.Out|reactor.Err, h)
}

// handleStageConnecting buffers further client bytes (encrypting them in
// client mode) while still waiting for the peer socket to become
// writable, and drives the fast-open path on its first call.
func (h *Handler) handleStageConnecting(data []byte) {
	var err error
	if h.isLocal {
		data, err = h.enc.Encrypt(data)
		if err != nil {
			h.log.Warn("relay: encrypt failed", "err", err)
			h.destroy()
			return
		}
	}
	h.bufToPeer = append(h.bufToPeer, data)

	if !h.isLocal || h.fastOpenSent || !h.cfg.FastOpen {
		return
	}
	h.fastOpenSent = true

	sa, family, err := sockaddrFor(h.chosenHost, h.chosenPort)
	if err != nil {
		h.log.Warn("relay: fast open: bad peer address", "err", err)
		h.destroy()
		return
	}
	fd, err := createOutboundSocket(family)
	if err != nil {
		h.log.Warn("relay: fast open: socket failed", "err", err)
		h.destroy()
		return
	}
	h.peerFD = reactor.FD(fd)
	h.relay.registerFD(h.peerFD, h)
	if err := h.loop.Add(h.peerFD, reactor.Err, h); err != nil {
		h.destroy()
		return
	}

	payload := drainQueue(&h.bufToPeer)
	// golang.org/x/sys/unix.Sendto has no msg_fastopen-aware wrapper that
	// reports a short count; a FASTOPEN payload rides in the initial SYN
	// and is bounded by MSS, so unlike write_to_sock's general path we
	// either hand the whole buffer to the kernel or treat the attempt as
	// not-yet-connected and keep everything queued.
	err = unix.Sendto(fd, payload, msgFastopen, sa)
	if err != nil {
		switch err {
		case unix.EINPROGRESS:
			h.bufToPeer = [][]byte{payload}
			h.setUpStatus(StatusReadWriting)
		case unix.ENOTCONN:
			h.log.Error("relay: fast open not supported on this OS")
			h.cfg.FastOpen = false
			h.destroy()
		default:
			h.log.Warn("relay: fast open sendto failed", "err", err)
			h.destroy()
		}
		return
	}
	h.setUpStatus(StatusReadWriting)
}

// destroy implements spec.md §4.3's idempotent, non-reentrant, non-raising
// teardown: every still-open socket is removed from the reactor, removed
// from handlers_by_fd, and closed exactly once; the pending DNS callback
// is canceled; the relay is told to forget this handler.
func (h *Handler) destroy() {
	if h.stage == StageDestroyed {
		return
	}
	h.stage = StageDestroyed

	if h.peerFD != noFD {
		_ = h.loop.Remove(h.peerFD)
		h.relay.unregisterFD(h.peerFD)
		_ = unix.Close(int(h.peerFD))
		h.peerFD = noFD
	}
	if h.clientFD != noFD {
		_ = h.loop.Remove(h.clientFD)
		h.relay.unregisterFD(h.clientFD)
		_ = unix.Close(int(h.clientFD))
		h.clientFD = noFD
	}
	if h.pendingQuery != nil {
		h.pendingQuery.Cancel()
		h.pendingQuery = nil
	}
	h.relay.removeHandler(h)
}

// destroyWithError logs a classified RelayError (spec.md §7's error
// taxonomy) before destroying, so every non-trivial teardown reason
// carries a category and code rather than a bare log line.
func (h *Handler) destroyWithError(re *errors.RelayError) {
	if re.Context == nil {
		re.Context = map[string]any{}
	}
	re.Context["client"] = h.clientAddr
	h.log.Warn(re.Error())
	h.destroy()
}

func clientBindIP(fd reactor.FD) net.IP {
	sa, err := unix.Getsockname(int(fd))
	if err != nil {
		return net.IPv4zero
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(append([]byte(nil), a.Addr[:]...))
	case *unix.SockaddrInet6:
		return net.IP(append([]byte(nil), a.Addr[:]...))
	}
	return net.IPv4zero
}

func clientBindPort(fd reactor.FD) uint16 {
	sa, err := unix.Getsockname(int(fd))
	if err != nil {
		return 0
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return uint16(a.Port)
	case *unix.SockaddrInet6:
		return uint16(a.Port)
	}
	return 0
}
