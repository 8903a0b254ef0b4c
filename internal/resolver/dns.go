package resolver

import (
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"github.com/relaymesh/sockrelay/internal/logging"
	"github.com/relaymesh/sockrelay/internal/reactor"
)

// Loop is the reactor surface dnsResolver needs to slot its wake-ups into
// the caller's single-threaded event loop (spec.md §2: "non-blocking name
// resolution registered on the reactor").
type Loop interface {
	Add(fd reactor.FD, mask reactor.Mask, h reactor.Handler) error
	Remove(fd reactor.FD) error
}

// dnsResolver resolves hostnames via github.com/miekg/dns. Each query's
// wire exchange runs on its own goroutine (a DNS-over-UDP round trip is a
// blocking request/response, same shape as github.com/bassosimone/nop's
// dnsoverudp.go), but results are only ever delivered to callbacks from
// HandleEvent, triggered by a self-pipe write that wakes the reactor
// immediately — so every callback still runs on the single reactor
// goroutine, and DNS latency never waits on the 10s periodic-sweep cadence.
type dnsResolver struct {
	client  *dns.Client
	servers []string
	log     logging.Logger

	pipeR, pipeW int

	mu      sync.Mutex
	results []result
	seq     uint64
	live    map[uint64]bool
}

type result struct {
	id       uint64
	host, ip string
	err      error
	cb       Callback
}

// New returns a Resolver using the given upstream DNS servers
// (host:port, e.g. "8.8.8.8:53") and registers its wake-up pipe on loop.
func New(loop Loop, servers []string, log logging.Logger) (Resolver, error) {
	if log == nil {
		log = logging.Discard()
	}
	if len(servers) == 0 {
		servers = []string{"8.8.8.8:53"}
	}
	var pair [2]int
	if err := pipe2(&pair); err != nil {
		return nil, err
	}
	r := &dnsResolver{
		client:  &dns.Client{Timeout: 5 * time.Second},
		servers: servers,
		log:     log,
		pipeR:   pair[0],
		pipeW:   pair[1],
		live:    make(map[uint64]bool),
	}
	if err := loop.Add(reactor.FD(r.pipeR), reactor.In, r); err != nil {
		return nil, err
	}
	return r, nil
}

func pipe2(pair *[2]int) error {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return err
	}
	pair[0], pair[1] = fds[0], fds[1]
	return nil
}

// Resolve implements Resolver.
func (r *dnsResolver) Resolve(host string, cb Callback) *Query {
	if ip := net.ParseIP(host); ip != nil {
		// Numeric address: resolve synchronously-in-effect, per spec.md §6.
		cb(host, ip.String(), nil)
		return &Query{cancel: func() {}}
	}

	r.mu.Lock()
	id := r.seq
	r.seq++
	r.live[id] = true
	r.mu.Unlock()

	go r.exchange(id, host, cb)

	return &Query{cancel: func() {
		r.mu.Lock()
		delete(r.live, id)
		r.mu.Unlock()
	}}
}

func (r *dnsResolver) exchange(id uint64, host string, cb Callback) {
	ip, err := r.lookup(host)
	r.mu.Lock()
	if !r.live[id] {
		r.mu.Unlock() // canceled before the exchange finished
		return
	}
	delete(r.live, id)
	r.results = append(r.results, result{id: id, host: host, ip: ip, err: err, cb: cb})
	r.mu.Unlock()

	// Wake the reactor; a single byte is enough, EAGAIN on a full pipe is
	// fine since the reader is edge/level-triggered and will drain anyway.
	_, _ = unix.Write(r.pipeW, []byte{0})
}

func (r *dnsResolver) lookup(host string) (string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.Exchange(msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		for _, ans := range resp.Answer {
			if a, ok := ans.(*dns.A); ok {
				return a.A.String(), nil
			}
		}
		lastErr = &net.DNSError{Err: "no A record", Name: host}
	}
	if lastErr == nil {
		lastErr = &net.DNSError{Err: "no DNS servers configured", Name: host}
	}
	return "", lastErr
}

// HandleEvent implements reactor.Handler. It drains the self-pipe and
// delivers every exchange that finished since the last wake-up.
func (r *dnsResolver) HandleEvent(fd reactor.FD, mask reactor.Mask) {
	var buf [64]byte
	for {
		n, err := unix.Read(r.pipeR, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}

	r.mu.Lock()
	pending := r.results
	r.results = nil
	r.mu.Unlock()

	for _, res := range pending {
		res.cb(res.host, res.ip, res.err)
	}
}

// Close releases the wake-up pipe. Safe to call once, after removing r
// from its Loop.
func (r *dnsResolver) Close() error {
	_ = unix.Close(r.pipeW)
	return unix.Close(r.pipeR)
}
