package relay

import (
	"net"
	"testing"
	"time"

	"github.com/relaymesh/sockrelay/internal/cipher"
	"github.com/relaymesh/sockrelay/internal/config"
	"github.com/relaymesh/sockrelay/internal/debug"
	"github.com/relaymesh/sockrelay/internal/logging"
	"github.com/relaymesh/sockrelay/internal/reactor"
	"github.com/relaymesh/sockrelay/internal/resolver"
)

// TestDebugSnapshot_RoundTripsThroughReactorGoroutine exercises the real
// wake-pipe path: DebugSnapshot is called from this test goroutine while
// the relay's own reactor goroutine is running concurrently, matching how
// the debug HTTP server calls it in practice.
func TestDebugSnapshot_RoundTripsThroughReactorGoroutine(t *testing.T) {
	cfg := &config.RelayConfig{
		Mode:           config.ModeServer,
		ListenAddr:     "127.0.0.1",
		Password:       "snapshot test secret",
		Method:         cipher.MethodChaCha20Poly1305,
		TimeoutSeconds: 60,
	}
	r, relayAddr := startServerRelay(t, cfg)

	conn, err := net.Dial("tcp", relayAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var snap []debug.HandlerSnapshot
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap = r.DebugSnapshot()
		if len(snap) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(snap) != 1 {
		t.Fatalf("expected one handler in the snapshot, got %d", len(snap))
	}
	if snap[0].RemoteAddr == "" {
		t.Fatal("expected RemoteAddr to be populated")
	}
}

// TestDebugSnapshot_EmptyBeforeAnyConnection exercises the same round trip
// with nothing to report, so an empty relay still answers promptly rather
// than timing out.
func TestDebugSnapshot_EmptyBeforeAnyConnection(t *testing.T) {
	cfg := &config.RelayConfig{
		Mode:           config.ModeServer,
		ListenAddr:     "127.0.0.1",
		Password:       "snapshot test secret 2",
		Method:         cipher.MethodChaCha20Poly1305,
		TimeoutSeconds: 60,
	}
	r, _ := startServerRelay(t, cfg)

	snap := r.DebugSnapshot()
	if len(snap) != 0 {
		t.Fatalf("expected an empty snapshot, got %d entries", len(snap))
	}
}

// TestListenSocketError_IsFatalAndStopsLoop simulates the listen socket
// itself erroring (e.g. the kernel tearing it down) by delivering an Err
// event directly, the way the reactor would. A real relay must treat this
// as fatal: close itself, stop the loop, and record the reason via
// FatalErr, rather than re-logging the same level-triggered event forever.
func TestListenSocketError_IsFatalAndStopsLoop(t *testing.T) {
	cfg := &config.RelayConfig{
		Mode:           config.ModeServer,
		ListenAddr:     "127.0.0.1",
		Password:       "fatal test secret",
		Method:         cipher.MethodChaCha20Poly1305,
		TimeoutSeconds: 60,
	}
	loop, err := reactor.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := resolver.New(loop, nil, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	r, err := New(cfg, res, logging.Discard(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.AddToLoop(loop); err != nil {
		t.Fatal(err)
	}

	listenFD := r.listenFD
	r.HandleEvent(listenFD, reactor.Err)

	if r.FatalErr() == nil {
		t.Fatal("expected FatalErr to be set after a listen-socket error")
	}
	if r.listenFD != noFD {
		t.Fatal("expected the listen socket to be closed and forgotten")
	}

	done := make(chan error, 1)
	go func() { done <- loop.Run() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("loop.Run returned an error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected loop.Run to return promptly once Stop was already requested")
	}
}
