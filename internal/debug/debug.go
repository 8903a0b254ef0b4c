// Package debug exposes a lightweight HTTP diagnostics server for a running
// relay, adapted from SeleniaProject-Orizon's
// internal/runtime/debug_http.go (StartDebugHTTP for its ActorSystem) —
// same shape (one JSON snapshot endpoint, a graceful-shutdown func, no
// third-party HTTP router), retargeted from actor-mailbox snapshots to
// relay-handler snapshots.
package debug

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"
)

// HandlerSnapshot is one connection's diagnostic state at snapshot time.
type HandlerSnapshot struct {
	ID           string    `json:"id"`
	Stage        string    `json:"stage"`
	RemoteAddr   string    `json:"remote_addr"`
	UpstreamAddr string    `json:"upstream_addr,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	BytesUp      uint64    `json:"bytes_up"`
	BytesDown    uint64    `json:"bytes_down"`
}

// Snapshotter is implemented by a TCPRelay: a point-in-time view of every
// handler it currently owns. DebugSnapshot is called from the HTTP
// server's own goroutine, so an implementation that owns its state on a
// single other goroutine (as TCPRelay owns handler state on its reactor
// goroutine) must do its own round-trip to that goroutine internally —
// the debug server here just calls it synchronously and serializes
// whatever comes back.
type Snapshotter interface {
	DebugSnapshot() []HandlerSnapshot
}

// StartServer starts a diagnostics HTTP server exposing:
//
//	GET /handlers  -> JSON array of HandlerSnapshot
//
// It returns a shutdown function compatible with http.Server.Shutdown.
func StartServer(snap Snapshotter, addr string) (func(ctx context.Context) error, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/handlers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		_ = enc.Encode(snap.DebugSnapshot())
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{Handler: mux}
	go func() {
		_ = srv.Serve(ln)
	}()

	return srv.Shutdown, nil
}
