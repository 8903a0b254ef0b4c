package debug

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

type fakeSnapshotter struct {
	snapshot []HandlerSnapshot
}

func (f fakeSnapshotter) DebugSnapshot() []HandlerSnapshot { return f.snapshot }

func TestStartServer_ServesHandlerSnapshots(t *testing.T) {
	want := []HandlerSnapshot{
		{ID: "id-1", Stage: "CONNECTING", RemoteAddr: "127.0.0.1:5555"},
	}
	shutdown, err := StartServer(fakeSnapshotter{snapshot: want}, "127.0.0.1:18471")
	if err != nil {
		t.Skip("port unavailable in this environment:", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = shutdown(ctx)
	}()

	resp, err := http.Get("http://127.0.0.1:18471/handlers")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %v", resp.Status)
	}
	var got []HandlerSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "id-1" || got[0].Stage != "CONNECTING" {
		t.Fatalf("got %+v", got)
	}
}

func TestStartServer_EmptySnapshot(t *testing.T) {
	shutdown, err := StartServer(fakeSnapshotter{}, "127.0.0.1:18472")
	if err != nil {
		t.Skip("port unavailable in this environment:", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = shutdown(ctx)
	}()

	resp, err := http.Get("http://127.0.0.1:18472/handlers")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got []HandlerSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected an empty array, got %+v", got)
	}
}
