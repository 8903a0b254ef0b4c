package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validYAML = `
mode: server
listen_addr: 127.0.0.1
listen_port: 8388
password: hunter2
method: chacha20-poly1305
timeout_seconds: 30
`

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "sockrelay.yaml")
	if err := os.WriteFile(p, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_Valid(t *testing.T) {
	p := writeFile(t, validYAML)
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != ModeServer || cfg.ListenPort != 8388 || cfg.TimeoutSeconds != 30 {
		t.Fatalf("got %+v", cfg)
	}
}

func TestLoad_DefaultsTimeout(t *testing.T) {
	p := writeFile(t, `
mode: server
listen_addr: 127.0.0.1
listen_port: 8388
password: hunter2
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TimeoutSeconds != 60 {
		t.Fatalf("expected default timeout_seconds of 60, got %d", cfg.TimeoutSeconds)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestValidate_RejectsBadMode(t *testing.T) {
	cfg := &RelayConfig{Mode: "bogus", ListenAddr: "127.0.0.1", ListenPort: 1, TimeoutSeconds: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an invalid mode")
	}
}

func TestValidate_RejectsBadPort(t *testing.T) {
	cfg := &RelayConfig{Mode: ModeServer, ListenAddr: "127.0.0.1", ListenPort: 70000, TimeoutSeconds: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an out-of-range listen_port")
	}
}

func TestValidate_ClientModeRequiresPeers(t *testing.T) {
	cfg := &RelayConfig{Mode: ModeClient, ListenAddr: "127.0.0.1", ListenPort: 1080, TimeoutSeconds: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected client mode to require at least one peer_addr/peer_port")
	}
	cfg.PeerAddrs = []string{"1.2.3.4"}
	cfg.PeerPorts = []int{8388}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config to pass, got %v", err)
	}
}

func TestWatchFile_ReloadsOnWrite(t *testing.T) {
	p := writeFile(t, validYAML)
	w, err := WatchFile(p)
	if err != nil {
		t.Skip("fsnotify not supported:", err)
	}
	defer w.Close()

	go func() {
		_ = os.WriteFile(p, []byte(validYAML+"\nverbose: true\n"), 0o644)
	}()

	select {
	case cfg, ok := <-w.Updates:
		if !ok {
			t.Fatal("Updates closed unexpectedly")
		}
		if !cfg.Verbose {
			t.Fatal("expected reloaded config to have verbose: true")
		}
	case err := <-w.Errors:
		t.Fatalf("unexpected watch error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for fsnotify reload")
	}
}
