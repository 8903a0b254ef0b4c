package relay

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/relaymesh/sockrelay/internal/cipher"
	"github.com/relaymesh/sockrelay/internal/config"
	"github.com/relaymesh/sockrelay/internal/logging"
	"github.com/relaymesh/sockrelay/internal/reactor"
	"github.com/relaymesh/sockrelay/internal/resolver"
)

// startEchoOrigin starts a plaintext TCP server that echoes whatever it
// reads back to the same connection, standing in for "the origin" a
// server-mode relay connects out to.
func startEchoOrigin(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

// startServerRelay builds a server-mode TCPRelay bound to an ephemeral
// loopback port, running on its own reactor goroutine, and returns it
// along with its dial address.
func startServerRelay(t *testing.T, cfg *config.RelayConfig) (*TCPRelay, string) {
	t.Helper()
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
	go func() { _ = loop.Run() }()
	t.Cleanup(func() {
		r.Close(false)
		loop.Stop()
	})

	port := clientBindPort(r.listenFD)
	return r, net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port)))
}

// encodeIPv4Header builds an ATYP/host/port header for a numeric IPv4
// address, per spec.md §4.3's wire header.
func encodeIPv4Header(ip string, port uint16) []byte {
	out := []byte{atypIPv4}
	out = append(out, net.ParseIP(ip).To4()...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], port)
	return append(out, portBuf[:]...)
}

func mustCipher(t *testing.T, password string) cipher.Cipher {
	t.Helper()
	c, err := cipher.New(password, cipher.MethodChaCha20Poly1305)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func readDecrypted(t *testing.T, conn net.Conn, dec cipher.Cipher, want int) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 4096)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(out) < want {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read: %v (have %d of %d bytes)", err, len(out), want)
		}
		plain, err := dec.Decrypt(buf[:n])
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		out = append(out, plain...)
	}
	return out
}

func TestServerRelay_IPv4Connect_EndToEnd(t *testing.T) {
	originAddr := startEchoOrigin(t)
	originHost, originPortStr, err := net.SplitHostPort(originAddr)
	if err != nil {
		t.Fatal(err)
	}
	originPort, err := strconv.Atoi(originPortStr)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &config.RelayConfig{
		Mode:           config.ModeServer,
		ListenAddr:     "127.0.0.1",
		Password:       "correct horse battery staple",
		Method:         cipher.MethodChaCha20Poly1305,
		TimeoutSeconds: 60,
	}
	_, relayAddr := startServerRelay(t, cfg)

	conn, err := net.Dial("tcp", relayAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	enc := mustCipher(t, cfg.Password)
	dec := mustCipher(t, cfg.Password)

	payload := []byte("GET /\r\n")
	req := append(encodeIPv4Header(originHost, uint16(originPort)), payload...)
	wire, err := enc.Encrypt(req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(wire); err != nil {
		t.Fatal(err)
	}

	got := readDecrypted(t, conn, dec, len(payload))
	if string(got) != string(payload) {
		t.Fatalf("echoed payload mismatch: got %q want %q", got, payload)
	}
}

func TestServerRelay_ForbiddenIP_ClosesConnection(t *testing.T) {
	originAddr := startEchoOrigin(t)
	originHost, originPortStr, err := net.SplitHostPort(originAddr)
	if err != nil {
		t.Fatal(err)
	}
	originPort, err := strconv.Atoi(originPortStr)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &config.RelayConfig{
		Mode:           config.ModeServer,
		ListenAddr:     "127.0.0.1",
		Password:       "another shared secret",
		Method:         cipher.MethodChaCha20Poly1305,
		TimeoutSeconds: 60,
		ForbiddenIPs:   []string{originHost},
	}
	_, relayAddr := startServerRelay(t, cfg)

	conn, err := net.Dial("tcp", relayAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	enc := mustCipher(t, cfg.Password)
	req := encodeIPv4Header(originHost, uint16(originPort))
	wire, err := enc.Encrypt(req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(wire); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected the connection to be closed for a forbidden destination, got n=%d err=%v", n, err)
	}
}
