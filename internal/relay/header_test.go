package relay

import (
	"encoding/binary"
	"net"
	"testing"
)

func TestParseHeader_IPv4(t *testing.T) {
	b := []byte{atypIPv4, 127, 0, 0, 1, 0x1f, 0x90} // 127.0.0.1:8080
	h, ok := parseHeader(b)
	if !ok {
		t.Fatal("expected ok")
	}
	if h.host != "127.0.0.1" || h.port != 8080 || h.headerLen != 7 {
		t.Fatalf("got %+v", h)
	}
}

func TestParseHeader_Domain(t *testing.T) {
	domain := "example.com"
	b := append([]byte{atypDomain, byte(len(domain))}, domain...)
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], 443)
	b = append(b, port[:]...)

	h, ok := parseHeader(b)
	if !ok {
		t.Fatal("expected ok")
	}
	if h.host != domain || h.port != 443 || h.headerLen != len(b) {
		t.Fatalf("got %+v", h)
	}
}

func TestParseHeader_IPv6(t *testing.T) {
	ip := net.ParseIP("::1").To16()
	b := append([]byte{atypIPv6}, ip...)
	b = append(b, 0x00, 0x50) // port 80
	h, ok := parseHeader(b)
	if !ok {
		t.Fatal("expected ok")
	}
	if h.host != "::1" || h.port != 80 {
		t.Fatalf("got %+v", h)
	}
}

func TestParseHeader_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":               {},
		"short ipv4":          {atypIPv4, 1, 2, 3},
		"short domain length": {atypDomain},
		"short domain body":   {atypDomain, 5, 'a', 'b'},
		"short ipv6":          {atypIPv6, 1, 2, 3},
		"unknown atyp":        {0x7f, 1, 2, 3, 4, 0, 0},
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			if _, ok := parseHeader(b); ok {
				t.Fatalf("expected not ok for %s", name)
			}
		})
	}
}

func TestSocksReply(t *testing.T) {
	r := socksReply()
	want := []byte{0x05, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x10, 0x10}
	if len(r) != len(want) {
		t.Fatalf("length mismatch: got %d want %d", len(r), len(want))
	}
	for i := range want {
		if r[i] != want[i] {
			t.Fatalf("byte %d: got %#x want %#x", i, r[i], want[i])
		}
	}
}

func TestUDPAssocReply_IPv4(t *testing.T) {
	r := udpAssocReply(net.ParseIP("10.0.0.1"), 1080)
	if r[0] != 0x05 || r[1] != 0x00 || r[3] != atypIPv4 {
		t.Fatalf("got %x", r)
	}
	if len(r) != 3+1+4+2 {
		t.Fatalf("unexpected length %d", len(r))
	}
	port := binary.BigEndian.Uint16(r[len(r)-2:])
	if port != 1080 {
		t.Fatalf("got port %d", port)
	}
}

func TestUDPAssocReply_IPv6(t *testing.T) {
	r := udpAssocReply(net.ParseIP("::1"), 53)
	if r[3] != atypIPv6 {
		t.Fatalf("expected IPv6 ATYP, got %#x", r[3])
	}
	if len(r) != 3+1+16+2 {
		t.Fatalf("unexpected length %d", len(r))
	}
}

func TestHeaderString(t *testing.T) {
	h := header{host: "example.com", port: 443}
	if got := h.String(); got != "example.com:443" {
		t.Fatalf("got %q", got)
	}
}
