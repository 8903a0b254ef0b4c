package relay

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Address type octets, shared by the SOCKS5 request header and the peer
// wire header (spec.md §4.3's parse_header is used for both, server mode
// simply skips the 3-byte VER/CMD/RSV prefix client mode strips first).
const (
	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
)

// header is the result of parse_header: the logical destination plus how
// many leading bytes of the input it consumed.
type header struct {
	atyp      byte
	host      string
	port      uint16
	headerLen int
}

// parseHeader reads an ATYP-prefixed address from b, per spec.md §4.3.
// It reports ok=false on any malformed or short input rather than erroring,
// matching the original's "returns nothing on malformed input" contract.
// The handler treats every false return as a bad request and destroys the
// connection; a header split across several reads is not reassembled.
func parseHeader(b []byte) (h header, ok bool) {
	if len(b) < 1 {
		return header{}, false
	}
	atyp := b[0]
	switch atyp {
	case atypIPv4:
		if len(b) < 1+net.IPv4len+2 {
			return header{}, false
		}
		ip := net.IP(b[1 : 1+net.IPv4len])
		port := binary.BigEndian.Uint16(b[1+net.IPv4len : 1+net.IPv4len+2])
		return header{atyp: atyp, host: ip.String(), port: port, headerLen: 1 + net.IPv4len + 2}, true
	case atypDomain:
		if len(b) < 2 {
			return header{}, false
		}
		l := int(b[1])
		need := 2 + l + 2
		if len(b) < need {
			return header{}, false
		}
		host := string(b[2 : 2+l])
		port := binary.BigEndian.Uint16(b[2+l : 2+l+2])
		return header{atyp: atyp, host: host, port: port, headerLen: need}, true
	case atypIPv6:
		if len(b) < 1+net.IPv6len+2 {
			return header{}, false
		}
		ip := net.IP(b[1 : 1+net.IPv6len])
		port := binary.BigEndian.Uint16(b[1+net.IPv6len : 1+net.IPv6len+2])
		return header{atyp: atyp, host: ip.String(), port: port, headerLen: 1 + net.IPv6len + 2}, true
	default:
		return header{}, false
	}
}

// socksReply builds the fixed CONNECT success reply spec.md §6 mandates:
// 0x05 0x00 0x00 0x01 0x00000000 0x1010 — a bound address of 0.0.0.0:4112
// that the original implementation also returns verbatim, since SOCKS5
// clients only care that CMD succeeded, never the bound-address value for
// a CONNECT.
func socksReply() []byte {
	return []byte{0x05, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x10, 0x10}
}

// udpAssocReply echoes the bound address/port with the correct ATYP, used
// for the UDP_ASSOCIATE reply. Since UDP associate itself is out of core
// scope, the bound address returned is the relay's own listen address.
func udpAssocReply(listenIP net.IP, listenPort uint16) []byte {
	out := []byte{0x05, 0x00, 0x00}
	if ip4 := listenIP.To4(); ip4 != nil {
		out = append(out, atypIPv4)
		out = append(out, ip4...)
	} else {
		out = append(out, atypIPv6)
		out = append(out, listenIP.To16()...)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], listenPort)
	return append(out, portBuf[:]...)
}

func (h header) String() string {
	return fmt.Sprintf("%s:%d", h.host, h.port)
}
