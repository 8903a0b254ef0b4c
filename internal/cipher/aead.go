package cipher

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	saltSize   = 32
	lenPrefix  = 2 // uint16 big-endian payload length per frame
	maxPayload = 0xFFFF - chacha20poly1305.Overhead
)

// aead is the subset of cipher.AEAD this file needs.
type aead interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// aeadCipher is the default Cipher implementation: a ChaCha20-Poly1305 AEAD
// stream framed as length-prefixed, sealed chunks, with one independent
// directional state for Encrypt and one for Decrypt. The shared secret is
// the connection password; each direction picks its own random salt and
// sends it once (the Cipher contract's "one-time header"), so the two
// peers derive independent encrypt/decrypt keys per direction from a
// single shared password via HKDF.
type aeadCipher struct {
	password string
	enc      *direction
	dec      *direction
}

type direction struct {
	aead       aead
	nonce      uint64 // little-endian counter, incremented per sealed frame
	headerDone bool
	pending    []byte // undecoded bytes buffered across Decrypt calls
}

func newAEADCipher(password string) (Cipher, error) {
	if password == "" {
		return nil, fmt.Errorf("cipher: password must not be empty")
	}
	return &aeadCipher{password: password, enc: &direction{}, dec: &direction{}}, nil
}

func deriveAEAD(password string, salt []byte) (aead, error) {
	kdf := hkdf.New(sha256.New, []byte(password), salt, []byte("sockrelay-subkey"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}

func (d *direction) nextNonce() []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(n, d.nonce)
	d.nonce++
	return n
}

// Encrypt implements Cipher.
func (c *aeadCipher) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, 0, len(plaintext)+saltSize+lenPrefix+chacha20poly1305.Overhead)
	if !c.enc.headerDone {
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		a, err := deriveAEAD(c.password, salt)
		if err != nil {
			return nil, err
		}
		c.enc.aead = a
		c.enc.headerDone = true
		out = append(out, salt...)
	}
	for len(plaintext) > 0 {
		chunk := plaintext
		if len(chunk) > maxPayload {
			chunk = chunk[:maxPayload]
		}
		plaintext = plaintext[len(chunk):]

		var lenBuf [lenPrefix]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(chunk)))
		out = append(out, c.enc.aead.Seal(nil, c.enc.nextNonce(), lenBuf[:], nil)...)
		out = append(out, c.enc.aead.Seal(nil, c.enc.nextNonce(), chunk, nil)...)
	}
	return out, nil
}

// Decrypt implements Cipher. It tolerates arbitrary TCP-stream chunking:
// partial frames are buffered internally and an empty, error-free result
// means "need more bytes", per the Cipher contract of spec.md §6.
func (c *aeadCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	c.dec.pending = append(c.dec.pending, ciphertext...)

	if c.dec.aead == nil {
		if len(c.dec.pending) < saltSize {
			return nil, nil
		}
		a, err := deriveAEAD(c.password, c.dec.pending[:saltSize])
		if err != nil {
			return nil, err
		}
		c.dec.aead = a
		c.dec.pending = c.dec.pending[saltSize:]
	}

	sealedLenSize := lenPrefix + chacha20poly1305.Overhead
	var out []byte
	for {
		if len(c.dec.pending) < sealedLenSize {
			return out, nil
		}
		lenPlain, err := c.dec.aead.Open(nil, c.dec.peekNonce(0), c.dec.pending[:sealedLenSize], nil)
		if err != nil {
			return nil, fmt.Errorf("cipher: decrypt frame length: %w", err)
		}
		bodyLen := int(binary.BigEndian.Uint16(lenPlain))
		sealedBodySize := bodyLen + chacha20poly1305.Overhead
		if len(c.dec.pending) < sealedLenSize+sealedBodySize {
			return out, nil
		}
		c.dec.nonce++ // consumed the length frame's nonce
		body, err := c.dec.aead.Open(nil, c.dec.peekNonce(0), c.dec.pending[sealedLenSize:sealedLenSize+sealedBodySize], nil)
		if err != nil {
			return nil, fmt.Errorf("cipher: decrypt frame body: %w", err)
		}
		c.dec.nonce++ // consumed the body frame's nonce
		c.dec.pending = c.dec.pending[sealedLenSize+sealedBodySize:]
		out = append(out, body...)
	}
}

func (d *direction) peekNonce(offset uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(n, d.nonce+offset)
	return n
}
