// Package secretstream implements the libsodium
// crypto_secretstream_xchacha20poly1305 construction: a sequence of
// authenticated frames under one key, where each frame carries a tag byte,
// frames cannot be removed, reordered, truncated or forged, and the stream
// has an explicit final frame.
//
// The construction derives a ChaCha20 subkey from the stream key and a
// random 24-byte header via HChaCha20, then encrypts each frame with
// ChaCha20-Poly1305 (IETF) under a ratcheting nonce: after every frame the
// nonce is XORed with the frame's MAC and the frame counter is incremented,
// so a frame can only be decrypted in sequence. The wire format is
// bit-compatible with libsodium, one tag byte and a 16-byte MAC of overhead
// per frame.
package secretstream

import (
	"crypto/rand"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"
)

const (
	// KeyBytes is the size of a stream key.
	KeyBytes = chacha20.KeySize

	// HeaderBytes is the size of the stream header emitted by NewEncryptor.
	HeaderBytes = 24

	// ABytes is the per-frame overhead: one tag byte plus the MAC.
	ABytes = 1 + poly1305.TagSize
)

// Tag classifies a frame.
type Tag byte

const (
	// TagMessage marks an ordinary frame.
	TagMessage Tag = 0

	// TagPush marks a frame that ends a logical unit without ending the
	// stream.
	TagPush Tag = 1

	// TagRekey forces a key ratchet after the frame.
	TagRekey Tag = 2

	// TagFinal marks the last frame of the stream.
	TagFinal Tag = TagPush | TagRekey
)

var (
	// ErrDecrypt is returned when a frame fails authentication.
	ErrDecrypt = errors.New("secretstream: frame forged or out of sequence")

	// ErrKeySize is returned for keys that are not KeyBytes long.
	ErrKeySize = errors.New("secretstream: bad key size")

	// ErrHeaderSize is returned for headers that are not HeaderBytes long.
	ErrHeaderSize = errors.New("secretstream: bad header size")
)

// state is the shared ratchet: the HChaCha20 subkey and the 12-byte IETF
// nonce, whose first 4 bytes are a little-endian frame counter and whose
// last 8 bytes ratchet with each frame's MAC.
type state struct {
	k     [KeyBytes]byte
	nonce [chacha20.NonceSize]byte
}

func (s *state) init(key, header []byte) error {
	if len(key) != KeyBytes {
		return ErrKeySize
	}
	if len(header) != HeaderBytes {
		return ErrHeaderSize
	}
	k, err := chacha20.HChaCha20(key, header[:16])
	if err != nil {
		return err
	}
	copy(s.k[:], k)
	s.resetCounter()
	copy(s.nonce[4:], header[16:])
	return nil
}

func (s *state) resetCounter() {
	for i := 0; i < 4; i++ {
		s.nonce[i] = 0
	}
	s.nonce[0] = 1
}

func (s *state) counterZero() bool {
	return s.nonce[0]|s.nonce[1]|s.nonce[2]|s.nonce[3] == 0
}

// ratchet folds the frame MAC into the nonce and advances the counter.
func (s *state) ratchet(mac []byte) {
	for i := 0; i < 8; i++ {
		s.nonce[4+i] ^= mac[i]
	}
	incLE(s.nonce[:4])
}

// rekey derives a fresh subkey and nonce suffix from the current state, as
// libsodium does on TAG_REKEY and counter wrap.
func (s *state) rekey() {
	var buf [KeyBytes + 8]byte
	copy(buf[:KeyBytes], s.k[:])
	copy(buf[KeyBytes:], s.nonce[4:])
	c, _ := chacha20.NewUnauthenticatedCipher(s.k[:], s.nonce[:])
	c.XORKeyStream(buf[:], buf[:])
	copy(s.k[:], buf[:KeyBytes])
	copy(s.nonce[4:], buf[KeyBytes:])
	s.resetCounter()
}

// keystream XORs src into dst with the frame subkey at the given block
// counter.
func (s *state) keystream(dst, src []byte, counter uint32) {
	c, _ := chacha20.NewUnauthenticatedCipher(s.k[:], s.nonce[:])
	if counter > 0 {
		c.SetCounter(counter)
	}
	c.XORKeyStream(dst, src)
}

// macState builds the Poly1305 state for the current frame: the one-time
// key is the first half of ChaCha20 block zero.
func (s *state) macState() *poly1305.MAC {
	var block [64]byte
	s.keystream(block[:], block[:], 0)
	var polyKey [32]byte
	copy(polyKey[:], block[:32])
	return poly1305.New(&polyKey)
}

var pad0 [16]byte

func padMAC(mac *poly1305.MAC, written int) {
	if n := (0x10 - written) & 0xf; n > 0 {
		mac.Write(pad0[:n])
	}
}

func writeLengths(mac *poly1305.MAC, adLen, mLen int) {
	var slen [8]byte
	binary.LittleEndian.PutUint64(slen[:], uint64(adLen))
	mac.Write(slen[:])
	binary.LittleEndian.PutUint64(slen[:], uint64(64+mLen))
	mac.Write(slen[:])
}

func incLE(b []byte) {
	c := uint16(1)
	for i := range b {
		c += uint16(b[i])
		b[i] = byte(c)
		c >>= 8
	}
}

// Encryptor is the push side of a stream.
type Encryptor struct {
	st state
}

// NewEncryptor starts a stream under key and returns the header the
// decryptor needs. The header is random; encrypting the same data twice
// yields unrelated streams.
func NewEncryptor(key []byte) (*Encryptor, []byte, error) {
	header := make([]byte, HeaderBytes)
	if _, err := rand.Read(header); err != nil {
		return nil, nil, err
	}
	e := &Encryptor{}
	if err := e.st.init(key, header); err != nil {
		return nil, nil, err
	}
	return e, header, nil
}

// Push seals one frame. The returned ciphertext is len(plain)+ABytes long.
func (e *Encryptor) Push(plain []byte, tag Tag) []byte {
	s := &e.st
	out := make([]byte, len(plain)+ABytes)

	mac := s.macState()
	padMAC(mac, 0) // no additional data

	// The tag byte rides in its own 64-byte ChaCha20 block; the whole
	// encrypted block is authenticated even though only its first byte is
	// transmitted.
	var block [64]byte
	block[0] = byte(tag)
	s.keystream(block[:], block[:], 1)
	mac.Write(block[:])
	out[0] = block[0]

	c := out[1 : 1+len(plain)]
	s.keystream(c, plain, 2)
	mac.Write(c)
	padMAC(mac, 64+len(plain))
	writeLengths(mac, 0, len(plain))

	macSum := mac.Sum(nil)
	copy(out[1+len(plain):], macSum)

	s.ratchet(macSum)
	if tag&TagRekey != 0 || s.counterZero() {
		s.rekey()
	}
	return out
}

// Rekey ratchets the stream key explicitly, out of band.
func (e *Encryptor) Rekey() { e.st.rekey() }

// Decryptor is the pull side of a stream.
type Decryptor struct {
	st state
}

// NewDecryptor resumes a stream from its header under key.
func NewDecryptor(key, header []byte) (*Decryptor, error) {
	d := &Decryptor{}
	if err := d.st.init(key, header); err != nil {
		return nil, err
	}
	return d, nil
}

// Pull opens one frame. It fails with ErrDecrypt, releasing no plaintext,
// if the frame was forged, reordered, or produced under a different key.
func (d *Decryptor) Pull(frame []byte) ([]byte, Tag, error) {
	if len(frame) < ABytes {
		return nil, 0, ErrDecrypt
	}
	s := &d.st
	mLen := len(frame) - ABytes

	mac := s.macState()
	padMAC(mac, 0)

	var block [64]byte
	block[0] = frame[0]
	s.keystream(block[:], block[:], 1)
	tag := Tag(block[0])
	block[0] = frame[0]
	mac.Write(block[:])

	c := frame[1 : 1+mLen]
	mac.Write(c)
	padMAC(mac, 64+mLen)
	writeLengths(mac, 0, mLen)

	if !mac.Verify(frame[1+mLen:]) {
		return nil, 0, ErrDecrypt
	}

	plain := make([]byte, mLen)
	s.keystream(plain, c, 2)

	s.ratchet(frame[1+mLen:])
	if tag&TagRekey != 0 || s.counterZero() {
		s.rekey()
	}
	return plain, tag, nil
}

// Rekey ratchets the stream key explicitly, out of band. Both sides must
// rekey at the same point.
func (d *Decryptor) Rekey() { d.st.rekey() }
