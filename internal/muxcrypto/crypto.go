// Package muxcrypto implements the session's symmetric encryption
// envelope: a per-direction nonce counter, AEAD sealing of event
// bodies, and skip32 obfuscation of event headers. It sits directly on
// top of muxcodec and understands nothing about streams or sessions.
package muxcrypto

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/sollardo/rmux/internal/muxcodec"
)

// Method names the two supported body ciphers.
type Method string

const (
	// MethodNone disables body encryption and header obfuscation
	// entirely; events travel as the plain muxcodec wire layout.
	MethodNone Method = "none"

	// MethodChaCha20Poly1305 seals bodies with chacha20poly1305 and
	// obfuscates headers with skip32.
	MethodChaCha20Poly1305 Method = "chacha20poly1305"
)

// aeadTagLen is the chacha20poly1305 authentication tag size appended
// to every sealed body.
const aeadTagLen = chacha20poly1305.Overhead

// keyLen is the padded key length chacha20poly1305 requires.
const keyLen = chacha20poly1305.KeySize

// padKey right-pads secret with 'F' bytes up to keyLen, matching the
// original implementation's pre-shared-key convention.
func padKey(secret string) [keyLen]byte {
	var key [keyLen]byte
	n := copy(key[:], secret)
	for i := n; i < keyLen; i++ {
		key[i] = 'F'
	}
	return key
}

// Context holds one direction-independent crypto state for a session:
// a padded key and two independent 64-bit nonce counters, one per
// direction, advanced by exactly one on every successful seal/open.
type Context struct {
	method Method
	key    [keyLen]byte
	aead   cipher.AEAD

	encryptNonce uint64
	decryptNonce uint64
}

// NewContext builds a Context for method, padding secret to the full
// key length and seeding both nonce counters at nonce. method must be
// MethodNone or MethodChaCha20Poly1305.
func NewContext(method Method, secret string, nonce uint64) (*Context, error) {
	c := &Context{
		method:       method,
		key:          padKey(secret),
		encryptNonce: nonce,
		decryptNonce: nonce,
	}
	switch method {
	case MethodNone:
		return c, nil
	case MethodChaCha20Poly1305:
		aead, err := chacha20poly1305.New(c.key[:])
		if err != nil {
			return nil, fmt.Errorf("muxcrypto: building aead: %w", err)
		}
		c.aead = aead
		return c, nil
	default:
		return nil, fmt.Errorf("muxcrypto: unsupported method %q", method)
	}
}

// Reset reseeds both nonce counters to nonce, as the client does
// immediately after a successful handshake response hands it the
// peer-chosen starting counter.
func (c *Context) Reset(nonce uint64) {
	c.encryptNonce = nonce
	c.decryptNonce = nonce
}

// aeadNonce derives the 12-byte chacha20poly1305 nonce from a 64-bit
// directional counter: the counter is encoded as a 16-byte little
// endian word and truncated to the low 12 bytes, matching the
// original implementation's u128-then-truncate construction.
func aeadNonce(counter uint64) [chacha20poly1305.NonceSize]byte {
	var wide [16]byte
	binary.LittleEndian.PutUint64(wide[:8], counter)
	var n [chacha20poly1305.NonceSize]byte
	copy(n[:], wide[:chacha20poly1305.NonceSize])
	return n
}

// headerSubkey builds the 10-byte skip32 subkey for the given
// directional counter: the first two bytes of the context's key
// followed by the 8-byte little-endian counter.
func headerSubkey(key [keyLen]byte, counter uint64) [skip32SubkeyLen]byte {
	var sk [skip32SubkeyLen]byte
	copy(sk[0:2], key[0:2])
	binary.LittleEndian.PutUint64(sk[2:10], counter)
	return sk
}

// Seal encrypts ev for transmission: under MethodNone it is exactly
// muxcodec.Encode; under MethodChaCha20Poly1305 the header words are
// skip32-obfuscated under the current encrypt nonce and, if the event
// carries a body, the body is sealed in place with the AEAD tag
// appended. The encrypt nonce counter is advanced by exactly one on
// every call, matching the reference implementation's unconditional
// post-encrypt increment.
func (c *Context) Seal(ev muxcodec.Event) ([]byte, error) {
	defer func() { c.encryptNonce++ }()

	if c.method == MethodNone {
		return muxcodec.Encode(ev)
	}

	body := ev.Body
	if !muxcodec.HasBody(ev.Flag) {
		body = nil
	}

	hdr, err := muxcodec.EncodeHeader(ev.Flag, ev.StreamID, len(body))
	if err != nil {
		return nil, err
	}

	sk := headerSubkey(c.key, c.encryptNonce)
	flagLen := binary.LittleEndian.Uint32(hdr[0:4])
	streamID := binary.LittleEndian.Uint32(hdr[4:8])
	obfFlagLen := skip32Encode(sk, flagLen)
	obfStreamID := skip32Encode(sk, streamID)

	bodyLen := len(body)
	out := make([]byte, muxcodec.HeaderLen+bodyLen+aeadTagLenIf(bodyLen))
	binary.LittleEndian.PutUint32(out[0:4], obfFlagLen)
	binary.LittleEndian.PutUint32(out[4:8], obfStreamID)

	if bodyLen == 0 {
		return out, nil
	}

	nonce := aeadNonce(c.encryptNonce)
	c.aead.Seal(out[muxcodec.HeaderLen:muxcodec.HeaderLen], nonce[:], body, nil)
	return out, nil
}

func aeadTagLenIf(bodyLen int) int {
	if bodyLen == 0 {
		return 0
	}
	return aeadTagLen
}

// Open decrypts one event from the front of buf, mirroring
// muxcodec.Decode's NEED-more contract: if buf does not yet hold a
// complete event, Open returns a *muxcodec.NeedMoreError specifying how
// many additional bytes to append before retrying. A verification
// failure is reported as muxerr-wrapped by the caller (the session
// layer), not here: this package returns a plain error for that case
// so it stays free of an import on muxerr.
func (c *Context) Open(buf []byte) (muxcodec.Event, int, error) {
	if c.method == MethodNone {
		ev, n, err := muxcodec.Decode(buf)
		if err == nil {
			c.decryptNonce++
		}
		return ev, n, err
	}

	if len(buf) < muxcodec.HeaderLen {
		return muxcodec.Event{}, 0, &muxcodec.NeedMoreError{N: muxcodec.HeaderLen - len(buf)}
	}

	sk := headerSubkey(c.key, c.decryptNonce)
	obfFlagLen := binary.LittleEndian.Uint32(buf[0:4])
	obfStreamID := binary.LittleEndian.Uint32(buf[4:8])
	flagLen := skip32Decode(sk, obfFlagLen)
	streamID := skip32Decode(sk, obfStreamID)

	flag := muxcodec.Flag(flagLen >> 24)
	bodyLen := int(flagLen & 0x00FFFFFF)

	if !muxcodec.HasBody(flag) || bodyLen == 0 {
		c.decryptNonce++
		return muxcodec.Event{Flag: flag, StreamID: streamID}, muxcodec.HeaderLen, nil
	}

	need := muxcodec.HeaderLen + bodyLen + aeadTagLen - len(buf)
	if need > 0 {
		return muxcodec.Event{}, 0, &muxcodec.NeedMoreError{N: need}
	}

	nonce := aeadNonce(c.decryptNonce)
	sealed := buf[muxcodec.HeaderLen : muxcodec.HeaderLen+bodyLen+aeadTagLen]
	plain, err := c.aead.Open(nil, nonce[:], sealed, nil)
	if err != nil {
		return muxcodec.Event{}, 0, fmt.Errorf("muxcrypto: open: %w", err)
	}

	c.decryptNonce++
	return muxcodec.Event{Flag: flag, StreamID: streamID, Body: plain}, muxcodec.HeaderLen + bodyLen + aeadTagLen, nil
}
