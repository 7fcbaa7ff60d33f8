// Package muxauth defines the two messages exchanged once, at stream
// id 0, during session handshake: the client's AuthRequest and the
// peer's AuthResponse. Both ride inside a muxcodec AUTH event body, so
// this package only knows how to encode/decode that body — it has no
// notion of streams, crypto, or the handshake sequencing itself.
package muxauth

import (
	"encoding/binary"
	"fmt"
)

// AuthRequest is the client's half of the handshake: the cipher
// method it wants to use for the session.
type AuthRequest struct {
	Method string
}

// AuthResponse is the peer's reply: whether the request was accepted
// and, if so, the nonce counter both directions must reseed to.
type AuthResponse struct {
	Success bool
	Rand    uint64
}

// maxMethodLen bounds the length-prefixed method string against a
// malicious or corrupt peer inflating the declared length.
const maxMethodLen = 255

// EncodeRequest serializes req as a length-prefixed UTF-8 string: one
// byte of length followed by that many bytes of method name.
func EncodeRequest(req AuthRequest) ([]byte, error) {
	if len(req.Method) > maxMethodLen {
		return nil, fmt.Errorf("muxauth: method name too long (%d bytes)", len(req.Method))
	}
	out := make([]byte, 1+len(req.Method))
	out[0] = byte(len(req.Method))
	copy(out[1:], req.Method)
	return out, nil
}

// DecodeRequest parses an AuthRequest from the body of an AUTH event.
func DecodeRequest(buf []byte) (AuthRequest, error) {
	if len(buf) < 1 {
		return AuthRequest{}, fmt.Errorf("muxauth: request body too short")
	}
	n := int(buf[0])
	if len(buf) < 1+n {
		return AuthRequest{}, fmt.Errorf("muxauth: request body truncated, want %d method bytes", n)
	}
	return AuthRequest{Method: string(buf[1 : 1+n])}, nil
}

// authResponseLen is the fixed wire size of an AuthResponse: one byte
// for success plus eight bytes of little-endian rand.
const authResponseLen = 1 + 8

// EncodeResponse serializes resp to its fixed 9-byte wire layout.
func EncodeResponse(resp AuthResponse) []byte {
	out := make([]byte, authResponseLen)
	if resp.Success {
		out[0] = 1
	}
	binary.LittleEndian.PutUint64(out[1:9], resp.Rand)
	return out
}

// DecodeResponse parses an AuthResponse from the body of an AUTH
// event.
func DecodeResponse(buf []byte) (AuthResponse, error) {
	if len(buf) < authResponseLen {
		return AuthResponse{}, fmt.Errorf("muxauth: response body too short: got %d bytes, want %d", len(buf), authResponseLen)
	}
	return AuthResponse{
		Success: buf[0] != 0,
		Rand:    binary.LittleEndian.Uint64(buf[1:9]),
	}, nil
}
