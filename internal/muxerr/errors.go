// Package muxerr defines the session error taxonomy of the mux core.
// The session package wraps every fatal failure in one of these
// sentinels so callers can errors.Is against a stable, small set; the
// codec, crypto and stream packages return their own plain errors and
// do not import this package.
package muxerr

import "errors"

var (
	// ErrTransportIO wraps a failure reading from or writing to the
	// underlying byte pipe.
	ErrTransportIO = errors.New("rmux: transport I/O error")

	// ErrHandshakeIO wraps a failure during the AUTH handshake exchange
	// itself (as opposed to a rejected auth response).
	ErrHandshakeIO = errors.New("rmux: handshake I/O error")

	// ErrAuthRejected is returned when the peer's AUTH response carries
	// success=false.
	ErrAuthRejected = errors.New("rmux: authentication rejected by peer")

	// ErrDecryptFailed is returned when an AEAD tag fails to verify, or
	// more generally when the crypto layer detects nonce desync. It is
	// always fatal to the session.
	ErrDecryptFailed = errors.New("rmux: decrypt failed")

	// ErrProtocolViolation is returned for a flag tag outside the
	// enumerated set, a duplicate SYN for a live stream id, or a body
	// length outside the codec's limit.
	ErrProtocolViolation = errors.New("rmux: protocol violation")

	// ErrSessionExpired is returned once the handshake-derived deadline
	// has passed.
	ErrSessionExpired = errors.New("rmux: session expired")

	// ErrSessionClosed is returned to every blocked reader/writer once
	// the session has torn down, whether by peer SHUTDOWN or local
	// teardown.
	ErrSessionClosed = errors.New("rmux: session closed")
)
