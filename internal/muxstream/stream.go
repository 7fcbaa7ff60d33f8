// Package muxstream implements the per-stream state machine and the
// registry that the session driver demultiplexes inbound events
// into. A Stream never touches the wire itself: the session's reader
// goroutine pushes decoded events into it, and its writer goroutine
// drains outbound frames a Stream enqueues, mirroring the
// read-buffer/write-buffer/closed-channel shape of the teacher's
// stream manager.
package muxstream

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sollardo/rmux/internal/muxcodec"
)

// State is the stream's position in the open/half-close/closed state
// machine (spec §4.5).
type State int32

const (
	StateIdle State = iota
	StateOpen
	StateHalfClosedLocal  // we sent FIN
	StateHalfClosedRemote // peer sent FIN
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateOpen:
		return "OPEN"
	case StateHalfClosedLocal:
		return "HALF_CLOSED_LOCAL"
	case StateHalfClosedRemote:
		return "HALF_CLOSED_REMOTE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// DefaultWindow is the default receive window granted to each stream,
// matching the config layer's default relay buffer size.
const DefaultWindow = 32 * 1024

// creditHysteresisNum/creditHysteresisDen is the fraction of the window that must be
// consumed before a WINDOW_UPDATE is emitted, avoiding a WINDOW_UPDATE
// per byte read.
const creditHysteresisNum = 1
const creditHysteresisDen = 2

// Stream is one multiplexed logical connection inside a session.
type Stream struct {
	ID   uint32
	Addr string

	window      uint32
	relayBuf    uint32
	sendMu      sync.Mutex
	sendCredit  uint32
	creditAvail chan struct{}

	state atomic.Int32

	mu            sync.Mutex
	readBuffer    chan []byte
	consumedSince uint32
	localFin      bool
	remoteFin     bool
	closeOnce     sync.Once
	closed        chan struct{}
	remoteFinCh   chan struct{}
	lastActivity  atomic.Int64

	// outbound is the shared channel the session writer drains; a
	// stream enqueues its own DATA/FIN/WINDOW_UPDATE frames onto it.
	outbound chan<- OutgoingEvent
}

// OutgoingEvent is a frame a Stream wants the session writer to send.
// It carries enough information for the session to encrypt and encode
// it without the stream needing to know about crypto or the wire.
type OutgoingEvent struct {
	Flag     muxcodec.Flag
	StreamID uint32
	Body     []byte
}

// newStream constructs a Stream with a fresh read buffer and the given
// initial send credit, used as is (a zero credit is not replaced, so
// the first Write waits for a WINDOW_UPDATE). relayBuf is the maximum size
// of a single DATA event body this stream will ever enqueue (spec
// §4.5's write segmentation); a zero value falls back to DefaultWindow.
func newStream(id uint32, addr string, sendCredit uint32, relayBuf uint32, outbound chan<- OutgoingEvent) *Stream {
	if relayBuf == 0 {
		relayBuf = DefaultWindow
	}
	s := &Stream{
		ID:          id,
		Addr:        addr,
		window:      DefaultWindow,
		relayBuf:    relayBuf,
		sendCredit:  sendCredit,
		creditAvail: make(chan struct{}, 1),
		readBuffer:  make(chan []byte, 256),
		closed:      make(chan struct{}),
		remoteFinCh: make(chan struct{}),
		outbound:    outbound,
	}
	s.state.Store(int32(StateOpen))
	s.touch()
	return s
}

func (s *Stream) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the stream's most recent read or
// write activity.
func (s *Stream) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// State returns the stream's current state.
func (s *Stream) State() State {
	return State(s.state.Load())
}

func (s *Stream) setState(st State) {
	s.state.Store(int32(st))
}

// CanRead reports whether the stream may still yield data to Read.
func (s *Stream) CanRead() bool {
	switch s.State() {
	case StateOpen, StateHalfClosedLocal:
		return true
	default:
		return false
	}
}

// CanWrite reports whether the stream may still accept Write calls.
func (s *Stream) CanWrite() bool {
	switch s.State() {
	case StateOpen, StateHalfClosedRemote:
		return true
	default:
		return false
	}
}

// PushData delivers an inbound DATA body to the stream's read buffer.
// Called from the session reader goroutine. While the read buffer is
// full it blocks until the consumer drains it or the stream closes;
// it never drops data.
func (s *Stream) PushData(body []byte) error {
	select {
	case <-s.closed:
		return io.EOF
	default:
	}
	select {
	case s.readBuffer <- body:
		s.touch()
		return nil
	case <-s.closed:
		return io.EOF
	}
}

// Read blocks until data arrives, the stream closes, the peer
// half-closes its write side, or ctx is done. It returns io.EOF once
// no more data will ever arrive, draining any already-buffered data
// first.
func (s *Stream) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.readBuffer:
		s.creditRead(len(data))
		return data, nil
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-s.readBuffer:
		s.creditRead(len(data))
		return data, nil
	case <-s.remoteFinCh:
		select {
		case data := <-s.readBuffer:
			s.creditRead(len(data))
			return data, nil
		default:
			return nil, io.EOF
		}
	case <-s.closed:
		select {
		case data := <-s.readBuffer:
			s.creditRead(len(data))
			return data, nil
		default:
			return nil, io.EOF
		}
	}
}

// creditRead accounts consumed bytes against the receive window and
// emits a WINDOW_UPDATE once at least half the window has been
// consumed since the last credit (spec §4.4's hysteresis rule).
func (s *Stream) creditRead(n int) {
	s.mu.Lock()
	s.consumedSince += uint32(n)
	due := s.consumedSince >= (s.window*creditHysteresisNum)/creditHysteresisDen
	var credit uint32
	if due {
		credit = s.consumedSince
		s.consumedSince = 0
	}
	s.mu.Unlock()

	if due && credit > 0 {
		s.enqueue(muxcodec.FlagWindowUpdate, encodeCredit(credit))
	}
}

// Write breaks body into segments of at most relayBuf bytes and
// enqueues one outbound DATA frame per segment, blocking between
// segments on send credit exactly as spec §4.5 describes: a segment
// that would exceed the peer's advertised window waits for a
// WINDOW_UPDATE. Segmenting keeps every DATA body within the codec's
// 24-bit length field regardless of how large body is.
func (s *Stream) Write(ctx context.Context, body []byte) (int, error) {
	if !s.CanWrite() {
		return 0, fmt.Errorf("muxstream: stream %d not writable in state %s", s.ID, s.State())
	}

	sent := 0
	for sent < len(body) {
		end := sent + int(s.relayBuf)
		if end > len(body) {
			end = len(body)
		}
		segment := body[sent:end]

		if err := s.reserveCredit(ctx, uint32(len(segment))); err != nil {
			return sent, err
		}
		s.touch()
		s.enqueue(muxcodec.FlagDATA, segment)
		sent = end
	}
	return sent, nil
}

func (s *Stream) reserveCredit(ctx context.Context, n uint32) error {
	for {
		s.sendMu.Lock()
		if s.sendCredit >= n {
			s.sendCredit -= n
			s.sendMu.Unlock()
			return nil
		}
		s.sendMu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return io.EOF
		case <-s.creditAvail:
			// A WINDOW_UPDATE arrived; re-check sendCredit.
		}
	}
}

// GrantCredit applies an inbound WINDOW_UPDATE to the stream's send
// credit and wakes any Write blocked in reserveCredit.
func (s *Stream) GrantCredit(n uint32) {
	s.sendMu.Lock()
	s.sendCredit += n
	s.sendMu.Unlock()

	select {
	case s.creditAvail <- struct{}{}:
	default:
	}
}

func encodeCredit(n uint32) []byte {
	return []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
}

func (s *Stream) enqueue(flag muxcodec.Flag, body []byte) {
	select {
	case s.outbound <- OutgoingEvent{Flag: flag, StreamID: s.ID, Body: body}:
	case <-s.closed:
	}
}

// CloseWrite sends FIN and half-closes the local write side.
func (s *Stream) CloseWrite() {
	s.mu.Lock()
	if s.localFin {
		s.mu.Unlock()
		return
	}
	s.localFin = true
	state := s.State()
	if state == StateOpen {
		s.setState(StateHalfClosedLocal)
	} else if state == StateHalfClosedRemote {
		s.setState(StateClosed)
	}
	s.mu.Unlock()
	s.enqueue(muxcodec.FlagFIN, nil)
}

// HandleRemoteFin marks the peer's write side closed: Read will drain
// any buffered data and then return io.EOF.
func (s *Stream) HandleRemoteFin() {
	s.mu.Lock()
	if s.remoteFin {
		s.mu.Unlock()
		return
	}
	s.remoteFin = true
	s.mu.Unlock()

	close(s.remoteFinCh)

	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.State()
	if state == StateOpen {
		s.setState(StateHalfClosedRemote)
	} else if state == StateHalfClosedLocal {
		s.setState(StateClosed)
	}
}

// Close tears the stream down immediately, unblocking any pending
// Read/Write. Idempotent.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.closed)
	})
	return nil
}

// IsClosed reports whether Close has been called.
func (s *Stream) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the stream is torn down.
func (s *Stream) Done() <-chan struct{} {
	return s.closed
}
