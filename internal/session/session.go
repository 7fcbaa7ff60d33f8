// Package session implements the client side of one rmux session: the
// handshake, the reader/writer/housekeeper driver, and the stream
// factory surface callers use to open logical streams over the
// session's single underlying transport.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sollardo/rmux/internal/logging"
	"github.com/sollardo/rmux/internal/metrics"
	"github.com/sollardo/rmux/internal/muxauth"
	"github.com/sollardo/rmux/internal/muxcodec"
	"github.com/sollardo/rmux/internal/muxcrypto"
	"github.com/sollardo/rmux/internal/muxerr"
	"github.com/sollardo/rmux/internal/muxstream"
)

// Config carries everything a session needs beyond an already
// established byte pipe: the pre-shared cipher configuration and the
// session's lifetime policy. A higher-level config package loads this
// from YAML (see internal/config); session itself has no opinion on
// where the values came from.
type Config struct {
	// Method selects the session cipher: muxcrypto.MethodNone or
	// muxcrypto.MethodChaCha20Poly1305.
	Method muxcrypto.Method

	// Key is the pre-shared secret; padded to the AEAD key length by
	// muxcrypto.
	Key string

	// Name tags the session in logs and metrics; purely cosmetic.
	Name string

	// MaxAliveMinutes bounds the session's lifetime from the moment
	// the handshake completes. Zero means DefaultMaxAliveMinutes.
	MaxAliveMinutes int

	// IdleTimeout is how long the session goes without any outbound
	// activity before the housekeeper sends a PING. Zero means
	// DefaultIdleTimeout.
	IdleTimeout time.Duration

	// OutboundQueueLen bounds the writer's pending-event queue. Zero
	// means DefaultOutboundQueueLen.
	OutboundQueueLen int

	// RelayBufSize bounds the size of a single DATA event body a
	// stream will enqueue; a Write larger than this is segmented into
	// multiple DATA events (spec §4.5). Zero means
	// muxstream.DefaultWindow.
	RelayBufSize int

	// Metrics receives counters/gauges for this session. Nil means
	// metrics.Default().
	Metrics *metrics.Metrics
}

// Defaults for Config fields left at their zero value.
const (
	DefaultMaxAliveMinutes  = 720
	DefaultIdleTimeout      = 30 * time.Second
	DefaultOutboundQueueLen = 256
)

func (c Config) maxAlive() time.Duration {
	if c.MaxAliveMinutes <= 0 {
		return DefaultMaxAliveMinutes * time.Minute
	}
	return time.Duration(c.MaxAliveMinutes) * time.Minute
}

func (c Config) idleTimeout() time.Duration {
	if c.IdleTimeout <= 0 {
		return DefaultIdleTimeout
	}
	return c.IdleTimeout
}

func (c Config) outboundQueueLen() int {
	if c.OutboundQueueLen <= 0 {
		return DefaultOutboundQueueLen
	}
	return c.OutboundQueueLen
}

func (c Config) relayBufSize() uint32 {
	if c.RelayBufSize <= 0 {
		return muxstream.DefaultWindow
	}
	return uint32(c.RelayBufSize)
}

// Session is one authenticated, encrypted multiplexed connection to a
// peer. Callers obtain one with NewClient and then call OpenStream any
// number of times; Close tears the whole session (and every stream it
// carries) down.
type Session struct {
	name   string
	conn   io.ReadWriteCloser
	logger *slog.Logger

	sendCtx *muxcrypto.Context
	recvCtx *muxcrypto.Context
	sendMu  sync.Mutex // not locked anywhere: writeLoop is conn's only writer after the handshake

	registry *muxstream.Registry
	outbound chan muxstream.OutgoingEvent
	metrics  *metrics.Metrics

	deadline time.Time

	// lastSent tracks the time of the most recent successful write to
	// conn (handshake write, writeLoop flush, or PING): spec §4.6(a)
	// keys the keep-alive PING on outbound idleness, not inbound, so the
	// housekeeper compares against this, never against receive traffic.
	lastSent struct {
		sync.Mutex
		at time.Time
	}

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	wg sync.WaitGroup

	// OnAcceptStream, if set, is invoked from the reader goroutine for
	// every peer-initiated SYN. The core only exercises client-opened
	// streams via OpenStream; this hook exists so a caller embedding
	// the client side of a bidirectional exchange (e.g. a SOCKS
	// listener on the other end of a stream) can still observe a
	// remotely opened stream instead of it sitting unread until GC.
	OnAcceptStream func(*muxstream.Stream)
}

// NewClient performs the client handshake over conn and, on success,
// starts the session driver. conn is owned by the Session from this
// call onward: Close will close it.
func NewClient(ctx context.Context, conn io.ReadWriteCloser, cfg Config, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	sendCtx, err := muxcrypto.NewContext(cfg.Method, cfg.Key, 0)
	if err != nil {
		return nil, fmt.Errorf("session: building send context: %w", err)
	}
	recvCtx, err := muxcrypto.NewContext(cfg.Method, cfg.Key, 0)
	if err != nil {
		return nil, fmt.Errorf("session: building recv context: %w", err)
	}

	s := &Session{
		name:     cfg.Name,
		conn:     conn,
		logger:   logger,
		sendCtx:  sendCtx,
		recvCtx:  recvCtx,
		outbound: make(chan muxstream.OutgoingEvent, cfg.outboundQueueLen()),
		closed:   make(chan struct{}),
		metrics:  m,
	}
	s.registry = muxstream.NewRegistry(s.outbound, cfg.relayBufSize())
	s.touchSent()

	rand, err := s.clientHandshake(ctx, cfg.Method)
	if err != nil {
		conn.Close()
		reason := "io"
		if errors.Is(err, muxerr.ErrAuthRejected) {
			reason = "rejected"
		}
		m.RecordHandshakeFailure(reason)
		return nil, err
	}

	sendCtx.Reset(rand)
	recvCtx.Reset(rand)
	s.deadline = time.Now().Add(cfg.maxAlive())

	s.wg.Add(3)
	go s.readLoop()
	go s.writeLoop()
	go s.housekeeperLoop(cfg.idleTimeout())

	m.RecordSessionEstablished()
	logger.Info("session established",
		logging.KeySessionID, s.name,
		logging.KeyMethod, string(cfg.Method))
	return s, nil
}

// clientHandshake runs the AUTH/AuthResponse exchange directly over
// conn, before the driver goroutines exist: spec §4.3 requires the
// handshake to complete before any other event is legal on the wire.
func (s *Session) clientHandshake(ctx context.Context, method muxcrypto.Method) (uint64, error) {
	body, err := muxauth.EncodeRequest(muxauth.AuthRequest{Method: string(method)})
	if err != nil {
		return 0, fmt.Errorf("%w: encoding auth request: %v", muxerr.ErrHandshakeIO, err)
	}

	wire, err := s.sendCtx.Seal(muxcodec.Event{Flag: muxcodec.FlagAUTH, StreamID: 0, Body: body})
	if err != nil {
		return 0, fmt.Errorf("%w: sealing auth request: %v", muxerr.ErrHandshakeIO, err)
	}
	if _, err := s.conn.Write(wire); err != nil {
		return 0, fmt.Errorf("%w: writing auth request: %v", muxerr.ErrTransportIO, err)
	}
	s.touchSent()

	ev, err := s.readOneHandshakeEvent(ctx)
	if err != nil {
		return 0, err
	}
	if ev.Flag != muxcodec.FlagAUTH {
		return 0, fmt.Errorf("%w: expected AUTH reply, got %v", muxerr.ErrHandshakeIO, ev.Flag)
	}

	resp, err := muxauth.DecodeResponse(ev.Body)
	if err != nil {
		return 0, fmt.Errorf("%w: decoding auth response: %v", muxerr.ErrHandshakeIO, err)
	}
	if !resp.Success {
		return 0, muxerr.ErrAuthRejected
	}
	return resp.Rand, nil
}

// readOneHandshakeEvent reads and decrypts exactly one event from conn
// using recvCtx's NEED-more contract, growing buf as needed. It is
// only used for the handshake reply; the driver's readLoop has its
// own copy of this loop because by then recvCtx may have been reset.
func (s *Session) readOneHandshakeEvent(ctx context.Context) (muxcodec.Event, error) {
	buf := make([]byte, 0, muxcodec.HeaderLen)
	for {
		ev, _, err := s.recvCtx.Open(buf)
		if err == nil {
			return ev, nil
		}
		var need *muxcodec.NeedMoreError
		if !errors.As(err, &need) {
			return muxcodec.Event{}, fmt.Errorf("%w: %v", muxerr.ErrHandshakeIO, err)
		}

		chunk := make([]byte, need.N)
		if _, err := io.ReadFull(s.conn, chunk); err != nil {
			return muxcodec.Event{}, fmt.Errorf("%w: reading auth response: %v", muxerr.ErrTransportIO, err)
		}
		buf = append(buf, chunk...)

		select {
		case <-ctx.Done():
			return muxcodec.Event{}, ctx.Err()
		default:
		}
	}
}

func (s *Session) touchSent() {
	s.lastSent.Lock()
	s.lastSent.at = time.Now()
	s.lastSent.Unlock()
}

func (s *Session) idleSince() time.Duration {
	s.lastSent.Lock()
	defer s.lastSent.Unlock()
	return time.Since(s.lastSent.at)
}

// OpenStream allocates a new locally-initiated stream targeting addr
// and sends its SYN event. The returned Stream is usable for
// Read/Write immediately (spec's SYN is a one-way announcement, not a
// handshake).
//
// Carrying addr on the SYN follows spec §4.4's create_local(addr,
// kind), which encodes the destination in the SYN body; this client
// narrows that to addr alone; see SPEC_FULL.md §13 for why kind is not
// part of this surface.
func (s *Session) OpenStream(ctx context.Context, addr string) (*muxstream.Stream, error) {
	select {
	case <-s.closed:
		return nil, muxerr.ErrSessionClosed
	default:
	}

	body, err := muxstream.EncodeSYNBody(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", muxerr.ErrProtocolViolation, err)
	}

	stream := s.registry.CreateLocal(addr, muxstream.DefaultWindow)
	select {
	case s.outbound <- muxstream.OutgoingEvent{Flag: muxcodec.FlagSYN, StreamID: stream.ID, Body: body}:
	case <-s.closed:
		stream.Close()
		return nil, muxerr.ErrSessionClosed
	case <-ctx.Done():
		s.registry.Remove(stream.ID)
		return nil, ctx.Err()
	}
	s.metrics.RecordStreamOpen()
	return stream, nil
}

// Close tears the session down: every open stream unblocks with
// io.EOF/ErrSessionClosed, the driver goroutines exit, and conn is
// closed. Idempotent.
func (s *Session) Close() error {
	return s.closeWith(muxerr.ErrSessionClosed)
}

func (s *Session) closeWith(cause error) error {
	s.closeOnce.Do(func() {
		s.closeErr = cause
		close(s.closed)
		s.conn.Close()
		remaining := s.registry.Count()
		s.registry.CloseAll()
		for i := 0; i < remaining; i++ {
			s.metrics.RecordStreamClose()
		}
		if errors.Is(cause, muxerr.ErrSessionExpired) {
			s.metrics.RecordSessionExpired()
		} else {
			s.metrics.RecordSessionClosed()
		}
	})
	return nil
}

// Done returns a channel closed once the session has torn down.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Err returns the reason the session closed, or nil while still open.
func (s *Session) Err() error {
	select {
	case <-s.closed:
		return s.closeErr
	default:
		return nil
	}
}

// Wait blocks until the session's driver goroutines have exited.
func (s *Session) Wait() {
	s.wg.Wait()
}

// StreamCount returns the number of currently registered streams.
func (s *Session) StreamCount() int {
	return s.registry.Count()
}
