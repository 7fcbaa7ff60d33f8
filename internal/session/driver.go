package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sollardo/rmux/internal/logging"
	"github.com/sollardo/rmux/internal/muxcodec"
	"github.com/sollardo/rmux/internal/muxerr"
	"github.com/sollardo/rmux/internal/muxstream"
	"github.com/sollardo/rmux/internal/recovery"
)

// readLoop is the session's single inbound demultiplexer: it decrypts
// events off conn and dispatches each to its stream, mirroring the
// teacher's peer.Manager.readLoop shape (one goroutine per connection,
// recovered, exits on any fatal error).
func (s *Session) readLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "session.readLoop")

	buf := make([]byte, 0, 4096)
	readChunk := make([]byte, 4096)

	for {
		ev, n, err := s.recvCtx.Open(buf)
		if err == nil {
			buf = buf[n:]
			if err := s.dispatch(ev); err != nil {
				s.closeWith(err)
				return
			}
			continue
		}

		var need *muxcodec.NeedMoreError
		if !errors.As(err, &need) {
			s.metrics.RecordDecryptFailure()
			s.closeWith(fmt.Errorf("%w: %v", muxerr.ErrDecryptFailed, err))
			return
		}

		want := need.N
		if want > len(readChunk) {
			readChunk = make([]byte, want)
		}
		got, err := s.conn.Read(readChunk[:want])
		if got > 0 {
			buf = append(buf, readChunk[:got]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) == 0 {
				s.closeWith(muxerr.ErrSessionClosed)
			} else {
				s.closeWith(fmt.Errorf("%w: %v", muxerr.ErrTransportIO, err))
			}
			return
		}
	}
}

// dispatch applies one decoded event to the stream registry. An
// unrecognized flag is a protocol violation, per the redesign decision
// recorded for this implementation (see SPEC_FULL.md §13): the codec
// itself never rejects an unknown flag, but the session boundary does.
func (s *Session) dispatch(ev muxcodec.Event) error {
	switch ev.Flag {
	case muxcodec.FlagSYN:
		addr, err := muxstream.DecodeSYNBody(ev.Body)
		if err != nil {
			s.metrics.RecordProtocolViolation(ev.Flag.String())
			return fmt.Errorf("%w: decoding SYN body: %v", muxerr.ErrProtocolViolation, err)
		}
		stream, err := s.registry.AcceptRemote(ev.StreamID, addr, muxstream.DefaultWindow)
		if err != nil {
			s.metrics.RecordProtocolViolation(ev.Flag.String())
			return fmt.Errorf("%w: %v", muxerr.ErrProtocolViolation, err)
		}
		s.metrics.RecordStreamOpen()
		if s.OnAcceptStream != nil {
			s.OnAcceptStream(stream)
		}
		return nil

	case muxcodec.FlagFIN:
		if stream := s.registry.Lookup(ev.StreamID); stream != nil {
			// A stream this FIN fully closes stays registered; its close
			// is recorded once, when GCClosed or session teardown removes it.
			stream.HandleRemoteFin()
		}
		return nil

	case muxcodec.FlagDATA:
		stream := s.registry.Lookup(ev.StreamID)
		if stream == nil {
			// Data for a stream we already GC'd or never opened; not a
			// protocol violation on its own since FIN/GC races are
			// expected, just dropped.
			return nil
		}
		s.metrics.RecordBytesReceived(s.name, len(ev.Body))
		return stream.PushData(ev.Body)

	case muxcodec.FlagWindowUpdate:
		stream := s.registry.Lookup(ev.StreamID)
		if stream == nil {
			return nil
		}
		if len(ev.Body) < 4 {
			s.metrics.RecordProtocolViolation(ev.Flag.String())
			return fmt.Errorf("%w: short WINDOW_UPDATE body", muxerr.ErrProtocolViolation)
		}
		credit := binary.LittleEndian.Uint32(ev.Body[:4])
		stream.GrantCredit(credit)
		return nil

	case muxcodec.FlagPING:
		// Liveness signal only; the PING clock is driven by sent, not
		// received, traffic (see housekeeperLoop).
		s.metrics.RecordKeepaliveRecv()
		return nil

	case muxcodec.FlagSHUTDOWN:
		return muxerr.ErrSessionClosed

	case muxcodec.FlagAUTH:
		s.metrics.RecordProtocolViolation(ev.Flag.String())
		return fmt.Errorf("%w: unexpected AUTH after handshake", muxerr.ErrProtocolViolation)

	default:
		s.metrics.RecordProtocolViolation(ev.Flag.String())
		return fmt.Errorf("%w: unknown flag %v", muxerr.ErrProtocolViolation, ev.Flag)
	}
}

// writeLoop is the session's single outbound serializer: every Stream
// and the housekeeper enqueue onto the shared outbound channel instead
// of writing to conn directly, so encryption and the wire stay
// ordered and race-free.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "session.writeLoop")

	for {
		select {
		case <-s.closed:
			return
		case out := <-s.outbound:
			wire, err := s.sendCtx.Seal(muxcodec.Event{Flag: out.Flag, StreamID: out.StreamID, Body: out.Body})
			if err != nil {
				s.closeWith(fmt.Errorf("%w: %v", muxerr.ErrProtocolViolation, err))
				return
			}
			if _, err := s.conn.Write(wire); err != nil {
				s.closeWith(fmt.Errorf("%w: %v", muxerr.ErrTransportIO, err))
				return
			}
			s.touchSent()
			switch out.Flag {
			case muxcodec.FlagDATA:
				s.metrics.RecordBytesSent(s.name, len(out.Body))
			case muxcodec.FlagPING:
				s.metrics.RecordKeepaliveSent()
			}
		}
	}
}

// housekeeperLoop sends a keepalive PING after idleTimeout of outbound
// silence, expires the session once its deadline passes, and
// periodically garbage-collects closed streams from the registry. The
// PING itself flows through writeLoop like any other outbound event,
// so it resets the same clock it was triggered by.
func (s *Session) housekeeperLoop(idleTimeout time.Duration) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "session.housekeeperLoop")

	ticker := time.NewTicker(idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if time.Now().After(s.deadline) {
				s.closeWith(muxerr.ErrSessionExpired)
				return
			}
			if s.idleSince() >= idleTimeout {
				select {
				case s.outbound <- muxstream.OutgoingEvent{Flag: muxcodec.FlagPING, StreamID: 0}:
				case <-s.closed:
					return
				}
			}
			if n := s.registry.GCClosed(); n > 0 {
				for i := 0; i < n; i++ {
					s.metrics.RecordStreamClose()
				}
				s.logger.Debug("garbage collected closed streams",
					logging.KeySessionID, s.name,
					"count", n)
			}
		}
	}
}
