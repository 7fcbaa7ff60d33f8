package muxstream

import (
	"context"
	"io"
	"testing"
	"time"
)

func newTestStream(t *testing.T, sendCredit uint32) (*Stream, chan OutgoingEvent) {
	t.Helper()
	outbound := make(chan OutgoingEvent, 64)
	return newStream(1, "example.com:80", sendCredit, DefaultWindow, outbound), outbound
}

func TestStreamReadDeliversPushedData(t *testing.T) {
	s, _ := newTestStream(t, DefaultWindow)
	if err := s.PushData([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := s.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %q", data)
	}
}

func TestStreamReadReturnsEOFAfterRemoteFinDrains(t *testing.T) {
	s, _ := newTestStream(t, DefaultWindow)
	if err := s.PushData([]byte("buffered")); err != nil {
		t.Fatal(err)
	}
	s.HandleRemoteFin()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	data, err := s.Read(ctx)
	if err != nil {
		t.Fatalf("expected buffered data before EOF, got err=%v", err)
	}
	if string(data) != "buffered" {
		t.Fatalf("got %q", data)
	}

	_, err = s.Read(ctx)
	if err != io.EOF {
		t.Fatalf("got %v, want io.EOF", err)
	}
}

func TestStreamReadReturnsEOFAfterClose(t *testing.T) {
	s, _ := newTestStream(t, DefaultWindow)
	s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := s.Read(ctx)
	if err != io.EOF {
		t.Fatalf("got %v, want io.EOF", err)
	}
}

func TestStreamWriteBlocksWithoutCreditAndUnblocksOnGrant(t *testing.T) {
	s, outbound := newTestStream(t, 2)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := s.Write(ctx, []byte("abcd")) // needs 4 bytes of credit, only 2 available
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("write should have blocked on insufficient credit, got err=%v", err)
	case <-time.After(50 * time.Millisecond):
	}

	s.GrantCredit(10)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("write failed after credit grant: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("write never unblocked after credit grant")
	}

	select {
	case ev := <-outbound:
		if string(ev.Body) != "abcd" {
			t.Fatalf("got body %q", ev.Body)
		}
	default:
		t.Fatal("expected a DATA event to be enqueued")
	}
}

func TestStreamCreditReadEmitsWindowUpdateAfterHysteresis(t *testing.T) {
	s, outbound := newTestStream(t, DefaultWindow)
	half := DefaultWindow / 2

	if err := s.PushData(make([]byte, half-1)); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := s.Read(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-outbound:
		t.Fatalf("unexpected early WINDOW_UPDATE: %+v", ev)
	default:
	}

	if err := s.PushData(make([]byte, 2)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-outbound:
		if len(ev.Body) != 4 {
			t.Fatalf("expected a 4-byte credit body, got %d bytes", len(ev.Body))
		}
	default:
		t.Fatal("expected a WINDOW_UPDATE once half the window was consumed")
	}
}

func TestStreamWriteSegmentsByRelayBuf(t *testing.T) {
	outbound := make(chan OutgoingEvent, 64)
	s := newStream(1, "example.com:80", 10, 3, outbound)

	n, err := s.Write(context.Background(), []byte("abcdefgh"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 8 {
		t.Fatalf("n = %d, want 8", n)
	}

	var got []byte
	segments := 0
	for {
		select {
		case ev := <-outbound:
			if len(ev.Body) > 3 {
				t.Fatalf("segment %q exceeds relayBuf of 3", ev.Body)
			}
			got = append(got, ev.Body...)
			segments++
		default:
			if string(got) != "abcdefgh" {
				t.Fatalf("reassembled body = %q, want %q", got, "abcdefgh")
			}
			if segments != 3 {
				t.Fatalf("segments = %d, want 3", segments)
			}
			return
		}
	}
}

func TestStreamCloseWriteThenRemoteFinClosesStream(t *testing.T) {
	s, _ := newTestStream(t, DefaultWindow)
	s.CloseWrite()
	if s.State() != StateHalfClosedLocal {
		t.Fatalf("state = %v, want HALF_CLOSED_LOCAL", s.State())
	}
	s.HandleRemoteFin()
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want CLOSED", s.State())
	}
}

func TestStreamDoubleCloseIsIdempotent(t *testing.T) {
	s, _ := newTestStream(t, DefaultWindow)
	s.Close()
	s.Close()
	if !s.IsClosed() {
		t.Fatal("expected stream to be closed")
	}
}
