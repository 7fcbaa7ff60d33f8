package session

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sollardo/rmux/internal/muxauth"
	"github.com/sollardo/rmux/internal/muxcodec"
	"github.com/sollardo/rmux/internal/muxcrypto"
	"github.com/sollardo/rmux/internal/muxerr"
)

const testKey = "integration-test-shared-secret-key"

// fakePeer drives the non-client side of the wire protocol directly
// against muxcrypto/muxcodec/muxauth, standing in for the remote rmux
// peer this package's Session talks to. It is not itself a Session:
// this repository only implements the client half (see SPEC_FULL.md
// §1's external-collaborator boundary).
type fakePeer struct {
	conn    net.Conn
	sendCtx *muxcrypto.Context
	recvCtx *muxcrypto.Context
	buf     []byte
}

func newFakePeer(t *testing.T, conn net.Conn, method muxcrypto.Method) *fakePeer {
	t.Helper()
	sendCtx, err := muxcrypto.NewContext(method, testKey, 0)
	if err != nil {
		t.Fatal(err)
	}
	recvCtx, err := muxcrypto.NewContext(method, testKey, 0)
	if err != nil {
		t.Fatal(err)
	}
	return &fakePeer{conn: conn, sendCtx: sendCtx, recvCtx: recvCtx}
}

func (p *fakePeer) readEvent(t *testing.T) muxcodec.Event {
	t.Helper()
	for {
		ev, n, err := p.recvCtx.Open(p.buf)
		if err == nil {
			p.buf = p.buf[n:]
			return ev
		}
		var need *muxcodec.NeedMoreError
		if !errors.As(err, &need) {
			t.Fatalf("fakePeer readEvent: %v", err)
		}
		chunk := make([]byte, need.N)
		if _, err := io.ReadFull(p.conn, chunk); err != nil {
			t.Fatalf("fakePeer readEvent: reading: %v", err)
		}
		p.buf = append(p.buf, chunk...)
	}
}

func (p *fakePeer) writeEvent(t *testing.T, ev muxcodec.Event) {
	t.Helper()
	wire, err := p.sendCtx.Seal(ev)
	if err != nil {
		t.Fatalf("fakePeer writeEvent: %v", err)
	}
	if _, err := p.conn.Write(wire); err != nil {
		t.Fatalf("fakePeer writeEvent: %v", err)
	}
}

// acceptHandshake reads the client's AUTH request and replies, resetting
// both of the fake peer's nonce counters to rand on success.
func (p *fakePeer) acceptHandshake(t *testing.T, accept bool, rand uint64) muxauth.AuthRequest {
	t.Helper()
	ev := p.readEvent(t)
	if ev.Flag != muxcodec.FlagAUTH {
		t.Fatalf("expected AUTH, got %v", ev.Flag)
	}
	req, err := muxauth.DecodeRequest(ev.Body)
	if err != nil {
		t.Fatal(err)
	}
	resp := muxauth.EncodeResponse(muxauth.AuthResponse{Success: accept, Rand: rand})
	p.writeEvent(t, muxcodec.Event{Flag: muxcodec.FlagAUTH, StreamID: 0, Body: resp})
	if accept {
		p.sendCtx.Reset(rand)
		p.recvCtx.Reset(rand)
	}
	return req
}

func TestNewClientHandshakeSuccess(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	peer := newFakePeer(t, serverConn, muxcrypto.MethodChaCha20Poly1305)
	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.acceptHandshake(t, true, 9000)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := NewClient(ctx, clientConn, Config{
		Method: muxcrypto.MethodChaCha20Poly1305,
		Key:    testKey,
		Name:   "test-session",
	}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer sess.Close()

	<-done
	if sess.Err() != nil {
		t.Fatalf("session closed unexpectedly: %v", sess.Err())
	}
}

func TestNewClientHandshakeRejected(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	peer := newFakePeer(t, serverConn, muxcrypto.MethodChaCha20Poly1305)
	go peer.acceptHandshake(t, false, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewClient(ctx, clientConn, Config{
		Method: muxcrypto.MethodChaCha20Poly1305,
		Key:    testKey,
	}, nil)
	if !errors.Is(err, muxerr.ErrAuthRejected) {
		t.Fatalf("got %v, want ErrAuthRejected", err)
	}
}

func TestSessionStreamDataRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	peer := newFakePeer(t, serverConn, muxcrypto.MethodChaCha20Poly1305)
	serverReady := make(chan struct{})
	serverGotData := make(chan string, 1)
	go func() {
		peer.acceptHandshake(t, true, 500)
		close(serverReady)

		syn := peer.readEvent(t)
		if syn.Flag != muxcodec.FlagSYN {
			t.Errorf("expected SYN, got %v", syn.Flag)
			return
		}

		data := peer.readEvent(t)
		if data.Flag != muxcodec.FlagDATA {
			t.Errorf("expected DATA, got %v", data.Flag)
			return
		}
		serverGotData <- string(data.Body)

		peer.writeEvent(t, muxcodec.Event{Flag: muxcodec.FlagDATA, StreamID: syn.StreamID, Body: []byte("pong")})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := NewClient(ctx, clientConn, Config{
		Method: muxcrypto.MethodChaCha20Poly1305,
		Key:    testKey,
	}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer sess.Close()

	<-serverReady
	stream, err := sess.OpenStream(ctx, "example.com:80")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	if _, err := stream.Write(ctx, []byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case got := <-serverGotData:
		if got != "ping" {
			t.Fatalf("server got %q, want %q", got, "ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received data")
	}

	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	got, err := stream.Read(readCtx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "pong" {
		t.Fatalf("got %q, want %q", got, "pong")
	}
}

func TestSessionFragmentedDecrypt(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	peer := newFakePeer(t, serverConn, muxcrypto.MethodChaCha20Poly1305)
	go peer.acceptHandshake(t, true, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := NewClient(ctx, clientConn, Config{
		Method: muxcrypto.MethodChaCha20Poly1305,
		Key:    testKey,
	}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer sess.Close()

	stream, err := sess.OpenStream(ctx, "example.com:80")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	// Drain the SYN the server never explicitly reads in this test.
	go peer.readEvent(t)

	// Write the server's reply one byte at a time to exercise the
	// NEED-more retry path in the client's readLoop.
	wire, err := peer.sendCtxSeal(t, muxcodec.Event{Flag: muxcodec.FlagDATA, StreamID: stream.ID, Body: []byte("trickled")})
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for _, b := range wire {
			serverConn.Write([]byte{b})
			time.Sleep(time.Millisecond)
		}
	}()

	readCtx, readCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer readCancel()
	got, err := stream.Read(readCtx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "trickled" {
		t.Fatalf("got %q, want %q", got, "trickled")
	}
}

func (p *fakePeer) sendCtxSeal(t *testing.T, ev muxcodec.Event) ([]byte, error) {
	t.Helper()
	return p.sendCtx.Seal(ev)
}

func TestSessionDeadlineExpiry(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	peer := newFakePeer(t, serverConn, muxcrypto.MethodChaCha20Poly1305)
	go peer.acceptHandshake(t, true, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := NewClient(ctx, clientConn, Config{
		Method:      muxcrypto.MethodChaCha20Poly1305,
		Key:         testKey,
		IdleTimeout: 40 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer sess.Close()

	sess.deadline = time.Now().Add(-time.Second)

	select {
	case <-sess.Done():
		if !errors.Is(sess.Err(), muxerr.ErrSessionExpired) {
			t.Fatalf("got %v, want ErrSessionExpired", sess.Err())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session never expired")
	}
}

func TestHousekeeperPingsOnceAndResetsOutboundClock(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	const idleTimeout = 60 * time.Millisecond

	peer := newFakePeer(t, serverConn, muxcrypto.MethodNone)
	go peer.acceptHandshake(t, true, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := NewClient(ctx, clientConn, Config{
		Method:      muxcrypto.MethodNone,
		Key:         testKey,
		IdleTimeout: idleTimeout,
	}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer sess.Close()

	// A peer that sends and receives nothing else should see one PING
	// roughly every idleTimeout, not a burst every housekeeper tick
	// (idleTimeout/2): sending a PING through writeLoop must reset the
	// same outbound clock that triggered it (see review fix for the
	// PING-flood bug).
	var timestamps []time.Time
	for i := 0; i < 3; i++ {
		ev := peer.readEvent(t)
		if ev.Flag != muxcodec.FlagPING {
			t.Fatalf("round %d: got %v, want PING", i, ev.Flag)
		}
		timestamps = append(timestamps, time.Now())
	}

	for i := 1; i < len(timestamps); i++ {
		gap := timestamps[i].Sub(timestamps[i-1])
		if gap < idleTimeout/2 {
			t.Fatalf("PING %d arrived only %v after the previous one, want at least ~%v (flood, not one-per-interval)", i, gap, idleTimeout/2)
		}
	}
}

func TestSessionCloseUnblocksStreams(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	peer := newFakePeer(t, serverConn, muxcrypto.MethodNone)
	go peer.acceptHandshake(t, true, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := NewClient(ctx, clientConn, Config{
		Method: muxcrypto.MethodNone,
		Key:    testKey,
	}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	stream, err := sess.OpenStream(ctx, "example.com:80")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	sess.Close()

	readCtx, readCancel := context.WithTimeout(context.Background(), time.Second)
	defer readCancel()
	if _, err := stream.Read(readCtx); err != io.EOF {
		t.Fatalf("got %v, want io.EOF", err)
	}
}
