package muxstream

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Registry tracks every live stream in a session and hands out stream
// ids with the correct dialer/listener parity, mirroring the teacher's
// StreamIDAllocator (transport/transport.go): the client always uses
// odd ids, so a locally-opened stream can never collide with one the
// peer opens.
type Registry struct {
	nextID atomic.Uint32

	mu      sync.RWMutex
	streams map[uint32]*Stream

	outbound chan<- OutgoingEvent
	relayBuf uint32
}

// NewRegistry builds an empty Registry. outbound is the session's
// shared outbound event channel that every created/accepted Stream
// will enqueue frames onto. relayBuf is the maximum DATA body size a
// Stream will ever enqueue (spec §4.5); a zero value falls back to
// DefaultWindow.
func NewRegistry(outbound chan<- OutgoingEvent, relayBuf uint32) *Registry {
	r := &Registry{
		streams:  make(map[uint32]*Stream),
		outbound: outbound,
		relayBuf: relayBuf,
	}
	// Client-initiated ids are odd: 1, 3, 5, ...
	r.nextID.Store(1)
	return r
}

// CreateLocal allocates a fresh odd stream id, registers a new Stream
// for it, and returns it. The caller is responsible for sending the
// SYN event carrying addr.
func (r *Registry) CreateLocal(addr string, sendCredit uint32) *Stream {
	id := r.nextID.Add(2) - 2
	s := newStream(id, addr, sendCredit, r.relayBuf, r.outbound)

	r.mu.Lock()
	r.streams[id] = s
	r.mu.Unlock()
	return s
}

// AcceptRemote registers a Stream for a peer-initiated (even) stream
// id arriving in a SYN event, whose body decodes to addr. It returns
// an error if id is already registered, which the session dispatcher
// treats as a protocol violation (a duplicate SYN for a live stream).
func (r *Registry) AcceptRemote(id uint32, addr string, sendCredit uint32) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.streams[id]; exists {
		return nil, fmt.Errorf("muxstream: duplicate SYN for live stream %d", id)
	}
	s := newStream(id, addr, sendCredit, r.relayBuf, r.outbound)
	r.streams[id] = s
	return s, nil
}

// Lookup returns the Stream for id, or nil if none is registered.
func (r *Registry) Lookup(id uint32) *Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streams[id]
}

// Remove closes and unregisters the stream for id, if present. The
// session calls it to withdraw a stream whose SYN was never queued;
// CLOSED streams are collected by GCClosed instead.
func (r *Registry) Remove(id uint32) {
	r.mu.Lock()
	s, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Count returns the number of currently registered streams.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// CloseAll closes every registered stream and empties the registry. It
// is called once when the owning session tears down, so every
// blocked Read/Write unblocks with io.EOF / ErrSessionClosed.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[uint32]*Stream)
	r.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
}

// GCClosed removes every stream whose state has settled to CLOSED,
// returning the number removed. The session housekeeper calls this
// periodically so long-lived sessions do not accumulate a registry
// entry per stream that ever existed.
func (r *Registry) GCClosed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, s := range r.streams {
		if s.State() == StateClosed {
			delete(r.streams, id)
			removed++
		}
	}
	return removed
}
