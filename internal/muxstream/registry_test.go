package muxstream

import "testing"

func TestRegistryCreateLocalAllocatesOddIDs(t *testing.T) {
	outbound := make(chan OutgoingEvent, 8)
	r := NewRegistry(outbound, DefaultWindow)

	ids := []uint32{}
	for i := 0; i < 3; i++ {
		s := r.CreateLocal("example.com:80", DefaultWindow)
		ids = append(ids, s.ID)
	}
	want := []uint32{1, 3, 5}
	for i, id := range ids {
		if id != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestRegistryAcceptRemoteRejectsDuplicate(t *testing.T) {
	outbound := make(chan OutgoingEvent, 8)
	r := NewRegistry(outbound, DefaultWindow)

	if _, err := r.AcceptRemote(2, "example.com:80", DefaultWindow); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AcceptRemote(2, "example.com:80", DefaultWindow); err == nil {
		t.Fatal("expected duplicate SYN to be rejected")
	}
}

func TestRegistryLookupAndRemove(t *testing.T) {
	outbound := make(chan OutgoingEvent, 8)
	r := NewRegistry(outbound, DefaultWindow)

	s := r.CreateLocal("example.com:80", DefaultWindow)
	if r.Lookup(s.ID) != s {
		t.Fatal("lookup did not return the created stream")
	}
	if r.Count() != 1 {
		t.Fatalf("count = %d, want 1", r.Count())
	}

	r.Remove(s.ID)
	if r.Lookup(s.ID) != nil {
		t.Fatal("expected stream to be gone after Remove")
	}
	if !s.IsClosed() {
		t.Fatal("expected Remove to close the stream")
	}
}

func TestRegistryCloseAllUnblocksEverything(t *testing.T) {
	outbound := make(chan OutgoingEvent, 8)
	r := NewRegistry(outbound, DefaultWindow)

	s1 := r.CreateLocal("example.com:80", DefaultWindow)
	s2 := r.CreateLocal("example.org:443", DefaultWindow)
	r.CloseAll()

	if !s1.IsClosed() || !s2.IsClosed() {
		t.Fatal("expected both streams closed")
	}
	if r.Count() != 0 {
		t.Fatalf("count = %d, want 0 after CloseAll", r.Count())
	}
}

func TestRegistryGCClosedRemovesOnlyClosedStreams(t *testing.T) {
	outbound := make(chan OutgoingEvent, 8)
	r := NewRegistry(outbound, DefaultWindow)

	open := r.CreateLocal("example.com:80", DefaultWindow)
	closed := r.CreateLocal("example.org:443", DefaultWindow)
	closed.Close()

	removed := r.GCClosed()
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if r.Lookup(closed.ID) != nil {
		t.Fatal("closed stream should have been collected")
	}
	if r.Lookup(open.ID) == nil {
		t.Fatal("open stream should not have been collected")
	}
}
