package presence

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	mu        sync.Mutex
	handlers  map[string][]func([]byte)
	published map[string][][]byte
	closed    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers:  make(map[string][]func([]byte)),
		published: make(map[string][][]byte),
	}
}

func (f *fakeTransport) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	f.published[topic] = append(f.published[topic], payload)
	handlers := append([]func([]byte){}, f.handlers[topic]...)
	f.mu.Unlock()

	// A real broker echoes our own announcements back to us.
	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (f *fakeTransport) Subscribe(topic string, handler func([]byte)) (func(), error) {
	f.mu.Lock()
	f.handlers[topic] = append(f.handlers[topic], handler)
	f.mu.Unlock()
	return func() {}, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) deliver(topic string, payload []byte) {
	f.mu.Lock()
	handlers := append([]func([]byte){}, f.handlers[topic]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func newManualClock() *manualClock {
	return &manualClock{t: time.Unix(1700000000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type snapshotRecorder struct {
	mu        sync.Mutex
	snapshots [][]Peer
}

func (r *snapshotRecorder) record(peers []Peer) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, peers)
	r.mu.Unlock()
}

func (r *snapshotRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func (r *snapshotRecorder) last() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return nil
	}
	return r.snapshots[len(r.snapshots)-1]
}

func announcePayload(t *testing.T, id, nickname string, platform Platform, ts time.Time) []byte {
	t.Helper()
	payload, err := json.Marshal(announcement{ID: id, Nickname: nickname, TS: ts.UnixMilli(), Platform: platform})
	if err != nil {
		t.Fatalf("marshal announcement: %v", err)
	}
	return payload
}

func newTestRegistry(t *testing.T) (*Registry, *fakeTransport, *manualClock, *snapshotRecorder) {
	t.Helper()
	transport := newFakeTransport()
	clock := newManualClock()
	recorder := &snapshotRecorder{}

	r := NewRegistry(Options{
		Transport:      transport,
		OnPeersChanged: recorder.record,
		Now:            clock.Now,
		// Keep the background tickers out of the way; tests drive the
		// sweep directly.
		AnnounceInterval: time.Hour,
		SweepInterval:    time.Hour,
	})
	r.Start("SELF00", "me", PlatformDesktop)
	t.Cleanup(r.Stop)
	return r, transport, clock, recorder
}

func TestRegistryUpsertsForeignPeers(t *testing.T) {
	r, transport, clock, recorder := newTestRegistry(t)

	transport.deliver(DefaultTopic, announcePayload(t, "PEER01", "bob", PlatformMobile, clock.Now()))

	if recorder.count() == 0 {
		t.Fatal("expected a peers-changed callback")
	}
	snapshot := recorder.last()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(snapshot))
	}
	if snapshot[0].ID != "PEER01" || snapshot[0].Nickname != "bob" {
		t.Errorf("unexpected peer: %+v", snapshot[0])
	}
	if snapshot[0].Platform != PlatformMobile {
		t.Errorf("expected mobile platform, got %s", snapshot[0].Platform)
	}

	// Second announcement from the same peer refreshes, not duplicates.
	clock.Advance(3 * time.Second)
	transport.deliver(DefaultTopic, announcePayload(t, "PEER01", "bob", PlatformMobile, clock.Now()))
	if got := len(r.Snapshot()); got != 1 {
		t.Errorf("expected 1 peer after refresh, got %d", got)
	}
}

func TestRegistryIgnoresSelf(t *testing.T) {
	r, transport, clock, recorder := newTestRegistry(t)

	transport.deliver(DefaultTopic, announcePayload(t, "SELF00", "me", PlatformDesktop, clock.Now()))

	if recorder.count() != 0 {
		t.Error("expected no callback for our own announcement")
	}
	if len(r.Snapshot()) != 0 {
		t.Error("self must never appear in the peer table")
	}
}

func TestRegistryDropsMalformed(t *testing.T) {
	r, transport, _, recorder := newTestRegistry(t)

	transport.deliver(DefaultTopic, []byte("{not json"))
	transport.deliver(DefaultTopic, []byte(`{"nickname":"noid"}`))

	if recorder.count() != 0 {
		t.Error("malformed messages must not fire callbacks")
	}
	if len(r.Snapshot()) != 0 {
		t.Error("malformed messages must not create peers")
	}
}

func TestRegistryDefaultsUnknownFields(t *testing.T) {
	r, transport, clock, _ := newTestRegistry(t)

	transport.deliver(DefaultTopic, announcePayload(t, "PEER02", "", "toaster", clock.Now()))

	snapshot := r.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(snapshot))
	}
	if snapshot[0].Nickname != "Unknown" {
		t.Errorf("expected Unknown nickname, got %q", snapshot[0].Nickname)
	}
	if snapshot[0].Platform != PlatformDesktop {
		t.Errorf("expected desktop fallback, got %q", snapshot[0].Platform)
	}
}

func TestRegistrySweepEvictsStale(t *testing.T) {
	r, transport, clock, recorder := newTestRegistry(t)

	transport.deliver(DefaultTopic, announcePayload(t, "PEER01", "bob", PlatformMobile, clock.Now()))
	clock.Advance(5 * time.Second)
	transport.deliver(DefaultTopic, announcePayload(t, "PEER02", "carol", PlatformDesktop, clock.Now()))

	// PEER01 was seen 13s ago, PEER02 8s ago.
	clock.Advance(8 * time.Second)
	before := recorder.count()
	r.Sweep()

	if recorder.count() != before+1 {
		t.Fatal("expected exactly one callback from the sweep")
	}
	snapshot := recorder.last()
	if len(snapshot) != 1 || snapshot[0].ID != "PEER02" {
		t.Errorf("expected only PEER02 to survive, got %+v", snapshot)
	}

	// Nothing changed; no callback.
	r.Sweep()
	if recorder.count() != before+1 {
		t.Error("sweep without evictions must not fire a callback")
	}
}

func TestRegistryAnnouncesOnStart(t *testing.T) {
	transport := newFakeTransport()
	clock := newManualClock()

	r := NewRegistry(Options{
		Transport:        transport,
		Now:              clock.Now,
		AnnounceInterval: time.Hour,
		SweepInterval:    time.Hour,
	})
	r.Start("SELF00", "me", PlatformDesktop)
	defer r.Stop()

	deadline := time.Now().Add(time.Second)
	for {
		transport.mu.Lock()
		n := len(transport.published[DefaultTopic])
		transport.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no announcement published")
		}
		time.Sleep(5 * time.Millisecond)
	}

	transport.mu.Lock()
	payload := transport.published[DefaultTopic][0]
	transport.mu.Unlock()

	var msg announcement
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("announcement is not valid JSON: %v", err)
	}
	if msg.ID != "SELF00" || msg.Nickname != "me" || msg.Platform != PlatformDesktop {
		t.Errorf("unexpected announcement: %+v", msg)
	}
	if msg.TS != clock.Now().UnixMilli() {
		t.Errorf("expected ts %d, got %d", clock.Now().UnixMilli(), msg.TS)
	}
}

func TestRegistryStopIdempotent(t *testing.T) {
	transport := newFakeTransport()
	r := NewRegistry(Options{Transport: transport})

	// Never started.
	r.Stop()

	r.Start("SELF00", "me", PlatformDesktop)
	r.Stop()
	r.Stop()
}

func TestRegistryRestartWithNewID(t *testing.T) {
	transport := newFakeTransport()
	clock := newManualClock()

	r := NewRegistry(Options{
		Transport:        transport,
		Now:              clock.Now,
		AnnounceInterval: time.Hour,
		SweepInterval:    time.Hour,
	})
	r.Start("OLDID0", "me", PlatformDesktop)
	r.Stop()
	r.Start("NEWID0", "me", PlatformDesktop)
	defer r.Stop()

	// Announcements under the old id must now be treated as foreign.
	transport.deliver(DefaultTopic, announcePayload(t, "OLDID0", "ghost", PlatformDesktop, clock.Now()))
	if len(r.Snapshot()) != 1 {
		t.Error("expected old id to count as a foreign peer after restart")
	}
	transport.deliver(DefaultTopic, announcePayload(t, "NEWID0", "me", PlatformDesktop, clock.Now()))
	for _, p := range r.Snapshot() {
		if p.ID == "NEWID0" {
			t.Error("new self id leaked into the peer table")
		}
	}
}

func TestRegistryManyPeers(t *testing.T) {
	r, transport, clock, _ := newTestRegistry(t)

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("PEER%02d", i)
		transport.deliver(DefaultTopic, announcePayload(t, id, "peer", PlatformDesktop, clock.Now()))
	}
	if got := len(r.Snapshot()); got != 20 {
		t.Errorf("expected 20 peers, got %d", got)
	}

	clock.Advance(13 * time.Second)
	r.Sweep()
	if got := len(r.Snapshot()); got != 0 {
		t.Errorf("expected empty table after sweep, got %d", got)
	}
}
