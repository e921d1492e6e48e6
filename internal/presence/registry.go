// Package presence maintains the local peer identity's visibility and
// a table of recently seen remote peers, built from periodic
// broadcast/listen over a pub/sub transport. Discovery is best-effort:
// transport failures and malformed messages are logged and swallowed.
package presence

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultTopic = "tronsfer/v5/radar/presence"

	defaultAnnounceInterval = 3 * time.Second
	defaultSweepInterval    = 4 * time.Second
	// A peer is considered gone after missing roughly four announce
	// cycles.
	defaultStaleAfter = 12 * time.Second
)

type Platform string

const (
	PlatformMobile  Platform = "mobile"
	PlatformDesktop Platform = "desktop"
)

// Peer is a recently seen remote endpoint. Consumers receive copies;
// the registry owns the table.
type Peer struct {
	ID       string
	Nickname string
	Platform Platform
	LastSeen time.Time
}

type announcement struct {
	ID       string   `json:"id"`
	Nickname string   `json:"nickname"`
	TS       int64    `json:"ts"`
	Platform Platform `json:"platform"`
}

type Options struct {
	Transport Transport
	Topic     string
	Logger    *slog.Logger

	// OnPeersChanged receives an unordered snapshot of the table every
	// time it changes.
	OnPeersChanged func([]Peer)

	// Overridable for tests; zero values pick the defaults.
	Now              func() time.Time
	AnnounceInterval time.Duration
	SweepInterval    time.Duration
	StaleAfter       time.Duration
}

type Registry struct {
	transport Transport
	topic     string
	logger    *slog.Logger
	onPeers   func([]Peer)
	now       func() time.Time

	announceEvery time.Duration
	sweepEvery    time.Duration
	staleAfter    time.Duration

	mu          sync.Mutex
	selfID      string
	nickname    string
	platform    Platform
	peers       map[string]Peer
	stop        chan struct{}
	unsubscribe func()
	started     bool
}

func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	topic := opts.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	r := &Registry{
		transport:     opts.Transport,
		topic:         topic,
		logger:        logger,
		onPeers:       opts.OnPeersChanged,
		now:           now,
		announceEvery: opts.AnnounceInterval,
		sweepEvery:    opts.SweepInterval,
		staleAfter:    opts.StaleAfter,
		peers:         make(map[string]Peer),
	}
	if r.announceEvery <= 0 {
		r.announceEvery = defaultAnnounceInterval
	}
	if r.sweepEvery <= 0 {
		r.sweepEvery = defaultSweepInterval
	}
	if r.staleAfter <= 0 {
		r.staleAfter = defaultStaleAfter
	}
	return r
}

// Start subscribes to the presence topic and begins periodic
// self-announcement. Safe to call again after Stop, e.g. when the
// local id changes.
func (r *Registry) Start(selfID, nickname string, platform Platform) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.selfID = selfID
	r.nickname = nickname
	r.platform = platform
	r.stop = make(chan struct{})
	stop := r.stop
	r.mu.Unlock()

	unsubscribe, err := r.transport.Subscribe(r.topic, r.handlePayload)
	if err != nil {
		// Discovery stays silent on failure; announcing continues in
		// case the transport recovers on its own.
		r.logger.Warn("Presence subscribe failed", "error", err)
	} else {
		r.mu.Lock()
		r.unsubscribe = unsubscribe
		r.mu.Unlock()
	}

	go r.announceLoop(stop)
	go r.sweepLoop(stop)
}

// Stop cancels both timers and releases the transport subscription.
// Idempotent; calling it on a never-started registry is a no-op.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	close(r.stop)
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Snapshot returns an unordered copy of the current peer table.
func (r *Registry) Snapshot() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []Peer {
	peers := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	return peers
}

func (r *Registry) announceLoop(stop <-chan struct{}) {
	r.announce()
	ticker := time.NewTicker(r.announceEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.announce()
		}
	}
}

func (r *Registry) announce() {
	r.mu.Lock()
	msg := announcement{
		ID:       r.selfID,
		Nickname: r.nickname,
		TS:       r.now().UnixMilli(),
		Platform: r.platform,
	}
	r.mu.Unlock()

	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := r.transport.Publish(r.topic, payload); err != nil {
		r.logger.Debug("Presence announce failed", "error", err)
	}
}

func (r *Registry) handlePayload(payload []byte) {
	var msg announcement
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.logger.Debug("Dropping malformed presence message", "error", err)
		return
	}
	if msg.ID == "" {
		return
	}

	r.mu.Lock()
	if msg.ID == r.selfID {
		r.mu.Unlock()
		return
	}
	nickname := msg.Nickname
	if nickname == "" {
		nickname = "Unknown"
	}
	platform := msg.Platform
	if platform != PlatformMobile && platform != PlatformDesktop {
		platform = PlatformDesktop
	}
	r.peers[msg.ID] = Peer{
		ID:       msg.ID,
		Nickname: nickname,
		Platform: platform,
		LastSeen: r.now(),
	}
	snapshot := r.snapshotLocked()
	onPeers := r.onPeers
	r.mu.Unlock()

	if onPeers != nil {
		onPeers(snapshot)
	}
}

func (r *Registry) sweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep evicts peers not seen within the staleness window and notifies
// observers only when the table changed.
func (r *Registry) Sweep() {
	r.mu.Lock()
	now := r.now()
	changed := false
	for id, peer := range r.peers {
		if now.Sub(peer.LastSeen) > r.staleAfter {
			delete(r.peers, id)
			changed = true
		}
	}
	var snapshot []Peer
	onPeers := r.onPeers
	if changed {
		snapshot = r.snapshotLocked()
	}
	r.mu.Unlock()

	if changed && onPeers != nil {
		onPeers(snapshot)
	}
}
