// Package session owns the lifecycle of the single connection attempt
// or established session: handshake, acceptance, heartbeat-driven
// liveness, the reconnect countdown, and disconnection. All other
// components consult it for "is a peer connected" and route their
// outbound messages through it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tronsfer/tronsfer/internal/channel"
	"github.com/tronsfer/tronsfer/internal/protocol"
)

type State int

const (
	Disconnected State = iota
	Requesting
	IncomingRequest
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Requesting:
		return "REQUESTING"
	case IncomingRequest:
		return "INCOMING_REQUEST"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

const (
	defaultHeartbeatInterval = 2 * time.Second
	defaultHeartbeatTimeout  = 10 * time.Second
	defaultCountdownInterval = time.Second
	defaultCountdownStart    = 10
)

var (
	ErrBusy         = errors.New("session: another session is active")
	ErrNotConnected = errors.New("session: no open channel")
)

// PeerInfo identifies the remote end of the current session.
type PeerInfo struct {
	ID       string
	Nickname string
	Version  string
}

type Options struct {
	Provider channel.Provider
	Logger   *slog.Logger

	// LocalID and Nickname identify this endpoint in the handshake.
	LocalID  string
	Nickname string
	Version  string

	// AutoAccept answers inbound requests immediately instead of
	// holding them in INCOMING_REQUEST.
	AutoAccept bool

	// OnStateChange fires after every transition, outside the machine's
	// lock.
	OnStateChange func(State, PeerInfo)
	// OnNotice carries transient user-visible messages, e.g. a
	// rejection.
	OnNotice func(string)

	// Overridable for tests; zero values pick the defaults.
	Now               func() time.Time
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	CountdownInterval time.Duration
	CountdownStart    int
}

type Machine struct {
	provider channel.Provider
	logger   *slog.Logger
	now      func() time.Time

	localID  string
	nickname string
	version  string

	heartbeatEvery time.Duration
	timeoutAfter   time.Duration
	countdownEvery time.Duration
	countdownFrom  int

	onState  func(State, PeerInfo)
	onNotice func(string)

	mu            sync.Mutex
	state         State
	peer          PeerInfo
	ch            channel.Channel
	lastSeen      time.Time
	autoAccept    bool
	countdown     int
	countdownStop chan struct{}
	heartbeatStop chan struct{}
	handlers      map[protocol.MessageType]func(protocol.Message)
	clearHooks    []func()
}

func New(opts Options) *Machine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	m := &Machine{
		provider:       opts.Provider,
		logger:         logger,
		now:            now,
		localID:        opts.LocalID,
		nickname:       opts.Nickname,
		version:        opts.Version,
		autoAccept:     opts.AutoAccept,
		onState:        opts.OnStateChange,
		onNotice:       opts.OnNotice,
		heartbeatEvery: opts.HeartbeatInterval,
		timeoutAfter:   opts.HeartbeatTimeout,
		countdownEvery: opts.CountdownInterval,
		countdownFrom:  opts.CountdownStart,
		handlers:       make(map[protocol.MessageType]func(protocol.Message)),
	}
	if m.heartbeatEvery <= 0 {
		m.heartbeatEvery = defaultHeartbeatInterval
	}
	if m.timeoutAfter <= 0 {
		m.timeoutAfter = defaultHeartbeatTimeout
	}
	if m.countdownEvery <= 0 {
		m.countdownEvery = defaultCountdownInterval
	}
	if m.countdownFrom <= 0 {
		m.countdownFrom = defaultCountdownStart
	}
	return m
}

// RegisterHandler routes an application message kind (file transfer,
// mesh) to its component. Session-control kinds are handled
// internally; registering them has no effect.
func (m *Machine) RegisterHandler(t protocol.MessageType, fn func(protocol.Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[t] = fn
}

// OnClear registers a hook invoked every time the session transitions
// to DISCONNECTED, so session-scoped state elsewhere can be wiped.
func (m *Machine) OnClear(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearHooks = append(m.clearHooks, fn)
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Peer() PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer
}

// Established reports whether an open channel exists. The channel
// stays open during RECONNECTING; only the countdown reaching zero
// force-closes it.
func (m *Machine) Established() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Connected || m.state == Reconnecting
}

// SetLocalID swaps this endpoint's id, used when the startup claim
// collides and the id regenerates. Only meaningful while disconnected.
func (m *Machine) SetLocalID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localID = id
}

func (m *Machine) SetAutoAccept(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoAccept = v
}

// Send transmits an application message over the current channel.
// Fire-and-forget from the caller's perspective.
func (m *Machine) Send(msg protocol.Message) error {
	m.mu.Lock()
	ch := m.ch
	established := m.state == Connected || m.state == Reconnecting
	m.mu.Unlock()

	if !established || ch == nil {
		return ErrNotConnected
	}
	return ch.Send(msg)
}

// Connect opens an outbound channel to the peer and sends a connection
// request. Fails with ErrBusy when a session already exists.
func (m *Machine) Connect(ctx context.Context, peerID, peerNickname string) error {
	m.mu.Lock()
	if m.state != Disconnected {
		m.mu.Unlock()
		return ErrBusy
	}
	m.state = Requesting
	m.peer = PeerInfo{ID: peerID, Nickname: peerNickname}
	m.mu.Unlock()
	m.notify(Requesting, PeerInfo{ID: peerID, Nickname: peerNickname})

	ch, err := m.provider.Connect(ctx, peerID)
	if err != nil {
		if m.onNotice != nil {
			m.onNotice("Connection Failed")
		}
		m.teardown(nil, false)
		return fmt.Errorf("session: connect to %s: %w", peerID, err)
	}

	m.mu.Lock()
	if m.state != Requesting {
		// Cancelled while dialing.
		m.mu.Unlock()
		_ = ch.Close()
		return ErrNotConnected
	}
	m.ch = ch
	m.lastSeen = m.now()
	m.mu.Unlock()

	go m.readLoop(ch)

	if err := ch.Send(&protocol.ConnectionRequest{
		ID:       m.localID,
		Nickname: m.nickname,
		Version:  m.version,
	}); err != nil {
		m.teardown(ch, false)
		return fmt.Errorf("session: send request: %w", err)
	}
	return nil
}

// HandleInbound attaches an inbound channel. The session stays
// DISCONNECTED until the peer's connection-request arrives. A second
// attempt while any session exists is rejected immediately with busy.
func (m *Machine) HandleInbound(ch channel.Channel) {
	m.mu.Lock()
	if m.state != Disconnected || m.ch != nil {
		m.mu.Unlock()
		m.logger.Debug("Rejecting inbound channel while busy", "peer", ch.RemoteID())
		go func() {
			_ = ch.Send(&protocol.ConnectionRejected{Busy: true})
			_ = ch.Close()
		}()
		return
	}
	m.ch = ch
	m.lastSeen = m.now()
	m.mu.Unlock()

	go m.readLoop(ch)
}

// Accept answers a held INCOMING_REQUEST positively.
func (m *Machine) Accept() error {
	m.mu.Lock()
	if m.state != IncomingRequest || m.ch == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	ch := m.ch
	m.enterConnectedLocked()
	peer := m.peer
	m.mu.Unlock()

	m.notify(Connected, peer)
	return ch.Send(&protocol.ConnectionAccepted{Version: m.version})
}

// Reject answers a held INCOMING_REQUEST negatively and tears the
// channel down.
func (m *Machine) Reject() error {
	m.mu.Lock()
	if m.state != IncomingRequest || m.ch == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	ch := m.ch
	m.mu.Unlock()

	_ = ch.Send(&protocol.ConnectionRejected{})
	m.teardown(ch, false)
	return nil
}

// Disconnect tears the session down from any state. Idempotent; a
// no-op when already DISCONNECTED.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	if m.state == Disconnected && m.ch == nil {
		m.mu.Unlock()
		return
	}
	ch := m.ch
	m.mu.Unlock()

	if ch != nil {
		_ = ch.Send(&protocol.Disconnect{})
	}
	m.teardown(ch, true)
}

func (m *Machine) readLoop(ch channel.Channel) {
	for {
		select {
		case msg := <-ch.Recv():
			if msg != nil {
				m.handleMessage(ch, msg)
			}
		case <-ch.Done():
			// A rejection or disconnect can land in the buffer right
			// before the close; deliver it before tearing down.
		drain:
			for {
				select {
				case msg := <-ch.Recv():
					if msg == nil {
						break drain
					}
					m.handleMessage(ch, msg)
				default:
					break drain
				}
			}
			m.handleChannelClosed(ch)
			return
		}
	}
}

func (m *Machine) handleChannelClosed(ch channel.Channel) {
	m.mu.Lock()
	current := m.ch == ch
	m.mu.Unlock()
	if current {
		m.teardown(ch, true)
	}
}

// handleMessage is the single entry point for everything the channel
// delivers. Any valid message refreshes the liveness clock and, if the
// session is RECONNECTING, cancels the countdown before anything else
// is evaluated.
func (m *Machine) handleMessage(ch channel.Channel, msg protocol.Message) {
	m.mu.Lock()
	if m.ch != ch {
		// A stale reader from a previous session.
		m.mu.Unlock()
		return
	}

	m.lastSeen = m.now()

	var notifies []func()
	if m.state == Reconnecting {
		m.cancelCountdownLocked()
		m.state = Connected
		peer := m.peer
		notifies = append(notifies, func() { m.notify(Connected, peer) })
	}

	var after func()
	switch msg := msg.(type) {
	case *protocol.ConnectionRequest:
		notifies = append(notifies, m.handleRequestLocked(ch, msg)...)

	case *protocol.ConnectionAccepted:
		if m.state == Requesting {
			m.peer.Version = msg.Version
			m.enterConnectedLocked()
			peer := m.peer
			notifies = append(notifies, func() { m.notify(Connected, peer) })
		}

	case *protocol.ConnectionRejected:
		if m.state == Requesting {
			reason := "Connection Rejected"
			if msg.Busy {
				reason = "Peer Is Busy"
			}
			notifies = append(notifies, func() {
				if m.onNotice != nil {
					m.onNotice(reason)
				}
			})
			after = func() { m.teardown(ch, false) }
		}

	case *protocol.Disconnect:
		after = func() { m.teardown(ch, false) }

	case *protocol.HeartbeatPing:
		after = func() { _ = ch.Send(&protocol.HeartbeatPong{}) }

	case *protocol.HeartbeatPong:
		// Clock already refreshed above.

	default:
		if handler, ok := m.handlers[msg.Type()]; ok && (m.state == Connected) {
			after = func() { handler(msg) }
		} else {
			m.logger.Debug("Dropping message", "type", msg.Type().String(), "state", m.state.String())
		}
	}
	m.mu.Unlock()

	for _, fn := range notifies {
		fn()
	}
	if after != nil {
		after()
	}
}

func (m *Machine) handleRequestLocked(ch channel.Channel, msg *protocol.ConnectionRequest) []func() {
	if m.state != Disconnected {
		// The handshake is only valid on a freshly attached inbound
		// channel.
		return nil
	}
	m.peer = PeerInfo{ID: msg.ID, Nickname: msg.Nickname, Version: msg.Version}
	peer := m.peer

	if m.autoAccept {
		m.enterConnectedLocked()
		return []func(){
			func() { _ = ch.Send(&protocol.ConnectionAccepted{Version: m.version}) },
			func() { m.notify(Connected, peer) },
		}
	}

	m.state = IncomingRequest
	return []func(){func() { m.notify(IncomingRequest, peer) }}
}

// enterConnectedLocked moves to CONNECTED and arms the heartbeat.
func (m *Machine) enterConnectedLocked() {
	m.state = Connected
	m.lastSeen = m.now()
	m.startHeartbeatLocked()
}

func (m *Machine) startHeartbeatLocked() {
	if m.heartbeatStop != nil {
		return
	}
	stop := make(chan struct{})
	m.heartbeatStop = stop
	go m.heartbeatLoop(stop)
}

func (m *Machine) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.heartbeatStop != stop {
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
			m.heartbeatTick()
		}
	}
}

// heartbeatTick sends a ping and evaluates the silence window. Runs
// once per interval; RECONNECTING is entered at most once per silence
// episode because the state check only fires from CONNECTED.
func (m *Machine) heartbeatTick() {
	m.mu.Lock()
	ch := m.ch
	live := m.state == Connected || m.state == Reconnecting
	m.mu.Unlock()

	if !live || ch == nil {
		return
	}
	_ = ch.Send(&protocol.HeartbeatPing{})

	m.checkHeartbeat()
}

// checkHeartbeat drives the CONNECTED -> RECONNECTING transition.
func (m *Machine) checkHeartbeat() {
	m.mu.Lock()
	if m.state != Connected || m.now().Sub(m.lastSeen) <= m.timeoutAfter {
		m.mu.Unlock()
		return
	}
	m.state = Reconnecting
	m.countdown = m.countdownFrom
	stop := make(chan struct{})
	m.countdownStop = stop
	peer := m.peer
	m.mu.Unlock()

	m.logger.Warn("Heartbeat silence, reconnecting", "peer", peer.ID)
	m.notify(Reconnecting, peer)
	go m.countdownLoop(stop)
}

func (m *Machine) countdownLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.countdownEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.countdownStop != stop {
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
			m.countdownTick()
		}
	}
}

// countdownTick decrements the reconnect counter. A message arriving
// in the same tick wins: handleMessage cancels the countdown under the
// lock before this method can observe zero.
func (m *Machine) countdownTick() {
	m.mu.Lock()
	if m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.countdown--
	if m.countdown > 0 {
		m.mu.Unlock()
		return
	}
	ch := m.ch
	m.mu.Unlock()

	m.logger.Warn("Reconnect window expired, disconnecting")
	m.teardown(ch, true)
}

func (m *Machine) cancelCountdownLocked() {
	if m.countdownStop != nil {
		close(m.countdownStop)
		m.countdownStop = nil
	}
	m.countdown = 0
}

// teardown is the single path to DISCONNECTED. It cancels all session
// timers, drops the channel, runs the clear hooks, and is safe to call
// repeatedly.
func (m *Machine) teardown(ch channel.Channel, closeChannel bool) {
	m.mu.Lock()
	if ch != nil && m.ch != nil && m.ch != ch {
		// Belongs to an older session.
		m.mu.Unlock()
		return
	}
	wasDisconnected := m.state == Disconnected && m.ch == nil
	current := m.ch
	m.ch = nil
	m.state = Disconnected
	m.peer = PeerInfo{}
	m.cancelCountdownLocked()
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
	hooks := append([]func(){}, m.clearHooks...)
	m.mu.Unlock()

	if current != nil {
		_ = current.Close()
	} else if closeChannel && ch != nil {
		_ = ch.Close()
	}

	if wasDisconnected {
		return
	}
	for _, hook := range hooks {
		hook()
	}
	m.notify(Disconnected, PeerInfo{})
}

func (m *Machine) notify(state State, peer PeerInfo) {
	if m.onState != nil {
		m.onState(state, peer)
	}
}
