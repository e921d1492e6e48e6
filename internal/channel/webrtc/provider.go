// Package webrtc provides session channels over pion data channels,
// with offers and answers ferried by the presence broker.
package webrtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/tronsfer/tronsfer/internal/channel"
)

type Options struct {
	Signaler    Signaler
	STUNServers []string
	Logger      *slog.Logger
}

type Provider struct {
	config   webrtc.Configuration
	signaler Signaler
	logger   *slog.Logger

	accept chan channel.Channel

	mu     sync.Mutex
	selfID string
	conns  map[string]*conn
	stop   chan struct{}
}

var _ channel.Provider = (*Provider)(nil)

func NewProvider(opts Options) *Provider {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	iceServers := make([]webrtc.ICEServer, 0, len(opts.STUNServers))
	for _, server := range opts.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{server}})
	}
	return &Provider{
		config: webrtc.Configuration{
			ICEServers:         iceServers,
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
		},
		signaler: opts.Signaler,
		logger:   logger,
		accept:   make(chan channel.Channel, 16),
		conns:    make(map[string]*conn),
	}
}

// Register claims id on the signaling layer. A peer already answering
// on that id means the caller must regenerate; re-registering the
// provider's own current id is a no-op claim refresh.
func (p *Provider) Register(ctx context.Context, id string) error {
	p.mu.Lock()
	self := p.selfID
	p.mu.Unlock()

	if id != self {
		taken, err := p.signaler.Probe(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to probe id: %w", err)
		}
		if taken {
			return channel.ErrIDTaken
		}
	}

	signals, err := p.signaler.Listen(id)
	if err != nil {
		return fmt.Errorf("failed to listen for signals: %w", err)
	}

	p.mu.Lock()
	if p.stop != nil {
		close(p.stop)
	}
	stop := make(chan struct{})
	p.stop = stop
	p.selfID = id
	p.mu.Unlock()

	go p.signalLoop(signals, stop)
	return nil
}

func (p *Provider) signalLoop(signals <-chan Signal, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if err := p.handleSignal(sig); err != nil {
				p.logger.Warn("Signal handling failed", "kind", sig.Kind, "from", sig.From, "error", err)
			}
		}
	}
}

func (p *Provider) handleSignal(sig Signal) error {
	p.mu.Lock()
	c, exists := p.conns[sig.From]
	p.mu.Unlock()

	if !exists {
		if sig.Kind != SignalOffer {
			p.logger.Debug("Signal for unknown connection", "kind", sig.Kind, "from", sig.From)
			return nil
		}
		pc, err := webrtc.NewPeerConnection(p.config)
		if err != nil {
			return fmt.Errorf("failed to create peer connection: %w", err)
		}
		c = newConn(sig.From, pc, p.signaler, p.logger, false)

		p.mu.Lock()
		p.conns[sig.From] = c
		p.mu.Unlock()

		go func() {
			select {
			case <-c.opened:
				p.accept <- c
			case <-c.done:
			}
		}()
	}

	return c.handleSignal(sig)
}

// Connect dials remoteID: offer out over the signaler, then block
// until the data channel opens or ctx expires.
func (p *Provider) Connect(ctx context.Context, remoteID string) (channel.Channel, error) {
	pc, err := webrtc.NewPeerConnection(p.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	c := newConn(remoteID, pc, p.signaler, p.logger, true)

	p.mu.Lock()
	p.conns[remoteID] = c
	p.mu.Unlock()

	if err := c.createDataChannel(); err != nil {
		p.drop(remoteID)
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		p.drop(remoteID)
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		p.drop(remoteID)
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		p.drop(remoteID)
		return nil, ctx.Err()
	}

	local := pc.LocalDescription()
	err = p.signaler.SendSignal(ctx, remoteID, Signal{
		Kind:    SignalOffer,
		Payload: []byte(local.SDP),
	})
	if err != nil {
		p.drop(remoteID)
		return nil, fmt.Errorf("failed to send offer: %w", err)
	}

	select {
	case <-c.opened:
		return c, nil
	case <-c.done:
		p.drop(remoteID)
		return nil, channel.ErrClosed
	case <-ctx.Done():
		p.drop(remoteID)
		_ = c.Close()
		return nil, ctx.Err()
	}
}

func (p *Provider) Accept() <-chan channel.Channel {
	return p.accept
}

func (p *Provider) drop(remoteID string) {
	p.mu.Lock()
	delete(p.conns, remoteID)
	p.mu.Unlock()
}

func (p *Provider) Close() error {
	p.mu.Lock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	conns := p.conns
	p.conns = make(map[string]*conn)
	p.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return p.signaler.Close()
}

var _ channel.Channel = (*conn)(nil)
