// Package app assembles the running peer: broker transport, presence
// registry, signaling, the session machine, transfers, the mesh
// surface and the vault.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tronsfer/tronsfer/internal/channel"
	chwebrtc "github.com/tronsfer/tronsfer/internal/channel/webrtc"
	"github.com/tronsfer/tronsfer/internal/compress"
	"github.com/tronsfer/tronsfer/internal/config"
	"github.com/tronsfer/tronsfer/internal/identity"
	"github.com/tronsfer/tronsfer/internal/mesh"
	"github.com/tronsfer/tronsfer/internal/presence"
	"github.com/tronsfer/tronsfer/internal/protocol"
	"github.com/tronsfer/tronsfer/internal/session"
	"github.com/tronsfer/tronsfer/internal/transfer"
	"github.com/tronsfer/tronsfer/internal/vault"
)

const Version = "5.0.0"

// registerAttempts bounds the id-regeneration loop on startup.
const registerAttempts = 5

// defaultDialTimeout caps how long an outbound connect may sit waiting
// for an answer. Dialing an id nobody holds produces no answer and no
// ICE failure, so without a deadline the dial would never return.
const defaultDialTimeout = 20 * time.Second

var ErrNoFreeID = errors.New("app: could not claim a peer id")

type Options struct {
	Config *config.Config
	Logger *slog.Logger

	// Provider overrides the WebRTC channel provider, for tests.
	Provider channel.Provider

	// DialTimeout overrides the outbound connect deadline; zero picks
	// the default.
	DialTimeout time.Duration

	OnStateChange  func(session.State, session.PeerInfo)
	OnNotice       func(string)
	OnPeersChanged func([]presence.Peer)
	OnTransfers    func([]transfer.Record)
	OnMeshChanged  func()
	Signal         transfer.CompletionSignal
}

type App struct {
	Config *config.Config
	Logger *slog.Logger

	ID       string
	Nickname string

	Presence  *presence.Registry
	Machine   *session.Machine
	Transfers *transfer.Engine
	Mesh      *mesh.Surface
	Vault     *vault.Vault

	provider    channel.Provider
	transport   *presence.MQTTTransport
	dialTimeout time.Duration
	stop        chan struct{}
}

func New(opts Options) (*App, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		Config:      cfg,
		Logger:      logger,
		ID:          identity.NewShortID(),
		Nickname:    identity.CleanNickname(cfg.Nickname),
		dialTimeout: opts.DialTimeout,
		stop:        make(chan struct{}),
	}
	if a.dialTimeout <= 0 {
		a.dialTimeout = defaultDialTimeout
	}
	if a.Nickname == "" {
		a.Nickname = "Unknown"
	}

	if cfg.MediaVault {
		v, err := vault.Open(cfg.VaultPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open vault: %w", err)
		}
		a.Vault = v
	}

	a.provider = opts.Provider
	if a.provider == nil {
		transport, err := presence.NewMQTTTransport(cfg.BrokerURL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to reach broker: %w", err)
		}
		a.transport = transport
		signaler := chwebrtc.NewMQTTSignaler(transport, cfg.PresenceTopic, logger)
		a.provider = chwebrtc.NewProvider(chwebrtc.Options{
			Signaler:    signaler,
			STUNServers: cfg.STUNServers,
			Logger:      logger,
		})
	}

	if a.transport != nil {
		a.Presence = presence.NewRegistry(presence.Options{
			Transport:      a.transport,
			Topic:          cfg.PresenceTopic,
			Logger:         logger,
			OnPeersChanged: opts.OnPeersChanged,
		})
	}

	a.Machine = session.New(session.Options{
		Provider:      a.provider,
		Logger:        logger,
		LocalID:       a.ID,
		Nickname:      a.Nickname,
		Version:       Version,
		AutoAccept:    cfg.AutoAccept,
		OnStateChange: opts.OnStateChange,
		OnNotice:      opts.OnNotice,
	})

	a.Transfers = transfer.NewEngine(transfer.Options{
		Sender:           a.Machine,
		Logger:           logger,
		Vault:            a.vaultSink(),
		Compressor:       compress.NewJPEG(),
		Signal:           opts.Signal,
		SmartCompression: cfg.SmartCompression,
		AutoExpire:       cfg.AutoVanish,
		OnChange:         opts.OnTransfers,
	})

	a.Mesh = mesh.NewSurface(mesh.Options{
		Sender:   a.Machine,
		Logger:   logger,
		OnChange: opts.OnMeshChanged,
	})

	a.Machine.RegisterHandler(protocol.MsgFileMeta, a.Transfers.HandleMessage)
	a.Machine.RegisterHandler(protocol.MsgFileFull, a.Transfers.HandleMessage)
	a.Machine.RegisterHandler(protocol.MsgMeshToggle, a.Mesh.HandleMessage)
	a.Machine.RegisterHandler(protocol.MsgMeshMove, a.Mesh.HandleMessage)
	a.Machine.RegisterHandler(protocol.MsgMeshDraw, a.Mesh.HandleMessage)
	a.Machine.OnClear(a.Transfers.Clear)
	a.Machine.OnClear(a.Mesh.Clear)

	return a, nil
}

// Start claims an id, regenerating on collision, then joins presence
// and begins accepting inbound channels.
func (a *App) Start(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < registerAttempts; attempt++ {
		err := a.provider.Register(ctx, a.ID)
		if err == nil {
			lastErr = nil
			break
		}
		if !errors.Is(err, channel.ErrIDTaken) {
			return fmt.Errorf("failed to register id: %w", err)
		}
		a.Logger.Warn("Peer id already claimed, regenerating", "id", a.ID)
		a.ID = identity.NewShortID()
		a.Machine.SetLocalID(a.ID)
		lastErr = err
	}
	if lastErr != nil {
		return ErrNoFreeID
	}

	if a.Presence != nil {
		a.Presence.Start(a.ID, a.Nickname, presence.PlatformDesktop)
	}

	go a.acceptLoop()

	a.Logger.Info("Ready", "id", a.ID, "nickname", a.Nickname)
	return nil
}

func (a *App) acceptLoop() {
	for {
		select {
		case <-a.stop:
			return
		case ch, ok := <-a.provider.Accept():
			if !ok {
				return
			}
			a.Machine.HandleInbound(ch)
		}
	}
}

// Connect dials a peer discovered via presence; the nickname shown
// while requesting comes from the radar snapshot. The dial carries a
// deadline: a peer that never answers converges on DISCONNECTED
// instead of wedging the caller.
func (a *App) Connect(ctx context.Context, peerID string) error {
	if !identity.ValidID(peerID) {
		return fmt.Errorf("malformed peer id %q", peerID)
	}
	nickname := ""
	if a.Presence != nil {
		for _, p := range a.Presence.Snapshot() {
			if p.ID == peerID {
				nickname = p.Nickname
				break
			}
		}
	}
	ctx, cancel := context.WithTimeout(ctx, a.dialTimeout)
	defer cancel()
	return a.Machine.Connect(ctx, peerID, nickname)
}

func (a *App) Stop() {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
	a.Machine.Disconnect()
	if a.Presence != nil {
		a.Presence.Stop()
	}
	_ = a.provider.Close()
	if a.transport != nil {
		_ = a.transport.Close()
	}
}

// vaultSink adapts the vault to the transfer engine, stamping each
// record with the peer the session was connected to.
func (a *App) vaultSink() transfer.Vault {
	if a.Vault == nil {
		return nil
	}
	return &vaultSink{app: a}
}

type vaultSink struct {
	app *App
}

func (s *vaultSink) Add(rec transfer.Record) error {
	peer := s.app.Machine.Peer()
	return s.app.Vault.AddWithPeer(rec, peer.ID, peer.Nickname)
}
