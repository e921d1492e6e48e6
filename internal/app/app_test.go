package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tronsfer/tronsfer/internal/channel"
	"github.com/tronsfer/tronsfer/internal/channel/mem"
	"github.com/tronsfer/tronsfer/internal/config"
	"github.com/tronsfer/tronsfer/internal/session"
)

func testConfig(t *testing.T, autoAccept bool) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.AutoAccept = autoAccept
	cfg.VaultPath = filepath.Join(t.TempDir(), "vault.sqlite3")
	return cfg
}

func newTestApp(t *testing.T, network *mem.Network, autoAccept bool) *App {
	t.Helper()
	a, err := New(Options{
		Config:   testConfig(t, autoAccept),
		Provider: network.Provider(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(a.Stop)
	return a
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAppsConnectAndTransfer(t *testing.T) {
	network := mem.NewNetwork()
	alice := newTestApp(t, network, false)
	bob := newTestApp(t, network, true)

	if err := alice.Connect(context.Background(), bob.ID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, func() bool {
		return alice.Machine.State() == session.Connected && bob.Machine.State() == session.Connected
	}, "session never established")

	if _, _, err := alice.Transfers.Send("hi.txt", "text/plain", []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, func() bool {
		recs := bob.Transfers.Records()
		return len(recs) == 1 && recs[0].Progress == 100
	}, "transfer never completed on the far side")

	// Completed incoming transfers land in the history.
	waitFor(t, func() bool {
		recs, err := bob.Vault.List()
		return err == nil && len(recs) == 1 && recs[0].PeerID == alice.ID
	}, "vault never recorded the transfer")
}

// silentProvider registers fine but answers no dial, like a published
// offer that nobody is listening for.
type silentProvider struct {
	accept chan channel.Channel
}

func (p *silentProvider) Register(context.Context, string) error { return nil }

func (p *silentProvider) Connect(ctx context.Context, _ string) (channel.Channel, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p *silentProvider) Accept() <-chan channel.Channel { return p.accept }

func (p *silentProvider) Close() error { return nil }

func TestConnectDeadlineOnSilentPeer(t *testing.T) {
	a, err := New(Options{
		Config:      testConfig(t, false),
		Provider:    &silentProvider{accept: make(chan channel.Channel)},
		DialTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(a.Stop)

	done := make(chan error, 1)
	go func() { done <- a.Connect(context.Background(), "ZZZZZZ") }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected the deadline to surface as an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dial to a silent peer never returned")
	}
	waitFor(t, func() bool {
		return a.Machine.State() == session.Disconnected
	}, "machine stuck after failed dial")
}

func TestConnectRejectsMalformedID(t *testing.T) {
	network := mem.NewNetwork()
	alice := newTestApp(t, network, false)

	if err := alice.Connect(context.Background(), "short"); err == nil {
		t.Fatal("expected error for malformed id")
	}
}

func TestStartRegeneratesOnIDCollision(t *testing.T) {
	network := mem.NewNetwork()
	alice := newTestApp(t, network, false)

	bob, err := New(Options{
		Config:   testConfig(t, false),
		Provider: network.Provider(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bob.ID = alice.ID

	if err := bob.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(bob.Stop)
	if bob.ID == alice.ID {
		t.Fatal("colliding id was not regenerated")
	}
}

func TestDisconnectClearsMeshAndTransfers(t *testing.T) {
	network := mem.NewNetwork()
	alice := newTestApp(t, network, true)
	bob := newTestApp(t, network, true)

	if err := alice.Connect(context.Background(), bob.ID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, func() bool {
		return alice.Machine.State() == session.Connected
	}, "session never established")

	if err := alice.Mesh.Toggle(); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	waitFor(t, func() bool { return bob.Mesh.Active() }, "toggle never reached bob")

	alice.Machine.Disconnect()
	waitFor(t, func() bool {
		return !alice.Mesh.Active() && len(alice.Transfers.Records()) == 0
	}, "session state survived disconnect")
}
