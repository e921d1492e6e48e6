package webrtc

import (
	"context"
	"sync"
	"testing"
	"time"
)

// busTransport is a synchronous in-process stand-in for the broker.
type busTransport struct {
	mu   sync.Mutex
	subs map[string][]func([]byte)
}

func newBus() *busTransport {
	return &busTransport{subs: make(map[string][]func([]byte))}
}

func (b *busTransport) Publish(topic string, payload []byte) error {
	b.mu.Lock()
	handlers := append([]func([]byte){}, b.subs[topic]...)
	b.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(payload)
		}
	}
	return nil
}

func (b *busTransport) Subscribe(topic string, handler func([]byte)) (func(), error) {
	b.mu.Lock()
	idx := len(b.subs[topic])
	b.subs[topic] = append(b.subs[topic], handler)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs[topic][idx] = nil
	}, nil
}

func (b *busTransport) Close() error { return nil }

func TestSignalerDeliversBetweenPeers(t *testing.T) {
	bus := newBus()
	alice := NewMQTTSignaler(bus, "test", nil)
	bob := NewMQTTSignaler(bus, "test", nil)

	if _, err := alice.Listen("AAAAAA"); err != nil {
		t.Fatalf("alice Listen: %v", err)
	}
	bobSignals, err := bob.Listen("BBBBBB")
	if err != nil {
		t.Fatalf("bob Listen: %v", err)
	}

	err = alice.SendSignal(context.Background(), "BBBBBB", Signal{
		Kind:    SignalOffer,
		Payload: []byte("sdp-offer"),
	})
	if err != nil {
		t.Fatalf("SendSignal: %v", err)
	}

	select {
	case sig := <-bobSignals:
		if sig.Kind != SignalOffer || sig.From != "AAAAAA" || string(sig.Payload) != "sdp-offer" {
			t.Fatalf("unexpected signal: %+v", sig)
		}
	case <-time.After(time.Second):
		t.Fatal("signal never arrived")
	}
}

func TestSignalerIgnoresOwnAndMalformed(t *testing.T) {
	bus := newBus()
	s := NewMQTTSignaler(bus, "test", nil)

	signals, err := s.Listen("AAAAAA")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	// Echo of own publish and broker garbage must both be dropped.
	if err := s.SendSignal(context.Background(), "AAAAAA", Signal{Kind: SignalOffer}); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}
	if err := bus.Publish("test/signal/AAAAAA", []byte("{garbage")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case sig := <-signals:
		t.Fatalf("unexpected signal delivered: %+v", sig)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProbeDetectsHolder(t *testing.T) {
	bus := newBus()
	holder := NewMQTTSignaler(bus, "test", nil)
	prober := NewMQTTSignaler(bus, "test", nil)

	if _, err := holder.Listen("AB12CD"); err != nil {
		t.Fatalf("holder Listen: %v", err)
	}
	if _, err := prober.Listen("ZZ99ZZ"); err != nil {
		t.Fatalf("prober Listen: %v", err)
	}

	taken, err := prober.Probe(context.Background(), "AB12CD")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !taken {
		t.Fatal("probe should see the holder")
	}
}

func TestProbeFreeIDTimesOut(t *testing.T) {
	bus := newBus()
	prober := NewMQTTSignaler(bus, "test", nil)
	if _, err := prober.Listen("ZZ99ZZ"); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	taken, err := prober.Probe(ctx, "UNHELD")
	if err != nil && err != context.DeadlineExceeded {
		t.Fatalf("Probe: %v", err)
	}
	if taken {
		t.Fatal("nobody holds this id")
	}
}

func TestListenAgainReplacesSubscription(t *testing.T) {
	bus := newBus()
	s := NewMQTTSignaler(bus, "test", nil)
	other := NewMQTTSignaler(bus, "test", nil)
	if _, err := other.Listen("FFFFFF"); err != nil {
		t.Fatalf("other Listen: %v", err)
	}

	if _, err := s.Listen("OLD111"); err != nil {
		t.Fatalf("first Listen: %v", err)
	}
	newSignals, err := s.Listen("NEW222")
	if err != nil {
		t.Fatalf("second Listen: %v", err)
	}

	if err := other.SendSignal(context.Background(), "NEW222", Signal{Kind: SignalOffer}); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}
	select {
	case sig := <-newSignals:
		if sig.From != "FFFFFF" {
			t.Fatalf("unexpected sender: %+v", sig)
		}
	case <-time.After(time.Second):
		t.Fatal("signal to regenerated id never arrived")
	}
}
