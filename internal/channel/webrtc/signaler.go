package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tronsfer/tronsfer/internal/presence"
)

// Signal kinds carried over the signaling topic.
const (
	SignalOffer  = "offer"
	SignalAnswer = "answer"
	SignalProbe  = "probe"
	SignalTaken  = "taken"
)

type Signal struct {
	From    string `json:"from"`
	Kind    string `json:"kind"`
	Nonce   string `json:"nonce,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// Signaler ferries session descriptions between peers before a data
// channel exists.
type Signaler interface {
	SendSignal(ctx context.Context, remoteID string, sig Signal) error
	Listen(selfID string) (<-chan Signal, error)
	Probe(ctx context.Context, id string) (taken bool, err error)
	Close() error
}

const probeWait = 2 * time.Second

// MQTTSignaler rides the same broker as presence. Each peer id owns
// one topic; signals addressed to a peer are published there.
type MQTTSignaler struct {
	transport   presence.Transport
	topicPrefix string
	logger      *slog.Logger

	mu     sync.Mutex
	selfID string
	cancel func()
}

func NewMQTTSignaler(transport presence.Transport, topicPrefix string, logger *slog.Logger) *MQTTSignaler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSignaler{
		transport:   transport,
		topicPrefix: topicPrefix,
		logger:      logger,
	}
}

func (s *MQTTSignaler) topicFor(id string) string {
	return fmt.Sprintf("%s/signal/%s", s.topicPrefix, id)
}

// Listen subscribes to selfID's signal topic. Calling it again with a
// new id drops the old subscription, which is how id regeneration
// works.
func (s *MQTTSignaler) Listen(selfID string) (<-chan Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	out := make(chan Signal, 32)
	cancel, err := s.transport.Subscribe(s.topicFor(selfID), func(payload []byte) {
		var sig Signal
		if err := json.Unmarshal(payload, &sig); err != nil {
			s.logger.Debug("Dropping malformed signal", "error", err)
			return
		}
		if sig.From == selfID {
			return
		}
		if sig.Kind == SignalProbe {
			s.answerProbe(sig)
			return
		}
		select {
		case out <- sig:
		default:
			s.logger.Warn("Signal channel full, dropping", "kind", sig.Kind, "from", sig.From)
		}
	})
	if err != nil {
		return nil, err
	}

	s.selfID = selfID
	s.cancel = cancel
	return out, nil
}

// answerProbe tells a prober that this id is already held.
func (s *MQTTSignaler) answerProbe(sig Signal) {
	reply := Signal{From: s.selfID, Kind: SignalTaken, Nonce: sig.Nonce}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := s.transport.Publish(sig.ReplyTo, data); err != nil {
		s.logger.Debug("Probe reply failed", "error", err)
	}
}

// Probe checks whether id is already claimed by another peer. It
// publishes a probe to the id's topic and waits briefly for a holder
// to answer; silence means the id is free.
func (s *MQTTSignaler) Probe(ctx context.Context, id string) (bool, error) {
	nonce := uuid.NewString()
	replyTopic := fmt.Sprintf("%s/probe/%s", s.topicPrefix, nonce)

	got := make(chan struct{}, 1)
	cancel, err := s.transport.Subscribe(replyTopic, func(payload []byte) {
		var sig Signal
		if err := json.Unmarshal(payload, &sig); err != nil {
			return
		}
		if sig.Kind == SignalTaken && sig.Nonce == nonce {
			select {
			case got <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		return false, err
	}
	defer cancel()

	probe := Signal{Kind: SignalProbe, Nonce: nonce, ReplyTo: replyTopic}
	data, err := json.Marshal(probe)
	if err != nil {
		return false, err
	}
	if err := s.transport.Publish(s.topicFor(id), data); err != nil {
		return false, err
	}

	timer := time.NewTimer(probeWait)
	defer timer.Stop()
	select {
	case <-got:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (s *MQTTSignaler) SendSignal(ctx context.Context, remoteID string, sig Signal) error {
	s.mu.Lock()
	sig.From = s.selfID
	s.mu.Unlock()

	data, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return s.transport.Publish(s.topicFor(remoteID), data)
}

func (s *MQTTSignaler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}
