package webrtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/tronsfer/tronsfer/internal/protocol"
)

type conn struct {
	remoteID  string
	pc        *webrtc.PeerConnection
	signaler  Signaler
	logger    *slog.Logger
	initiator bool

	recv     chan protocol.Message
	done     chan struct{}
	doneOnce sync.Once
	opened   chan struct{}
	openOnce sync.Once

	mu sync.Mutex
	dc *webrtc.DataChannel
}

func newConn(remoteID string, pc *webrtc.PeerConnection, signaler Signaler, logger *slog.Logger, initiator bool) *conn {
	c := &conn{
		remoteID:  remoteID,
		pc:        pc,
		signaler:  signaler,
		logger:    logger,
		initiator: initiator,
		recv:      make(chan protocol.Message, 256),
		done:      make(chan struct{}),
		opened:    make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			c.markDone()
		}
	})

	if !initiator {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			c.setupDataChannel(dc)
		})
	}

	return c
}

func (c *conn) createDataChannel() error {
	ordered := true
	proto := "tronsfer"
	dc, err := c.pc.CreateDataChannel("session", &webrtc.DataChannelInit{
		Ordered:  &ordered,
		Protocol: &proto,
	})
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	c.setupDataChannel(dc)
	return nil
}

func (c *conn) setupDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.openOnce.Do(func() { close(c.opened) })
	})

	dc.OnMessage(func(raw webrtc.DataChannelMessage) {
		msg, err := protocol.DecodeFromBytes(raw.Data)
		if err != nil {
			c.logger.Debug("Dropping undecodable frame", "peer", c.remoteID, "error", err)
			return
		}
		select {
		case c.recv <- msg:
		default:
			c.logger.Warn("Receive queue full, dropping", "peer", c.remoteID, "type", msg.Type())
		}
	})

	dc.OnClose(func() {
		c.markDone()
	})
}

// handleSignal consumes the remote description. The non-initiator
// side also produces and signals the answer, after ICE gathering
// finishes so the SDP carries its candidates.
func (c *conn) handleSignal(sig Signal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pc.RemoteDescription() != nil {
		return nil
	}

	desc := webrtc.SessionDescription{SDP: string(sig.Payload)}
	if c.initiator {
		desc.Type = webrtc.SDPTypeAnswer
	} else {
		desc.Type = webrtc.SDPTypeOffer
	}

	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	if !c.initiator {
		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("failed to create answer: %w", err)
		}
		gathered := webrtc.GatheringCompletePromise(c.pc)
		if err := c.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("failed to set local description: %w", err)
		}
		<-gathered
		local := c.pc.LocalDescription()
		err = c.signaler.SendSignal(context.Background(), c.remoteID, Signal{
			Kind:    SignalAnswer,
			Payload: []byte(local.SDP),
		})
		if err != nil {
			return fmt.Errorf("failed to send answer: %w", err)
		}
	}

	return nil
}

func (c *conn) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *conn) RemoteID() string {
	return c.remoteID
}

func (c *conn) Send(msg protocol.Message) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil {
		return fmt.Errorf("data channel not ready")
	}
	data, err := protocol.EncodeToBytes(msg)
	if err != nil {
		return err
	}
	return dc.Send(data)
}

func (c *conn) Recv() <-chan protocol.Message {
	return c.recv
}

func (c *conn) Done() <-chan struct{} {
	return c.done
}

func (c *conn) Close() error {
	c.markDone()

	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc != nil {
		_ = dc.Close()
	}
	return c.pc.Close()
}
