// Package mem provides an in-process channel provider. Useful for
// tests and for running two endpoints inside one process.
package mem

import (
	"context"
	"fmt"
	"sync"

	"github.com/tronsfer/tronsfer/internal/channel"
	"github.com/tronsfer/tronsfer/internal/protocol"
)

// Network connects providers living in the same process. Each provider
// claims one id on the network at a time.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Provider
}

func NewNetwork() *Network {
	return &Network{endpoints: make(map[string]*Provider)}
}

func (n *Network) Provider() *Provider {
	return &Provider{
		network: n,
		accept:  make(chan channel.Channel, 8),
	}
}

type Provider struct {
	network *Network
	mu      sync.Mutex
	id      string
	accept  chan channel.Channel
	closed  bool
}

func (p *Provider) Register(_ context.Context, id string) error {
	n := p.network
	n.mu.Lock()
	defer n.mu.Unlock()

	if existing, ok := n.endpoints[id]; ok && existing != p {
		return channel.ErrIDTaken
	}

	p.mu.Lock()
	if p.id != "" {
		delete(n.endpoints, p.id)
	}
	p.id = id
	p.mu.Unlock()

	n.endpoints[id] = p
	return nil
}

func (p *Provider) Connect(_ context.Context, remoteID string) (channel.Channel, error) {
	n := p.network
	n.mu.Lock()
	remote, ok := n.endpoints[remoteID]
	n.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("mem: no endpoint registered as %q", remoteID)
	}

	p.mu.Lock()
	localID := p.id
	p.mu.Unlock()

	local, far := newPair(remoteID, localID)

	remote.mu.Lock()
	if remote.closed {
		remote.mu.Unlock()
		return nil, channel.ErrClosed
	}
	select {
	case remote.accept <- far:
	default:
		remote.mu.Unlock()
		_ = far.Close()
		return nil, fmt.Errorf("mem: endpoint %q not accepting", remoteID)
	}
	remote.mu.Unlock()

	return local, nil
}

func (p *Provider) Accept() <-chan channel.Channel {
	return p.accept
}

func (p *Provider) Close() error {
	// Lock order matches Register: network first, then provider.
	n := p.network
	n.mu.Lock()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		n.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.id != "" && n.endpoints[p.id] == p {
		delete(n.endpoints, p.id)
	}
	p.mu.Unlock()
	n.mu.Unlock()

	close(p.accept)
	return nil
}

type conn struct {
	remoteID string
	recv     chan protocol.Message
	// done is shared between both halves: closing either side tears
	// down the pair.
	done *pairDone
	twin *conn
}

type pairDone struct {
	ch   chan struct{}
	once sync.Once
}

func (d *pairDone) close() {
	d.once.Do(func() { close(d.ch) })
}

func newPair(dialedID, dialerID string) (*conn, *conn) {
	done := &pairDone{ch: make(chan struct{})}
	a := &conn{
		remoteID: dialedID,
		recv:     make(chan protocol.Message, 256),
		done:     done,
	}
	b := &conn{
		remoteID: dialerID,
		recv:     make(chan protocol.Message, 256),
		done:     done,
	}
	a.twin = b
	b.twin = a
	return a, b
}

func (c *conn) RemoteID() string {
	return c.remoteID
}

func (c *conn) Send(msg protocol.Message) error {
	select {
	case <-c.done.ch:
		return channel.ErrClosed
	default:
	}

	select {
	case c.twin.recv <- msg:
		return nil
	case <-c.done.ch:
		return channel.ErrClosed
	}
}

func (c *conn) Recv() <-chan protocol.Message {
	return c.recv
}

func (c *conn) Done() <-chan struct{} {
	return c.done.ch
}

func (c *conn) Close() error {
	c.done.close()
	return nil
}
