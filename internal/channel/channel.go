// Package channel defines the direct peer-to-peer message channel
// used by an established session. Implementations handle framing and
// delivery; messages arrive in send order.
package channel

import (
	"context"
	"errors"

	"github.com/tronsfer/tronsfer/internal/protocol"
)

var (
	// ErrIDTaken is reported by Register when the requested identity is
	// already claimed by another endpoint.
	ErrIDTaken = errors.New("channel: id already taken")

	ErrClosed = errors.New("channel: closed")
)

type Provider interface {
	// Register claims the local identity. Returns ErrIDTaken when the id
	// is in use elsewhere.
	Register(ctx context.Context, id string) error
	Connect(ctx context.Context, remoteID string) (Channel, error)
	Accept() <-chan Channel
	Close() error
}

type Channel interface {
	RemoteID() string
	Send(msg protocol.Message) error
	Recv() <-chan protocol.Message
	// Done is closed when the channel is closed by either side.
	Done() <-chan struct{}
	Close() error
}
