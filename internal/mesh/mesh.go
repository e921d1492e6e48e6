// Package mesh is the shared live surface layered over a connected
// session: a toggleable board where both peers move items and draw
// strokes. State is best-effort and last-write-wins; it never outlives
// the session.
package mesh

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/tronsfer/tronsfer/internal/protocol"
)

var (
	ErrInactive  = errors.New("mesh: surface not active")
	ErrNoStroke  = errors.New("mesh: no stroke in progress")
	ErrNoSession = errors.New("mesh: no established session")
)

// Sender is the session-facing side of the surface.
type Sender interface {
	Send(msg protocol.Message) error
	Established() bool
}

// Position is an item's last known placement.
type Position struct {
	X float64
	Y float64
}

type Options struct {
	Sender Sender
	Logger *slog.Logger

	// OnChange fires after any mutation, local or remote.
	OnChange func()

	NewID func() string
}

type Surface struct {
	sender   Sender
	logger   *slog.Logger
	onChange func()
	newID    func() string

	mu        sync.Mutex
	active    bool
	positions map[string]Position
	strokes   []protocol.Stroke
	current   *protocol.Stroke
}

func NewSurface(opts Options) *Surface {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Surface{
		sender:    opts.Sender,
		logger:    logger,
		onChange:  opts.OnChange,
		newID:     newID,
		positions: make(map[string]Position),
	}
}

// Toggle flips the surface on or off locally and tells the peer.
// Either side may toggle; the message carries the new value verbatim.
func (s *Surface) Toggle() error {
	if !s.sender.Established() {
		return ErrNoSession
	}
	s.mu.Lock()
	s.active = !s.active
	active := s.active
	if !active {
		s.resetLocked()
	}
	s.mu.Unlock()
	s.changed()
	return s.sender.Send(&protocol.MeshToggle{Active: active})
}

// HandleToggle applies the peer's toggle verbatim. Crossed toggles
// settle on whichever message lands last at each side; the next toggle
// reconciles them.
func (s *Surface) HandleToggle(msg *protocol.MeshToggle) {
	s.mu.Lock()
	s.active = msg.Active
	if !msg.Active {
		s.resetLocked()
	}
	s.mu.Unlock()
	s.changed()
}

// MoveItem records an item position locally and tells the peer.
func (s *Surface) MoveItem(id string, x, y float64) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return ErrInactive
	}
	s.positions[id] = Position{X: x, Y: y}
	s.mu.Unlock()
	s.changed()
	return s.sender.Send(&protocol.MeshMove{ID: id, X: x, Y: y})
}

// HandleMove applies a peer move. Last write wins per item.
func (s *Surface) HandleMove(msg *protocol.MeshMove) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.positions[msg.ID] = Position{X: msg.X, Y: msg.Y}
	s.mu.Unlock()
	s.changed()
}

// StartStroke begins a local stroke. Points accumulate locally and the
// peer sees nothing until EndStroke.
func (s *Surface) StartStroke(color string, x, y float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrInactive
	}
	s.current = &protocol.Stroke{
		ID:     s.newID(),
		Color:  color,
		Points: []protocol.Point{{X: x, Y: y}},
		Origin: protocol.OriginLocal,
	}
	return nil
}

func (s *Surface) ExtendStroke(x, y float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ErrNoStroke
	}
	s.current.Points = append(s.current.Points, protocol.Point{X: x, Y: y})
	return nil
}

// EndStroke commits the in-progress stroke and sends it whole, exactly
// once.
func (s *Surface) EndStroke() error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return ErrNoStroke
	}
	stroke := *s.current
	s.current = nil
	s.strokes = append(s.strokes, stroke)
	s.mu.Unlock()
	s.changed()
	return s.sender.Send(&protocol.MeshDraw{Stroke: stroke})
}

// HandleDraw appends a completed peer stroke, re-stamped as remote
// from this side's point of view.
func (s *Surface) HandleDraw(msg *protocol.MeshDraw) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	stroke := msg.Stroke
	stroke.Origin = protocol.OriginRemote
	s.strokes = append(s.strokes, stroke)
	s.mu.Unlock()
	s.changed()
}

// HandleMessage routes mesh wire messages from the session dispatcher.
func (s *Surface) HandleMessage(msg protocol.Message) {
	switch msg := msg.(type) {
	case *protocol.MeshToggle:
		s.HandleToggle(msg)
	case *protocol.MeshMove:
		s.HandleMove(msg)
	case *protocol.MeshDraw:
		s.HandleDraw(msg)
	}
}

// Clear drops all surface state. Invoked on every transition to
// DISCONNECTED.
func (s *Surface) Clear() {
	s.mu.Lock()
	s.active = false
	s.resetLocked()
	s.mu.Unlock()
	s.changed()
}

func (s *Surface) resetLocked() {
	s.positions = make(map[string]Position)
	s.strokes = nil
	s.current = nil
}

func (s *Surface) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Surface) ItemPosition(id string) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	return pos, ok
}

// Strokes returns the committed strokes in arrival order.
func (s *Surface) Strokes() []protocol.Stroke {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Stroke, len(s.strokes))
	copy(out, s.strokes)
	return out
}

func (s *Surface) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}
