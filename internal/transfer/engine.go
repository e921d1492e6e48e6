// Package transfer announces and carries file payloads across an
// established session and tracks per-file progress. Payloads travel as
// a single file-full message; the channel provider's flow control is
// relied upon, and a transfer that dies mid-flight is simply abandoned
// when the session clears.
package transfer

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tronsfer/tronsfer/internal/protocol"
)

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

const (
	// Images above this size offer a compress-or-original choice before
	// sending, when smart compression is enabled.
	LargeImageThreshold = 2 * 1024 * 1024

	defaultExpireAfter = 60 * time.Second
)

var (
	ErrUnknownTransfer = errors.New("transfer: unknown transfer id")
	ErrNoSession       = errors.New("transfer: no established session")
)

// Record tracks one file transfer for its lifetime. Progress is
// monotonically non-decreasing and reaches 100 exactly once.
type Record struct {
	ID        string
	Name      string
	Size      int64
	Mime      string
	Direction Direction
	Progress  int
	StartedAt time.Time
	// Data holds the received payload once an incoming transfer
	// completes. Never persisted.
	Data []byte
}

// Sender is the session-facing side of the engine: outbound messages
// and the "is there an open channel" check.
type Sender interface {
	Send(msg protocol.Message) error
	Established() bool
}

// Vault persists completed transfer records, stripped of payload.
type Vault interface {
	Add(rec Record) error
}

// Compressor shrinks image payloads. Fallible; on failure the original
// bytes are used.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
}

// CompletionSignal is the fire-and-forget completion notification.
type CompletionSignal interface {
	Completed(rec Record)
}

type Options struct {
	Sender Sender
	Logger *slog.Logger

	Vault      Vault
	Compressor Compressor
	Signal     CompletionSignal

	SmartCompression bool
	AutoExpire       bool
	ExpireAfter      time.Duration

	// OnChange receives a newest-first snapshot after every mutation.
	OnChange func([]Record)

	Now   func() time.Time
	NewID func() string
}

type Engine struct {
	sender   Sender
	logger   *slog.Logger
	vault    Vault
	compress Compressor
	signal   CompletionSignal
	onChange func([]Record)
	now      func() time.Time
	newID    func() string

	smartCompression bool
	autoExpire       bool
	expireAfter      time.Duration

	mu           sync.Mutex
	records      map[string]*Record
	order        []string
	pending      map[string]pendingSend
	pendingOrder []string
	expireTimers map[string]*time.Timer
}

type pendingSend struct {
	name string
	mime string
	data []byte
}

func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	expireAfter := opts.ExpireAfter
	if expireAfter <= 0 {
		expireAfter = defaultExpireAfter
	}

	return &Engine{
		sender:           opts.Sender,
		logger:           logger,
		vault:            opts.Vault,
		compress:         opts.Compressor,
		signal:           opts.Signal,
		onChange:         opts.OnChange,
		now:              now,
		newID:            newID,
		smartCompression: opts.SmartCompression,
		autoExpire:       opts.AutoExpire,
		expireAfter:      expireAfter,
		records:          make(map[string]*Record),
		pending:          make(map[string]pendingSend),
		expireTimers:     make(map[string]*time.Timer),
	}
}

// Send announces and transmits a local file. When the payload is a
// large image and smart compression is on, the transfer suspends
// instead: nothing is announced until Resolve picks compressed or
// original. Only the one transfer waits; the session is unaffected.
func (e *Engine) Send(name, mime string, data []byte) (id string, suspended bool, err error) {
	if !e.sender.Established() {
		return "", false, ErrNoSession
	}
	id = e.newID()

	if e.smartCompression && isLargeImage(mime, int64(len(data))) {
		e.mu.Lock()
		e.pending[id] = pendingSend{name: name, mime: mime, data: data}
		e.pendingOrder = append(e.pendingOrder, id)
		e.mu.Unlock()
		return id, true, nil
	}

	return id, false, e.start(id, name, mime, data)
}

// Resolve completes a suspended Send with the compression decision.
func (e *Engine) Resolve(id string, compress bool) error {
	e.mu.Lock()
	p, ok := e.pending[id]
	delete(e.pending, id)
	for i, pid := range e.pendingOrder {
		if pid == id {
			e.pendingOrder = append(e.pendingOrder[:i], e.pendingOrder[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	if !ok {
		return ErrUnknownTransfer
	}

	data := p.data
	if compress && e.compress != nil {
		shrunk, err := e.compress.Compress(data)
		if err != nil {
			e.logger.Warn("Compression failed, sending original", "name", p.name, "error", err)
		} else {
			data = shrunk
		}
	}
	return e.start(id, p.name, p.mime, data)
}

func (e *Engine) start(id, name, mime string, data []byte) error {
	if err := e.Announce(id, name, int64(len(data)), mime); err != nil {
		return err
	}
	return e.SendPayload(id, data, mime)
}

// Announce creates an outgoing record at 0% and sends file-meta.
func (e *Engine) Announce(id, name string, size int64, mime string) error {
	rec := &Record{
		ID:        id,
		Name:      name,
		Size:      size,
		Mime:      mime,
		Direction: Outgoing,
		StartedAt: e.now(),
	}

	e.mu.Lock()
	e.records[id] = rec
	e.order = append([]string{id}, e.order...)
	e.mu.Unlock()

	e.addToVault(*rec)
	e.changed()

	return e.sender.Send(&protocol.FileMeta{ID: id, Name: name, Size: size, Mime: mime})
}

// SendPayload transmits the complete payload in one message and marks
// the record done.
func (e *Engine) SendPayload(id string, data []byte, mime string) error {
	if err := e.sender.Send(&protocol.FileFull{ID: id, Mime: mime, Data: data}); err != nil {
		return err
	}
	e.complete(id, nil)
	return nil
}

// HandleMessage consumes file-meta and file-full delivered by the
// session's dispatcher.
func (e *Engine) HandleMessage(msg protocol.Message) {
	switch msg := msg.(type) {
	case *protocol.FileMeta:
		rec := &Record{
			ID:        msg.ID,
			Name:      msg.Name,
			Size:      msg.Size,
			Mime:      msg.Mime,
			Direction: Incoming,
			StartedAt: e.now(),
		}
		e.mu.Lock()
		if _, exists := e.records[msg.ID]; exists {
			e.mu.Unlock()
			return
		}
		e.records[msg.ID] = rec
		e.order = append([]string{msg.ID}, e.order...)
		e.mu.Unlock()
		e.changed()

	case *protocol.FileFull:
		e.complete(msg.ID, msg.Data)
	}
}

// complete drives a record to 100. Idempotent per record: progress
// reaches 100 exactly once, later payloads for the same id are
// ignored.
func (e *Engine) complete(id string, data []byte) {
	e.mu.Lock()
	rec, ok := e.records[id]
	if !ok || rec.Progress >= 100 {
		e.mu.Unlock()
		return
	}
	rec.Progress = 100
	if data != nil {
		rec.Data = data
	}
	snapshot := *rec
	incoming := rec.Direction == Incoming
	e.mu.Unlock()

	if e.signal != nil {
		e.signal.Completed(snapshot)
	}
	if incoming {
		e.addToVault(snapshot)
	}
	if e.autoExpire {
		e.scheduleExpiry(id)
	}
	e.changed()
}

func (e *Engine) addToVault(rec Record) {
	if e.vault == nil {
		return
	}
	rec.Data = nil
	if err := e.vault.Add(rec); err != nil {
		e.logger.Warn("Vault add failed", "id", rec.ID, "error", err)
	}
}

func (e *Engine) scheduleExpiry(id string) {
	e.mu.Lock()
	if _, exists := e.expireTimers[id]; exists {
		e.mu.Unlock()
		return
	}
	e.expireTimers[id] = time.AfterFunc(e.expireAfter, func() {
		e.remove(id)
	})
	e.mu.Unlock()
}

func (e *Engine) remove(id string) {
	e.mu.Lock()
	if _, ok := e.records[id]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.records, id)
	delete(e.expireTimers, id)
	for i, rid := range e.order {
		if rid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	e.changed()
}

// Clear wipes all session-scoped transfer state. Invoked on every
// transition to DISCONNECTED.
func (e *Engine) Clear() {
	e.mu.Lock()
	for _, timer := range e.expireTimers {
		timer.Stop()
	}
	e.records = make(map[string]*Record)
	e.order = nil
	e.pending = make(map[string]pendingSend)
	e.pendingOrder = nil
	e.expireTimers = make(map[string]*time.Timer)
	e.mu.Unlock()
	e.changed()
}

// Records returns a newest-first snapshot.
func (e *Engine) Records() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Record, 0, len(e.order))
	for _, id := range e.order {
		if rec, ok := e.records[id]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

func (e *Engine) Get(id string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// PendingCount reports how many transfers are suspended on a
// compression choice.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// PendingID returns the oldest transfer still waiting on a
// compression choice.
func (e *Engine) PendingID() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pendingOrder) == 0 {
		return "", false
	}
	return e.pendingOrder[0], true
}

func (e *Engine) changed() {
	if e.onChange != nil {
		e.onChange(e.Records())
	}
}

func isLargeImage(mime string, size int64) bool {
	return strings.HasPrefix(mime, "image/") && size > LargeImageThreshold
}
