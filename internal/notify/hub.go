// Package notify fans out change notifications to in-process subscribers
// and to WebSocket clients.
package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/pitchside/internal/clock"
	"github.com/roach88/pitchside/internal/domain"
	"github.com/roach88/pitchside/internal/outbox"
)

// Kind identifies what a Change describes.
type Kind string

const (
	// KindRecord is a record written locally or applied from the remote.
	KindRecord Kind = "record"
	// KindSyncState is a record moving between sync states.
	KindSyncState Kind = "sync_state"
	// KindStoreStatus is a change of local store health.
	KindStoreStatus Kind = "store_status"
	// KindConnectivity is the engine going online or offline.
	KindConnectivity Kind = "connectivity"
)

// Source says where a record change came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Change is one notification.
type Change struct {
	Seq      int64            `json:"seq"`
	Kind     Kind             `json:"kind"`
	At       time.Time        `json:"at"`
	Table    domain.Table     `json:"table,omitempty"`
	RecordID string           `json:"recordId,omitempty"`
	Op       outbox.Operation `json:"op,omitempty"`
	Source   Source           `json:"source,omitempty"`
	State    outbox.State     `json:"state,omitempty"`
	Message  string           `json:"message,omitempty"`
}

// Publisher is implemented by Hub. Components take this interface.
type Publisher interface {
	Publish(c Change) Change
}

// Discard drops every change.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(c Change) Change { return c }

// Hub delivers changes to subscribers without ever blocking the publisher.
// A subscriber whose buffer is full misses the change; Dropped counts how
// often that happened.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Change
	nextID int
	closed bool

	seq     *Sequence
	dropped atomic.Int64
	clock   clock.Clock
	logger  *slog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithClock sets the clock used to stamp At.
func WithClock(c clock.Clock) HubOption { return func(h *Hub) { h.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) HubOption { return func(h *Hub) { h.logger = l } }

// NewHub creates a hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{subs: make(map[int]chan Change), seq: NewSequenceAt(0)}
	for _, opt := range opts {
		opt(h)
	}
	h.clock = clock.OrSystem(h.clock)
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Subscribe registers a subscriber with the given buffer size. The returned
// function unsubscribes and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Change, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Publish stamps c with the next sequence number and the current time and
// delivers it. It returns the stamped change.
func (h *Hub) Publish(c Change) Change {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.Seq = h.seq.Next()
	if c.At.IsZero() {
		c.At = h.clock.Now()
	}
	for _, ch := range h.subs {
		select {
		case ch <- c:
		default:
			h.dropped.Add(1)
		}
	}
	return c
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later subscriptions are closed
// immediately and publishes reach no one.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
