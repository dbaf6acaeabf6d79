// Package notify delivers change notifications raised after a write transaction commits.
package notify

import (
	"strconv"
	"sync"

	"github.com/pingcap-incubator/tinydoc/docdb/metrics"
)

type ChangeType int

const (
	Put ChangeType = iota
	Delete
	DeleteOnTombstoneReplication
)

func (t ChangeType) String() string {
	switch t {
	case Put:
		return "Put"
	case Delete:
		return "Delete"
	case DeleteOnTombstoneReplication:
		return "DeleteOnTombstoneReplication"
	}
	return "ChangeType(" + strconv.Itoa(int(t)) + ")"
}

// MarshalText makes the type readable in published payloads.
func (t ChangeType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

type Change struct {
	Type       ChangeType `json:"type"`
	Key        string     `json:"key"`
	Etag       uint64     `json:"etag"`
	Collection string     `json:"collection"`
	IsSystem   bool       `json:"is_system"`
}

// Notifier receives changes on the committing goroutine. Implementations must not block.
type Notifier interface {
	Raise(c Change)
}

// Nop discards every change.
type Nop struct{}

func (Nop) Raise(Change) {}

// Multi raises every change on each of its notifiers in order.
type Multi []Notifier

func (m Multi) Raise(c Change) {
	for _, n := range m {
		n.Raise(c)
	}
}

// Hub fans changes out to in-process subscribers. A subscriber whose buffer is full misses
// the change.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Change
	nextID  uint64
	metrics *metrics.Metrics
}

func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{subs: make(map[uint64]chan Change), metrics: m}
}

// Subscribe returns a channel of changes and a function that ends the subscription and
// closes the channel.
func (h *Hub) Subscribe(buf int) (<-chan Change, func()) {
	ch := make(chan Change, buf)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Raise(c Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- c:
			h.metrics.NotificationsSent.WithLabelValues(c.Type.String()).Inc()
		default:
			h.metrics.NotificationsDrops.Inc()
		}
	}
}
