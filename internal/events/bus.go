package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/treykane/tunnelkeeper/internal/model"
)

// Kind classifies bus events.
type Kind string

const (
	// KindStateChanged signals that a tunnel's visible state changed.
	KindStateChanged Kind = "state_changed"
	// KindNotification asks the presentation layer to show a message.
	KindNotification Kind = "notification"
	// KindRescan reports a completed config directory scan.
	KindRescan Kind = "rescan"
)

// Level is the severity of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notification is a user-facing message request.
type Notification struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Level Level  `json:"level"`
}

// Event is one lifecycle record, published on the bus and persisted to
// events.jsonl.
type Event struct {
	Timestamp    time.Time        `json:"timestamp"`
	Kind         Kind             `json:"kind"`
	TunnelKind   model.TunnelKind `json:"tunnel_kind,omitempty"`
	Key          string           `json:"key,omitempty"`
	Name         string           `json:"name,omitempty"`
	Status       model.Status     `json:"status,omitempty"`
	PID          int              `json:"pid,omitempty"`
	PublicURL    string           `json:"public_url,omitempty"`
	Message      string           `json:"message,omitempty"`
	Removed      bool             `json:"removed,omitempty"`
	Notification *Notification    `json:"notification,omitempty"`
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber. The returned cancel function unsubscribes
// and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers evt to every subscriber without blocking.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			slog.Debug("event dropped for slow subscriber", "subscriber", id, "kind", evt.Kind)
		}
	}
}

// Close unsubscribes everyone. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
