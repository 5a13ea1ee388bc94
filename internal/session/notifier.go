package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tourist-safety/backend/pkg/logger"
)

type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventSessionLinked  EventType = "session_linked"
	EventStatusChanged  EventType = "status_changed"
	EventHandoff        EventType = "handoff"
)

// Event is what dashboards receive instead of polling shared state.
type Event struct {
	Type      EventType
	SessionID string
	CameraID  string
	DID       string
	Status    string
	Target    string
	Timestamp time.Time
}

// Notifier fans lifecycle events out to subscribers. Publishing never
// blocks: a subscriber that stops draining loses events, not the pipeline.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan Event)}
}

// Subscribe returns a buffered event channel and a cancel function that
// closes it. Cancel is idempotent.
func (n *Notifier) Subscribe() (<-chan Event, func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	ch := make(chan Event, 64)
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (n *Notifier) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	for id, ch := range n.subs {
		select {
		case ch <- event:
		default:
			logger.Warn("Dropping lifecycle event for slow subscriber",
				zap.Int("subscriber", id),
				zap.String("type", string(event.Type)),
			)
		}
	}
}
