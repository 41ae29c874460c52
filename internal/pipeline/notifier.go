package pipeline

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/haasonsaas/agentmemory/pkg/models"
)

// notifierBuffer is the per-subscriber channel depth. A lagging subscriber
// has its oldest queued event dropped to make room rather than blocking the
// publisher.
const notifierBuffer = 100

// Notifier fans out persisted observations to any number of subscribers
// (typically an SSE relay at the collaborator boundary). Publish is
// best-effort: a subscriber with no one draining it loses its oldest
// buffered event rather than stalling ingestion.
type Notifier struct {
	mu          sync.Mutex
	subscribers map[int]chan []byte
	nextID      int
	logger      *slog.Logger
}

// NewNotifier creates an empty Notifier.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		subscribers: make(map[int]chan []byte),
		logger:      logger,
	}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function. The channel is closed when Unsubscribe is called.
func (n *Notifier) Subscribe() (<-chan []byte, func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	ch := make(chan []byte, notifierBuffer)
	n.subscribers[id] = ch
	n.mu.Unlock()

	unsubscribe := func() {
		n.mu.Lock()
		if existing, ok := n.subscribers[id]; ok {
			delete(n.subscribers, id)
			close(existing)
		}
		n.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish serialises obs to JSON and fans it out to every subscriber.
// No subscribers is not an error. A full subscriber channel has its oldest
// entry dropped (logged at warn) to make room for the new one.
func (n *Notifier) Publish(obs *models.Observation) {
	payload, err := json.Marshal(obs)
	if err != nil {
		n.logger.Warn("notifier: failed to marshal observation event", "id", obs.ID, "error", err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subscribers {
		select {
		case ch <- payload:
		default:
			select {
			case <-ch:
				n.logger.Warn("notifier: subscriber lagging, dropped oldest event", "subscriber", id)
			default:
			}
			select {
			case ch <- payload:
			default:
				n.logger.Warn("notifier: subscriber still full after drop, event lost", "subscriber", id)
			}
		}
	}
}

// SubscriberCount reports the number of active subscribers, for diagnostics.
func (n *Notifier) SubscriberCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subscribers)
}
