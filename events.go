package fieldsync

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SyncEventType identifies an event on the UI stream.
type SyncEventType string

const (
	// EventStateChanged fires on orchestrator state transitions.
	EventStateChanged SyncEventType = "state_changed"
	// EventQueueChanged fires when the pending queue length changes.
	EventQueueChanged SyncEventType = "queue_changed"
	// EventItemCompleted fires at least once per completed item.
	EventItemCompleted SyncEventType = "item_completed"
	// EventItemFailed fires when an item fails, transiently or fatally.
	EventItemFailed SyncEventType = "item_failed"
	// EventConflictDetected fires when a conflict is parked for the UI.
	EventConflictDetected SyncEventType = "conflict_detected"
	// EventCycleFinished fires once per cycle with summary counts.
	EventCycleFinished SyncEventType = "cycle_finished"
)

// SyncEvent is one progress notification for the consuming UI layer.
type SyncEvent struct {
	Type SyncEventType `json:"type"`
	At   time.Time     `json:"at"`

	State                 string `json:"state,omitempty"`
	QueueLength           int    `json:"queue_length,omitempty"`
	NetworkClassification string `json:"network_classification,omitempty"`
	PendingConflicts      int    `json:"pending_conflicts,omitempty"`

	BatchID    string `json:"batch_id,omitempty"`
	BatchDone  int    `json:"batch_done,omitempty"`
	BatchTotal int    `json:"batch_total,omitempty"`
	MutationID string `json:"mutation_id,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	ConflictID string `json:"conflict_id,omitempty"`
	Error      string `json:"error,omitempty"`

	// ServerFields carries server-assigned fields on item completion so
	// the UI layer can apply them to its local entity.
	ServerFields map[string]any `json:"server_fields,omitempty"`
}

// EventSubscription is one subscriber's event channel.
type EventSubscription struct {
	ID string
	Ch chan SyncEvent

	done chan struct{}
	once sync.Once
}

func (s *EventSubscription) close() {
	s.once.Do(func() { close(s.done) })
}

// EventHub fans sync progress out to UI subscribers, in process via
// channels and over WebSocket for remote UIs. A slow subscriber drops
// events rather than blocking the orchestrator.
type EventHub struct {
	mu   sync.RWMutex
	subs map[string]*EventSubscription
}

// NewEventHub creates an event hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[string]*EventSubscription)}
}

// Subscribe registers a new subscriber.
func (h *EventHub) Subscribe() *EventSubscription {
	sub := &EventSubscription{
		ID:   uuid.NewString(),
		Ch:   make(chan SyncEvent, 64),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber.
func (h *EventHub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Publish delivers an event to all subscribers without blocking.
func (h *EventHub) Publish(ev SyncEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.Ch <- ev:
		default:
		}
	}
}

// Count returns the number of active subscribers.
func (h *EventHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketHandler returns an HTTP handler that streams events to a
// WebSocket client until it disconnects.
func (h *EventHub) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := eventUpgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = conn.Close() }()

		sub := h.Subscribe()
		defer h.Unsubscribe(sub.ID)

		// Drain client reads so close frames are processed.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					h.Unsubscribe(sub.ID)
					return
				}
			}
		}()

		for {
			select {
			case <-sub.done:
				return
			case <-r.Context().Done():
				return
			case ev := <-sub.Ch:
				msg, _ := json.Marshal(ev)
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	}
}
