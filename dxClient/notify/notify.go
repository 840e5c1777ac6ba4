// Package notify delivers best-effort user notifications. Delivery never
// fails the caller: an event no one is listening for is dropped.
package notify

import (
	"sync"

	"github.com/rs/zerolog"
)

// Event names.
const (
	EventRegistration  = "UR"
	EventDataEntry     = "DEC"
	EventDataDeletion  = "DED"
	EventAgreement     = "AGR"
	EventEASDeployment = "EASD"
	EventEASInvocation = "EASI"
	EventEASRevocation = "EASR"
)

// Event is a message for one user.
type Event struct {
	Name    string `json:"event"`
	Role    string `json:"role"`
	UserID  string `json:"userID"`
	Message string `json:"message"`
}

// Notifier accepts events without blocking on their delivery.
type Notifier interface {
	Notify(event Event)
}

// Noop discards every event.
type Noop struct{}

func (Noop) Notify(Event) {}

// LogNotifier writes events to the log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier that logs each event at info level.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) Notify(event Event) {
	n.logger.Info().
		Str("event", event.Name).
		Str("role", event.Role).
		Str("user_id", event.UserID).
		Msg(event.Message)
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(event Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(event)
		}
	}
}

type recipient struct {
	role   string
	userID string
}

// Hub routes events to the subscribers connected for a role and user id.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[recipient]map[chan Event]struct{}
	buffer      int
}

// NewHub creates a hub whose subscription channels hold buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subscribers: make(map[recipient]map[chan Event]struct{}), buffer: buffer}
}

// Subscribe registers a listener for a user. The returned cancel function
// closes the channel.
func (h *Hub) Subscribe(role, userID string) (<-chan Event, func()) {
	key := recipient{role: role, userID: userID}
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	if h.subscribers[key] == nil {
		h.subscribers[key] = make(map[chan Event]struct{})
	}
	h.subscribers[key][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers[key], ch)
			if len(h.subscribers[key]) == 0 {
				delete(h.subscribers, key)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Notify delivers event to every subscriber of its recipient. Slow
// subscribers with full buffers miss the event.
func (h *Hub) Notify(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers[recipient{role: event.Role, userID: event.UserID}] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribers returns the number of listeners for a user.
func (h *Hub) Subscribers(role, userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[recipient{role: role, userID: userID}])
}
