package service

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantarax/verisync/daemon/manager"
)

// EventType represents different event classifications
type EventType int

const (
	EventStarted EventType = iota + 1
	EventCompleted
	EventFailed
	EventAborted
	EventCollectionResolved
	EventBlobCollected
)

func (e EventType) String() string {
	switch e {
	case EventStarted:
		return "STARTED"
	case EventCompleted:
		return "COMPLETED"
	case EventFailed:
		return "FAILED"
	case EventAborted:
		return "ABORTED"
	case EventCollectionResolved:
		return "COLLECTION_RESOLVED"
	case EventBlobCollected:
		return "BLOB_COLLECTED"
	default:
		return "UNKNOWN"
	}
}

// TransferEvent is one notification about a session or a blob.
type TransferEvent struct {
	SessionID string            `json:"session_id,omitempty"`
	Hash      string            `json:"hash,omitempty"`
	EventType EventType         `json:"-"`
	Type      string            `json:"event_type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// EventSubscription represents an active event subscription
type EventSubscription struct {
	ID string
	// HashFilter restricts delivery to events about one blob.
	HashFilter string
	Channel    chan *TransferEvent
}

// EventPublisher manages event subscriptions and broadcasting
type EventPublisher struct {
	subscriptions map[string]*EventSubscription
	mu            sync.RWMutex
	bufferSize    int
	now           func() time.Time
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(bufferSize int) *EventPublisher {
	return &EventPublisher{
		subscriptions: make(map[string]*EventSubscription),
		bufferSize:    bufferSize,
		now:           time.Now,
	}
}

// Subscribe creates a new event subscription
func (p *EventPublisher) Subscribe(hashFilter string) *EventSubscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub := &EventSubscription{
		ID:         uuid.NewString(),
		HashFilter: hashFilter,
		Channel:    make(chan *TransferEvent, p.bufferSize),
	}

	p.subscriptions[sub.ID] = sub
	return sub
}

// Unsubscribe removes an event subscription
func (p *EventPublisher) Unsubscribe(subscriptionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sub, exists := p.subscriptions[subscriptionID]; exists {
		close(sub.Channel)
		delete(p.subscriptions, subscriptionID)
	}
}

// Publish broadcasts an event to all matching subscribers
func (p *EventPublisher) Publish(event *TransferEvent) {
	event.Type = event.EventType.String()
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, sub := range p.subscriptions {
		if sub.HashFilter != "" && sub.HashFilter != event.Hash {
			continue
		}
		// Slow consumers lose events rather than stall sessions.
		select {
		case sub.Channel <- event:
		default:
		}
	}
}

// PublishSession turns a session summary into a STARTED event or the
// event of its terminal state.
func (p *EventPublisher) PublishSession(sum manager.Summary) {
	ev := &TransferEvent{
		SessionID: sum.ID,
		Hash:      sum.Hash.String(),
		Metadata: map[string]string{
			"direction": sum.Direction.String(),
			"peer":      sum.Peer,
		},
	}
	switch sum.State {
	case manager.StateCompleted:
		ev.EventType = EventCompleted
	case manager.StateFailed:
		ev.EventType = EventFailed
	case manager.StateAborted:
		ev.EventType = EventAborted
	default:
		ev.EventType = EventStarted
	}
	if sum.State.Terminal() {
		ev.Message = sum.ErrorMessage
		ev.Metadata["committed"] = sum.Committed.String()
		ev.Metadata["bytes"] = strconv.FormatUint(sum.Bytes, 10)
		if sum.ErrorKind != "" {
			ev.Metadata["error_kind"] = sum.ErrorKind
		}
	}
	p.Publish(ev)
}

// PublishCollection reports a finished collection fetch.
func (p *EventPublisher) PublishCollection(hash string, entries, failed int) {
	p.Publish(&TransferEvent{
		Hash:      hash,
		EventType: EventCollectionResolved,
		Metadata: map[string]string{
			"entries": strconv.Itoa(entries),
			"failed":  strconv.Itoa(failed),
		},
	})
}

// PublishCollected reports a blob removed by garbage collection.
func (p *EventPublisher) PublishCollected(hash string) {
	p.Publish(&TransferEvent{Hash: hash, EventType: EventBlobCollected})
}

// GetSubscriptionCount returns the number of active subscriptions
func (p *EventPublisher) GetSubscriptionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscriptions)
}
