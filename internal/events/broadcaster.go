// Package events provides the change event broadcaster that feeds nodeChanged
// notifications to SSE streams and JSON-RPC connections.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fruitsalade/explorer/internal/metrics"
	"github.com/fruitsalade/explorer/pkg/models"
)

const (
	EventNodeChanged = "nodeChanged"
)

// Event represents a change in the node repository.
type Event struct {
	Type      string `json:"type"`
	RootID    int    `json:"rootId"`
	NodeID    *int   `json:"nodeId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NodeChanged builds an event from a change notification.
func NodeChanged(p models.NodeChangedParams) Event {
	return Event{Type: EventNodeChanged, RootID: p.RootID, NodeID: p.NodeID}
}

// Params returns the change notification carried by the event.
func (e Event) Params() models.NodeChangedParams {
	return models.NodeChangedParams{RootID: e.RootID, NodeID: e.NodeID}
}

// queueLimit bounds the events waiting for one subscriber on top of its channel
// buffer. Past it, node-level events are collapsed into a whole-view event per
// root so a slow consumer misses detail but never a change.
const queueLimit = 64

// Broadcaster manages subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]*subscriber
}

// subscriber feeds one channel from its own queue.
type subscriber struct {
	ch   chan Event
	wake chan struct{}
	done chan struct{}

	mu     sync.Mutex
	queue  []Event
	missed map[int]struct{} // roots with collapsed events
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]*subscriber),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	s := &subscriber{
		ch:     make(chan Event, 64),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		missed: make(map[int]struct{}),
	}
	go s.pump()

	b.mu.Lock()
	b.subscribers[s.ch] = s
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)
	return s.ch
}

// Unsubscribe removes a subscriber. Its channel is closed once the
// subscriber's delivery loop stops. Unsubscribing twice is a no-op.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if s, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(s.done)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)
}

// Publish queues an event for all subscribers without blocking. A subscriber
// that falls behind receives one whole-view event per affected root after it
// catches up, in place of the events it could not hold.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subscribers {
		s.enqueue(event)
	}
	metrics.RecordEventPublished(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (s *subscriber) enqueue(event Event) {
	s.mu.Lock()
	if len(s.queue) >= queueLimit {
		s.missed[event.RootID] = struct{}{}
		metrics.RecordChangeEventDropped()
	} else {
		if event.NodeID == nil {
			// A whole-view event covers whatever was collapsed for its root.
			delete(s.missed, event.RootID)
		}
		s.queue = append(s.queue, event)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest queued event, then the whole-view events owed for
// collapsed roots.
func (s *subscriber) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		return ev, true
	}
	root, ok := minKey(s.missed)
	if !ok {
		return Event{}, false
	}
	delete(s.missed, root)
	return Event{Type: EventNodeChanged, RootID: root, Timestamp: time.Now().Unix()}, true
}

func (s *subscriber) pump() {
	defer close(s.ch)
	for {
		ev, ok := s.next()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}
	}
}

func minKey(m map[int]struct{}) (int, bool) {
	first := true
	var lowest int
	for k := range m {
		if first || k < lowest {
			lowest, first = k, false
		}
	}
	return lowest, !first
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
