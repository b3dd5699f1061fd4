package trace

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// defaultSubscriberQueue bounds the number of buffered events a single SSE
// subscriber can accumulate before the bus starts dropping the oldest ones.
const defaultSubscriberQueue = 128

// Filter narrows a subscription to a trace_id and/or a set of event kinds.
// Zero values mean "no filter on this dimension".
type Filter struct {
	TraceID string
	Kinds   map[Kind]bool
}

func (f Filter) matches(traceID string, kind Kind) bool {
	if f.TraceID != "" && f.TraceID != traceID {
		return false
	}
	if len(f.Kinds) > 0 && !f.Kinds[kind] {
		return false
	}
	return true
}

// Message is what a subscriber receives: either a real trace event or a
// synthetic "dropped" marker produced on overflow.
type Message struct {
	TraceID string `json:"trace_id,omitempty"`
	Event   Event  `json:"event"`
	Dropped int    `json:"dropped,omitempty"`
}

type subscriber struct {
	id      uint64
	filter  Filter
	queue   chan Message
	dropped int64
	closed  chan struct{}
	once    sync.Once
}

// Bus is the global SSE event fan-out. Each subscriber owns a bounded
// channel; on overflow the oldest buffered messages are dropped to make room
// for the new message and for a marker event carrying the number of
// messages dropped since the previous marker was enqueued.
//
// A Bus optionally relays through Postgres LISTEN/NOTIFY (AttachNotifier)
// so multiple admin-API processes share one feed instead of each polling
// independently; notifier/nodeID are nil/empty in the common single-process
// deployment.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscriber
	nextID    uint64
	queueSize int

	notifier notifier
	nodeID   string
}

// notifier is the subset of pkg/pgnotify.Bus the trace bus depends on,
// kept narrow so trace never imports database/sql directly.
type notifier interface {
	Publish(ctx context.Context, payload []byte) error
}

// NewBus creates an SSE fan-out bus with the given per-subscriber queue
// depth (0 uses the default).
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = defaultSubscriberQueue
	}
	return &Bus{subs: make(map[uint64]*subscriber), queueSize: queueSize}
}

// Subscription is a handle returned by Subscribe; callers must call Close.
type Subscription struct {
	bus *Bus
	id  uint64
	C   <-chan Message
}

// Close unregisters the subscription and releases its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	sub, ok := s.bus.subs[s.id]
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	if ok {
		sub.once.Do(func() { close(sub.closed) })
	}
}

// Subscribe registers a new SSE subscriber matching the given filter.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{
		id:     id,
		filter: filter,
		queue:  make(chan Message, b.queueSize),
		closed: make(chan struct{}),
	}
	b.subs[id] = sub
	b.mu.Unlock()

	return &Subscription{bus: b, id: id, C: sub.queue}
}

// Publish delivers an event to every local subscriber whose filter matches,
// and, if a notifier is attached, relays it to every other process sharing
// the same Postgres channel.
func (b *Bus) Publish(traceID string, kind Kind, evt Event) {
	b.publishLocal(traceID, kind, evt)
	if b.notifier != nil {
		go b.relay(traceID, kind, evt)
	}
}

func (b *Bus) publishLocal(traceID string, kind Kind, evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.filter.matches(traceID, kind) {
			continue
		}
		b.deliver(sub, Message{TraceID: traceID, Event: evt})
	}
}

// relayMessage is the wire shape published to Postgres so other processes'
// buses can reconstruct the event without a second round of redaction.
type relayMessage struct {
	Node    string `json:"node"`
	TraceID string `json:"trace_id"`
	Kind    Kind   `json:"kind"`
	Event   Event  `json:"event"`
}

// AttachNotifier wires a Postgres LISTEN/NOTIFY relay into the bus: local
// Publish calls are additionally broadcast over Postgres, and notifications
// originating from other processes are delivered to local subscribers as if
// they had been published here. n must also be listening (see
// pkg/pgnotify.Bus.Listen) for remote events to arrive; the caller wires
// that before or after calling AttachNotifier.
func (b *Bus) AttachNotifier(n interface {
	notifier
	Listen(func(payload []byte))
}) {
	b.notifier = n
	b.nodeID = uuid.NewString()
	n.Listen(func(payload []byte) {
		var msg relayMessage
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Node == b.nodeID {
			return
		}
		b.publishLocal(msg.TraceID, msg.Kind, msg.Event)
	})
}

func (b *Bus) relay(traceID string, kind Kind, evt Event) {
	payload, err := json.Marshal(relayMessage{Node: b.nodeID, TraceID: traceID, Kind: kind, Event: evt})
	if err != nil {
		return
	}
	_ = b.notifier.Publish(context.Background(), payload)
}

// deliver enqueues msg on sub's channel, evicting the oldest buffered
// message and emitting a dropped marker if the channel is full.
func (b *Bus) deliver(sub *subscriber, msg Message) {
	select {
	case sub.queue <- msg:
		return
	default:
	}

	// Channel full: drop the oldest buffered message, record the drop, and
	// retry so the freshest events survive.
	select {
	case <-sub.queue:
		atomic.AddInt64(&sub.dropped, 1)
	default:
	}

	select {
	case sub.queue <- msg:
	default:
		// Still full under concurrent publishers; count this one dropped too.
		atomic.AddInt64(&sub.dropped, 1)
	}

	// Make room for the marker, dropping one more of the oldest if needed.
	if len(sub.queue) == cap(sub.queue) {
		select {
		case <-sub.queue:
			atomic.AddInt64(&sub.dropped, 1)
		default:
		}
	}

	dropped := atomic.SwapInt64(&sub.dropped, 0)
	if dropped > 0 {
		marker := Message{TraceID: msg.TraceID, Dropped: int(dropped)}
		select {
		case sub.queue <- marker:
		default:
			atomic.AddInt64(&sub.dropped, dropped)
		}
	}
}

// SubscriberCount returns the number of active subscriptions, for metrics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
