// Package eventbus implements the process-wide publish-subscribe channel:
// typed change events fanned out to WebSocket clients and in-process
// listeners, generalized from webhook-style delivery to a single in-process
// publisher with bounded per-subscriber queues and drop-on-overflow.
package eventbus

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-controlplane/internal/obs"
)

// Kind is one of the typed change-event kinds.
type Kind string

const (
	KindRepositoryUpdated      Kind = "repository.updated"
	KindRepositoryIngestionEvt Kind = "repository.ingestion-event"
	KindBuildUpdated           Kind = "build.updated"
	KindLaunchUpdated          Kind = "launch.updated"
	KindServiceUpdated         Kind = "service.updated"
	KindJobRunUpdated          Kind = "jobRun.updated"
)

// Event is the payload delivered to every subscriber.
type Event struct {
	Type Kind `json:"type"`
	Data any  `json:"data"`
}

// Listener is an in-process subscriber callback. Listeners are invoked
// synchronously on the publishing goroutine, in publish order.
type Listener func(Event)

// Subscriber is a bounded outbound queue for one WebSocket connection (or
// any other async fan-out target). Frames are JSON-encoded by Bus before
// being pushed.
type Subscriber struct {
	id     uint64
	ch     chan []byte
	closed bool
	mu     sync.Mutex
}

// Recv returns the channel of pending JSON frames for this subscriber.
func (s *Subscriber) Recv() <-chan []byte { return s.ch }

// Close stops delivery to this subscriber. Idempotent.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus is the single in-process publisher.
type Bus struct {
	log         *zap.Logger
	subQueueLen int

	mu        sync.Mutex
	nextID    uint64
	subs      map[uint64]*Subscriber
	listeners []Listener
}

// New builds a Bus. subQueueLen bounds each subscriber's backlog; events
// published while a subscriber's queue is full are dropped for that
// subscriber only, and obs.EventBusDropped is incremented.
func New(log *zap.Logger, subQueueLen int) *Bus {
	if subQueueLen <= 0 {
		subQueueLen = 64
	}
	return &Bus{log: log, subQueueLen: subQueueLen, subs: make(map[uint64]*Subscriber)}
}

// Subscribe registers a new WebSocket-style subscriber and returns it along
// with an unsubscribe function.
func (b *Bus) Subscribe() (*Subscriber, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	sub := &Subscriber{id: id, ch: make(chan []byte, b.subQueueLen)}
	b.subs[id] = sub
	return sub, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.Close()
	}
}

// Listen registers an in-process listener invoked synchronously from
// Publish, in publish order, for every event of every kind.
func (b *Bus) Listen(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Publish fans an event out to every subscriber and listener. Best-effort:
// no persistence, no delivery guarantee.
func (b *Bus) Publish(kind Kind, data any) {
	evt := Event{Type: kind, Data: data}

	b.mu.Lock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, l := range listeners {
		l(evt)
	}

	if len(subs) == 0 {
		return
	}
	frame, err := json.Marshal(evt)
	if err != nil {
		if b.log != nil {
			b.log.Error("eventbus: marshal frame", obs.Err(err), obs.String("kind", string(kind)))
		}
		return
	}
	for _, s := range subs {
		select {
		case s.ch <- frame:
		default:
			obs.EventBusDropped.WithLabelValues(string(kind)).Inc()
		}
	}
}
