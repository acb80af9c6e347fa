package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/benediktbwimmer/apphub-controlplane/internal/apperrors"
)

// Handler processes one message's payload. A returned error Nacks the
// message (inline mode retries it synchronously up to maxAttempts before
// surfacing the error to Enqueue's caller).
type Handler func(ctx context.Context, msg *Message) error

// InlineBroker is the synchronous, in-process Queue used by tests: Enqueue
// invokes the registered handler for that queue immediately instead of
// going through a reservation round-trip.
type InlineBroker struct {
	mu          sync.Mutex
	handlers    map[string]Handler
	maxAttempts int
	pending     map[string][]*Message
}

// NewInlineBroker builds an InlineBroker. maxAttempts<=0 means "retry
// forever is not allowed": handlers get exactly one attempt.
func NewInlineBroker(maxAttempts int) *InlineBroker {
	return &InlineBroker{handlers: map[string]Handler{}, maxAttempts: maxAttempts, pending: map[string][]*Message{}}
}

// Subscribe registers the handler invoked by Enqueue for queueName.
func (b *InlineBroker) Subscribe(queueName string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[queueName] = h
}

func (b *InlineBroker) Enqueue(ctx context.Context, queueName string, payload []byte, _ EnqueueOptions) error {
	b.mu.Lock()
	h, ok := b.handlers[queueName]
	b.mu.Unlock()

	msg := &Message{ID: uuid.NewString(), Queue: queueName, Payload: payload, Attempt: 1}
	if !ok {
		b.mu.Lock()
		b.pending[queueName] = append(b.pending[queueName], msg)
		b.mu.Unlock()
		return nil
	}
	return b.deliver(ctx, h, msg)
}

func (b *InlineBroker) deliver(ctx context.Context, h Handler, msg *Message) error {
	var lastErr error
	max := b.maxAttempts
	if max <= 0 {
		max = 1
	}
	for msg.Attempt <= max {
		lastErr = h(ctx, msg)
		if lastErr == nil {
			return nil
		}
		msg.Attempt++
	}
	return apperrors.Wrap(apperrors.KindQueueUnavailable, "inline handler exhausted attempts", lastErr)
}

// ReserveNext pops the oldest message that Enqueue or Nack parked on
// queueName because no handler was subscribed for it; messages for a
// subscribed queue are delivered synchronously and never parked. It
// returns (nil, nil) when nothing is parked.
func (b *InlineBroker) ReserveNext(ctx context.Context, queueName string) (*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.pending[queueName]
	if len(q) == 0 {
		return nil, nil
	}
	msg := q[0]
	b.pending[queueName] = q[1:]
	return msg, nil
}

func (b *InlineBroker) Ack(ctx context.Context, msg *Message) error { return nil }

func (b *InlineBroker) Nack(ctx context.Context, msg *Message, _ time.Duration) error {
	b.mu.Lock()
	h, ok := b.handlers[msg.Queue]
	b.mu.Unlock()
	msg.Attempt++
	if !ok {
		b.mu.Lock()
		b.pending[msg.Queue] = append(b.pending[msg.Queue], msg)
		b.mu.Unlock()
		return nil
	}
	return b.deliver(ctx, h, msg)
}

func (b *InlineBroker) RefreshLease(ctx context.Context, msg *Message, _ time.Duration) error { return nil }

func (b *InlineBroker) Close() error { return nil }
