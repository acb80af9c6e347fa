// Package queue is the workload-class dispatch abstraction every pipeline
// enqueues work through: "ingest", "build", "launch-start", "launch-stop",
// "job-run". It has two implementations behind the same interface: a
// Redis-backed broker for production (at-least-once delivery, visibility
// lease, per-message retry counter) and an in-process inline mode that
// invokes the consumer synchronously, for tests.
package queue

import (
	"context"
	"time"
)

const (
	Ingest      = "ingest"
	Build       = "build"
	LaunchStart = "launch-start"
	LaunchStop  = "launch-stop"
	JobRun      = "job-run"
)

// Message is a single unit of work reserved from a queue. Attempt counts
// from 1. LeaseExpiresAt is the point by which the consumer must Ack, Nack,
// or refresh the lease before the broker considers it abandoned.
type Message struct {
	ID             string
	Queue          string
	Payload        []byte
	Attempt        int
	LeaseExpiresAt time.Time
}

// EnqueueOptions carries per-message enqueue knobs.
type EnqueueOptions struct {
	// Delay defers visibility of the message by this duration. Zero means
	// immediately visible.
	Delay time.Duration
}

// Queue is the capability every pipeline enqueues work through and every
// worker consumes from.
type Queue interface {
	// Enqueue makes payload visible on queueName for a future ReserveNext.
	Enqueue(ctx context.Context, queueName string, payload []byte, opts EnqueueOptions) error

	// ReserveNext blocks (bounded by ctx) until a message is available on
	// queueName, returning it with a fresh visibility lease. Returns
	// (nil, nil) on a timeout with nothing available.
	ReserveNext(ctx context.Context, queueName string) (*Message, error)

	// Ack permanently removes msg from the queue's in-flight set.
	Ack(ctx context.Context, msg *Message) error

	// Nack returns msg to queueName for redelivery after requeueDelay
	// (zero means immediately), incrementing its attempt counter.
	Nack(ctx context.Context, msg *Message, requeueDelay time.Duration) error

	// RefreshLease extends msg's visibility lease, used by a consumer whose
	// handler is still running as the original lease nears expiry.
	RefreshLease(ctx context.Context, msg *Message, extension time.Duration) error

	// Close releases any resources held by the queue client.
	Close() error
}
