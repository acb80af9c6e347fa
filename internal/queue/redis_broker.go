package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-controlplane/internal/apperrors"
	"github.com/benediktbwimmer/apphub-controlplane/internal/obs"
)

// RedisBroker is the at-least-once Queue backed by Redis lists, generalizing
// the worker pool's BRPOPLPUSH-into-a-processing-list pattern: reservation
// moves a message from the queue list into a per-queue processing list, and
// a lease sorted set tracks per-message visibility so one queue's
// processing list can serve many concurrent consumers at once.
type RedisBroker struct {
	rdb               *redis.Client
	log               *zap.Logger
	visibilityTimeout time.Duration
	maxAttempts       int
	popTimeout        time.Duration
}

// NewRedisBroker wires a broker against an already-connected client.
func NewRedisBroker(rdb *redis.Client, visibilityTimeout time.Duration, maxAttempts int, log *zap.Logger) *RedisBroker {
	return &RedisBroker{
		rdb:               rdb,
		log:               log,
		visibilityTimeout: visibilityTimeout,
		maxAttempts:       maxAttempts,
		popTimeout:        2 * time.Second,
	}
}

func queueKey(name string) string      { return fmt.Sprintf("ctrlplane:queue:%s", name) }
func processingKey(name string) string { return fmt.Sprintf("ctrlplane:queue:%s:processing", name) }
func leaseKey(name string) string      { return fmt.Sprintf("ctrlplane:queue:%s:lease", name) }
func bodyKey(name string) string       { return fmt.Sprintf("ctrlplane:queue:%s:bodies", name) }

type envelope struct {
	ID      string `json:"id"`
	Attempt int    `json:"attempt"`
	Payload []byte `json:"payload"`
}

// Enqueue pushes a new envelope onto queueName's list. A delayed message
// goes into a separate scheduled sorted set, scored by its due time, until
// PromoteScheduled moves it onto the list, so the caller never blocks.
func (b *RedisBroker) Enqueue(ctx context.Context, queueName string, payload []byte, opts EnqueueOptions) error {
	env := envelope{ID: uuid.NewString(), Attempt: 1, Payload: payload}
	raw, err := json.Marshal(env)
	if err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "marshal queue envelope", err)
	}
	if opts.Delay <= 0 {
		if err := b.rdb.LPush(ctx, queueKey(queueName), raw).Err(); err != nil {
			return apperrors.Wrap(apperrors.KindQueueUnavailable, "enqueue failed", err)
		}
		obs.QueueDepth.WithLabelValues(queueName).Inc()
		return nil
	}
	score := float64(time.Now().Add(opts.Delay).UnixMilli())
	if err := b.rdb.ZAdd(ctx, scheduledKey(queueName), redis.Z{Score: score, Member: raw}).Err(); err != nil {
		return apperrors.Wrap(apperrors.KindQueueUnavailable, "schedule delayed enqueue failed", err)
	}
	return nil
}

func scheduledKey(name string) string { return fmt.Sprintf("ctrlplane:queue:%s:scheduled", name) }

// PromoteScheduled moves due delayed messages from the scheduled set onto
// the live queue list. Callers run this periodically (e.g. alongside the
// reaper) since Redis has no native delayed-list primitive.
func (b *RedisBroker) PromoteScheduled(ctx context.Context, queueName string) (int, error) {
	now := float64(time.Now().UnixMilli())
	due, err := b.rdb.ZRangeByScore(ctx, scheduledKey(queueName), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return 0, err
	}
	for _, raw := range due {
		if err := b.rdb.LPush(ctx, queueKey(queueName), raw).Err(); err != nil {
			continue
		}
		obs.QueueDepth.WithLabelValues(queueName).Inc()
		b.rdb.ZRem(ctx, scheduledKey(queueName), raw)
	}
	return len(due), nil
}

// ReserveNext moves one message from queueName onto its processing list and
// starts a visibility lease.
func (b *RedisBroker) ReserveNext(ctx context.Context, queueName string) (*Message, error) {
	raw, err := b.rdb.BRPopLPush(ctx, queueKey(queueName), processingKey(queueName), b.popTimeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindQueueUnavailable, "reserve failed", err)
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		b.rdb.LRem(ctx, processingKey(queueName), 1, raw)
		return nil, apperrors.Wrap(apperrors.KindValidation, "decode queue envelope", err)
	}

	lease := time.Now().Add(b.visibilityTimeout)
	pipe := b.rdb.TxPipeline()
	pipe.ZAdd(ctx, leaseKey(queueName), redis.Z{Score: float64(lease.UnixMilli()), Member: env.ID})
	pipe.HSet(ctx, bodyKey(queueName), env.ID, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		b.log.Warn("failed to record lease", obs.Err(err))
	}
	obs.QueueDepth.WithLabelValues(queueName).Dec()

	return &Message{ID: env.ID, Queue: queueName, Payload: env.Payload, Attempt: env.Attempt, LeaseExpiresAt: lease}, nil
}

// Ack removes msg's processing-list entry, lease, and stored body.
func (b *RedisBroker) Ack(ctx context.Context, msg *Message) error {
	raw, err := b.rdb.HGet(ctx, bodyKey(msg.Queue), msg.ID).Result()
	if err != nil && err != redis.Nil {
		return apperrors.Wrap(apperrors.KindQueueUnavailable, "ack lookup failed", err)
	}
	pipe := b.rdb.TxPipeline()
	if raw != "" {
		pipe.LRem(ctx, processingKey(msg.Queue), 1, raw)
	}
	pipe.ZRem(ctx, leaseKey(msg.Queue), msg.ID)
	pipe.HDel(ctx, bodyKey(msg.Queue), msg.ID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.KindQueueUnavailable, "ack failed", err)
	}
	return nil
}

// Nack clears msg's current lease/processing entry and republishes it
// (after requeueDelay) with Attempt incremented. If the new attempt count
// exceeds maxAttempts, the caller is responsible for not calling Nack again
// (the job engine decides dead-lettering against its retry policy).
func (b *RedisBroker) Nack(ctx context.Context, msg *Message, requeueDelay time.Duration) error {
	raw, err := b.rdb.HGet(ctx, bodyKey(msg.Queue), msg.ID).Result()
	if err != nil && err != redis.Nil {
		return apperrors.Wrap(apperrors.KindQueueUnavailable, "nack lookup failed", err)
	}
	pipe := b.rdb.TxPipeline()
	if raw != "" {
		pipe.LRem(ctx, processingKey(msg.Queue), 1, raw)
	}
	pipe.ZRem(ctx, leaseKey(msg.Queue), msg.ID)
	pipe.HDel(ctx, bodyKey(msg.Queue), msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Wrap(apperrors.KindQueueUnavailable, "nack cleanup failed", err)
	}

	env := envelope{ID: msg.ID, Attempt: msg.Attempt + 1, Payload: msg.Payload}
	next, err := json.Marshal(env)
	if err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "marshal retried envelope", err)
	}
	if requeueDelay <= 0 {
		if err := b.rdb.LPush(ctx, queueKey(msg.Queue), next).Err(); err != nil {
			return apperrors.Wrap(apperrors.KindQueueUnavailable, "requeue failed", err)
		}
		obs.QueueDepth.WithLabelValues(msg.Queue).Inc()
		return nil
	}
	score := float64(time.Now().Add(requeueDelay).UnixMilli())
	if err := b.rdb.ZAdd(ctx, scheduledKey(msg.Queue), redis.Z{Score: score, Member: next}).Err(); err != nil {
		return apperrors.Wrap(apperrors.KindQueueUnavailable, "schedule requeue failed", err)
	}
	return nil
}

// RefreshLease extends the visibility window for a message still being
// processed.
func (b *RedisBroker) RefreshLease(ctx context.Context, msg *Message, extension time.Duration) error {
	newExpiry := time.Now().Add(extension)
	err := b.rdb.ZAdd(ctx, leaseKey(msg.Queue), redis.Z{Score: float64(newExpiry.UnixMilli()), Member: msg.ID}).Err()
	if err != nil {
		return apperrors.Wrap(apperrors.KindQueueUnavailable, "refresh lease failed", err)
	}
	msg.LeaseExpiresAt = newExpiry
	return nil
}

func (b *RedisBroker) Close() error { return b.rdb.Close() }

// ReapExpired scans queueName's lease set for entries whose visibility
// window has elapsed and republishes their bodies, the Redis-sorted-set
// generalization of the heartbeat-key reaper scan.
func (b *RedisBroker) ReapExpired(ctx context.Context, queueName string) (int, error) {
	now := float64(time.Now().UnixMilli())
	expired, err := b.rdb.ZRangeByScore(ctx, leaseKey(queueName), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range expired {
		raw, err := b.rdb.HGet(ctx, bodyKey(queueName), id).Result()
		if err != nil {
			b.rdb.ZRem(ctx, leaseKey(queueName), id)
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			b.rdb.ZRem(ctx, leaseKey(queueName), id)
			b.rdb.HDel(ctx, bodyKey(queueName), id)
			continue
		}
		env.Attempt++
		retried, err := json.Marshal(env)
		if err != nil {
			continue
		}
		pipe := b.rdb.TxPipeline()
		pipe.LRem(ctx, processingKey(queueName), 1, raw)
		pipe.LPush(ctx, queueKey(queueName), retried)
		pipe.ZRem(ctx, leaseKey(queueName), id)
		pipe.HDel(ctx, bodyKey(queueName), id)
		if _, err := pipe.Exec(ctx); err == nil {
			recovered++
			obs.QueueDepth.WithLabelValues(queueName).Inc()
		}
	}
	return recovered, nil
}
