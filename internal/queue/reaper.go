package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-controlplane/internal/obs"
)

// Reaper periodically promotes due delayed messages and recovers messages
// whose visibility lease expired without an Ack/Nack — the generalization
// of the original per-worker heartbeat scan into a per-message lease scan
// against RedisBroker's lease sorted sets.
type Reaper struct {
	broker   *RedisBroker
	log      *zap.Logger
	interval time.Duration
	queues   []string
}

// NewReaper builds a Reaper covering every named workload-class queue.
func NewReaper(broker *RedisBroker, log *zap.Logger) *Reaper {
	return &Reaper{
		broker:   broker,
		log:      log,
		interval: 5 * time.Second,
		queues:   []string{Ingest, Build, LaunchStart, LaunchStop, JobRun},
	}
}

// Run blocks scanning every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	for _, q := range r.queues {
		if n, err := r.broker.PromoteScheduled(ctx, q); err != nil {
			r.log.Warn("promote scheduled failed", obs.String("queue", q), obs.Err(err))
		} else if n > 0 {
			r.log.Info("promoted delayed messages", obs.String("queue", q), obs.Int("count", n))
		}

		recovered, err := r.broker.ReapExpired(ctx, q)
		if err != nil {
			r.log.Warn("reap expired leases failed", obs.String("queue", q), obs.Err(err))
			continue
		}
		if recovered > 0 {
			r.log.Warn("recovered abandoned messages", obs.String("queue", q), obs.Int("count", recovered))
		}
	}
}
