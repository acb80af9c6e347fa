// Package jobengine runs one job-run attempt end to end: resolve the job
// definition and its bundle artifact, execute it inside internal/sandbox,
// and settle the run's terminal state according to its retry policy.
package jobengine

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-controlplane/internal/apperrors"
	"github.com/benediktbwimmer/apphub-controlplane/internal/bundlerecovery"
	"github.com/benediktbwimmer/apphub-controlplane/internal/catalog"
	"github.com/benediktbwimmer/apphub-controlplane/internal/obs"
	"github.com/benediktbwimmer/apphub-controlplane/internal/queue"
	"github.com/benediktbwimmer/apphub-controlplane/internal/retrypolicy"
	"github.com/benediktbwimmer/apphub-controlplane/internal/sandbox"
)

// SecretResolver looks up a job's declared secret reference (e.g.
// "secret:stripe/api_key") and returns its plaintext value.
type SecretResolver func(ctx context.Context, reference string) (string, error)

// SandboxRunner is the capability Engine executes bundles through.
// *sandbox.Runner is the production implementation; tests substitute a
// fake that skips forking a real interpreter.
type SandboxRunner interface {
	Execute(ctx context.Context, opts sandbox.SandboxExecutionOptions) (*sandbox.SandboxResult, error)
}

// Engine owns the job-run lifecycle: transition to running, acquire the
// job's bundle, execute it in a sandbox, and settle success/retry/failure.
type Engine struct {
	Store      catalog.Store
	Queue      queue.Queue
	Cache      *BundleCache
	Recoverer  *bundlerecovery.Recoverer
	Sandbox    SandboxRunner
	Resolver   SecretResolver
	WorkerID   func() string
	LeaseRenew time.Duration
	Log        *zap.Logger
}

// New builds an Engine. workerID is a function rather than a fixed string
// so the same Engine can be shared across multiple consumer goroutines,
// each stamping its own identity onto the job runs it claims.
func New(store catalog.Store, q queue.Queue, cache *BundleCache, recoverer *bundlerecovery.Recoverer, runner SandboxRunner, resolver SecretResolver, workerID func() string, log *zap.Logger) *Engine {
	return &Engine{
		Store:      store,
		Queue:      q,
		Cache:      cache,
		Recoverer:  recoverer,
		Sandbox:    runner,
		Resolver:   resolver,
		WorkerID:   workerID,
		LeaseRenew: 15 * time.Second,
		Log:        log,
	}
}

// RunMessage is the queue payload for the "job-run" queue.
type RunMessage struct {
	RunID string `json:"runId"`
}

// EnqueuePayload builds the "job-run" queue payload for runID.
func EnqueuePayload(runID string) ([]byte, error) {
	return json.Marshal(RunMessage{RunID: runID})
}

// HandleMessage is the queue.Handler entry point for the "job-run" queue.
// Unlike the other pipelines, a returned error here also drives the
// queue's own Nack/requeue behavior on top of the row-level failure
// bookkeeping Run already performs, since exhausting the job's own retry
// policy is the queue's signal to stop redelivering the message too.
func (e *Engine) HandleMessage(ctx context.Context, msg *queue.Message) error {
	var m RunMessage
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "decode job-run message", err)
	}
	return e.Run(ctx, m.RunID)
}

// Run executes runID to completion, settling it as succeeded, retried
// (left pending for a future redelivery), or failed.
func (e *Engine) Run(ctx context.Context, runID string) error {
	workerID := ""
	if e.WorkerID != nil {
		workerID = e.WorkerID()
	}

	run, started, err := e.transitionToRunning(ctx, runID, workerID)
	if err != nil {
		return err
	}
	if !started {
		return nil
	}

	def, err := e.Store.GetJobDefinition(ctx, run.JobSlug)
	if err != nil {
		return e.fail(ctx, runID, workerID, apperrors.Wrap(apperrors.KindNotFound, "load job definition", err))
	}

	start := time.Now()
	obs.PipelineRuns.WithLabelValues("job-run", "started").Inc()

	result, bundleVersion, runErr := e.execute(ctx, run, def)
	elapsed := time.Since(start)
	obs.PipelineDuration.WithLabelValues("job-run").Observe(elapsed.Seconds())

	if bundleVersion != nil {
		defer e.Cache.Release(bundleVersion)
	}

	if runErr != nil {
		obs.JobRunsTotal.WithLabelValues(run.JobSlug, "failed").Inc()
		return e.settleFailure(ctx, run, def, workerID, runErr, elapsed)
	}

	obs.JobRunsTotal.WithLabelValues(run.JobSlug, "succeeded").Inc()
	return e.settleSuccess(ctx, runID, workerID, result, elapsed)
}

func (e *Engine) transitionToRunning(ctx context.Context, runID, workerID string) (*catalog.JobRun, bool, error) {
	var started bool
	run, err := e.Store.UpdateJobRun(ctx, runID, func(r *catalog.JobRun) error {
		if r.Status != catalog.JobRunPending {
			return nil
		}
		now := time.Now().UTC()
		r.Status = catalog.JobRunRunning
		r.StartedAt = &now
		r.OwnerWorker = workerID
		r.Attempt++
		started = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return run, started, nil
}

// execute resolves the job's bundle (recovering it if the artifact is
// missing), acquires it from the cache, and drives it through the
// sandbox runner.
func (e *Engine) execute(ctx context.Context, run *catalog.JobRun, def *catalog.JobDefinition) (*sandbox.SandboxResult, *catalog.JobBundleVersion, error) {
	entry, isBundle, err := bundlerecovery.ParseEntryPoint(def.EntryPoint)
	if err != nil {
		return nil, nil, err
	}
	if !isBundle {
		return nil, nil, apperrors.New(apperrors.KindValidation, "job definition has no bundle entry point: "+def.EntryPoint)
	}

	version, err := e.Store.GetBundleVersion(ctx, entry.Slug, entry.Version)
	if err != nil || version == nil {
		version, err = e.Recoverer.Recover(ctx, def.Slug)
		if err != nil {
			return nil, nil, apperrors.Wrap(apperrors.KindBundleUnrecoverable, "recover missing bundle artifact", err)
		}
	}

	dir, err := e.Cache.Acquire(ctx, version)
	if err != nil {
		return nil, version, err
	}

	exportName := entry.ExportName
	bundle := sandbox.BundleDescriptor{
		Slug:         version.Slug,
		Version:      version.Version,
		Checksum:     version.Checksum,
		Dir:          dir,
		EntryFile:    manifestEntryFile(version.Manifest),
		ExportName:   exportName,
		Manifest:     version.Manifest,
		Capabilities: version.CapabilityFlags,
	}

	jobDesc := sandbox.JobDescriptor{
		DefinitionSlug: def.Slug,
		RunID:          run.ID,
		Runtime:        def.Runtime,
		Parameters:     mergeParameters(def.DefaultParameters, run.Parameters),
		TimeoutMs:      effectiveTimeout(run.TimeoutMs, def.TimeoutMs),
		WorkflowEvent:  run.Context,
	}

	result, err := e.Sandbox.Execute(ctx, sandbox.SandboxExecutionOptions{
		Bundle:          bundle,
		Job:             jobDesc,
		OnUpdate:        e.handleUpdate(ctx, run.ID),
		OnResolveSecret: e.handleResolveSecret(ctx),
	})
	return result, version, err
}

func (e *Engine) handleUpdate(ctx context.Context, runID string) sandbox.UpdateFunc {
	return func(id string, partial sandbox.UpdatePartial) (map[string]any, error) {
		run, err := e.Store.UpdateJobRun(ctx, runID, func(r *catalog.JobRun) error {
			if partial.Parameters != nil {
				r.Parameters = partial.Parameters
			}
			if partial.LogsURL != "" {
				r.LogsURL = partial.LogsURL
			}
			if partial.Metrics != nil {
				r.Metrics = partial.Metrics
			}
			if partial.Context != nil {
				r.Context = partial.Context
			}
			if partial.TimeoutMs != nil {
				r.TimeoutMs = *partial.TimeoutMs
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"status": string(run.Status), "attempt": run.Attempt}, nil
	}
}

func (e *Engine) handleResolveSecret(ctx context.Context) sandbox.ResolveSecretFunc {
	return func(reference string) (string, error) {
		if e.Resolver == nil {
			return "", apperrors.New(apperrors.KindValidation, "no secret resolver configured")
		}
		return e.Resolver(ctx, reference)
	}
}

func (e *Engine) settleSuccess(ctx context.Context, runID, workerID string, result *sandbox.SandboxResult, elapsed time.Duration) error {
	now := time.Now().UTC()
	durationMs := elapsed.Milliseconds()
	if result.ResourceUsage != nil {
		obs.SandboxResourceUsage.WithLabelValues("cpu_ms").Set(float64(result.ResourceUsage.UserCPUMs + result.ResourceUsage.SystemCPUMs))
		obs.SandboxResourceUsage.WithLabelValues("max_rss_kb").Set(float64(result.ResourceUsage.MaxRSSKB))
	}
	if result.TruncatedLogCount > 0 {
		obs.SandboxLogsDropped.WithLabelValues(runID).Add(float64(result.TruncatedLogCount))
	}

	_, err := e.Store.UpdateJobRun(ctx, runID, func(r *catalog.JobRun) error {
		if r.OwnerWorker != workerID {
			return apperrors.New(apperrors.KindConflict, "job run reassigned to another worker before completion")
		}
		r.Status = catalog.JobRunSucceeded
		r.Result = result.Result
		r.CompletedAt = &now
		r.Metrics = mergeMetrics(r.Metrics, durationMs)
		return nil
	})
	return err
}

func (e *Engine) settleFailure(ctx context.Context, run *catalog.JobRun, def *catalog.JobDefinition, workerID string, cause error, elapsed time.Duration) error {
	policy := retrypolicy.Policy{
		MaxAttempts:  def.RetryPolicy.MaxAttempts,
		InitialDelay: time.Duration(def.RetryPolicy.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(def.RetryPolicy.MaxDelayMs) * time.Millisecond,
		Backoff:      retrypolicy.Backoff(def.RetryPolicy.Backoff),
	}

	kind := apperrors.KindOf(cause)
	nonRetryable := kind == apperrors.KindSandboxViolation || kind == apperrors.KindValidation

	if !nonRetryable && policy.Retryable(run.Attempt) {
		if _, err := e.Store.UpdateJobRun(ctx, run.ID, func(r *catalog.JobRun) error {
			if r.OwnerWorker != workerID {
				return apperrors.New(apperrors.KindConflict, "job run reassigned to another worker before retry")
			}
			r.Status = catalog.JobRunPending
			r.OwnerWorker = ""
			r.ErrorMessage = apperrors.Truncate(cause.Error(), 500)
			r.ErrorKind = string(kind)
			return nil
		}); err != nil {
			return err
		}
		payload, err := EnqueuePayload(run.ID)
		if err != nil {
			return err
		}
		return e.Queue.Enqueue(ctx, queue.JobRun, payload, queue.EnqueueOptions{Delay: policy.Delay(run.Attempt)})
	}

	return e.fail(ctx, run.ID, workerID, cause)
}

func (e *Engine) fail(ctx context.Context, runID, workerID string, cause error) error {
	now := time.Now().UTC()
	kind := apperrors.KindOf(cause)
	_, err := e.Store.UpdateJobRun(ctx, runID, func(r *catalog.JobRun) error {
		r.Status = catalog.JobRunFailed
		r.ErrorMessage = apperrors.Truncate(cause.Error(), 500)
		r.ErrorKind = string(kind)
		r.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	return cause
}

func manifestEntryFile(manifest map[string]any) string {
	if manifest == nil {
		return ""
	}
	if v, ok := manifest["entryFile"].(string); ok {
		return v
	}
	if v, ok := manifest["entry"].(string); ok {
		return v
	}
	return ""
}

func mergeParameters(defaults, overrides map[string]any) map[string]any {
	merged := map[string]any{}
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func effectiveTimeout(runTimeout, defTimeout int64) int64 {
	if runTimeout > 0 {
		return runTimeout
	}
	return defTimeout
}

func mergeMetrics(existing map[string]any, durationMs int64) map[string]any {
	merged := map[string]any{}
	for k, v := range existing {
		merged[k] = v
	}
	merged["durationMs"] = durationMs
	return merged
}
