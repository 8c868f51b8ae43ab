// Package executor runs accepted jobs to a terminal state: it stages inputs,
// invokes the provider, polls asynchronous providers for progress, persists
// outputs, and applies the retry policy for transient failures.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"printforge/internal/apperrors"
	"printforge/internal/artifact"
	"printforge/internal/cache"
	"printforge/internal/config"
	"printforge/internal/job"
	"printforge/internal/observability"
	"printforge/internal/poller"
	"printforge/internal/provider"
	"printforge/internal/store"
	"printforge/pkg/backoff"
)

const maxFailureMessageLen = 300

// ObserverRegistry reports whether anyone is currently watching a job.
// Satisfied by *notify.Notifier.
type ObserverRegistry interface {
	HasObservers(jobID, resourceKey string) bool
}

// TerminalPusher delivers an out-of-band notification for a terminal job.
// Satisfied by *push.Queue.
type TerminalPusher interface {
	NotifyTerminal(j job.Job)
}

// Executor drives jobs through processing in background goroutines. Job
// execution is never tied to a caller: subscribers detaching has no effect
// on a running job.
type Executor struct {
	store      *store.Store
	cache      *cache.Index
	stager     *artifact.Stager
	processors map[string]provider.Processor
	observers  ObserverRegistry
	pusher     TerminalPusher
	metrics    *observability.Metrics
	cfg        *config.ExecutorConfig
	backoffCfg *backoff.Config
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Executor. observers, pusher, and metrics may be nil.
func New(st *store.Store, idx *cache.Index, stager *artifact.Stager, processors map[string]provider.Processor,
	observers ObserverRegistry, pusher TerminalPusher, metrics *observability.Metrics, cfg *config.ExecutorConfig) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		store:      st,
		cache:      idx,
		stager:     stager,
		processors: processors,
		observers:  observers,
		pusher:     pusher,
		metrics:    metrics,
		cfg:        cfg,
		backoffCfg: &backoff.Config{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax, Jitter: true},
		logger:     slog.With("component", "executor"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Processor returns the registered processor for a provider name.
func (e *Executor) Processor(name string) (provider.Processor, bool) {
	p, ok := e.processors[name]
	return p, ok
}

// Start begins executing a job in the background and returns immediately.
func (e *Executor) Start(j job.Job) {
	e.wg.Add(1)
	go e.run(j)
}

// Close stops new retries and waits for in-flight jobs to settle, up to the
// context deadline. Jobs still running after that are abandoned; they resume
// from the store on the next startup.
func (e *Executor) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		return ctx.Err()
	}
}

// run is the per-job attempt loop. Transient failures are retried with
// exponential backoff while the retry budget lasts; permanent failures and
// an exhausted budget mark the job failed.
func (e *Executor) run(j job.Job) {
	defer e.wg.Done()
	logger := e.logger.With("jobId", j.ID, "provider", j.Provider, "resourceKey", j.ResourceKey)

	for {
		current, err := e.store.MarkProcessing(e.ctx, j.ID)
		if err != nil {
			if errors.Is(err, store.ErrTerminal) {
				// Another path already finished this job; stand down.
				return
			}
			logger.Error("Job could not enter processing", "error", err)
			return
		}
		j = current

		attemptErr := e.attempt(e.ctx, &j, logger)
		if attemptErr == nil {
			return
		}
		if !apperrors.Retryable(attemptErr) {
			logger.Warn("Job failed permanently", "retryCount", j.RetryCount, "error", attemptErr)
			e.fail(j, attemptErr, logger)
			return
		}

		updated, retryErr := e.store.IncrementRetry(e.ctx, j.ID)
		switch {
		case errors.Is(retryErr, store.ErrRetryExhausted):
			logger.Warn("Retry budget exhausted", "retryCount", j.RetryCount, "error", attemptErr)
			e.fail(j, attemptErr, logger)
			return
		case errors.Is(retryErr, store.ErrTerminal):
			return
		case retryErr != nil:
			logger.Error("Retry bookkeeping failed", "error", retryErr)
			return
		}
		j = updated

		if e.metrics != nil {
			e.metrics.RecordJobRetry(e.ctx, j.Provider)
		}
		delay := backoff.Exponential(j.RetryCount, e.backoffCfg)
		logger.Warn("Attempt failed, retrying", "retryCount", j.RetryCount, "delay", delay, "error", attemptErr)

		select {
		case <-e.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// attempt performs one full provider invocation and, on success, persists the
// result and marks the job completed.
func (e *Executor) attempt(ctx context.Context, j *job.Job, logger *slog.Logger) error {
	proc, ok := e.processors[j.Provider]
	if !ok {
		return apperrors.Permanent("execute job", fmt.Sprintf("no processor registered for provider %q", j.Provider))
	}

	inputURL, err := e.stager.Stage(ctx, j.ID, j.SourceURL())
	if err != nil {
		return err
	}

	inv, err := proc.Submit(ctx, j, inputURL)
	if err != nil {
		return err
	}

	result := inv.Result
	if result == nil {
		sp, ok := proc.(provider.StatusPoller)
		if !ok {
			return apperrors.Permanent("execute job",
				fmt.Sprintf("provider %q returned no result and supports no status polling", j.Provider))
		}
		opts := poller.Options{
			Interval:    e.cfg.PollInterval,
			MinInterval: e.cfg.PollMinInterval,
			MaxInterval: e.cfg.PollMaxInterval,
			MaxWait:     e.cfg.PollMaxWait,
			MaxAttempts: e.cfg.PollMaxAttempts,
		}
		if inv.PollHint > 0 {
			opts.Interval = inv.PollHint
		}
		onProgress := func(percent int, statusText string) {
			logger.Debug("Job progress", "percent", percent, "statusText", statusText)
			if e.metrics != nil {
				e.metrics.RecordPollTick(ctx, j.Provider)
			}
		}
		result, err = poller.Poll(ctx, inv.ProviderJobID, sp.Status, onProgress, opts)
		if err != nil {
			return err
		}
	}
	if result == nil || result.OutputURL == "" {
		return apperrors.Transient("execute job", errors.New("provider reported success without an output"))
	}

	return e.complete(ctx, *j, result, logger)
}

// complete persists the provider output into blob storage, marks the job
// completed, and records the artifact in the result cache. A missing preview
// is tolerated: the primary output alone completes the job.
func (e *Executor) complete(ctx context.Context, j job.Job, result *provider.Result, logger *slog.Logger) error {
	outputKey := fmt.Sprintf("outputs/%s/%s", j.ID, path.Base(result.OutputURL))
	outputURL, err := e.stager.Persist(ctx, result.OutputURL, outputKey)
	if err != nil {
		return err
	}

	metadata := make(map[string]string, len(result.Metadata)+1)
	for k, v := range result.Metadata {
		metadata[k] = v
	}
	if result.PreviewURL != "" {
		previewKey := fmt.Sprintf("outputs/%s/%s", j.ID, path.Base(result.PreviewURL))
		previewURL, err := e.stager.Persist(ctx, result.PreviewURL, previewKey)
		if err != nil {
			logger.Warn("Preview could not be persisted, completing without it", "error", err)
		} else {
			metadata["previewUrl"] = previewURL
		}
	}

	completed, err := e.store.MarkCompleted(ctx, j.ID, outputURL, metadata)
	if err != nil {
		if errors.Is(err, store.ErrTerminal) {
			return nil
		}
		return apperrors.Internal("complete job", err)
	}

	if cacheErr := e.cache.Record(ctx, j.ContentKey, cache.ArtifactRef{URL: outputURL, Metadata: metadata}); cacheErr != nil {
		logger.Warn("Result cache record failed", "contentKey", j.ContentKey, "error", cacheErr)
	}

	logger.Info("Job completed", "outputUrl", outputURL, "retryCount", completed.RetryCount)
	e.finish(completed, true)
	return nil
}

// fail marks the job failed with a concise message and notifies.
func (e *Executor) fail(j job.Job, cause error, logger *slog.Logger) {
	failed, err := e.store.MarkFailed(e.ctx, j.ID, failureMessage(cause))
	if err != nil {
		if !errors.Is(err, store.ErrTerminal) {
			logger.Error("Job could not be marked failed", "error", err)
		}
		return
	}
	logger.Info("Job failed", "retryCount", failed.RetryCount, "message", failed.ErrorMessage)
	e.finish(failed, false)
}

// finish emits terminal metrics and, when nobody is watching, a push
// notification.
func (e *Executor) finish(j job.Job, success bool) {
	if e.metrics != nil {
		e.metrics.RecordJobFinished(e.ctx, j.Provider, success, time.Since(j.CreatedAt).Seconds())
	}
	if e.pusher != nil && (e.observers == nil || !e.observers.HasObservers(j.ID, j.ResourceKey)) {
		e.pusher.NotifyTerminal(j)
	}
}

// failureMessage reduces an error chain to a short human-readable message
// suitable for storing on the job.
func failureMessage(err error) string {
	var appErr *apperrors.Error
	msg := err.Error()
	if errors.As(err, &appErr) && appErr.Message != "" {
		msg = appErr.Message
	}
	if len(msg) > maxFailureMessageLen {
		msg = msg[:maxFailureMessageLen]
	}
	return msg
}
