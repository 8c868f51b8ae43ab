// Package push delivers best-effort notifications about terminal jobs to the
// mobile push gateway. It is used when a job finishes with nobody subscribed:
// the user backgrounded the app, so the result announcement goes out-of-band.
package push

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"printforge/internal/config"
	"printforge/internal/job"
	"printforge/pkg/backoff"
)

const (
	breakerThreshold       = 5
	breakerCooldown        = 30 * time.Second
	queueSizeReportPeriod  = 5 * time.Second
	deliveryTimeoutPerSend = 30 * time.Second
)

// Notification is the payload posted to the push gateway.
type Notification struct {
	JobID       string    `json:"jobId"`
	ResourceKey string    `json:"resourceKey"`
	Provider    string    `json:"provider"`
	Status      string    `json:"status"`
	Summary     string    `json:"summary"`
	OutputURL   string    `json:"outputUrl,omitempty"`
	FinishedAt  time.Time `json:"finishedAt"`
}

// Stats holds queue statistics.
type Stats struct {
	QueueDepth   int   // current queue size
	Queued       int64 // total notifications queued
	Delivered    int64 // successful deliveries
	Failed       int64 // failed after retries
	Dropped      int64 // dropped (buffer full or circuit open)
	RetriesTotal int64 // total retry attempts
	BreakerOpen  bool  // gateway circuit currently open
}

// MetricsRecorder is an optional interface for recording push metrics.
type MetricsRecorder interface {
	RecordPushDelivered(ctx context.Context, durationSeconds float64)
	RecordPushFailed(ctx context.Context)
	RecordPushDropped(ctx context.Context)
	RecordPushQueueSize(ctx context.Context, size int64)
}

// Queue buffers notifications in a bounded channel and delivers them with a
// worker pool. Delivery is best-effort: a full buffer or an open circuit
// drops the notification, the job record itself stays authoritative.
type Queue struct {
	queue   chan Notification
	sender  *sender
	breaker *breaker
	cfg     *config.PushConfig
	logger  *slog.Logger
	metrics MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewQueue creates a push queue and starts its delivery workers.
// metrics may be nil.
func NewQueue(cfg *config.PushConfig, metrics MetricsRecorder) *Queue {
	q := &Queue{
		queue:    make(chan Notification, cfg.BufferSize),
		sender:   newSender(cfg.GatewayURL, cfg.SigningKey, cfg.HTTPTimeout),
		breaker:  newBreaker(breakerThreshold, breakerCooldown),
		cfg:      cfg,
		logger:   slog.With("component", "push"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	q.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go q.worker()
	}

	if metrics != nil {
		go q.reportQueueSize()
	}

	q.logger.Info("Push queue started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return q
}

// NotifyTerminal queues a notification for a job that reached a terminal
// state. Non-blocking; drops when the buffer is full.
func (q *Queue) NotifyTerminal(j job.Job) {
	if q.closed.Load() {
		return
	}

	n := Notification{
		JobID:       j.ID,
		ResourceKey: j.ResourceKey,
		Provider:    j.Provider,
		Status:      string(j.Status),
		Summary:     summarize(j),
		OutputURL:   j.OutputURL,
		FinishedAt:  j.UpdatedAt,
	}

	select {
	case q.queue <- n:
		q.queued.Add(1)
	default:
		q.dropped.Add(1)
		if q.metrics != nil {
			q.metrics.RecordPushDropped(context.Background())
		}
		q.logger.Warn("Notification dropped, buffer full", "jobId", j.ID)
	}
}

// Stats returns current queue statistics.
func (q *Queue) Stats() Stats {
	return Stats{
		QueueDepth:   len(q.queue),
		Queued:       q.queued.Load(),
		Delivered:    q.delivered.Load(),
		Failed:       q.failed.Load(),
		Dropped:      q.dropped.Load(),
		RetriesTotal: q.retriesTotal.Load(),
		BreakerOpen:  q.breaker.open(),
	}
}

// Close stops the workers after draining queued notifications, up to the
// context deadline.
func (q *Queue) Close(ctx context.Context) error {
	if q.closed.Swap(true) {
		return nil
	}

	q.logger.Info("Push queue shutting down", "queued", len(q.queue))
	close(q.shutdown)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("Push queue shutdown complete",
			"delivered", q.delivered.Load(),
			"failed", q.failed.Load(),
			"dropped", q.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		q.logger.Warn("Push queue shutdown timed out", "remaining", len(q.queue))
		return ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.shutdown:
			q.drain()
			return
		case n := <-q.queue:
			q.deliver(n)
		}
	}
}

// drain delivers remaining notifications after the shutdown signal.
func (q *Queue) drain() {
	for {
		select {
		case n := <-q.queue:
			q.deliver(n)
		default:
			return
		}
	}
}

func (q *Queue) deliver(n Notification) {
	if !q.breaker.allow() {
		q.dropped.Add(1)
		if q.metrics != nil {
			q.metrics.RecordPushDropped(context.Background())
		}
		q.logger.Debug("Notification dropped, gateway circuit open", "jobId", n.JobID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeoutPerSend)
	defer cancel()

	start := time.Now()
	if err := q.sendWithRetry(ctx, n); err != nil {
		q.breaker.recordFailure()
		q.failed.Add(1)
		if q.metrics != nil {
			q.metrics.RecordPushFailed(ctx)
		}
		q.logger.Warn("Notification delivery failed", "jobId", n.JobID, "error", err)
		return
	}

	q.breaker.recordSuccess()
	q.delivered.Add(1)
	if q.metrics != nil {
		q.metrics.RecordPushDelivered(ctx, time.Since(start).Seconds())
	}
}

func (q *Queue) sendWithRetry(ctx context.Context, n Notification) error {
	maxRetries := q.cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			q.retriesTotal.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, &backoff.Config{
				Initial: 100 * time.Millisecond,
				Max:     5 * time.Second,
				Jitter:  true,
			})):
			}
		}

		lastErr = q.sender.send(ctx, n)
		if lastErr == nil {
			return nil
		}
		if isClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (q *Queue) reportQueueSize() {
	ticker := time.NewTicker(queueSizeReportPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-q.shutdown:
			return
		case <-ticker.C:
			q.metrics.RecordPushQueueSize(context.Background(), int64(len(q.queue)))
		}
	}
}

// summarize builds the one-line notification text shown to the user.
func summarize(j job.Job) string {
	if j.Status == job.StatusCompleted {
		return "Your " + j.Provider + " job finished"
	}
	if j.ErrorMessage != "" {
		return "Your " + j.Provider + " job failed: " + j.ErrorMessage
	}
	return "Your " + j.Provider + " job failed"
}
