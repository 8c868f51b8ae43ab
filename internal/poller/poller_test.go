package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"printforge/internal/apperrors"
	"printforge/internal/provider"
)

// scriptedStatus returns pages in order, repeating the last one.
func scriptedStatus(pages ...provider.StatusPage) StatusFunc {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context, id string) (provider.StatusPage, error) {
		mu.Lock()
		defer mu.Unlock()
		page := pages[i]
		if i < len(pages)-1 {
			i++
		}
		return page, nil
	}
}

type progressLog struct {
	mu      sync.Mutex
	percent []int
	text    []string
}

func (p *progressLog) fn(percent int, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.percent = append(p.percent, percent)
	p.text = append(p.text, text)
}

func fastOpts() Options {
	return Options{Interval: time.Millisecond, MinInterval: time.Millisecond, MaxWait: 5 * time.Second}
}

func TestPollResolvesOnSuccess(t *testing.T) {
	t.Parallel()

	want := &provider.Result{OutputURL: "http://meshgen/out/model.glb"}
	status := scriptedStatus(
		provider.StatusPage{Progress: provider.Progress{Percent: 10, StatusText: "queued"}},
		provider.StatusPage{Progress: provider.Progress{Percent: 60, StatusText: "generating"}},
		provider.StatusPage{Progress: provider.Progress{Percent: 100, StatusText: "succeeded"}, Done: true, Result: want},
	)

	log := &progressLog{}
	got, err := Poll(context.Background(), "task-1", status, log.fn, fastOpts())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if got.OutputURL != want.OutputURL {
		t.Errorf("result = %+v", got)
	}
}

func TestPollProgressMonotonicAndDeduped(t *testing.T) {
	t.Parallel()

	status := scriptedStatus(
		provider.StatusPage{Progress: provider.Progress{Percent: 10, StatusText: "queued"}},
		provider.StatusPage{Progress: provider.Progress{Percent: 40, StatusText: "generating"}},
		provider.StatusPage{Progress: provider.Progress{Percent: 40, StatusText: "generating"}}, // unchanged: no callback
		provider.StatusPage{Progress: provider.Progress{Percent: 25, StatusText: "generating"}}, // regression: clamped
		provider.StatusPage{Progress: provider.Progress{Percent: -1, StatusText: "warming-gpu"}}, // unknown: keep percent
		provider.StatusPage{Progress: provider.Progress{Percent: 100, StatusText: "succeeded"}, Done: true, Result: &provider.Result{OutputURL: "u"}},
	)

	log := &progressLog{}
	if _, err := Poll(context.Background(), "task-1", status, log.fn, fastOpts()); err != nil {
		t.Fatal(err)
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	for i := 1; i < len(log.percent); i++ {
		if log.percent[i] < log.percent[i-1] {
			t.Fatalf("percent regressed: %v", log.percent)
		}
	}
	// The unchanged tick must not produce a duplicate callback.
	for i := 1; i < len(log.percent); i++ {
		if log.percent[i] == log.percent[i-1] && log.text[i] == log.text[i-1] {
			t.Fatalf("duplicate progress delivered: %v %v", log.percent, log.text)
		}
	}
	// The unknown state must surface its text at the kept percent.
	found := false
	for i := range log.text {
		if log.text[i] == "warming-gpu" && log.percent[i] == 40 {
			found = true
		}
	}
	if !found {
		t.Errorf("unknown state not delivered with previous percent: %v %v", log.percent, log.text)
	}
}

func TestPollProviderFailureEndsImmediately(t *testing.T) {
	t.Parallel()

	permanent := apperrors.Permanent("meshgen.status", "prompt rejected")
	status := scriptedStatus(
		provider.StatusPage{Progress: provider.Progress{Percent: 10, StatusText: "queued"}},
		provider.StatusPage{Done: true, Err: permanent, Progress: provider.Progress{Percent: 100, StatusText: "failed"}},
	)

	_, err := Poll(context.Background(), "task-1", status, nil, fastOpts())
	if !errors.Is(err, apperrors.ErrPermanent) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestPollTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	status := scriptedStatus(provider.StatusPage{Progress: provider.Progress{Percent: 10, StatusText: "queued"}})

	opts := fastOpts()
	opts.MaxWait = 20 * time.Millisecond
	_, err := Poll(context.Background(), "task-1", status, nil, opts)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if !apperrors.Retryable(err) {
		t.Error("poll timeout must be retryable")
	}
}

func TestPollAttemptCap(t *testing.T) {
	t.Parallel()

	var calls int
	status := func(ctx context.Context, id string) (provider.StatusPage, error) {
		calls++
		return provider.StatusPage{Progress: provider.Progress{Percent: 10, StatusText: "queued"}}, nil
	}

	opts := fastOpts()
	opts.MaxAttempts = 3
	_, err := Poll(context.Background(), "task-1", status, nil, opts)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if calls != 3 {
		t.Errorf("status called %d times, want 3", calls)
	}
}

func TestPollToleratesTransientStatusErrors(t *testing.T) {
	t.Parallel()

	var calls int
	status := func(ctx context.Context, id string) (provider.StatusPage, error) {
		calls++
		if calls < 3 {
			return provider.StatusPage{}, apperrors.Transient("meshgen.status", errors.New("connection reset"))
		}
		return provider.StatusPage{Done: true, Result: &provider.Result{OutputURL: "u"}, Progress: provider.Progress{Percent: 100}}, nil
	}

	got, err := Poll(context.Background(), "task-1", status, nil, fastOpts())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if got.OutputURL != "u" {
		t.Errorf("result = %+v", got)
	}
}

func TestPollCancellationStopsTicks(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	var mu sync.Mutex
	status := func(ctx context.Context, id string) (provider.StatusPage, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 2 {
			cancel()
		}
		return provider.StatusPage{Progress: provider.Progress{Percent: 10, StatusText: "queued"}}, nil
	}

	_, err := Poll(ctx, "task-1", status, nil, fastOpts())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	mu.Lock()
	after := calls
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != after {
		t.Error("ticks continued after cancellation")
	}
}

func TestPollHonorsRetryAfterHintClamped(t *testing.T) {
	t.Parallel()

	var stamps []time.Time
	status := func(ctx context.Context, id string) (provider.StatusPage, error) {
		stamps = append(stamps, time.Now())
		if len(stamps) >= 2 {
			return provider.StatusPage{Done: true, Result: &provider.Result{OutputURL: "u"}, Progress: provider.Progress{Percent: 100}}, nil
		}
		// Hint far above the clamp.
		return provider.StatusPage{Progress: provider.Progress{Percent: 10, StatusText: "queued"}, RetryAfter: time.Hour}, nil
	}

	opts := Options{Interval: time.Millisecond, MinInterval: time.Millisecond, MaxInterval: 30 * time.Millisecond, MaxWait: 5 * time.Second}
	if _, err := Poll(context.Background(), "task-1", status, nil, opts); err != nil {
		t.Fatal(err)
	}
	if len(stamps) != 2 {
		t.Fatalf("status called %d times, want 2", len(stamps))
	}
	if gap := stamps[1].Sub(stamps[0]); gap > time.Second {
		t.Errorf("hint not clamped: waited %v", gap)
	}
}
