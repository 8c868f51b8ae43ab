package job_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"printforge/internal/apperrors"
	"printforge/internal/cache"
	"printforge/internal/job"
	"printforge/internal/store"
)

type fakeRunner struct {
	mu      sync.Mutex
	started []job.Job
}

func (r *fakeRunner) Start(j job.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, j)
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started)
}

func newTestService(t *testing.T) (*job.Service, *store.Store, *cache.Index, *fakeRunner) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	idx, err := cache.New(st.DB())
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}

	runner := &fakeRunner{}
	svc := job.NewService(st, idx, runner, []string{"slicer", "meshgen"}, 3, nil)
	return svc, st, idx, runner
}

func validRequest() *job.SubmitRequest {
	return &job.SubmitRequest{
		ResourceKey: "model-9:pla-0.2",
		Provider:    "slicer",
		Params:      json.RawMessage(`{"profile":"pla-0.2"}`),
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	svc, _, _, runner := newTestService(t)

	tests := []struct {
		name   string
		modify func(*job.SubmitRequest)
	}{
		{"missing resource key", func(r *job.SubmitRequest) { r.ResourceKey = "" }},
		{"resource key too long", func(r *job.SubmitRequest) { r.ResourceKey = strings.Repeat("a", 257) }},
		{"resource key bad characters", func(r *job.SubmitRequest) { r.ResourceKey = "model 9!" }},
		{"missing provider", func(r *job.SubmitRequest) { r.Provider = "" }},
		{"unknown provider", func(r *job.SubmitRequest) { r.Provider = "photoreal" }},
		{"params not JSON", func(r *job.SubmitRequest) { r.Params = json.RawMessage(`{broken`) }},
		{"params too large", func(r *job.SubmitRequest) {
			r.Params = json.RawMessage(`"` + strings.Repeat("x", 64*1024) + `"`)
		}},
		{"negative max retries", func(r *job.SubmitRequest) { r.MaxRetries = -1 }},
		{"max retries too high", func(r *job.SubmitRequest) { r.MaxRetries = 11 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.modify(req)
			_, err := svc.Submit(context.Background(), req)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("err = %v, want validation error", err)
			}
		})
	}

	if runner.count() != 0 {
		t.Errorf("runner started %d jobs for invalid requests", runner.count())
	}
}

func TestSubmitAcceptsAndStartsJob(t *testing.T) {
	t.Parallel()
	svc, st, _, runner := newTestService(t)
	ctx := context.Background()

	resp, err := svc.Submit(ctx, validRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if resp.JobID == "" || resp.Cached || resp.Deduplicated {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Status != job.StatusPending {
		t.Errorf("status = %s", resp.Status)
	}
	if runner.count() != 1 {
		t.Fatalf("runner started %d jobs, want 1", runner.count())
	}

	created, err := st.Get(ctx, resp.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if created.MaxRetries != 3 {
		t.Errorf("maxRetries = %d, want default 3", created.MaxRetries)
	}
	if created.ContentKey == "" || created.ContentKey == created.ResourceKey {
		t.Errorf("contentKey = %q, want params-derived key", created.ContentKey)
	}
}

func TestSubmitDeduplicatesOntoActiveJob(t *testing.T) {
	t.Parallel()
	svc, _, _, runner := newTestService(t)
	ctx := context.Background()

	first, err := svc.Submit(ctx, validRequest())
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Submit(ctx, validRequest())
	if err != nil {
		t.Fatalf("duplicate submit must not error: %v", err)
	}
	if !second.Deduplicated {
		t.Error("second submission not flagged as deduplicated")
	}
	if second.JobID != first.JobID {
		t.Errorf("jobID = %q, want %q", second.JobID, first.JobID)
	}
	if runner.count() != 1 {
		t.Errorf("runner started %d jobs, want 1", runner.count())
	}
}

func TestSubmitServedFromResultCache(t *testing.T) {
	t.Parallel()
	svc, st, _, runner := newTestService(t)
	ctx := context.Background()

	first, err := svc.Submit(ctx, validRequest())
	if err != nil {
		t.Fatal(err)
	}

	// Drive the job to completion the way the executor would.
	if _, err := st.MarkProcessing(ctx, first.JobID); err != nil {
		t.Fatal(err)
	}
	created, err := st.Get(ctx, first.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.MarkCompleted(ctx, first.JobID, "http://public/artifacts/outputs/x/model.gcode", nil); err != nil {
		t.Fatal(err)
	}
	idx, err := cache.New(st.DB())
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Record(ctx, created.ContentKey, cache.ArtifactRef{URL: "http://public/artifacts/outputs/x/model.gcode"}); err != nil {
		t.Fatal(err)
	}

	resp, err := svc.Submit(ctx, validRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !resp.Cached {
		t.Fatalf("response = %+v, want cached", resp)
	}
	if resp.OutputURL != "http://public/artifacts/outputs/x/model.gcode" {
		t.Errorf("outputURL = %q", resp.OutputURL)
	}
	if resp.JobID != "" {
		t.Error("cached response must not create a job")
	}
	if runner.count() != 1 {
		t.Errorf("runner started %d jobs, want 1", runner.count())
	}

	// Different params for the same resource must miss the cache.
	req := validRequest()
	req.Params = json.RawMessage(`{"profile":"petg-0.3"}`)
	fresh, err := svc.Submit(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Cached {
		t.Error("changed params must not hit the cache")
	}
}

func TestConcurrentSubmitsCreateOneJob(t *testing.T) {
	t.Parallel()
	svc, st, _, runner := newTestService(t)
	ctx := context.Background()

	const submitters = 10
	ids := make([]string, submitters)
	var wg sync.WaitGroup
	wg.Add(submitters)
	for i := 0; i < submitters; i++ {
		go func(i int) {
			defer wg.Done()
			resp, err := svc.Submit(ctx, validRequest())
			if err != nil {
				t.Errorf("Submit failed: %v", err)
				return
			}
			ids[i] = resp.JobID
		}(i)
	}
	wg.Wait()

	for i := 1; i < submitters; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("submitters got different job ids: %q vs %q", ids[i], ids[0])
		}
	}
	if runner.count() != 1 {
		t.Errorf("runner started %d jobs, want 1", runner.count())
	}
	jobs, err := st.List(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Errorf("store holds %d jobs, want 1", len(jobs))
	}
}

func TestGetRequiresID(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newTestService(t)

	_, err := svc.Get(context.Background(), "")
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestListReturnsJobs(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	req := validRequest()
	if _, err := svc.Submit(ctx, req); err != nil {
		t.Fatal(err)
	}

	resp, err := svc.List(ctx, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(resp.Jobs) != 1 {
		t.Errorf("listed %d jobs, want 1", len(resp.Jobs))
	}
}
