package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"printforge/internal/apperrors"
	"printforge/internal/job"
)

func testJob() *job.Job {
	return &job.Job{
		ID:          "job-1",
		ResourceKey: "model-9:pla-0.2",
		InputParams: json.RawMessage(`{"profile":"pla-0.2"}`),
	}
}

func TestSlicerSubmitOK(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/slice" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req sliceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.InputURL != "http://staging/inputs/model.stl" {
			t.Errorf("inputUrl = %q", req.InputURL)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"result": map[string]any{
				"gcodeUrl":   "http://slicer/out/model.gcode",
				"previewUrl": "http://slicer/out/preview.png",
				"metadata":   map[string]string{"layerCount": "412"},
			},
		})
	}))
	defer server.Close()

	s := NewSlicer(server.URL, 5*time.Second)
	inv, err := s.Submit(context.Background(), testJob(), "http://staging/inputs/model.stl")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if inv.Result == nil || inv.ProviderJobID != "" {
		t.Fatal("slicer must return a synchronous result")
	}
	if inv.Result.OutputURL != "http://slicer/out/model.gcode" {
		t.Errorf("outputURL = %q", inv.Result.OutputURL)
	}
	if inv.Result.Metadata["layerCount"] != "412" {
		t.Errorf("metadata = %v", inv.Result.Metadata)
	}
}

func TestSlicerSubmitErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		handler       http.HandlerFunc
		wantRetryable bool
	}{
		{
			name: "provider-reported permanent",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{
					"status": "error",
					"error":  map[string]any{"message": "model is not manifold", "retryable": false},
				})
			},
			wantRetryable: false,
		},
		{
			name: "provider-reported retryable",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{
					"status": "error",
					"error":  map[string]any{"message": "worker pool saturated", "retryable": true},
				})
			},
			wantRetryable: true,
		},
		{
			name:          "server error",
			handler:       func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			wantRetryable: true,
		},
		{
			name:          "rate limited",
			handler:       func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTooManyRequests) },
			wantRetryable: true,
		},
		{
			name:          "bad request",
			handler:       func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnprocessableEntity) },
			wantRetryable: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			s := NewSlicer(server.URL, 5*time.Second)
			_, err := s.Submit(context.Background(), testJob(), "")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := apperrors.Retryable(err); got != tt.wantRetryable {
				t.Errorf("Retryable(%v) = %v, want %v", err, got, tt.wantRetryable)
			}
		})
	}
}

func TestSlicerSubmitTransportError(t *testing.T) {
	t.Parallel()

	s := NewSlicer("http://127.0.0.1:1", time.Second)
	_, err := s.Submit(context.Background(), testJob(), "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !apperrors.Retryable(err) {
		t.Errorf("transport error must be retryable, got %v", err)
	}
}

func TestMeshGenSubmit(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/generations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"taskId": "task-77", "pollAfterSeconds": 3})
	}))
	defer server.Close()

	m := NewMeshGen(server.URL, 5*time.Second)
	inv, err := m.Submit(context.Background(), testJob(), "")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if inv.ProviderJobID != "task-77" {
		t.Errorf("providerJobID = %q", inv.ProviderJobID)
	}
	if inv.PollHint != 3*time.Second {
		t.Errorf("pollHint = %v", inv.PollHint)
	}
	if inv.Result != nil {
		t.Error("submit/poll provider must not return a synchronous result")
	}
}

func TestMeshGenStatus(t *testing.T) {
	t.Parallel()

	responses := map[string]any{
		"task-running": map[string]any{"state": "generating", "percent": 42, "stage": "meshing"},
		"task-done": map[string]any{
			"state": "succeeded",
			"result": map[string]any{
				"modelUrl":   "http://meshgen/out/model.glb",
				"previewUrl": "http://meshgen/out/turntable.png",
			},
		},
		"task-failed": map[string]any{
			"state": "failed",
			"error": map[string]any{"message": "prompt rejected", "retryable": false},
		},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/v1/generations/"):]
		json.NewEncoder(w).Encode(responses[id])
	}))
	defer server.Close()

	m := NewMeshGen(server.URL, 5*time.Second)
	ctx := context.Background()

	running, err := m.Status(ctx, "task-running")
	if err != nil {
		t.Fatal(err)
	}
	if running.Done {
		t.Error("running task reported done")
	}
	if running.Progress.Percent != 42 || running.Progress.StatusText != "meshing" {
		t.Errorf("progress = %+v", running.Progress)
	}

	done, err := m.Status(ctx, "task-done")
	if err != nil {
		t.Fatal(err)
	}
	if !done.Done || done.Result == nil || done.Err != nil {
		t.Fatalf("done page = %+v", done)
	}
	if done.Result.OutputURL != "http://meshgen/out/model.glb" {
		t.Errorf("outputURL = %q", done.Result.OutputURL)
	}

	failed, err := m.Status(ctx, "task-failed")
	if err != nil {
		t.Fatal(err)
	}
	if !failed.Done || failed.Err == nil {
		t.Fatalf("failed page = %+v", failed)
	}
	if apperrors.Retryable(failed.Err) {
		t.Error("non-retryable upstream failure classified retryable")
	}
}

func TestNormalizeTask(t *testing.T) {
	t.Parallel()

	intp := func(v int) *int { return &v }

	tests := []struct {
		name string
		in   taskStatusResponse
		want Progress
	}{
		{"queued", taskStatusResponse{State: "queued"}, Progress{5, "queued"}},
		{"preprocessing", taskStatusResponse{State: "preprocessing"}, Progress{15, "preprocessing"}},
		{"raw percent wins", taskStatusResponse{State: "generating", Percent: intp(63)}, Progress{63, "generating"}},
		{"stage text preferred", taskStatusResponse{State: "generating", Percent: intp(63), Stage: "texturing"}, Progress{63, "texturing"}},
		{"percent clamped", taskStatusResponse{State: "generating", Percent: intp(140)}, Progress{100, "generating"}},
		{"exporting", taskStatusResponse{State: "exporting"}, Progress{90, "exporting"}},
		{"succeeded", taskStatusResponse{State: "succeeded"}, Progress{100, "succeeded"}},
		{"unknown keeps previous", taskStatusResponse{State: "warming-gpu"}, Progress{-1, "warming-gpu"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := normalizeTask(tt.in); got != tt.want {
				t.Errorf("normalizeTask = %+v, want %+v", got, tt.want)
			}
		})
	}
}
