package artifact

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"printforge/internal/apperrors"
	"printforge/internal/blob"
)

// stagingServer records PUT bodies and serves GET requests from memory.
type stagingServer struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newStagingServer() (*stagingServer, *httptest.Server) {
	ss := &stagingServer{files: map[string][]byte{}}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ss.mu.Lock()
		defer ss.mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			ss.files[r.URL.Path] = data
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			data, ok := ss.files[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(data)
		}
	}))
	return ss, server
}

func TestStageCopiesSourceIntoStagingArea(t *testing.T) {
	t.Parallel()

	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "solid model")
	}))
	defer source.Close()

	ss, staging := newStagingServer()
	defer staging.Close()

	s := NewStager(staging.URL, "http://public", blob.LocalFS{Root: t.TempDir()}, 5*time.Second)
	stagedURL, err := s.Stage(context.Background(), "job-1", source.URL+"/uploads/model.stl")
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if stagedURL != staging.URL+"/inputs/job-1/model.stl" {
		t.Errorf("stagedURL = %q", stagedURL)
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	if got := string(ss.files["/inputs/job-1/model.stl"]); got != "solid model" {
		t.Errorf("staged content = %q", got)
	}
}

func TestStageEmptySourceIsNoop(t *testing.T) {
	t.Parallel()

	s := NewStager("http://staging", "http://public", blob.LocalFS{Root: t.TempDir()}, time.Second)
	stagedURL, err := s.Stage(context.Background(), "job-1", "")
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if stagedURL != "" {
		t.Errorf("stagedURL = %q, want empty", stagedURL)
	}
}

func TestStageSkipsAlreadyStagedSource(t *testing.T) {
	t.Parallel()

	s := NewStager("http://staging", "http://public", blob.LocalFS{Root: t.TempDir()}, time.Second)
	stagedURL, err := s.Stage(context.Background(), "job-1", "http://staging/inputs/job-0/model.stl")
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if stagedURL != "http://staging/inputs/job-0/model.stl" {
		t.Errorf("stagedURL = %q", stagedURL)
	}
}

func TestStageErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		status        int
		wantRetryable bool
	}{
		{"source unavailable", http.StatusServiceUnavailable, true},
		{"source rate limited", http.StatusTooManyRequests, true},
		{"source gone", http.StatusNotFound, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer source.Close()

			s := NewStager("http://staging", "http://public", blob.LocalFS{Root: t.TempDir()}, time.Second)
			_, err := s.Stage(context.Background(), "job-1", source.URL+"/uploads/model.stl")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := apperrors.Retryable(err); got != tt.wantRetryable {
				t.Errorf("Retryable(%v) = %v, want %v", err, got, tt.wantRetryable)
			}
		})
	}
}

func TestStageUnreachableSourceIsTransient(t *testing.T) {
	t.Parallel()

	s := NewStager("http://staging", "http://public", blob.LocalFS{Root: t.TempDir()}, time.Second)
	_, err := s.Stage(context.Background(), "job-1", "http://127.0.0.1:1/model.stl")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, apperrors.ErrTransient) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestPersistStoresOutputAndReturnsPublicURL(t *testing.T) {
	t.Parallel()

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "G1 X10 Y10")
	}))
	defer provider.Close()

	store := blob.LocalFS{Root: t.TempDir()}
	s := NewStager("http://staging", "http://public/artifacts", store, 5*time.Second)

	url, err := s.Persist(context.Background(), provider.URL+"/out/model.gcode", "outputs/job-1/model.gcode")
	if err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if url != "http://public/artifacts/outputs/job-1/model.gcode" {
		t.Errorf("url = %q", url)
	}

	f, err := store.Open("outputs/job-1/model.gcode")
	if err != nil {
		t.Fatalf("stored blob missing: %v", err)
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	if !strings.Contains(string(data), "G1") {
		t.Errorf("stored content = %q", data)
	}
}
