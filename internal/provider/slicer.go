package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"printforge/internal/apperrors"
	"printforge/internal/job"
)

// Slicer invokes the G-code slicing processor. The slicer is the
// synchronous shape: a single call returns the final result or a definitive
// error.
type Slicer struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewSlicer creates a slicer client against the given base URL.
func NewSlicer(baseURL string, timeout time.Duration) *Slicer {
	return &Slicer{
		baseURL: baseURL,
		client:  newHTTPClient(timeout),
		logger:  slog.With("component", "slicer"),
	}
}

// Name implements Processor.
func (s *Slicer) Name() string { return "slicer" }

type sliceRequest struct {
	ResourceKey string          `json:"resourceKey"`
	InputURL    string          `json:"inputUrl,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
}

type sliceResponse struct {
	Status string `json:"status"` // "ok" | "error"
	Result *struct {
		GcodeURL   string            `json:"gcodeUrl"`
		PreviewURL string            `json:"previewUrl,omitempty"`
		Metadata   map[string]string `json:"metadata,omitempty"`
	} `json:"result,omitempty"`
	Error *struct {
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error,omitempty"`
}

// Submit implements Processor.
func (s *Slicer) Submit(ctx context.Context, j *job.Job, inputURL string) (Invocation, error) {
	const op = "slicer.submit"

	body, err := json.Marshal(sliceRequest{
		ResourceKey: j.ResourceKey,
		InputURL:    inputURL,
		Params:      j.InputParams,
	})
	if err != nil {
		return Invocation{}, apperrors.Internal(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/slice", bytes.NewReader(body))
	if err != nil {
		return Invocation{}, apperrors.Internal(op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Invocation{}, apperrors.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Invocation{}, classifyHTTP(op, resp.StatusCode)
	}

	var out sliceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Invocation{}, apperrors.Transient(op, err)
	}

	if out.Status != "ok" {
		message, retryable := "", false
		if out.Error != nil {
			message, retryable = out.Error.Message, out.Error.Retryable
		}
		s.logger.Warn("Slicer reported failure", "jobId", j.ID, "message", message, "retryable", retryable)
		return Invocation{}, classifyReported(op, message, retryable)
	}
	if out.Result == nil || out.Result.GcodeURL == "" {
		return Invocation{}, apperrors.Transient(op, errMissingResult)
	}

	return Invocation{
		Result: &Result{
			OutputURL:  out.Result.GcodeURL,
			PreviewURL: out.Result.PreviewURL,
			Metadata:   out.Result.Metadata,
		},
	}, nil
}

// Ready implements Processor.
func (s *Slicer) Ready(ctx context.Context) error {
	return checkReady(ctx, s.client, s.baseURL+"/healthz")
}
