package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"printforge/internal/apperrors"
	"printforge/internal/job"
)

var errMissingResult = errors.New("success response carried no result")

// MeshGen invokes the 3D-model generation processor. It is the submit/poll
// shape: submit returns a task id, and status is polled until terminal.
type MeshGen struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewMeshGen creates a mesh-generation client against the given base URL.
func NewMeshGen(baseURL string, timeout time.Duration) *MeshGen {
	return &MeshGen{
		baseURL: baseURL,
		client:  newHTTPClient(timeout),
		logger:  slog.With("component", "meshgen"),
	}
}

// Name implements Processor.
func (m *MeshGen) Name() string { return "meshgen" }

type generateRequest struct {
	ResourceKey string          `json:"resourceKey"`
	InputURL    string          `json:"inputUrl,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
}

type generateResponse struct {
	TaskID           string `json:"taskId"`
	PollAfterSeconds int    `json:"pollAfterSeconds,omitempty"`
}

type taskStatusResponse struct {
	State            string `json:"state"` // queued | preprocessing | generating | exporting | succeeded | failed
	Percent          *int   `json:"percent,omitempty"`
	Stage            string `json:"stage,omitempty"`
	PollAfterSeconds int    `json:"pollAfterSeconds,omitempty"`
	Result           *struct {
		ModelURL   string            `json:"modelUrl"`
		PreviewURL string            `json:"previewUrl,omitempty"`
		Metadata   map[string]string `json:"metadata,omitempty"`
	} `json:"result,omitempty"`
	Error *struct {
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error,omitempty"`
}

// Submit implements Processor.
func (m *MeshGen) Submit(ctx context.Context, j *job.Job, inputURL string) (Invocation, error) {
	const op = "meshgen.submit"

	body, err := json.Marshal(generateRequest{
		ResourceKey: j.ResourceKey,
		InputURL:    inputURL,
		Params:      j.InputParams,
	})
	if err != nil {
		return Invocation{}, apperrors.Internal(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/generations", bytes.NewReader(body))
	if err != nil {
		return Invocation{}, apperrors.Internal(op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return Invocation{}, apperrors.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Invocation{}, classifyHTTP(op, resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Invocation{}, apperrors.Transient(op, err)
	}
	if out.TaskID == "" {
		return Invocation{}, apperrors.Transient(op, errors.New("submit response carried no task id"))
	}

	return Invocation{
		ProviderJobID: out.TaskID,
		PollHint:      time.Duration(out.PollAfterSeconds) * time.Second,
	}, nil
}

// Status implements StatusPoller.
func (m *MeshGen) Status(ctx context.Context, providerJobID string) (StatusPage, error) {
	const op = "meshgen.status"

	url := fmt.Sprintf("%s/v1/generations/%s", m.baseURL, providerJobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusPage{}, apperrors.Internal(op, err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return StatusPage{}, apperrors.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return StatusPage{}, classifyHTTP(op, resp.StatusCode)
	}

	var out taskStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return StatusPage{}, apperrors.Transient(op, err)
	}

	page := StatusPage{
		Progress:   normalizeTask(out),
		RetryAfter: time.Duration(out.PollAfterSeconds) * time.Second,
	}

	switch out.State {
	case "succeeded":
		page.Done = true
		if out.Result == nil || out.Result.ModelURL == "" {
			page.Err = apperrors.Transient(op, errMissingResult)
			return page, nil
		}
		page.Result = &Result{
			OutputURL:  out.Result.ModelURL,
			PreviewURL: out.Result.PreviewURL,
			Metadata:   out.Result.Metadata,
		}
	case "failed":
		page.Done = true
		message, retryable := "", false
		if out.Error != nil {
			message, retryable = out.Error.Message, out.Error.Retryable
		}
		m.logger.Warn("Generation failed upstream", "taskId", providerJobID, "message", message, "retryable", retryable)
		page.Err = classifyReported(op, message, retryable)
	}
	return page, nil
}

// normalizeTask maps the provider's state enum, optional raw percent, and
// step names into the canonical progress shape.
func normalizeTask(st taskStatusResponse) Progress {
	text := st.State
	if st.Stage != "" {
		text = st.Stage
	}

	if st.Percent != nil && *st.Percent >= 0 {
		p := *st.Percent
		if p > 100 {
			p = 100
		}
		return Progress{Percent: p, StatusText: text}
	}

	switch st.State {
	case "queued":
		return Progress{Percent: 5, StatusText: text}
	case "preprocessing":
		return Progress{Percent: 15, StatusText: text}
	case "exporting":
		return Progress{Percent: 90, StatusText: text}
	case "succeeded":
		return Progress{Percent: 100, StatusText: text}
	case "failed":
		return Progress{Percent: 100, StatusText: text}
	default:
		// Unmapped state: keep the previous percent, update the text.
		return Progress{Percent: -1, StatusText: text}
	}
}

// Ready implements Processor.
func (m *MeshGen) Ready(ctx context.Context) error {
	return checkReady(ctx, m.client, m.baseURL+"/healthz")
}
