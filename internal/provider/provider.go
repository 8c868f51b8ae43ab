// Package provider defines the contracts for remote processors and the
// adapters that normalize their heterogeneous progress payloads.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"printforge/internal/apperrors"
	"printforge/internal/job"
)

// Progress is the canonical progress shape every provider payload is
// normalized into. A negative Percent means the provider reported a state we
// cannot map to a number; the poller keeps the previous known percent and
// only updates the text, so the bar never regresses.
type Progress struct {
	Percent    int
	StatusText string
}

// Result is the final output of a processor invocation.
type Result struct {
	OutputURL  string
	PreviewURL string // optional secondary artifact; may be empty
	Metadata   map[string]string
}

// Invocation is the outcome of submitting work to a processor. Exactly one
// of Result (synchronous shape) or ProviderJobID (submit/poll shape) is set.
type Invocation struct {
	Result        *Result
	ProviderJobID string
	PollHint      time.Duration // provider-suggested poll interval, 0 if none
}

// StatusPage is one observation of a submit/poll job.
type StatusPage struct {
	Progress   Progress
	Done       bool
	Result     *Result       // set when Done and the job succeeded
	Err        error         // set when Done and the job failed, already classified
	RetryAfter time.Duration // provider hint for the next tick, 0 if none
}

// Processor performs the remote invocation for a job.
type Processor interface {
	Name() string
	// Submit starts the remote work. inputURL is the staged,
	// processor-visible location of the source artifact (empty when the
	// job has no source artifact to stage).
	Submit(ctx context.Context, j *job.Job, inputURL string) (Invocation, error)
	// Ready reports whether the processor endpoint is reachable.
	Ready(ctx context.Context) error
}

// StatusPoller is implemented by processors with no push channel: submit
// returns a provider job id that is then polled until terminal.
type StatusPoller interface {
	Status(ctx context.Context, providerJobID string) (StatusPage, error)
}

// newHTTPClient builds the shared transport used by processor clients.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// classifyHTTP maps an HTTP status to the error taxonomy: timeouts, rate
// limits and server errors are transient; remaining 4xx are permanent.
func classifyHTTP(op string, code int) error {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500 {
		return apperrors.Transient(op, fmt.Errorf("HTTP %d", code))
	}
	return apperrors.Permanent(op, fmt.Sprintf("the processor rejected the request (HTTP %d)", code))
}

// classifyReported maps a provider-declared failure to the taxonomy.
func classifyReported(op, message string, retryable bool) error {
	if retryable {
		return apperrors.Transient(op, fmt.Errorf("provider reported: %s", message))
	}
	if message == "" {
		message = "the processor could not handle this input"
	}
	return apperrors.Permanent(op, message)
}

// checkReady issues a GET against a health endpoint.
func checkReady(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}
	return nil
}
