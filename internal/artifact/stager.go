// Package artifact moves job inputs and outputs between the caller, the
// staging area providers read from, and local blob storage.
package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"printforge/internal/apperrors"
	"printforge/internal/blob"
)

// Stager copies source files into the shared staging area before a provider
// call and persists provider outputs into local blob storage afterwards.
type Stager struct {
	client         *http.Client
	stagingBaseURL string
	publicBaseURL  string
	store          blob.LocalFS
	logger         *slog.Logger
}

// NewStager returns a Stager. stagingBaseURL is where inputs are PUT for
// providers to read; publicBaseURL prefixes the URLs handed back to callers
// for persisted outputs.
func NewStager(stagingBaseURL, publicBaseURL string, store blob.LocalFS, timeout time.Duration) *Stager {
	return &Stager{
		client:         &http.Client{Timeout: timeout},
		stagingBaseURL: strings.TrimRight(stagingBaseURL, "/"),
		publicBaseURL:  strings.TrimRight(publicBaseURL, "/"),
		store:          store,
		logger:         slog.With("component", "stager"),
	}
}

// Stage copies the file at sourceURL into the staging area under the job's
// id and returns the staged URL. An empty sourceURL is a no-op: some
// providers take no file input. Source URLs already inside the staging area
// are returned unchanged.
func (s *Stager) Stage(ctx context.Context, jobID, sourceURL string) (string, error) {
	if sourceURL == "" {
		return "", nil
	}
	if strings.HasPrefix(sourceURL, s.stagingBaseURL+"/") {
		return sourceURL, nil
	}

	body, err := s.fetch(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	stagedURL := fmt.Sprintf("%s/inputs/%s/%s", s.stagingBaseURL, jobID, path.Base(sourceURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, stagedURL, body)
	if err != nil {
		return "", apperrors.Internal("build staging request", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", apperrors.Transient("stage input", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", apperrors.Transient("stage input",
			fmt.Errorf("staging area returned HTTP %d", resp.StatusCode))
	}

	s.logger.Debug("Input staged", "jobId", jobID, "stagedUrl", stagedURL)
	return stagedURL, nil
}

// Persist downloads a provider output and stores it under key in local blob
// storage. Returns the public URL for the stored copy.
func (s *Stager) Persist(ctx context.Context, remoteURL, key string) (string, error) {
	body, err := s.fetch(ctx, remoteURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	stored, err := s.store.Put(key, body)
	if err != nil {
		return "", apperrors.Internal("store artifact", err)
	}
	return s.publicBaseURL + "/" + stored, nil
}

func (s *Stager) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.Internal("build fetch request", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperrors.Transient("fetch artifact", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return nil, apperrors.Permanent("fetch artifact",
				fmt.Sprintf("source returned HTTP %d for %s", resp.StatusCode, url))
		}
		return nil, apperrors.Transient("fetch artifact",
			fmt.Errorf("source returned HTTP %d for %s", resp.StatusCode, url))
	}
	return resp.Body, nil
}
