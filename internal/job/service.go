package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"

	"printforge/internal/apperrors"
	"printforge/internal/cache"
	"printforge/internal/observability"
)

// Validation limits
const (
	maxResourceKeyLength = 256
	maxParamsBytes       = 64 * 1024
	maxMaxRetries        = 10
)

// resourceKeyPattern allows alphanumeric, colons, dots, hyphens, and underscores
var resourceKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9:._-]*$`)

// Store is the persistence surface the service needs.
// Satisfied by *store.Store.
type Store interface {
	Create(ctx context.Context, j Job) (Job, error)
	Get(ctx context.Context, id string) (Job, error)
	FindActive(ctx context.Context, resourceKey string) (Job, bool, error)
	List(ctx context.Context, limit int) ([]Job, error)
}

// Runner executes accepted jobs in the background.
// Satisfied by *executor.Executor.
type Runner interface {
	Start(j Job)
}

// SubmitRequest asks for expensive work to be produced for a resource.
type SubmitRequest struct {
	ResourceKey string          `json:"resourceKey"`
	Provider    string          `json:"provider"`
	Params      json.RawMessage `json:"params,omitempty"`
	MaxRetries  int             `json:"maxRetries,omitempty"`
}

// SubmitResponse is the outcome of a submission. Exactly one of two shapes:
// a cached artifact (Cached true, OutputURL set) or an accepted job (JobID
// set, possibly one that already existed for the same resource).
type SubmitResponse struct {
	JobID        string            `json:"jobId,omitempty"`
	Status       Status            `json:"status,omitempty"`
	Cached       bool              `json:"cached,omitempty"`
	Deduplicated bool              `json:"deduplicated,omitempty"`
	OutputURL    string            `json:"outputUrl,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ListResponse wraps a job listing.
type ListResponse struct {
	Jobs []Job `json:"jobs"`
}

// Service accepts job submissions. It owns deduplication and the result
// cache short-circuit; execution is handed off to the runner.
type Service struct {
	store             Store
	cache             *cache.Index
	runner            Runner
	providers         map[string]bool
	defaultMaxRetries int
	metrics           *observability.Metrics
}

// NewService creates a job service. providers lists the registered provider
// names; metrics may be nil.
func NewService(store Store, idx *cache.Index, runner Runner, providers []string, defaultMaxRetries int, metrics *observability.Metrics) *Service {
	known := make(map[string]bool, len(providers))
	for _, p := range providers {
		known[p] = true
	}
	return &Service{
		store:             store,
		cache:             idx,
		runner:            runner,
		providers:         known,
		defaultMaxRetries: defaultMaxRetries,
		metrics:           metrics,
	}
}

// Submit validates and accepts a job. A cached artifact for the same content
// answers immediately without creating a job. An active job for the same
// resource key is returned instead of creating a duplicate.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	s.applyDefaults(req)
	if err := s.validate(req); err != nil {
		return nil, err
	}

	logger := slog.With("resourceKey", req.ResourceKey, "provider", req.Provider)

	contentKey := cache.ContentKey(req.ResourceKey, req.Params)
	ref, hit, err := s.cache.Lookup(ctx, contentKey)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordCacheLookup(ctx, req.Provider, hit)
	}
	if hit {
		logger.Info("Submission served from result cache", "contentKey", contentKey)
		return &SubmitResponse{
			Cached:    true,
			OutputURL: ref.URL,
			Metadata:  ref.Metadata,
		}, nil
	}

	if existing, found, err := s.store.FindActive(ctx, req.ResourceKey); err != nil {
		return nil, err
	} else if found {
		logger.Info("Submission deduplicated onto active job", "jobId", existing.ID)
		return &SubmitResponse{JobID: existing.ID, Status: existing.Status, Deduplicated: true}, nil
	}

	created, err := s.store.Create(ctx, Job{
		ID:          uuid.NewString(),
		ResourceKey: req.ResourceKey,
		ContentKey:  contentKey,
		Provider:    req.Provider,
		InputParams: req.Params,
		MaxRetries:  req.MaxRetries,
	})
	if err != nil {
		// A concurrent submitter may have won the conditional insert
		// between our existence check and the create.
		if id, ok := apperrors.ConflictID(err); ok && id != "" {
			logger.Info("Submission lost creation race, joining winner", "jobId", id)
			winner, gerr := s.store.Get(ctx, id)
			if gerr != nil {
				return nil, gerr
			}
			return &SubmitResponse{JobID: winner.ID, Status: winner.Status, Deduplicated: true}, nil
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordJobCreated(ctx, created.Provider)
	}
	s.runner.Start(created)

	logger.Info("Job accepted", "jobId", created.ID, "maxRetries", created.MaxRetries)
	return &SubmitResponse{JobID: created.ID, Status: created.Status}, nil
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, jobID string) (Job, error) {
	if jobID == "" {
		return Job{}, apperrors.Validation("jobId", "job ID is required")
	}
	return s.store.Get(ctx, jobID)
}

// List returns recent jobs, newest first.
func (s *Service) List(ctx context.Context, limit int) (*ListResponse, error) {
	jobs, err := s.store.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	return &ListResponse{Jobs: jobs}, nil
}

// applyDefaults sets default values for unspecified request fields.
func (s *Service) applyDefaults(req *SubmitRequest) {
	if req.MaxRetries == 0 {
		req.MaxRetries = s.defaultMaxRetries
	}
}

// validate validates a submission. Does not modify the request.
func (s *Service) validate(req *SubmitRequest) error {
	if req.ResourceKey == "" {
		return apperrors.Validation("resourceKey", "resource key is required")
	}
	if len(req.ResourceKey) > maxResourceKeyLength {
		return apperrors.Validation("resourceKey", fmt.Sprintf("resource key exceeds maximum length of %d", maxResourceKeyLength))
	}
	if !resourceKeyPattern.MatchString(req.ResourceKey) {
		return apperrors.Validation("resourceKey", "resource key must be alphanumeric (colons, dots, hyphens, and underscores allowed)")
	}

	if req.Provider == "" {
		return apperrors.Validation("provider", "provider is required")
	}
	if !s.providers[req.Provider] {
		return apperrors.Validation("provider", fmt.Sprintf("unknown provider %q", req.Provider))
	}

	if len(req.Params) > maxParamsBytes {
		return apperrors.Validation("params", fmt.Sprintf("params exceed maximum size of %d bytes", maxParamsBytes))
	}
	if len(req.Params) > 0 && !json.Valid(req.Params) {
		return apperrors.Validation("params", "params must be a valid JSON document")
	}

	if req.MaxRetries < 0 {
		return apperrors.Validation("maxRetries", "maxRetries cannot be negative")
	}
	if req.MaxRetries > maxMaxRetries {
		return apperrors.Validation("maxRetries", fmt.Sprintf("maxRetries exceeds maximum of %d", maxMaxRetries))
	}

	return nil
}
