package job

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

// There is no cancelled status. A caller walking away only detaches its
// observers; the job keeps running to a terminal state.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from one status to another is legal.
// processing -> processing covers a retry attempt re-entering the remote call.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Job is a unit of long-running, externally executed work. The durable store
// row is the single source of truth for its state.
type Job struct {
	ID          string `json:"id"`
	ResourceKey string `json:"resourceKey"`
	ContentKey  string `json:"contentKey"`
	Provider    string `json:"provider"`
	Status      Status `json:"status"`

	// InputParams is an opaque configuration blob handed to the remote
	// processor. Immutable after creation.
	InputParams json.RawMessage `json:"inputParams,omitempty"`

	OutputURL      string            `json:"outputUrl,omitempty"`
	OutputMetadata map[string]string `json:"outputMetadata,omitempty"`
	ErrorMessage   string            `json:"errorMessage,omitempty"`

	RetryCount int `json:"retryCount"`
	MaxRetries int `json:"maxRetries"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// SourceURL extracts the source-artifact URL from the input params, if the
// params reference one. An empty result means there is nothing to stage.
func (j *Job) SourceURL() string {
	if len(j.InputParams) == 0 {
		return ""
	}
	var params struct {
		SourceURL string `json:"sourceUrl"`
	}
	if err := json.Unmarshal(j.InputParams, &params); err != nil {
		return ""
	}
	return params.SourceURL
}
