package models

import (
	"fmt"
	"time"
)

// JobType identifies the worker pool that executes a job.
type JobType string

const (
	JobTypeImport    JobType = "import"
	JobTypeTranscode JobType = "transcode"
)

// IsValid returns true if the type is a known JobType.
func (t JobType) IsValid() bool {
	return t == JobTypeImport || t == JobTypeTranscode
}

// JobStatus represents the lifecycle state of a ledger row.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal returns true for states with no further automatic transition.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ErrorCategory classifies why a job failed.
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "validation"
	CategoryTransient  ErrorCategory = "transient"
	CategoryPermanent  ErrorCategory = "permanent"
	CategoryCancelled  ErrorCategory = "cancelled"
	CategoryTimeout    ErrorCategory = "timeout"
)

// Retryable reports whether a failure in this category is eligible for an
// automatic retry.
func (c ErrorCategory) Retryable() bool {
	return c == CategoryTransient || c == CategoryTimeout
}

// Job is one row of the append-only job ledger. Retries never mutate a failed
// row; they insert a successor with Attempt+1 and RetryOf set.
type Job struct {
	ID              string        `json:"id"`
	Type            JobType       `json:"type"`
	Status          JobStatus     `json:"status"`
	DedupKey        string        `json:"-"`
	Attempt         int           `json:"attempt"`
	MaxAttempts     int           `json:"maxAttempts"`
	WorkerID        string        `json:"workerId,omitempty"`
	CancelRequested bool          `json:"cancelRequested,omitempty"`
	Error           string        `json:"error,omitempty"`
	ErrorCategory   ErrorCategory `json:"errorCategory,omitempty"`
	RetryOf         string        `json:"retryOf,omitempty"`

	// Transcode jobs
	VideoID string `json:"videoId,omitempty"`
	Preset  string `json:"preset,omitempty"`

	// Import jobs
	Platform      string `json:"platform,omitempty"`
	SourceURL     string `json:"sourceUrl,omitempty"`
	RequestedBy   string `json:"requestedBy,omitempty"`
	ResultVideoID string `json:"resultVideoId,omitempty"`

	// StagedVideoID holds the video created while the import is still in
	// flight. It is promoted to ResultVideoID only when the job completes,
	// so ResultVideoID is set iff the import succeeded.
	StagedVideoID string `json:"-"`

	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// AttemptsRemaining reports whether a successor row may still be created.
func (j *Job) AttemptsRemaining() bool {
	return j.Attempt < j.MaxAttempts
}

// JobSpec describes a job to enqueue.
type JobSpec struct {
	Type        JobType
	MaxAttempts int

	// Transcode
	VideoID string
	Preset  string

	// Import
	Platform    string
	SourceURL   string
	RequestedBy string
}

// DedupKey returns the key under which at most one queued or processing job
// may exist at a time.
func (s JobSpec) DedupKey() string {
	switch s.Type {
	case JobTypeTranscode:
		return fmt.Sprintf("transcode:%s:%s", s.VideoID, s.Preset)
	case JobTypeImport:
		return fmt.Sprintf("import:%s:%s", s.SourceURL, s.RequestedBy)
	}
	return ""
}

// Validate checks that the spec carries the fields its type requires.
func (s JobSpec) Validate() error {
	if !s.Type.IsValid() {
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidJobSpec, s.Type)
	}
	switch s.Type {
	case JobTypeTranscode:
		if s.VideoID == "" {
			return fmt.Errorf("%w: videoId is required", ErrInvalidJobSpec)
		}
		if s.Preset == "" {
			return fmt.Errorf("%w: preset is required", ErrInvalidJobSpec)
		}
	case JobTypeImport:
		if s.Platform == "" {
			return fmt.Errorf("%w: platform is required", ErrInvalidJobSpec)
		}
		if s.SourceURL == "" {
			return fmt.Errorf("%w: sourceUrl is required", ErrInvalidJobSpec)
		}
		if s.RequestedBy == "" {
			return fmt.Errorf("%w: requestedBy is required", ErrInvalidJobSpec)
		}
	}
	return nil
}

// JobMessage is the queue payload. The ledger stays authoritative; the
// message is a wake-up hint carrying the job id.
type JobMessage struct {
	JobID string  `json:"jobId"`
	Type  JobType `json:"type"`
}

// Validate checks the message fields.
func (m *JobMessage) Validate() error {
	if m.JobID == "" {
		return ErrMissingJobID
	}
	if !m.Type.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidJobSpec, m.Type)
	}
	return nil
}
