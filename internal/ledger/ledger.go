// Package ledger is the durable record of pipeline work. Jobs are an
// append-only log: a retry inserts a successor row rather than mutating the
// failed one, so aggregation queries are pure functions over ledger state.
package ledger

import (
	"context"

	"github.com/vodworks/vod-pipeline/pkg/models"
)

// JobStore holds every import and transcode job.
type JobStore interface {
	// Enqueue creates a queued job, or returns the existing equivalent
	// in-flight job (created=false) per the dedup rules.
	Enqueue(ctx context.Context, spec models.JobSpec) (job *models.Job, created bool, err error)

	// Claim atomically transitions exactly one queued job of the given type
	// to processing and assigns it to workerID. Returns nil when no job is
	// eligible. No two callers ever receive the same job.
	Claim(ctx context.Context, jobType models.JobType, workerID string) (*models.Job, error)

	// MarkCompleted transitions a processing job to completed.
	MarkCompleted(ctx context.Context, jobID string) error

	// MarkFailed transitions a processing job to failed with a structured
	// reason. Cancelling a queued job also lands here with
	// CategoryCancelled.
	MarkFailed(ctx context.Context, jobID string, category models.ErrorCategory, message string) error

	// Retry creates a successor row for a failed job, preserving the failed
	// row for audit. Returns ErrRetryExhausted when no attempts remain.
	Retry(ctx context.Context, jobID string) (*models.Job, error)

	// Cancel fails a queued job with reason cancelled, or records cancel
	// intent on a processing job for the worker to observe at checkpoints.
	Cancel(ctx context.Context, jobID string) error

	// CancelRequested reports whether cancellation has been requested.
	CancelRequested(ctx context.Context, jobID string) (bool, error)

	// StageResultVideo records the video an import job created while still
	// running. MarkCompleted publishes it as the job's result.
	StageResultVideo(ctx context.Context, jobID, videoID string) error

	Get(ctx context.Context, jobID string) (*models.Job, error)

	// JobsForVideo returns every transcode job row for a video, oldest
	// first. Video status aggregation derives from this, never from a
	// counter.
	JobsForVideo(ctx context.Context, videoID string) ([]models.Job, error)

	QueueDepth(ctx context.Context, jobType models.JobType) (int, error)
	CountByStatus(ctx context.Context, jobType models.JobType) (map[models.JobStatus]int, error)
}

// VideoStore is the video asset registry.
type VideoStore interface {
	CreateVideo(ctx context.Context, v *models.VideoAsset) error
	GetVideo(ctx context.Context, id string) (*models.VideoAsset, error)

	// SetVideoProcessing moves a pending video to processing.
	SetVideoProcessing(ctx context.Context, id string) error

	// FinalizeVideo moves a processing video to completed or failed.
	// Idempotent: finalizing to the status already held is a no-op.
	FinalizeVideo(ctx context.Context, id string, status models.VideoStatus) error

	SetDuration(ctx context.Context, id string, seconds float64) error

	// UpdateVideoSource records the persisted source object for a video.
	UpdateVideoSource(ctx context.Context, id, sourceKey string, sourceBytes int64) error

	// AddRendition registers the object key of one encoded rendition.
	AddRendition(ctx context.Context, id, preset, key string) error

	// SetSharedArtifacts records the thumbnail and HLS manifest pointers.
	SetSharedArtifacts(ctx context.Context, id, thumbnailKey, manifestKey string) error

	// TryInitArtifacts flips the per-video artifacts-initialized flag.
	// Exactly one caller wins; everyone else gets false.
	TryInitArtifacts(ctx context.Context, id string) (bool, error)

	// SoftDeleteVideo marks a video deleted from any state. Idempotent.
	SoftDeleteVideo(ctx context.Context, id string) error

	// UpdateVideoMetadata applies creator-owned metadata changes.
	UpdateVideoMetadata(ctx context.Context, id, title, description string, tags []string, visibility models.Visibility) error
}

// Ledger is the single source of truth for the pipeline. All status
// mutations go through it; workers hold no authoritative state.
type Ledger interface {
	JobStore
	VideoStore

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}
