package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/vodworks/vod-pipeline/pkg/models"
)

// SettleVideo recomputes a video's status from its transcode rows and applies
// it once every preset has settled. It is idempotent and order-independent,
// so it is safe to call after any terminal transition — a finished executor,
// an exhausted retry chain, or a queued job cancelled before claim.
func SettleVideo(ctx context.Context, l Ledger, videoID string) error {
	jobs, err := l.JobsForVideo(ctx, videoID)
	if err != nil {
		return fmt.Errorf("load jobs for video %s: %w", videoID, err)
	}

	status, done := RollupVideoStatus(jobs)
	if !done {
		return nil
	}
	if err := l.FinalizeVideo(ctx, videoID, status); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			// Another settler or a deletion got there first.
			return nil
		}
		return fmt.Errorf("finalize video %s: %w", videoID, err)
	}
	return nil
}

// RollupVideoStatus derives the video outcome from its transcode rows.
// done=false means work is still in flight or eligible for retry. A video
// completes when at least one preset produced a rendition; it fails only
// when every preset is exhausted.
func RollupVideoStatus(jobs []models.Job) (status models.VideoStatus, done bool) {
	if len(jobs) == 0 {
		return "", false
	}

	// Only the newest row per preset counts; superseded failures are audit
	// history. Rows arrive oldest first, so later entries win.
	latest := make(map[string]models.Job)
	anyCompleted := false
	for _, j := range jobs {
		if j.Status == models.JobCompleted {
			anyCompleted = true
		}
		latest[j.DedupKey] = j
	}

	for _, j := range latest {
		switch j.Status {
		case models.JobQueued, models.JobProcessing:
			return "", false
		case models.JobFailed:
			if j.ErrorCategory.Retryable() && j.AttemptsRemaining() {
				// A successor may still be scheduled.
				return "", false
			}
		}
	}

	if anyCompleted {
		return models.VideoCompleted, true
	}
	return models.VideoFailed, true
}
