package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/vodworks/vod-pipeline/internal/config"
	"github.com/vodworks/vod-pipeline/internal/extractor"
	"github.com/vodworks/vod-pipeline/internal/ledger"
	"github.com/vodworks/vod-pipeline/internal/metrics"
	"github.com/vodworks/vod-pipeline/internal/queue"
	"github.com/vodworks/vod-pipeline/internal/storage"
	"github.com/vodworks/vod-pipeline/pkg/models"
)

// ImportExecutor pulls a remote source into the pipeline: extract, persist
// the raw media, register the video, and fan out one transcode job per
// configured preset.
type ImportExecutor struct {
	ledger         ledger.Ledger
	store          storage.Store
	extract        extractor.Extractor
	transcodeQueue queue.Queue
	cfg            config.PipelineConfig
	log            *slog.Logger
	workDir        string
}

// NewImportExecutor creates an import executor. transcodeQueue receives the
// fan-out hints.
func NewImportExecutor(l ledger.Ledger, store storage.Store, ex extractor.Extractor, transcodeQueue queue.Queue, cfg config.PipelineConfig, log *slog.Logger, workDir string) *ImportExecutor {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &ImportExecutor{
		ledger:         l,
		store:          store,
		extract:        ex,
		transcodeQueue: transcodeQueue,
		cfg:            cfg,
		log:            log,
		workDir:        workDir,
	}
}

func (e *ImportExecutor) checkpoint(ctx context.Context, jobID string) error {
	requested, err := e.ledger.CancelRequested(ctx, jobID)
	if err != nil {
		return fmt.Errorf("check cancel flag: %w", err)
	}
	if requested {
		return Failf(models.CategoryCancelled, "cancelled by request")
	}
	return ctx.Err()
}

func (e *ImportExecutor) Execute(ctx context.Context, job *models.Job) error {
	ctx, span := tracer.Start(ctx, "import-job")
	defer span.End()

	log := e.log.With("jobId", job.ID, "platform", job.Platform, "sourceUrl", job.SourceURL)

	// The API validates the platform at enqueue; a stale allow-list change
	// can still surface here.
	if !e.cfg.PlatformAllowed(job.Platform) {
		return &JobError{
			Category: models.CategoryValidation,
			Err:      fmt.Errorf("%w: %q", models.ErrUnsupportedPlatform, job.Platform),
		}
	}

	meta, err := e.extract.Probe(ctx, job.SourceURL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &JobError{
			Category: extractor.Classify(err),
			Err:      fmt.Errorf("%w: probe: %v", models.ErrExtractFailed, err),
		}
	}

	if err := e.checkpoint(ctx, job.ID); err != nil {
		return err
	}

	scratch, err := os.MkdirTemp(e.workDir, "import-")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	ext := meta.Ext
	if ext == "" {
		ext = "mp4"
	}
	localPath := filepath.Join(scratch, "source."+ext)
	size, err := e.extract.Download(ctx, job.SourceURL, localPath)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &JobError{
			Category: extractor.Classify(err),
			Err:      fmt.Errorf("%w: %v", models.ErrDownloadFailed, err),
		}
	}
	if size > e.cfg.MaxSourceBytes {
		return &JobError{
			Category: models.CategoryValidation,
			Err:      fmt.Errorf("%w: %d bytes (limit %d)", models.ErrSourceTooLarge, size, e.cfg.MaxSourceBytes),
		}
	}

	if err := e.checkpoint(ctx, job.ID); err != nil {
		return err
	}

	// A retried attempt that already registered a video reuses it instead
	// of minting an orphan.
	var video *models.VideoAsset
	if current, err := e.ledger.Get(ctx, job.ID); err == nil && current.StagedVideoID != "" {
		if existing, err := e.ledger.GetVideo(ctx, current.StagedVideoID); err == nil {
			video = existing
		}
	}
	if video == nil {
		title := meta.Title
		if title == "" {
			title = job.SourceURL
		}
		video = &models.VideoAsset{
			CreatorID:   job.RequestedBy,
			Title:       title,
			SourceBytes: size,
		}
		if meta.Duration > 0 {
			d := meta.Duration
			video.DurationSeconds = &d
		}
		if err := e.ledger.CreateVideo(ctx, video); err != nil {
			return fmt.Errorf("create video: %w", err)
		}
	}

	sourceKey := storage.SourceKey(video.ID, "."+ext)
	if err := e.uploadSource(ctx, sourceKey, localPath); err != nil {
		return fmt.Errorf("%w: %v", models.ErrUploadFailed, err)
	}
	if err := e.ledger.UpdateVideoSource(ctx, video.ID, sourceKey, size); err != nil {
		return fmt.Errorf("record source object: %w", err)
	}
	metrics.StorageBytes.WithLabelValues(storage.RoleSource).Add(float64(size))

	if err := e.ledger.StageResultVideo(ctx, job.ID, video.ID); err != nil {
		return fmt.Errorf("stage result video: %w", err)
	}
	if err := e.ledger.SetVideoProcessing(ctx, video.ID); err != nil {
		return fmt.Errorf("mark video processing: %w", err)
	}

	// Fan out one transcode job per configured preset. Enqueue is
	// idempotent, so a retried import never double-schedules.
	for _, preset := range e.cfg.Presets {
		spec := models.JobSpec{
			Type:        models.JobTypeTranscode,
			VideoID:     video.ID,
			Preset:      preset,
			MaxAttempts: e.cfg.RetryLimit,
		}
		tjob, created, err := e.ledger.Enqueue(ctx, spec)
		if err != nil {
			return fmt.Errorf("enqueue transcode %s: %w", preset, err)
		}
		if created {
			metrics.RecordEnqueued(string(models.JobTypeTranscode))
		}
		hint := models.JobMessage{JobID: tjob.ID, Type: models.JobTypeTranscode}
		if err := e.transcodeQueue.Publish(ctx, hint); err != nil {
			log.WarnContext(ctx, "Failed to publish transcode hint", "preset", preset, "error", err)
		}
	}

	log.InfoContext(ctx, "Import complete",
		"videoId", video.ID,
		"sourceKey", sourceKey,
		"sourceBytes", size,
		"presets", e.cfg.Presets,
	)
	return nil
}

func (e *ImportExecutor) uploadSource(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return e.store.Put(ctx, storage.RoleSource, key, f, storage.ContentTypeFor(path))
}

// Finalize fails the created video when the import itself is dead. A
// successful import leaves finalization to the transcode rollup.
func (e *ImportExecutor) Finalize(ctx context.Context, job *models.Job) error {
	current, err := e.ledger.Get(ctx, job.ID)
	if err != nil {
		return err
	}
	if current.Status != models.JobFailed || current.StagedVideoID == "" {
		return nil
	}
	if err := e.ledger.FinalizeVideo(ctx, current.StagedVideoID, models.VideoFailed); err != nil {
		return fmt.Errorf("finalize imported video %s: %w", current.StagedVideoID, err)
	}
	return nil
}
