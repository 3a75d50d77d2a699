package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"log/slog"

	"github.com/vodworks/vod-pipeline/internal/config"
	"github.com/vodworks/vod-pipeline/internal/ledger"
	"github.com/vodworks/vod-pipeline/internal/storage"
	"github.com/vodworks/vod-pipeline/internal/transcoder"
	"github.com/vodworks/vod-pipeline/pkg/models"
)

// TranscodeExecutor encodes one rendition per job. The first job to finish
// for a video also generates the shared thumbnail and HLS tree, guarded by
// the per-video artifacts flag.
type TranscodeExecutor struct {
	ledger  ledger.Ledger
	store   storage.Store
	encoder transcoder.Encoder
	cfg     config.PipelineConfig
	log     *slog.Logger
	workDir string
}

// NewTranscodeExecutor creates a transcode executor. workDir holds scratch
// files; empty means the system temp directory.
func NewTranscodeExecutor(l ledger.Ledger, store storage.Store, enc transcoder.Encoder, cfg config.PipelineConfig, log *slog.Logger, workDir string) *TranscodeExecutor {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &TranscodeExecutor{ledger: l, store: store, encoder: enc, cfg: cfg, log: log, workDir: workDir}
}

// checkpoint returns a cancelled JobError when the job's cancel flag is set.
func (e *TranscodeExecutor) checkpoint(ctx context.Context, jobID string) error {
	requested, err := e.ledger.CancelRequested(ctx, jobID)
	if err != nil {
		return fmt.Errorf("check cancel flag: %w", err)
	}
	if requested {
		return Failf(models.CategoryCancelled, "cancelled by request")
	}
	return ctx.Err()
}

func (e *TranscodeExecutor) Execute(ctx context.Context, job *models.Job) error {
	ctx, span := tracer.Start(ctx, "transcode-job")
	defer span.End()

	preset, err := transcoder.PresetByName(job.Preset)
	if err != nil {
		return &JobError{Category: models.CategoryValidation, Err: err}
	}

	video, err := e.ledger.GetVideo(ctx, job.VideoID)
	if err != nil {
		if errors.Is(err, models.ErrVideoNotFound) {
			return Failf(models.CategoryPermanent, "video %s not found", job.VideoID)
		}
		return fmt.Errorf("load video: %w", err)
	}
	if video.Status == models.VideoDeleted {
		return Failf(models.CategoryCancelled, "video %s was deleted", job.VideoID)
	}

	if err := e.checkpoint(ctx, job.ID); err != nil {
		return err
	}

	// Oversize sources are rejected before any encoder work.
	size, err := e.store.Head(ctx, storage.RoleSource, video.SourceKey)
	if err != nil {
		if errors.Is(err, models.ErrObjectNotFound) {
			return Failf(models.CategoryPermanent, "source object %s missing", video.SourceKey)
		}
		return fmt.Errorf("stat source: %w", err)
	}
	if size > e.cfg.MaxSourceBytes {
		return &JobError{
			Category: models.CategoryValidation,
			Err:      fmt.Errorf("%w: %d bytes (limit %d)", models.ErrSourceTooLarge, size, e.cfg.MaxSourceBytes),
		}
	}

	scratch, err := os.MkdirTemp(e.workDir, "transcode-"+job.VideoID+"-")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	sourcePath := filepath.Join(scratch, "source"+filepath.Ext(video.SourceKey))
	if err := e.downloadSource(ctx, video.SourceKey, sourcePath); err != nil {
		return fmt.Errorf("%w: %v", models.ErrDownloadFailed, err)
	}

	if err := e.checkpoint(ctx, job.ID); err != nil {
		return err
	}

	renditionPath := filepath.Join(scratch, preset.Name+".mp4")
	if err := e.encoder.EncodeRendition(ctx, sourcePath, renditionPath, preset); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A broken source fails the same way on every attempt.
		return &JobError{Category: models.CategoryPermanent, Err: err}
	}

	if err := e.checkpoint(ctx, job.ID); err != nil {
		return err
	}

	renditionKey := storage.RenditionKey(job.VideoID, preset.Name)
	if err := e.uploadFile(ctx, storage.RoleTranscoded, renditionKey, renditionPath); err != nil {
		return fmt.Errorf("%w: %v", models.ErrUploadFailed, err)
	}
	if err := e.ledger.AddRendition(ctx, job.VideoID, preset.Name, renditionKey); err != nil {
		return fmt.Errorf("register rendition: %w", err)
	}

	// First finisher for the video generates the shared artifacts.
	won, err := e.ledger.TryInitArtifacts(ctx, job.VideoID)
	if err != nil {
		return fmt.Errorf("claim artifacts flag: %w", err)
	}
	if won {
		if err := e.generateSharedArtifacts(ctx, job, sourcePath, scratch); err != nil {
			return err
		}
	}

	return nil
}

// generateSharedArtifacts builds the thumbnail and HLS tree from the source.
func (e *TranscodeExecutor) generateSharedArtifacts(ctx context.Context, job *models.Job, sourcePath, scratch string) error {
	ctx, span := tracer.Start(ctx, "shared-artifacts")
	defer span.End()

	log := e.log.With("jobId", job.ID, "videoId", job.VideoID)
	log.InfoContext(ctx, "Generating shared artifacts")

	if seconds, err := e.encoder.ProbeDuration(ctx, sourcePath); err != nil {
		log.WarnContext(ctx, "Failed to probe duration", "error", err)
	} else if err := e.ledger.SetDuration(ctx, job.VideoID, seconds); err != nil {
		log.WarnContext(ctx, "Failed to record duration", "error", err)
	}

	thumbPath := filepath.Join(scratch, "thumb.jpg")
	if err := e.encoder.GenerateThumbnail(ctx, sourcePath, thumbPath); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &JobError{Category: models.CategoryPermanent, Err: err}
	}
	thumbKey := storage.ThumbnailKey(job.VideoID)
	if err := e.uploadFile(ctx, storage.RoleThumbnail, thumbKey, thumbPath); err != nil {
		return fmt.Errorf("%w: thumbnail: %v", models.ErrUploadFailed, err)
	}

	hlsDir := filepath.Join(scratch, "hls")
	presets, err := transcoder.SelectPresets(e.cfg.Presets)
	if err != nil {
		return &JobError{Category: models.CategoryValidation, Err: err}
	}
	if err := e.encoder.PackageHLS(ctx, sourcePath, hlsDir, presets); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &JobError{Category: models.CategoryPermanent, Err: err}
	}
	if err := e.store.UploadDir(ctx, storage.RoleHLS, storage.HLSPrefix(job.VideoID), hlsDir); err != nil {
		return fmt.Errorf("%w: hls tree: %v", models.ErrUploadFailed, err)
	}

	manifestKey := storage.HLSManifestKey(job.VideoID)
	if err := e.ledger.SetSharedArtifacts(ctx, job.VideoID, thumbKey, manifestKey); err != nil {
		return fmt.Errorf("record shared artifacts: %w", err)
	}

	log.InfoContext(ctx, "Shared artifacts ready", "thumbnailKey", thumbKey, "manifestKey", manifestKey)
	return nil
}

func (e *TranscodeExecutor) downloadSource(ctx context.Context, key, destPath string) error {
	rc, err := e.store.Get(ctx, storage.RoleSource, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, rc); err != nil {
		return err
	}
	return f.Sync()
}

func (e *TranscodeExecutor) uploadFile(ctx context.Context, role, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return e.store.Put(ctx, role, key, f, storage.ContentTypeFor(path))
}

// Finalize settles the video's status from its job rows. It runs after a
// terminal job with no queued successor, so the rollup is order-independent.
func (e *TranscodeExecutor) Finalize(ctx context.Context, job *models.Job) error {
	return ledger.SettleVideo(ctx, e.ledger, job.VideoID)
}
