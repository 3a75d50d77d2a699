package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vodworks/vod-pipeline/pkg/models"
)

const videoColumns = `id, creator_id, title, description, tags, visibility, status,
	duration_seconds, source_key, source_bytes, thumbnail_key, hls_manifest_key,
	artifacts_initialized, created_at, updated_at`

func scanVideo(row rowScanner) (*models.VideoAsset, error) {
	var v models.VideoAsset
	err := row.Scan(
		&v.ID, &v.CreatorID, &v.Title, &v.Description, &v.Tags, &v.Visibility, &v.Status,
		&v.DurationSeconds, &v.SourceKey, &v.SourceBytes, &v.ThumbnailKey, &v.HLSManifestKey,
		&v.ArtifactsInitialized, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (p *Postgres) CreateVideo(ctx context.Context, v *models.VideoAsset) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.Status == "" {
		v.Status = models.VideoPending
	}
	if v.Visibility == "" {
		v.Visibility = models.VisibilityPrivate
	}
	tags := v.Tags
	if tags == nil {
		tags = []string{}
	}
	now := time.Now().UTC()
	v.CreatedAt = now
	v.UpdatedAt = now

	var duration any
	if v.DurationSeconds != nil {
		duration = *v.DurationSeconds
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO videos (id, creator_id, title, description, tags, visibility, status,
			duration_seconds, source_key, source_bytes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		v.ID, v.CreatorID, v.Title, v.Description, tags, v.Visibility, v.Status,
		duration, v.SourceKey, v.SourceBytes, v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create video: %w", err)
	}
	return nil
}

func (p *Postgres) GetVideo(ctx context.Context, id string) (*models.VideoAsset, error) {
	v, err := scanVideo(p.pool.QueryRow(ctx,
		`SELECT `+videoColumns+` FROM videos WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrVideoNotFound
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "22P02" { // invalid uuid text
			return nil, models.ErrVideoNotFound
		}
		return nil, fmt.Errorf("get video: %w", err)
	}

	renditions, err := p.loadRenditions(ctx, id)
	if err != nil {
		return nil, err
	}
	v.Renditions = renditions
	return v, nil
}

func (p *Postgres) loadRenditions(ctx context.Context, videoID string) (map[string]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT preset, object_key FROM video_renditions WHERE video_id = $1`, videoID)
	if err != nil {
		return nil, fmt.Errorf("load renditions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var preset, key string
		if err := rows.Scan(&preset, &key); err != nil {
			return nil, fmt.Errorf("scan rendition: %w", err)
		}
		out[preset] = key
	}
	return out, rows.Err()
}

// videoTransitionErr mirrors transitionErr for the videos table.
func (p *Postgres) videoTransitionErr(ctx context.Context, id string) error {
	var status models.VideoStatus
	err := p.pool.QueryRow(ctx, `SELECT status FROM videos WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrVideoNotFound
	}
	if err != nil {
		return fmt.Errorf("read video status: %w", err)
	}
	return models.ErrInvalidTransition
}

func (p *Postgres) SetVideoProcessing(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE videos SET status = 'processing', updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')`, id)
	if err != nil {
		return fmt.Errorf("set video processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.videoTransitionErr(ctx, id)
	}
	return nil
}

func (p *Postgres) FinalizeVideo(ctx context.Context, id string, status models.VideoStatus) error {
	if status != models.VideoCompleted && status != models.VideoFailed {
		return models.ErrInvalidTransition
	}

	// Idempotent for the same status; deletion wins over late finalization.
	tag, err := p.pool.Exec(ctx, `
		UPDATE videos SET status = $2, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')`, id, status)
	if err != nil {
		return fmt.Errorf("finalize video: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current models.VideoStatus
	err = p.pool.QueryRow(ctx, `SELECT status FROM videos WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrVideoNotFound
	}
	if err != nil {
		return fmt.Errorf("read video status: %w", err)
	}
	if current == status || current == models.VideoDeleted {
		return nil
	}
	return models.ErrInvalidTransition
}

func (p *Postgres) SetDuration(ctx context.Context, id string, seconds float64) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE videos SET duration_seconds = $2, updated_at = now() WHERE id = $1`, id, seconds)
	if err != nil {
		return fmt.Errorf("set video duration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrVideoNotFound
	}
	return nil
}

func (p *Postgres) UpdateVideoSource(ctx context.Context, id, sourceKey string, sourceBytes int64) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE videos SET source_key = $2, source_bytes = $3, updated_at = now()
		WHERE id = $1`, id, sourceKey, sourceBytes)
	if err != nil {
		return fmt.Errorf("update video source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrVideoNotFound
	}
	return nil
}

func (p *Postgres) AddRendition(ctx context.Context, id, preset, key string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO video_renditions (video_id, preset, object_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (video_id, preset) DO UPDATE SET object_key = EXCLUDED.object_key`,
		id, preset, key)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" { // foreign key
			return models.ErrVideoNotFound
		}
		return fmt.Errorf("add rendition: %w", err)
	}
	_, err = p.pool.Exec(ctx, `UPDATE videos SET updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch video: %w", err)
	}
	return nil
}

func (p *Postgres) SetSharedArtifacts(ctx context.Context, id, thumbnailKey, manifestKey string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE videos SET thumbnail_key = $2, hls_manifest_key = $3, updated_at = now()
		WHERE id = $1`, id, thumbnailKey, manifestKey)
	if err != nil {
		return fmt.Errorf("set shared artifacts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrVideoNotFound
	}
	return nil
}

func (p *Postgres) TryInitArtifacts(ctx context.Context, id string) (bool, error) {
	// Conditional update: exactly one caller flips the flag.
	tag, err := p.pool.Exec(ctx, `
		UPDATE videos SET artifacts_initialized = true, updated_at = now()
		WHERE id = $1 AND artifacts_initialized = false`, id)
	if err != nil {
		return false, fmt.Errorf("claim artifacts flag: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	err = p.pool.QueryRow(ctx, `SELECT true FROM videos WHERE id = $1`, id).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, models.ErrVideoNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read video: %w", err)
	}
	return false, nil
}

func (p *Postgres) SoftDeleteVideo(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE videos SET status = 'deleted', updated_at = now()
		WHERE id = $1 AND status <> 'deleted'`, id)
	if err != nil {
		return fmt.Errorf("soft delete video: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = p.pool.QueryRow(ctx, `SELECT true FROM videos WHERE id = $1`, id).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrVideoNotFound
	}
	if err != nil {
		return fmt.Errorf("read video: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateVideoMetadata(ctx context.Context, id, title, description string, tags []string, visibility models.Visibility) error {
	if tags == nil {
		tags = []string{}
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE videos SET title = $2, description = $3, tags = $4, visibility = $5, updated_at = now()
		WHERE id = $1 AND status <> 'deleted'`, id, title, description, tags, visibility)
	if err != nil {
		return fmt.Errorf("update video metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.videoTransitionErr(ctx, id)
	}
	return nil
}
