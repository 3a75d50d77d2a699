package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vodworks/vod-pipeline/internal/config"
	"github.com/vodworks/vod-pipeline/pkg/models"
)

const jobColumns = `id, type, status, dedup_key, attempt, max_attempts, worker_id,
	cancel_requested, error, error_category, retry_of, video_id, preset,
	platform, source_url, requested_by, result_video_id, staged_video_id,
	created_at, started_at, finished_at`

// Postgres is the production Ledger backed by pgx.
type Postgres struct {
	pool        *pgxpool.Pool
	dedupWindow time.Duration
}

// NewPostgres opens the connection pool and applies the schema.
func NewPostgres(ctx context.Context, cfg config.PostgresConfig, dedupWindow time.Duration) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool, dedupWindow: dedupWindow}, nil
}

// Pool exposes the underlying pool for components sharing the connection,
// such as the view-session store.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

// Close releases the connection pool.
func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	err := row.Scan(
		&j.ID, &j.Type, &j.Status, &j.DedupKey, &j.Attempt, &j.MaxAttempts, &j.WorkerID,
		&j.CancelRequested, &j.Error, &j.ErrorCategory, &j.RetryOf, &j.VideoID, &j.Preset,
		&j.Platform, &j.SourceURL, &j.RequestedBy, &j.ResultVideoID, &j.StagedVideoID,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (p *Postgres) Enqueue(ctx context.Context, spec models.JobSpec) (*models.Job, bool, error) {
	if err := spec.Validate(); err != nil {
		return nil, false, err
	}

	job := newJobFromSpec(spec, time.Now().UTC())

	// A completed import inside the dedup window still answers for the same
	// (source_url, requested_by) request.
	if spec.Type == models.JobTypeImport {
		if prior := p.recentCompletedImport(ctx, job.DedupKey); prior != nil {
			return prior, false, nil
		}
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, status, dedup_key, attempt, max_attempts,
			video_id, preset, platform, source_url, requested_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (dedup_key) WHERE status IN ('queued', 'processing') DO NOTHING`,
		job.ID, job.Type, job.Status, job.DedupKey, job.Attempt, job.MaxAttempts,
		job.VideoID, job.Preset, job.Platform, job.SourceURL, job.RequestedBy, job.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue job: %w", err)
	}

	created, err := p.Get(ctx, job.ID)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, models.ErrJobNotFound) {
		return nil, false, err
	}

	// Insert lost the dedup race; hand back the in-flight equivalent.
	existing, err := scanJob(p.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE dedup_key = $1 AND status IN ('queued', 'processing')
		LIMIT 1`, job.DedupKey))
	if err != nil {
		return nil, false, fmt.Errorf("resolve duplicate enqueue: %w", err)
	}
	return existing, false, nil
}

func (p *Postgres) recentCompletedImport(ctx context.Context, dedupKey string) *models.Job {
	job, err := scanJob(p.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE dedup_key = $1 AND status = 'completed'
			AND finished_at > now() - make_interval(secs => $2)
		ORDER BY finished_at DESC
		LIMIT 1`, dedupKey, p.dedupWindow.Seconds()))
	if err != nil {
		return nil
	}
	return job
}

func (p *Postgres) Claim(ctx context.Context, jobType models.JobType, workerID string) (*models.Job, error) {
	// Serializable selection: the locked subquery guarantees no two workers
	// receive the same row.
	row := p.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'processing', worker_id = $2, started_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE type = $1 AND status = 'queued'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, jobType, workerID)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// transitionErr distinguishes an unknown job from an illegal transition
// after a conditional update touched zero rows.
func (p *Postgres) transitionErr(ctx context.Context, jobID string) error {
	if _, err := p.Get(ctx, jobID); err != nil {
		return err
	}
	return models.ErrInvalidTransition
}

func (p *Postgres) MarkCompleted(ctx context.Context, jobID string) error {
	// Completion publishes any staged import video as the job's result.
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs SET status = 'completed', finished_at = now(),
			result_video_id = staged_video_id
		WHERE id = $1 AND status = 'processing'`, jobID)
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.transitionErr(ctx, jobID)
	}
	return nil
}

func (p *Postgres) MarkFailed(ctx context.Context, jobID string, category models.ErrorCategory, message string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs SET status = 'failed', error_category = $2, error = $3, finished_at = now()
		WHERE id = $1 AND status IN ('queued', 'processing')`, jobID, category, message)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.transitionErr(ctx, jobID)
	}
	return nil
}

func (p *Postgres) Retry(ctx context.Context, jobID string) (*models.Job, error) {
	prior, err := p.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if prior.Status != models.JobFailed {
		return nil, models.ErrInvalidTransition
	}
	if !prior.AttemptsRemaining() {
		return nil, models.ErrRetryExhausted
	}

	successor := &models.Job{
		ID:          uuid.New().String(),
		Type:        prior.Type,
		Status:      models.JobQueued,
		DedupKey:    prior.DedupKey,
		Attempt:     prior.Attempt + 1,
		MaxAttempts: prior.MaxAttempts,
		RetryOf:     prior.ID,
		VideoID:     prior.VideoID,
		Preset:      prior.Preset,
		Platform:    prior.Platform,
		SourceURL:   prior.SourceURL,
		RequestedBy: prior.RequestedBy,
		// The successor inherits any staged video so a retried import can
		// reuse it instead of creating a duplicate asset.
		StagedVideoID: prior.StagedVideoID,
		CreatedAt:     time.Now().UTC(),
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, status, dedup_key, attempt, max_attempts, retry_of,
			video_id, preset, platform, source_url, requested_by, staged_video_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (dedup_key) WHERE status IN ('queued', 'processing') DO NOTHING`,
		successor.ID, successor.Type, successor.Status, successor.DedupKey,
		successor.Attempt, successor.MaxAttempts, successor.RetryOf,
		successor.VideoID, successor.Preset, successor.Platform,
		successor.SourceURL, successor.RequestedBy, successor.StagedVideoID, successor.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert retry job: %w", err)
	}

	created, err := p.Get(ctx, successor.ID)
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, models.ErrJobNotFound) {
		return nil, err
	}

	// A concurrent retry already queued a twin.
	existing, err := scanJob(p.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE dedup_key = $1 AND status IN ('queued', 'processing')
		LIMIT 1`, successor.DedupKey))
	if err != nil {
		return nil, fmt.Errorf("resolve duplicate retry: %w", err)
	}
	return existing, nil
}

func (p *Postgres) Cancel(ctx context.Context, jobID string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs SET status = 'failed', error_category = $2, error = 'cancelled before claim', finished_at = now()
		WHERE id = $1 AND status = 'queued'`, jobID, models.CategoryCancelled)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	tag, err = p.pool.Exec(ctx, `
		UPDATE jobs SET cancel_requested = true
		WHERE id = $1 AND status = 'processing'`, jobID)
	if err != nil {
		return fmt.Errorf("request job cancellation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.transitionErr(ctx, jobID)
	}
	return nil
}

func (p *Postgres) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	err := p.pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1`, jobID).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, models.ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return requested, nil
}

func (p *Postgres) StageResultVideo(ctx context.Context, jobID, videoID string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE jobs SET staged_video_id = $2 WHERE id = $1`, jobID, videoID)
	if err != nil {
		return fmt.Errorf("stage result video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := scanJob(p.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "22P02" { // invalid uuid text
			return nil, models.ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (p *Postgres) JobsForVideo(ctx context.Context, videoID string) ([]models.Job, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE type = 'transcode' AND video_id = $1
		ORDER BY created_at`, videoID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for video: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (p *Postgres) QueueDepth(ctx context.Context, jobType models.JobType) (int, error) {
	var depth int
	err := p.pool.QueryRow(ctx, `
		SELECT count(*) FROM jobs WHERE type = $1 AND status = 'queued'`, jobType).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

func (p *Postgres) CountByStatus(ctx context.Context, jobType models.JobType) (map[models.JobStatus]int, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT status, count(*) FROM jobs WHERE type = $1 GROUP BY status`, jobType)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status models.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
