package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema statements are idempotent; Migrate runs at service startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id               uuid PRIMARY KEY,
		type             text NOT NULL,
		status           text NOT NULL,
		dedup_key        text NOT NULL,
		attempt          int  NOT NULL DEFAULT 1,
		max_attempts     int  NOT NULL DEFAULT 3,
		worker_id        text NOT NULL DEFAULT '',
		cancel_requested boolean NOT NULL DEFAULT false,
		error            text NOT NULL DEFAULT '',
		error_category   text NOT NULL DEFAULT '',
		retry_of         text NOT NULL DEFAULT '',
		video_id         text NOT NULL DEFAULT '',
		preset           text NOT NULL DEFAULT '',
		platform         text NOT NULL DEFAULT '',
		source_url       text NOT NULL DEFAULT '',
		requested_by     text NOT NULL DEFAULT '',
		result_video_id  text NOT NULL DEFAULT '',
		staged_video_id  text NOT NULL DEFAULT '',
		created_at       timestamptz NOT NULL DEFAULT now(),
		started_at       timestamptz,
		finished_at      timestamptz
	)`,
	// In-flight dedup: at most one queued/processing job per dedup key.
	`CREATE UNIQUE INDEX IF NOT EXISTS jobs_dedup_inflight
		ON jobs (dedup_key)
		WHERE status IN ('queued', 'processing')`,
	`CREATE INDEX IF NOT EXISTS jobs_claim
		ON jobs (type, status, created_at)`,
	`CREATE INDEX IF NOT EXISTS jobs_video
		ON jobs (video_id)
		WHERE video_id <> ''`,

	`CREATE TABLE IF NOT EXISTS videos (
		id                    uuid PRIMARY KEY,
		creator_id            text NOT NULL DEFAULT '',
		title                 text NOT NULL DEFAULT '',
		description           text NOT NULL DEFAULT '',
		tags                  text[] NOT NULL DEFAULT '{}',
		visibility            text NOT NULL DEFAULT 'private',
		status                text NOT NULL DEFAULT 'pending',
		duration_seconds      double precision,
		source_key            text NOT NULL DEFAULT '',
		source_bytes          bigint NOT NULL DEFAULT 0,
		thumbnail_key         text NOT NULL DEFAULT '',
		hls_manifest_key      text NOT NULL DEFAULT '',
		artifacts_initialized boolean NOT NULL DEFAULT false,
		created_at            timestamptz NOT NULL DEFAULT now(),
		updated_at            timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS video_renditions (
		video_id   uuid NOT NULL REFERENCES videos (id),
		preset     text NOT NULL,
		object_key text NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (video_id, preset)
	)`,

	`CREATE TABLE IF NOT EXISTS view_sessions (
		id                    uuid PRIMARY KEY,
		video_id              uuid NOT NULL,
		user_id               text NOT NULL DEFAULT '',
		started_at            timestamptz NOT NULL DEFAULT now(),
		ended_at              timestamptz,
		completion_percentage double precision NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS view_sessions_started
		ON view_sessions (started_at)`,
}

// Migrate applies the ledger schema. Safe to run on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply ledger schema: %w", err)
		}
	}
	return nil
}
