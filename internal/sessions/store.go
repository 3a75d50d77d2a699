// Package sessions tracks view sessions and enforces their retention window.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vodworks/vod-pipeline/pkg/models"
)

// Store holds view sessions.
type Store interface {
	// Start opens a session for a viewer on a video.
	Start(ctx context.Context, videoID, userID string) (*models.ViewSession, error)

	// End closes a session and records how much of the video was watched.
	End(ctx context.Context, sessionID string, completionPercentage float64) (*models.ViewSession, error)

	Get(ctx context.Context, sessionID string) (*models.ViewSession, error)

	// PurgeBefore deletes sessions started before the cutoff. Returns how
	// many rows were removed.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Postgres stores sessions on the shared ledger pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps a pool; the schema is applied by the ledger migration.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Start(ctx context.Context, videoID, userID string) (*models.ViewSession, error) {
	s := &models.ViewSession{
		ID:        uuid.New().String(),
		VideoID:   videoID,
		UserID:    userID,
		StartedAt: time.Now().UTC(),
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO view_sessions (id, video_id, user_id, started_at)
		VALUES ($1, $2, $3, $4)`,
		s.ID, s.VideoID, s.UserID, s.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("start view session: %w", err)
	}
	return s, nil
}

func (p *Postgres) End(ctx context.Context, sessionID string, completionPercentage float64) (*models.ViewSession, error) {
	completionPercentage = clampPercentage(completionPercentage)

	row := p.pool.QueryRow(ctx, `
		UPDATE view_sessions
		SET ended_at = COALESCE(ended_at, now()), completion_percentage = $2
		WHERE id = $1
		RETURNING id, video_id, user_id, started_at, ended_at, completion_percentage`,
		sessionID, completionPercentage)

	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("end view session: %w", err)
	}
	return s, nil
}

func (p *Postgres) Get(ctx context.Context, sessionID string) (*models.ViewSession, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, video_id, user_id, started_at, ended_at, completion_percentage
		FROM view_sessions WHERE id = $1`, sessionID)

	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get view session: %w", err)
	}
	return s, nil
}

func (p *Postgres) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM view_sessions WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge view sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSession(row pgx.Row) (*models.ViewSession, error) {
	var s models.ViewSession
	err := row.Scan(&s.ID, &s.VideoID, &s.UserID, &s.StartedAt, &s.EndedAt, &s.CompletionPercentage)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func clampPercentage(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Memory is an in-memory Store for tests and single-node development.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*models.ViewSession
	now      func() time.Time
}

// NewMemory creates an empty in-memory session store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*models.ViewSession), now: time.Now}
}

func (m *Memory) Start(ctx context.Context, videoID, userID string) (*models.ViewSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &models.ViewSession{
		ID:        uuid.New().String(),
		VideoID:   videoID,
		UserID:    userID,
		StartedAt: m.now(),
	}
	m.sessions[s.ID] = s
	c := *s
	return &c, nil
}

func (m *Memory) End(ctx context.Context, sessionID string, completionPercentage float64) (*models.ViewSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	if s.EndedAt == nil {
		ended := m.now()
		s.EndedAt = &ended
	}
	s.CompletionPercentage = clampPercentage(completionPercentage)
	c := *s
	return &c, nil
}

func (m *Memory) Get(ctx context.Context, sessionID string) (*models.ViewSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	c := *s
	return &c, nil
}

func (m *Memory) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for id, s := range m.sessions {
		if s.StartedAt.Before(cutoff) {
			delete(m.sessions, id)
			purged++
		}
	}
	return purged, nil
}
