package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vodworks/vod-pipeline/pkg/models"
)

// DefaultMaxAttempts bounds automatic retries when a spec does not say.
const DefaultMaxAttempts = 3

// Memory is an in-memory Ledger. It backs tests and single-node development;
// it honors the same transition rules as the Postgres implementation.
type Memory struct {
	mu          sync.Mutex
	jobs        map[string]*models.Job
	order       []string // insertion order, for FIFO claims
	videos      map[string]*models.VideoAsset
	dedupWindow time.Duration
	now         func() time.Time
}

// NewMemory creates an empty in-memory ledger.
func NewMemory(dedupWindow time.Duration) *Memory {
	return &Memory{
		jobs:        make(map[string]*models.Job),
		videos:      make(map[string]*models.VideoAsset),
		dedupWindow: dedupWindow,
		now:         time.Now,
	}
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func cloneJob(j *models.Job) *models.Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func cloneVideo(v *models.VideoAsset) *models.VideoAsset {
	c := *v
	c.Tags = append([]string(nil), v.Tags...)
	c.Renditions = make(map[string]string, len(v.Renditions))
	for k, val := range v.Renditions {
		c.Renditions[k] = val
	}
	if v.DurationSeconds != nil {
		d := *v.DurationSeconds
		c.DurationSeconds = &d
	}
	return &c
}

// findDuplicate returns an equivalent job that suppresses a new enqueue.
func (m *Memory) findDuplicate(spec models.JobSpec) *models.Job {
	key := spec.DedupKey()
	for _, id := range m.order {
		j := m.jobs[id]
		if j.DedupKey != key {
			continue
		}
		if j.Status == models.JobQueued || j.Status == models.JobProcessing {
			return j
		}
		// A recently completed import still answers for the same request.
		if spec.Type == models.JobTypeImport && j.Status == models.JobCompleted &&
			j.FinishedAt != nil && m.now().Sub(*j.FinishedAt) < m.dedupWindow {
			return j
		}
	}
	return nil
}

func (m *Memory) Enqueue(ctx context.Context, spec models.JobSpec) (*models.Job, bool, error) {
	if err := spec.Validate(); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if dup := m.findDuplicate(spec); dup != nil {
		return cloneJob(dup), false, nil
	}

	job := newJobFromSpec(spec, m.now())
	m.jobs[job.ID] = job
	m.order = append(m.order, job.ID)
	return cloneJob(job), true, nil
}

func newJobFromSpec(spec models.JobSpec, now time.Time) *models.Job {
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &models.Job{
		ID:          uuid.New().String(),
		Type:        spec.Type,
		Status:      models.JobQueued,
		DedupKey:    spec.DedupKey(),
		Attempt:     1,
		MaxAttempts: maxAttempts,
		VideoID:     spec.VideoID,
		Preset:      spec.Preset,
		Platform:    spec.Platform,
		SourceURL:   spec.SourceURL,
		RequestedBy: spec.RequestedBy,
		CreatedAt:   now,
	}
}

func (m *Memory) Claim(ctx context.Context, jobType models.JobType, workerID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		j := m.jobs[id]
		if j.Type != jobType || j.Status != models.JobQueued {
			continue
		}
		started := m.now()
		j.Status = models.JobProcessing
		j.WorkerID = workerID
		j.StartedAt = &started
		return cloneJob(j), nil
	}
	return nil, nil
}

func (m *Memory) MarkCompleted(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return models.ErrJobNotFound
	}
	if j.Status != models.JobProcessing {
		return models.ErrInvalidTransition
	}
	finished := m.now()
	j.Status = models.JobCompleted
	j.FinishedAt = &finished
	if j.StagedVideoID != "" {
		j.ResultVideoID = j.StagedVideoID
	}
	return nil
}

func (m *Memory) MarkFailed(ctx context.Context, jobID string, category models.ErrorCategory, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markFailedLocked(jobID, category, message)
}

func (m *Memory) markFailedLocked(jobID string, category models.ErrorCategory, message string) error {
	j, ok := m.jobs[jobID]
	if !ok {
		return models.ErrJobNotFound
	}
	if j.Status.Terminal() {
		return models.ErrInvalidTransition
	}
	finished := m.now()
	j.Status = models.JobFailed
	j.ErrorCategory = category
	j.Error = message
	j.FinishedAt = &finished
	return nil
}

func (m *Memory) Retry(ctx context.Context, jobID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	if j.Status != models.JobFailed {
		return nil, models.ErrInvalidTransition
	}
	if !j.AttemptsRemaining() {
		return nil, models.ErrRetryExhausted
	}

	// An in-flight twin (for example a concurrent manual retry) wins.
	for _, id := range m.order {
		twin := m.jobs[id]
		if twin.DedupKey == j.DedupKey &&
			(twin.Status == models.JobQueued || twin.Status == models.JobProcessing) {
			return cloneJob(twin), nil
		}
	}

	successor := &models.Job{
		ID:          uuid.New().String(),
		Type:        j.Type,
		Status:      models.JobQueued,
		DedupKey:    j.DedupKey,
		Attempt:     j.Attempt + 1,
		MaxAttempts: j.MaxAttempts,
		RetryOf:     j.ID,
		VideoID:     j.VideoID,
		Preset:      j.Preset,
		Platform:    j.Platform,
		SourceURL:   j.SourceURL,
		RequestedBy: j.RequestedBy,
		// The successor inherits any staged video so a retried import can
		// reuse it instead of creating a duplicate asset.
		StagedVideoID: j.StagedVideoID,
		CreatedAt:     m.now(),
	}
	m.jobs[successor.ID] = successor
	m.order = append(m.order, successor.ID)
	return cloneJob(successor), nil
}

func (m *Memory) Cancel(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return models.ErrJobNotFound
	}
	switch j.Status {
	case models.JobQueued:
		return m.markFailedLocked(jobID, models.CategoryCancelled, "cancelled before claim")
	case models.JobProcessing:
		j.CancelRequested = true
		return nil
	default:
		return models.ErrInvalidTransition
	}
}

func (m *Memory) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return false, models.ErrJobNotFound
	}
	return j.CancelRequested, nil
}

func (m *Memory) StageResultVideo(ctx context.Context, jobID, videoID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return models.ErrJobNotFound
	}
	j.StagedVideoID = videoID
	return nil
}

func (m *Memory) Get(ctx context.Context, jobID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) JobsForVideo(ctx context.Context, videoID string) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Job
	for _, id := range m.order {
		j := m.jobs[id]
		if j.Type == models.JobTypeTranscode && j.VideoID == videoID {
			out = append(out, *cloneJob(j))
		}
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (m *Memory) QueueDepth(ctx context.Context, jobType models.JobType) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	depth := 0
	for _, j := range m.jobs {
		if j.Type == jobType && j.Status == models.JobQueued {
			depth++
		}
	}
	return depth, nil
}

func (m *Memory) CountByStatus(ctx context.Context, jobType models.JobType) (map[models.JobStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[models.JobStatus]int)
	for _, j := range m.jobs {
		if j.Type == jobType {
			counts[j.Status]++
		}
	}
	return counts, nil
}

// Video registry

func (m *Memory) CreateVideo(ctx context.Context, v *models.VideoAsset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.Status == "" {
		v.Status = models.VideoPending
	}
	if v.Visibility == "" {
		v.Visibility = models.VisibilityPrivate
	}
	now := m.now()
	v.CreatedAt = now
	v.UpdatedAt = now
	m.videos[v.ID] = cloneVideo(v)
	return nil
}

func (m *Memory) GetVideo(ctx context.Context, id string) (*models.VideoAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.videos[id]
	if !ok {
		return nil, models.ErrVideoNotFound
	}
	return cloneVideo(v), nil
}

func (m *Memory) SetVideoProcessing(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.videos[id]
	if !ok {
		return models.ErrVideoNotFound
	}
	switch v.Status {
	case models.VideoPending:
		v.Status = models.VideoProcessing
		v.UpdatedAt = m.now()
		return nil
	case models.VideoProcessing:
		return nil
	default:
		return models.ErrInvalidTransition
	}
}

func (m *Memory) FinalizeVideo(ctx context.Context, id string, status models.VideoStatus) error {
	if status != models.VideoCompleted && status != models.VideoFailed {
		return models.ErrInvalidTransition
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.videos[id]
	if !ok {
		return models.ErrVideoNotFound
	}
	switch v.Status {
	case models.VideoProcessing, models.VideoPending:
		v.Status = status
		v.UpdatedAt = m.now()
		return nil
	case status:
		return nil // already finalized to the same state
	case models.VideoDeleted:
		return nil // deletion wins over late finalization
	default:
		return models.ErrInvalidTransition
	}
}

func (m *Memory) SetDuration(ctx context.Context, id string, seconds float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.videos[id]
	if !ok {
		return models.ErrVideoNotFound
	}
	v.DurationSeconds = &seconds
	v.UpdatedAt = m.now()
	return nil
}

func (m *Memory) UpdateVideoSource(ctx context.Context, id, sourceKey string, sourceBytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.videos[id]
	if !ok {
		return models.ErrVideoNotFound
	}
	v.SourceKey = sourceKey
	v.SourceBytes = sourceBytes
	v.UpdatedAt = m.now()
	return nil
}

func (m *Memory) AddRendition(ctx context.Context, id, preset, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.videos[id]
	if !ok {
		return models.ErrVideoNotFound
	}
	if v.Renditions == nil {
		v.Renditions = make(map[string]string)
	}
	v.Renditions[preset] = key
	v.UpdatedAt = m.now()
	return nil
}

func (m *Memory) SetSharedArtifacts(ctx context.Context, id, thumbnailKey, manifestKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.videos[id]
	if !ok {
		return models.ErrVideoNotFound
	}
	v.ThumbnailKey = thumbnailKey
	v.HLSManifestKey = manifestKey
	v.UpdatedAt = m.now()
	return nil
}

func (m *Memory) TryInitArtifacts(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.videos[id]
	if !ok {
		return false, models.ErrVideoNotFound
	}
	if v.ArtifactsInitialized {
		return false, nil
	}
	v.ArtifactsInitialized = true
	v.UpdatedAt = m.now()
	return true, nil
}

func (m *Memory) SoftDeleteVideo(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.videos[id]
	if !ok {
		return models.ErrVideoNotFound
	}
	if v.Status != models.VideoDeleted {
		v.Status = models.VideoDeleted
		v.UpdatedAt = m.now()
	}
	return nil
}

func (m *Memory) UpdateVideoMetadata(ctx context.Context, id, title, description string, tags []string, visibility models.Visibility) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.videos[id]
	if !ok {
		return models.ErrVideoNotFound
	}
	if v.Status == models.VideoDeleted {
		return models.ErrInvalidTransition
	}
	v.Title = title
	v.Description = description
	v.Tags = append([]string(nil), tags...)
	v.Visibility = visibility
	v.UpdatedAt = m.now()
	return nil
}
