package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vodworks/vod-pipeline/pkg/models"
)

func transcodeSpec(videoID, preset string) models.JobSpec {
	return models.JobSpec{Type: models.JobTypeTranscode, VideoID: videoID, Preset: preset}
}

func importSpec(url, requester string) models.JobSpec {
	return models.JobSpec{Type: models.JobTypeImport, Platform: "samplehost", SourceURL: url, RequestedBy: requester}
}

func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(15 * time.Minute)

	tests := []struct {
		name string
		spec models.JobSpec
	}{
		{"unknown type", models.JobSpec{Type: "resize"}},
		{"transcode without video", models.JobSpec{Type: models.JobTypeTranscode, Preset: "720p"}},
		{"transcode without preset", models.JobSpec{Type: models.JobTypeTranscode, VideoID: "v1"}},
		{"import without url", models.JobSpec{Type: models.JobTypeImport, Platform: "samplehost", RequestedBy: "u1"}},
		{"import without requester", models.JobSpec{Type: models.JobTypeImport, Platform: "samplehost", SourceURL: "https://x/v"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := m.Enqueue(ctx, tt.spec); !errors.Is(err, models.ErrInvalidJobSpec) {
				t.Errorf("Enqueue() error = %v, want ErrInvalidJobSpec", err)
			}
		})
	}
}

func TestEnqueueDedup(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(15 * time.Minute)

	first, created, err := m.Enqueue(ctx, transcodeSpec("v1", "720p"))
	if err != nil || !created {
		t.Fatalf("first Enqueue() = (created=%v, err=%v), want fresh job", created, err)
	}

	dup, created, err := m.Enqueue(ctx, transcodeSpec("v1", "720p"))
	if err != nil {
		t.Fatalf("duplicate Enqueue() error: %v", err)
	}
	if created || dup.ID != first.ID {
		t.Errorf("duplicate Enqueue() = (id=%s, created=%v), want existing job %s", dup.ID, created, first.ID)
	}

	// Same video, different preset is a distinct job.
	other, created, err := m.Enqueue(ctx, transcodeSpec("v1", "1080p"))
	if err != nil || !created {
		t.Fatalf("distinct preset Enqueue() = (created=%v, err=%v), want fresh job", created, err)
	}
	if other.ID == first.ID {
		t.Error("distinct preset reused the existing job row")
	}

	// Dedup still applies while the job is processing.
	if _, err := m.Claim(ctx, models.JobTypeTranscode, "w1"); err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	dup, created, err = m.Enqueue(ctx, transcodeSpec("v1", "720p"))
	if err != nil || created {
		t.Fatalf("Enqueue() during processing = (created=%v, err=%v), want dedup", created, err)
	}
	if dup.ID != first.ID {
		t.Errorf("processing dedup returned %s, want %s", dup.ID, first.ID)
	}

	// After terminal failure the key is free again.
	if err := m.MarkFailed(ctx, first.ID, models.CategoryPermanent, "codec unsupported"); err != nil {
		t.Fatalf("MarkFailed() error: %v", err)
	}
	fresh, created, err := m.Enqueue(ctx, transcodeSpec("v1", "720p"))
	if err != nil || !created {
		t.Fatalf("Enqueue() after failure = (created=%v, err=%v), want fresh job", created, err)
	}
	if fresh.ID == first.ID {
		t.Error("post-failure enqueue reused the failed row")
	}
}

func TestImportDedupWindow(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(15 * time.Minute)
	now := time.Now()
	m.now = func() time.Time { return now }

	job, _, err := m.Enqueue(ctx, importSpec("https://samplehost/v/abc", "u1"))
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if _, err := m.Claim(ctx, models.JobTypeImport, "w1"); err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if err := m.MarkCompleted(ctx, job.ID); err != nil {
		t.Fatalf("MarkCompleted() error: %v", err)
	}

	// Inside the window the completed import answers for the request.
	now = now.Add(5 * time.Minute)
	dup, created, err := m.Enqueue(ctx, importSpec("https://samplehost/v/abc", "u1"))
	if err != nil || created {
		t.Fatalf("Enqueue() inside window = (created=%v, err=%v), want prior job", created, err)
	}
	if dup.ID != job.ID || dup.Status != models.JobCompleted {
		t.Errorf("inside window got (id=%s, status=%s), want completed job %s", dup.ID, dup.Status, job.ID)
	}

	// A different requester imports independently.
	if _, created, _ := m.Enqueue(ctx, importSpec("https://samplehost/v/abc", "u2")); !created {
		t.Error("different requester was deduped against another user's import")
	}

	// Past the window the same request runs again.
	now = now.Add(15 * time.Minute)
	if _, created, _ := m.Enqueue(ctx, importSpec("https://samplehost/v/abc", "u1")); !created {
		t.Error("expired window still deduped the import")
	}
}

func TestClaimAssignsOldestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	a, _, _ := m.Enqueue(ctx, transcodeSpec("v1", "480p"))
	b, _, _ := m.Enqueue(ctx, transcodeSpec("v1", "720p"))

	got, err := m.Claim(ctx, models.JobTypeTranscode, "w1")
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("Claim() = %s, want oldest job %s", got.ID, a.ID)
	}
	if got.Status != models.JobProcessing || got.WorkerID != "w1" || got.StartedAt == nil {
		t.Errorf("claimed job = %+v, want processing with worker and start time", got)
	}

	got, err = m.Claim(ctx, models.JobTypeTranscode, "w2")
	if err != nil || got == nil || got.ID != b.ID {
		t.Fatalf("second Claim() = (%v, %v), want job %s", got, err, b.ID)
	}

	// Empty queue yields nil, not an error.
	got, err = m.Claim(ctx, models.JobTypeTranscode, "w3")
	if err != nil || got != nil {
		t.Errorf("Claim() on empty queue = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestClaimIgnoresOtherTypes(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	m.Enqueue(ctx, importSpec("https://samplehost/v/abc", "u1"))

	got, err := m.Claim(ctx, models.JobTypeTranscode, "w1")
	if err != nil || got != nil {
		t.Errorf("Claim(transcode) = (%v, %v), want nothing when only imports queued", got, err)
	}
	if got, _ := m.Claim(ctx, models.JobTypeImport, "w1"); got == nil {
		t.Error("Claim(import) found no job")
	}
}

// TestClaimExclusivity hammers Claim from many goroutines and verifies no job
// is ever handed out twice.
func TestClaimExclusivity(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	const jobs = 200
	const claimers = 16

	for i := 0; i < jobs; i++ {
		spec := transcodeSpec(fmt.Sprintf("video-%03d", i), "720p")
		if _, created, err := m.Enqueue(ctx, spec); err != nil || !created {
			t.Fatalf("Enqueue(%d) = (created=%v, err=%v)", i, created, err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]string, jobs)

	var wg sync.WaitGroup
	for w := 0; w < claimers; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				job, err := m.Claim(ctx, models.JobTypeTranscode, workerID)
				if err != nil {
					t.Errorf("Claim() error: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if prev, dup := seen[job.ID]; dup {
					t.Errorf("job %s claimed by both %s and %s", job.ID, prev, workerID)
				}
				seen[job.ID] = workerID
				mu.Unlock()
			}
		}("worker-" + string(rune('a'+w)))
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Errorf("claimed %d jobs, want %d", len(seen), jobs)
	}
}

func TestTransitionRules(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	job, _, _ := m.Enqueue(ctx, transcodeSpec("v1", "720p"))

	// queued cannot complete without a claim.
	if err := m.MarkCompleted(ctx, job.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("MarkCompleted(queued) error = %v, want ErrInvalidTransition", err)
	}

	m.Claim(ctx, models.JobTypeTranscode, "w1")
	if err := m.MarkCompleted(ctx, job.ID); err != nil {
		t.Fatalf("MarkCompleted(processing) error: %v", err)
	}

	// Terminal rows stay terminal.
	if err := m.MarkFailed(ctx, job.ID, models.CategoryTransient, "late failure"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("MarkFailed(completed) error = %v, want ErrInvalidTransition", err)
	}
	if err := m.MarkCompleted(ctx, job.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("MarkCompleted(completed) error = %v, want ErrInvalidTransition", err)
	}

	if err := m.MarkCompleted(ctx, "no-such-job"); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("MarkCompleted(missing) error = %v, want ErrJobNotFound", err)
	}
}

func TestRetryCreatesSuccessorRow(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	job, _, _ := m.Enqueue(ctx, transcodeSpec("v1", "720p"))
	m.Claim(ctx, models.JobTypeTranscode, "w1")
	m.MarkFailed(ctx, job.ID, models.CategoryTransient, "connection reset")

	successor, err := m.Retry(ctx, job.ID)
	if err != nil {
		t.Fatalf("Retry() error: %v", err)
	}
	if successor.ID == job.ID {
		t.Fatal("Retry() mutated the failed row instead of inserting a successor")
	}
	if successor.Attempt != 2 || successor.RetryOf != job.ID || successor.Status != models.JobQueued {
		t.Errorf("successor = %+v, want attempt=2 retryOf=%s queued", successor, job.ID)
	}

	// The failed row survives for audit.
	failed, err := m.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get(failed) error: %v", err)
	}
	if failed.Status != models.JobFailed || failed.Error != "connection reset" {
		t.Errorf("original row = %+v, want untouched failed row", failed)
	}

	// Retrying the same failed row again resolves to the in-flight successor.
	twin, err := m.Retry(ctx, job.ID)
	if err != nil {
		t.Fatalf("second Retry() error: %v", err)
	}
	if twin.ID != successor.ID {
		t.Errorf("second Retry() = %s, want existing successor %s", twin.ID, successor.ID)
	}
}

func TestRetryExhausted(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	spec := transcodeSpec("v1", "720p")
	spec.MaxAttempts = 2

	job, _, _ := m.Enqueue(ctx, spec)
	m.Claim(ctx, models.JobTypeTranscode, "w1")
	m.MarkFailed(ctx, job.ID, models.CategoryTransient, "timeout")

	successor, err := m.Retry(ctx, job.ID)
	if err != nil {
		t.Fatalf("Retry() error: %v", err)
	}
	m.Claim(ctx, models.JobTypeTranscode, "w1")
	m.MarkFailed(ctx, successor.ID, models.CategoryTransient, "timeout")

	if _, err := m.Retry(ctx, successor.ID); !errors.Is(err, models.ErrRetryExhausted) {
		t.Errorf("Retry() at max attempts error = %v, want ErrRetryExhausted", err)
	}
}

func TestRetryRequiresFailedRow(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	job, _, _ := m.Enqueue(ctx, transcodeSpec("v1", "720p"))
	if _, err := m.Retry(ctx, job.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("Retry(queued) error = %v, want ErrInvalidTransition", err)
	}
	if _, err := m.Retry(ctx, "no-such-job"); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("Retry(missing) error = %v, want ErrJobNotFound", err)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	job, _, _ := m.Enqueue(ctx, transcodeSpec("v1", "720p"))
	if err := m.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}

	got, _ := m.Get(ctx, job.ID)
	if got.Status != models.JobFailed || got.ErrorCategory != models.CategoryCancelled {
		t.Errorf("cancelled queued job = (status=%s, category=%s), want failed/cancelled", got.Status, got.ErrorCategory)
	}

	// Cancelled queued jobs never reach a worker.
	if claimed, _ := m.Claim(ctx, models.JobTypeTranscode, "w1"); claimed != nil {
		t.Errorf("Claim() returned cancelled job %s", claimed.ID)
	}
}

func TestCancelProcessingJobSetsFlag(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	job, _, _ := m.Enqueue(ctx, transcodeSpec("v1", "720p"))
	m.Claim(ctx, models.JobTypeTranscode, "w1")

	if err := m.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	got, _ := m.Get(ctx, job.ID)
	if got.Status != models.JobProcessing || !got.CancelRequested {
		t.Errorf("cancelled processing job = (status=%s, flag=%v), want processing with flag set", got.Status, got.CancelRequested)
	}
	if flagged, err := m.CancelRequested(ctx, job.ID); err != nil || !flagged {
		t.Errorf("CancelRequested() = (%v, %v), want (true, nil)", flagged, err)
	}

	// Terminal jobs reject cancellation.
	m.MarkFailed(ctx, job.ID, models.CategoryCancelled, "cancelled by request")
	if err := m.Cancel(ctx, job.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("Cancel(terminal) error = %v, want ErrInvalidTransition", err)
	}
}

func TestJobsForVideoOrderedOldestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	presets := []string{"480p", "720p", "1080p"}
	for _, p := range presets {
		if _, _, err := m.Enqueue(ctx, transcodeSpec("v1", p)); err != nil {
			t.Fatalf("Enqueue(%s) error: %v", p, err)
		}
	}
	m.Enqueue(ctx, transcodeSpec("v2", "720p"))

	rows, err := m.JobsForVideo(ctx, "v1")
	if err != nil {
		t.Fatalf("JobsForVideo() error: %v", err)
	}
	if len(rows) != len(presets) {
		t.Fatalf("JobsForVideo() returned %d rows, want %d", len(rows), len(presets))
	}
	for i, row := range rows {
		if row.Preset != presets[i] {
			t.Errorf("row %d preset = %s, want %s", i, row.Preset, presets[i])
		}
	}
}

func TestQueueDepthAndCounts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	a, _, _ := m.Enqueue(ctx, transcodeSpec("v1", "480p"))
	m.Enqueue(ctx, transcodeSpec("v1", "720p"))
	m.Enqueue(ctx, importSpec("https://samplehost/v/abc", "u1"))

	if depth, _ := m.QueueDepth(ctx, models.JobTypeTranscode); depth != 2 {
		t.Errorf("QueueDepth(transcode) = %d, want 2", depth)
	}
	if depth, _ := m.QueueDepth(ctx, models.JobTypeImport); depth != 1 {
		t.Errorf("QueueDepth(import) = %d, want 1", depth)
	}

	m.Claim(ctx, models.JobTypeTranscode, "w1")
	m.MarkCompleted(ctx, a.ID)

	counts, err := m.CountByStatus(ctx, models.JobTypeTranscode)
	if err != nil {
		t.Fatalf("CountByStatus() error: %v", err)
	}
	if counts[models.JobQueued] != 1 || counts[models.JobCompleted] != 1 {
		t.Errorf("CountByStatus() = %v, want 1 queued and 1 completed", counts)
	}
}

func TestVideoLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	v := &models.VideoAsset{CreatorID: "u1", Title: "clip"}
	if err := m.CreateVideo(ctx, v); err != nil {
		t.Fatalf("CreateVideo() error: %v", err)
	}
	if v.ID == "" {
		t.Fatal("CreateVideo() did not assign an id")
	}

	got, err := m.GetVideo(ctx, v.ID)
	if err != nil {
		t.Fatalf("GetVideo() error: %v", err)
	}
	if got.Status != models.VideoPending || got.Visibility != models.VisibilityPrivate {
		t.Errorf("new video = (status=%s, visibility=%s), want pending/private", got.Status, got.Visibility)
	}

	if err := m.SetVideoProcessing(ctx, v.ID); err != nil {
		t.Fatalf("SetVideoProcessing() error: %v", err)
	}
	// Idempotent while already processing.
	if err := m.SetVideoProcessing(ctx, v.ID); err != nil {
		t.Errorf("repeat SetVideoProcessing() error: %v", err)
	}

	m.UpdateVideoSource(ctx, v.ID, "source/"+v.ID+".mp4", 2048)
	m.AddRendition(ctx, v.ID, "720p", "renditions/"+v.ID+"/720p.mp4")
	m.SetDuration(ctx, v.ID, 93.4)
	m.SetSharedArtifacts(ctx, v.ID, "thumbs/"+v.ID+".jpg", "hls/"+v.ID+"/master.m3u8")

	if err := m.FinalizeVideo(ctx, v.ID, models.VideoCompleted); err != nil {
		t.Fatalf("FinalizeVideo() error: %v", err)
	}
	// Same-status finalization is a no-op.
	if err := m.FinalizeVideo(ctx, v.ID, models.VideoCompleted); err != nil {
		t.Errorf("repeat FinalizeVideo() error: %v", err)
	}
	// Flipping a completed video to failed is rejected.
	if err := m.FinalizeVideo(ctx, v.ID, models.VideoFailed); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("FinalizeVideo(completed→failed) error = %v, want ErrInvalidTransition", err)
	}

	got, _ = m.GetVideo(ctx, v.ID)
	if got.Status != models.VideoCompleted {
		t.Errorf("final status = %s, want completed", got.Status)
	}
	if got.Renditions["720p"] == "" || got.ThumbnailKey == "" || got.HLSManifestKey == "" {
		t.Errorf("video asset missing artifact pointers: %+v", got)
	}
	if got.DurationSeconds == nil || *got.DurationSeconds != 93.4 {
		t.Errorf("duration = %v, want 93.4", got.DurationSeconds)
	}
	if got.SourceKey != "source/"+v.ID+".mp4" || got.SourceBytes != 2048 {
		t.Errorf("source = (%s, %d), want recorded source object", got.SourceKey, got.SourceBytes)
	}
}

func TestSoftDeleteWinsOverLateFinalize(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	v := &models.VideoAsset{CreatorID: "u1"}
	m.CreateVideo(ctx, v)
	m.SetVideoProcessing(ctx, v.ID)

	if err := m.SoftDeleteVideo(ctx, v.ID); err != nil {
		t.Fatalf("SoftDeleteVideo() error: %v", err)
	}
	// A worker finishing after the delete must not resurrect the video.
	if err := m.FinalizeVideo(ctx, v.ID, models.VideoCompleted); err != nil {
		t.Fatalf("FinalizeVideo() after delete error: %v", err)
	}
	got, _ := m.GetVideo(ctx, v.ID)
	if got.Status != models.VideoDeleted {
		t.Errorf("status after late finalize = %s, want deleted", got.Status)
	}

	// Repeat delete is a no-op; metadata edits are rejected.
	if err := m.SoftDeleteVideo(ctx, v.ID); err != nil {
		t.Errorf("repeat SoftDeleteVideo() error: %v", err)
	}
	err := m.UpdateVideoMetadata(ctx, v.ID, "t", "d", nil, models.VisibilityPublic)
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("UpdateVideoMetadata(deleted) error = %v, want ErrInvalidTransition", err)
	}
}

// TestTryInitArtifactsSingleWinner races many goroutines at the flag and
// verifies exactly one wins.
func TestTryInitArtifactsSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	v := &models.VideoAsset{CreatorID: "u1"}
	m.CreateVideo(ctx, v)

	const racers = 24
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := m.TryInitArtifacts(ctx, v.ID)
			if err != nil {
				t.Errorf("TryInitArtifacts() error: %v", err)
				return
			}
			if won {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("TryInitArtifacts() had %d winners, want exactly 1", winners)
	}
}

// TestStageResultVideo verifies the staged video stays internal until the
// job completes, and only then surfaces as the result.
func TestStageResultVideo(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	m.Enqueue(ctx, importSpec("https://samplehost/v/abc", "u1"))
	job, err := m.Claim(ctx, models.JobTypeImport, "w1")
	if err != nil || job == nil {
		t.Fatalf("Claim() = (%v, %v)", job, err)
	}
	if err := m.StageResultVideo(ctx, job.ID, "vid-123"); err != nil {
		t.Fatalf("StageResultVideo() error: %v", err)
	}

	got, _ := m.Get(ctx, job.ID)
	if got.ResultVideoID != "" {
		t.Errorf("ResultVideoID = %q while processing, want empty", got.ResultVideoID)
	}
	if got.StagedVideoID != "vid-123" {
		t.Errorf("StagedVideoID = %q, want vid-123", got.StagedVideoID)
	}

	if err := m.MarkCompleted(ctx, job.ID); err != nil {
		t.Fatalf("MarkCompleted() error: %v", err)
	}
	got, _ = m.Get(ctx, job.ID)
	if got.ResultVideoID != "vid-123" {
		t.Errorf("ResultVideoID = %q after completion, want vid-123", got.ResultVideoID)
	}
}

// TestRetryCopiesStagedVideo verifies a retried import keeps the video it
// already created.
func TestRetryCopiesStagedVideo(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	m.Enqueue(ctx, importSpec("https://samplehost/v/abc", "u1"))
	job, err := m.Claim(ctx, models.JobTypeImport, "w1")
	if err != nil || job == nil {
		t.Fatalf("Claim() = (%v, %v)", job, err)
	}
	if err := m.StageResultVideo(ctx, job.ID, "vid-123"); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkFailed(ctx, job.ID, models.CategoryTransient, "network blip"); err != nil {
		t.Fatal(err)
	}

	successor, err := m.Retry(ctx, job.ID)
	if err != nil {
		t.Fatalf("Retry() error: %v", err)
	}
	if successor.StagedVideoID != "vid-123" {
		t.Errorf("successor StagedVideoID = %q, want vid-123", successor.StagedVideoID)
	}
	if successor.ResultVideoID != "" {
		t.Errorf("successor ResultVideoID = %q, want empty", successor.ResultVideoID)
	}
}
