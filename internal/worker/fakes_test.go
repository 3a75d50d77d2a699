package worker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/vodworks/vod-pipeline/internal/extractor"
	"github.com/vodworks/vod-pipeline/internal/transcoder"
	"github.com/vodworks/vod-pipeline/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeEncoder writes placeholder artifacts instead of invoking ffmpeg.
type fakeEncoder struct {
	mu          sync.Mutex
	encodeErr   error
	encoded     []string // preset names, in completion order
	hlsPackages int
	thumbnails  int
}

func (f *fakeEncoder) EncodeRendition(ctx context.Context, inputPath, outputPath string, preset transcoder.Preset) error {
	if f.encodeErr != nil {
		return f.encodeErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.encoded = append(f.encoded, preset.Name)
	f.mu.Unlock()
	return os.WriteFile(outputPath, []byte("encoded "+preset.Name), 0o644)
}

func (f *fakeEncoder) PackageHLS(ctx context.Context, inputPath, hlsDir string, presets []transcoder.Preset) error {
	if err := transcoder.CreateOutputDirectories(hlsDir, presets); err != nil {
		return err
	}
	for _, p := range presets {
		playlist := filepath.Join(hlsDir, p.Name, "playlist.m3u8")
		if err := os.WriteFile(playlist, []byte("#EXTM3U\n"), 0o644); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.hlsPackages++
	f.mu.Unlock()
	return transcoder.GenerateMasterPlaylist(hlsDir, presets)
}

func (f *fakeEncoder) GenerateThumbnail(ctx context.Context, inputPath, outputPath string) error {
	f.mu.Lock()
	f.thumbnails++
	f.mu.Unlock()
	return os.WriteFile(outputPath, []byte("jpeg bytes"), 0o644)
}

func (f *fakeEncoder) ProbeDuration(ctx context.Context, inputPath string) (float64, error) {
	return 42.5, nil
}

// fakeExtractor serves canned metadata and media.
type fakeExtractor struct {
	meta     *extractor.Metadata
	probeErr error
	dlErr    error
	media    []byte
}

func (f *fakeExtractor) Probe(ctx context.Context, url string) (*extractor.Metadata, error) {
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	return f.meta, nil
}

func (f *fakeExtractor) Download(ctx context.Context, url, destPath string) (int64, error) {
	if f.dlErr != nil {
		return 0, f.dlErr
	}
	if err := os.WriteFile(destPath, f.media, 0o644); err != nil {
		return 0, err
	}
	return int64(len(f.media)), nil
}

// stubExecutor returns scripted results per attempt and records finalized
// job ids.
type stubExecutor struct {
	mu        sync.Mutex
	results   []error // indexed by call count; past the end means nil
	calls     int
	finalized []string
	block     bool // wait for ctx before returning its error
}

func (s *stubExecutor) Execute(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()

	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if i < len(s.results) {
		return s.results[i]
	}
	return nil
}

func (s *stubExecutor) Finalize(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = append(s.finalized, job.ID)
	return nil
}

func (s *stubExecutor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubExecutor) finalizedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.finalized...)
}
