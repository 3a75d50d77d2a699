package transcoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/vodworks/vod-pipeline/internal/metrics"
	"github.com/vodworks/vod-pipeline/pkg/models"
)

const (
	// HLSSegmentDuration is the duration of each HLS segment in seconds.
	HLSSegmentDuration = 6

	// ThumbnailOffset is where in the video the poster frame is taken.
	ThumbnailOffset = "00:00:01"
)

var tracer = otel.Tracer("vod-transcoder")

// FFmpeg drives the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	log *slog.Logger
}

// NewFFmpeg creates an FFmpeg encoder.
func NewFFmpeg(log *slog.Logger) *FFmpeg {
	return &FFmpeg{log: log}
}

func (f *FFmpeg) EncodeRendition(ctx context.Context, inputPath, outputPath string, preset Preset) error {
	ctx, span := tracer.Start(ctx, "encode-rendition")
	defer span.End()

	start := time.Now()

	args := []string{
		"-y",
		"-i", inputPath,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-profile:v", "main",
		"-level", "4.1",
		"-vf", fmt.Sprintf("scale=%d:%d", preset.Width, preset.Height),
		"-b:v", preset.Bitrate,
		"-maxrate", preset.MaxRate,
		"-bufsize", preset.BufSize,
		"-c:a", "aac",
		"-b:a", preset.AudioBPS,
		"-movflags", "+faststart",
		outputPath,
	}
	if err := f.run(ctx, args); err != nil {
		return fmt.Errorf("%w: preset %s: %v", models.ErrEncodeFailed, preset.Name, err)
	}

	metrics.EncodeDuration.WithLabelValues(preset.Name).Observe(time.Since(start).Seconds())
	return nil
}

func (f *FFmpeg) PackageHLS(ctx context.Context, inputPath, hlsDir string, presets []Preset) error {
	ctx, span := tracer.Start(ctx, "package-hls")
	defer span.End()

	if err := CreateOutputDirectories(hlsDir, presets); err != nil {
		return fmt.Errorf("%w: %v", models.ErrEncodeFailed, err)
	}

	if err := f.run(ctx, f.buildHLSArgs(inputPath, hlsDir, presets)); err != nil {
		return fmt.Errorf("%w: hls packaging: %v", models.ErrEncodeFailed, err)
	}

	if err := GenerateMasterPlaylist(hlsDir, presets); err != nil {
		return fmt.Errorf("%w: master playlist: %v", models.ErrEncodeFailed, err)
	}
	return nil
}

func (f *FFmpeg) buildHLSArgs(inputPath, hlsDir string, presets []Preset) []string {
	args := []string{
		"-y",
		"-i", inputPath,
		"-preset", "veryfast",
		"-c:v", "libx264",
		"-profile:v", "main",
		"-level", "4.1",
		"-g", "100",
		"-keyint_min", "100",
		"-sc_threshold", "0",
		"-flags", "+cgop",
		"-filter_complex", BuildFilterComplex(presets),
	}

	for i, preset := range presets {
		args = append(args,
			"-map", fmt.Sprintf("[v%dout]", i+1),
			"-map", "0:a?",
			fmt.Sprintf("-c:v:%d", i), "libx264",
			fmt.Sprintf("-b:v:%d", i), preset.Bitrate,
			fmt.Sprintf("-maxrate:v:%d", i), preset.MaxRate,
			fmt.Sprintf("-bufsize:v:%d", i), preset.BufSize,
			fmt.Sprintf("-c:a:%d", i), "aac",
			fmt.Sprintf("-b:a:%d", i), preset.AudioBPS,
			"-hls_time", strconv.Itoa(HLSSegmentDuration),
			"-hls_list_size", "0",
			"-hls_segment_filename", filepath.Join(hlsDir, preset.Name, "seg_%03d.ts"),
			filepath.Join(hlsDir, preset.Name, "playlist.m3u8"),
		)
	}
	return args
}

func (f *FFmpeg) GenerateThumbnail(ctx context.Context, inputPath, outputPath string) error {
	ctx, span := tracer.Start(ctx, "generate-thumbnail")
	defer span.End()

	args := []string{
		"-y",
		"-ss", ThumbnailOffset,
		"-i", inputPath,
		"-vframes", "1",
		"-vf", "scale=1280:-2",
		"-q:v", "3",
		outputPath,
	}
	if err := f.run(ctx, args); err != nil {
		return fmt.Errorf("%w: thumbnail: %v", models.ErrEncodeFailed, err)
	}
	return nil
}

func (f *FFmpeg) ProbeDuration(ctx context.Context, inputPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		inputPath,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", inputPath, err)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return seconds, nil
}

// run executes ffmpeg, streaming stderr through the progress monitor.
func (f *FFmpeg) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.monitorOutput(ctx, stderrPipe)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(io.Discard, stdoutPipe)
	}()

	cmdErr := cmd.Wait()
	wg.Wait()

	if cmdErr != nil {
		if ctx.Err() != nil {
			return models.ErrContextCanceled
		}
		return cmdErr
	}
	return nil
}

// monitorOutput reads and logs FFmpeg output.
func (f *FFmpeg) monitorOutput(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
			line := scanner.Text()
			if strings.Contains(line, "frame=") || strings.Contains(line, "time=") {
				f.log.Debug("FFmpeg progress", "output", line)
			} else if strings.Contains(line, "error") || strings.Contains(line, "Error") {
				f.log.Warn("FFmpeg warning", "output", line)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		f.log.Warn("FFmpeg output scanner error", "error", err)
	}
}
