package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ExecError carries the full context of a failed yt-dlp invocation.
type ExecError struct {
	Cmd      string
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Cause    error
}

func (e *ExecError) Error() string {
	cmdline := strings.TrimSpace(e.Cmd + " " + strings.Join(e.Args, " "))
	if e.ExitCode != 0 {
		return fmt.Sprintf("ytdlp: command failed (exit %d): %s", e.ExitCode, cmdline)
	}
	return fmt.Sprintf("ytdlp: command failed: %s", cmdline)
}

func (e *ExecError) Unwrap() error { return e.Cause }

// permanentMarkers are stderr fragments that indicate the source itself is
// gone or inaccessible; retrying cannot help.
var permanentMarkers = []string{
	"video unavailable",
	"private video",
	"this video is not available",
	"404",
	"removed by the uploader",
	"account terminated",
	"unsupported url",
}

// Permanent reports whether the failure is terminal for this source.
func (e *ExecError) Permanent() bool {
	stderr := strings.ToLower(e.Stderr)
	for _, marker := range permanentMarkers {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

func asExecError(err error, target **ExecError) bool {
	return errors.As(err, target)
}

// YTDLP shells out to the yt-dlp binary.
type YTDLP struct {
	// Path to the yt-dlp executable. Defaults to "yt-dlp" (PATH lookup).
	Path string

	// ExtraArgs are always appended before per-call args.
	ExtraArgs []string

	log *slog.Logger

	execFn func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// NewYTDLP creates an extractor backed by the yt-dlp binary.
func NewYTDLP(log *slog.Logger) *YTDLP {
	return &YTDLP{Path: "yt-dlp", log: log}
}

func (y *YTDLP) pathOrDefault() string {
	if strings.TrimSpace(y.Path) == "" {
		return "yt-dlp"
	}
	return y.Path
}

func (y *YTDLP) exec(ctx context.Context, args ...string) (stdout, stderr []byte, err error) {
	name := y.pathOrDefault()

	fullArgs := make([]string, 0, len(y.ExtraArgs)+len(args))
	fullArgs = append(fullArgs, y.ExtraArgs...)
	fullArgs = append(fullArgs, args...)

	if y.execFn != nil {
		return y.execFn(ctx, name, fullArgs...)
	}

	y.log.Debug("ytdlp: executing command", "cmd", name, "args", fullArgs)
	cmd := exec.CommandContext(ctx, name, fullArgs...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// infoJSON models the fields we read from --dump-single-json output.
type infoJSON struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Uploader string  `json:"uploader"`
	Duration float64 `json:"duration"`
	Ext      string  `json:"ext"`
}

func (y *YTDLP) Probe(ctx context.Context, url string) (*Metadata, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("ytdlp: url is required")
	}

	args := []string{"--dump-single-json", "--skip-download", url}
	stdout, stderr, err := y.exec(ctx, args...)
	if err != nil {
		return nil, y.wrapExecError(args, stdout, stderr, err)
	}

	var info infoJSON
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &info); err != nil {
		return nil, fmt.Errorf("ytdlp: parse json: %w", err)
	}
	return &Metadata{
		ID:       info.ID,
		Title:    info.Title,
		Uploader: info.Uploader,
		Duration: info.Duration,
		Ext:      info.Ext,
	}, nil
}

func (y *YTDLP) Download(ctx context.Context, url, destPath string) (int64, error) {
	if strings.TrimSpace(url) == "" {
		return 0, fmt.Errorf("ytdlp: url is required")
	}
	if strings.TrimSpace(destPath) == "" {
		return 0, fmt.Errorf("ytdlp: destPath is required")
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, err
	}

	args := []string{
		"-f", "bv*+ba/b", // best video+audio, fall back to best combined
		"--no-playlist",
		"-o", destPath,
		url,
	}
	stdout, stderr, err := y.exec(ctx, args...)
	if err != nil {
		return 0, y.wrapExecError(args, stdout, stderr, err)
	}

	stat, err := os.Stat(destPath)
	if err != nil {
		return 0, fmt.Errorf("ytdlp: downloaded file missing: %w", err)
	}
	return stat.Size(), nil
}

func (y *YTDLP) wrapExecError(args []string, stdout, stderr []byte, cause error) error {
	exitCode := 0
	var ee *exec.ExitError
	if errors.As(cause, &ee) {
		exitCode = ee.ExitCode()
	}
	return &ExecError{
		Cmd:      y.pathOrDefault(),
		Args:     args,
		ExitCode: exitCode,
		Stdout:   strings.TrimSpace(string(stdout)),
		Stderr:   strings.TrimSpace(string(stderr)),
		Cause:    cause,
	}
}
