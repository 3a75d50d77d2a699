// Package transcoder wraps FFmpeg for rendition encoding, HLS packaging, and
// thumbnail extraction.
package transcoder

import "context"

// Encoder is the media toolchain the transcode workers drive. One transcode
// job encodes one rendition; the first finisher for a video also packages the
// shared artifacts.
type Encoder interface {
	// EncodeRendition encodes the source into one MP4 at the preset's
	// quality parameters.
	EncodeRendition(ctx context.Context, inputPath, outputPath string, preset Preset) error

	// PackageHLS transcodes the source into a multi-variant HLS tree under
	// hlsDir, master playlist included.
	PackageHLS(ctx context.Context, inputPath, hlsDir string, presets []Preset) error

	// GenerateThumbnail extracts a poster frame as JPEG.
	GenerateThumbnail(ctx context.Context, inputPath, outputPath string) error

	// ProbeDuration returns the media duration in seconds.
	ProbeDuration(ctx context.Context, inputPath string) (float64, error)
}
