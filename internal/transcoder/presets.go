package transcoder

import (
	"fmt"
	"strings"

	"github.com/vodworks/vod-pipeline/pkg/models"
)

// Preset defines video encoding parameters for a quality level.
type Preset struct {
	Name      string
	Width     int
	Height    int
	Bitrate   string
	MaxRate   string
	BufSize   string
	AudioBPS  string
	Bandwidth int
}

// DefaultPresets defines the standard quality ladder.
var DefaultPresets = []Preset{
	{"1080p", 1920, 1080, "5M", "5.5M", "7.5M", "192k", 5500000},
	{"720p", 1280, 720, "2.5M", "2.75M", "5M", "128k", 2750000},
	{"480p", 854, 480, "1M", "1.1M", "2M", "96k", 1100000},
}

// PresetByName returns the preset for a quality name.
func PresetByName(name string) (Preset, error) {
	for _, p := range DefaultPresets {
		if p.Name == name {
			return p, nil
		}
	}
	return Preset{}, fmt.Errorf("%w: %q", models.ErrUnknownPreset, name)
}

// SelectPresets resolves a list of quality names against the ladder,
// preserving ladder order (highest quality first).
func SelectPresets(names []string) ([]Preset, error) {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		if _, err := PresetByName(n); err != nil {
			return nil, err
		}
		wanted[n] = true
	}
	var out []Preset
	for _, p := range DefaultPresets {
		if wanted[p.Name] {
			out = append(out, p)
		}
	}
	return out, nil
}

// BuildFilterComplex generates the FFmpeg filter_complex string for
// multi-resolution output.
func BuildFilterComplex(presets []Preset) string {
	n := len(presets)
	if n == 0 {
		return ""
	}

	var splitOutputs strings.Builder
	for i := 1; i <= n; i++ {
		splitOutputs.WriteString(fmt.Sprintf("[v%d]", i))
	}

	var filter strings.Builder
	filter.WriteString(fmt.Sprintf("[0:v]split=%d%s;", n, splitOutputs.String()))

	for i, preset := range presets {
		filter.WriteString(fmt.Sprintf("[v%d]scale=%d:%d[v%dout]",
			i+1, preset.Width, preset.Height, i+1))
		if i < n-1 {
			filter.WriteString(";")
		}
	}

	return filter.String()
}
