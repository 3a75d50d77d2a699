package transcoder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// masterPlaylistName is the entry point players fetch; each variant's own
// playlist lives under its preset subdirectory.
const masterPlaylistName = "master.m3u8"

// GenerateMasterPlaylist writes the top-level HLS playlist referencing one
// variant stream per preset.
func GenerateMasterPlaylist(hlsDir string, presets []Preset) error {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	for _, p := range presets {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n", p.Bandwidth, p.Width, p.Height)
		fmt.Fprintf(&b, "%s/playlist.m3u8\n", p.Name)
	}

	path := filepath.Join(hlsDir, masterPlaylistName)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write master playlist: %w", err)
	}
	return nil
}

// CreateOutputDirectories prepares one segment directory per preset.
func CreateOutputDirectories(hlsDir string, presets []Preset) error {
	for _, p := range presets {
		if err := os.MkdirAll(filepath.Join(hlsDir, p.Name), 0o755); err != nil {
			return fmt.Errorf("create variant dir %s: %w", p.Name, err)
		}
	}
	return nil
}
