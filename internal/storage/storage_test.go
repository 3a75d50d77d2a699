package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/vodworks/vod-pipeline/pkg/models"
)

func TestKeyLayout(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"source with ext", SourceKey("v1", ".mp4"), "source/v1.mp4"},
		{"source bare ext", SourceKey("v1", "mkv"), "source/v1.mkv"},
		{"source no ext", SourceKey("v1", ""), "source/v1"},
		{"rendition", RenditionKey("v1", "720p"), "renditions/v1/720p.mp4"},
		{"thumbnail", ThumbnailKey("v1"), "thumbs/v1.jpg"},
		{"hls prefix", HLSPrefix("v1"), "hls/v1"},
		{"hls manifest", HLSManifestKey("v1"), "hls/v1/master.m3u8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"master.m3u8", "application/vnd.apple.mpegurl"},
		{"seg0001.ts", "video/MP2T"},
		{"720p.mp4", "video/mp4"},
		{"poster.jpg", "image/jpeg"},
		{"metadata.bin", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := ContentTypeFor(tt.name); got != tt.want {
			t.Errorf("ContentTypeFor(%s) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	key := SourceKey("v1", ".mp4")
	if err := store.Put(ctx, RoleSource, key, strings.NewReader("fake mp4 bytes"), "video/mp4"); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	size, err := store.Head(ctx, RoleSource, key)
	if err != nil || size != int64(len("fake mp4 bytes")) {
		t.Errorf("Head() = (%d, %v), want (%d, nil)", size, err, len("fake mp4 bytes"))
	}

	rc, err := store.Get(ctx, RoleSource, key)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "fake mp4 bytes" {
		t.Errorf("Get() body = %q", body)
	}

	// Roles are isolated namespaces.
	if _, err := store.Get(ctx, RoleHLS, key); !errors.Is(err, models.ErrObjectNotFound) {
		t.Errorf("Get() across roles error = %v, want ErrObjectNotFound", err)
	}

	if err := store.Delete(ctx, RoleSource, key); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := store.Get(ctx, RoleSource, key); !errors.Is(err, models.ErrObjectNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrObjectNotFound", err)
	}
	// Deleting a missing key is not an error.
	if err := store.Delete(ctx, RoleSource, key); err != nil {
		t.Errorf("repeat Delete() error: %v", err)
	}
}

func TestMemoryStoreUploadDir(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	dir := t.TempDir()
	files := map[string]string{
		"master.m3u8":       "#EXTM3U",
		"720p/index.m3u8":   "#EXTM3U",
		"720p/seg00000.ts":  "segment bytes",
		"1080p/index.m3u8":  "#EXTM3U",
		"1080p/seg00000.ts": "segment bytes",
	}
	for rel, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.UploadDir(ctx, RoleHLS, HLSPrefix("v1"), dir); err != nil {
		t.Fatalf("UploadDir() error: %v", err)
	}

	keys := store.Keys(RoleHLS)
	sort.Strings(keys)
	want := []string{
		"hls/v1/1080p/index.m3u8",
		"hls/v1/1080p/seg00000.ts",
		"hls/v1/720p/index.m3u8",
		"hls/v1/720p/seg00000.ts",
		"hls/v1/master.m3u8",
	}
	if len(keys) != len(want) {
		t.Fatalf("uploaded keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key %d = %q, want %q", i, keys[i], want[i])
		}
	}
}
