// Package storage is the object store layer. Four bucket roles hold the
// pipeline's artifacts: raw sources, encoded renditions, thumbnails, and HLS
// segment trees.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Bucket roles. Values are logical names; the concrete bucket comes from
// configuration.
const (
	RoleSource     = "source"
	RoleTranscoded = "transcoded"
	RoleThumbnail  = "thumbnail"
	RoleHLS        = "hls"
)

// Store is the object store used by the API and the workers.
type Store interface {
	// Put writes one object.
	Put(ctx context.Context, role, key string, body io.Reader, contentType string) error

	// Get opens one object for reading. The caller closes the reader.
	Get(ctx context.Context, role, key string) (io.ReadCloser, error)

	// Head returns the object size in bytes without fetching the body.
	Head(ctx context.Context, role, key string) (int64, error)

	// Delete removes one object. Deleting a missing key is not an error.
	Delete(ctx context.Context, role, key string) error

	// PresignPut returns a URL a client can PUT the object body to directly.
	PresignPut(ctx context.Context, role, key, contentType string, lifetime time.Duration) (string, error)

	// UploadDir mirrors a local directory under keyPrefix in the given role.
	UploadDir(ctx context.Context, role, keyPrefix, dir string) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}

// Key layout helpers. Every artifact key derives from the video id, so
// cleanup for one video is a prefix sweep per role.

// SourceKey is the raw uploaded or imported file.
func SourceKey(videoID, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("source/%s%s", videoID, ext)
}

// RenditionKey is one encoded MP4 per preset.
func RenditionKey(videoID, preset string) string {
	return fmt.Sprintf("renditions/%s/%s.mp4", videoID, preset)
}

// ThumbnailKey is the shared poster frame.
func ThumbnailKey(videoID string) string {
	return fmt.Sprintf("thumbs/%s.jpg", videoID)
}

// HLSPrefix is the directory holding a video's HLS tree.
func HLSPrefix(videoID string) string {
	return fmt.Sprintf("hls/%s", videoID)
}

// HLSManifestKey is the master playlist inside the HLS tree.
func HLSManifestKey(videoID string) string {
	return path.Join(HLSPrefix(videoID), "master.m3u8")
}

// ContentTypeFor maps a file name to its upload content type.
func ContentTypeFor(name string) string {
	switch {
	case strings.HasSuffix(name, ".m3u8"):
		return "application/vnd.apple.mpegurl"
	case strings.HasSuffix(name, ".ts"):
		return "video/MP2T"
	case strings.HasSuffix(name, ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(name, ".jpg"), strings.HasSuffix(name, ".jpeg"):
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
