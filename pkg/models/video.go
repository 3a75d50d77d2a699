package models

import "time"

// VideoStatus represents the lifecycle state of a video asset.
type VideoStatus string

const (
	VideoPending    VideoStatus = "pending"
	VideoProcessing VideoStatus = "processing"
	VideoCompleted  VideoStatus = "completed"
	VideoFailed     VideoStatus = "failed"
	VideoDeleted    VideoStatus = "deleted"
)

// IsValid returns true if the status is a valid VideoStatus.
func (s VideoStatus) IsValid() bool {
	switch s {
	case VideoPending, VideoProcessing, VideoCompleted, VideoFailed, VideoDeleted:
		return true
	}
	return false
}

// Terminal reports whether the pipeline makes no further automatic
// transition from this state. Soft deletion remains possible.
func (s VideoStatus) Terminal() bool {
	return s == VideoCompleted || s == VideoFailed || s == VideoDeleted
}

// Visibility controls who may discover a video.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
)

// IsValid returns true if the visibility is a known value.
func (v Visibility) IsValid() bool {
	return v == VisibilityPublic || v == VisibilityUnlisted || v == VisibilityPrivate
}

// VideoAsset is the canonical record of a playable asset. Status and
// duration are mutated only by the pipeline; metadata belongs to the creator.
type VideoAsset struct {
	ID              string      `json:"id"`
	CreatorID       string      `json:"creatorId"`
	Title           string      `json:"title"`
	Description     string      `json:"description,omitempty"`
	Tags            []string    `json:"tags,omitempty"`
	Visibility      Visibility  `json:"visibility"`
	Status          VideoStatus `json:"status"`
	DurationSeconds *float64    `json:"durationSeconds,omitempty"`

	// Source object
	SourceKey   string `json:"sourceKey"`
	SourceBytes int64  `json:"sourceBytes"`

	// Derived artifacts, written exclusively by the transcode workers.
	Renditions           map[string]string `json:"renditions,omitempty"` // preset -> object key
	ThumbnailKey         string            `json:"thumbnailKey,omitempty"`
	HLSManifestKey       string            `json:"hlsManifestKey,omitempty"`
	ArtifactsInitialized bool              `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AvailablePresets returns the presets with a registered rendition.
func (v *VideoAsset) AvailablePresets() []string {
	presets := make([]string, 0, len(v.Renditions))
	for name := range v.Renditions {
		presets = append(presets, name)
	}
	return presets
}
