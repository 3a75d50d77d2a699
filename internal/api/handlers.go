package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vodworks/vod-pipeline/internal/auth"
	"github.com/vodworks/vod-pipeline/internal/config"
	"github.com/vodworks/vod-pipeline/internal/ledger"
	"github.com/vodworks/vod-pipeline/internal/metrics"
	"github.com/vodworks/vod-pipeline/internal/queue"
	"github.com/vodworks/vod-pipeline/internal/sessions"
	"github.com/vodworks/vod-pipeline/internal/storage"
	"github.com/vodworks/vod-pipeline/pkg/models"
)

var tracer = otel.Tracer("vod-api")

// Configuration constants
const (
	PresignedURLExpiration = 10 * time.Minute
	MaxFilenameLength      = 255
	MaxRequestBodySize     = 1 << 20 // 1 MB
)

// Allowed video extensions and content types for direct upload
var (
	AllowedExtensions = map[string]bool{
		".mp4":  true,
		".mov":  true,
		".avi":  true,
		".mkv":  true,
		".webm": true,
	}

	AllowedContentTypes = map[string]bool{
		"video/mp4":        true,
		"video/quicktime":  true,
		"video/x-msvideo":  true,
		"video/x-matroska": true,
		"video/webm":       true,
	}
)

// Handlers contains all HTTP handlers for the API.
type Handlers struct {
	cfg            *config.Config
	log            *slog.Logger
	ledger         ledger.Ledger
	store          storage.Store
	sessions       sessions.Store
	importQueue    queue.Queue
	transcodeQueue queue.Queue
	jwtService     *auth.JWTService
}

// HandlersConfig holds dependencies for handlers.
type HandlersConfig struct {
	Config         *config.Config
	Logger         *slog.Logger
	Ledger         ledger.Ledger
	Store          storage.Store
	Sessions       sessions.Store
	ImportQueue    queue.Queue
	TranscodeQueue queue.Queue
	JWTService     *auth.JWTService
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg *HandlersConfig) *Handlers {
	return &Handlers{
		cfg:            cfg.Config,
		log:            cfg.Logger,
		ledger:         cfg.Ledger,
		store:          cfg.Store,
		sessions:       cfg.Sessions,
		importQueue:    cfg.ImportQueue,
		transcodeQueue: cfg.TranscodeQueue,
		jwtService:     cfg.JWTService,
	}
}

// writeJSON writes a JSON response.
func (h *Handlers) writeJSON(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.ErrorContext(ctx, "Failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response.
func (h *Handlers) writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	h.writeJSON(ctx, w, status, map[string]string{"error": message})
}

// decodeBody decodes a size-limited JSON request body into dst.
func (h *Handlers) decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	return json.NewDecoder(r.Body).Decode(dst)
}

func (h *Handlers) writeDecodeError(ctx context.Context, w http.ResponseWriter, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		h.writeError(ctx, w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	h.writeError(ctx, w, http.StatusBadRequest, "Invalid request body")
}

// artifactURL turns an object key into a CDN-facing URL. Keys are returned
// as-is when no CDN domain is configured (dev mode).
func (h *Handlers) artifactURL(key string) string {
	if key == "" {
		return ""
	}
	if h.cfg.AWS.CDNDomain == "" {
		return key
	}
	return fmt.Sprintf("https://%s/%s", h.cfg.AWS.CDNDomain, key)
}

// LoginHandler handles user authentication and returns a JWT token.
func (h *Handlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientIP := auth.GetClientIP(r)

	username, password, ok := r.BasicAuth()
	if !ok {
		h.writeError(ctx, w, http.StatusUnauthorized, "Missing credentials")
		return
	}

	expectedUsername, expectedPassword, err := h.cfg.GetAPICredentials()
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to get API credentials", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Server configuration error")
		return
	}

	if username != expectedUsername || password != expectedPassword {
		h.log.WarnContext(ctx, "Failed login attempt", "username", username, "ip", clientIP)
		h.writeError(ctx, w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := h.jwtService.GenerateToken(username)
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to generate token", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	h.log.InfoContext(ctx, "Successful login", "username", username, "ip", clientIP)
	h.writeJSON(ctx, w, http.StatusOK, map[string]string{"token": token})
}

// ImportJobRequest is the request payload for enqueueing an import.
type ImportJobRequest struct {
	Platform    string `json:"platform"`
	SourceURL   string `json:"sourceUrl"`
	RequestedBy string `json:"requestedBy"`
}

// EnqueueJobResponse reports one enqueued (or deduplicated) job.
type EnqueueJobResponse struct {
	JobID   string `json:"jobId"`
	Preset  string `json:"preset,omitempty"`
	Created bool   `json:"created"`
}

// ImportJobHandler enqueues an import job. The platform allow-list is
// enforced synchronously; a dedup hit returns the existing job id.
func (h *Handlers) ImportJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "import-job-handler")
	defer span.End()

	var req ImportJobRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.writeDecodeError(ctx, w, err)
		return
	}

	if req.RequestedBy == "" {
		if claims, ok := auth.GetClaimsFromContext(ctx); ok {
			req.RequestedBy = claims.Username
		}
	}

	if !h.cfg.Pipeline.PlatformAllowed(req.Platform) {
		h.writeError(ctx, w, http.StatusBadRequest,
			fmt.Sprintf("platform %q is not on the import allow-list", req.Platform))
		return
	}

	spec := models.JobSpec{
		Type:        models.JobTypeImport,
		Platform:    req.Platform,
		SourceURL:   req.SourceURL,
		RequestedBy: req.RequestedBy,
		MaxAttempts: h.cfg.Pipeline.RetryLimit,
	}
	if err := spec.Validate(); err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	job, created, err := h.ledger.Enqueue(ctx, spec)
	if err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to enqueue import job", "error", err, "sourceUrl", req.SourceURL)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}
	span.SetAttributes(attribute.String("job.id", job.ID))

	if created {
		metrics.RecordEnqueued(string(models.JobTypeImport))
	}
	h.publishHint(ctx, h.importQueue, job.ID, models.JobTypeImport)

	h.log.InfoContext(ctx, "Import job enqueued",
		"jobId", job.ID,
		"platform", req.Platform,
		"created", created,
	)
	h.writeJSON(ctx, w, http.StatusAccepted, EnqueueJobResponse{JobID: job.ID, Created: created})
}

// TranscodeJobRequest is the request payload for enqueueing transcodes.
type TranscodeJobRequest struct {
	VideoID string `json:"videoId"`
}

// TranscodeJobsResponse lists the fan-out per configured preset.
type TranscodeJobsResponse struct {
	VideoID string               `json:"videoId"`
	Jobs    []EnqueueJobResponse `json:"jobs"`
}

// TranscodeJobHandler fans out one transcode job per configured preset.
// Oversize sources are rejected before any job is created.
func (h *Handlers) TranscodeJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "transcode-job-handler")
	defer span.End()

	var req TranscodeJobRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.writeDecodeError(ctx, w, err)
		return
	}
	if req.VideoID == "" {
		h.writeError(ctx, w, http.StatusBadRequest, "videoId is required")
		return
	}

	video, err := h.ledger.GetVideo(ctx, req.VideoID)
	if err != nil {
		if errors.Is(err, models.ErrVideoNotFound) {
			h.writeError(ctx, w, http.StatusNotFound, "Video not found")
			return
		}
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to load video", "error", err, "videoId", req.VideoID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to load video")
		return
	}
	if video.Status == models.VideoDeleted {
		h.writeError(ctx, w, http.StatusGone, "Video has been deleted")
		return
	}
	if video.SourceBytes > h.cfg.Pipeline.MaxSourceBytes {
		h.writeError(ctx, w, http.StatusBadRequest, models.ErrSourceTooLarge.Error())
		return
	}

	jobs, err := h.fanOutTranscodes(ctx, video.ID)
	if err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to fan out transcode jobs", "error", err, "videoId", video.ID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to enqueue jobs")
		return
	}

	h.log.InfoContext(ctx, "Transcode jobs enqueued", "videoId", video.ID, "count", len(jobs))
	h.writeJSON(ctx, w, http.StatusAccepted, TranscodeJobsResponse{VideoID: video.ID, Jobs: jobs})
}

// fanOutTranscodes enqueues one transcode job per configured preset and
// publishes the wake-up hints. Enqueue idempotency makes repeats safe.
func (h *Handlers) fanOutTranscodes(ctx context.Context, videoID string) ([]EnqueueJobResponse, error) {
	jobs := make([]EnqueueJobResponse, 0, len(h.cfg.Pipeline.Presets))
	for _, preset := range h.cfg.Pipeline.Presets {
		spec := models.JobSpec{
			Type:        models.JobTypeTranscode,
			VideoID:     videoID,
			Preset:      preset,
			MaxAttempts: h.cfg.Pipeline.RetryLimit,
		}
		job, created, err := h.ledger.Enqueue(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("enqueue transcode %s: %w", preset, err)
		}
		if created {
			metrics.RecordEnqueued(string(models.JobTypeTranscode))
		}
		h.publishHint(ctx, h.transcodeQueue, job.ID, models.JobTypeTranscode)
		jobs = append(jobs, EnqueueJobResponse{JobID: job.ID, Preset: preset, Created: created})
	}
	return jobs, nil
}

// publishHint sends a wake-up message. Publish failures are logged, not
// surfaced: the reporter's queue-depth poll and worker backoff will pick the
// job up from the ledger regardless.
func (h *Handlers) publishHint(ctx context.Context, q queue.Queue, jobID string, jobType models.JobType) {
	if q == nil {
		return
	}
	if err := q.Publish(ctx, models.JobMessage{JobID: jobID, Type: jobType}); err != nil {
		h.log.WarnContext(ctx, "Failed to publish job hint", "jobId", jobID, "type", jobType, "error", err)
	}
}

// GetJobHandler returns one ledger row.
func (h *Handlers) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	job, err := h.ledger.Get(ctx, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			h.writeError(ctx, w, http.StatusNotFound, "Job not found")
			return
		}
		h.log.ErrorContext(ctx, "Failed to load job", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to load job")
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, job)
}

// CancelJobHandler cancels a queued job, or flags a processing job for
// cancellation at its next checkpoint.
func (h *Handlers) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := r.PathValue("id")

	err := h.ledger.Cancel(ctx, jobID)
	switch {
	case err == nil:
		h.settleAfterCancel(ctx, jobID)
		h.writeJSON(ctx, w, http.StatusAccepted, map[string]string{"jobId": jobID, "status": "cancelling"})
	case errors.Is(err, models.ErrJobNotFound):
		h.writeError(ctx, w, http.StatusNotFound, "Job not found")
	case errors.Is(err, models.ErrInvalidTransition):
		h.writeError(ctx, w, http.StatusConflict, "Job already finished")
	default:
		h.log.ErrorContext(ctx, "Failed to cancel job", "error", err, "jobId", jobID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to cancel job")
	}
}

// settleAfterCancel rolls the video up when a queued transcode job went
// terminal on cancel. A processing job only gets its flag set; its worker
// finalizes on the checkpoint path instead.
func (h *Handlers) settleAfterCancel(ctx context.Context, jobID string) {
	job, err := h.ledger.Get(ctx, jobID)
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to reload cancelled job", "error", err, "jobId", jobID)
		return
	}
	if job.Type != models.JobTypeTranscode || !job.Status.Terminal() {
		return
	}
	if err := ledger.SettleVideo(ctx, h.ledger, job.VideoID); err != nil {
		h.log.ErrorContext(ctx, "Failed to settle video after cancel", "error", err, "videoId", job.VideoID)
	}
}

// VideoResponse is the public view of a video asset.
type VideoResponse struct {
	ID               string   `json:"id"`
	CreatorID        string   `json:"creatorId"`
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	Visibility       string   `json:"visibility"`
	Status           string   `json:"status"`
	DurationSeconds  *float64 `json:"durationSeconds,omitempty"`
	AvailablePresets []string `json:"availablePresets"`
	ThumbnailURL     string   `json:"thumbnailUrl,omitempty"`
	HLSManifestURL   string   `json:"hlsManifestUrl,omitempty"`
	PlaybackURL      string   `json:"playbackUrl,omitempty"`
	CreatedAt        string   `json:"createdAt"`
	UpdatedAt        string   `json:"updatedAt"`
}

func (h *Handlers) videoResponse(v *models.VideoAsset) VideoResponse {
	resp := VideoResponse{
		ID:               v.ID,
		CreatorID:        v.CreatorID,
		Title:            v.Title,
		Description:      v.Description,
		Tags:             v.Tags,
		Visibility:       string(v.Visibility),
		Status:           string(v.Status),
		DurationSeconds:  v.DurationSeconds,
		AvailablePresets: v.AvailablePresets(),
		ThumbnailURL:     h.artifactURL(v.ThumbnailKey),
		HLSManifestURL:   h.artifactURL(v.HLSManifestKey),
		CreatedAt:        v.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        v.UpdatedAt.UTC().Format(time.RFC3339),
	}
	// HLS is the playback surface once shared artifacts exist.
	resp.PlaybackURL = resp.HLSManifestURL
	return resp
}

// GetVideoHandler returns a video with its playback references.
func (h *Handlers) GetVideoHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	video, err := h.ledger.GetVideo(ctx, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, models.ErrVideoNotFound) {
			h.writeError(ctx, w, http.StatusNotFound, "Video not found")
			return
		}
		h.log.ErrorContext(ctx, "Failed to load video", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to load video")
		return
	}
	if video.Status == models.VideoDeleted {
		h.writeError(ctx, w, http.StatusGone, "Video has been deleted")
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, h.videoResponse(video))
}

// DeleteVideoHandler soft-deletes a video. Idempotent.
func (h *Handlers) DeleteVideoHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	videoID := r.PathValue("id")

	if err := h.ledger.SoftDeleteVideo(ctx, videoID); err != nil {
		if errors.Is(err, models.ErrVideoNotFound) {
			h.writeError(ctx, w, http.StatusNotFound, "Video not found")
			return
		}
		h.log.ErrorContext(ctx, "Failed to delete video", "error", err, "videoId", videoID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to delete video")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateVideoRequest carries creator-owned metadata changes. Omitted fields
// keep their current value.
type UpdateVideoRequest struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Tags        *[]string `json:"tags"`
	Visibility  *string   `json:"visibility"`
}

// UpdateVideoHandler applies metadata edits to a video.
func (h *Handlers) UpdateVideoHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	videoID := r.PathValue("id")

	var req UpdateVideoRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.writeDecodeError(ctx, w, err)
		return
	}

	video, err := h.ledger.GetVideo(ctx, videoID)
	if err != nil {
		if errors.Is(err, models.ErrVideoNotFound) {
			h.writeError(ctx, w, http.StatusNotFound, "Video not found")
			return
		}
		h.log.ErrorContext(ctx, "Failed to load video", "error", err, "videoId", videoID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to load video")
		return
	}

	title, description, tags, visibility := video.Title, video.Description, video.Tags, video.Visibility
	if req.Title != nil {
		title = *req.Title
	}
	if req.Description != nil {
		description = *req.Description
	}
	if req.Tags != nil {
		tags = *req.Tags
	}
	if req.Visibility != nil {
		visibility = models.Visibility(*req.Visibility)
		if !visibility.IsValid() {
			h.writeError(ctx, w, http.StatusBadRequest, fmt.Sprintf("invalid visibility %q", *req.Visibility))
			return
		}
	}
	if title == "" {
		h.writeError(ctx, w, http.StatusBadRequest, "title must not be empty")
		return
	}

	if err := h.ledger.UpdateVideoMetadata(ctx, videoID, title, description, tags, visibility); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			h.writeError(ctx, w, http.StatusGone, "Video has been deleted")
			return
		}
		h.log.ErrorContext(ctx, "Failed to update video metadata", "error", err, "videoId", videoID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to update video")
		return
	}

	updated, err := h.ledger.GetVideo(ctx, videoID)
	if err != nil {
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to load video")
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, h.videoResponse(updated))
}

// InitUploadRequest is the request payload for upload initialization.
type InitUploadRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
}

// InitUploadResponse is the response payload for upload initialization.
type InitUploadResponse struct {
	UploadURL string `json:"uploadUrl"`
	VideoID   string `json:"videoId"`
	Key       string `json:"key"`
	RequestID string `json:"requestId"`
}

// InitUploadHandler generates a presigned URL for direct video upload.
func (h *Handlers) InitUploadHandler(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	ctx, span := tracer.Start(r.Context(), "init-upload-handler",
		trace.WithAttributes(
			attribute.String("handler", "init-upload"),
			attribute.String("request.id", requestID),
		))
	defer span.End()

	var req InitUploadRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		span.RecordError(err)
		h.writeDecodeError(ctx, w, err)
		return
	}

	if err := validateFilename(req.Filename); err != nil {
		span.RecordError(err)
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateContentType(req.ContentType); err != nil {
		span.RecordError(err)
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	videoID := uuid.New().String()
	ext := strings.ToLower(filepath.Ext(req.Filename))
	key := storage.SourceKey(videoID, ext)

	span.SetAttributes(
		attribute.String("video.id", videoID),
		attribute.String("video.key", key),
		attribute.String("video.content_type", req.ContentType),
	)

	uploadURL, err := h.store.PresignPut(ctx, storage.RoleSource, key, req.ContentType, PresignedURLExpiration)
	if err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to generate presigned URL",
			"error", err,
			"videoId", videoID,
			"requestId", requestID,
		)
		h.writeError(ctx, w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.log.InfoContext(ctx, "Generated presigned URL",
		"videoId", videoID,
		"key", key,
		"filename", req.Filename,
		"requestId", requestID,
	)

	h.writeJSON(ctx, w, http.StatusOK, InitUploadResponse{
		UploadURL: uploadURL,
		VideoID:   videoID,
		Key:       key,
		RequestID: requestID,
	})
}

// CompleteUploadRequest is the request payload for completing an upload.
type CompleteUploadRequest struct {
	VideoID  string `json:"videoId"`
	Key      string `json:"key"`
	Filename string `json:"filename"`
	Title    string `json:"title"`
}

// CompleteUploadResponse is the response payload for completed uploads.
type CompleteUploadResponse struct {
	VideoID   string               `json:"videoId"`
	Status    string               `json:"status"`
	Jobs      []EnqueueJobResponse `json:"jobs"`
	RequestID string               `json:"requestId"`
}

// CompleteUploadHandler verifies the uploaded object, registers the video,
// and fans out one transcode job per configured preset.
func (h *Handlers) CompleteUploadHandler(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	ctx, span := tracer.Start(r.Context(), "complete-upload-handler",
		trace.WithAttributes(
			attribute.String("handler", "complete-upload"),
			attribute.String("request.id", requestID),
		))
	defer span.End()

	var req CompleteUploadRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		span.RecordError(err)
		h.writeDecodeError(ctx, w, err)
		return
	}

	if req.VideoID == "" {
		h.writeError(ctx, w, http.StatusBadRequest, "videoId is required")
		return
	}
	if req.Key == "" {
		h.writeError(ctx, w, http.StatusBadRequest, "key is required")
		return
	}
	if err := validateSourceKey(req.Key, req.VideoID); err != nil {
		span.RecordError(err)
		h.log.WarnContext(ctx, "Invalid source key",
			"key", req.Key,
			"videoId", req.VideoID,
			"requestId", requestID,
			"error", err,
		)
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	span.SetAttributes(
		attribute.String("video.id", req.VideoID),
		attribute.String("video.key", req.Key),
	)

	size, err := h.store.Head(ctx, storage.RoleSource, req.Key)
	if err != nil {
		if errors.Is(err, models.ErrObjectNotFound) {
			h.writeError(ctx, w, http.StatusNotFound, "Uploaded object not found")
			return
		}
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to stat uploaded object", "error", err, "key", req.Key)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to verify upload")
		return
	}
	if size > h.cfg.Pipeline.MaxSourceBytes {
		h.writeError(ctx, w, http.StatusBadRequest, models.ErrSourceTooLarge.Error())
		return
	}
	span.SetAttributes(attribute.Int64("video.size_bytes", size))

	title := req.Title
	if title == "" {
		title = req.Filename
	}
	if title == "" {
		title = req.VideoID
	}

	creator := ""
	if claims, ok := auth.GetClaimsFromContext(ctx); ok {
		creator = claims.Username
	}

	video := &models.VideoAsset{
		ID:          req.VideoID,
		CreatorID:   creator,
		Title:       title,
		SourceKey:   req.Key,
		SourceBytes: size,
	}
	if err := h.ledger.CreateVideo(ctx, video); err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to create video record", "error", err, "videoId", req.VideoID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to register video")
		return
	}
	if err := h.ledger.SetVideoProcessing(ctx, video.ID); err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to mark video processing", "error", err, "videoId", video.ID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to register video")
		return
	}
	metrics.StorageBytes.WithLabelValues(storage.RoleSource).Add(float64(size))

	jobs, err := h.fanOutTranscodes(ctx, video.ID)
	if err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to fan out transcode jobs", "error", err, "videoId", video.ID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to queue jobs")
		return
	}

	h.log.InfoContext(ctx, "Upload complete, transcode jobs queued",
		"videoId", video.ID,
		"sourceBytes", size,
		"requestId", requestID,
	)

	h.writeJSON(ctx, w, http.StatusAccepted, CompleteUploadResponse{
		VideoID:   video.ID,
		Status:    "processing",
		Jobs:      jobs,
		RequestID: requestID,
	})
}

// StartSessionRequest optionally identifies the viewer.
type StartSessionRequest struct {
	UserID string `json:"userId"`
}

// StartSessionHandler opens a view session on a video.
func (h *Handlers) StartSessionHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	videoID := r.PathValue("id")

	var req StartSessionRequest
	if r.ContentLength > 0 {
		if err := h.decodeBody(w, r, &req); err != nil {
			h.writeDecodeError(ctx, w, err)
			return
		}
	}

	video, err := h.ledger.GetVideo(ctx, videoID)
	if err != nil {
		if errors.Is(err, models.ErrVideoNotFound) {
			h.writeError(ctx, w, http.StatusNotFound, "Video not found")
			return
		}
		h.log.ErrorContext(ctx, "Failed to load video", "error", err, "videoId", videoID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to load video")
		return
	}
	if video.Status == models.VideoDeleted {
		h.writeError(ctx, w, http.StatusGone, "Video has been deleted")
		return
	}

	session, err := h.sessions.Start(ctx, videoID, req.UserID)
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to start view session", "error", err, "videoId", videoID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to start session")
		return
	}
	h.writeJSON(ctx, w, http.StatusCreated, session)
}

// EndSessionRequest carries the watched fraction of the video.
type EndSessionRequest struct {
	CompletionPercentage float64 `json:"completionPercentage"`
}

// EndSessionHandler closes a view session. Repeat calls keep the original
// end time.
func (h *Handlers) EndSessionHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("id")

	var req EndSessionRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.writeDecodeError(ctx, w, err)
		return
	}

	session, err := h.sessions.End(ctx, sessionID, req.CompletionPercentage)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			h.writeError(ctx, w, http.StatusNotFound, "Session not found")
			return
		}
		h.log.ErrorContext(ctx, "Failed to end view session", "error", err, "sessionId", sessionID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to end session")
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, session)
}

// Validation functions

func validateFilename(filename string) error {
	if filename == "" {
		return errors.New("filename is required")
	}
	if len(filename) > MaxFilenameLength {
		return errors.New("filename too long")
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if !AllowedExtensions[ext] {
		return errors.New("invalid file type: allowed extensions are mp4, mov, avi, mkv, webm")
	}
	return nil
}

func validateContentType(contentType string) error {
	if contentType == "" {
		return errors.New("content type is required")
	}
	if !AllowedContentTypes[contentType] {
		return fmt.Errorf("unsupported content type %q", contentType)
	}
	return nil
}

func validateSourceKey(key, videoID string) error {
	decodedKey, err := url.PathUnescape(key)
	if err != nil {
		return errors.New("invalid key: bad URL encoding")
	}
	if strings.Contains(decodedKey, "..") || strings.Contains(key, "..") {
		return errors.New("invalid key: path traversal not allowed")
	}

	expectedPrefix := fmt.Sprintf("source/%s", videoID)
	if !strings.HasPrefix(key, expectedPrefix) {
		return fmt.Errorf("invalid key: must start with %s", expectedPrefix)
	}

	ext := strings.ToLower(filepath.Ext(key))
	if !AllowedExtensions[ext] {
		return errors.New("invalid key: unsupported extension")
	}
	return nil
}
