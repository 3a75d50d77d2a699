package models

import "errors"

// Sentinel errors for ledger and pipeline operations.
var (
	// Ledger errors
	ErrJobNotFound       = errors.New("job not found")
	ErrVideoNotFound     = errors.New("video not found")
	ErrSessionNotFound   = errors.New("view session not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrClaimConflict     = errors.New("job claimed by another worker")
	ErrRetryExhausted    = errors.New("retry limit reached")

	// Validation errors, rejected synchronously before a job is created
	ErrInvalidJobSpec      = errors.New("invalid job spec")
	ErrMissingJobID        = errors.New("jobId is required")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrSourceTooLarge      = errors.New("source file exceeds maximum size")
	ErrUnknownPreset       = errors.New("unknown quality preset")

	// Storage errors
	ErrObjectNotFound = errors.New("object not found")

	// Execution errors
	ErrJobParseFailed  = errors.New("failed to parse job message")
	ErrDownloadFailed  = errors.New("failed to download source")
	ErrEncodeFailed    = errors.New("failed to encode rendition")
	ErrExtractFailed   = errors.New("failed to extract media")
	ErrUploadFailed    = errors.New("failed to upload artifacts")
	ErrContextCanceled = errors.New("context canceled")
)
