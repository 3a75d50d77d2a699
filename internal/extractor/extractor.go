// Package extractor fetches media from external platforms for import jobs.
package extractor

import (
	"context"

	"github.com/vodworks/vod-pipeline/pkg/models"
)

// Metadata is what a probe learns about a remote source before download.
type Metadata struct {
	ID       string
	Title    string
	Uploader string
	Duration float64
	Ext      string
}

// Extractor resolves and downloads media from a platform URL.
type Extractor interface {
	// Probe fetches source metadata without downloading media.
	Probe(ctx context.Context, url string) (*Metadata, error)

	// Download fetches the media into destPath and returns its size in
	// bytes.
	Download(ctx context.Context, url, destPath string) (int64, error)
}

// Classify maps an extraction failure to an error category. Exit output
// mentioning a missing or private source is permanent; everything else is
// assumed transient and worth a retry.
func Classify(err error) models.ErrorCategory {
	if err == nil {
		return ""
	}
	var execErr *ExecError
	if asExecError(err, &execErr) && execErr.Permanent() {
		return models.CategoryPermanent
	}
	return models.CategoryTransient
}
