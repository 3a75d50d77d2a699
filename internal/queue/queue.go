// Package queue carries wake-up hints between the API and the workers. A
// message only names a job id; the ledger row stays authoritative, so
// at-least-once delivery plus the ledger claim yields exactly-once execution.
package queue

import (
	"context"

	"github.com/vodworks/vod-pipeline/pkg/models"
)

// Message is one received queue entry. Handle is the broker receipt needed to
// delete it after processing.
type Message struct {
	Body   models.JobMessage
	Handle string
}

// Queue is the transport for job hints. Implementations must tolerate
// duplicate delivery; consumers dedup via the ledger claim.
type Queue interface {
	// Publish enqueues a hint for the given job.
	Publish(ctx context.Context, msg models.JobMessage) error

	// Receive long-polls for up to max messages. An empty slice with a nil
	// error means the poll timed out with nothing to do.
	Receive(ctx context.Context, max int) ([]Message, error)

	// Delete acknowledges a received message so it is not redelivered.
	Delete(ctx context.Context, handle string) error

	// Ping verifies the broker is reachable.
	Ping(ctx context.Context) error
}
