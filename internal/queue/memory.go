package queue

import (
	"context"
	"strconv"
	"sync"

	"github.com/vodworks/vod-pipeline/pkg/models"
)

// Memory is a channel-free in-memory Queue for tests and single-node
// development. Received messages stay invisible until deleted or redelivered
// explicitly, mirroring the broker's visibility model.
type Memory struct {
	mu        sync.Mutex
	ready     []Message
	invisible map[string]Message
	seq       int
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *Memory {
	return &Memory{invisible: make(map[string]Message)}
}

func (q *Memory) Publish(ctx context.Context, msg models.JobMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	q.ready = append(q.ready, Message{Body: msg, Handle: "m" + strconv.Itoa(q.seq)})
	return nil
}

func (q *Memory) Receive(ctx context.Context, max int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max < 1 {
		max = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n := max
	if n > len(q.ready) {
		n = len(q.ready)
	}
	out := make([]Message, n)
	copy(out, q.ready[:n])
	q.ready = q.ready[n:]
	for _, m := range out {
		q.invisible[m.Handle] = m
	}
	return out, nil
}

func (q *Memory) Delete(ctx context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.invisible, handle)
	return nil
}

// Redeliver returns every undeleted received message to the ready list. Tests
// use it to simulate broker visibility timeouts.
func (q *Memory) Redeliver() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for handle, m := range q.invisible {
		q.ready = append(q.ready, m)
		delete(q.invisible, handle)
	}
}

// Depth reports how many messages are ready for delivery.
func (q *Memory) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

func (q *Memory) Ping(ctx context.Context) error { return ctx.Err() }
