// Package worker runs the bounded pools that execute import and transcode
// jobs. Queue messages are wake-up hints only; a worker owns a job solely
// through the ledger claim.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vodworks/vod-pipeline/internal/ledger"
	"github.com/vodworks/vod-pipeline/internal/metrics"
	"github.com/vodworks/vod-pipeline/internal/queue"
	"github.com/vodworks/vod-pipeline/pkg/models"
)

var tracer = otel.Tracer("vod-worker")

// terminalMarkTimeout bounds the ledger writes that record a job's outcome.
// These run on their own context so they still land after shutdown
// cancellation.
const terminalMarkTimeout = 30 * time.Second

// JobError is a typed execution failure. The category drives the retry
// decision in the pool.
type JobError struct {
	Category models.ErrorCategory
	Err      error
}

func (e *JobError) Error() string { return e.Err.Error() }
func (e *JobError) Unwrap() error { return e.Err }

// Failf builds a JobError with a formatted message.
func Failf(category models.ErrorCategory, format string, args ...any) *JobError {
	return &JobError{Category: category, Err: fmt.Errorf(format, args...)}
}

// Executor runs one claimed job. Execute returning nil marks the job
// completed; a JobError controls the failure category, any other error is
// treated as transient.
type Executor interface {
	Execute(ctx context.Context, job *models.Job) error

	// Finalize runs after the job reaches a terminal state with no queued
	// successor. Aggregation side effects (video status rollup) live here.
	Finalize(ctx context.Context, job *models.Job) error
}

// PoolConfig holds pool dependencies.
type PoolConfig struct {
	Ledger        ledger.Ledger
	Queue         queue.Queue
	Executor      Executor
	Type          models.JobType
	WorkerID      string
	Concurrency   int
	JobTimeout    time.Duration
	ShutdownGrace time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	Logger        *slog.Logger
}

// Pool polls one queue and executes its jobs with bounded concurrency.
type Pool struct {
	ledger        ledger.Ledger
	queue         queue.Queue
	exec          Executor
	jobType       models.JobType
	workerID      string
	concurrency   int
	jobTimeout    time.Duration
	shutdownGrace time.Duration
	backoffBase   time.Duration
	backoffMax    time.Duration
	log           *slog.Logger
}

// NewPool creates a worker pool.
func NewPool(cfg PoolConfig) *Pool {
	p := &Pool{
		ledger:        cfg.Ledger,
		queue:         cfg.Queue,
		exec:          cfg.Executor,
		jobType:       cfg.Type,
		workerID:      cfg.WorkerID,
		concurrency:   cfg.Concurrency,
		jobTimeout:    cfg.JobTimeout,
		shutdownGrace: cfg.ShutdownGrace,
		backoffBase:   cfg.BackoffBase,
		backoffMax:    cfg.BackoffMax,
		log:           cfg.Logger,
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	if p.backoffBase <= 0 {
		p.backoffBase = time.Second
	}
	if p.backoffMax < p.backoffBase {
		p.backoffMax = p.backoffBase
	}
	return p
}

// Run polls until the context is cancelled, then waits for in-flight jobs.
// Jobs started before shutdown keep running until the grace period expires.
func (p *Pool) Run(ctx context.Context) {
	p.log.InfoContext(ctx, "Starting worker pool",
		"type", p.jobType,
		"workerId", p.workerID,
		"concurrency", p.concurrency,
	)

	// In-flight jobs outlive the polling context by up to the grace period.
	jobBase, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()
	go func() {
		<-ctx.Done()
		timer := time.NewTimer(p.shutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancelJobs()
		case <-jobBase.Done():
		}
	}()

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	backoff := p.backoffBase

messageLoop:
	for {
		select {
		case <-ctx.Done():
			break messageLoop
		default:
		}

		msgs, err := p.queue.Receive(ctx, p.concurrency)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.log.ErrorContext(ctx, "Failed to receive messages", "type", p.jobType, "error", err)
			sleepCtx(ctx, backoff)
			backoff = p.nextBackoff(backoff)
			continue
		}
		if len(msgs) == 0 {
			sleepCtx(ctx, backoff)
			backoff = p.nextBackoff(backoff)
			continue
		}
		backoff = p.backoffBase

		for _, msg := range msgs {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				break messageLoop
			}

			wg.Add(1)
			go func(msg queue.Message) {
				defer wg.Done()
				defer func() { <-sem }()
				p.handleMessage(jobBase, msg)
			}(msg)
		}
	}

	p.log.Info("Waiting for in-progress jobs to complete", "type", p.jobType)
	wg.Wait()
	p.log.Info("Worker pool stopped", "type", p.jobType)
}

func (p *Pool) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > p.backoffMax {
		return p.backoffMax
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// handleMessage consumes one hint. The hint is deleted once the claim attempt
// succeeds; a broker or ledger error leaves it for redelivery.
func (p *Pool) handleMessage(ctx context.Context, msg queue.Message) {
	ctx, span := tracer.Start(ctx, "handle-message")
	defer span.End()

	if err := msg.Body.Validate(); err != nil {
		p.log.WarnContext(ctx, "Dropping malformed job hint", "error", err)
		_ = p.queue.Delete(ctx, msg.Handle)
		return
	}

	job, err := p.ledger.Claim(ctx, p.jobType, p.workerID)
	if err != nil {
		p.log.ErrorContext(ctx, "Failed to claim job", "type", p.jobType, "error", err)
		return
	}
	_ = p.queue.Delete(ctx, msg.Handle)
	if job == nil {
		// Stale hint: the job was already claimed elsewhere or cancelled.
		return
	}

	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
		attribute.Int("job.attempt", job.Attempt),
	)

	p.execute(ctx, job)
}

func (p *Pool) execute(ctx context.Context, job *models.Job) {
	metrics.ActiveJobs.WithLabelValues(string(p.jobType)).Inc()
	defer metrics.ActiveJobs.WithLabelValues(string(p.jobType)).Dec()

	log := p.log.With("jobId", job.ID, "type", job.Type, "attempt", job.Attempt)
	log.InfoContext(ctx, "Executing job")

	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	err := p.exec.Execute(jobCtx, job)
	cancel()
	metrics.JobDuration.WithLabelValues(string(p.jobType)).Observe(time.Since(start).Seconds())

	// The terminal mark must land even after the grace timer cancelled ctx,
	// or the row strands in processing with no owner.
	markCtx, cancelMark := context.WithTimeout(context.WithoutCancel(ctx), terminalMarkTimeout)
	defer cancelMark()

	if err == nil {
		if markErr := p.ledger.MarkCompleted(markCtx, job.ID); markErr != nil {
			log.ErrorContext(markCtx, "Failed to mark job completed", "error", markErr)
			return
		}
		metrics.RecordCompleted(string(p.jobType))
		log.InfoContext(markCtx, "Job completed", "durationSeconds", time.Since(start).Seconds())
		p.finalize(markCtx, job)
		return
	}

	category := categorize(err)
	if category == models.CategoryCancelled && ctx.Err() != nil && !isJobError(err) {
		// The shutdown grace timer interrupted the job, not a cancel
		// request. Fail it transient so a successor runs on the next worker.
		category = models.CategoryTransient
	}
	log.ErrorContext(markCtx, "Job failed", "error", err, "category", category)

	if markErr := p.ledger.MarkFailed(markCtx, job.ID, category, err.Error()); markErr != nil {
		log.ErrorContext(markCtx, "Failed to mark job failed", "error", markErr)
	}
	metrics.RecordFailed(string(p.jobType), string(category))

	if category.Retryable() {
		successor, retryErr := p.ledger.Retry(markCtx, job.ID)
		switch {
		case retryErr == nil:
			log.InfoContext(markCtx, "Scheduled retry", "successorId", successor.ID, "attempt", successor.Attempt)
			hint := models.JobMessage{JobID: successor.ID, Type: successor.Type}
			if pubErr := p.queue.Publish(markCtx, hint); pubErr != nil {
				// The row stays queued; any later hint on this queue wakes a
				// claimer that picks it up.
				log.WarnContext(markCtx, "Failed to publish retry hint", "error", pubErr)
			}
			return
		case errors.Is(retryErr, models.ErrRetryExhausted):
			log.WarnContext(markCtx, "Retries exhausted")
		default:
			log.ErrorContext(markCtx, "Failed to schedule retry", "error", retryErr)
		}
	}

	p.finalize(markCtx, job)
}

func isJobError(err error) bool {
	var jobErr *JobError
	return errors.As(err, &jobErr)
}

func (p *Pool) finalize(ctx context.Context, job *models.Job) {
	if err := p.exec.Finalize(ctx, job); err != nil {
		p.log.ErrorContext(ctx, "Finalize failed", "jobId", job.ID, "error", err)
	}
}

// categorize maps an execution error to a failure category.
func categorize(err error) models.ErrorCategory {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr.Category
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, models.ErrContextCanceled) {
		return models.CategoryTimeout
	}
	if errors.Is(err, context.Canceled) {
		return models.CategoryCancelled
	}
	return models.CategoryTransient
}
