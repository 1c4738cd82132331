package queue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrPermanent wraps handler errors that must not be retried; the job
// goes straight to failed instead of the backoff cycle.
var ErrPermanent = errors.New("permanent job failure")

// Handler processes one claimed job. A nil return completes the job; an
// error schedules a retry unless it wraps ErrPermanent.
type Handler func(ctx context.Context, job *Job) error

// jobStore is the slice of Queue the consumer drives.
type jobStore interface {
	ClaimNext(ctx context.Context) (*Job, error)
	CompleteJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID string, jobErr error) error
	RetryJob(ctx context.Context, job *Job, jobErr error) error
}

// Consumer drives a bounded pool of goroutines over the queue. Items
// within one job are processed by a single goroutine; concurrency only
// applies across jobs.
type Consumer struct {
	queue        jobStore
	handler      Handler
	concurrency  int
	pollInterval time.Duration
}

func NewConsumer(q *Queue, handler Handler, concurrency int) *Consumer {
	return &Consumer{
		queue:        q,
		handler:      handler,
		concurrency:  concurrency,
		pollInterval: time.Second,
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight jobs to
// finish.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx)
		}()
	}
	wg.Wait()
}

func (c *Consumer) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := c.queue.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Queue] claim error: %v", err)
			c.sleep(ctx)
			continue
		}
		if job == nil {
			c.sleep(ctx)
			continue
		}

		c.processJob(ctx, job)
	}
}

func (c *Consumer) processJob(ctx context.Context, job *Job) {
	err := c.handler(ctx, job)
	if err == nil {
		if err := c.queue.CompleteJob(ctx, job.ID); err != nil {
			log.Printf("[Queue] failed to complete job %s: %v", job.ID, err)
		}
		return
	}

	if errors.Is(err, ErrPermanent) {
		log.Printf("[Queue] job %s failed permanently: %v", job.ID, err)
		if err := c.queue.FailJob(ctx, job.ID, err); err != nil {
			log.Printf("[Queue] failed to fail job %s: %v", job.ID, err)
		}
		return
	}

	if job.Attempts >= job.MaxAttempts {
		log.Printf("[Queue] job %s exhausted %d attempts: %v", job.ID, job.Attempts, err)
		if err := c.queue.FailJob(ctx, job.ID, err); err != nil {
			log.Printf("[Queue] failed to fail job %s: %v", job.ID, err)
		}
		return
	}

	log.Printf("[Queue] job %s failed (attempt %d/%d): %v", job.ID, job.Attempts, job.MaxAttempts, err)
	if err := c.queue.RetryJob(ctx, job, err); err != nil {
		log.Printf("[Queue] failed to schedule retry for job %s: %v", job.ID, err)
	}
}

func (c *Consumer) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(c.pollInterval):
	}
}
