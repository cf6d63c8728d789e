package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrQueueFull   = errors.New("queue full")
	ErrQueueClosed = errors.New("queue closed")
)

// Handler processes one claimed job.
type Handler func(ctx context.Context, job *Job)

// Queue hands claimed jobs to a bounded set of concurrent handlers.
type Queue struct {
	jobs        chan *Job
	handler     Handler
	logger      *slog.Logger
	sem         chan struct{} // Limits concurrent handlers
	processorWg sync.WaitGroup

	// Publisher coordination
	publisherCtx    context.Context
	publisherCancel context.CancelFunc
	publisherWg     sync.WaitGroup

	publishTimeout time.Duration
}

func NewQueue(ctx context.Context, bufferSize, maxProcessors int, handler Handler, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	publisherCtx, cancel := context.WithCancel(ctx)

	return &Queue{
		jobs:            make(chan *Job, bufferSize),
		handler:         handler,
		logger:          logger,
		sem:             make(chan struct{}, maxProcessors),
		publisherCtx:    publisherCtx,
		publisherCancel: cancel,
		publishTimeout:  5 * time.Second,
	}
}

// Idle reports how many jobs can be published without blocking.
func (q *Queue) Idle() int {
	return cap(q.jobs) - len(q.jobs)
}

// StartConsumers starts the consumer loop in a goroutine (non-blocking)
func (q *Queue) StartConsumers(ctx context.Context) {
	q.logger.Debug("Starting job queue consumers")
	go func() {
		for {
			select {
			case job, ok := <-q.jobs:
				if !ok {
					q.logger.Debug("Channel closed, exit consumer loop")
					return
				}

				// Blocks while every handler slot is busy
				q.sem <- struct{}{}
				q.processorWg.Go(func() {
					defer func() { <-q.sem }()
					q.process(ctx, job)
				})

			case <-ctx.Done():
				q.logger.Debug("Context cancelled, exit consumer loop")
				return
			}
		}
	}()
}

// Publish queues a job for processing, retrying with backoff while the
// buffer is full. It gives up with ErrQueueFull after the publish timeout.
func (q *Queue) Publish(ctx context.Context, job *Job) error {
	q.publisherWg.Add(1)
	defer q.publisherWg.Done()

	select {
	case <-q.publisherCtx.Done():
		return ErrQueueClosed
	default:
	}

	select {
	case q.jobs <- job:
		q.logger.Debug("Job published", "job_id", job.ID)
		return nil
	case <-q.publisherCtx.Done():
		return ErrQueueClosed
	default:
	}

	retryDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second
	startTime := time.Now()

	for {
		if time.Since(startTime) >= q.publishTimeout {
			q.logger.Warn("Queue full timeout exceeded", "job_id", job.ID, "total_wait", time.Since(startTime))
			return ErrQueueFull
		}

		timer := time.NewTimer(retryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-q.publisherCtx.Done():
			timer.Stop()
			return ErrQueueClosed
		}

		select {
		case q.jobs <- job:
			q.logger.Debug("Job published after retry", "job_id", job.ID, "total_wait", time.Since(startTime))
			return nil
		case <-q.publisherCtx.Done():
			return ErrQueueClosed
		default:
			retryDelay = min(retryDelay*2, maxDelay)
		}
	}
}

// Stop coordinates shutdown: stop publishers → wait → close channel → wait for handlers
func (q *Queue) Stop(ctx context.Context) error {
	q.logger.Info("Stopping job queue")

	q.publisherCancel()

	publisherDone := make(chan struct{})
	go func() {
		q.publisherWg.Wait()
		close(publisherDone)
	}()

	select {
	case <-publisherDone:
		q.logger.Debug("All publishers stopped")
	case <-ctx.Done():
		q.logger.Warn("Publisher shutdown timeout - forcing channel close")
	}

	close(q.jobs)

	done := make(chan struct{})
	go func() {
		q.processorWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("Job queue stopped gracefully")
		return nil
	case <-ctx.Done():
		q.logger.Warn("Handler shutdown timeout")
		return ctx.Err()
	}
}

func (q *Queue) process(ctx context.Context, job *Job) {
	q.logger.Debug("Processing job", "job_id", job.ID)
	q.handler(ctx, job)
	q.logger.Debug("Job processing completed", "job_id", job.ID)
}
