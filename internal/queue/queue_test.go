package queue

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/fortytw2/leaktest"

	"github.com/pawciobiel/golubrelay/internal/logging"
)

func TestMain(m *testing.M) {
	logging.InitTestLogging()
	code := m.Run()
	os.Exit(code)
}

var nextJobID atomic.Int64

func createTestJob() *Job {
	return &Job{
		ID:            nextJobID.Add(1),
		MailFrom:      "test@example.com",
		MailTo:        "user@example.net",
		DateProcessed: time.Now().UTC(),
	}
}

func noopHandler(ctx context.Context, job *Job) {}

func TestQueue_ProcessesPublishedJobs(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[int64]bool)
	done := make(chan struct{}, 10)
	queue := NewQueue(ctx, 10, 2, func(ctx context.Context, job *Job) {
		mu.Lock()
		seen[job.ID] = true
		mu.Unlock()
		done <- struct{}{}
	}, nil)
	queue.StartConsumers(ctx)

	jobs := make([]*Job, 5)
	for i := range jobs {
		jobs[i] = createTestJob()
		if err := queue.Publish(ctx, jobs[i]); err != nil {
			t.Fatalf("Failed to publish job: %v", err)
		}
	}

	for range jobs {
		select {
		case <-done:
		case <-ctx.Done():
			t.Fatal("timed out waiting for handlers")
		}
	}

	if err := queue.Stop(ctx); err != nil {
		t.Fatalf("Failed to stop queue: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, job := range jobs {
		if !seen[job.ID] {
			t.Errorf("job %d was not handled", job.ID)
		}
	}
}

func TestQueue_SemaphoreLimit(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var active, peak atomic.Int32
	started := make(chan struct{}, 5)
	release := make(chan struct{})
	queue := NewQueue(ctx, 10, 2, func(ctx context.Context, job *Job) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		started <- struct{}{}
		<-release
		active.Add(-1)
	}, nil)
	queue.StartConsumers(ctx)

	for i := 0; i < 5; i++ {
		if err := queue.Publish(ctx, createTestJob()); err != nil {
			t.Fatalf("Failed to publish job %d: %v", i, err)
		}
	}

	// Two handlers run, the rest wait for a slot.
	<-started
	<-started
	select {
	case <-started:
		t.Fatal("third handler started while two were busy")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	for i := 0; i < 3; i++ {
		<-started
	}
	if err := queue.Stop(ctx); err != nil {
		t.Fatalf("Failed to stop queue: %v", err)
	}
	if got := peak.Load(); got != 2 {
		t.Errorf("expected peak concurrency 2, got %d", got)
	}
}

func TestQueue_PublishToFullQueue(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Buffer of one and no consumers
		queue := NewQueue(ctx, 1, 1, noopHandler, nil)

		if err := queue.Publish(ctx, createTestJob()); err != nil {
			t.Fatalf("First publish should succeed: %v", err)
		}
		if queue.Idle() != 0 {
			t.Errorf("expected no idle slots, got %d", queue.Idle())
		}

		start := time.Now()
		err := queue.Publish(ctx, createTestJob())
		if !errors.Is(err, ErrQueueFull) {
			t.Errorf("Expected ErrQueueFull, got: %v", err)
		}
		if waited := time.Since(start); waited < 5*time.Second {
			t.Errorf("gave up after %s, before the publish timeout", waited)
		}
	})
}

func TestQueue_PublishCancelledWhileFull(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		queue := NewQueue(context.Background(), 1, 1, noopHandler, nil)
		if err := queue.Publish(ctx, createTestJob()); err != nil {
			t.Fatalf("First publish should succeed: %v", err)
		}

		errChan := make(chan error, 1)
		go func() {
			errChan <- queue.Publish(ctx, createTestJob())
		}()

		time.Sleep(300 * time.Millisecond)
		cancel()

		if err := <-errChan; !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got: %v", err)
		}
	})
}

func TestQueue_PublishAfterStop(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	queue := NewQueue(ctx, 10, 1, noopHandler, nil)
	queue.StartConsumers(ctx)
	if err := queue.Stop(ctx); err != nil {
		t.Fatalf("Failed to stop queue: %v", err)
	}

	if err := queue.Publish(ctx, createTestJob()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed, got: %v", err)
	}
}

func TestQueue_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	queue := NewQueue(ctx, 5, 1, noopHandler, nil)
	queue.StartConsumers(ctx)

	if err := queue.Publish(ctx, createTestJob()); err != nil {
		t.Fatalf("Failed to publish job: %v", err)
	}

	cancel()

	if err := queue.Publish(ctx, createTestJob()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed after context cancel, got: %v", err)
	}
}

func TestNewQueue(t *testing.T) {
	queue := NewQueue(context.Background(), 50, 3, noopHandler, nil)

	if cap(queue.jobs) != 50 {
		t.Errorf("Job buffer size wrong. Expected: 50, Got: %d", cap(queue.jobs))
	}
	if cap(queue.sem) != 3 {
		t.Errorf("Semaphore size wrong. Expected: 3, Got: %d", cap(queue.sem))
	}
	if queue.Idle() != 50 {
		t.Errorf("Expected 50 idle slots, got %d", queue.Idle())
	}
}
