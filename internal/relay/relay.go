package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/pawciobiel/golubrelay/internal/config"
	"github.com/pawciobiel/golubrelay/internal/delivery"
	"github.com/pawciobiel/golubrelay/internal/metrics"
	"github.com/pawciobiel/golubrelay/internal/queue"
	"github.com/pawciobiel/golubrelay/internal/storage"
)

const shutdownTimeout = 30 * time.Second

// Store is the part of queue.Store the worker loop uses.
type Store interface {
	Claim(ctx context.Context, worker string, limit int, lease time.Duration) ([]*queue.Job, error)
	Complete(ctx context.Context, worker string, u queue.Update) error
	Release(ctx context.Context, worker string, id int64) error
}

// Sender runs one rotation for a message. *delivery.Engine implements it.
type Sender interface {
	Send(ctx context.Context, cur delivery.Cursor, msg *delivery.Message) delivery.Report
}

// Signer signs an outgoing payload. *dkim.Signer implements it and passes
// messages through unchanged when DKIM is not configured.
type Signer interface {
	Sign(message []byte, from string) ([]byte, error)
}

type Options struct {
	WorkerID       string
	IPv6Enabled    bool
	MaxRetries     int
	BatchSize      int
	PollInterval   time.Duration
	Lease          time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	SpoolDir       string
	BufferSize     int
	MaxConsumers   int
}

// OptionsFromConfig builds worker options with a fresh worker id.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		WorkerID:       fmt.Sprintf("%s-%s", cfg.Relay.Hostname, storage.GenerateID()[:12]),
		IPv6Enabled:    cfg.Relay.IPv6Enabled,
		MaxRetries:     cfg.Relay.MaxRetries,
		BatchSize:      cfg.Relay.BatchSize,
		PollInterval:   cfg.Relay.PollInterval,
		Lease:          cfg.Relay.Lease,
		RetryBaseDelay: cfg.Relay.RetryBaseDelay,
		RetryMaxDelay:  cfg.Relay.RetryMaxDelay,
		SpoolDir:       cfg.Spool.Dir,
		BufferSize:     cfg.Queue.BufferSize,
		MaxConsumers:   cfg.Queue.MaxConsumers,
	}
}

// Relay claims due jobs from the store, runs them through the delivery
// engine and writes every outcome back.
type Relay struct {
	store  Store
	sender Sender
	signer Signer
	opts   Options
	logger *slog.Logger
	queue  *queue.Queue

	now    func() time.Time
	jitter func(n int64) int64
}

func New(store Store, sender Sender, signer Signer, opts Options, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:  store,
		sender: sender,
		signer: signer,
		opts:   opts,
		logger: logger.With("worker", opts.WorkerID),
		now:    time.Now,
		jitter: rand.Int64N,
	}
}

// Run polls the store until ctx is cancelled, then waits for in-flight jobs.
func (r *Relay) Run(ctx context.Context) error {
	r.queue = queue.NewQueue(ctx, r.opts.BufferSize, r.opts.MaxConsumers, r.Process, r.logger)
	r.queue.StartConsumers(ctx)

	r.logger.Info("Relay started",
		"poll_interval", r.opts.PollInterval,
		"batch_size", r.opts.BatchSize,
		"consumers", r.opts.MaxConsumers,
		"ipv6", r.opts.IPv6Enabled)

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.poll(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("Failed to claim jobs", "error", err)
		}

		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return r.queue.Stop(stopCtx)
		case <-ticker.C:
		}
	}
}

// poll claims as many jobs as the dispatch queue can take and publishes them.
func (r *Relay) poll(ctx context.Context) (int, error) {
	limit := min(r.opts.BatchSize, r.queue.Idle())
	if limit <= 0 {
		return 0, nil
	}

	jobs, err := r.store.Claim(ctx, r.opts.WorkerID, limit, r.opts.Lease)
	if err != nil {
		return 0, err
	}
	metrics.Claimed.Add(float64(len(jobs)))

	for i, job := range jobs {
		if err := r.queue.Publish(ctx, job); err != nil {
			r.logger.Warn("Failed to dispatch claimed jobs", "count", len(jobs)-i, "error", err)
			r.release(ctx, jobs[i:])
			return i, nil
		}
	}
	return len(jobs), nil
}

func (r *Relay) release(ctx context.Context, jobs []*queue.Job) {
	ctx = context.WithoutCancel(ctx)
	for _, job := range jobs {
		if err := r.store.Release(ctx, r.opts.WorkerID, job.ID); err != nil {
			r.logger.Error("Failed to release job", "job_id", job.ID, "error", err)
		}
	}
}

// Process delivers one claimed job and persists the outcome.
func (r *Relay) Process(ctx context.Context, job *queue.Job) {
	logger := r.logger.With("job_id", job.ID, "to", job.MailTo)

	data, err := storage.ReadPayload(job.EmailPath)
	if err != nil {
		logger.Error("Payload unavailable", "path", job.EmailPath, "error", err)
		r.complete(ctx, logger, job, r.terminal(job, queue.StatusFailed, "payload_unavailable"))
		return
	}

	if signed, err := r.signer.Sign(data, job.MailFrom); err != nil {
		logger.Warn("DKIM signing failed, sending unsigned", "error", err)
	} else {
		data = signed
	}

	msg := &delivery.Message{
		ID:   fmt.Sprintf("%d", job.ID),
		From: job.MailFrom,
		To:   job.MailTo,
		Data: data,
	}
	cur := delivery.Cursor{
		MX:           job.MXCursor,
		IP:           job.IPCursor,
		IPv4Fallback: job.IPv6Fallback,
	}

	rep := r.sender.Send(ctx, cur, msg)
	if ctx.Err() != nil && rep.Result != delivery.Success {
		// Interrupted by shutdown, not a delivery outcome. An attempt aborted
		// mid-conversation surfaces as an unreachable server with no error.
		logger.Info("Delivery interrupted, releasing job")
		r.release(ctx, []*queue.Job{job})
		return
	}
	metrics.Delivery.WithLabelValues(rep.Result.String()).Inc()

	update := r.outcome(job, rep)
	logger.Info("Delivery processed",
		"result", rep.Result,
		"status", update.Status,
		"retry", update.Retry,
		"last_code", update.LastCode,
		"remote", rep.RemoteAddr,
		"source", rep.SourceAddr,
		"exhausted", rep.Exhausted,
		"error", rep.Err)

	r.complete(ctx, logger, job, update)
}

func (r *Relay) terminal(job *queue.Job, status queue.Status, lastCode string) queue.Update {
	return queue.Update{
		ID:            job.ID,
		Status:        status,
		Retry:         job.Retry,
		MXCursor:      job.MXCursor,
		IPCursor:      job.IPCursor,
		IPv6Fallback:  job.IPv6Fallback,
		BindIP:        job.BindIP,
		LastCode:      lastCode,
		EmailPath:     job.EmailPath,
		DateProcessed: r.now(),
	}
}

// outcome maps a rotation report onto the job's next persisted state.
//
//	success                                  -> delivered
//	malformed recipient, permanent rejection -> failed
//	anything else                            -> pending with backoff, or
//	                                            exhausted past max retries
//
// A rejection is permanent when the rotation ended on a 5xx reply: an unknown
// mailbox on every MX, or a decisive 5xx from one of them. A rotation cut
// short by a lookup or binding error is retried even if an earlier MX
// answered 5xx.
func (r *Relay) outcome(job *queue.Job, rep delivery.Report) queue.Update {
	now := r.now()
	u := queue.Update{
		ID:            job.ID,
		Retry:         job.Retry,
		MXCursor:      rep.Cursor.MX,
		IPCursor:      rep.Cursor.IP,
		IPv6Fallback:  rep.Cursor.IPv4Fallback,
		BindIP:        job.BindIP,
		LastCode:      rep.LastCode(),
		EmailPath:     job.EmailPath,
		DateProcessed: now,
	}
	if rep.SourceAddr != "" {
		u.BindIP = rep.SourceAddr
	}

	// Every MX failed over IPv6: the next cycle runs over IPv4.
	if rep.Exhausted && r.opts.IPv6Enabled && !rep.Cursor.IPv4Fallback {
		u.IPv6Fallback = true
	}

	switch {
	case rep.Result == delivery.Success:
		u.Status = queue.StatusDelivered
	case errors.Is(rep.Err, delivery.ErrMalformedRecipient):
		u.Status = queue.StatusFailed
	case rep.Err == nil && rep.Reply.Code >= 500 && rep.Reply.Code < 600:
		u.Status = queue.StatusFailed
	default:
		u.Retry++
		if u.Retry > r.opts.MaxRetries {
			u.Status = queue.StatusExhausted
		} else {
			u.Status = queue.StatusPending
			u.DateProcessed = now.Add(r.backoff(u.Retry))
		}
	}
	return u
}

// backoff doubles the base delay per retry up to the configured maximum and
// adds up to 25% jitter.
func (r *Relay) backoff(retry int) time.Duration {
	d := r.opts.RetryBaseDelay
	for i := 1; i < retry && d < r.opts.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, r.opts.RetryMaxDelay)
	if j := int64(d / 4); j > 0 {
		d += time.Duration(r.jitter(j))
	}
	return d
}

func (r *Relay) complete(ctx context.Context, logger *slog.Logger, job *queue.Job, u queue.Update) {
	switch u.Status {
	case queue.StatusDelivered:
		u.EmailPath = r.archive(logger, u.EmailPath, storage.SpoolDelivered)
	case queue.StatusFailed, queue.StatusExhausted:
		u.EmailPath = r.archive(logger, u.EmailPath, storage.SpoolFailed)
	}

	// The outcome is persisted even when shutdown has started.
	err := r.store.Complete(context.WithoutCancel(ctx), r.opts.WorkerID, u)
	switch {
	case errors.Is(err, queue.ErrLeaseLost):
		logger.Warn("Lease lost before outcome was written", "status", u.Status)
		return
	case err != nil:
		logger.Error("Failed to persist outcome", "status", u.Status, "error", err)
		return
	}
	metrics.Jobs.WithLabelValues(u.Status.String()).Inc()
}

func (r *Relay) archive(logger *slog.Logger, path string, state storage.SpoolState) string {
	if r.opts.SpoolDir == "" {
		return path
	}
	archived, err := storage.Archive(r.opts.SpoolDir, path, state)
	if err != nil {
		logger.Warn("Failed to archive payload", "path", path, "error", err)
	}
	return archived
}
