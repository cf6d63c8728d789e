package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/pawciobiel/golubrelay/internal/config"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrLeaseLost   = errors.New("job lease lost")
)

// Status is the persisted state of a queued mail.
type Status int

const (
	StatusPending   Status = 0
	StatusDelivered Status = 1
	StatusFailed    Status = 2 // permanent failure
	StatusExhausted Status = 3 // retry ceiling exceeded
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	case StatusExhausted:
		return "exhausted"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Job is one row of queued_mails: one message to one recipient.
type Job struct {
	ID            int64
	MailFrom      string
	MailTo        string
	EmailPath     string
	DateAdded     time.Time
	DateProcessed time.Time
	Status        Status
	Retry         int
	MXCursor      int
	IPCursor      int
	IPv6Fallback  bool
	BindIP        string
	LastCode      string
	ClaimedBy     string
	ClaimedUntil  pq.NullTime
}

// Update is the outcome of one processing cycle written back by Complete.
type Update struct {
	ID            int64
	Status        Status
	Retry         int
	MXCursor      int
	IPCursor      int
	IPv6Fallback  bool
	BindIP        string
	LastCode      string
	EmailPath     string
	DateProcessed time.Time
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS queued_mails (
		id             BIGSERIAL PRIMARY KEY,
		mail_from      TEXT NOT NULL,
		mail_to        TEXT NOT NULL,
		email_path     TEXT NOT NULL,
		date_added     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		date_processed TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		status         INTEGER NOT NULL DEFAULT 0,
		retry          INTEGER NOT NULL DEFAULT 0,
		mx_ctr         INTEGER NOT NULL DEFAULT 0,
		ip_ctr         INTEGER NOT NULL DEFAULT 0,
		ipv6_fallback  BOOLEAN NOT NULL DEFAULT FALSE,
		bind_ip        TEXT NOT NULL DEFAULT '',
		last_code      TEXT NOT NULL DEFAULT '',
		claimed_by     TEXT,
		claimed_until  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS queued_mails_ready_idx ON queued_mails (status, date_processed)`,
}

const jobColumns = `id, mail_from, mail_to, email_path, date_added, date_processed, status, retry,
	mx_ctr, ip_ctr, ipv6_fallback, bind_ip, last_code, COALESCE(claimed_by, ''), claimed_until`

// Store persists jobs in PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to PostgreSQL using the lib/pq driver.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// NewStore creates a job store on db
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger, now: time.Now}
}

// EnsureSchema creates the queue table and its index if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var job Job
	err := row.Scan(
		&job.ID, &job.MailFrom, &job.MailTo, &job.EmailPath,
		&job.DateAdded, &job.DateProcessed, &job.Status, &job.Retry,
		&job.MXCursor, &job.IPCursor, &job.IPv6Fallback, &job.BindIP, &job.LastCode,
		&job.ClaimedBy, &job.ClaimedUntil,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}
	return jobs, nil
}

// Enqueue inserts a pending job and returns its id.
func (s *Store) Enqueue(ctx context.Context, from, to, emailPath string) (int64, error) {
	now := s.now().UTC()
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO queued_mails (mail_from, mail_to, email_path, date_added, date_processed, status)
		VALUES ($1, $2, $3, $4, $4, $5) RETURNING id`,
		from, to, emailPath, now, StatusPending,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Debug("Job enqueued", "job_id", id, "from", from, "to", to)
	return id, nil
}

// FetchReady returns up to limit pending jobs, oldest date_processed first.
// It does not claim them.
func (s *Store) FetchReady(ctx context.Context, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM queued_mails
		WHERE status = $1
		ORDER BY date_processed ASC, id ASC
		LIMIT $2`,
		StatusPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ready jobs: %w", err)
	}
	return scanJobs(rows)
}

// FetchByID returns the job with id or ErrJobNotFound.
func (s *Store) FetchByID(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queued_mails WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job %d: %w", id, err)
	}
	return job, nil
}

// Claim leases up to limit due pending jobs to worker. Jobs whose lease is
// held by another worker are skipped; expired leases are taken over. The
// result is ordered by date_processed.
func (s *Store) Claim(ctx context.Context, worker string, limit int, lease time.Duration) ([]*Job, error) {
	now := s.now().UTC()
	rows, err := s.db.QueryContext(ctx,
		`UPDATE queued_mails
		SET claimed_by = $1, claimed_until = $2
		WHERE id IN (
			SELECT id FROM queued_mails
			WHERE status = $3
			  AND date_processed <= $4
			  AND (claimed_until IS NULL OR claimed_until < $4)
			ORDER BY date_processed ASC, id ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		worker, now.Add(lease), StatusPending, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING does not preserve the subquery order.
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].DateProcessed.Equal(jobs[j].DateProcessed) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].DateProcessed.Before(jobs[j].DateProcessed)
	})

	if len(jobs) > 0 {
		s.logger.Debug("Jobs claimed", "worker", worker, "count", len(jobs))
	}
	return jobs, nil
}

// Complete writes the outcome of a processing cycle and releases the lease.
// It returns ErrLeaseLost when worker no longer holds the claim.
func (s *Store) Complete(ctx context.Context, worker string, u Update) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queued_mails
		SET status = $1, retry = $2, mx_ctr = $3, ip_ctr = $4, ipv6_fallback = $5,
			bind_ip = $6, last_code = $7, email_path = $8, date_processed = $9,
			claimed_by = NULL, claimed_until = NULL
		WHERE id = $10 AND claimed_by = $11`,
		u.Status, u.Retry, u.MXCursor, u.IPCursor, u.IPv6Fallback,
		u.BindIP, u.LastCode, u.EmailPath, u.DateProcessed.UTC(),
		u.ID, worker,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", u.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", u.ID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release drops worker's claim on a job without changing anything else, so
// another worker can pick it up right away.
func (s *Store) Release(ctx context.Context, worker string, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queued_mails SET claimed_by = NULL, claimed_until = NULL
		WHERE id = $1 AND claimed_by = $2`,
		id, worker,
	)
	if err != nil {
		return fmt.Errorf("failed to release job %d: %w", id, err)
	}
	return nil
}
