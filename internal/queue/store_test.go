package queue

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columns = []string{
	"id", "mail_from", "mail_to", "email_path", "date_added", "date_processed", "status", "retry",
	"mx_ctr", "ip_ctr", "ipv6_fallback", "bind_ip", "last_code", "claimed_by", "claimed_until",
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupStoreTest(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewStore(db, nil)
	store.now = func() time.Time { return fixedNow }
	return store, mock
}

func jobRow(id int64, processed time.Time, claimedBy string, claimedUntil any) []driver.Value {
	return []driver.Value{
		id, "sender@example.org", "rcpt@example.net", "/var/spool/golubrelay/queue/x.eml",
		fixedNow.Add(-time.Hour), processed, int64(StatusPending), int64(1),
		int64(1), int64(2), false, "192.0.2.1", "451 4.7.1", claimedBy, claimedUntil,
	}
}

func TestEnsureSchema(t *testing.T) {
	store, mock := setupStoreTest(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS queued_mails").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS queued_mails_ready_idx").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema_Error(t *testing.T) {
	store, mock := setupStoreTest(t)

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))

	assert.Error(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueue(t *testing.T) {
	store, mock := setupStoreTest(t)

	mock.ExpectQuery("INSERT INTO queued_mails").
		WithArgs("sender@example.org", "rcpt@example.net", "/spool/queue/a.eml", fixedNow, StatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := store.Enqueue(context.Background(), "sender@example.org", "rcpt@example.net", "/spool/queue/a.eml")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchReady(t *testing.T) {
	store, mock := setupStoreTest(t)

	rows := sqlmock.NewRows(columns).
		AddRow(jobRow(1, fixedNow.Add(-time.Minute), "", nil)...).
		AddRow(jobRow(2, fixedNow, "", nil)...)
	mock.ExpectQuery(`SELECT .+ FROM queued_mails\s+WHERE status = \$1\s+ORDER BY date_processed ASC`).
		WithArgs(StatusPending, 10).
		WillReturnRows(rows)

	jobs, err := store.FetchReady(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	job := jobs[0]
	assert.Equal(t, int64(1), job.ID)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 1, job.MXCursor)
	assert.Equal(t, 2, job.IPCursor)
	assert.Equal(t, "451 4.7.1", job.LastCode)
	assert.False(t, job.ClaimedUntil.Valid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchByID(t *testing.T) {
	store, mock := setupStoreTest(t)

	mock.ExpectQuery(`SELECT .+ FROM queued_mails WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(jobRow(7, fixedNow, "worker-a", fixedNow.Add(time.Minute))...))

	job, err := store.FetchByID(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", job.ClaimedBy)
	assert.True(t, job.ClaimedUntil.Valid)

	mock.ExpectQuery(`SELECT .+ FROM queued_mails WHERE id = \$1`).
		WithArgs(int64(8)).
		WillReturnError(sql.ErrNoRows)

	_, err = store.FetchByID(context.Background(), 8)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaim(t *testing.T) {
	store, mock := setupStoreTest(t)

	// RETURNING hands rows back in arbitrary order.
	rows := sqlmock.NewRows(columns).
		AddRow(jobRow(3, fixedNow, "worker-a", fixedNow.Add(time.Minute))...).
		AddRow(jobRow(1, fixedNow.Add(-time.Hour), "worker-a", fixedNow.Add(time.Minute))...).
		AddRow(jobRow(2, fixedNow, "worker-a", fixedNow.Add(time.Minute))...)

	mock.ExpectQuery(`UPDATE queued_mails\s+SET claimed_by = \$1, claimed_until = \$2(?s).+FOR UPDATE SKIP LOCKED`).
		WithArgs("worker-a", fixedNow.Add(time.Minute), StatusPending, fixedNow, 5).
		WillReturnRows(rows)

	jobs, err := store.Claim(context.Background(), "worker-a", 5, time.Minute)
	require.NoError(t, err)

	ids := make([]int64, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	assert.Equal(t, []int64{1, 2, 3}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaim_Error(t *testing.T) {
	store, mock := setupStoreTest(t)

	mock.ExpectQuery("UPDATE queued_mails").WillReturnError(errors.New("connection reset"))

	_, err := store.Claim(context.Background(), "worker-a", 5, time.Minute)
	assert.Error(t, err)
}

func TestComplete(t *testing.T) {
	store, mock := setupStoreTest(t)

	update := Update{
		ID:            9,
		Status:        StatusDelivered,
		Retry:         2,
		MXCursor:      1,
		IPCursor:      0,
		IPv6Fallback:  true,
		BindIP:        "192.0.2.1",
		LastCode:      "250",
		EmailPath:     "/spool/delivered/a.eml",
		DateProcessed: fixedNow,
	}

	mock.ExpectExec(`UPDATE queued_mails(?s).+claimed_by = NULL, claimed_until = NULL\s+WHERE id = \$10 AND claimed_by = \$11`).
		WithArgs(StatusDelivered, 2, 1, 0, true, "192.0.2.1", "250", "/spool/delivered/a.eml", fixedNow, int64(9), "worker-a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Complete(context.Background(), "worker-a", update))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestComplete_LeaseLost(t *testing.T) {
	store, mock := setupStoreTest(t)

	mock.ExpectExec("UPDATE queued_mails").WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Complete(context.Background(), "worker-a", Update{ID: 9, DateProcessed: fixedNow})
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestRelease(t *testing.T) {
	store, mock := setupStoreTest(t)

	mock.ExpectExec(`UPDATE queued_mails SET claimed_by = NULL, claimed_until = NULL`).
		WithArgs(int64(4), "worker-a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Release(context.Background(), "worker-a", 4))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "exhausted", StatusExhausted.String())
	assert.Equal(t, "status(9)", Status(9).String())
}
