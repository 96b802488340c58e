package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const queueSchema = `
CREATE TABLE IF NOT EXISTS assistly_queue_jobs (
	id BIGSERIAL PRIMARY KEY,
	status TEXT NOT NULL,
	retries INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	platform TEXT NOT NULL,
	scheduled_at TIMESTAMPTZ NOT NULL,
	content TEXT NOT NULL,
	idempotency_key TEXT NULL,
	next_retry_at TIMESTAMPTZ NULL,
	remote_id TEXT NULL,
	posted_at TIMESTAMPTZ NULL,
	last_error TEXT NULL,
	dead_letter_at TIMESTAMPTZ NULL,
	dead_letter_reason TEXT NULL,
	replayed_at TIMESTAMPTZ NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_queue_due
	ON assistly_queue_jobs (scheduled_at)
	WHERE status IN ('scheduled', 'retrying');

CREATE INDEX IF NOT EXISTS idx_queue_dead_letter
	ON assistly_queue_jobs (id)
	WHERE status = 'dead_letter';
`

const jobColumns = `id, status, retries, created_at, platform, scheduled_at, content,
	idempotency_key, next_retry_at, remote_id, posted_at, last_error,
	dead_letter_at, dead_letter_reason, replayed_at`

// PostgresQueue is the multi-writer backend. Due-selection claims jobs with
// row-level skip-locked semantics so concurrent dispatchers never hand the
// same job to two workers even if the coarse lock misbehaves.
type PostgresQueue struct {
	db            *sql.DB
	retryInterval time.Duration
	maxRetries    int
}

func NewPostgresQueue(ctx context.Context, db *sql.DB, retryInterval time.Duration, maxRetries int) (*PostgresQueue, error) {
	if _, err := db.ExecContext(ctx, queueSchema); err != nil {
		return nil, fmt.Errorf("ensure queue schema: %w", err)
	}
	return &PostgresQueue{db: db, retryInterval: retryInterval, maxRetries: maxRetries}, nil
}

// parseJobID accepts both the q_N display form and a bare numeric id.
func parseJobID(id string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimPrefix(id, "q_"), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job              Job
		rawID            int64
		idempotencyKey   sql.NullString
		nextRetryAt      sql.NullTime
		remoteID         sql.NullString
		postedAt         sql.NullTime
		lastError        sql.NullString
		deadLetterAt     sql.NullTime
		deadLetterReason sql.NullString
		replayedAt       sql.NullTime
	)
	err := row.Scan(&rawID, &job.Status, &job.Retries, &job.CreatedAt,
		&job.Platform, &job.ScheduledAt, &job.Content,
		&idempotencyKey, &nextRetryAt, &remoteID, &postedAt, &lastError,
		&deadLetterAt, &deadLetterReason, &replayedAt)
	if err != nil {
		return nil, err
	}

	job.ID = fmt.Sprintf("q_%d", rawID)
	job.IdempotencyKey = idempotencyKey.String
	job.RemoteID = remoteID.String
	job.LastError = lastError.String
	job.DeadLetterReason = deadLetterReason.String
	if nextRetryAt.Valid {
		job.NextRetryAt = &nextRetryAt.Time
	}
	if postedAt.Valid {
		job.PostedAt = &postedAt.Time
	}
	if deadLetterAt.Valid {
		job.DeadLetterAt = &deadLetterAt.Time
	}
	if replayedAt.Valid {
		job.ReplayedAt = &replayedAt.Time
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (q *PostgresQueue) Schedule(ctx context.Context, job *Job) (*Job, error) {
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	row := q.db.QueryRowContext(ctx,
		`INSERT INTO assistly_queue_jobs
		   (status, retries, created_at, platform, scheduled_at, content, idempotency_key)
		 VALUES ('scheduled', 0, $1, $2, $3, $4, $5)
		 RETURNING `+jobColumns,
		createdAt, job.Platform, job.ScheduledAt, job.Content, nullIfEmpty(job.IdempotencyKey))
	return scanJob(row)
}

func (q *PostgresQueue) List(ctx context.Context) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM assistly_queue_jobs ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (q *PostgresQueue) Due(ctx context.Context, now time.Time) ([]*Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	claimed, err := tx.QueryContext(ctx,
		`SELECT id
		 FROM assistly_queue_jobs
		 WHERE status IN ('scheduled', 'retrying')
		   AND scheduled_at <= $1
		   AND (next_retry_at IS NULL OR next_retry_at <= $1)
		 ORDER BY scheduled_at ASC
		 FOR UPDATE SKIP LOCKED`, now)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for claimed.Next() {
		var id int64
		if err := claimed.Scan(&id); err != nil {
			claimed.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := claimed.Err(); err != nil {
		claimed.Close()
		return nil, err
	}
	claimed.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	updated, err := tx.QueryContext(ctx,
		`UPDATE assistly_queue_jobs
		 SET status = 'processing', updated_at = NOW()
		 WHERE id IN (`+strings.Join(placeholders, ", ")+`)
		 RETURNING `+jobColumns, args...)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(updated)
	if err != nil {
		return nil, err
	}
	return jobs, tx.Commit()
}

func (q *PostgresQueue) MarkFailed(ctx context.Context, id, errorMessage string, now time.Time) (*Job, error) {
	parsed, ok := parseJobID(id)
	if !ok {
		return nil, nil
	}
	if errorMessage == "" {
		errorMessage = "Unknown publish error"
	}

	var retries int
	err := q.db.QueryRowContext(ctx,
		`SELECT retries FROM assistly_queue_jobs WHERE id = $1`, parsed).Scan(&retries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	retries++

	var row *sql.Row
	if retries >= q.maxRetries {
		row = q.db.QueryRowContext(ctx,
			`UPDATE assistly_queue_jobs
			 SET retries = $2, status = 'dead_letter', last_error = $3,
			     dead_letter_at = $4, dead_letter_reason = $3, updated_at = NOW()
			 WHERE id = $1
			 RETURNING `+jobColumns,
			parsed, retries, errorMessage, now)
	} else {
		row = q.db.QueryRowContext(ctx,
			`UPDATE assistly_queue_jobs
			 SET retries = $2, status = 'retrying', last_error = $3,
			     next_retry_at = $4, updated_at = NOW()
			 WHERE id = $1
			 RETURNING `+jobColumns,
			parsed, retries, errorMessage, now.Add(q.retryInterval))
	}
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (q *PostgresQueue) MarkPosted(ctx context.Context, id, remoteID string, now time.Time) (*Job, error) {
	parsed, ok := parseJobID(id)
	if !ok {
		return nil, nil
	}
	row := q.db.QueryRowContext(ctx,
		`UPDATE assistly_queue_jobs
		 SET status = 'posted', remote_id = $2, posted_at = $3,
		     next_retry_at = NULL, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+jobColumns,
		parsed, remoteID, now)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (q *PostgresQueue) Remove(ctx context.Context, id string) (bool, error) {
	parsed, ok := parseJobID(id)
	if !ok {
		return false, nil
	}
	result, err := q.db.ExecContext(ctx,
		`DELETE FROM assistly_queue_jobs WHERE id = $1`, parsed)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// FindScheduleConflict includes processing jobs: a job mid-delivery still
// occupies its slot.
func (q *PostgresQueue) FindScheduleConflict(ctx context.Context, platform string, scheduledAt time.Time, minGap time.Duration) (*Job, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+`
		 FROM assistly_queue_jobs
		 WHERE platform = $1
		   AND status IN ('scheduled', 'retrying', 'processing')
		   AND scheduled_at > $2
		   AND scheduled_at < $3
		 ORDER BY scheduled_at ASC
		 LIMIT 1`,
		platform, scheduledAt.Add(-minGap), scheduledAt.Add(minGap))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (q *PostgresQueue) DeadLetters(ctx context.Context) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+jobColumns+`
		 FROM assistly_queue_jobs
		 WHERE status = 'dead_letter'
		 ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (q *PostgresQueue) ReplayDeadLetter(ctx context.Context, id string, scheduledAt time.Time) (*Job, error) {
	parsed, ok := parseJobID(id)
	if !ok {
		return nil, nil
	}
	row := q.db.QueryRowContext(ctx,
		`UPDATE assistly_queue_jobs
		 SET status = 'scheduled', retries = 0, next_retry_at = NULL,
		     last_error = NULL, dead_letter_at = NULL, dead_letter_reason = NULL,
		     replayed_at = NOW(), scheduled_at = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'dead_letter'
		 RETURNING `+jobColumns,
		parsed, scheduledAt)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// Close is a no-op: the connection pool is owned by the state store.
func (q *PostgresQueue) Close() error {
	return nil
}
