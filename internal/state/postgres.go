package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const stateSchema = `
CREATE TABLE IF NOT EXISTS assistly_sessions (
	user_id TEXT PRIMARY KEY,
	session JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS assistly_approvals (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	payload JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_approvals_created
	ON assistly_approvals (created_at);

CREATE TABLE IF NOT EXISTS assistly_idempotency (
	key TEXT PRIMARY KEY,
	saved_at TIMESTAMPTZ NOT NULL,
	value JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_idempotency_saved
	ON assistly_idempotency (saved_at);

CREATE TABLE IF NOT EXISTS assistly_nonces (
	nonce TEXT PRIMARY KEY,
	timestamp_ms BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_nonces_timestamp
	ON assistly_nonces (timestamp_ms);

CREATE TABLE IF NOT EXISTS assistly_metrics (
	id SMALLINT PRIMARY KEY,
	request_count BIGINT NOT NULL DEFAULT 0,
	error_count BIGINT NOT NULL DEFAULT 0,
	command_count BIGINT NOT NULL DEFAULT 0,
	latency_count BIGINT NOT NULL DEFAULT 0,
	latency_total BIGINT NOT NULL DEFAULT 0,
	latency_max BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS assistly_worker_lock (
	id SMALLINT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

var metricColumns = map[string]string{
	MetricRequests: "request_count",
	MetricErrors:   "error_count",
	MetricCommands: "command_count",
}

// PostgresStore is the multi-writer backend. Lock acquisition is an upsert
// guarded by expiry-or-ownership, and nonce registration relies on the
// primary key so a duplicate insert fails instead of silently succeeding.
type PostgresStore struct {
	db        *sql.DB
	retention Retention

	mu        sync.Mutex
	lastPrune time.Time
}

func NewPostgresStore(ctx context.Context, dsn string, poolSize int, retention Retention) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if poolSize > 0 {
		db.SetMaxOpenConns(poolSize)
	}

	s := &PostgresStore{db: db, retention: retention}
	if _, err := db.ExecContext(ctx, stateSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO assistly_metrics (id) VALUES (1) ON CONFLICT (id) DO NOTHING`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("seed metrics: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle so the queue can share one pool.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetSession(ctx context.Context, userID string) (*Session, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT session FROM assistly_sessions WHERE user_id = $1`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		sess := &Session{FailedAttempts: []time.Time{}}
		if err := s.SaveSession(ctx, userID, sess); err != nil {
			return nil, err
		}
		return sess, nil
	}
	if err != nil {
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", userID, err)
	}
	if sess.FailedAttempts == nil {
		sess.FailedAttempts = []time.Time{}
	}
	return &sess, nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, userID string, session *Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO assistly_sessions (user_id, session, updated_at)
		 VALUES ($1, $2::jsonb, NOW())
		 ON CONFLICT (user_id)
		 DO UPDATE SET session = EXCLUDED.session, updated_at = NOW()`,
		userID, raw)
	return err
}

func (s *PostgresStore) AddApproval(ctx context.Context, approval *Approval) error {
	raw, err := json.Marshal(approval)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO assistly_approvals (id, status, created_at, payload)
		 VALUES ($1, $2, $3, $4::jsonb)`,
		approval.ID, string(approval.Status), approval.CreatedAt, raw)
	return err
}

func (s *PostgresStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM assistly_approvals WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeApproval(raw)
}

func (s *PostgresStore) ListApprovals(ctx context.Context) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM assistly_approvals ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		a, err := decodeApproval(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateApproval(ctx context.Context, id string, status ApprovalStatus, now time.Time) (*Approval, error) {
	column := "approved_at"
	if status == ApprovalRejected {
		column = "rejected_at"
	}
	patch, err := json.Marshal(map[string]any{
		"status": status,
		column:   now,
	})
	if err != nil {
		return nil, err
	}

	var raw []byte
	err = s.db.QueryRowContext(ctx,
		`UPDATE assistly_approvals
		 SET status = $2, payload = payload || $3::jsonb
		 WHERE id = $1 AND status = 'pending'
		 RETURNING payload`,
		id, string(status), patch).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeApproval(raw)
}

func decodeApproval(raw []byte) (*Approval, error) {
	var a Approval
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode approval: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) SetIdempotency(ctx context.Context, key string, value json.RawMessage, savedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assistly_idempotency (key, saved_at, value)
		 VALUES ($1, $2, $3::jsonb)
		 ON CONFLICT (key)
		 DO UPDATE SET saved_at = EXCLUDED.saved_at, value = EXCLUDED.value`,
		key, savedAt, []byte(value))
	return err
}

func (s *PostgresStore) GetIdempotency(ctx context.Context, key string) (json.RawMessage, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM assistly_idempotency WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func (s *PostgresStore) SeenNonce(ctx context.Context, nonce string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM assistly_nonces WHERE nonce = $1`, nonce).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) RegisterNonce(ctx context.Context, nonce string, timestampMs int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assistly_nonces (nonce, timestamp_ms) VALUES ($1, $2)`,
		nonce, timestampMs)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505 unique_violation: a concurrent writer already consumed it.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("nonce %s already registered: %w", nonce, err)
		}
		return err
	}
	return nil
}

func (s *PostgresStore) PruneNonces(ctx context.Context, cutoffMs int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM assistly_nonces WHERE timestamp_ms < $1`, cutoffMs)
	return err
}

func (s *PostgresStore) IncrementMetric(ctx context.Context, key string, by int64) error {
	column, ok := metricColumns[key]
	if !ok {
		return fmt.Errorf("unknown metric key %q", key)
	}
	query := fmt.Sprintf(
		`UPDATE assistly_metrics SET %s = %s + $1, updated_at = NOW() WHERE id = 1`,
		column, column)
	_, err := s.db.ExecContext(ctx, query, by)
	return err
}

func (s *PostgresStore) ObserveLatency(ctx context.Context, ms int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE assistly_metrics
		 SET latency_count = latency_count + 1,
		     latency_total = latency_total + $1,
		     latency_max = GREATEST(latency_max, $1),
		     updated_at = NOW()
		 WHERE id = 1`, ms)
	return err
}

func (s *PostgresStore) GetMetrics(ctx context.Context) (*Metrics, error) {
	var m Metrics
	err := s.db.QueryRowContext(ctx,
		`SELECT request_count, error_count, command_count,
		        latency_count, latency_total, latency_max
		 FROM assistly_metrics WHERE id = 1`).Scan(
		&m.RequestCount, &m.ErrorCount, &m.CommandCount,
		&m.LatencyMs.Count, &m.LatencyMs.Total, &m.LatencyMs.Max)
	if errors.Is(err, sql.ErrNoRows) {
		return &Metrics{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) AcquireWorkerLock(ctx context.Context, ownerID string, ttl time.Duration, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO assistly_worker_lock (id, owner_id, acquired_at, expires_at)
		 VALUES (1, $1, $2, $3)
		 ON CONFLICT (id) DO UPDATE
		   SET owner_id = EXCLUDED.owner_id,
		       acquired_at = EXCLUDED.acquired_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE assistly_worker_lock.expires_at <= $2
		      OR assistly_worker_lock.owner_id = $1`,
		ownerID, now, now.Add(ttl))
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresStore) RenewWorkerLock(ctx context.Context, ownerID string, ttl time.Duration, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE assistly_worker_lock SET expires_at = $2 WHERE id = 1 AND owner_id = $1`,
		ownerID, now.Add(ttl))
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresStore) ReleaseWorkerLock(ctx context.Context, ownerID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM assistly_worker_lock WHERE id = 1 AND owner_id = $1`, ownerID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresStore) CurrentWorkerLock(ctx context.Context) (*WorkerLock, error) {
	var lock WorkerLock
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_id, acquired_at, expires_at FROM assistly_worker_lock WHERE id = 1`).Scan(
		&lock.OwnerID, &lock.AcquiredAt, &lock.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

func (s *PostgresStore) PruneRetention(ctx context.Context, now time.Time) {
	s.mu.Lock()
	if now.Sub(s.lastPrune) < s.retention.PruneInterval {
		s.mu.Unlock()
		return
	}
	s.lastPrune = now
	s.mu.Unlock()

	approvalsCutoff := now.Add(-s.retention.ApprovalsMaxAge)
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM assistly_approvals WHERE created_at < $1`, approvalsCutoff); err != nil {
		slog.Warn("Approval retention prune failed", "error", err)
	}
	if s.retention.MaxApprovals > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM assistly_approvals
			 WHERE id NOT IN (
				SELECT id FROM assistly_approvals ORDER BY created_at DESC LIMIT $1
			 )`, s.retention.MaxApprovals); err != nil {
			slog.Warn("Approval count prune failed", "error", err)
		}
	}

	idempotencyCutoff := now.Add(-s.retention.IdempotencyMaxAge)
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM assistly_idempotency WHERE saved_at < $1`, idempotencyCutoff); err != nil {
		slog.Warn("Idempotency retention prune failed", "error", err)
	}
	if s.retention.MaxIdempotency > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM assistly_idempotency
			 WHERE key NOT IN (
				SELECT key FROM assistly_idempotency ORDER BY saved_at DESC LIMIT $1
			 )`, s.retention.MaxIdempotency); err != nil {
			slog.Warn("Idempotency count prune failed", "error", err)
		}
	}

	nonceCutoff := now.Add(-s.retention.NonceMaxAge).UnixMilli()
	if err := s.PruneNonces(ctx, nonceCutoff); err != nil {
		slog.Warn("Nonce retention prune failed", "error", err)
	}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
