package state

import (
	"context"
	"encoding/json"
	"time"
)

// Session tracks per-identity authentication state. Created lazily on first
// access, never deleted, only reset.
type Session struct {
	AuthenticatedAt *time.Time  `json:"authenticated_at"`
	LastSeenAt      *time.Time  `json:"last_seen_at"`
	FailedAttempts  []time.Time `json:"failed_attempts"`
	LockedUntil     *time.Time  `json:"locked_until"`
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Approval is a gated command waiting for an explicit decision. The status
// transitions away from pending exactly once.
type Approval struct {
	ID          string         `json:"id"`
	Status      ApprovalStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	Command     string         `json:"command"`
	Args        []string       `json:"args"`
	RequestedBy string         `json:"requested_by"`
	TraceID     string         `json:"trace_id"`
	ApprovedAt  *time.Time     `json:"approved_at,omitempty"`
	RejectedAt  *time.Time     `json:"rejected_at,omitempty"`
}

type idempotencyEntry struct {
	SavedAt time.Time       `json:"saved_at"`
	Value   json.RawMessage `json:"value"`
}

// WorkerLock is the singleton dispatch lock. Ownership is exclusive but
// renewable by the holder, and reclaimable by anyone once expired.
type WorkerLock struct {
	OwnerID    string    `json:"owner_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LatencySummary is a running latency aggregate in milliseconds.
type LatencySummary struct {
	Count int64 `json:"count"`
	Total int64 `json:"total"`
	Max   int64 `json:"max"`
}

type Metrics struct {
	RequestCount int64          `json:"requestCount"`
	ErrorCount   int64          `json:"errorCount"`
	CommandCount int64          `json:"commandCount"`
	LatencyMs    LatencySummary `json:"latencyMs"`
}

// Metric counter keys.
const (
	MetricRequests = "requestCount"
	MetricErrors   = "errorCount"
	MetricCommands = "commandCount"
)

// Retention bounds how long approvals, idempotency entries, and nonces are
// kept. Pruning runs at most once per PruneInterval.
type Retention struct {
	ApprovalsMaxAge   time.Duration
	IdempotencyMaxAge time.Duration
	NonceMaxAge       time.Duration
	MaxApprovals      int
	MaxIdempotency    int
	PruneInterval     time.Duration
}

// Store is the process-wide durable record of sessions, approvals,
// idempotency keys, nonces, the worker lock, and metrics. Two backends
// satisfy it: a single-process file store and a multi-writer Postgres store.
type Store interface {
	GetSession(ctx context.Context, userID string) (*Session, error)
	SaveSession(ctx context.Context, userID string, session *Session) error

	AddApproval(ctx context.Context, approval *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	ListApprovals(ctx context.Context) ([]*Approval, error)
	// UpdateApproval transitions a pending approval to the given status.
	// Returns (nil, nil) when the approval is missing or no longer pending,
	// so concurrent decisions cannot both win.
	UpdateApproval(ctx context.Context, id string, status ApprovalStatus, now time.Time) (*Approval, error)

	SetIdempotency(ctx context.Context, key string, value json.RawMessage, savedAt time.Time) error
	// GetIdempotency returns nil when the key is unknown.
	GetIdempotency(ctx context.Context, key string) (json.RawMessage, error)

	SeenNonce(ctx context.Context, nonce string) (bool, error)
	RegisterNonce(ctx context.Context, nonce string, timestampMs int64) error
	PruneNonces(ctx context.Context, cutoffMs int64) error

	IncrementMetric(ctx context.Context, key string, by int64) error
	ObserveLatency(ctx context.Context, ms int64) error
	GetMetrics(ctx context.Context) (*Metrics, error)

	AcquireWorkerLock(ctx context.Context, ownerID string, ttl time.Duration, now time.Time) (bool, error)
	RenewWorkerLock(ctx context.Context, ownerID string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseWorkerLock(ctx context.Context, ownerID string) (bool, error)
	CurrentWorkerLock(ctx context.Context) (*WorkerLock, error)

	// PruneRetention is interval-gated and best-effort; failures are logged,
	// never surfaced to the caller's primary operation.
	PruneRetention(ctx context.Context, now time.Time)

	Close() error
}

func DefaultRetention() Retention {
	return Retention{
		ApprovalsMaxAge:   30 * 24 * time.Hour,
		IdempotencyMaxAge: 14 * 24 * time.Hour,
		NonceMaxAge:       24 * time.Hour,
		MaxApprovals:      500,
		MaxIdempotency:    2000,
		PruneInterval:     time.Minute,
	}
}
