package queue

import (
	"context"
	"time"
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusRetrying   Status = "retrying"
	StatusProcessing Status = "processing"
	StatusPosted     Status = "posted"
	StatusDeadLetter Status = "dead_letter"
)

// Job is one deliverable unit of work. Terminal states are posted and
// dead_letter; dead_letter is re-openable via an explicit replay.
type Job struct {
	ID               string     `json:"id"`
	Status           Status     `json:"status"`
	Retries          int        `json:"retries"`
	CreatedAt        time.Time  `json:"created_at"`
	Platform         string     `json:"platform"`
	ScheduledAt      time.Time  `json:"scheduled_at"`
	Content          string     `json:"content"`
	IdempotencyKey   string     `json:"idempotency_key,omitempty"`
	NextRetryAt      *time.Time `json:"next_retry_at,omitempty"`
	RemoteID         string     `json:"remote_id,omitempty"`
	PostedAt         *time.Time `json:"posted_at,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	DeadLetterAt     *time.Time `json:"dead_letter_at,omitempty"`
	DeadLetterReason string     `json:"dead_letter_reason,omitempty"`
	ReplayedAt       *time.Time `json:"replayed_at,omitempty"`
}

// Terminal reports whether the job can no longer become due on its own.
func (j *Job) Terminal() bool {
	return j.Status == StatusPosted || j.Status == StatusDeadLetter
}

// Queue is the durable retry queue. Ids are monotonically increasing and
// unique across restarts within one store.
type Queue interface {
	// Schedule assigns an id and bookkeeping fields and persists the job.
	Schedule(ctx context.Context, job *Job) (*Job, error)
	List(ctx context.Context) ([]*Job, error)
	// Due returns jobs whose scheduled time (and retry window) has passed.
	// The Postgres backend additionally claims them, moving each returned
	// job to processing inside one transaction so concurrent dispatchers
	// never double-claim.
	Due(ctx context.Context, now time.Time) ([]*Job, error)
	// MarkFailed bumps the retry count and either parks the job in
	// dead_letter or re-arms it with a fixed-interval backoff. Returns nil
	// when the id is unknown.
	MarkFailed(ctx context.Context, id, errorMessage string, now time.Time) (*Job, error)
	// MarkPosted records a successful delivery. Returns nil when the id is
	// unknown.
	MarkPosted(ctx context.Context, id, remoteID string, now time.Time) (*Job, error)
	Remove(ctx context.Context, id string) (bool, error)
	// FindScheduleConflict returns a non-terminal job for the same platform
	// whose scheduled time is within minGap of the candidate, or nil.
	FindScheduleConflict(ctx context.Context, platform string, scheduledAt time.Time, minGap time.Duration) (*Job, error)
	DeadLetters(ctx context.Context) ([]*Job, error)
	// ReplayDeadLetter resets a dead-lettered job's failure bookkeeping and
	// re-enters scheduled at the given time. Returns nil when the job is
	// missing or not dead-lettered.
	ReplayDeadLetter(ctx context.Context, id string, scheduledAt time.Time) (*Job, error)
	Close() error
}
