package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
)

// persistedState mirrors the on-disk JSON layout.
type persistedState struct {
	Sessions    map[string]*Session         `json:"sessions"`
	Approvals   []*Approval                 `json:"approvals"`
	Idempotency map[string]idempotencyEntry `json:"idempotency"`
	Nonces      map[string]int64            `json:"nonces"`
	WorkerLock  *WorkerLock                 `json:"worker_lock"`
	Metrics     Metrics                     `json:"metrics"`
}

// FileStore is the single-process backend. Every operation is serialized by
// one mutex and persisted with an atomic rename; a flock guards against a
// second process opening the same data directory.
type FileStore struct {
	path      string
	fileLock  *flock.Flock
	retention Retention

	mu        sync.Mutex
	data      persistedState
	lastPrune time.Time
}

func NewFileStore(dataDir, stateFile string, retention Retention) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	lock := flock.New(filepath.Join(dataDir, "state.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire state lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("data dir %s is in use by another process", dataDir)
	}

	s := &FileStore{
		path:      filepath.Join(dataDir, stateFile),
		fileLock:  lock,
		retention: retention,
		data:      emptyState(),
	}
	if err := s.load(); err != nil {
		lock.Unlock()
		return nil, err
	}
	return s, nil
}

func emptyState() persistedState {
	return persistedState{
		Sessions:    make(map[string]*Session),
		Approvals:   []*Approval{},
		Idempotency: make(map[string]idempotencyEntry),
		Nonces:      make(map[string]int64),
	}
}

func (s *FileStore) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		slog.Warn("State file unreadable, starting fresh", "path", s.path, "error", err)
		s.data = emptyState()
	}
	if s.data.Sessions == nil {
		s.data.Sessions = make(map[string]*Session)
	}
	if s.data.Idempotency == nil {
		s.data.Idempotency = make(map[string]idempotencyEntry)
	}
	if s.data.Nonces == nil {
		s.data.Nonces = make(map[string]int64)
	}
	return nil
}

// persist is called with the mutex held.
func (s *FileStore) persist() error {
	raw, err := json.MarshalIndent(&s.data, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(s.path, bytes.NewReader(raw))
}

func (s *FileStore) GetSession(_ context.Context, userID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.data.Sessions[userID]
	if !ok {
		sess = &Session{FailedAttempts: []time.Time{}}
		s.data.Sessions[userID] = sess
		if err := s.persist(); err != nil {
			return nil, err
		}
	}
	copied := *sess
	copied.FailedAttempts = append([]time.Time(nil), sess.FailedAttempts...)
	return &copied, nil
}

func (s *FileStore) SaveSession(_ context.Context, userID string, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *session
	copied.FailedAttempts = append([]time.Time(nil), session.FailedAttempts...)
	s.data.Sessions[userID] = &copied
	return s.persist()
}

func (s *FileStore) AddApproval(_ context.Context, approval *Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *approval
	s.data.Approvals = append(s.data.Approvals, &copied)
	return s.persist()
}

func (s *FileStore) GetApproval(_ context.Context, id string) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.data.Approvals {
		if a.ID == id {
			copied := *a
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *FileStore) ListApprovals(_ context.Context) ([]*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Approval, 0, len(s.data.Approvals))
	for _, a := range s.data.Approvals {
		copied := *a
		out = append(out, &copied)
	}
	return out, nil
}

func (s *FileStore) UpdateApproval(_ context.Context, id string, status ApprovalStatus, now time.Time) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.data.Approvals {
		if a.ID != id {
			continue
		}
		if a.Status != ApprovalPending {
			return nil, nil
		}
		a.Status = status
		switch status {
		case ApprovalApproved:
			a.ApprovedAt = &now
		case ApprovalRejected:
			a.RejectedAt = &now
		}
		if err := s.persist(); err != nil {
			return nil, err
		}
		copied := *a
		return &copied, nil
	}
	return nil, nil
}

func (s *FileStore) SetIdempotency(_ context.Context, key string, value json.RawMessage, savedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Idempotency[key] = idempotencyEntry{SavedAt: savedAt, Value: value}
	return s.persist()
}

func (s *FileStore) GetIdempotency(_ context.Context, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data.Idempotency[key]
	if !ok {
		return nil, nil
	}
	return entry.Value, nil
}

func (s *FileStore) SeenNonce(_ context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.data.Nonces[nonce]
	return ok, nil
}

func (s *FileStore) RegisterNonce(_ context.Context, nonce string, timestampMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Nonces[nonce] = timestampMs
	return s.persist()
}

func (s *FileStore) PruneNonces(_ context.Context, cutoffMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for nonce, ts := range s.data.Nonces {
		if ts < cutoffMs {
			delete(s.data.Nonces, nonce)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.persist()
}

func (s *FileStore) IncrementMetric(_ context.Context, key string, by int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch key {
	case MetricRequests:
		s.data.Metrics.RequestCount += by
	case MetricErrors:
		s.data.Metrics.ErrorCount += by
	case MetricCommands:
		s.data.Metrics.CommandCount += by
	default:
		return fmt.Errorf("unknown metric key %q", key)
	}
	return s.persist()
}

func (s *FileStore) ObserveLatency(_ context.Context, ms int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Metrics.LatencyMs.Count++
	s.data.Metrics.LatencyMs.Total += ms
	if ms > s.data.Metrics.LatencyMs.Max {
		s.data.Metrics.LatencyMs.Max = ms
	}
	return s.persist()
}

func (s *FileStore) GetMetrics(_ context.Context) (*Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := s.data.Metrics
	return &copied, nil
}

// AcquireWorkerLock is a compare-and-set: the lock is granted when free,
// expired, or already held by the caller.
func (s *FileStore) AcquireWorkerLock(_ context.Context, ownerID string, ttl time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock := s.data.WorkerLock
	if lock != nil && lock.OwnerID != ownerID && lock.ExpiresAt.After(now) {
		return false, nil
	}
	s.data.WorkerLock = &WorkerLock{
		OwnerID:    ownerID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := s.persist(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileStore) RenewWorkerLock(_ context.Context, ownerID string, ttl time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock := s.data.WorkerLock
	if lock == nil || lock.OwnerID != ownerID {
		return false, nil
	}
	lock.ExpiresAt = now.Add(ttl)
	if err := s.persist(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileStore) ReleaseWorkerLock(_ context.Context, ownerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock := s.data.WorkerLock
	if lock == nil || lock.OwnerID != ownerID {
		return false, nil
	}
	s.data.WorkerLock = nil
	if err := s.persist(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileStore) CurrentWorkerLock(_ context.Context) (*WorkerLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data.WorkerLock == nil {
		return nil, nil
	}
	copied := *s.data.WorkerLock
	return &copied, nil
}

func (s *FileStore) PruneRetention(_ context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastPrune) < s.retention.PruneInterval {
		return
	}
	s.lastPrune = now

	s.pruneApprovals(now)
	s.pruneIdempotency(now)

	nonceCutoff := now.Add(-s.retention.NonceMaxAge).UnixMilli()
	for nonce, ts := range s.data.Nonces {
		if ts < nonceCutoff {
			delete(s.data.Nonces, nonce)
		}
	}

	if err := s.persist(); err != nil {
		slog.Warn("Retention prune persist failed", "error", err)
	}
}

// pruneApprovals drops entries older than the age cutoff, then evicts
// oldest-first down to the configured count.
func (s *FileStore) pruneApprovals(now time.Time) {
	cutoff := now.Add(-s.retention.ApprovalsMaxAge)
	kept := s.data.Approvals[:0]
	for _, a := range s.data.Approvals {
		if a.CreatedAt.After(cutoff) || a.CreatedAt.Equal(cutoff) {
			kept = append(kept, a)
		}
	}
	if s.retention.MaxApprovals > 0 && len(kept) > s.retention.MaxApprovals {
		sort.Slice(kept, func(i, j int) bool {
			return kept[i].CreatedAt.Before(kept[j].CreatedAt)
		})
		kept = kept[len(kept)-s.retention.MaxApprovals:]
	}
	s.data.Approvals = append([]*Approval(nil), kept...)
}

func (s *FileStore) pruneIdempotency(now time.Time) {
	cutoff := now.Add(-s.retention.IdempotencyMaxAge)
	for key, entry := range s.data.Idempotency {
		if entry.SavedAt.Before(cutoff) {
			delete(s.data.Idempotency, key)
		}
	}
	if s.retention.MaxIdempotency <= 0 || len(s.data.Idempotency) <= s.retention.MaxIdempotency {
		return
	}

	type keyed struct {
		key     string
		savedAt time.Time
	}
	entries := make([]keyed, 0, len(s.data.Idempotency))
	for key, entry := range s.data.Idempotency {
		entries = append(entries, keyed{key, entry.SavedAt})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].savedAt.Before(entries[j].savedAt)
	})
	excess := len(entries) - s.retention.MaxIdempotency
	for _, e := range entries[:excess] {
		delete(s.data.Idempotency, e.key)
	}
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fileLock != nil {
		if err := s.fileLock.Unlock(); err != nil {
			slog.Error("Failed to release state lock", "error", err)
		}
		s.fileLock = nil
	}
	return nil
}
