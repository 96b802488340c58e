package state

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), "state.json", DefaultRetention())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFileStoreSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.GetSession(ctx, "owner-1")
	require.NoError(t, err)
	assert.Nil(t, sess.AuthenticatedAt)
	assert.Empty(t, sess.FailedAttempts)

	now := time.Now().UTC()
	sess.AuthenticatedAt = &now
	sess.FailedAttempts = append(sess.FailedAttempts, now)
	require.NoError(t, s.SaveSession(ctx, "owner-1", sess))

	// Mutating the returned copy must not leak into the store.
	sess.FailedAttempts = append(sess.FailedAttempts, now.Add(time.Minute))

	reloaded, err := s.GetSession(ctx, "owner-1")
	require.NoError(t, err)
	require.NotNil(t, reloaded.AuthenticatedAt)
	assert.Len(t, reloaded.FailedAttempts, 1)
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewFileStore(dir, "state.json", DefaultRetention())
	require.NoError(t, err)

	require.NoError(t, s.AddApproval(ctx, &Approval{
		ID:        "appr_abc123",
		Status:    ApprovalPending,
		CreatedAt: time.Now().UTC(),
		Command:   "/post",
		Args:      []string{"twitter"},
	}))
	require.NoError(t, s.SetIdempotency(ctx, "tg:m1:/status", json.RawMessage(`{"ok":true}`), time.Now()))
	require.NoError(t, s.Close())

	s2, err := NewFileStore(dir, "state.json", DefaultRetention())
	require.NoError(t, err)
	defer s2.Close()

	a, err := s2.GetApproval(ctx, "appr_abc123")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "/post", a.Command)

	v, err := s2.GetIdempotency(ctx, "tg:m1:/status")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(v))
}

func TestFileStoreRejectsSecondProcess(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFileStore(dir, "state.json", DefaultRetention())
	require.NoError(t, err)
	defer s.Close()

	_, err = NewFileStore(dir, "state.json", DefaultRetention())
	assert.Error(t, err)
}

func TestFileStoreApprovalDecidedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.AddApproval(ctx, &Approval{
		ID:        "appr_once",
		Status:    ApprovalPending,
		CreatedAt: now,
		Command:   "/post",
	}))

	approved, err := s.UpdateApproval(ctx, "appr_once", ApprovalApproved, now)
	require.NoError(t, err)
	require.NotNil(t, approved)
	assert.Equal(t, ApprovalApproved, approved.Status)
	require.NotNil(t, approved.ApprovedAt)

	// A second decision loses: the approval is no longer pending.
	rejected, err := s.UpdateApproval(ctx, "appr_once", ApprovalRejected, now.Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, rejected)

	missing, err := s.UpdateApproval(ctx, "appr_ghost", ApprovalApproved, now)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFileStoreIdempotencyUnknownKey(t *testing.T) {
	s := newTestStore(t)

	v, err := s.GetIdempotency(context.Background(), "never-set")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestFileStoreNonceRegistration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seen, err := s.SeenNonce(ctx, "nonce-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.RegisterNonce(ctx, "nonce-1", time.Now().UnixMilli()))

	seen, err = s.SeenNonce(ctx, "nonce-1")
	require.NoError(t, err)
	assert.True(t, seen)

	// Prune everything registered before the cutoff.
	require.NoError(t, s.PruneNonces(ctx, time.Now().Add(time.Hour).UnixMilli()))
	seen, err = s.SeenNonce(ctx, "nonce-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestFileStoreWorkerLockContention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	ttl := time.Minute

	ok, err := s.AcquireWorkerLock(ctx, "worker-a", ttl, now)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second owner cannot take a live lock.
	ok, err = s.AcquireWorkerLock(ctx, "worker-b", ttl, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	// Re-acquisition by the holder succeeds, as does renewal.
	ok, err = s.AcquireWorkerLock(ctx, "worker-a", ttl, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.RenewWorkerLock(ctx, "worker-a", ttl, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	// Non-holders cannot renew or release.
	ok, err = s.RenewWorkerLock(ctx, "worker-b", ttl, now)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.ReleaseWorkerLock(ctx, "worker-b")
	require.NoError(t, err)
	assert.False(t, ok)

	// After expiry anyone can reclaim.
	ok, err = s.AcquireWorkerLock(ctx, "worker-b", ttl, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	lock, err := s.CurrentWorkerLock(ctx)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, "worker-b", lock.OwnerID)

	ok, err = s.ReleaseWorkerLock(ctx, "worker-b")
	require.NoError(t, err)
	assert.True(t, ok)

	lock, err = s.CurrentWorkerLock(ctx)
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestFileStoreMetrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.IncrementMetric(ctx, MetricRequests, 1))
	require.NoError(t, s.IncrementMetric(ctx, MetricRequests, 1))
	require.NoError(t, s.IncrementMetric(ctx, MetricErrors, 1))
	require.NoError(t, s.ObserveLatency(ctx, 40))
	require.NoError(t, s.ObserveLatency(ctx, 120))

	assert.Error(t, s.IncrementMetric(ctx, "bogus", 1))

	m, err := s.GetMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.RequestCount)
	assert.Equal(t, int64(1), m.ErrorCount)
	assert.Equal(t, int64(2), m.LatencyMs.Count)
	assert.Equal(t, int64(160), m.LatencyMs.Total)
	assert.Equal(t, int64(120), m.LatencyMs.Max)
}

func TestFileStoreRetentionEviction(t *testing.T) {
	retention := DefaultRetention()
	retention.MaxApprovals = 3
	retention.MaxIdempotency = 2
	retention.PruneInterval = 0

	s, err := NewFileStore(t.TempDir(), "state.json", retention)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	// One approval past the age cutoff, five recent ones.
	require.NoError(t, s.AddApproval(ctx, &Approval{
		ID:        "appr_old",
		Status:    ApprovalApproved,
		CreatedAt: now.Add(-retention.ApprovalsMaxAge - time.Hour),
	}))
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AddApproval(ctx, &Approval{
			ID:        fmt.Sprintf("appr_%d", i),
			Status:    ApprovalPending,
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		}))
	}

	for i := 0; i < 4; i++ {
		require.NoError(t, s.SetIdempotency(ctx,
			fmt.Sprintf("key-%d", i), json.RawMessage(`{}`),
			now.Add(time.Duration(i)*time.Minute)))
	}

	stale := now.Add(-retention.NonceMaxAge - time.Hour).UnixMilli()
	require.NoError(t, s.RegisterNonce(ctx, "stale", stale))
	require.NoError(t, s.RegisterNonce(ctx, "fresh", now.UnixMilli()))

	s.PruneRetention(ctx, now.Add(10*time.Minute))

	approvals, err := s.ListApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, approvals, 3)
	for _, a := range approvals {
		assert.NotEqual(t, "appr_old", a.ID)
		assert.NotEqual(t, "appr_0", a.ID)
		assert.NotEqual(t, "appr_1", a.ID)
	}

	// Oldest idempotency entries evicted first.
	for i, want := range []bool{false, false, true, true} {
		v, err := s.GetIdempotency(ctx, fmt.Sprintf("key-%d", i))
		require.NoError(t, err)
		assert.Equal(t, want, v != nil, "key-%d", i)
	}

	seen, err := s.SeenNonce(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, seen)
	seen, err = s.SeenNonce(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, seen)
}
