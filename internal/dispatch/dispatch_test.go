package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/assistly/internal/audit"
	"github.com/harunnryd/assistly/internal/auth"
	"github.com/harunnryd/assistly/internal/config"
	"github.com/harunnryd/assistly/internal/orchestrator"
	"github.com/harunnryd/assistly/internal/platform"
	"github.com/harunnryd/assistly/internal/policy"
	"github.com/harunnryd/assistly/internal/queue"
	"github.com/harunnryd/assistly/internal/state"
)

func newTestDispatcher(t *testing.T, tick time.Duration) (*Dispatcher, queue.Queue) {
	t.Helper()

	dir := t.TempDir()
	st, err := state.NewFileStore(dir, "state.json", state.DefaultRetention())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q, err := queue.NewFileQueue(filepath.Join(dir, "queue.json"), 5*time.Minute, 3)
	require.NoError(t, err)

	auditLog, err := audit.NewLog(filepath.Join(dir, "logs.json"), 100, time.Hour)
	require.NoError(t, err)

	cfg := &config.Config{
		Owner:    config.OwnerConfig{ID: "owner-1", Name: "Harun", Passphrase: "pw"},
		Schedule: config.ScheduleConfig{WorkerLockSeconds: 60},
	}
	authn := auth.New(st, auth.NewTokenIssuer("s", time.Hour), auth.Options{
		OwnerID: "owner-1", Passphrase: "pw",
	})

	orch := orchestrator.New(cfg, st, q, authn, policy.New(nil, nil),
		platform.NewRegistry(), auditLog, nil)

	d, err := New(orch, st, Options{TickInterval: tick, PruneSchedule: "@every 1h"})
	require.NoError(t, err)
	return d, q
}

func TestDispatcherStartStop(t *testing.T) {
	d, _ := newTestDispatcher(t, 10*time.Millisecond)

	d.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	d.Stop()
}

func TestDispatcherDeadLettersUnknownPlatform(t *testing.T) {
	d, q := newTestDispatcher(t, 10*time.Millisecond)
	ctx := context.Background()

	job, err := q.Schedule(ctx, &queue.Job{
		Platform:    "mastodon",
		ScheduledAt: time.Now().UTC().Add(-time.Minute),
		Content:     "nobody speaks this protocol",
	})
	require.NoError(t, err)

	d.Start(ctx)
	time.Sleep(100 * time.Millisecond)
	d.Stop()

	jobs, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
	assert.Equal(t, queue.StatusRetrying, jobs[0].Status)
	assert.Contains(t, jobs[0].LastError, "Unsupported platform")
}

func TestDispatcherRejectsBadCronSpec(t *testing.T) {
	_, err := New(nil, nil, Options{TickInterval: time.Second, PruneSchedule: "not a spec"})
	assert.Error(t, err)
}
