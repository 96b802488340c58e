package orchestrator

import (
	"context"
	"log/slog"
	"time"

	apperrors "github.com/harunnryd/assistly/internal/errors"
	"github.com/harunnryd/assistly/internal/queue"
)

// DispatchResult records the outcome of one due job during a dispatch pass.
type DispatchResult struct {
	JobID      string `json:"jobId"`
	Platform   string `json:"platform"`
	OK         bool   `json:"ok"`
	RemoteID   string `json:"remoteId,omitempty"`
	Error      string `json:"error,omitempty"`
	DeadLetter bool   `json:"deadLetter,omitempty"`
}

// ProcessDueQueue runs one dispatch pass: acquire the worker lock, publish
// every due job, release. A pass that cannot take the lock returns no
// results; another instance owns dispatch for now.
func (o *Orchestrator) ProcessDueQueue(ctx context.Context, now time.Time) ([]DispatchResult, error) {
	o.store.PruneRetention(ctx, now)

	ttl := time.Duration(o.cfg.Schedule.WorkerLockSeconds) * time.Second
	acquired, err := o.store.AcquireWorkerLock(ctx, o.instanceID, ttl, now)
	if err != nil {
		return nil, err
	}
	if !acquired {
		o.auditLog.Record("queue.lock.skipped", map[string]any{"instanceId": o.instanceID})
		return nil, nil
	}
	defer func() {
		if _, err := o.store.ReleaseWorkerLock(ctx, o.instanceID); err != nil {
			slog.Warn("Worker lock release failed", "instance_id", o.instanceID, "error", err)
		}
	}()

	due, err := o.queue.Due(ctx, now)
	if err != nil {
		return nil, err
	}

	results := make([]DispatchResult, 0, len(due))
	for _, job := range due {
		if _, err := o.store.RenewWorkerLock(ctx, o.instanceID, ttl, o.now()); err != nil {
			slog.Warn("Worker lock renewal failed", "instance_id", o.instanceID, "error", err)
		}
		results = append(results, o.dispatchJob(ctx, job))
	}
	return results, nil
}

func (o *Orchestrator) dispatchJob(ctx context.Context, job *queue.Job) DispatchResult {
	result := DispatchResult{JobID: job.ID, Platform: job.Platform}

	client, err := o.platforms.Get(job.Platform)
	if err != nil {
		return o.dispatchFailed(ctx, job, "Unsupported platform: "+job.Platform, result)
	}

	posted, err := client.Post(ctx, job.Content)
	if err != nil {
		slog.Warn("Post delivery failed", "job_id", job.ID, "platform", job.Platform,
			"retryable", apperrors.IsRetryable(err), "error", err)
		return o.dispatchFailed(ctx, job, err.Error(), result)
	}

	if _, err := o.queue.MarkPosted(ctx, job.ID, posted.ID, o.now()); err != nil {
		slog.Error("Posted job could not be marked", "job_id", job.ID, "error", err)
		result.Error = err.Error()
		return result
	}

	o.auditLog.Record("post.published.scheduled", map[string]any{
		"jobId": job.ID, "platform": job.Platform, "remoteId": posted.ID,
	})
	result.OK = true
	result.RemoteID = posted.ID
	return result
}

func (o *Orchestrator) dispatchFailed(ctx context.Context, job *queue.Job, message string, result DispatchResult) DispatchResult {
	failed, err := o.queue.MarkFailed(ctx, job.ID, message, o.now())
	if err != nil {
		slog.Error("Failed job could not be marked", "job_id", job.ID, "error", err)
		result.Error = message
		return result
	}
	if failed == nil {
		// The job was removed after Due picked it up, nothing left to track.
		slog.Warn("Failed job no longer in queue", "job_id", job.ID)
		result.Error = message
		return result
	}

	result.Error = message
	result.DeadLetter = failed.Status == queue.StatusDeadLetter
	o.auditLog.Record("post.failed", map[string]any{
		"jobId":      job.ID,
		"platform":   job.Platform,
		"error":      message,
		"retries":    failed.Retries,
		"deadLetter": result.DeadLetter,
	})
	return result
}
