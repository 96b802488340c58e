package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"
)

// FileQueue is the single-process backend: one JSON file, one mutex, atomic
// rename on every mutation. Ids resume after the max found on load so they
// stay unique across restarts.
type FileQueue struct {
	path          string
	retryInterval time.Duration
	maxRetries    int

	mu     sync.Mutex
	jobs   []*Job
	nextID int64
}

func NewFileQueue(path string, retryInterval time.Duration, maxRetries int) (*FileQueue, error) {
	q := &FileQueue{
		path:          path,
		retryInterval: retryInterval,
		maxRetries:    maxRetries,
		nextID:        1,
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *FileQueue) load() error {
	raw, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &q.jobs); err != nil {
		return fmt.Errorf("decode queue file %s: %w", q.path, err)
	}
	for _, job := range q.jobs {
		n, ok := numericID(job.ID)
		if ok && n >= q.nextID {
			q.nextID = n + 1
		}
	}
	return nil
}

func numericID(id string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimPrefix(id, "q_"), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// persist is called with the mutex held.
func (q *FileQueue) persist() error {
	raw, err := json.MarshalIndent(q.jobs, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(q.path, bytes.NewReader(raw))
}

func (q *FileQueue) Schedule(_ context.Context, job *Job) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queued := *job
	queued.ID = fmt.Sprintf("q_%d", q.nextID)
	q.nextID++
	queued.Status = StatusScheduled
	queued.Retries = 0
	if queued.CreatedAt.IsZero() {
		queued.CreatedAt = time.Now().UTC()
	}

	q.jobs = append(q.jobs, &queued)
	if err := q.persist(); err != nil {
		return nil, err
	}
	copied := queued
	return &copied, nil
}

func (q *FileQueue) List(_ context.Context) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return copyJobs(q.jobs), nil
}

// Due does not transition jobs to processing: with a single serialized
// writer the coarse worker lock alone prevents double-dispatch, and a crash
// mid-pass leaves the job in its prior claimable state.
func (q *FileQueue) Due(_ context.Context, now time.Time) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*Job
	for _, job := range q.jobs {
		if job.Status != StatusScheduled && job.Status != StatusRetrying {
			continue
		}
		if job.ScheduledAt.After(now) {
			continue
		}
		if job.NextRetryAt != nil && job.NextRetryAt.After(now) {
			continue
		}
		copied := *job
		due = append(due, &copied)
	}
	return due, nil
}

func (q *FileQueue) MarkFailed(_ context.Context, id, errorMessage string, now time.Time) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job := q.find(id)
	if job == nil {
		return nil, nil
	}
	if errorMessage == "" {
		errorMessage = "Unknown publish error"
	}

	job.Retries++
	job.LastError = errorMessage

	if job.Retries >= q.maxRetries {
		job.Status = StatusDeadLetter
		at := now
		job.DeadLetterAt = &at
		job.DeadLetterReason = errorMessage
	} else {
		job.Status = StatusRetrying
		next := now.Add(q.retryInterval)
		job.NextRetryAt = &next
	}

	if err := q.persist(); err != nil {
		return nil, err
	}
	copied := *job
	return &copied, nil
}

func (q *FileQueue) MarkPosted(_ context.Context, id, remoteID string, now time.Time) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job := q.find(id)
	if job == nil {
		return nil, nil
	}

	job.Status = StatusPosted
	job.RemoteID = remoteID
	at := now
	job.PostedAt = &at
	job.NextRetryAt = nil

	if err := q.persist(); err != nil {
		return nil, err
	}
	copied := *job
	return &copied, nil
}

func (q *FileQueue) Remove(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.jobs[:0]
	for _, job := range q.jobs {
		if job.ID != id {
			kept = append(kept, job)
		}
	}
	removed := len(kept) < len(q.jobs)
	q.jobs = append([]*Job(nil), kept...)
	if !removed {
		return false, nil
	}
	return true, q.persist()
}

func (q *FileQueue) FindScheduleConflict(_ context.Context, platform string, scheduledAt time.Time, minGap time.Duration) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range q.jobs {
		if job.Platform != platform {
			continue
		}
		if job.Status != StatusScheduled && job.Status != StatusRetrying {
			continue
		}
		gap := job.ScheduledAt.Sub(scheduledAt)
		if gap < 0 {
			gap = -gap
		}
		if gap < minGap {
			copied := *job
			return &copied, nil
		}
	}
	return nil, nil
}

func (q *FileQueue) DeadLetters(_ context.Context) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Job
	for _, job := range q.jobs {
		if job.Status == StatusDeadLetter {
			copied := *job
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (q *FileQueue) ReplayDeadLetter(_ context.Context, id string, scheduledAt time.Time) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job := q.find(id)
	if job == nil || job.Status != StatusDeadLetter {
		return nil, nil
	}

	job.Status = StatusScheduled
	job.Retries = 0
	job.NextRetryAt = nil
	job.LastError = ""
	job.DeadLetterAt = nil
	job.DeadLetterReason = ""
	now := time.Now().UTC()
	job.ReplayedAt = &now
	job.ScheduledAt = scheduledAt

	if err := q.persist(); err != nil {
		return nil, err
	}
	copied := *job
	return &copied, nil
}

func (q *FileQueue) find(id string) *Job {
	for _, job := range q.jobs {
		if job.ID == id {
			return job
		}
	}
	return nil
}

func copyJobs(jobs []*Job) []*Job {
	out := make([]*Job, 0, len(jobs))
	for _, job := range jobs {
		copied := *job
		out = append(out, &copied)
	}
	return out
}

func (q *FileQueue) Close() error {
	return nil
}
