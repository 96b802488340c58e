package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/harunnryd/assistly/internal/orchestrator"
	"github.com/harunnryd/assistly/internal/state"
)

// Dispatcher drives the queue on a fixed tick and runs retention pruning on
// a cron schedule. Passes are serialized: a tick that fires while the
// previous pass is still publishing is dropped, never queued up.
type Dispatcher struct {
	orch     *orchestrator.Orchestrator
	store    state.Store
	interval time.Duration
	cron     *cron.Cron
	stop     chan struct{}
	done     chan struct{}
}

type Options struct {
	TickInterval  time.Duration
	PruneSchedule string
}

func New(orch *orchestrator.Orchestrator, store state.Store, opts Options) (*Dispatcher, error) {
	d := &Dispatcher{
		orch:     orch,
		store:    store,
		interval: opts.TickInterval,
		cron:     cron.New(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if opts.PruneSchedule != "" {
		if _, err := d.cron.AddFunc(opts.PruneSchedule, d.prune); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Start runs the dispatch loop until Stop is called or the context ends.
// It returns immediately; the loop runs on its own goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.cron.Start()
	go d.loop(ctx)
	slog.Info("Dispatcher started", "tick_interval", d.interval)
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.runPass(ctx)
		}
	}
}

func (d *Dispatcher) runPass(ctx context.Context) {
	results, err := d.orch.ProcessDueQueue(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("Dispatch pass failed", "error", err)
		return
	}
	for _, r := range results {
		if r.OK {
			slog.Info("Scheduled post published",
				"job_id", r.JobID, "platform", r.Platform, "remote_id", r.RemoteID)
			continue
		}
		slog.Warn("Scheduled post failed",
			"job_id", r.JobID, "platform", r.Platform,
			"error", r.Error, "dead_letter", r.DeadLetter)
	}
}

func (d *Dispatcher) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d.store.PruneRetention(ctx, time.Now().UTC())
}

// Stop halts the loop and the prune schedule, waiting for an in-flight pass
// to finish.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.cron.Stop().Done()
	<-d.done
	slog.Info("Dispatcher stopped")
}
