package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/harunnryd/assistly/internal/audit"
	"github.com/harunnryd/assistly/internal/auth"
	"github.com/harunnryd/assistly/internal/config"
	"github.com/harunnryd/assistly/internal/dispatch"
	"github.com/harunnryd/assistly/internal/draft"
	"github.com/harunnryd/assistly/internal/orchestrator"
	"github.com/harunnryd/assistly/internal/platform"
	"github.com/harunnryd/assistly/internal/policy"
	"github.com/harunnryd/assistly/internal/queue"
	"github.com/harunnryd/assistly/internal/server"
	"github.com/harunnryd/assistly/internal/state"
	"github.com/harunnryd/assistly/internal/webhook"
)

const sessionTokenTTL = 7 * 24 * time.Hour

// runtimeComponents is everything a command needs to serve traffic or drain
// the queue. Built once per process from the loaded config.
type runtimeComponents struct {
	Store        state.Store
	Queue        queue.Queue
	Orchestrator *orchestrator.Orchestrator
	Verifier     *webhook.Verifier
	Dispatcher   *dispatch.Dispatcher
	Server       *server.Server
}

func buildRuntime(ctx context.Context, cfg *config.Config) (*runtimeComponents, error) {
	retention := state.Retention{
		ApprovalsMaxAge:   time.Duration(cfg.Retention.ApprovalsDays) * 24 * time.Hour,
		IdempotencyMaxAge: time.Duration(cfg.Retention.IdempotencyDays) * 24 * time.Hour,
		NonceMaxAge:       24 * time.Hour,
		MaxApprovals:      cfg.Retention.MaxApprovals,
		MaxIdempotency:    cfg.Retention.MaxIdempotency,
		PruneInterval:     time.Minute,
	}

	retryInterval := time.Duration(cfg.Schedule.RetryIntervalMinutes) * time.Minute

	var st state.Store
	var q queue.Queue
	switch cfg.Storage.Backend {
	case "postgres":
		pgStore, err := state.NewPostgresStore(ctx, cfg.Storage.DatabaseURL, cfg.Storage.PoolSize, retention)
		if err != nil {
			return nil, fmt.Errorf("open postgres state store: %w", err)
		}
		pgQueue, err := queue.NewPostgresQueue(ctx, pgStore.DB(), retryInterval, cfg.Schedule.MaxRetries)
		if err != nil {
			pgStore.Close()
			return nil, fmt.Errorf("open postgres queue: %w", err)
		}
		st, q = pgStore, pgQueue
	default:
		fileStore, err := state.NewFileStore(cfg.Storage.DataDir, cfg.Storage.StateFile, retention)
		if err != nil {
			return nil, fmt.Errorf("open file state store: %w", err)
		}
		fileQueue, err := queue.NewFileQueue(
			filepath.Join(cfg.Storage.DataDir, cfg.Storage.QueueFile),
			retryInterval, cfg.Schedule.MaxRetries)
		if err != nil {
			fileStore.Close()
			return nil, fmt.Errorf("open file queue: %w", err)
		}
		st, q = fileStore, fileQueue
	}

	auditLog, err := audit.NewLog(
		filepath.Join(cfg.Storage.DataDir, cfg.Storage.LogsFile),
		cfg.Retention.MaxLogEntries,
		time.Duration(cfg.Retention.LogsDays)*24*time.Hour)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	failureWindow, err := config.DurationOrDefault(cfg.Auth.FailureWindow, config.DefaultAuthFailureWindow)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("parse auth failure window: %w", err)
	}
	lockout, err := config.DurationOrDefault(cfg.Auth.LockoutDuration, config.DefaultAuthLockoutDuration)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("parse auth lockout duration: %w", err)
	}

	failureMax := cfg.Auth.FailureMax
	if failureMax <= 0 {
		failureMax = config.DefaultAuthFailureMax
	}

	authn := auth.New(st, auth.NewTokenIssuer(cfg.TokenSecret(), sessionTokenTTL), auth.Options{
		OwnerID:        cfg.Owner.ID,
		Passphrase:     cfg.Owner.Passphrase,
		SessionTimeout: time.Duration(cfg.Bot.SessionTimeoutMinutes) * time.Minute,
		FailureWindow:  failureWindow,
		FailureMax:     failureMax,
		Lockout:        lockout,
	})

	var clients []platform.Client
	if cfg.Platforms.Twitter.AccessToken != "" {
		clients = append(clients, platform.NewTwitterClient(cfg.Platforms.Twitter))
	}
	if cfg.Platforms.Telegram.BotToken != "" {
		clients = append(clients, platform.NewTelegramClient(cfg.Platforms.Telegram))
	}
	if cfg.Platforms.LinkedIn.AccessToken != "" {
		clients = append(clients, platform.NewLinkedInClient(cfg.Platforms.LinkedIn))
	}
	if cfg.Platforms.Slack.BotToken != "" {
		clients = append(clients, platform.NewSlackClient(cfg.Platforms.Slack))
	}

	var drafts *draft.Generator
	if cfg.Draft.APIKey != "" {
		drafts, err = draft.NewGenerator(cfg.Draft)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("configure draft generator: %w", err)
		}
	}

	orch := orchestrator.New(cfg, st, q, authn,
		policy.New(cfg.Policy.BlockedCommands, cfg.Policy.ApprovalRequiredCommands),
		platform.NewRegistry(clients...), auditLog, drafts)

	verifier := webhook.NewVerifier(cfg.WebhookSecrets(),
		time.Duration(cfg.OpenClaw.MaxSkewSeconds)*time.Second,
		cfg.OpenClaw.EnforceSignature, st)

	tick, err := config.DurationOrDefault(cfg.Dispatcher.TickInterval, config.DefaultDispatcherTickInterval)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("parse dispatcher tick interval: %w", err)
	}
	dispatcher, err := dispatch.New(orch, st, dispatch.Options{
		TickInterval:  tick,
		PruneSchedule: cfg.Dispatcher.PruneSchedule,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("configure dispatcher: %w", err)
	}

	httpServer, err := server.New(cfg, orch, verifier)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &runtimeComponents{
		Store:        st,
		Queue:        q,
		Orchestrator: orch,
		Verifier:     verifier,
		Dispatcher:   dispatcher,
		Server:       httpServer,
	}, nil
}

func (r *runtimeComponents) Close() {
	if err := r.Queue.Close(); err != nil {
		slog.Warn("Queue close failed", "error", err)
	}
	if err := r.Store.Close(); err != nil {
		slog.Warn("Store close failed", "error", err)
	}
}
