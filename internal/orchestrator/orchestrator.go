package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/harunnryd/assistly/internal/audit"
	"github.com/harunnryd/assistly/internal/auth"
	"github.com/harunnryd/assistly/internal/config"
	"github.com/harunnryd/assistly/internal/draft"
	apperrors "github.com/harunnryd/assistly/internal/errors"
	"github.com/harunnryd/assistly/internal/logger"
	"github.com/harunnryd/assistly/internal/platform"
	"github.com/harunnryd/assistly/internal/policy"
	"github.com/harunnryd/assistly/internal/queue"
	"github.com/harunnryd/assistly/internal/safety"
	"github.com/harunnryd/assistly/internal/state"
)

// Unauthorized is the single message used for locked identities, non-owners,
// and bad passphrases alike, so responses never leak which case applied.
const Unauthorized = "⛔ Unauthorized. This bot operates under single-owner authority."

// Envelope is a normalized inbound message, whichever channel it arrived on.
type Envelope struct {
	UserID       string `json:"user_id"`
	Channel      string `json:"channel"`
	ThreadID     string `json:"thread_id,omitempty"`
	MessageID    string `json:"message_id,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
	Locale       string `json:"locale,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	Text         string `json:"text"`
	TraceID      string `json:"trace_id,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
}

// Response is the orchestrator's answer to one envelope.
type Response struct {
	OK               bool                   `json:"ok"`
	TraceID          string                 `json:"trace_id,omitempty"`
	Message          string                 `json:"message,omitempty"`
	Confirmation     string                 `json:"confirmation,omitempty"`
	Data             any                    `json:"data,omitempty"`
	RequiresApproval bool                   `json:"requires_approval,omitempty"`
	ApprovalID       string                 `json:"approval_id,omitempty"`
	IdempotentReplay bool                   `json:"idempotent_replay,omitempty"`
	SessionToken     string                 `json:"session_token,omitempty"`
	Versions         *config.VersionsConfig `json:"versions,omitempty"`
}

// cachedResponse is the slice of a Response persisted under an idempotency
// key. Trace id and versions are per-delivery, never cached.
type cachedResponse struct {
	OK               bool   `json:"ok"`
	Message          string `json:"message,omitempty"`
	Confirmation     string `json:"confirmation,omitempty"`
	Data             any    `json:"data,omitempty"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
	ApprovalID       string `json:"approval_id,omitempty"`
}

// Orchestrator drives every inbound command through authentication,
// idempotency, policy, safety, and the approval gate before execution.
type Orchestrator struct {
	cfg        *config.Config
	store      state.Store
	queue      queue.Queue
	auth       *auth.Authenticator
	policy     *policy.Engine
	platforms  *platform.Registry
	auditLog   *audit.Log
	drafts     *draft.Generator
	instanceID string
	now        func() time.Time
}

func New(cfg *config.Config, st state.Store, q queue.Queue, a *auth.Authenticator,
	pol *policy.Engine, platforms *platform.Registry, auditLog *audit.Log,
	drafts *draft.Generator) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		store:      st,
		queue:      q,
		auth:       a,
		policy:     pol,
		platforms:  platforms,
		auditLog:   auditLog,
		drafts:     drafts,
		instanceID: "bot_" + ulid.Make().String(),
		now:        time.Now,
	}
}

func (o *Orchestrator) StartupMessage() string {
	return fmt.Sprintf("%s is online. 🔒 Please authenticate to proceed.", o.cfg.Bot.Name)
}

func (o *Orchestrator) InstanceID() string {
	return o.instanceID
}

func (o *Orchestrator) MetricsSnapshot(ctx context.Context) (*state.Metrics, error) {
	return o.store.GetMetrics(ctx)
}

// ReadinessSnapshot reports queue composition and the current lock holder.
type ReadinessSnapshot struct {
	Ready           bool              `json:"ready"`
	QueueSize       int               `json:"queueSize"`
	QueueScheduled  int               `json:"queueScheduled"`
	QueueRetrying   int               `json:"queueRetrying"`
	QueueDeadLetter int               `json:"queueDeadLetter"`
	WorkerLock      *state.WorkerLock `json:"workerLock"`
}

func (o *Orchestrator) Readiness(ctx context.Context) (*ReadinessSnapshot, error) {
	lock, err := o.store.CurrentWorkerLock(ctx)
	if err != nil {
		return nil, err
	}
	jobs, err := o.queue.List(ctx)
	if err != nil {
		return nil, err
	}

	snap := &ReadinessSnapshot{Ready: true, QueueSize: len(jobs), WorkerLock: lock}
	for _, job := range jobs {
		switch job.Status {
		case queue.StatusScheduled:
			snap.QueueScheduled++
		case queue.StatusRetrying:
			snap.QueueRetrying++
		case queue.StatusDeadLetter:
			snap.QueueDeadLetter++
		}
	}
	return snap, nil
}

func newTraceID() string {
	return "tr_" + ulid.MustNew(ulid.Now(), ulid.DefaultEntropy()).String()
}

// ProcessEvent handles one inbound envelope end to end. Panics from command
// handlers are contained here so one bad command cannot take the process
// down with it.
func (o *Orchestrator) ProcessEvent(ctx context.Context, envelope Envelope) (resp Response) {
	started := o.now()
	traceID := envelope.TraceID
	if traceID == "" {
		traceID = newTraceID()
	}
	ctx = logger.WithTraceID(ctx, traceID)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic while processing event",
				"trace_id", traceID, "panic", r, "stack", string(debug.Stack()))
			if err := o.store.IncrementMetric(ctx, state.MetricErrors, 1); err != nil {
				slog.Warn("Metric update failed", "error", err)
			}
			resp = Response{TraceID: traceID, Message: "Internal error."}
		}
	}()

	o.store.PruneRetention(ctx, started)
	o.countMetric(ctx, state.MetricRequests)

	incoming := o.normalize(envelope)

	if safety.HasInjectionRisk(incoming.Text) {
		o.auditLog.Record("security.injection_attempt", map[string]any{
			"traceId": traceID,
			"userId":  incoming.UserID,
			"text":    incoming.Text,
		})
	}

	now := o.now()
	locked, err := o.auth.IsLocked(ctx, incoming.UserID, now)
	if err != nil {
		return o.failure(ctx, err)
	}
	if locked {
		o.countMetric(ctx, state.MetricErrors)
		resp := o.reject(ctx, apperrors.Wrap(apperrors.ErrLocked, incoming.UserID), Unauthorized)
		resp.TraceID = traceID
		return resp
	}

	authed, err := o.auth.IsAuthenticated(ctx, incoming.UserID, now)
	if err != nil {
		return o.failure(ctx, err)
	}
	if !authed {
		return o.establishSession(ctx, incoming, traceID, started, now)
	}

	if err := o.auth.Touch(ctx, incoming.UserID, now); err != nil {
		return o.failure(ctx, err)
	}

	result := o.handleCommand(ctx, incoming, traceID)

	o.observeLatency(ctx, started)
	if !result.OK {
		o.countMetric(ctx, state.MetricErrors)
	}

	result.TraceID = traceID
	result.Versions = &o.cfg.Versions
	return result
}

// establishSession handles the unauthenticated path: a session token
// restores silently, otherwise the text is treated as a passphrase attempt.
func (o *Orchestrator) establishSession(ctx context.Context, incoming Envelope, traceID string, started, now time.Time) Response {
	if incoming.SessionToken != "" {
		restored, err := o.auth.EstablishSessionFromToken(ctx, incoming.UserID, incoming.SessionToken, now)
		if err != nil {
			return o.failure(ctx, err)
		}
		if restored {
			o.auditLog.Record("session.restored", map[string]any{
				"traceId": traceID, "userId": incoming.UserID,
			})
			return o.welcome(traceID, "")
		}
	}

	result, err := o.auth.Authenticate(ctx, incoming.UserID, incoming.Text, now)
	if err != nil {
		return o.failure(ctx, err)
	}
	if !result.OK {
		o.countMetric(ctx, state.MetricErrors)
		cause := apperrors.Unauthorized(result.Reason)
		if result.Reason == auth.ReasonLocked {
			cause = apperrors.Wrap(apperrors.ErrLocked, incoming.UserID)
		}
		resp := o.reject(ctx, cause, Unauthorized)
		resp.TraceID = traceID
		return resp
	}

	o.auditLog.Record("auth.success", map[string]any{
		"traceId": traceID, "userId": incoming.UserID,
	})
	o.observeLatency(ctx, started)
	return o.welcome(traceID, result.SessionToken)
}

func (o *Orchestrator) welcome(traceID, token string) Response {
	return Response{
		OK:      true,
		TraceID: traceID,
		Message: fmt.Sprintf("✅ Welcome back, %s. Session active. Ready. Send a command or content to get started.",
			o.cfg.Owner.Name),
		SessionToken: token,
		Versions:     &o.cfg.Versions,
	}
}

func (o *Orchestrator) normalize(envelope Envelope) Envelope {
	out := envelope
	if out.UserID == "" {
		out.UserID = "unknown"
	}
	if out.Channel == "" {
		out.Channel = "unknown"
	}
	if out.Timestamp == "" {
		out.Timestamp = o.now().UTC().Format(time.RFC3339)
	}
	if out.Locale == "" {
		out.Locale = "en-US"
	}
	if out.Timezone == "" {
		out.Timezone = o.cfg.Owner.Timezone
	}
	return out
}

func (o *Orchestrator) failure(ctx context.Context, err error) Response {
	traceID := logger.GetTraceID(ctx)
	slog.Error("Event processing failed", "trace_id", traceID, "error", err)
	o.countMetric(ctx, state.MetricErrors)
	return Response{TraceID: traceID, Message: "Internal error."}
}

// reject refuses a command: the error carries the taxonomy category for the
// logs, the message is what the user sees.
func (o *Orchestrator) reject(ctx context.Context, err error, message string) Response {
	slog.Info("Command rejected", "trace_id", logger.GetTraceID(ctx), "error", err)
	return Response{Message: message}
}

func (o *Orchestrator) countMetric(ctx context.Context, key string) {
	if err := o.store.IncrementMetric(ctx, key, 1); err != nil {
		slog.Warn("Metric update failed", "metric", key, "error", err)
	}
}

func (o *Orchestrator) observeLatency(ctx context.Context, started time.Time) {
	if err := o.store.ObserveLatency(ctx, o.now().Sub(started).Milliseconds()); err != nil {
		slog.Warn("Latency observation failed", "error", err)
	}
}

// nextApprovalID retries random generation until the id is unused.
func (o *Orchestrator) nextApprovalID(ctx context.Context) (string, error) {
	for {
		candidate := fmt.Sprintf("appr_%s_%06x", ulid.Make().String(), rand.Intn(1<<24))
		existing, err := o.store.GetApproval(ctx, candidate)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return candidate, nil
		}
	}
}

func (o *Orchestrator) cacheResponse(ctx context.Context, key string, resp Response) {
	if key == "" {
		return
	}
	raw, err := json.Marshal(cachedResponse{
		OK:               resp.OK,
		Message:          resp.Message,
		Confirmation:     resp.Confirmation,
		Data:             resp.Data,
		RequiresApproval: resp.RequiresApproval,
		ApprovalID:       resp.ApprovalID,
	})
	if err != nil {
		slog.Warn("Idempotency cache encode failed", "key", key, "error", err)
		return
	}
	if err := o.store.SetIdempotency(ctx, key, raw, o.now()); err != nil {
		slog.Warn("Idempotency cache write failed", "key", key, "error", err)
	}
}
