package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/harunnryd/assistly/internal/audit"
	"github.com/harunnryd/assistly/internal/draft"
	apperrors "github.com/harunnryd/assistly/internal/errors"
	"github.com/harunnryd/assistly/internal/queue"
	"github.com/harunnryd/assistly/internal/safety"
	"github.com/harunnryd/assistly/internal/state"
)

type command struct {
	Name string
	Args []string
}

// parseCommand tokenizes a leading slash command. Quoted arguments survive
// as single tokens; malformed quoting falls back to whitespace splitting.
func parseCommand(text string) *command {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return nil
	}
	tokens, err := shlex.Split(trimmed)
	if err != nil || len(tokens) == 0 {
		tokens = strings.Fields(trimmed)
	}
	if len(tokens) == 0 {
		return nil
	}
	return &command{Name: strings.ToLower(tokens[0]), Args: tokens[1:]}
}

func idempotencyKey(envelope Envelope, commandName string) string {
	if envelope.MessageID == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s:%s", envelope.Channel, envelope.MessageID, commandName)
}

func parseKeyValueArgs(args []string) map[string]string {
	out := map[string]string{}
	for _, token := range args {
		k, v, found := strings.Cut(token, "=")
		if !found || k == "" {
			continue
		}
		out[strings.ToLower(k)] = v
	}
	return out
}

func auditFilterFromKV(kv map[string]string) audit.Filter {
	filter := audit.Filter{Event: kv["event"]}
	if since, ok := parseTime(kv["since"]); ok {
		filter.Since = since
	}
	if until, ok := parseTime(kv["until"]); ok {
		filter.Until = until
	}
	return filter
}

func toInt(value string, fallback, min, max int) int {
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	if parsed < min {
		return min
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseTime(value string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func summarizeForConfirm(name string, resp Response) string {
	switch name {
	case "/post":
		results, _ := resp.Data.([]postOutcome)
		ok := 0
		for _, r := range results {
			if r.OK {
				ok++
			}
		}
		return fmt.Sprintf("Posted %d/%d targets.", ok, len(results))
	case "/schedule":
		job, _ := resp.Data.(*queue.Job)
		if job != nil {
			return fmt.Sprintf("Scheduled %s at %s with id %s.",
				job.Platform, job.ScheduledAt.Format(time.RFC3339), job.ID)
		}
		return "Scheduled."
	case "/approve":
		return "Approval executed."
	default:
		return "Command executed."
	}
}

// handleCommand runs the gate sequence for an authenticated envelope:
// idempotency lookup, policy block, owner check, content safety, approval
// gate, then execution. Every terminal response is cached under the
// envelope's idempotency key.
func (o *Orchestrator) handleCommand(ctx context.Context, envelope Envelope, traceID string) Response {
	started := o.now()

	parsed := parseCommand(envelope.Text)
	if parsed == nil {
		return Response{Message: "Unknown input. Use a slash command."}
	}

	o.countMetric(ctx, state.MetricCommands)

	key := idempotencyKey(envelope, parsed.Name)
	if key != "" {
		cached, err := o.store.GetIdempotency(ctx, key)
		if err != nil {
			// Re-running a possibly cached command can double-fire its side
			// effect, so a broken lookup fails the event instead.
			return o.failure(ctx, apperrors.Wrap(err, "idempotency lookup"))
		}
		if cached != nil {
			var replay Response
			if err := json.Unmarshal(cached, &replay); err == nil {
				replay.IdempotentReplay = true
				return replay
			}
		}
	}

	if decision := o.policy.CanExecute(parsed.Name); !decision.Allowed {
		return o.reject(ctx, apperrors.Wrap(apperrors.ErrBlockedByPolicy, parsed.Name),
			"Blocked by policy: "+parsed.Name)
	}

	if !o.auth.IsOwner(envelope.UserID) {
		return o.reject(ctx, apperrors.Unauthorized(envelope.UserID), Unauthorized)
	}

	if parsed.Name == "/post" || parsed.Name == "/schedule" {
		content := ""
		if parsed.Name == "/schedule" && len(parsed.Args) > 2 {
			content = strings.Join(parsed.Args[2:], " ")
		} else if parsed.Name == "/post" && len(parsed.Args) > 1 {
			content = strings.Join(parsed.Args[1:], " ")
		}
		if scan := safety.Scan(content); !scan.Safe {
			o.auditLog.Record("content.flagged", map[string]any{
				"traceId": traceID, "command": parsed.Name, "flags": scan.Flags,
			})
			return o.reject(ctx, apperrors.Wrap(apperrors.ErrContentFlagged, parsed.Name),
				"Content flagged: "+strings.Join(scan.Flags, ", "))
		}
	}

	approvalPlatform := ""
	if parsed.Name == "/post" {
		approvalPlatform = "all"
		if len(parsed.Args) > 0 {
			approvalPlatform = parsed.Args[0]
		}
	}

	if o.policy.NeedsApproval(parsed.Name, approvalPlatform) &&
		parsed.Name != "/approve" && parsed.Name != "/reject" {
		resp, err := o.createApproval(ctx, envelope, parsed, traceID)
		if err != nil {
			return o.failure(ctx, err)
		}
		o.cacheResponse(ctx, key, resp)
		return resp
	}

	resp := o.executeAction(ctx, envelope, parsed, traceID)

	o.auditLog.Record("command.executed", map[string]any{
		"traceId":   traceID,
		"command":   parsed.Name,
		"ok":        resp.OK,
		"latencyMs": o.now().Sub(started).Milliseconds(),
	})

	if resp.OK {
		resp.Confirmation = summarizeForConfirm(parsed.Name, resp)
	}
	o.cacheResponse(ctx, key, resp)
	return resp
}

func (o *Orchestrator) createApproval(ctx context.Context, envelope Envelope, parsed *command, traceID string) (Response, error) {
	id, err := o.nextApprovalID(ctx)
	if err != nil {
		return Response{}, err
	}
	approval := &state.Approval{
		ID:          id,
		Status:      state.ApprovalPending,
		CreatedAt:   o.now().UTC(),
		Command:     parsed.Name,
		Args:        parsed.Args,
		RequestedBy: envelope.UserID,
		TraceID:     traceID,
	}
	if err := o.store.AddApproval(ctx, approval); err != nil {
		return Response{}, err
	}
	return Response{
		OK:               true,
		RequiresApproval: true,
		ApprovalID:       id,
		Message:          fmt.Sprintf("Approval required. Run /approve %s to execute.", id),
	}, nil
}

type postOutcome struct {
	OK       bool   `json:"ok"`
	Platform string `json:"platform"`
	ID       string `json:"id,omitempty"`
	URL      string `json:"url,omitempty"`
	Chars    int    `json:"chars,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (o *Orchestrator) executeAction(ctx context.Context, envelope Envelope, parsed *command, traceID string) Response {
	switch parsed.Name {
	case "/signoff":
		if err := o.auth.Signoff(ctx, envelope.UserID); err != nil {
			return o.failure(ctx, err)
		}
		return Response{OK: true, Message: "Session ended."}

	case "/session":
		authed, err := o.auth.IsAuthenticated(ctx, envelope.UserID, o.now())
		if err != nil {
			return o.failure(ctx, err)
		}
		return Response{OK: true, Data: map[string]any{
			"authenticated":  authed,
			"timeoutMinutes": o.cfg.Bot.SessionTimeoutMinutes,
			"userId":         envelope.UserID,
			"ownerId":        o.cfg.Owner.ID,
		}}

	case "/status":
		return o.statusAction(ctx, traceID)

	case "/logs":
		return o.logsAction(parsed.Args)

	case "/audit":
		return o.auditAction(ctx, parsed.Args, traceID)

	case "/queue":
		return o.queuePageAction(ctx, parsed.Args, traceID)

	case "/draft":
		return o.draftAction(ctx, parsed.Args)

	case "/post":
		return o.postAction(ctx, parsed.Args, traceID)

	case "/schedule":
		return o.scheduleAction(ctx, envelope, parsed.Args, traceID)

	case "/approve":
		return o.approveAction(ctx, envelope, parsed.Args, traceID)

	case "/reject":
		return o.rejectAction(ctx, parsed.Args, traceID)

	case "/delete":
		if len(parsed.Args) == 0 {
			return Response{Message: "Missing id."}
		}
		removed, err := o.queue.Remove(ctx, parsed.Args[0])
		if err != nil {
			return o.failure(ctx, err)
		}
		if removed {
			return Response{OK: true, Message: "Removed."}
		}
		return o.reject(ctx, apperrors.NotFound("job "+parsed.Args[0]), "Not found.")

	case "/replay":
		return o.replayAction(ctx, parsed.Args, traceID)

	case "/analytics":
		return o.analyticsAction(ctx, parsed.Args)

	default:
		o.auditLog.Record("command.unhandled", map[string]any{
			"traceId": traceID, "command": parsed.Name,
		})
		return Response{Message: "Command not implemented: " + parsed.Name}
	}
}

func (o *Orchestrator) statusAction(ctx context.Context, traceID string) Response {
	jobs, err := o.queue.List(ctx)
	if err != nil {
		return o.failure(ctx, err)
	}
	approvals, err := o.store.ListApprovals(ctx)
	if err != nil {
		return o.failure(ctx, err)
	}

	scheduled, retrying, deadLetter := 0, 0, 0
	for _, job := range jobs {
		switch job.Status {
		case queue.StatusScheduled:
			scheduled++
		case queue.StatusRetrying:
			retrying++
		case queue.StatusDeadLetter:
			deadLetter++
		}
	}
	pending := 0
	for _, a := range approvals {
		if a.Status == state.ApprovalPending {
			pending++
		}
	}

	return Response{
		OK: true,
		Message: fmt.Sprintf("Queue %d items, %d dead-letter, %d approvals pending.",
			len(jobs), deadLetter, pending),
		Data: map[string]any{
			"queueSize":        len(jobs),
			"scheduled":        scheduled,
			"retrying":         retrying,
			"deadLetter":       deadLetter,
			"pendingApprovals": pending,
			"versions":         o.cfg.Versions,
		},
	}
}

func (o *Orchestrator) logsAction(args []string) Response {
	kv := parseKeyValueArgs(args)

	limitRaw := kv["limit"]
	if limitRaw == "" && len(args) > 0 {
		limitRaw = args[0]
	}
	offsetRaw := kv["offset"]
	if offsetRaw == "" && len(args) > 1 {
		offsetRaw = args[1]
	}

	filter := auditFilterFromKV(kv)
	filter.Limit = toInt(limitRaw, 50, 1, 500)
	filter.Offset = toInt(offsetRaw, 0, 0, 50000)

	page := o.auditLog.Query(filter)
	message := "Logs 0-0 of 0."
	if page.Total > 0 {
		message = fmt.Sprintf("Logs %d-%d of %d.",
			page.Offset+1, page.Offset+len(page.Items), page.Total)
	}
	return Response{OK: true, Message: message, Data: page}
}

func (o *Orchestrator) auditAction(ctx context.Context, args []string, traceID string) Response {
	kv := parseKeyValueArgs(args)
	filter := auditFilterFromKV(kv)
	filter.Limit = toInt(kv["limit"], 100, 1, 500)

	page := o.auditLog.Query(filter)

	metrics, err := o.store.GetMetrics(ctx)
	if err != nil {
		return o.failure(ctx, err)
	}
	approvals, err := o.store.ListApprovals(ctx)
	if err != nil {
		return o.failure(ctx, err)
	}
	var pending []*state.Approval
	for _, a := range approvals {
		if a.Status == state.ApprovalPending {
			pending = append(pending, a)
		}
	}

	return Response{OK: true, Data: map[string]any{
		"metrics":             metrics,
		"versions":            o.cfg.Versions,
		"pendingApprovals":    pending,
		"filters":             kv,
		"recentEvents":        page.Items,
		"totalMatchingEvents": page.Total,
	}}
}

func (o *Orchestrator) queuePageAction(ctx context.Context, args []string, traceID string) Response {
	page, pageSize := 1, 20
	if len(args) > 0 {
		page = toInt(args[0], 1, 1, 100000)
	}
	if len(args) > 1 {
		pageSize = toInt(args[1], 20, 1, 200)
	}

	jobs, err := o.queue.List(ctx)
	if err != nil {
		return o.failure(ctx, err)
	}

	offset := (page - 1) * pageSize
	paged := []*queue.Job{}
	if offset < len(jobs) {
		end := offset + pageSize
		if end > len(jobs) {
			end = len(jobs)
		}
		paged = jobs[offset:end]
	}

	return Response{
		OK:      true,
		Message: fmt.Sprintf("Queue page %d, showing %d of %d.", page, len(paged), len(jobs)),
		Data: map[string]any{
			"page":     page,
			"pageSize": pageSize,
			"total":    len(jobs),
			"items":    paged,
		},
	}
}

// draftAction prefers AI generation and falls back to deterministic
// templates when no generator is configured or the call fails.
func (o *Orchestrator) draftAction(ctx context.Context, args []string) Response {
	topic := strings.Join(args, " ")
	if o.drafts != nil {
		drafts, err := o.drafts.Generate(ctx, topic)
		if err == nil {
			return Response{OK: true, Data: drafts}
		}
		o.auditLog.Record("draft.ai_fallback", map[string]any{"error": err.Error()})
	}
	return Response{OK: true, Data: draft.Templates(topic)}
}

func (o *Orchestrator) postAction(ctx context.Context, args []string, traceID string) Response {
	platformName := "all"
	if len(args) > 0 {
		platformName = args[0]
	}
	content := ""
	if len(args) > 1 {
		content = strings.TrimSpace(strings.Join(args[1:], " "))
	}
	if content == "" {
		return Response{Message: "Missing content."}
	}

	targets := []string{platformName}
	if platformName == "all" {
		targets = o.platforms.Names()
	} else if !o.platforms.Has(platformName) {
		return Response{Message: "Unsupported platform: " + platformName}
	}

	results := make([]postOutcome, 0, len(targets))
	anyOK := false
	for _, target := range targets {
		client, err := o.platforms.Get(target)
		if err != nil {
			return Response{Message: "Unsupported platform: " + target}
		}

		posted, err := client.Post(ctx, content)
		if err != nil {
			o.auditLog.Record("post.publish_failed", map[string]any{
				"traceId": traceID, "platform": target, "error": err.Error(),
			})
			results = append(results, postOutcome{Platform: target, Error: err.Error()})
			continue
		}
		o.auditLog.Record("post.published", map[string]any{
			"traceId": traceID, "platform": target, "remoteId": posted.ID,
		})
		results = append(results, postOutcome{
			OK: true, Platform: posted.Platform, ID: posted.ID, URL: posted.URL, Chars: posted.Chars,
		})
		anyOK = true
	}

	return Response{OK: anyOK, Data: results}
}

func (o *Orchestrator) scheduleAction(ctx context.Context, envelope Envelope, args []string, traceID string) Response {
	if len(args) < 3 {
		return Response{Message: "Usage: /schedule [platform] [ISO time] [content]"}
	}
	platformName, rawTime := args[0], args[1]
	content := strings.TrimSpace(strings.Join(args[2:], " "))

	scheduledAt, ok := parseTime(rawTime)
	if !ok {
		return Response{Message: "Invalid schedule time. Use an ISO-8601 timestamp."}
	}
	if !o.platforms.Has(platformName) {
		return Response{Message: "Unsupported platform: " + platformName}
	}

	minGap := time.Duration(o.cfg.Schedule.MinPostGapHours) * time.Hour
	conflict, err := o.queue.FindScheduleConflict(ctx, platformName, scheduledAt, minGap)
	if err != nil {
		return o.failure(ctx, err)
	}
	if conflict != nil {
		return o.reject(ctx, apperrors.Conflict(conflict.ID),
			fmt.Sprintf("Schedule conflict with %s at %s",
				conflict.ID, conflict.ScheduledAt.Format(time.RFC3339)))
	}

	job, err := o.queue.Schedule(ctx, &queue.Job{
		Platform:       platformName,
		ScheduledAt:    scheduledAt,
		Content:        content,
		IdempotencyKey: idempotencyKey(envelope, "/schedule"),
	})
	if err != nil {
		return o.failure(ctx, err)
	}

	o.auditLog.Record("post.scheduled", map[string]any{
		"traceId":     traceID,
		"id":          job.ID,
		"platform":    platformName,
		"scheduledAt": scheduledAt.Format(time.RFC3339),
	})
	return Response{OK: true, Data: job}
}

// approveAction transitions the approval first, then re-runs the original
// command. The pending-only transition in the store guarantees a second
// /approve on the same id cannot execute twice.
func (o *Orchestrator) approveAction(ctx context.Context, envelope Envelope, args []string, traceID string) Response {
	if len(args) == 0 {
		return Response{Message: "Usage: /approve [approval_id]"}
	}
	approvalID := args[0]

	updated, err := o.store.UpdateApproval(ctx, approvalID, state.ApprovalApproved, o.now().UTC())
	if err != nil {
		return o.failure(ctx, err)
	}
	if updated == nil {
		return o.reject(ctx, apperrors.NotFound("approval "+approvalID), "Pending approval not found.")
	}

	rerun := o.executeAction(ctx, envelope, &command{Name: updated.Command, Args: updated.Args}, traceID)
	if rerun.Message == "" {
		rerun.Message = "Approved and executed."
	}
	return rerun
}

func (o *Orchestrator) rejectAction(ctx context.Context, args []string, traceID string) Response {
	if len(args) == 0 {
		return Response{Message: "Usage: /reject [approval_id]"}
	}
	approvalID := args[0]

	updated, err := o.store.UpdateApproval(ctx, approvalID, state.ApprovalRejected, o.now().UTC())
	if err != nil {
		return o.failure(ctx, err)
	}
	if updated == nil {
		return o.reject(ctx, apperrors.NotFound("approval "+approvalID), "Pending approval not found.")
	}
	return Response{OK: true, Message: "Rejected " + approvalID + "."}
}

// replayAction re-queues a dead-lettered job, immediately by default or at
// an explicit future time.
func (o *Orchestrator) replayAction(ctx context.Context, args []string, traceID string) Response {
	if len(args) == 0 {
		return Response{Message: "Usage: /replay [job_id] [ISO time]"}
	}
	scheduledAt := o.now().UTC()
	if len(args) > 1 {
		parsed, ok := parseTime(args[1])
		if !ok {
			return Response{Message: "Invalid schedule time. Use an ISO-8601 timestamp."}
		}
		scheduledAt = parsed
	}

	job, err := o.queue.ReplayDeadLetter(ctx, args[0], scheduledAt)
	if err != nil {
		return o.failure(ctx, err)
	}
	if job == nil {
		return o.reject(ctx, apperrors.NotFound("dead-letter job "+args[0]), "Dead-letter job not found.")
	}

	o.auditLog.Record("post.replayed", map[string]any{
		"traceId": traceID, "id": job.ID,
		"scheduledAt": scheduledAt.Format(time.RFC3339),
	})
	return Response{OK: true, Message: "Replayed " + job.ID + ".", Data: job}
}

func (o *Orchestrator) analyticsAction(ctx context.Context, args []string) Response {
	platformName, period := "all", "7d"
	if len(args) > 0 {
		platformName = args[0]
	}
	if len(args) > 1 {
		period = args[1]
	}

	if platformName == "all" {
		result := map[string]any{}
		for _, name := range o.platforms.Names() {
			client, err := o.platforms.Get(name)
			if err != nil {
				continue
			}
			stats, err := client.Analytics(ctx, period)
			if err != nil {
				result[name] = map[string]string{"error": err.Error()}
				continue
			}
			result[name] = stats
		}
		return Response{OK: true, Data: result}
	}

	client, err := o.platforms.Get(platformName)
	if err != nil {
		return Response{Message: "Unsupported platform: " + platformName}
	}
	stats, err := client.Analytics(ctx, period)
	if err != nil {
		return Response{Message: err.Error()}
	}
	return Response{OK: true, Data: stats}
}
