package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"time"

	"github.com/harunnryd/assistly/internal/state"
)

// Reject reasons returned by Authenticate. Callers map all of them to the
// same generic unauthorized message so identity state never leaks.
const (
	ReasonNonOwner = "non_owner"
	ReasonLocked   = "locked"
	ReasonInvalid  = "invalid"
)

// Result is the outcome of one authentication attempt. SessionToken is set
// only on success.
type Result struct {
	OK           bool
	Reason       string
	SessionToken string
}

// Authenticator is the per-identity session state machine:
// unauthenticated -> authenticated -> (timeout or signoff) -> unauthenticated,
// with a parallel locked state reached by repeated failures.
type Authenticator struct {
	store         state.Store
	tokens        *TokenIssuer
	ownerID       string
	passphrase    []byte
	timeout       time.Duration
	failureWindow time.Duration
	failureMax    int
	lockout       time.Duration
}

type Options struct {
	OwnerID        string
	Passphrase     string
	SessionTimeout time.Duration
	FailureWindow  time.Duration
	FailureMax     int
	Lockout        time.Duration
}

func New(store state.Store, tokens *TokenIssuer, opts Options) *Authenticator {
	return &Authenticator{
		store:         store,
		tokens:        tokens,
		ownerID:       opts.OwnerID,
		passphrase:    []byte(opts.Passphrase),
		timeout:       opts.SessionTimeout,
		failureWindow: opts.FailureWindow,
		failureMax:    opts.FailureMax,
		lockout:       opts.Lockout,
	}
}

// IsOwner is a pure identity comparison; only one identity is ever valid.
func (a *Authenticator) IsOwner(userID string) bool {
	return userID == a.ownerID
}

func (a *Authenticator) IsLocked(ctx context.Context, userID string, now time.Time) (bool, error) {
	sess, err := a.store.GetSession(ctx, userID)
	if err != nil {
		return false, err
	}
	return sess.LockedUntil != nil && now.Before(*sess.LockedUntil), nil
}

// IsAuthenticated requires both an auth timestamp and recent activity:
// expiry slides forward on every Touch.
func (a *Authenticator) IsAuthenticated(ctx context.Context, userID string, now time.Time) (bool, error) {
	sess, err := a.store.GetSession(ctx, userID)
	if err != nil {
		return false, err
	}
	if sess.AuthenticatedAt == nil || sess.LastSeenAt == nil {
		return false, nil
	}
	return now.Sub(*sess.LastSeenAt) <= a.timeout, nil
}

func (a *Authenticator) Touch(ctx context.Context, userID string, now time.Time) error {
	sess, err := a.store.GetSession(ctx, userID)
	if err != nil {
		return err
	}
	sess.LastSeenAt = &now
	return a.store.SaveSession(ctx, userID, sess)
}

// Signoff clears authentication but leaves failure history intact.
func (a *Authenticator) Signoff(ctx context.Context, userID string) error {
	sess, err := a.store.GetSession(ctx, userID)
	if err != nil {
		return err
	}
	sess.AuthenticatedAt = nil
	sess.LastSeenAt = nil
	if err := a.store.SaveSession(ctx, userID, sess); err != nil {
		return err
	}
	slog.Info("Session signed off", "user_id", userID)
	return nil
}

func (a *Authenticator) Authenticate(ctx context.Context, userID, candidate string, now time.Time) (Result, error) {
	sess, err := a.store.GetSession(ctx, userID)
	if err != nil {
		return Result{}, err
	}

	if !a.IsOwner(userID) {
		slog.Warn("Authentication attempt by non-owner", "user_id", userID)
		return Result{Reason: ReasonNonOwner}, nil
	}

	// A locked identity is rejected outright; further attempts must not
	// reset the countdown.
	if sess.LockedUntil != nil && now.Before(*sess.LockedUntil) {
		return Result{Reason: ReasonLocked}, nil
	}

	if subtle.ConstantTimeCompare([]byte(candidate), a.passphrase) == 1 {
		sess.AuthenticatedAt = &now
		sess.LastSeenAt = &now
		sess.FailedAttempts = []time.Time{}
		sess.LockedUntil = nil
		if err := a.store.SaveSession(ctx, userID, sess); err != nil {
			return Result{}, err
		}

		token, err := a.tokens.Issue(userID, now)
		if err != nil {
			return Result{}, err
		}
		slog.Info("Authentication succeeded", "user_id", userID)
		return Result{OK: true, SessionToken: token}, nil
	}

	// Sliding failure window: stale entries drop out before the count check.
	sess.FailedAttempts = append(sess.FailedAttempts, now)
	recent := sess.FailedAttempts[:0]
	for _, ts := range sess.FailedAttempts {
		if now.Sub(ts) <= a.failureWindow {
			recent = append(recent, ts)
		}
	}
	sess.FailedAttempts = append([]time.Time(nil), recent...)

	if len(sess.FailedAttempts) >= a.failureMax {
		until := now.Add(a.lockout)
		sess.LockedUntil = &until
		if err := a.store.SaveSession(ctx, userID, sess); err != nil {
			return Result{}, err
		}
		slog.Warn("Identity locked out", "user_id", userID, "until", until)
		return Result{Reason: ReasonLocked}, nil
	}

	if err := a.store.SaveSession(ctx, userID, sess); err != nil {
		return Result{}, err
	}
	slog.Warn("Authentication failed", "user_id", userID, "recent_failures", len(sess.FailedAttempts))
	return Result{Reason: ReasonInvalid}, nil
}

// EstablishSessionFromToken re-authenticates from a previously issued token
// without the passphrase. Lockout still applies.
func (a *Authenticator) EstablishSessionFromToken(ctx context.Context, userID, token string, now time.Time) (bool, error) {
	if !a.IsOwner(userID) {
		return false, nil
	}
	locked, err := a.IsLocked(ctx, userID, now)
	if err != nil {
		return false, err
	}
	if locked {
		return false, nil
	}
	if err := a.tokens.Validate(token, userID, now); err != nil {
		slog.Warn("Session token rejected", "user_id", userID, "error", err)
		return false, nil
	}

	sess, err := a.store.GetSession(ctx, userID)
	if err != nil {
		return false, err
	}
	sess.AuthenticatedAt = &now
	sess.LastSeenAt = &now
	if err := a.store.SaveSession(ctx, userID, sess); err != nil {
		return false, err
	}
	slog.Info("Session restored from token", "user_id", userID)
	return true, nil
}
