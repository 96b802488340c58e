package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"time"

	"github.com/harunnryd/assistly/internal/state"
)

// Header names carried on every signed delivery.
const (
	HeaderSignature = "x-openclaw-signature"
	HeaderTimestamp = "x-openclaw-timestamp"
	HeaderNonce     = "x-openclaw-nonce"
)

// Reject reasons, reported verbatim in the 401 body.
const (
	ReasonMissingHeaders       = "missing_headers"
	ReasonBadTimestamp         = "bad_timestamp"
	ReasonTimestampOutOfWindow = "timestamp_out_of_window"
	ReasonReplayDetected       = "replay_detected"
	ReasonSignatureMismatch    = "signature_mismatch"
)

type Verdict struct {
	OK     bool
	Reason string
}

func accept() Verdict              { return Verdict{OK: true} }
func reject(reason string) Verdict { return Verdict{Reason: reason} }

// Verifier authenticates inbound deliveries: HMAC-SHA256 over
// "timestamp.nonce.rawBody", with a timestamp skew window and a nonce
// ledger for replay protection. Multiple secrets are accepted during
// rotation.
type Verifier struct {
	secrets [][]byte
	maxSkew time.Duration
	enforce bool
	store   state.Store
}

func NewVerifier(secrets []string, maxSkew time.Duration, enforce bool, store state.Store) *Verifier {
	keys := make([][]byte, 0, len(secrets))
	for _, s := range secrets {
		if s != "" {
			keys = append(keys, []byte(s))
		}
	}
	return &Verifier{secrets: keys, maxSkew: maxSkew, enforce: enforce, store: store}
}

// Verify checks one delivery. Cheap checks run first: header presence,
// timestamp shape, skew, then the nonce ledger, and only then the HMAC.
// When enforcement is disabled every delivery is accepted; that is a
// deployment escape hatch, not a security feature.
func (v *Verifier) Verify(ctx context.Context, headers map[string]string, rawBody []byte, now time.Time) (Verdict, error) {
	if !v.enforce {
		return accept(), nil
	}

	signature := headers[HeaderSignature]
	timestamp := headers[HeaderTimestamp]
	nonce := headers[HeaderNonce]
	if signature == "" || timestamp == "" || nonce == "" {
		return reject(ReasonMissingHeaders), nil
	}

	tsMs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return reject(ReasonBadTimestamp), nil
	}

	skew := now.UnixMilli() - tsMs
	if skew < 0 {
		skew = -skew
	}
	// The boundary itself is accepted.
	if skew > v.maxSkew.Milliseconds() {
		return reject(ReasonTimestampOutOfWindow), nil
	}

	seen, err := v.store.SeenNonce(ctx, nonce)
	if err != nil {
		return Verdict{}, err
	}
	if seen {
		return reject(ReasonReplayDetected), nil
	}

	payload := timestamp + "." + nonce + "." + string(rawBody)
	if !v.matchesAnySecret(payload, signature) {
		return reject(ReasonSignatureMismatch), nil
	}

	if err := v.store.RegisterNonce(ctx, nonce, tsMs); err != nil {
		return Verdict{}, err
	}
	if err := v.store.PruneNonces(ctx, now.UnixMilli()-v.maxSkew.Milliseconds()); err != nil {
		slog.Warn("Nonce prune failed", "error", err)
	}
	return accept(), nil
}

func (v *Verifier) matchesAnySecret(payload, signature string) bool {
	given, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	for _, secret := range v.secrets {
		mac := hmac.New(sha256.New, secret)
		mac.Write([]byte(payload))
		if hmac.Equal(mac.Sum(nil), given) {
			return true
		}
	}
	return false
}

// Sign computes the signature a sender would attach. Used by tests and the
// local REPL.
func Sign(secret string, timestampMs int64, nonce string, rawBody []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestampMs, 10) + "." + nonce + "." + string(rawBody)))
	return hex.EncodeToString(mac.Sum(nil))
}
