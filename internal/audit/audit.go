package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"
)

// Keys whose values are always masked before an entry is persisted.
var secretKeys = []string{
	"passphrase", "token", "secret", "authorization", "access",
	"apikey", "api_key", "password", "pwd", "credential",
	"private_key", "privatekey",
}

// Entry is one audit event. Metadata is sanitized at record time, so the
// on-disk log never contains raw secrets.
type Entry struct {
	TS       time.Time      `json:"ts"`
	Event    string         `json:"event"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Log is a file-backed, append-mostly event trail behind /logs and /audit.
// Retention is two-pronged: entries older than maxAge are dropped on every
// write, and the newest maxEntries are kept.
type Log struct {
	path       string
	maxEntries int
	maxAge     time.Duration

	mu      sync.Mutex
	entries []Entry
}

func NewLog(path string, maxEntries int, maxAge time.Duration) (*Log, error) {
	l := &Log{path: path, maxEntries: maxEntries, maxAge: maxAge}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &l.entries); err != nil {
			slog.Warn("Audit log unreadable, starting fresh", "path", path, "error", err)
			l.entries = nil
		}
	}
	return l, nil
}

// Record sanitizes, appends, prunes, and persists. Persistence failures are
// logged but never fail the caller's operation.
func (l *Log) Record(event string, metadata map[string]any) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	l.pruneOld(now)

	entry := Entry{TS: now, Event: event, Metadata: sanitize(metadata)}
	l.entries = append(l.entries, entry)
	if l.maxEntries > 0 && len(l.entries) > l.maxEntries {
		l.entries = append([]Entry(nil), l.entries[len(l.entries)-l.maxEntries:]...)
	}

	if err := l.persist(); err != nil {
		slog.Warn("Audit log persist failed", "error", err)
	}
	return entry
}

func (l *Log) Recent(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	return append([]Entry(nil), l.entries[len(l.entries)-limit:]...)
}

type Filter struct {
	Event  string
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

type Page struct {
	Total  int     `json:"total"`
	Offset int     `json:"offset"`
	Limit  int     `json:"limit"`
	Items  []Entry `json:"items"`
}

func (l *Log) Query(f Filter) Page {
	l.mu.Lock()
	defer l.mu.Unlock()

	var filtered []Entry
	for _, entry := range l.entries {
		if f.Event != "" && entry.Event != f.Event {
			continue
		}
		if !f.Since.IsZero() && entry.TS.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && entry.TS.After(f.Until) {
			continue
		}
		filtered = append(filtered, entry)
	}

	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	limit := f.Limit
	if limit < 1 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	page := Page{Total: len(filtered), Offset: offset, Limit: limit, Items: []Entry{}}
	if offset < len(filtered) {
		end := offset + limit
		if end > len(filtered) {
			end = len(filtered)
		}
		page.Items = append(page.Items, filtered[offset:end]...)
	}
	return page
}

// pruneOld and persist are called with the mutex held.
func (l *Log) pruneOld(now time.Time) {
	if l.maxAge <= 0 {
		return
	}
	cutoff := now.Add(-l.maxAge)
	kept := l.entries[:0]
	for _, entry := range l.entries {
		if !entry.TS.Before(cutoff) {
			kept = append(kept, entry)
		}
	}
	l.entries = append([]Entry(nil), kept...)
}

func (l *Log) persist() error {
	raw, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(l.path, bytes.NewReader(raw))
}

func sanitize(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for key, val := range metadata {
		lower := strings.ToLower(key)
		if isSecretKey(lower) {
			out[key] = mask(val)
			continue
		}
		if nested, ok := val.(map[string]any); ok {
			out[key] = sanitize(nested)
			continue
		}
		out[key] = val
	}
	return out
}

func isSecretKey(lower string) bool {
	for _, k := range secretKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// mask keeps just enough of a string to recognize it: abc***xy. Short
// values and non-strings collapse to ***.
func mask(val any) string {
	s, ok := val.(string)
	if !ok {
		return "***"
	}
	if len(s) <= 8 {
		return "***"
	}
	return fmt.Sprintf("%s***%s", s[:3], s[len(s)-2:])
}
