package server

import (
	"encoding/json"
	"time"
)

// webhookPayload is the inbound event body. Every field is optional; the
// server falls back to delivery headers for identity fields.
type webhookPayload struct {
	UserID       *string `json:"user_id"`
	Channel      *string `json:"channel"`
	ThreadID     *string `json:"thread_id"`
	MessageID    *string `json:"message_id"`
	Timestamp    *string `json:"timestamp"`
	Locale       *string `json:"locale"`
	Timezone     *string `json:"timezone"`
	TraceID      *string `json:"trace_id"`
	Text         *string `json:"text"`
	SessionToken *string `json:"session_token"`
}

const maxTextLength = 10000

// validatePayload rejects non-object bodies, non-string fields, oversized
// text, and unparseable timestamps. An empty reason means the payload is
// acceptable.
func validatePayload(raw []byte) (*webhookPayload, string) {
	if len(raw) == 0 {
		return &webhookPayload{}, ""
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, "payload_must_be_object"
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, "payload_must_be_object"
	}

	stringFields := []string{
		"user_id", "channel", "thread_id", "message_id", "timestamp",
		"locale", "timezone", "trace_id", "text", "session_token",
	}
	for _, field := range stringFields {
		value, present := obj[field]
		if !present || value == nil {
			continue
		}
		if _, ok := value.(string); !ok {
			return nil, "invalid_field_type:" + field
		}
	}

	var payload webhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, "payload_must_be_object"
	}

	if payload.Text != nil && len(*payload.Text) > maxTextLength {
		return nil, "text_too_long"
	}
	if payload.Timestamp != nil && *payload.Timestamp != "" {
		if !timestampParses(*payload.Timestamp) {
			return nil, "invalid_timestamp"
		}
	}
	return &payload, ""
}

func timestampParses(value string) bool {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if _, err := time.Parse(layout, value); err == nil {
			return true
		}
	}
	return false
}

func orHeader(value *string, headers map[string]string, key string) string {
	if value != nil && *value != "" {
		return *value
	}
	return headers[key]
}
