package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/harunnryd/assistly/internal/errors"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// apiRequest sends a JSON request and decodes the JSON response into out.
// Non-2xx responses become delivery errors carrying the remote message, so
// the queue records something readable in lastError.
func apiRequest(ctx context.Context, method, url string, headers map[string]string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return apperrors.Internal("encode request body: " + err.Error())
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return apperrors.Internal("build request: " + err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return apperrors.Delivery(err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Delivery("read response: " + err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.Delivery(remoteErrorMessage(raw, resp.StatusCode))
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return apperrors.Delivery("decode response: " + err.Error())
		}
	}
	return nil
}

func remoteErrorMessage(raw []byte, status int) string {
	var payload struct {
		Message string `json:"message"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Error.Message != "" {
			return payload.Error.Message
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	if len(raw) > 0 {
		return string(raw)
	}
	return fmt.Sprintf("HTTP %d", status)
}

func assertConfigured(name, value string) error {
	if value == "" {
		return apperrors.Infrastructure(name + " is not configured")
	}
	return nil
}
