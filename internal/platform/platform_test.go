package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/assistly/internal/config"
	apperrors "github.com/harunnryd/assistly/internal/errors"
)

func TestRegistryResolvesClients(t *testing.T) {
	r := NewRegistry(
		NewTwitterClient(config.TwitterConfig{AccessToken: "t"}),
		NewTelegramClient(config.TelegramConfig{BotToken: "t", ChannelID: "@c"}),
	)

	c, err := r.Get("twitter")
	require.NoError(t, err)
	assert.Equal(t, "twitter", c.Name())

	assert.True(t, r.Has("telegram"))
	assert.False(t, r.Has("linkedin"))

	_, err = r.Get("myspace")
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.ErrInvalidInput))

	assert.Equal(t, []string{"telegram", "twitter"}, r.Names())
}

func TestTwitterPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tweets", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello world", body["text"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"id":"1234"}}`))
	}))
	defer srv.Close()

	c := NewTwitterClient(config.TwitterConfig{AccessToken: "tok", BaseURL: srv.URL})
	res, err := c.Post(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, "twitter", res.Platform)
	assert.Equal(t, "1234", res.ID)
	assert.Equal(t, "https://x.com/i/web/status/1234", res.URL)
	assert.Equal(t, 11, res.Chars)
}

func TestTwitterPostRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"message":"duplicate content"}}`))
	}))
	defer srv.Close()

	c := NewTwitterClient(config.TwitterConfig{AccessToken: "tok", BaseURL: srv.URL})
	_, err := c.Post(context.Background(), "again")
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.ErrDelivery))
	assert.Contains(t, err.Error(), "duplicate content")
}

func TestTwitterUnconfigured(t *testing.T) {
	c := NewTwitterClient(config.TwitterConfig{})
	_, err := c.Post(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TWITTER_ACCESS_TOKEN")
}

func TestLinkedInPostBuildsURN(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "urn:li:person:abc", body["author"])
		assert.Equal(t, "2.0.0", r.Header.Get("X-Restli-Protocol-Version"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ugc-1"}`))
	}))
	defer srv.Close()

	c := NewLinkedInClient(config.LinkedInConfig{
		AccessToken: "tok", ProfileID: "abc", BaseURL: srv.URL,
	})
	res, err := c.Post(context.Background(), "professional update")
	require.NoError(t, err)
	assert.Equal(t, "ugc-1", res.ID)

	// An already-qualified URN passes through untouched.
	c2 := NewLinkedInClient(config.LinkedInConfig{
		AccessToken: "tok", ProfileID: "urn:li:organization:9", BaseURL: srv.URL,
	})
	assert.Equal(t, "urn:li:organization:9", c2.authorURN())
}

func TestLinkedInAnalytics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"firstDegreeSize":321}`))
	}))
	defer srv.Close()

	c := NewLinkedInClient(config.LinkedInConfig{
		AccessToken: "tok", ProfileID: "abc", BaseURL: srv.URL,
	})
	stats, err := c.Analytics(context.Background(), "7d")
	require.NoError(t, err)
	assert.Equal(t, 321, stats["followers"])
}
