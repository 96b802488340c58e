package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{MaxBodyBytes: 1 << 20},
		Owner:  OwnerConfig{ID: "owner-1", Passphrase: "secret"},
		OpenClaw: OpenClawConfig{
			WebhookSecret:    "hook-secret",
			EnforceSignature: true,
		},
		Storage: StorageConfig{Backend: "file"},
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, DefaultServerRateLimit, cfg.Server.RateLimit)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, DefaultMaxRetries, cfg.Schedule.MaxRetries)
	assert.Equal(t, DefaultOpenClawMaxSkewSeconds, cfg.OpenClaw.MaxSkewSeconds)
	assert.True(t, cfg.OpenClaw.EnforceSignature)
	assert.Equal(t, DefaultBotName, cfg.Bot.Name)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ASSISTLY_SERVER_PORT", "9090")
	t.Setenv("OWNER_PASSPHRASE", "from-env")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Owner.Passphrase)
}

func TestLoadExpandsDataDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".assistly", "data"), cfg.Storage.DataDir)
}

func TestLoadReadsGlobalConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".assistly"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".assistly", "config.yaml"),
		[]byte("bot:\n  name: custom-bot\n"), 0o644))

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "custom-bot", cfg.Bot.Name)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	cfg := validConfig()
	cfg.Owner.ID = ""
	assert.ErrorContains(t, cfg.Validate(), "owner.id")

	cfg = validConfig()
	cfg.Owner.Passphrase = ""
	assert.ErrorContains(t, cfg.Validate(), "owner.passphrase")

	cfg = validConfig()
	cfg.OpenClaw.WebhookSecret = ""
	assert.ErrorContains(t, cfg.Validate(), "webhook_secret")

	cfg = validConfig()
	cfg.OpenClaw.WebhookSecret = ""
	cfg.OpenClaw.EnforceSignature = false
	assert.NoError(t, cfg.Validate(), "secret optional when enforcement is off")

	cfg = validConfig()
	cfg.Storage.Backend = "redis"
	assert.ErrorContains(t, cfg.Validate(), "storage.backend")

	cfg = validConfig()
	cfg.Storage.Backend = "postgres"
	assert.ErrorContains(t, cfg.Validate(), "database_url")
}

func TestWebhookSecretsRotation(t *testing.T) {
	cfg := &Config{OpenClaw: OpenClawConfig{WebhookSecret: "new-secret, old-secret ,"}}
	assert.Equal(t, []string{"new-secret", "old-secret"}, cfg.WebhookSecrets())

	cfg.OpenClaw.WebhookSecret = ""
	assert.Empty(t, cfg.WebhookSecrets())
}

func TestTokenSecretFallsBackToPassphrase(t *testing.T) {
	cfg := &Config{
		Owner: OwnerConfig{Passphrase: "pass"},
		Auth:  AuthConfig{TokenSecret: "dedicated"},
	}
	assert.Equal(t, "dedicated", cfg.TokenSecret())

	cfg.Auth.TokenSecret = ""
	assert.Equal(t, "pass", cfg.TokenSecret())
}

func TestDurationOrDefault(t *testing.T) {
	d, err := DurationOrDefault("45s", "10s")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, d)

	d, err = DurationOrDefault("", "10s")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, d)

	_, err = DurationOrDefault("soon", "10s")
	assert.Error(t, err)
}
