package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"

	"github.com/harunnryd/assistly/internal/pathutil"
)

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Owner      OwnerConfig      `koanf:"owner"`
	Bot        BotConfig        `koanf:"bot"`
	Auth       AuthConfig       `koanf:"auth"`
	OpenClaw   OpenClawConfig   `koanf:"openclaw"`
	Policy     PolicyConfig     `koanf:"policy"`
	Schedule   ScheduleConfig   `koanf:"schedule"`
	Retention  RetentionConfig  `koanf:"retention"`
	Storage    StorageConfig    `koanf:"storage"`
	Dispatcher DispatcherConfig `koanf:"dispatcher"`
	Platforms  PlatformsConfig  `koanf:"platforms"`
	Draft      DraftConfig      `koanf:"draft"`
	Versions   VersionsConfig   `koanf:"versions"`
}

type ServerConfig struct {
	Port            int    `koanf:"port"`
	LogLevel        string `koanf:"log_level"`
	ReadTimeout     string `koanf:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout"`
	IdleTimeout     string `koanf:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
	RateLimit       int    `koanf:"rate_limit"`
	RateWindow      string `koanf:"rate_window"`
	MaxBodyBytes    int64  `koanf:"max_body_bytes"`
}

type OwnerConfig struct {
	ID         string `koanf:"id"`
	Name       string `koanf:"name"`
	Passphrase string `koanf:"passphrase"`
	Timezone   string `koanf:"timezone"`
}

type BotConfig struct {
	Name                  string `koanf:"name"`
	SessionTimeoutMinutes int    `koanf:"session_timeout_minutes"`
}

type AuthConfig struct {
	// TokenSecret signs session tokens. Falls back to the owner passphrase
	// when unset.
	TokenSecret     string `koanf:"token_secret"`
	FailureWindow   string `koanf:"failure_window"`
	FailureMax      int    `koanf:"failure_max"`
	LockoutDuration string `koanf:"lockout_duration"`
}

type OpenClawConfig struct {
	// WebhookSecret accepts a comma-separated list for rotation.
	WebhookSecret    string `koanf:"webhook_secret"`
	MaxSkewSeconds   int    `koanf:"max_skew_seconds"`
	EnforceSignature bool   `koanf:"enforce_signature"`
}

type PolicyConfig struct {
	BlockedCommands          []string `koanf:"blocked_commands"`
	ApprovalRequiredCommands []string `koanf:"approval_required_commands"`
}

type ScheduleConfig struct {
	RetryIntervalMinutes int `koanf:"retry_interval_minutes"`
	MaxRetries           int `koanf:"max_retries"`
	MinPostGapHours      int `koanf:"min_post_gap_hours"`
	WorkerLockSeconds    int `koanf:"worker_lock_seconds"`
}

type RetentionConfig struct {
	ApprovalsDays   int `koanf:"approvals_days"`
	IdempotencyDays int `koanf:"idempotency_days"`
	LogsDays        int `koanf:"logs_days"`
	MaxApprovals    int `koanf:"max_approvals"`
	MaxIdempotency  int `koanf:"max_idempotency"`
	MaxLogEntries   int `koanf:"max_log_entries"`
}

type StorageConfig struct {
	// Backend selects "file" or "postgres".
	Backend   string `koanf:"backend"`
	DataDir   string `koanf:"data_dir"`
	StateFile string `koanf:"state_file"`
	QueueFile string `koanf:"queue_file"`
	LogsFile  string `koanf:"logs_file"`
	// DatabaseURL is required when backend is "postgres".
	DatabaseURL string `koanf:"database_url"`
	PoolSize    int    `koanf:"pool_size"`
}

type DispatcherConfig struct {
	TickInterval    string `koanf:"tick_interval"`
	PruneSchedule   string `koanf:"prune_schedule"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

type PlatformsConfig struct {
	Twitter  TwitterConfig  `koanf:"twitter"`
	Telegram TelegramConfig `koanf:"telegram"`
	LinkedIn LinkedInConfig `koanf:"linkedin"`
	Slack    SlackConfig    `koanf:"slack"`
}

type TwitterConfig struct {
	AccessToken string `koanf:"access_token"`
	BaseURL     string `koanf:"base_url"`
}

type TelegramConfig struct {
	BotToken  string `koanf:"bot_token"`
	ChannelID string `koanf:"channel_id"`
}

type LinkedInConfig struct {
	AccessToken string `koanf:"access_token"`
	ProfileID   string `koanf:"profile_id"`
	BaseURL     string `koanf:"base_url"`
}

type SlackConfig struct {
	BotToken  string `koanf:"bot_token"`
	ChannelID string `koanf:"channel_id"`
}

type DraftConfig struct {
	APIKey    string `koanf:"api_key"`
	Model     string `koanf:"model"`
	MaxTokens int    `koanf:"max_tokens"`
	Timeout   string `koanf:"timeout"`
}

type VersionsConfig struct {
	PromptVersion string `koanf:"prompt_version"`
	ConfigVersion string `koanf:"config_version"`
	BuildVersion  string `koanf:"build_version"`
}

const (
	DefaultServerPort              = 8787
	DefaultServerLogLevel          = "info"
	DefaultServerReadTimeout       = "10s"
	DefaultServerWriteTimeout      = "10s"
	DefaultServerIdleTimeout       = "60s"
	DefaultServerShutdownTimeout   = "5s"
	DefaultServerRateLimit         = 60
	DefaultServerRateWindow        = "1m"
	DefaultServerMaxBodyBytes      = 1 << 20
	DefaultBotName                 = "assistly"
	DefaultSessionTimeoutMinutes   = 60
	DefaultAuthFailureWindow       = "10m"
	DefaultAuthFailureMax          = 5
	DefaultAuthLockoutDuration     = "30m"
	DefaultOpenClawMaxSkewSeconds  = 300
	DefaultRetryIntervalMinutes    = 5
	DefaultMaxRetries              = 3
	DefaultMinPostGapHours         = 4
	DefaultWorkerLockSeconds       = 60
	DefaultRetentionApprovalsDays  = 30
	DefaultRetentionIdempotency    = 14
	DefaultRetentionLogsDays       = 180
	DefaultRetentionMaxApprovals   = 500
	DefaultRetentionMaxIdempotency = 2000
	DefaultRetentionMaxLogEntries  = 5000
	DefaultStorageBackend          = "file"
	DefaultStorageStateFile        = "state.json"
	DefaultStorageQueueFile        = "queue.json"
	DefaultStorageLogsFile         = "logs.json"
	DefaultStoragePoolSize         = 10
	DefaultDispatcherTickInterval  = "30s"
	DefaultDispatcherPruneSchedule = "@every 1h"
	DefaultDispatcherShutdown      = "30s"
	DefaultDraftModel              = "claude-sonnet-4-20250514"
	DefaultDraftMaxTokens          = 2048
	DefaultDraftTimeout            = "30s"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                       DefaultServerPort,
		"server.log_level":                  DefaultServerLogLevel,
		"server.read_timeout":               DefaultServerReadTimeout,
		"server.write_timeout":              DefaultServerWriteTimeout,
		"server.idle_timeout":               DefaultServerIdleTimeout,
		"server.shutdown_timeout":           DefaultServerShutdownTimeout,
		"server.rate_limit":                 DefaultServerRateLimit,
		"server.rate_window":                DefaultServerRateWindow,
		"server.max_body_bytes":             DefaultServerMaxBodyBytes,
		"owner.timezone":                    "UTC",
		"bot.name":                          DefaultBotName,
		"bot.session_timeout_minutes":       DefaultSessionTimeoutMinutes,
		"auth.failure_window":               DefaultAuthFailureWindow,
		"auth.failure_max":                  DefaultAuthFailureMax,
		"auth.lockout_duration":             DefaultAuthLockoutDuration,
		"openclaw.max_skew_seconds":         DefaultOpenClawMaxSkewSeconds,
		"openclaw.enforce_signature":        true,
		"policy.blocked_commands":           []string{},
		"policy.approval_required_commands": []string{},
		"schedule.retry_interval_minutes":   DefaultRetryIntervalMinutes,
		"schedule.max_retries":              DefaultMaxRetries,
		"schedule.min_post_gap_hours":       DefaultMinPostGapHours,
		"schedule.worker_lock_seconds":      DefaultWorkerLockSeconds,
		"retention.approvals_days":          DefaultRetentionApprovalsDays,
		"retention.idempotency_days":        DefaultRetentionIdempotency,
		"retention.logs_days":               DefaultRetentionLogsDays,
		"retention.max_approvals":           DefaultRetentionMaxApprovals,
		"retention.max_idempotency":         DefaultRetentionMaxIdempotency,
		"retention.max_log_entries":         DefaultRetentionMaxLogEntries,
		"storage.backend":                   DefaultStorageBackend,
		"storage.data_dir":                  filepath.Join(os.Getenv("HOME"), ".assistly", "data"),
		"storage.state_file":                DefaultStorageStateFile,
		"storage.queue_file":                DefaultStorageQueueFile,
		"storage.logs_file":                 DefaultStorageLogsFile,
		"storage.pool_size":                 DefaultStoragePoolSize,
		"dispatcher.tick_interval":          DefaultDispatcherTickInterval,
		"dispatcher.prune_schedule":         DefaultDispatcherPruneSchedule,
		"dispatcher.shutdown_timeout":       DefaultDispatcherShutdown,
		"platforms.twitter.base_url":        "https://api.twitter.com/2",
		"platforms.linkedin.base_url":       "https://api.linkedin.com/v2",
		"draft.model":                       DefaultDraftModel,
		"draft.max_tokens":                  DefaultDraftMaxTokens,
		"draft.timeout":                     DefaultDraftTimeout,
		"versions.prompt_version":           "v1",
		"versions.config_version":           "v1",
		"versions.build_version":            "dev",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".assistly", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	k.Load(env.Provider("ASSISTLY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "ASSISTLY_")), "_", ".", -1)
	}), nil)

	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Well-known env vars win over file config for secrets.
	if v := os.Getenv("OWNER_PASSPHRASE"); v != "" {
		cfg.Owner.Passphrase = v
	}
	if v := os.Getenv("OPENCLAW_WEBHOOK_SECRET"); v != "" {
		cfg.OpenClaw.WebhookSecret = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.Draft.APIKey == "" {
		cfg.Draft.APIKey = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" && cfg.Storage.DatabaseURL == "" {
		cfg.Storage.DatabaseURL = v
	}

	dataDir, err := pathutil.Expand(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage.data_dir: %w", err)
	}
	cfg.Storage.DataDir = dataDir

	return &cfg, nil
}

// Validate checks the invariants a running service depends on.
func (c *Config) Validate() error {
	if c.Owner.ID == "" {
		return fmt.Errorf("owner.id is required")
	}
	if c.Owner.Passphrase == "" {
		return fmt.Errorf("owner.passphrase is required")
	}
	if c.OpenClaw.EnforceSignature && c.OpenClaw.WebhookSecret == "" {
		return fmt.Errorf("openclaw.enforce_signature requires openclaw.webhook_secret")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if c.Storage.Backend != "file" && c.Storage.Backend != "postgres" {
		return fmt.Errorf("storage.backend must be file or postgres, got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.DatabaseURL == "" {
		return fmt.Errorf("storage.backend=postgres requires storage.database_url")
	}
	return nil
}

// WebhookSecrets splits the configured secret into rotation candidates.
func (c *Config) WebhookSecrets() []string {
	parts := strings.Split(c.OpenClaw.WebhookSecret, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// TokenSecret returns the session token signing key, falling back to the
// owner passphrase when no dedicated secret is configured.
func (c *Config) TokenSecret() string {
	if c.Auth.TokenSecret != "" {
		return c.Auth.TokenSecret
	}
	return c.Owner.Passphrase
}
