// Package config defines the taskmate configuration structures and loads
// them from YAML with environment variable expansion and .env support.
package config

import (
	"fmt"
	"time"
)

// Config holds all assistant configuration.
type Config struct {
	// Name is the assistant name shown in replies.
	Name string `yaml:"name"`

	// Model is the LLM model to use (e.g. "gemini-2.0-flash").
	Model string `yaml:"model"`

	// API configures the LLM provider endpoint.
	API APIConfig `yaml:"api"`

	// Instructions are the base system prompt instructions.
	Instructions string `yaml:"instructions"`

	// Timezone is the deployment timezone (e.g. "Asia/Ho_Chi_Minh").
	// Used for "today" date filters and scheduler triggers.
	Timezone string `yaml:"timezone"`

	// Atlassian configures the Jira/Confluence OAuth application.
	Atlassian AtlassianConfig `yaml:"atlassian"`

	// Telegram configures the messaging transport.
	Telegram TelegramConfig `yaml:"telegram"`

	// Database configures the central SQLite database (taskmate.db).
	Database DatabaseConfig `yaml:"database"`

	// Agent configures the dispatch loop parameters.
	Agent AgentConfig `yaml:"agent"`

	// Scheduler configures the background cron jobs.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// OAuthServer configures the HTTP listener for the OAuth callback.
	OAuthServer OAuthServerConfig `yaml:"oauth_server"`

	// KnowledgeBase configures the embedded vector index over wiki pages.
	KnowledgeBase KnowledgeBaseConfig `yaml:"knowledge_base"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig configures the LLM provider endpoint (OpenAI-compatible).
type APIConfig struct {
	// BaseURL is the API base URL (default: https://api.openai.com/v1).
	BaseURL string `yaml:"base_url"`

	// APIKey is the API key. Prefer the OS keyring or env over plaintext here.
	APIKey string `yaml:"api_key"`
}

// AtlassianConfig holds the OAuth 2.0 (3LO) application settings for the
// Atlassian cloud (Jira + Confluence share one app and one token).
type AtlassianConfig struct {
	// ClientID is the OAuth app client id.
	ClientID string `yaml:"client_id"`

	// ClientSecret is the OAuth app client secret. Resolvable from keyring.
	ClientSecret string `yaml:"client_secret"`

	// RedirectURI is the registered callback URL (.../oauth/callback).
	RedirectURI string `yaml:"redirect_uri"`

	// Scopes is the space-separated OAuth scope string.
	Scopes string `yaml:"scopes"`
}

// TelegramConfig configures the Telegram Bot API transport.
type TelegramConfig struct {
	// Token is the bot token from @BotFather.
	Token string `yaml:"token"`

	// PollTimeoutSeconds is the long-poll timeout for getUpdates.
	PollTimeoutSeconds int `yaml:"poll_timeout_seconds"`

	// Workers is the size of the message-handling worker pool.
	Workers int `yaml:"workers"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the SQLite file path.
	Path string `yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout.
	BusyTimeoutMs int `yaml:"busy_timeout_ms"`
}

// AgentConfig holds dispatch loop parameters.
type AgentConfig struct {
	// MaxRounds bounds the number of LLM round-trips per user turn.
	MaxRounds int `yaml:"max_rounds"`

	// TurnTimeoutSeconds is the outer timeout for one whole user turn.
	TurnTimeoutSeconds int `yaml:"turn_timeout_seconds"`

	// LLMCallTimeoutSeconds is the safety-net timeout per LLM call.
	LLMCallTimeoutSeconds int `yaml:"llm_call_timeout_seconds"`

	// ToolTimeoutSeconds is the per-tool execution timeout.
	ToolTimeoutSeconds int `yaml:"tool_timeout_seconds"`

	// HistoryLimit is the number of recent turns fed to the model.
	HistoryLimit int `yaml:"history_limit"`
}

// SchedulerConfig configures the background jobs. Specs use standard
// 5-field cron syntax or the @every shorthand.
type SchedulerConfig struct {
	// Enabled toggles all background jobs.
	Enabled bool `yaml:"enabled"`

	// SweepSpec triggers the proactive token refresh sweep (default: every 5m).
	SweepSpec string `yaml:"sweep_spec"`

	// DigestSpec triggers the daily task digest (default: 08:00).
	DigestSpec string `yaml:"digest_spec"`

	// FeedbackSpec triggers the periodic feedback prompt (default: monthly).
	FeedbackSpec string `yaml:"feedback_spec"`
}

// OAuthServerConfig configures the HTTP listener serving /oauth/*.
type OAuthServerConfig struct {
	// Listen is the bind address (default: ":8080").
	Listen string `yaml:"listen"`
}

// KnowledgeBaseConfig configures the embedded wiki search index.
type KnowledgeBaseConfig struct {
	// Enabled toggles the search_knowledge_base tool.
	Enabled bool `yaml:"enabled"`

	// Path is the chromem persistence directory ("" = in-memory).
	Path string `yaml:"path"`

	// Collection is the chromem collection name.
	Collection string `yaml:"collection"`

	// TopK is the default number of chunks returned per query.
	TopK int `yaml:"top_k"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:     "TaskMate",
		Model:    "gpt-4o-mini",
		Timezone: "Asia/Ho_Chi_Minh",
		API: APIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Telegram: TelegramConfig{
			PollTimeoutSeconds: 30,
			Workers:            8,
		},
		Database: DatabaseConfig{
			Path:          "./data/taskmate.db",
			BusyTimeoutMs: 5000,
		},
		Agent: AgentConfig{
			MaxRounds:             8,
			TurnTimeoutSeconds:    120,
			LLMCallTimeoutSeconds: 60,
			ToolTimeoutSeconds:    30,
			HistoryLimit:          20,
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			SweepSpec:    "@every 5m",
			DigestSpec:   "0 8 * * *",
			FeedbackSpec: "0 9 1 * *",
		},
		OAuthServer: OAuthServerConfig{
			Listen: ":8080",
		},
		KnowledgeBase: KnowledgeBaseConfig{
			Enabled:    true,
			Collection: "wiki-pages",
			TopK:       4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the config for startup-fatal problems.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if c.Atlassian.ClientID == "" || c.Atlassian.ClientSecret == "" {
		return fmt.Errorf("atlassian.client_id and atlassian.client_secret are required")
	}
	if c.Atlassian.RedirectURI == "" {
		return fmt.Errorf("atlassian.redirect_uri is required")
	}
	if c.Agent.MaxRounds <= 0 {
		return fmt.Errorf("agent.max_rounds must be positive")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location returns the configured timezone location.
// Falls back to UTC when the timezone is invalid.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
