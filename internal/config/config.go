// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level proxy configuration. Keys are flat so a deployment
// can assemble the file from one ${VAR} reference per line.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`  // debug|info|warn|error
	LogFormat  string `yaml:"log_format"` // text|json

	EnableClientAuth *bool  `yaml:"enable_client_auth"`
	CredentialsDir   string `yaml:"credentials_dir"`
	RefreshLeadS     int    `yaml:"refresh_lead_s"`
	OAuthTokenURL    string `yaml:"oauth_token_url"`
	OAuthClientID    string `yaml:"oauth_client_id"`

	DatabaseURL          string `yaml:"database_url"`
	StorageEnabled       *bool  `yaml:"storage_enabled"`
	DBMaxOpenConns       int    `yaml:"db_max_open_conns"`
	SlowQueryThresholdMs int64  `yaml:"slow_query_threshold_ms"`

	DashboardAPIKey         string   `yaml:"dashboard_api_key"`
	DashboardAllowedOrigins []string `yaml:"dashboard_allowed_origins"`

	AnthropicBaseURL     string `yaml:"anthropic_base_url"`
	ClaudeAPITimeoutMs   int64  `yaml:"claude_api_timeout_ms"`
	ProxyServerTimeoutMs int64  `yaml:"proxy_server_timeout_ms"`

	AIWorkerEnabled           bool   `yaml:"ai_worker_enabled"`
	AIWorkerPollIntervalMs    int64  `yaml:"ai_worker_poll_interval_ms"`
	AIWorkerMaxConcurrentJobs int    `yaml:"ai_worker_max_concurrent_jobs"`
	AIAnalysisMaxRetries      int    `yaml:"ai_analysis_max_retries"`
	AIAnalysisTimeoutMs       int64  `yaml:"ai_analysis_timeout_ms"`
	AIAnalysisMaxPromptTokens int    `yaml:"ai_analysis_max_prompt_tokens"`
	AIHeadMessages            int    `yaml:"ai_head_messages"`
	AITailMessages            int    `yaml:"ai_tail_messages"`
	AnalysisBaseURL           string `yaml:"analysis_base_url"`
	AnalysisAPIKey            string `yaml:"analysis_api_key"`
	AnalysisModel             string `yaml:"analysis_model"`

	OTLPEndpoint string `yaml:"otlp_endpoint"` // OTLP gRPC endpoint; empty disables tracing
}

// ClientAuthEnabled reports whether client bearer auth is enforced (defaults to true).
func (c *Config) ClientAuthEnabled() bool {
	return c.EnableClientAuth == nil || *c.EnableClientAuth
}

// StorageOn reports whether request persistence is enabled (defaults to true).
// When off the proxy still forwards; nothing is recorded and the dashboard
// read API is unavailable.
func (c *Config) StorageOn() bool {
	return c.StorageEnabled == nil || *c.StorageEnabled
}

// RefreshLead is how long before expiry an OAuth token counts as expiring.
func (c *Config) RefreshLead() time.Duration {
	return time.Duration(c.RefreshLeadS) * time.Second
}

// UpstreamTimeout bounds a single upstream API call.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.ClaudeAPITimeoutMs) * time.Millisecond
}

// ServerTimeout bounds the proxy's own response write. It must exceed
// UpstreamTimeout so persistence finishes before the socket is cut.
func (c *Config) ServerTimeout() time.Duration {
	return time.Duration(c.ProxyServerTimeoutMs) * time.Millisecond
}

// WorkerPollInterval is the analysis worker's queue poll cadence.
func (c *Config) WorkerPollInterval() time.Duration {
	return time.Duration(c.AIWorkerPollIntervalMs) * time.Millisecond
}

// AnalysisTimeout bounds a single analysis provider call.
func (c *Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.AIAnalysisTimeoutMs) * time.Millisecond
}

// SlowQueryThreshold is the read-path latency above which queries are logged.
func (c *Config) SlowQueryThreshold() time.Duration {
	return time.Duration(c.SlowQueryThresholdMs) * time.Millisecond
}

// AnalysisURL returns the analysis provider base URL, falling back to the
// proxy upstream when unset.
func (c *Config) AnalysisURL() string {
	if c.AnalysisBaseURL != "" {
		return c.AnalysisBaseURL
	}
	return c.AnthropicBaseURL
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values. Unset
// variables expand to the empty string so a missing secret fails validation
// instead of becoming a guessable literal.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		return []byte(os.Getenv(varName))
	})
}

// Load reads and parses a YAML config file, expanding environment variables,
// applying defaults, and validating. A returned error means the process must
// not start.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.RefreshLeadS == 0 {
		c.RefreshLeadS = 60
	}
	if c.OAuthTokenURL == "" {
		c.OAuthTokenURL = "https://console.anthropic.com/v1/oauth/token"
	}
	if c.DBMaxOpenConns == 0 {
		c.DBMaxOpenConns = 20
	}
	if c.SlowQueryThresholdMs == 0 {
		c.SlowQueryThresholdMs = 5000
	}
	if len(c.DashboardAllowedOrigins) == 0 {
		c.DashboardAllowedOrigins = []string{"*"}
	}
	if c.AnthropicBaseURL == "" {
		c.AnthropicBaseURL = "https://api.anthropic.com"
	}
	if c.ClaudeAPITimeoutMs == 0 {
		c.ClaudeAPITimeoutMs = 600_000
	}
	if c.ProxyServerTimeoutMs == 0 {
		c.ProxyServerTimeoutMs = 660_000
	}
	if c.AIWorkerPollIntervalMs == 0 {
		c.AIWorkerPollIntervalMs = 5000
	}
	if c.AIWorkerMaxConcurrentJobs == 0 {
		c.AIWorkerMaxConcurrentJobs = 3
	}
	if c.AIAnalysisMaxRetries == 0 {
		c.AIAnalysisMaxRetries = 3
	}
	if c.AIAnalysisTimeoutMs == 0 {
		c.AIAnalysisTimeoutMs = 60_000
	}
	if c.AIAnalysisMaxPromptTokens == 0 {
		c.AIAnalysisMaxPromptTokens = 855_000
	}
	if c.AIHeadMessages == 0 {
		c.AIHeadMessages = 5
	}
	if c.AITailMessages == 0 {
		c.AITailMessages = 20
	}
	if c.AnalysisModel == "" {
		c.AnalysisModel = "claude-3-5-haiku-20241022"
	}
}

func (c *Config) validate() error {
	if c.CredentialsDir == "" {
		return fmt.Errorf("credentials_dir is required")
	}
	if c.StorageOn() && c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required when storage is enabled")
	}
	if c.StorageOn() && c.DashboardAPIKey == "" {
		return fmt.Errorf("dashboard_api_key is required when storage is enabled")
	}
	if c.ProxyServerTimeoutMs <= c.ClaudeAPITimeoutMs {
		return fmt.Errorf("proxy_server_timeout_ms (%d) must exceed claude_api_timeout_ms (%d)",
			c.ProxyServerTimeoutMs, c.ClaudeAPITimeoutMs)
	}
	if c.AIWorkerEnabled {
		if !c.StorageOn() {
			return fmt.Errorf("ai_worker_enabled requires storage")
		}
		if c.AnalysisAPIKey == "" {
			return fmt.Errorf("analysis_api_key is required when ai_worker_enabled")
		}
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format %q: must be text or json", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q: must be debug, info, warn or error", c.LogLevel)
	}
	return nil
}
