package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalYAML = `
credentials_dir: /etc/scribe/credentials
database_url: postgres://localhost/scribe
dashboard_api_key: dash-secret
`

func TestLoad(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
listen_addr: ":9090"
credentials_dir: /tmp/creds
database_url: postgres://db/scribe
dashboard_api_key: dash-secret
enable_client_auth: false
claude_api_timeout_ms: 30000
proxy_server_timeout_ms: 33000
ai_worker_enabled: true
analysis_api_key: sk-analysis
dashboard_allowed_origins:
  - https://dash.example.com
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.CredentialsDir != "/tmp/creds" {
		t.Errorf("credentials_dir = %q", cfg.CredentialsDir)
	}
	if cfg.ClientAuthEnabled() {
		t.Error("enable_client_auth: false not honored")
	}
	if got := cfg.UpstreamTimeout(); got != 30*time.Second {
		t.Errorf("UpstreamTimeout = %v, want 30s", got)
	}
	if got := cfg.ServerTimeout(); got != 33*time.Second {
		t.Errorf("ServerTimeout = %v, want 33s", got)
	}
	if !cfg.AIWorkerEnabled {
		t.Error("ai_worker_enabled not parsed")
	}
	if len(cfg.DashboardAllowedOrigins) != 1 || cfg.DashboardAllowedOrigins[0] != "https://dash.example.com" {
		t.Errorf("dashboard_allowed_origins = %v", cfg.DashboardAllowedOrigins)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("default listen_addr = %q", cfg.ListenAddr)
	}
	if !cfg.ClientAuthEnabled() {
		t.Error("client auth should default to enabled")
	}
	if !cfg.StorageOn() {
		t.Error("storage should default to enabled")
	}
	if got := cfg.RefreshLead(); got != 60*time.Second {
		t.Errorf("RefreshLead = %v, want 60s", got)
	}
	if got := cfg.UpstreamTimeout(); got != 10*time.Minute {
		t.Errorf("UpstreamTimeout = %v, want 10m", got)
	}
	if got := cfg.ServerTimeout(); got != 11*time.Minute {
		t.Errorf("ServerTimeout = %v, want 11m", got)
	}
	if got := cfg.WorkerPollInterval(); got != 5*time.Second {
		t.Errorf("WorkerPollInterval = %v, want 5s", got)
	}
	if got := cfg.AnalysisTimeout(); got != time.Minute {
		t.Errorf("AnalysisTimeout = %v, want 1m", got)
	}
	if cfg.AIWorkerMaxConcurrentJobs != 3 {
		t.Errorf("ai_worker_max_concurrent_jobs = %d, want 3", cfg.AIWorkerMaxConcurrentJobs)
	}
	if cfg.AIAnalysisMaxRetries != 3 {
		t.Errorf("ai_analysis_max_retries = %d, want 3", cfg.AIAnalysisMaxRetries)
	}
	if cfg.AIAnalysisMaxPromptTokens != 855_000 {
		t.Errorf("ai_analysis_max_prompt_tokens = %d", cfg.AIAnalysisMaxPromptTokens)
	}
	if cfg.AIHeadMessages != 5 || cfg.AITailMessages != 20 {
		t.Errorf("head/tail = %d/%d, want 5/20", cfg.AIHeadMessages, cfg.AITailMessages)
	}
	if cfg.AnthropicBaseURL != "https://api.anthropic.com" {
		t.Errorf("anthropic_base_url = %q", cfg.AnthropicBaseURL)
	}
	if cfg.AnalysisURL() != cfg.AnthropicBaseURL {
		t.Error("AnalysisURL should fall back to anthropic_base_url")
	}
	if cfg.DBMaxOpenConns != 20 {
		t.Errorf("db_max_open_conns = %d, want 20", cfg.DBMaxOpenConns)
	}
	if cfg.AIWorkerEnabled {
		t.Error("ai worker should default to disabled")
	}
}

func TestLoadValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing credentials_dir",
			yaml:    "database_url: postgres://x\ndashboard_api_key: k\n",
			wantErr: "credentials_dir",
		},
		{
			name:    "storage without database_url",
			yaml:    "credentials_dir: /c\ndashboard_api_key: k\n",
			wantErr: "database_url",
		},
		{
			name:    "storage without dashboard key",
			yaml:    "credentials_dir: /c\ndatabase_url: postgres://x\n",
			wantErr: "dashboard_api_key",
		},
		{
			name:    "proxy timeout not above upstream",
			yaml:    minimalYAML + "claude_api_timeout_ms: 60000\nproxy_server_timeout_ms: 60000\n",
			wantErr: "proxy_server_timeout_ms",
		},
		{
			name:    "worker without analysis key",
			yaml:    minimalYAML + "ai_worker_enabled: true\n",
			wantErr: "analysis_api_key",
		},
		{
			name:    "worker without storage",
			yaml:    "credentials_dir: /c\nstorage_enabled: false\nai_worker_enabled: true\nanalysis_api_key: k\n",
			wantErr: "requires storage",
		},
		{
			name:    "bad log format",
			yaml:    minimalYAML + "log_format: xml\n",
			wantErr: "log_format",
		},
		{
			name:    "bad log level",
			yaml:    minimalYAML + "log_level: verbose\n",
			wantErr: "log_level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestStorageDisabledNeedsNoDatabase(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "credentials_dir: /c\nstorage_enabled: false\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StorageOn() {
		t.Error("storage_enabled: false not honored")
	}
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("SCRIBE_TEST_KEY", "sk-secret-123")

	got := expandEnv([]byte("dashboard_api_key: ${SCRIBE_TEST_KEY}"))
	if string(got) != "dashboard_api_key: sk-secret-123" {
		t.Errorf("expandEnv = %q", got)
	}

	// Unset variables expand empty so validation can catch them.
	got = expandEnv([]byte("dashboard_api_key: ${SCRIBE_TEST_UNSET_KEY}"))
	if string(got) != "dashboard_api_key: " {
		t.Errorf("expandEnv unset = %q", got)
	}
}

func TestExpandEnvInLoad(t *testing.T) {
	t.Setenv("SCRIBE_TEST_DASH", "dash-from-env")

	cfg, err := Load(writeConfig(t, `
credentials_dir: /c
database_url: postgres://x
dashboard_api_key: ${SCRIBE_TEST_DASH}
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DashboardAPIKey != "dash-from-env" {
		t.Errorf("dashboard_api_key = %q, want env expansion", cfg.DashboardAPIKey)
	}
}
