package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("server.host=%q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("server.port=%d, want 8080", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage.driver=%q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Storage.Path != "./data/openground.db" {
		t.Fatalf("storage.path=%q, want ./data/openground.db", cfg.Storage.Path)
	}
	if cfg.History.QueueSize != 256 {
		t.Fatalf("history.queue_size=%d, want 256", cfg.History.QueueSize)
	}
	if !cfg.History.CaptureRawResponses {
		t.Fatalf("history.capture_raw_responses=%v, want true", cfg.History.CaptureRawResponses)
	}
	if cfg.Auth.Enabled {
		t.Fatalf("auth.enabled=%v, want false", cfg.Auth.Enabled)
	}
	if cfg.Auth.Header != "X-Openground-Key" {
		t.Fatalf("auth.header=%q, want X-Openground-Key", cfg.Auth.Header)
	}
	if cfg.Observability.OTel.Enabled {
		t.Fatalf("observability.otel.enabled=%v, want false", cfg.Observability.OTel.Enabled)
	}
	if cfg.Observability.OTel.Endpoint != "localhost:4318" {
		t.Fatalf("observability.otel.endpoint=%q, want %q", cfg.Observability.OTel.Endpoint, "localhost:4318")
	}
	if cfg.Observability.OTel.ServiceName != "openground" {
		t.Fatalf("observability.otel.service_name=%q, want %q", cfg.Observability.OTel.ServiceName, "openground")
	}
	if cfg.Server.Address() != "0.0.0.0:8080" {
		t.Fatalf("server address=%q, want 0.0.0.0:8080", cfg.Server.Address())
	}
}

func TestLoadAppliesYAMLAndEnvOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "openground.yaml")
	configYAML := `server:
  host: 127.0.0.1
  port: 9090
storage:
  driver: sqlite
  path: /tmp/custom.db
providers:
  openai:
    base_url: https://example-openai.local/v1
  anthropic:
    base_url: https://example-anthropic.local
history:
  queue_size: 32
  capture_raw_responses: false
limits:
  per_user:
    max_cost_usd_per_day: 5.5
credentials:
  - user_id: user-a
    db_config_id: db-a
    provider: openai
    api_key: sk-test
observability:
  otel:
    enabled: false
    endpoint: localhost:4318
    insecure: true
    service_name: yaml-openground
    traces_enabled: true
    metrics_enabled: true
    sampling_ratio: 0.25
    export_timeout_ms: 2000
    metric_export_interval_ms: 15000
auth:
  enabled: false
  header: X-Test-Key
  keys:
    - id: team-a-dev-1
      token: og-test
      user_id: user-a
      db_config_id: db-a
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("OPENGROUND_PORT", "7070")
	t.Setenv("OPENGROUND_OPENAI_BASE_URL", "https://proxy.internal/v1")
	t.Setenv("OPENGROUND_AUTH_ENABLED", "true")
	t.Setenv("OPENGROUND_HISTORY_QUEUE_SIZE", "64")
	t.Setenv("OPENGROUND_MAX_COST_USD_PER_DAY", "9.25")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_SERVICE_NAME", "env-openground")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.75")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("server.host=%q, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("server.port=%d, want env override 7070", cfg.Server.Port)
	}
	if cfg.Providers.OpenAI.BaseURL != "https://proxy.internal/v1" {
		t.Fatalf("providers.openai.base_url=%q, want env override", cfg.Providers.OpenAI.BaseURL)
	}
	if cfg.Providers.Anthropic.BaseURL != "https://example-anthropic.local" {
		t.Fatalf("providers.anthropic.base_url=%q, want yaml value", cfg.Providers.Anthropic.BaseURL)
	}
	if !cfg.Auth.Enabled {
		t.Fatalf("auth.enabled=%v, want env override true", cfg.Auth.Enabled)
	}
	if cfg.Auth.Header != "X-Test-Key" {
		t.Fatalf("auth.header=%q, want X-Test-Key", cfg.Auth.Header)
	}
	if len(cfg.Auth.Keys) != 1 || cfg.Auth.Keys[0].UserID != "user-a" || cfg.Auth.Keys[0].DBConfigID != "db-a" {
		t.Fatalf("auth.keys=%+v, want one key scoped to user-a/db-a", cfg.Auth.Keys)
	}
	if cfg.History.QueueSize != 64 {
		t.Fatalf("history.queue_size=%d, want env override 64", cfg.History.QueueSize)
	}
	if cfg.History.CaptureRawResponses {
		t.Fatalf("history.capture_raw_responses=%v, want yaml false", cfg.History.CaptureRawResponses)
	}
	if cfg.Limits.PerUser.MaxCostUSDPerDay != 9.25 {
		t.Fatalf("limits.per_user.max_cost_usd_per_day=%f, want env override 9.25", cfg.Limits.PerUser.MaxCostUSDPerDay)
	}
	if len(cfg.Credentials) != 1 || cfg.Credentials[0].Provider != "openai" {
		t.Fatalf("credentials=%+v, want one openai credential", cfg.Credentials)
	}
	// Any OTEL_* env var flips the exporter on unless OTEL_SDK_DISABLED says otherwise.
	if !cfg.Observability.OTel.Enabled {
		t.Fatalf("observability.otel.enabled=%v, want true after OTEL_* env", cfg.Observability.OTel.Enabled)
	}
	if cfg.Observability.OTel.Endpoint != "collector:4318" {
		t.Fatalf("observability.otel.endpoint=%q, want collector:4318", cfg.Observability.OTel.Endpoint)
	}
	if cfg.Observability.OTel.ServiceName != "env-openground" {
		t.Fatalf("observability.otel.service_name=%q, want env-openground", cfg.Observability.OTel.ServiceName)
	}
	if cfg.Observability.OTel.SamplingRatio != 0.75 {
		t.Fatalf("observability.otel.sampling_ratio=%f, want 0.75", cfg.Observability.OTel.SamplingRatio)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "openground.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  hostt: nope\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() error = nil, want unknown field error")
	}
	if !strings.Contains(err.Error(), "hostt") {
		t.Fatalf("Load() error=%q, want mention of unknown field", err)
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "openground.yaml")
	configYAML := "server:\n  port: 8080\n---\nserver:\n  port: 9090\n"
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "multiple yaml documents") {
		t.Fatalf("Load() error=%v, want multiple document rejection", err)
	}
}

func TestLoadSDKDisabledWinsOverOtherOTelEnv(t *testing.T) {
	t.Setenv("OTEL_SDK_DISABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Observability.OTel.Enabled {
		t.Fatalf("observability.otel.enabled=%v, want false with OTEL_SDK_DISABLED", cfg.Observability.OTel.Enabled)
	}
	if cfg.Observability.OTel.Endpoint != "collector:4318" {
		t.Fatalf("observability.otel.endpoint=%q, want collector:4318", cfg.Observability.OTel.Endpoint)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "port out of range",
			mutate:  func(cfg *Config) { cfg.Server.Port = 70000 },
			wantErr: "server.port",
		},
		{
			name:    "unknown storage driver",
			mutate:  func(cfg *Config) { cfg.Storage.Driver = "mysql" },
			wantErr: "storage.driver",
		},
		{
			name: "sqlite requires path",
			mutate: func(cfg *Config) {
				cfg.Storage.Driver = "sqlite"
				cfg.Storage.Path = " "
			},
			wantErr: "storage.path",
		},
		{
			name: "postgres requires dsn",
			mutate: func(cfg *Config) {
				cfg.Storage.Driver = "postgres"
				cfg.Storage.DSN = ""
			},
			wantErr: "storage.dsn",
		},
		{
			name: "postgres with dsn is valid",
			mutate: func(cfg *Config) {
				cfg.Storage.Driver = "postgres"
				cfg.Storage.DSN = "postgres://localhost:5432/openground"
			},
		},
		{
			name:    "base url without scheme",
			mutate:  func(cfg *Config) { cfg.Providers.OpenAI.BaseURL = "proxy.internal/v1" },
			wantErr: "providers.openai.base_url",
		},
		{
			name:    "empty auth header",
			mutate:  func(cfg *Config) { cfg.Auth.Header = "" },
			wantErr: "auth.header",
		},
		{
			name:    "negative history queue",
			mutate:  func(cfg *Config) { cfg.History.QueueSize = -1 },
			wantErr: "history.queue_size",
		},
		{
			name:    "negative cost cap",
			mutate:  func(cfg *Config) { cfg.Limits.PerUser.MaxCostUSDPerDay = -1 },
			wantErr: "max_cost_usd_per_day",
		},
		{
			name: "credential missing api key",
			mutate: func(cfg *Config) {
				cfg.Credentials = []CredentialConfig{{UserID: "u", Provider: "openai"}}
			},
			wantErr: "credentials[0].api_key",
		},
		{
			name: "otel enabled requires endpoint",
			mutate: func(cfg *Config) {
				cfg.Observability.OTel.Enabled = true
				cfg.Observability.OTel.Endpoint = ""
			},
			wantErr: "observability.otel.endpoint",
		},
		{
			name: "otel sampling ratio bounds",
			mutate: func(cfg *Config) {
				cfg.Observability.OTel.Enabled = true
				cfg.Observability.OTel.SamplingRatio = 1.5
			},
			wantErr: "sampling_ratio",
		},
		{
			name: "otel requires a signal",
			mutate: func(cfg *Config) {
				cfg.Observability.OTel.Enabled = true
				cfg.Observability.OTel.TracesEnabled = false
				cfg.Observability.OTel.MetricsEnabled = false
			},
			wantErr: "traces_enabled and/or metrics_enabled",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tt.mutate(&cfg)

			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error=%v, want substring %q", err, tt.wantErr)
			}
		})
	}
}
