package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Auth          AuthConfig          `yaml:"auth"`
	Limits        LimitsConfig        `yaml:"limits"`
	History       HistoryConfig       `yaml:"history"`
	Credentials   []CredentialConfig  `yaml:"credentials"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	Gemini    ProviderConfig `yaml:"gemini"`
}

// ProviderConfig overrides the SDK endpoint for one upstream provider.
// An empty base_url keeps the SDK default.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
}

// CredentialConfig seeds the static credential vault for deployments that do
// not manage provider keys through the API.
type CredentialConfig struct {
	UserID     string `yaml:"user_id"`
	DBConfigID string `yaml:"db_config_id"`
	Provider   string `yaml:"provider"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
}

type AuthConfig struct {
	Enabled bool           `yaml:"enabled"`
	Header  string         `yaml:"header"`
	Keys    []APIKeyConfig `yaml:"keys"`
}

type APIKeyConfig struct {
	ID         string `yaml:"id"`
	Token      string `yaml:"token"`
	UserID     string `yaml:"user_id"`
	DBConfigID string `yaml:"db_config_id"`
}

type LimitsConfig struct {
	PerUser BudgetConfig `yaml:"per_user"`
}

type BudgetConfig struct {
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	MaxCostUSDPerDay  float64 `yaml:"max_cost_usd_per_day"`
}

type HistoryConfig struct {
	// QueueSize bounds the async evaluation history write queue.
	QueueSize int `yaml:"queue_size"`
	// CaptureRawResponses persists the raw provider response payloads inside
	// each evaluation record.
	CaptureRawResponses bool `yaml:"capture_raw_responses"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "openground"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

const defaultHistoryQueueSize = 256

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/openground.db",
		},
		History: HistoryConfig{
			QueueSize:           defaultHistoryQueueSize,
			CaptureRawResponses: true,
		},
		Auth: AuthConfig{
			Enabled: false,
			Header:  "X-Openground-Key",
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// Reject multi-document configs to keep runtime configuration
			// unambiguous and avoid hidden trailing documents.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	driver := strings.TrimSpace(cfg.Storage.Driver)
	switch driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	if err := validateProvider("providers.openai", cfg.Providers.OpenAI); err != nil {
		return err
	}
	if err := validateProvider("providers.anthropic", cfg.Providers.Anthropic); err != nil {
		return err
	}
	if err := validateProvider("providers.gemini", cfg.Providers.Gemini); err != nil {
		return err
	}

	if strings.TrimSpace(cfg.Auth.Header) == "" {
		return errors.New("auth.header must not be empty")
	}

	if cfg.History.QueueSize < 0 {
		return fmt.Errorf("history.queue_size must be >= 0 (got %d)", cfg.History.QueueSize)
	}
	if cfg.Limits.PerUser.MaxCostUSDPerDay < 0 {
		return fmt.Errorf("limits.per_user.max_cost_usd_per_day must be >= 0 (got %f)", cfg.Limits.PerUser.MaxCostUSDPerDay)
	}
	if cfg.Limits.PerUser.RequestsPerMinute < 0 {
		return fmt.Errorf("limits.per_user.requests_per_minute must be >= 0 (got %d)", cfg.Limits.PerUser.RequestsPerMinute)
	}

	for idx, credential := range cfg.Credentials {
		name := fmt.Sprintf("credentials[%d]", idx)
		if strings.TrimSpace(credential.Provider) == "" {
			return fmt.Errorf("%s.provider is required", name)
		}
		if strings.TrimSpace(credential.APIKey) == "" {
			return fmt.Errorf("%s.api_key is required", name)
		}
	}

	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	return nil
}

func validateProvider(name string, provider ProviderConfig) error {
	baseURL := strings.TrimSpace(provider.BaseURL)
	if baseURL == "" {
		return nil
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("parse %s.base_url: %w", name, err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("%s.base_url must include scheme and host (got %q)", name, provider.BaseURL)
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("OPENGROUND_HOST"); host != "" {
		cfg.Server.Host = host
	}

	if port := os.Getenv("OPENGROUND_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid OPENGROUND_PORT: %w", err)
		}
		cfg.Server.Port = v
	}

	if storageDriver := os.Getenv("OPENGROUND_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if storagePath := os.Getenv("OPENGROUND_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := os.Getenv("OPENGROUND_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}

	if baseURL := os.Getenv("OPENGROUND_OPENAI_BASE_URL"); baseURL != "" {
		cfg.Providers.OpenAI.BaseURL = baseURL
	}
	if baseURL := os.Getenv("OPENGROUND_ANTHROPIC_BASE_URL"); baseURL != "" {
		cfg.Providers.Anthropic.BaseURL = baseURL
	}
	if baseURL := os.Getenv("OPENGROUND_GEMINI_BASE_URL"); baseURL != "" {
		cfg.Providers.Gemini.BaseURL = baseURL
	}

	if authEnabled := os.Getenv("OPENGROUND_AUTH_ENABLED"); authEnabled != "" {
		v, err := strconv.ParseBool(authEnabled)
		if err != nil {
			return fmt.Errorf("invalid OPENGROUND_AUTH_ENABLED: %w", err)
		}
		cfg.Auth.Enabled = v
	}
	if authHeader := os.Getenv("OPENGROUND_AUTH_HEADER"); authHeader != "" {
		cfg.Auth.Header = authHeader
	}

	if queueSize := os.Getenv("OPENGROUND_HISTORY_QUEUE_SIZE"); queueSize != "" {
		v, err := strconv.Atoi(queueSize)
		if err != nil {
			return fmt.Errorf("invalid OPENGROUND_HISTORY_QUEUE_SIZE: %w", err)
		}
		cfg.History.QueueSize = v
	}

	if maxCost := os.Getenv("OPENGROUND_MAX_COST_USD_PER_DAY"); maxCost != "" {
		v, err := strconv.ParseFloat(maxCost, 64)
		if err != nil {
			return fmt.Errorf("invalid OPENGROUND_MAX_COST_USD_PER_DAY: %w", err)
		}
		cfg.Limits.PerUser.MaxCostUSDPerDay = v
	}

	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}

	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
