package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/openground/openground/internal/api"
	"github.com/openground/openground/internal/auth"
	"github.com/openground/openground/internal/catalog"
	"github.com/openground/openground/internal/config"
	"github.com/openground/openground/internal/evaluate"
	"github.com/openground/openground/internal/history"
	"github.com/openground/openground/internal/limits"
	"github.com/openground/openground/internal/observability"
	"github.com/openground/openground/internal/prompt"
	"github.com/openground/openground/internal/storage"
	"github.com/openground/openground/internal/vault"
	"github.com/openground/openground/internal/version"
)

const defaultConfigPath = "openground.yaml"

const historyWriterShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	case "report":
		return runReport(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

// stores bundles the domain stores that share one database handle.
type stores struct {
	customModels catalog.CustomModelStore
	prompts      prompt.Store
	credentials  vault.Store
	history      history.Store
	close        func() error
}

func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		db, err := storage.OpenSQLite(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("initialize sqlite storage: %w", err)
		}
		return &stores{
			customModels: catalog.NewSQLiteCustomModelStore(db),
			prompts:      prompt.NewSQLiteStore(db),
			credentials:  vault.NewSQLiteStore(db),
			history:      history.NewSQLiteStore(db),
			close:        db.Close,
		}, nil
	case "postgres":
		db, err := storage.OpenPostgres(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("initialize postgres storage: %w", err)
		}
		return &stores{
			customModels: catalog.NewPostgresCustomModelStore(db),
			prompts:      prompt.NewPostgresStore(db),
			credentials:  vault.NewPostgresStore(db),
			history:      history.NewPostgresStore(db),
			close:        db.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := slog.New(observability.NewTraceLogHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	domainStores, err := openStores(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize storage: %v\n", err)
		return 1
	}
	defer func() {
		if err := domainStores.close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()

	if err := seedCredentials(context.Background(), cfg, domainStores.credentials, logger); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed configured credentials: %v\n", err)
		return 1
	}

	// Keep enough headroom for evaluation bursts while preserving explicit
	// backpressure (drop on full queue) if storage falls behind.
	historyWriter := history.NewWriter(domainStores.history, cfg.History.QueueSize)
	attachHistoryWriterMetrics(historyWriter, otelRuntime)
	attachHistoryWriterFailureLogging(logger, historyWriter, otelRuntime)
	historyWriter.Start(context.Background())
	defer shutdownHistoryWriter(logger, historyWriter, historyWriterShutdownTimeout)

	authorizer, err := auth.NewAuthorizer(auth.Options{
		Enabled: cfg.Auth.Enabled,
		Header:  cfg.Auth.Header,
		Keys:    authKeysFromConfig(cfg.Auth.Keys),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize auth config: %v\n", err)
		return 1
	}

	modelRegistry := catalog.NewRegistry(domainStores.customModels)
	resolver := prompt.NewResolver(domainStores.prompts)

	var sdkHTTPClient *http.Client
	if otelRuntime != nil && otelRuntime.Enabled() {
		sdkHTTPClient = &http.Client{Transport: otelRuntime.WrapHTTPTransport(nil)}
	}
	clients := evaluate.NewClientRegistry(
		&evaluate.OpenAIClient{DefaultBaseURL: cfg.Providers.OpenAI.BaseURL, HTTPClient: sdkHTTPClient},
		&evaluate.AnthropicClient{DefaultBaseURL: cfg.Providers.Anthropic.BaseURL, HTTPClient: sdkHTTPClient},
		&evaluate.GeminiClient{DefaultBaseURL: cfg.Providers.Gemini.BaseURL, HTTPClient: sdkHTTPClient},
	)

	evaluator := evaluate.NewEvaluator(clients, domainStores.credentials, modelRegistry, logger)
	orchestrator := evaluate.NewOrchestrator(resolver, evaluator, historyWriter, logger)
	orchestrator.SetRawResponseCapture(cfg.History.CaptureRawResponses)
	if otelRuntime != nil && otelRuntime.Enabled() {
		orchestrator.SetBranchObserver(otelRuntime.RecordEvaluation)
	}

	limiter := limits.NewLimiter(domainStores.history, limits.Policy{
		RequestsPerMinute: cfg.Limits.PerUser.RequestsPerMinute,
		MaxCostUSDPerDay:  cfg.Limits.PerUser.MaxCostUSDPerDay,
	})

	apiHandler := api.NewRouter(api.RouterOptions{
		AppVersion:    version.String(),
		StorageDriver: cfg.Storage.Driver,
		StoragePath:   cfg.Storage.Path,
		AuthHeader:    cfg.Auth.Header,
		Orchestrator:  orchestrator,
		History:       domainStores.history,
		Catalog:       modelRegistry,
		CustomModels:  domainStores.customModels,
		Prompts:       domainStores.prompts,
		Credentials:   domainStores.credentials,
		Limiter:       limiter,
	})

	handler := http.Handler(apiHandler)
	if otelRuntime != nil {
		handler = otelRuntime.SpanEnrichmentMiddleware(handler)
	}
	handler = auth.Middleware(authorizer, "/api", handler)
	if otelRuntime != nil {
		handler = otelRuntime.WrapHTTPHandler(handler)
	}
	server := newServer(cfg, logger, handler)

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"port", cfg.Server.Port,
		"storage_driver", cfg.Storage.Driver,
		"providers", configuredProviderSummaries(cfg),
		"config_path", *configPath,
		"auth_enabled", cfg.Auth.Enabled,
		"history_queue_size", cfg.History.QueueSize,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("openground stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("openground failed", "error", err)
			return 1
		}
		return 0
	}
}

func newServer(cfg config.Config, logger *slog.Logger, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           api.LoggingMiddleware(logger, handler),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

func authKeysFromConfig(keys []config.APIKeyConfig) []auth.KeyConfig {
	if len(keys) == 0 {
		return nil
	}

	out := make([]auth.KeyConfig, 0, len(keys))
	for _, key := range keys {
		out = append(out, auth.KeyConfig{
			ID:         key.ID,
			Token:      key.Token,
			UserID:     key.UserID,
			DBConfigID: key.DBConfigID,
		})
	}
	return out
}

// seedCredentials upserts yaml-configured provider credentials into the vault
// so fresh deployments can evaluate without a manual credential API call.
func seedCredentials(ctx context.Context, cfg config.Config, store vault.Store, logger *slog.Logger) error {
	for idx, credential := range cfg.Credentials {
		_, err := store.PutCredential(ctx, vault.Credential{
			UserID:     valueOr(credential.UserID, "default"),
			DBConfigID: valueOr(credential.DBConfigID, "default"),
			Provider:   credential.Provider,
			APIKey:     credential.APIKey,
			BaseURL:    credential.BaseURL,
		})
		if err != nil {
			return fmt.Errorf("seed credentials[%d] (%s): %w", idx, credential.Provider, err)
		}
	}
	if len(cfg.Credentials) > 0 && logger != nil {
		logger.Info("seeded provider credentials from config", "count", len(cfg.Credentials))
	}
	return nil
}

func attachHistoryWriterMetrics(writer *history.Writer, otelRuntime *observability.Runtime) {
	if writer == nil || otelRuntime == nil || !otelRuntime.Enabled() {
		return
	}
	writer.SetMetrics(&history.WriterMetrics{
		OnDrop: otelRuntime.RecordHistoryQueueDrop,
	})
}

func attachHistoryWriterFailureLogging(logger *slog.Logger, writer *history.Writer, otelRuntime *observability.Runtime) {
	if logger == nil || writer == nil {
		return
	}

	writer.SetWriteFailureHandler(func(failure history.WriteFailure) {
		if failure.FailedCount <= 0 {
			return
		}
		if otelRuntime != nil {
			otelRuntime.RecordHistoryWriteFailure(failure.Operation, failure.FailedCount)
		}
		logger.Error(
			"history persistence failed; dropped evaluation records",
			"operation", strings.TrimSpace(failure.Operation),
			"batch_size", failure.BatchSize,
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
			"error_kind", fmt.Sprintf("%T", failure.Err),
		)
	})
}

func shutdownHistoryWriter(logger *slog.Logger, writer *history.Writer, timeout time.Duration) {
	if writer == nil {
		return
	}

	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := writer.Shutdown(shutdownCtx); err != nil {
		if logger != nil {
			logger.Error(
				"failed to flush pending evaluation records before shutdown",
				"error", err,
				"timeout", timeout.String(),
			)
		}
		return
	}

	if logger != nil {
		logger.Info("flushed pending evaluation records before shutdown", "duration_ms", time.Since(start).Milliseconds())
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}

func configuredProviderSummaries(cfg config.Config) []string {
	providers := []struct {
		name   string
		config config.ProviderConfig
	}{
		{name: "openai", config: cfg.Providers.OpenAI},
		{name: "anthropic", config: cfg.Providers.Anthropic},
		{name: "gemini", config: cfg.Providers.Gemini},
	}

	out := make([]string, 0, len(providers))
	for _, provider := range providers {
		baseURL := strings.TrimSpace(provider.config.BaseURL)
		if baseURL == "" {
			baseURL = "sdk-default"
		}
		out = append(out, fmt.Sprintf("%s:%s", provider.name, baseURL))
	}
	return out
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  openground serve [--config path/to/openground.yaml]")
	fmt.Fprintln(out, "  openground version")
	fmt.Fprintln(out, "  openground config validate [--config path/to/openground.yaml]")
	fmt.Fprintln(out, "  openground report [--config path/to/openground.yaml] [--format text|json] [--from RFC3339|YYYY-MM-DD] [--to RFC3339|YYYY-MM-DD] [--user ID] [--db-config ID] [--limit N]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  openground config validate [--config path/to/openground.yaml]")
}
