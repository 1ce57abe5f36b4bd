package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/openground/openground/internal/config"
	"github.com/openground/openground/internal/evaluate"
	"github.com/openground/openground/internal/history"
)

const (
	defaultReportFormat = "text"
	defaultReportLimit  = 10
	maxReportLimit      = 200
	reportSchemaVersion = "report.v1"
)

type reportDocument struct {
	SchemaVersion string                 `json:"schema_version"`
	GeneratedAt   time.Time              `json:"generated_at"`
	Storage       reportStorageInfo      `json:"storage"`
	Filters       reportFilterInfo       `json:"filters"`
	Summary       reportSummaryInfo      `json:"summary"`
	Providers     []reportProviderInfo   `json:"providers"`
	Recent        []reportEvaluationInfo `json:"recent_evaluations"`
}

type reportStorageInfo struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
}

type reportFilterInfo struct {
	UserID     string     `json:"user_id"`
	DBConfigID string     `json:"db_config_id"`
	From       *time.Time `json:"from,omitempty"`
	To         *time.Time `json:"to,omitempty"`
	Limit      int        `json:"limit"`
}

type reportSummaryInfo struct {
	TotalEvaluations int64   `json:"total_evaluations"`
	TotalCostUSD     float64 `json:"total_cost_usd"`
	TopProvider      string  `json:"top_provider,omitempty"`
}

// reportProviderInfo aggregates the branches of the recent evaluation page;
// it is a sample of activity, not a full-history rollup.
type reportProviderInfo struct {
	Provider     string  `json:"provider"`
	Branches     int64   `json:"branches"`
	Failed       int64   `json:"failed"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

type reportEvaluationInfo struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	SourceType    string    `json:"source_type"`
	PromptID      string    `json:"prompt_id,omitempty"`
	ProviderCount int       `json:"provider_count"`
	TotalCostUSD  float64   `json:"total_cost_usd"`
}

func runReport(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("report", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultReportFormat, "Output format: text or json")
	fromRaw := flagSet.String("from", "", "Report start time (RFC3339 or YYYY-MM-DD)")
	toRaw := flagSet.String("to", "", "Report end time (RFC3339 or YYYY-MM-DD)")
	userID := flagSet.String("user", "default", "User scope")
	dbConfigID := flagSet.String("db-config", "default", "Database configuration scope")
	limit := flagSet.Int("limit", defaultReportLimit, "Recent evaluation count (1-200)")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "report does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("report", *format, defaultReportFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *limit <= 0 || *limit > maxReportLimit {
		fmt.Fprintf(errOut, "limit must be between 1 and %d\n", maxReportLimit)
		return 2
	}

	from, err := parseReportTime(*fromRaw, false)
	if err != nil {
		fmt.Fprintf(errOut, "invalid from: %v\n", err)
		return 2
	}
	to, err := parseReportTime(*toRaw, true)
	if err != nil {
		fmt.Fprintf(errOut, "invalid to: %v\n", err)
		return 2
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		fmt.Fprintln(errOut, "invalid range: to must be greater than or equal to from")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}

	domainStores, err := openStores(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize storage: %v\n", err)
		return 1
	}
	defer func() {
		if err := domainStores.close(); err != nil {
			fmt.Fprintf(errOut, "warning: failed to close storage: %v\n", err)
		}
	}()

	scope := history.Scope{UserID: strings.TrimSpace(*userID), DBConfigID: strings.TrimSpace(*dbConfigID)}
	report, err := buildReport(context.Background(), domainStores.history, cfg, scope, from, to, *limit)
	if err != nil {
		fmt.Fprintf(errOut, "failed to build report: %v\n", err)
		return 1
	}

	if err := writeReport(out, normalizedFormat, report); err != nil {
		fmt.Fprintf(errOut, "failed to write report: %v\n", err)
		return 1
	}

	return 0
}

func parseReportTime(raw string, endOfDay bool) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02",
	}
	for _, layout := range layouts {
		if layout == "2006-01-02" {
			parsed, err := time.ParseInLocation(layout, value, time.UTC)
			if err == nil {
				if endOfDay {
					return parsed.Add(24*time.Hour - time.Nanosecond), nil
				}
				return parsed, nil
			}
			continue
		}
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD")
}

func buildReport(
	ctx context.Context,
	store history.Store,
	cfg config.Config,
	scope history.Scope,
	from, to time.Time,
	limit int,
) (reportDocument, error) {
	costWindowTo := to
	if costWindowTo.IsZero() {
		costWindowTo = time.Now().UTC()
	}
	cost, err := store.GetCostSummary(ctx, scope, from, costWindowTo)
	if err != nil {
		return reportDocument{}, fmt.Errorf("load cost summary: %w", err)
	}
	if cost == nil {
		cost = &history.CostSummary{}
	}

	recent, err := store.ListEvaluations(ctx, history.Filter{
		Scope: scope,
		From:  from,
		To:    to,
		Limit: limit,
	})
	if err != nil {
		return reportDocument{}, fmt.Errorf("list evaluations: %w", err)
	}
	if recent == nil {
		recent = &history.Result{}
	}

	providerRows := aggregateProviderRows(recent.Items)
	recentRows := make([]reportEvaluationInfo, 0, len(recent.Items))
	for _, item := range recent.Items {
		if item == nil {
			continue
		}
		recentRows = append(recentRows, reportEvaluationInfo{
			ID:            item.ID,
			CreatedAt:     item.CreatedAt,
			SourceType:    item.SourceType,
			PromptID:      item.PromptID,
			ProviderCount: item.ProviderCount,
			TotalCostUSD:  item.TotalCostUSD,
		})
	}

	topProvider := ""
	topBranches := int64(0)
	for _, row := range providerRows {
		if row.Branches > topBranches || (row.Branches == topBranches && row.Provider < topProvider) {
			topBranches = row.Branches
			topProvider = row.Provider
		}
	}

	storagePath := ""
	if strings.TrimSpace(cfg.Storage.Driver) == "sqlite" {
		storagePath = cfg.Storage.Path
	}

	return reportDocument{
		SchemaVersion: reportSchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Storage: reportStorageInfo{
			Driver: cfg.Storage.Driver,
			Path:   storagePath,
		},
		Filters: reportFilterInfo{
			UserID:     scope.UserID,
			DBConfigID: scope.DBConfigID,
			From:       reportOptionalTime(from),
			To:         reportOptionalTime(to),
			Limit:      limit,
		},
		Summary: reportSummaryInfo{
			TotalEvaluations: cost.Evaluations,
			TotalCostUSD:     cost.TotalCostUSD,
			TopProvider:      topProvider,
		},
		Providers: providerRows,
		Recent:    recentRows,
	}, nil
}

func aggregateProviderRows(items []*history.Evaluation) []reportProviderInfo {
	type providerAccumulator struct {
		reportProviderInfo
		latencySumMS int64
	}

	byProvider := make(map[string]*providerAccumulator)
	for _, item := range items {
		if item == nil || len(item.Results) == 0 {
			continue
		}
		var results []evaluate.Result
		if err := json.Unmarshal(item.Results, &results); err != nil {
			continue
		}
		for _, result := range results {
			provider := strings.TrimSpace(result.Provider)
			if provider == "" {
				provider = "(unknown)"
			}
			row, ok := byProvider[provider]
			if !ok {
				row = &providerAccumulator{reportProviderInfo: reportProviderInfo{Provider: provider}}
				byProvider[provider] = row
			}
			row.Branches++
			if result.Failed() {
				row.Failed++
			}
			row.InputTokens += result.Usage.InputTokens
			row.OutputTokens += result.Usage.OutputTokens
			row.TotalTokens += result.Usage.TotalTokens
			row.TotalCostUSD += result.CostUSD
			row.latencySumMS += result.LatencyMS
		}
	}

	rows := make([]reportProviderInfo, 0, len(byProvider))
	for _, row := range byProvider {
		if row.Branches > 0 {
			row.AvgLatencyMS = float64(row.latencySumMS) / float64(row.Branches)
		}
		rows = append(rows, row.reportProviderInfo)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Branches != rows[j].Branches {
			return rows[i].Branches > rows[j].Branches
		}
		if rows[i].TotalCostUSD != rows[j].TotalCostUSD {
			return rows[i].TotalCostUSD > rows[j].TotalCostUSD
		}
		return rows[i].Provider < rows[j].Provider
	})
	return rows
}

func writeReport(out io.Writer, format string, report reportDocument) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	default:
		return writeReportText(out, report)
	}
}

func writeReportText(out io.Writer, report reportDocument) error {
	fmt.Fprintln(out, "Openground Report")

	metadataWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(metadataWriter, "Schema version\t%s\n", report.SchemaVersion)
	fmt.Fprintf(metadataWriter, "Generated at\t%s\n", report.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(metadataWriter, "Storage driver\t%s\n", report.Storage.Driver)
	if strings.TrimSpace(report.Storage.Path) != "" {
		fmt.Fprintf(metadataWriter, "Storage path\t%s\n", report.Storage.Path)
	}
	fmt.Fprintf(metadataWriter, "Filter user\t%s\n", valueOr(report.Filters.UserID, "(all)"))
	fmt.Fprintf(metadataWriter, "Filter db config\t%s\n", valueOr(report.Filters.DBConfigID, "(all)"))
	fmt.Fprintf(metadataWriter, "Filter from\t%s\n", timePtrOr(report.Filters.From, "(all)"))
	fmt.Fprintf(metadataWriter, "Filter to\t%s\n", timePtrOr(report.Filters.To, "(now)"))
	fmt.Fprintf(metadataWriter, "Filter limit\t%d\n", report.Filters.Limit)
	if err := metadataWriter.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nSummary")
	summaryWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(summaryWriter, "Total evaluations\t%d\n", report.Summary.TotalEvaluations)
	fmt.Fprintf(summaryWriter, "Total cost (USD)\t%.6f\n", report.Summary.TotalCostUSD)
	fmt.Fprintf(summaryWriter, "Top provider\t%s\n", valueOr(report.Summary.TopProvider, "(none)"))
	if err := summaryWriter.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nProviders (recent evaluations)")
	if len(report.Providers) == 0 {
		fmt.Fprintln(out, "(no provider data)")
	} else {
		providerWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(providerWriter, "PROVIDER\tBRANCHES\tFAILED\tINPUT_TOKENS\tOUTPUT_TOKENS\tTOTAL_TOKENS\tTOTAL_COST_USD\tAVG_LATENCY_MS")
		for _, row := range report.Providers {
			fmt.Fprintf(
				providerWriter,
				"%s\t%d\t%d\t%d\t%d\t%d\t%.6f\t%.2f\n",
				row.Provider,
				row.Branches,
				row.Failed,
				row.InputTokens,
				row.OutputTokens,
				row.TotalTokens,
				row.TotalCostUSD,
				row.AvgLatencyMS,
			)
		}
		if err := providerWriter.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "\nRecent Evaluations")
	if len(report.Recent) == 0 {
		fmt.Fprintln(out, "(no evaluations)")
		return nil
	}
	recentWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(recentWriter, "CREATED_AT\tSOURCE\tPROMPT_ID\tPROVIDERS\tTOTAL_COST_USD\tEVALUATION_ID")
	for _, row := range report.Recent {
		fmt.Fprintf(
			recentWriter,
			"%s\t%s\t%s\t%d\t%.6f\t%s\n",
			timeOr(row.CreatedAt, "(unknown)"),
			valueOr(row.SourceType, "(unknown)"),
			valueOr(row.PromptID, "-"),
			row.ProviderCount,
			row.TotalCostUSD,
			row.ID,
		)
	}
	return recentWriter.Flush()
}

func reportOptionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}
