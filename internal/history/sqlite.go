package history

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openground/openground/internal/storage"
)

// SQLiteStore persists evaluations in the shared sqlite database.
type SQLiteStore struct {
	db *storage.SQLite
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(db *storage.SQLite) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const evaluationColumns = `
id,
user_id,
db_config_id,
prompt,
source_type,
prompt_id,
prompt_version,
variables,
results,
provider_count,
total_cost_usd,
CAST(created_at AS TEXT)
`

const evaluationInsert = `
INSERT INTO evaluations (
    id,
    user_id,
    db_config_id,
    prompt,
    source_type,
    prompt_id,
    prompt_version,
    variables,
    results,
    provider_count,
    total_cost_usd,
    created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *SQLiteStore) WriteEvaluation(ctx context.Context, evaluation *Evaluation) error {
	if evaluation == nil {
		return nil
	}

	row, variables, results, err := normalizeEvaluation(evaluation)
	if err != nil {
		return err
	}

	err = s.db.Write(ctx, func() error {
		_, err := s.db.DB.ExecContext(ctx, evaluationInsert,
			row.ID,
			row.UserID,
			row.DBConfigID,
			row.Prompt,
			row.SourceType,
			row.PromptID,
			row.PromptVersion,
			variables,
			results,
			row.ProviderCount,
			row.TotalCostUSD,
			row.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("write evaluation %q: %w", row.ID, err)
	}
	return nil
}

func (s *SQLiteStore) WriteBatch(ctx context.Context, evaluations []*Evaluation) error {
	if len(evaluations) == 0 {
		return nil
	}

	return s.db.Write(ctx, func() error {
		tx, err := s.db.DB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin evaluation batch transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, evaluationInsert)
		if err != nil {
			return fmt.Errorf("prepare evaluation batch insert: %w", err)
		}
		defer stmt.Close()

		for _, evaluation := range evaluations {
			if evaluation == nil {
				continue
			}
			row, variables, results, err := normalizeEvaluation(evaluation)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx,
				row.ID,
				row.UserID,
				row.DBConfigID,
				row.Prompt,
				row.SourceType,
				row.PromptID,
				row.PromptVersion,
				variables,
				results,
				row.ProviderCount,
				row.TotalCostUSD,
				row.CreatedAt,
			); err != nil {
				return fmt.Errorf("write evaluation %q in batch: %w", row.ID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit evaluation batch transaction: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) GetEvaluation(ctx context.Context, scope Scope, id string) (*Evaluation, error) {
	row := s.db.DB.QueryRowContext(ctx,
		"SELECT "+evaluationColumns+" FROM evaluations WHERE id = ? AND user_id = ? AND db_config_id = ? LIMIT 1",
		id, scope.UserID, scope.DBConfigID)
	item, err := scanEvaluationRow(row, storage.ParseSQLiteTimestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get evaluation %q: %w", id, err)
	}
	return item, nil
}

func (s *SQLiteStore) ListEvaluations(ctx context.Context, filter Filter) (*Result, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	whereSQL, args, err := buildEvaluationWhere(filter)
	if err != nil {
		return nil, err
	}
	args = append(args, limit+1)

	query := "SELECT " + evaluationColumns + " FROM evaluations WHERE " + whereSQL +
		" ORDER BY created_at DESC, id DESC LIMIT ?"
	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query evaluations: %w", err)
	}
	defer rows.Close()

	items := make([]*Evaluation, 0, limit+1)
	for rows.Next() {
		item, err := scanEvaluationRow(rows, storage.ParseSQLiteTimestamp)
		if err != nil {
			return nil, fmt.Errorf("scan evaluation row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evaluation rows: %w", err)
	}

	nextCursor := ""
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
	}

	return &Result{Items: items, NextCursor: nextCursor}, nil
}

func (s *SQLiteStore) GetCostSummary(ctx context.Context, scope Scope, from, to time.Time) (*CostSummary, error) {
	where := []string{"user_id = ?", "db_config_id = ?"}
	args := []any{scope.UserID, scope.DBConfigID}
	if !from.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, to.UTC())
	}

	row := s.db.DB.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(total_cost_usd), 0), COUNT(*) FROM evaluations WHERE "+strings.Join(where, " AND "),
		args...)

	var summary CostSummary
	if err := row.Scan(&summary.TotalCostUSD, &summary.Evaluations); err != nil {
		return nil, fmt.Errorf("query cost summary: %w", err)
	}
	return &summary, nil
}

func buildEvaluationWhere(filter Filter) (string, []any, error) {
	where := make([]string, 0, 5)
	args := make([]any, 0, 6)

	if filter.Scope.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.Scope.UserID)
	}
	if filter.Scope.DBConfigID != "" {
		where = append(where, "db_config_id = ?")
		args = append(args, filter.Scope.DBConfigID)
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, filter.To.UTC())
	}
	if filter.Cursor != "" {
		createdAt, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return "", nil, err
		}
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, createdAt.UTC(), createdAt.UTC(), id)
	}

	if len(where) == 0 {
		return "1=1", args, nil
	}
	return strings.Join(where, " AND "), args, nil
}

func encodeCursor(createdAt time.Time, id string) string {
	if createdAt.IsZero() || id == "" {
		return ""
	}
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	payload, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: decode base64 cursor", ErrInvalidCursor)
	}
	parts := strings.SplitN(string(payload), "|", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return time.Time{}, "", fmt.Errorf("%w: missing id", ErrInvalidCursor)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(parts[0]))
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: parse created_at", ErrInvalidCursor)
	}
	return createdAt.UTC(), strings.TrimSpace(parts[1]), nil
}

func normalizeEvaluation(in *Evaluation) (*Evaluation, string, string, error) {
	row := *in
	now := time.Now().UTC()

	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.SourceType == "" {
		row.SourceType = "custom"
	}

	variables := "{}"
	if len(row.Variables) > 0 {
		payload, err := json.Marshal(row.Variables)
		if err != nil {
			return nil, "", "", fmt.Errorf("encode evaluation variables: %w", err)
		}
		variables = string(payload)
	}

	results := "[]"
	if len(row.Results) > 0 {
		if !json.Valid(row.Results) {
			return nil, "", "", fmt.Errorf("evaluation %q results are not valid json", row.ID)
		}
		results = string(row.Results)
	}

	return &row, variables, results, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvaluationRow(scanner rowScanner, parseTime func(string) (time.Time, error)) (*Evaluation, error) {
	var (
		item          Evaluation
		variables     sql.NullString
		results       sql.NullString
		providerCount sql.NullInt64
		totalCost     sql.NullFloat64
		createdAtText sql.NullString
	)

	if err := scanner.Scan(
		&item.ID,
		&item.UserID,
		&item.DBConfigID,
		&item.Prompt,
		&item.SourceType,
		&item.PromptID,
		&item.PromptVersion,
		&variables,
		&results,
		&providerCount,
		&totalCost,
		&createdAtText,
	); err != nil {
		return nil, err
	}

	if variables.Valid && strings.TrimSpace(variables.String) != "" {
		if err := json.Unmarshal([]byte(variables.String), &item.Variables); err != nil {
			return nil, fmt.Errorf("decode evaluation variables for %q: %w", item.ID, err)
		}
	}
	if results.Valid {
		item.Results = json.RawMessage(results.String)
	}
	if providerCount.Valid {
		item.ProviderCount = int(providerCount.Int64)
	}
	if totalCost.Valid {
		item.TotalCostUSD = totalCost.Float64
	}
	if createdAtText.Valid {
		parsed, err := parseTime(createdAtText.String)
		if err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", createdAtText.String, err)
		}
		item.CreatedAt = parsed
	}

	return &item, nil
}
