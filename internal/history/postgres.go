package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openground/openground/internal/storage"
)

// PostgresStore persists evaluations in the shared postgres database.
type PostgresStore struct {
	db *storage.Postgres
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *storage.Postgres) *PostgresStore {
	return &PostgresStore{db: db}
}

const postgresEvaluationColumns = `
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
`

const postgresEvaluationInsert = `
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
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

func (s *PostgresStore) WriteEvaluation(ctx context.Context, evaluation *Evaluation) error {
	if evaluation == nil {
		return nil
	}

	row, variables, results, err := normalizeEvaluation(evaluation)
	if err != nil {
		return err
	}

	if _, err := s.db.DB.ExecContext(ctx, postgresEvaluationInsert,
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
		return fmt.Errorf("write evaluation %q: %w", row.ID, err)
	}
	return nil
}

func (s *PostgresStore) WriteBatch(ctx context.Context, evaluations []*Evaluation) error {
	if len(evaluations) == 0 {
		return nil
	}

	tx, err := s.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin evaluation batch transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, postgresEvaluationInsert)
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
}

func (s *PostgresStore) GetEvaluation(ctx context.Context, scope Scope, id string) (*Evaluation, error) {
	row := s.db.DB.QueryRowContext(ctx,
		"SELECT "+postgresEvaluationColumns+" FROM evaluations WHERE id = $1 AND user_id = $2 AND db_config_id = $3 LIMIT 1",
		id, scope.UserID, scope.DBConfigID)
	item, err := scanPostgresEvaluation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get evaluation %q: %w", id, err)
	}
	return item, nil
}

func (s *PostgresStore) ListEvaluations(ctx context.Context, filter Filter) (*Result, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	whereSQL, args, err := buildPostgresEvaluationWhere(filter)
	if err != nil {
		return nil, err
	}
	args = append(args, limit+1)

	query := "SELECT " + postgresEvaluationColumns + " FROM evaluations WHERE " + whereSQL +
		" ORDER BY created_at DESC, id DESC LIMIT $" + strconv.Itoa(len(args))
	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query evaluations: %w", err)
	}
	defer rows.Close()

	items := make([]*Evaluation, 0, limit+1)
	for rows.Next() {
		item, err := scanPostgresEvaluation(rows)
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

func (s *PostgresStore) GetCostSummary(ctx context.Context, scope Scope, from, to time.Time) (*CostSummary, error) {
	where := []string{"user_id = $1", "db_config_id = $2"}
	args := []any{scope.UserID, scope.DBConfigID}
	if !from.IsZero() {
		args = append(args, from.UTC())
		where = append(where, "created_at >= $"+strconv.Itoa(len(args)))
	}
	if !to.IsZero() {
		args = append(args, to.UTC())
		where = append(where, "created_at <= $"+strconv.Itoa(len(args)))
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

func buildPostgresEvaluationWhere(filter Filter) (string, []any, error) {
	where := make([]string, 0, 5)
	args := make([]any, 0, 6)

	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}

	if filter.Scope.UserID != "" {
		add("user_id = ?", filter.Scope.UserID)
	}
	if filter.Scope.DBConfigID != "" {
		add("db_config_id = ?", filter.Scope.DBConfigID)
	}
	if !filter.From.IsZero() {
		add("created_at >= ?", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("created_at <= ?", filter.To.UTC())
	}
	if filter.Cursor != "" {
		createdAt, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return "", nil, err
		}
		args = append(args, createdAt.UTC(), id)
		timeArg := "$" + strconv.Itoa(len(args)-1)
		idArg := "$" + strconv.Itoa(len(args))
		where = append(where, "(created_at < "+timeArg+" OR (created_at = "+timeArg+" AND id < "+idArg+"))")
	}

	if len(where) == 0 {
		return "1=1", args, nil
	}
	return strings.Join(where, " AND "), args, nil
}

func scanPostgresEvaluation(scanner rowScanner) (*Evaluation, error) {
	var (
		item          Evaluation
		variables     sql.NullString
		results       sql.NullString
		providerCount sql.NullInt64
		totalCost     sql.NullFloat64
		createdAt     sql.NullTime
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
		&createdAt,
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
	if createdAt.Valid {
		item.CreatedAt = createdAt.Time.UTC()
	}

	return &item, nil
}
