package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openground/openground/internal/storage"
)

// PostgresCustomModelStore persists custom models in the shared postgres
// database.
type PostgresCustomModelStore struct {
	db *storage.Postgres
}

var _ CustomModelStore = (*PostgresCustomModelStore)(nil)

func NewPostgresCustomModelStore(db *storage.Postgres) *PostgresCustomModelStore {
	return &PostgresCustomModelStore{db: db}
}

func (s *PostgresCustomModelStore) ListCustomModels(ctx context.Context, scope Scope) ([]CustomModel, error) {
	rows, err := s.db.DB.QueryContext(ctx, `
SELECT
    id,
    user_id,
    db_config_id,
    provider,
    model_id,
    display_name,
    context_window,
    input_usd_per_1m,
    output_usd_per_1m,
    capabilities,
    created_at,
    updated_at
FROM custom_models
WHERE user_id = $1 AND db_config_id = $2
ORDER BY created_at ASC, id ASC`, scope.UserID, scope.DBConfigID)
	if err != nil {
		return nil, fmt.Errorf("query custom models: %w", err)
	}
	defer rows.Close()

	items := make([]CustomModel, 0)
	for rows.Next() {
		item, err := scanPostgresCustomModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan custom model row: %w", err)
		}
		if !isValidRecordID(item.ID) {
			continue
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate custom model rows: %w", err)
	}
	return items, nil
}

func (s *PostgresCustomModelStore) GetCustomModel(ctx context.Context, scope Scope, id string) (*CustomModel, error) {
	id = strings.TrimSpace(id)
	if !isValidRecordID(id) {
		return nil, ErrNotFound
	}

	row := s.db.DB.QueryRowContext(ctx, `
SELECT
    id,
    user_id,
    db_config_id,
    provider,
    model_id,
    display_name,
    context_window,
    input_usd_per_1m,
    output_usd_per_1m,
    capabilities,
    created_at,
    updated_at
FROM custom_models
WHERE id = $1 AND user_id = $2 AND db_config_id = $3
LIMIT 1`, id, scope.UserID, scope.DBConfigID)
	item, err := scanPostgresCustomModel(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get custom model %q: %w", id, err)
	}
	return item, nil
}

func (s *PostgresCustomModelStore) CreateCustomModel(ctx context.Context, model CustomModel) (*CustomModel, error) {
	if err := validateCustomModel(model); err != nil {
		return nil, err
	}

	row := normalizeCustomModel(model)
	capabilities, err := encodeCapabilities(row.Capabilities)
	if err != nil {
		return nil, err
	}

	_, err = s.db.DB.ExecContext(ctx, `
INSERT INTO custom_models (
    id,
    user_id,
    db_config_id,
    provider,
    model_id,
    display_name,
    context_window,
    input_usd_per_1m,
    output_usd_per_1m,
    capabilities,
    created_at,
    updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		row.ID,
		row.UserID,
		row.DBConfigID,
		row.Provider,
		row.ModelID,
		row.DisplayName,
		row.ContextWindow,
		row.InputUSDPer1M,
		row.OutputUSDPer1M,
		capabilities,
		row.CreatedAt,
		row.UpdatedAt,
	)
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return nil, fmt.Errorf("custom model %q: %w", row.ModelID, ErrConflict)
		}
		return nil, fmt.Errorf("create custom model %q: %w", row.ModelID, err)
	}

	return &row, nil
}

func (s *PostgresCustomModelStore) UpdateCustomModel(ctx context.Context, scope Scope, id string, model CustomModel) (*CustomModel, error) {
	id = strings.TrimSpace(id)
	if !isValidRecordID(id) {
		return nil, ErrNotFound
	}
	if err := validateCustomModel(model); err != nil {
		return nil, err
	}

	row := normalizeCustomModel(model)
	capabilities, err := encodeCapabilities(row.Capabilities)
	if err != nil {
		return nil, err
	}

	result, err := s.db.DB.ExecContext(ctx, `
UPDATE custom_models SET
    provider = $1,
    model_id = $2,
    display_name = $3,
    context_window = $4,
    input_usd_per_1m = $5,
    output_usd_per_1m = $6,
    capabilities = $7,
    updated_at = NOW()
WHERE id = $8 AND user_id = $9 AND db_config_id = $10`,
		row.Provider,
		row.ModelID,
		row.DisplayName,
		row.ContextWindow,
		row.InputUSDPer1M,
		row.OutputUSDPer1M,
		capabilities,
		id, scope.UserID, scope.DBConfigID,
	)
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return nil, fmt.Errorf("custom model %q: %w", row.ModelID, ErrConflict)
		}
		return nil, fmt.Errorf("update custom model %q: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update custom model %q: %w", id, err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}

	return s.GetCustomModel(ctx, scope, id)
}

func (s *PostgresCustomModelStore) DeleteCustomModel(ctx context.Context, scope Scope, id string) error {
	id = strings.TrimSpace(id)
	if !isValidRecordID(id) {
		return ErrNotFound
	}

	result, err := s.db.DB.ExecContext(ctx,
		"DELETE FROM custom_models WHERE id = $1 AND user_id = $2 AND db_config_id = $3",
		id, scope.UserID, scope.DBConfigID)
	if err != nil {
		return fmt.Errorf("delete custom model %q: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete custom model %q: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPostgresCustomModel(scanner rowScanner) (*CustomModel, error) {
	var (
		item          CustomModel
		contextWindow sql.NullInt64
		inputPrice    sql.NullString
		outputPrice   sql.NullString
		capabilities  sql.NullString
		createdAt     sql.NullTime
		updatedAt     sql.NullTime
	)

	if err := scanner.Scan(
		&item.ID,
		&item.UserID,
		&item.DBConfigID,
		&item.Provider,
		&item.ModelID,
		&item.DisplayName,
		&contextWindow,
		&inputPrice,
		&outputPrice,
		&capabilities,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	if contextWindow.Valid {
		item.ContextWindow = int(contextWindow.Int64)
	}
	if inputPrice.Valid {
		item.InputUSDPer1M = inputPrice.String
	}
	if outputPrice.Valid {
		item.OutputUSDPer1M = outputPrice.String
	}
	if capabilities.Valid {
		item.Capabilities = decodeCapabilities(capabilities.String)
	}
	if createdAt.Valid {
		item.CreatedAt = createdAt.Time.UTC()
	}
	if updatedAt.Valid {
		item.UpdatedAt = updatedAt.Time.UTC()
	}

	return &item, nil
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
