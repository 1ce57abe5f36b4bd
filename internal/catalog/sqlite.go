package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openground/openground/internal/storage"
)

// SQLiteCustomModelStore persists custom models in the shared sqlite database.
type SQLiteCustomModelStore struct {
	db *storage.SQLite
}

var _ CustomModelStore = (*SQLiteCustomModelStore)(nil)

func NewSQLiteCustomModelStore(db *storage.SQLite) *SQLiteCustomModelStore {
	return &SQLiteCustomModelStore{db: db}
}

const customModelColumns = `
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
CAST(created_at AS TEXT),
CAST(updated_at AS TEXT)
`

func (s *SQLiteCustomModelStore) ListCustomModels(ctx context.Context, scope Scope) ([]CustomModel, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		"SELECT "+customModelColumns+" FROM custom_models WHERE user_id = ? AND db_config_id = ? ORDER BY created_at ASC, id ASC",
		scope.UserID, scope.DBConfigID)
	if err != nil {
		return nil, fmt.Errorf("query custom models: %w", err)
	}
	defer rows.Close()

	items := make([]CustomModel, 0)
	for rows.Next() {
		item, err := scanCustomModelRow(rows, storage.ParseSQLiteTimestamp)
		if err != nil {
			return nil, fmt.Errorf("scan custom model row: %w", err)
		}
		// Rows with ids that no longer parse as UUIDs are skipped, not surfaced.
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

func (s *SQLiteCustomModelStore) GetCustomModel(ctx context.Context, scope Scope, id string) (*CustomModel, error) {
	id = strings.TrimSpace(id)
	if !isValidRecordID(id) {
		return nil, ErrNotFound
	}

	row := s.db.DB.QueryRowContext(ctx,
		"SELECT "+customModelColumns+" FROM custom_models WHERE id = ? AND user_id = ? AND db_config_id = ? LIMIT 1",
		id, scope.UserID, scope.DBConfigID)
	item, err := scanCustomModelRow(row, storage.ParseSQLiteTimestamp)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get custom model %q: %w", id, err)
	}
	return item, nil
}

func (s *SQLiteCustomModelStore) CreateCustomModel(ctx context.Context, model CustomModel) (*CustomModel, error) {
	if err := validateCustomModel(model); err != nil {
		return nil, err
	}

	row := normalizeCustomModel(model)
	capabilities, err := encodeCapabilities(row.Capabilities)
	if err != nil {
		return nil, err
	}

	err = s.db.Write(ctx, func() error {
		_, err := s.db.DB.ExecContext(ctx, `
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
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("custom model %q: %w", row.ModelID, ErrConflict)
		}
		return nil, fmt.Errorf("create custom model %q: %w", row.ModelID, err)
	}

	return &row, nil
}

func (s *SQLiteCustomModelStore) UpdateCustomModel(ctx context.Context, scope Scope, id string, model CustomModel) (*CustomModel, error) {
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
	updatedAt := time.Now().UTC()

	var affected int64
	err = s.db.Write(ctx, func() error {
		result, err := s.db.DB.ExecContext(ctx, `
UPDATE custom_models SET
    provider = ?,
    model_id = ?,
    display_name = ?,
    context_window = ?,
    input_usd_per_1m = ?,
    output_usd_per_1m = ?,
    capabilities = ?,
    updated_at = ?
WHERE id = ? AND user_id = ? AND db_config_id = ?`,
			row.Provider,
			row.ModelID,
			row.DisplayName,
			row.ContextWindow,
			row.InputUSDPer1M,
			row.OutputUSDPer1M,
			capabilities,
			updatedAt,
			id, scope.UserID, scope.DBConfigID,
		)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("custom model %q: %w", row.ModelID, ErrConflict)
		}
		return nil, fmt.Errorf("update custom model %q: %w", id, err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}

	return s.GetCustomModel(ctx, scope, id)
}

func (s *SQLiteCustomModelStore) DeleteCustomModel(ctx context.Context, scope Scope, id string) error {
	id = strings.TrimSpace(id)
	if !isValidRecordID(id) {
		return ErrNotFound
	}

	var affected int64
	err := s.db.Write(ctx, func() error {
		result, err := s.db.DB.ExecContext(ctx,
			"DELETE FROM custom_models WHERE id = ? AND user_id = ? AND db_config_id = ?",
			id, scope.UserID, scope.DBConfigID)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete custom model %q: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func normalizeCustomModel(in CustomModel) CustomModel {
	row := in
	now := time.Now().UTC()

	if row.ID == "" {
		row.ID = newRecordID()
	}
	row.Provider = strings.TrimSpace(row.Provider)
	row.ModelID = strings.TrimSpace(row.ModelID)
	row.DisplayName = strings.TrimSpace(row.DisplayName)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}
	return row
}

func encodeCapabilities(capabilities []string) (string, error) {
	if len(capabilities) == 0 {
		return "[]", nil
	}
	payload, err := json.Marshal(capabilities)
	if err != nil {
		return "", fmt.Errorf("encode capabilities: %w", err)
	}
	return string(payload), nil
}

func decodeCapabilities(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint") ||
		strings.Contains(value, "duplicate key") ||
		strings.Contains(value, "sqlstate 23505")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCustomModelRow(scanner rowScanner, parseTime func(string) (time.Time, error)) (*CustomModel, error) {
	var (
		item          CustomModel
		contextWindow sql.NullInt64
		inputPrice    sql.NullString
		outputPrice   sql.NullString
		capabilities  sql.NullString
		createdAtText sql.NullString
		updatedAtText sql.NullString
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
		&createdAtText,
		&updatedAtText,
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
	if createdAtText.Valid {
		parsed, err := parseTime(createdAtText.String)
		if err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", createdAtText.String, err)
		}
		item.CreatedAt = parsed
	}
	if updatedAtText.Valid {
		parsed, err := parseTime(updatedAtText.String)
		if err != nil {
			return nil, fmt.Errorf("parse updated_at %q: %w", updatedAtText.String, err)
		}
		item.UpdatedAt = parsed
	}

	return &item, nil
}
