package prompt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/openground/openground/internal/storage"
)

// PostgresStore persists prompts in the shared postgres database.
type PostgresStore struct {
	db *storage.Postgres
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *storage.Postgres) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetPrompt(ctx context.Context, scope Scope, name, version string) (*Prompt, error) {
	name = strings.TrimSpace(name)
	version = strings.TrimSpace(version)
	if name == "" {
		return nil, ErrNotFound
	}

	query := `
SELECT user_id, db_config_id, name, version, content, created_at
FROM prompts
WHERE user_id = $1 AND db_config_id = $2 AND name = $3`
	args := []any{scope.UserID, scope.DBConfigID, name}
	if version != "" {
		query += " AND version = $4"
		args = append(args, version)
	}
	query += " ORDER BY created_at DESC, version DESC LIMIT 1"

	row := s.db.DB.QueryRowContext(ctx, query, args...)
	item, err := scanPostgresPrompt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get prompt %q: %w", name, err)
	}
	return item, nil
}

func (s *PostgresStore) ListPrompts(ctx context.Context, scope Scope) ([]Prompt, error) {
	rows, err := s.db.DB.QueryContext(ctx, `
SELECT user_id, db_config_id, name, version, content, created_at
FROM prompts
WHERE user_id = $1 AND db_config_id = $2
ORDER BY name ASC, created_at DESC`, scope.UserID, scope.DBConfigID)
	if err != nil {
		return nil, fmt.Errorf("query prompts: %w", err)
	}
	defer rows.Close()

	items := make([]Prompt, 0)
	for rows.Next() {
		item, err := scanPostgresPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prompt row: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompt rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) PutPrompt(ctx context.Context, p Prompt) (*Prompt, error) {
	if err := validatePrompt(p); err != nil {
		return nil, err
	}

	row := normalizePrompt(p)
	_, err := s.db.DB.ExecContext(ctx, `
INSERT INTO prompts (user_id, db_config_id, name, version, content, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id, db_config_id, name, version)
DO UPDATE SET content = EXCLUDED.content`,
		row.UserID, row.DBConfigID, row.Name, row.Version, row.Content, row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("put prompt %q: %w", row.Name, err)
	}
	return &row, nil
}

func (s *PostgresStore) DeletePrompt(ctx context.Context, scope Scope, name, version string) error {
	name = strings.TrimSpace(name)
	version = strings.TrimSpace(version)
	if name == "" {
		return ErrNotFound
	}

	query := "DELETE FROM prompts WHERE user_id = $1 AND db_config_id = $2 AND name = $3"
	args := []any{scope.UserID, scope.DBConfigID, name}
	if version != "" {
		query += " AND version = $4"
		args = append(args, version)
	}

	result, err := s.db.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete prompt %q: %w", name, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete prompt %q: %w", name, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPostgresPrompt(scanner rowScanner) (*Prompt, error) {
	var (
		item      Prompt
		createdAt sql.NullTime
	)
	if err := scanner.Scan(
		&item.UserID,
		&item.DBConfigID,
		&item.Name,
		&item.Version,
		&item.Content,
		&createdAt,
	); err != nil {
		return nil, err
	}
	if createdAt.Valid {
		item.CreatedAt = createdAt.Time.UTC()
	}
	return &item, nil
}
