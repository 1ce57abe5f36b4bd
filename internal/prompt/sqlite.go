package prompt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openground/openground/internal/storage"
)

// SQLiteStore persists prompts in the shared sqlite database.
type SQLiteStore struct {
	db *storage.SQLite
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(db *storage.SQLite) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) GetPrompt(ctx context.Context, scope Scope, name, version string) (*Prompt, error) {
	name = strings.TrimSpace(name)
	version = strings.TrimSpace(version)
	if name == "" {
		return nil, ErrNotFound
	}

	query := `
SELECT user_id, db_config_id, name, version, content, CAST(created_at AS TEXT)
FROM prompts
WHERE user_id = ? AND db_config_id = ? AND name = ?`
	args := []any{scope.UserID, scope.DBConfigID, name}
	if version != "" {
		query += " AND version = ?"
		args = append(args, version)
	}
	query += " ORDER BY created_at DESC, version DESC LIMIT 1"

	row := s.db.DB.QueryRowContext(ctx, query, args...)
	item, err := scanPromptRow(row, storage.ParseSQLiteTimestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get prompt %q: %w", name, err)
	}
	return item, nil
}

func (s *SQLiteStore) ListPrompts(ctx context.Context, scope Scope) ([]Prompt, error) {
	rows, err := s.db.DB.QueryContext(ctx, `
SELECT user_id, db_config_id, name, version, content, CAST(created_at AS TEXT)
FROM prompts
WHERE user_id = ? AND db_config_id = ?
ORDER BY name ASC, created_at DESC`, scope.UserID, scope.DBConfigID)
	if err != nil {
		return nil, fmt.Errorf("query prompts: %w", err)
	}
	defer rows.Close()

	items := make([]Prompt, 0)
	for rows.Next() {
		item, err := scanPromptRow(rows, storage.ParseSQLiteTimestamp)
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

func (s *SQLiteStore) PutPrompt(ctx context.Context, p Prompt) (*Prompt, error) {
	if err := validatePrompt(p); err != nil {
		return nil, err
	}

	row := normalizePrompt(p)
	err := s.db.Write(ctx, func() error {
		_, err := s.db.DB.ExecContext(ctx, `
INSERT INTO prompts (user_id, db_config_id, name, version, content, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, db_config_id, name, version)
DO UPDATE SET content = excluded.content`,
			row.UserID, row.DBConfigID, row.Name, row.Version, row.Content, row.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("put prompt %q: %w", row.Name, err)
	}
	return &row, nil
}

func (s *SQLiteStore) DeletePrompt(ctx context.Context, scope Scope, name, version string) error {
	name = strings.TrimSpace(name)
	version = strings.TrimSpace(version)
	if name == "" {
		return ErrNotFound
	}

	query := "DELETE FROM prompts WHERE user_id = ? AND db_config_id = ? AND name = ?"
	args := []any{scope.UserID, scope.DBConfigID, name}
	if version != "" {
		query += " AND version = ?"
		args = append(args, version)
	}

	var affected int64
	err := s.db.Write(ctx, func() error {
		result, err := s.db.DB.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete prompt %q: %w", name, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func normalizePrompt(in Prompt) Prompt {
	row := in
	row.Name = strings.TrimSpace(row.Name)
	row.Version = strings.TrimSpace(row.Version)
	if row.Version == "" {
		row.Version = "1"
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	return row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPromptRow(scanner rowScanner, parseTime func(string) (time.Time, error)) (*Prompt, error) {
	var (
		item          Prompt
		createdAtText sql.NullString
	)
	if err := scanner.Scan(
		&item.UserID,
		&item.DBConfigID,
		&item.Name,
		&item.Version,
		&item.Content,
		&createdAtText,
	); err != nil {
		return nil, err
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
