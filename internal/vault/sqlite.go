package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openground/openground/internal/storage"
)

// SQLiteStore persists credentials in the shared sqlite database.
type SQLiteStore struct {
	db *storage.SQLite
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(db *storage.SQLite) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) GetCredential(ctx context.Context, scope Scope, provider string) (*Credential, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return nil, ErrNotFound
	}

	row := s.db.DB.QueryRowContext(ctx, `
SELECT user_id, db_config_id, provider, api_key, base_url,
       CAST(created_at AS TEXT), CAST(updated_at AS TEXT)
FROM provider_credentials
WHERE user_id = ? AND db_config_id = ? AND provider = ?
LIMIT 1`, scope.UserID, scope.DBConfigID, provider)
	item, err := scanCredentialRow(row, storage.ParseSQLiteTimestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get credential for %q: %w", provider, err)
	}
	return item, nil
}

func (s *SQLiteStore) ListCredentials(ctx context.Context, scope Scope) ([]Credential, error) {
	rows, err := s.db.DB.QueryContext(ctx, `
SELECT user_id, db_config_id, provider, api_key, base_url,
       CAST(created_at AS TEXT), CAST(updated_at AS TEXT)
FROM provider_credentials
WHERE user_id = ? AND db_config_id = ?
ORDER BY provider ASC`, scope.UserID, scope.DBConfigID)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	items := make([]Credential, 0)
	for rows.Next() {
		item, err := scanCredentialRow(rows, storage.ParseSQLiteTimestamp)
		if err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credential rows: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) PutCredential(ctx context.Context, credential Credential) (*Credential, error) {
	if err := validateCredential(credential); err != nil {
		return nil, err
	}

	row := normalizeCredential(credential)
	err := s.db.Write(ctx, func() error {
		_, err := s.db.DB.ExecContext(ctx, `
INSERT INTO provider_credentials (user_id, db_config_id, provider, api_key, base_url, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, db_config_id, provider)
DO UPDATE SET api_key = excluded.api_key, base_url = excluded.base_url, updated_at = excluded.updated_at`,
			row.UserID, row.DBConfigID, row.Provider, row.APIKey, row.BaseURL, row.CreatedAt, row.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("put credential for %q: %w", row.Provider, err)
	}
	return &row, nil
}

func (s *SQLiteStore) DeleteCredential(ctx context.Context, scope Scope, provider string) error {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return ErrNotFound
	}

	var affected int64
	err := s.db.Write(ctx, func() error {
		result, err := s.db.DB.ExecContext(ctx,
			"DELETE FROM provider_credentials WHERE user_id = ? AND db_config_id = ? AND provider = ?",
			scope.UserID, scope.DBConfigID, provider)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete credential for %q: %w", provider, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func normalizeCredential(in Credential) Credential {
	row := in
	now := time.Now().UTC()

	row.Provider = strings.TrimSpace(row.Provider)
	row.APIKey = strings.TrimSpace(row.APIKey)
	row.BaseURL = strings.TrimSpace(row.BaseURL)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	return row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredentialRow(scanner rowScanner, parseTime func(string) (time.Time, error)) (*Credential, error) {
	var (
		item          Credential
		baseURL       sql.NullString
		createdAtText sql.NullString
		updatedAtText sql.NullString
	)
	if err := scanner.Scan(
		&item.UserID,
		&item.DBConfigID,
		&item.Provider,
		&item.APIKey,
		&baseURL,
		&createdAtText,
		&updatedAtText,
	); err != nil {
		return nil, err
	}
	if baseURL.Valid {
		item.BaseURL = baseURL.String
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
