package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/openground/openground/internal/storage"
)

// PostgresStore persists credentials in the shared postgres database.
type PostgresStore struct {
	db *storage.Postgres
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *storage.Postgres) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetCredential(ctx context.Context, scope Scope, provider string) (*Credential, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return nil, ErrNotFound
	}

	row := s.db.DB.QueryRowContext(ctx, `
SELECT user_id, db_config_id, provider, api_key, base_url, created_at, updated_at
FROM provider_credentials
WHERE user_id = $1 AND db_config_id = $2 AND provider = $3
LIMIT 1`, scope.UserID, scope.DBConfigID, provider)
	item, err := scanPostgresCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get credential for %q: %w", provider, err)
	}
	return item, nil
}

func (s *PostgresStore) ListCredentials(ctx context.Context, scope Scope) ([]Credential, error) {
	rows, err := s.db.DB.QueryContext(ctx, `
SELECT user_id, db_config_id, provider, api_key, base_url, created_at, updated_at
FROM provider_credentials
WHERE user_id = $1 AND db_config_id = $2
ORDER BY provider ASC`, scope.UserID, scope.DBConfigID)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	items := make([]Credential, 0)
	for rows.Next() {
		item, err := scanPostgresCredential(rows)
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

func (s *PostgresStore) PutCredential(ctx context.Context, credential Credential) (*Credential, error) {
	if err := validateCredential(credential); err != nil {
		return nil, err
	}

	row := normalizeCredential(credential)
	_, err := s.db.DB.ExecContext(ctx, `
INSERT INTO provider_credentials (user_id, db_config_id, provider, api_key, base_url, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id, db_config_id, provider)
DO UPDATE SET api_key = EXCLUDED.api_key, base_url = EXCLUDED.base_url, updated_at = EXCLUDED.updated_at`,
		row.UserID, row.DBConfigID, row.Provider, row.APIKey, row.BaseURL, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("put credential for %q: %w", row.Provider, err)
	}
	return &row, nil
}

func (s *PostgresStore) DeleteCredential(ctx context.Context, scope Scope, provider string) error {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return ErrNotFound
	}

	result, err := s.db.DB.ExecContext(ctx,
		"DELETE FROM provider_credentials WHERE user_id = $1 AND db_config_id = $2 AND provider = $3",
		scope.UserID, scope.DBConfigID, provider)
	if err != nil {
		return fmt.Errorf("delete credential for %q: %w", provider, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete credential for %q: %w", provider, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPostgresCredential(scanner rowScanner) (*Credential, error) {
	var (
		item      Credential
		baseURL   sql.NullString
		createdAt sql.NullTime
		updatedAt sql.NullTime
	)
	if err := scanner.Scan(
		&item.UserID,
		&item.DBConfigID,
		&item.Provider,
		&item.APIKey,
		&baseURL,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	if baseURL.Valid {
		item.BaseURL = baseURL.String
	}
	if createdAt.Valid {
		item.CreatedAt = createdAt.Time.UTC()
	}
	if updatedAt.Valid {
		item.UpdatedAt = updatedAt.Time.UTC()
	}
	return &item, nil
}
