package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"grepud/internal/errs"
)

// SQLStore keeps the token in the credentials table created by
// db.RunMigrations.
type SQLStore struct {
	db  *sql.DB
	key string
}

func NewSQLStore(db *sql.DB, key string) *SQLStore {
	return &SQLStore{db: db, key: key}
}

func (s *SQLStore) Get(ctx context.Context) (Credential, error) {
	var token string
	err := s.db.QueryRowContext(ctx, "SELECT token FROM credentials WHERE cred_key = ?", s.key).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return Absent(), nil
	}
	if err != nil {
		return Absent(), fmt.Errorf("database error: %w", err)
	}
	return Bearer(token), nil
}

func (s *SQLStore) Set(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errs.WrapInvalid(ErrEmptyToken)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO credentials (cred_key, token) VALUES (?, ?) ON DUPLICATE KEY UPDATE token = VALUES(token)",
		s.key, token,
	)
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

func (s *SQLStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM credentials WHERE cred_key = ?", s.key); err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	return nil
}
