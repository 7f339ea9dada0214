package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore reads keys users saved on the settings page. It never writes.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetByUser(ctx context.Context, userID string) (Credentials, error) {
	query := `
		SELECT COALESCE(gemini_api_key, ''), COALESCE(openrouter_api_key, '')
		FROM user_settings
		WHERE user_id = $1
	`

	var c Credentials
	err := s.db.QueryRow(ctx, query, userID).Scan(&c.PrimaryKey, &c.FallbackKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credentials{}, ErrNotFound
		}
		return Credentials{}, fmt.Errorf("failed to get user credentials: %w", err)
	}

	c.PrimaryKey = strings.TrimSpace(c.PrimaryKey)
	c.FallbackKey = strings.TrimSpace(c.FallbackKey)
	return c, nil
}
