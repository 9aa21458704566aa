package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bitlynq/internal/repository"
)

const createSettingsTable = `
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
`

type SettingsRepository struct {
	db *sql.DB
}

func NewSettingsRepository(db *sql.DB) repository.SettingsRepository {
	return &SettingsRepository{db: db}
}

func (r *SettingsRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createSettingsTable); err != nil {
		return fmt.Errorf("create settings table: %w", err)
	}
	return nil
}

func (r *SettingsRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("load setting %s: %w", key, err)
	}
	return []byte(value), nil
}

func (r *SettingsRepository) Put(ctx context.Context, key string, value []byte) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO settings (key, value, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key,
		string(value),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	return nil
}
