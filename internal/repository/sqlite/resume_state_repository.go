package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bitlynq/internal/repository"
)

const createResumeStatesTable = `
CREATE TABLE IF NOT EXISTS resume_states (
	job_hash TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	saved_at DATETIME NOT NULL,
	FOREIGN KEY(job_hash) REFERENCES jobs(hash) ON DELETE CASCADE
);
`

type ResumeStateRepository struct {
	db *sql.DB
}

func NewResumeStateRepository(db *sql.DB) repository.ResumeStateRepository {
	return &ResumeStateRepository{db: db}
}

func (r *ResumeStateRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createResumeStatesTable); err != nil {
		return fmt.Errorf("create resume_states table: %w", err)
	}
	return nil
}

func (r *ResumeStateRepository) Save(ctx context.Context, hash string, data []byte) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO resume_states (job_hash, data, saved_at)
VALUES (?, ?, ?)
ON CONFLICT(job_hash) DO UPDATE SET data=excluded.data, saved_at=excluded.saved_at`,
		hash,
		data,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save resume state: %w", err)
	}
	return nil
}

func (r *ResumeStateRepository) Get(ctx context.Context, hash string) ([]byte, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx, `SELECT data FROM resume_states WHERE job_hash=?`, hash).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("load resume state: %w", err)
	}
	return data, nil
}
