package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"bitlynq/internal/domain"
	"bitlynq/internal/repository"
)

const createJobFilesTable = `
CREATE TABLE IF NOT EXISTS job_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_hash TEXT NOT NULL,
	file_index INTEGER NOT NULL,
	path TEXT NOT NULL,
	size INTEGER NOT NULL,
	progress REAL NOT NULL DEFAULT 0,
	FOREIGN KEY(job_hash) REFERENCES jobs(hash) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_job_files_job_hash ON job_files(job_hash);
`

type JobFileRepository struct {
	db *sql.DB
}

func NewJobFileRepository(db *sql.DB) repository.JobFileRepository {
	return &JobFileRepository{db: db}
}

func (r *JobFileRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createJobFilesTable); err != nil {
		return fmt.Errorf("create job_files table: %w", err)
	}
	return nil
}

func (r *JobFileRepository) ReplaceForJob(ctx context.Context, hash string, files []domain.JobFile) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_files WHERE job_hash=?`, hash); err != nil {
		return fmt.Errorf("delete files: %w", err)
	}

	for _, file := range files {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO job_files (job_hash, file_index, path, size, progress)
VALUES (?, ?, ?, ?, ?)`,
			hash,
			file.Index,
			file.Path,
			file.Size,
			domain.ClampProgress(file.Progress),
		); err != nil {
			return fmt.Errorf("insert file: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *JobFileRepository) ListByJob(ctx context.Context, hash string) ([]domain.JobFile, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT file_index, path, size, progress
FROM job_files
WHERE job_hash=?
ORDER BY file_index ASC`, hash)
	if err != nil {
		return nil, fmt.Errorf("query job files: %w", err)
	}
	defer rows.Close()

	var files []domain.JobFile
	for rows.Next() {
		var file domain.JobFile
		if err := rows.Scan(&file.Index, &file.Path, &file.Size, &file.Progress); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, file)
	}

	return files, rows.Err()
}
