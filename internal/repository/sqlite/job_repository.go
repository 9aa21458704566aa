package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitlynq/internal/domain"
	"bitlynq/internal/repository"
)

const (
	createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
	hash TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	progress REAL NOT NULL DEFAULT 0,
	save_path TEXT NOT NULL DEFAULT '',
	magnet_uri TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	added_at DATETIME NOT NULL,
	completed_at DATETIME NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`

	selectJobColumns = `
SELECT hash, name, size, status, progress, save_path, magnet_uri, priority, error_message, metadata, added_at, completed_at, updated_at
FROM jobs`
)

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) repository.JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createJobsTable); err != nil {
		return fmt.Errorf("create jobs table: %w", err)
	}
	if err := r.ensureJobColumns(ctx); err != nil {
		return err
	}
	return nil
}

// ensureJobColumns adds columns introduced after the first schema.
func (r *JobRepository) ensureJobColumns(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `PRAGMA table_info(jobs)`)
	if err != nil {
		return fmt.Errorf("describe jobs table: %w", err)
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan pragma table info: %w", err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pragma table info: %w", err)
	}
	rows.Close()

	addColumn := func(name, statement string) error {
		if _, exists := columns[name]; exists {
			return nil
		}
		if _, err := r.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("add column %s: %w", name, err)
		}
		return nil
	}

	if err := addColumn("priority", `ALTER TABLE jobs ADD COLUMN priority INTEGER NOT NULL DEFAULT 0`); err != nil {
		return err
	}
	if err := addColumn("error_message", `ALTER TABLE jobs ADD COLUMN error_message TEXT NOT NULL DEFAULT ''`); err != nil {
		return err
	}
	return nil
}

func (r *JobRepository) Upsert(ctx context.Context, job *domain.Job) error {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var (
		rawMeta     string
		addedAt     time.Time
		completedAt sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `SELECT metadata, added_at, completed_at FROM jobs WHERE hash=?`, job.Hash).
		Scan(&rawMeta, &addedAt, &completedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if job.AddedAt.IsZero() {
			job.AddedAt = now
		}
		meta, err := encodeMetadata(job.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO jobs (hash, name, size, status, progress, save_path, magnet_uri, priority, error_message, metadata, added_at, completed_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.Hash,
			job.Name,
			job.Size,
			string(job.Status),
			domain.ClampProgress(job.Progress),
			job.SavePath,
			job.MagnetURI,
			job.Priority,
			job.ErrorMessage,
			meta,
			job.AddedAt.UTC(),
			nullTime(job.CompletedAt),
			now,
		); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
	case err != nil:
		return fmt.Errorf("load job: %w", err)
	default:
		existing, err := decodeMetadata(rawMeta)
		if err != nil {
			return err
		}
		meta, err := encodeMetadata(existing.Merge(job.Metadata))
		if err != nil {
			return err
		}
		job.AddedAt = addedAt.Local()
		if completedAt.Valid {
			t := completedAt.Time.Local()
			job.CompletedAt = &t
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE jobs
SET name=?, size=?, status=?, progress=?, save_path=?, magnet_uri=?, priority=?, error_message=?, metadata=?, completed_at=?, updated_at=?
WHERE hash=?`,
			job.Name,
			job.Size,
			string(job.Status),
			domain.ClampProgress(job.Progress),
			job.SavePath,
			job.MagnetURI,
			job.Priority,
			job.ErrorMessage,
			meta,
			nullTime(job.CompletedAt),
			now,
			job.Hash,
		); err != nil {
			return fmt.Errorf("update job: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job upsert: %w", err)
	}
	job.UpdatedAt = now
	return nil
}

func (r *JobRepository) UpdateStatus(ctx context.Context, hash string, status domain.JobStatus, progress *float64, errorMessage *string) error {
	now := time.Now().UTC()

	var progressArg, messageArg any
	if progress != nil {
		progressArg = domain.ClampProgress(*progress)
	}
	switch {
	case errorMessage != nil:
		messageArg = *errorMessage
	case status != domain.JobStatusError:
		messageArg = ""
	}

	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET status=?,
	progress=COALESCE(?, progress),
	error_message=COALESCE(?, error_message),
	completed_at=CASE WHEN ? AND completed_at IS NULL THEN ? ELSE completed_at END,
	updated_at=?
WHERE hash=?`,
		string(status),
		progressArg,
		messageArg,
		boolToInt(status.Finished()),
		now,
		now,
		hash,
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return requireAffected(res, "update job status")
}

func (r *JobRepository) UpdateInfo(ctx context.Context, hash, name string, size int64) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET name=?, size=?, updated_at=?
WHERE hash=?`,
		name,
		size,
		time.Now().UTC(),
		hash,
	)
	if err != nil {
		return fmt.Errorf("update job info: %w", err)
	}
	return requireAffected(res, "update job info")
}

func (r *JobRepository) UpdatePriority(ctx context.Context, hash string, priority int) error {
	res, err := r.db.ExecContext(ctx, `UPDATE jobs SET priority=?, updated_at=? WHERE hash=?`,
		priority,
		time.Now().UTC(),
		hash,
	)
	if err != nil {
		return fmt.Errorf("update job priority: %w", err)
	}
	return requireAffected(res, "update job priority")
}

func (r *JobRepository) MergeMetadata(ctx context.Context, hash string, patch domain.Metadata) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT metadata FROM jobs WHERE hash=?`, hash).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("merge metadata %s: %w", hash, repository.ErrNotFound)
		}
		return fmt.Errorf("load metadata: %w", err)
	}
	existing, err := decodeMetadata(raw)
	if err != nil {
		return err
	}
	merged, err := encodeMetadata(existing.Merge(patch))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET metadata=?, updated_at=? WHERE hash=?`, merged, time.Now().UTC(), hash); err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metadata merge: %w", err)
	}
	return nil
}

func (r *JobRepository) Delete(ctx context.Context, hash string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []struct{ label, query string }{
		{"job files", `DELETE FROM job_files WHERE job_hash=?`},
		{"resume state", `DELETE FROM resume_states WHERE job_hash=?`},
		{"upload records", `DELETE FROM upload_records WHERE job_hash=?`},
	} {
		if _, err := tx.ExecContext(ctx, stmt.query, hash); err != nil {
			return fmt.Errorf("delete %s: %w", stmt.label, err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE hash=?`, hash)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if err := requireAffected(res, "delete job"); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job delete: %w", err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, hash string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, selectJobColumns+`
WHERE hash=?`, hash)
	return scanJob(row)
}

func (r *JobRepository) List(ctx context.Context) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, selectJobColumns+`
ORDER BY added_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}

	return jobs, rows.Err()
}

func scanJob(scanner interface {
	Scan(dest ...any) error
}) (*domain.Job, error) {
	var (
		job         domain.Job
		status      string
		rawMeta     string
		addedAt     time.Time
		updatedAt   time.Time
		completedAt sql.NullTime
	)

	if err := scanner.Scan(
		&job.Hash,
		&job.Name,
		&job.Size,
		&status,
		&job.Progress,
		&job.SavePath,
		&job.MagnetURI,
		&job.Priority,
		&job.ErrorMessage,
		&rawMeta,
		&addedAt,
		&completedAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	meta, err := decodeMetadata(rawMeta)
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	job.Metadata = meta
	job.AddedAt = addedAt.Local()
	job.UpdatedAt = updatedAt.Local()
	if completedAt.Valid {
		t := completedAt.Time.Local()
		job.CompletedAt = &t
	}
	job.PromoteMetadata()

	return &job, nil
}

func encodeMetadata(m domain.Metadata) (string, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}

func decodeMetadata(raw string) (domain.Metadata, error) {
	meta := domain.Metadata{}
	if raw == "" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}

func requireAffected(res sql.Result, op string) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if aff == 0 {
		return fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
