package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bitlynq/internal/domain"
	"bitlynq/internal/repository"
)

const createUploadRecordsTable = `
CREATE TABLE IF NOT EXISTS upload_records (
	id TEXT PRIMARY KEY,
	job_hash TEXT NOT NULL,
	job_name TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL,
	location TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	FOREIGN KEY(job_hash) REFERENCES jobs(hash) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_upload_records_job_hash ON upload_records(job_hash);
`

type UploadRecordRepository struct {
	db *sql.DB
}

func NewUploadRecordRepository(db *sql.DB) repository.UploadRecordRepository {
	return &UploadRecordRepository{db: db}
}

func (r *UploadRecordRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createUploadRecordsTable); err != nil {
		return fmt.Errorf("create upload_records table: %w", err)
	}
	return nil
}

func (r *UploadRecordRepository) Create(ctx context.Context, record *domain.UploadRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO upload_records (id, job_hash, job_name, provider, location, size, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.JobHash,
		record.JobName,
		record.Provider,
		record.Location,
		record.Size,
		record.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert upload record: %w", err)
	}
	return nil
}

func (r *UploadRecordRepository) ListByJob(ctx context.Context, hash string) ([]domain.UploadRecord, error) {
	return r.query(ctx, `
SELECT id, job_hash, job_name, provider, location, size, created_at
FROM upload_records
WHERE job_hash=?
ORDER BY created_at DESC`, hash)
}

func (r *UploadRecordRepository) List(ctx context.Context) ([]domain.UploadRecord, error) {
	return r.query(ctx, `
SELECT id, job_hash, job_name, provider, location, size, created_at
FROM upload_records
ORDER BY created_at DESC`)
}

func (r *UploadRecordRepository) query(ctx context.Context, query string, args ...any) ([]domain.UploadRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query upload records: %w", err)
	}
	defer rows.Close()

	var records []domain.UploadRecord
	for rows.Next() {
		var (
			rec       domain.UploadRecord
			createdAt time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.JobHash, &rec.JobName, &rec.Provider, &rec.Location, &rec.Size, &createdAt); err != nil {
			return nil, fmt.Errorf("scan upload record: %w", err)
		}
		rec.CreatedAt = createdAt.Local()
		records = append(records, rec)
	}
	return records, rows.Err()
}
