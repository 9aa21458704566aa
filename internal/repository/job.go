package repository

import (
	"context"
	"errors"

	"bitlynq/internal/domain"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// JobRepository exposes persistence operations for jobs keyed by info hash.
type JobRepository interface {
	Init(ctx context.Context) error
	// Upsert inserts or refreshes a job. Existing added_at and completed_at
	// values are preserved and metadata is merged.
	Upsert(ctx context.Context, job *domain.Job) error
	// UpdateStatus sets the status and, when non-nil, progress and error
	// message. completed_at is stamped on the first transition into a
	// finished state only.
	UpdateStatus(ctx context.Context, hash string, status domain.JobStatus, progress *float64, errorMessage *string) error
	UpdateInfo(ctx context.Context, hash, name string, size int64) error
	UpdatePriority(ctx context.Context, hash string, priority int) error
	MergeMetadata(ctx context.Context, hash string, patch domain.Metadata) error
	// Delete removes the job and everything that references it.
	Delete(ctx context.Context, hash string) error
	Get(ctx context.Context, hash string) (*domain.Job, error)
	List(ctx context.Context) ([]domain.Job, error)
}

// JobFileRepository manages per-job file manifests.
type JobFileRepository interface {
	Init(ctx context.Context) error
	ReplaceForJob(ctx context.Context, hash string, files []domain.JobFile) error
	ListByJob(ctx context.Context, hash string) ([]domain.JobFile, error)
}

// ResumeStateRepository stores opaque engine resume snapshots.
type ResumeStateRepository interface {
	Init(ctx context.Context) error
	Save(ctx context.Context, hash string, data []byte) error
	Get(ctx context.Context, hash string) ([]byte, error)
}
