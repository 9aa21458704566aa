package repository

import (
	"context"

	"bitlynq/internal/domain"
)

// SettingsRepository is a key/value store for JSON encoded settings.
type SettingsRepository interface {
	Init(ctx context.Context) error
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// UploadRecordRepository keeps the export history of completed jobs.
type UploadRecordRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, record *domain.UploadRecord) error
	ListByJob(ctx context.Context, hash string) ([]domain.UploadRecord, error)
	List(ctx context.Context) ([]domain.UploadRecord, error)
}
