package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"bitlynq/internal/domain"
	"bitlynq/internal/repository"
	"bitlynq/internal/storage"
)

var (
	// ErrStorageDisabled is returned when no object storage is configured.
	ErrStorageDisabled = errors.New("object storage is not configured")
	// ErrJobNotFinished is returned when exporting a job whose payload is incomplete.
	ErrJobNotFinished = errors.New("job has not finished downloading")
)

// UploadService exports completed jobs to object storage and keeps the history.
type UploadService interface {
	Export(ctx context.Context, hash string) (*domain.UploadRecord, error)
	ListRecords(ctx context.Context, hash string) ([]domain.UploadRecord, error)
}

type UploadConfig struct {
	Bucket    string
	KeyPrefix string
	Logger    *logrus.Logger
}

type uploadService struct {
	cfg     UploadConfig
	jobs    JobService
	records repository.UploadRecordRepository
	storage storage.Service
}

// NewUploadService builds the export service. store may be nil, in which
// case Export fails with ErrStorageDisabled.
func NewUploadService(cfg UploadConfig, jobs JobService, records repository.UploadRecordRepository, store storage.Service) UploadService {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &uploadService{
		cfg:     cfg,
		jobs:    jobs,
		records: records,
		storage: store,
	}
}

func (s *uploadService) Export(ctx context.Context, hash string) (*domain.UploadRecord, error) {
	if s.storage == nil || s.cfg.Bucket == "" {
		return nil, ErrStorageDisabled
	}
	job, err := s.jobs.GetJob(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !job.Status.Finished() {
		return nil, ErrJobNotFinished
	}

	localPath := filepath.Join(job.SavePath, job.Name)
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("local data missing: %w", err)
	}

	logger := s.cfg.Logger.WithField("job", hash)
	opts := storage.UploadOptions{
		Bucket:           s.cfg.Bucket,
		KeyPrefix:        path.Join(strings.Trim(s.cfg.KeyPrefix, "/"), hash),
		ProgressCallback: newUploadProgressLogger(logger),
	}

	logger.Infof("upload started from %s", localPath)
	location, err := s.storage.Upload(ctx, localPath, opts)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	size := job.Size
	if !info.IsDir() {
		size = info.Size()
	}
	record := &domain.UploadRecord{
		JobHash:  hash,
		JobName:  job.Name,
		Provider: "s3",
		Location: location,
		Size:     size,
	}
	if err := s.records.Create(ctx, record); err != nil {
		return nil, err
	}
	logger.Infof("job uploaded to %s", location)
	return record, nil
}

func (s *uploadService) ListRecords(ctx context.Context, hash string) ([]domain.UploadRecord, error) {
	if hash == "" {
		return s.records.List(ctx)
	}
	return s.records.ListByJob(ctx, hash)
}

func newUploadProgressLogger(logger *logrus.Entry) func(done, total int64) {
	var lastLog time.Time
	return func(done, total int64) {
		now := time.Now()
		if now.Sub(lastLog) < 500*time.Millisecond && done != total {
			return
		}
		lastLog = now
		if total == 0 {
			logger.Infof("upload progress: %s uploaded", humanize.IBytes(uint64(done)))
			return
		}
		percent := float64(done) / float64(total) * 100
		logger.Infof("upload progress: %.1f%% (%s/%s)", percent, humanize.IBytes(uint64(done)), humanize.IBytes(uint64(total)))
	}
}
