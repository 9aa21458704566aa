package service

import (
	"context"
	"errors"
	"fmt"

	"bitlynq/internal/domain"
	"bitlynq/internal/repository"
)

// JobService is the persistent store used by the orchestrator and the
// control plane. Missing jobs surface as domain.ErrJobNotFound.
type JobService interface {
	AddJob(ctx context.Context, job *domain.Job) error
	UpdateStatus(ctx context.Context, hash string, status domain.JobStatus, progress *float64) error
	SetError(ctx context.Context, hash, message string) error
	UpdateInfo(ctx context.Context, hash, name string, size int64) error
	UpdatePriority(ctx context.Context, hash string, priority int) error
	UpdateMetadata(ctx context.Context, hash string, patch domain.Metadata) error
	ReplaceFiles(ctx context.Context, hash string, files []domain.JobFile) error
	GetJob(ctx context.Context, hash string) (*domain.Job, error)
	ListJobs(ctx context.Context) ([]domain.Job, error)
	RemoveJob(ctx context.Context, hash string) error
	SaveResumeState(ctx context.Context, hash string, data []byte) error
	GetResumeState(ctx context.Context, hash string) ([]byte, error)
}

type jobService struct {
	jobs   repository.JobRepository
	files  repository.JobFileRepository
	resume repository.ResumeStateRepository
}

func NewJobService(jobs repository.JobRepository, files repository.JobFileRepository, resume repository.ResumeStateRepository) JobService {
	return &jobService{
		jobs:   jobs,
		files:  files,
		resume: resume,
	}
}

func notFound(hash string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("job %s: %w", hash, domain.ErrJobNotFound)
	}
	return err
}

func (s *jobService) AddJob(ctx context.Context, job *domain.Job) error {
	if job == nil || job.Hash == "" {
		return errors.New("job hash is required")
	}
	if !job.Status.Valid() {
		return fmt.Errorf("invalid job status %q", job.Status)
	}
	if err := s.jobs.Upsert(ctx, job); err != nil {
		return err
	}
	if len(job.Files) > 0 {
		return s.files.ReplaceForJob(ctx, job.Hash, job.Files)
	}
	return nil
}

func (s *jobService) UpdateStatus(ctx context.Context, hash string, status domain.JobStatus, progress *float64) error {
	if !status.Valid() {
		return fmt.Errorf("invalid job status %q", status)
	}
	return notFound(hash, s.jobs.UpdateStatus(ctx, hash, status, progress, nil))
}

func (s *jobService) SetError(ctx context.Context, hash, message string) error {
	if err := s.jobs.UpdateStatus(ctx, hash, domain.JobStatusError, nil, &message); err != nil {
		return notFound(hash, err)
	}
	return notFound(hash, s.jobs.MergeMetadata(ctx, hash, domain.Metadata{domain.MetaError: message}))
}

func (s *jobService) UpdateInfo(ctx context.Context, hash, name string, size int64) error {
	return notFound(hash, s.jobs.UpdateInfo(ctx, hash, name, size))
}

func (s *jobService) UpdatePriority(ctx context.Context, hash string, priority int) error {
	return notFound(hash, s.jobs.UpdatePriority(ctx, hash, priority))
}

func (s *jobService) UpdateMetadata(ctx context.Context, hash string, patch domain.Metadata) error {
	if len(patch) == 0 {
		return nil
	}
	return notFound(hash, s.jobs.MergeMetadata(ctx, hash, patch))
}

func (s *jobService) ReplaceFiles(ctx context.Context, hash string, files []domain.JobFile) error {
	return s.files.ReplaceForJob(ctx, hash, files)
}

func (s *jobService) GetJob(ctx context.Context, hash string) (*domain.Job, error) {
	job, err := s.jobs.Get(ctx, hash)
	if err != nil {
		return nil, notFound(hash, err)
	}
	files, err := s.files.ListByJob(ctx, hash)
	if err != nil {
		return nil, err
	}
	job.Files = files
	return job, nil
}

func (s *jobService) ListJobs(ctx context.Context) ([]domain.Job, error) {
	jobs, err := s.jobs.List(ctx)
	if err != nil {
		return nil, err
	}

	for i := range jobs {
		files, err := s.files.ListByJob(ctx, jobs[i].Hash)
		if err != nil {
			return nil, err
		}
		jobs[i].Files = files
	}

	return jobs, nil
}

func (s *jobService) RemoveJob(ctx context.Context, hash string) error {
	return notFound(hash, s.jobs.Delete(ctx, hash))
}

func (s *jobService) SaveResumeState(ctx context.Context, hash string, data []byte) error {
	return s.resume.Save(ctx, hash, data)
}

// GetResumeState returns nil without error when no snapshot was saved.
func (s *jobService) GetResumeState(ctx context.Context, hash string) ([]byte, error) {
	data, err := s.resume.Get(ctx, hash)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return data, err
}
