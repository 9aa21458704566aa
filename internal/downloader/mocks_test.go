package downloader

import (
	"context"
	"sort"
	"sync"
	"time"

	"bitlynq/internal/domain"
	"bitlynq/internal/engine"
)

// manualClock only moves when the test advances it.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// MockJobStore is an in-memory JobService that records calls.
type MockJobStore struct {
	mu          sync.Mutex
	jobs        map[string]*domain.Job
	resume      map[string][]byte
	removeCalls map[string]int
	statusLog   map[string][]domain.JobStatus
	updateError error
	// beforeStatus runs ahead of every status write, outside the store lock.
	beforeStatus func(hash string, status domain.JobStatus)
}

func NewMockJobStore() *MockJobStore {
	return &MockJobStore{
		jobs:        make(map[string]*domain.Job),
		resume:      make(map[string][]byte),
		removeCalls: make(map[string]int),
		statusLog:   make(map[string][]domain.JobStatus),
	}
}

func cloneJob(j *domain.Job) *domain.Job {
	out := *j
	out.Metadata = domain.Metadata{}.Merge(j.Metadata)
	out.Files = append([]domain.JobFile(nil), j.Files...)
	return &out
}

func (s *MockJobStore) AddJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneJob(job)
	if prev, ok := s.jobs[job.Hash]; ok {
		stored.AddedAt = prev.AddedAt
		stored.CompletedAt = prev.CompletedAt
		stored.Metadata = prev.Metadata.Merge(job.Metadata)
	}
	if stored.AddedAt.IsZero() {
		stored.AddedAt = time.Now()
	}
	s.jobs[job.Hash] = stored
	return nil
}

func (s *MockJobStore) UpdateStatus(_ context.Context, hash string, status domain.JobStatus, progress *float64) error {
	s.mu.Lock()
	hook := s.beforeStatus
	s.mu.Unlock()
	if hook != nil {
		hook(hash, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateError != nil {
		return s.updateError
	}
	job, ok := s.jobs[hash]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Status = status
	if progress != nil {
		job.Progress = *progress
	}
	if status.Finished() && job.CompletedAt == nil {
		now := time.Now()
		job.CompletedAt = &now
	}
	s.statusLog[hash] = append(s.statusLog[hash], status)
	return nil
}

func (s *MockJobStore) SetError(_ context.Context, hash, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[hash]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Status = domain.JobStatusError
	job.ErrorMessage = message
	s.statusLog[hash] = append(s.statusLog[hash], domain.JobStatusError)
	return nil
}

func (s *MockJobStore) UpdateInfo(_ context.Context, hash, name string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[hash]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Name = name
	job.Size = size
	return nil
}

func (s *MockJobStore) UpdatePriority(_ context.Context, hash string, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[hash]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Priority = priority
	return nil
}

func (s *MockJobStore) UpdateMetadata(_ context.Context, hash string, patch domain.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateError != nil {
		return s.updateError
	}
	job, ok := s.jobs[hash]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Metadata = job.Metadata.Merge(patch)
	return nil
}

func (s *MockJobStore) ReplaceFiles(_ context.Context, hash string, files []domain.JobFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[hash]; ok {
		job.Files = append([]domain.JobFile(nil), files...)
	}
	return nil
}

func (s *MockJobStore) GetJob(_ context.Context, hash string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[hash]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	out := cloneJob(job)
	out.PromoteMetadata()
	return out, nil
}

func (s *MockJobStore) ListJobs(_ context.Context) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out, nil
}

func (s *MockJobStore) RemoveJob(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeCalls[hash]++
	if _, ok := s.jobs[hash]; !ok {
		return domain.ErrJobNotFound
	}
	delete(s.jobs, hash)
	delete(s.resume, hash)
	return nil
}

func (s *MockJobStore) SaveResumeState(_ context.Context, hash string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resume[hash] = append([]byte(nil), data...)
	return nil
}

func (s *MockJobStore) GetResumeState(_ context.Context, hash string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resume[hash], nil
}

func (s *MockJobStore) RemoveCalls(hash string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeCalls[hash]
}

func (s *MockJobStore) StatusLog(hash string) []domain.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.JobStatus(nil), s.statusLog[hash]...)
}

func (s *MockJobStore) SetBeforeStatus(fn func(hash string, status domain.JobStatus)) {
	s.mu.Lock()
	s.beforeStatus = fn
	s.mu.Unlock()
}

func (s *MockJobStore) SetUpdateError(err error) {
	s.mu.Lock()
	s.updateError = err
	s.mu.Unlock()
}

// MockSettingsStore keeps the last saved snapshot.
type MockSettingsStore struct {
	mu    sync.Mutex
	saved *domain.Settings
	saves int
}

func (s *MockSettingsStore) Load(_ context.Context, defaults domain.Settings) (domain.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		return defaults, nil
	}
	return *s.saved, nil
}

func (s *MockSettingsStore) Save(_ context.Context, settings domain.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = &settings
	s.saves++
	return nil
}

// recordingAdapter wraps a real adapter, records settings submissions and
// lets tests inject events ahead of the engine's own.
type recordingAdapter struct {
	engine.Adapter

	mu       sync.Mutex
	applied  []engine.SessionSettings
	injected []engine.Event
	closed   int
	waits    int
}

func (a *recordingAdapter) ApplySettings(s engine.SessionSettings) (engine.ApplyReport, error) {
	a.mu.Lock()
	a.applied = append(a.applied, s)
	a.mu.Unlock()
	return a.Adapter.ApplySettings(s)
}

func (a *recordingAdapter) PollEvents() []engine.Event {
	a.mu.Lock()
	extra := a.injected
	a.injected = nil
	a.mu.Unlock()
	return append(extra, a.Adapter.PollEvents()...)
}

func (a *recordingAdapter) WaitMetadata(ctx context.Context, h engine.Handle) error {
	a.mu.Lock()
	a.waits++
	a.mu.Unlock()
	return a.Adapter.WaitMetadata(ctx, h)
}

func (a *recordingAdapter) Waits() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.waits
}

func (a *recordingAdapter) Close() error {
	a.mu.Lock()
	a.closed++
	a.mu.Unlock()
	return a.Adapter.Close()
}

func (a *recordingAdapter) Inject(events ...engine.Event) {
	a.mu.Lock()
	a.injected = append(a.injected, events...)
	a.mu.Unlock()
}

func (a *recordingAdapter) Applied() []engine.SessionSettings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]engine.SessionSettings(nil), a.applied...)
}
