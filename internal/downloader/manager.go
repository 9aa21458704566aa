package downloader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"bitlynq/internal/domain"
	"bitlynq/internal/engine"
	"bitlynq/internal/metrics"
	"bitlynq/internal/service"
)

var (
	ErrNotStarted      = errors.New("download manager not started")
	ErrInvalidPriority = errors.New("priority must be between 0 and 255")
	ErrInvalidSettings = errors.New("invalid settings")
	ErrNotSeeding      = errors.New("job must be seeding or completed to stop seeding")
)

// Manager owns the engine session and the job registry and is the only entry
// point for control-plane operations. Boolean operations report false with a
// nil error when the job id is unknown.
type Manager interface {
	Start(ctx context.Context) error
	Shutdown()

	RegisterByDescriptor(ctx context.Context, uri, savePath string) (*domain.Job, error)
	RegisterByFile(ctx context.Context, data []byte, filename, savePath string) (*domain.Job, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobs(ctx context.Context) ([]domain.Job, error)

	Pause(ctx context.Context, id string) (bool, error)
	Resume(ctx context.Context, id string) (bool, error)
	Remove(ctx context.Context, id string, deleteFiles bool) (bool, error)
	SetPriority(ctx context.Context, id string, priority int) (bool, error)
	Recheck(ctx context.Context, id string) (bool, error)
	StopSeeding(ctx context.Context, id string) (bool, error)

	UpdateSettings(ctx context.Context, s domain.Settings) error
	Settings() domain.Settings
	BandwidthStats() domain.BandwidthStats
	EngineKind() engine.Kind
}

// EngineFactory builds the adapter once at startup.
type EngineFactory func(engine.Config) (engine.Adapter, error)

type Config struct {
	DownloadRoot string
	Engine       engine.Config
	NewEngine    EngineFactory

	EventInterval time.Duration
	// ReconcileInterval overrides the per-engine default when non-zero.
	ReconcileInterval time.Duration
	FileRefreshEvery  int
	MetadataTimeout   time.Duration
	ShutdownTimeout   time.Duration

	DefaultSettings domain.Settings
	Logger          *logrus.Logger
}

type manager struct {
	cfg         Config
	jobs        service.JobService
	settingsSvc service.SettingsService
	reg         *registry
	log         *logrus.Logger

	mu       sync.RWMutex
	adapter  engine.Adapter
	settings domain.Settings

	// regMu serializes registration, removal and stop-seeding so that
	// concurrent callers for the same id observe a single winner.
	regMu sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	waiters sync.WaitGroup
	stopped sync.Once
}

func NewManager(cfg Config, jobs service.JobService, settings service.SettingsService) Manager {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.NewEngine == nil {
		cfg.NewEngine = engine.New
	}
	if cfg.EventInterval <= 0 {
		cfg.EventInterval = 100 * time.Millisecond
	}
	if cfg.FileRefreshEvery <= 0 {
		cfg.FileRefreshEvery = 5
	}
	if cfg.MetadataTimeout <= 0 {
		cfg.MetadataTimeout = 60 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.DefaultSettings == (domain.Settings{}) {
		cfg.DefaultSettings = domain.DefaultSettings()
	}
	if cfg.DownloadRoot == "" {
		cfg.DownloadRoot = cfg.DefaultSettings.DownloadPath
	}
	if cfg.Engine.Logger == nil {
		cfg.Engine.Logger = cfg.Logger
	}
	return &manager{
		cfg:         cfg,
		jobs:        jobs,
		settingsSvc: settings,
		reg:         newRegistry(),
		log:         cfg.Logger,
		settings:    cfg.DefaultSettings,
	}
}

func (m *manager) active() (engine.Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.adapter == nil {
		return nil, ErrNotStarted
	}
	return m.adapter, nil
}

func (m *manager) EngineKind() engine.Kind {
	adapter, err := m.active()
	if err != nil {
		return ""
	}
	return adapter.Kind()
}

func (m *manager) RegisterByDescriptor(ctx context.Context, uri, savePath string) (*domain.Job, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, fmt.Errorf("empty descriptor: %w", engine.ErrBadDescriptor)
	}
	return m.register(ctx, engine.Descriptor{URI: uri}, savePath)
}

func (m *manager) RegisterByFile(ctx context.Context, data []byte, filename, savePath string) (*domain.Job, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty torrent file: %w", engine.ErrBadDescriptor)
	}
	return m.register(ctx, engine.Descriptor{Torrent: data, FileName: filename}, savePath)
}

func (m *manager) savePathFor(requested string) string {
	if p := strings.TrimSpace(requested); p != "" {
		return p
	}
	if p := m.Settings().DownloadPath; p != "" {
		return p
	}
	return m.cfg.DownloadRoot
}

func (m *manager) register(ctx context.Context, d engine.Descriptor, savePath string) (*domain.Job, error) {
	adapter, err := m.active()
	if err != nil {
		return nil, err
	}
	id, name, err := d.Identity()
	if err != nil {
		return nil, err
	}
	logger := m.log.WithField("job", id)

	m.regMu.Lock()
	defer m.regMu.Unlock()

	if _, ok := m.reg.handle(id); ok {
		logger.Info("job already registered")
		return m.jobs.GetJob(ctx, id)
	}

	savePath = m.savePathFor(savePath)
	h, err := adapter.Add(ctx, d, savePath)
	if err != nil {
		return nil, fmt.Errorf("add job %s: %w", id, err)
	}

	snap, err := adapter.Status(h)
	if err != nil {
		logger.WithError(err).Debug("initial status unavailable")
		snap = engine.StatusSnapshot{ID: id, State: engine.StateQueued}
	}
	status := domain.JobStatusQueued
	if snap.State == engine.StateDownloading {
		status = domain.JobStatusDownloading
	}
	progress := domain.ClampProgress(snap.Progress)

	if err := m.reg.register(id, h, status, progress); err != nil {
		_ = adapter.Remove(h, false)
		return nil, fmt.Errorf("register job %s: %w", id, err)
	}

	job := &domain.Job{
		Hash:      id,
		Name:      engine.PlaceholderName(id),
		Status:    status,
		Progress:  progress,
		SavePath:  savePath,
		MagnetURI: d.URI,
		Metadata: domain.Metadata{
			domain.MetaEngine: string(adapter.Kind()),
		},
	}
	if name != "" {
		job.Name = name
	}
	if snap.HasMetadata {
		job.Name = snap.Name
		job.Size = snap.Size
		job.Files = filesFromSnapshot(snap.Files)
	}
	if job.MagnetURI == "" {
		job.MagnetURI = snap.MagnetURI
	}
	if d.FileName != "" {
		job.Metadata[domain.MetaSourceFile] = d.FileName
	}
	if existing, err := m.jobs.GetJob(ctx, id); err == nil && existing.Stopped() {
		// an explicit re-add lifts a previous permanent stop
		job.Metadata[domain.MetaStopped] = false
		job.Metadata[domain.MetaStoppedSeed] = false
		job.Metadata[domain.MetaManualStop] = false
	}

	if err := m.jobs.AddJob(ctx, job); err != nil {
		m.reg.take(id)
		if rmErr := adapter.Remove(h, false); rmErr != nil {
			logger.WithError(rmErr).Warn("roll back engine registration")
		}
		return nil, fmt.Errorf("persist job %s: %w", id, err)
	}

	metrics.JobsRegisteredTotal.WithLabelValues(string(adapter.Kind())).Inc()
	metrics.ActiveJobs.Set(float64(m.reg.len()))
	logger.WithFields(logrus.Fields{"name": job.Name, "save_path": savePath}).Info("job registered")

	if !snap.HasMetadata {
		m.waitMetadata(adapter, id, h)
	}
	return job, nil
}

// waitMetadata logs a warning when metadata does not arrive in time. The job
// stays registered in its placeholder state either way.
func (m *manager) waitMetadata(adapter engine.Adapter, id string, h engine.Handle) {
	// shutdown cancels under m.mu, so no waiter is added once it has begun
	// waiting for the others
	m.mu.RLock()
	parent := m.ctx
	if parent == nil || parent.Err() != nil {
		m.mu.RUnlock()
		return
	}
	m.waiters.Add(1)
	m.mu.RUnlock()

	go func() {
		defer m.waiters.Done()
		ctx, cancel := context.WithTimeout(parent, m.cfg.MetadataTimeout)
		defer cancel()

		err := adapter.WaitMetadata(ctx, h)
		switch {
		case err == nil:
			m.log.WithField("job", id).Debug("metadata received")
		case errors.Is(err, context.DeadlineExceeded):
			m.log.WithField("job", id).Warnf("metadata not received within %s, job stays queued", m.cfg.MetadataTimeout)
		case parent.Err() != nil, engine.IsInvalidHandle(err):
		default:
			m.log.WithField("job", id).WithError(err).Warn("wait for metadata")
		}
	}()
}

func (m *manager) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return m.jobs.GetJob(ctx, id)
}

func (m *manager) ListJobs(ctx context.Context) ([]domain.Job, error) {
	return m.jobs.ListJobs(ctx)
}

// lookup returns the adapter and handle for id. A missing id is not an error.
func (m *manager) lookup(id string) (engine.Adapter, engine.Handle, bool, error) {
	adapter, err := m.active()
	if err != nil {
		return nil, nil, false, err
	}
	h, ok := m.reg.handle(id)
	return adapter, h, ok, nil
}

// engineCall runs one engine operation and folds stale handles into "not found".
func engineCall(op, id string, call func() error) (bool, error) {
	if err := call(); err != nil {
		if engine.IsInvalidHandle(err) {
			return false, nil
		}
		return false, fmt.Errorf("%s job %s: %w", op, id, err)
	}
	return true, nil
}

func (m *manager) Pause(ctx context.Context, id string) (bool, error) {
	adapter, h, ok, err := m.lookup(id)
	if err != nil || !ok {
		return false, err
	}
	return engineCall("pause", id, func() error { return adapter.Pause(h) })
}

func (m *manager) Resume(ctx context.Context, id string) (bool, error) {
	adapter, h, ok, err := m.lookup(id)
	if err != nil || !ok {
		return false, err
	}
	return engineCall("resume", id, func() error { return adapter.Resume(h) })
}

func (m *manager) SetPriority(ctx context.Context, id string, priority int) (bool, error) {
	if priority < 0 || priority > 255 {
		return false, ErrInvalidPriority
	}
	adapter, h, ok, err := m.lookup(id)
	if err != nil || !ok {
		return false, err
	}
	if !adapter.Capabilities().FilePriority {
		m.log.WithField("job", id).Debug("engine ignores priorities, recording only")
	} else if ok, err := engineCall("set priority", id, func() error { return adapter.SetPriority(h, uint8(priority)) }); !ok {
		return false, err
	}
	if err := m.jobs.UpdatePriority(ctx, id, priority); err != nil {
		m.storeError("update_priority", id, err)
	}
	return true, nil
}

// Recheck verifies local data again. It is the explicit way out of Error.
func (m *manager) Recheck(ctx context.Context, id string) (bool, error) {
	adapter, h, ok, err := m.lookup(id)
	if err != nil || !ok {
		return false, err
	}
	if !adapter.Capabilities().Recheck {
		m.log.WithField("job", id).Warn("engine does not support recheck")
		return false, engine.ErrUnsupported
	}
	if ok, err := engineCall("recheck", id, func() error { return adapter.Recheck(h) }); !ok {
		return false, err
	}
	if m.reg.resetLatches(id) {
		if err := m.jobs.UpdateStatus(ctx, id, domain.JobStatusChecking, nil); err != nil {
			m.storeError("update_status", id, err)
		}
	}
	m.log.WithField("job", id).Info("recheck requested")
	return true, nil
}

func (m *manager) Remove(ctx context.Context, id string, deleteFiles bool) (bool, error) {
	adapter, err := m.active()
	if err != nil {
		return false, err
	}
	logger := m.log.WithField("job", id)

	m.regMu.Lock()
	defer m.regMu.Unlock()

	job, err := m.jobs.GetJob(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
		return false, err
	}

	h, registered := m.reg.take(id)
	if !registered && job == nil {
		return false, nil
	}
	if registered {
		metrics.ActiveJobs.Set(float64(m.reg.len()))
		if err := adapter.Remove(h, deleteFiles); err != nil && !engine.IsInvalidHandle(err) {
			logger.WithError(err).Warn("engine remove failed")
		}
	} else if deleteFiles {
		for _, warning := range removeLocalData(job) {
			logger.Warn(warning)
		}
	}

	if job != nil {
		if err := m.jobs.RemoveJob(ctx, id); err != nil && !errors.Is(err, domain.ErrJobNotFound) {
			return false, fmt.Errorf("remove job %s: %w", id, err)
		}
	}
	logger.WithField("delete_files", deleteFiles).Info("job removed")
	return true, nil
}

// StopSeeding drops a finished job from the engine for good. The job stays
// queryable as Completed and is never resumed on restart.
func (m *manager) StopSeeding(ctx context.Context, id string) (bool, error) {
	adapter, err := m.active()
	if err != nil {
		return false, err
	}

	m.regMu.Lock()
	defer m.regMu.Unlock()

	status, _, ok := m.reg.status(id)
	if !ok {
		return false, nil
	}
	if !status.Finished() {
		return false, fmt.Errorf("%w: current status %s", ErrNotSeeding, status)
	}

	h, _ := m.reg.take(id)
	metrics.ActiveJobs.Set(float64(m.reg.len()))
	if err := adapter.Remove(h, false); err != nil && !engine.IsInvalidHandle(err) {
		m.log.WithField("job", id).WithError(err).Warn("engine remove failed, pausing instead")
		_ = adapter.Pause(h)
	}

	progress := 100.0
	if err := m.jobs.UpdateStatus(ctx, id, domain.JobStatusCompleted, &progress); err != nil {
		m.storeError("update_status", id, err)
	}
	patch := domain.Metadata{
		domain.MetaStopped:     true,
		domain.MetaStoppedSeed: true,
		domain.MetaManualStop:  true,
		domain.MetaStoppedTime: time.Now().UTC().Format(time.RFC3339),
		domain.MetaUploadRate:  0,
		domain.MetaPeers:       0,
		domain.MetaSeeds:       0,
	}
	if err := m.jobs.UpdateMetadata(ctx, id, patch); err != nil {
		m.storeError("update_metadata", id, err)
	}
	m.log.WithField("job", id).Info("seeding stopped permanently")
	return true, nil
}

func (m *manager) BandwidthStats() domain.BandwidthStats {
	adapter, err := m.active()
	if err != nil {
		return domain.BandwidthStats{}
	}
	s := adapter.SessionStats()
	return domain.BandwidthStats{
		DownloadRate:    s.DownloadRate,
		UploadRate:      s.UploadRate,
		TotalDownloaded: s.TotalDownloaded,
		TotalUploaded:   s.TotalUploaded,
	}
}

// holdJob blocks removal and stop-seeding while a loop pass writes state for
// id. It fails once id is unregistered or bound to another handle than h; a
// nil h matches any handle.
func (m *manager) holdJob(id string, h engine.Handle) (release func(), ok bool) {
	m.regMu.Lock()
	cur, ok := m.reg.handle(id)
	if !ok || (h != nil && cur != h) {
		m.regMu.Unlock()
		return nil, false
	}
	return m.regMu.Unlock, true
}

func (m *manager) storeError(op, id string, err error) {
	metrics.StoreWriteErrorsTotal.WithLabelValues(op).Inc()
	m.log.WithFields(logrus.Fields{"job": id, "operation": op}).WithError(err).Warn("store write failed")
}

func filesFromSnapshot(in []engine.FileStatus) []domain.JobFile {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.JobFile, len(in))
	for i, f := range in {
		out[i] = domain.JobFile{
			Index:    f.Index,
			Path:     f.Path,
			Size:     f.Size,
			Progress: domain.ClampProgress(f.Progress),
		}
	}
	return out
}

var _ Manager = (*manager)(nil)
