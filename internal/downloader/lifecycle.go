package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"bitlynq/internal/domain"
	"bitlynq/internal/engine"
	"bitlynq/internal/metrics"
)

// Start initialises the engine, starts the event and reconcile loops and
// re-registers persisted jobs that were not stopped.
func (m *manager) Start(ctx context.Context) error {
	if err := os.MkdirAll(m.cfg.DownloadRoot, 0o755); err != nil {
		return fmt.Errorf("create download root: %w", err)
	}

	settings, err := m.settingsSvc.Load(ctx, m.cfg.DefaultSettings)
	if err != nil {
		m.log.WithError(err).Warn("load persisted settings, using defaults")
		settings = m.cfg.DefaultSettings
	}

	engineCfg := m.cfg.Engine
	engineCfg.Live.Initial = buildSessionSettings(settings)
	if engineCfg.Live.DataDir == "" {
		engineCfg.Live.DataDir = m.cfg.DownloadRoot
	}
	adapter, err := m.cfg.NewEngine(engineCfg)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	if err := m.applySettings(adapter, settings); err != nil {
		m.log.WithError(err).Warn("initial settings not applied")
	}
	metrics.EngineInfo.WithLabelValues(string(adapter.Kind())).Set(1)

	loopCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(loopCtx)

	m.mu.Lock()
	m.ctx = loopCtx
	m.cancel = cancel
	m.group = group
	m.adapter = adapter
	m.settings = settings
	m.mu.Unlock()

	group.Go(func() error { return m.runEventLoop(groupCtx, adapter) })
	group.Go(func() error { return m.runReconcileLoop(groupCtx, adapter) })

	m.resumeJobs(ctx, adapter)
	m.log.Infof("download manager started, engine: %s, data dir: %s", adapter.Kind(), m.cfg.DownloadRoot)
	return nil
}

func (m *manager) resumeJobs(ctx context.Context, adapter engine.Adapter) {
	jobs, err := m.jobs.ListJobs(ctx)
	if err != nil {
		m.log.WithError(err).Warn("list persisted jobs, nothing resumed")
		return
	}

	var resumed, skipped int
	for i := range jobs {
		job := jobs[i]
		logger := m.log.WithField("job", job.Hash)
		if job.Stopped() {
			logger.Debug("job stopped permanently, not resumed")
			skipped++
			continue
		}
		if job.MagnetURI == "" {
			logger.Debug("job has no origin descriptor, not resumed")
			skipped++
			continue
		}
		if err := m.resumeJob(ctx, adapter, job); err != nil {
			logger.WithError(err).Warn("resume job")
			continue
		}
		resumed++
	}
	metrics.ActiveJobs.Set(float64(m.reg.len()))
	m.log.Infof("resumed %d jobs, skipped %d", resumed, skipped)
}

// resumeJob re-registers a persisted job without writing a new store record.
func (m *manager) resumeJob(ctx context.Context, adapter engine.Adapter, job domain.Job) error {
	d := engine.Descriptor{URI: job.MagnetURI}
	if adapter.Capabilities().ResumeData {
		data, err := m.jobs.GetResumeState(ctx, job.Hash)
		if err != nil {
			m.log.WithField("job", job.Hash).WithError(err).Debug("resume snapshot unavailable")
		}
		d.ResumeData = data
	}

	savePath := job.SavePath
	if savePath == "" {
		savePath = m.savePathFor("")
	}
	h, err := adapter.Add(ctx, d, savePath)
	if err != nil {
		return err
	}

	status := job.Status
	if status == domain.JobStatusError {
		// re-adding after a restart counts as a retry
		status = domain.JobStatusQueued
	}
	if err := m.reg.register(job.Hash, h, status, job.Progress); err != nil {
		_ = adapter.Remove(h, false)
		return err
	}

	if job.Status == domain.JobStatusPaused {
		if err := adapter.Pause(h); err != nil {
			m.log.WithField("job", job.Hash).WithError(err).Warn("pause resumed job")
		}
	}
	if job.Priority > 0 && adapter.Capabilities().FilePriority && job.Priority <= 255 {
		if err := adapter.SetPriority(h, uint8(job.Priority)); err != nil {
			m.log.WithField("job", job.Hash).WithError(err).Debug("restore priority")
		}
	}
	return nil
}

// Shutdown stops both loops, persists resume snapshots, pauses every job and
// releases the engine. It gives up waiting after the shutdown timeout.
func (m *manager) Shutdown() {
	m.stopped.Do(m.shutdown)
}

func (m *manager) shutdown() {
	m.mu.Lock()
	adapter, group := m.adapter, m.group
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
	if adapter == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			m.log.WithError(err).Warn("background loop stopped with error")
		}
		m.waiters.Wait()
		m.persistResumeStates(adapter)
		m.pauseAll(adapter)
	}()

	select {
	case <-done:
	case <-time.After(m.cfg.ShutdownTimeout):
		m.log.Warnf("shutdown did not finish within %s, releasing engine", m.cfg.ShutdownTimeout)
	}

	if err := adapter.Close(); err != nil {
		m.log.WithError(err).Warn("close engine")
	}
	metrics.EngineInfo.WithLabelValues(string(adapter.Kind())).Set(0)

	m.mu.Lock()
	m.adapter = nil
	m.mu.Unlock()
	m.log.Info("download manager stopped")
}

func (m *manager) persistResumeStates(adapter engine.Adapter) {
	if !adapter.Capabilities().ResumeData {
		m.log.Debug("engine has no resume data, snapshots skipped")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownTimeout)
	defer cancel()

	for _, id := range m.reg.ids() {
		h, ok := m.reg.handle(id)
		if !ok {
			continue
		}
		data, err := adapter.SnapshotResumeState(h)
		if err != nil {
			m.log.WithField("job", id).WithError(err).Warn("snapshot resume state")
			continue
		}
		if err := m.jobs.SaveResumeState(ctx, id, data); err != nil {
			m.storeError("save_resume_state", id, err)
		}
	}
}

func (m *manager) pauseAll(adapter engine.Adapter) {
	for _, id := range m.reg.ids() {
		h, ok := m.reg.handle(id)
		if !ok {
			continue
		}
		if err := adapter.Pause(h); err != nil && !engine.IsInvalidHandle(err) {
			m.log.WithField("job", id).WithError(err).Warn("pause on shutdown")
		}
	}
}
