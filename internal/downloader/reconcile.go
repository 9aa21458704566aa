package downloader

import (
	"context"
	"time"

	"bitlynq/internal/domain"
	"bitlynq/internal/engine"
	"bitlynq/internal/metrics"
)

// reconcileProfile is the loop variant picked once from the adapter kind.
type reconcileProfile struct {
	interval time.Duration
	// refreshFiles persists the file manifest every n-th tick; 0 disables it.
	refreshFiles int
}

func (m *manager) profileFor(kind engine.Kind) reconcileProfile {
	p := reconcileProfile{interval: 2 * time.Second, refreshFiles: m.cfg.FileRefreshEvery}
	if kind == engine.KindSimulated {
		p = reconcileProfile{interval: time.Second}
	}
	if m.cfg.ReconcileInterval > 0 {
		p.interval = m.cfg.ReconcileInterval
	}
	return p
}

func (m *manager) runReconcileLoop(ctx context.Context, adapter engine.Adapter) error {
	profile := m.profileFor(adapter.Kind())
	ticker := time.NewTicker(profile.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick++
			refresh := profile.refreshFiles > 0 && tick%profile.refreshFiles == 0
			m.reconcileOnce(ctx, adapter, refresh)
		}
	}
}

// reconcileOnce polls every registered job once. One job's failure never
// affects the others.
func (m *manager) reconcileOnce(ctx context.Context, adapter engine.Adapter, refreshFiles bool) {
	metrics.ReconcileTicksTotal.Inc()
	for _, id := range m.reg.ids() {
		if ctx.Err() != nil {
			return
		}
		m.reconcileJob(ctx, adapter, id, refreshFiles)
	}

	metrics.ActiveJobs.Set(float64(m.reg.len()))
	stats := adapter.SessionStats()
	metrics.DownloadRateBytes.Set(float64(stats.DownloadRate))
	metrics.UploadRateBytes.Set(float64(stats.UploadRate))
}

func (m *manager) reconcileJob(ctx context.Context, adapter engine.Adapter, id string, refreshFiles bool) {
	logger := m.log.WithField("job", id)
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("reconcile panic: %v", r)
		}
	}()

	h, ok := m.reg.handle(id)
	if !ok {
		logger.Debug("job removed during reconcile, skipped")
		return
	}
	snap, err := adapter.Status(h)
	if err != nil {
		if engine.IsInvalidHandle(err) {
			logger.Debug("handle no longer valid, skipped")
			return
		}
		logger.WithError(err).Warn("status poll failed")
		return
	}

	if snap.HasMetadata && m.reg.markMetadata(id) {
		// the metadata event was missed or dropped
		if err := m.persistInfo(ctx, id, snap); err == nil {
			refreshFiles = false
		}
	}
	if refreshFiles {
		if files := filesFromSnapshot(snap.Files); len(files) > 0 {
			if err := m.jobs.ReplaceFiles(ctx, id, files); err != nil {
				m.storeError("replace_files", id, err)
			}
		}
	}

	release, ok := m.holdJob(id, h)
	if !ok {
		logger.Debug("job removed during reconcile, skipped")
		return
	}
	defer release()

	status, progress, ok := m.reg.reconcile(id, stateToStatus(snap.State), snap.Progress)
	if !ok {
		return
	}
	if err := m.jobs.UpdateStatus(ctx, id, status, &progress); err != nil {
		m.storeError("update_status", id, err)
	}
	if err := m.jobs.UpdateMetadata(ctx, id, metadataPatch(status, snap, time.Now())); err != nil {
		m.storeError("update_metadata", id, err)
	}
}

// metadataPatch holds the advisory transfer figures written after status.
func metadataPatch(status domain.JobStatus, snap engine.StatusSnapshot, now time.Time) domain.Metadata {
	patch := domain.Metadata{
		domain.MetaDownloadRate: snap.DownloadRate,
		domain.MetaUploadRate:   snap.UploadRate,
		domain.MetaDownloaded:   snap.Downloaded,
		domain.MetaUploaded:     snap.Uploaded,
		domain.MetaPeers:        snap.Peers,
		domain.MetaSeeds:        snap.Seeds,
		domain.MetaETA:          nil,
		domain.MetaLastUpdated:  now.UTC().Format(time.RFC3339),
	}
	if eta := domain.ComputeETA(status, snap.Size, snap.Downloaded, snap.DownloadRate); eta != nil {
		patch[domain.MetaETA] = *eta
	}
	return patch
}
