package downloader

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"bitlynq/internal/engine"
	"bitlynq/internal/metrics"
)

type eventHandler func(ctx context.Context, ev engine.Event) error

func (m *manager) eventHandlers() map[engine.EventKind]eventHandler {
	return map[engine.EventKind]eventHandler{
		engine.EventJobAdded:         m.onJobAdded,
		engine.EventMetadataReady:    m.onMetadataReady,
		engine.EventJobFinished:      m.onJobFinished,
		engine.EventJobPaused:        m.onStatusEvent,
		engine.EventJobResumed:       m.onStatusEvent,
		engine.EventJobError:         m.onJobError,
		engine.EventPeerConnected:    m.onObserved,
		engine.EventTrackerAnnounced: m.onObserved,
	}
}

// runEventLoop drains the engine event queue until ctx is cancelled.
func (m *manager) runEventLoop(ctx context.Context, adapter engine.Adapter) error {
	handlers := m.eventHandlers()
	ticker := time.NewTicker(m.cfg.EventInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.drainEvents(ctx, adapter, handlers)
		}
	}
}

func (m *manager) drainEvents(ctx context.Context, adapter engine.Adapter, handlers map[engine.EventKind]eventHandler) {
	for _, ev := range adapter.PollEvents() {
		if ctx.Err() != nil {
			return
		}
		m.dispatch(ctx, handlers, ev)
	}
}

// dispatch runs one handler inside its own failure boundary.
func (m *manager) dispatch(ctx context.Context, handlers map[engine.EventKind]eventHandler, ev engine.Event) {
	logger := m.log.WithFields(logrus.Fields{"job": ev.JobID, "event": ev.Kind.String()})

	handler, ok := handlers[ev.Kind]
	if !ok {
		metrics.EventsUnknownTotal.Inc()
		logger.Warnf("unknown engine event kind %d, skipped", int(ev.Kind))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.EventHandlerFailuresTotal.WithLabelValues(ev.Kind.String()).Inc()
			logger.Errorf("event handler panic: %v", r)
		}
	}()

	metrics.EventsProcessedTotal.WithLabelValues(ev.Kind.String()).Inc()
	if err := handler(ctx, ev); err != nil {
		metrics.EventHandlerFailuresTotal.WithLabelValues(ev.Kind.String()).Inc()
		logger.WithError(err).Warn("event handler failed")
	}
}

func (m *manager) onJobAdded(_ context.Context, ev engine.Event) error {
	m.log.WithField("job", ev.JobID).Debug("engine accepted job")
	return nil
}

// onMetadataReady refreshes name, size and files once the engine knows them.
func (m *manager) onMetadataReady(ctx context.Context, ev engine.Event) error {
	adapter, err := m.active()
	if err != nil {
		return err
	}
	h, ok := m.reg.handle(ev.JobID)
	if !ok {
		return nil
	}
	snap, err := adapter.Status(h)
	if err != nil {
		if engine.IsInvalidHandle(err) {
			return nil
		}
		return fmt.Errorf("status: %w", err)
	}
	if err := m.persistInfo(ctx, ev.JobID, snap); err != nil {
		return err
	}
	m.reg.markMetadata(ev.JobID)

	release, ok := m.holdJob(ev.JobID, h)
	if !ok {
		return nil
	}
	defer release()
	status, progress, ok := m.reg.reconcile(ev.JobID, stateToStatus(snap.State), snap.Progress)
	if !ok {
		return nil
	}
	if err := m.jobs.UpdateStatus(ctx, ev.JobID, status, &progress); err != nil {
		m.storeError("update_status", ev.JobID, err)
	}
	m.log.WithFields(logrus.Fields{"job": ev.JobID, "name": snap.Name}).Info("metadata ready")
	return nil
}

func (m *manager) persistInfo(ctx context.Context, id string, snap engine.StatusSnapshot) error {
	if !snap.HasMetadata {
		return nil
	}
	if err := m.jobs.UpdateInfo(ctx, id, snap.Name, snap.Size); err != nil {
		m.storeError("update_info", id, err)
		return fmt.Errorf("update info: %w", err)
	}
	if files := filesFromSnapshot(snap.Files); len(files) > 0 {
		if err := m.jobs.ReplaceFiles(ctx, id, files); err != nil {
			m.storeError("replace_files", id, err)
		}
	}
	return nil
}

func (m *manager) onJobFinished(ctx context.Context, ev engine.Event) error {
	release, ok := m.holdJob(ev.JobID, nil)
	if !ok {
		return nil
	}
	defer release()
	status, ok := m.reg.applyEvent(ev.JobID, ev.Kind)
	if !ok {
		return nil
	}
	progress := 100.0
	if err := m.jobs.UpdateStatus(ctx, ev.JobID, status, &progress); err != nil {
		m.storeError("update_status", ev.JobID, err)
		return err
	}
	metrics.JobsCompletedTotal.Inc()
	m.log.WithField("job", ev.JobID).Info("download finished")
	return nil
}

func (m *manager) onStatusEvent(ctx context.Context, ev engine.Event) error {
	release, ok := m.holdJob(ev.JobID, nil)
	if !ok {
		return nil
	}
	defer release()
	status, ok := m.reg.applyEvent(ev.JobID, ev.Kind)
	if !ok {
		return nil
	}
	if err := m.jobs.UpdateStatus(ctx, ev.JobID, status, nil); err != nil {
		m.storeError("update_status", ev.JobID, err)
		return err
	}
	m.log.WithFields(logrus.Fields{"job": ev.JobID, "status": status}).Info("job status changed")
	return nil
}

func (m *manager) onJobError(ctx context.Context, ev engine.Event) error {
	release, ok := m.holdJob(ev.JobID, nil)
	if !ok {
		return nil
	}
	defer release()
	if _, ok := m.reg.applyEvent(ev.JobID, ev.Kind); !ok {
		return nil
	}
	msg := ev.Message
	if msg == "" {
		msg = "engine reported an error"
	}
	if err := m.jobs.SetError(ctx, ev.JobID, msg); err != nil {
		m.storeError("set_error", ev.JobID, err)
		return err
	}
	m.log.WithField("job", ev.JobID).Errorf("job failed: %s", msg)
	return nil
}

func (m *manager) onObserved(_ context.Context, ev engine.Event) error {
	m.log.WithFields(logrus.Fields{"job": ev.JobID, "event": ev.Kind.String()}).Debug(ev.Message)
	return nil
}
