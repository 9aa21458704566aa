package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"bitlynq/internal/domain"
	"bitlynq/internal/engine"
	"bitlynq/internal/metrics"
)

const (
	torrentExt = ".torrent"
	// processed files are renamed so a restart does not pick them up again
	addedSuffix   = ".added"
	invalidSuffix = ".invalid"

	defaultSettle  = 500 * time.Millisecond
	maxTorrentSize = 10 << 20
)

// Registrar is the part of the download manager the watcher needs.
type Registrar interface {
	RegisterByFile(ctx context.Context, data []byte, filename, savePath string) (*domain.Job, error)
}

type Config struct {
	Dirs     []string
	SavePath string
	// Settle is how long a file must stay quiet before it is read.
	Settle time.Duration
	Logger *logrus.Logger
}

// Watcher registers .torrent files dropped into the configured folders.
type Watcher struct {
	cfg       Config
	registrar Registrar
	watcher   *fsnotify.Watcher
	log       *logrus.Logger

	mu      sync.Mutex
	pending map[string]time.Time
}

func New(cfg Config, registrar Registrar) (*Watcher, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Settle <= 0 {
		cfg.Settle = defaultSettle
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	return &Watcher{
		cfg:       cfg,
		registrar: registrar,
		watcher:   w,
		log:       cfg.Logger,
		pending:   make(map[string]time.Time),
	}, nil
}

// Run processes files already present, then follows folder changes until ctx
// is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	for _, dir := range w.cfg.Dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create watch dir %s: %w", dir, err)
		}
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.scan(ctx, dir)
		w.log.Infof("watching %s for torrent files", dir)
	}

	ticker := time.NewTicker(w.cfg.Settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("watch folder error")
		case now := <-ticker.C:
			w.flush(ctx, now)
		}
	}
}

func (w *Watcher) scan(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.log.WithError(err).Warnf("scan watch dir %s", dir)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isTorrent(entry.Name()) {
			continue
		}
		w.process(ctx, filepath.Join(dir, entry.Name()))
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	if !isTorrent(event.Name) {
		return
	}
	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

// flush processes files that have been quiet for the settle period.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	var ready []string
	w.mu.Lock()
	for path, last := range w.pending {
		if now.Sub(last) >= w.cfg.Settle {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		w.process(ctx, path)
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	logger := w.log.WithField("file", path)

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		// renamed away or already handled
		return
	}
	if info.Size() > maxTorrentSize {
		logger.Warn("torrent file too large, skipped")
		w.finish(logger, path, invalidSuffix, "invalid")
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.WithError(err).Warn("read torrent file")
		metrics.WatchFilesTotal.WithLabelValues("error").Inc()
		return
	}

	job, err := w.registrar.RegisterByFile(ctx, data, filepath.Base(path), w.cfg.SavePath)
	switch {
	case errors.Is(err, engine.ErrBadDescriptor):
		logger.WithError(err).Warn("invalid torrent file")
		w.finish(logger, path, invalidSuffix, "invalid")
	case err != nil:
		// left in place so the next scan retries it
		logger.WithError(err).Warn("register torrent file")
		metrics.WatchFilesTotal.WithLabelValues("error").Inc()
	default:
		logger.WithField("job", job.Hash).Infof("registered %s from watch folder", job.Name)
		w.finish(logger, path, addedSuffix, "added")
	}
}

func (w *Watcher) finish(logger *logrus.Entry, path, suffix, result string) {
	metrics.WatchFilesTotal.WithLabelValues(result).Inc()
	if err := os.Rename(path, path+suffix); err != nil {
		logger.WithError(err).Warn("rename processed torrent file")
	}
}

func isTorrent(name string) bool {
	return strings.EqualFold(filepath.Ext(name), torrentExt)
}
