package storage

import (
	"sync"
	"time"
)

// progressReporter is an io.Writer fed through a TeeReader; it throttles
// callbacks to one per interval plus a final one at completion.
type progressReporter struct {
	total    int64
	done     int64
	cb       func(done, total int64)
	interval time.Duration
	mu       sync.Mutex
	lastFire time.Time
}

func newProgressReporter(total int64, cb func(done, total int64)) *progressReporter {
	if cb == nil {
		return nil
	}
	return &progressReporter{
		total:    total,
		cb:       cb,
		interval: 200 * time.Millisecond,
	}
}

func (p *progressReporter) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done += int64(len(b))
	now := time.Now()
	if now.Sub(p.lastFire) >= p.interval || p.done == p.total {
		p.lastFire = now
		p.cb(p.done, p.total)
	}

	return len(b), nil
}

func (p *progressReporter) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastFire = time.Now()
	p.cb(0, p.total)
}

func (p *progressReporter) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb(p.done, p.total)
}
