package downloader

import (
	"errors"
	"sync"

	"bitlynq/internal/domain"
	"bitlynq/internal/engine"
)

var errAlreadyRegistered = errors.New("job already registered")

// entry is the in-memory view of one live job. The finished and errored
// latches keep stale engine observations from regressing the status.
type entry struct {
	handle      engine.Handle
	status      domain.JobStatus
	progress    float64
	finished    bool
	errored     bool
	hasMetadata bool
}

// registry maps job ids to engine handles. Exclusive operations take the
// write lock; loops iterate over a copied id snapshot.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

func (r *registry) register(id string, h engine.Handle, status domain.JobStatus, progress float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return errAlreadyRegistered
	}
	e := &entry{handle: h}
	e.observe(status, progress)
	r.entries[id] = e
	return nil
}

// take removes and returns the handle. Exactly one concurrent caller wins.
func (r *registry) take(id string) (engine.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	delete(r.entries, id)
	return e.handle, true
}

func (r *registry) handle(id string) (engine.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

func (r *registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *registry) status(id string) (domain.JobStatus, float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return "", 0, false
	}
	return e.status, e.progress, true
}

// applyEvent records a status carried by a discrete event. Events are
// authoritative for status, subject to the same latches.
func (r *registry) applyEvent(id string, kind engine.EventKind) (domain.JobStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return "", false
	}
	switch kind {
	case engine.EventJobFinished:
		e.finished = true
		e.progress = 100
		if !e.errored {
			e.status = domain.JobStatusCompleted
		}
	case engine.EventJobPaused:
		if !e.errored {
			e.status = domain.JobStatusPaused
		}
	case engine.EventJobResumed:
		switch {
		case e.errored:
		case e.finished:
			e.status = domain.JobStatusSeeding
		default:
			e.status = domain.JobStatusDownloading
		}
	case engine.EventJobError:
		e.errored = true
		e.status = domain.JobStatusError
	}
	return e.status, true
}

// reconcile merges a polled observation and returns what should be persisted.
func (r *registry) reconcile(id string, observed domain.JobStatus, progress float64) (domain.JobStatus, float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return "", 0, false
	}
	e.observe(observed, progress)
	return e.status, e.progress, true
}

func (e *entry) observe(observed domain.JobStatus, progress float64) {
	progress = domain.ClampProgress(progress)

	if observed == domain.JobStatusError {
		e.errored = true
	}
	if observed.Finished() {
		e.finished = true
	}

	switch {
	case e.errored:
		e.status = domain.JobStatusError
	case e.finished:
		switch observed {
		case domain.JobStatusPaused, domain.JobStatusCompleted, domain.JobStatusSeeding:
			e.status = observed
		default:
			switch {
			case e.status == domain.JobStatusPaused:
				e.status = domain.JobStatusSeeding
			case !e.status.Finished():
				e.status = domain.JobStatusCompleted
			}
		}
	default:
		e.status = observed
	}

	switch {
	case e.finished:
		e.progress = 100
	case e.status == domain.JobStatusDownloading && progress < e.progress:
	default:
		e.progress = progress
	}
}

// markMetadata records that name, size and files have been persisted.
func (r *registry) markMetadata(id string) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.hasMetadata {
		return false
	}
	e.hasMetadata = true
	return true
}

// resetLatches clears the error and finished latches before a recheck.
func (r *registry) resetLatches(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.errored = false
	e.finished = false
	e.status = domain.JobStatusChecking
	return true
}

func stateToStatus(s engine.State) domain.JobStatus {
	switch s {
	case engine.StateQueued:
		return domain.JobStatusQueued
	case engine.StateChecking:
		return domain.JobStatusChecking
	case engine.StatePaused:
		return domain.JobStatusPaused
	case engine.StateFinished:
		return domain.JobStatusCompleted
	case engine.StateSeeding:
		return domain.JobStatusSeeding
	case engine.StateError:
		return domain.JobStatusError
	}
	return domain.JobStatusDownloading
}
