package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anacrolix/torrent/bencode"
)

const (
	kib = 1024
	mib = 1024 * kib

	defaultSimTick       = time.Second
	defaultSimIncrement  = 0.5
	defaultSimMagnetSize = 100 * mib
	defaultSimFileSize   = 200 * mib
	simBaseDownloadRate  = 100 * kib
	simSeedUploadRate    = 30 * kib
	simSubtitleSize      = 50 * kib
	simReadmeSize        = 2 * kib
)

// SimulatedConfig tunes the simulated adapter. Zero values select defaults.
type SimulatedConfig struct {
	Clock        Clock
	TickInterval time.Duration
	// Increment is the progress percentage gained per tick.
	Increment   float64
	MagnetSize  int64
	FileSize    int64
	EventBuffer int
}

// Simulated is a deterministic stand-in for the live engine. Progress is a
// pure function of active (unpaused) time measured on the injected clock.
type Simulated struct {
	cfg    SimulatedConfig
	events *eventQueue

	mu       sync.Mutex
	jobs     map[string]*simJob
	settings SessionSettings
	closed   bool
}

type simHandle struct{ id string }

func (h simHandle) ID() string { return h.id }

type simJob struct {
	id        string
	name      string
	savePath  string
	magnetURI string
	size      int64
	priority  uint8

	// active time accumulated before the current run segment
	banked      time.Duration
	runningFrom time.Time
	paused      bool

	// progress restored from a resume snapshot
	baseProgress float64

	finished      bool
	finishedAt    time.Time
	checkingUntil time.Time
}

// NewSimulated builds a simulated adapter. It never fails.
func NewSimulated(cfg SimulatedConfig) *Simulated {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultSimTick
	}
	if cfg.Increment <= 0 {
		cfg.Increment = defaultSimIncrement
	}
	if cfg.MagnetSize <= 0 {
		cfg.MagnetSize = defaultSimMagnetSize
	}
	if cfg.FileSize <= 0 {
		cfg.FileSize = defaultSimFileSize
	}
	return &Simulated{
		cfg:    cfg,
		events: newEventQueue(cfg.EventBuffer),
		jobs:   make(map[string]*simJob),
	}
}

func (s *Simulated) Kind() Kind { return KindSimulated }

func (s *Simulated) Capabilities() Capabilities {
	return Capabilities{
		Recheck:        true,
		ResumeData:     true,
		RuntimeProxy:   true,
		RuntimeEncrypt: true,
		FilePriority:   false,
	}
}

func (s *Simulated) Add(_ context.Context, d Descriptor, savePath string) (Handle, error) {
	id, name, err := d.Identity()
	if err != nil {
		return nil, callError("add", err)
	}
	size := s.cfg.MagnetSize
	magnetURI := d.URI
	if d.URI == "" {
		size = s.cfg.FileSize
		if tf, perr := ParseTorrent(d.Torrent); perr == nil && tf.Info.TotalLength() > 0 {
			size = tf.Info.TotalLength()
		}
		magnetURI = MagnetURI(id, "")
	}
	if name == "" {
		name = "Torrent_" + shortID(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, callError("add", fmt.Errorf("engine closed"))
	}
	if _, ok := s.jobs[id]; ok {
		return nil, &EngineError{Kind: KindDuplicate, Op: "add", Message: fmt.Sprintf("job %s already registered", id), Err: ErrDuplicate}
	}

	now := s.cfg.Clock.Now()
	job := &simJob{
		id:          id,
		name:        name,
		savePath:    savePath,
		magnetURI:   magnetURI,
		size:        size,
		runningFrom: now,
	}
	if len(d.ResumeData) > 0 {
		var rec simResume
		if err := bencode.Unmarshal(d.ResumeData, &rec); err == nil {
			job.baseProgress = float64(rec.ProgressPPM) / 10000
			job.priority = uint8(rec.Priority)
			if rec.Paused {
				job.paused = true
			}
		}
	}
	s.jobs[id] = job

	s.events.push(Event{Kind: EventJobAdded, JobID: id, At: now})
	s.events.push(Event{Kind: EventMetadataReady, JobID: id, At: now})
	return simHandle{id: id}, nil
}

func (s *Simulated) lookup(op string, h Handle) (*simJob, error) {
	sh, ok := h.(simHandle)
	if !ok {
		id := ""
		if h != nil {
			id = h.ID()
		}
		return nil, invalidHandle(op, id)
	}
	job, ok := s.jobs[sh.id]
	if !ok {
		return nil, invalidHandle(op, sh.id)
	}
	return job, nil
}

func (s *Simulated) Remove(h Handle, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.lookup("remove", h)
	if err != nil {
		return err
	}
	delete(s.jobs, job.id)
	return nil
}

func (s *Simulated) Pause(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.lookup("pause", h)
	if err != nil {
		return err
	}
	now := s.cfg.Clock.Now()
	if !job.paused {
		job.banked += now.Sub(job.runningFrom)
		job.paused = true
	}
	s.events.push(Event{Kind: EventJobPaused, JobID: job.id, At: now})
	return nil
}

func (s *Simulated) Resume(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.lookup("resume", h)
	if err != nil {
		return err
	}
	now := s.cfg.Clock.Now()
	if job.paused {
		job.runningFrom = now
		job.paused = false
	}
	s.events.push(Event{Kind: EventJobResumed, JobID: job.id, At: now})
	return nil
}

func (s *Simulated) SetPriority(h Handle, priority uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.lookup("set_priority", h)
	if err != nil {
		return err
	}
	job.priority = priority
	return nil
}

// Recheck puts the job into Checking for one tick. Progress is kept.
func (s *Simulated) Recheck(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.lookup("recheck", h)
	if err != nil {
		return err
	}
	job.checkingUntil = s.cfg.Clock.Now().Add(s.cfg.TickInterval)
	return nil
}

// WaitMetadata returns at once: simulated jobs have metadata on add.
func (s *Simulated) WaitMetadata(ctx context.Context, h Handle) error {
	s.mu.Lock()
	_, err := s.lookup("wait_metadata", h)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (job *simJob) activeTime(now time.Time) time.Duration {
	if job.paused {
		return job.banked
	}
	return job.banked + now.Sub(job.runningFrom)
}

func (s *Simulated) progress(job *simJob, now time.Time) float64 {
	ticks := int64(job.activeTime(now) / s.cfg.TickInterval)
	p := job.baseProgress + float64(ticks)*s.cfg.Increment
	if p >= 100 {
		return 100
	}
	return p
}

// advance latches completion and queues JobFinished exactly once.
func (s *Simulated) advance(job *simJob, now time.Time) {
	if job.finished {
		return
	}
	if s.progress(job, now) >= 100 {
		job.finished = true
		job.finishedAt = now
		s.events.push(Event{Kind: EventJobFinished, JobID: job.id, At: now})
	}
}

func (s *Simulated) Status(h Handle) (StatusSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.lookup("status", h)
	if err != nil {
		return StatusSnapshot{}, err
	}
	now := s.cfg.Clock.Now()
	s.advance(job, now)

	progress := s.progress(job, now)
	downloaded := int64(float64(job.size) * progress / 100)
	elapsed := int64(job.activeTime(now) / time.Second)

	snap := StatusSnapshot{
		ID:          job.id,
		Name:        job.name,
		HasMetadata: true,
		Progress:    progress,
		Size:        job.size,
		Downloaded:  downloaded,
		SavePath:    job.savePath,
		MagnetURI:   job.magnetURI,
		Files:       s.files(job, progress),
	}

	switch {
	case now.Before(job.checkingUntil):
		snap.State = StateChecking
	case job.paused:
		snap.State = StatePaused
	case job.finished && now.Before(job.finishedAt.Add(s.cfg.TickInterval)):
		snap.State = StateFinished
	case job.finished:
		snap.State = StateSeeding
		seeding := int64(now.Sub(job.finishedAt) / time.Second)
		snap.UploadRate = simSeedUploadRate
		snap.Uploaded = seeding * simSeedUploadRate
		snap.Peers = simPeers(elapsed)
		snap.Seeds = simSeeds(elapsed)
	default:
		snap.State = StateDownloading
		snap.DownloadRate = simDownloadRate(elapsed)
		snap.Peers = simPeers(elapsed)
		snap.Seeds = simSeeds(elapsed)
		if snap.DownloadRate > 0 {
			eta := (job.size - downloaded) / snap.DownloadRate
			snap.ETA = &eta
		}
	}
	return snap, nil
}

func simDownloadRate(elapsed int64) int64 {
	base := float64(simBaseDownloadRate)
	variation := 0.3 * float64(elapsed%10) / 10
	return int64(base + base*0.5*(1+variation))
}

func simPeers(elapsed int64) int {
	return max(1, int(5+3*float64(elapsed%20)/20))
}

func simSeeds(elapsed int64) int {
	return max(1, int(2+2*float64(elapsed%15)/15))
}

func (s *Simulated) files(job *simJob, progress float64) []FileStatus {
	main := job.size - simSubtitleSize - simReadmeSize
	if main < 0 {
		main = 0
	}
	return []FileStatus{
		{Index: 0, Path: job.name + ".mkv", Size: main, Progress: progress},
		{Index: 1, Path: job.name + ".srt", Size: simSubtitleSize, Progress: progress},
		{Index: 2, Path: "README.txt", Size: simReadmeSize, Progress: progress},
	}
}

// PollEvents advances every job so completion is reported even when nobody
// asked for status, then drains the queue.
func (s *Simulated) PollEvents() []Event {
	s.mu.Lock()
	now := s.cfg.Clock.Now()
	for _, job := range s.jobs {
		s.advance(job, now)
	}
	s.mu.Unlock()
	return s.events.drain()
}

func (s *Simulated) ApplySettings(settings SessionSettings) (ApplyReport, error) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	return ApplyReport{}, nil
}

// LastSettings returns the most recently applied settings object.
func (s *Simulated) LastSettings() SessionSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

type simResume struct {
	ProgressPPM int64 `bencode:"progress_ppm"`
	Paused      bool  `bencode:"paused"`
	Priority    int   `bencode:"priority"`
}

func (s *Simulated) SnapshotResumeState(h Handle) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.lookup("snapshot_resume", h)
	if err != nil {
		return nil, err
	}
	rec := simResume{
		ProgressPPM: int64(s.progress(job, s.cfg.Clock.Now()) * 10000),
		Paused:      job.paused,
		Priority:    int(job.priority),
	}
	data, err := bencode.Marshal(rec)
	if err != nil {
		return nil, callError("snapshot_resume", err)
	}
	return data, nil
}

func (s *Simulated) SessionStats() SessionStats {
	s.mu.Lock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var stats SessionStats
	for _, id := range ids {
		snap, err := s.Status(simHandle{id: id})
		if err != nil {
			continue
		}
		stats.DownloadRate += snap.DownloadRate
		stats.UploadRate += snap.UploadRate
		stats.TotalDownloaded += snap.Downloaded
		stats.TotalUploaded += snap.Uploaded
	}
	return stats
}

func (s *Simulated) Close() error {
	s.mu.Lock()
	s.closed = true
	s.jobs = make(map[string]*simJob)
	s.mu.Unlock()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var _ Adapter = (*Simulated)(nil)
