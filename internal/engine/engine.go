// Package engine defines the boundary between the orchestrator and the
// transfer engine, with a live implementation backed by anacrolix/torrent and
// a deterministic simulated implementation used when the live engine cannot
// be initialised.
package engine

import (
	"context"
	"time"
)

// Kind identifies which adapter implementation is active.
type Kind string

const (
	KindLive      Kind = "live"
	KindSimulated Kind = "simulated"
)

// Handle is an opaque reference to engine-side job state. Only the adapter
// that produced a handle can interpret it.
type Handle interface {
	ID() string
}

// Adapter is the capability set the orchestrator needs from a transfer engine.
type Adapter interface {
	Kind() Kind
	Capabilities() Capabilities

	Add(ctx context.Context, d Descriptor, savePath string) (Handle, error)
	Remove(h Handle, deleteFiles bool) error
	Pause(h Handle) error
	Resume(h Handle) error
	SetPriority(h Handle, priority uint8) error
	Recheck(h Handle) error
	WaitMetadata(ctx context.Context, h Handle) error

	Status(h Handle) (StatusSnapshot, error)
	PollEvents() []Event
	ApplySettings(s SessionSettings) (ApplyReport, error)
	SnapshotResumeState(h Handle) ([]byte, error)
	SessionStats() SessionStats

	Close() error
}

// Capabilities lists optional operations so callers can branch explicitly
// instead of probing for failures.
type Capabilities struct {
	Recheck        bool
	ResumeData     bool
	RuntimeProxy   bool
	RuntimeEncrypt bool
	FilePriority   bool
}

// Descriptor identifies content to register: either an origin URI (magnet)
// or raw .torrent bytes. ResumeData, when present, is a snapshot previously
// returned by SnapshotResumeState.
type Descriptor struct {
	URI        string
	Torrent    []byte
	FileName   string
	ResumeData []byte
}

// State is the engine-side lifecycle state reported in a status snapshot.
type State string

const (
	StateQueued      State = "queued"
	StateChecking    State = "checking"
	StateDownloading State = "downloading"
	StatePaused      State = "paused"
	StateFinished    State = "finished"
	StateSeeding     State = "seeding"
	StateError       State = "error"
)

// StatusSnapshot is a point-in-time view of one job. Optional values are
// pointers or guarded by HasMetadata; zero values are documented defaults.
type StatusSnapshot struct {
	ID          string
	Name        string
	State       State
	HasMetadata bool
	// Progress in [0,100].
	Progress     float64
	Size         int64
	Downloaded   int64
	Uploaded     int64
	DownloadRate int64
	UploadRate   int64
	Peers        int
	Seeds        int
	ETA          *int64
	SavePath     string
	MagnetURI    string
	Error        string
	Files        []FileStatus
}

// FileStatus is one entry of the engine's file manifest.
type FileStatus struct {
	Index    int
	Path     string
	Size     int64
	Progress float64
}

// SessionSettings is the complete engine-level settings object submitted in
// one ApplySettings call. Zero rate limits mean unlimited.
type SessionSettings struct {
	DownloadRateLimit int64
	UploadRateLimit   int64
	ConnectionsLimit  int
	UnchokeSlotsLimit int
	Proxy             *ProxySettings
	Encryption        *EncryptionPolicy
}

type ProxySettings struct {
	Type     string
	Host     string
	Port     int
	Username string
	Password string
}

// EncryptionPolicy controls protocol header obfuscation.
type EncryptionPolicy struct {
	Forced bool
}

// ApplyReport lists settings fields the active engine could not honor.
type ApplyReport struct {
	Unsupported []string
}

// SessionStats are session-wide transfer figures.
type SessionStats struct {
	DownloadRate    int64
	UploadRate      int64
	TotalDownloaded int64
	TotalUploaded   int64
}

// Clock abstracts time for deterministic simulations.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
