package domain

import (
	"errors"
	"time"
)

// ErrJobNotFound is returned when a job id is unknown to both the engine and the store.
var ErrJobNotFound = errors.New("job not found")

type JobStatus string

const (
	JobStatusQueued      JobStatus = "queued"
	JobStatusChecking    JobStatus = "checking"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusPaused      JobStatus = "paused"
	JobStatusSeeding     JobStatus = "seeding"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusError       JobStatus = "error"
)

// Valid reports whether s is one of the known lifecycle states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusChecking, JobStatusDownloading, JobStatusPaused,
		JobStatusSeeding, JobStatusCompleted, JobStatusError:
		return true
	}
	return false
}

// Finished reports whether the payload is fully present locally.
func (s JobStatus) Finished() bool {
	return s == JobStatusCompleted || s == JobStatusSeeding
}

// Job represents one tracked transfer, keyed by its info hash.
type Job struct {
	Hash         string
	Name         string
	Size         int64
	Status       JobStatus
	Progress     float64
	DownloadRate int64
	UploadRate   int64
	Downloaded   int64
	Uploaded     int64
	Peers        int
	Seeds        int
	ETA          *int64
	SavePath     string
	MagnetURI    string
	Priority     int
	ErrorMessage string
	AddedAt      time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
	Files        []JobFile
	Metadata     Metadata
}

// JobFile is one entry of a job's file manifest.
type JobFile struct {
	Index    int
	Path     string
	Size     int64
	Progress float64
}

// Stopped reports whether the job was permanently stopped by an operator and
// must not be resumed on restart.
func (j *Job) Stopped() bool {
	return j.Metadata.Stopped()
}

// PromoteMetadata copies transfer statistics stored in the metadata bag into
// the first-class fields.
func (j *Job) PromoteMetadata() {
	if j.Metadata == nil {
		return
	}
	j.DownloadRate = j.Metadata.Int64(MetaDownloadRate)
	j.UploadRate = j.Metadata.Int64(MetaUploadRate)
	j.Downloaded = j.Metadata.Int64(MetaDownloaded)
	j.Uploaded = j.Metadata.Int64(MetaUploaded)
	j.Peers = int(j.Metadata.Int64(MetaPeers))
	j.Seeds = int(j.Metadata.Int64(MetaSeeds))
	if _, ok := j.Metadata[MetaETA]; ok && j.Metadata[MetaETA] != nil {
		eta := j.Metadata.Int64(MetaETA)
		j.ETA = &eta
	} else {
		j.ETA = nil
	}
}

// ClampProgress bounds p to [0,100].
func ClampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// ComputeETA returns the seconds remaining for a downloading job, or nil when
// the rate is zero or the job is not downloading.
func ComputeETA(status JobStatus, size, downloaded, downloadRate int64) *int64 {
	if status != JobStatusDownloading || downloadRate <= 0 {
		return nil
	}
	remaining := size - downloaded
	if remaining < 0 {
		remaining = 0
	}
	eta := remaining / downloadRate
	return &eta
}

// BandwidthStats aggregates session-wide transfer rates and totals.
type BandwidthStats struct {
	DownloadRate    int64
	UploadRate      int64
	TotalDownloaded int64
	TotalUploaded   int64
}
