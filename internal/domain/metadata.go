package domain

import (
	"encoding/json"
	"math"
)

// Metadata keys written by the orchestrator.
const (
	MetaDownloadRate = "download_rate"
	MetaUploadRate   = "upload_rate"
	MetaDownloaded   = "downloaded"
	MetaUploaded     = "uploaded"
	MetaPeers        = "peers"
	MetaSeeds        = "seeds"
	MetaETA          = "eta"
	MetaLastUpdated  = "last_updated"
	MetaStopped      = "stopped"
	MetaStoppedSeed  = "stopped_seeding"
	MetaManualStop   = "manual_stop"
	MetaStoppedTime  = "stopped_time"
	MetaError        = "error"
	MetaEngine       = "engine"
	MetaSourceFile   = "source_file"
)

// Metadata is the free-form attribute bag persisted alongside a job.
type Metadata map[string]any

// Stopped reports whether any of the stop flags is set. Older records use
// stopped_seeding or manual_stop instead of stopped.
func (m Metadata) Stopped() bool {
	for _, key := range []string{MetaStopped, MetaStoppedSeed, MetaManualStop} {
		if b, ok := m[key].(bool); ok && b {
			return true
		}
	}
	return false
}

// Int64 reads a numeric value regardless of how it was decoded.
func (m Metadata) Int64(key string) int64 {
	switch v := m[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			f, ferr := v.Float64()
			if ferr != nil {
				return 0
			}
			return int64(f)
		}
		return n
	}
	return 0
}

// String reads a string value, returning "" when absent.
func (m Metadata) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Merge returns a copy of m overlaid with patch. Nil patch values are kept as
// explicit nulls so that fields such as eta can be cleared.
func (m Metadata) Merge(patch Metadata) Metadata {
	out := make(Metadata, len(m)+len(patch))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
