package http

import (
	"time"

	"bitlynq/internal/domain"
	"bitlynq/internal/storage"
)

type JobResponse struct {
	Hash         string            `json:"hash"`
	Name         string            `json:"name"`
	Size         int64             `json:"size"`
	Status       domain.JobStatus  `json:"status"`
	Progress     float64           `json:"progress"`
	DownloadRate int64             `json:"download_rate"`
	UploadRate   int64             `json:"upload_rate"`
	Downloaded   int64             `json:"downloaded"`
	Uploaded     int64             `json:"uploaded"`
	Peers        int               `json:"peers"`
	Seeds        int               `json:"seeds"`
	ETA          *int64            `json:"eta"`
	SavePath     string            `json:"save_path"`
	MagnetURI    string            `json:"magnet_uri,omitempty"`
	Priority     int               `json:"priority"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Stopped      bool              `json:"stopped"`
	AddedAt      string            `json:"added_at"`
	CompletedAt  *string           `json:"completed_at"`
	Files        []JobFileResponse `json:"files"`
	Metadata     domain.Metadata   `json:"metadata,omitempty"`
}

type JobFileResponse struct {
	Index    int     `json:"index"`
	Path     string  `json:"path"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
}

type UploadResponse struct {
	ID        string `json:"id"`
	Hash      string `json:"hash"`
	Name      string `json:"name"`
	Provider  string `json:"provider"`
	Location  string `json:"location"`
	Size      int64  `json:"size"`
	CreatedAt string `json:"created_at"`
}

type BandwidthResponse struct {
	DownloadRate    int64 `json:"download_rate"`
	UploadRate      int64 `json:"upload_rate"`
	TotalDownloaded int64 `json:"total_downloaded"`
	TotalUploaded   int64 `json:"total_uploaded"`
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}

func jobToResponse(job domain.Job) JobResponse {
	resp := JobResponse{
		Hash:         job.Hash,
		Name:         job.Name,
		Size:         job.Size,
		Status:       job.Status,
		Progress:     domain.ClampProgress(job.Progress),
		DownloadRate: job.DownloadRate,
		UploadRate:   job.UploadRate,
		Downloaded:   job.Downloaded,
		Uploaded:     job.Uploaded,
		Peers:        job.Peers,
		Seeds:        job.Seeds,
		ETA:          job.ETA,
		SavePath:     job.SavePath,
		MagnetURI:    job.MagnetURI,
		Priority:     job.Priority,
		ErrorMessage: job.ErrorMessage,
		Stopped:      job.Stopped(),
		Files:        make([]JobFileResponse, len(job.Files)),
		Metadata:     job.Metadata,
	}
	if !job.AddedAt.IsZero() {
		resp.AddedAt = job.AddedAt.UTC().Format(time.RFC3339)
	}
	if job.CompletedAt != nil {
		v := job.CompletedAt.UTC().Format(time.RFC3339)
		resp.CompletedAt = &v
	}
	for i, f := range job.Files {
		resp.Files[i] = JobFileResponse{
			Index:    f.Index,
			Path:     f.Path,
			Size:     f.Size,
			Progress: f.Progress,
		}
	}
	return resp
}

func uploadToResponse(rec domain.UploadRecord) UploadResponse {
	return UploadResponse{
		ID:        rec.ID,
		Hash:      rec.JobHash,
		Name:      rec.JobName,
		Provider:  rec.Provider,
		Location:  rec.Location,
		Size:      rec.Size,
		CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
	}
}
