package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"bitlynq/internal/domain"
	"bitlynq/internal/storage"
)

const maxTorrentFileSize = 10 << 20

type createJobRequest struct {
	Magnet   string `json:"magnet" binding:"required"`
	SavePath string `json:"save_path"`
}

// createJob accepts either a JSON magnet link or a multipart .torrent upload
// in the "file" field.
func (h *Handler) createJob(c *gin.Context) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		h.createJobFromFile(c)
		return
	}

	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := h.manager.RegisterByDescriptor(c.Request.Context(), req.Magnet, req.SavePath)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, jobToResponse(*job))
}

func (h *Handler) createJobFromFile(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "torrent file is required"})
		return
	}
	if !strings.HasSuffix(strings.ToLower(fh.Filename), ".torrent") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file must have a .torrent extension"})
		return
	}
	if fh.Size > maxTorrentFileSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "torrent file too large"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxTorrentFileSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.manager.RegisterByFile(c.Request.Context(), data, fh.Filename, c.PostForm("save_path"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, jobToResponse(*job))
}

func (h *Handler) listJobs(c *gin.Context) {
	jobs, err := h.manager.ListJobs(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	filter := domain.JobStatus(strings.ToLower(c.Query("status")))
	resp := make([]JobResponse, 0, len(jobs))
	for i := range jobs {
		if filter != "" && jobs[i].Status != filter {
			continue
		}
		resp = append(resp, jobToResponse(jobs[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getJob(c *gin.Context) {
	job, err := h.manager.GetJob(c.Request.Context(), c.Param("hash"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(*job))
}

// boolOp runs a manager operation that reports false for unknown jobs.
func (h *Handler) boolOp(c *gin.Context, action string, op func(ctx context.Context, hash string) (bool, error)) {
	hash := c.Param("hash")
	ok, err := op(c.Request.Context(), hash)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		notFound(c, hash)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hash": hash, "status": action})
}

func (h *Handler) pauseJob(c *gin.Context) {
	h.boolOp(c, "paused", h.manager.Pause)
}

func (h *Handler) resumeJob(c *gin.Context) {
	h.boolOp(c, "resumed", h.manager.Resume)
}

func (h *Handler) recheckJob(c *gin.Context) {
	h.boolOp(c, "rechecking", h.manager.Recheck)
}

func (h *Handler) stopSeeding(c *gin.Context) {
	h.boolOp(c, "stopped_seeding", h.manager.StopSeeding)
}

type priorityRequest struct {
	Priority *int `json:"priority" binding:"required"`
}

func (h *Handler) setPriority(c *gin.Context) {
	var req priorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.boolOp(c, "priority_set", func(ctx context.Context, hash string) (bool, error) {
		return h.manager.SetPriority(ctx, hash, *req.Priority)
	})
}

func (h *Handler) deleteJob(c *gin.Context) {
	hash := c.Param("hash")
	deleteFiles, err := strconv.ParseBool(c.DefaultQuery("delete_files", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_files"})
		return
	}
	deleteRemote, err := strconv.ParseBool(c.DefaultQuery("delete_remote", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_remote"})
		return
	}
	if deleteRemote && (h.storage == nil || h.uploads == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "storage service not configured"})
		return
	}

	// upload records are cascaded away with the job, so collect them first
	var records []domain.UploadRecord
	if deleteRemote {
		records, err = h.uploads.ListRecords(c.Request.Context(), hash)
		if err != nil {
			h.fail(c, err)
			return
		}
	}

	ok, err := h.manager.Remove(c.Request.Context(), hash, deleteFiles)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		notFound(c, hash)
		return
	}

	var warnings []string
	for _, rec := range records {
		bucket, prefix, err := storage.ParseLocation(rec.Location)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("upload %s: %v", rec.ID, err))
			continue
		}
		remoteCtx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
		if err := h.storage.DeletePrefix(remoteCtx, bucket, prefix); err != nil {
			warnings = append(warnings, fmt.Sprintf("delete remote data: %v", err))
		}
		cancel()
	}

	resp := gin.H{"deleted": hash}
	if len(warnings) > 0 {
		resp["warnings"] = warnings
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) uploadJob(c *gin.Context) {
	if h.uploads == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage service not configured"})
		return
	}
	record, err := h.uploads.Export(c.Request.Context(), c.Param("hash"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, uploadToResponse(*record))
}

func (h *Handler) listJobUploads(c *gin.Context) {
	h.writeUploads(c, c.Param("hash"))
}

func (h *Handler) listUploads(c *gin.Context) {
	h.writeUploads(c, "")
}

func (h *Handler) writeUploads(c *gin.Context, hash string) {
	if h.uploads == nil {
		c.JSON(http.StatusOK, []UploadResponse{})
		return
	}
	records, err := h.uploads.ListRecords(c.Request.Context(), hash)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := make([]UploadResponse, len(records))
	for i := range records {
		resp[i] = uploadToResponse(records[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) listObjects(c *gin.Context) {
	if h.storage == nil || h.bucket == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage service not configured"})
		return
	}

	prefix := c.Query("prefix")
	objects, err := h.storage.ListObjects(c.Request.Context(), h.bucket, prefix)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Settings())
}

// updateSettings overlays the request body on the current snapshot and
// applies the result as a whole.
func (h *Handler) updateSettings(c *gin.Context) {
	next := h.manager.Settings()
	if err := c.ShouldBindJSON(&next); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.manager.UpdateSettings(c.Request.Context(), next); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.manager.Settings())
}

func (h *Handler) bandwidth(c *gin.Context) {
	stats := h.manager.BandwidthStats()
	c.JSON(http.StatusOK, BandwidthResponse{
		DownloadRate:    stats.DownloadRate,
		UploadRate:      stats.UploadRate,
		TotalDownloaded: stats.TotalDownloaded,
		TotalUploaded:   stats.TotalUploaded,
	})
}
