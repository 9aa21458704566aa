package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"bitlynq/internal/domain"
	"bitlynq/internal/downloader"
	"bitlynq/internal/engine"
	"bitlynq/internal/service"
	"bitlynq/internal/storage"
)

// Handler wires HTTP routes to the download manager and supporting services.
type Handler struct {
	manager downloader.Manager
	uploads service.UploadService
	storage storage.Service
	auth    service.AuthService
	bucket  string
	logger  *logrus.Logger
}

type HandlerConfig struct {
	Manager downloader.Manager
	Uploads service.UploadService
	// Storage may be nil when no bucket is configured.
	Storage storage.Service
	Auth    service.AuthService
	Bucket  string
	Logger  *logrus.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Handler{
		manager: cfg.Manager,
		uploads: cfg.Uploads,
		storage: cfg.Storage,
		auth:    cfg.Auth,
		bucket:  cfg.Bucket,
		logger:  cfg.Logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(requestIDMiddleware(), h.accessLogMiddleware(), corsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.GET("/health", h.health)
	api.POST("/auth/token", h.issueToken)

	secured := api.Group("")
	secured.Use(h.authMiddleware())
	{
		secured.POST("/torrents", h.createJob)
		secured.GET("/torrents", h.listJobs)
		secured.GET("/torrents/:hash", h.getJob)
		secured.DELETE("/torrents/:hash", h.deleteJob)
		secured.POST("/torrents/:hash/pause", h.pauseJob)
		secured.POST("/torrents/:hash/resume", h.resumeJob)
		secured.POST("/torrents/:hash/recheck", h.recheckJob)
		secured.POST("/torrents/:hash/stop_seeding", h.stopSeeding)
		secured.PUT("/torrents/:hash/priority", h.setPriority)
		secured.POST("/torrents/:hash/upload", h.uploadJob)
		secured.GET("/torrents/:hash/uploads", h.listJobUploads)

		secured.GET("/uploads", h.listUploads)
		secured.GET("/storage/objects", h.listObjects)

		secured.GET("/settings", h.getSettings)
		secured.PUT("/settings", h.updateSettings)
		secured.POST("/settings", h.updateSettings)

		secured.GET("/stats/bandwidth", h.bandwidth)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, X-Request-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

const requestIDHeader = "X-Request-ID"

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

func (h *Handler) accessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.WithFields(logrus.Fields{
			"request_id": c.GetString("request_id"),
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"duration":   time.Since(start).String(),
		}).Debug("http request")
	}
}

// authMiddleware enforces bearer tokens when authentication is configured.
func (h *Handler) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.auth == nil || !h.auth.Enabled() {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if err := h.auth.ValidateToken(strings.TrimSpace(token)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Next()
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"engine": h.manager.EngineKind(),
	})
}

type tokenRequest struct {
	APIKey string `json:"api_key" binding:"required"`
}

func (h *Handler) issueToken(c *gin.Context) {
	if h.auth == nil || !h.auth.Enabled() {
		c.JSON(http.StatusNotFound, gin.H{"error": "authentication is disabled"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, expires, err := h.auth.IssueToken(req.APIKey)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}

// statusFor maps orchestrator and service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrBadDescriptor),
		errors.Is(err, downloader.ErrInvalidPriority),
		errors.Is(err, downloader.ErrInvalidSettings):
		return http.StatusBadRequest
	case errors.Is(err, downloader.ErrNotSeeding),
		errors.Is(err, service.ErrJobNotFinished):
		return http.StatusConflict
	case errors.Is(err, engine.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, downloader.ErrNotStarted),
		errors.Is(err, service.ErrStorageDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.WithField("request_id", c.GetString("request_id")).WithError(err).Error("request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func notFound(c *gin.Context, hash string) {
	c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("torrent %s not found", hash)})
}
