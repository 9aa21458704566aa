package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitlynq/internal/domain"
	"bitlynq/internal/downloader"
	"bitlynq/internal/engine"
	"bitlynq/internal/service"
)

const testHash = "dddddddddddddddddddddddddddddddddddddddd"

// fakeManager is an in-memory downloader.Manager.
type fakeManager struct {
	mu       sync.Mutex
	jobs     map[string]*domain.Job
	settings domain.Settings
	removed  []string
	files    map[string][]byte
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		jobs:     make(map[string]*domain.Job),
		settings: domain.DefaultSettings(),
		files:    make(map[string][]byte),
	}
}

func (f *fakeManager) Start(context.Context) error { return nil }
func (f *fakeManager) Shutdown()                   {}

func (f *fakeManager) RegisterByDescriptor(_ context.Context, uri, savePath string) (*domain.Job, error) {
	id, name, err := engine.Descriptor{URI: uri}.Identity()
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	job := &domain.Job{Hash: id, Name: name, Status: domain.JobStatusDownloading, SavePath: savePath, MagnetURI: uri}
	f.jobs[id] = job
	return job, nil
}

func (f *fakeManager) RegisterByFile(_ context.Context, data []byte, filename, savePath string) (*domain.Job, error) {
	id, name, err := engine.Descriptor{Torrent: data, FileName: filename}.Identity()
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[filename] = data
	job := &domain.Job{Hash: id, Name: name, Status: domain.JobStatusQueued, SavePath: savePath}
	f.jobs[id] = job
	return job, nil
}

func (f *fakeManager) GetJob(_ context.Context, id string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrJobNotFound)
	}
	out := *job
	return &out, nil
}

func (f *fakeManager) ListJobs(context.Context) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Job, 0, len(f.jobs))
	for _, job := range f.jobs {
		out = append(out, *job)
	}
	return out, nil
}

func (f *fakeManager) setStatus(id string, status domain.JobStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return false, nil
	}
	job.Status = status
	return true, nil
}

func (f *fakeManager) Pause(_ context.Context, id string) (bool, error) {
	return f.setStatus(id, domain.JobStatusPaused)
}

func (f *fakeManager) Resume(_ context.Context, id string) (bool, error) {
	return f.setStatus(id, domain.JobStatusDownloading)
}

func (f *fakeManager) Recheck(_ context.Context, id string) (bool, error) {
	return f.setStatus(id, domain.JobStatusChecking)
}

func (f *fakeManager) StopSeeding(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return false, nil
	}
	if !job.Status.Finished() {
		return false, downloader.ErrNotSeeding
	}
	job.Status = domain.JobStatusCompleted
	return true, nil
}

func (f *fakeManager) Remove(_ context.Context, id string, _ bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[id]; !ok {
		return false, nil
	}
	delete(f.jobs, id)
	f.removed = append(f.removed, id)
	return true, nil
}

func (f *fakeManager) SetPriority(_ context.Context, id string, priority int) (bool, error) {
	if priority < 0 || priority > 255 {
		return false, downloader.ErrInvalidPriority
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return false, nil
	}
	job.Priority = priority
	return true, nil
}

func (f *fakeManager) UpdateSettings(_ context.Context, s domain.Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: %v", downloader.ErrInvalidSettings, err)
	}
	f.mu.Lock()
	f.settings = s
	f.mu.Unlock()
	return nil
}

func (f *fakeManager) Settings() domain.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeManager) BandwidthStats() domain.BandwidthStats {
	return domain.BandwidthStats{DownloadRate: 10, UploadRate: 5, TotalDownloaded: 100, TotalUploaded: 50}
}

func (f *fakeManager) EngineKind() engine.Kind { return engine.KindSimulated }

var _ downloader.Manager = (*fakeManager)(nil)

func newTestRouter(t *testing.T, mgr downloader.Manager, auth service.AuthService) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger, _ := test.NewNullLogger()
	router := gin.New()
	NewHandler(HandlerConfig{Manager: mgr, Auth: auth, Logger: logger}).RegisterRoutes(router)
	return router
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateJob_Magnet(t *testing.T) {
	mgr := newFakeManager()
	router := newTestRouter(t, mgr, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/torrents", gin.H{"magnet": engine.MagnetURI(testHash, "Movie")})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, testHash, resp.Hash)
	assert.Equal(t, "Movie", resp.Name)
	assert.Equal(t, domain.JobStatusDownloading, resp.Status)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestCreateJob_BadRequests(t *testing.T) {
	router := newTestRouter(t, newFakeManager(), nil)

	rec := doJSON(t, router, http.MethodPost, "/api/torrents", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/torrents", gin.H{"magnet": "http://example.com/file"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJob_TorrentFile(t *testing.T) {
	mgr := newFakeManager()
	router := newTestRouter(t, mgr, nil)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "Album.torrent")
	require.NoError(t, err)
	_, err = part.Write([]byte("raw torrent bytes"))
	require.NoError(t, err)
	require.NoError(t, w.WriteField("save_path", "/music"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/torrents", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Album", resp.Name)
	assert.Equal(t, "/music", resp.SavePath)
	assert.Equal(t, []byte("raw torrent bytes"), mgr.files["Album.torrent"])
}

func TestJobOperations_UnknownHashIsNotFound(t *testing.T) {
	router := newTestRouter(t, newFakeManager(), nil)

	for _, path := range []string{"pause", "resume", "recheck", "stop_seeding"} {
		rec := doJSON(t, router, http.MethodPost, "/api/torrents/"+testHash+"/"+path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec := doJSON(t, router, http.MethodGet, "/api/torrents/"+testHash, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doJSON(t, router, http.MethodDelete, "/api/torrents/"+testHash, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobOperations(t *testing.T) {
	mgr := newFakeManager()
	router := newTestRouter(t, mgr, nil)
	_, err := mgr.RegisterByDescriptor(context.Background(), engine.MagnetURI(testHash, ""), "")
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodPost, "/api/torrents/"+testHash+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.JobStatusPaused, mgr.jobs[testHash].Status)

	rec = doJSON(t, router, http.MethodPost, "/api/torrents/"+testHash+"/stop_seeding", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodPut, "/api/torrents/"+testHash+"/priority", gin.H{"priority": 300})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doJSON(t, router, http.MethodPut, "/api/torrents/"+testHash+"/priority", gin.H{"priority": 0})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/torrents?status=paused", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = doJSON(t, router, http.MethodDelete, "/api/torrents/"+testHash+"?delete_files=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{testHash}, mgr.removed)

	rec = doJSON(t, router, http.MethodDelete, "/api/torrents/"+testHash+"?delete_files=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettingsRoundTrip(t *testing.T) {
	mgr := newFakeManager()
	router := newTestRouter(t, mgr, nil)

	rec := doJSON(t, router, http.MethodPut, "/api/settings", gin.H{"max_download_rate": 4096})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(4096), mgr.Settings().MaxDownloadRate)
	assert.Equal(t, 200, mgr.Settings().MaxConnections)

	rec = doJSON(t, router, http.MethodPut, "/api/settings", gin.H{"use_proxy": true, "proxy_port": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(4096), got.MaxDownloadRate)
	assert.False(t, got.UseProxy)
}

func TestBandwidthAndHealth(t *testing.T) {
	router := newTestRouter(t, newFakeManager(), nil)

	rec := doJSON(t, router, http.MethodGet, "/api/stats/bandwidth", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats BandwidthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(100), stats.TotalDownloaded)

	rec = doJSON(t, router, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "simulated")

	rec = doJSON(t, router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStorageRoutesWithoutStorage(t *testing.T) {
	router := newTestRouter(t, newFakeManager(), nil)

	rec := doJSON(t, router, http.MethodPost, "/api/torrents/"+testHash+"/upload", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = doJSON(t, router, http.MethodGet, "/api/uploads", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, router, http.MethodDelete, "/api/torrents/"+testHash+"?delete_remote=true", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	hash, err := service.HashAPIKey("operator-key")
	require.NoError(t, err)
	auth := service.NewAuthService(service.AuthConfig{APIKeyHash: hash, JWTSecret: "secret"})
	router := newTestRouter(t, newFakeManager(), auth)

	rec := doJSON(t, router, http.MethodGet, "/api/torrents", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/auth/token", gin.H{"api_key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/auth/token", gin.H{"api_key": "operator-key"})
	require.Equal(t, http.StatusOK, rec.Code)
	var token struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &token))
	require.NotEmpty(t, token.Token)

	rec = doJSON(t, router, http.MethodGet, "/api/torrents", nil, "Authorization", "Bearer "+token.Token)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, router, http.MethodGet, "/api/torrents", nil, "Authorization", "Bearer forged")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("x: %w", domain.ErrJobNotFound)))
	assert.Equal(t, http.StatusBadRequest, statusFor(engine.ErrBadDescriptor))
	assert.Equal(t, http.StatusConflict, statusFor(service.ErrJobNotFinished))
	assert.Equal(t, http.StatusNotImplemented, statusFor(engine.ErrUnsupported))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(downloader.ErrNotStarted))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
