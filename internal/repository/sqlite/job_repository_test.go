package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitlynq/internal/domain"
	"bitlynq/internal/repository"
)

const hashA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func openTestRepos(t *testing.T) *Repositories {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repos, err := NewRepositories(context.Background(), db)
	require.NoError(t, err)
	return repos
}

func seedJob(t *testing.T, repos *Repositories, hash string) *domain.Job {
	t.Helper()
	job := &domain.Job{
		Hash:      hash,
		Name:      "Loading... aaaaaaaa",
		Status:    domain.JobStatusDownloading,
		SavePath:  "/downloads",
		MagnetURI: "magnet:?xt=urn:btih:" + hash,
		Metadata:  domain.Metadata{domain.MetaEngine: "simulated"},
	}
	require.NoError(t, repos.Jobs.Upsert(context.Background(), job))
	return job
}

func TestJobRepository_UpsertAndGet(t *testing.T) {
	repos := openTestRepos(t)
	ctx := context.Background()
	seedJob(t, repos, hashA)

	job, err := repos.Jobs.Get(ctx, hashA)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDownloading, job.Status)
	assert.Equal(t, "simulated", job.Metadata.String(domain.MetaEngine))
	assert.False(t, job.AddedAt.IsZero())
	assert.Nil(t, job.CompletedAt)

	_, err = repos.Jobs.Get(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestJobRepository_UpsertPreservesAddedAtAndMergesMetadata(t *testing.T) {
	repos := openTestRepos(t)
	ctx := context.Background()
	first := seedJob(t, repos, hashA)
	addedAt := first.AddedAt

	time.Sleep(5 * time.Millisecond)
	again := &domain.Job{
		Hash:     hashA,
		Name:     "Ubuntu",
		Size:     1 << 20,
		Status:   domain.JobStatusDownloading,
		Metadata: domain.Metadata{domain.MetaSourceFile: "ubuntu.torrent"},
	}
	require.NoError(t, repos.Jobs.Upsert(ctx, again))

	job, err := repos.Jobs.Get(ctx, hashA)
	require.NoError(t, err)
	assert.Equal(t, "Ubuntu", job.Name)
	assert.WithinDuration(t, addedAt, job.AddedAt, time.Second)
	assert.Equal(t, "simulated", job.Metadata.String(domain.MetaEngine))
	assert.Equal(t, "ubuntu.torrent", job.Metadata.String(domain.MetaSourceFile))
}

func TestJobRepository_CompletedAtSetOnce(t *testing.T) {
	repos := openTestRepos(t)
	ctx := context.Background()
	seedJob(t, repos, hashA)

	progress := 100.0
	require.NoError(t, repos.Jobs.UpdateStatus(ctx, hashA, domain.JobStatusCompleted, &progress, nil))
	job, err := repos.Jobs.Get(ctx, hashA)
	require.NoError(t, err)
	require.NotNil(t, job.CompletedAt)
	first := *job.CompletedAt

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, repos.Jobs.UpdateStatus(ctx, hashA, domain.JobStatusSeeding, nil, nil))
	require.NoError(t, repos.Jobs.UpdateStatus(ctx, hashA, domain.JobStatusCompleted, nil, nil))

	job, err = repos.Jobs.Get(ctx, hashA)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 100.0, job.Progress)
	assert.True(t, first.Equal(*job.CompletedAt))
}

func TestJobRepository_UpdateStatusErrorMessage(t *testing.T) {
	repos := openTestRepos(t)
	ctx := context.Background()
	seedJob(t, repos, hashA)

	msg := "tracker unreachable"
	require.NoError(t, repos.Jobs.UpdateStatus(ctx, hashA, domain.JobStatusError, nil, &msg))
	job, err := repos.Jobs.Get(ctx, hashA)
	require.NoError(t, err)
	assert.Equal(t, msg, job.ErrorMessage)

	require.NoError(t, repos.Jobs.UpdateStatus(ctx, hashA, domain.JobStatusChecking, nil, nil))
	job, err = repos.Jobs.Get(ctx, hashA)
	require.NoError(t, err)
	assert.Empty(t, job.ErrorMessage)

	err = repos.Jobs.UpdateStatus(ctx, "missing", domain.JobStatusPaused, nil, nil)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestJobRepository_MergeMetadataPromotesStats(t *testing.T) {
	repos := openTestRepos(t)
	ctx := context.Background()
	seedJob(t, repos, hashA)

	require.NoError(t, repos.Jobs.MergeMetadata(ctx, hashA, domain.Metadata{
		domain.MetaDownloadRate: int64(2048),
		domain.MetaPeers:        7,
		domain.MetaETA:          int64(30),
	}))
	require.NoError(t, repos.Jobs.MergeMetadata(ctx, hashA, domain.Metadata{domain.MetaETA: nil}))

	job, err := repos.Jobs.Get(ctx, hashA)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), job.DownloadRate)
	assert.Equal(t, 7, job.Peers)
	assert.Nil(t, job.ETA)
	assert.Equal(t, "simulated", job.Metadata.String(domain.MetaEngine))

	err = repos.Jobs.MergeMetadata(ctx, "missing", domain.Metadata{"x": 1})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestJobRepository_DeleteCascades(t *testing.T) {
	repos := openTestRepos(t)
	ctx := context.Background()
	seedJob(t, repos, hashA)

	require.NoError(t, repos.Files.ReplaceForJob(ctx, hashA, []domain.JobFile{{Index: 0, Path: "a.mkv", Size: 10}}))
	require.NoError(t, repos.Resume.Save(ctx, hashA, []byte("d8:progressi1ee")))
	require.NoError(t, repos.Uploads.Create(ctx, &domain.UploadRecord{JobHash: hashA, Provider: "s3", Location: "s3://b/a"}))

	require.NoError(t, repos.Jobs.Delete(ctx, hashA))

	_, err := repos.Jobs.Get(ctx, hashA)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	files, err := repos.Files.ListByJob(ctx, hashA)
	require.NoError(t, err)
	assert.Empty(t, files)
	_, err = repos.Resume.Get(ctx, hashA)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	uploads, err := repos.Uploads.ListByJob(ctx, hashA)
	require.NoError(t, err)
	assert.Empty(t, uploads)

	assert.ErrorIs(t, repos.Jobs.Delete(ctx, hashA), repository.ErrNotFound)
}

func TestJobRepository_ConcurrentDeleteSucceedsOnce(t *testing.T) {
	repos := openTestRepos(t)
	seedJob(t, repos, hashA)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repos.Jobs.Delete(context.Background(), hashA); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestResumeStateRepository_Overwrite(t *testing.T) {
	repos := openTestRepos(t)
	ctx := context.Background()
	seedJob(t, repos, hashA)

	require.NoError(t, repos.Resume.Save(ctx, hashA, []byte("one")))
	require.NoError(t, repos.Resume.Save(ctx, hashA, []byte("two")))
	data, err := repos.Resume.Get(ctx, hashA)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)
}

func TestSettingsRepository_PutGet(t *testing.T) {
	repos := openTestRepos(t)
	ctx := context.Background()

	_, err := repos.Settings.Get(ctx, "session")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, repos.Settings.Put(ctx, "session", []byte(`{"max_uploads":4}`)))
	require.NoError(t, repos.Settings.Put(ctx, "session", []byte(`{"max_uploads":8}`)))
	value, err := repos.Settings.Get(ctx, "session")
	require.NoError(t, err)
	assert.JSONEq(t, `{"max_uploads":8}`, string(value))
}

func TestJobFileRepository_ReplaceOrders(t *testing.T) {
	repos := openTestRepos(t)
	ctx := context.Background()
	seedJob(t, repos, hashA)

	require.NoError(t, repos.Files.ReplaceForJob(ctx, hashA, []domain.JobFile{
		{Index: 1, Path: "b.srt", Size: 5, Progress: 150},
		{Index: 0, Path: "a.mkv", Size: 10, Progress: 40},
	}))
	files, err := repos.Files.ListByJob(ctx, hashA)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.mkv", files[0].Path)
	assert.Equal(t, 100.0, files[1].Progress)
}
