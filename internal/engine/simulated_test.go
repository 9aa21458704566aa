package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSimulated(clock *manualClock) *Simulated {
	return NewSimulated(SimulatedConfig{Clock: clock, TickInterval: time.Second, Increment: 10})
}

func eventKinds(events []Event) []EventKind {
	kinds := make([]EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func TestSimulated_AddEmitsAddedAndMetadata(t *testing.T) {
	clock := newManualClock()
	sim := newTestSimulated(clock)

	h, err := sim.Add(context.Background(), Descriptor{URI: testMagnet("Movie")}, "/data")
	require.NoError(t, err)
	assert.Equal(t, testHash, h.ID())

	assert.Equal(t, []EventKind{EventJobAdded, EventMetadataReady}, eventKinds(sim.PollEvents()))
	assert.Empty(t, sim.PollEvents())

	snap, err := sim.Status(h)
	require.NoError(t, err)
	assert.Equal(t, "Movie", snap.Name)
	assert.Equal(t, int64(defaultSimMagnetSize), snap.Size)
	assert.Equal(t, StateDownloading, snap.State)
	assert.Equal(t, "/data", snap.SavePath)
	assert.True(t, snap.HasMetadata)
	require.Len(t, snap.Files, 3)
	assert.Equal(t, "Movie.mkv", snap.Files[0].Path)
	assert.Equal(t, "README.txt", snap.Files[2].Path)
}

func TestSimulated_DuplicateAdd(t *testing.T) {
	sim := newTestSimulated(newManualClock())
	_, err := sim.Add(context.Background(), Descriptor{URI: testMagnet("")}, "")
	require.NoError(t, err)

	_, err = sim.Add(context.Background(), Descriptor{URI: testMagnet("")}, "")
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestSimulated_ProgressAfterTicks(t *testing.T) {
	clock := newManualClock()
	sim := newTestSimulated(clock)
	h, err := sim.Add(context.Background(), Descriptor{URI: testMagnet("")}, "")
	require.NoError(t, err)

	clock.Advance(3 * time.Second)
	snap, err := sim.Status(h)
	require.NoError(t, err)
	assert.InDelta(t, 30.0, snap.Progress, 0.0001)
	assert.Greater(t, snap.DownloadRate, int64(0))
	assert.GreaterOrEqual(t, snap.Peers, 1)
	assert.GreaterOrEqual(t, snap.Seeds, 1)
	require.NotNil(t, snap.ETA)
	assert.Equal(t, "Torrent_01234567", snap.Name)
}

func TestSimulated_PausedTimeDoesNotCount(t *testing.T) {
	clock := newManualClock()
	sim := newTestSimulated(clock)
	h, err := sim.Add(context.Background(), Descriptor{URI: testMagnet("")}, "")
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	require.NoError(t, sim.Pause(h))
	clock.Advance(10 * time.Second)

	snap, err := sim.Status(h)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, snap.State)
	assert.InDelta(t, 20.0, snap.Progress, 0.0001)

	require.NoError(t, sim.Resume(h))
	clock.Advance(time.Second)
	snap, err = sim.Status(h)
	require.NoError(t, err)
	assert.Equal(t, StateDownloading, snap.State)
	assert.InDelta(t, 30.0, snap.Progress, 0.0001)

	kinds := eventKinds(sim.PollEvents())
	assert.Contains(t, kinds, EventJobPaused)
	assert.Contains(t, kinds, EventJobResumed)
}

func TestSimulated_CompletionThenSeeding(t *testing.T) {
	clock := newManualClock()
	sim := newTestSimulated(clock)
	h, err := sim.Add(context.Background(), Descriptor{URI: testMagnet("")}, "")
	require.NoError(t, err)
	sim.PollEvents()

	clock.Advance(15 * time.Second)
	events := sim.PollEvents()
	assert.Equal(t, []EventKind{EventJobFinished}, eventKinds(events))

	snap, err := sim.Status(h)
	require.NoError(t, err)
	assert.Equal(t, StateFinished, snap.State)
	assert.Equal(t, 100.0, snap.Progress)
	assert.Equal(t, snap.Size, snap.Downloaded)

	clock.Advance(2 * time.Second)
	snap, err = sim.Status(h)
	require.NoError(t, err)
	assert.Equal(t, StateSeeding, snap.State)
	assert.Equal(t, int64(simSeedUploadRate), snap.UploadRate)
	assert.Equal(t, int64(0), snap.DownloadRate)
	assert.Nil(t, snap.ETA)

	clock.Advance(time.Minute)
	assert.Empty(t, sim.PollEvents(), "finished is reported once")
}

func TestSimulated_FileDescriptorSize(t *testing.T) {
	sim := newTestSimulated(newManualClock())

	h, err := sim.Add(context.Background(), Descriptor{Torrent: []byte("opaque"), FileName: "show.torrent"}, "")
	require.NoError(t, err)
	snap, err := sim.Status(h)
	require.NoError(t, err)
	assert.Equal(t, int64(defaultSimFileSize), snap.Size)
	assert.Equal(t, "show", snap.Name)

	data, _ := buildTorrent(t, "real.bin", 50000)
	h, err = sim.Add(context.Background(), Descriptor{Torrent: data, FileName: "real.torrent"}, "")
	require.NoError(t, err)
	snap, err = sim.Status(h)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), snap.Size)
}

func TestSimulated_InvalidHandle(t *testing.T) {
	sim := newTestSimulated(newManualClock())
	h, err := sim.Add(context.Background(), Descriptor{URI: testMagnet("")}, "")
	require.NoError(t, err)
	require.NoError(t, sim.Remove(h, false))

	_, err = sim.Status(h)
	assert.True(t, IsInvalidHandle(err))
	assert.True(t, IsInvalidHandle(sim.Pause(h)))
	assert.True(t, IsInvalidHandle(sim.Remove(h, true)))
}

func TestSimulated_ResumeSnapshotRoundTrip(t *testing.T) {
	clock := newManualClock()
	sim := newTestSimulated(clock)
	h, err := sim.Add(context.Background(), Descriptor{URI: testMagnet("")}, "")
	require.NoError(t, err)
	clock.Advance(4 * time.Second)
	require.NoError(t, sim.Pause(h))

	data, err := sim.SnapshotResumeState(h)
	require.NoError(t, err)
	require.NoError(t, sim.Close())

	restarted := newTestSimulated(clock)
	h, err = restarted.Add(context.Background(), Descriptor{URI: testMagnet(""), ResumeData: data}, "")
	require.NoError(t, err)
	snap, err := restarted.Status(h)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, snap.State)
	assert.InDelta(t, 40.0, snap.Progress, 0.0001)
}

func TestSimulated_RecheckReportsChecking(t *testing.T) {
	clock := newManualClock()
	sim := newTestSimulated(clock)
	h, err := sim.Add(context.Background(), Descriptor{URI: testMagnet("")}, "")
	require.NoError(t, err)

	require.NoError(t, sim.Recheck(h))
	snap, err := sim.Status(h)
	require.NoError(t, err)
	assert.Equal(t, StateChecking, snap.State)

	clock.Advance(time.Second)
	snap, err = sim.Status(h)
	require.NoError(t, err)
	assert.Equal(t, StateDownloading, snap.State)
}

func TestSimulated_SessionStats(t *testing.T) {
	clock := newManualClock()
	sim := newTestSimulated(clock)
	_, err := sim.Add(context.Background(), Descriptor{URI: testMagnet("")}, "")
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	stats := sim.SessionStats()
	assert.Greater(t, stats.DownloadRate, int64(0))
	assert.Equal(t, int64(float64(defaultSimMagnetSize)*0.2), stats.TotalDownloaded)
}

func TestSimulated_ApplySettingsRecordsSnapshot(t *testing.T) {
	sim := newTestSimulated(newManualClock())
	report, err := sim.ApplySettings(SessionSettings{DownloadRateLimit: 1024, ConnectionsLimit: 50})
	require.NoError(t, err)
	assert.Empty(t, report.Unsupported)
	assert.Equal(t, int64(1024), sim.LastSettings().DownloadRateLimit)
}
