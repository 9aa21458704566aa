package engine

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	tstorage "github.com/anacrolix/torrent/storage"
	"github.com/anacrolix/torrent/types"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultWatchInterval = time.Second
	minLimiterBurst      = 256 * kib
)

// LiveConfig configures the anacrolix-backed adapter.
type LiveConfig struct {
	DataDir string
	// ListenPort 0 lets the OS pick a free port.
	ListenPort int
	Seed       bool
	Trackers   []string
	// Offline disables DHT, trackers and port forwarding.
	Offline bool
	// Initial settings are installed at client creation. Proxy and
	// encryption policy cannot change afterwards.
	Initial       SessionSettings
	EventBuffer   int
	WatchInterval time.Duration
	Logger        *logrus.Logger
}

// Live drives a real anacrolix/torrent client.
type Live struct {
	cfg    LiveConfig
	client *torrent.Client
	events *eventQueue

	downLimiter *rate.Limiter
	upLimiter   *rate.Limiter

	mu       sync.Mutex
	handles  map[string]*liveHandle
	settings SessionSettings
	closing  chan struct{}
	wg       sync.WaitGroup
}

type liveHandle struct {
	id       string
	t        *torrent.Torrent
	savePath string
	magnet   string
	dropped  chan struct{}

	mu          sync.Mutex
	paused      bool
	checking    bool
	finished    bool
	priority    uint8
	errMsg      string
	peers       int
	lastRead    int64
	lastWritten int64
	lastSample  time.Time
	downRate    int64
	upRate      int64
}

func (h *liveHandle) ID() string { return h.id }

// NewLive creates the anacrolix client. Failures are init errors so that the
// factory can fall back to the simulated adapter.
func NewLive(cfg LiveConfig) (*Live, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = defaultWatchInterval
	}
	if len(cfg.Trackers) == 0 {
		cfg.Trackers = DefaultTrackers()
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./downloads"
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, initError(fmt.Errorf("create data dir: %w", err))
	}

	l := &Live{
		cfg:         cfg,
		events:      newEventQueue(cfg.EventBuffer),
		downLimiter: newLimiter(cfg.Initial.DownloadRateLimit),
		upLimiter:   newLimiter(cfg.Initial.UploadRateLimit),
		handles:     make(map[string]*liveHandle),
		settings:    cfg.Initial,
		closing:     make(chan struct{}),
	}

	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = cfg.DataDir
	clientConfig.Seed = cfg.Seed
	clientConfig.NoUpload = false
	clientConfig.ListenPort = cfg.ListenPort
	if cfg.Offline {
		clientConfig.NoDHT = true
		clientConfig.DisableTrackers = true
		clientConfig.NoDefaultPortForwarding = true
	}
	clientConfig.DownloadRateLimiter = l.downLimiter
	clientConfig.UploadRateLimiter = l.upLimiter
	if cfg.Initial.ConnectionsLimit > 0 {
		clientConfig.EstablishedConnsPerTorrent = cfg.Initial.ConnectionsLimit
	}
	if p := cfg.Initial.Proxy; p != nil {
		proxyURL, err := p.URL()
		if err != nil {
			return nil, initError(err)
		}
		clientConfig.HTTPProxy = http.ProxyURL(proxyURL)
	}
	if enc := cfg.Initial.Encryption; enc != nil {
		clientConfig.HeaderObfuscationPolicy = torrent.HeaderObfuscationPolicy{
			Preferred:        true,
			RequirePreferred: enc.Forced,
		}
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, initError(fmt.Errorf("create torrent client: %w", err))
	}
	l.client = client
	cfg.Logger.Infof("live engine started, data dir: %s", cfg.DataDir)
	return l, nil
}

// URL renders the proxy as a URL understood by the client.
func (p ProxySettings) URL() (*url.URL, error) {
	scheme := strings.ToLower(p.Type)
	switch scheme {
	case "socks5", "http":
	default:
		return nil, fmt.Errorf("unsupported proxy type %q", p.Type)
	}
	u := &url.URL{Scheme: scheme, Host: p.Host + ":" + strconv.Itoa(p.Port)}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u, nil
}

func newLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return rate.NewLimiter(rate.Inf, minLimiterBurst)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), limiterBurst(bytesPerSec))
}

func limiterBurst(bytesPerSec int64) int {
	if bytesPerSec < minLimiterBurst {
		return minLimiterBurst
	}
	return int(bytesPerSec)
}

func setLimit(l *rate.Limiter, bytesPerSec int64) {
	if bytesPerSec <= 0 {
		l.SetLimit(rate.Inf)
		l.SetBurst(minLimiterBurst)
		return
	}
	l.SetLimit(rate.Limit(bytesPerSec))
	l.SetBurst(limiterBurst(bytesPerSec))
}

func (l *Live) Kind() Kind { return KindLive }

func (l *Live) Capabilities() Capabilities {
	return Capabilities{
		Recheck:      true,
		ResumeData:   true,
		FilePriority: true,
	}
}

func (l *Live) Add(ctx context.Context, d Descriptor, savePath string) (h Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = callError("add", fmt.Errorf("panic in engine: %v", r))
		}
	}()

	spec, magnetURI, resume, err := l.specFor(d)
	if err != nil {
		return nil, err
	}
	if savePath != "" && filepath.Clean(savePath) != filepath.Clean(l.cfg.DataDir) {
		if err := os.MkdirAll(savePath, 0o755); err != nil {
			return nil, callError("add", fmt.Errorf("create save path: %w", err))
		}
		spec.Storage = tstorage.NewFile(savePath)
	} else {
		savePath = l.cfg.DataDir
	}
	spec.Trackers = append(spec.Trackers, trackerTiers(l.cfg.Trackers)...)

	if err := ctx.Err(); err != nil {
		return nil, callError("add", err)
	}

	t, isNew, err := l.client.AddTorrentSpec(spec)
	if err != nil {
		return nil, callError("add", err)
	}
	id := t.InfoHash().HexString()
	if !isNew {
		return nil, &EngineError{Kind: KindDuplicate, Op: "add", Message: fmt.Sprintf("job %s already registered", id), Err: ErrDuplicate}
	}

	handle := &liveHandle{
		id:         id,
		t:          t,
		savePath:   savePath,
		magnet:     magnetURI,
		dropped:    make(chan struct{}),
		lastSample: time.Now(),
	}
	if resume != nil {
		handle.paused = resume.Paused
		handle.priority = uint8(resume.Priority)
	}
	if handle.paused {
		t.DisallowDataDownload()
	}

	// the cap is read and the handle published together so a concurrent
	// ApplySettings either sees the handle or has already stored its limit
	l.mu.Lock()
	if limit := l.settings.ConnectionsLimit; limit > 0 {
		t.SetMaxEstablishedConns(limit)
	}
	l.handles[id] = handle
	l.mu.Unlock()

	l.events.push(Event{Kind: EventJobAdded, JobID: id, At: time.Now()})

	l.wg.Add(1)
	go l.watch(handle)
	return handle, nil
}

// specFor resolves a descriptor into a torrent spec. Resume snapshots carry
// the full metainfo and take precedence over the origin.
func (l *Live) specFor(d Descriptor) (*torrent.TorrentSpec, string, *liveResume, error) {
	if len(d.ResumeData) > 0 {
		var rec liveResume
		if err := bencode.Unmarshal(d.ResumeData, &rec); err == nil && len(rec.MetaInfo) > 0 {
			mi, err := metainfo.Load(bytes.NewReader(rec.MetaInfo))
			if err == nil {
				spec, err := torrent.TorrentSpecFromMetaInfoErr(mi)
				if err == nil {
					magnet := d.URI
					if magnet == "" {
						magnet = MagnetURI(spec.InfoHash.HexString(), spec.DisplayName)
					}
					return spec, magnet, &rec, nil
				}
			}
			l.cfg.Logger.Warnf("ignoring unreadable resume snapshot: %v", err)
		}
	}

	switch {
	case d.URI != "":
		spec, err := torrent.TorrentSpecFromMagnetUri(d.URI)
		if err != nil {
			return nil, "", nil, callError("add", fmt.Errorf("%w: %v", ErrBadDescriptor, err))
		}
		return spec, d.URI, nil, nil
	case len(d.Torrent) > 0:
		tf, err := ParseTorrent(d.Torrent)
		if err != nil {
			return nil, "", nil, callError("add", err)
		}
		spec, err := torrent.TorrentSpecFromMetaInfoErr(tf.MetaInfo)
		if err != nil {
			return nil, "", nil, callError("add", fmt.Errorf("%w: %v", ErrBadDescriptor, err))
		}
		return spec, MagnetURI(tf.InfoHash, tf.Info.BestName()), nil, nil
	}
	return nil, "", nil, callError("add", ErrBadDescriptor)
}

func trackerTiers(trackers []string) [][]string {
	tiers := make([][]string, 0, len(trackers))
	for _, tr := range trackers {
		tiers = append(tiers, []string{tr})
	}
	return tiers
}

// watch turns state changes of one torrent into discrete events.
func (l *Live) watch(h *liveHandle) {
	defer l.wg.Done()
	logger := l.cfg.Logger.WithField("job", h.id)

	select {
	case <-l.closing:
		return
	case <-h.dropped:
		return
	case <-h.t.GotInfo():
	}

	h.mu.Lock()
	paused := h.paused
	priority := h.priority
	h.mu.Unlock()
	if priority > 0 {
		applyPriority(h.t, priority)
	}
	if !paused {
		h.t.DownloadAll()
	}
	logger.Infof("metadata received: %s (%s)", h.t.Name(), humanize.IBytes(uint64(h.t.Length())))
	l.events.push(Event{Kind: EventMetadataReady, JobID: h.id, At: time.Now()})

	ticker := time.NewTicker(l.cfg.WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.closing:
			return
		case <-h.dropped:
			return
		case <-ticker.C:
		}

		stats := h.t.Stats()
		now := time.Now()
		h.mu.Lock()
		if stats.ActivePeers > h.peers {
			l.events.push(Event{Kind: EventPeerConnected, JobID: h.id, At: now})
		}
		h.peers = stats.ActivePeers
		justFinished := !h.finished && !h.checking && h.t.BytesMissing() == 0
		if justFinished {
			h.finished = true
		}
		h.mu.Unlock()

		if justFinished {
			logger.Info("download completed")
			l.events.push(Event{Kind: EventJobFinished, JobID: h.id, At: now})
		}
	}
}

func (l *Live) lookup(op string, h Handle) (*liveHandle, error) {
	lh, ok := h.(*liveHandle)
	if !ok {
		id := ""
		if h != nil {
			id = h.ID()
		}
		return nil, invalidHandle(op, id)
	}
	if lh == nil {
		return nil, invalidHandle(op, "")
	}
	l.mu.Lock()
	cur, ok := l.handles[lh.id]
	l.mu.Unlock()
	if !ok || cur != lh {
		return nil, invalidHandle(op, lh.id)
	}
	return lh, nil
}

func (l *Live) Remove(h Handle, deleteFiles bool) error {
	lh, err := l.lookup("remove", h)
	if err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.handles, lh.id)
	l.mu.Unlock()

	var name string
	if info := lh.t.Info(); info != nil {
		name = info.BestName()
	}
	close(lh.dropped)
	lh.t.Drop()

	if deleteFiles && name != "" {
		target := filepath.Join(lh.savePath, name)
		if err := os.RemoveAll(target); err != nil && !os.IsNotExist(err) {
			return callError("remove", fmt.Errorf("delete files: %w", err))
		}
	}
	return nil
}

func (l *Live) Pause(h Handle) error {
	lh, err := l.lookup("pause", h)
	if err != nil {
		return err
	}
	lh.mu.Lock()
	lh.paused = true
	lh.mu.Unlock()
	lh.t.DisallowDataDownload()
	l.events.push(Event{Kind: EventJobPaused, JobID: lh.id, At: time.Now()})
	return nil
}

func (l *Live) Resume(h Handle) error {
	lh, err := l.lookup("resume", h)
	if err != nil {
		return err
	}
	lh.mu.Lock()
	lh.paused = false
	lh.mu.Unlock()
	lh.t.AllowDataDownload()
	if lh.t.Info() != nil {
		lh.t.DownloadAll()
	}
	l.events.push(Event{Kind: EventJobResumed, JobID: lh.id, At: time.Now()})
	return nil
}

func (l *Live) SetPriority(h Handle, priority uint8) error {
	lh, err := l.lookup("set_priority", h)
	if err != nil {
		return err
	}
	lh.mu.Lock()
	lh.priority = priority
	lh.mu.Unlock()
	if lh.t.Info() != nil {
		applyPriority(lh.t, priority)
	}
	return nil
}

// applyPriority maps the 0..255 job priority onto piece priorities for every
// file of the torrent.
func applyPriority(t *torrent.Torrent, priority uint8) {
	p := types.PiecePriorityNormal
	switch {
	case priority >= 224:
		p = types.PiecePriorityReadahead
	case priority >= 128:
		p = types.PiecePriorityHigh
	}
	for _, f := range t.Files() {
		f.SetPriority(p)
	}
}

// Recheck verifies all pieces in the background. The job reports Checking
// until verification returns.
func (l *Live) Recheck(h Handle) error {
	lh, err := l.lookup("recheck", h)
	if err != nil {
		return err
	}
	if lh.t.Info() == nil {
		return callError("recheck", fmt.Errorf("metadata not yet available"))
	}
	lh.mu.Lock()
	if lh.checking {
		lh.mu.Unlock()
		return nil
	}
	lh.checking = true
	lh.errMsg = ""
	lh.finished = false
	lh.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				lh.mu.Lock()
				lh.errMsg = fmt.Sprintf("recheck failed: %v", r)
				lh.mu.Unlock()
				l.events.push(Event{Kind: EventJobError, JobID: lh.id, Message: fmt.Sprint(r), At: time.Now()})
			}
			lh.mu.Lock()
			lh.checking = false
			lh.mu.Unlock()
		}()
		lh.t.VerifyData()
	}()
	return nil
}

func (l *Live) WaitMetadata(ctx context.Context, h Handle) error {
	lh, err := l.lookup("wait_metadata", h)
	if err != nil {
		return err
	}
	select {
	case <-lh.t.GotInfo():
		return nil
	case <-lh.dropped:
		return invalidHandle("wait_metadata", lh.id)
	case <-l.closing:
		return callError("wait_metadata", fmt.Errorf("engine closed"))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Live) Status(h Handle) (StatusSnapshot, error) {
	lh, err := l.lookup("status", h)
	if err != nil {
		return StatusSnapshot{}, err
	}
	t := lh.t
	stats := t.Stats()
	now := time.Now()

	read := stats.BytesReadUsefulData.Int64()
	written := stats.BytesWrittenData.Int64()

	lh.mu.Lock()
	if elapsed := now.Sub(lh.lastSample).Seconds(); elapsed >= 0.5 {
		lh.downRate = int64(float64(read-lh.lastRead) / elapsed)
		lh.upRate = int64(float64(written-lh.lastWritten) / elapsed)
		lh.lastRead, lh.lastWritten, lh.lastSample = read, written, now
	}
	snap := StatusSnapshot{
		ID:           lh.id,
		SavePath:     lh.savePath,
		MagnetURI:    lh.magnet,
		DownloadRate: max(lh.downRate, 0),
		UploadRate:   max(lh.upRate, 0),
		Uploaded:     written,
		Peers:        stats.ActivePeers,
		Seeds:        stats.ConnectedSeeders,
		Error:        lh.errMsg,
	}
	paused, checking, errMsg := lh.paused, lh.checking, lh.errMsg
	lh.mu.Unlock()

	info := t.Info()
	if info == nil {
		snap.Name = PlaceholderName(lh.id)
		snap.State = StateDownloading
		if paused {
			snap.State = StatePaused
		}
		return snap, nil
	}

	snap.HasMetadata = true
	snap.Name = t.Name()
	snap.Size = t.Length()
	snap.Downloaded = t.BytesCompleted()
	if snap.Size > 0 {
		snap.Progress = float64(snap.Downloaded) / float64(snap.Size) * 100
	}
	complete := t.BytesMissing() == 0

	switch {
	case errMsg != "":
		snap.State = StateError
	case checking:
		snap.State = StateChecking
	case paused:
		snap.State = StatePaused
	case complete && l.cfg.Seed:
		snap.State = StateSeeding
		snap.Progress = 100
	case complete:
		snap.State = StateFinished
		snap.Progress = 100
	default:
		snap.State = StateDownloading
		if snap.DownloadRate > 0 {
			eta := (snap.Size - snap.Downloaded) / snap.DownloadRate
			snap.ETA = &eta
		}
	}

	files := t.Files()
	snap.Files = make([]FileStatus, len(files))
	for i, f := range files {
		fs := FileStatus{Index: i, Path: f.DisplayPath(), Size: f.Length()}
		if fs.Size > 0 {
			fs.Progress = float64(f.BytesCompleted()) / float64(fs.Size) * 100
		}
		snap.Files[i] = fs
	}
	return snap, nil
}

func (l *Live) PollEvents() []Event {
	return l.events.drain()
}

// ApplySettings adjusts rate limiters and per-torrent connection caps in
// place. Proxy and encryption changes after start are reported unsupported.
func (l *Live) ApplySettings(s SessionSettings) (ApplyReport, error) {
	var report ApplyReport

	setLimit(l.downLimiter, s.DownloadRateLimit)
	setLimit(l.upLimiter, s.UploadRateLimit)

	l.mu.Lock()
	l.settings = s
	handles := make([]*liveHandle, 0, len(l.handles))
	for _, h := range l.handles {
		handles = append(handles, h)
	}
	l.mu.Unlock()

	if s.ConnectionsLimit > 0 {
		for _, h := range handles {
			h.t.SetMaxEstablishedConns(s.ConnectionsLimit)
		}
	}
	if s.UnchokeSlotsLimit > 0 {
		report.Unsupported = append(report.Unsupported, "unchoke_slots_limit")
	}
	if !sameProxy(l.cfg.Initial.Proxy, s.Proxy) {
		report.Unsupported = append(report.Unsupported, "proxy")
	}
	if !sameEncryption(l.cfg.Initial.Encryption, s.Encryption) {
		report.Unsupported = append(report.Unsupported, "encryption")
	}
	return report, nil
}

func sameProxy(a, b *ProxySettings) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameEncryption(a, b *EncryptionPolicy) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

type liveResume struct {
	MetaInfo  []byte `bencode:"metainfo"`
	Completed int64  `bencode:"completed"`
	Paused    bool   `bencode:"paused"`
	Priority  int    `bencode:"priority"`
}

func (l *Live) SnapshotResumeState(h Handle) ([]byte, error) {
	lh, err := l.lookup("snapshot_resume", h)
	if err != nil {
		return nil, err
	}
	if lh.t.Info() == nil {
		return nil, callError("snapshot_resume", fmt.Errorf("metadata not yet available"))
	}
	var buf bytes.Buffer
	mi := lh.t.Metainfo()
	if err := mi.Write(&buf); err != nil {
		return nil, callError("snapshot_resume", err)
	}
	lh.mu.Lock()
	rec := liveResume{
		MetaInfo:  buf.Bytes(),
		Completed: lh.t.BytesCompleted(),
		Paused:    lh.paused,
		Priority:  int(lh.priority),
	}
	lh.mu.Unlock()
	data, err := bencode.Marshal(rec)
	if err != nil {
		return nil, callError("snapshot_resume", err)
	}
	return data, nil
}

func (l *Live) SessionStats() SessionStats {
	l.mu.Lock()
	handles := make([]*liveHandle, 0, len(l.handles))
	for _, h := range l.handles {
		handles = append(handles, h)
	}
	l.mu.Unlock()

	var stats SessionStats
	for _, h := range handles {
		snap, err := l.Status(h)
		if err != nil {
			continue
		}
		stats.DownloadRate += snap.DownloadRate
		stats.UploadRate += snap.UploadRate
		ts := h.t.Stats()
		stats.TotalDownloaded += ts.BytesReadUsefulData.Int64()
		stats.TotalUploaded += snap.Uploaded
	}
	return stats
}

func (l *Live) Close() error {
	select {
	case <-l.closing:
		return nil
	default:
	}
	close(l.closing)
	l.wg.Wait()
	if errs := l.client.Close(); len(errs) > 0 {
		return callError("close", errs[0])
	}
	l.cfg.Logger.Info("live engine stopped")
	return nil
}

// DefaultTrackers are appended to every job so that magnets without tr
// parameters can still find peers.
func DefaultTrackers() []string {
	return []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://tracker.openbittorrent.com:6969/announce",
		"udp://open.stealth.si:80/announce",
		"udp://exodus.desync.com:6969/announce",
		"http://tracker.opentrackr.org:1337/announce",
		"udp://tracker.torrent.eu.org:451/announce",
	}
}

var _ Adapter = (*Live)(nil)
