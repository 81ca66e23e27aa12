package drip

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/log"
	"github.com/chiral-network/drip/internal/logger"
	"github.com/fortytw2/leaktest"
	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetLevel(log.DEBUG)
	// Start go-metrics' global meterArbiter goroutine before any leaktest
	// snapshot; it never exits and would otherwise be reported as a leak.
	// Wait until it is parked in tick: until then its stack still shows
	// runtime.goexit, which leaktest excludes from its baseline.
	metrics.NewMeter().Stop()
	buf := make([]byte, 1<<20)
	for !strings.Contains(string(buf[:runtime.Stack(buf, true)]), "meterArbiter).tick(") {
		time.Sleep(time.Millisecond)
	}
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	return newTestSessionIn(t, t.TempDir())
}

func newTestSessionIn(t *testing.T, dir string) *Session {
	t.Helper()
	s, err := NewSession(testConfig(dir))
	require.NoError(t, err)
	return s
}

func testConfig(dir string) Config {
	cfg := DefaultConfig
	cfg.Database = filepath.Join(dir, "session.db")
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.RPCEnabled = false
	cfg.ReadBufferSize = 1 << 10
	cfg.MaxProbeAttempts = 4
	cfg.ProbeBackoffBase = time.Millisecond
	cfg.ProbeBackoffMax = 10 * time.Millisecond
	cfg.ReadTimeout = 5 * time.Second
	cfg.ProbeTimeout = 5 * time.Second
	return cfg
}

// rangeServer is an HTTP source with controllable failure modes.
type rangeServer struct {
	mu       sync.Mutex
	content  []byte
	etag     string // empty means the source has no entity tag
	chunk    int           // bytes written per flush, 0 means all at once
	interval time.Duration // wait between flushes
	truncate int           // serve only this many bytes of the body, 0 means all
	noRanges bool          // ignore Range headers, always serve the full body
	failures int           // respond with 503 to this many requests first

	// Stale cache in front of the metadata endpoint: the next staleHeads
	// HEAD requests are answered with staleContent/staleETag.
	staleHeads   int
	staleContent []byte
	staleETag    string

	offsets  []int64  // requested body start offsets, in order
	ifRanges []string // If-Range tokens of the body requests, in order
}

const lastModified = "Wed, 21 Oct 2015 07:28:00 GMT"

func newRangeServer(content []byte, etag string) *rangeServer {
	return &rangeServer{content: content, etag: etag}
}

func (rs *rangeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rs.mu.Lock()
	if rs.failures > 0 {
		rs.failures--
		rs.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	content := rs.content
	etag := rs.etag
	chunk, interval, truncate, noRanges := rs.chunk, rs.interval, rs.truncate, rs.noRanges
	if r.Method == http.MethodHead && rs.staleHeads > 0 {
		rs.staleHeads--
		content = rs.staleContent
		etag = rs.staleETag
	}
	rs.mu.Unlock()

	if etag != "" {
		w.Header().Set("ETag", etag)
	}
	w.Header().Set("Last-Modified", lastModified)
	if !noRanges {
		w.Header().Set("Accept-Ranges", "bytes")
	}

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		return
	}

	var offset int64
	status := http.StatusOK
	if rh := r.Header.Get("Range"); rh != "" && !noRanges {
		ir := r.Header.Get("If-Range")
		if ir == "" || ir == etag || ir == lastModified {
			fmt.Sscanf(rh, "bytes=%d-", &offset)
			status = http.StatusPartialContent
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(content)-1, len(content)))
		}
	}
	rs.mu.Lock()
	rs.offsets = append(rs.offsets, offset)
	rs.ifRanges = append(rs.ifRanges, r.Header.Get("If-Range"))
	rs.mu.Unlock()

	body := content[offset:]
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)

	limit := len(body)
	if truncate > 0 && truncate < limit {
		limit = truncate
	}
	var written int
	for written < limit {
		n := limit - written
		if chunk > 0 && n > chunk {
			n = chunk
		}
		if _, err := w.Write(body[written : written+n]); err != nil {
			return
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		written += n
		if interval > 0 {
			time.Sleep(interval)
		}
	}
}

func (rs *rangeServer) set(f func(*rangeServer)) {
	rs.mu.Lock()
	f(rs)
	rs.mu.Unlock()
}

func (rs *rangeServer) requestedOffsets() []int64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]int64(nil), rs.offsets...)
}

func (rs *rangeServer) requestedIfRanges() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string(nil), rs.ifRanges...)
}

func testContent(n int) []byte {
	return testContentSeed(n, 42)
}

func testContentSeed(n int, seed int64) []byte {
	b := make([]byte, n)
	rnd := rand.New(rand.NewSource(seed))
	rnd.Read(b)
	return b
}

func waitForState(t *testing.T, d *Download, want State) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if d.Status().State == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for state %q, download is in %q", want, d.Status().State)
}

func waitForRestarts(t *testing.T, d *Download, n int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if d.Status().Restarts >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d restarts, download has %d", n, d.Status().Restarts)
}

func waitForBytes(t *testing.T, d *Download, n int64) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st := d.Status()
		if st.BytesDownloaded >= n {
			return
		}
		if st.State.Terminal() {
			t.Fatalf("download became terminal at %d bytes: %v", st.BytesDownloaded, st.Error)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d downloaded bytes", n)
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return b
}

func TestDownloadComplete(t *testing.T) {
	defer leaktest.Check(t)()

	content := testContent(100 << 10)
	rs := newRangeServer(content, `"v1"`)
	srv := httptest.NewServer(rs)
	defer srv.Close()

	s := newTestSession(t)
	defer s.Close()

	d, err := s.AddDownload(srv.URL, "file.bin", nil)
	require.NoError(t, err)
	waitForState(t, d, Completed)

	st := d.Status()
	assert.Equal(t, int64(len(content)), st.BytesDownloaded)
	assert.Equal(t, int64(len(content)), st.ExpectedSize)
	assert.Equal(t, `"v1"`, st.ETag)
	assert.Equal(t, 0, st.Restarts)
	assert.Equal(t, content, readFile(t, d.Destination()))

	// Finished downloads leave no engine artifacts behind.
	_, err = os.Stat(d.Destination() + ".part")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(d.Destination() + ".meta.json")
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadExpectedHash(t *testing.T) {
	content := testContent(32 << 10)
	digest := sha256.Sum256(content)
	rs := newRangeServer(content, `"v1"`)
	srv := httptest.NewServer(rs)
	defer srv.Close()

	s := newTestSession(t)
	defer s.Close()

	d, err := s.AddDownload(srv.URL, "file.bin", &AddDownloadOptions{
		ExpectedHash: hex.EncodeToString(digest[:]),
	})
	require.NoError(t, err)
	waitForState(t, d, Completed)
	assert.Equal(t, content, readFile(t, d.Destination()))
}

func TestPauseResume(t *testing.T) {
	defer leaktest.Check(t)()

	content := testContent(64 << 10)
	rs := newRangeServer(content, `"v1"`)
	rs.chunk = 1 << 10
	rs.interval = 2 * time.Millisecond
	srv := httptest.NewServer(rs)
	defer srv.Close()

	s := newTestSession(t)
	defer s.Close()

	d, err := s.AddDownload(srv.URL, "file.bin", nil)
	require.NoError(t, err)
	waitForBytes(t, d, 4<<10)

	err = d.Pause()
	require.NoError(t, err)

	st := d.Status()
	assert.Equal(t, Paused, st.State)
	assert.Less(t, st.BytesDownloaded, int64(len(content)))

	// Pause returns only after all received bytes are flushed. The partial
	// file length must equal the recorded offset exactly.
	fi, err := os.Stat(d.Destination() + ".part")
	require.NoError(t, err)
	assert.Equal(t, st.BytesDownloaded, fi.Size())

	// No transfer happens while paused.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, st.BytesDownloaded, d.Status().BytesDownloaded)

	rs.set(func(rs *rangeServer) { rs.chunk = 0; rs.interval = 0 })
	err = d.Resume()
	require.NoError(t, err)
	waitForState(t, d, Completed)

	assert.Equal(t, content, readFile(t, d.Destination()))
	assert.Equal(t, 0, d.Status().Restarts)

	// The resumed transfer must have continued from the paused offset.
	offsets := rs.requestedOffsets()
	require.NotEmpty(t, offsets)
	assert.Equal(t, st.BytesDownloaded, offsets[len(offsets)-1])
}

func TestResumeAfterSourceFailure(t *testing.T) {
	content := testContent(64 << 10)
	rs := newRangeServer(content, `"v1"`)
	rs.truncate = 32 << 10
	srv := httptest.NewServer(rs)
	defer srv.Close()

	s := newTestSession(t)
	defer s.Close()

	d, err := s.AddDownload(srv.URL, "file.bin", nil)
	require.NoError(t, err)
	waitForState(t, d, Failed)

	st := d.Status()
	require.Error(t, st.Error)
	assert.Equal(t, KindSource, KindOf(st.Error))
	assert.Equal(t, int64(32<<10), st.BytesDownloaded)

	// A recoverable failure keeps its artifacts for the next attempt.
	fi, err := os.Stat(d.Destination() + ".part")
	require.NoError(t, err)
	assert.Equal(t, st.BytesDownloaded, fi.Size())

	rs.set(func(rs *rangeServer) { rs.truncate = 0 })
	err = d.Resume()
	require.NoError(t, err)
	waitForState(t, d, Completed)

	assert.Equal(t, content, readFile(t, d.Destination()))
	assert.Equal(t, 0, d.Status().Restarts)
}

func TestRestartOnSourceChange(t *testing.T) {
	content := testContent(64 << 10)
	rs := newRangeServer(content, `"v1"`)
	rs.chunk = 1 << 10
	rs.interval = 2 * time.Millisecond
	srv := httptest.NewServer(rs)
	defer srv.Close()

	s := newTestSession(t)
	defer s.Close()

	d, err := s.AddDownload(srv.URL, "file.bin", nil)
	require.NoError(t, err)
	waitForBytes(t, d, 4<<10)
	require.NoError(t, d.Pause())

	// The resource changes while the download is paused. Resuming must
	// detect the new validator and discard all partial progress.
	changed := testContent(48 << 10)
	rs.set(func(rs *rangeServer) {
		rs.content = changed
		rs.etag = `"v2"`
		rs.chunk = 0
		rs.interval = 0
	})

	require.NoError(t, d.Resume())
	waitForState(t, d, Completed)

	st := d.Status()
	assert.Equal(t, 1, st.Restarts)
	assert.Equal(t, "source changed since last probe", st.LastRestartCause)
	assert.Equal(t, `"v2"`, st.ETag)
	assert.Equal(t, changed, readFile(t, d.Destination()))
}

func TestRestartOnMissingRangeSupport(t *testing.T) {
	content := testContent(64 << 10)
	rs := newRangeServer(content, `"v1"`)
	rs.chunk = 1 << 10
	rs.interval = 2 * time.Millisecond
	srv := httptest.NewServer(rs)
	defer srv.Close()

	s := newTestSession(t)
	defer s.Close()

	d, err := s.AddDownload(srv.URL, "file.bin", nil)
	require.NoError(t, err)
	waitForBytes(t, d, 4<<10)
	require.NoError(t, d.Pause())

	// The source stops honoring Range requests. The engine must fall back
	// to a clean restart from offset zero instead of corrupting the file.
	rs.set(func(rs *rangeServer) {
		rs.noRanges = true
		rs.chunk = 0
		rs.interval = 0
	})

	require.NoError(t, d.Resume())
	waitForState(t, d, Completed)

	st := d.Status()
	assert.Equal(t, 1, st.Restarts)
	assert.Equal(t, "source does not support ranges", st.LastRestartCause)
	assert.Equal(t, content, readFile(t, d.Destination()))
}

func TestRestartReprobesSource(t *testing.T) {
	content := testContent(64 << 10)
	rs := newRangeServer(content, `"v1"`)
	rs.chunk = 1 << 10
	rs.interval = 2 * time.Millisecond
	srv := httptest.NewServer(rs)
	defer srv.Close()

	s := newTestSession(t)
	defer s.Close()

	d, err := s.AddDownload(srv.URL, "file.bin", nil)
	require.NoError(t, err)
	waitForBytes(t, d, 4<<10)
	require.NoError(t, d.Pause())

	// The resource grows while a stale cache still answers the next
	// metadata probe with the old entity. The ranged fetch detects the
	// mismatch; the restart must then probe again instead of trusting the
	// stale size, or the new body would be cut at the old length.
	grown := testContentSeed(128<<10, 43)
	rs.set(func(rs *rangeServer) {
		rs.staleContent = rs.content
		rs.staleETag = rs.etag
		rs.staleHeads = 1
		rs.content = grown
		rs.etag = `"v2"`
		rs.chunk = 0
		rs.interval = 0
	})

	require.NoError(t, d.Resume())
	waitForState(t, d, Completed)

	st := d.Status()
	assert.Equal(t, 1, st.Restarts)
	assert.Equal(t, "source changed since last probe", st.LastRestartCause)
	assert.Equal(t, `"v2"`, st.ETag)
	assert.Equal(t, int64(len(grown)), st.BytesDownloaded)
	assert.Equal(t, grown, readFile(t, d.Destination()))
}

func TestResumeWithLastModifiedToken(t *testing.T) {
	content := testContent(64 << 10)
	rs := newRangeServer(content, "")
	rs.chunk = 1 << 10
	rs.interval = 2 * time.Millisecond
	srv := httptest.NewServer(rs)
	defer srv.Close()

	s := newTestSession(t)
	defer s.Close()

	d, err := s.AddDownload(srv.URL, "file.bin", nil)
	require.NoError(t, err)
	waitForBytes(t, d, 4<<10)
	require.NoError(t, d.Pause())
	paused := d.Status().BytesDownloaded

	rs.set(func(rs *rangeServer) { rs.chunk = 0; rs.interval = 0 })
	require.NoError(t, d.Resume())
	waitForState(t, d, Completed)

	assert.Equal(t, content, readFile(t, d.Destination()))
	assert.Equal(t, 0, d.Status().Restarts)

	// A source without an entity tag still gets a precondition on resume:
	// the stored Last-Modified date rides in as the If-Range token.
	offsets := rs.requestedOffsets()
	ifRanges := rs.requestedIfRanges()
	require.NotEmpty(t, offsets)
	assert.Equal(t, paused, offsets[len(offsets)-1])
	assert.Equal(t, lastModified, ifRanges[len(ifRanges)-1])
}

func TestInsufficientStorage(t *testing.T) {
	content := testContent(32 << 10)
	rs := newRangeServer(content, `"v1"`)
	srv := httptest.NewServer(rs)
	defer srv.Close()

	oldFree := diskFree
	diskFree = func(dir string) (int64, error) { return 10, nil }
	defer func() { diskFree = oldFree }()

	s := newTestSession(t)
	defer s.Close()

	d, err := s.AddDownload(srv.URL, "file.bin", nil)
	require.NoError(t, err)
	waitForState(t, d, Failed)

	st := d.Status()
	assert.Equal(t, KindIO, KindOf(st.Error))
	assert.Contains(t, st.Error.Error(), "insufficient storage")

	// Space freed up; the same download can be resumed.
	diskFree = oldFree
	require.NoError(t, d.Resume())
	waitForState(t, d, Completed)
	assert.Equal(t, content, readFile(t, d.Destination()))
}

func TestIntegrityFailure(t *testing.T) {
	content := testContent(32 << 10)
	rs := newRangeServer(content, `"v1"`)
	srv := httptest.NewServer(rs)
	defer srv.Close()

	s := newTestSession(t)
	defer s.Close()

	bogus := sha256.Sum256([]byte("something else entirely"))
	d, err := s.AddDownload(srv.URL, "file.bin", &AddDownloadOptions{
		ExpectedHash: hex.EncodeToString(bogus[:]),
	})
	require.NoError(t, err)
	waitForState(t, d, Failed)

	st := d.Status()
	assert.Equal(t, KindSource, KindOf(st.Error))
	assert.Contains(t, st.Error.Error(), "integrity check failed")

	// The artifacts stay on disk for inspection. The destination must not
	// have been created from unverified data.
	fi, err := os.Stat(d.Destination() + ".part")
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), fi.Size())
	_, err = os.Stat(d.Destination() + ".meta.json")
	assert.NoError(t, err)
	_, err = os.Stat(d.Destination())
	assert.True(t, os.IsNotExist(err))

	// Resuming after an integrity failure starts over instead of verifying
	// the same bytes again.
	require.NoError(t, d.Resume())
	// The download is already Failed; wait for the restart to be recorded
	// before waiting for the second failure, or the first poll can observe
	// the stale terminal snapshot.
	waitForRestarts(t, d, 1)
	waitForState(t, d, Failed)
	st = d.Status()
	assert.GreaterOrEqual(t, st.Restarts, 1)
	assert.Equal(t, "integrity failure", st.LastRestartCause)
}

func TestProbeRetry(t *testing.T) {
	content := testContent(8 << 10)
	rs := newRangeServer(content, `"v1"`)
	rs.failures = 2
	srv := httptest.NewServer(rs)
	defer srv.Close()

	s := newTestSession(t)
	defer s.Close()

	d, err := s.AddDownload(srv.URL, "file.bin", nil)
	require.NoError(t, err)
	waitForState(t, d, Completed)

	assert.Equal(t, int64(2), s.Stats().ProbeRetries)
}

func TestProbeExhaustion(t *testing.T) {
	content := testContent(8 << 10)
	rs := newRangeServer(content, `"v1"`)
	rs.failures = 100
	srv := httptest.NewServer(rs)
	defer srv.Close()

	s := newTestSession(t)
	defer s.Close()

	d, err := s.AddDownload(srv.URL, "file.bin", nil)
	require.NoError(t, err)
	waitForState(t, d, Failed)

	st := d.Status()
	assert.Equal(t, KindSource, KindOf(st.Error))

	// Transient probe failures are recoverable.
	rs.set(func(rs *rangeServer) { rs.failures = 0 })
	require.NoError(t, d.Resume())
	waitForState(t, d, Completed)
}

func TestSessionRestart(t *testing.T) {
	content := testContent(64 << 10)
	rs := newRangeServer(content, `"v1"`)
	rs.chunk = 1 << 10
	rs.interval = 2 * time.Millisecond
	srv := httptest.NewServer(rs)
	defer srv.Close()

	dir := t.TempDir()
	s1 := newTestSessionIn(t, dir)

	d1, err := s1.AddDownload(srv.URL, "file.bin", nil)
	require.NoError(t, err)
	waitForBytes(t, d1, 4<<10)
	id := d1.ID()

	// Kill the session mid-transfer. Interrupted downloads come back in
	// AwaitingResume and continue from their persisted offset.
	s1.Close()

	rs.set(func(rs *rangeServer) { rs.chunk = 0; rs.interval = 0 })
	s2 := newTestSessionIn(t, dir)
	defer s2.Close()

	d2 := s2.GetDownload(id)
	require.NotNil(t, d2)
	st := d2.Status()
	assert.Equal(t, AwaitingResume, st.State)
	assert.Greater(t, st.BytesDownloaded, int64(0))
	assert.Equal(t, srv.URL, d2.Source())

	resumedFrom := st.BytesDownloaded
	require.NoError(t, d2.Resume())
	waitForState(t, d2, Completed)

	assert.Equal(t, content, readFile(t, d2.Destination()))
	offsets := rs.requestedOffsets()
	require.NotEmpty(t, offsets)
	assert.Equal(t, resumedFrom, offsets[len(offsets)-1])
}

func TestSessionRestartCompleted(t *testing.T) {
	content := testContent(8 << 10)
	rs := newRangeServer(content, `"v1"`)
	srv := httptest.NewServer(rs)
	defer srv.Close()

	dir := t.TempDir()
	s1 := newTestSessionIn(t, dir)

	d1, err := s1.AddDownload(srv.URL, "file.bin", nil)
	require.NoError(t, err)
	waitForState(t, d1, Completed)
	id := d1.ID()
	s1.Close()

	s2 := newTestSessionIn(t, dir)
	defer s2.Close()

	d2 := s2.GetDownload(id)
	require.NotNil(t, d2)
	assert.Equal(t, Completed, d2.Status().State)
}

func TestRemoveDownload(t *testing.T) {
	content := testContent(64 << 10)
	rs := newRangeServer(content, `"v1"`)
	rs.chunk = 1 << 10
	rs.interval = 2 * time.Millisecond
	srv := httptest.NewServer(rs)
	defer srv.Close()

	s := newTestSession(t)
	defer s.Close()

	d, err := s.AddDownload(srv.URL, "file.bin", nil)
	require.NoError(t, err)
	waitForBytes(t, d, 4<<10)
	dest := d.Destination()

	err = s.RemoveDownload(d.ID())
	require.NoError(t, err)

	assert.Nil(t, s.GetDownload(d.ID()))
	_, err = os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(dest + ".meta.json")
	assert.True(t, os.IsNotExist(err))

	err = s.RemoveDownload(d.ID())
	assert.True(t, IsNotFound(err))
}

func TestCommandValidation(t *testing.T) {
	content := testContent(64 << 10)
	rs := newRangeServer(content, `"v1"`)
	rs.chunk = 1 << 10
	rs.interval = 2 * time.Millisecond
	srv := httptest.NewServer(rs)
	defer srv.Close()

	s := newTestSession(t)
	defer s.Close()

	assert.True(t, IsNotFound(s.PauseDownload("nope")))
	assert.True(t, IsNotFound(s.ResumeDownload("nope")))
	assert.True(t, IsNotFound(s.RemoveDownload("nope")))
	_, err := s.DownloadStatus("nope")
	assert.True(t, IsNotFound(err))

	d, err := s.AddDownload(srv.URL, "file.bin", nil)
	require.NoError(t, err)
	waitForBytes(t, d, 4<<10)

	// Resuming a running download is not a legal transition.
	assert.True(t, IsInvalid(d.Resume()))

	require.NoError(t, d.Pause())
	// Pausing twice is not either.
	assert.True(t, IsInvalid(d.Pause()))
}

func TestAddDownloadValidation(t *testing.T) {
	content := testContent(8 << 10)
	rs := newRangeServer(content, `"v1"`)
	srv := httptest.NewServer(rs)
	defer srv.Close()

	s := newTestSession(t)
	defer s.Close()

	_, err := s.AddDownload("ftp://example.com/file", "file.bin", nil)
	assert.True(t, IsInvalid(err))

	_, err = s.AddDownload(srv.URL, "", nil)
	assert.True(t, IsInvalid(err))

	_, err = s.AddDownload(srv.URL, "../escape.bin", nil)
	assert.True(t, IsInvalid(err))

	_, err = s.AddDownload(srv.URL, "file.bin.part", nil)
	assert.True(t, IsInvalid(err))

	_, err = s.AddDownload(srv.URL, "file.bin", &AddDownloadOptions{ExpectedHash: "zz"})
	assert.True(t, IsInvalid(err))

	d, err := s.AddDownload(srv.URL, "file.bin", nil)
	require.NoError(t, err)

	_, err = s.AddDownload(srv.URL, "file.bin", nil)
	assert.True(t, IsInvalid(err))

	waitForState(t, d, Completed)

	// The destination now holds a completed file.
	require.NoError(t, s.RemoveDownload(d.ID()))
	_, err = s.AddDownload(srv.URL, "file.bin", nil)
	assert.Equal(t, KindAlreadyCompleted, KindOf(err))
}

func TestListDownloads(t *testing.T) {
	content := testContent(8 << 10)
	rs := newRangeServer(content, `"v1"`)
	srv := httptest.NewServer(rs)
	defer srv.Close()

	s := newTestSession(t)
	defer s.Close()

	assert.Len(t, s.ListDownloads(), 0)

	ids := make(map[string]bool)
	for i := 0; i < 3; i++ {
		d, err := s.AddDownload(srv.URL, fmt.Sprintf("file%d.bin", i), nil)
		require.NoError(t, err)
		ids[d.ID()] = true
	}
	downloads := s.ListDownloads()
	assert.Len(t, downloads, 3)
	for _, d := range downloads {
		assert.True(t, ids[d.ID()])
		waitForState(t, d, Completed)
	}
	assert.Equal(t, 3, s.Stats().Downloads)
}

func TestDestinationUnderDataDir(t *testing.T) {
	content := testContent(8 << 10)
	rs := newRangeServer(content, `"v1"`)
	srv := httptest.NewServer(rs)
	defer srv.Close()

	s := newTestSession(t)
	defer s.Close()

	d, err := s.AddDownload(srv.URL, filepath.Join("sub", "dir", "file.bin"), nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(d.Destination(), s.config.DataDir+string(filepath.Separator)))
	waitForState(t, d, Completed)
	assert.Equal(t, content, readFile(t, d.Destination()))
}
