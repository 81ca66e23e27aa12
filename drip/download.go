package drip

import (
	"sync"
	"time"

	"github.com/chiral-network/drip/internal/logger"
	"github.com/chiral-network/drip/internal/sidecar"
	"github.com/chiral-network/drip/internal/source"
)

// download is the owning side of a single transfer.
// All fields below the channel block are owned by the run goroutine;
// other goroutines observe the download only through the snapshot.
type download struct {
	id           string
	sourceURL    string
	dest         string
	expectedHash string
	addedAt      time.Time

	session *Session
	log     logger.Logger
	src     source.Source
	store   *sidecar.Store

	state        State
	info         *source.Info
	rec          *sidecar.Record
	bytesDone    int64
	expectedSize int64
	etag         string
	lastError    error
	restarts     int
	restartCause string

	// Set after an integrity failure so the next resume discards the
	// artifacts instead of verifying the same bytes again.
	restartOnResume bool

	mSnapshot sync.RWMutex
	snapshot  Status

	pauseCommandC  chan chan struct{}
	resumeCommandC chan struct{}
	closeC         chan struct{}
	doneC          chan struct{}
	closeOnce      sync.Once
}

func newDownload(s *Session, id, sourceURL, dest, expectedHash string, addedAt time.Time, src source.Source, state State) *download {
	d := &download{
		id:           id,
		sourceURL:    sourceURL,
		dest:         dest,
		expectedHash: expectedHash,
		addedAt:      addedAt,
		session:      s,
		log:          logger.New("download " + id),
		src:          src,
		store:        sidecar.New(dest),
		state:        state,
		expectedSize: -1,

		pauseCommandC:  make(chan chan struct{}),
		resumeCommandC: make(chan struct{}),
		closeC:         make(chan struct{}),
		doneC:          make(chan struct{}),
	}
	d.updateSnapshot()
	return d
}

// Status is a point-in-time snapshot of a download.
// It reflects the last durably persisted progress, never speculative
// in-flight bytes.
type Status struct {
	State           State
	BytesDownloaded int64
	// ExpectedSize is -1 until the source has been probed.
	ExpectedSize int64
	ETag         string
	Error        error
	// Restarts counts discarded-progress events: freshness token changes,
	// missing range support, metadata mismatches.
	Restarts int
	// LastRestartCause names the condition that forced the last restart.
	LastRestartCause string
}

func (d *download) Status() Status {
	d.mSnapshot.RLock()
	defer d.mSnapshot.RUnlock()
	return d.snapshot
}

func (d *download) setState(s State) {
	d.state = s
	d.updateSnapshot()
}

func (d *download) updateSnapshot() {
	d.mSnapshot.Lock()
	d.snapshot = Status{
		State:            d.state,
		BytesDownloaded:  d.bytesDone,
		ExpectedSize:     d.expectedSize,
		ETag:             d.etag,
		Error:            d.lastError,
		Restarts:         d.restarts,
		LastRestartCause: d.restartCause,
	}
	d.mSnapshot.Unlock()
}

// close stops the run goroutine and waits for it to exit.
func (d *download) close() {
	d.closeOnce.Do(func() {
		close(d.closeC)
	})
	<-d.doneC
}
