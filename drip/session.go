// Package drip provides a resumable, restart-safe download engine.
//
// A Session owns a registry of downloads. Each download fetches a single
// file from a byte-range-capable source, persists its progress in a sidecar
// record next to the partial file, and can be paused and resumed without
// re-transferring completed bytes, including across process restarts.
package drip

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/chiral-network/drip/internal/bufferpool"
	"github.com/chiral-network/drip/internal/logger"
	"github.com/chiral-network/drip/internal/resumer/boltdbresumer"
	"github.com/juju/ratelimit"
	"github.com/mitchellh/go-homedir"
)

var downloadsBucket = []byte("downloads")

// Session orchestrates downloads. All methods are safe for concurrent use.
type Session struct {
	config      Config
	db          *bolt.DB
	resumer     *boltdbresumer.Resumer
	log         logger.Logger
	rpc         *rpcServer
	bufferPool  *bufferpool.Pool
	rateLimiter *ratelimit.Bucket
	httpClient  *http.Client
	metrics     *sessionMetrics
	createdAt   time.Time

	mDownloads sync.RWMutex
	downloads  map[string]*Download
}

// NewSession starts a new download session with the given config.
// Existing downloads found in the session database are hydrated into
// AwaitingResume and wait for a resume command.
func NewSession(cfg Config) (*Session, error) {
	if cfg.ReadBufferSize <= 0 {
		return nil, errors.New("invalid read buffer size")
	}
	if cfg.MaxProbeAttempts <= 0 {
		return nil, errors.New("invalid max probe attempts")
	}
	var err error
	cfg.Database, err = homedir.Expand(cfg.Database)
	if err != nil {
		return nil, err
	}
	cfg.DataDir, err = homedir.Expand(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	cfg.DataDir, err = filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	err = os.MkdirAll(filepath.Dir(cfg.Database), 0o750)
	if err != nil {
		return nil, err
	}
	err = os.MkdirAll(cfg.DataDir, 0o750)
	if err != nil {
		return nil, err
	}
	l := logger.New("session")
	db, err := bolt.Open(cfg.Database, 0o640, &bolt.Options{Timeout: time.Second})
	if err == bolt.ErrTimeout {
		return nil, errors.New("session database is locked by another process")
	} else if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			db.Close()
		}
	}()
	res, err := boltdbresumer.New(db, downloadsBucket)
	if err != nil {
		return nil, err
	}
	ids, err := res.IDs()
	if err != nil {
		return nil, err
	}
	var bucket *ratelimit.Bucket
	if cfg.SpeedLimitDownload > 0 {
		rate := cfg.SpeedLimitDownload * 1024
		bucket = ratelimit.NewBucketWithRate(float64(rate), rate)
	}
	s := &Session{
		config:      cfg,
		db:          db,
		resumer:     res,
		log:         l,
		bufferPool:  bufferpool.New(cfg.ReadBufferSize),
		rateLimiter: bucket,
		httpClient:  &http.Client{},
		createdAt:   time.Now(),
		downloads:   make(map[string]*Download),
	}
	s.initMetrics()
	s.loadExistingDownloads(ids)
	if cfg.RPCEnabled {
		s.rpc = newRPCServer(s)
		err = s.rpc.Start(cfg.RPCHost, cfg.RPCPort)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Close stops all downloads and releases the session resources.
// Running transfers are flushed to a consistent paused state first.
func (s *Session) Close() {
	if s.rpc != nil {
		err := s.rpc.Stop(s.config.RPCShutdownTimeout)
		if err != nil {
			s.log.Errorln("cannot stop RPC server:", err.Error())
		}
	}
	s.mDownloads.Lock()
	for _, d := range s.downloads {
		d.download.close()
	}
	s.downloads = make(map[string]*Download)
	s.mDownloads.Unlock()
	s.metrics.Close()
	err := s.db.Close()
	if err != nil {
		s.log.Errorln("cannot close database:", err.Error())
	}
}

// GetDownload returns the download with the given id, or nil if not found.
func (s *Session) GetDownload(id string) *Download {
	s.mDownloads.RLock()
	defer s.mDownloads.RUnlock()
	return s.downloads[id]
}

// ListDownloads returns all downloads in the session.
func (s *Session) ListDownloads() []*Download {
	s.mDownloads.RLock()
	defer s.mDownloads.RUnlock()
	downloads := make([]*Download, 0, len(s.downloads))
	for _, d := range s.downloads {
		downloads = append(downloads, d)
	}
	return downloads
}

// DownloadStatus returns a snapshot of the download with the given id.
// The snapshot reflects the last durably persisted progress; the call never
// blocks on the transfer loop.
func (s *Session) DownloadStatus(id string) (Status, error) {
	d := s.GetDownload(id)
	if d == nil {
		return Status{}, newError(KindNotFound, "download not found")
	}
	return d.Status(), nil
}

// PauseDownload signals cooperative cancellation to the download's transfer
// loop. When the call returns, all buffered bytes are flushed and the
// sidecar reflects the true offset.
func (s *Session) PauseDownload(id string) error {
	d := s.GetDownload(id)
	if d == nil {
		return newError(KindNotFound, "download not found")
	}
	st := d.Status().State
	if st.Terminal() || st == Paused || st == AwaitingResume || st == Idle {
		return newError(KindInvalid, "download is not running")
	}
	ack := make(chan struct{})
	select {
	case d.download.pauseCommandC <- ack:
		<-ack
		return nil
	case <-d.download.doneC:
		return nil
	}
}

// ResumeDownload continues a paused, hydrated or recoverably failed
// download. The transfer re-validates the source headers before trusting
// the persisted offset.
func (s *Session) ResumeDownload(id string) error {
	d := s.GetDownload(id)
	if d == nil {
		return newError(KindNotFound, "download not found")
	}
	status := d.Status()
	if !status.State.Resumable() {
		return newError(KindInvalid, "download is not paused")
	}
	if status.State == Failed && !recoverable(status.Error) {
		return newError(KindInvalid, "download failure is not recoverable")
	}
	select {
	case d.download.resumeCommandC <- struct{}{}:
		return nil
	case <-d.download.doneC:
		return nil
	}
}

// RemoveDownload stops the download and removes its registry record,
// sidecar and partial file. A completed destination file is kept.
func (s *Session) RemoveDownload(id string) error {
	s.mDownloads.Lock()
	d, ok := s.downloads[id]
	if !ok {
		s.mDownloads.Unlock()
		return newError(KindNotFound, "download not found")
	}
	delete(s.downloads, id)
	s.mDownloads.Unlock()

	d.download.close()
	if err := s.resumer.Remove(id); err != nil {
		return wrapError(KindIO, err)
	}
	if err := d.download.store.Remove(); err != nil {
		return wrapError(KindIO, err)
	}
	if err := d.download.store.RemovePart(); err != nil {
		return wrapError(KindIO, err)
	}
	return nil
}

// recoverable reports whether a failed download may be resumed.
// Malformed requests stay failed; network, storage and integrity failures
// can be retried.
func recoverable(err error) bool {
	return KindOf(err) != KindInvalid
}

func (s *Session) insertDownload(d *download) *Download {
	d2 := &Download{
		download: d,
		session:  s,
	}
	s.mDownloads.Lock()
	defer s.mDownloads.Unlock()
	s.downloads[d.id] = d2
	return d2
}
