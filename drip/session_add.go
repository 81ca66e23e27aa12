package drip

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chiral-network/drip/internal/resumer/boltdbresumer"
	"github.com/chiral-network/drip/internal/sidecar"
	"github.com/chiral-network/drip/internal/source"
	"github.com/chiral-network/drip/internal/source/httpsource"
	"github.com/chiral-network/drip/internal/verifier"
	"github.com/gofrs/uuid"
)

// AddDownloadOptions contains optional parameters for Session.AddDownload.
type AddDownloadOptions struct {
	// ID of the download. Generated if empty.
	ID string
	// ExpectedHash is the whole-file digest to verify the finished download
	// against. Hex encoded SHA-256 or base58 multihash. Optional.
	ExpectedHash string
}

// AddDownload creates a new download for the resource at sourceURL,
// destined at dest under the session's data directory, and starts
// transferring immediately. The returned download id can be used with the
// other Session methods; the call itself never blocks on network or disk.
func (s *Session) AddDownload(sourceURL, dest string, opt *AddDownloadOptions) (*Download, error) {
	if opt == nil {
		opt = &AddDownloadOptions{}
	}
	if opt.ExpectedHash != "" {
		if _, err := verifier.ParseExpected(opt.ExpectedHash); err != nil {
			return nil, wrapError(KindInvalid, err)
		}
	}
	src, err := s.resolveSource(sourceURL)
	if err != nil {
		return nil, err
	}
	dest, err = s.resolveDest(dest)
	if err != nil {
		return nil, err
	}
	if _, err2 := os.Stat(dest); err2 == nil {
		return nil, newError(KindAlreadyCompleted, "destination already holds a completed download")
	}
	if err = os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return nil, wrapError(KindIO, err)
	}

	id := opt.ID
	if id == "" {
		u1, err2 := uuid.NewV1()
		if err2 != nil {
			return nil, err2
		}
		id = base64.RawURLEncoding.EncodeToString(u1[:])
	}
	s.mDownloads.RLock()
	_, exists := s.downloads[id]
	s.mDownloads.RUnlock()
	if exists {
		return nil, newError(KindInvalid, "duplicate download id")
	}
	for _, d := range s.ListDownloads() {
		if d.Destination() == dest {
			return nil, newError(KindInvalid, "destination is in use by another download")
		}
	}

	addedAt := time.Now()
	err = s.resumer.Write(id, &boltdbresumer.Spec{
		Source:       sourceURL,
		Dest:         dest,
		ExpectedHash: opt.ExpectedHash,
		AddedAt:      addedAt,
	})
	if err != nil {
		return nil, err
	}
	d := newDownload(s, id, sourceURL, dest, opt.ExpectedHash, addedAt, src, Idle)
	d2 := s.insertDownload(d)
	s.log.Infof("added download #%s %s", id, sourceURL)
	go d.run(true)
	return d2, nil
}

// resolveSource builds the transport adapter for a locator.
func (s *Session) resolveSource(sourceURL string) (source.Source, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return nil, wrapError(KindInvalid, err)
	}
	switch u.Scheme {
	case "http", "https":
		src, err := httpsource.New(sourceURL, s.httpClient)
		if err != nil {
			return nil, wrapError(KindInvalid, err)
		}
		return src, nil
	default:
		return nil, newError(KindInvalid, "unsupported source scheme: "+u.Scheme)
	}
}

// resolveDest validates that the destination stays under the permitted data
// directory.
func (s *Session) resolveDest(dest string) (string, error) {
	if dest == "" {
		return "", newError(KindInvalid, "empty destination path")
	}
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(s.config.DataDir, dest)
	}
	dest = filepath.Clean(dest)
	root := s.config.DataDir
	if dest != root && !strings.HasPrefix(dest, root+string(filepath.Separator)) {
		return "", wrapError(KindInvalid, fmt.Errorf("destination escapes data dir: %s", dest))
	}
	if dest == root {
		return "", newError(KindInvalid, "destination is a directory")
	}
	switch {
	case strings.HasSuffix(dest, sidecar.PartSuffix), strings.HasSuffix(dest, sidecar.MetaSuffix):
		return "", newError(KindInvalid, "destination collides with engine artifacts")
	}
	return dest, nil
}
