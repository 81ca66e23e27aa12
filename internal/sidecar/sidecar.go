// Package sidecar persists resumable download state in a small JSON record
// stored next to the partial data file.
//
// Records are never edited in place. Every write goes to a temporary file in
// the same directory which is then renamed over the previous record, so a
// crash leaves either the old or the new record on disk, never a torn one.
package sidecar

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// Suffixes appended to the download's destination path.
const (
	PartSuffix = ".part"
	MetaSuffix = ".meta.json"
)

// ErrCorrupt is returned from Load when the record exists but cannot be decoded.
var ErrCorrupt = errors.New("sidecar record is corrupt")

// Record holds everything needed to continue a transfer after a crash.
type Record struct {
	DownloadID      string    `json:"download_id"`
	Source          string    `json:"source"`
	ETag            string    `json:"etag,omitempty"`
	LastModified    string    `json:"last_modified,omitempty"`
	ExpectedSize    int64     `json:"expected_size"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	FinalHash       string    `json:"final_hash,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store reads and writes the sidecar record for one destination path.
type Store struct {
	metaPath string
	partPath string
}

// New returns a Store for the download destined at dest.
func New(dest string) *Store {
	return &Store{
		metaPath: dest + MetaSuffix,
		partPath: dest + PartSuffix,
	}
}

// MetaPath returns the path of the sidecar record.
func (s *Store) MetaPath() string { return s.metaPath }

// PartPath returns the path of the partial data file.
func (s *Store) PartPath() string { return s.partPath }

// Write persists the record atomically.
func (s *Store) Write(r *Record) error {
	r.UpdatedAt = time.Now().UTC()
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.metaPath), filepath.Base(s.metaPath)+".tmp*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	err = os.Rename(tmp.Name(), s.metaPath)
	return err
}

// Load reads the current record.
// Returns os.ErrNotExist if no record is present and ErrCorrupt if the
// record cannot be decoded.
func (s *Store) Load() (*Record, error) {
	b, err := os.ReadFile(s.metaPath)
	if err != nil {
		return nil, err
	}
	var r Record
	if err = json.Unmarshal(b, &r); err != nil {
		return nil, ErrCorrupt
	}
	if r.DownloadID == "" {
		return nil, ErrCorrupt
	}
	return &r, nil
}

// PartSize returns the length of the partial data file.
// Returns 0 if the file does not exist yet.
func (s *Store) PartSize() (int64, error) {
	fi, err := os.Stat(s.partPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// HasPart reports whether the partial data file exists.
func (s *Store) HasPart() bool {
	_, err := os.Stat(s.partPath)
	return err == nil
}

// Remove deletes the sidecar record. Missing record is not an error.
func (s *Store) Remove() error {
	err := os.Remove(s.metaPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// RemovePart deletes the partial data file. Missing file is not an error.
func (s *Store) RemovePart() error {
	err := os.Remove(s.partPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
