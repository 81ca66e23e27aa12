// Package boltdbresumer provides a Resumer implementation that uses a Bolt
// database file as storage.
//
// The database keeps only the identity and placement of each download (id,
// source locator, destination, caller options) so a restarted session can
// rediscover its downloads. Transfer progress lives in the sidecar next to
// each partial file, which stays the single authority for resumable offsets.
package boltdbresumer

import (
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

// Keys for the persistent storage.
var Keys = struct {
	Source       []byte
	Dest         []byte
	ExpectedHash []byte
	AddedAt      []byte
}{
	Source:       []byte("source"),
	Dest:         []byte("dest"),
	ExpectedHash: []byte("expected_hash"),
	AddedAt:      []byte("added_at"),
}

// Spec is the registry record for a single download.
type Spec struct {
	Source       string
	Dest         string
	ExpectedHash string
	AddedAt      time.Time
}

// Resumer contains methods for saving/loading the registry record of a
// download to a BoltDB database.
type Resumer struct {
	db     *bolt.DB
	bucket []byte
}

// New returns a new Resumer.
func New(db *bolt.DB, bucket []byte) (*Resumer, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err2 := tx.CreateBucketIfNotExists(bucket)
		return err2
	})
	if err != nil {
		return nil, err
	}
	return &Resumer{
		db:     db,
		bucket: bucket,
	}, nil
}

// IDs returns the ids of all downloads in the registry.
func (r *Resumer) IDs() ([]string, error) {
	var ids []string
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(r.bucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// Write the registry record for the download with downloadID.
func (r *Resumer) Write(downloadID string, spec *Spec) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(r.bucket).CreateBucketIfNotExists([]byte(downloadID))
		if err != nil {
			return err
		}
		_ = b.Put(Keys.Source, []byte(spec.Source))
		_ = b.Put(Keys.Dest, []byte(spec.Dest))
		_ = b.Put(Keys.ExpectedHash, []byte(spec.ExpectedHash))
		_ = b.Put(Keys.AddedAt, []byte(spec.AddedAt.Format(time.RFC3339)))
		return nil
	})
}

// Read the registry record for the download with downloadID.
func (r *Resumer) Read(downloadID string) (*Spec, error) {
	var spec *Spec
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.bucket).Bucket([]byte(downloadID))
		if b == nil {
			return fmt.Errorf("bucket not found: %q", downloadID)
		}

		value := b.Get(Keys.Dest)
		if value == nil {
			return fmt.Errorf("key not found: %q", string(Keys.Dest))
		}

		spec = new(Spec)
		spec.Dest = string(value)

		value = b.Get(Keys.Source)
		if value != nil {
			spec.Source = string(value)
		}

		value = b.Get(Keys.ExpectedHash)
		if value != nil {
			spec.ExpectedHash = string(value)
		}

		value = b.Get(Keys.AddedAt)
		if value != nil {
			var err error
			spec.AddedAt, err = time.Parse(time.RFC3339, string(value))
			if err != nil {
				return err
			}
		}

		return nil
	})
	return spec, err
}

// Remove deletes the registry record of the download with downloadID.
func (r *Resumer) Remove(downloadID string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(r.bucket).DeleteBucket([]byte(downloadID))
	})
}
