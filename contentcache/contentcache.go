// Package contentcache implements the final, read-optimized store of
// completed resources: a boltdb-backed, URL-keyed map of immutable response
// objects that a DownloadScheduler writes to once finalization succeeds.
package contentcache

import (
	"encoding/json"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"gitlab.com/NebulousLabs/bolt"
	"gitlab.com/NebulousLabs/demotemutex"
	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/texpen/fetchcore/crypto"
	"gitlab.com/texpen/fetchcore/modules"
	"gitlab.com/texpen/fetchcore/persist"
)

var resourcesBucketName = []byte("resources")

// ContentCache is the durable, read-optimized store described in the
// package comment. It is safe for concurrent use by the scheduler and any
// number of readers.
type ContentCache struct {
	db *persist.BoltDatabase
	mu demotemutex.DemoteMutex
}

// New opens (or creates) a ContentCache rooted at persistDir, using name as
// both the logical store header stamped into the database and the on-disk
// filename.
func New(persistDir, name string) (*ContentCache, error) {
	if err := os.MkdirAll(persistDir, 0700); err != nil {
		return nil, errors.AddContext(err, "unable to create content cache persist dir")
	}
	dbPath := filepath.Join(persistDir, name+".db")
	db, err := persist.OpenDatabase(persist.Metadata{Header: name, Version: "1.0.0"}, dbPath)
	if err != nil {
		return nil, errors.AddContext(err, "unable to open content cache database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(resourcesBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.AddContext(err, "unable to create content cache bucket")
	}
	return &ContentCache{db: db}, nil
}

// Get returns the cached resource for url, or nil if none is present.
func (cc *ContentCache) Get(url string) (*modules.CachedResource, error) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	var res *modules.CachedResource
	err := cc.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(resourcesBucketName).Get([]byte(url))
		if raw == nil {
			return nil
		}
		var r modules.CachedResource
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		res = &r
		return nil
	})
	return res, err
}

// Put stores body under url along with contentType, making it the
// authoritative cached resource. body is fully buffered before being
// written; Put is idempotent — writing the same url again simply replaces
// the prior entry.
func (cc *ContentCache) Put(url string, body io.Reader, contentType string) error {
	data, err := ioutil.ReadAll(body)
	if err != nil {
		return errors.AddContext(err, "unable to read resource body")
	}
	return cc.PutBytes(url, data, contentType)
}

// PutBytes is the materialized-buffer form of Put, used when a job already
// holds the resource's bytes in memory (the memory-fallback completion
// path).
func (cc *ContentCache) PutBytes(url string, data []byte, contentType string) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	res := modules.CachedResource{
		URL:           url,
		Bytes:         data,
		ContentLength: uint64(len(data)),
		ContentType:   contentType,
	}
	encoded, err := json.Marshal(res)
	if err != nil {
		return errors.AddContext(err, "unable to encode cached resource")
	}
	return cc.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(resourcesBucketName).Put([]byte(url), encoded)
	})
}

// Delete removes the cached resource for url. It is idempotent.
func (cc *ContentCache) Delete(url string) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	return cc.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(resourcesBucketName).Delete([]byte(url))
	})
}

// CheckIntegrity reports whether the cached resource for url is present and,
// when expectedChecksum is non-nil, whether its bytes hash to that checksum.
func (cc *ContentCache) CheckIntegrity(url string, expectedChecksum *crypto.Hash) (modules.IntegrityStatus, error) {
	res, err := cc.Get(url)
	if err != nil {
		return modules.IntegrityMissing, err
	}
	if res == nil {
		return modules.IntegrityMissing, nil
	}
	if res.ContentLength != uint64(len(res.Bytes)) {
		return modules.IntegritySizeMismatch, nil
	}
	if expectedChecksum != nil {
		if crypto.HashBytes(res.Bytes) != *expectedChecksum {
			return modules.IntegrityChecksumMismatch, nil
		}
	}
	return modules.IntegrityOK, nil
}

// Close closes the underlying database.
func (cc *ContentCache) Close() error {
	return cc.db.Close()
}
