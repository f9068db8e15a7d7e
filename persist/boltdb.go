package persist

import (
	"time"

	"gitlab.com/NebulousLabs/bolt"
)

// metadataBucket is the bucket every BoltDatabase uses to self-describe its
// header and version, so OpenDatabase can refuse to hand back a database
// whose contents don't match what the caller expects.
var metadataBucket = []byte("Metadata")

// BoltDatabase wraps a bolt.DB with the Metadata that was used to open it,
// so callers can pass *BoltDatabase around instead of threading Metadata and
// *bolt.DB through every function signature.
type BoltDatabase struct {
	Metadata Metadata
	DB       *bolt.DB
}

// OpenDatabase opens the bolt database at filename, creating it (and
// stamping it with md) if it does not exist. If the database already exists
// but its stored metadata doesn't match md, OpenDatabase returns ErrBadHeader
// or ErrBadVersion without modifying the file.
func OpenDatabase(md Metadata, filename string) (*BoltDatabase, error) {
	db, err := bolt.Open(filename, 0600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, err
	}
	boltDB := &BoltDatabase{
		Metadata: md,
		DB:       db,
	}

	err = db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(metadataBucket)
		if err != nil {
			return err
		}
		header := bucket.Get([]byte("Header"))
		version := bucket.Get([]byte("Version"))
		if header == nil && version == nil {
			// Freshly created database: stamp it with the caller's metadata.
			return boltDB.updateMetadata(tx)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := boltDB.checkMetadata(md); err != nil {
		db.Close()
		return nil, err
	}
	return boltDB, nil
}

// checkMetadata verifies that the metadata bucket stored on disk matches
// want, returning ErrBadHeader or ErrBadVersion on mismatch.
func (db *BoltDatabase) checkMetadata(want Metadata) error {
	return db.DB.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		if bucket == nil {
			return ErrBadHeader
		}
		if string(bucket.Get([]byte("Header"))) != want.Header {
			return ErrBadHeader
		}
		if string(bucket.Get([]byte("Version"))) != want.Version {
			return ErrBadVersion
		}
		return nil
	})
}

// updateMetadata writes db.Metadata into the metadata bucket using the
// provided transaction, which must be writable.
func (db *BoltDatabase) updateMetadata(tx *bolt.Tx) error {
	bucket, err := tx.CreateBucketIfNotExists(metadataBucket)
	if err != nil {
		return err
	}
	if err := bucket.Put([]byte("Header"), []byte(db.Metadata.Header)); err != nil {
		return err
	}
	return bucket.Put([]byte("Version"), []byte(db.Metadata.Version))
}

// Update runs fn within a writable bolt transaction.
func (db *BoltDatabase) Update(fn func(*bolt.Tx) error) error {
	return db.DB.Update(fn)
}

// View runs fn within a read-only bolt transaction.
func (db *BoltDatabase) View(fn func(*bolt.Tx) error) error {
	return db.DB.View(fn)
}

// Close closes the underlying bolt database.
func (db *BoltDatabase) Close() error {
	return db.DB.Close()
}
