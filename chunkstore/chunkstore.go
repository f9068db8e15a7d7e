// Package chunkstore implements the durable, append-only block store that
// backs an in-flight DownloadJob: chunk bytes keyed by (url, index), plus
// per-url metadata describing how much of the resource has been persisted.
//
// Writes are committed through a write-ahead log so that a chunk's bytes and
// the metadata update that accounts for it become durable together; a crash
// between the two is not observable by a later reader.
package chunkstore

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"time"

	"gitlab.com/NebulousLabs/bolt"
	"gitlab.com/NebulousLabs/demotemutex"
	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/threadgroup"
	"gitlab.com/NebulousLabs/writeaheadlog"

	"gitlab.com/texpen/fetchcore/modules"
	"gitlab.com/texpen/fetchcore/persist"
)

var (
	chunksBucketName   = []byte("chunks")
	metadataBucketName = []byte("metadata")

	keySeparator = []byte{0}
)

// ChunkStore is the durable block store described in the package comment.
// It is safe for concurrent use by multiple DownloadJobs. Appends and clears
// for all URLs are serialized by one store-wide lock; operations on the same
// URL are not otherwise coordinated here because the scheduler already
// guarantees at most one job per URL.
type ChunkStore struct {
	wal *writeaheadlog.WAL
	db  *persist.BoltDatabase
	mu  demotemutex.DemoteMutex
	tg  threadgroup.ThreadGroup

	unavailable bool
}

// New opens (or creates) a ChunkStore rooted at persistDir, replaying any
// write-ahead log transactions left behind by an unclean shutdown before
// returning. storeName/storeVersion stamp the underlying database so a
// later process can detect a schema mismatch.
func New(persistDir, storeName, storeVersion string) (*ChunkStore, error) {
	if err := os.MkdirAll(persistDir, 0700); err != nil {
		return nil, errors.AddContext(err, "unable to create chunkstore persist dir")
	}

	dbPath := filepath.Join(persistDir, "chunkstore.db")
	db, err := persist.OpenDatabase(persist.Metadata{Header: storeName, Version: storeVersion}, dbPath)
	if err != nil {
		return nil, errors.AddContext(err, "unable to open chunkstore database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(chunksBucketName); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metadataBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.AddContext(err, "unable to create chunkstore buckets")
	}

	walPath := filepath.Join(persistDir, "chunkstore.wal")
	txns, wal, err := writeaheadlog.New(walPath)
	if err != nil {
		db.Close()
		return nil, errors.AddContext(err, "unable to load chunkstore write-ahead log")
	}

	cs := &ChunkStore{wal: wal, db: db}
	for _, txn := range txns {
		if err := cs.applyUpdates(txn.Updates...); err != nil {
			db.Close()
			return nil, errors.AddContext(err, "unable to recover chunkstore write-ahead log")
		}
		if err := txn.SignalUpdatesApplied(); err != nil {
			db.Close()
			return nil, errors.AddContext(err, "unable to signal recovered updates applied")
		}
	}
	return cs, nil
}

// chunkKey builds the chunks-bucket key for (url, index): the url, a NUL
// separator, and the index as an 8-byte big-endian integer, so a boltdb
// cursor Seek on the url prefix enumerates a resource's chunks in order.
func chunkKey(url string, index uint64) []byte {
	key := make([]byte, 0, len(url)+1+8)
	key = append(key, url...)
	key = append(key, keySeparator...)
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	return append(key, idx[:]...)
}

// chunkKeyPrefix is the portion of chunkKey shared by every chunk of url,
// used to bound a prefix scan.
func chunkKeyPrefix(url string) []byte {
	return append([]byte(url), keySeparator...)
}

// AppendChunk durably stores chunkBytes at (url, index) and folds the write
// into url's metadata record, per the algorithm in SPEC_FULL.md §4: both
// mutations commit as a single write-ahead log transaction, so I5 holds —
// no reader ever observes one without the other.
func (cs *ChunkStore) AppendChunk(url string, chunkBytes []byte, index uint64, totalBytes uint64, validator string) error {
	if err := cs.tg.Add(); err != nil {
		return modules.ErrStorageUnavailable
	}
	defer cs.tg.Done()

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.unavailable {
		return modules.ErrStorageUnavailable
	}

	update, err := createAppendChunkUpdate(url, index, chunkBytes, totalBytes, validator)
	if err != nil {
		return err
	}
	txn, err := cs.wal.NewTransaction([]writeaheadlog.Update{update})
	if err != nil {
		return classifyStorageError(err)
	}
	if err := <-txn.SignalSetupComplete(); err != nil {
		return classifyStorageError(err)
	}
	if err := cs.applyUpdates(update); err != nil {
		return classifyStorageError(err)
	}
	return txn.SignalUpdatesApplied()
}

// applyUpdates performs the boltdb side of one or more append_chunk updates
// within a single transaction, matching SPEC_FULL.md §4.1's four-step
// algorithm.
func (cs *ChunkStore) applyUpdates(updates ...writeaheadlog.Update) error {
	return cs.db.Update(func(tx *bolt.Tx) error {
		for _, u := range updates {
			payload, err := readAppendChunkUpdate(u)
			if err != nil {
				return err
			}
			if err := applyOneUpdate(tx, payload); err != nil {
				return err
			}
		}
		return nil
	})
}

func applyOneUpdate(tx *bolt.Tx, payload appendChunkPayload) error {
	chunks := tx.Bucket(chunksBucketName)
	meta := tx.Bucket(metadataBucketName)

	if err := chunks.Put(chunkKey(payload.URL, payload.Index), payload.Bytes); err != nil {
		return err
	}

	var md modules.ChunkMetadata
	if existing := meta.Get([]byte(payload.URL)); existing != nil {
		if err := decodeMetadata(existing, &md); err != nil {
			return err
		}
	} else {
		md = modules.ChunkMetadata{URL: payload.URL, Validator: payload.Validator}
	}

	if payload.Index+1 > md.ChunkCount {
		md.ChunkCount = payload.Index + 1
	}
	if payload.TotalBytes > 0 {
		md.TotalBytes = payload.TotalBytes
	}
	md.DownloadedBytes += uint64(len(payload.Bytes))
	md.LastUpdated = time.Now()

	encoded, err := encodeMetadata(md)
	if err != nil {
		return err
	}
	return meta.Put([]byte(payload.URL), encoded)
}

// GetMetadata returns the persisted ChunkMetadata for url, or nil if no
// chunk has ever been appended for it.
func (cs *ChunkStore) GetMetadata(url string) (*modules.ChunkMetadata, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	if cs.unavailable {
		return nil, nil
	}

	var md *modules.ChunkMetadata
	err := cs.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(metadataBucketName).Get([]byte(url))
		if raw == nil {
			return nil
		}
		var m modules.ChunkMetadata
		if err := decodeMetadata(raw, &m); err != nil {
			return err
		}
		md = &m
		return nil
	})
	return md, err
}

// Clear removes all chunks and metadata for url. It is idempotent: clearing
// a url with no stored state is a no-op, not an error.
func (cs *ChunkStore) Clear(url string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.unavailable {
		return modules.ErrStorageUnavailable
	}

	return cs.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metadataBucketName)
		if err := meta.Delete([]byte(url)); err != nil {
			return err
		}

		chunks := tx.Bucket(chunksBucketName)
		cur := chunks.Cursor()
		prefix := chunkKeyPrefix(url)
		var keys [][]byte
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := chunks.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stream returns a pull-based reader over chunks 0..expectedChunks for url,
// concatenated in order. It fails immediately with modules.ErrMissingChunk
// if any index in that range is absent from the store.
func (cs *ChunkStore) Stream(url string, expectedChunks uint64) (io.ReadCloser, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	if cs.unavailable {
		return nil, modules.ErrStorageUnavailable
	}

	chunksOut := make([][]byte, expectedChunks)
	err := cs.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(chunksBucketName)
		for i := uint64(0); i < expectedChunks; i++ {
			v := bucket.Get(chunkKey(url, i))
			if v == nil {
				return modules.ErrMissingChunk{Index: i}
			}
			chunksOut[i] = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newChunkReader(chunksOut), nil
}

// chunkReader concatenates a fixed sequence of chunk byte slices into a
// single io.ReadCloser, single-pass only, matching the "restartable only by
// re-invoking stream" contract.
type chunkReader struct {
	chunks [][]byte
	idx    int
	cur    *bytes.Reader
}

func newChunkReader(chunks [][]byte) *chunkReader {
	return &chunkReader{chunks: chunks}
}

// Read implements io.Reader.
func (r *chunkReader) Read(p []byte) (int, error) {
	for {
		if r.cur != nil {
			n, err := r.cur.Read(p)
			if err == io.EOF {
				r.cur = nil
				if n > 0 {
					return n, nil
				}
				continue
			}
			return n, err
		}
		if r.idx >= len(r.chunks) {
			return 0, io.EOF
		}
		r.cur = bytes.NewReader(r.chunks[r.idx])
		r.idx++
	}
}

// Close implements io.Closer. chunkReader holds no external resources; Close
// is a no-op provided for interface compliance.
func (r *chunkReader) Close() error {
	return nil
}

// SetUnavailable forces the store into the StorageUnavailable mode described
// in SPEC_FULL.md §4.1: every mutating call fails fast and reads report no
// metadata, signalling callers to fall back to memory-only operation.
func (cs *ChunkStore) SetUnavailable(unavailable bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.unavailable = unavailable
}

// Close stops accepting new operations, waits for in-flight ones to finish,
// and closes the underlying WAL and database.
func (cs *ChunkStore) Close() error {
	if err := cs.tg.Stop(); err != nil {
		return err
	}
	return errorsCompose(cs.wal.Close(), cs.db.Close())
}

// classifyStorageError maps a low-level write-ahead-log/boltdb failure onto
// the taxonomy callers are expected to branch on: a closed database becomes
// StorageUnavailable, a disk-full style error becomes StorageFull, anything
// else is wrapped for context.
func classifyStorageError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Contains(err, bolt.ErrDatabaseNotOpen) {
		return modules.ErrStorageUnavailable
	}
	if isDiskFullError(err) {
		return modules.ErrStorageFull
	}
	return errors.AddContext(err, "chunkstore transaction failed")
}

func isDiskFullError(err error) bool {
	if pe, ok := err.(*os.PathError); ok {
		return errors.Contains(pe.Err, errNoSpace)
	}
	return errors.Contains(err, errNoSpace)
}

func errorsCompose(errs ...error) error {
	return errors.Compose(errs...)
}
