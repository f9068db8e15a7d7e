// Package persist implements a few utility functions that are shared across
// all of fetchcore's components that save state to disk: atomic file writes,
// checksum-protected JSON, and a versioned bolt database wrapper.
package persist

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"gitlab.com/NebulousLabs/fastrand"
)

const (
	// persistDir is the name of the directory, relative to a build-specific
	// temp dir, that this package's own tests write their scratch state to.
	persistDir = "persist"

	// tempSuffix is appended to the final filename of a SafeFile while its
	// contents are still being written.
	tempSuffix = "_temp"
)

// Metadata contains the header and version of a persisted object. Every
// SaveJSON/LoadJSON call and every OpenDatabase call is passed a Metadata so
// that a caller can detect when it has opened a file or database it does not
// know how to read.
type Metadata struct {
	Header  string
	Version string
}

// RandomSuffix returns a 40-character random string suitable for appending to
// a filename, guaranteeing that concurrent writers of temporary files don't
// collide.
func RandomSuffix() string {
	str := fastrand.Bytes(20)
	return hexEncode(str)
}

// hexEncode returns the lowercase hexadecimal encoding of b.
func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}

// SafeFile is a file that is written to a temporary location on disk and
// renamed to its final location only once Commit is called. This guarantees
// that a reader never observes a partially-written file at the final path: a
// crash or power loss mid-write leaves only the temp file corrupted, not the
// file callers actually read from.
type SafeFile struct {
	file       *os.File
	finalName  string
	tmpName    string
	committed  bool
}

// NewSafeFile creates a new SafeFile that will eventually be renamed to
// finalName. The finalName's directory is resolved to an absolute path
// immediately so that a later os.Chdir doesn't change where Commit writes.
func NewSafeFile(finalName string) (*SafeFile, error) {
	absFinalName, err := filepath.Abs(finalName)
	if err != nil {
		return nil, err
	}
	tmpName := absFinalName + tempSuffix + "_" + RandomSuffix()
	f, err := os.OpenFile(tmpName, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}
	return &SafeFile{
		file:      f,
		finalName: absFinalName,
		tmpName:   tmpName,
	}, nil
}

// Name returns the temporary filename that the SafeFile is currently backed
// by, not the final filename it will be renamed to.
func (sf *SafeFile) Name() string {
	return sf.tmpName
}

// Write writes to the underlying temporary file.
func (sf *SafeFile) Write(b []byte) (int, error) {
	return sf.file.Write(b)
}

// Sync commits the underlying temporary file's contents to stable storage.
func (sf *SafeFile) Sync() error {
	return sf.file.Sync()
}

// Commit syncs the temporary file, closes it, and renames it to the file's
// final name, making the write visible atomically.
func (sf *SafeFile) Commit() error {
	if err := sf.file.Sync(); err != nil {
		return err
	}
	if err := sf.file.Close(); err != nil {
		return err
	}
	sf.committed = true
	return os.Rename(sf.tmpName, sf.finalName)
}

// Close closes the temporary file and, if Commit was never called, removes
// it. Calling Close after Commit is a no-op.
func (sf *SafeFile) Close() error {
	if sf.committed {
		return nil
	}
	err := sf.file.Close()
	os.Remove(sf.tmpName)
	return err
}

// readFileIfExists reads a file and returns nil, nil if the file does not
// exist, instead of an error.
func readFileIfExists(name string) ([]byte, error) {
	b, err := ioutil.ReadFile(name)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return b, err
}
