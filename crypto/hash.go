package crypto

// hash.go supplies the single hashing primitive fetchcore uses to checksum
// assembled resources: blake2b-256. ContentCache.CheckIntegrity compares a
// cached resource's digest against a caller-supplied Hash; chunks in
// ChunkStore are stored without checksums.

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"hash"

	"github.com/dchest/blake2b"
)

const (
	// HashSize is the length, in bytes, of a Hash.
	HashSize = 32
)

type (
	// Hash is a blake2b-256 digest.
	Hash [HashSize]byte

	// HashSlice implements sort.Interface so a set of hashes can be ordered
	// deterministically.
	HashSlice []Hash
)

// ErrHashWrongLen is returned when a hex string does not decode to exactly
// HashSize bytes.
var ErrHashWrongLen = errors.New("encoded value has the wrong length to be a hash")

// NewHash returns a blake2b 256-bit hasher suitable for streaming writes,
// e.g. hashing a ChunkStore stream as it is read back during finalization.
func NewHash() hash.Hash {
	return blake2b.New256()
}

// HashBytes hashes a byte slice in one call.
func HashBytes(data []byte) Hash {
	return Hash(blake2b.Sum256(data))
}

// Len, Less and Swap implement sort.Interface for HashSlice.
func (hs HashSlice) Len() int           { return len(hs) }
func (hs HashSlice) Less(i, j int) bool { return bytes.Compare(hs[i][:], hs[j][:]) < 0 }
func (hs HashSlice) Swap(i, j int)      { hs[i], hs[j] = hs[j], hs[i] }

// String prints the hash as a hex string.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// LoadString parses a hex string produced by String back into h.
func (h *Hash) LoadString(s string) error {
	if len(s) != HashSize*2 {
		return ErrHashWrongLen
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	copy(h[:], b)
	return nil
}

// MarshalJSON marshals a hash as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes the JSON hex string of the hash.
func (h *Hash) UnmarshalJSON(b []byte) error {
	// *2 because there are 2 hex characters per byte.
	// +2 because the encoded JSON string has a `"` added at the beginning and end.
	if len(b) != HashSize*2+2 {
		return ErrHashWrongLen
	}
	return h.LoadString(string(b[1 : len(b)-1]))
}
