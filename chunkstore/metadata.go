package chunkstore

import (
	"encoding/json"
	"syscall"

	"gitlab.com/texpen/fetchcore/modules"
)

// errNoSpace is compared against via errors.Contains to recognize an
// out-of-space condition surfaced by the underlying filesystem.
var errNoSpace = syscall.ENOSPC

// encodeMetadata and decodeMetadata serialize modules.ChunkMetadata for
// storage in the metadata bucket. JSON is used to match the rest of the
// persisted state in this module (persist.SaveJSON, ContentCache).
func encodeMetadata(md modules.ChunkMetadata) ([]byte, error) {
	return json.Marshal(md)
}

func decodeMetadata(raw []byte, md *modules.ChunkMetadata) error {
	return json.Unmarshal(raw, md)
}
