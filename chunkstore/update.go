package chunkstore

import (
	"encoding/json"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/writeaheadlog"
)

// appendChunkUpdateName identifies the single update type this package
// writes to its write-ahead log: a chunk's bytes and the metadata mutation
// that must become visible atomically alongside them.
const appendChunkUpdateName = "APPEND_CHUNK"

// appendChunkPayload is the JSON-encoded instruction payload carried by an
// appendChunkUpdateName update.
type appendChunkPayload struct {
	URL        string `json:"url"`
	Index      uint64 `json:"index"`
	Bytes      []byte `json:"bytes"`
	TotalBytes uint64 `json:"total_bytes"`
	Validator  string `json:"validator"`
}

// createAppendChunkUpdate builds the writeaheadlog.Update for one
// append_chunk call. The update carries everything applyOneUpdate
// needs to make both the chunk bucket and the metadata bucket reflect the
// write, so the two bucket mutations can be committed as one WAL
// transaction.
func createAppendChunkUpdate(url string, index uint64, chunkBytes []byte, totalBytes uint64, validator string) (writeaheadlog.Update, error) {
	payload := appendChunkPayload{
		URL:        url,
		Index:      index,
		Bytes:      chunkBytes,
		TotalBytes: totalBytes,
		Validator:  validator,
	}
	instructions, err := json.Marshal(payload)
	if err != nil {
		return writeaheadlog.Update{}, errors.AddContext(err, "unable to encode append_chunk update")
	}
	return writeaheadlog.Update{
		Name:         appendChunkUpdateName,
		Instructions: instructions,
	}, nil
}

// readAppendChunkUpdate decodes the payload of an update created by
// createAppendChunkUpdate.
func readAppendChunkUpdate(u writeaheadlog.Update) (appendChunkPayload, error) {
	var payload appendChunkPayload
	if u.Name != appendChunkUpdateName {
		return payload, errors.New("update is not an append_chunk update")
	}
	err := json.Unmarshal(u.Instructions, &payload)
	return payload, err
}
