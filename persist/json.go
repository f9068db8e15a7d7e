package persist

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io/ioutil"
	"strings"

	"gitlab.com/NebulousLabs/errors"
)

// checksumPrefix marks the first line of a persisted JSON file as carrying an
// integrity checksum over the remainder of the file. Files written before a
// checksum was added, or edited by hand, may omit the line entirely.
const checksumPrefix = "checksum:"

var (
	// ErrBadFilenameSuffix is returned when LoadJSON is asked to load a file
	// that already carries the temp-file suffix; callers should always pass
	// the final filename and let LoadJSON fall back to the backup itself.
	ErrBadFilenameSuffix = errors.New("cannot load a file with the temp file suffix as the final file")

	// ErrBadHeader is returned when a loaded file's header does not match
	// the header the caller expected.
	ErrBadHeader = errors.New("wrong header")

	// ErrBadVersion is returned when a loaded file's version does not match
	// the version the caller expected.
	ErrBadVersion = errors.New("wrong version")

	errChecksumMismatch = errors.New("checksum does not match file contents")
)

// checksumLine returns the first line written to a persisted file: a hex
// sha256 of everything that follows it.
func checksumLine(body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(checksumPrefix + hex.EncodeToString(sum[:]) + "\n")
}

// verifiedBody strips and verifies the checksum line from data, if one is
// present, and returns the remaining body. Data with no checksum line is
// returned unmodified; SaveJSON always writes one, but hand-edited or legacy
// files may not have one.
func verifiedBody(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, []byte(checksumPrefix)) {
		return data, nil
	}
	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return nil, errChecksumMismatch
	}
	wantHex := strings.TrimPrefix(string(data[:nl]), checksumPrefix)
	body := data[nl+1:]
	sum := sha256.Sum256(body)
	if hex.EncodeToString(sum[:]) != wantHex {
		return nil, errChecksumMismatch
	}
	return body, nil
}

// decodeMetaAndObject decodes the Metadata and then the object from body, in
// the order SaveJSON encodes them, and checks the metadata against want.
func decodeMetaAndObject(body []byte, want Metadata, object interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	var got Metadata
	if err := dec.Decode(&got); err != nil {
		return errors.AddContext(err, "unable to decode metadata")
	}
	if got.Header != want.Header {
		return ErrBadHeader
	}
	if got.Version != want.Version {
		return ErrBadVersion
	}
	if object == nil {
		return nil
	}
	return dec.Decode(object)
}

// SaveJSON saves an object, prefixed by the given metadata, to filename on
// disk, checksummed so LoadJSON can detect on-disk corruption. A copy is also
// written to the temp-suffixed backup path before the final file is touched,
// unless the existing final file is already corrupt, in which case the
// backup is left alone so a previous good backup can still be recovered.
func SaveJSON(meta Metadata, object interface{}, filename string) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(meta); err != nil {
		return errors.AddContext(err, "unable to encode metadata")
	}
	if err := enc.Encode(object); err != nil {
		return errors.AddContext(err, "unable to encode object")
	}
	data := append(checksumLine(buf.Bytes()), buf.Bytes()...)

	tempPath := filename + tempSuffix
	if existing, err := ioutil.ReadFile(filename); err == nil {
		if body, verr := verifiedBody(existing); verr != nil || decodeMetaAndObject(body, meta, nil) != nil {
			// The file on disk is already corrupt. Don't overwrite the
			// backup with it; just rewrite the main file.
			return writeAtomic(filename, data)
		}
	}
	if err := writeAtomic(tempPath, data); err != nil {
		return errors.AddContext(err, "unable to write backup copy")
	}
	return writeAtomic(filename, data)
}

// LoadJSON loads a file previously written by SaveJSON, verifying both its
// checksum and its metadata against meta. If the main file is missing or
// corrupted, LoadJSON falls back to the temp-suffixed backup copy.
func LoadJSON(meta Metadata, object interface{}, filename string) error {
	if strings.HasSuffix(filename, tempSuffix) {
		return ErrBadFilenameSuffix
	}

	mainErr := tryLoadJSON(meta, object, filename)
	if mainErr == nil {
		return nil
	}
	if err := tryLoadJSON(meta, object, filename+tempSuffix); err == nil {
		return nil
	}
	return mainErr
}

func tryLoadJSON(meta Metadata, object interface{}, filename string) error {
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return err
	}
	body, err := verifiedBody(data)
	if err != nil {
		return err
	}
	return decodeMetaAndObject(body, meta, object)
}

func writeAtomic(path string, data []byte) error {
	sf, err := NewSafeFile(path)
	if err != nil {
		return err
	}
	defer sf.Close()
	if _, err := sf.Write(data); err != nil {
		return err
	}
	return sf.Commit()
}
