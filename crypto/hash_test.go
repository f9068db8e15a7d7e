package crypto

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"testing"

	"gitlab.com/NebulousLabs/fastrand"
)

// TestHashing calls HashBytes and checks that it never returns the zero
// hash for non-trivial input.
func TestHashing(t *testing.T) {
	var emptyHash Hash
	h := HashBytes(fastrand.Bytes(435))
	if h == emptyHash {
		t.Error("HashBytes returned the zero hash!")
	}
	// Hashing is deterministic.
	if HashBytes([]byte("content")) != HashBytes([]byte("content")) {
		t.Error("HashBytes is not deterministic")
	}
}

// TestHashSorting takes a set of hashes and checks that they can be sorted.
func TestHashSorting(t *testing.T) {
	hashes := make([]Hash, 5)
	hashes[0][0] = 12
	hashes[1][0] = 7
	hashes[2][0] = 13
	hashes[3][0] = 14
	hashes[4][0] = 1

	sort.Sort(HashSlice(hashes))
	want := []byte{1, 7, 12, 13, 14}
	for i, w := range want {
		if hashes[i][0] != w {
			t.Error("bad sort")
		}
	}
}

// TestUnitHashMarshalJSON tests that Hashes are correctly marshalled to JSON.
func TestUnitHashMarshalJSON(t *testing.T) {
	h := HashBytes([]byte("an object"))
	jsonBytes, err := h.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(jsonBytes, []byte(`"`+h.String()+`"`)) {
		t.Errorf("hash %s encoded incorrectly: got %s\n", h, jsonBytes)
	}
}

// TestUnitHashUnmarshalJSON tests that unmarshalling invalid JSON results in
// an error, and that valid JSON round-trips.
func TestUnitHashUnmarshalJSON(t *testing.T) {
	invalidJSONBytes := [][]byte{
		nil,
		{},
		[]byte("\""),
		[]byte(""),
		[]byte(`"` + strings.Repeat("a", HashSize*2-1) + `"`),
		[]byte(`"` + strings.Repeat("a", HashSize*2+1) + `"`),
		[]byte(`"` + strings.Repeat("z", HashSize*2) + `"`),
	}
	for _, jsonBytes := range invalidJSONBytes {
		var h Hash
		err := h.UnmarshalJSON(jsonBytes)
		if err == nil {
			t.Errorf("expected unmarshal to fail on the invalid JSON: %q\n", jsonBytes)
		}
	}

	expectedH := HashBytes([]byte("an object"))
	jsonBytes := []byte(`"` + expectedH.String() + `"`)
	var h Hash
	if err := h.UnmarshalJSON(jsonBytes); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(h[:], expectedH[:]) {
		t.Errorf("Hash %s marshalled incorrectly: got %s\n", expectedH, h)
	}
}

// TestHashMarshalling checks round-tripping through encoding/json directly.
func TestHashMarshalling(t *testing.T) {
	h := HashBytes([]byte("an object"))
	hBytes, err := json.Marshal(h)
	if err != nil {
		t.Fatal(err)
	}
	var uMarH Hash
	if err := uMarH.UnmarshalJSON(hBytes); err != nil {
		t.Fatal(err)
	}
	if h != uMarH {
		t.Error("encoded and decoded hash do not match!")
	}
}

// TestHashLoadString checks that LoadString inverts String.
func TestHashLoadString(t *testing.T) {
	h1 := Hash{}
	h2 := HashBytes([]byte("tame"))
	h1e := h1.String()
	h2e := h2.String()

	var h1d, h2d Hash
	if err := h1d.LoadString(h1e); err != nil {
		t.Fatal(err)
	}
	if err := h2d.LoadString(h2e); err != nil {
		t.Fatal(err)
	}
	if h1d != h1 {
		t.Error("decoding h1 failed")
	}
	if h2d != h2 {
		t.Error("decoding h2 failed")
	}

	// Bogus strings.
	if err := h1.LoadString(h1e + "a"); err == nil {
		t.Fatal("expecting error when decoding hash of too large length")
	}
	if err := h1.LoadString(h1e[:60]); err == nil {
		t.Fatal("expecting error when decoding hash of too small length")
	}
}
