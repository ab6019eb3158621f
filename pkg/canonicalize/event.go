package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalEventForm produces the fixed-key-order, whitespace-free JSON form
// of an event's fields (minus "hash") used for hashing, per spec §3
// "Canonical hashing" and §6 "Event canonical hashing format". v is first
// marshaled with standard encoding/json (respecting struct tags and
// omitting nil/omitempty fields), then run through RFC 8785 JSON
// Canonicalization so that map and struct field order never affects the
// digest.
func CanonicalEventForm(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal event: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return canon, nil
}

// HashEventForm computes the algorithm-tagged digest of an already
// canonicalized event form, e.g. "sha256:<hex>".
func HashEventForm(canon []byte) string {
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:])
}
