// Package canonical produces RFC 8785 (JSON Canonicalization Scheme) bytes so
// that semantically equal documents hash to the same digest.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
)

// ErrEncoding is returned for values JSON cannot represent: NaN, infinities,
// cycles, channels, functions and the like.
var ErrEncoding = errors.New("canonical: unencodable document")

// Canonicalize returns the canonical JSON form of doc. Structs are encoded
// through their json tags first, so a struct and the equivalent map produce
// identical output.
func Canonicalize(doc any) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON canonicalizes an already-encoded JSON document.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return out, nil
}

// Hash returns the lowercase hex SHA-256 of the canonical form of doc.
func Hash(doc any) (string, error) {
	b, err := Canonicalize(doc)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes hashes raw bytes as lowercase hex SHA-256.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
