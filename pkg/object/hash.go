package object

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// IDSize is the width in bytes of an object ID.
const IDSize = sha256.Size

// ID is a fixed-width binary SHA-256 digest naming an object.
type ID [IDSize]byte

// ZeroID is the all-zero ID, used where an update has no old or new value.
var ZeroID ID

// HashBytes computes the raw SHA-256 hash of data.
func HashBytes(data []byte) ID {
	return ID(sha256.Sum256(data))
}

// ParseID decodes a 64-character hex string.
func ParseID(s string) (ID, error) {
	var id ID
	s = strings.TrimSpace(s)
	if len(s) != hex.EncodedLen(IDSize) {
		return id, fmt.Errorf("parse object id %q: want %d hex characters, got %d", s, hex.EncodedLen(IDSize), len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("parse object id %q: %w", s, err)
	}
	return id, nil
}

// MustParseID is ParseID for literals known to be valid.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the lowercase hex form.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters.
func (id ID) Short() string {
	return id.String()[:8]
}

// IsZero reports whether id is ZeroID.
func (id ID) IsZero() bool {
	return id == ZeroID
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
