package store

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
)

// ID is an opaque 128-bit identifier. Every entity in the package
// keys off this type rather than a database-assigned integer or a UUID
// library, so Repository implementations stay free to pick their own
// on-disk encoding.
type ID [16]byte

// NilID is the zero value, used to mean "no parent" (e.g. a session-only
// Model Usage row with no application).
var NilID ID

// NewID draws a fresh random ID from crypto/rand. Collision odds are the
// same as a random UUIDv4; the package doesn't bother with a version
// nibble since nothing outside this repo inspects the bytes.
func NewID() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic("store: crypto/rand unavailable: " + err.Error())
	}
	return id
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ID) IsZero() bool {
	return id == NilID
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseID decodes the hex form produced by String.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, errors.New("store: invalid id length")
	}
	copy(id[:], b)
	return id, nil
}
