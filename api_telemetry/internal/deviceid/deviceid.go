// Package deviceid decodes SDK-generated device identifiers.
//
// Device ids are UUIDv7: the first 48 bits hold the Unix time in milliseconds
// when the SDK first ran on the device.
package deviceid

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidID is returned for anything that is not a well-formed UUIDv7.
var ErrInvalidID = errors.New("invalid device id")

// CreatedAt extracts the creation time embedded in a UUIDv7 device id.
func CreatedAt(id string) (time.Time, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return time.Time{}, ErrInvalidID
	}
	if u.Version() != 7 || u.Variant() != uuid.RFC4122 {
		return time.Time{}, ErrInvalidID
	}
	var ms [8]byte
	copy(ms[2:], u[:6])
	return time.UnixMilli(int64(binary.BigEndian.Uint64(ms[:]))).UTC(), nil
}

// New returns a fresh UUIDv7 device id. Used by tests and tooling.
func New() (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// At builds a UUIDv7 whose timestamp is t. Random bits are taken from a v4 id.
func At(t time.Time) string {
	u := uuid.New()
	var ms [8]byte
	binary.BigEndian.PutUint64(ms[:], uint64(t.UnixMilli()))
	copy(u[:6], ms[2:])
	u[6] = (u[6] & 0x0f) | 0x70
	u[8] = (u[8] & 0x3f) | 0x80
	return u.String()
}
