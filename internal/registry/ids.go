package registry

import "github.com/google/uuid"

// UUIDGenerator generates random (v4) session ids.
type UUIDGenerator struct{}

// NewID returns a new uuid string.
func (UUIDGenerator) NewID() string {
	return uuid.NewString()
}
