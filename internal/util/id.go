package util

import "github.com/google/uuid"

// NewID returns a random UUIDv4 string used as the local job identifier.
func NewID() string {
	return uuid.NewString()
}
