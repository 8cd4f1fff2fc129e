package util

import "github.com/google/uuid"

// NewID returns a random UUIDv4 string used for submissions, batches,
// bundles and bundle versions.
func NewID() string {
	return uuid.NewString()
}
