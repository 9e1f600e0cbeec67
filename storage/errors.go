package storage

import (
	"errors"

	"github.com/nats-io/nats.go/jetstream"
)

// Common storage errors.
var (
	// ErrNotFound is returned when no topology is stored for a runtime instance.
	ErrNotFound = errors.New("topology not found")
)

// isNotFound checks if an error indicates a key was not found or was deleted.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}
