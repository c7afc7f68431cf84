package content

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrNotFound means the hash has no content: it is a placeholder or every
	// gateway reported it absent. Retrying will not help.
	ErrNotFound = errors.New("content not found")
	// ErrStoreUnavailable means the store could not be reached. Retry later.
	ErrStoreUnavailable = errors.New("content store unavailable")
	// ErrTooLarge means the blob exceeds the size the store will hold or
	// serve. The hash names the same bytes everywhere, so retrying will not help.
	ErrTooLarge = errors.New("content too large")
)

// Store keeps immutable JSON blobs addressed by content hash.
type Store interface {
	Put(ctx context.Context, blob json.RawMessage) (string, error)
	Get(ctx context.Context, hash string) (json.RawMessage, error)
}

var placeholderMarkers = []string{"DevelopmentHash", "placeholder"}

// IsPlaceholder reports hashes that never referred to uploaded content.
func IsPlaceholder(hash string) bool {
	if strings.HasPrefix(hash, "local_") {
		return true
	}
	for _, marker := range placeholderMarkers {
		if strings.Contains(hash, marker) {
			return true
		}
	}
	return false
}
