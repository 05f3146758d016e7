package config

import (
	"context"
)

// Source defines the interface for routing configuration sources.
// It abstracts the common behavior of configuration backends (file, etcd,
// redis) so the routing store can load and follow the routing document
// without knowing where it lives.
type Source interface {
	// Get retrieves the complete routing document from the source.
	Get() ([]byte, error)

	// Watch monitors the document and returns a channel that delivers the
	// latest complete document whenever a change is detected.
	//
	// The implementation should:
	//   - Send the current document immediately upon successful watch setup
	//   - Send the updated document whenever a change is detected
	//   - Close the channel when the context is cancelled
	Watch(ctx context.Context) (<-chan []byte, error)

	// Close closes the source and cleans up any resources
	Close() error
}

// Named is implemented by sources that can describe themselves in logs.
type Named interface {
	Name() string
}
