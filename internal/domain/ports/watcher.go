package ports

import "context"

// StateWatcher watches the persisted state for changes made by another
// process.
type StateWatcher interface {
	// Start begins watching. It returns once the watch is established.
	Start(ctx context.Context) error

	// Stop terminates watching.
	Stop() error

	// IsRunning returns true if the watcher is active.
	IsRunning() bool
}
