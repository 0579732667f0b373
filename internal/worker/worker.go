// Package worker supervises the proxy's long-running background tasks:
// the credential watcher, the write pipeline, and the analysis loops.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Name identifies the worker in logs and wrapped errors.
	Name() string
	// Run blocks until ctx is cancelled or an unrecoverable error
	// occurs. A nil return means the worker shut down cleanly.
	Run(ctx context.Context) error
}
