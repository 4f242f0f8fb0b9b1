package model

import "time"

// Writer defines a generic interface for writing session accounting snapshots to a persistent store.
type Writer interface {
	// Write persists one snapshot of session records taken at timestamp.
	Write(records []SessionRecord, timestamp string) error

	// GetInterval returns the configured snapshot interval for this writer.
	GetInterval() time.Duration
}
