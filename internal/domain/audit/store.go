package audit

import "context"

// Store persists audit records.
// Interface owned by domain per hexagonal architecture.
type Store interface {
	// Append stores records. Callers do not retry on error.
	Append(ctx context.Context, records ...Record) error

	// Recent returns the last n records, newest first.
	Recent(n int) []Record

	// Flush forces pending records to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}
