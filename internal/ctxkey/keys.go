// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the enriched logger.
// HTTP middleware stores the request logger (with request_id) under it; the
// desktop socket carries it into the input sink's context.
type LoggerKey struct{}
