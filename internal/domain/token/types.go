// Package token implements the token authority: issuance, validation,
// revocation and expiry of opaque capability tokens.
package token

import (
	"errors"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// tokenBytes is the amount of randomness in a token (256 bits).
const tokenBytes = 32

// Defaults for Config.
const (
	DefaultSweepInterval       = 60 * time.Second
	DefaultMaxRevocations      = 1000
	DefaultRevocationRetention = 24 * time.Hour
)

var (
	// ErrEntropy is returned when secure randomness cannot be produced.
	// It is never retried or degraded to a weaker source.
	ErrEntropy = errors.New("token entropy source unavailable")

	// ErrInvalidTTL is returned when a token is requested with a non-positive ttl.
	ErrInvalidTTL = errors.New("token ttl must be positive")
)

// Token is an issued capability token.
type Token struct {
	// Value is the bearer credential, 32 random bytes in unpadded URL-safe base64.
	Value string
	// OwnerTag is the free-text caller identifier the token was issued to.
	OwnerTag string
	// IssuedAt is when the token was minted (UTC).
	IssuedAt time.Time
	// ExpiresAt is when the token stops validating (UTC).
	ExpiresAt time.Time
}

// RevocationMode selects how the revocation record is garbage-collected.
type RevocationMode string

const (
	// RevocationBounded clears the whole record once it exceeds MaxRevocations.
	// A revoked token with a long ttl can be forgotten while still unexpired.
	RevocationBounded RevocationMode = "bounded"

	// RevocationTimed evicts an entry only after RevocationRetention has passed
	// since revocation and the token's known expiry is also behind us.
	RevocationTimed RevocationMode = "timed"
)

// FailureReason is the internal cause of a failed validation.
// It is logged and counted, never returned to callers.
type FailureReason string

const (
	ReasonRevoked     FailureReason = "revoked"
	ReasonRateLimited FailureReason = "rate_limited"
	ReasonNotFound    FailureReason = "not_found"
	ReasonExpired     FailureReason = "expired"
)

// Config holds token authority configuration.
type Config struct {
	// SweepInterval is how often the background sweep runs. Default: 60s.
	SweepInterval time.Duration
	// MaxFailures is the number of failed validations per token key per window
	// before the key is rate limited. Default: 5.
	MaxFailures int
	// FailureWindow is the fixed rate-limit window. Default: 1 minute.
	FailureWindow time.Duration
	// RevocationMode selects revocation record eviction. Default: bounded.
	RevocationMode RevocationMode
	// MaxRevocations is the bounded-mode size limit. Default: 1000.
	MaxRevocations int
	// RevocationRetention is the timed-mode retention after revoke. Default: 24h.
	RevocationRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.RevocationMode == "" {
		c.RevocationMode = RevocationBounded
	}
	if c.MaxRevocations <= 0 {
		c.MaxRevocations = DefaultMaxRevocations
	}
	if c.RevocationRetention <= 0 {
		c.RevocationRetention = DefaultRevocationRetention
	}
	return c
}

// Stats is a snapshot of the authority's internal counters.
type Stats struct {
	Issued    uint64
	Validated uint64
	Revoked   uint64
	Failures  map[FailureReason]uint64
}

// SweepResult reports what one sweep removed.
type SweepResult struct {
	// Expired is the number of active tokens removed because their ttl passed.
	Expired int
	// Purged is the number of revocation entries dropped.
	Purged int
	// Windows is the number of elapsed rate-limit windows pruned.
	Windows int
}

// revocation is one entry of the revocation record.
type revocation struct {
	revokedAt time.Time
	// expiresAt is the revoked token's expiry, zero when the token was unknown.
	expiresAt time.Time
}

// evictable reports whether a timed-mode entry may be dropped at now.
func (r revocation) evictable(now time.Time, retention time.Duration) bool {
	if now.Before(r.revokedAt.Add(retention)) {
		return false
	}
	return r.expiresAt.IsZero() || !now.Before(r.expiresAt)
}

// Fingerprint returns a short non-reversible identifier for a token value,
// for correlating log lines without writing the credential itself.
func Fingerprint(value string) string {
	return strconv.FormatUint(xxhash.Sum64String(value), 16)
}
