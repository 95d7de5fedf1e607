package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/openctrol/openctrol-agent/internal/domain/clock"
	"github.com/openctrol/openctrol-agent/internal/domain/ratelimit"
)

// maxGenerateAttempts bounds regeneration when a fresh value collides with a
// live or revoked one. Hitting it means the random source is broken.
const maxGenerateAttempts = 3

// Authority owns the token namespace.
//
// The active table, the revocation record and the failure windows are all
// guarded by one mutex so that a failed lookup and the failure it records are
// atomic with respect to concurrent issue and revoke. The Authority never
// calls into the session broker.
type Authority struct {
	mu       sync.Mutex
	active   map[string]*Token
	revoked  map[string]revocation
	failures *ratelimit.WindowCounter

	issued    uint64
	validated uint64
	revokes   uint64
	failed    map[FailureReason]uint64

	cfg      Config
	clock    clock.Clock
	random   io.Reader
	logger   *slog.Logger
	observer Observer

	startOnce sync.Once
	stopOnce  sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// Option configures an Authority.
type Option func(*Authority)

// WithClock sets the time source. Default: clock.System.
func WithClock(c clock.Clock) Option {
	return func(a *Authority) {
		if c != nil {
			a.clock = c
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authority) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithRandom sets the entropy source. Default: crypto/rand.Reader.
func WithRandom(r io.Reader) Option {
	return func(a *Authority) {
		if r != nil {
			a.random = r
		}
	}
}

// WithObserver sets the event observer.
func WithObserver(o Observer) Option {
	return func(a *Authority) {
		if o != nil {
			a.observer = o
		}
	}
}

// NewAuthority creates a token authority. Call StartSweep to run the
// periodic sweep and Stop at shutdown.
func NewAuthority(cfg Config, opts ...Option) *Authority {
	cfg = cfg.withDefaults()
	a := &Authority{
		active:  make(map[string]*Token),
		revoked: make(map[string]revocation),
		failures: ratelimit.NewWindowCounter(ratelimit.Config{
			Limit:  cfg.MaxFailures,
			Window: cfg.FailureWindow,
		}),
		failed:   make(map[FailureReason]uint64),
		cfg:      cfg,
		clock:    clock.System{},
		random:   rand.Reader,
		logger:   slog.Default(),
		observer: Observers(nil),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// IssueToken mints a token bound to ownerTag that expires after ttl.
// Returns an error wrapping ErrEntropy if secure randomness is unavailable.
func (a *Authority) IssueToken(ownerTag string, ttl time.Duration) (Token, error) {
	if ttl <= 0 {
		return Token{}, fmt.Errorf("%w: got %v", ErrInvalidTTL, ttl)
	}

	a.mu.Lock()
	value, err := a.generateLocked()
	if err != nil {
		a.mu.Unlock()
		a.logger.Error("token issue failed", "owner", ownerTag, "error", err)
		return Token{}, err
	}

	now := a.clock.Now()
	tok := &Token{
		Value:     value,
		OwnerTag:  ownerTag,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	a.active[value] = tok
	a.issued++
	a.mu.Unlock()

	a.logger.Info("token issued",
		"owner", ownerTag,
		"token_fp", Fingerprint(value),
		"expires_at", tok.ExpiresAt,
	)
	a.observer.TokenIssued()
	return *tok, nil
}

// generateLocked produces a value that is neither live nor revoked.
// Caller must hold a.mu.
func (a *Authority) generateLocked() (string, error) {
	b := make([]byte, tokenBytes)
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		if _, err := io.ReadFull(a.random, b); err != nil {
			return "", fmt.Errorf("%w: %w", ErrEntropy, err)
		}
		value := base64.RawURLEncoding.EncodeToString(b)
		_, live := a.active[value]
		_, revoked := a.revoked[value]
		if !live && !revoked {
			return value, nil
		}
	}
	return "", fmt.Errorf("%w: random source repeated a token value", ErrEntropy)
}

// ValidateToken reports whether value is a live token and returns its owner tag.
//
// Checks run in order, first failure wins: revocation record, rate limit on
// the hashed token, active table lookup. Only lookup failures count against
// the rate limit. The failure reason is logged, never returned.
func (a *Authority) ValidateToken(value string) (string, bool) {
	key := ratelimit.TokenKey(value)

	a.mu.Lock()
	now := a.clock.Now()
	owner, reason := a.validateLocked(value, key, now)
	if reason == "" {
		a.validated++
	} else {
		a.failed[reason]++
	}
	a.mu.Unlock()

	if reason == "" {
		a.observer.TokenValidated()
		return owner, true
	}

	switch reason {
	case ReasonRevoked, ReasonRateLimited:
		a.logger.Warn("token validation failed", "reason", reason, "token_fp", Fingerprint(value))
	default:
		a.logger.Debug("token validation failed", "reason", reason, "token_fp", Fingerprint(value))
	}
	a.observer.ValidationFailed(reason)
	return "", false
}

// validateLocked runs the ordered checks. Caller must hold a.mu.
func (a *Authority) validateLocked(value, key string, now time.Time) (string, FailureReason) {
	if _, ok := a.revoked[value]; ok {
		return "", ReasonRevoked
	}
	if a.failures.Exceeded(key, now) {
		return "", ReasonRateLimited
	}

	tok, ok := a.active[value]
	if !ok {
		a.failures.Hit(key, now)
		return "", ReasonNotFound
	}
	if !tok.ExpiresAt.After(now) {
		delete(a.active, value)
		a.failures.Hit(key, now)
		return "", ReasonExpired
	}
	return tok.OwnerTag, ""
}

// RevokeToken removes value from the active table and adds it to the
// revocation record. Safe to call on unknown or already revoked tokens.
func (a *Authority) RevokeToken(value string) {
	a.mu.Lock()
	now := a.clock.Now()
	tok, known := a.active[value]
	delete(a.active, value)

	entry := revocation{revokedAt: now}
	prev, already := a.revoked[value]
	switch {
	case known:
		entry.expiresAt = tok.ExpiresAt
	case already:
		entry.expiresAt = prev.expiresAt
	}
	a.revoked[value] = entry
	if !already {
		a.revokes++
	}
	a.mu.Unlock()

	if known {
		a.logger.Info("token revoked", "owner", tok.OwnerTag, "token_fp", Fingerprint(value))
	} else {
		a.logger.Debug("token revoked", "known", false, "token_fp", Fingerprint(value))
	}
	if !already {
		a.observer.TokenRevoked()
	}
}

// Live reports whether value is in the active table, unexpired and not
// revoked. Unlike ValidateToken it records nothing: no failure window hit,
// no counters, no observer events.
func (a *Authority) Live(value string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.revoked[value]; ok {
		return false
	}
	tok, ok := a.active[value]
	return ok && tok.ExpiresAt.After(a.clock.Now())
}

// Sweep evicts expired tokens and garbage-collects the revocation record and
// the rate-limit windows.
func (a *Authority) Sweep() SweepResult {
	var res SweepResult

	a.mu.Lock()
	now := a.clock.Now()
	for value, tok := range a.active {
		if !tok.ExpiresAt.After(now) {
			delete(a.active, value)
			delete(a.revoked, value)
			res.Expired++
		}
	}

	switch a.cfg.RevocationMode {
	case RevocationTimed:
		for value, entry := range a.revoked {
			if entry.evictable(now, a.cfg.RevocationRetention) {
				delete(a.revoked, value)
				res.Purged++
			}
		}
	default:
		if len(a.revoked) > a.cfg.MaxRevocations {
			res.Purged = len(a.revoked)
			clear(a.revoked)
		}
	}

	res.Windows = a.failures.Prune(now)
	remaining := len(a.active)
	a.mu.Unlock()

	if res.Expired > 0 || res.Purged > 0 || res.Windows > 0 {
		a.logger.Debug("token sweep completed",
			"expired", res.Expired,
			"revocations_purged", res.Purged,
			"windows_pruned", res.Windows,
			"active", remaining,
		)
	}
	a.observer.Swept(res)
	return res
}

// StartSweep starts the background sweep goroutine. It stops when ctx is
// cancelled or Stop is called. Later calls are no-ops.
func (a *Authority) StartSweep(ctx context.Context) {
	a.startOnce.Do(func() {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			ticker := time.NewTicker(a.cfg.SweepInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-a.stopChan:
					return
				case <-ticker.C:
					a.Sweep()
				}
			}
		}()
	})
}

// Stop stops the sweep goroutine and waits for it to exit.
// Safe to call multiple times.
func (a *Authority) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopChan)
	})
	a.wg.Wait()
}

// ActiveCount returns the number of tokens in the active table.
func (a *Authority) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

// RevokedCount returns the size of the revocation record.
func (a *Authority) RevokedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.revoked)
}

// FailureCount returns the failures recorded against value's rate-limit key
// in its current window.
func (a *Authority) FailureCount(value string) int {
	key := ratelimit.TokenKey(value)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures.Count(key, a.clock.Now())
}

// Stats returns a snapshot of the internal counters.
func (a *Authority) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	failures := make(map[FailureReason]uint64, len(a.failed))
	for reason, n := range a.failed {
		failures[reason] = n
	}
	return Stats{
		Issued:    a.issued,
		Validated: a.validated,
		Revoked:   a.revokes,
		Failures:  failures,
	}
}

// Config returns the effective configuration.
func (a *Authority) Config() Config {
	return a.cfg
}
