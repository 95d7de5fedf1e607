package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openctrol/openctrol-agent/internal/domain/clock"
	"github.com/openctrol/openctrol-agent/internal/domain/token"
)

// Observer receives broker lifecycle events, e.g. for metrics.
// Implementations must be cheap and must not call back into the broker.
type Observer interface {
	SessionStarted()
	SessionEnded()
	SessionRejected()
}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) SessionStarted() {
	for _, obs := range o {
		obs.SessionStarted()
	}
}

func (o Observers) SessionEnded() {
	for _, obs := range o {
		obs.SessionEnded()
	}
}

func (o Observers) SessionRejected() {
	for _, obs := range o {
		obs.SessionRejected()
	}
}

type noopObserver struct{}

func (noopObserver) SessionStarted()  {}
func (noopObserver) SessionEnded()    {}
func (noopObserver) SessionRejected() {}

// connHandle is a transport-owned cancellation reference.
type connHandle struct {
	id     uint64
	cancel context.CancelFunc
}

// Broker admits, tracks and ends desktop sessions.
//
// The broker lock covers the capacity check and the insert as one region.
// The broker may call the token authority while holding it; the authority
// never calls back, so the lock order is always broker then authority.
type Broker struct {
	mu       sync.Mutex
	store    Store
	tokens   TokenAuthority
	capacity CapacityProvider
	conns    map[string][]connHandle
	nextConn uint64

	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	observer Observer

	startOnce sync.Once
	stopOnce  sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithClock sets the time source. Default: clock.System.
func WithClock(c clock.Clock) BrokerOption {
	return func(b *Broker) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) BrokerOption {
	return func(b *Broker) {
		if o != nil {
			b.observer = o
		}
	}
}

// NewBroker creates a session broker over the given store, token authority
// and capacity provider.
func NewBroker(store Store, tokens TokenAuthority, capacity CapacityProvider, cfg Config, opts ...BrokerOption) *Broker {
	b := &Broker{
		store:    store,
		tokens:   tokens,
		capacity: capacity,
		conns:    make(map[string][]connHandle),
		cfg:      cfg.withDefaults(),
		clock:    clock.System{},
		logger:   slog.Default(),
		observer: noopObserver{},
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// StartSession admits a new session for ownerTag with the given ttl.
// Returns ErrCapacityExceeded when the live cap is already reached, without
// side effects.
func (b *Broker) StartSession(ctx context.Context, ownerTag string, ttl time.Duration) (DesktopSession, error) {
	if ttl <= 0 || ttl > b.cfg.MaxTTL {
		return DesktopSession{}, fmt.Errorf("%w: %v not in (0, %v]", ErrInvalidTTL, ttl, b.cfg.MaxTTL)
	}

	b.mu.Lock()
	sess, active, limit, err := b.admitLocked(ctx, ownerTag, ttl)
	b.mu.Unlock()

	if err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			b.logger.Warn("session rejected", "owner", ownerTag, "active", active, "max_sessions", limit)
			b.observer.SessionRejected()
		} else {
			b.logger.Error("session start failed", "owner", ownerTag, "error", err)
		}
		return DesktopSession{}, err
	}

	b.logger.Info("session started",
		"session_id", sess.ID,
		"owner", ownerTag,
		"expires_at", sess.ExpiresAt,
		"token_fp", token.Fingerprint(sess.Token),
	)
	b.observer.SessionStarted()
	return sess, nil
}

// admitLocked runs capacity check, token issue and insert. Caller must hold b.mu.
func (b *Broker) admitLocked(ctx context.Context, ownerTag string, ttl time.Duration) (DesktopSession, int, int, error) {
	limit := b.capacity.MaxSessions()
	active, err := b.countActiveLocked(ctx)
	if err != nil {
		return DesktopSession{}, 0, limit, err
	}
	if active >= limit {
		return DesktopSession{}, active, limit, ErrCapacityExceeded
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return DesktopSession{}, active, limit, fmt.Errorf("failed to generate session id: %w", err)
	}

	tok, err := b.tokens.IssueToken(ownerTag, ttl)
	if err != nil {
		return DesktopSession{}, active, limit, fmt.Errorf("failed to issue session token: %w", err)
	}

	sess := &DesktopSession{
		ID:        id.String(),
		OwnerTag:  ownerTag,
		CreatedAt: tok.IssuedAt,
		ExpiresAt: tok.ExpiresAt,
		Token:     tok.Value,
		Active:    true,
	}
	if err := b.store.Create(ctx, sess); err != nil {
		b.tokens.RevokeToken(tok.Value)
		return DesktopSession{}, active, limit, fmt.Errorf("failed to create session: %w", err)
	}
	return *sess, active + 1, limit, nil
}

// countActiveLocked counts stored sessions that are live. Caller must hold b.mu.
func (b *Broker) countActiveLocked(ctx context.Context) (int, error) {
	all, err := b.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	now := b.clock.Now()
	n := 0
	for _, s := range all {
		if b.liveLocked(s, now) {
			n++
		}
	}
	return n, nil
}

// liveLocked reports whether s is active, unexpired and still bound to an
// unrevoked token. Caller must hold b.mu.
func (b *Broker) liveLocked(s *DesktopSession, now time.Time) bool {
	return s.Active && !s.ExpiredAt(now) && b.tokens.Live(s.Token)
}

// revokedLocked reports whether s is unexpired but its token was revoked.
// Caller must hold b.mu.
func (b *Broker) revokedLocked(s *DesktopSession, now time.Time) bool {
	return s.Active && !s.ExpiredAt(now) && !b.tokens.Live(s.Token)
}

// TryGetSession looks up a session without touching its expiry state.
// Callers that need "still good" must also check ExpiresAt and Revoked.
func (b *Broker) TryGetSession(ctx context.Context, id string) (DesktopSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess, err := b.store.Get(ctx, id)
	if err != nil {
		return DesktopSession{}, false
	}
	sess.Revoked = b.revokedLocked(sess, b.clock.Now())
	return *sess, true
}

// EndSession removes the session, revokes its token and cancels every live
// connection registered for it. It returns the removed session and true if
// this call removed it; unknown or already ended ids are a no-op returning
// false. The token is revoked before EndSession returns.
func (b *Broker) EndSession(ctx context.Context, id string) (DesktopSession, bool) {
	b.mu.Lock()
	sess, handles, err := b.endLocked(ctx, id)
	b.mu.Unlock()

	return b.finishEnd(id, sess, handles, err, "end")
}

// RevokeSessionToken revokes value and ends the session bound to it, so the
// session leaves the registry and its connections are cancelled. When no
// stored session holds value the token is still revoked. Returns the ended
// session and true if one was found.
func (b *Broker) RevokeSessionToken(ctx context.Context, value string) (DesktopSession, bool) {
	b.mu.Lock()
	id, err := b.findByTokenLocked(ctx, value)
	if err != nil {
		b.tokens.RevokeToken(value)
		b.mu.Unlock()
		if !errors.Is(err, ErrSessionNotFound) {
			b.logger.Error("session lookup by token failed", "token_fp", token.Fingerprint(value), "error", err)
		}
		return DesktopSession{}, false
	}
	sess, handles, err := b.endLocked(ctx, id)
	b.mu.Unlock()

	return b.finishEnd(id, sess, handles, err, "revoke")
}

// findByTokenLocked returns the id of the stored session bound to value.
// Caller must hold b.mu.
func (b *Broker) findByTokenLocked(ctx context.Context, value string) (string, error) {
	all, err := b.store.List(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, s := range all {
		if subtle.ConstantTimeCompare([]byte(s.Token), []byte(value)) == 1 {
			return s.ID, nil
		}
	}
	return "", ErrSessionNotFound
}

// endLocked deletes the row, revokes its token and detaches its handles.
// Caller must hold b.mu and must invoke the handles after unlocking.
func (b *Broker) endLocked(ctx context.Context, id string) (*DesktopSession, []connHandle, error) {
	sess, err := b.store.Delete(ctx, id)
	handles := b.conns[id]
	delete(b.conns, id)
	if err == nil {
		b.tokens.RevokeToken(sess.Token)
	}
	return sess, handles, err
}

func (b *Broker) finishEnd(id string, sess *DesktopSession, handles []connHandle, err error, cause string) (DesktopSession, bool) {
	for _, h := range handles {
		h.cancel()
	}

	switch {
	case err == nil:
		b.logger.Info("session ended",
			"session_id", id,
			"owner", sess.OwnerTag,
			"cause", cause,
			"connections", len(handles),
		)
		b.observer.SessionEnded()
		ended := *sess
		ended.Active = false
		return ended, true
	case errors.Is(err, ErrSessionNotFound):
		b.logger.Debug("end of unknown session ignored", "session_id", id)
	default:
		b.logger.Error("session end failed", "session_id", id, "error", err)
	}
	return DesktopSession{}, false
}

// GetActiveSessions returns a snapshot of the sessions with ExpiresAt > now
// whose token is still live. The registry is not mutated.
func (b *Broker) GetActiveSessions(ctx context.Context) ([]DesktopSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	all, err := b.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	now := b.clock.Now()
	out := make([]DesktopSession, 0, len(all))
	for _, s := range all {
		if b.liveLocked(s, now) {
			out = append(out, *s)
		}
	}
	return out, nil
}

// ActiveCount returns the number of live sessions.
func (b *Broker) ActiveCount(ctx context.Context) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.countActiveLocked(ctx)
	if err != nil {
		b.logger.Error("active session count failed", "error", err)
		return 0
	}
	return n
}

// ValidateSessionToken checks that value is a live token and that it is the
// token bound to session id. The result is a single boolean; the reason for
// a failure is only logged.
func (b *Broker) ValidateSessionToken(ctx context.Context, id, value string) (DesktopSession, bool) {
	owner, ok := b.tokens.ValidateToken(value)
	if !ok {
		return DesktopSession{}, false
	}

	b.mu.Lock()
	sess, err := b.store.Get(ctx, id)
	now := b.clock.Now()
	b.mu.Unlock()

	switch {
	case err != nil:
		b.logger.Debug("session token rejected", "session_id", id, "reason", "session_not_found")
		return DesktopSession{}, false
	case !sess.Active || sess.ExpiredAt(now):
		b.logger.Debug("session token rejected", "session_id", id, "reason", "session_expired")
		return DesktopSession{}, false
	case subtle.ConstantTimeCompare([]byte(sess.Token), []byte(value)) != 1 || sess.OwnerTag != owner:
		b.logger.Warn("session token rejected", "session_id", id, "reason", "token_mismatch", "token_fp", token.Fingerprint(value))
		return DesktopSession{}, false
	}
	return *sess, true
}

// AttachConnection registers a transport cancellation handle for session id.
// EndSession invokes it; the broker never creates or owns it. The returned
// detach func removes only this handle and is safe to call more than once.
// Returns ErrSessionNotFound if the session is absent, expired or revoked.
func (b *Broker) AttachConnection(ctx context.Context, id string, cancel context.CancelFunc) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess, err := b.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !b.liveLocked(sess, b.clock.Now()) {
		return nil, ErrSessionNotFound
	}

	b.nextConn++
	handleID := b.nextConn
	b.conns[id] = append(b.conns[id], connHandle{id: handleID, cancel: cancel})

	var once sync.Once
	return func() {
		once.Do(func() { b.detach(id, handleID) })
	}, nil
}

func (b *Broker) detach(sessionID string, handleID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handles := b.conns[sessionID]
	for i, h := range handles {
		if h.id == handleID {
			handles = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(handles) == 0 {
		delete(b.conns, sessionID)
		return
	}
	b.conns[sessionID] = handles
}

// ConnectionCount returns the number of live connections attached to id.
func (b *Broker) ConnectionCount(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns[id])
}

// Sweep removes expired rows that have no attached connection and ends rows
// whose token was revoked outside the broker, cancelling their connections.
// Expiry never tears down a live connection; the socket does that itself.
func (b *Broker) Sweep(ctx context.Context) int {
	b.mu.Lock()
	all, err := b.store.List(ctx)
	if err != nil {
		b.mu.Unlock()
		b.logger.Error("session sweep failed", "error", err)
		return 0
	}

	now := b.clock.Now()
	removed, revoked := 0, 0
	var cancels []connHandle
	for _, s := range all {
		switch {
		case b.revokedLocked(s, now):
			sess, handles, err := b.endLocked(ctx, s.ID)
			if err == nil {
				b.logger.Info("revoked session removed", "session_id", sess.ID, "owner", sess.OwnerTag)
				cancels = append(cancels, handles...)
				revoked++
			}
		case s.ExpiredAt(now) && len(b.conns[s.ID]) == 0:
			if _, err := b.store.Delete(ctx, s.ID); err == nil {
				removed++
			}
		}
	}
	b.mu.Unlock()

	for _, h := range cancels {
		h.cancel()
	}
	for i := 0; i < revoked; i++ {
		b.observer.SessionEnded()
	}
	if removed > 0 || revoked > 0 {
		b.logger.Debug("cleaned sessions", "expired", removed, "revoked", revoked)
	}
	return removed + revoked
}

// StartSweep starts the background sweep goroutine.
// It stops when ctx is cancelled or Stop is called. Later calls are no-ops.
func (b *Broker) StartSweep(ctx context.Context) {
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			ticker := time.NewTicker(b.cfg.SweepInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-b.stopChan:
					return
				case <-ticker.C:
					b.Sweep(ctx)
				}
			}
		}()
	})
}

// Stop stops the sweep goroutine and waits for it to exit.
// Safe to call multiple times.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopChan)
	})
	b.wg.Wait()
}

// Config returns the effective configuration.
func (b *Broker) Config() Config {
	return b.cfg
}
