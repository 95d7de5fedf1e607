package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openctrol/openctrol-agent/internal/domain/session"
)

func newSession(id string, ttl time.Duration) *session.DesktopSession {
	now := time.Now().UTC()
	return &session.DesktopSession{
		ID:        id,
		OwnerTag:  "ha-1",
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Token:     "tok-" + id,
		Active:    true,
	}
}

func TestSessionStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()

	if err := store.Create(ctx, newSession("sess-1", 15*time.Minute)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.OwnerTag != "ha-1" || got.Token != "tok-sess-1" || !got.Active {
		t.Errorf("Get() = %+v", got)
	}
}

func TestSessionStore_CreateDuplicate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()

	_ = store.Create(ctx, newSession("sess-1", time.Minute))
	if err := store.Create(ctx, newSession("sess-1", time.Minute)); err == nil {
		t.Error("Create() with duplicate id succeeded")
	}
}

func TestSessionStore_GetNonExistent(t *testing.T) {
	t.Parallel()

	_, err := NewSessionStore().Get(context.Background(), "nonexistent")
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("Get() error = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionStore_GetExpired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()
	_ = store.Create(ctx, newSession("old", -time.Minute))

	// Expiry is the broker's concern; the row is still returned.
	if _, err := store.Get(ctx, "old"); err != nil {
		t.Errorf("Get() expired row error = %v", err)
	}
}

func TestSessionStore_CopyIsolation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()
	sess := newSession("sess-1", time.Minute)
	_ = store.Create(ctx, sess)

	sess.OwnerTag = "mutated"
	got, _ := store.Get(ctx, "sess-1")
	got.Token = "mutated"

	again, _ := store.Get(ctx, "sess-1")
	if again.OwnerTag != "ha-1" || again.Token != "tok-sess-1" {
		t.Errorf("stored row was mutated through a caller copy: %+v", again)
	}
}

func TestSessionStore_Delete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()
	_ = store.Create(ctx, newSession("sess-1", time.Minute))

	removed, err := store.Delete(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if removed.Token != "tok-sess-1" || removed.Active {
		t.Errorf("Delete() returned %+v", removed)
	}

	if _, err := store.Delete(ctx, "sess-1"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("second Delete() error = %v, want ErrSessionNotFound", err)
	}
	if store.Size() != 0 {
		t.Errorf("Size() = %d, want 0", store.Size())
	}
}

func TestSessionStore_List(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()
	for i := 0; i < 3; i++ {
		_ = store.Create(ctx, newSession(fmt.Sprintf("sess-%d", i), time.Minute))
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List() len = %d, want 3", len(all))
	}
}

func TestSessionStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("sess-%d", n)
			_ = store.Create(ctx, newSession(id, time.Minute))
			_, _ = store.Get(ctx, id)
			_, _ = store.List(ctx)
			_, _ = store.Delete(ctx, id)
		}(i)
	}
	wg.Wait()

	if store.Size() != 0 {
		t.Errorf("Size() = %d, want 0", store.Size())
	}
}

func TestSessionStore_WithBroker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()
	broker := session.NewBroker(store, newTestAuthority(), session.StaticCapacity(1), session.Config{},
		session.WithLogger(discardLogger()))

	sess, err := broker.StartSession(ctx, "ha-1", time.Minute)
	if err != nil {
		t.Fatalf("StartSession() error: %v", err)
	}
	if store.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", store.Size())
	}

	broker.EndSession(ctx, sess.ID)
	if store.Size() != 0 {
		t.Errorf("Size() after EndSession = %d, want 0", store.Size())
	}
}
