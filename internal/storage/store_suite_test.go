package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable clock shared by a store under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeFactory func(t *testing.T, clock *fakeClock) Store

// runStoreSuite checks the behaviour every backend must share.
func runStoreSuite(t *testing.T, factory storeFactory) {
	// ids are randomised so external backends can be reused between runs
	id := func(name string) string {
		return fmt.Sprintf("%s-%s", name, uuid.NewString()[:8])
	}

	t.Run("create and get", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t, newFakeClock())
		sid, uid := id("s"), id("u")

		created, err := store.CreateSession(ctx, sid, uid, "list my   clusters")
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, "list my clusters", created.Title)
		assert.False(t, created.IsDeleted)

		got, err := store.GetSession(ctx, sid, false)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, uid, got.UserID)
		assert.True(t, created.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("create twice conflicts", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t, newFakeClock())
		sid, uid := id("s"), id("u")

		_, err := store.CreateSession(ctx, sid, uid, "first")
		require.NoError(t, err)
		_, err = store.CreateSession(ctx, sid, uid, "second")
		assert.ErrorIs(t, err, ErrSessionConflict)
	})

	t.Run("get unknown session", func(t *testing.T) {
		store := factory(t, newFakeClock())
		_, err := store.GetSession(context.Background(), id("missing"), true)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("long titles are truncated", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t, newFakeClock())

		created, err := store.CreateSession(ctx, id("s"), id("u"), strings.Repeat("cluster ", 20))
		require.NoError(t, err)
		assert.LessOrEqual(t, len([]rune(created.Title)), MaxTitleLength)
		assert.True(t, strings.HasSuffix(created.Title, "..."))
	})

	t.Run("list orders by last update", func(t *testing.T) {
		ctx := context.Background()
		clock := newFakeClock()
		store := factory(t, clock)
		uid := id("u")
		first, second := id("a"), id("b")

		_, err := store.CreateSession(ctx, first, uid, "first")
		require.NoError(t, err)
		clock.Advance(time.Minute)
		_, err = store.CreateSession(ctx, second, uid, "second")
		require.NoError(t, err)
		_, err = store.CreateSession(ctx, id("other"), id("u"), "someone else")
		require.NoError(t, err)

		sessions, err := store.ListSessions(ctx, uid, false)
		require.NoError(t, err)
		require.Len(t, sessions, 2)
		assert.Equal(t, second, sessions[0].SessionID)

		clock.Advance(time.Minute)
		require.NoError(t, store.TouchSession(ctx, first))

		sessions, err = store.ListSessions(ctx, uid, false)
		require.NoError(t, err)
		require.Len(t, sessions, 2)
		assert.Equal(t, first, sessions[0].SessionID)
	})

	t.Run("update title", func(t *testing.T) {
		ctx := context.Background()
		clock := newFakeClock()
		store := factory(t, clock)
		sid := id("s")

		_, err := store.CreateSession(ctx, sid, id("u"), "old")
		require.NoError(t, err)
		clock.Advance(time.Second)

		updated, err := store.UpdateTitle(ctx, sid, "Production clusters")
		require.NoError(t, err)
		assert.Equal(t, "Production clusters", updated.Title)
		assert.True(t, updated.UpdatedAt.After(updated.CreatedAt))

		_, err = store.UpdateTitle(ctx, id("missing"), "x")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("soft delete and restore", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t, newFakeClock())
		sid, uid := id("s"), id("u")

		_, err := store.CreateSession(ctx, sid, uid, "doomed")
		require.NoError(t, err)

		deleted, err := store.SoftDelete(ctx, sid)
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = store.SoftDelete(ctx, sid)
		require.NoError(t, err)
		assert.False(t, deleted, "second soft delete is a no-op")

		_, err = store.GetSession(ctx, sid, false)
		assert.ErrorIs(t, err, ErrSessionNotFound)

		got, err := store.GetSession(ctx, sid, true)
		require.NoError(t, err)
		assert.True(t, got.IsDeleted)
		require.NotNil(t, got.DeletedAt)
		require.NoError(t, ValidateSession(got))

		visible, err := store.ListSessions(ctx, uid, false)
		require.NoError(t, err)
		assert.Empty(t, visible)
		all, err := store.ListSessions(ctx, uid, true)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		restored, err := store.Restore(ctx, sid)
		require.NoError(t, err)
		assert.True(t, restored)

		restored, err = store.Restore(ctx, sid)
		require.NoError(t, err)
		assert.False(t, restored, "restore of a live session is a no-op")

		got, err = store.GetSession(ctx, sid, false)
		require.NoError(t, err)
		assert.False(t, got.IsDeleted)
		assert.Nil(t, got.DeletedAt)
	})

	t.Run("soft delete of unknown session", func(t *testing.T) {
		store := factory(t, newFakeClock())
		deleted, err := store.SoftDelete(context.Background(), id("missing"))
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("purge removes session and checkpoints", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t, newFakeClock())
		sid := id("s")

		_, err := store.CreateSession(ctx, sid, id("u"), "purge me")
		require.NoError(t, err)
		require.NoError(t, store.SaveCheckpoint(ctx, sid, &Checkpoint{Step: 1, Pending: "Supervisor", State: []byte(`{}`)}))

		purged, err := store.Purge(ctx, sid)
		require.NoError(t, err)
		assert.True(t, purged)

		_, err = store.GetSession(ctx, sid, true)
		assert.ErrorIs(t, err, ErrSessionNotFound)
		cp, err := store.LoadCheckpoint(ctx, sid)
		require.NoError(t, err)
		assert.Nil(t, cp)

		purged, err = store.Purge(ctx, sid)
		require.NoError(t, err)
		assert.False(t, purged)
	})

	t.Run("touch does not resurrect a purged session", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t, newFakeClock())
		sid, uid := id("s"), id("u")

		_, err := store.CreateSession(ctx, sid, uid, "short lived")
		require.NoError(t, err)
		_, err = store.Purge(ctx, sid)
		require.NoError(t, err)

		assert.ErrorIs(t, store.TouchSession(ctx, sid), ErrSessionNotFound)
		_, err = store.GetSession(ctx, sid, true)
		assert.ErrorIs(t, err, ErrSessionNotFound)
		sessions, err := store.ListSessions(ctx, uid, true)
		require.NoError(t, err)
		assert.Empty(t, sessions)
	})

	t.Run("cleanup purges only expired deleted sessions", func(t *testing.T) {
		ctx := context.Background()
		clock := newFakeClock()
		store := factory(t, clock)
		uid := id("u")
		old, recent, live := id("old"), id("recent"), id("live")

		for _, sid := range []string{old, recent, live} {
			_, err := store.CreateSession(ctx, sid, uid, sid)
			require.NoError(t, err)
		}

		_, err := store.SoftDelete(ctx, old)
		require.NoError(t, err)
		clock.Advance(10 * 24 * time.Hour)
		_, err = store.SoftDelete(ctx, recent)
		require.NoError(t, err)
		clock.Advance(24 * time.Hour)

		removed, err := store.Cleanup(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, err = store.GetSession(ctx, old, true)
		assert.ErrorIs(t, err, ErrSessionNotFound)
		_, err = store.GetSession(ctx, recent, true)
		assert.NoError(t, err)
		_, err = store.GetSession(ctx, live, false)
		assert.NoError(t, err)
	})

	t.Run("checkpoints advance monotonically", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t, newFakeClock())
		sid := id("s")

		_, err := store.CreateSession(ctx, sid, id("u"), "checkpoints")
		require.NoError(t, err)

		cp, err := store.LoadCheckpoint(ctx, sid)
		require.NoError(t, err)
		assert.Nil(t, cp, "no checkpoint yet")

		require.NoError(t, store.SaveCheckpoint(ctx, sid, &Checkpoint{Step: 1, Pending: "Supervisor", State: []byte(`{"step":1}`)}))
		require.NoError(t, store.SaveCheckpoint(ctx, sid, &Checkpoint{Step: 2, Pending: "ClusterAgent", State: []byte(`{"step":2}`)}))

		err = store.SaveCheckpoint(ctx, sid, &Checkpoint{Step: 2, Pending: "FINISH", State: []byte(`{}`)})
		assert.ErrorIs(t, err, ErrStaleCheckpoint)
		err = store.SaveCheckpoint(ctx, sid, &Checkpoint{Step: 1, Pending: "FINISH", State: []byte(`{}`)})
		assert.ErrorIs(t, err, ErrStaleCheckpoint)

		cp, err = store.LoadCheckpoint(ctx, sid)
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Equal(t, int64(2), cp.Step)
		assert.Equal(t, "ClusterAgent", cp.Pending)
		assert.JSONEq(t, `{"step":2}`, string(cp.State))
		assert.Equal(t, sid, cp.SessionID)
	})

	t.Run("checkpoint refused without a session", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t, newFakeClock())
		sid := id("s")

		err := store.SaveCheckpoint(ctx, sid, &Checkpoint{Step: 1, Pending: "Supervisor", State: []byte(`{}`)})
		assert.ErrorIs(t, err, ErrSessionNotFound)

		_, err = store.CreateSession(ctx, sid, id("u"), "short lived")
		require.NoError(t, err)
		require.NoError(t, store.SaveCheckpoint(ctx, sid, &Checkpoint{Step: 1, Pending: "Supervisor", State: []byte(`{}`)}))
		_, err = store.Purge(ctx, sid)
		require.NoError(t, err)

		err = store.SaveCheckpoint(ctx, sid, &Checkpoint{Step: 2, Pending: "ClusterAgent", State: []byte(`{}`)})
		assert.ErrorIs(t, err, ErrSessionNotFound)
		cp, err := store.LoadCheckpoint(ctx, sid)
		require.NoError(t, err)
		assert.Nil(t, cp, "purged session keeps no checkpoint")
	})

	t.Run("ping", func(t *testing.T) {
		store := factory(t, newFakeClock())
		assert.NoError(t, store.Ping(context.Background()))
	})
}
