package query

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cacheredis "github.com/tourist-safety/backend/internal/cache/redis"
	"github.com/tourist-safety/backend/internal/session"
	"github.com/tourist-safety/backend/internal/storage/sqlite"
)

func testCache(t *testing.T) *cacheredis.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	port, err := strconv.Atoi(srv.Port())
	require.NoError(t, err)

	cache, err := cacheredis.NewClient(srv.Host(), port, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func testEngine(t *testing.T, cache *cacheredis.Client) (*Engine, *session.Notifier) {
	t.Helper()
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "query_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema())

	store := session.NewStore()
	notifier := session.NewNotifier()
	mgr := session.NewManager(store, db, notifier, session.Config{
		LostTimeout: 30 * time.Second,
		ExitTimeout: 5 * time.Minute,
	})
	return NewEngine(mgr, store, db, cache), notifier
}

func TestTrajectoryServedFromCacheOnDefaultWindow(t *testing.T) {
	cache := testCache(t)
	engine, _ := testEngine(t, cache)
	ctx := context.Background()

	did := "did:tourist:aaaa0001"
	from := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	cached := &Trajectory{
		DID:      did,
		From:     from,
		To:       to,
		Segments: []Segment{{SessionID: "session_cached", CameraID: "cam_cached"}},
	}
	require.NoError(t, cache.SetTrajectory(ctx, did, cached, time.Minute))

	got, err := engine.Trajectory(ctx, did, from, to)
	require.NoError(t, err)
	require.Len(t, got.Segments, 1)
	assert.Equal(t, "cam_cached", got.Segments[0].CameraID)

	// A non-default window bypasses the cache and hits the stores.
	got, err = engine.Trajectory(ctx, did, from, from.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got.Segments)
}

func TestInvalidateIdentityDropsCachedTrajectory(t *testing.T) {
	cache := testCache(t)
	engine, _ := testEngine(t, cache)
	ctx := context.Background()

	did := "did:tourist:aaaa0002"
	require.NoError(t, cache.SetTrajectory(ctx, did, &Trajectory{DID: did}, time.Minute))

	engine.InvalidateIdentity(ctx, did)

	var out Trajectory
	hit, err := cache.GetTrajectory(ctx, did, &out)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestWatchInvalidatesOnSessionEvents(t *testing.T) {
	cache := testCache(t)
	engine, notifier := testEngine(t, cache)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Watch(ctx, notifier)

	did := "did:tourist:aaaa0003"
	require.NoError(t, cache.SetTrajectory(ctx, did, &Trajectory{DID: did}, time.Minute))

	// Publish inside the poll loop: the watcher may still be subscribing
	// when the first event fires.
	assert.Eventually(t, func() bool {
		notifier.Publish(session.Event{Type: session.EventHandoff, DID: did})
		var out Trajectory
		hit, err := cache.GetTrajectory(ctx, did, &out)
		return err == nil && !hit
	}, 2*time.Second, 20*time.Millisecond)
}
