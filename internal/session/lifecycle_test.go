package session

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourist-safety/backend/internal/metrics"
	"github.com/tourist-safety/backend/internal/storage/models"
)

type fakeArchiver struct {
	mu       sync.Mutex
	archived []*models.TrackingSession
}

func (f *fakeArchiver) ArchiveSession(sess *models.TrackingSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, sess)
	return nil
}

func (f *fakeArchiver) byID(sessionID string) *models.TrackingSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sess := range f.archived {
		if sess.SessionID == sessionID {
			return sess
		}
	}
	return nil
}

func testManager(t *testing.T) (*Manager, *Store, *fakeArchiver, *time.Time) {
	t.Helper()
	store := NewStore()
	archiver := &fakeArchiver{}
	mgr := NewManager(store, archiver, NewNotifier(), Config{
		LostTimeout:       30 * time.Second,
		ExitTimeout:       300 * time.Second,
		SweepInterval:     time.Second,
		TrajMinDistancePx: 20,
		TrajMinInterval:   500 * time.Millisecond,
	})

	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	clock := &now
	mgr.SetClock(func() time.Time { return *clock })
	return mgr, store, archiver, clock
}

func detection(cameraID string, trackID int, frame int64, at time.Time) *models.Detection {
	return &models.Detection{
		CameraID:     cameraID,
		LocalTrackID: trackID,
		FrameID:      frame,
		Timestamp:    at,
		BBox:         models.BoundingBox{X1: 100, Y1: 100, X2: 200, Y2: 300},
		Confidence:   0.9,
	}
}

func TestStartSessionOpensActive(t *testing.T) {
	mgr, store, _, clock := testManager(t)

	sess, err := mgr.StartSession(detection("camA", 1, 1, *clock), "did:tourist:aaaa0001", 0.91)
	require.NoError(t, err)

	assert.Equal(t, models.SessionActive, sess.Status)
	assert.Equal(t, "did:tourist:aaaa0001", sess.DID)
	assert.Equal(t, 1, sess.TotalDetections)
	assert.Len(t, sess.Trajectory, 1)

	open, ok := store.OpenByCameraTrack("camA", 1)
	require.True(t, ok)
	assert.Equal(t, sess.SessionID, open.SessionID)

	active, ok := store.ActiveByDID("did:tourist:aaaa0001")
	require.True(t, ok)
	assert.Equal(t, sess.SessionID, active.SessionID)
}

func TestStartSessionRejectsDuplicateTrack(t *testing.T) {
	mgr, _, _, clock := testManager(t)

	_, err := mgr.StartSession(detection("camA", 1, 1, *clock), "", 0)
	require.NoError(t, err)

	_, err = mgr.StartSession(detection("camA", 1, 2, clock.Add(time.Second)), "", 0)
	assert.Error(t, err)
}

func TestAppendUpdatesAggregates(t *testing.T) {
	mgr, store, _, clock := testManager(t)

	sess, err := mgr.StartSession(detection("camA", 1, 1, *clock), "", 0)
	require.NoError(t, err)

	det := detection("camA", 1, 2, clock.Add(time.Second))
	det.Confidence = 0.7
	require.NoError(t, mgr.Append(sess.SessionID, det))

	got, ok := store.Get(sess.SessionID)
	require.True(t, ok)
	assert.Equal(t, 2, got.TotalDetections)
	assert.InDelta(t, 0.8, got.AvgConfidence, 1e-9)
	assert.Len(t, got.Tracklets, 2)
	assert.Equal(t, det.Timestamp, got.LastSeen)
}

func TestAppendSimplifiesTrajectory(t *testing.T) {
	mgr, store, _, clock := testManager(t)

	sess, err := mgr.StartSession(detection("camA", 1, 1, *clock), "", 0)
	require.NoError(t, err)

	// Same position 100ms later: below both distance and interval floors.
	near := detection("camA", 1, 2, clock.Add(100*time.Millisecond))
	require.NoError(t, mgr.Append(sess.SessionID, near))

	got, _ := store.Get(sess.SessionID)
	assert.Len(t, got.Trajectory, 1)

	// A clear move is always kept.
	far := detection("camA", 1, 3, clock.Add(200*time.Millisecond))
	far.BBox = models.BoundingBox{X1: 400, Y1: 100, X2: 500, Y2: 300}
	require.NoError(t, mgr.Append(sess.SessionID, far))

	got, _ = store.Get(sess.SessionID)
	assert.Len(t, got.Trajectory, 2)

	// A stationary person still gets a point once the interval elapses.
	later := detection("camA", 1, 4, clock.Add(time.Second))
	later.BBox = far.BBox
	require.NoError(t, mgr.Append(sess.SessionID, later))

	got, _ = store.Get(sess.SessionID)
	assert.Len(t, got.Trajectory, 3)
}

func TestSweepMarksLostThenExited(t *testing.T) {
	mgr, store, archiver, clock := testManager(t)

	sess, err := mgr.StartSession(detection("camA", 1, 1, *clock), "did:tourist:aaaa0001", 0.9)
	require.NoError(t, err)

	// Under the lost timeout: still active.
	*clock = clock.Add(20 * time.Second)
	mgr.Sweep()
	got, _ := store.Get(sess.SessionID)
	assert.Equal(t, models.SessionActive, got.Status)

	// Past the lost timeout.
	*clock = clock.Add(20 * time.Second)
	mgr.Sweep()
	got, _ = store.Get(sess.SessionID)
	assert.Equal(t, models.SessionLost, got.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OpenSessions.WithLabelValues("lost")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.OpenSessions.WithLabelValues("active")))

	// Lost sessions stay queryable as last known position.
	loc, ok := mgr.CurrentLocation("did:tourist:aaaa0001")
	require.True(t, ok)
	assert.Equal(t, sess.SessionID, loc.SessionID)

	// Past the exit timeout: closed and archived.
	*clock = clock.Add(6 * time.Minute)
	mgr.Sweep()
	got, _ = store.Get(sess.SessionID)
	assert.Equal(t, models.SessionExited, got.Status)
	require.NotNil(t, got.EndTimestamp)

	require.NotNil(t, archiver.byID(sess.SessionID))

	_, ok = store.OpenByCameraTrack("camA", 1)
	assert.False(t, ok)
}

func TestAppendReacquiresLostSession(t *testing.T) {
	mgr, store, _, clock := testManager(t)

	sess, err := mgr.StartSession(detection("camA", 1, 1, *clock), "", 0)
	require.NoError(t, err)

	*clock = clock.Add(40 * time.Second)
	mgr.Sweep()
	got, _ := store.Get(sess.SessionID)
	require.Equal(t, models.SessionLost, got.Status)

	require.NoError(t, mgr.Append(sess.SessionID, detection("camA", 1, 2, *clock)))
	got, _ = store.Get(sess.SessionID)
	assert.Equal(t, models.SessionActive, got.Status)
}

func TestTransferClosesAndArchives(t *testing.T) {
	mgr, store, archiver, clock := testManager(t)

	sess, err := mgr.StartSession(detection("camA", 1, 1, *clock), "did:tourist:aaaa0001", 0.9)
	require.NoError(t, err)

	at := clock.Add(10 * time.Second)
	require.NoError(t, mgr.Transfer(sess.SessionID, "camB", at))

	got, _ := store.Get(sess.SessionID)
	assert.Equal(t, models.SessionTransferred, got.Status)
	assert.Equal(t, "camB", got.TransferTarget)
	require.NotNil(t, got.TransferredAt)
	require.NotNil(t, got.EndTimestamp)
	assert.Equal(t, 10, got.DurationSeconds)

	archived := archiver.byID(sess.SessionID)
	require.NotNil(t, archived)
	assert.Equal(t, models.SessionTransferred, archived.Status)

	// A closed session cannot be transferred again.
	err = mgr.Transfer(sess.SessionID, "camC", at.Add(time.Second))
	assert.True(t, models.IsInvalidTransition(err))
}

func TestLinkIdentityIsImmutable(t *testing.T) {
	mgr, _, _, clock := testManager(t)

	sess, err := mgr.StartSession(detection("camA", 1, 1, *clock), "", 0)
	require.NoError(t, err)

	require.NoError(t, mgr.LinkIdentity(sess.SessionID, "did:tourist:aaaa0001", 0.9))
	assert.Error(t, mgr.LinkIdentity(sess.SessionID, "did:tourist:bbbb0002", 0.95))
}

func TestExitClosesSession(t *testing.T) {
	mgr, store, archiver, clock := testManager(t)

	sess, err := mgr.StartSession(detection("camA", 1, 1, *clock), "", 0)
	require.NoError(t, err)

	*clock = clock.Add(time.Minute)
	require.NoError(t, mgr.Exit(sess.SessionID))

	got, _ := store.Get(sess.SessionID)
	assert.Equal(t, models.SessionExited, got.Status)
	assert.Equal(t, 60, got.DurationSeconds)
	require.NotNil(t, archiver.byID(sess.SessionID))
}

func TestNotifierDeliversLifecycleEvents(t *testing.T) {
	mgr, _, _, clock := testManager(t)

	events, cancel := mgr.notifier.Subscribe()
	defer cancel()

	sess, err := mgr.StartSession(detection("camA", 1, 1, *clock), "did:tourist:aaaa0001", 0.9)
	require.NoError(t, err)

	ev := <-events
	assert.Equal(t, EventSessionStarted, ev.Type)
	assert.Equal(t, sess.SessionID, ev.SessionID)

	require.NoError(t, mgr.Transfer(sess.SessionID, "camB", clock.Add(time.Second)))
	ev = <-events
	assert.Equal(t, EventHandoff, ev.Type)
	assert.Equal(t, "camB", ev.Target)
}
