package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourist-safety/backend/internal/storage/models"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(filepath.Join(t.TempDir(), "storage_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.InitSchema())
	return c
}

func TestSessionArchiveRoundTrip(t *testing.T) {
	c := testClient(t)

	start := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	sess := &models.TrackingSession{
		SessionID:       "session_cam_012_17_1756461600",
		CameraID:        "cam_012",
		LocalTrackID:    17,
		DID:             "did:tourist:aaaa0001",
		MatchConfidence: 0.91,
		Status:          models.SessionExited,
		StartTimestamp:  start,
		LastSeen:        end,
		EndTimestamp:    &end,
		DurationSeconds: 90,
		TotalDetections: 42,
		AvgConfidence:   0.87,
		Trajectory: []models.TrajectoryPoint{
			{X: 120, Y: 340, Timestamp: start},
			{X: 410, Y: 355, Timestamp: start.Add(45 * time.Second)},
		},
	}
	require.NoError(t, c.ArchiveSession(sess))

	got, err := c.ArchivedSessionsByDID(sess.DID, start.Add(-time.Hour), start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, sess.SessionID, got[0].SessionID)
	assert.Equal(t, sess.CameraID, got[0].CameraID)
	assert.Equal(t, models.SessionExited, got[0].Status)
	assert.Equal(t, start.Unix(), got[0].StartTimestamp.Unix())
	require.NotNil(t, got[0].EndTimestamp)
	assert.Equal(t, end.Unix(), got[0].EndTimestamp.Unix())
	assert.Equal(t, 42, got[0].TotalDetections)
	assert.InDelta(t, 0.87, got[0].AvgConfidence, 1e-9)
	require.Len(t, got[0].Trajectory, 2)
	assert.Equal(t, 410.0, got[0].Trajectory[1].X)
}

func TestArchiveUpsertKeepsOneRowPerSession(t *testing.T) {
	c := testClient(t)

	start := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	sess := &models.TrackingSession{
		SessionID:      "session_cam_001_3_1756461600",
		CameraID:       "cam_001",
		LocalTrackID:   3,
		DID:            "did:tourist:aaaa0002",
		Status:         models.SessionLost,
		StartTimestamp: start,
		LastSeen:       start.Add(20 * time.Second),
	}
	require.NoError(t, c.ArchiveSession(sess))

	// The same session closing for good overwrites the lost snapshot.
	end := start.Add(60 * time.Second)
	sess.Status = models.SessionExited
	sess.EndTimestamp = &end
	sess.DurationSeconds = 60
	require.NoError(t, c.ArchiveSession(sess))

	got, err := c.ArchivedSessionsByDID(sess.DID, start.Add(-time.Hour), start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.SessionExited, got[0].Status)
	assert.Equal(t, 60, got[0].DurationSeconds)
}

func TestSessionCountByCameraAndDate(t *testing.T) {
	c := testClient(t)

	day := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	for i, startOffset := range []time.Duration{time.Hour, 5 * time.Hour, 26 * time.Hour} {
		sess := &models.TrackingSession{
			SessionID:      "session_cam_007_" + string(rune('a'+i)) + "_1756461600",
			CameraID:       "cam_007",
			LocalTrackID:   i,
			Status:         models.SessionExited,
			StartTimestamp: day.Add(startOffset),
			LastSeen:       day.Add(startOffset + time.Minute),
		}
		require.NoError(t, c.ArchiveSession(sess))
	}

	count, err := c.SessionCountByCameraAndDate("cam_007", day)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "the session starting next day is not counted")

	count, err = c.SessionCountByCameraAndDate("cam_099", day)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestIdentityRoundTrip(t *testing.T) {
	c := testClient(t)

	entry := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	ident := &models.Identity{
		DID:                "did:tourist:bbbb0001",
		DocumentHash:       "deadbeef",
		DocumentSalt:       "0123456789abcdef",
		IDType:             "passport",
		NameEncrypted:      []byte{0x01, 0x02},
		DocNumberEncrypted: []byte{0x03},
		PhoneEncrypted:     []byte{0x04},
		EmailEncrypted:     []byte{0x05},
		ItineraryEncrypted: []byte{0x06},
		Nationality:        "JP",
		EntryPoint:         "airport_north",
		EntryTime:          entry,
		Status:             models.IdentityActive,
		Verification:       models.VerificationPending,
		KeyID:              "key_20260820_ab12",
		Algorithm:          "AES-256-GCM",
		CreatedAt:          entry,
		UpdatedAt:          entry,
	}
	require.NoError(t, c.InsertIdentity(ident))

	got, err := c.GetIdentity(ident.DID)
	require.NoError(t, err)
	assert.Equal(t, ident.DocumentHash, got.DocumentHash)
	assert.Equal(t, []byte{0x01, 0x02}, got.NameEncrypted)
	assert.Equal(t, models.IdentityActive, got.Status)
	assert.Equal(t, ident.KeyID, got.KeyID)

	byHash, err := c.GetIdentityByDocumentHash(ident.DocumentHash)
	require.NoError(t, err)
	assert.Equal(t, ident.DID, byHash.DID)

	_, err = c.GetIdentity("did:tourist:ffffffff")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestExitedIdentityDoesNotBlockReRegistration(t *testing.T) {
	c := testClient(t)

	entry := time.Now()
	ident := &models.Identity{
		DID:                "did:tourist:bbbb0002",
		DocumentHash:       "cafef00d",
		DocumentSalt:       "0123456789abcdef",
		IDType:             "passport",
		NameEncrypted:      []byte{0x01},
		DocNumberEncrypted: []byte{0x02},
		EntryTime:          entry,
		Status:             models.IdentityActive,
		Verification:       models.VerificationPending,
		KeyID:              "key_20260820_ab12",
		Algorithm:          "AES-256-GCM",
		CreatedAt:          entry,
		UpdatedAt:          entry,
	}
	require.NoError(t, c.InsertIdentity(ident))
	require.NoError(t, c.UpdateIdentityStatus(ident.DID, models.IdentityExited))

	_, err := c.GetIdentityByDocumentHash(ident.DocumentHash)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestListIdentityDIDsByKeyPages(t *testing.T) {
	c := testClient(t)

	entry := time.Now()
	for _, did := range []string{"did:tourist:cccc0003", "did:tourist:cccc0001", "did:tourist:cccc0002"} {
		ident := &models.Identity{
			DID:                did,
			DocumentHash:       "hash_" + did,
			DocumentSalt:       "0123456789abcdef",
			IDType:             "passport",
			NameEncrypted:      []byte{0x01},
			DocNumberEncrypted: []byte{0x02},
			EntryTime:          entry,
			Status:             models.IdentityActive,
			Verification:       models.VerificationPending,
			KeyID:              "key_old",
			Algorithm:          "AES-256-GCM",
			CreatedAt:          entry,
			UpdatedAt:          entry,
		}
		require.NoError(t, c.InsertIdentity(ident))
	}

	dids, err := c.ListIdentityDIDsByKey("key_old", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"did:tourist:cccc0001", "did:tourist:cccc0002"}, dids)

	// Rotating the first page shrinks the next page.
	rotated, err := c.GetIdentity("did:tourist:cccc0001")
	require.NoError(t, err)
	rotated.KeyID = "key_new"
	require.NoError(t, c.UpdateIdentityCiphertexts(rotated.DID, rotated))

	dids, err = c.ListIdentityDIDsByKey("key_old", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"did:tourist:cccc0002", "did:tourist:cccc0003"}, dids)
}

func TestAnchorQueueOrderingAndState(t *testing.T) {
	c := testClient(t)

	firstID, err := c.EnqueueAnchor("hash_first", "identity", "did:tourist:dddd0001")
	require.NoError(t, err)
	_, err = c.EnqueueAnchor("hash_second", "incident", "incident_aaaabbbbcccc")
	require.NoError(t, err)

	pending, err := c.PendingAnchors(10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "hash_first", pending[0].ContentHash)
	assert.Equal(t, 0, pending[0].Attempts)

	require.NoError(t, c.BumpAnchorAttempts(firstID, 3))
	require.NoError(t, c.MarkAnchorSubmitted(pending[1].ID, "tx_000001"))

	depth, err := c.AnchorQueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	pending, err = c.PendingAnchors(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, firstID, pending[0].ID)
	assert.Equal(t, 3, pending[0].Attempts)
}
