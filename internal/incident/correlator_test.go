package incident

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourist-safety/backend/internal/session"
	"github.com/tourist-safety/backend/internal/storage/models"
	"github.com/tourist-safety/backend/internal/storage/sqlite"
)

type fakeAnchorer struct {
	enqueued []string
}

func (f *fakeAnchorer) EnqueueIncident(incidentID, contentHash string) error {
	f.enqueued = append(f.enqueued, incidentID)
	return nil
}

func testCorrelator(t *testing.T) (*Correlator, *session.Store, *fakeAnchorer) {
	t.Helper()
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "incident_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema())

	store := session.NewStore()
	anchorer := &fakeAnchorer{}
	return NewCorrelator(db, store, anchorer, plainSealer{}, models.SeverityHigh), store, anchorer
}

// plainSealer is a reversible stand-in for the vault's master-key sealer.
type plainSealer struct{}

func (plainSealer) SealDescription(s string) ([]byte, error)    { return []byte("sealed:" + s), nil }
func (plainSealer) OpenDescription(blob []byte) (string, error) { return string(blob[7:]), nil }

func openSession(t *testing.T, store *session.Store, sessionID, cameraID, did string) {
	t.Helper()
	require.NoError(t, store.Create(&models.TrackingSession{
		SessionID:      sessionID,
		CameraID:       cameraID,
		LocalTrackID:   1,
		DID:            did,
		Status:         models.SessionActive,
		StartTimestamp: time.Now().Add(-time.Minute),
		LastSeen:       time.Now(),
		Trajectory:     []models.TrajectoryPoint{{X: 320, Y: 240, Timestamp: time.Now()}},
	}))
}

func TestLogResolvesIdentityFromSession(t *testing.T) {
	c, store, _ := testCorrelator(t)
	openSession(t, store, "session_camA_1_x", "camA", "did:tourist:aaaa0001")

	inc, err := c.Log(&Report{
		Type:      models.IncidentPanicButton,
		Severity:  models.SeverityCritical,
		SessionID: "session_camA_1_x",
	})
	require.NoError(t, err)

	assert.Regexp(t, `^incident_[0-9a-f]{12}$`, inc.IncidentID)
	assert.Equal(t, "did:tourist:aaaa0001", inc.DID)
	assert.Equal(t, "camA", inc.CameraID)
	assert.NotEmpty(t, inc.Location)
	assert.Equal(t, models.IncidentPending, inc.Status)
}

func TestDescriptionRoundTrip(t *testing.T) {
	c, _, _ := testCorrelator(t)

	inc, err := c.Log(&Report{
		Type:        models.IncidentManualReport,
		Severity:    models.SeverityMedium,
		DID:         "did:tourist:aaaa0001",
		Description: "unattended bag near platform 2",
	})
	require.NoError(t, err)
	require.NotEmpty(t, inc.DescriptionEncrypted)

	stored, err := c.Get(inc.IncidentID)
	require.NoError(t, err)
	desc, err := c.Description(stored)
	require.NoError(t, err)
	assert.Equal(t, "unattended bag near platform 2", desc)
}

func TestLogResolvesSessionFromIdentity(t *testing.T) {
	c, store, _ := testCorrelator(t)
	openSession(t, store, "session_camB_1_x", "camB", "did:tourist:aaaa0001")

	inc, err := c.Log(&Report{
		Type:     models.IncidentAnomaly,
		Severity: models.SeverityMedium,
		DID:      "did:tourist:aaaa0001",
	})
	require.NoError(t, err)
	assert.Equal(t, "session_camB_1_x", inc.SessionID)
	assert.Equal(t, "camB", inc.CameraID)
}

func TestLogValidation(t *testing.T) {
	c, _, _ := testCorrelator(t)

	_, err := c.Log(&Report{Type: "teleport", Severity: models.SeverityHigh, DID: "did:tourist:aaaa0001"})
	assert.True(t, models.IsValidation(err))

	_, err = c.Log(&Report{Type: models.IncidentAnomaly, Severity: "catastrophic", DID: "did:tourist:aaaa0001"})
	assert.True(t, models.IsValidation(err))

	_, err = c.Log(&Report{Type: models.IncidentAnomaly, Severity: models.SeverityLow})
	assert.True(t, models.IsValidation(err))
}

func TestLogAcceptsUnresolvedSubject(t *testing.T) {
	c, _, _ := testCorrelator(t)

	// An anomaly flag placed only by camera persists with no identity.
	inc, err := c.Log(&Report{
		Type:     models.IncidentAnomaly,
		Severity: models.SeverityMedium,
		CameraID: "cam_007",
	})
	require.NoError(t, err)
	assert.Empty(t, inc.DID)
	assert.Empty(t, inc.SessionID)
	assert.Equal(t, "cam_007", inc.CameraID)
	assert.Equal(t, models.IncidentPending, inc.Status)

	stored, err := c.Get(inc.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, "cam_007", stored.CameraID)

	locOnly, err := c.Log(&Report{
		Type:     models.IncidentAnomaly,
		Severity: models.SeverityMedium,
		Location: "north_gate",
	})
	require.NoError(t, err)
	assert.Equal(t, "north_gate", locOnly.Location)
}

func TestHighSeverityIsAnchored(t *testing.T) {
	c, _, anchorer := testCorrelator(t)

	low, err := c.Log(&Report{
		Type: models.IncidentAnomaly, Severity: models.SeverityLow, DID: "did:tourist:aaaa0001",
	})
	require.NoError(t, err)
	assert.NotContains(t, anchorer.enqueued, low.IncidentID)

	high, err := c.Log(&Report{
		Type: models.IncidentPanicButton, Severity: models.SeverityHigh, DID: "did:tourist:aaaa0001",
	})
	require.NoError(t, err)
	assert.Contains(t, anchorer.enqueued, high.IncidentID)

	critical, err := c.Log(&Report{
		Type: models.IncidentGeofence, Severity: models.SeverityCritical, DID: "did:tourist:bbbb0002",
	})
	require.NoError(t, err)
	assert.Contains(t, anchorer.enqueued, critical.IncidentID)
}

func TestStatusTransitionsAreForwardOnly(t *testing.T) {
	c, _, _ := testCorrelator(t)

	inc, err := c.Log(&Report{
		Type: models.IncidentManualReport, Severity: models.SeverityMedium, DID: "did:tourist:aaaa0001",
	})
	require.NoError(t, err)

	require.NoError(t, c.Acknowledge(inc.IncidentID, "operator_7"))

	got, err := c.Get(inc.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentAcknowledged, got.Status)
	assert.Equal(t, "operator_7", got.Assignee)

	// Re-acknowledging is not a forward move.
	err = c.Acknowledge(inc.IncidentID, "operator_8")
	assert.True(t, models.IsInvalidTransition(err))

	require.NoError(t, c.Resolve(inc.IncidentID, "operator_7"))
	got, err = c.Get(inc.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentResolved, got.Status)
	require.NotNil(t, got.ResolvedAt)

	// Resolved is terminal.
	assert.True(t, models.IsInvalidTransition(c.Acknowledge(inc.IncidentID, "operator_9")))
	assert.True(t, models.IsInvalidTransition(c.Resolve(inc.IncidentID, "operator_9")))
}

func TestResolveSkipsAcknowledged(t *testing.T) {
	c, _, _ := testCorrelator(t)

	inc, err := c.Log(&Report{
		Type: models.IncidentAnomaly, Severity: models.SeverityLow, DID: "did:tourist:aaaa0001",
	})
	require.NoError(t, err)

	// pending -> resolved directly is a forward move.
	require.NoError(t, c.Resolve(inc.IncidentID, "operator_1"))
}

func TestListFiltersByStatus(t *testing.T) {
	c, _, _ := testCorrelator(t)

	first, err := c.Log(&Report{
		Type: models.IncidentAnomaly, Severity: models.SeverityLow, DID: "did:tourist:aaaa0001",
	})
	require.NoError(t, err)
	_, err = c.Log(&Report{
		Type: models.IncidentAnomaly, Severity: models.SeverityLow, DID: "did:tourist:bbbb0002",
	})
	require.NoError(t, err)
	require.NoError(t, c.Resolve(first.IncidentID, "operator_1"))

	pending, err := c.List(models.IncidentPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	all, err := c.List("", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
