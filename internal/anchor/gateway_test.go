package anchor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourist-safety/backend/internal/metrics"
	"github.com/tourist-safety/backend/internal/storage/models"
	"github.com/tourist-safety/backend/internal/storage/sqlite"
	"github.com/tourist-safety/backend/pkg/ids"
)

func testGateway(t *testing.T, submitter Submitter, maxAttempts int) (*Gateway, *sqlite.Client) {
	t.Helper()
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "anchor_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema())

	gw := NewGateway(db, submitter, Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		PollInterval: time.Hour,
		BatchSize:    10,
	})
	return gw, db
}

func TestDrainSubmitsQueuedAnchors(t *testing.T) {
	submitter := NewMemorySubmitter()
	gw, _ := testGateway(t, submitter, 3)

	hash := ids.ContentHash([]byte("registration"))
	require.NoError(t, gw.EnqueueIdentity("did:tourist:aaaa0001", hash))

	depth, err := gw.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	submittedBefore := testutil.ToFloat64(metrics.AnchorSubmissions.WithLabelValues("submitted"))
	gw.Drain(context.Background())

	depth, err = gw.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	txRef, ok := submitter.TxRef(hash)
	require.True(t, ok)
	assert.NotEmpty(t, txRef)
	assert.Equal(t, submittedBefore+1, testutil.ToFloat64(metrics.AnchorSubmissions.WithLabelValues("submitted")))
}

func TestDrainRetriesTransientFailures(t *testing.T) {
	submitter := NewMemorySubmitter()
	submitter.FailUntil = 2
	gw, _ := testGateway(t, submitter, 5)

	hash := ids.ContentHash([]byte("incident"))
	require.NoError(t, gw.EnqueueIncident("incident_aaaabbbbcccc", hash))

	gw.Drain(context.Background())

	depth, err := gw.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
	assert.Equal(t, 3, submitter.Calls())
}

func TestExhaustedRequestStaysQueuedAndRecovers(t *testing.T) {
	submitter := NewMemorySubmitter()
	submitter.FailUntil = 1000
	gw, db := testGateway(t, submitter, 2)

	hash := ids.ContentHash([]byte("outage"))
	require.NoError(t, gw.EnqueueIdentity("did:tourist:aaaa0001", hash))

	// Exhausting the per-cycle budget keeps the row queued with the
	// cumulative attempt count.
	gw.Drain(context.Background())
	gw.Drain(context.Background())

	depth, err := gw.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	pending, err := db.PendingAnchors(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 4, pending[0].Attempts)

	_, ok := submitter.TxRef(hash)
	assert.False(t, ok)

	// Once the ledger recovers, the next poll submits the backlog.
	submitter.FailUntil = 0
	gw.Drain(context.Background())

	depth, err = gw.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	txRef, ok := submitter.TxRef(hash)
	require.True(t, ok)
	assert.NotEmpty(t, txRef)
}

func TestQueueSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "anchor_restart.db")

	db, err := sqlite.NewClient(path)
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())

	gw := NewGateway(db, NewMemorySubmitter(), Config{MaxAttempts: 5, InitialDelay: time.Millisecond, PollInterval: time.Hour})

	hash := ids.ContentHash([]byte("persistent"))
	require.NoError(t, gw.EnqueueIncident("incident_aaaabbbbcccc", hash))
	require.NoError(t, db.Close())

	// A fresh process picks the request up where the old one left it.
	db2, err := sqlite.NewClient(path)
	require.NoError(t, err)
	t.Cleanup(func() { db2.Close() })

	healthy := NewMemorySubmitter()
	gw2 := NewGateway(db2, healthy, Config{MaxAttempts: 5, InitialDelay: time.Millisecond, PollInterval: time.Hour})
	gw2.Drain(context.Background())

	depth, err := gw2.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	_, ok := healthy.TxRef(hash)
	assert.True(t, ok)
}

func TestRecordTxRefWritesBackToIncident(t *testing.T) {
	submitter := NewMemorySubmitter()
	gw, db := testGateway(t, submitter, 3)

	inc := &models.Incident{
		IncidentID: "incident_aaaabbbbcccc",
		Type:       models.IncidentPanicButton,
		Severity:   models.SeverityCritical,
		Status:     models.IncidentPending,
		Timestamp:  time.Now(),
		CreatedAt:  time.Now(),
	}
	require.NoError(t, db.InsertIncident(inc))

	hash := ids.ContentHash([]byte("panic"))
	require.NoError(t, gw.EnqueueIncident(inc.IncidentID, hash))
	gw.Drain(context.Background())

	stored, err := db.GetIncident(inc.IncidentID)
	require.NoError(t, err)
	txRef, _ := submitter.TxRef(hash)
	assert.Equal(t, txRef, stored.AnchorTxRef)
}
