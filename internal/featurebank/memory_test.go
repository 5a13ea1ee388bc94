package featurebank

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourist-safety/backend/internal/storage/models"
)

const testDim = 4

func record(did, cameraID string, embedding []float32, at time.Time) *models.FeatureRecord {
	return &models.FeatureRecord{
		DID:              did,
		Embedding:        embedding,
		CameraID:         cameraID,
		CaptureTimestamp: at,
		QualityScore:     0.9,
	}
}

// unitWithCos builds a unit vector whose cosine similarity against the
// canonical query {1,0,0,0} is exactly cos.
func unitWithCos(cos float64, axis int) []float32 {
	v := make([]float32, testDim)
	v[0] = float32(cos)
	v[axis] = float32(math.Sqrt(1 - cos*cos))
	return v
}

func TestStoreAssignsFeatureID(t *testing.T) {
	bank := NewMemoryBank(testDim, time.Minute)
	now := time.Now()

	id, err := bank.Store(context.Background(), record("did:tourist:aaaa0001", "camA", unitWithCos(1.0, 1), now))
	require.NoError(t, err)
	assert.Regexp(t, `^feat_`, id)

	records, err := bank.RecordsByIdentity(context.Background(), "did:tourist:aaaa0001")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].FeatureID)
}

func TestStoreRejectsInvalidRecords(t *testing.T) {
	bank := NewMemoryBank(testDim, time.Minute)
	now := time.Now()

	_, err := bank.Store(context.Background(), record("", "camA", unitWithCos(1.0, 1), now))
	assert.True(t, models.IsValidation(err))

	_, err = bank.Store(context.Background(), record("did:tourist:aaaa0001", "camA", []float32{1, 0}, now))
	assert.True(t, models.IsValidation(err))

	nan := []float32{float32(math.NaN()), 0, 0, 0}
	_, err = bank.Store(context.Background(), record("did:tourist:aaaa0001", "camA", nan, now))
	assert.True(t, models.IsValidation(err))
}

func TestQueryCandidatesReturnsPerIdentityBest(t *testing.T) {
	bank := NewMemoryBank(testDim, time.Minute)
	ctx := context.Background()
	captured := time.Now().Add(-10 * time.Minute)

	// Two features for the same identity; only the better one should count.
	_, err := bank.Store(ctx, record("did:tourist:aaaa0001", "camA", unitWithCos(0.91, 1), captured))
	require.NoError(t, err)
	_, err = bank.Store(ctx, record("did:tourist:aaaa0001", "camA", unitWithCos(0.70, 1), captured))
	require.NoError(t, err)
	_, err = bank.Store(ctx, record("did:tourist:bbbb0002", "camC", unitWithCos(0.40, 2), captured))
	require.NoError(t, err)

	query := []float32{1, 0, 0, 0}
	candidates, err := bank.QueryCandidates(ctx, query, "camB", time.Now())
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	assert.Equal(t, "did:tourist:aaaa0001", candidates[0].DID)
	assert.InDelta(t, 0.91, candidates[0].Score, 1e-5)
	assert.Equal(t, "camA", candidates[0].BestCamera)

	assert.Equal(t, "did:tourist:bbbb0002", candidates[1].DID)
	assert.InDelta(t, 0.40, candidates[1].Score, 1e-5)
}

func TestQueryCandidatesSameCameraExclusion(t *testing.T) {
	bank := NewMemoryBank(testDim, time.Minute)
	ctx := context.Background()
	now := time.Now()

	// Captured 10s ago on the query camera: inside the exclusion window.
	_, err := bank.Store(ctx, record("did:tourist:aaaa0001", "camA", unitWithCos(0.99, 1), now.Add(-10*time.Second)))
	require.NoError(t, err)

	query := []float32{1, 0, 0, 0}
	candidates, err := bank.QueryCandidates(ctx, query, "camA", now)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	// The same record is a valid candidate from another camera.
	candidates, err = bank.QueryCandidates(ctx, query, "camB", now)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	// And from the same camera once the window has passed.
	candidates, err = bank.QueryCandidates(ctx, query, "camA", now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, candidates, 1)
}

func TestQueryCandidatesIgnoresFutureRecords(t *testing.T) {
	bank := NewMemoryBank(testDim, time.Minute)
	ctx := context.Background()
	now := time.Now()

	_, err := bank.Store(ctx, record("did:tourist:aaaa0001", "camA", unitWithCos(0.95, 1), now.Add(time.Hour)))
	require.NoError(t, err)

	candidates, err := bank.QueryCandidates(ctx, []float32{1, 0, 0, 0}, "camB", now)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4, 0, 0})
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-6)
}

func TestValidateEmbedding(t *testing.T) {
	assert.NoError(t, ValidateEmbedding([]float32{1, 0, 0, 0}, testDim))
	assert.Error(t, ValidateEmbedding([]float32{1, 0, 0}, testDim))
	assert.Error(t, ValidateEmbedding(nil, testDim))
	assert.Error(t, ValidateEmbedding([]float32{float32(math.Inf(1)), 0, 0, 0}, testDim))
}
