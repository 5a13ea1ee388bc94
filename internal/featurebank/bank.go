package featurebank

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/tourist-safety/backend/internal/storage/models"
)

// Candidate is one identity's best similarity against a query embedding.
type Candidate struct {
	DID              string
	FeatureID        string
	Score            float64
	BestCamera       string
	CaptureTimestamp time.Time
}

// Bank stores appearance feature records and answers similarity queries.
// Records are append-only; pruning is a retention concern outside the bank.
type Bank interface {
	// Store validates and appends a record, returning its feature id.
	Store(ctx context.Context, record *models.FeatureRecord) (string, error)

	// QueryCandidates returns, for every identity with at least one record
	// captured before asOf and outside the same-camera exclusion window, the
	// best cosine similarity against embedding, ordered descending.
	QueryCandidates(ctx context.Context, embedding []float32, cameraID string, asOf time.Time) ([]Candidate, error)

	// RecordsByIdentity lists an identity's stored records, newest first.
	RecordsByIdentity(ctx context.Context, did string) ([]models.FeatureRecord, error)

	Close() error
}

// ValidateEmbedding enforces the fixed dimensionality of the upstream Re-ID
// model and rejects non-finite values before they can poison similarity math.
func ValidateEmbedding(embedding []float32, dim int) error {
	if len(embedding) != dim {
		return models.NewValidationError("embedding",
			fmt.Sprintf("expected %d dimensions, got %d", dim, len(embedding)))
	}
	for _, v := range embedding {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return models.NewValidationError("embedding", "contains non-finite values")
		}
	}
	return nil
}

func validateRecord(record *models.FeatureRecord, dim int) error {
	if record.DID == "" {
		return models.NewValidationError("did", "feature record requires an owning identity")
	}
	if err := ValidateEmbedding(record.Embedding, dim); err != nil {
		return err
	}
	if record.QualityScore < 0 || record.QualityScore > 1 {
		return models.NewValidationError("quality_score", "must be in [0,1]")
	}
	if record.OcclusionScore < 0 || record.OcclusionScore > 1 {
		return models.NewValidationError("occlusion_score", "must be in [0,1]")
	}
	return nil
}

// Normalize returns the L2-normalized copy of v. Cosine similarity then
// reduces to a dot product, which also matches the Milvus IP metric.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	if norm == 0 {
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
