package featurebank

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tourist-safety/backend/internal/storage/models"
	"github.com/tourist-safety/backend/pkg/ids"
	"github.com/tourist-safety/backend/pkg/logger"
)

type entry struct {
	record     models.FeatureRecord
	normalized []float32
}

// MemoryBank keeps feature records in process memory. Entries are append-only
// and never mutated, so queries copy the slice headers under a short read
// lock and then score against a stable snapshot without blocking writers.
type MemoryBank struct {
	mu           sync.RWMutex
	byIdentity   map[string][]entry
	dim          int
	exclusionWin time.Duration
}

func NewMemoryBank(dim int, sameCameraExclusion time.Duration) *MemoryBank {
	return &MemoryBank{
		byIdentity:   make(map[string][]entry),
		dim:          dim,
		exclusionWin: sameCameraExclusion,
	}
}

func (b *MemoryBank) Store(ctx context.Context, record *models.FeatureRecord) (string, error) {
	if err := validateRecord(record, b.dim); err != nil {
		return "", err
	}

	stored := *record
	if stored.FeatureID == "" {
		stored.FeatureID = ids.NewFeatureID()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	if stored.CaptureTimestamp.IsZero() {
		stored.CaptureTimestamp = stored.CreatedAt
	}
	e := entry{record: stored, normalized: Normalize(stored.Embedding)}

	b.mu.Lock()
	// Re-slice into a fresh backing array so snapshots taken by in-flight
	// queries never observe this append.
	existing := b.byIdentity[stored.DID]
	updated := make([]entry, len(existing), len(existing)+1)
	copy(updated, existing)
	b.byIdentity[stored.DID] = append(updated, e)
	b.mu.Unlock()

	logger.Debug("Feature record stored",
		zap.String("feature_id", stored.FeatureID),
		zap.String("did", stored.DID),
		zap.String("camera_id", stored.CameraID),
	)
	return stored.FeatureID, nil
}

func (b *MemoryBank) QueryCandidates(ctx context.Context, embedding []float32, cameraID string, asOf time.Time) ([]Candidate, error) {
	if err := ValidateEmbedding(embedding, b.dim); err != nil {
		return nil, err
	}
	query := Normalize(embedding)
	cutoff := asOf.Add(-b.exclusionWin)

	b.mu.RLock()
	snapshot := make(map[string][]entry, len(b.byIdentity))
	for did, entries := range b.byIdentity {
		snapshot[did] = entries
	}
	b.mu.RUnlock()

	candidates := make([]Candidate, 0, len(snapshot))
	for did, entries := range snapshot {
		best := Candidate{DID: did, Score: -1}
		for i := range entries {
			rec := &entries[i].record
			if rec.CaptureTimestamp.After(asOf) {
				continue
			}
			// A person's own just-captured features on the same camera must
			// not vote for them, or every new track would match itself.
			if rec.CameraID == cameraID && rec.CaptureTimestamp.After(cutoff) {
				continue
			}
			score := dot(query, entries[i].normalized)
			if score > best.Score {
				best.Score = score
				best.FeatureID = rec.FeatureID
				best.BestCamera = rec.CameraID
				best.CaptureTimestamp = rec.CaptureTimestamp
			}
		}
		if best.Score >= -1+1e-9 && best.FeatureID != "" {
			candidates = append(candidates, best)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	return candidates, nil
}

func (b *MemoryBank) RecordsByIdentity(ctx context.Context, did string) ([]models.FeatureRecord, error) {
	b.mu.RLock()
	entries := b.byIdentity[did]
	b.mu.RUnlock()

	records := make([]models.FeatureRecord, 0, len(entries))
	for i := range entries {
		records = append(records, entries[i].record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CaptureTimestamp.After(records[j].CaptureTimestamp)
	})
	return records, nil
}

func (b *MemoryBank) Close() error {
	return nil
}
