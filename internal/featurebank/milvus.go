package featurebank

import (
	"context"
	"fmt"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/tourist-safety/backend/internal/storage/models"
	"github.com/tourist-safety/backend/pkg/ids"
	"github.com/tourist-safety/backend/pkg/logger"
)

// MilvusBank is the production Feature Bank: embeddings live in a Milvus
// collection indexed for inner-product search over L2-normalized vectors,
// which is equivalent to cosine similarity.
type MilvusBank struct {
	client         client.Client
	collectionName string
	dim            int
	exclusionWin   time.Duration
}

func NewMilvusBank(endpoint, apiKey, collectionName string, dim int, sameCameraExclusion time.Duration) (*MilvusBank, error) {
	c, err := client.NewClient(context.Background(), client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus feature bank initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
		zap.Int("dim", dim),
	)

	return &MilvusBank{
		client:         c,
		collectionName: collectionName,
		dim:            dim,
		exclusionWin:   sameCameraExclusion,
	}, nil
}

func (b *MilvusBank) Close() error {
	return b.client.Close()
}

func (b *MilvusBank) EnsureCollection(ctx context.Context) error {
	has, err := b.client.HasCollection(ctx, b.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if has {
		logger.Info("Collection already exists", zap.String("collection", b.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: b.collectionName,
		Description:    "Tourist Re-ID feature embeddings",
		Fields: []*entity.Field{
			{
				Name:       "feature_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "did",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", b.dim),
				},
			},
			{
				Name:     "camera_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "capture_ts",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "quality",
				DataType: entity.FieldTypeFloat,
			},
		},
	}

	err = b.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.IP, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index: %w", err)
	}
	err = b.client.CreateIndex(ctx, b.collectionName, "embedding", idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = b.client.LoadCollection(ctx, b.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", b.collectionName))
	return nil
}

func (b *MilvusBank) Store(ctx context.Context, record *models.FeatureRecord) (string, error) {
	if err := validateRecord(record, b.dim); err != nil {
		return "", err
	}

	featureID := record.FeatureID
	if featureID == "" {
		featureID = ids.NewFeatureID()
	}
	captureTS := record.CaptureTimestamp
	if captureTS.IsZero() {
		captureTS = time.Now()
	}

	_, err := b.client.Insert(
		ctx,
		b.collectionName,
		"",
		entity.NewColumnVarChar("feature_id", []string{featureID}),
		entity.NewColumnVarChar("did", []string{record.DID}),
		entity.NewColumnFloatVector("embedding", b.dim, [][]float32{Normalize(record.Embedding)}),
		entity.NewColumnVarChar("camera_id", []string{record.CameraID}),
		entity.NewColumnInt64("capture_ts", []int64{captureTS.Unix()}),
		entity.NewColumnFloat("quality", []float32{float32(record.QualityScore)}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert feature record: %w", err)
	}

	err = b.client.Flush(ctx, b.collectionName, false)
	if err != nil {
		return "", fmt.Errorf("failed to flush: %w", err)
	}

	logger.Debug("Feature record stored in milvus",
		zap.String("feature_id", featureID),
		zap.String("did", record.DID),
	)
	return featureID, nil
}

func (b *MilvusBank) QueryCandidates(ctx context.Context, embedding []float32, cameraID string, asOf time.Time) ([]Candidate, error) {
	if err := ValidateEmbedding(embedding, b.dim); err != nil {
		return nil, err
	}

	cutoff := asOf.Add(-b.exclusionWin).Unix()
	expr := fmt.Sprintf(
		`capture_ts <= %d and not (camera_id == "%s" and capture_ts > %d)`,
		asOf.Unix(), cameraID, cutoff,
	)

	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	// Over-fetch so the per-identity reduction still has enough distinct
	// identities when one person dominates the top results.
	searchResult, err := b.client.Search(
		ctx,
		b.collectionName,
		[]string{},
		expr,
		[]string{"feature_id", "did", "camera_id", "capture_ts"},
		[]entity.Vector{entity.FloatVector(Normalize(embedding))},
		"embedding",
		entity.IP,
		64,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search feature bank: %w", err)
	}

	best := make(map[string]Candidate)
	order := make([]string, 0)
	for _, sr := range searchResult {
		featureIDCol := sr.Fields.GetColumn("feature_id")
		didCol := sr.Fields.GetColumn("did")
		cameraCol := sr.Fields.GetColumn("camera_id")
		tsCol := sr.Fields.GetColumn("capture_ts")

		for i := 0; i < sr.ResultCount; i++ {
			featureID, _ := featureIDCol.Get(i)
			did, _ := didCol.Get(i)
			camera, _ := cameraCol.Get(i)
			ts, _ := tsCol.Get(i)

			didStr := did.(string)
			score := float64(sr.Scores[i])
			if existing, ok := best[didStr]; ok && existing.Score >= score {
				continue
			}
			if _, ok := best[didStr]; !ok {
				order = append(order, didStr)
			}
			best[didStr] = Candidate{
				DID:              didStr,
				FeatureID:        featureID.(string),
				Score:            score,
				BestCamera:       camera.(string),
				CaptureTimestamp: time.Unix(ts.(int64), 0),
			}
		}
	}

	candidates := make([]Candidate, 0, len(best))
	for _, did := range order {
		candidates = append(candidates, best[did])
	}
	// Search results arrive score-descending per identity already; a final
	// sort keeps the contract when several identities interleave.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].Score > candidates[j-1].Score; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	return candidates, nil
}

func (b *MilvusBank) RecordsByIdentity(ctx context.Context, did string) ([]models.FeatureRecord, error) {
	expr := fmt.Sprintf(`did == "%s"`, did)
	results, err := b.client.Query(
		ctx,
		b.collectionName,
		[]string{},
		expr,
		[]string{"feature_id", "did", "camera_id", "capture_ts", "quality"},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query feature records: %w", err)
	}

	var featureIDs, dids, cameras []string
	var timestamps []int64
	var qualities []float32
	for _, col := range results {
		switch col.Name() {
		case "feature_id":
			featureIDs = col.(*entity.ColumnVarChar).Data()
		case "did":
			dids = col.(*entity.ColumnVarChar).Data()
		case "camera_id":
			cameras = col.(*entity.ColumnVarChar).Data()
		case "capture_ts":
			timestamps = col.(*entity.ColumnInt64).Data()
		case "quality":
			qualities = col.(*entity.ColumnFloat).Data()
		}
	}

	records := make([]models.FeatureRecord, 0, len(featureIDs))
	for i := range featureIDs {
		rec := models.FeatureRecord{FeatureID: featureIDs[i]}
		if i < len(dids) {
			rec.DID = dids[i]
		}
		if i < len(cameras) {
			rec.CameraID = cameras[i]
		}
		if i < len(timestamps) {
			rec.CaptureTimestamp = time.Unix(timestamps[i], 0)
		}
		if i < len(qualities) {
			rec.QualityScore = float64(qualities[i])
		}
		records = append(records, rec)
	}
	return records, nil
}
