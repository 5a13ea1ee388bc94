package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/tourist-safety/backend/internal/featurebank"
	"github.com/tourist-safety/backend/internal/matcher"
	"github.com/tourist-safety/backend/internal/metrics"
	"github.com/tourist-safety/backend/internal/storage/models"
	"github.com/tourist-safety/backend/pkg/config"
	"github.com/tourist-safety/backend/pkg/logger"
)

// Processor is the detection ingest pipeline: validate, route through the
// matcher, then capture the embedding as a feature record when it is linked
// to an identity and clean enough to be worth keeping.
type Processor struct {
	matcher *matcher.Matcher
	bank    featurebank.Bank
	cfg     config.MatchingConfig
}

func NewProcessor(m *matcher.Matcher, bank featurebank.Bank, cfg config.MatchingConfig) *Processor {
	return &Processor{matcher: m, bank: bank, cfg: cfg}
}

// Process ingests one detection and returns the matcher's outcome.
func (p *Processor) Process(ctx context.Context, det *models.Detection) (*matcher.Outcome, error) {
	if err := p.validate(det); err != nil {
		return nil, err
	}

	outcome, err := p.matcher.ProcessDetection(ctx, det)
	if err != nil {
		return nil, err
	}

	p.capture(ctx, det, outcome)
	return outcome, nil
}

func (p *Processor) validate(det *models.Detection) error {
	if det.CameraID == "" {
		return models.NewValidationError("camera_id", "must not be empty")
	}
	if det.LocalTrackID < 0 {
		return models.NewValidationError("local_track_id", "must be non-negative")
	}
	if det.Confidence < 0 || det.Confidence > 1 {
		return models.NewValidationError("confidence", "must be in [0,1]")
	}
	if det.QualityScore < 0 || det.QualityScore > 1 {
		return models.NewValidationError("quality_score", "must be in [0,1]")
	}
	if det.BBox.X2 <= det.BBox.X1 || det.BBox.Y2 <= det.BBox.Y1 {
		return models.NewValidationError("bbox", "must have positive area")
	}
	return nil
}

// capture stores the embedding for future matching. Low-quality or occluded
// crops are dropped so they cannot degrade the identity's gallery.
func (p *Processor) capture(ctx context.Context, det *models.Detection, outcome *matcher.Outcome) {
	if len(det.Embedding) == 0 || outcome.Session == nil || outcome.Session.DID == "" {
		return
	}
	if det.QualityScore < p.cfg.MinFeatureQuality {
		return
	}

	record := &models.FeatureRecord{
		DID:              outcome.Session.DID,
		Embedding:        det.Embedding,
		PoseKeypoints:    det.PoseKeypoints,
		CaptureTimestamp: det.Timestamp,
		CameraID:         det.CameraID,
		QualityScore:     det.QualityScore,
		OcclusionScore:   det.OcclusionScore,
	}
	if _, err := p.bank.Store(ctx, record); err != nil {
		logger.Warn("Failed to store feature record",
			zap.String("did", record.DID),
			zap.String("camera_id", det.CameraID),
			zap.Error(err),
		)
		return
	}
	metrics.FeatureRecordsStored.Inc()
}
