package matcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tourist-safety/backend/internal/featurebank"
	"github.com/tourist-safety/backend/internal/session"
	"github.com/tourist-safety/backend/internal/storage/models"
	"github.com/tourist-safety/backend/pkg/config"
	"github.com/tourist-safety/backend/pkg/logger"
)

// Topology answers camera adjacency for spatio-temporal gating. Optional:
// a nil Topology disables gating.
type Topology interface {
	AdjacentCameras(ctx context.Context, cameraID string) ([]string, error)
}

// IdentityToucher records re-acquisitions on the durable identity record.
type IdentityToucher interface {
	UpdateLastSeen(did, cameraID string, at time.Time) error
}

// Decision explains the outcome of a match attempt. Kept on the outcome so
// callers can surface it without re-deriving scores.
type Decision string

const (
	DecisionMatched        Decision = "matched"
	DecisionBelowThreshold Decision = "below_threshold"
	DecisionAmbiguous      Decision = "ambiguous"
	DecisionNoCandidates   Decision = "no_candidates"
	DecisionSkipped        Decision = "skipped"
)

// Outcome is the result of routing one detection through the matcher.
type Outcome struct {
	Session     *models.TrackingSession
	NewSession  bool
	Decision    Decision
	DID         string
	Score       float64
	RunnerUp    float64
	Handoff     bool
	HandoffFrom string
}

// Matcher links camera-local tracks to global identities. Precision over
// recall: an uncertain match creates an unresolved session instead of a
// wrong link.
type Matcher struct {
	bank       featurebank.Bank
	lifecycle  *session.Manager
	store      *session.Store
	identities IdentityToucher
	topology   Topology
	cfg        config.MatchingConfig

	// identityLocks serializes handoff per identity so two cameras cannot
	// both claim the same person's active session concurrently.
	mu            sync.Mutex
	identityLocks map[string]*sync.Mutex
}

func NewMatcher(bank featurebank.Bank, lifecycle *session.Manager, store *session.Store, identities IdentityToucher, topology Topology, cfg config.MatchingConfig) *Matcher {
	return &Matcher{
		bank:          bank,
		lifecycle:     lifecycle,
		store:         store,
		identities:    identities,
		topology:      topology,
		cfg:           cfg,
		identityLocks: make(map[string]*sync.Mutex),
	}
}

// ProcessDetection routes a detection: append to the open session for its
// camera-local track, or resolve an identity and start a new session.
func (m *Matcher) ProcessDetection(ctx context.Context, det *models.Detection) (*Outcome, error) {
	if det.CameraID == "" {
		return nil, models.NewValidationError("camera_id", "must not be empty")
	}
	if len(det.Embedding) > 0 {
		if err := featurebank.ValidateEmbedding(det.Embedding, m.cfg.EmbeddingDim); err != nil {
			return nil, err
		}
	}

	if open, ok := m.store.OpenByCameraTrack(det.CameraID, det.LocalTrackID); ok {
		return m.appendToOpen(ctx, open, det)
	}
	return m.startNew(ctx, det)
}

func (m *Matcher) appendToOpen(ctx context.Context, open *models.TrackingSession, det *models.Detection) (*Outcome, error) {
	if err := m.lifecycle.Append(open.SessionID, det); err != nil {
		return nil, err
	}
	out := &Outcome{Decision: DecisionSkipped}

	// An unresolved session keeps trying: a later, cleaner frame may carry
	// the discriminative embedding the first ones lacked.
	if open.DID == "" && len(det.Embedding) > 0 {
		did, score, runnerUp, decision, err := m.resolve(ctx, det)
		if err != nil {
			return nil, err
		}
		out.Decision = decision
		out.Score = score
		out.RunnerUp = runnerUp
		if decision == DecisionMatched {
			handoffFrom, err := m.claim(did, open.SessionID, det.CameraID, det.Timestamp, score)
			if err != nil {
				return nil, err
			}
			out.DID = did
			out.Handoff = handoffFrom != ""
			out.HandoffFrom = handoffFrom
		}
	} else if open.DID != "" {
		m.touch(open.DID, det.CameraID, det.Timestamp)
	}

	sess, _ := m.store.Get(open.SessionID)
	out.Session = sess
	return out, nil
}

func (m *Matcher) startNew(ctx context.Context, det *models.Detection) (*Outcome, error) {
	out := &Outcome{NewSession: true, Decision: DecisionSkipped}

	var did string
	var score float64
	if len(det.Embedding) > 0 {
		resolvedDID, s, runnerUp, decision, err := m.resolve(ctx, det)
		if err != nil {
			return nil, err
		}
		out.Decision = decision
		out.Score = s
		out.RunnerUp = runnerUp
		if decision == DecisionMatched {
			did = resolvedDID
			score = s
		}
	}

	if did == "" {
		sess, err := m.lifecycle.StartSession(det, "", 0)
		if err != nil {
			return nil, err
		}
		out.Session = sess
		return out, nil
	}

	// Lock before starting the session so the handoff close and the new
	// session's link are one atomic step per identity.
	lock := m.lockFor(did)
	lock.Lock()
	defer lock.Unlock()

	handoffFrom := m.transferPrior(did, det.CameraID, det.Timestamp)
	sess, err := m.lifecycle.StartSession(det, did, score)
	if err != nil {
		return nil, err
	}
	m.touch(did, det.CameraID, det.Timestamp)

	out.Session = sess
	out.DID = did
	out.Handoff = handoffFrom != ""
	out.HandoffFrom = handoffFrom
	return out, nil
}

// resolve scores the detection's embedding against the feature bank and
// applies the acceptance policy: best similarity must clear the threshold
// and lead the runner-up by the ambiguity margin.
func (m *Matcher) resolve(ctx context.Context, det *models.Detection) (string, float64, float64, Decision, error) {
	candidates, err := m.bank.QueryCandidates(ctx, det.Embedding, det.CameraID, det.Timestamp)
	if err != nil {
		return "", 0, 0, DecisionSkipped, err
	}
	candidates = m.gate(ctx, det.CameraID, candidates)
	if m.cfg.CandidateLimit > 0 && len(candidates) > m.cfg.CandidateLimit {
		candidates = candidates[:m.cfg.CandidateLimit]
	}

	if len(candidates) == 0 {
		return "", 0, 0, DecisionNoCandidates, nil
	}

	best := candidates[0]
	runnerUp := 0.0
	if len(candidates) > 1 {
		runnerUp = candidates[1].Score
	}

	if best.Score < m.cfg.Threshold {
		return "", best.Score, runnerUp, DecisionBelowThreshold, nil
	}
	if len(candidates) > 1 && best.Score-runnerUp < m.cfg.AmbiguityMargin {
		logger.Info("Ambiguous match rejected",
			zap.String("camera_id", det.CameraID),
			zap.String("best_did", best.DID),
			zap.Float64("best_score", best.Score),
			zap.Float64("runner_up", runnerUp),
		)
		return "", best.Score, runnerUp, DecisionAmbiguous, nil
	}
	return best.DID, best.Score, runnerUp, DecisionMatched, nil
}

// gate drops candidates whose last sighting is on a camera that is neither
// this one nor adjacent to it. Gating degrades open on topology errors: a
// graph outage must not stop matching.
func (m *Matcher) gate(ctx context.Context, cameraID string, candidates []featurebank.Candidate) []featurebank.Candidate {
	if m.topology == nil || len(candidates) == 0 {
		return candidates
	}
	adjacent, err := m.topology.AdjacentCameras(ctx, cameraID)
	if err != nil {
		logger.Warn("Topology lookup failed, gating skipped",
			zap.String("camera_id", cameraID),
			zap.Error(err),
		)
		return candidates
	}
	if len(adjacent) == 0 {
		// Unregistered camera: no adjacency knowledge, nothing to gate on.
		return candidates
	}

	allowed := make(map[string]bool, len(adjacent)+1)
	allowed[cameraID] = true
	for _, cam := range adjacent {
		allowed[cam] = true
	}

	kept := candidates[:0]
	for _, cand := range candidates {
		if cand.BestCamera == "" || allowed[cand.BestCamera] {
			kept = append(kept, cand)
		}
	}
	return kept
}

// claim links an unresolved session to did, closing the identity's prior
// active session first. Serialized per identity.
func (m *Matcher) claim(did, sessionID, cameraID string, at time.Time, score float64) (string, error) {
	lock := m.lockFor(did)
	lock.Lock()
	defer lock.Unlock()

	handoffFrom := m.transferPrior(did, cameraID, at)
	if err := m.lifecycle.LinkIdentity(sessionID, did, score); err != nil {
		return "", err
	}
	m.touch(did, cameraID, at)
	return handoffFrom, nil
}

// transferPrior closes the identity's active session on another camera and
// returns its session id, or "" when there was none. Caller holds the
// identity lock.
func (m *Matcher) transferPrior(did, targetCamera string, at time.Time) string {
	prior, ok := m.store.ActiveByDID(did)
	if !ok || prior.CameraID == targetCamera {
		return ""
	}
	if err := m.lifecycle.Transfer(prior.SessionID, targetCamera, at); err != nil {
		logger.Error("Failed to transfer prior session",
			zap.String("session_id", prior.SessionID),
			zap.String("did", did),
			zap.Error(err),
		)
		return ""
	}
	return prior.SessionID
}

func (m *Matcher) touch(did, cameraID string, at time.Time) {
	if m.identities == nil {
		return
	}
	if at.IsZero() {
		at = time.Now()
	}
	if err := m.identities.UpdateLastSeen(did, cameraID, at); err != nil {
		logger.Error("Failed to update identity last seen",
			zap.String("did", did),
			zap.Error(err),
		)
	}
}

func (m *Matcher) lockFor(did string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.identityLocks[did]
	if !ok {
		lock = &sync.Mutex{}
		m.identityLocks[did] = lock
	}
	return lock
}
