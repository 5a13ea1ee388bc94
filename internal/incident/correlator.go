package incident

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tourist-safety/backend/internal/session"
	"github.com/tourist-safety/backend/internal/storage/models"
	"github.com/tourist-safety/backend/internal/storage/sqlite"
	"github.com/tourist-safety/backend/pkg/ids"
	"github.com/tourist-safety/backend/pkg/logger"
)

// Anchorer queues an incident content hash for ledger submission. Optional.
type Anchorer interface {
	EnqueueIncident(incidentID, contentHash string) error
}

// Sealer encrypts incident descriptions at rest. Optional; without one
// descriptions are discarded rather than stored in the clear.
type Sealer interface {
	SealDescription(s string) ([]byte, error)
	OpenDescription(blob []byte) (string, error)
}

// Report is the inbound incident payload before correlation.
type Report struct {
	Type         models.IncidentType
	Severity     models.IncidentSeverity
	Description  string
	DID          string
	SessionID    string
	CameraID     string
	Location     string
	EvidenceRefs []string
	Timestamp    time.Time
}

// Correlator logs incidents and ties them to tracking context: given a
// session, it resolves the identity and camera the reporter may not know.
type Correlator struct {
	db                *sqlite.Client
	sessions          *session.Store
	anchorer          Anchorer
	sealer            Sealer
	severityThreshold models.IncidentSeverity
}

func NewCorrelator(db *sqlite.Client, sessions *session.Store, anchorer Anchorer, sealer Sealer, severityThreshold models.IncidentSeverity) *Correlator {
	if !severityThreshold.Valid() {
		severityThreshold = models.SeverityHigh
	}
	return &Correlator{
		db:                db,
		sessions:          sessions,
		anchorer:          anchorer,
		sealer:            sealer,
		severityThreshold: severityThreshold,
	}
}

// Log validates and persists an incident. Anchoring is queued, never inline:
// a slow ledger must not delay an SOS.
func (c *Correlator) Log(report *Report) (*models.Incident, error) {
	if !report.Type.Valid() {
		return nil, models.NewValidationError("type", fmt.Sprintf("unknown incident type %q", report.Type))
	}
	if !report.Severity.Valid() {
		return nil, models.NewValidationError("severity", fmt.Sprintf("unknown severity %q", report.Severity))
	}
	// The subject may be unresolved: an anomaly flag or a bystander report
	// can carry only a camera or a location. Something must place the
	// incident, though.
	if report.DID == "" && report.SessionID == "" && report.CameraID == "" && report.Location == "" {
		return nil, models.NewValidationError("camera_id", "a subject, camera, or location is required")
	}

	inc := &models.Incident{
		IncidentID:   ids.NewIncidentID(),
		DID:          report.DID,
		Type:         report.Type,
		Severity:     report.Severity,
		CameraID:     report.CameraID,
		Location:     report.Location,
		Timestamp:    report.Timestamp,
		EvidenceRefs: report.EvidenceRefs,
		SessionID:    report.SessionID,
		Status:       models.IncidentPending,
	}
	if inc.Timestamp.IsZero() {
		inc.Timestamp = time.Now()
	}
	inc.CreatedAt = time.Now()
	if report.Description != "" && c.sealer != nil {
		sealed, err := c.sealer.SealDescription(report.Description)
		if err != nil {
			return nil, fmt.Errorf("failed to seal incident description: %w", err)
		}
		inc.DescriptionEncrypted = sealed
	}
	c.correlate(inc)

	if err := c.db.InsertIncident(inc); err != nil {
		return nil, fmt.Errorf("failed to persist incident: %w", err)
	}
	if inc.DID != "" {
		if err := c.db.IncrementAlertCount(inc.DID); err != nil {
			logger.Warn("Failed to bump alert count", zap.String("did", inc.DID), zap.Error(err))
		}
	}

	logger.Info("Incident logged",
		zap.String("incident_id", inc.IncidentID),
		zap.String("type", string(inc.Type)),
		zap.String("severity", string(inc.Severity)),
		zap.String("did", inc.DID),
		zap.String("camera_id", inc.CameraID),
	)

	if c.anchorer != nil && inc.Severity.Rank() >= c.severityThreshold.Rank() {
		hash := ids.ContentHash([]byte(inc.IncidentID + "|" + string(inc.Type) + "|" + string(inc.Severity) + "|" + inc.DID + "|" + inc.Timestamp.UTC().Format(time.RFC3339)))
		if err := c.anchorer.EnqueueIncident(inc.IncidentID, hash); err != nil {
			logger.Error("Failed to enqueue incident anchor", zap.String("incident_id", inc.IncidentID), zap.Error(err))
		}
	}
	return inc, nil
}

// correlate fills gaps from the live session: identity, camera, and last
// known position.
func (c *Correlator) correlate(inc *models.Incident) {
	if inc.SessionID == "" && inc.DID != "" {
		if sess, ok := c.sessions.ActiveByDID(inc.DID); ok {
			inc.SessionID = sess.SessionID
			if inc.CameraID == "" {
				inc.CameraID = sess.CameraID
			}
		}
		return
	}
	if inc.SessionID == "" {
		return
	}
	sess, ok := c.sessions.Get(inc.SessionID)
	if !ok {
		logger.Warn("Incident references unknown session", zap.String("session_id", inc.SessionID))
		return
	}
	if inc.DID == "" {
		inc.DID = sess.DID
	}
	if inc.CameraID == "" {
		inc.CameraID = sess.CameraID
	}
	if inc.Location == "" && len(sess.Trajectory) > 0 {
		last := sess.Trajectory[len(sess.Trajectory)-1]
		inc.Location = fmt.Sprintf("%s@%.0f,%.0f", sess.CameraID, last.X, last.Y)
	}
}

// Acknowledge moves a pending incident into the response workflow.
func (c *Correlator) Acknowledge(incidentID, assignee string) error {
	return c.transition(incidentID, models.IncidentAcknowledged, assignee, nil)
}

// Resolve closes an incident. Valid from pending or acknowledged.
func (c *Correlator) Resolve(incidentID, assignee string) error {
	now := time.Now()
	return c.transition(incidentID, models.IncidentResolved, assignee, &now)
}

func (c *Correlator) transition(incidentID string, next models.IncidentStatus, assignee string, resolvedAt *time.Time) error {
	inc, err := c.db.GetIncident(incidentID)
	if err != nil {
		return err
	}
	if !inc.Status.CanTransitionTo(next) {
		return &models.InvalidTransitionError{
			Entity: "incident",
			ID:     incidentID,
			From:   string(inc.Status),
			To:     string(next),
		}
	}
	if err := c.db.UpdateIncidentStatus(incidentID, next, assignee, resolvedAt); err != nil {
		return fmt.Errorf("failed to update incident status: %w", err)
	}
	logger.Info("Incident status changed",
		zap.String("incident_id", incidentID),
		zap.String("from", string(inc.Status)),
		zap.String("to", string(next)),
	)
	return nil
}

// Get returns one incident by id.
func (c *Correlator) Get(incidentID string) (*models.Incident, error) {
	return c.db.GetIncident(incidentID)
}

// Description decrypts an incident's stored description.
func (c *Correlator) Description(inc *models.Incident) (string, error) {
	if len(inc.DescriptionEncrypted) == 0 || c.sealer == nil {
		return "", nil
	}
	return c.sealer.OpenDescription(inc.DescriptionEncrypted)
}

// List returns incidents, optionally filtered by status, newest first.
func (c *Correlator) List(status models.IncidentStatus, limit int) ([]models.Incident, error) {
	if limit <= 0 {
		limit = 50
	}
	return c.db.ListIncidents(status, limit)
}
