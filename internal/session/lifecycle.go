package session

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/tourist-safety/backend/internal/metrics"
	"github.com/tourist-safety/backend/internal/storage/models"
	"github.com/tourist-safety/backend/pkg/ids"
	"github.com/tourist-safety/backend/pkg/logger"
)

// Archiver persists closed sessions; satisfied by the sqlite client.
type Archiver interface {
	ArchiveSession(sess *models.TrackingSession) error
}

type Config struct {
	LostTimeout       time.Duration
	ExitTimeout       time.Duration
	SweepInterval     time.Duration
	TrajMinDistancePx float64
	TrajMinInterval   time.Duration
}

// Manager advances session state: active -> lost -> exited on timeouts,
// active -> transferred on handoff, lost -> active on re-acquisition.
type Manager struct {
	store    *Store
	archive  Archiver
	notifier *Notifier
	cfg      Config

	// now is swappable so timeout transitions are testable.
	now func() time.Time
}

func NewManager(store *Store, archive Archiver, notifier *Notifier, cfg Config) *Manager {
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	return &Manager{
		store:    store,
		archive:  archive,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetClock overrides the manager's time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// StartSession opens a session for the first detection of a new local track.
// did is empty for unresolved (unmatched) sessions.
func (m *Manager) StartSession(det *models.Detection, did string, matchConfidence float64) (*models.TrackingSession, error) {
	at := det.Timestamp
	if at.IsZero() {
		at = m.now()
	}
	cx, cy := det.BBox.Center()

	sess := &models.TrackingSession{
		SessionID:       ids.NewSessionID(det.CameraID, det.LocalTrackID, at),
		CameraID:        det.CameraID,
		LocalTrackID:    det.LocalTrackID,
		DID:             did,
		MatchConfidence: matchConfidence,
		Tracklets: []models.Tracklet{{
			FrameID:    det.FrameID,
			Timestamp:  at,
			BBox:       det.BBox,
			Confidence: det.Confidence,
			Velocity:   det.Velocity,
		}},
		Trajectory:      []models.TrajectoryPoint{{X: cx, Y: cy, Timestamp: at}},
		StartTimestamp:  at,
		LastSeen:        at,
		Status:          models.SessionActive,
		TotalDetections: 1,
		AvgConfidence:   det.Confidence,
	}

	if err := m.store.Create(sess); err != nil {
		return nil, err
	}

	logger.Info("Tracking session started",
		zap.String("session_id", sess.SessionID),
		zap.String("camera_id", sess.CameraID),
		zap.Int("local_track_id", sess.LocalTrackID),
		zap.String("did", did),
	)

	m.notifier.Publish(Event{
		Type:      EventSessionStarted,
		SessionID: sess.SessionID,
		CameraID:  sess.CameraID,
		DID:       did,
		Status:    string(sess.Status),
		Timestamp: at,
	})
	return copySession(sess), nil
}

// Append adds a detection to an open session, recomputing aggregates and the
// simplified trajectory. A lost session re-acquires to active: the upstream
// tracker kept the local track id, so no Re-ID re-validation happens here.
func (m *Manager) Append(sessionID string, det *models.Detection) error {
	at := det.Timestamp
	if at.IsZero() {
		at = m.now()
	}

	var reacquired bool
	err := m.store.Mutate(sessionID, func(sess *models.TrackingSession) error {
		if sess.Status == models.SessionLost {
			sess.Status = models.SessionActive
			reacquired = true
		}

		sess.Tracklets = append(sess.Tracklets, models.Tracklet{
			FrameID:    det.FrameID,
			Timestamp:  at,
			BBox:       det.BBox,
			Confidence: det.Confidence,
			Velocity:   det.Velocity,
		})
		sess.LastSeen = at
		sess.TotalDetections++
		sess.AvgConfidence += (det.Confidence - sess.AvgConfidence) / float64(sess.TotalDetections)

		cx, cy := det.BBox.Center()
		if m.keepTrajectoryPoint(sess, cx, cy, at) {
			sess.Trajectory = append(sess.Trajectory, models.TrajectoryPoint{X: cx, Y: cy, Timestamp: at})
		}
		return nil
	})
	if err != nil {
		return err
	}

	if reacquired {
		logger.Info("Session re-acquired after loss",
			zap.String("session_id", sessionID),
			zap.String("camera_id", det.CameraID),
		)
		m.publishStatus(sessionID, models.SessionActive)
	}
	return nil
}

// LinkIdentity sets the session's identity exactly once. Relinking requires
// closing the session and opening a new one.
func (m *Manager) LinkIdentity(sessionID, did string, matchConfidence float64) error {
	err := m.store.Mutate(sessionID, func(sess *models.TrackingSession) error {
		if sess.DID != "" && sess.DID != did {
			return fmt.Errorf("session %s already linked to %s", sessionID, sess.DID)
		}
		sess.DID = did
		sess.MatchConfidence = matchConfidence
		return nil
	})
	if err != nil {
		return err
	}

	m.notifier.Publish(Event{
		Type:      EventSessionLinked,
		SessionID: sessionID,
		DID:       did,
		Timestamp: m.now(),
	})
	return nil
}

// Transfer closes an active session because its identity was confidently
// re-acquired on another camera. Terminal for this session.
func (m *Manager) Transfer(sessionID, targetCamera string, at time.Time) error {
	var closed *models.TrackingSession
	err := m.store.Mutate(sessionID, func(sess *models.TrackingSession) error {
		if sess.Status != models.SessionActive && sess.Status != models.SessionLost {
			return &models.InvalidTransitionError{
				Entity: "session",
				ID:     sessionID,
				From:   string(sess.Status),
				To:     string(models.SessionTransferred),
			}
		}
		sess.Status = models.SessionTransferred
		sess.TransferTarget = targetCamera
		transferredAt := at
		sess.TransferredAt = &transferredAt
		m.closeSession(sess, at)
		closed = copySession(sess)
		return nil
	})
	if err != nil {
		return err
	}

	m.archiveClosed(closed)
	logger.Info("Session transferred",
		zap.String("session_id", sessionID),
		zap.String("target_camera", targetCamera),
		zap.String("did", closed.DID),
	)
	m.notifier.Publish(Event{
		Type:      EventHandoff,
		SessionID: sessionID,
		CameraID:  closed.CameraID,
		DID:       closed.DID,
		Status:    string(models.SessionTransferred),
		Target:    targetCamera,
		Timestamp: at,
	})
	return nil
}

// Exit closes a session on an explicit exit signal (leaving the last
// monitored zone), valid from active or lost.
func (m *Manager) Exit(sessionID string) error {
	at := m.now()
	var closed *models.TrackingSession
	err := m.store.Mutate(sessionID, func(sess *models.TrackingSession) error {
		sess.Status = models.SessionExited
		m.closeSession(sess, at)
		closed = copySession(sess)
		return nil
	})
	if err != nil {
		return err
	}

	m.archiveClosed(closed)
	logger.Info("Session exited",
		zap.String("session_id", sessionID),
		zap.Int("duration_seconds", closed.DurationSeconds),
	)
	m.publishStatus(sessionID, models.SessionExited)
	return nil
}

// Sweep advances timeout transitions for every open session. Called
// periodically by Run, and directly by tests.
func (m *Manager) Sweep() {
	now := m.now()
	for _, sess := range m.store.OpenSessions() {
		idle := now.Sub(sess.LastSeen)

		switch sess.Status {
		case models.SessionActive:
			if idle > m.cfg.LostTimeout {
				err := m.store.Mutate(sess.SessionID, func(s *models.TrackingSession) error {
					if s.Status != models.SessionActive {
						return nil
					}
					s.Status = models.SessionLost
					return nil
				})
				if err == nil {
					logger.Info("Session lost",
						zap.String("session_id", sess.SessionID),
						zap.Duration("idle", idle),
					)
					m.publishStatus(sess.SessionID, models.SessionLost)
				}
			}
		case models.SessionLost:
			if idle > m.cfg.ExitTimeout {
				var closed *models.TrackingSession
				err := m.store.Mutate(sess.SessionID, func(s *models.TrackingSession) error {
					if s.Status != models.SessionLost {
						return nil
					}
					s.Status = models.SessionExited
					m.closeSession(s, now)
					closed = copySession(s)
					return nil
				})
				if err == nil && closed != nil {
					m.archiveClosed(closed)
					logger.Info("Session exited on timeout",
						zap.String("session_id", sess.SessionID),
						zap.Duration("idle", idle),
					)
					m.publishStatus(sess.SessionID, models.SessionExited)
				}
			}
		}
	}

	counts := map[models.SessionStatus]int{models.SessionActive: 0, models.SessionLost: 0}
	for _, sess := range m.store.OpenSessions() {
		counts[sess.Status]++
	}
	for status, n := range counts {
		metrics.OpenSessions.WithLabelValues(string(status)).Set(float64(n))
	}
}

// Run drives periodic sweeps until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	logger.Info("Session lifecycle sweeper started",
		zap.Duration("interval", m.cfg.SweepInterval),
		zap.Duration("lost_timeout", m.cfg.LostTimeout),
		zap.Duration("exit_timeout", m.cfg.ExitTimeout),
	)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Session lifecycle sweeper stopped")
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// TrajectorySegment is one camera's slice of an identity's path.
type TrajectorySegment struct {
	SessionID string
	CameraID  string
	Start     time.Time
	End       *time.Time
	Status    models.SessionStatus
	Path      []models.TrajectoryPoint
}

// Trajectory projects an identity's sessions within [from, to] into ordered
// segments. Read-only: it never mutates session state.
func (m *Manager) Trajectory(did string, from, to time.Time) []TrajectorySegment {
	var segments []TrajectorySegment
	for _, sess := range m.store.SessionsByDID(did) {
		if sess.StartTimestamp.After(to) || sess.LastSeen.Before(from) {
			continue
		}
		segments = append(segments, TrajectorySegment{
			SessionID: sess.SessionID,
			CameraID:  sess.CameraID,
			Start:     sess.StartTimestamp,
			End:       sess.EndTimestamp,
			Status:    sess.Status,
			Path:      sess.Trajectory,
		})
	}
	return segments
}

// CurrentLocation reports the identity's live position, or the last known
// one when the session is lost.
func (m *Manager) CurrentLocation(did string) (*models.TrackingSession, bool) {
	if sess, ok := m.store.ActiveByDID(did); ok {
		return sess, true
	}
	// Fall back to the most recent lost session: still queryable as
	// "last known position".
	sessions := m.store.SessionsByDID(did)
	for i := len(sessions) - 1; i >= 0; i-- {
		if sessions[i].Status == models.SessionLost {
			return &sessions[i], true
		}
	}
	return nil, false
}

func (m *Manager) ActiveByCamera(cameraID string) []models.TrackingSession {
	return m.store.ActiveByCamera(cameraID)
}

func (m *Manager) keepTrajectoryPoint(sess *models.TrackingSession, x, y float64, at time.Time) bool {
	if len(sess.Trajectory) == 0 {
		return true
	}
	last := sess.Trajectory[len(sess.Trajectory)-1]
	dist := math.Hypot(x-last.X, y-last.Y)
	if dist >= m.cfg.TrajMinDistancePx {
		return true
	}
	return at.Sub(last.Timestamp) >= m.cfg.TrajMinInterval
}

func (m *Manager) closeSession(sess *models.TrackingSession, at time.Time) {
	end := at
	sess.EndTimestamp = &end
	sess.DurationSeconds = int(end.Sub(sess.StartTimestamp).Seconds())
}

func (m *Manager) archiveClosed(sess *models.TrackingSession) {
	if m.archive == nil || sess == nil {
		return
	}
	if err := m.archive.ArchiveSession(sess); err != nil {
		logger.Error("Failed to archive closed session",
			zap.String("session_id", sess.SessionID),
			zap.Error(err),
		)
	}
}

func (m *Manager) publishStatus(sessionID string, status models.SessionStatus) {
	sess, ok := m.store.Get(sessionID)
	if !ok {
		return
	}
	m.notifier.Publish(Event{
		Type:      EventStatusChanged,
		SessionID: sessionID,
		CameraID:  sess.CameraID,
		DID:       sess.DID,
		Status:    string(status),
		Timestamp: m.now(),
	})
}
