package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tourist-safety/backend/internal/storage/models"
)

type openKey struct {
	cameraID string
	trackID  int
}

type slot struct {
	// mu serializes all mutation of this one session; two detections for the
	// same track can never interleave a trajectory update.
	mu   sync.Mutex
	sess *models.TrackingSession
}

// Store owns every TrackingSession. Sessions stay resident after closing so
// trajectory projections read one place; durable archival happens in the
// lifecycle manager and retention is an external concern.
type Store struct {
	mu    sync.RWMutex
	slots map[string]*slot
	open  map[openKey]string
	byDID map[string][]string
}

func NewStore() *Store {
	return &Store{
		slots: make(map[string]*slot),
		open:  make(map[openKey]string),
		byDID: make(map[string][]string),
	}
}

// Create registers a new session. The (camera, local track) pair may map to
// at most one non-closed session at a time.
func (s *Store) Create(sess *models.TrackingSession) error {
	key := openKey{cameraID: sess.CameraID, trackID: sess.LocalTrackID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.open[key]; ok {
		return fmt.Errorf("open session %s already exists for camera %s track %d",
			existingID, sess.CameraID, sess.LocalTrackID)
	}
	if _, ok := s.slots[sess.SessionID]; ok {
		return fmt.Errorf("session %s already exists", sess.SessionID)
	}

	s.slots[sess.SessionID] = &slot{sess: sess}
	s.open[key] = sess.SessionID
	if sess.DID != "" {
		s.byDID[sess.DID] = append(s.byDID[sess.DID], sess.SessionID)
	}
	return nil
}

// Get returns a copy of the session, safe to read without further locking.
func (s *Store) Get(sessionID string) (*models.TrackingSession, bool) {
	s.mu.RLock()
	sl, ok := s.slots[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	return copySession(sl.sess), true
}

// OpenByCameraTrack resolves the single non-closed session for a camera's
// local track id, the append path for continuing detections.
func (s *Store) OpenByCameraTrack(cameraID string, trackID int) (*models.TrackingSession, bool) {
	s.mu.RLock()
	id, ok := s.open[openKey{cameraID: cameraID, trackID: trackID}]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.Get(id)
}

// Mutate applies fn to the session under its slot lock. Closed sessions are
// immutable; fn errors leave the session untouched because fn works on a
// copy that is only committed on success.
func (s *Store) Mutate(sessionID string, fn func(*models.TrackingSession) error) error {
	s.mu.RLock()
	sl, ok := s.slots[sessionID]
	s.mu.RUnlock()
	if !ok {
		return models.ErrNotFound
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.sess.Status.Closed() {
		return &models.InvalidTransitionError{
			Entity: "session",
			ID:     sessionID,
			From:   string(sl.sess.Status),
			To:     "mutated",
		}
	}

	prevDID := sl.sess.DID
	working := copySession(sl.sess)
	if err := fn(working); err != nil {
		return err
	}
	sl.sess = working

	if working.DID != prevDID && working.DID != "" {
		s.mu.Lock()
		s.byDID[working.DID] = append(s.byDID[working.DID], sessionID)
		s.mu.Unlock()
	}
	if working.Status.Closed() {
		s.mu.Lock()
		key := openKey{cameraID: working.CameraID, trackID: working.LocalTrackID}
		if s.open[key] == sessionID {
			delete(s.open, key)
		}
		s.mu.Unlock()
	}
	return nil
}

// ActiveByDID returns the identity's session with status active, if any.
// The handoff invariant keeps this to at most one.
func (s *Store) ActiveByDID(did string) (*models.TrackingSession, bool) {
	for _, sess := range s.SessionsByDID(did) {
		if sess.Status == models.SessionActive {
			return &sess, true
		}
	}
	return nil, false
}

// SessionsByDID returns copies of all of an identity's sessions ordered by
// start timestamp: the raw material of a trajectory projection.
func (s *Store) SessionsByDID(did string) []models.TrackingSession {
	s.mu.RLock()
	sessionIDs := append([]string(nil), s.byDID[did]...)
	s.mu.RUnlock()

	sessions := make([]models.TrackingSession, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		if sess, ok := s.Get(id); ok {
			sessions = append(sessions, *sess)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTimestamp.Before(sessions[j].StartTimestamp)
	})
	return sessions
}

// OpenSessions snapshots every non-closed session for the lifecycle sweeper.
func (s *Store) OpenSessions() []models.TrackingSession {
	s.mu.RLock()
	sessionIDs := make([]string, 0, len(s.open))
	for _, id := range s.open {
		sessionIDs = append(sessionIDs, id)
	}
	s.mu.RUnlock()

	sessions := make([]models.TrackingSession, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		if sess, ok := s.Get(id); ok {
			sessions = append(sessions, *sess)
		}
	}
	return sessions
}

// ActiveByCamera lists sessions currently active on one camera, the
// dashboard's per-camera live view.
func (s *Store) ActiveByCamera(cameraID string) []models.TrackingSession {
	var out []models.TrackingSession
	for _, sess := range s.OpenSessions() {
		if sess.CameraID == cameraID && sess.Status == models.SessionActive {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTimestamp.Before(out[j].StartTimestamp)
	})
	return out
}

func copySession(sess *models.TrackingSession) *models.TrackingSession {
	dup := *sess
	dup.Tracklets = append([]models.Tracklet(nil), sess.Tracklets...)
	dup.Trajectory = append([]models.TrajectoryPoint(nil), sess.Trajectory...)
	if sess.EndTimestamp != nil {
		t := *sess.EndTimestamp
		dup.EndTimestamp = &t
	}
	if sess.TransferredAt != nil {
		t := *sess.TransferredAt
		dup.TransferredAt = &t
	}
	return &dup
}
