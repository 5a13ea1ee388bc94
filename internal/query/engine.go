package query

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tourist-safety/backend/internal/cache/redis"
	"github.com/tourist-safety/backend/internal/metrics"
	"github.com/tourist-safety/backend/internal/session"
	"github.com/tourist-safety/backend/internal/storage/models"
	"github.com/tourist-safety/backend/internal/storage/sqlite"
	"github.com/tourist-safety/backend/pkg/logger"
)

// Segment is one camera's portion of a trajectory, live or archived.
type Segment struct {
	SessionID string                   `json:"session_id"`
	CameraID  string                   `json:"camera_id"`
	Status    string                   `json:"status"`
	Start     time.Time                `json:"start"`
	End       *time.Time               `json:"end,omitempty"`
	Path      []models.TrajectoryPoint `json:"path"`
}

// Trajectory is an identity's path across cameras within a window.
type Trajectory struct {
	DID      string    `json:"did"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Segments []Segment `json:"segments"`
}

// Location is an identity's live or last-known position.
type Location struct {
	DID        string                  `json:"did"`
	SessionID  string                  `json:"session_id"`
	CameraID   string                  `json:"camera_id"`
	Status     string                  `json:"status"`
	LastSeen   time.Time               `json:"last_seen"`
	Position   *models.TrajectoryPoint `json:"position,omitempty"`
	Confidence float64                 `json:"match_confidence"`
}

// Engine answers dashboard queries by merging live sessions with the
// archive, fronted by an optional redis cache.
type Engine struct {
	lifecycle *session.Manager
	store     *session.Store
	db        *sqlite.Client
	cache     *redis.Client
	cacheTTL  time.Duration
}

func NewEngine(lifecycle *session.Manager, store *session.Store, db *sqlite.Client, cache *redis.Client) *Engine {
	return &Engine{
		lifecycle: lifecycle,
		store:     store,
		db:        db,
		cache:     cache,
		cacheTTL:  30 * time.Second,
	}
}

// Trajectory merges the identity's live sessions with archived ones inside
// [from, to]. Live state wins on session id collisions: it is never staler
// than the archive.
func (e *Engine) Trajectory(ctx context.Context, did string, from, to time.Time) (*Trajectory, error) {
	if e.cache != nil && e.defaultWindow(from, to) {
		var cached Trajectory
		if hit, err := e.cache.GetTrajectory(ctx, did, &cached); err != nil {
			logger.Warn("Trajectory cache read failed", zap.String("did", did), zap.Error(err))
		} else if hit {
			metrics.CacheHits.WithLabelValues("trajectory").Inc()
			return &cached, nil
		} else {
			metrics.CacheMisses.WithLabelValues("trajectory").Inc()
		}
	}

	seen := make(map[string]bool)
	var segments []Segment

	for _, seg := range e.lifecycle.Trajectory(did, from, to) {
		seen[seg.SessionID] = true
		segments = append(segments, Segment{
			SessionID: seg.SessionID,
			CameraID:  seg.CameraID,
			Status:    string(seg.Status),
			Start:     seg.Start,
			End:       seg.End,
			Path:      seg.Path,
		})
	}

	archived, err := e.db.ArchivedSessionsByDID(did, from, to)
	if err != nil {
		return nil, err
	}
	for i := range archived {
		sess := &archived[i]
		if seen[sess.SessionID] {
			continue
		}
		segments = append(segments, Segment{
			SessionID: sess.SessionID,
			CameraID:  sess.CameraID,
			Status:    string(sess.Status),
			Start:     sess.StartTimestamp,
			End:       sess.EndTimestamp,
			Path:      sess.Trajectory,
		})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].Start.Before(segments[j].Start)
	})

	result := &Trajectory{DID: did, From: from, To: to, Segments: segments}
	if e.cache != nil && e.defaultWindow(from, to) {
		if err := e.cache.SetTrajectory(ctx, did, result, e.cacheTTL); err != nil {
			logger.Warn("Trajectory cache write failed", zap.String("did", did), zap.Error(err))
		}
	}
	return result, nil
}

// CurrentLocation reports where an identity is right now, or its last known
// position while lost. ErrNotFound when it has no live session at all.
func (e *Engine) CurrentLocation(did string) (*Location, error) {
	sess, ok := e.lifecycle.CurrentLocation(did)
	if !ok {
		return nil, models.ErrNotFound
	}

	loc := &Location{
		DID:        did,
		SessionID:  sess.SessionID,
		CameraID:   sess.CameraID,
		Status:     string(sess.Status),
		LastSeen:   sess.LastSeen,
		Confidence: sess.MatchConfidence,
	}
	if len(sess.Trajectory) > 0 {
		last := sess.Trajectory[len(sess.Trajectory)-1]
		loc.Position = &last
	}
	return loc, nil
}

// Density reports how many distinct sessions a camera opened on a date,
// counting both archived and still-open sessions.
func (e *Engine) Density(ctx context.Context, cameraID string, date time.Time) (int, error) {
	day := date.Format("2006-01-02")
	if e.cache != nil {
		if count, hit, err := e.cache.GetDensity(ctx, cameraID, day); err != nil {
			logger.Warn("Density cache read failed", zap.String("camera_id", cameraID), zap.Error(err))
		} else if hit {
			metrics.CacheHits.WithLabelValues("density").Inc()
			return count, nil
		} else {
			metrics.CacheMisses.WithLabelValues("density").Inc()
		}
	}

	archived, err := e.db.SessionCountByCameraAndDate(cameraID, date)
	if err != nil {
		return 0, err
	}

	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	dayEnd := dayStart.Add(24 * time.Hour)
	live := 0
	for _, sess := range e.store.OpenSessions() {
		if sess.CameraID != cameraID {
			continue
		}
		if !sess.StartTimestamp.Before(dayStart) && sess.StartTimestamp.Before(dayEnd) {
			live++
		}
	}

	total := archived + live
	if e.cache != nil {
		if err := e.cache.SetDensity(ctx, cameraID, day, total, e.cacheTTL); err != nil {
			logger.Warn("Density cache write failed", zap.String("camera_id", cameraID), zap.Error(err))
		}
	}
	return total, nil
}

// ActiveSessions lists a camera's live sessions.
func (e *Engine) ActiveSessions(cameraID string) []models.TrackingSession {
	return e.store.ActiveByCamera(cameraID)
}

// InvalidateIdentity drops an identity's cached trajectory. Called on
// session events so the dashboard never sees a stale path for long.
func (e *Engine) InvalidateIdentity(ctx context.Context, did string) {
	if e.cache == nil || did == "" {
		return
	}
	if err := e.cache.InvalidateTrajectory(ctx, did); err != nil {
		logger.Warn("Trajectory cache invalidation failed", zap.String("did", did), zap.Error(err))
	}
}

// Watch drops cached trajectories as sessions mutate, so a dashboard never
// serves a stale path past the event that changed it. Runs until ctx is
// cancelled.
func (e *Engine) Watch(ctx context.Context, notifier *session.Notifier) {
	events, cancel := notifier.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.InvalidateIdentity(ctx, ev.DID)
		}
	}
}

// defaultWindow reports whether the range matches the dashboard's default
// lookback, the only window cached.
func (e *Engine) defaultWindow(from, to time.Time) bool {
	return !from.IsZero() && !to.IsZero() && to.Sub(from) == 24*time.Hour
}
