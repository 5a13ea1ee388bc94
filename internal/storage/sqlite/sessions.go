package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tourist-safety/backend/internal/storage/models"
	"github.com/tourist-safety/backend/pkg/logger"
)

// ArchiveSession persists a closed session for durable trajectory and
// density queries. The in-memory store stays authoritative for open sessions.
func (c *Client) ArchiveSession(sess *models.TrackingSession) error {
	trajectoryJSON, _ := json.Marshal(sess.Trajectory)

	var endTimestamp, transferredAt interface{}
	if sess.EndTimestamp != nil {
		endTimestamp = sess.EndTimestamp.Unix()
	}
	if sess.TransferredAt != nil {
		transferredAt = sess.TransferredAt.Unix()
	}

	_, err := c.db.Exec(
		`INSERT INTO session_archive (session_id, camera_id, local_track_id, did,
			match_confidence, status, start_timestamp, last_seen, end_timestamp,
			duration_seconds, transfer_target, transferred_at, total_detections,
			avg_confidence, trajectory, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			last_seen = excluded.last_seen,
			end_timestamp = excluded.end_timestamp,
			duration_seconds = excluded.duration_seconds,
			total_detections = excluded.total_detections,
			avg_confidence = excluded.avg_confidence,
			trajectory = excluded.trajectory,
			archived_at = excluded.archived_at`,
		sess.SessionID,
		sess.CameraID,
		sess.LocalTrackID,
		sess.DID,
		sess.MatchConfidence,
		string(sess.Status),
		sess.StartTimestamp.Unix(),
		sess.LastSeen.Unix(),
		endTimestamp,
		sess.DurationSeconds,
		sess.TransferTarget,
		transferredAt,
		sess.TotalDetections,
		sess.AvgConfidence,
		string(trajectoryJSON),
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to archive session: %w", err)
	}

	logger.Debug("Session archived",
		zap.String("session_id", sess.SessionID),
		zap.String("status", string(sess.Status)),
	)
	return nil
}

// SessionCountByCameraAndDate counts sessions that started on the given day,
// the crowd-density figure the dashboards poll.
func (c *Client) SessionCountByCameraAndDate(cameraID string, date time.Time) (int, error) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	dayEnd := dayStart.Add(24 * time.Hour)

	var count int
	err := c.db.QueryRow(
		`SELECT COUNT(*) FROM session_archive
		 WHERE camera_id = ? AND start_timestamp >= ? AND start_timestamp < ?`,
		cameraID, dayStart.Unix(), dayEnd.Unix(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// ArchivedSessionsByDID returns closed sessions for an identity ordered by
// start time, with their simplified trajectories.
func (c *Client) ArchivedSessionsByDID(did string, from, to time.Time) ([]models.TrackingSession, error) {
	rows, err := c.db.Query(
		`SELECT session_id, camera_id, local_track_id, did, match_confidence, status,
			start_timestamp, last_seen, end_timestamp, duration_seconds,
			transfer_target, transferred_at, total_detections, avg_confidence, trajectory
		 FROM session_archive
		 WHERE did = ? AND start_timestamp >= ? AND start_timestamp <= ?
		 ORDER BY start_timestamp ASC`,
		did, from.Unix(), to.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query archived sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.TrackingSession
	for rows.Next() {
		var sess models.TrackingSession
		var startTs, lastSeen int64
		var endTs, transferredAt *int64
		var trajectoryJSON string
		var transferTarget *string

		err := rows.Scan(
			&sess.SessionID,
			&sess.CameraID,
			&sess.LocalTrackID,
			&sess.DID,
			&sess.MatchConfidence,
			(*string)(&sess.Status),
			&startTs,
			&lastSeen,
			&endTs,
			&sess.DurationSeconds,
			&transferTarget,
			&transferredAt,
			&sess.TotalDetections,
			&sess.AvgConfidence,
			&trajectoryJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archived session: %w", err)
		}

		sess.StartTimestamp = time.Unix(startTs, 0)
		sess.LastSeen = time.Unix(lastSeen, 0)
		if endTs != nil {
			t := time.Unix(*endTs, 0)
			sess.EndTimestamp = &t
		}
		if transferredAt != nil {
			t := time.Unix(*transferredAt, 0)
			sess.TransferredAt = &t
		}
		if transferTarget != nil {
			sess.TransferTarget = *transferTarget
		}
		if trajectoryJSON != "" {
			json.Unmarshal([]byte(trajectoryJSON), &sess.Trajectory)
		}

		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
