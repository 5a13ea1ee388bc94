package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tourist-safety/backend/internal/storage/models"
	"github.com/tourist-safety/backend/pkg/logger"
)

func (c *Client) InsertIncident(inc *models.Incident) error {
	evidenceJSON, _ := json.Marshal(inc.EvidenceRefs)

	_, err := c.db.Exec(
		`INSERT INTO incidents (incident_id, did, type, severity, description_encrypted,
			camera_id, location, timestamp, evidence_refs, session_id, status,
			assignee, anchor_tx_ref, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.IncidentID,
		inc.DID,
		string(inc.Type),
		string(inc.Severity),
		inc.DescriptionEncrypted,
		inc.CameraID,
		inc.Location,
		inc.Timestamp.Unix(),
		string(evidenceJSON),
		inc.SessionID,
		string(inc.Status),
		inc.Assignee,
		inc.AnchorTxRef,
		inc.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}

	logger.Info("Incident recorded",
		zap.String("incident_id", inc.IncidentID),
		zap.String("severity", string(inc.Severity)),
		zap.String("camera_id", inc.CameraID),
	)
	return nil
}

func (c *Client) GetIncident(incidentID string) (*models.Incident, error) {
	row := c.db.QueryRow(incidentSelect+` WHERE incident_id = ?`, incidentID)
	return scanIncident(row)
}

func (c *Client) UpdateIncidentStatus(incidentID string, status models.IncidentStatus, assignee string, resolvedAt *time.Time) error {
	var resolved interface{}
	if resolvedAt != nil {
		resolved = resolvedAt.Unix()
	}

	_, err := c.db.Exec(
		`UPDATE incidents SET status = ?, assignee = ?, resolved_at = ? WHERE incident_id = ?`,
		string(status), assignee, resolved, incidentID,
	)
	if err != nil {
		return fmt.Errorf("failed to update incident status: %w", err)
	}
	return nil
}

func (c *Client) SetIncidentAnchor(incidentID, txRef string) error {
	_, err := c.db.Exec(
		`UPDATE incidents SET anchor_tx_ref = ? WHERE incident_id = ?`,
		txRef, incidentID,
	)
	if err != nil {
		return fmt.Errorf("failed to set incident anchor: %w", err)
	}
	return nil
}

func (c *Client) ListIncidents(status models.IncidentStatus, limit int) ([]models.Incident, error) {
	query := incidentSelect + ` ORDER BY timestamp DESC LIMIT ?`
	args := []interface{}{limit}
	if status != "" {
		query = incidentSelect + ` WHERE status = ? ORDER BY timestamp DESC LIMIT ?`
		args = []interface{}{string(status), limit}
	}

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var incidents []models.Incident
	for rows.Next() {
		inc, err := scanIncidentRows(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, *inc)
	}
	return incidents, rows.Err()
}

const incidentSelect = `
	SELECT incident_id, did, type, severity, description_encrypted, camera_id,
		location, timestamp, evidence_refs, session_id, status, assignee,
		resolved_at, anchor_tx_ref, created_at
	FROM incidents`

type incidentScanner interface {
	Scan(dest ...interface{}) error
}

func scanIncident(row *sql.Row) (*models.Incident, error) {
	inc, err := scanIncidentFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return inc, err
}

func scanIncidentRows(rows *sql.Rows) (*models.Incident, error) {
	return scanIncidentFrom(rows)
}

func scanIncidentFrom(s incidentScanner) (*models.Incident, error) {
	var inc models.Incident
	var timestamp, createdAt int64
	var resolvedAt sql.NullInt64
	var did, cameraID, location, sessionID, assignee, anchorTxRef sql.NullString
	var evidenceJSON sql.NullString

	err := s.Scan(
		&inc.IncidentID,
		&did,
		(*string)(&inc.Type),
		(*string)(&inc.Severity),
		&inc.DescriptionEncrypted,
		&cameraID,
		&location,
		&timestamp,
		&evidenceJSON,
		&sessionID,
		(*string)(&inc.Status),
		&assignee,
		&resolvedAt,
		&anchorTxRef,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan incident: %w", err)
	}

	inc.DID = did.String
	inc.CameraID = cameraID.String
	inc.Location = location.String
	inc.SessionID = sessionID.String
	inc.Assignee = assignee.String
	inc.AnchorTxRef = anchorTxRef.String
	inc.Timestamp = time.Unix(timestamp, 0)
	inc.CreatedAt = time.Unix(createdAt, 0)
	if resolvedAt.Valid {
		t := time.Unix(resolvedAt.Int64, 0)
		inc.ResolvedAt = &t
	}
	if evidenceJSON.Valid && evidenceJSON.String != "" {
		json.Unmarshal([]byte(evidenceJSON.String), &inc.EvidenceRefs)
	}

	return &inc, nil
}
