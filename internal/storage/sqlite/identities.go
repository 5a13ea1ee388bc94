package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tourist-safety/backend/internal/storage/models"
	"github.com/tourist-safety/backend/pkg/logger"
)

func (c *Client) InsertIdentity(ident *models.Identity) error {
	query := `
		INSERT INTO tourists (did, document_hash, document_salt, id_type,
			name_encrypted, doc_number_encrypted, phone_encrypted, email_encrypted,
			itinerary_encrypted, nationality, entry_point, entry_time, expected_exit,
			status, risk_level, alert_count, anchor_tx_ref, verification, key_id,
			algorithm, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var expectedExit interface{}
	if ident.ExpectedExit != nil {
		expectedExit = ident.ExpectedExit.Unix()
	}

	_, err := c.db.Exec(
		query,
		ident.DID,
		ident.DocumentHash,
		ident.DocumentSalt,
		ident.IDType,
		ident.NameEncrypted,
		ident.DocNumberEncrypted,
		ident.PhoneEncrypted,
		ident.EmailEncrypted,
		ident.ItineraryEncrypted,
		ident.Nationality,
		ident.EntryPoint,
		ident.EntryTime.Unix(),
		expectedExit,
		string(ident.Status),
		ident.RiskLevel,
		ident.AlertCount,
		ident.AnchorTxRef,
		string(ident.Verification),
		ident.KeyID,
		ident.Algorithm,
		ident.CreatedAt.Unix(),
		ident.UpdatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert identity: %w", err)
	}

	logger.Debug("Identity inserted", zap.String("did", ident.DID))
	return nil
}

func (c *Client) GetIdentity(did string) (*models.Identity, error) {
	row := c.db.QueryRow(identitySelect+` WHERE did = ?`, did)
	return scanIdentity(row)
}

// GetIdentityByDocumentHash finds the live registration for a document hash.
// Exited identities do not block re-registration.
func (c *Client) GetIdentityByDocumentHash(hash string) (*models.Identity, error) {
	row := c.db.QueryRow(identitySelect+` WHERE document_hash = ? AND status != 'exited'`, hash)
	return scanIdentity(row)
}

// ListIdentityDIDsByKey returns, in stable DID order, the identities still
// encrypted under keyID. Key rotation resumes from this list after a crash.
func (c *Client) ListIdentityDIDsByKey(keyID string, limit int) ([]string, error) {
	rows, err := c.db.Query(
		`SELECT did FROM tourists WHERE key_id = ? ORDER BY did LIMIT ?`,
		keyID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities by key: %w", err)
	}
	defer rows.Close()

	var dids []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		dids = append(dids, did)
	}
	return dids, rows.Err()
}

// UpdateIdentityCiphertexts swaps every encrypted field and the key id in one
// statement, so an identity is always fully under one key.
func (c *Client) UpdateIdentityCiphertexts(did string, ident *models.Identity) error {
	query := `
		UPDATE tourists SET
			name_encrypted = ?, doc_number_encrypted = ?, phone_encrypted = ?,
			email_encrypted = ?, itinerary_encrypted = ?, key_id = ?, algorithm = ?,
			updated_at = ?
		WHERE did = ?
	`

	_, err := c.db.Exec(
		query,
		ident.NameEncrypted,
		ident.DocNumberEncrypted,
		ident.PhoneEncrypted,
		ident.EmailEncrypted,
		ident.ItineraryEncrypted,
		ident.KeyID,
		ident.Algorithm,
		time.Now().Unix(),
		did,
	)
	if err != nil {
		return fmt.Errorf("failed to update identity ciphertexts: %w", err)
	}
	return nil
}

func (c *Client) UpdateIdentityStatus(did string, status models.IdentityStatus) error {
	_, err := c.db.Exec(
		`UPDATE tourists SET status = ?, updated_at = ? WHERE did = ?`,
		string(status), time.Now().Unix(), did,
	)
	if err != nil {
		return fmt.Errorf("failed to update identity status: %w", err)
	}

	logger.Info("Identity status updated", zap.String("did", did), zap.String("status", string(status)))
	return nil
}

func (c *Client) UpdateVerification(did string, verification models.VerificationStatus) error {
	_, err := c.db.Exec(
		`UPDATE tourists SET verification = ?, updated_at = ? WHERE did = ?`,
		string(verification), time.Now().Unix(), did,
	)
	if err != nil {
		return fmt.Errorf("failed to update verification: %w", err)
	}
	return nil
}

func (c *Client) UpdateLastSeen(did, cameraID string, at time.Time) error {
	_, err := c.db.Exec(
		`UPDATE tourists SET last_seen_camera = ?, last_seen_at = ?, updated_at = ? WHERE did = ?`,
		cameraID, at.Unix(), time.Now().Unix(), did,
	)
	if err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	return nil
}

func (c *Client) IncrementAlertCount(did string) error {
	_, err := c.db.Exec(
		`UPDATE tourists SET alert_count = alert_count + 1, updated_at = ? WHERE did = ?`,
		time.Now().Unix(), did,
	)
	if err != nil {
		return fmt.Errorf("failed to increment alert count: %w", err)
	}
	return nil
}

func (c *Client) SetIdentityAnchor(did, txRef string) error {
	_, err := c.db.Exec(
		`UPDATE tourists SET anchor_tx_ref = ?, updated_at = ? WHERE did = ?`,
		txRef, time.Now().Unix(), did,
	)
	if err != nil {
		return fmt.Errorf("failed to set identity anchor: %w", err)
	}
	return nil
}

const identitySelect = `
	SELECT did, document_hash, document_salt, id_type, name_encrypted,
		doc_number_encrypted, phone_encrypted, email_encrypted, itinerary_encrypted,
		nationality, entry_point, entry_time, expected_exit, status, risk_level,
		alert_count, last_seen_camera, last_seen_at, anchor_tx_ref, verification,
		key_id, algorithm, created_at, updated_at
	FROM tourists`

func scanIdentity(row *sql.Row) (*models.Identity, error) {
	var ident models.Identity
	var entryTime, createdAt, updatedAt int64
	var expectedExit, lastSeenAt sql.NullInt64
	var lastSeenCamera, anchorTxRef, nationality, entryPoint, riskLevel sql.NullString

	err := row.Scan(
		&ident.DID,
		&ident.DocumentHash,
		&ident.DocumentSalt,
		&ident.IDType,
		&ident.NameEncrypted,
		&ident.DocNumberEncrypted,
		&ident.PhoneEncrypted,
		&ident.EmailEncrypted,
		&ident.ItineraryEncrypted,
		&nationality,
		&entryPoint,
		&entryTime,
		&expectedExit,
		(*string)(&ident.Status),
		&riskLevel,
		&ident.AlertCount,
		&lastSeenCamera,
		&lastSeenAt,
		&anchorTxRef,
		(*string)(&ident.Verification),
		&ident.KeyID,
		&ident.Algorithm,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}

	ident.Nationality = nationality.String
	ident.EntryPoint = entryPoint.String
	ident.RiskLevel = riskLevel.String
	ident.LastSeenCamera = lastSeenCamera.String
	ident.AnchorTxRef = anchorTxRef.String
	ident.EntryTime = time.Unix(entryTime, 0)
	ident.CreatedAt = time.Unix(createdAt, 0)
	ident.UpdatedAt = time.Unix(updatedAt, 0)
	if expectedExit.Valid {
		t := time.Unix(expectedExit.Int64, 0)
		ident.ExpectedExit = &t
	}
	if lastSeenAt.Valid {
		t := time.Unix(lastSeenAt.Int64, 0)
		ident.LastSeenAt = &t
	}

	return &ident, nil
}
