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

func (c *Client) InsertKey(key *models.KeyRecord) error {
	var expiresAt interface{}
	if key.ExpiresAt != nil {
		expiresAt = key.ExpiresAt.Unix()
	}

	_, err := c.db.Exec(
		`INSERT INTO encryption_keys (key_id, wrapped_material, algorithm, created_at, expires_at, status, usage_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.KeyID,
		key.WrappedMaterial,
		key.Algorithm,
		key.CreatedAt.Unix(),
		expiresAt,
		string(key.Status),
		key.UsageCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert key: %w", err)
	}

	logger.Info("Encryption key stored", zap.String("key_id", key.KeyID), zap.String("status", string(key.Status)))
	return nil
}

func (c *Client) GetKey(keyID string) (*models.KeyRecord, error) {
	row := c.db.QueryRow(
		`SELECT key_id, wrapped_material, algorithm, created_at, expires_at, status, usage_count
		 FROM encryption_keys WHERE key_id = ?`,
		keyID,
	)
	return scanKey(row)
}

// ActiveKey returns the single key currently valid for new encryptions.
func (c *Client) ActiveKey() (*models.KeyRecord, error) {
	row := c.db.QueryRow(
		`SELECT key_id, wrapped_material, algorithm, created_at, expires_at, status, usage_count
		 FROM encryption_keys WHERE status = 'active' ORDER BY created_at DESC LIMIT 1`,
	)
	return scanKey(row)
}

func (c *Client) UpdateKeyStatus(keyID string, status models.KeyStatus) error {
	_, err := c.db.Exec(
		`UPDATE encryption_keys SET status = ? WHERE key_id = ?`,
		string(status), keyID,
	)
	if err != nil {
		return fmt.Errorf("failed to update key status: %w", err)
	}

	logger.Info("Encryption key status updated", zap.String("key_id", keyID), zap.String("status", string(status)))
	return nil
}

func (c *Client) IncrementKeyUsage(keyID string) error {
	_, err := c.db.Exec(
		`UPDATE encryption_keys SET usage_count = usage_count + 1 WHERE key_id = ?`,
		keyID,
	)
	if err != nil {
		return fmt.Errorf("failed to increment key usage: %w", err)
	}
	return nil
}

func scanKey(row *sql.Row) (*models.KeyRecord, error) {
	var key models.KeyRecord
	var createdAt int64
	var expiresAt sql.NullInt64

	err := row.Scan(
		&key.KeyID,
		&key.WrappedMaterial,
		&key.Algorithm,
		&createdAt,
		&expiresAt,
		(*string)(&key.Status),
		&key.UsageCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}

	key.CreatedAt = time.Unix(createdAt, 0)
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		key.ExpiresAt = &t
	}
	return &key, nil
}
