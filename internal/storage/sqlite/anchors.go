package sqlite

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tourist-safety/backend/internal/storage/models"
	"github.com/tourist-safety/backend/pkg/logger"
)

// EnqueueAnchor persists an anchor request. Enqueue is the only anchoring
// step on any caller's write path; submission happens in the background.
func (c *Client) EnqueueAnchor(contentHash, refType, refID string) (int64, error) {
	now := time.Now().Unix()
	result, err := c.db.Exec(
		`INSERT INTO anchor_queue (content_hash, ref_type, ref_id, attempts, submitted, created_at, updated_at)
		 VALUES (?, ?, ?, 0, 0, ?, ?)`,
		contentHash, refType, refID, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue anchor: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get anchor queue id: %w", err)
	}

	logger.Debug("Anchor request queued",
		zap.Int64("queue_id", id),
		zap.String("ref_type", refType),
		zap.String("ref_id", refID),
	)
	return id, nil
}

// PendingAnchors returns unsubmitted requests oldest first, so a restarted
// worker resumes exactly where the previous process stopped.
func (c *Client) PendingAnchors(limit int) ([]models.AnchorRequest, error) {
	rows, err := c.db.Query(
		`SELECT id, content_hash, ref_type, ref_id, attempts, created_at, updated_at
		 FROM anchor_queue WHERE submitted = 0 ORDER BY created_at ASC, id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending anchors: %w", err)
	}
	defer rows.Close()

	var pending []models.AnchorRequest
	for rows.Next() {
		var req models.AnchorRequest
		var createdAt, updatedAt int64

		err := rows.Scan(&req.ID, &req.ContentHash, &req.RefType, &req.RefID, &req.Attempts, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan anchor request: %w", err)
		}

		req.CreatedAt = time.Unix(createdAt, 0)
		req.UpdatedAt = time.Unix(updatedAt, 0)
		pending = append(pending, req)
	}
	return pending, rows.Err()
}

func (c *Client) MarkAnchorSubmitted(id int64, txRef string) error {
	_, err := c.db.Exec(
		`UPDATE anchor_queue SET submitted = 1, tx_ref = ?, updated_at = ? WHERE id = ?`,
		txRef, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark anchor submitted: %w", err)
	}
	return nil
}

func (c *Client) BumpAnchorAttempts(id int64, attempts int) error {
	_, err := c.db.Exec(
		`UPDATE anchor_queue SET attempts = ?, updated_at = ? WHERE id = ?`,
		attempts, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update anchor attempts: %w", err)
	}
	return nil
}

func (c *Client) AnchorQueueDepth() (int, error) {
	var depth int
	err := c.db.QueryRow(`SELECT COUNT(*) FROM anchor_queue WHERE submitted = 0`).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to count anchor queue: %w", err)
	}
	return depth, nil
}
