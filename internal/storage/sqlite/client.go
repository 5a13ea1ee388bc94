package sqlite

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/tourist-safety/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tourists (
		did TEXT PRIMARY KEY,
		document_hash TEXT UNIQUE NOT NULL,
		document_salt TEXT NOT NULL,
		id_type TEXT NOT NULL,
		name_encrypted BLOB NOT NULL,
		doc_number_encrypted BLOB NOT NULL,
		phone_encrypted BLOB,
		email_encrypted BLOB,
		itinerary_encrypted BLOB,
		nationality TEXT,
		entry_point TEXT,
		entry_time INTEGER NOT NULL,
		expected_exit INTEGER,
		status TEXT NOT NULL DEFAULT 'active',
		risk_level TEXT NOT NULL DEFAULT 'low',
		alert_count INTEGER NOT NULL DEFAULT 0,
		last_seen_camera TEXT,
		last_seen_at INTEGER,
		anchor_tx_ref TEXT,
		verification TEXT NOT NULL DEFAULT 'pending',
		key_id TEXT NOT NULL,
		algorithm TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tourists_status ON tourists(status);
	CREATE INDEX IF NOT EXISTS idx_tourists_key ON tourists(key_id);
	CREATE INDEX IF NOT EXISTS idx_tourists_doc_hash ON tourists(document_hash);

	CREATE TABLE IF NOT EXISTS encryption_keys (
		key_id TEXT PRIMARY KEY,
		wrapped_material BLOB NOT NULL,
		algorithm TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER,
		status TEXT NOT NULL DEFAULT 'active',
		usage_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_keys_status ON encryption_keys(status);

	CREATE TABLE IF NOT EXISTS incidents (
		incident_id TEXT PRIMARY KEY,
		did TEXT,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		description_encrypted BLOB,
		camera_id TEXT,
		location TEXT,
		timestamp INTEGER NOT NULL,
		evidence_refs TEXT,
		session_id TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		assignee TEXT,
		resolved_at INTEGER,
		anchor_tx_ref TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_incidents_did ON incidents(did);
	CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);
	CREATE INDEX IF NOT EXISTS idx_incidents_timestamp ON incidents(timestamp);

	CREATE TABLE IF NOT EXISTS session_archive (
		session_id TEXT PRIMARY KEY,
		camera_id TEXT NOT NULL,
		local_track_id INTEGER NOT NULL,
		did TEXT,
		match_confidence REAL,
		status TEXT NOT NULL,
		start_timestamp INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		end_timestamp INTEGER,
		duration_seconds INTEGER,
		transfer_target TEXT,
		transferred_at INTEGER,
		total_detections INTEGER NOT NULL,
		avg_confidence REAL NOT NULL,
		trajectory TEXT,
		archived_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_archive_did ON session_archive(did);
	CREATE INDEX IF NOT EXISTS idx_archive_camera ON session_archive(camera_id, start_timestamp);

	CREATE TABLE IF NOT EXISTS anchor_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content_hash TEXT NOT NULL,
		ref_type TEXT NOT NULL,
		ref_id TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		tx_ref TEXT,
		submitted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_anchor_pending ON anchor_queue(submitted, created_at);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}
