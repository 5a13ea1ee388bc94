package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tourist-safety/backend/internal/storage/models"
	"github.com/tourist-safety/backend/internal/storage/sqlite"
	"github.com/tourist-safety/backend/pkg/ids"
	"github.com/tourist-safety/backend/pkg/logger"
)

// keyring manages data keys. Material never touches the database in the
// clear: every key is wrapped under the master key before insert.
type keyring struct {
	db     *sqlite.Client
	master []byte
}

func newKeyring(db *sqlite.Client, masterKeyHex string) (*keyring, error) {
	master, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key: %w", err)
	}
	if len(master) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keySize, len(master))
	}
	return &keyring{db: db, master: master}, nil
}

// activeKey returns the current data key, generating the first one on a
// fresh database.
func (k *keyring) activeKey() (*models.KeyRecord, []byte, error) {
	record, err := k.db.ActiveKey()
	if errors.Is(err, models.ErrNotFound) {
		return k.generate()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load active key: %w", err)
	}
	material, err := decrypt(k.master, record.WrappedMaterial)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to unwrap key %s: %w", record.KeyID, err)
	}
	return record, material, nil
}

// keyByID unwraps a specific key, active or not. Retired keys stay usable
// for decryption until every record under them is rotated away.
func (k *keyring) keyByID(keyID string) ([]byte, error) {
	record, err := k.db.GetKey(keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load key %s: %w", keyID, err)
	}
	material, err := decrypt(k.master, record.WrappedMaterial)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap key %s: %w", keyID, err)
	}
	return material, nil
}

// generate creates, wraps and persists a new active data key.
func (k *keyring) generate() (*models.KeyRecord, []byte, error) {
	material, err := newKeyMaterial()
	if err != nil {
		return nil, nil, err
	}
	wrapped, err := encrypt(k.master, material)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to wrap key material: %w", err)
	}

	record := &models.KeyRecord{
		KeyID:           ids.NewKeyID(time.Now()),
		WrappedMaterial: wrapped,
		Algorithm:       AlgorithmAESGCM,
		CreatedAt:       time.Now(),
		Status:          models.KeyActive,
	}
	if err := k.db.InsertKey(record); err != nil {
		return nil, nil, fmt.Errorf("failed to persist key: %w", err)
	}

	logger.Info("Generated new encryption key", zap.String("key_id", record.KeyID))
	return record, material, nil
}

// documentSalt derives the deployment-wide salt for document hashes from
// the master key. Deterministic so duplicate checks can match across
// restarts, yet never stored alongside the hashes it protects.
func (k *keyring) documentSalt() string {
	sum := sha256.Sum256(append([]byte("document-salt:"), k.master...))
	return hex.EncodeToString(sum[:16])
}

// retire marks a key expired. Decryption under it still works.
func (k *keyring) retire(keyID string) error {
	if err := k.db.UpdateKeyStatus(keyID, models.KeyExpired); err != nil {
		return fmt.Errorf("failed to retire key %s: %w", keyID, err)
	}
	logger.Info("Retired encryption key", zap.String("key_id", keyID))
	return nil
}
