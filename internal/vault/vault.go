package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tourist-safety/backend/internal/storage/models"
	"github.com/tourist-safety/backend/internal/storage/sqlite"
	"github.com/tourist-safety/backend/pkg/ids"
	"github.com/tourist-safety/backend/pkg/logger"
)

// Scope gates which encrypted fields a caller may read back.
type Scope string

const (
	// ScopeOperator covers routine monitoring: contact fields only.
	ScopeOperator Scope = "operator"
	// ScopeEmergency covers incident response: every field.
	ScopeEmergency Scope = "emergency"
)

// scopeFields maps each scope to the fields it is allowed to decrypt.
var scopeFields = map[Scope]map[string]bool{
	ScopeOperator: {
		"name":  true,
		"phone": true,
		"email": true,
	},
	ScopeEmergency: {
		"name":       true,
		"id_number":  true,
		"phone":      true,
		"email":      true,
		"itinerary":  true,
	},
}

// Anchorer queues a content hash for ledger submission. Optional.
type Anchorer interface {
	EnqueueIdentity(did, contentHash string) error
}

// Vault is the only component that sees identity plaintext. Everything it
// persists is ciphertext plus a salted document hash for duplicate checks.
type Vault struct {
	db       *sqlite.Client
	keys     *keyring
	anchorer Anchorer

	rotationBatchSize int
}

func NewVault(db *sqlite.Client, masterKeyHex string, rotationBatchSize int, anchorer Anchorer) (*Vault, error) {
	keys, err := newKeyring(db, masterKeyHex)
	if err != nil {
		return nil, err
	}
	if rotationBatchSize <= 0 {
		rotationBatchSize = 100
	}
	return &Vault{
		db:                db,
		keys:              keys,
		anchorer:          anchorer,
		rotationBatchSize: rotationBatchSize,
	}, nil
}

// Register encrypts the fields, checks the salted document hash for a
// duplicate, and persists the new identity. Itinerary is stored as JSON so
// structured itineraries survive the round trip.
func (v *Vault) Register(fields *models.IdentityFields, expectedExit *time.Time) (*models.Identity, error) {
	if fields.IDNumber == "" {
		return nil, models.NewValidationError("id_number", "must not be empty")
	}
	if fields.Name == "" {
		return nil, models.NewValidationError("name", "must not be empty")
	}

	// The salt is deployment-wide, not per-record: the hash must be
	// deterministic or the duplicate check could never match.
	salt := v.keys.documentSalt()
	docHash := ids.DocumentHash(fields.IDNumber, salt)

	if existing, err := v.db.GetIdentityByDocumentHash(docHash); err == nil {
		return nil, &models.DuplicateIdentityError{DocumentHash: docHash, ExistingDID: existing.DID}
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to check for duplicate identity: %w", err)
	}

	keyRecord, material, err := v.keys.activeKey()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ident := &models.Identity{
		DID:          ids.NewDID(),
		DocumentHash: docHash,
		DocumentSalt: salt,
		IDType:       fields.IDType,
		Nationality:  fields.Nationality,
		EntryPoint:   fields.EntryPoint,
		EntryTime:    now,
		ExpectedExit: expectedExit,
		Status:       models.IdentityActive,
		RiskLevel:    "low",
		Verification: models.VerificationPending,
		KeyID:        keyRecord.KeyID,
		Algorithm:    AlgorithmAESGCM,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := v.sealFields(material, fields, ident); err != nil {
		return nil, err
	}

	if err := v.db.InsertIdentity(ident); err != nil {
		return nil, fmt.Errorf("failed to persist identity: %w", err)
	}
	if err := v.db.IncrementKeyUsage(keyRecord.KeyID); err != nil {
		logger.Warn("Failed to bump key usage", zap.String("key_id", keyRecord.KeyID), zap.Error(err))
	}

	logger.Info("Identity registered",
		zap.String("did", ident.DID),
		zap.String("entry_point", ident.EntryPoint),
		zap.String("key_id", ident.KeyID),
	)

	if v.anchorer != nil {
		if err := v.anchorer.EnqueueIdentity(ident.DID, docHash); err != nil {
			logger.Error("Failed to enqueue identity anchor", zap.String("did", ident.DID), zap.Error(err))
		}
	}
	return ident, nil
}

// Decrypt returns the plaintext fields the scope authorizes. Fields outside
// the scope come back empty; an unknown scope is rejected outright.
func (v *Vault) Decrypt(did string, scope Scope) (*models.IdentityFields, error) {
	allowed, ok := scopeFields[scope]
	if !ok {
		return nil, &models.AuthorizationError{DID: did, Scope: string(scope), Field: "*"}
	}

	ident, err := v.db.GetIdentity(did)
	if err != nil {
		return nil, err
	}
	material, err := v.keys.keyByID(ident.KeyID)
	if err != nil {
		return nil, err
	}

	fields := &models.IdentityFields{
		IDType:      ident.IDType,
		Nationality: ident.Nationality,
		EntryPoint:  ident.EntryPoint,
	}
	open := func(field string, blob []byte) (string, error) {
		if !allowed[field] {
			return "", nil
		}
		return decryptString(material, blob)
	}

	if fields.Name, err = open("name", ident.NameEncrypted); err != nil {
		return nil, fmt.Errorf("failed to decrypt name for %s: %w", did, err)
	}
	if fields.IDNumber, err = open("id_number", ident.DocNumberEncrypted); err != nil {
		return nil, fmt.Errorf("failed to decrypt id number for %s: %w", did, err)
	}
	if fields.Phone, err = open("phone", ident.PhoneEncrypted); err != nil {
		return nil, fmt.Errorf("failed to decrypt phone for %s: %w", did, err)
	}
	if fields.Email, err = open("email", ident.EmailEncrypted); err != nil {
		return nil, fmt.Errorf("failed to decrypt email for %s: %w", did, err)
	}
	if allowed["itinerary"] && len(ident.ItineraryEncrypted) > 0 {
		raw, err := decrypt(material, ident.ItineraryEncrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt itinerary for %s: %w", did, err)
		}
		var itinerary string
		if err := json.Unmarshal(raw, &itinerary); err != nil {
			itinerary = string(raw)
		}
		fields.Itinerary = itinerary
	}

	logger.Info("Identity fields decrypted",
		zap.String("did", did),
		zap.String("scope", string(scope)),
	)
	return fields, nil
}

// SealDescription encrypts free text under the master key. Used for records
// that carry no key reference of their own, such as incident descriptions.
func (v *Vault) SealDescription(s string) ([]byte, error) {
	return encryptString(v.keys.master, s)
}

// OpenDescription reverses SealDescription.
func (v *Vault) OpenDescription(blob []byte) (string, error) {
	return decryptString(v.keys.master, blob)
}

// Verify marks the identity's document check outcome.
func (v *Vault) Verify(did string, outcome models.VerificationStatus) error {
	if outcome != models.VerificationVerified && outcome != models.VerificationFailed {
		return models.NewValidationError("verification", "must be verified or failed")
	}
	return v.db.UpdateVerification(did, outcome)
}

// SetStatus updates the identity lifecycle status.
func (v *Vault) SetStatus(did string, status models.IdentityStatus) error {
	return v.db.UpdateIdentityStatus(did, status)
}

// RotateKey generates a new active key, retires the old one, then
// re-encrypts identities batch by batch. Each identity swaps atomically;
// a crash mid-rotation resumes on the next call because remaining records
// still reference the retired key.
func (v *Vault) RotateKey() (int, error) {
	oldRecord, err := v.db.ActiveKey()
	if errors.Is(err, models.ErrNotFound) {
		_, _, genErr := v.keys.activeKey()
		return 0, genErr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load active key: %w", err)
	}

	newRecord, _, err := v.keys.generate()
	if err != nil {
		return 0, err
	}
	if err := v.keys.retire(oldRecord.KeyID); err != nil {
		return 0, err
	}

	logger.Info("Key rotation started",
		zap.String("old_key_id", oldRecord.KeyID),
		zap.String("new_key_id", newRecord.KeyID),
	)
	return v.ResumeRotation(oldRecord.KeyID)
}

// ResumeRotation re-encrypts every identity still under oldKeyID onto the
// current active key. Idempotent; safe to call after a crash.
func (v *Vault) ResumeRotation(oldKeyID string) (int, error) {
	newRecord, newMaterial, err := v.keys.activeKey()
	if err != nil {
		return 0, err
	}
	oldMaterial, err := v.keys.keyByID(oldKeyID)
	if err != nil {
		return 0, err
	}

	rotated := 0
	for {
		dids, err := v.db.ListIdentityDIDsByKey(oldKeyID, v.rotationBatchSize)
		if err != nil {
			return rotated, fmt.Errorf("failed to list identities for rotation: %w", err)
		}
		if len(dids) == 0 {
			break
		}
		for _, did := range dids {
			if err := v.rotateIdentity(did, oldMaterial, newMaterial, newRecord.KeyID); err != nil {
				return rotated, err
			}
			rotated++
		}
	}

	logger.Info("Key rotation complete",
		zap.String("new_key_id", newRecord.KeyID),
		zap.Int("identities_rotated", rotated),
	)
	return rotated, nil
}

func (v *Vault) rotateIdentity(did string, oldMaterial, newMaterial []byte, newKeyID string) error {
	ident, err := v.db.GetIdentity(did)
	if err != nil {
		return err
	}

	reseal := func(blob []byte) ([]byte, error) {
		if len(blob) == 0 {
			return nil, nil
		}
		plaintext, err := decrypt(oldMaterial, blob)
		if err != nil {
			return nil, err
		}
		return encrypt(newMaterial, plaintext)
	}

	next := &models.Identity{KeyID: newKeyID, Algorithm: AlgorithmAESGCM}
	if next.NameEncrypted, err = reseal(ident.NameEncrypted); err != nil {
		return fmt.Errorf("failed to rotate name for %s: %w", did, err)
	}
	if next.DocNumberEncrypted, err = reseal(ident.DocNumberEncrypted); err != nil {
		return fmt.Errorf("failed to rotate id number for %s: %w", did, err)
	}
	if next.PhoneEncrypted, err = reseal(ident.PhoneEncrypted); err != nil {
		return fmt.Errorf("failed to rotate phone for %s: %w", did, err)
	}
	if next.EmailEncrypted, err = reseal(ident.EmailEncrypted); err != nil {
		return fmt.Errorf("failed to rotate email for %s: %w", did, err)
	}
	if next.ItineraryEncrypted, err = reseal(ident.ItineraryEncrypted); err != nil {
		return fmt.Errorf("failed to rotate itinerary for %s: %w", did, err)
	}

	if err := v.db.UpdateIdentityCiphertexts(did, next); err != nil {
		return fmt.Errorf("failed to persist rotated ciphertexts for %s: %w", did, err)
	}
	return nil
}

func (v *Vault) sealFields(material []byte, fields *models.IdentityFields, ident *models.Identity) error {
	var err error
	if ident.NameEncrypted, err = encryptString(material, fields.Name); err != nil {
		return fmt.Errorf("failed to encrypt name: %w", err)
	}
	if ident.DocNumberEncrypted, err = encryptString(material, fields.IDNumber); err != nil {
		return fmt.Errorf("failed to encrypt id number: %w", err)
	}
	if ident.PhoneEncrypted, err = encryptString(material, fields.Phone); err != nil {
		return fmt.Errorf("failed to encrypt phone: %w", err)
	}
	if ident.EmailEncrypted, err = encryptString(material, fields.Email); err != nil {
		return fmt.Errorf("failed to encrypt email: %w", err)
	}
	if fields.Itinerary != "" {
		raw, err := json.Marshal(fields.Itinerary)
		if err != nil {
			return fmt.Errorf("failed to encode itinerary: %w", err)
		}
		if ident.ItineraryEncrypted, err = encrypt(material, raw); err != nil {
			return fmt.Errorf("failed to encrypt itinerary: %w", err)
		}
	}
	return nil
}
