package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewDID generates a decentralized identifier for a tourist,
// e.g. did:tourist:9f2c41d8.
func NewDID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the platform RNG is broken; fall back
		// to a UUID-derived suffix rather than returning an error id.
		return "did:tourist:" + uuid.New().String()[:8]
	}
	return "did:tourist:" + hex.EncodeToString(buf)
}

// NewFeatureID generates a feature record id, e.g. feat_3fa85f64b2c1.
func NewFeatureID() string {
	return "feat_" + uuid.New().String()[:8] + shortHex(2)
}

// NewSessionID generates a tracking session id scoped to a camera and the
// upstream tracker's local track id, e.g. session_cam01_7_20260829T101500.
func NewSessionID(cameraID string, trackID int, at time.Time) string {
	return fmt.Sprintf("session_%s_%d_%s", cameraID, trackID, at.UTC().Format("20060102T150405"))
}

// NewIncidentID generates an incident id, e.g. incident_7c9e6679a4f1.
func NewIncidentID() string {
	return "incident_" + uuid.New().String()[:8] + shortHex(2)
}

// NewKeyID generates an encryption key id, e.g. key_20260829_a1b2.
func NewKeyID(at time.Time) string {
	return fmt.Sprintf("key_%s_%s", at.UTC().Format("20060102"), shortHex(2))
}

// NewSalt returns a random hex salt for one-way document hashing.
func NewSalt() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// DocumentHash computes the salted SHA-256 hash of an id-document number.
// Only this hash ever leaves the vault; the raw number is encrypted at rest.
func DocumentHash(idNumber, salt string) string {
	sum := sha256.Sum256([]byte(idNumber + salt))
	return hex.EncodeToString(sum[:])
}

// ContentHash computes the SHA-256 hash of arbitrary record content for
// ledger anchoring. Raw PII and embeddings are never anchored, their hashes are.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func shortHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return uuid.New().String()[:n*2]
	}
	return hex.EncodeToString(buf)
}
