package ids

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDIDFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^did:tourist:[0-9a-f]{8}$`)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		did := NewDID()
		assert.Regexp(t, pattern, did)
		assert.False(t, seen[did], "generated duplicate did %s", did)
		seen[did] = true
	}
}

func TestNewFeatureIDFormat(t *testing.T) {
	assert.Regexp(t, regexp.MustCompile(`^feat_[0-9a-f]{12}$`), NewFeatureID())
}

func TestNewSessionIDFormat(t *testing.T) {
	at := time.Date(2026, 8, 29, 10, 15, 0, 0, time.UTC)
	id := NewSessionID("cam01", 7, at)
	assert.Equal(t, "session_cam01_7_20260829T101500", id)
}

func TestNewIncidentIDFormat(t *testing.T) {
	assert.Regexp(t, regexp.MustCompile(`^incident_[0-9a-f]{12}$`), NewIncidentID())
}

func TestNewKeyIDFormat(t *testing.T) {
	at := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	assert.Regexp(t, regexp.MustCompile(`^key_20260829_[0-9a-f]{4}$`), NewKeyID(at))
}

func TestDocumentHashDeterministic(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	require.Len(t, salt, 32)

	h1 := DocumentHash("P1234567", salt)
	h2 := DocumentHash("P1234567", salt)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	assert.NotEqual(t, h1, DocumentHash("P1234568", salt))
	assert.NotEqual(t, h1, DocumentHash("P1234567", salt+"x"))
}

func TestContentHash(t *testing.T) {
	h := ContentHash([]byte("payload"))
	assert.Len(t, h, 64)
	assert.Equal(t, h, ContentHash([]byte("payload")))
	assert.NotEqual(t, h, ContentHash([]byte("payload2")))
}
