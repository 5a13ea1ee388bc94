package vault

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourist-safety/backend/internal/storage/models"
	"github.com/tourist-safety/backend/internal/storage/sqlite"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func testVault(t *testing.T) (*Vault, *sqlite.Client) {
	t.Helper()
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "vault_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema())

	v, err := NewVault(db, testMasterKey, 2, nil)
	require.NoError(t, err)
	return v, db
}

func touristFields(idNumber string) *models.IdentityFields {
	return &models.IdentityFields{
		Name:        "Asha Verma",
		IDType:      "passport",
		IDNumber:    idNumber,
		Phone:       "+91-98000-00000",
		Email:       "asha@example.com",
		Itinerary:   "Guwahati -> Shillong -> Cherrapunji",
		Nationality: "IN",
		EntryPoint:  "airport_gau",
	}
}

func TestRegisterStoresOnlyCiphertext(t *testing.T) {
	v, db := testVault(t)

	ident, err := v.Register(touristFields("P1234567"), nil)
	require.NoError(t, err)
	assert.Regexp(t, `^did:tourist:[0-9a-f]{8}$`, ident.DID)
	assert.Equal(t, models.IdentityActive, ident.Status)
	assert.Equal(t, models.VerificationPending, ident.Verification)
	assert.Equal(t, AlgorithmAESGCM, ident.Algorithm)

	stored, err := db.GetIdentity(ident.DID)
	require.NoError(t, err)

	assert.NotContains(t, string(stored.NameEncrypted), "Asha")
	assert.NotContains(t, string(stored.DocNumberEncrypted), "P1234567")
	assert.NotEmpty(t, stored.DocumentHash)
	assert.NotEqual(t, "P1234567", stored.DocumentHash)
	assert.NotEmpty(t, stored.KeyID)
	assert.WithinDuration(t, time.Now(), stored.CreatedAt, time.Minute)
	assert.WithinDuration(t, time.Now(), stored.UpdatedAt, time.Minute)
}

func TestRegisterRejectsDuplicateDocument(t *testing.T) {
	v, _ := testVault(t)

	first, err := v.Register(touristFields("P1234567"), nil)
	require.NoError(t, err)

	_, err = v.Register(touristFields("P1234567"), nil)
	require.True(t, models.IsDuplicateIdentity(err))

	var dup *models.DuplicateIdentityError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.DID, dup.ExistingDID)

	// A different document registers cleanly.
	_, err = v.Register(touristFields("P7654321"), nil)
	assert.NoError(t, err)
}

func TestRegisterValidatesRequiredFields(t *testing.T) {
	v, _ := testVault(t)

	fields := touristFields("P1234567")
	fields.IDNumber = ""
	_, err := v.Register(fields, nil)
	assert.True(t, models.IsValidation(err))

	fields = touristFields("P1234567")
	fields.Name = ""
	_, err = v.Register(fields, nil)
	assert.True(t, models.IsValidation(err))
}

func TestDecryptScopes(t *testing.T) {
	v, _ := testVault(t)

	ident, err := v.Register(touristFields("P1234567"), nil)
	require.NoError(t, err)

	// Operator scope: contact fields only.
	fields, err := v.Decrypt(ident.DID, ScopeOperator)
	require.NoError(t, err)
	assert.Equal(t, "Asha Verma", fields.Name)
	assert.Equal(t, "+91-98000-00000", fields.Phone)
	assert.Equal(t, "asha@example.com", fields.Email)
	assert.Empty(t, fields.IDNumber)
	assert.Empty(t, fields.Itinerary)

	// Emergency scope: everything.
	fields, err = v.Decrypt(ident.DID, ScopeEmergency)
	require.NoError(t, err)
	assert.Equal(t, "P1234567", fields.IDNumber)
	assert.Equal(t, "Guwahati -> Shillong -> Cherrapunji", fields.Itinerary)

	// Unknown scope: rejected outright.
	_, err = v.Decrypt(ident.DID, Scope("janitor"))
	assert.True(t, models.IsAuthorization(err))
}

func TestDecryptUnknownIdentity(t *testing.T) {
	v, _ := testVault(t)

	_, err := v.Decrypt("did:tourist:00000000", ScopeOperator)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestVerifyOutcome(t *testing.T) {
	v, db := testVault(t)

	ident, err := v.Register(touristFields("P1234567"), nil)
	require.NoError(t, err)

	assert.True(t, models.IsValidation(v.Verify(ident.DID, models.VerificationPending)))

	require.NoError(t, v.Verify(ident.DID, models.VerificationVerified))
	stored, err := db.GetIdentity(ident.DID)
	require.NoError(t, err)
	assert.Equal(t, models.VerificationVerified, stored.Verification)
}

func TestRotateKeyReencryptsEveryIdentity(t *testing.T) {
	v, db := testVault(t)

	// More identities than the rotation batch size of 2.
	dids := make([]string, 0, 5)
	for _, doc := range []string{"P1", "P2", "P3", "P4", "P5"} {
		ident, err := v.Register(touristFields(doc), nil)
		require.NoError(t, err)
		dids = append(dids, ident.DID)
	}

	before, err := db.GetIdentity(dids[0])
	require.NoError(t, err)
	oldKeyID := before.KeyID

	rotated, err := v.RotateKey()
	require.NoError(t, err)
	assert.Equal(t, 5, rotated)

	for i, did := range dids {
		stored, err := db.GetIdentity(did)
		require.NoError(t, err)
		assert.NotEqual(t, oldKeyID, stored.KeyID)

		// Plaintext survives the rotation.
		fields, err := v.Decrypt(did, ScopeEmergency)
		require.NoError(t, err)
		assert.Equal(t, []string{"P1", "P2", "P3", "P4", "P5"}[i], fields.IDNumber)
	}

	// The retired key is done; a second resume finds nothing left.
	remaining, err := v.ResumeRotation(oldKeyID)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := newKeyMaterial()
	require.NoError(t, err)

	blob, err := encrypt(key, []byte("sensitive"))
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "sensitive")

	plaintext, err := decrypt(key, blob)
	require.NoError(t, err)
	assert.Equal(t, "sensitive", string(plaintext))

	// A second encryption of the same plaintext never reuses the nonce.
	blob2, err := encrypt(key, []byte("sensitive"))
	require.NoError(t, err)
	assert.NotEqual(t, blob, blob2)

	// Tampering is detected.
	blob[len(blob)-1] ^= 0xff
	_, err = decrypt(key, blob)
	assert.Error(t, err)

	_, err = decrypt(key, []byte("short"))
	assert.Error(t, err)
}
