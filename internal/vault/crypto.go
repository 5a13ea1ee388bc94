package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

const (
	// AlgorithmAESGCM is the only cipher the vault writes. Stored per record
	// so a future algorithm can coexist during migration.
	AlgorithmAESGCM = "AES-256-GCM"

	keySize   = 32
	nonceSize = 12
)

// encrypt seals plaintext under key and returns nonce||ciphertext. A fresh
// random nonce per call; GCM security fails on nonce reuse.
func encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt opens a nonce||ciphertext blob produced by encrypt.
func decrypt(key, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(blob) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(blob))
	}

	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// encryptString is a nil-safe string wrapper: empty in, empty out.
func encryptString(key []byte, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return encrypt(key, []byte(s))
}

func decryptString(key, blob []byte) (string, error) {
	if len(blob) == 0 {
		return "", nil
	}
	plaintext, err := decrypt(key, blob)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func newKeyMaterial() ([]byte, error) {
	material := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	return material, nil
}
