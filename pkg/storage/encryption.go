package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"

	apperrors "github.com/clinisync/sync-emr-engine/pkg/shared/errors"
)

// fieldCipher encrypts the sensitive attributes flagged in spec.md §4.4
// ("on-disk format is field-level encrypted for identified sensitive
// attributes") before they are written to the replicas table:
// patient_reference and assignee. The EMR payload is stored as plain JSON.
//
// No dedicated secrets/encryption library appears anywhere in the retrieval
// pack (see DESIGN.md), so this wraps stdlib AES-256-GCM directly rather
// than introducing an unrelated dependency.
type fieldCipher struct {
	gcm cipher.AEAD
}

func newFieldCipher(key []byte) (*fieldCipher, error) {
	if len(key) != 32 {
		return nil, errors.New("storage: encryption key must be 32 bytes (AES-256)")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &fieldCipher{gcm: gcm}, nil
}

// encrypt returns a base64 string of nonce||ciphertext, or "" for "".
func (c *fieldCipher) encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", apperrors.Wrap(err, apperrors.KindStorageError, "storage", "encrypt_field")
	}
	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// decrypt reverses encrypt. A tampered or corrupt ciphertext surfaces as
// data_corruption, matching spec.md §4.4's integrity-check failure path.
func (c *fieldCipher) decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindDataCorruption, "storage", "decrypt_field")
	}
	nonceSize := c.gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", apperrors.New(apperrors.KindDataCorruption, "storage", "decrypt_field").
			WithDetails("ciphertext shorter than nonce")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindDataCorruption, "storage", "decrypt_field").
			WithDetails("authentication failed, ciphertext may be tampered")
	}
	return string(plaintext), nil
}
