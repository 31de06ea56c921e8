package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const backupSaltSize = 16

// ErrWrongPassphrase is returned when a backup cannot be opened with the passphrase.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted backup")

// deriveBackupKey stretches a user passphrase into an AES-256 key using Argon2id.
// Parameters: time=1, memory=64*1024, threads=4, keyLen=32
func deriveBackupKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}

// EncryptWithPassphrase encrypts a vault backup with a passphrase derived key.
// Format: [salt (16 bytes)][nonce (12 bytes)][ciphertext || tag]
func EncryptWithPassphrase(passphrase, data []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}

	salt := make([]byte, backupSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	aesBlock, err := aes.NewCipher(deriveBackupKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	result := make([]byte, 0, backupSaltSize+gcmNonceSize+len(data)+aesGCM.Overhead())
	result = append(result, salt...)
	result = append(result, nonce...)
	return aesGCM.Seal(result, nonce, data, nil), nil
}

// DecryptWithPassphrase reverses EncryptWithPassphrase.
func DecryptWithPassphrase(passphrase, encrypted []byte) ([]byte, error) {
	if len(encrypted) < backupSaltSize+gcmNonceSize {
		return nil, errors.New("encrypted backup too short")
	}

	salt := encrypted[:backupSaltSize]
	nonce := encrypted[backupSaltSize : backupSaltSize+gcmNonceSize]
	ciphertext := encrypted[backupSaltSize+gcmNonceSize:]

	aesBlock, err := aes.NewCipher(deriveBackupKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}
