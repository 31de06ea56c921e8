package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/tss-session-relay/interfaces"
)

// SessionKeySize is the length of the shared session secret (AES-256).
const SessionKeySize = 32

const gcmNonceSize = 12

var (
	// ErrInvalidSessionKey is returned when a session key is not 32 bytes of hex.
	ErrInvalidSessionKey = errors.New("invalid session key")

	// ErrMalformedCiphertext is returned when a body is not valid base64 or is too short.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")

	// ErrDecryptionFailed is returned when authentication of the ciphertext fails,
	// which happens with a wrong key or a tampered body.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// SessionKey is the symmetric secret shared by all devices of one session.
type SessionKey []byte

// ParseSessionKey decodes a hex encoded session key, with or without 0x prefix.
func ParseSessionKey(keyHex string) (SessionKey, error) {
	keyHex = strings.TrimSpace(keyHex)
	if keyHex == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSessionKey)
	}
	if _, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(keyHex, "0x"), "0X")); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSessionKey, err)
	}
	key := common.FromHex(keyHex)
	if len(key) != SessionKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSessionKey, SessionKeySize, len(key))
	}
	return SessionKey(key), nil
}

// NewSessionKey generates a random session key.
func NewSessionKey() (SessionKey, error) {
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	return SessionKey(key), nil
}

// Hex returns the hex encoding of the key as exchanged out of band.
func (k SessionKey) Hex() string {
	return hex.EncodeToString(k)
}

func newGCM(key SessionKey) (cipher.AEAD, error) {
	if len(key) != SessionKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSessionKey, SessionKeySize, len(key))
	}
	aesBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}

// Encrypt seals plaintext with AES-256-GCM under the session key.
// Format: base64([nonce (12 bytes)][ciphertext || tag])
func Encrypt(plaintext []byte, key SessionKey) (string, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aesGCM.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a body produced by Encrypt. A wrong key or any modification of the
// body fails authentication and returns ErrDecryptionFailed.
func Decrypt(ciphertext string, key SessionKey) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	if len(raw) < gcmNonceSize+aesGCM.Overhead() {
		return nil, fmt.Errorf("%w: too short", ErrMalformedCiphertext)
	}

	plaintext, err := aesGCM.Open(nil, raw[:gcmNonceSize], raw[gcmNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// Digest returns the hex encoded SHA-256 of plaintext.
func Digest(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:])
}

// VerifyDigest compares the digest of plaintext with an expected hex hash in constant time.
func VerifyDigest(plaintext []byte, expected string) bool {
	actual := Digest(plaintext)
	return subtle.ConstantTimeCompare([]byte(actual), []byte(strings.ToLower(expected))) == 1
}

// SealMessage builds a relay envelope for plaintext. The hash is taken over the
// plaintext before encryption so that recipients can verify after decrypting.
func SealMessage(sessionID, from string, to []string, plaintext []byte, sequenceNo uint64, key SessionKey) (*interfaces.Message, error) {
	body, err := Encrypt(plaintext, key)
	if err != nil {
		return nil, err
	}
	return &interfaces.Message{
		SessionID:  sessionID,
		From:       from,
		To:         to,
		Body:       body,
		Hash:       Digest(plaintext),
		SequenceNo: sequenceNo,
	}, nil
}

// OpenMessage decrypts the body of msg and checks it against the transmitted hash.
// Both decryption failures and digest mismatches are reported as ErrIntegrity so
// callers can discard the message without delivering it.
func OpenMessage(msg *interfaces.Message, key SessionKey) ([]byte, error) {
	plaintext, err := Decrypt(msg.Body, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrIntegrity, err)
	}
	if !VerifyDigest(plaintext, msg.Hash) {
		return nil, fmt.Errorf("%w: digest mismatch for message %d from %s", interfaces.ErrIntegrity, msg.SequenceNo, msg.From)
	}
	return plaintext, nil
}
