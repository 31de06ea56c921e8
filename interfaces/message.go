package interfaces

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidMessage is returned when a message envelope is missing required fields.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrConflict is returned when a different message was already accepted under the
	// same (session, sender, recipient, sequence number) key.
	ErrConflict = errors.New("conflicting message")

	// ErrIntegrity is returned when a decrypted body does not match the transmitted hash.
	ErrIntegrity = errors.New("message integrity check failed")
)

var messageValidator = validator.New(validator.WithRequiredStructEnabled())

// Message is the unit of relay exchange. Body carries ciphertext; Hash is the digest
// of the plaintext computed before encryption.
type Message struct {
	SessionID  string   `json:"session_id" validate:"required"`
	From       string   `json:"from" validate:"required"`
	To         []string `json:"to" validate:"required,min=1,dive,required"`
	Body       string   `json:"body" validate:"required"`
	Hash       string   `json:"hash" validate:"required,hexadecimal"`
	SequenceNo uint64   `json:"sequence_no" validate:"gte=1"`
}

// Validate checks that all required envelope fields are present.
func (m *Message) Validate() error {
	if err := messageValidator.Struct(m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// SameContent reports whether two envelopes carry the same payload.
func (m *Message) SameContent(other *Message) bool {
	return m.Hash == other.Hash && m.Body == other.Body
}

// ParseRecipients splits a comma separated recipient list as handed over by the
// engine. Empty entries are dropped.
func ParseRecipients(to string) []string {
	parts := strings.Split(to, ",")
	recipients := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			recipients = append(recipients, p)
		}
	}
	return recipients
}
