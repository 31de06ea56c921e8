package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/tss-session-relay/api/relayhandler"
	"github.com/ruteri/tss-session-relay/cryptoutils"
	"github.com/ruteri/tss-session-relay/interfaces"
	"go.uber.org/atomic"
)

const (
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 5 * time.Second
)

// RelayClient is the subset of the relay API used by the transport.
type RelayClient interface {
	PostMessage(ctx context.Context, messageID string, msg *interfaces.Message) error
	GetMessages(ctx context.Context, sessionID, messageID, deviceID string, since uint64) ([]interfaces.Message, error)
	AckMessage(ctx context.Context, sessionID, messageID, deviceID string, msg *interfaces.Message) error
}

var _ RelayClient = (*relayhandler.Client)(nil)

type MessengerConfig struct {
	SessionID string

	// MessageID namespaces the mailbox, set for keysign rounds.
	MessageID string

	Key    cryptoutils.SessionKey
	Client RelayClient

	// MaxAttempts is the total number of post attempts per message.
	MaxAttempts int

	// AttemptTimeout bounds each post attempt.
	AttemptTimeout time.Duration

	// NewBackOff returns the delay policy between attempts. Nil retries immediately.
	NewBackOff func() backoff.BackOff

	// Context is the session context; once cancelled no further attempts are made.
	Context context.Context

	Log *slog.Logger
}

// ExponentialBackOff is a NewBackOff policy with jittered exponential delays
// starting at initial.
func ExponentialBackOff(initial time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.RandomizationFactor = 0.5
		b.MaxElapsedTime = 0
		return b
	}
}

// Stats counts delivery outcomes of a Messenger.
type Stats struct {
	Sent   uint64
	Failed uint64
}

// Messenger delivers engine messages to peers through the relay. It implements
// interfaces.Messenger.
type Messenger struct {
	cfg MessengerConfig
	log *slog.Logger

	seqMu     sync.Mutex
	sequences map[string]uint64

	sent   atomic.Uint64
	failed atomic.Uint64
}

var _ interfaces.Messenger = (*Messenger)(nil)

func NewMessenger(cfg MessengerConfig) (*Messenger, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	if len(cfg.Key) != cryptoutils.SessionKeySize {
		return nil, cryptoutils.ErrInvalidSessionKey
	}
	if cfg.Client == nil {
		return nil, errors.New("relay client is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	}
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return &Messenger{
		cfg:       cfg,
		log:       cfg.Log.With("sessionID", cfg.SessionID),
		sequences: make(map[string]uint64),
	}, nil
}

// SendToPeer encrypts body and posts it to the recipients in to, a single party id
// or a comma separated list.
//
// Delivery problems never fail the round: after the last failed attempt the error
// is logged and nil is returned. Only a local encryption fault is returned.
func (m *Messenger) SendToPeer(from, to, body string) error {
	ciphertext, err := cryptoutils.Encrypt([]byte(body), m.cfg.Key)
	if err != nil {
		return fmt.Errorf("failed to encrypt message: %w", err)
	}

	msg := &interfaces.Message{
		SessionID:  m.cfg.SessionID,
		From:       from,
		To:         interfaces.ParseRecipients(to),
		Body:       ciphertext,
		Hash:       cryptoutils.Digest([]byte(body)),
		SequenceNo: m.nextSequence(from),
	}

	log := m.log.With("from", from, "to", msg.To, "sequenceNo", msg.SequenceNo)

	if err := msg.Validate(); err != nil {
		log.Error("Dropping undeliverable message", "err", err)
		m.failed.Inc()
		return nil
	}

	attempt := 0
	operation := func() error {
		attempt++
		ctx, cancel := context.WithTimeout(m.cfg.Context, m.cfg.AttemptTimeout)
		defer cancel()

		err := m.cfg.Client.PostMessage(ctx, m.cfg.MessageID, msg)
		if err == nil {
			return nil
		}

		var statusErr *relayhandler.StatusError
		if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusConflict || statusErr.StatusCode == http.StatusBadRequest) {
			return backoff.Permanent(err)
		}

		log.Warn("Failed to deliver message", "err", err, "attempt", attempt, "maxAttempts", m.cfg.MaxAttempts)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(m.cfg.NewBackOff(), uint64(m.cfg.MaxAttempts-1)),
		m.cfg.Context,
	)

	if err := backoff.Retry(operation, policy); err != nil {
		m.failed.Inc()
		log.Error("Giving up on message delivery", "err", err, "attempts", attempt)
		return nil
	}

	m.sent.Inc()
	log.Debug("Message delivered", "attempts", attempt)
	return nil
}

func (m *Messenger) nextSequence(from string) uint64 {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()

	m.sequences[from]++
	return m.sequences[from]
}

// NextSequence returns the sequence number the next message from sender will carry.
func (m *Messenger) NextSequence(from string) uint64 {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()

	return m.sequences[from] + 1
}

func (m *Messenger) Stats() Stats {
	return Stats{
		Sent:   m.sent.Load(),
		Failed: m.failed.Load(),
	}
}
