package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ruteri/tss-session-relay/cryptoutils"
	"github.com/ruteri/tss-session-relay/interfaces"
	"go.uber.org/atomic"
)

const (
	DefaultPollInterval         = 100 * time.Millisecond
	DefaultPollTimeout          = time.Minute
	DefaultMaxIntegrityFailures = 3
	DefaultAppliedCacheSize     = 1024
)

var (
	// ErrSessionIntegrity is returned once too many messages of a session failed
	// decryption or digest verification. It points at a wrong session key or tampering.
	ErrSessionIntegrity = errors.New("too many messages failed integrity checks")

	// ErrPollTimeout is returned by Run when the round did not finish in time.
	ErrPollTimeout = errors.New("timed out waiting for messages")
)

// Inbound is a verified, decrypted message ready for the engine.
type Inbound struct {
	From       string
	SequenceNo uint64
	Hash       string
	Body       []byte
}

type PollerConfig struct {
	SessionID    string
	MessageID    string
	LocalPartyID string

	Key    cryptoutils.SessionKey
	Client RelayClient

	PollInterval         time.Duration
	Timeout              time.Duration
	MaxIntegrityFailures int
	AppliedCacheSize     int

	Log *slog.Logger
}

// Poller pulls the local party's mailbox and verifies every message. A message
// is deleted from the relay once the caller acknowledged it.
type Poller struct {
	cfg     PollerConfig
	log     *slog.Logger
	applied *lru.Cache[string, struct{}]

	integrityFailures atomic.Int64
}

func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.SessionID == "" || cfg.LocalPartyID == "" {
		return nil, errors.New("session id and local party id are required")
	}
	if len(cfg.Key) != cryptoutils.SessionKeySize {
		return nil, cryptoutils.ErrInvalidSessionKey
	}
	if cfg.Client == nil {
		return nil, errors.New("relay client is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPollTimeout
	}
	if cfg.MaxIntegrityFailures <= 0 {
		cfg.MaxIntegrityFailures = DefaultMaxIntegrityFailures
	}
	if cfg.AppliedCacheSize <= 0 {
		cfg.AppliedCacheSize = DefaultAppliedCacheSize
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	applied, err := lru.New[string, struct{}](cfg.AppliedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create applied cache: %w", err)
	}

	return &Poller{
		cfg:     cfg,
		log:     cfg.Log.With("sessionID", cfg.SessionID, "localPartyID", cfg.LocalPartyID),
		applied: applied,
	}, nil
}

func appliedKey(from string, sequenceNo uint64, hash string) string {
	return fmt.Sprintf("%s/%d/%s", from, sequenceNo, hash)
}

// Poll fetches pending messages once and returns the ones that passed integrity
// checks, ordered by sequence number. Returned messages stay on the relay until
// they are passed to Ack. Rejected messages and copies of already acknowledged
// ones are deleted right away.
func (p *Poller) Poll(ctx context.Context) ([]Inbound, error) {
	if failures := p.integrityFailures.Load(); failures >= int64(p.cfg.MaxIntegrityFailures) {
		return nil, fmt.Errorf("%w: %d failures", ErrSessionIntegrity, failures)
	}

	msgs, err := p.cfg.Client.GetMessages(ctx, p.cfg.SessionID, p.cfg.MessageID, p.cfg.LocalPartyID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].SequenceNo < msgs[j].SequenceNo
	})

	var inbound []Inbound
	for i := range msgs {
		msg := &msgs[i]
		key := appliedKey(msg.From, msg.SequenceNo, msg.Hash)

		if p.applied.Contains(key) {
			p.delete(ctx, msg)
			continue
		}

		body, err := cryptoutils.OpenMessage(msg, p.cfg.Key)
		if err != nil {
			failures := p.integrityFailures.Inc()
			p.log.Warn("Discarding message that failed integrity check", "err", err, "from", msg.From, "sequenceNo", msg.SequenceNo, "failures", failures)
			// Counted once even if the delete fails and the copy comes back.
			p.applied.Add(key, struct{}{})
			p.delete(ctx, msg)
			if failures >= int64(p.cfg.MaxIntegrityFailures) {
				return inbound, fmt.Errorf("%w: %d failures", ErrSessionIntegrity, failures)
			}
			continue
		}

		inbound = append(inbound, Inbound{
			From:       msg.From,
			SequenceNo: msg.SequenceNo,
			Hash:       msg.Hash,
			Body:       body,
		})
	}
	return inbound, nil
}

// Ack marks in as applied and deletes it from the relay. A copy redelivered
// later is dropped without reaching the engine again.
func (p *Poller) Ack(ctx context.Context, in Inbound) {
	p.applied.Add(appliedKey(in.From, in.SequenceNo, in.Hash), struct{}{})
	p.delete(ctx, &interfaces.Message{
		SessionID:  p.cfg.SessionID,
		From:       in.From,
		SequenceNo: in.SequenceNo,
		Hash:       in.Hash,
	})
}

func (p *Poller) delete(ctx context.Context, msg *interfaces.Message) {
	if err := p.cfg.Client.AckMessage(ctx, p.cfg.SessionID, p.cfg.MessageID, p.cfg.LocalPartyID, msg); err != nil {
		// The applied cache keeps a redelivered copy from reaching the engine twice.
		p.log.Debug("Failed to delete message from relay", "err", err, "from", msg.From, "hash", msg.Hash)
	}
}

// IntegrityFailures returns how many messages were rejected so far.
func (p *Poller) IntegrityFailures() int64 {
	return p.integrityFailures.Load()
}

// Run polls until apply reports completion, apply fails, ctx is cancelled or the
// configured timeout expires. Each message is acknowledged only after apply
// accepted it; messages after the one that finished or failed the round stay on
// the relay. Transient fetch errors are retried on the next tick.
func (p *Poller) Run(ctx context.Context, apply func(Inbound) (done bool, err error)) error {
	deadline := time.NewTimer(p.cfg.Timeout)
	defer deadline.Stop()

	for {
		inbound, err := p.Poll(ctx)
		for _, in := range inbound {
			done, applyErr := apply(in)
			if applyErr != nil {
				return fmt.Errorf("failed to apply message %d from %s: %w", in.SequenceNo, in.From, applyErr)
			}
			p.Ack(ctx, in)
			if done {
				return nil
			}
		}
		if errors.Is(err, ErrSessionIntegrity) {
			return err
		}
		if err != nil {
			p.log.Debug("Poll failed", "err", err)
		}

		if len(inbound) > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-deadline.C:
				return ErrPollTimeout
			default:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrPollTimeout
		case <-time.After(p.cfg.PollInterval):
		}
	}
}
