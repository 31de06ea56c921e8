package keyshare

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/tss-session-relay/interfaces"
)

// DefaultPersistTimeout bounds a single vault write.
const DefaultPersistTimeout = 30 * time.Second

// VaultPersister stores the vault after every accepted key share.
type VaultPersister interface {
	SaveVault(ctx context.Context, vault *interfaces.Vault) error
}

// Accessor gives the signing engine read and append access to the key shares of
// one vault.
type Accessor struct {
	mu        sync.RWMutex
	vault     *interfaces.Vault
	persister VaultPersister
	timeout   time.Duration
	log       *slog.Logger
}

var _ interfaces.LocalStateAccessor = (*Accessor)(nil)

type Option func(*Accessor)

// WithPersister saves the vault through p after each SaveLocalState.
func WithPersister(p VaultPersister) Option {
	return func(a *Accessor) {
		a.persister = p
	}
}

func WithPersistTimeout(d time.Duration) Option {
	return func(a *Accessor) {
		a.timeout = d
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(a *Accessor) {
		a.log = log
	}
}

// NewAccessor wraps vault. A nil vault starts empty.
func NewAccessor(vault *interfaces.Vault, opts ...Option) *Accessor {
	if vault == nil {
		vault = &interfaces.Vault{}
	}
	a := &Accessor{
		vault:   vault,
		timeout: DefaultPersistTimeout,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// GetLocalState returns the key share stored for pubKey, or an empty string if
// there is none.
func (a *Accessor) GetLocalState(pubKey string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ks, ok := a.vault.FindKeyShare(pubKey)
	if !ok {
		return "", nil
	}
	return ks.Keyshare, nil
}

// SaveLocalState appends a key share. Shares are never overwritten: a second share
// for the same public key is rejected with ErrDuplicateKeyShare. When a persister
// is configured and the write fails, the append is undone and the error returned.
func (a *Accessor) SaveLocalState(pubKey, localState string) error {
	if pubKey == "" {
		return interfaces.ErrEmptyPublicKey
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.vault.FindKeyShare(pubKey); ok {
		return fmt.Errorf("%w: %s", interfaces.ErrDuplicateKeyShare, pubKey)
	}

	previous := a.vault.Keyshares
	a.vault.Keyshares = append(previous[:len(previous):len(previous)], interfaces.KeyShare{
		PubKey:   pubKey,
		Keyshare: localState,
	})

	if a.persister == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if err := a.persister.SaveVault(ctx, a.vault); err != nil {
		a.vault.Keyshares = previous
		a.log.Error("Failed to persist vault, key share discarded", "err", err, "pubKey", pubKey)
		return fmt.Errorf("failed to persist vault: %w", err)
	}
	return nil
}

// Vault returns a copy of the current vault.
func (a *Accessor) Vault() interfaces.Vault {
	a.mu.RLock()
	defer a.mu.RUnlock()

	v := *a.vault
	v.Signers = append([]string(nil), a.vault.Signers...)
	v.Keyshares = append([]interfaces.KeyShare(nil), a.vault.Keyshares...)
	return v
}
