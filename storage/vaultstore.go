package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/tss-session-relay/cryptoutils"
	"github.com/ruteri/tss-session-relay/interfaces"
)

// VaultFileExtension is appended to the vault id to form its storage key.
const VaultFileExtension = ".vult"

var ErrEmptyPassphrase = errors.New("empty backup passphrase")

// VaultStore persists vaults as passphrase encrypted backups on a storage backend.
type VaultStore struct {
	backend    interfaces.StorageBackend
	passphrase []byte
	log        *slog.Logger
}

func NewVaultStore(backend interfaces.StorageBackend, passphrase string, log *slog.Logger) (*VaultStore, error) {
	if backend == nil {
		return nil, errors.New("storage backend is required")
	}
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	if log == nil {
		log = slog.Default()
	}
	return &VaultStore{
		backend:    backend,
		passphrase: []byte(passphrase),
		log:        log,
	}, nil
}

// VaultKey returns the storage key of the vault with the given id.
func VaultKey(id string) string {
	return "vaults/" + strings.TrimPrefix(id, "0x") + VaultFileExtension
}

// Save encrypts and writes the vault, replacing the previous backup.
func (s *VaultStore) Save(ctx context.Context, vault *interfaces.Vault) (interfaces.ContentID, error) {
	if vault == nil || vault.ID() == "" {
		return interfaces.ContentID{}, errors.New("vault has no public key or name")
	}

	plaintext, err := json.Marshal(interfaces.VaultBackup{
		Version: interfaces.VaultBackupVersion,
		Vault:   *vault,
	})
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("failed to encode vault: %w", err)
	}

	sealed, err := cryptoutils.EncryptWithPassphrase(s.passphrase, plaintext)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("failed to encrypt vault: %w", err)
	}

	key := VaultKey(vault.ID())
	id, err := s.backend.Store(ctx, key, sealed)
	if err != nil {
		return id, fmt.Errorf("failed to store vault: %w", err)
	}

	s.log.Info("Vault backup saved",
		slog.String("key", key),
		slog.String("backend", s.backend.Name()),
		slog.Int("keyshares", len(vault.Keyshares)))
	return id, nil
}

// SaveVault implements keyshare.VaultPersister.
func (s *VaultStore) SaveVault(ctx context.Context, vault *interfaces.Vault) error {
	_, err := s.Save(ctx, vault)
	return err
}

// Load fetches and decrypts the vault with the given id.
func (s *VaultStore) Load(ctx context.Context, id string) (*interfaces.Vault, error) {
	sealed, err := s.backend.Fetch(ctx, VaultKey(id))
	if err != nil {
		return nil, err
	}

	plaintext, err := cryptoutils.DecryptWithPassphrase(s.passphrase, sealed)
	if err != nil {
		return nil, err
	}

	var backup interfaces.VaultBackup
	if err := json.Unmarshal(plaintext, &backup); err != nil {
		return nil, fmt.Errorf("failed to decode vault backup: %w", err)
	}
	if backup.Version != interfaces.VaultBackupVersion {
		return nil, fmt.Errorf("unsupported vault backup version %q", backup.Version)
	}
	return &backup.Vault, nil
}
