package interfaces

import "errors"

var (
	// ErrDuplicateKeyShare is returned when a key share for the public key already exists.
	ErrDuplicateKeyShare = errors.New("key share already exists for public key")

	// ErrEmptyPublicKey is returned when a key share is saved without a public key.
	ErrEmptyPublicKey = errors.New("empty public key")
)

// VaultBackupVersion is written into every persisted backup.
const VaultBackupVersion = "v1"

// KeyShare is one device's share of a split key, keyed by the group public key.
type KeyShare struct {
	PubKey   string `json:"pubkey"`
	Keyshare string `json:"keyshare"`
}

// Vault is the durable aggregate of all key shares and metadata for one wallet.
// Field names are kept compatible with the mobile backup files.
type Vault struct {
	Name          string     `json:"name"`
	PubKeyECDSA   string     `json:"pubKeyECDSA"`
	PubKeyEdDSA   string     `json:"pubKeyEdDSA"`
	LocalPartyID  string     `json:"localPartyID"`
	HexChainCode  string     `json:"hexChainCode"`
	ResharePrefix string     `json:"resharePrefix"`
	Signers       []string   `json:"signers"`
	Keyshares     []KeyShare `json:"keyshares"`
}

// ID returns the identifier used to address the vault in storage.
func (v *Vault) ID() string {
	if v.PubKeyECDSA != "" {
		return v.PubKeyECDSA
	}
	return v.Name
}

// FindKeyShare returns the share stored for pubKey.
func (v *Vault) FindKeyShare(pubKey string) (KeyShare, bool) {
	for _, ks := range v.Keyshares {
		if ks.PubKey == pubKey {
			return ks, true
		}
	}
	return KeyShare{}, false
}

// VaultBackup is the envelope persisted by vault storage.
type VaultBackup struct {
	Version string `json:"version"`
	Vault   Vault  `json:"vault"`
}
