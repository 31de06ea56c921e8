// Package interfaces defines the shared types and contracts of the session relay,
// separating interface definitions from implementations.
//
// # Wire Types
//
// Message: the JSON envelope exchanged through the relay. Its body is ciphertext,
// its hash is the SHA-256 digest of the plaintext and its sequence number is scoped
// per sender per session.
//
// # Engine Contracts
//
// The threshold signing engine drives a round through exactly two capabilities:
//
//   - Messenger: emits one outbound protocol message to one or more peers
//   - LocalStateAccessor: reads and appends key-share state for the local device
//
// # Vault Types
//
// Vault and KeyShare model the durable aggregate of key shares for one wallet. The
// JSON field names match the mobile backup format.
//
// # Storage Interfaces
//
// StorageBackend: key-addressed blob storage used to persist vault backups across
// backend types (file, S3, Vault, IPFS).
//
// StorageBackendFactory: creates storage backends from URI strings and aggregates
// them for redundancy.
package interfaces
