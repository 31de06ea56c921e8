// Package storage persists encrypted vault backups on pluggable blob backends.
//
// Backends are addressed by slash separated keys and chosen from a location URI:
//
//	file:///var/lib/tss/
//	s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix/?region=us-west-2&endpoint=minio:9000
//	vault://vault.internal:8200/secret/tss?token=...
//	ipfs://127.0.0.1:5001/?root=/vaults
//
// MultiStorageBackend combines several backends: writes go to every available
// backend and reads are served by the first one holding the key.
//
// VaultStore sits on top of any backend. It serializes a vault into a versioned
// backup envelope, encrypts it with a passphrase derived key and stores it under
// vaults/<id>.vult.
package storage
