// Package cryptoutils provides the cryptographic helpers of the session relay.
//
// Session messages are encrypted with AES-256-GCM under a 32-byte session key
// shared out of band by the devices of a round. The body carries a random nonce
// followed by the ciphertext, base64 encoded. Every message also carries the hex
// SHA-256 digest of its plaintext, checked by the receiver after decryption.
//
// Vault backups are encrypted with a key derived from a user passphrase with
// Argon2id and a random salt.
package cryptoutils
