// Package keyshare implements the signing engine's local state accessor on top of
// an in-memory vault, optionally persisting the vault after every new share.
package keyshare
