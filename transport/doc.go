// Package transport connects the signing engine to a relay.
//
// Messenger is the engine's outbound channel. Each call encrypts the payload with
// the session key, stamps the next per-sender sequence number and posts the
// envelope with a bounded number of attempts. Poller is the inbound side: it pulls
// the local party's mailbox and decrypts and verifies each message against its
// digest. A message is deleted from the relay only after the engine applied it.
package transport
