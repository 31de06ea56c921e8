// Package relayhandler implements the HTTP surface of the relay and a typed
// client for it.
//
// Key components:
//   - Handler: serves message posting, polling and acknowledgement plus session
//     coordination routes (participants, committee, completion, setup message)
//   - Client: used by devices to talk to a relay hosted by a peer or by the
//     standalone relay binary
//
// A device polls GET /message/{sessionID}/{deviceID} and deletes each message by
// hash once applied. Posting the same envelope twice is harmless, so senders can
// retry freely.
package relayhandler
