// Package relay implements the store-and-forward buffer behind the relay HTTP
// surface.
//
// Messages are kept per session and per recipient. A recipient polls its mailbox
// and deletes each message by hash once it has been applied. Besides messages the
// store keeps the small amount of coordination state devices exchange during a
// round: registered participants, the started committee, completion marks, keysign
// results and the setup message.
//
// Nothing is persisted. A relay hosted on a device lives exactly as long as the
// session that started it.
package relay
