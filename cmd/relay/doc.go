// Command relay runs a standalone TSS message relay.
//
// Devices of a signing committee exchange encrypted protocol messages through the
// relay and use it to agree on participants and to publish results. The relay
// keeps everything in memory. Idle sessions are pruned periodically.
//
// Example:
//
//	relay --listen-addr=0.0.0.0:18080 --session-max-idle=30m --log-json
package main
