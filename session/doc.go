// Package session manages the relay a device hosts for a keygen or keysign round.
//
// The Manager moves between stopped, starting and running. Only one relay is
// bound per process; starting a new session releases the previous one, and a
// failure to release it aborts the start. Peers and the local UI learn the relay
// address through Subscribe.
package session
