package interfaces

// Messenger is the only outbound channel of the signing engine. Implementations
// must not block indefinitely and must not fail the round on transient delivery
// problems.
type Messenger interface {
	SendToPeer(from, to, body string) error
}

// LocalStateAccessor is the engine's persistence contract for key-share state.
// GetLocalState returns an empty string, not an error, when nothing is stored for
// the public key.
type LocalStateAccessor interface {
	GetLocalState(pubKey string) (string, error)
	SaveLocalState(pubKey, localState string) error
}
