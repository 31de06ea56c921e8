package relay

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/tss-session-relay/interfaces"
)

// ErrSessionNotFound is returned by session level lookups for unknown sessions.
var ErrSessionNotFound = errors.New("session not found")

// entryKey addresses one delivered copy of a message. Sequence numbers are
// allocated per sender, so the sender is part of the key.
type entryKey struct {
	namespace string
	recipient string
	from      string
	seq       uint64
}

type sessionState struct {
	messages     map[entryKey]interfaces.Message
	participants []string
	committee    []string
	completed    []string
	keysign      map[string]string
	setup        map[string]string
	lastActivity time.Time
}

func newSessionState(now time.Time) *sessionState {
	return &sessionState{
		messages:     make(map[entryKey]interfaces.Message),
		keysign:      make(map[string]string),
		setup:        make(map[string]string),
		lastActivity: now,
	}
}

// Store is the in-memory store-and-forward buffer of the relay. All state is
// scoped by session ID and discarded on Reset.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*sessionState),
		now:      time.Now,
	}
}

// session returns the state for sessionID, creating it when missing.
// Caller must hold the write lock.
func (s *Store) session(sessionID string) *sessionState {
	st, ok := s.sessions[sessionID]
	if !ok {
		st = newSessionState(s.now())
		s.sessions[sessionID] = st
	}
	st.lastActivity = s.now()
	return st
}

// PostMessage stores one copy of msg per recipient. messageID namespaces the
// mailbox (keysign rounds for several messages may share one session) and may be empty.
//
// Re-posting an accepted envelope is a no-op. Posting different content under an
// already used (sender, recipient, sequence number) returns ErrConflict and stores nothing.
func (s *Store) PostMessage(sessionID, messageID string, msg *interfaces.Message) error {
	if sessionID == "" {
		return fmt.Errorf("%w: empty session id", interfaces.ErrInvalidMessage)
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.session(sessionID)

	keys := make([]entryKey, 0, len(msg.To))
	for _, recipient := range msg.To {
		key := entryKey{namespace: messageID, recipient: recipient, from: msg.From, seq: msg.SequenceNo}
		if existing, found := st.messages[key]; found {
			if !existing.SameContent(msg) {
				return fmt.Errorf("%w: sequence %d from %s to %s", interfaces.ErrConflict, msg.SequenceNo, msg.From, recipient)
			}
			continue
		}
		keys = append(keys, key)
	}

	for _, key := range keys {
		stored := *msg
		stored.SessionID = sessionID
		stored.To = slices.Clone(msg.To)
		st.messages[key] = stored
	}
	return nil
}

// GetMessages returns messages addressed to deviceID with a sequence number
// greater than since, ordered by (sequence number, sender). Unknown sessions yield
// an empty, non-nil slice.
func (s *Store) GetMessages(sessionID, messageID, deviceID string, since uint64) []interfaces.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []interfaces.Message{}
	st, ok := s.sessions[sessionID]
	if !ok {
		return result
	}

	for key, msg := range st.messages {
		if key.namespace != messageID || key.recipient != deviceID || key.seq <= since {
			continue
		}
		msg.To = slices.Clone(msg.To)
		result = append(result, msg)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].SequenceNo != result[j].SequenceNo {
			return result[i].SequenceNo < result[j].SequenceNo
		}
		return result[i].From < result[j].From
	})
	return result
}

// DeleteMessage removes deviceID's copy of the message with the given hash.
// Deleting something that is not there is not an error.
func (s *Store) DeleteMessage(sessionID, messageID, deviceID, hash string) int {
	return s.deleteWhere(sessionID, func(key entryKey, msg interfaces.Message) bool {
		return key.namespace == messageID && key.recipient == deviceID && strings.EqualFold(msg.Hash, hash)
	})
}

// AckMessage removes deviceID's copy of the message sent by from under sequenceNo,
// provided its hash matches. Copies from other senders reusing the same hash are
// left alone.
func (s *Store) AckMessage(sessionID, messageID, deviceID, from string, sequenceNo uint64, hash string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return 0
	}
	st.lastActivity = s.now()

	key := entryKey{namespace: messageID, recipient: deviceID, from: from, seq: sequenceNo}
	msg, ok := st.messages[key]
	if !ok || !strings.EqualFold(msg.Hash, hash) {
		return 0
	}
	delete(st.messages, key)
	return 1
}

// DeleteMessageAll removes every recipient's copy of the message with the given hash.
func (s *Store) DeleteMessageAll(sessionID, messageID, hash string) int {
	return s.deleteWhere(sessionID, func(key entryKey, msg interfaces.Message) bool {
		return key.namespace == messageID && strings.EqualFold(msg.Hash, hash)
	})
}

func (s *Store) deleteWhere(sessionID string, match func(entryKey, interfaces.Message) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return 0
	}
	st.lastActivity = s.now()

	removed := 0
	for key, msg := range st.messages {
		if match(key, msg) {
			delete(st.messages, key)
			removed++
		}
	}
	return removed
}

// RegisterParticipants adds parties to the session, ignoring ones already present.
func (s *Store) RegisterParticipants(sessionID string, parties []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.session(sessionID)
	st.participants = appendDistinct(st.participants, parties)
}

// Participants returns the registered parties in registration order.
func (s *Store) Participants(sessionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return slices.Clone(st.participants), nil
}

// DeleteSession drops every piece of state kept for sessionID.
func (s *Store) DeleteSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// SetCommittee records the parties chosen to run the round, replacing any previous choice.
func (s *Store) SetCommittee(sessionID string, parties []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.session(sessionID)
	st.committee = appendDistinct(nil, parties)
}

// Committee returns the started committee. A session that was never started
// returns ErrSessionNotFound.
func (s *Store) Committee(sessionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[sessionID]
	if !ok || st.committee == nil {
		return nil, ErrSessionNotFound
	}
	return slices.Clone(st.committee), nil
}

// MarkComplete records parties that finished the round.
func (s *Store) MarkComplete(sessionID string, parties []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.session(sessionID)
	st.completed = appendDistinct(st.completed, parties)
}

func (s *Store) Completed(sessionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[sessionID]
	if !ok || len(st.completed) == 0 {
		return nil, ErrSessionNotFound
	}
	return slices.Clone(st.completed), nil
}

// SetKeysignResult stores the opaque signature result for one signed message.
func (s *Store) SetKeysignResult(sessionID, messageID, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session(sessionID).keysign[messageID] = result
}

func (s *Store) KeysignResult(sessionID, messageID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return "", false
	}
	result, ok := st.keysign[messageID]
	return result, ok
}

// SetSetupMessage stores the setup payload the initiator shares with the other parties.
func (s *Store) SetSetupMessage(sessionID, messageID, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session(sessionID).setup[messageID] = payload
}

func (s *Store) SetupMessage(sessionID, messageID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return "", false
	}
	payload, ok := st.setup[messageID]
	return payload, ok
}

// PruneIdle drops sessions without activity for longer than maxIdle and returns
// how many were removed.
func (s *Store) PruneIdle(maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxIdle)
	pruned := 0
	for id, st := range s.sessions {
		if st.lastActivity.Before(cutoff) {
			delete(s.sessions, id)
			pruned++
		}
	}
	return pruned
}

// SessionCount returns the number of sessions currently held.
func (s *Store) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Reset clears all sessions.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*sessionState)
}

func appendDistinct(dst []string, items []string) []string {
	for _, item := range items {
		if item == "" || slices.Contains(dst, item) {
			continue
		}
		dst = append(dst, item)
	}
	if dst == nil {
		dst = []string{}
	}
	return dst
}
