package relayhandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/ruteri/tss-session-relay/api"
	"github.com/ruteri/tss-session-relay/interfaces"
	"github.com/ruteri/tss-session-relay/relay"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Handler serves the relay HTTP surface on top of a relay.Store.
type Handler struct {
	store *relay.Store
	log   *slog.Logger
}

// NewHandler creates a relay handler backed by store.
func NewHandler(store *relay.Store, log *slog.Logger) *Handler {
	return &Handler{
		store: store,
		log:   log,
	}
}

// RegisterRoutes configures the router with the relay endpoints:
//   - GET /hello - liveness check
//   - POST /message/{sessionID} - post a message envelope
//   - GET /message/{sessionID}/{deviceID} - poll pending messages for a device
//   - DELETE /message/{sessionID}/{deviceID}/{hash} - acknowledge one delivered copy
//   - DELETE /message/{sessionID}/{messageHash} - drop every copy of a message
//   - POST, GET, DELETE /{sessionID} - session participants
//   - POST, GET /start/{sessionID} - started committee
//   - POST, GET /complete/{sessionID} - parties that finished the round
//   - POST, GET /complete/{sessionID}/keysign - keysign result per message_id
//   - POST, GET /setup-message/{sessionID} - setup payload of the initiator
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/hello", h.HandleHello)

	r.Post("/message/{sessionID}", h.HandlePostMessage)
	r.Get("/message/{sessionID}/{deviceID}", h.HandleGetMessages)
	r.Delete("/message/{sessionID}/{messageHash}", h.HandleDeleteMessageAll)
	r.Delete("/message/{sessionID}/{deviceID}/{hash}", h.HandleDeleteMessage)

	r.Post("/start/{sessionID}", h.HandleStartSession)
	r.Get("/start/{sessionID}", h.HandleGetCommittee)

	r.Post("/complete/{sessionID}", h.HandleMarkComplete)
	r.Get("/complete/{sessionID}", h.HandleGetCompleted)
	r.Post("/complete/{sessionID}/keysign", h.HandlePostKeysignResult)
	r.Get("/complete/{sessionID}/keysign", h.HandleGetKeysignResult)

	r.Post("/setup-message/{sessionID}", h.HandlePostSetupMessage)
	r.Get("/setup-message/{sessionID}", h.HandleGetSetupMessage)

	r.Post("/{sessionID}", h.HandleRegisterParticipants)
	r.Get("/{sessionID}", h.HandleGetParticipants)
	r.Delete("/{sessionID}", h.HandleDeleteSession)
}

func (h *Handler) HandleHello(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("hello"))
}

// HandlePostMessage accepts a message envelope and buffers one copy per recipient.
//
// Status codes:
//   - 201 Created: message stored, or an identical message was already stored
//   - 400 Bad Request: body is not a valid envelope
//   - 409 Conflict: different content was already accepted under the same sequence number
func (h *Handler) HandlePostMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionIDFrom(r)
	body, err := readBody(w, r)
	if err != nil {
		h.log.Debug("Failed to read message body", "err", err, "sessionID", sessionID)
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var msg interfaces.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, fmt.Sprintf("Malformed message: %v", err), http.StatusBadRequest)
		return
	}
	if msg.SessionID == "" {
		msg.SessionID = sessionID
	}

	err = h.store.PostMessage(sessionID, messageIDFrom(r), &msg)
	switch {
	case errors.Is(err, interfaces.ErrInvalidMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, interfaces.ErrConflict):
		h.log.Warn("Rejected conflicting message", "sessionID", sessionID, "from", msg.From, "sequenceNo", msg.SequenceNo)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		h.log.Error("Failed to store message", "err", err, "sessionID", sessionID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.log.Debug("Message stored", "sessionID", sessionID, "from", msg.From, "to", msg.To, "sequenceNo", msg.SequenceNo)
	w.WriteHeader(http.StatusCreated)
}

// HandleGetMessages returns the pending messages of a device as a JSON list.
// The optional since query parameter skips sequence numbers at or below it.
func (h *Handler) HandleGetMessages(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if raw := r.URL.Query().Get(api.SinceQueryParam); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "Invalid since parameter", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	msgs := h.store.GetMessages(sessionIDFrom(r), messageIDFrom(r), strings.TrimSpace(chi.URLParam(r, "deviceID")), since)
	writeJSON(w, h.log, http.StatusOK, msgs)
}

// HandleDeleteMessage acknowledges a delivered copy. With the from and
// sequence_no query parameters only that sender's copy is removed; without them
// every copy for the device carrying the hash is.
func (h *Handler) HandleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionIDFrom(r)
	deviceID := strings.TrimSpace(chi.URLParam(r, "deviceID"))
	hash := chi.URLParam(r, "hash")

	query := r.URL.Query()
	from := strings.TrimSpace(query.Get(api.FromQueryParam))
	if from == "" {
		h.store.DeleteMessage(sessionID, messageIDFrom(r), deviceID, hash)
		w.WriteHeader(http.StatusOK)
		return
	}

	sequenceNo, err := strconv.ParseUint(query.Get(api.SequenceNoQueryParam), 10, 64)
	if err != nil {
		http.Error(w, "Invalid sequence_no parameter", http.StatusBadRequest)
		return
	}
	h.store.AckMessage(sessionID, messageIDFrom(r), deviceID, from, sequenceNo, hash)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) HandleDeleteMessageAll(w http.ResponseWriter, r *http.Request) {
	h.store.DeleteMessageAll(sessionIDFrom(r), messageIDFrom(r), chi.URLParam(r, "messageHash"))
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) HandleRegisterParticipants(w http.ResponseWriter, r *http.Request) {
	parties, ok := h.readParties(w, r)
	if !ok {
		return
	}
	h.store.RegisterParticipants(sessionIDFrom(r), parties)
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) HandleGetParticipants(w http.ResponseWriter, r *http.Request) {
	h.writeParties(w, h.store.Participants, sessionIDFrom(r))
}

func (h *Handler) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	h.store.DeleteSession(sessionIDFrom(r))
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	parties, ok := h.readParties(w, r)
	if !ok {
		return
	}
	sessionID := sessionIDFrom(r)
	h.store.SetCommittee(sessionID, parties)
	h.log.Info("Session started", "sessionID", sessionID, "committee", parties)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) HandleGetCommittee(w http.ResponseWriter, r *http.Request) {
	h.writeParties(w, h.store.Committee, sessionIDFrom(r))
}

func (h *Handler) HandleMarkComplete(w http.ResponseWriter, r *http.Request) {
	parties, ok := h.readParties(w, r)
	if !ok {
		return
	}
	h.store.MarkComplete(sessionIDFrom(r), parties)
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) HandleGetCompleted(w http.ResponseWriter, r *http.Request) {
	h.writeParties(w, h.store.Completed, sessionIDFrom(r))
}

// HandlePostKeysignResult stores the signature produced for the message named by
// the message_id header. The body is kept opaque.
func (h *Handler) HandlePostKeysignResult(w http.ResponseWriter, r *http.Request) {
	messageID := messageIDFrom(r)
	if messageID == "" {
		http.Error(w, "message_id is empty", http.StatusBadRequest)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	h.store.SetKeysignResult(sessionIDFrom(r), messageID, string(body))
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) HandleGetKeysignResult(w http.ResponseWriter, r *http.Request) {
	messageID := messageIDFrom(r)
	if messageID == "" {
		http.Error(w, "message_id is empty", http.StatusBadRequest)
		return
	}
	result, ok := h.store.KeysignResult(sessionIDFrom(r), messageID)
	if !ok {
		http.Error(w, "Keysign result not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(result))
}

func (h *Handler) HandlePostSetupMessage(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(w, "Setup message is empty", http.StatusBadRequest)
		return
	}
	h.store.SetSetupMessage(sessionIDFrom(r), setupNamespaceFrom(r), string(body))
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) HandleGetSetupMessage(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.store.SetupMessage(sessionIDFrom(r), setupNamespaceFrom(r))
	if !ok {
		http.Error(w, "Setup message not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(payload))
}

func (h *Handler) readParties(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	body, err := readBody(w, r)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return nil, false
	}

	var parties []string
	if err := json.Unmarshal(body, &parties); err != nil {
		http.Error(w, fmt.Sprintf("Malformed party list: %v", err), http.StatusBadRequest)
		return nil, false
	}
	if err := validate.Var(parties, "required,min=1,dive,required"); err != nil {
		http.Error(w, fmt.Sprintf("Invalid party list: %v", err), http.StatusBadRequest)
		return nil, false
	}
	return parties, true
}

func (h *Handler) writeParties(w http.ResponseWriter, lookup func(string) ([]string, error), sessionID string) {
	parties, err := lookup(sessionID)
	if errors.Is(err, relay.ErrSessionNotFound) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	} else if err != nil {
		h.log.Error("Failed to look up session", "err", err, "sessionID", sessionID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.log, http.StatusOK, parties)
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to encode response", "err", err)
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, api.MaxRequestBodySize))
}

func sessionIDFrom(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "sessionID"))
}

func messageIDFrom(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(api.MessageIDHeader))
}

func setupNamespaceFrom(r *http.Request) string {
	ns := messageIDFrom(r)
	if second := strings.TrimSpace(r.Header.Get(api.MessageID2Header)); second != "" {
		ns += "-" + second
	}
	return ns
}
