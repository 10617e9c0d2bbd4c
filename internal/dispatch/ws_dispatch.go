package dispatch

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/repair-dispatch/internal/models"
)

// Message is the envelope pushed over a session.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

const (
	MessageOffer          = "offer"
	MessageOfferWithdrawn = "offer_withdrawn"
	MessageCompletionCode = "completion_code"
)

// WSSession represents a connected technician or user session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// WSRegistry holds one live session per party and id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

// Add registers conn, closing any older session of the same caller.
func (r *WSRegistry) Add(party models.Party, id string, conn *websocket.Conn) {
	r.mu.Lock()
	old := r.sessions[sessionKey(party, id)]
	r.sessions[sessionKey(party, id)] = &WSSession{conn: conn}
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
}

// Remove drops the session only if it still belongs to conn.
func (r *WSRegistry) Remove(party models.Party, id string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionKey(party, id)]; ok && s.conn == conn {
		delete(r.sessions, sessionKey(party, id))
	}
}

// Connected reports whether a live session exists for the caller.
func (r *WSRegistry) Connected(party models.Party, id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sessionKey(party, id)]
	return ok
}

func (r *WSRegistry) Send(party models.Party, id string, msg Message) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionKey(party, id)]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(msg); err != nil {
		r.logger.Warn("ws send error", "party", party, "id", id, "type", msg.Type, "error", err)
		return err
	}
	return nil
}

func (r *WSRegistry) PushOffer(technicianID string, offer models.Offer) error {
	return r.Send(models.PartyTechnician, technicianID, Message{Type: MessageOffer, Payload: offer})
}

func (r *WSRegistry) WithdrawOffer(technicianID, requestID string) error {
	return r.Send(models.PartyTechnician, technicianID, Message{Type: MessageOfferWithdrawn, Payload: map[string]string{"request_id": requestID}})
}

func (r *WSRegistry) DeliverCode(userID, requestID, code string) error {
	return r.Send(models.PartyUser, userID, Message{Type: MessageCompletionCode, Payload: map[string]string{"request_id": requestID, "code": code}})
}

func sessionKey(party models.Party, id string) string { return string(party) + ":" + id }

var ErrNoSession = errors.New("no ws session")
