package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/repair-dispatch/internal/models"
)

// Notifier is what the engine needs to reach people. Delivery is best effort.
type Notifier interface {
	PushOffer(technicianID string, offer models.Offer) error
	WithdrawOffer(technicianID, requestID string) error
	DeliverCode(userID, requestID, code string) error
}

// PushDispatcher tries the websocket session first and falls back to an
// external notification webhook when one is configured.
type PushDispatcher struct {
	Endpoint string // e.g. provider HTTP endpoint
	Client   *http.Client
	WS       *WSRegistry
}

func NewPushDispatcher(endpoint string, ws *WSRegistry) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

func (p *PushDispatcher) PushOffer(technicianID string, offer models.Offer) error {
	if p.WS != nil {
		if err := p.WS.PushOffer(technicianID, offer); err == nil {
			return nil
		}
	}
	return p.post(models.PartyTechnician, technicianID, Message{Type: MessageOffer, Payload: offer})
}

func (p *PushDispatcher) WithdrawOffer(technicianID, requestID string) error {
	if p.WS != nil {
		if err := p.WS.WithdrawOffer(technicianID, requestID); err == nil {
			return nil
		}
	}
	return p.post(models.PartyTechnician, technicianID, Message{Type: MessageOfferWithdrawn, Payload: map[string]string{"request_id": requestID}})
}

func (p *PushDispatcher) DeliverCode(userID, requestID, code string) error {
	if p.WS != nil {
		if err := p.WS.DeliverCode(userID, requestID, code); err == nil {
			return nil
		}
	}
	return p.post(models.PartyUser, userID, Message{Type: MessageCompletionCode, Payload: map[string]string{"request_id": requestID, "code": code}})
}

func (p *PushDispatcher) post(party models.Party, id string, msg Message) error {
	if p.Endpoint == "" {
		return ErrNoSession
	}
	b, err := json.Marshal(map[string]interface{}{"recipient": map[string]string{"party": string(party), "id": id}, "message": msg})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.Client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook: %s", resp.Status)
	}
	return nil
}
