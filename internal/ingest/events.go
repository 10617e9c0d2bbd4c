package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/repair-dispatch/internal/models"
)

// StatusEvent is the message published for every committed status change.
// Notification and reporting services consume it.
type StatusEvent struct {
	RequestID    string        `json:"request_id"`
	UserID       string        `json:"user_id"`
	TechnicianID string        `json:"technician_id,omitempty"`
	From         models.Status `json:"from"`
	To           models.Status `json:"to"`
	Action       string        `json:"action"`
	ActorParty   models.Party  `json:"actor_party"`
	ActorID      string        `json:"actor_id,omitempty"`
	OTPVerified  bool          `json:"otp_verified"`
	Version      int           `json:"version"`
	At           time.Time     `json:"at"`
}

func NewStatusEvent(r *models.ServiceRequest, ev models.Event) StatusEvent {
	return StatusEvent{
		RequestID:    r.ID,
		UserID:       r.UserID,
		TechnicianID: r.TechnicianID,
		From:         ev.FromStatus,
		To:           ev.ToStatus,
		Action:       ev.Action,
		ActorParty:   ev.ActorParty,
		ActorID:      ev.ActorID,
		OTPVerified:  r.OTPVerified,
		Version:      r.Version,
		At:           ev.CreatedAt,
	}
}

// EventProducer publishes status changes keyed by request id so consumers
// see the changes of one request in order.
type EventProducer struct {
	writer *kafka.Writer
}

func NewEventProducer(brokers []string, topic string) *EventProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}, BatchTimeout: publishBatchTimeout})
	return &EventProducer{writer: w}
}

func (p *EventProducer) PublishStatus(ctx context.Context, r *models.ServiceRequest, ev models.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(NewStatusEvent(r, ev))
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(r.ID), Value: b})
}

func (p *EventProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
