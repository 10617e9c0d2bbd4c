package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/repair-dispatch/internal/models"
)

func TestDecodeLocation(t *testing.T) {
	got, err := DecodeLocation([]byte(`{"technician_id":"t1","loc":{"lat":12.9,"lon":77.5},"verified":true,"available":true}`))
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
	assert.True(t, got.Eligible())

	for _, bad := range []string{
		`not json`,
		`{"loc":{"lat":1,"lon":1}}`,
		`{"technician_id":"t1","loc":{"lat":91,"lon":1}}`,
		`{"technician_id":"t1","loc":{"lat":1,"lon":-181}}`,
	} {
		_, err := DecodeLocation([]byte(bad))
		assert.ErrorIs(t, err, models.ErrValidation, bad)
	}
}

func TestNewStatusEvent(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	r := &models.ServiceRequest{ID: "r1", UserID: "u1", TechnicianID: "t1", Status: models.StatusAccepted, Version: 3}
	ev := models.Event{RequestID: "r1", FromStatus: models.StatusBroadcasted, ToStatus: models.StatusAccepted, Action: "accept", ActorParty: models.PartyTechnician, ActorID: "t1", CreatedAt: at}

	b, err := json.Marshal(NewStatusEvent(r, ev))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"request_id":"r1","user_id":"u1","technician_id":"t1",
		"from":"broadcasted","to":"accepted","action":"accept",
		"actor_party":"technician","actor_id":"t1",
		"otp_verified":false,"version":3,"at":"2024-05-01T09:00:00Z"
	}`, string(b))
}

func TestWritersFlushPromptly(t *testing.T) {
	// nothing dials until the first write
	ep := NewEventProducer([]string{"localhost:9092"}, "request-events")
	defer ep.Close()
	lp := NewKafkaProducer([]string{"localhost:9092"}, "technician-locations")
	defer lp.Close()

	assert.Equal(t, publishBatchTimeout, ep.writer.BatchTimeout)
	assert.Equal(t, publishBatchTimeout, lp.writer.BatchTimeout)
	assert.Less(t, publishBatchTimeout, 100*time.Millisecond)
}
