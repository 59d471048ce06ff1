package broker

import (
	"time"

	"github.com/google/uuid"
)

// Meta describes one published event.
type Meta struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	Producer *string   `json:"producer,omitempty"`
	TenantID string    `json:"tenant_id"`
}

// Envelope is the body of every message put on the exchange.
type Envelope struct {
	Meta Meta        `json:"meta"`
	Data interface{} `json:"data"`
}

func NewEnvelope(eventType, tenantID, producer string, data interface{}) Envelope {
	env := Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Type:     eventType,
			Time:     time.Now().UTC(),
			TenantID: tenantID,
		},
		Data: data,
	}
	if producer != "" {
		env.Meta.Producer = &producer
	}
	return env
}

// Routing keys.
const (
	sessionKeyPrefix = "session."
	InboundKey       = "inbound.message"
)

// SessionKey returns the routing key for a fan-out event.
func SessionKey(event string) string {
	return sessionKeyPrefix + event
}
