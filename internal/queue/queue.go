// Package queue is the wake-up transport between producers and
// processors. Messages carry only an address; processors reload the
// durable row before acting, so lost or duplicated messages are
// harmless.
package queue

import (
	"context"
	"encoding/json"
)

const (
	TopicJob            = "outbound.job"
	TopicNotifyEmail    = "notify.email"
	TopicNotifyWhatsApp = "notify.whatsapp"
)

// Message addresses one entity. Never carries mutable state.
type Message struct {
	EntityID string `json:"entityId"`
	TenantID string `json:"tenantId"`
}

func (m Message) encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

func decode(b []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(b, &m)
	return m, err
}

type Queue interface {
	Enqueue(ctx context.Context, topic string, msg Message) error
	// Dequeue blocks up to the driver's poll interval; returns ok=false
	// when no message arrived.
	Dequeue(ctx context.Context, topic string) (Message, bool, error)
}
