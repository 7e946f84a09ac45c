// ABOUTME: Event kinds and payloads emitted by the session manager, router and scheduler
// ABOUTME: Publisher is the narrow interface components depend on

package events

import (
	"time"

	"github.com/2389/coven-switchboard/internal/store"
)

// Kind names an emitted event.
type Kind string

const (
	ConnectionStatusChanged Kind = "connection-status-changed"
	HandshakeTokenReady     Kind = "handshake-token-ready"
	MessageRouted           Kind = "message-routed"
	AgentResponseSent       Kind = "agent-response-sent"
	MessagesDeduplicated    Kind = "messages-deduplicated"
)

// Event is one emitted notification. ConnectionID is empty for global events.
type Event struct {
	Kind         Kind      `json:"kind"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Time         time.Time `json:"time"`
	Data         any       `json:"data,omitempty"`
}

// StatusChange is the payload of ConnectionStatusChanged.
type StatusChange struct {
	Status store.ConnectionStatus `json:"status"`
	Phone  string                 `json:"phone,omitempty"`
	Reason string                 `json:"reason,omitempty"`
}

// HandshakeToken is the payload of HandshakeTokenReady.
type HandshakeToken struct {
	Token string `json:"token"`
}

// RoutedMessage is the payload of MessageRouted and AgentResponseSent.
type RoutedMessage struct {
	MessageID   string `json:"message_id"`
	SenderID    string `json:"sender_id,omitempty"`
	ReceiverID  string `json:"receiver_id,omitempty"`
	Content     string `json:"content"`
	IsFromAgent bool   `json:"is_from_agent"`
	AgentID     string `json:"agent_id,omitempty"`
	Delivered   bool   `json:"delivered"`
}

// NewRoutedMessage builds a payload from a stored message.
func NewRoutedMessage(m *store.Message) RoutedMessage {
	return RoutedMessage{
		MessageID:   m.ID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Content:     m.Content,
		IsFromAgent: m.IsFromAgent,
		AgentID:     m.AgentID,
		Delivered:   m.Delivered,
	}
}

// Deduplicated is the payload of MessagesDeduplicated.
type Deduplicated struct {
	Removed int `json:"removed"`
}

// Publisher accepts emitted events.
type Publisher interface {
	Publish(evt Event)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event) {}

// Stamp fills in the event time if it is missing.
func Stamp(evt Event) Event {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	return evt
}
