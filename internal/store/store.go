// ABOUTME: Store interface and data types for coven-switchboard persistence
// ABOUTME: Defines Connection, Message, Agent and ConversationPair plus the Store contract

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalid is wrapped by validation failures on entity creation
var ErrInvalid = errors.New("invalid record")

// ErrDuplicatePair is returned when a conversation pair already exists
var ErrDuplicatePair = errors.New("conversation pair already exists")

// ConnectionStatus is the lifecycle state of a connection's live session
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting" // handshake token pending
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// Connection is a logical endpoint bound to one external messaging identity.
// Phone and QRCode are empty until known.
type Connection struct {
	ID           string
	Name         string
	Phone        string
	Status       ConnectionStatus
	QRCode       string
	SessionData  []byte
	Persistent   bool // session may be restored automatically on startup
	LastActivity time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate checks the fields required to create a connection.
func (c *Connection) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: connection name is required", ErrInvalid)
	}
	switch c.Status {
	case "", StatusDisconnected, StatusConnecting, StatusConnected, StatusError:
	default:
		return fmt.Errorf("%w: unknown connection status %q", ErrInvalid, c.Status)
	}
	return nil
}

// MessageType constants for message content types
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeEmoji = "emoji"
)

// Message is one routed message. SenderID and ReceiverID are empty for
// external or system endpoints; AgentID is empty for human-origin messages.
type Message struct {
	ID          string
	SenderID    string
	ReceiverID  string
	Content     string
	Type        string // "text", "image", "emoji" (defaults to "text")
	IsFromAgent bool
	AgentID     string
	Delivered   bool
	CreatedAt   time.Time
}

// Validate checks the fields required to persist a message.
func (m *Message) Validate() error {
	if m.Content == "" {
		return fmt.Errorf("%w: message content is required", ErrInvalid)
	}
	switch m.Type {
	case "", MessageTypeText, MessageTypeImage, MessageTypeEmoji:
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrInvalid, m.Type)
	}
	if m.IsFromAgent && m.AgentID == "" {
		return fmt.Errorf("%w: agent messages must carry an agent id", ErrInvalid)
	}
	return nil
}

// Agent is an automated responder bound to the connection it listens on.
type Agent struct {
	ID                string
	ConnectionID      string
	Name              string
	Persona           string
	Temperature       float64
	ResponseDelay     time.Duration
	MaxResponseLength int
	MemorySize        int
	UseMemory         bool
	Active            bool
	Paused            bool
	MessageCount      int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DefaultResponseDelay applies when an agent is created without a delay.
const DefaultResponseDelay = 2000 * time.Millisecond

// Validate checks the fields required to create an agent.
func (a *Agent) Validate() error {
	if a.ConnectionID == "" {
		return fmt.Errorf("%w: agent connection id is required", ErrInvalid)
	}
	if strings.TrimSpace(a.Persona) == "" {
		return fmt.Errorf("%w: agent persona is required", ErrInvalid)
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		return fmt.Errorf("%w: temperature %.2f out of range [0,2]", ErrInvalid, a.Temperature)
	}
	if a.ResponseDelay < 0 {
		return fmt.Errorf("%w: response delay must not be negative", ErrInvalid)
	}
	if a.MaxResponseLength <= 0 {
		return fmt.Errorf("%w: max response length must be positive", ErrInvalid)
	}
	if a.MemorySize < 0 {
		return fmt.Errorf("%w: memory size must not be negative", ErrInvalid)
	}
	return nil
}

// Responsive reports whether the agent may answer messages right now.
func (a *Agent) Responsive() bool {
	return a.Active && !a.Paused
}

// ConversationPair is an unordered pair of connections eligible for
// autonomous small talk. ConnectionA always sorts before ConnectionB.
type ConversationPair struct {
	ID          string
	ConnectionA string
	ConnectionB string
	Active      bool
	StartedBy   string
	CreatedAt   time.Time
}

// NormalizePair orders two connection ids so a pair has one canonical form.
func NormalizePair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// DuplicateWindow bounds how far apart two identical messages may be
// created and still count as duplicates of each other.
const DuplicateWindow = 10 * time.Second

// Store defines persistence for connections, messages, agents and pairs
type Store interface {
	// Connections
	CreateConnection(ctx context.Context, conn *Connection) error
	GetConnection(ctx context.Context, id string) (*Connection, error)
	ListConnections(ctx context.Context) ([]*Connection, error)
	UpdateConnection(ctx context.Context, conn *Connection) error
	DeleteConnection(ctx context.Context, id string) error

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	MarkMessageDelivered(ctx context.Context, id string) error
	GetConversation(ctx context.Context, a, b string, limit int) ([]*Message, error)
	LastMessageBetween(ctx context.Context, a, b string) (*Message, error)
	ClearConversation(ctx context.Context, a, b string) (int64, error)
	CountMessages(ctx context.Context) (int, error)
	FindDuplicateMessages(ctx context.Context) ([][]*Message, error)
	RemoveDuplicateMessages(ctx context.Context) (int, error)

	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByConnection(ctx context.Context, connectionID string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error
	DeleteAgent(ctx context.Context, id string) error
	IncrementAgentMessageCount(ctx context.Context, id string) error

	// Conversation pairs
	CreatePair(ctx context.Context, pair *ConversationPair) error
	ListActivePairs(ctx context.Context) ([]*ConversationPair, error)
	SetPairActive(ctx context.Context, id string, active bool) error
	DeletePair(ctx context.Context, id string) error

	// Close releases any resources held by the store
	Close() error
}
