// ABOUTME: Adapter contract for live messaging sessions and the typed events it emits
// ABOUTME: One adapter serves many connections; events carry the connection id they belong to

package protocol

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned when an operation needs a live session that does not exist.
var ErrNotConnected = errors.New("connection has no live session")

// Adapter manages live sessions against an external messaging network.
type Adapter interface {
	// Connect starts a session for the connection. With a usable session blob
	// the adapter resumes and returns an empty token; the outcome arrives as
	// an EventConnected or EventDisconnected. Otherwise it returns a handshake
	// token the user must present externally.
	Connect(ctx context.Context, connectionID string, session []byte) (token string, err error)

	// Send delivers text from the connection to an external address.
	Send(ctx context.Context, connectionID, to, text string) error

	// IsReady reports whether the connection's session can send right now.
	IsReady(connectionID string) bool

	// Logout ends the session and invalidates its credentials.
	Logout(ctx context.Context, connectionID string) error

	// Close tears down the live session without logging out. It is a no-op
	// when there is no session.
	Close(connectionID string)

	// Events returns the channel on which all session events are published.
	Events() <-chan Event
}

// Event is a lifecycle or traffic notification for one connection.
type Event interface {
	Connection() string
	isEvent()
}

// EventQRReady carries a new or regenerated handshake token.
type EventQRReady struct {
	ConnectionID string
	Token        string
}

// EventConnected reports a completed handshake or resumed session.
type EventConnected struct {
	ConnectionID string
	Address      string // external identifier, e.g. phone number
	Session      []byte // blob for resuming later
}

// EventDisconnected reports the end of a live session.
type EventDisconnected struct {
	ConnectionID string
	Reason       string
	IsConflict   bool // another live session took over the identity
	IsLogout     bool // credentials were revoked; do not reconnect
}

// Inbound is a message received by a connection.
type Inbound struct {
	ConnectionID string
	From         string // external sender address
	Text         string
	Timestamp    time.Time
	IsSelfEcho   bool // copy of this connection's own outgoing message
}

// EventMessageIn wraps an inbound message.
type EventMessageIn struct {
	Inbound
}

// EventMessageAck reports that the network accepted an outbound message.
type EventMessageAck struct {
	ConnectionID string
	To           string
	MessageID    string
}

// EventError reports an adapter failure that did not end the session.
type EventError struct {
	ConnectionID string
	Err          error
}

func (e EventQRReady) Connection() string      { return e.ConnectionID }
func (e EventConnected) Connection() string    { return e.ConnectionID }
func (e EventDisconnected) Connection() string { return e.ConnectionID }
func (e EventMessageIn) Connection() string    { return e.ConnectionID }
func (e EventMessageAck) Connection() string   { return e.ConnectionID }
func (e EventError) Connection() string        { return e.ConnectionID }

func (EventQRReady) isEvent()      {}
func (EventConnected) isEvent()    {}
func (EventDisconnected) isEvent() {}
func (EventMessageIn) isEvent()    {}
func (EventMessageAck) isEvent()   {}
func (EventError) isEvent()        {}
