// ABOUTME: In-memory network adapter with QR-style pairing and echo behaviour
// ABOUTME: Used by integration tests and the demo mode of the serve command

package simnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-switchboard/internal/protocol"
)

const sessionPrefix = "simnet:"

// ErrUnknownToken is returned by Pair for tokens that were never issued or already used.
var ErrUnknownToken = errors.New("unknown handshake token")

// ErrSendFailed is returned for sends failed through FailNextSends.
var ErrSendFailed = errors.New("simulated send failure")

type device struct {
	address   string
	token     string
	live      bool
	failSends int
	sent      []Sent
}

// Sent records an outbound message accepted by the network.
type Sent struct {
	From string
	To   string
	Text string
	At   time.Time
}

// Network is a simulated messaging network. It is safe for concurrent use.
type Network struct {
	mu      sync.Mutex
	devices map[string]*device // keyed by connection id
	tokens  map[string]string  // handshake token -> connection id
	events  chan protocol.Event
	echo    bool
	logger  *slog.Logger
}

// Option configures a Network.
type Option func(*Network)

// WithoutSelfEcho disables the copy of outgoing messages delivered back to the sender.
func WithoutSelfEcho() Option {
	return func(n *Network) { n.echo = false }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Network) { n.logger = logger }
}

// New creates an empty network.
func New(opts ...Option) *Network {
	n := &Network{
		devices: make(map[string]*device),
		tokens:  make(map[string]string),
		events:  make(chan protocol.Event, 1024),
		echo:    true,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("component", "simnet")
	return n
}

// Events returns the channel of session events.
func (n *Network) Events() <-chan protocol.Event {
	return n.events
}

func (n *Network) emit(events ...protocol.Event) {
	for _, evt := range events {
		n.events <- evt
	}
}

// Connect resumes a session from a blob produced by an earlier pairing, or
// issues a fresh handshake token.
func (n *Network) Connect(ctx context.Context, connectionID string, session []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	n.mu.Lock()
	d := n.deviceLocked(connectionID)
	n.dropTokenLocked(d)

	if address, ok := decodeSession(session); ok {
		d.address = address
		d.live = true
		n.mu.Unlock()

		n.logger.Debug("resuming session", "connection_id", connectionID, "address", address)
		n.emit(protocol.EventConnected{ConnectionID: connectionID, Address: address, Session: session})
		return "", nil
	}

	d.live = false
	d.token = sessionPrefix + uuid.New().String()
	n.tokens[d.token] = connectionID
	token := d.token
	n.mu.Unlock()

	n.emit(protocol.EventQRReady{ConnectionID: connectionID, Token: token})
	return token, nil
}

func (n *Network) deviceLocked(connectionID string) *device {
	d, ok := n.devices[connectionID]
	if !ok {
		d = &device{}
		n.devices[connectionID] = d
	}
	return d
}

func (n *Network) dropTokenLocked(d *device) {
	if d.token != "" {
		delete(n.tokens, d.token)
		d.token = ""
	}
}

// Pair completes the handshake for token, binding the device to address.
// Any other device holding the same address is disconnected with a conflict.
func (n *Network) Pair(token, address string) error {
	n.mu.Lock()
	connectionID, ok := n.tokens[token]
	if !ok {
		n.mu.Unlock()
		return ErrUnknownToken
	}

	var kicked []protocol.Event
	for otherID, other := range n.devices {
		if otherID != connectionID && other.live && other.address == address {
			other.live = false
			kicked = append(kicked, protocol.EventDisconnected{
				ConnectionID: otherID,
				Reason:       "stream:error conflict: replaced by new session",
				IsConflict:   true,
			})
		}
	}

	d := n.devices[connectionID]
	n.dropTokenLocked(d)
	d.address = address
	d.live = true
	n.mu.Unlock()

	n.emit(kicked...)
	n.emit(protocol.EventConnected{
		ConnectionID: connectionID,
		Address:      address,
		Session:      encodeSession(address),
	})
	return nil
}

// Token returns the outstanding handshake token for a connection.
func (n *Network) Token(connectionID string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	d, ok := n.devices[connectionID]
	if !ok || d.token == "" {
		return "", false
	}
	return d.token, true
}

// IsReady reports whether the connection has a live session.
func (n *Network) IsReady(connectionID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	d, ok := n.devices[connectionID]
	return ok && d.live
}

// Send delivers text to the device holding address `to`. Addresses with no
// live device are treated as external contacts and accepted silently.
func (n *Network) Send(ctx context.Context, connectionID, to, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n.mu.Lock()
	d, ok := n.devices[connectionID]
	if !ok || !d.live {
		n.mu.Unlock()
		return fmt.Errorf("sending from %s: %w", connectionID, protocol.ErrNotConnected)
	}
	if d.failSends > 0 {
		d.failSends--
		n.mu.Unlock()
		return ErrSendFailed
	}

	now := time.Now()
	d.sent = append(d.sent, Sent{From: d.address, To: to, Text: text, At: now})

	var out []protocol.Event
	out = append(out, protocol.EventMessageAck{ConnectionID: connectionID, To: to, MessageID: uuid.New().String()})
	if n.echo {
		out = append(out, protocol.EventMessageIn{Inbound: protocol.Inbound{
			ConnectionID: connectionID,
			From:         d.address,
			Text:         text,
			Timestamp:    now,
			IsSelfEcho:   true,
		}})
	}
	for id, other := range n.devices {
		if id != connectionID && other.live && other.address == to {
			out = append(out, protocol.EventMessageIn{Inbound: protocol.Inbound{
				ConnectionID: id,
				From:         d.address,
				Text:         text,
				Timestamp:    now,
			}})
		}
	}
	n.mu.Unlock()

	n.emit(out...)
	return nil
}

// Receive simulates an external contact at address `from` messaging the connection.
func (n *Network) Receive(connectionID, from, text string) {
	n.emit(protocol.EventMessageIn{Inbound: protocol.Inbound{
		ConnectionID: connectionID,
		From:         from,
		Text:         text,
		Timestamp:    time.Now(),
	}})
}

// Drop ends the live session as if the network disconnected it.
func (n *Network) Drop(connectionID, reason string, conflict bool) {
	n.mu.Lock()
	if d, ok := n.devices[connectionID]; ok {
		d.live = false
	}
	n.mu.Unlock()

	n.emit(protocol.EventDisconnected{ConnectionID: connectionID, Reason: reason, IsConflict: conflict})
}

// FailNextSends makes the next count sends from the connection fail.
func (n *Network) FailNextSends(connectionID string, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deviceLocked(connectionID).failSends = count
}

// SentBy returns the messages the connection has sent so far.
func (n *Network) SentBy(connectionID string) []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()

	d, ok := n.devices[connectionID]
	if !ok {
		return nil
	}
	out := make([]Sent, len(d.sent))
	copy(out, d.sent)
	return out
}

// Logout ends the session and forgets the device.
func (n *Network) Logout(ctx context.Context, connectionID string) error {
	n.mu.Lock()
	d, ok := n.devices[connectionID]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("logging out %s: %w", connectionID, protocol.ErrNotConnected)
	}
	n.dropTokenLocked(d)
	delete(n.devices, connectionID)
	n.mu.Unlock()

	n.emit(protocol.EventDisconnected{ConnectionID: connectionID, Reason: "logged out", IsLogout: true})
	return nil
}

// Close tears down the live session without emitting events.
func (n *Network) Close(connectionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if d, ok := n.devices[connectionID]; ok {
		n.dropTokenLocked(d)
		d.live = false
	}
}

func encodeSession(address string) []byte {
	return []byte(sessionPrefix + address)
}

func decodeSession(session []byte) (string, bool) {
	s := string(session)
	if !strings.HasPrefix(s, sessionPrefix) {
		return "", false
	}
	address := strings.TrimPrefix(s, sessionPrefix)
	return address, address != ""
}

var _ protocol.Adapter = (*Network)(nil)
