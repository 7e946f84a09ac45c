// ABOUTME: Inbound classifier and deduplicator for inter-connection traffic
// ABOUTME: Suppresses noise and echoes, tags agent output, persists and hands off to the scheduler

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/coven-switchboard/internal/agent"
	"github.com/2389/coven-switchboard/internal/dedupe"
	"github.com/2389/coven-switchboard/internal/events"
	"github.com/2389/coven-switchboard/internal/protocol"
	"github.com/2389/coven-switchboard/internal/store"
)

// Outcome describes what Route did with an inbound message.
type Outcome int

const (
	Routed Outcome = iota
	DroppedNoise
	DroppedSelfEcho
	DroppedEcho
	DroppedDuplicate
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Routed:
		return "routed"
	case DroppedNoise:
		return "noise"
	case DroppedSelfEcho:
		return "self-echo"
	case DroppedEcho:
		return "echo"
	case DroppedDuplicate:
		return "duplicate"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Sessions exposes the live connection addresses.
type Sessions interface {
	ConnectedPhones() map[string]string
	Phone(connectionID string) (string, bool)
}

// Responder is offered every routed message.
type Responder interface {
	HandleMessage(ctx context.Context, msg *store.Message) (*agent.Task, error)
}

// Deliverer sends a stored message from a connection to an external address.
type Deliverer interface {
	SendMessage(ctx context.Context, from, to string, msg *store.Message) error
}

// Router classifies and routes messages between connections.
type Router struct {
	store     store.Store
	guard     *dedupe.Guard
	sessions  Sessions
	responder Responder
	sender    Deliverer
	events    events.Publisher
	logger    *slog.Logger
}

// New creates a Router.
func New(s store.Store, guard *dedupe.Guard, sessions Sessions, responder Responder, sender Deliverer, pub events.Publisher, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Router{
		store:     s,
		guard:     guard,
		sessions:  sessions,
		responder: responder,
		sender:    sender,
		events:    pub,
		logger:    logger.With("component", "router"),
	}
}

// Route classifies one inbound message. The returned Message is set only
// when the outcome is Routed.
func (r *Router) Route(ctx context.Context, in protocol.Inbound) (Outcome, *store.Message, error) {
	if n := r.guard.Sweep(); n > 0 {
		r.logger.Debug("anti-loop caches swept", "expired", n, "remaining", r.guard.Len())
	}

	receiverID := in.ConnectionID
	senderID, known := r.sessions.ConnectedPhones()[in.From]

	switch {
	case !known && !in.IsSelfEcho:
		return r.drop(DroppedNoise, in, "")
	case in.IsSelfEcho || senderID == receiverID:
		return r.drop(DroppedSelfEcho, in, senderID)
	case r.guard.ConsumeSent(senderID, receiverID, in.Text):
		return r.drop(DroppedEcho, in, senderID)
	}

	msg := &store.Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    in.Text,
		Type:       store.MessageTypeText,
	}

	if r.guard.IsAgentOutput(in.Text) {
		bound, err := r.store.GetAgentByConnection(ctx, senderID)
		switch {
		case err == nil:
			if r.guard.ClaimAgentEcho(bound.ID, senderID, receiverID, in.Text) {
				return r.drop(DroppedDuplicate, in, senderID)
			}
			msg.IsFromAgent = true
			msg.AgentID = bound.ID
		case !errors.Is(err, store.ErrNotFound):
			r.logger.Warn("looking up sender agent", "connection_id", senderID, "error", err)
		}
	}

	if err := r.store.SaveMessage(ctx, msg); err != nil {
		return Failed, nil, fmt.Errorf("saving message: %w", err)
	}

	r.logger.Info("message routed",
		"message_id", msg.ID,
		"from", senderID,
		"to", receiverID,
		"from_agent", msg.IsFromAgent)
	r.publish(msg)
	r.handOff(ctx, msg)
	return Routed, msg, nil
}

func (r *Router) drop(outcome Outcome, in protocol.Inbound, senderID string) (Outcome, *store.Message, error) {
	r.logger.Debug("inbound dropped",
		"reason", outcome.String(),
		"connection_id", in.ConnectionID,
		"from", in.From,
		"sender_id", senderID)
	return outcome, nil, nil
}

// Inject routes a locally originated human message from one connection to
// another. The message is stored even when delivery fails; Delivered reports
// whether the send went through. A target that is offline is addressed by the
// phone it last paired with; one that never paired is not sent to.
func (r *Router) Inject(ctx context.Context, from, to, text string) (*store.Message, error) {
	if from == to {
		return nil, fmt.Errorf("%w: sender and receiver are the same connection", store.ErrInvalid)
	}
	var target *store.Connection
	for _, id := range []string{from, to} {
		conn, err := r.store.GetConnection(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading connection %s: %w", id, err)
		}
		target = conn
	}

	msg := &store.Message{
		SenderID:   from,
		ReceiverID: to,
		Content:    text,
		Type:       store.MessageTypeText,
	}
	if err := r.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("saving message: %w", err)
	}

	// Record before sending so the network echo cannot arrive first
	r.guard.RecordSent(from, to, text)

	r.logger.Info("message injected", "message_id", msg.ID, "from", from, "to", to)
	r.publish(msg)
	r.handOff(ctx, msg)

	phone, ok := r.sessions.Phone(to)
	if !ok && target.Phone != "" {
		phone, ok = target.Phone, true
		r.logger.Debug("injected message target offline, using stored phone", "message_id", msg.ID, "connection_id", to)
	}
	if !ok {
		r.logger.Warn("injected message target has no phone", "message_id", msg.ID, "connection_id", to)
		return msg, nil
	}
	if err := r.sender.SendMessage(ctx, from, phone, msg); err != nil {
		r.logger.Warn("injected message delivery failed", "message_id", msg.ID, "error", err)
	}
	return msg, nil
}

// Deduplicate removes duplicate messages from storage and reports how many
// were removed.
func (r *Router) Deduplicate(ctx context.Context) (int, error) {
	removed, err := r.store.RemoveDuplicateMessages(ctx)
	if err != nil {
		return 0, fmt.Errorf("removing duplicates: %w", err)
	}

	r.logger.Info("messages deduplicated", "removed", removed)
	r.events.Publish(events.Event{
		Kind: events.MessagesDeduplicated,
		Data: events.Deduplicated{Removed: removed},
	})
	return removed, nil
}

// HandleEvent routes inbound message events and ignores the rest. It matches
// the callback signature of session.Manager.Run.
func (r *Router) HandleEvent(ctx context.Context, evt protocol.Event) {
	in, ok := evt.(protocol.EventMessageIn)
	if !ok {
		return
	}
	if _, _, err := r.Route(ctx, in.Inbound); err != nil {
		r.logger.Error("routing inbound message", "connection_id", in.ConnectionID, "error", err)
	}
}

func (r *Router) publish(msg *store.Message) {
	r.events.Publish(events.Event{
		Kind:         events.MessageRouted,
		ConnectionID: msg.ReceiverID,
		Data:         events.NewRoutedMessage(msg),
	})
}

func (r *Router) handOff(ctx context.Context, msg *store.Message) {
	if _, err := r.responder.HandleMessage(ctx, msg); err != nil {
		r.logger.Warn("scheduling agent reply", "message_id", msg.ID, "error", err)
	}
}
