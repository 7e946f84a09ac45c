// ABOUTME: Agent response scheduler: self-loop rule, cancellable delayed tasks and reply delivery
// ABOUTME: Builds conversation context, calls the completion generator and sends each reply part

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-switchboard/internal/completion"
	"github.com/2389/coven-switchboard/internal/dedupe"
	"github.com/2389/coven-switchboard/internal/events"
	"github.com/2389/coven-switchboard/internal/store"
)

// ErrSchedulerClosed is returned by HandleMessage after Close.
var ErrSchedulerClosed = errors.New("scheduler closed")

// Deliverer sends a stored message from a connection to an external address.
type Deliverer interface {
	SendMessage(ctx context.Context, from, to string, msg *store.Message) error
}

// AddressBook resolves a connected connection to its external address.
type AddressBook interface {
	Phone(connectionID string) (string, bool)
}

// Config holds scheduler timings.
type Config struct {
	PartInterval time.Duration // pause between parts of one reply
	TaskTimeout  time.Duration // budget for generating and sending one reply
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		PartInterval: 500 * time.Millisecond,
		TaskTimeout:  2 * time.Minute,
	}
}

// Task is a pending reply by one agent to one message.
type Task struct {
	ID        string
	AgentID   string
	MessageID string
	FireAt    time.Time

	timer *time.Timer
	sched *Scheduler
}

// Cancel stops the task if it has not fired yet. It reports whether the
// task was still pending.
func (t *Task) Cancel() bool {
	return t.sched.cancel(t)
}

// Scheduler decides which agent answers a routed message and runs the reply.
type Scheduler struct {
	store  store.Store
	gen    completion.Generator
	guard  *dedupe.Guard
	sender Deliverer
	phones AddressBook
	events events.Publisher
	cfg    Config
	logger *slog.Logger

	ctx       context.Context
	cancelAll context.CancelFunc

	mu      sync.Mutex
	pending map[string]map[string]*Task // agent id -> task id -> task
	closed  bool
	running sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(s store.Store, gen completion.Generator, guard *dedupe.Guard, sender Deliverer, phones AddressBook, pub events.Publisher, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultConfig().TaskTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     s,
		gen:       gen,
		guard:     guard,
		sender:    sender,
		phones:    phones,
		events:    pub,
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
		ctx:       ctx,
		cancelAll: cancel,
		pending:   make(map[string]map[string]*Task),
	}
}

// ShouldRespond reports whether agent answers msg. The agent must be
// responsive and bound to the receiving connection, the message must come
// from another connection, and it must not be the agent's own output.
func ShouldRespond(agent *store.Agent, msg *store.Message) bool {
	if agent == nil || msg == nil || !agent.Responsive() {
		return false
	}
	if msg.ReceiverID == "" || agent.ConnectionID != msg.ReceiverID {
		return false
	}
	if msg.SenderID == "" || msg.SenderID == msg.ReceiverID {
		return false
	}
	if msg.IsFromAgent && msg.AgentID == agent.ID {
		return false
	}
	return true
}

// HandleMessage schedules a reply to msg by the agent bound to its receiver.
// It returns nil when no agent answers.
func (s *Scheduler) HandleMessage(ctx context.Context, msg *store.Message) (*Task, error) {
	if msg.ReceiverID == "" {
		return nil, nil
	}

	agent, err := s.store.GetAgentByConnection(ctx, msg.ReceiverID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent for %s: %w", msg.ReceiverID, err)
	}

	if !ShouldRespond(agent, msg) {
		s.logger.Debug("agent will not respond",
			"agent_id", agent.ID,
			"message_id", msg.ID,
			"active", agent.Active,
			"paused", agent.Paused,
			"from_agent", msg.AgentID)
		return nil, nil
	}

	return s.schedule(agent, msg)
}

func (s *Scheduler) schedule(agent *store.Agent, msg *store.Message) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSchedulerClosed
	}

	task := &Task{
		ID:        uuid.New().String(),
		AgentID:   agent.ID,
		MessageID: msg.ID,
		FireAt:    time.Now().Add(agent.ResponseDelay),
		sched:     s,
	}
	snapshot := *msg
	task.timer = time.AfterFunc(agent.ResponseDelay, func() { s.fire(task, &snapshot) })

	tasks, ok := s.pending[agent.ID]
	if !ok {
		tasks = make(map[string]*Task)
		s.pending[agent.ID] = tasks
	}
	tasks[task.ID] = task

	s.logger.Debug("reply scheduled",
		"agent_id", agent.ID,
		"task_id", task.ID,
		"message_id", msg.ID,
		"delay", agent.ResponseDelay)
	return task, nil
}

// removeLocked drops a task from the pending set. Must be called with mu held.
func (s *Scheduler) removeLocked(t *Task) bool {
	tasks, ok := s.pending[t.AgentID]
	if !ok {
		return false
	}
	if _, ok := tasks[t.ID]; !ok {
		return false
	}
	delete(tasks, t.ID)
	if len(tasks) == 0 {
		delete(s.pending, t.AgentID)
	}
	return true
}

func (s *Scheduler) cancel(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.removeLocked(t) {
		return false
	}
	t.timer.Stop()
	return true
}

// CancelAgent cancels every pending task of an agent and returns how many
// were cancelled.
func (s *Scheduler) CancelAgent(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := s.pending[agentID]
	for _, t := range tasks {
		t.timer.Stop()
	}
	delete(s.pending, agentID)

	if len(tasks) > 0 {
		s.logger.Info("agent tasks cancelled", "agent_id", agentID, "count", len(tasks))
	}
	return len(tasks)
}

// Pending returns the tasks of an agent that have not fired yet.
func (s *Scheduler) Pending(agentID string) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Task, 0, len(s.pending[agentID]))
	for _, t := range s.pending[agentID] {
		out = append(out, t)
	}
	return out
}

// Close cancels pending tasks and waits for running ones to stop.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for agentID, tasks := range s.pending {
		for _, t := range tasks {
			t.timer.Stop()
		}
		delete(s.pending, agentID)
	}
	s.mu.Unlock()

	s.cancelAll()
	s.running.Wait()
}

func (s *Scheduler) fire(t *Task, msg *store.Message) {
	s.mu.Lock()
	if s.closed || !s.removeLocked(t) {
		s.mu.Unlock()
		return
	}
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	logger := s.logger.With("agent_id", t.AgentID, "task_id", t.ID)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("agent task panicked", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.TaskTimeout)
	defer cancel()

	if err := s.respond(ctx, t, msg, logger); err != nil {
		logger.Error("agent reply failed", "message_id", msg.ID, "error", err)
	}
}

func (s *Scheduler) respond(ctx context.Context, t *Task, msg *store.Message, logger *slog.Logger) error {
	// The agent may have been paused or edited while the task was pending
	agent, err := s.store.GetAgent(ctx, t.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Debug("agent deleted before reply")
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading agent: %w", err)
	}
	if !ShouldRespond(agent, msg) {
		logger.Debug("agent no longer responds")
		return nil
	}

	history, err := s.history(ctx, agent, msg)
	if err != nil {
		return err
	}

	parts, err := s.gen.Generate(ctx, completion.Request{
		Persona:     agent.Persona,
		Temperature: agent.Temperature,
		History:     history,
		Text:        msg.Content,
		MaxLength:   agent.MaxResponseLength,
	})
	if err != nil {
		return fmt.Errorf("generating reply: %w", err)
	}

	for i, part := range parts {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.PartInterval):
			}
		}
		s.sendPart(ctx, agent, msg, part, logger)
	}
	return nil
}

// history returns up to MemorySize messages exchanged before msg, oldest first.
func (s *Scheduler) history(ctx context.Context, agent *store.Agent, msg *store.Message) ([]completion.Turn, error) {
	if !agent.UseMemory || agent.MemorySize == 0 {
		return nil, nil
	}

	msgs, err := s.store.GetConversation(ctx, msg.SenderID, msg.ReceiverID, agent.MemorySize+1)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	turns := make([]completion.Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == msg.ID {
			continue
		}
		turns = append(turns, completion.Turn{
			FromSelf: m.SenderID == agent.ConnectionID,
			Content:  m.Content,
		})
	}
	if len(turns) > agent.MemorySize {
		turns = turns[len(turns)-agent.MemorySize:]
	}
	return turns, nil
}

// sendPart stores one reply part, guards it against its own echo, delivers
// it and offers it to the agent on the other side.
func (s *Scheduler) sendPart(ctx context.Context, agent *store.Agent, msg *store.Message, part string, logger *slog.Logger) {
	reply := &store.Message{
		SenderID:    agent.ConnectionID,
		ReceiverID:  msg.SenderID,
		Content:     part,
		Type:        store.MessageTypeText,
		IsFromAgent: true,
		AgentID:     agent.ID,
	}
	if err := s.store.SaveMessage(ctx, reply); err != nil {
		logger.Error("saving reply", "error", err)
		return
	}

	s.guard.RecordAgentOutput(agent.ID, reply.SenderID, reply.ReceiverID, part)
	s.guard.RecordSent(reply.SenderID, reply.ReceiverID, part)

	if phone, ok := s.phones.Phone(reply.ReceiverID); !ok {
		logger.Warn("reply target not connected, keeping message undelivered",
			"message_id", reply.ID,
			"connection_id", reply.ReceiverID)
	} else if err := s.sender.SendMessage(ctx, reply.SenderID, phone, reply); err != nil {
		logger.Warn("reply delivery failed", "message_id", reply.ID, "error", err)
	}

	if err := s.store.IncrementAgentMessageCount(ctx, agent.ID); err != nil {
		logger.Warn("incrementing message count", "error", err)
	}

	s.events.Publish(events.Event{
		Kind:         events.AgentResponseSent,
		ConnectionID: reply.SenderID,
		Data:         events.NewRoutedMessage(reply),
	})
	logger.Info("agent replied",
		"message_id", reply.ID,
		"to", reply.ReceiverID,
		"delivered", reply.Delivered)

	if _, err := s.HandleMessage(ctx, reply); err != nil && !errors.Is(err, ErrSchedulerClosed) {
		logger.Warn("offering reply to receiving agent", "error", err)
	}
}
