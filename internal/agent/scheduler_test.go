// ABOUTME: Tests for the agent response scheduler
// ABOUTME: Covers the self-loop rule, delays, cancellation, memory, multi-part replies and failures

package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-switchboard/internal/completion"
	"github.com/2389/coven-switchboard/internal/dedupe"
	"github.com/2389/coven-switchboard/internal/events"
	"github.com/2389/coven-switchboard/internal/store"
)

type delivery struct {
	from, to, text string
	at             time.Time
}

type fakeDeliverer struct {
	store *store.MockStore
	mu    sync.Mutex
	sent  []delivery
}

func (d *fakeDeliverer) SendMessage(ctx context.Context, from, to string, msg *store.Message) error {
	d.mu.Lock()
	d.sent = append(d.sent, delivery{from: from, to: to, text: msg.Content, at: time.Now()})
	d.mu.Unlock()
	msg.Delivered = true
	return d.store.MarkMessageDelivered(ctx, msg.ID)
}

func (d *fakeDeliverer) deliveries() []delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]delivery(nil), d.sent...)
}

type phoneBook map[string]string

func (p phoneBook) Phone(id string) (string, bool) {
	phone, ok := p[id]
	return phone, ok
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) count(kind events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type harness struct {
	store   *store.MockStore
	guard   *dedupe.Guard
	deliver *fakeDeliverer
	events  *recorder
	calls   atomic.Int32
	lastReq atomic.Pointer[completion.Request]
	sched   *Scheduler
}

// newHarness wires a scheduler whose generator replies with parts.
func newHarness(t *testing.T, parts ...string) *harness {
	t.Helper()
	if len(parts) == 0 {
		parts = []string{"hello back"}
	}
	ms := store.NewMockStore()
	h := &harness{
		store:   ms,
		guard:   dedupe.NewGuard(dedupe.DefaultTTL, dedupe.WithSweepInterval(0)),
		deliver: &fakeDeliverer{store: ms},
		events:  &recorder{},
	}
	gen := completion.GeneratorFunc(func(ctx context.Context, req completion.Request) ([]string, error) {
		h.calls.Add(1)
		h.lastReq.Store(&req)
		return parts, nil
	})
	t.Cleanup(h.guard.Close)
	h.useScheduler(t, gen, phoneBook{"alice": "+100", "bob": "+200"})
	return h
}

// useScheduler replaces the harness scheduler.
func (h *harness) useScheduler(t *testing.T, gen completion.Generator, phones AddressBook) {
	t.Helper()
	if h.sched != nil {
		h.sched.Close()
	}
	cfg := Config{PartInterval: 20 * time.Millisecond, TaskTimeout: 5 * time.Second}
	sched := NewScheduler(h.store, gen, h.guard, h.deliver, phones, h.events, cfg, nil)
	t.Cleanup(sched.Close)
	h.sched = sched
}

func (h *harness) agent(t *testing.T, connectionID string, delay time.Duration, mutate ...func(*store.Agent)) *store.Agent {
	t.Helper()
	a := &store.Agent{
		ConnectionID:      connectionID,
		Name:              connectionID + "-bot",
		Persona:           "friendly",
		Temperature:       0.7,
		ResponseDelay:     delay,
		MaxResponseLength: 200,
		Active:            true,
	}
	for _, fn := range mutate {
		fn(a)
	}
	require.NoError(t, h.store.CreateAgent(context.Background(), a))
	return a
}

func (h *harness) message(t *testing.T, from, to, text string) *store.Message {
	t.Helper()
	m := &store.Message{SenderID: from, ReceiverID: to, Content: text}
	require.NoError(t, h.store.SaveMessage(context.Background(), m))
	return m
}

func (h *harness) agentReplies() []*store.Message {
	var out []*store.Message
	for _, m := range h.store.Messages() {
		if m.IsFromAgent {
			out = append(out, m)
		}
	}
	return out
}

func TestShouldRespond(t *testing.T) {
	agent := &store.Agent{ID: "agent-b", ConnectionID: "bob", Active: true}

	tests := []struct {
		name  string
		agent *store.Agent
		msg   *store.Message
		want  bool
	}{
		{"human message", agent, &store.Message{SenderID: "alice", ReceiverID: "bob"}, true},
		{"other agent", agent, &store.Message{SenderID: "alice", ReceiverID: "bob", IsFromAgent: true, AgentID: "agent-a"}, true},
		{"own output", agent, &store.Message{SenderID: "alice", ReceiverID: "bob", IsFromAgent: true, AgentID: "agent-b"}, false},
		{"not bound to receiver", agent, &store.Message{SenderID: "bob", ReceiverID: "alice"}, false},
		{"external sender", agent, &store.Message{ReceiverID: "bob"}, false},
		{"self message", agent, &store.Message{SenderID: "bob", ReceiverID: "bob"}, false},
		{"paused", &store.Agent{ID: "agent-b", ConnectionID: "bob", Active: true, Paused: true}, &store.Message{SenderID: "alice", ReceiverID: "bob"}, false},
		{"inactive", &store.Agent{ID: "agent-b", ConnectionID: "bob"}, &store.Message{SenderID: "alice", ReceiverID: "bob"}, false},
		{"nil agent", nil, &store.Message{SenderID: "alice", ReceiverID: "bob"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRespond(tt.agent, tt.msg))
		})
	}
}

func TestScheduler_NeverRespondsToOwnOutput(t *testing.T) {
	h := newHarness(t)
	bot := h.agent(t, "bob", 5*time.Millisecond)

	own := &store.Message{SenderID: "alice", ReceiverID: "bob", Content: "hi", IsFromAgent: true, AgentID: bot.ID}
	require.NoError(t, h.store.SaveMessage(context.Background(), own))

	task, err := h.sched.HandleMessage(context.Background(), own)
	require.NoError(t, err)
	assert.Nil(t, task)

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, h.calls.Load())
	assert.Empty(t, h.sched.Pending(bot.ID))
}

func TestScheduler_NoAgent(t *testing.T) {
	h := newHarness(t)

	task, err := h.sched.HandleMessage(context.Background(), h.message(t, "alice", "bob", "Hi"))
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestScheduler_RepliesAfterDelay(t *testing.T) {
	h := newHarness(t)
	bot := h.agent(t, "bob", 40*time.Millisecond)
	ctx := context.Background()

	hi := h.message(t, "alice", "bob", "Hi")
	start := time.Now()
	task, err := h.sched.HandleMessage(ctx, hi)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, bot.ID, task.AgentID)
	assert.Equal(t, hi.ID, task.MessageID)
	assert.WithinDuration(t, start.Add(40*time.Millisecond), task.FireAt, 20*time.Millisecond)

	require.Eventually(t, func() bool { return len(h.deliver.deliveries()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, h.deliver.deliveries()[0].at.Sub(start), 40*time.Millisecond)

	replies := h.agentReplies()
	require.Len(t, replies, 1)
	reply := replies[0]
	assert.Equal(t, "bob", reply.SenderID)
	assert.Equal(t, "alice", reply.ReceiverID)
	assert.Equal(t, bot.ID, reply.AgentID)
	assert.Equal(t, "hello back", reply.Content)
	assert.True(t, reply.Delivered)

	d := h.deliver.deliveries()[0]
	assert.Equal(t, "bob", d.from)
	assert.Equal(t, "+100", d.to, "reply goes to the original sender's address")

	req := h.lastReq.Load()
	require.NotNil(t, req)
	assert.Equal(t, "friendly", req.Persona)
	assert.Equal(t, "Hi", req.Text)
	assert.Equal(t, 200, req.MaxLength)
	assert.Empty(t, req.History, "memory is off")

	stored, err := h.store.GetAgent(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.MessageCount)
	assert.Equal(t, 1, h.events.count(events.AgentResponseSent))

	// The echo of the reply is already known to the guard
	assert.True(t, h.guard.IsAgentOutput("hello back"))
	assert.True(t, h.guard.ClaimAgentEcho(bot.ID, "bob", "alice", "hello back"))
	assert.True(t, h.guard.ConsumeSent("bob", "alice", "hello back"))
}

func TestTask_Cancel(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "bob", 30*time.Millisecond)

	task, err := h.sched.HandleMessage(context.Background(), h.message(t, "alice", "bob", "Hi"))
	require.NoError(t, err)
	require.NotNil(t, task)

	assert.True(t, task.Cancel())
	assert.False(t, task.Cancel(), "second cancel is a no-op")

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, h.calls.Load())
	assert.Empty(t, h.agentReplies())
}

func TestScheduler_CancelAgent(t *testing.T) {
	h := newHarness(t)
	bot := h.agent(t, "bob", time.Hour)
	ctx := context.Background()

	for _, text := range []string{"one", "two"} {
		_, err := h.sched.HandleMessage(ctx, h.message(t, "alice", "bob", text))
		require.NoError(t, err)
	}
	assert.Len(t, h.sched.Pending(bot.ID), 2)

	assert.Equal(t, 2, h.sched.CancelAgent(bot.ID))
	assert.Empty(t, h.sched.Pending(bot.ID))
	assert.Equal(t, 0, h.sched.CancelAgent(bot.ID))
}

func TestScheduler_PausedBeforeFire(t *testing.T) {
	h := newHarness(t)
	bot := h.agent(t, "bob", 30*time.Millisecond)
	ctx := context.Background()

	_, err := h.sched.HandleMessage(ctx, h.message(t, "alice", "bob", "Hi"))
	require.NoError(t, err)

	bot.Paused = true
	require.NoError(t, h.store.UpdateAgent(ctx, bot))

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, h.calls.Load())
	assert.Empty(t, h.agentReplies())
}

func TestScheduler_MemoryWindow(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "bob", 5*time.Millisecond, func(a *store.Agent) {
		a.UseMemory = true
		a.MemorySize = 2
	})

	h.message(t, "alice", "bob", "first")
	time.Sleep(2 * time.Millisecond)
	h.message(t, "bob", "alice", "second")
	time.Sleep(2 * time.Millisecond)
	h.message(t, "alice", "bob", "third")
	time.Sleep(2 * time.Millisecond)
	current := h.message(t, "alice", "bob", "current")

	_, err := h.sched.HandleMessage(context.Background(), current)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	req := h.lastReq.Load()
	require.NotNil(t, req)
	assert.Equal(t, []completion.Turn{
		{FromSelf: true, Content: "second"},
		{FromSelf: false, Content: "third"},
	}, req.History)
	assert.Equal(t, "current", req.Text)
}

func TestScheduler_MultiPartReply(t *testing.T) {
	h := newHarness(t, "part one", "part two")
	h.agent(t, "bob", 5*time.Millisecond)

	_, err := h.sched.HandleMessage(context.Background(), h.message(t, "alice", "bob", "Hi"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.deliver.deliveries()) == 2 }, 2*time.Second, 5*time.Millisecond)
	sent := h.deliver.deliveries()
	assert.Equal(t, "part one", sent[0].text)
	assert.Equal(t, "part two", sent[1].text)
	assert.GreaterOrEqual(t, sent[1].at.Sub(sent[0].at), 20*time.Millisecond)
	assert.Len(t, h.agentReplies(), 2)
}

func TestScheduler_TargetNotConnected(t *testing.T) {
	h := newHarness(t)
	h.useScheduler(t, completion.NewCanned([]string{"anyone there?"}), phoneBook{})
	h.agent(t, "bob", 5*time.Millisecond)

	_, err := h.sched.HandleMessage(context.Background(), h.message(t, "alice", "bob", "Hi"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.agentReplies()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, h.agentReplies()[0].Delivered, "reply stays in history undelivered")
	assert.Empty(t, h.deliver.deliveries())
}

func TestScheduler_RecoversFromPanics(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	gen := completion.GeneratorFunc(func(ctx context.Context, req completion.Request) ([]string, error) {
		if calls.Add(1) == 1 {
			panic("model exploded")
		}
		return []string{"still here"}, nil
	})
	h.useScheduler(t, gen, phoneBook{"alice": "+100"})
	h.agent(t, "bob", 5*time.Millisecond)
	ctx := context.Background()

	_, err := h.sched.HandleMessage(ctx, h.message(t, "alice", "bob", "one"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = h.sched.HandleMessage(ctx, h.message(t, "alice", "bob", "two"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.agentReplies()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_AgentContinuation(t *testing.T) {
	h := newHarness(t)
	aliceBot := h.agent(t, "alice", time.Hour)
	h.agent(t, "bob", 5*time.Millisecond)

	_, err := h.sched.HandleMessage(context.Background(), h.message(t, "alice", "bob", "Hi"))
	require.NoError(t, err)

	// Bob's agent answers and its reply is offered to Alice's agent
	require.Eventually(t, func() bool { return len(h.sched.Pending(aliceBot.ID)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, h.agentReplies(), 1)
}

func TestScheduler_Closed(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "bob", time.Hour)
	h.sched.Close()

	_, err := h.sched.HandleMessage(context.Background(), h.message(t, "alice", "bob", "Hi"))
	assert.ErrorIs(t, err, ErrSchedulerClosed)
}
