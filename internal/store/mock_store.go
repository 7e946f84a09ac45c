// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	connections map[string]*Connection       // keyed by connection ID
	messages    []*Message                   // append-only log
	agents      map[string]*Agent            // keyed by agent ID
	pairs       map[string]*ConversationPair // keyed by pair ID

	// SaveMessageErr, when set, is returned by SaveMessage.
	SaveMessageErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		connections: make(map[string]*Connection),
		agents:      make(map[string]*Agent),
		pairs:       make(map[string]*ConversationPair),
	}
}

// CreateConnection stores a new connection.
func (m *MockStore) CreateConnection(ctx context.Context, conn *Connection) error {
	if err := conn.Validate(); err != nil {
		return err
	}
	fillConnectionDefaults(conn)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.connections[conn.ID]; exists {
		return fmt.Errorf("%w: connection %s already exists", ErrInvalid, conn.ID)
	}

	// Make a copy to avoid external modification
	c := copyConnection(conn)
	m.connections[c.ID] = c
	return nil
}

func copyConnection(conn *Connection) *Connection {
	c := *conn
	if conn.SessionData != nil {
		c.SessionData = append([]byte(nil), conn.SessionData...)
	}
	return &c
}

// GetConnection retrieves a connection by ID.
func (m *MockStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.connections[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConnection(c), nil
}

// ListConnections returns all connections ordered by creation time.
func (m *MockStore) ListConnections(ctx context.Context) ([]*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, copyConnection(c))
	}
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].CreatedAt.Equal(conns[j].CreatedAt) {
			return conns[i].ID < conns[j].ID
		}
		return conns[i].CreatedAt.Before(conns[j].CreatedAt)
	})
	return conns, nil
}

// UpdateConnection replaces a stored connection.
func (m *MockStore) UpdateConnection(ctx context.Context, conn *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.connections[conn.ID]; !ok {
		return ErrNotFound
	}
	conn.UpdatedAt = time.Now()
	m.connections[conn.ID] = copyConnection(conn)
	return nil
}

// DeleteConnection removes a connection with its agent and pairs.
func (m *MockStore) DeleteConnection(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.connections[id]; !ok {
		return ErrNotFound
	}
	delete(m.connections, id)
	for aid, a := range m.agents {
		if a.ConnectionID == id {
			delete(m.agents, aid)
		}
	}
	for pid, p := range m.pairs {
		if p.ConnectionA == id || p.ConnectionB == id {
			delete(m.pairs, pid)
		}
	}
	return nil
}

// SaveMessage appends a message to the log.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveMessageErr != nil {
		return m.SaveMessageErr
	}

	fillMessageDefaults(msg)
	c := *msg
	m.messages = append(m.messages, &c)
	return nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, msg := range m.messages {
		if msg.ID == id {
			c := *msg
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// MarkMessageDelivered sets the delivered flag on a message.
func (m *MockStore) MarkMessageDelivered(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.messages {
		if msg.ID == id {
			msg.Delivered = true
			return nil
		}
	}
	return ErrNotFound
}

func between(msg *Message, a, b string) bool {
	return (msg.SenderID == a && msg.ReceiverID == b) || (msg.SenderID == b && msg.ReceiverID == a)
}

// GetConversation returns the most recent `limit` messages between a and b,
// oldest first. If limit is 0 or negative, all messages are returned.
func (m *MockStore) GetConversation(ctx context.Context, a, b string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	for _, msg := range m.messages {
		if between(msg, a, b) {
			c := *msg
			result = append(result, &c)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// LastMessageBetween returns the newest message between a and b.
func (m *MockStore) LastMessageBetween(ctx context.Context, a, b string) (*Message, error) {
	msgs, err := m.GetConversation(ctx, a, b, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[0], nil
}

// ClearConversation deletes every message between a and b.
func (m *MockStore) ClearConversation(ctx context.Context, a, b string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.messages[:0]
	var removed int64
	for _, msg := range m.messages {
		if between(msg, a, b) {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	m.messages = kept
	return removed, nil
}

// CountMessages returns the number of stored messages.
func (m *MockStore) CountMessages(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages), nil
}

// FindDuplicateMessages groups duplicate messages.
func (m *MockStore) FindDuplicateMessages(ctx context.Context) ([][]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := make([]*Message, len(m.messages))
	for i, msg := range m.messages {
		c := *msg
		snapshot[i] = &c
	}
	return groupDuplicates(snapshot), nil
}

// RemoveDuplicateMessages deletes all but the oldest message of each group.
func (m *MockStore) RemoveDuplicateMessages(ctx context.Context) (int, error) {
	groups, err := m.FindDuplicateMessages(ctx)
	if err != nil {
		return 0, err
	}

	drop := make(map[string]bool)
	for _, id := range redundantIDs(groups) {
		drop[id] = true
	}
	if len(drop) == 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.messages[:0]
	removed := 0
	for _, msg := range m.messages {
		if drop[msg.ID] {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	m.messages = kept
	return removed, nil
}

// CreateAgent stores a new agent.
func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	fillAgentDefaults(agent)
	if err := agent.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.agents {
		if existing.ConnectionID == agent.ConnectionID {
			return fmt.Errorf("%w: connection %s already has an agent", ErrInvalid, agent.ConnectionID)
		}
	}

	a := *agent
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

// GetAgentByConnection retrieves the agent bound to a connection.
func (m *MockStore) GetAgentByConnection(ctx context.Context, connectionID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.agents {
		if a.ConnectionID == connectionID {
			c := *a
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// ListAgents returns all agents ordered by creation time.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		c := *a
		agents = append(agents, &c)
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})
	return agents, nil
}

// UpdateAgent replaces an agent's settings, preserving its message count.
func (m *MockStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	if err := agent.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.agents[agent.ID]
	if !ok {
		return ErrNotFound
	}
	agent.UpdatedAt = time.Now()
	a := *agent
	a.MessageCount = existing.MessageCount
	a.CreatedAt = existing.CreatedAt
	m.agents[a.ID] = &a
	return nil
}

// DeleteAgent removes an agent.
func (m *MockStore) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[id]; !ok {
		return ErrNotFound
	}
	delete(m.agents, id)
	return nil
}

// IncrementAgentMessageCount bumps an agent's message count.
func (m *MockStore) IncrementAgentMessageCount(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.MessageCount++
	a.UpdatedAt = time.Now()
	return nil
}

// CreatePair stores a new pair in canonical order.
func (m *MockStore) CreatePair(ctx context.Context, pair *ConversationPair) error {
	if err := fillPairDefaults(pair); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.pairs {
		if p.ConnectionA == pair.ConnectionA && p.ConnectionB == pair.ConnectionB {
			return ErrDuplicatePair
		}
	}
	p := *pair
	m.pairs[p.ID] = &p
	return nil
}

// ListActivePairs returns every active pair.
func (m *MockStore) ListActivePairs(ctx context.Context) ([]*ConversationPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pairs []*ConversationPair
	for _, p := range m.pairs {
		if p.Active {
			c := *p
			pairs = append(pairs, &c)
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].CreatedAt.Before(pairs[j].CreatedAt)
	})
	return pairs, nil
}

// SetPairActive toggles a pair's active flag.
func (m *MockStore) SetPairActive(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pairs[id]
	if !ok {
		return ErrNotFound
	}
	p.Active = active
	return nil
}

// DeletePair removes a pair.
func (m *MockStore) DeletePair(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pairs[id]; !ok {
		return ErrNotFound
	}
	delete(m.pairs, id)
	return nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Messages returns a snapshot of every stored message in insertion order.
func (m *MockStore) Messages() []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Message, len(m.messages))
	for i, msg := range m.messages {
		c := *msg
		out[i] = &c
	}
	return out
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
