// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists connections, messages, agents and pairs with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single writer avoids SQLITE_BUSY between the router and scheduler goroutines
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS connections (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			phone         TEXT,
			status        TEXT NOT NULL DEFAULT 'disconnected',
			qr_code       TEXT,
			session_data  BLOB,
			persistent    INTEGER NOT NULL DEFAULT 0,
			last_activity TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			CHECK (status IN ('disconnected', 'connecting', 'connected', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_connections_phone ON connections(phone);

		CREATE TABLE IF NOT EXISTS messages (
			id            TEXT PRIMARY KEY,
			sender_id     TEXT,
			receiver_id   TEXT,
			content       TEXT NOT NULL,
			type          TEXT NOT NULL DEFAULT 'text',
			is_from_agent INTEGER NOT NULL DEFAULT 0,
			agent_id      TEXT,
			created_at    TEXT NOT NULL,

			CHECK (type IN ('text', 'image', 'emoji'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_endpoints
			ON messages(sender_id, receiver_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_messages_created
			ON messages(created_at);

		CREATE TABLE IF NOT EXISTS agents (
			id                  TEXT PRIMARY KEY,
			connection_id       TEXT NOT NULL UNIQUE,
			name                TEXT NOT NULL DEFAULT '',
			persona             TEXT NOT NULL,
			temperature         REAL NOT NULL DEFAULT 0.7,
			response_delay_ms   INTEGER NOT NULL DEFAULT 2000,
			max_response_length INTEGER NOT NULL DEFAULT 500,
			memory_size         INTEGER NOT NULL DEFAULT 10,
			use_memory          INTEGER NOT NULL DEFAULT 1,
			active              INTEGER NOT NULL DEFAULT 1,
			paused              INTEGER NOT NULL DEFAULT 0,
			message_count       INTEGER NOT NULL DEFAULT 0,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversation_pairs (
			id           TEXT PRIMARY KEY,
			connection_a TEXT NOT NULL,
			connection_b TEXT NOT NULL,
			active       INTEGER NOT NULL DEFAULT 1,
			started_by   TEXT,
			created_at   TEXT NOT NULL,

			UNIQUE(connection_a, connection_b)
		);

		CREATE INDEX IF NOT EXISTS idx_pairs_active ON conversation_pairs(active);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		check  string
		apply  string
		column string
	}{
		{
			table:  "messages",
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'delivered'`,
			apply:  `ALTER TABLE messages ADD COLUMN delivered INTEGER NOT NULL DEFAULT 0`,
			column: "delivered",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// timeFormat is fixed width so text ordering in SQL matches time ordering
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// --- Connections ---

const connectionColumns = `id, name, phone, status, qr_code, session_data, persistent, last_activity, created_at, updated_at`

func scanConnection(row rowScanner) (*Connection, error) {
	var c Connection
	var phone, qr, lastActivity sql.NullString
	var status, createdAt, updatedAt string

	if err := row.Scan(&c.ID, &c.Name, &phone, &status, &qr, &c.SessionData, &c.Persistent, &lastActivity, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	c.Phone = phone.String
	c.QRCode = qr.String
	c.Status = ConnectionStatus(status)

	var err error
	if lastActivity.Valid {
		if c.LastActivity, err = parseTime(lastActivity.String); err != nil {
			return nil, fmt.Errorf("parsing last_activity: %w", err)
		}
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// CreateConnection validates and inserts a new connection.
// Missing ID, status and timestamps are filled in.
func (s *SQLiteStore) CreateConnection(ctx context.Context, conn *Connection) error {
	if err := conn.Validate(); err != nil {
		return err
	}
	fillConnectionDefaults(conn)

	query := `INSERT INTO connections (` + connectionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		conn.ID,
		conn.Name,
		nullString(conn.Phone),
		string(conn.Status),
		nullString(conn.QRCode),
		conn.SessionData,
		conn.Persistent,
		nullTime(conn.LastActivity),
		formatTime(conn.CreatedAt),
		formatTime(conn.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: connection %s already exists", ErrInvalid, conn.ID)
		}
		return fmt.Errorf("inserting connection: %w", err)
	}

	s.logger.Debug("created connection", "id", conn.ID, "name", conn.Name)
	return nil
}

func fillConnectionDefaults(conn *Connection) {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	if conn.Status == "" {
		conn.Status = StatusDisconnected
	}
	now := time.Now()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	if conn.UpdatedAt.IsZero() {
		conn.UpdatedAt = now
	}
}

// GetConnection retrieves a connection by ID.
// Returns ErrNotFound if the connection doesn't exist.
func (s *SQLiteStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE id = ?`
	conn, err := scanConnection(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying connection: %w", err)
	}
	return conn, nil
}

// ListConnections returns all connections ordered by creation time.
func (s *SQLiteStore) ListConnections(ctx context.Context) ([]*Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying connections: %w", err)
	}
	defer rows.Close()

	var conns []*Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning connection row: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connection rows: %w", err)
	}
	return conns, nil
}

// UpdateConnection persists every mutable field of a connection.
// Returns ErrNotFound if the connection doesn't exist.
func (s *SQLiteStore) UpdateConnection(ctx context.Context, conn *Connection) error {
	conn.UpdatedAt = time.Now()
	query := `
		UPDATE connections
		SET name = ?, phone = ?, status = ?, qr_code = ?, session_data = ?,
		    persistent = ?, last_activity = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		conn.Name,
		nullString(conn.Phone),
		string(conn.Status),
		nullString(conn.QRCode),
		conn.SessionData,
		conn.Persistent,
		nullTime(conn.LastActivity),
		formatTime(conn.UpdatedAt),
		conn.ID,
	)
	if err != nil {
		return fmt.Errorf("updating connection: %w", err)
	}

	return requireAffected(result)
}

// DeleteConnection removes a connection. Messages are kept as history.
func (s *SQLiteStore) DeleteConnection(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting connection: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}

	// The agent and pairs have nothing left to drive without the connection
	agents, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE connection_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting agent of connection: %w", err)
	}
	pairs, err := tx.ExecContext(ctx, `DELETE FROM conversation_pairs WHERE connection_a = ? OR connection_b = ?`, id, id)
	if err != nil {
		return fmt.Errorf("deleting pairs of connection: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing connection delete: %w", err)
	}

	agentsRemoved, _ := agents.RowsAffected()
	pairsRemoved, _ := pairs.RowsAffected()
	s.logger.Debug("deleted connection", "id", id, "agents", agentsRemoved, "pairs", pairsRemoved)
	return nil
}

func requireAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Messages ---

const messageColumns = `id, sender_id, receiver_id, content, type, is_from_agent, agent_id, delivered, created_at`

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var sender, receiver, agentID sql.NullString
	var createdAt string

	if err := row.Scan(&m.ID, &sender, &receiver, &m.Content, &m.Type, &m.IsFromAgent, &agentID, &m.Delivered, &createdAt); err != nil {
		return nil, err
	}
	m.SenderID = sender.String
	m.ReceiverID = receiver.String
	m.AgentID = agentID.String

	var err error
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing message created_at: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// SaveMessage validates and appends a message to the log
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	fillMessageDefaults(msg)

	query := `INSERT INTO messages (` + messageColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		nullString(msg.SenderID),
		nullString(msg.ReceiverID),
		msg.Content,
		msg.Type,
		msg.IsFromAgent,
		nullString(msg.AgentID),
		msg.Delivered,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "sender", msg.SenderID, "receiver", msg.ReceiverID, "from_agent", msg.IsFromAgent)
	return nil
}

func fillMessageDefaults(msg *Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Type == "" {
		msg.Type = MessageTypeText
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = ?`
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// MarkMessageDelivered records that a message reached the external network.
func (s *SQLiteStore) MarkMessageDelivered(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE messages SET delivered = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking message delivered: %w", err)
	}
	return requireAffected(result)
}

// GetConversation returns messages exchanged between two connections in either
// direction, limited to the most recent `limit`, in chronological order.
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) GetConversation(ctx context.Context, a, b string, limit int) ([]*Message, error) {
	where := `(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)`
	if limit > 0 {
		query := `
			SELECT ` + messageColumns + ` FROM (
				SELECT ` + messageColumns + ` FROM messages
				WHERE ` + where + `
				ORDER BY created_at DESC
				LIMIT ?
			)
			ORDER BY created_at ASC
		`
		return s.queryMessages(ctx, query, a, b, b, a, limit)
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE ` + where + ` ORDER BY created_at ASC`
	return s.queryMessages(ctx, query, a, b, b, a)
}

// LastMessageBetween returns the newest message between two connections in
// either direction, or ErrNotFound.
func (s *SQLiteStore) LastMessageBetween(ctx context.Context, a, b string) (*Message, error) {
	msgs, err := s.GetConversation(ctx, a, b, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[0], nil
}

// ClearConversation deletes every message between two connections.
func (s *SQLiteStore) ClearConversation(ctx context.Context, a, b string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)`,
		a, b, b, a)
	if err != nil {
		return 0, fmt.Errorf("clearing conversation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	s.logger.Debug("cleared conversation", "a", a, "b", b, "deleted", n)
	return n, nil
}

// CountMessages returns the total number of stored messages.
func (s *SQLiteStore) CountMessages(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// FindDuplicateMessages returns groups of messages with identical content and
// endpoints created within DuplicateWindow of each other.
func (s *SQLiteStore) FindDuplicateMessages(ctx context.Context) ([][]*Message, error) {
	// Only content that occurs more than once on the same endpoints can be duplicated
	query := `
		SELECT ` + messageColumns + ` FROM messages m
		WHERE EXISTS (
			SELECT 1 FROM messages d
			WHERE d.id != m.id
			  AND d.content = m.content
			  AND COALESCE(d.sender_id, '') = COALESCE(m.sender_id, '')
			  AND COALESCE(d.receiver_id, '') = COALESCE(m.receiver_id, '')
		)
	`
	candidates, err := s.queryMessages(ctx, query)
	if err != nil {
		return nil, err
	}
	return groupDuplicates(candidates), nil
}

// RemoveDuplicateMessages deletes all but the oldest message of each duplicate
// group and returns the number of rows removed.
func (s *SQLiteStore) RemoveDuplicateMessages(ctx context.Context) (int, error) {
	groups, err := s.FindDuplicateMessages(ctx)
	if err != nil {
		return 0, err
	}
	ids := redundantIDs(groups)
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	removed := 0
	for _, id := range ids {
		result, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
		if err != nil {
			return 0, fmt.Errorf("deleting duplicate %s: %w", id, err)
		}
		n, _ := result.RowsAffected()
		removed += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing duplicate removal: %w", err)
	}

	s.logger.Info("removed duplicate messages", "groups", len(groups), "removed", removed)
	return removed, nil
}

// --- Agents ---

const agentColumns = `id, connection_id, name, persona, temperature, response_delay_ms, max_response_length,
	memory_size, use_memory, active, paused, message_count, created_at, updated_at`

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var delayMS int64
	var createdAt, updatedAt string

	if err := row.Scan(&a.ID, &a.ConnectionID, &a.Name, &a.Persona, &a.Temperature, &delayMS, &a.MaxResponseLength,
		&a.MemorySize, &a.UseMemory, &a.Active, &a.Paused, &a.MessageCount, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.ResponseDelay = time.Duration(delayMS) * time.Millisecond

	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &a, nil
}

// CreateAgent validates and inserts an agent. A connection carries at most one agent.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	fillAgentDefaults(agent)
	if err := agent.Validate(); err != nil {
		return err
	}

	query := `INSERT INTO agents (` + agentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		agent.ID,
		agent.ConnectionID,
		agent.Name,
		agent.Persona,
		agent.Temperature,
		agent.ResponseDelay.Milliseconds(),
		agent.MaxResponseLength,
		agent.MemorySize,
		agent.UseMemory,
		agent.Active,
		agent.Paused,
		agent.MessageCount,
		formatTime(agent.CreatedAt),
		formatTime(agent.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: connection %s already has an agent", ErrInvalid, agent.ConnectionID)
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "connection_id", agent.ConnectionID)
	return nil
}

func fillAgentDefaults(agent *Agent) {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.ResponseDelay == 0 {
		agent.ResponseDelay = DefaultResponseDelay
	}
	now := time.Now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	if agent.UpdatedAt.IsZero() {
		agent.UpdatedAt = now
	}
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = ?`
	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// GetAgentByConnection retrieves the agent listening on a connection.
func (s *SQLiteStore) GetAgentByConnection(ctx context.Context, connectionID string) (*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE connection_id = ?`
	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, connectionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent by connection: %w", err)
	}
	return agent, nil
}

// ListAgents returns all agents ordered by creation time.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

// UpdateAgent persists an agent's editable settings.
func (s *SQLiteStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	if err := agent.Validate(); err != nil {
		return err
	}
	agent.UpdatedAt = time.Now()

	query := `
		UPDATE agents
		SET connection_id = ?, name = ?, persona = ?, temperature = ?, response_delay_ms = ?,
		    max_response_length = ?, memory_size = ?, use_memory = ?, active = ?, paused = ?,
		    updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		agent.ConnectionID,
		agent.Name,
		agent.Persona,
		agent.Temperature,
		agent.ResponseDelay.Milliseconds(),
		agent.MaxResponseLength,
		agent.MemorySize,
		agent.UseMemory,
		agent.Active,
		agent.Paused,
		formatTime(agent.UpdatedAt),
		agent.ID,
	)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}
	return requireAffected(result)
}

// DeleteAgent removes an agent.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	return requireAffected(result)
}

// IncrementAgentMessageCount bumps an agent's running message count.
func (s *SQLiteStore) IncrementAgentMessageCount(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("incrementing agent message count: %w", err)
	}
	return requireAffected(result)
}

// --- Conversation pairs ---

const pairColumns = `id, connection_a, connection_b, active, started_by, created_at`

func scanPair(row rowScanner) (*ConversationPair, error) {
	var p ConversationPair
	var startedBy sql.NullString
	var createdAt string

	if err := row.Scan(&p.ID, &p.ConnectionA, &p.ConnectionB, &p.Active, &startedBy, &createdAt); err != nil {
		return nil, err
	}
	p.StartedBy = startedBy.String

	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &p, nil
}

// CreatePair stores a new conversation pair in canonical order.
// Returns ErrDuplicatePair if the two connections are already paired.
func (s *SQLiteStore) CreatePair(ctx context.Context, pair *ConversationPair) error {
	if err := fillPairDefaults(pair); err != nil {
		return err
	}

	query := `INSERT INTO conversation_pairs (` + pairColumns + `) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		pair.ID,
		pair.ConnectionA,
		pair.ConnectionB,
		pair.Active,
		nullString(pair.StartedBy),
		formatTime(pair.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicatePair
		}
		return fmt.Errorf("inserting pair: %w", err)
	}
	return nil
}

func fillPairDefaults(pair *ConversationPair) error {
	if pair.ConnectionA == "" || pair.ConnectionB == "" {
		return fmt.Errorf("%w: a pair needs two connections", ErrInvalid)
	}
	if pair.ConnectionA == pair.ConnectionB {
		return fmt.Errorf("%w: a connection cannot be paired with itself", ErrInvalid)
	}
	pair.ConnectionA, pair.ConnectionB = NormalizePair(pair.ConnectionA, pair.ConnectionB)
	if pair.ID == "" {
		pair.ID = uuid.New().String()
	}
	if pair.CreatedAt.IsZero() {
		pair.CreatedAt = time.Now()
	}
	return nil
}

// ListActivePairs returns every pair flagged active.
func (s *SQLiteStore) ListActivePairs(ctx context.Context) ([]*ConversationPair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pairColumns+` FROM conversation_pairs WHERE active = 1 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying pairs: %w", err)
	}
	defer rows.Close()

	var pairs []*ConversationPair
	for rows.Next() {
		pair, err := scanPair(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pair row: %w", err)
		}
		pairs = append(pairs, pair)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pair rows: %w", err)
	}
	return pairs, nil
}

// SetPairActive toggles whether a pair is eligible for autonomous small talk.
func (s *SQLiteStore) SetPairActive(ctx context.Context, id string, active bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE conversation_pairs SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("updating pair: %w", err)
	}
	return requireAffected(result)
}

// DeletePair removes a conversation pair.
func (s *SQLiteStore) DeletePair(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversation_pairs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting pair: %w", err)
	}
	return requireAffected(result)
}
