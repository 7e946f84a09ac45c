// ABOUTME: Ops HTTP API for the switchboard built on chi
// ABOUTME: Connection lifecycle, message injection, agents, pairs, dedupe and the live event websocket

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/coven-switchboard/internal/protocol/simnet"
	"github.com/2389/coven-switchboard/internal/session"
	"github.com/2389/coven-switchboard/internal/store"
)

// eventWriteTimeout bounds one websocket write to a slow consumer.
const eventWriteTimeout = 5 * time.Second

// Defaults for agents created without explicit tuning.
const (
	defaultTemperature       = 0.8
	defaultMaxResponseLength = 300
)

// ConnectionResponse is the JSON view of a connection.
type ConnectionResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone,omitempty"`
	Status       string    `json:"status"`
	Persistent   bool      `json:"persistent"`
	LastActivity time.Time `json:"last_activity,omitzero"`
	CreatedAt    time.Time `json:"created_at"`
}

func newConnectionResponse(c *store.Connection) ConnectionResponse {
	return ConnectionResponse{
		ID:           c.ID,
		Name:         c.Name,
		Phone:        c.Phone,
		Status:       string(c.Status),
		Persistent:   c.Persistent,
		LastActivity: c.LastActivity,
		CreatedAt:    c.CreatedAt,
	}
}

// AgentResponse is the JSON view of an agent.
type AgentResponse struct {
	ID                string  `json:"id"`
	ConnectionID      string  `json:"connection_id"`
	Name              string  `json:"name"`
	Persona           string  `json:"persona"`
	Temperature       float64 `json:"temperature"`
	ResponseDelayMS   int64   `json:"response_delay_ms"`
	MaxResponseLength int     `json:"max_response_length"`
	MemorySize        int     `json:"memory_size"`
	UseMemory         bool    `json:"use_memory"`
	Active            bool    `json:"active"`
	Paused            bool    `json:"paused"`
	MessageCount      int     `json:"message_count"`
	PendingReplies    int     `json:"pending_replies"`
}

// CreateAgentRequest is the body of POST /api/agents. Omitted fields take
// store defaults.
type CreateAgentRequest struct {
	ConnectionID      string   `json:"connection_id"`
	Name              string   `json:"name"`
	Persona           string   `json:"persona"`
	Temperature       *float64 `json:"temperature"`
	ResponseDelayMS   *int64   `json:"response_delay_ms"`
	MaxResponseLength int      `json:"max_response_length"`
	MemorySize        int      `json:"memory_size"`
	UseMemory         *bool    `json:"use_memory"`
}

// MessageResponse is the JSON view of a routed message.
type MessageResponse struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id,omitempty"`
	ReceiverID  string    `json:"receiver_id,omitempty"`
	Content     string    `json:"content"`
	IsFromAgent bool      `json:"is_from_agent"`
	AgentID     string    `json:"agent_id,omitempty"`
	Delivered   bool      `json:"delivered"`
	CreatedAt   time.Time `json:"created_at"`
}

func newMessageResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:          m.ID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Content:     m.Content,
		IsFromAgent: m.IsFromAgent,
		AgentID:     m.AgentID,
		Delivered:   m.Delivered,
		CreatedAt:   m.CreatedAt,
	}
}

// routes builds the ops HTTP handler.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Route("/connections", func(r chi.Router) {
			r.Get("/", g.handleListConnections)
			r.Post("/", g.handleCreateConnection)
			r.Delete("/{id}", g.handleDeleteConnection)
			r.Post("/{id}/connect", g.handleConnect)
			r.Post("/{id}/disconnect", g.handleDisconnect)
			r.Post("/{id}/pair", g.handlePair)
		})
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", g.handleListAgents)
			r.Post("/", g.handleCreateAgent)
			r.Delete("/{id}", g.handleDeleteAgent)
			r.Post("/{id}/pause", g.handleSetPaused(true))
			r.Post("/{id}/resume", g.handleSetPaused(false))
		})
		r.Route("/pairs", func(r chi.Router) {
			r.Post("/", g.handleCreatePair)
			r.Delete("/{id}", g.handleDeletePair)
			r.Post("/{id}/pause", g.handleSetPairActive(false))
			r.Post("/{id}/resume", g.handleSetPairActive(true))
		})
		r.Post("/messages", g.handleInjectMessage)
		r.Get("/messages", g.handleConversation)
		r.Delete("/messages", g.handleClearConversation)
		r.Post("/dedupe", g.handleDedupe)
		r.Get("/events", g.handleEvents)
	})

	return r
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, session.ErrUnknownConnection):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrDuplicatePair), errors.Is(err, session.ErrHandshakeInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", store.ErrInvalid, err)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one connection has a live session.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	connected := len(g.sessions.ConnectedPhones())
	if connected == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no connections connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connections)", connected)
}

func (g *Gateway) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := g.store.ListConnections(r.Context())
	if err != nil {
		sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response := make([]ConnectionResponse, 0, len(conns))
	for _, c := range conns {
		response = append(response, newConnectionResponse(c))
	}
	writeJSON(w, http.StatusOK, response)
}

func (g *Gateway) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, err := g.sessions.Create(r.Context(), req.Name)
	if err != nil {
		sendJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, newConnectionResponse(conn))
}

// handleDeleteConnection removes a connection. Its agent goes with it, so
// replies that agent still had pending are cancelled.
func (g *Gateway) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	bound, _ := g.store.GetAgentByConnection(r.Context(), id)
	if err := g.sessions.Delete(r.Context(), id); err != nil {
		sendJSONError(w, statusFor(err), err.Error())
		return
	}
	if bound != nil {
		g.scheduler.CancelAgent(bound.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleConnect starts a handshake. The token is empty when a stored session
// is being resumed.
func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// The handshake outlives the request
	token, err := g.sessions.Connect(context.WithoutCancel(r.Context()), id)
	if err != nil {
		sendJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"connection_id": id,
		"token":         token,
		"resuming":      token == "",
	})
}

func (g *Gateway) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := g.sessions.Disconnect(r.Context(), chi.URLParam(r, "id")); err != nil {
		sendJSONError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePair completes a pending handshake on the simulated network, standing
// in for the user scanning the token with their phone.
func (g *Gateway) handlePair(w http.ResponseWriter, r *http.Request) {
	network, ok := g.adapter.(*simnet.Network)
	if !ok {
		sendJSONError(w, http.StatusNotImplemented, "pairing is only available on the simulated network")
		return
	}
	var req struct {
		Address string `json:"address"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Address == "" {
		sendJSONError(w, http.StatusBadRequest, "address is required")
		return
	}
	id := chi.URLParam(r, "id")
	token, ok := network.Token(id)
	if !ok {
		sendJSONError(w, http.StatusConflict, "no handshake pending for connection")
		return
	}
	if err := network.Pair(token, req.Address); err != nil {
		sendJSONError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (g *Gateway) agentResponse(a *store.Agent) AgentResponse {
	return AgentResponse{
		ID:                a.ID,
		ConnectionID:      a.ConnectionID,
		Name:              a.Name,
		Persona:           a.Persona,
		Temperature:       a.Temperature,
		ResponseDelayMS:   a.ResponseDelay.Milliseconds(),
		MaxResponseLength: a.MaxResponseLength,
		MemorySize:        a.MemorySize,
		UseMemory:         a.UseMemory,
		Active:            a.Active,
		Paused:            a.Paused,
		MessageCount:      a.MessageCount,
		PendingReplies:    len(g.scheduler.Pending(a.ID)),
	}
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.store.ListAgents(r.Context())
	if err != nil {
		sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		response = append(response, g.agentResponse(a))
	}
	writeJSON(w, http.StatusOK, response)
}

func (g *Gateway) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req CreateAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	a := &store.Agent{
		ConnectionID:      req.ConnectionID,
		Name:              req.Name,
		Persona:           req.Persona,
		MaxResponseLength: req.MaxResponseLength,
		MemorySize:        req.MemorySize,
		Temperature:       defaultTemperature,
		UseMemory:         true,
		Active:            true,
	}
	if a.MaxResponseLength == 0 {
		a.MaxResponseLength = defaultMaxResponseLength
	}
	if req.Temperature != nil {
		a.Temperature = *req.Temperature
	}
	if req.ResponseDelayMS != nil {
		a.ResponseDelay = time.Duration(*req.ResponseDelayMS) * time.Millisecond
	}
	if req.UseMemory != nil {
		a.UseMemory = *req.UseMemory
	}

	if _, err := g.store.GetConnection(r.Context(), a.ConnectionID); err != nil {
		sendJSONError(w, statusFor(err), "connection not found")
		return
	}
	if err := g.store.CreateAgent(r.Context(), a); err != nil {
		sendJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, g.agentResponse(a))
}

func (g *Gateway) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := g.store.DeleteAgent(r.Context(), id); err != nil {
		sendJSONError(w, statusFor(err), err.Error())
		return
	}
	if n := g.scheduler.CancelAgent(id); n > 0 {
		g.logger.Info("cancelled pending replies for deleted agent", "agent_id", id, "count", n)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetPaused pauses or resumes an agent. Pausing cancels replies that
// have not fired yet.
func (g *Gateway) handleSetPaused(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := g.store.GetAgent(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			sendJSONError(w, statusFor(err), err.Error())
			return
		}
		a.Paused = paused
		if err := g.store.UpdateAgent(r.Context(), a); err != nil {
			sendJSONError(w, statusFor(err), err.Error())
			return
		}
		if paused {
			g.scheduler.CancelAgent(a.ID)
		}
		writeJSON(w, http.StatusOK, g.agentResponse(a))
	}
}

func (g *Gateway) handleCreatePair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConnectionA string `json:"connection_a"`
		ConnectionB string `json:"connection_b"`
		StartedBy   string `json:"started_by"`
	}
	if err := decodeJSON(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	pair := &store.ConversationPair{
		ConnectionA: req.ConnectionA,
		ConnectionB: req.ConnectionB,
		StartedBy:   req.StartedBy,
		Active:      true,
	}
	if err := g.store.CreatePair(r.Context(), pair); err != nil {
		sendJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":           pair.ID,
		"connection_a": pair.ConnectionA,
		"connection_b": pair.ConnectionB,
		"active":       pair.Active,
	})
}

func (g *Gateway) handleDeletePair(w http.ResponseWriter, r *http.Request) {
	if err := g.store.DeletePair(r.Context(), chi.URLParam(r, "id")); err != nil {
		sendJSONError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetPairActive stops or restarts autopilot turns for a pair without
// forgetting it.
func (g *Gateway) handleSetPairActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := g.store.SetPairActive(r.Context(), id, active); err != nil {
			sendJSONError(w, statusFor(err), err.Error())
			return
		}
		g.logger.Info("pair updated", "pair_id", id, "active", active)
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": active})
	}
}

// handleInjectMessage sends a message between two connections as if a person
// had typed it.
func (g *Gateway) handleInjectMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.From == "" || req.To == "" || req.Text == "" {
		sendJSONError(w, http.StatusBadRequest, "from, to and text are required")
		return
	}
	msg, err := g.router.Inject(context.WithoutCancel(r.Context()), req.From, req.To, req.Text)
	if err != nil {
		sendJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, newMessageResponse(msg))
}

// handleConversation returns recent messages between ?a= and ?b=, oldest first.
func (g *Gateway) handleConversation(w http.ResponseWriter, r *http.Request) {
	a, b := r.URL.Query().Get("a"), r.URL.Query().Get("b")
	if a == "" || b == "" {
		sendJSONError(w, http.StatusBadRequest, "a and b are required")
		return
	}
	msgs, err := g.store.GetConversation(r.Context(), a, b, 100)
	if err != nil {
		sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		response = append(response, newMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, response)
}

// handleClearConversation deletes every message exchanged between ?a= and ?b=.
func (g *Gateway) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	a, b := r.URL.Query().Get("a"), r.URL.Query().Get("b")
	if a == "" || b == "" {
		sendJSONError(w, http.StatusBadRequest, "a and b are required")
		return
	}
	removed, err := g.store.ClearConversation(r.Context(), a, b)
	if err != nil {
		sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.logger.Info("conversation cleared", "a", a, "b", b, "removed", removed)
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (g *Gateway) handleDedupe(w http.ResponseWriter, r *http.Request) {
	removed, err := g.router.Deduplicate(r.Context())
	if err != nil {
		sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// handleEvents streams emitted events over a websocket until either side
// goes away. ?connection_id= restricts the stream to one connection plus
// global events.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Warn("failed to accept websocket", "error", err)
		return
	}
	defer ws.CloseNow()

	// Reads are discarded; the returned context ends when the client closes
	ctx := ws.CloseRead(r.Context())
	ch, subID := g.broadcaster.Subscribe(ctx, r.URL.Query().Get("connection_id"))
	g.logger.Debug("event stream opened", "sub_id", subID)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				_ = ws.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, ws, evt)
			cancel()
			if err != nil {
				g.logger.Debug("event stream write failed", "sub_id", subID, "error", err)
				return
			}
		}
	}
}
