// ABOUTME: Tests for the ops HTTP API handlers
// ABOUTME: Drives the chi router with httptest against a mock store and the simulated network

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-switchboard/internal/completion"
	"github.com/2389/coven-switchboard/internal/events"
	"github.com/2389/coven-switchboard/internal/protocol/matrix"
	"github.com/2389/coven-switchboard/internal/protocol/simnet"
	"github.com/2389/coven-switchboard/internal/store"
)

type apiHarness struct {
	g       *Gateway
	network *simnet.Network
	handler http.Handler
}

// newAPIHarness builds a gateway on a mock store with its event loop running.
func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	network := simnet.New(simnet.WithLogger(testLogger()))
	g, err := New(testConfig(t), testLogger(),
		WithStore(store.NewMockStore()),
		WithAdapter(network),
		WithGenerator(completion.NewCanned(nil)),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = g.sessions.Run(ctx, g.router.HandleEvent) }()
	t.Cleanup(func() {
		cancel()
		g.closeComponents()
	})

	return &apiHarness{g: g, network: network, handler: g.routes()}
}

func (h *apiHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func (h *apiHarness) createConnection(t *testing.T, name string) ConnectionResponse {
	t.Helper()
	w := h.do(t, http.MethodPost, "/api/connections", `{"name":"`+name+`"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeBody[ConnectionResponse](t, w)
}

func TestAPI_Health(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	w = h.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAPI_ConnectionLifecycle(t *testing.T) {
	h := newAPIHarness(t)

	conn := h.createConnection(t, "Alice")
	assert.Equal(t, "Alice", conn.Name)
	assert.Equal(t, string(store.StatusDisconnected), conn.Status)

	w := h.do(t, http.MethodPost, "/api/connections/"+conn.ID+"/connect", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	connect := decodeBody[map[string]any](t, w)
	assert.NotEmpty(t, connect["token"])
	assert.Equal(t, false, connect["resuming"])

	w = h.do(t, http.MethodPost, "/api/connections/"+conn.ID+"/pair", `{"address":"+15550100"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.Eventually(t, func() bool { return h.g.sessions.IsConnected(conn.ID) },
		2*time.Second, 10*time.Millisecond)

	w = h.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "1 connections")

	require.Eventually(t, func() bool {
		w := h.do(t, http.MethodGet, "/api/connections", "")
		list := decodeBody[[]ConnectionResponse](t, w)
		return len(list) == 1 && list[0].Phone == "+15550100" && list[0].Persistent
	}, 2*time.Second, 10*time.Millisecond)

	w = h.do(t, http.MethodPost, "/api/connections/"+conn.ID+"/disconnect", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, h.g.sessions.IsConnected(conn.ID))

	w = h.do(t, http.MethodDelete, "/api/connections/"+conn.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = h.do(t, http.MethodGet, "/api/connections", "")
	assert.Empty(t, decodeBody[[]ConnectionResponse](t, w))
}

func TestAPI_ConnectionErrors(t *testing.T) {
	h := newAPIHarness(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"create without name", http.MethodPost, "/api/connections", `{"name":""}`, http.StatusBadRequest},
		{"create invalid json", http.MethodPost, "/api/connections", `{`, http.StatusBadRequest},
		{"connect unknown", http.MethodPost, "/api/connections/nope/connect", "", http.StatusNotFound},
		{"disconnect unknown", http.MethodPost, "/api/connections/nope/disconnect", "", http.StatusNotFound},
		{"delete unknown", http.MethodDelete, "/api/connections/nope", "", http.StatusNotFound},
		{"pair without address", http.MethodPost, "/api/connections/nope/pair", `{}`, http.StatusBadRequest},
		{"pair without handshake", http.MethodPost, "/api/connections/nope/pair", `{"address":"+1"}`, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			if w.Code >= 400 {
				assert.NotEmpty(t, decodeBody[map[string]string](t, w)["error"])
			}
		})
	}
}

func TestAPI_PairRequiresSimulatedNetwork(t *testing.T) {
	g, err := New(testConfig(t), testLogger(),
		WithStore(store.NewMockStore()),
		WithAdapter(matrix.New("https://matrix.example.org", nil, testLogger())),
	)
	require.NoError(t, err)
	t.Cleanup(g.closeComponents)

	req := httptest.NewRequest(http.MethodPost, "/api/connections/x/pair", strings.NewReader(`{"address":"+1"}`))
	w := httptest.NewRecorder()
	g.routes().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestAPI_Agents(t *testing.T) {
	h := newAPIHarness(t)
	conn := h.createConnection(t, "Bob")

	w := h.do(t, http.MethodPost, "/api/agents", `{"connection_id":"missing","persona":"x"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodPost, "/api/agents", `{"connection_id":"`+conn.ID+`","name":"Bobbot","persona":"cheerful"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody[AgentResponse](t, w)
	assert.Equal(t, conn.ID, created.ConnectionID)
	assert.Equal(t, int64(2000), created.ResponseDelayMS)
	assert.Equal(t, defaultMaxResponseLength, created.MaxResponseLength)
	assert.InDelta(t, defaultTemperature, created.Temperature, 0.0001)
	assert.True(t, created.Active)
	assert.True(t, created.UseMemory)

	// One agent per connection
	w = h.do(t, http.MethodPost, "/api/agents", `{"connection_id":"`+conn.ID+`","persona":"grumpy"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/api/agents", `{"connection_id":"`+conn.ID+`","persona":"x","temperature":5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/api/agents/"+created.ID+"/pause", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[AgentResponse](t, w).Paused)

	w = h.do(t, http.MethodPost, "/api/agents/"+created.ID+"/resume", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decodeBody[AgentResponse](t, w).Paused)

	w = h.do(t, http.MethodGet, "/api/agents", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]AgentResponse](t, w), 1)

	w = h.do(t, http.MethodDelete, "/api/agents/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = h.do(t, http.MethodDelete, "/api/agents/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodPost, "/api/agents/"+created.ID+"/pause", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_PauseCancelsPendingReplies(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()
	alice := h.createConnection(t, "Alice")
	bob := h.createConnection(t, "Bob")

	agent := &store.Agent{
		ConnectionID:      bob.ID,
		Persona:           "slow thinker",
		ResponseDelay:     time.Hour,
		MaxResponseLength: 100,
		Active:            true,
	}
	require.NoError(t, h.g.store.CreateAgent(ctx, agent))

	w := h.do(t, http.MethodPost, "/api/messages", `{"from":"`+alice.ID+`","to":"`+bob.ID+`","text":"you there?"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Len(t, h.g.scheduler.Pending(agent.ID), 1)

	w = h.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/pause", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, h.g.scheduler.Pending(agent.ID))
}

func TestAPI_DeleteConnectionDropsItsAgent(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()
	alice := h.createConnection(t, "Alice")
	bob := h.createConnection(t, "Bob")

	agent := &store.Agent{
		ConnectionID:      bob.ID,
		Persona:           "slow thinker",
		ResponseDelay:     time.Hour,
		MaxResponseLength: 100,
		Active:            true,
	}
	require.NoError(t, h.g.store.CreateAgent(ctx, agent))

	w := h.do(t, http.MethodPost, "/api/messages", `{"from":"`+alice.ID+`","to":"`+bob.ID+`","text":"you there?"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Len(t, h.g.scheduler.Pending(agent.ID), 1)

	w = h.do(t, http.MethodDelete, "/api/connections/"+bob.ID, "")
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, h.g.scheduler.Pending(agent.ID))

	_, err := h.g.store.GetAgent(ctx, agent.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAPI_Pairs(t *testing.T) {
	h := newAPIHarness(t)
	alice := h.createConnection(t, "Alice")
	bob := h.createConnection(t, "Bob")

	body := `{"connection_a":"` + bob.ID + `","connection_b":"` + alice.ID + `"}`
	w := h.do(t, http.MethodPost, "/api/pairs", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	pair := decodeBody[map[string]any](t, w)
	assert.Equal(t, true, pair["active"])

	w = h.do(t, http.MethodPost, "/api/pairs", body)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, http.MethodPost, "/api/pairs", `{"connection_a":"`+alice.ID+`","connection_b":"`+alice.ID+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	id := pair["id"].(string)
	ctx := context.Background()

	w = h.do(t, http.MethodPost, "/api/pairs/"+id+"/pause", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, false, decodeBody[map[string]any](t, w)["active"])
	active, err := h.g.store.ListActivePairs(ctx)
	require.NoError(t, err)
	assert.Empty(t, active, "paused pairs get no autopilot turns")

	w = h.do(t, http.MethodPost, "/api/pairs/"+id+"/resume", "")
	require.Equal(t, http.StatusOK, w.Code)
	active, err = h.g.store.ListActivePairs(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	w = h.do(t, http.MethodDelete, "/api/pairs/"+id, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = h.do(t, http.MethodDelete, "/api/pairs/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = h.do(t, http.MethodPost, "/api/pairs/"+id+"/resume", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_ClearConversation(t *testing.T) {
	h := newAPIHarness(t)
	alice := h.createConnection(t, "Alice")
	bob := h.createConnection(t, "Bob")
	carol := h.createConnection(t, "Carol")

	for _, body := range []string{
		`{"from":"` + alice.ID + `","to":"` + bob.ID + `","text":"one"}`,
		`{"from":"` + bob.ID + `","to":"` + alice.ID + `","text":"two"}`,
		`{"from":"` + alice.ID + `","to":"` + carol.ID + `","text":"elsewhere"}`,
	} {
		w := h.do(t, http.MethodPost, "/api/messages", body)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := h.do(t, http.MethodDelete, "/api/messages?a="+bob.ID, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodDelete, "/api/messages?a="+bob.ID+"&b="+alice.ID, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 2, decodeBody[map[string]int64](t, w)["removed"])

	w = h.do(t, http.MethodGet, "/api/messages?a="+alice.ID+"&b="+bob.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody[[]MessageResponse](t, w))

	w = h.do(t, http.MethodGet, "/api/messages?a="+alice.ID+"&b="+carol.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]MessageResponse](t, w), 1, "other conversations are untouched")
}

func TestAPI_InjectMessage(t *testing.T) {
	h := newAPIHarness(t)
	alice := h.createConnection(t, "Alice")
	bob := h.createConnection(t, "Bob")

	w := h.do(t, http.MethodPost, "/api/messages", `{"from":"`+alice.ID+`","to":"`+bob.ID+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/api/messages", `{"from":"`+alice.ID+`","to":"`+alice.ID+`","text":"me"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/api/messages", `{"from":"`+alice.ID+`","to":"missing","text":"hi"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Neither side is connected, so the message is stored but not delivered
	w = h.do(t, http.MethodPost, "/api/messages", `{"from":"`+alice.ID+`","to":"`+bob.ID+`","text":"hello"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	msg := decodeBody[MessageResponse](t, w)
	assert.Equal(t, "hello", msg.Content)
	assert.False(t, msg.Delivered)
	assert.False(t, msg.IsFromAgent)

	w = h.do(t, http.MethodGet, "/api/messages?a="+bob.ID+"&b="+alice.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	conversation := decodeBody[[]MessageResponse](t, w)
	require.Len(t, conversation, 1)
	assert.Equal(t, msg.ID, conversation[0].ID)

	w = h.do(t, http.MethodGet, "/api/messages?a="+bob.ID, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_Dedupe(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()
	alice := h.createConnection(t, "Alice")
	bob := h.createConnection(t, "Bob")

	for range 2 {
		require.NoError(t, h.g.store.SaveMessage(ctx, &store.Message{
			SenderID:   alice.ID,
			ReceiverID: bob.ID,
			Content:    "Oi",
		}))
	}

	w := h.do(t, http.MethodPost, "/api/dedupe", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decodeBody[map[string]int](t, w)["removed"])

	w = h.do(t, http.MethodPost, "/api/dedupe", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decodeBody[map[string]int](t, w)["removed"])
}

func TestAPI_EventStream(t *testing.T) {
	h := newAPIHarness(t)
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events?connection_id=conn-1"
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	require.Eventually(t, func() bool { return h.g.broadcaster.SubscriberCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	h.g.broadcaster.Publish(events.Event{Kind: events.MessageRouted, ConnectionID: "conn-2"})
	h.g.broadcaster.Publish(events.Event{
		Kind:         events.ConnectionStatusChanged,
		ConnectionID: "conn-1",
		Data:         events.StatusChange{Status: store.StatusConnected, Phone: "+1"},
	})

	var got struct {
		Kind         string `json:"kind"`
		ConnectionID string `json:"connection_id"`
		Data         struct {
			Status string `json:"status"`
			Phone  string `json:"phone"`
		} `json:"data"`
	}
	require.NoError(t, wsjson.Read(ctx, ws, &got))
	assert.Equal(t, string(events.ConnectionStatusChanged), got.Kind)
	assert.Equal(t, "conn-1", got.ConnectionID)
	assert.Equal(t, "connected", got.Data.Status)
	assert.Equal(t, "+1", got.Data.Phone)

	require.NoError(t, ws.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return h.g.broadcaster.SubscriberCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}
