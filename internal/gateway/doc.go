// Package gateway orchestrates the coven-switchboard components.
//
// # Overview
//
// Gateway owns every long-lived component and wires them in one place:
//
//	adapter events ──► session.Manager ──► router.Router ──► agent.Scheduler
//	                                           │                   │
//	                                           └──── delivery.Sender ◄┘
//
// The session manager applies lifecycle events and forwards each one to the
// router, which classifies inbound traffic and hands routed messages to the
// scheduler. Agent replies and injected messages leave through the shared
// delivery.Sender. The autopilot, when enabled, injects starter lines through
// the router on a timer.
//
// # Collaborators
//
// The store, protocol adapter and completion generator are chosen from
// configuration (SQLite, simnet or matrix, canned or openai) and can be
// replaced with WithStore, WithAdapter and WithGenerator.
//
// # HTTP API
//
// The ops server is a chi router:
//
//   - GET /health, GET /health/ready
//   - GET/POST /api/connections, DELETE /api/connections/{id}
//   - POST /api/connections/{id}/connect, /disconnect, /pair (simnet only)
//   - GET/POST /api/agents, DELETE /api/agents/{id}, POST /api/agents/{id}/pause, /resume
//   - POST /api/pairs, DELETE /api/pairs/{id}, POST /api/pairs/{id}/pause, /resume
//   - GET/POST/DELETE /api/messages (DELETE clears the ?a=&b= conversation)
//   - POST /api/dedupe
//   - GET /api/events (websocket stream of emitted events)
//
// # Listeners
//
// The ops server listens on server.http_addr, or on a tsnet node when
// tailscale is enabled (plain HTTP, HTTPS with tailnet certificates, or
// Funnel).
//
// # Lifecycle
//
// Run starts the listener and the event loop, restores persistent
// connections and blocks until the context ends. Shutdown stops the HTTP
// server, cancels pending agent replies and timers, closes live sessions
// and the store.
package gateway
