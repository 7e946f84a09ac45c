// Package session owns the lifecycle of each connection's live session.
//
// # State machine
//
//	disconnected -> connecting (handshake pending) -> connected
//	connected    -> disconnected
//	any          -> error -> disconnected
//
// Connect holds a per-connection handshake lock so concurrent attempts never
// produce two live handshake tokens. A resumed session (no token) keeps the
// lock until the adapter confirms it; the connection is only marked connected
// once EventConnected arrives.
//
// # Reconnect policy
//
// Every disconnect other than a logout schedules a reconnect. Ordinary drops
// wait ReconnectDelay, protocol conflicts wait ConflictDelay (never less than
// MinConflictDelay), and an expired handshake token is regenerated after
// QRExpiryDelay. Timers are cancelled by Delete and Disconnect.
package session
