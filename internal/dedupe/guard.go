// ABOUTME: Guard owns the three anti-loop caches consulted by the router and scheduler.
// ABOUTME: Keys are scoped by content and direction so cross-connection ordering does not matter.

package dedupe

import (
	"strings"
	"time"
)

// DefaultTTL is how long locally produced content is remembered.
const DefaultTTL = 60 * time.Second

// DefaultMaxEntries bounds each cache held by a Guard.
const DefaultMaxEntries = 10_000

// Guard recognises content this process produced itself so that copies
// re-delivered by the external network are not treated as new traffic.
//
//   - sent: every outbound send, keyed by sender, receiver and content
//   - agentOutputs: content recently produced by any agent
//   - agentEcho: agent, sender, receiver and content already routed once
type Guard struct {
	sent         *Cache
	agentOutputs *Cache
	agentEcho    *Cache
}

// NewGuard creates a Guard whose entries live for ttl.
func NewGuard(ttl time.Duration, opts ...Option) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{
		sent:         New(ttl, DefaultMaxEntries, opts...),
		agentOutputs: New(ttl, DefaultMaxEntries, opts...),
		agentEcho:    New(ttl, DefaultMaxEntries, opts...),
	}
}

func joinKey(parts ...string) string {
	return strings.Join(parts, "\x1f")
}

// RecordSent remembers that content was sent from sender to receiver.
func (g *Guard) RecordSent(sender, receiver, content string) {
	g.sent.Mark(joinKey(sender, receiver, content))
}

// ConsumeSent reports whether content from sender to receiver was sent
// locally within the TTL. A hit removes the entry.
func (g *Guard) ConsumeSent(sender, receiver, content string) bool {
	return g.sent.Take(joinKey(sender, receiver, content))
}

// RecordAgentOutput remembers content an agent is about to send from sender
// to receiver. The agent's own message already counts as routed, so any
// inbound copy under the same key is a duplicate. Callers record before
// sending so the echo cannot win the race.
func (g *Guard) RecordAgentOutput(agentID, sender, receiver, content string) {
	g.agentOutputs.Mark(content)
	g.agentEcho.Mark(joinKey(agentID, sender, receiver, content))
}

// IsAgentOutput reports whether any agent produced content within the TTL.
func (g *Guard) IsAgentOutput(content string) bool {
	return g.agentOutputs.Check(content)
}

// ClaimAgentEcho marks the (agent, sender, receiver, content) key as
// reprocessed. It returns true when the key was already reprocessed, meaning
// the inbound copy is a duplicate and must be dropped.
func (g *Guard) ClaimAgentEcho(agentID, sender, receiver, content string) bool {
	return g.agentEcho.CheckAndMark(joinKey(agentID, sender, receiver, content))
}

// Sweep removes expired entries from all caches.
func (g *Guard) Sweep() int {
	return g.sent.Sweep() + g.agentOutputs.Sweep() + g.agentEcho.Sweep()
}

// Len returns the number of entries held across all caches, including
// expired ones not yet swept.
func (g *Guard) Len() int {
	return g.sent.Len() + g.agentOutputs.Len() + g.agentEcho.Len()
}

// Close stops the background sweepers.
func (g *Guard) Close() {
	g.sent.Close()
	g.agentOutputs.Close()
	g.agentEcho.Close()
}
