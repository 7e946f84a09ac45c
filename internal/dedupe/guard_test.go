// ABOUTME: Tests for the Guard that owns the send, agent output and agent echo caches.
// ABOUTME: Covers direction scoping, echo consumption, reprocessing claims and expiry.

package dedupe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestGuard(t *testing.T) (*Guard, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	g := NewGuard(DefaultTTL, WithClock(clock.Now), WithSweepInterval(0))
	t.Cleanup(g.Close)
	return g, clock
}

func TestGuard_ConsumeSentIsDirectional(t *testing.T) {
	g, _ := newTestGuard(t)

	g.RecordSent("alice", "bob", "Hi")

	assert.False(t, g.ConsumeSent("bob", "alice", "Hi"), "reverse direction is a genuine reply")
	assert.False(t, g.ConsumeSent("alice", "carol", "Hi"), "different receiver is not the echo")
	assert.True(t, g.ConsumeSent("alice", "bob", "Hi"))
	assert.False(t, g.ConsumeSent("alice", "bob", "Hi"), "a hit consumes the entry")
}

func TestGuard_SentExpiresAfterTTL(t *testing.T) {
	g, clock := newTestGuard(t)

	g.RecordSent("alice", "bob", "Hi")
	clock.Advance(59 * time.Second)
	assert.True(t, g.ConsumeSent("alice", "bob", "Hi"))

	g.RecordSent("alice", "bob", "again")
	clock.Advance(61 * time.Second)
	assert.False(t, g.ConsumeSent("alice", "bob", "again"))
}

func TestGuard_AgentEchoClaim(t *testing.T) {
	g, _ := newTestGuard(t)

	g.RecordAgentOutput("agent-b", "bob", "alice", "Hello there")
	assert.True(t, g.IsAgentOutput("Hello there"))
	assert.False(t, g.IsAgentOutput("something else"))

	assert.True(t, g.ClaimAgentEcho("agent-b", "bob", "alice", "Hello there"), "the recorded output was already routed")
	assert.False(t, g.ClaimAgentEcho("agent-b", "bob", "carol", "Hello there"), "other endpoints are a new key")
}

func TestGuard_ClaimUnknownKey(t *testing.T) {
	g, _ := newTestGuard(t)

	assert.False(t, g.ClaimAgentEcho("agent-x", "a", "b", "text"))
	assert.True(t, g.ClaimAgentEcho("agent-x", "a", "b", "text"))
}

func TestGuard_AgentEchoExpires(t *testing.T) {
	g, clock := newTestGuard(t)

	g.RecordAgentOutput("agent-b", "bob", "alice", "ok")
	clock.Advance(DefaultTTL)

	assert.False(t, g.IsAgentOutput("ok"))
	assert.False(t, g.ClaimAgentEcho("agent-b", "bob", "alice", "ok"))
}

func TestGuard_Sweep(t *testing.T) {
	g, clock := newTestGuard(t)

	g.RecordSent("a", "b", "x")
	g.RecordAgentOutput("agent", "a", "b", "y")
	clock.Advance(DefaultTTL)

	assert.Equal(t, 3, g.Len(), "expired entries linger until swept")
	assert.Equal(t, 3, g.Sweep())
	assert.Equal(t, 0, g.Len())
	assert.False(t, g.IsAgentOutput("y"))
}

func TestGuard_KeysDoNotCollide(t *testing.T) {
	g, _ := newTestGuard(t)

	g.RecordSent("a", "bc", "d")
	assert.False(t, g.ConsumeSent("ab", "c", "d"))
}
