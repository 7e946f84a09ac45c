// ABOUTME: Generator contract for agent replies plus reply splitting
// ABOUTME: Shared by the OpenAI client and the canned offline generator

package completion

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrEmptyReply is returned when the model produced no usable text.
var ErrEmptyReply = errors.New("empty reply")

// MaxParts bounds how many chat messages one reply may be split into.
const MaxParts = 3

// Turn is one prior message in the conversation. FromSelf marks messages the
// answering connection sent itself.
type Turn struct {
	FromSelf bool
	Content  string
}

// Request describes one reply to generate.
type Request struct {
	Persona     string
	Temperature float64
	History     []Turn // oldest first
	Text        string // message being answered
	MaxLength   int    // per part, in characters
}

// Generator produces the parts of an agent reply, in send order.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) ([]string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) ([]string, error) {
	return f(ctx, req)
}

// Split breaks raw model output into chat-sized parts. Paragraphs become
// separate parts, blank ones are dropped, and each part is cut to maxLen
// characters. Anything past MaxParts is folded into the last part before
// truncation.
func Split(text string, maxLen int) []string {
	var parts []string
	for _, p := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) > MaxParts {
		tail := strings.Join(parts[MaxParts-1:], " ")
		parts = append(parts[:MaxParts-1], tail)
	}
	for i, p := range parts {
		parts[i] = truncate(p, maxLen)
	}
	return parts
}

// truncate cuts s to at most n runes, preferring the last word boundary.
func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	cut := string(runes[:n])
	if i := strings.LastIndexAny(cut, " \n\t"); i > len(cut)/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}

// Canned answers with fixed lines in rotation.
type Canned struct {
	mu      sync.Mutex
	replies []string
	next    int
}

// NewCanned creates a Canned generator. An empty list uses a single generic line.
func NewCanned(replies []string) *Canned {
	if len(replies) == 0 {
		replies = []string{"haha true", "tell me more", "sounds good to me"}
	}
	return &Canned{replies: replies}
}

// Generate returns the next canned line.
func (c *Canned) Generate(ctx context.Context, req Request) ([]string, error) {
	c.mu.Lock()
	line := c.replies[c.next%len(c.replies)]
	c.next++
	c.mu.Unlock()
	return Split(line, req.MaxLength), nil
}
