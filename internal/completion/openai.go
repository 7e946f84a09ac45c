// ABOUTME: OpenAI-compatible chat completion client for agent replies
// ABOUTME: Builds the persona prompt and conversation history, then splits the answer

package completion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultModel is used when no model is configured.
const DefaultModel = openai.GPT4oMini

// OpenAIConfig configures the OpenAI client.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string // empty for api.openai.com
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// OpenAI generates replies through a chat completion endpoint.
type OpenAI struct {
	client    *openai.Client
	model     string
	maxTokens int
	timeout   time.Duration
	logger    *slog.Logger
}

// NewOpenAI creates an OpenAI generator.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		client:    openai.NewClientWithConfig(config),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
		logger:    logger.With("component", "completion"),
	}
}

// Generate asks the model for a reply and splits it into parts.
func (o *OpenAI) Generate(ctx context.Context, req Request) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    buildMessages(req),
		Temperature: float32(req.Temperature),
		MaxTokens:   o.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: %w", ErrEmptyReply)
	}

	parts := Split(resp.Choices[0].Message.Content, req.MaxLength)
	if len(parts) == 0 {
		return nil, fmt.Errorf("chat completion: %w", ErrEmptyReply)
	}

	o.logger.Debug("reply generated",
		"model", o.model,
		"parts", len(parts),
		"tokens", resp.Usage.TotalTokens,
		"duration", time.Since(start))
	return parts, nil
}

// buildMessages renders the persona as the system prompt, history as
// alternating user and assistant turns, and the incoming text last.
func buildMessages(req Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt(req),
	})
	for _, turn := range req.History {
		role := openai.ChatMessageRoleUser
		if turn.FromSelf {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Text,
	})
	return msgs
}

func systemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.Persona))
	b.WriteString("\n\nYou are chatting in a mobile messaging app. Write like a person texting: short, casual, no markdown.")
	if req.MaxLength > 0 {
		fmt.Fprintf(&b, " Keep each message under %d characters.", req.MaxLength)
	}
	fmt.Fprintf(&b, " You may send up to %d separate messages; separate them with a blank line.", MaxParts)
	return b.String()
}
