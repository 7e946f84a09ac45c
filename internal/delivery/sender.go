// ABOUTME: Outbound delivery with wait-for-ready polling and exponential backoff retries
// ABOUTME: Marks stored messages delivered once the adapter accepts them

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-switchboard/internal/protocol"
	"github.com/2389/coven-switchboard/internal/store"
)

// ErrNotReady is returned when the source connection never became ready.
var ErrNotReady = errors.New("connection not ready")

// ErrDeliveryFailed is returned when every send attempt failed.
var ErrDeliveryFailed = errors.New("delivery failed")

// Config holds delivery timings.
type Config struct {
	ReadyTimeout time.Duration
	PollInterval time.Duration
	MaxRetries   int
	BaseBackoff  time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		ReadyTimeout: 10 * time.Second,
		PollInterval: 500 * time.Millisecond,
		MaxRetries:   3,
		BaseBackoff:  2 * time.Second,
	}
}

// Sender delivers text from a connection to an external address.
type Sender struct {
	adapter protocol.Adapter
	store   store.Store
	cfg     Config
	logger  *slog.Logger
}

// NewSender creates a Sender. Zero timings fall back to DefaultConfig.
func NewSender(adapter protocol.Adapter, s store.Store, cfg Config, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	return &Sender{
		adapter: adapter,
		store:   s,
		cfg:     cfg,
		logger:  logger.With("component", "delivery"),
	}
}

// Send delivers text from the connection to the address. A connection that
// is still not ready after ReadyTimeout goes through the same retry schedule
// as a failed send, re-checking readiness before each attempt.
func (s *Sender) Send(ctx context.Context, from, to, text string) error {
	var lastErr error
	if err := s.waitReady(ctx, from); err != nil {
		if !errors.Is(err, ErrNotReady) {
			return err
		}
		s.logger.Warn("connection not ready, retrying", "connection_id", from, "timeout", s.cfg.ReadyTimeout)
		lastErr = err
	}

	attempts := s.cfg.MaxRetries + 1
	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := s.cfg.BaseBackoff * time.Duration(1<<(i-1))
			s.logger.Debug("send failed, retrying",
				"connection_id", from,
				"attempt", i,
				"delay", delay,
				"error", lastErr)
			if err := sleep(ctx, delay); err != nil {
				return fmt.Errorf("sending from %s: %w", from, err)
			}
		}

		if !s.adapter.IsReady(from) {
			lastErr = fmt.Errorf("%w: %s", ErrNotReady, from)
			continue
		}
		lastErr = s.adapter.Send(ctx, from, to, text)
		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("%w: from %s to %s after %d attempts: %w", ErrDeliveryFailed, from, to, attempts, lastErr)
}

// SendMessage delivers a stored message and marks it delivered on success.
func (s *Sender) SendMessage(ctx context.Context, from, to string, msg *store.Message) error {
	if err := s.Send(ctx, from, to, msg.Content); err != nil {
		return err
	}
	msg.Delivered = true
	if err := s.store.MarkMessageDelivered(ctx, msg.ID); err != nil {
		s.logger.Warn("marking message delivered", "message_id", msg.ID, "error", err)
	}
	return nil
}

// waitReady polls the adapter until the connection is ready or ReadyTimeout elapses.
func (s *Sender) waitReady(ctx context.Context, id string) error {
	if s.adapter.IsReady(id) {
		return nil
	}

	deadline := time.NewTimer(s.cfg.ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", id, ctx.Err())
		case <-deadline.C:
			if s.adapter.IsReady(id) {
				return nil
			}
			return fmt.Errorf("%w: %s after %s", ErrNotReady, id, s.cfg.ReadyTimeout)
		case <-ticker.C:
			if s.adapter.IsReady(id) {
				return nil
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
