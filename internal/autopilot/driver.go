// ABOUTME: Autonomous conversation driver that injects small talk between idle agent pairs
// ABOUTME: Ticks on a fixed interval, checks pair eligibility and routes a random starter line

package autopilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/2389/coven-switchboard/internal/store"
)

// Sessions reports which connections have a live session.
type Sessions interface {
	IsConnected(connectionID string) bool
}

// Injector routes a locally originated message between two connections.
type Injector interface {
	Inject(ctx context.Context, from, to, text string) (*store.Message, error)
}

// Config holds the driver timings.
type Config struct {
	Interval    time.Duration
	QuietWindow time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		Interval:    45 * time.Second,
		QuietWindow: 25 * time.Second,
	}
}

// Driver periodically starts conversations between idle agent pairs.
type Driver struct {
	store    store.Store
	sessions Sessions
	injector Injector
	starters []string
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Driver.
type Option func(*Driver)

// WithRand sets the random source used to pick pairs and lines.
func WithRand(r *rand.Rand) Option {
	return func(d *Driver) { d.rng = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// WithStarters replaces DefaultStarters.
func WithStarters(lines []string) Option {
	return func(d *Driver) {
		if len(lines) > 0 {
			d.starters = lines
		}
	}
}

// NewDriver creates a Driver.
func NewDriver(s store.Store, sessions Sessions, injector Injector, cfg Config, logger *slog.Logger, opts ...Option) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.QuietWindow < 0 {
		cfg.QuietWindow = def.QuietWindow
	}
	d := &Driver{
		store:    s,
		sessions: sessions,
		injector: injector,
		starters: DefaultStarters,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With("component", "autopilot"),
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run ticks until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.Info("autopilot started", "interval", d.cfg.Interval, "quiet_window", d.cfg.QuietWindow)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("autopilot stopped")
			return nil
		case <-ticker.C:
			if _, err := d.Tick(ctx); err != nil {
				d.logger.Error("autopilot tick failed", "error", err)
			}
		}
	}
}

// Tick runs one round. It returns the injected message, or nil when no pair
// qualified.
func (d *Driver) Tick(ctx context.Context) (*store.Message, error) {
	pairs, err := d.store.ListActivePairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pairs: %w", err)
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	d.mu.Lock()
	pair := pairs[d.rng.IntN(len(pairs))]
	line := d.starters[d.rng.IntN(len(d.starters))]
	d.mu.Unlock()

	logger := d.logger.With("pair_id", pair.ID)

	ok, reason, err := d.eligible(ctx, pair)
	if err != nil {
		return nil, err
	}
	if !ok {
		logger.Debug("pair skipped", "reason", reason)
		return nil, nil
	}

	from, to := pair.ConnectionA, pair.ConnectionB
	if pair.StartedBy == pair.ConnectionB {
		from, to = to, from
	}

	msg, err := d.injector.Inject(ctx, from, to, line)
	if err != nil {
		return nil, fmt.Errorf("injecting starter: %w", err)
	}
	logger.Info("conversation started", "from", from, "to", to, "message_id", msg.ID)
	return msg, nil
}

// eligible checks that both sides are live, have a responsive agent and have
// been quiet for the configured window.
func (d *Driver) eligible(ctx context.Context, pair *store.ConversationPair) (bool, string, error) {
	for _, id := range []string{pair.ConnectionA, pair.ConnectionB} {
		if !d.sessions.IsConnected(id) {
			return false, "connection offline", nil
		}
		agent, err := d.store.GetAgentByConnection(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return false, "no agent", nil
		}
		if err != nil {
			return false, "", fmt.Errorf("loading agent for %s: %w", id, err)
		}
		if !agent.Responsive() {
			return false, "agent inactive", nil
		}
	}

	last, err := d.store.LastMessageBetween(ctx, pair.ConnectionA, pair.ConnectionB)
	if errors.Is(err, store.ErrNotFound) {
		return true, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("loading last message: %w", err)
	}
	if d.now().Sub(last.CreatedAt) < d.cfg.QuietWindow {
		return false, "recent activity", nil
	}
	return true, "", nil
}
