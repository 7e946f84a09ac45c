// ABOUTME: Conversation starter lines for the autopilot
// ABOUTME: Loads the optional TOML starters file and provides built-in defaults

package autopilot

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrNoStarters is returned when a starters file holds no usable lines.
var ErrNoStarters = errors.New("no conversation starters")

// DefaultStarters is used when no starters file is configured.
var DefaultStarters = []string{
	"Oi, tudo bem?",
	"Hey! How's your day going?",
	"What are you up to right now?",
	"Did you eat anything good today?",
	"I just had the weirdest thought. Want to hear it?",
	"Seen any good movies lately?",
	"What's the best thing that happened to you this week?",
	"Coffee or tea?",
}

type startersFile struct {
	Starters []string `toml:"starters"`
}

// LoadStarters reads starter lines from a TOML file. Blank lines are dropped.
func LoadStarters(path string) ([]string, error) {
	var f startersFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("reading starters file: %w", err)
	}

	lines := make([]string, 0, len(f.Starters))
	for _, s := range f.Starters {
		if s = strings.TrimSpace(s); s != "" {
			lines = append(lines, s)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoStarters)
	}
	return lines, nil
}
