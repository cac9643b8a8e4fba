// Package classify turns a noisy boolean reading into a stable two-state
// mode. A ring of recent samples is voted on with asymmetric majorities,
// so a single outlier sample can never flip the mode back and forth.
package classify

import (
	"fmt"
	"sync"
)

// Mode is the classifier's two-state output.
type Mode int

const (
	ModeLow Mode = iota
	ModeHigh
)

// String returns the mode name used in events and the portal.
func (m Mode) String() string {
	switch m {
	case ModeLow:
		return "low"
	case ModeHigh:
		return "high"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Config sizes the sample window and the vote thresholds. Both thresholds
// must exceed half the window so the two transition conditions can never
// hold at once.
type Config struct {
	Window    int
	HighCount int
	LowCount  int
}

// Classifier holds the ring of recent samples and the current mode. The
// mode starts low and only moves when enough of the window agrees.
type Classifier struct {
	cfg Config

	mu      sync.Mutex
	samples []bool
	pos     int
	filled  int
	mode    Mode
}

// New creates a classifier, rejecting threshold configurations that could
// make both transition rules true simultaneously.
func New(cfg Config) (*Classifier, error) {
	if cfg.Window < 1 {
		return nil, fmt.Errorf("window must be at least 1, got %d", cfg.Window)
	}
	if cfg.HighCount*2 <= cfg.Window || cfg.LowCount*2 <= cfg.Window {
		return nil, fmt.Errorf("thresholds %d/%d must exceed half the window %d",
			cfg.HighCount, cfg.LowCount, cfg.Window)
	}
	if cfg.HighCount > cfg.Window || cfg.LowCount > cfg.Window {
		return nil, fmt.Errorf("thresholds %d/%d cannot exceed window %d",
			cfg.HighCount, cfg.LowCount, cfg.Window)
	}

	return &Classifier{
		cfg:     cfg,
		samples: make([]bool, cfg.Window),
		mode:    ModeLow,
	}, nil
}

// Observe records one sample and returns the resulting mode plus whether
// this sample caused a transition. Callers fire transition side effects
// only when changed is true, giving exactly one side effect per
// transition.
func (c *Classifier) Observe(high bool) (Mode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples[c.pos] = high
	c.pos = (c.pos + 1) % c.cfg.Window
	if c.filled < c.cfg.Window {
		c.filled++
	}

	highCount := 0
	for i := 0; i < c.filled; i++ {
		if c.samples[i] {
			highCount++
		}
	}
	lowCount := c.filled - highCount

	prev := c.mode
	switch c.mode {
	case ModeLow:
		if highCount >= c.cfg.HighCount {
			c.mode = ModeHigh
		}
	case ModeHigh:
		if lowCount >= c.cfg.LowCount {
			c.mode = ModeLow
		}
	}

	return c.mode, c.mode != prev
}

// Mode returns the current mode without recording a sample.
func (c *Classifier) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Counts returns the current vote tallies and how much of the window has
// been filled.
func (c *Classifier) Counts() (high, low, filled int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < c.filled; i++ {
		if c.samples[i] {
			high++
		}
	}
	return high, c.filled - high, c.filled
}

// Window returns the configured window size.
func (c *Classifier) Window() int {
	return c.cfg.Window
}

// Reset clears the window and returns the mode to low.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.samples {
		c.samples[i] = false
	}
	c.pos = 0
	c.filled = 0
	c.mode = ModeLow
}
