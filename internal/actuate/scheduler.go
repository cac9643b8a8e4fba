// Package actuate drives the device's output channels. Timed runs are
// polled from the agent loop rather than slept on, so a single scheduler
// handles every channel without blocking anything else.
package actuate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/florasys/field-agent/internal/logging"
)

var (
	// ErrInvalidChannel rejects a channel outside the configured range.
	ErrInvalidChannel = errors.New("invalid channel")
	// ErrInvalidDuration rejects a non-positive or over-limit duration.
	ErrInvalidDuration = errors.New("invalid duration")
)

// Driver applies channel states to the hardware.
type Driver interface {
	SetPin(channel int, on bool) error
}

// Config sizes the scheduler.
type Config struct {
	Channels int
	MaxRun   time.Duration // longest accepted single run
}

// State is a point-in-time snapshot of one channel.
type State struct {
	Channel     int    `json:"channel"`
	On          bool   `json:"on"`
	Source      string `json:"source"`
	RemainingMs int64  `json:"remaining_ms"`
}

type channelState struct {
	on       bool
	deadline time.Time // zero when no timed run is pending
	source   string
}

type change struct {
	channel int
	on      bool
	source  string
}

// Scheduler owns all channel state. Submit asserts immediately and records
// a deadline; Tick deasserts expired channels. A second submit to an
// active channel replaces its deadline, so the last write wins.
type Scheduler struct {
	cfg    Config
	driver Driver

	mu          sync.Mutex
	channels    []channelState
	calibrating bool
	onChange    func(channel int, on bool, source string)
	now         func() time.Time
}

// New creates a scheduler for the configured channel count.
func New(cfg Config, driver Driver) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		driver:   driver,
		channels: make([]channelState, cfg.Channels),
		now:      time.Now,
	}
}

// SetChangeCallback registers the function invoked once per channel state
// transition. It is called outside the scheduler lock.
func (s *Scheduler) SetChangeCallback(cb func(channel int, on bool, source string)) {
	s.mu.Lock()
	s.onChange = cb
	s.mu.Unlock()
}

// Channels returns the configured channel count.
func (s *Scheduler) Channels() int {
	return s.cfg.Channels
}

// Submit starts a timed run on a channel. The channel is asserted
// immediately and deasserted by a later Tick once the duration elapses.
// An existing run on the same channel is replaced.
func (s *Scheduler) Submit(channel int, d time.Duration, source string) error {
	if channel < 0 || channel >= s.cfg.Channels {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	if d <= 0 || d > s.cfg.MaxRun {
		return fmt.Errorf("%w: %v", ErrInvalidDuration, d)
	}

	s.mu.Lock()
	ch := &s.channels[channel]
	wasOn := ch.on

	if !wasOn {
		if err := s.driver.SetPin(channel, true); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to assert channel %d: %w", channel, err)
		}
	}

	ch.on = true
	ch.deadline = s.now().Add(d)
	ch.source = source
	cb := s.onChange
	s.mu.Unlock()

	logging.Debug("Timed run submitted",
		zap.Int("channel", channel),
		zap.Duration("duration", d),
		zap.String("source", source),
	)

	if !wasOn && cb != nil {
		cb(channel, true, source)
	}
	return nil
}

// Set drives a channel with no deadline, for manual toggles and auxiliary
// outputs. Any pending timed run on the channel is cancelled.
func (s *Scheduler) Set(channel int, on bool, source string) error {
	if channel < 0 || channel >= s.cfg.Channels {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}

	s.mu.Lock()
	ch := &s.channels[channel]
	if ch.on == on {
		ch.deadline = time.Time{}
		s.mu.Unlock()
		return nil
	}

	if err := s.driver.SetPin(channel, on); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to set channel %d: %w", channel, err)
	}

	ch.on = on
	ch.deadline = time.Time{}
	ch.source = source
	cb := s.onChange
	s.mu.Unlock()

	if cb != nil {
		cb(channel, on, source)
	}
	return nil
}

// Get reports whether a channel is currently asserted.
func (s *Scheduler) Get(channel int) (bool, error) {
	if channel < 0 || channel >= s.cfg.Channels {
		return false, fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[channel].on, nil
}

// Tick deasserts every channel whose deadline has passed. Each expiry
// deasserts exactly once; a driver failure keeps the deadline armed so the
// next Tick retries.
func (s *Scheduler) Tick(tickNow time.Time) {
	var changes []change

	s.mu.Lock()
	for i := range s.channels {
		ch := &s.channels[i]
		if !ch.on || ch.deadline.IsZero() || tickNow.Before(ch.deadline) {
			continue
		}
		if err := s.driver.SetPin(i, false); err != nil {
			logging.Warn("Failed to deassert expired channel, will retry",
				zap.Int("channel", i),
				zap.Error(err),
			)
			continue
		}
		ch.on = false
		ch.deadline = time.Time{}
		changes = append(changes, change{channel: i, on: false, source: ch.source})
	}
	cb := s.onChange
	s.mu.Unlock()

	if cb != nil {
		for _, c := range changes {
			cb(c.channel, c.on, c.source)
		}
	}
}

// StartCalibration asserts every channel at once and holds them with no
// deadlines until StopCalibration. Pending timed runs are dropped.
func (s *Scheduler) StartCalibration(source string) error {
	var changes []change
	var firstErr error

	s.mu.Lock()
	for i := range s.channels {
		ch := &s.channels[i]
		ch.deadline = time.Time{}
		if ch.on {
			continue
		}
		if err := s.driver.SetPin(i, true); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to assert channel %d: %w", i, err)
			}
			continue
		}
		ch.on = true
		ch.source = source
		changes = append(changes, change{channel: i, on: true, source: source})
	}
	s.calibrating = true
	cb := s.onChange
	s.mu.Unlock()

	if cb != nil {
		for _, c := range changes {
			cb(c.channel, c.on, c.source)
		}
	}
	return firstErr
}

// StopCalibration deasserts every channel unconditionally, whether or not
// it was part of the calibration hold.
func (s *Scheduler) StopCalibration(source string) error {
	err := s.AllOff(source)
	s.mu.Lock()
	s.calibrating = false
	s.mu.Unlock()
	return err
}

// Calibrating reports whether a calibration hold is active.
func (s *Scheduler) Calibrating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calibrating
}

// AllOff deasserts every channel and clears every pending run. A channel
// whose driver write fails stays marked on with an immediate deadline so
// Tick keeps retrying the deassert.
func (s *Scheduler) AllOff(source string) error {
	var changes []change
	var firstErr error

	s.mu.Lock()
	for i := range s.channels {
		ch := &s.channels[i]
		if !ch.on {
			ch.deadline = time.Time{}
			continue
		}
		if err := s.driver.SetPin(i, false); err != nil {
			ch.deadline = s.now()
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to deassert channel %d: %w", i, err)
			}
			continue
		}
		ch.on = false
		ch.deadline = time.Time{}
		changes = append(changes, change{channel: i, on: false, source: source})
	}
	s.calibrating = false
	cb := s.onChange
	s.mu.Unlock()

	if cb != nil {
		for _, c := range changes {
			cb(c.channel, c.on, c.source)
		}
	}
	return firstErr
}

// States returns a snapshot of every channel.
func (s *Scheduler) States() []State {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make([]State, len(s.channels))
	currentTime := s.now()
	for i, ch := range s.channels {
		st := State{Channel: i, On: ch.on, Source: ch.source}
		if ch.on && !ch.deadline.IsZero() {
			remaining := ch.deadline.Sub(currentTime)
			if remaining > 0 {
				st.RemainingMs = remaining.Milliseconds()
			}
		}
		states[i] = st
	}
	return states
}
