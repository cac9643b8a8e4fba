// Package netmgr tracks device connectivity: the always-on configuration
// AP, the bounded station join at boot, and the link watchdog.
package netmgr

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/florasys/field-agent/internal/logging"
	"github.com/florasys/field-agent/internal/metrics"
)

// State is the device connectivity state.
type State int

const (
	// StateProvisioning means the device has no usable station network
	// and is reachable only through its own AP.
	StateProvisioning State = iota
	// StateConnecting means a boot-time join sequence is in progress.
	StateConnecting
	// StateConnected means the station link is up.
	StateConnected
	// StateDegraded means the link dropped after having been connected.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateProvisioning:
		return "provisioning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Radio is the slice of the board bridge the manager drives.
type Radio interface {
	StartAccessPoint(ssid, passphrase string) error
	Join(ssid, passphrase string, timeout time.Duration) error
	LinkUp() bool
}

// JoinError reports a station join that ran out of attempts.
type JoinError struct {
	SSID string
	Err  error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("failed to join %q: %v", e.SSID, e.Err)
}

func (e *JoinError) Unwrap() error { return e.Err }

// Config holds connectivity settings.
type Config struct {
	APSSID      string
	APPass      string
	JoinTimeout time.Duration // per join attempt
	MaxAttempts int
	Watchdog    time.Duration // continuous link loss tolerated before the callback fires

	// Backoff between join attempts
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64
	JitterPercent     float64
}

// DefaultConfig returns default connectivity configuration.
func DefaultConfig() Config {
	return Config{
		JoinTimeout:       15 * time.Second,
		MaxAttempts:       3,
		Watchdog:          120 * time.Second,
		InitialRetryDelay: 1 * time.Second,
		MaxRetryDelay:     10 * time.Second,
		BackoffMultiplier: 2.0,
		JitterPercent:     0.25,
	}
}

// Manager owns the connectivity state machine. Start runs the blocking
// boot sequence; afterwards the agent loop drives it through Tick.
type Manager struct {
	config Config
	radio  Radio

	mu            sync.Mutex
	state         State
	ssid          string
	passphrase    string
	everConnected bool
	downSince     time.Time
	watchdogFired bool
	onWatchdog    func(down time.Duration)

	currentRetryDelay time.Duration
}

// New creates a manager in provisioning state.
func New(config Config, radio Radio) *Manager {
	return &Manager{
		config:            config,
		radio:             radio,
		state:             StateProvisioning,
		currentRetryDelay: config.InitialRetryDelay,
	}
}

// SetCredentials sets the station network used by the next Start.
func (m *Manager) SetCredentials(ssid, passphrase string) {
	m.mu.Lock()
	m.ssid = ssid
	m.passphrase = passphrase
	m.mu.Unlock()
}

// SetWatchdogCallback sets the function invoked when the link has been
// down for longer than the watchdog threshold. It fires at most once.
func (m *Manager) SetWatchdogCallback(cb func(down time.Duration)) {
	m.mu.Lock()
	m.onWatchdog = cb
	m.mu.Unlock()
}

// Start brings up the configuration AP and, when station credentials are
// set, joins the station network. The join blocks for up to MaxAttempts
// timed attempts with backoff in between; running out of attempts leaves
// the device in provisioning mode with the AP still up, and it stays
// there until credentials are saved again or the device reboots.
func (m *Manager) Start() error {
	if err := m.radio.StartAccessPoint(m.config.APSSID, m.config.APPass); err != nil {
		return fmt.Errorf("failed to start access point: %w", err)
	}
	logging.Info("Access point up", zap.String("ssid", m.config.APSSID))

	m.mu.Lock()
	ssid, pass := m.ssid, m.passphrase
	m.mu.Unlock()

	if ssid == "" {
		m.setState(StateProvisioning)
		logging.Info("No station credentials, staying in provisioning mode")
		return nil
	}

	return m.join(ssid, pass)
}

func (m *Manager) join(ssid, pass string) error {
	m.setState(StateConnecting)

	var lastErr error
	for attempt := 1; attempt <= m.config.MaxAttempts; attempt++ {
		logging.Info("Joining station network",
			zap.String("ssid", ssid),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.config.MaxAttempts),
		)

		err := m.radio.Join(ssid, pass, m.config.JoinTimeout)
		if err == nil {
			m.mu.Lock()
			m.everConnected = true
			m.downSince = time.Time{}
			m.mu.Unlock()
			m.setState(StateConnected)
			return nil
		}

		lastErr = err
		logging.Warn("Join attempt failed",
			zap.String("ssid", ssid),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < m.config.MaxAttempts {
			m.waitWithBackoff()
		}
	}

	m.setState(StateProvisioning)
	return &JoinError{SSID: ssid, Err: lastErr}
}

// Tick advances the link state machine from the agent loop. A link that
// reports up is connected, whatever came before; a link that drops after
// having been connected is degraded, and once it has been down
// continuously for longer than the watchdog threshold the watchdog
// callback fires.
func (m *Manager) Tick(now time.Time) {
	up := m.radio.LinkUp()

	m.mu.Lock()
	var fire func(down time.Duration)
	var downFor time.Duration

	if up {
		m.everConnected = true
		m.downSince = time.Time{}
		m.stateLocked(StateConnected)
	} else if m.everConnected {
		if m.downSince.IsZero() {
			m.downSince = now
		}
		m.stateLocked(StateDegraded)
		downFor = now.Sub(m.downSince)
		if downFor > m.config.Watchdog && !m.watchdogFired {
			m.watchdogFired = true
			fire = m.onWatchdog
		}
	}
	m.mu.Unlock()

	if fire != nil {
		logging.Error("Link watchdog expired",
			zap.Duration("down_for", downFor),
			zap.Duration("threshold", m.config.Watchdog),
		)
		fire(downFor)
	}
}

// State returns the current connectivity state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the station link is usable for cloud traffic.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// DownFor returns how long the link has been down, zero when it is up or
// was never connected.
func (m *Manager) DownFor(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.downSince.IsZero() {
		return 0
	}
	return now.Sub(m.downSince)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.stateLocked(s)
	m.mu.Unlock()
}

func (m *Manager) stateLocked(s State) {
	if m.state == s {
		return
	}
	old := m.state
	m.state = s
	metrics.ConnectivityState.Set(float64(s))
	logging.Info("Connectivity state changed",
		zap.String("from", old.String()),
		zap.String("to", s.String()),
	)
}

func (m *Manager) waitWithBackoff() {
	// Add jitter
	jitter := m.currentRetryDelay.Seconds() * m.config.JitterPercent * (rand.Float64()*2 - 1)
	delay := m.currentRetryDelay + time.Duration(jitter*float64(time.Second))

	time.Sleep(delay)

	m.currentRetryDelay = time.Duration(float64(m.currentRetryDelay) * m.config.BackoffMultiplier)
	if m.currentRetryDelay > m.config.MaxRetryDelay {
		m.currentRetryDelay = m.config.MaxRetryDelay
	}
}
