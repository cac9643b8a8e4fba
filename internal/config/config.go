// Package config loads the agent's YAML configuration. Values absent from
// the file keep their defaults, so a minimal deployment config only names
// the cloud endpoint and the device type.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Device classes and their fixed channel counts.
const (
	DeviceDosingUnit      = "dosing_unit"
	DeviceValveController = "valve_controller"
	DeviceSmartSwitch     = "smart_switch"
	DeviceCamera          = "camera"
)

// Config is the full agent configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Network   NetworkConfig   `yaml:"network"`
	Cloud     CloudConfig     `yaml:"cloud"`
	Update    UpdateConfig    `yaml:"update"`
	Actuation ActuationConfig `yaml:"actuation"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Portal    PortalConfig    `yaml:"portal"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Agent     AgentConfig     `yaml:"agent"`
}

// DeviceConfig identifies the device class.
type DeviceConfig struct {
	Type string `yaml:"type"`
	Name string `yaml:"name"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// StoreConfig locates the settings database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// NetworkConfig controls the access point and station join behavior.
type NetworkConfig struct {
	APSSIDPrefix       string `yaml:"ap_ssid_prefix"`
	APPassphrase       string `yaml:"ap_passphrase"`
	JoinTimeoutSeconds int    `yaml:"join_timeout_seconds"`
	JoinMaxAttempts    int    `yaml:"join_max_attempts"`
	WatchdogSeconds    int    `yaml:"watchdog_seconds"`
}

// JoinTimeout is the per-attempt station join bound.
func (c NetworkConfig) JoinTimeout() time.Duration {
	return time.Duration(c.JoinTimeoutSeconds) * time.Second
}

// Watchdog is how long the device may stay degraded before it reboots.
func (c NetworkConfig) Watchdog() time.Duration {
	return time.Duration(c.WatchdogSeconds) * time.Second
}

// CloudConfig points at the control plane.
type CloudConfig struct {
	BaseURL          string `yaml:"base_url"`
	AuthScheme       string `yaml:"auth_scheme"` // "token" or "secret"
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
	HeartbeatSeconds int    `yaml:"heartbeat_seconds"`
	EventBatchSize   int    `yaml:"event_batch_size"`
}

// Timeout bounds every control-plane request.
func (c CloudConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// HeartbeatInterval is the liveness report cadence.
func (c CloudConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// UpdateConfig controls firmware update checks.
type UpdateConfig struct {
	CheckSeconds int    `yaml:"check_seconds"`
	Dir          string `yaml:"dir"`
}

// CheckInterval is the update check cadence.
func (c UpdateConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckSeconds) * time.Second
}

// ActuationConfig controls the channel scheduler.
type ActuationConfig struct {
	Channels       int     `yaml:"channels"` // 0 derives from device type
	MaxRunSeconds  int     `yaml:"max_run_seconds"`
	DefaultMsPerML float64 `yaml:"default_ms_per_ml"`
	// RestoreOnBoot re-asserts persisted channel states after a reboot.
	// Meant for switch-like devices; timed runs never resume.
	RestoreOnBoot bool `yaml:"restore_on_boot"`
}

// MaxRun is the longest accepted single actuation window.
func (c ActuationConfig) MaxRun() time.Duration {
	return time.Duration(c.MaxRunSeconds) * time.Second
}

// MonitorConfig controls the sensor-driven mode classifier.
type MonitorConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Sensor         int     `yaml:"sensor"`
	SamplePeriodMs int     `yaml:"sample_period_ms"`
	WindowSize     int     `yaml:"window_size"`
	HighCount      int     `yaml:"high_count"`
	LowCount       int     `yaml:"low_count"`
	HighThreshold  int     `yaml:"high_threshold"` // raw reading at or above counts as high
	DoseChannel    int     `yaml:"dose_channel"`   // -1 disables auto dosing
	DoseMl         float64 `yaml:"dose_ml"`
	AuxChannel     int     `yaml:"aux_channel"` // -1 disables; asserted while mode is low
}

// SamplePeriod is the board-side sensor sampling cadence.
func (c MonitorConfig) SamplePeriod() time.Duration {
	return time.Duration(c.SamplePeriodMs) * time.Millisecond
}

// PortalConfig controls the local HTTP surface.
type PortalConfig struct {
	Listen string `yaml:"listen"`
}

// BridgeConfig locates the board I/O daemon's ZeroMQ sockets.
type BridgeConfig struct {
	EventURL   string `yaml:"event_url"`
	CommandURL string `yaml:"command_url"`
}

// AgentConfig controls the main loop.
type AgentConfig struct {
	TickMs int `yaml:"tick_ms"`
}

// TickInterval is the agent loop cadence.
func (c AgentConfig) TickInterval() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Type: DeviceDosingUnit,
		},
		Log: LogConfig{
			Level: "info",
		},
		Store: StoreConfig{
			Path: "/var/lib/florasys/agent.db",
		},
		Network: NetworkConfig{
			APSSIDPrefix:       "florasys-",
			APPassphrase:       "florasys",
			JoinTimeoutSeconds: 15,
			JoinMaxAttempts:    3,
			WatchdogSeconds:    120,
		},
		Cloud: CloudConfig{
			BaseURL:          "https://api.florasys.io",
			AuthScheme:       "token",
			TimeoutSeconds:   5,
			HeartbeatSeconds: 30,
			EventBatchSize:   20,
		},
		Update: UpdateConfig{
			CheckSeconds: 3600,
			Dir:          "/var/lib/florasys/firmware",
		},
		Actuation: ActuationConfig{
			Channels:       0,
			MaxRunSeconds:  300,
			DefaultMsPerML: 40.0,
		},
		Monitor: MonitorConfig{
			Enabled:        false,
			Sensor:         0,
			SamplePeriodMs: 30000,
			WindowSize:     5,
			HighCount:      4,
			LowCount:       4,
			HighThreshold:  2600,
			DoseChannel:    -1,
			DoseMl:         0,
			AuxChannel:     -1,
		},
		Portal: PortalConfig{
			Listen: ":80",
		},
		Bridge: BridgeConfig{
			EventURL:   "ipc:///run/florasys/board_event",
			CommandURL: "ipc:///run/florasys/board_command",
		},
		Agent: AgentConfig{
			TickMs: 250,
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing path is an
// error; use Default directly when running without a file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Channels resolves the actuation channel count, deriving it from the
// device type when not set explicitly.
func (c *Config) Channels() int {
	if c.Actuation.Channels > 0 {
		return c.Actuation.Channels
	}
	n, _ := ChannelsForType(c.Device.Type)
	return n
}

// ChannelsForType returns the fixed channel count for a device class.
func ChannelsForType(deviceType string) (int, bool) {
	switch deviceType {
	case DeviceDosingUnit:
		return 4, true
	case DeviceValveController:
		return 4, true
	case DeviceSmartSwitch:
		return 8, true
	case DeviceCamera:
		return 0, true
	default:
		return 0, false
	}
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	if _, ok := ChannelsForType(c.Device.Type); !ok {
		return fmt.Errorf("unknown device type: %q", c.Device.Type)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path must be set")
	}
	if c.Cloud.BaseURL == "" {
		return fmt.Errorf("cloud base_url must be set")
	}
	if c.Cloud.AuthScheme != "token" && c.Cloud.AuthScheme != "secret" {
		return fmt.Errorf("cloud auth_scheme must be \"token\" or \"secret\", got %q", c.Cloud.AuthScheme)
	}
	if c.Network.JoinTimeoutSeconds <= 0 {
		return fmt.Errorf("join_timeout_seconds must be positive")
	}
	if c.Network.JoinMaxAttempts <= 0 {
		return fmt.Errorf("join_max_attempts must be positive")
	}
	if c.Network.WatchdogSeconds <= 0 {
		return fmt.Errorf("watchdog_seconds must be positive")
	}
	if c.Agent.TickMs < 50 {
		return fmt.Errorf("tick_ms must be at least 50")
	}
	if c.Actuation.Channels < 0 || c.Actuation.Channels > 32 {
		return fmt.Errorf("channels must be between 0 and 32")
	}
	if c.Actuation.MaxRunSeconds <= 0 {
		return fmt.Errorf("max_run_seconds must be positive")
	}

	if c.Monitor.Enabled {
		k := c.Monitor.WindowSize
		if k < 1 {
			return fmt.Errorf("monitor window_size must be at least 1")
		}
		if c.Monitor.HighCount*2 <= k || c.Monitor.LowCount*2 <= k {
			return fmt.Errorf("monitor high_count and low_count must exceed half the window")
		}
		if c.Monitor.HighCount > k || c.Monitor.LowCount > k {
			return fmt.Errorf("monitor thresholds cannot exceed window_size")
		}
		if c.Monitor.SamplePeriodMs <= 0 {
			return fmt.Errorf("monitor sample_period_ms must be positive")
		}
	}

	return nil
}
