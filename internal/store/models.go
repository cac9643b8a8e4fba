package store

import "time"

// Setting keys. Absent keys read back as the zero value rather than an
// error, so fresh devices boot with everything unset.
const (
	KeyDeviceID         = "device_id"
	KeyActivationSecret = "activation_secret"
	KeyBearerToken      = "bearer_token"
	KeyStationSSID      = "station_ssid"
	KeyStationPass      = "station_pass"
	KeyAPPass           = "ap_pass"
	KeyMsPerML          = "ms_per_ml"
	KeyDoseMonitor      = "dose_monitor_enabled"
)

// ChannelState is the last known state of one actuation channel, persisted
// so an inspection tool can see what the device was driving.
type ChannelState struct {
	Channel   int
	On        bool
	Source    string
	UpdatedAt time.Time
}

// Event is a channel or mode transition queued for upload to the control
// plane. Events are fire-and-forget upstream; rows stay queued until a
// post succeeds.
type Event struct {
	ID        int64
	Channel   int
	Kind      string // "actuation", "mode", "watchdog", "ota"
	State     string
	CreatedAt time.Time
	Synced    bool
}

// Event kinds
const (
	EventKindActuation = "actuation"
	EventKindMode      = "mode"
	EventKindWatchdog  = "watchdog"
	EventKindOTA       = "ota"
)
