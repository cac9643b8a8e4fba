// Package agent runs the device loop. It wires the board bridge, channel
// scheduler, connectivity manager, cloud session, updater, and local portal
// together, and owns the single goroutine on which all coordination state
// is mutated.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/florasys/field-agent/internal/actuate"
	"github.com/florasys/field-agent/internal/classify"
	"github.com/florasys/field-agent/internal/cloud"
	"github.com/florasys/field-agent/internal/config"
	"github.com/florasys/field-agent/internal/discovery"
	"github.com/florasys/field-agent/internal/logging"
	"github.com/florasys/field-agent/internal/metrics"
	"github.com/florasys/field-agent/internal/netmgr"
	"github.com/florasys/field-agent/internal/ota"
	"github.com/florasys/field-agent/internal/portal"
	"github.com/florasys/field-agent/internal/protocol"
	"github.com/florasys/field-agent/internal/store"
	"github.com/florasys/field-agent/internal/version"
)

// frameQueueSize bounds board events buffered between loop iterations.
const frameQueueSize = 64

// Board is the hardware bridge surface the agent drives. *bridge.Client
// implements it; tests substitute a fake.
type Board interface {
	Start() error
	Stop() error
	SetFrameCallback(cb func(frame *protocol.Frame))
	Hello() (*protocol.HelloPayload, error)
	SetPin(channel int, on bool) error
	Join(ssid, passphrase string, timeout time.Duration) error
	StartAccessPoint(ssid, passphrase string) error
	ConfigureSensor(sensor uint8, periodMs uint32) error
	LinkUp() bool
	Reboot() error
}

// Agent coordinates all device activity from one loop goroutine.
type Agent struct {
	config *config.Config
	st     *store.Store
	board  Board

	sched      *actuate.Scheduler
	net        *netmgr.Manager
	cloud      *cloud.Client
	updater    *ota.Updater
	classifier *classify.Classifier
	portal     *portal.Server
	adv        *discovery.Advertiser

	deviceID string
	apSSID   string

	frames   chan *protocol.Frame
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu              sync.Mutex
	running         bool
	lastHeartbeat   time.Time
	lastUpdateCheck time.Time

	// lastNetState is only touched on the loop goroutine.
	lastNetState netmgr.State

	rebootFn func()
}

// New opens the store and builds every component. The board bridge is
// created by the caller and handed over unstarted.
func New(cfg *config.Config, board Board) (*Agent, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	deviceID, err := st.EnsureDeviceID()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to establish device identity: %w", err)
	}

	a := &Agent{
		config:   cfg,
		st:       st,
		board:    board,
		deviceID: deviceID,
		frames:   make(chan *protocol.Frame, frameQueueSize),
		stopChan: make(chan struct{}),
	}
	a.rebootFn = a.systemReboot

	a.sched = actuate.New(actuate.Config{
		Channels: cfg.Channels(),
		MaxRun:   cfg.Actuation.MaxRun(),
	}, board)

	netCfg := netmgr.DefaultConfig()
	netCfg.APSSID = cfg.Network.APSSIDPrefix + shortID(deviceID)
	netCfg.APPass = cfg.Network.APPassphrase
	if apPass, err := st.GetSetting(store.KeyAPPass); err == nil && apPass != "" {
		netCfg.APPass = apPass
	}
	netCfg.JoinTimeout = cfg.Network.JoinTimeout()
	netCfg.MaxAttempts = cfg.Network.JoinMaxAttempts
	netCfg.Watchdog = cfg.Network.Watchdog()
	a.apSSID = netCfg.APSSID
	a.net = netmgr.New(netCfg, board)

	secret, err := st.GetSetting(store.KeyActivationSecret)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to read activation secret: %w", err)
	}
	token, err := st.GetSetting(store.KeyBearerToken)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to read bearer token: %w", err)
	}

	cloudCfg := cloud.DefaultConfig()
	cloudCfg.BaseURL = cfg.Cloud.BaseURL
	cloudCfg.AuthScheme = cfg.Cloud.AuthScheme
	cloudCfg.Timeout = cfg.Cloud.Timeout()
	a.cloud = cloud.New(cloudCfg, deviceID, secret, token)
	a.cloud.SetTokenCallback(func(token string) {
		if err := a.st.SetSetting(store.KeyBearerToken, token); err != nil {
			logging.Error("Failed to persist bearer token", zap.Error(err))
		}
	})

	a.updater = ota.New(ota.Config{
		Dir:            cfg.Update.Dir,
		CurrentVersion: version.Version,
	}, a.cloud)
	a.updater.SetStagedCallback(func(staged string) {
		a.recordEvent(-1, store.EventKindOTA, staged)
		a.requestReboot()
	})

	if cfg.Monitor.Enabled {
		classifier, err := classify.New(classify.Config{
			Window:    cfg.Monitor.WindowSize,
			HighCount: cfg.Monitor.HighCount,
			LowCount:  cfg.Monitor.LowCount,
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("invalid monitor config: %w", err)
		}
		a.classifier = classifier
	}

	a.portal = portal.New(cfg.Portal.Listen, portal.Deps{
		Store:      st,
		Sched:      a.sched,
		Net:        a.net,
		Classifier: a.classifier,
		DeviceID:   deviceID,
		DeviceType: cfg.Device.Type,
		Version:    version.Version,
		MsPerML:    cfg.Actuation.DefaultMsPerML,
		Reboot:     a.requestReboot,
	})

	return a, nil
}

// Start runs the boot sequence and launches the loop goroutine. A failed
// station join is not fatal; the device keeps serving its access point.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent already running")
	}
	a.running = true
	a.mu.Unlock()

	a.board.SetFrameCallback(a.enqueueFrame)
	a.sched.SetChangeCallback(a.handleChannelChange)
	a.net.SetWatchdogCallback(a.handleWatchdog)

	if err := a.board.Start(); err != nil {
		return fmt.Errorf("failed to start board bridge: %w", err)
	}

	if hello, err := a.board.Hello(); err != nil {
		logging.Warn("Board handshake failed", zap.Error(err))
	} else {
		logging.Info("Board ready",
			zap.Uint8("channels", hello.Channels),
			zap.String("board_firmware", fmt.Sprintf("%d.%d.%d", hello.FwMajor, hello.FwMinor, hello.FwPatch)),
		)
		if int(hello.Channels) < a.sched.Channels() {
			logging.Warn("Board reports fewer channels than configured",
				zap.Uint8("board_channels", hello.Channels),
				zap.Int("configured", a.sched.Channels()),
			)
		}
	}

	a.restoreChannelStates()

	ssid, err := a.st.GetSetting(store.KeyStationSSID)
	if err != nil {
		return fmt.Errorf("failed to read station credentials: %w", err)
	}
	pass, err := a.st.GetSetting(store.KeyStationPass)
	if err != nil {
		return fmt.Errorf("failed to read station credentials: %w", err)
	}
	if ssid != "" {
		a.net.SetCredentials(ssid, pass)
	}

	if err := a.net.Start(); err != nil {
		var joinErr *netmgr.JoinError
		if !errors.As(err, &joinErr) {
			return fmt.Errorf("failed to start connectivity: %w", err)
		}
		logging.Warn("Station join exhausted, staying in provisioning mode", zap.Error(err))
	}
	a.lastNetState = a.net.State()

	if err := a.portal.Start(); err != nil {
		return fmt.Errorf("failed to start portal: %w", err)
	}

	if adv, err := discovery.Advertise(a.instanceName(), a.portalPort(), []string{
		discovery.TXTRecord("id", a.deviceID),
		discovery.TXTRecord("type", a.config.Device.Type),
		discovery.TXTRecord("version", version.Version),
	}); err != nil {
		logging.Warn("mDNS advertisement failed", zap.Error(err))
	} else {
		a.adv = adv
	}

	if a.classifier != nil {
		if err := a.board.ConfigureSensor(uint8(a.config.Monitor.Sensor), uint32(a.config.Monitor.SamplePeriodMs)); err != nil {
			logging.Warn("Failed to configure monitor sensor", zap.Error(err))
		}
	}

	a.wg.Add(1)
	go a.loop(ctx)

	logging.Info("Agent started",
		zap.String("device_id", a.deviceID),
		zap.String("device_type", a.config.Device.Type),
		zap.String("version", version.Version),
	)
	return nil
}

// Stop halts the loop, then shuts components down in reverse start order.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	close(a.stopChan)
	a.wg.Wait()

	if a.adv != nil {
		a.adv.Shutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.portal.Shutdown(ctx); err != nil {
		logging.Warn("Portal shutdown failed", zap.Error(err))
	}

	if err := a.board.Stop(); err != nil {
		logging.Warn("Board bridge stop failed", zap.Error(err))
	}

	if err := a.st.Close(); err != nil {
		logging.Warn("Store close failed", zap.Error(err))
	}

	logging.Info("Agent stopped")
	return nil
}

// DeviceID returns the persistent device identity.
func (a *Agent) DeviceID() string {
	return a.deviceID
}

// enqueueFrame runs on the bridge's event goroutine and hands the frame
// to the loop. Overflow drops the frame rather than blocking the bridge.
func (a *Agent) enqueueFrame(frame *protocol.Frame) {
	select {
	case a.frames <- frame:
	default:
		logging.Warn("Dropping board frame, queue full",
			zap.String("type", protocol.MsgTypeString(frame.Header.MsgType)))
	}
}

func (a *Agent) loop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.Agent.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-a.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.iterate(time.Now())
		}
	}
}

// iterate runs one loop pass: board events first, then scheduler
// deadlines, then cloud work, with the link watchdog last so it sees the
// pass's final state.
func (a *Agent) iterate(now time.Time) {
	start := time.Now()

	a.drainFrames()
	a.sched.Tick(now)

	if a.net.Connected() {
		if a.heartbeatDue(now) {
			a.doHeartbeat(now)
		}
		if a.updateCheckDue(now) {
			a.doUpdateCheck(now)
		}
		a.syncEvents()
	}

	a.net.Tick(now)

	if state := a.net.State(); state != a.lastNetState {
		a.lastNetState = state
		a.portal.Broadcast("connectivity", map[string]string{"state": state.String()})
	}

	metrics.LoopTickSeconds.Observe(time.Since(start).Seconds())
}

func (a *Agent) drainFrames() {
	for {
		select {
		case frame := <-a.frames:
			a.handleFrame(frame)
		default:
			return
		}
	}
}

func (a *Agent) handleFrame(frame *protocol.Frame) {
	switch frame.Header.MsgType {
	case protocol.MsgTypePinEvent:
		ev, err := protocol.DecodePinEventPayload(frame.Payload)
		if err != nil {
			logging.Warn("Malformed pin event", zap.Error(err))
			return
		}
		a.handlePinEvent(ev)

	case protocol.MsgTypeSensorSample:
		sample, err := protocol.DecodeSensorSamplePayload(frame.Payload)
		if err != nil {
			logging.Warn("Malformed sensor sample", zap.Error(err))
			return
		}
		a.handleSensorSample(sample)

	case protocol.MsgTypeJoinResult, protocol.MsgTypeLinkStatus:
		// Already consumed by the bridge for link tracking.

	default:
		logging.Debug("Unhandled board frame",
			zap.String("type", protocol.MsgTypeString(frame.Header.MsgType)))
	}
}

// handlePinEvent reconciles a board-initiated pin change, typically a
// physical override switch. Driving it through the scheduler cancels any
// pending timed run on that channel.
func (a *Agent) handlePinEvent(ev *protocol.PinEventPayload) {
	on := ev.State == protocol.PinOn
	if err := a.sched.Set(int(ev.Channel), on, "board"); err != nil {
		logging.Warn("Board pin event rejected",
			zap.Uint8("channel", ev.Channel),
			zap.Error(err),
		)
	}
}

func (a *Agent) handleSensorSample(sample *protocol.SensorSamplePayload) {
	if a.classifier == nil || int(sample.Sensor) != a.config.Monitor.Sensor {
		return
	}

	high := int(sample.Value) >= a.config.Monitor.HighThreshold
	mode, changed := a.classifier.Observe(high)
	if changed {
		a.handleModeTransition(mode)
	}
}

// handleModeTransition runs the per-transition side effects. Observe
// reports each transition exactly once, so there is no debouncing here.
func (a *Agent) handleModeTransition(mode classify.Mode) {
	logging.Info("Monitor mode changed", zap.String("mode", mode.String()))
	metrics.MonitorMode.Set(float64(mode))
	a.recordEvent(a.config.Monitor.Sensor, store.EventKindMode, mode.String())

	if a.config.Monitor.AuxChannel >= 0 {
		if err := a.sched.Set(a.config.Monitor.AuxChannel, mode == classify.ModeLow, "monitor"); err != nil {
			logging.Warn("Failed to drive aux channel", zap.Error(err))
		}
	}

	if mode == classify.ModeHigh {
		a.maybeDose()
	}

	a.portal.Broadcast("mode", map[string]string{"mode": mode.String()})
}

// maybeDose dispenses one corrective dose on a low-to-high transition
// when the operator has enabled monitor dosing.
func (a *Agent) maybeDose() {
	if a.config.Monitor.DoseChannel < 0 || a.config.Monitor.DoseMl <= 0 {
		return
	}

	enabled, err := a.st.GetBoolSetting(store.KeyDoseMonitor, false)
	if err != nil {
		logging.Error("Failed to read dose monitor setting", zap.Error(err))
		return
	}
	if !enabled {
		return
	}

	msPerML, err := a.st.GetFloatSetting(store.KeyMsPerML, a.config.Actuation.DefaultMsPerML)
	if err != nil {
		logging.Error("Failed to read pump calibration", zap.Error(err))
		return
	}

	d := time.Duration(a.config.Monitor.DoseMl * msPerML * float64(time.Millisecond))
	if err := a.sched.Submit(a.config.Monitor.DoseChannel, d, "monitor"); err != nil {
		logging.Warn("Monitor dose rejected", zap.Error(err))
		return
	}
	logging.Info("Monitor dose dispensed",
		zap.Int("channel", a.config.Monitor.DoseChannel),
		zap.Float64("ml", a.config.Monitor.DoseMl),
	)
}

func (a *Agent) heartbeatDue(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastHeartbeat.IsZero() || now.Sub(a.lastHeartbeat) >= a.config.Cloud.HeartbeatInterval()
}

func (a *Agent) updateCheckDue(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUpdateCheck.IsZero() || now.Sub(a.lastUpdateCheck) >= a.config.Update.CheckInterval()
}

func (a *Agent) doHeartbeat(now time.Time) {
	a.mu.Lock()
	a.lastHeartbeat = now
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.config.Cloud.Timeout())
	defer cancel()

	resp, err := a.cloud.Heartbeat(ctx, cloud.HeartbeatRequest{
		DeviceID: a.deviceID,
		Type:     a.config.Device.Type,
		Version:  a.updater.CurrentVersion(),
	})
	if err != nil {
		metrics.HeartbeatFailures.Inc()
		var authErr *cloud.AuthError
		if errors.As(err, &authErr) {
			metrics.AuthFailures.Inc()
			logging.Warn("Heartbeat authentication failed", zap.Error(err))
		} else {
			logging.Warn("Heartbeat failed", zap.Error(err))
		}
		return
	}
	metrics.HeartbeatsTotal.Inc()

	for _, task := range resp.Tasks {
		d := time.Duration(task.DurationMs) * time.Millisecond
		if err := a.sched.Submit(task.Channel, d, "cloud"); err != nil {
			logging.Warn("Rejected cloud task",
				zap.Int("channel", task.Channel),
				zap.Int64("duration_ms", task.DurationMs),
				zap.Error(err),
			)
		}
	}

	if resp.Update != nil && resp.Update.Available {
		logging.Info("Heartbeat reports update available",
			zap.String("current", resp.Update.Current),
			zap.String("latest", resp.Update.Latest),
		)
		// Zeroing the timer makes the pull-based check run this same
		// iteration.
		a.mu.Lock()
		a.lastUpdateCheck = time.Time{}
		a.mu.Unlock()
	}
}

func (a *Agent) doUpdateCheck(now time.Time) {
	a.mu.Lock()
	a.lastUpdateCheck = now
	a.mu.Unlock()

	metrics.UpdateChecks.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), a.config.Cloud.Timeout())
	defer cancel()

	info, err := a.cloud.CheckUpdate(ctx)
	if err != nil {
		logging.Warn("Update check failed", zap.Error(err))
		return
	}
	if !info.UpdateAvailable {
		return
	}

	logging.Info("Firmware update available",
		zap.String("current", info.CurrentVersion),
		zap.String("latest", info.LatestVersion),
	)

	// The download and staging run on the loop goroutine; the download
	// client's own timeout bounds the stall.
	if err := a.updater.Apply(context.Background(), info.LatestVersion, info.DownloadURL); err != nil {
		metrics.UpdateFailures.Inc()
		a.recordEvent(-1, store.EventKindOTA, "failed")
		logging.Error("Firmware update failed", zap.Error(err))
	}
}

func (a *Agent) syncEvents() {
	events, err := a.st.GetUnsyncedEvents(a.config.Cloud.EventBatchSize)
	if err != nil {
		logging.Error("Failed to read event queue", zap.Error(err))
		return
	}
	if len(events) == 0 {
		return
	}

	synced := make([]int64, 0, len(events))
	for _, ev := range events {
		ctx, cancel := context.WithTimeout(context.Background(), a.config.Cloud.Timeout())
		err := a.cloud.PostEvent(ctx, cloud.Event{
			DeviceID: a.deviceID,
			Channel:  ev.Channel,
			State:    ev.State,
		})
		cancel()
		if err != nil {
			logging.Debug("Event upload failed, will retry", zap.Error(err))
			break
		}
		synced = append(synced, ev.ID)
	}

	if len(synced) == 0 {
		return
	}
	if err := a.st.MarkEventsSynced(synced); err != nil {
		logging.Error("Failed to mark events synced", zap.Error(err))
		return
	}
	metrics.EventsSynced.Add(float64(len(synced)))
}

// handleChannelChange persists and publishes every channel transition,
// whatever its source.
func (a *Agent) handleChannelChange(channel int, on bool, source string) {
	if err := a.st.UpsertChannelState(channel, on, source); err != nil {
		logging.Error("Failed to persist channel state", zap.Error(err))
	}
	a.recordEvent(channel, store.EventKindActuation, stateString(on))

	metrics.ActuationsTotal.WithLabelValues(source).Inc()
	gauge := 0.0
	if on {
		gauge = 1.0
	}
	metrics.ChannelOn.WithLabelValues(strconv.Itoa(channel)).Set(gauge)

	a.portal.Broadcast("channel", map[string]interface{}{
		"channel": channel,
		"on":      on,
		"source":  source,
	})
}

// handleWatchdog de-energizes every channel and only then reboots.
func (a *Agent) handleWatchdog(down time.Duration) {
	logging.Error("Connectivity watchdog expired, de-energizing and rebooting",
		zap.Duration("down_for", down))

	if err := a.sched.AllOff("watchdog"); err != nil {
		logging.Error("Failed to de-energize channels", zap.Error(err))
	}
	a.recordEvent(-1, store.EventKindWatchdog, "expired")
	a.requestReboot()
}

// restoreChannelStates reconciles the persisted channel map with the
// board, which powers up with everything off. Channels are only
// re-asserted on switch-like devices that opt in; timed runs never
// resume after a reboot.
func (a *Agent) restoreChannelStates() {
	states, err := a.st.GetChannelStates()
	if err != nil {
		logging.Error("Failed to read persisted channel states", zap.Error(err))
		return
	}

	for _, cs := range states {
		if !cs.On || cs.Channel < 0 || cs.Channel >= a.sched.Channels() {
			continue
		}
		if a.config.Actuation.RestoreOnBoot {
			if err := a.sched.Set(cs.Channel, true, "restore"); err != nil {
				logging.Warn("Failed to restore channel",
					zap.Int("channel", cs.Channel),
					zap.Error(err),
				)
			}
			continue
		}
		if err := a.st.UpsertChannelState(cs.Channel, false, "boot"); err != nil {
			logging.Error("Failed to reconcile channel state", zap.Error(err))
		}
	}
}

func (a *Agent) recordEvent(channel int, kind, state string) {
	if err := a.st.AppendEvent(channel, kind, state); err != nil {
		logging.Error("Failed to record event",
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}

func (a *Agent) requestReboot() {
	a.rebootFn()
}

// systemReboot asks the board MCU to reset, then reboots the host. The
// exit fallback leaves a supervisor restart as the recovery of last
// resort.
func (a *Agent) systemReboot() {
	logging.Warn("Rebooting device")
	if err := a.board.Reboot(); err != nil {
		logging.Error("Board reboot command failed", zap.Error(err))
	}
	logging.Sync()
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		logging.Error("Reboot syscall failed", zap.Error(err))
		os.Exit(1)
	}
}

func (a *Agent) instanceName() string {
	if a.config.Device.Name != "" {
		return a.config.Device.Name
	}
	return a.apSSID
}

func (a *Agent) portalPort() int {
	_, portStr, err := net.SplitHostPort(a.config.Portal.Listen)
	if err != nil {
		return 80
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 80
	}
	return port
}

// shortID returns the trailing hex of the device id for human-facing
// names like the access point SSID.
func shortID(deviceID string) string {
	s := deviceID
	if i := strings.LastIndex(s, "-"); i >= 0 && i+1 < len(s) {
		s = s[i+1:]
	}
	if len(s) > 6 {
		s = s[len(s)-6:]
	}
	return s
}

func stateString(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
