package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/florasys/field-agent/internal/cloud"
	"github.com/florasys/field-agent/internal/config"
	"github.com/florasys/field-agent/internal/protocol"
	"github.com/florasys/field-agent/internal/store"
	"github.com/florasys/field-agent/internal/version"
)

// fakeBoard satisfies Board and records pin writes in order so tests can
// assert sequencing, like de-energize before reboot.
type fakeBoard struct {
	mu        sync.Mutex
	pins      map[int]bool
	ops       []string
	joinCalls int
	joinErr   error
	linkUp    bool
	apSSID    string
	apPass    string
	sensorSet bool
	sensor    uint8
	periodMs  uint32
	frameCb   func(*protocol.Frame)
}

func newFakeBoard() *fakeBoard {
	return &fakeBoard{pins: make(map[int]bool)}
}

func (b *fakeBoard) Start() error { return nil }
func (b *fakeBoard) Stop() error  { return nil }

func (b *fakeBoard) SetFrameCallback(cb func(frame *protocol.Frame)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frameCb = cb
}

func (b *fakeBoard) Hello() (*protocol.HelloPayload, error) {
	return &protocol.HelloPayload{Channels: 8, FwMajor: 1, FwMinor: 2, FwPatch: 0}, nil
}

func (b *fakeBoard) SetPin(channel int, on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pins[channel] = on
	b.ops = append(b.ops, fmt.Sprintf("pin:%d:%v", channel, on))
	return nil
}

func (b *fakeBoard) Join(ssid, passphrase string, timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joinCalls++
	if b.joinErr != nil {
		return b.joinErr
	}
	b.linkUp = true
	return nil
}

func (b *fakeBoard) StartAccessPoint(ssid, passphrase string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.apSSID = ssid
	b.apPass = passphrase
	return nil
}

func (b *fakeBoard) ConfigureSensor(sensor uint8, periodMs uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sensorSet = true
	b.sensor = sensor
	b.periodMs = periodMs
	return nil
}

func (b *fakeBoard) LinkUp() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.linkUp
}

func (b *fakeBoard) Reboot() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, "board_reboot")
	return nil
}

func (b *fakeBoard) pin(channel int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pins[channel]
}

func (b *fakeBoard) setLink(up bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.linkUp = up
}

func (b *fakeBoard) joins() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joinCalls
}

func (b *fakeBoard) recordOp(op string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, op)
}

func (b *fakeBoard) opIndex(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, o := range b.ops {
		if o == op {
			return i
		}
	}
	return -1
}

func (b *fakeBoard) pushFrame(t *testing.T, frame *protocol.Frame) {
	t.Helper()
	b.mu.Lock()
	cb := b.frameCb
	b.mu.Unlock()
	if cb == nil {
		t.Fatal("no frame callback registered")
	}
	cb(frame)
}

// fakePlane is a minimal control plane. Tasks and update stanzas are
// served once, then cleared.
type fakePlane struct {
	ts *httptest.Server

	mu           sync.Mutex
	heartbeats   []cloud.HeartbeatRequest
	events       []cloud.Event
	updateChecks int
	hbTasks      []cloud.Task
	hbUpdate     *cloud.HeartbeatUpdate
	updateInfo   cloud.UpdateInfo
	firmware     []byte
}

func newFakePlane(t *testing.T) *fakePlane {
	t.Helper()
	p := &fakePlane{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var req cloud.HeartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.heartbeats = append(p.heartbeats, req)
		resp := cloud.HeartbeatResponse{Status: "ok", Tasks: p.hbTasks, Update: p.hbUpdate}
		p.hbTasks = nil
		p.hbUpdate = nil
		p.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("GET /update", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.updateChecks++
		info := p.updateInfo
		p.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(info)
	})
	mux.HandleFunc("POST /event", func(w http.ResponseWriter, r *http.Request) {
		var ev cloud.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.events = append(p.events, ev)
		p.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /firmware.bin", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		img := p.firmware
		p.mu.Unlock()
		w.Write(img)
	})

	p.ts = httptest.NewServer(mux)
	t.Cleanup(p.ts.Close)
	return p
}

func (p *fakePlane) heartbeatCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.heartbeats)
}

func (p *fakePlane) firstHeartbeat() cloud.HeartbeatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heartbeats[0]
}

func (p *fakePlane) eventCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func (p *fakePlane) eventAt(i int) cloud.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[i]
}

func (p *fakePlane) updateCheckCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updateChecks
}

func (p *fakePlane) setTasks(tasks []cloud.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hbTasks = tasks
}

func (p *fakePlane) setHeartbeatUpdate(u *cloud.HeartbeatUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hbUpdate = u
}

func newTestAgent(t *testing.T, plane *fakePlane, mutate func(cfg *config.Config), seed func(t *testing.T, st *store.Store)) (*Agent, *fakeBoard) {
	t.Helper()

	dir, err := os.MkdirTemp("", "agent-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.Store.Path = filepath.Join(dir, "agent.db")
	cfg.Update.Dir = filepath.Join(dir, "firmware")
	cfg.Cloud.BaseURL = plane.ts.URL
	cfg.Cloud.AuthScheme = "secret"
	cfg.Cloud.TimeoutSeconds = 2
	cfg.Cloud.HeartbeatSeconds = 1
	cfg.Network.JoinMaxAttempts = 1
	cfg.Portal.Listen = "127.0.0.1:0"
	cfg.Agent.TickMs = 50
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}

	if seed != nil {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			t.Fatalf("failed to open store for seeding: %v", err)
		}
		seed(t, st)
		if err := st.Close(); err != nil {
			t.Fatalf("failed to close seed store: %v", err)
		}
	}

	board := newFakeBoard()
	a, err := New(cfg, board)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	a.rebootFn = func() { board.recordOp("reboot") }
	t.Cleanup(func() { a.Stop() })

	return a, board
}

func seedCredentials(t *testing.T, st *store.Store) {
	t.Helper()
	for key, value := range map[string]string{
		store.KeyStationSSID:      "barn-wifi",
		store.KeyStationPass:      "hunter22",
		store.KeyActivationSecret: "sec-123",
	} {
		if err := st.SetSetting(key, value); err != nil {
			t.Fatalf("failed to seed %s: %v", key, err)
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, what)
}

func TestProvisioningBootSkipsCloud(t *testing.T) {
	plane := newFakePlane(t)
	a, board := newTestAgent(t, plane, nil, nil)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	if got := board.joins(); got != 0 {
		t.Errorf("join attempts without credentials = %d, want 0", got)
	}
	if got := plane.heartbeatCount(); got != 0 {
		t.Errorf("heartbeats while provisioning = %d, want 0", got)
	}

	board.mu.Lock()
	apSSID := board.apSSID
	board.mu.Unlock()
	if !strings.HasPrefix(apSSID, "florasys-") {
		t.Errorf("AP SSID = %q, want florasys- prefix", apSSID)
	}
	if len(apSSID) != len("florasys-")+6 {
		t.Errorf("AP SSID = %q, want 6-character device suffix", apSSID)
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestStartTwiceFails(t *testing.T) {
	plane := newFakePlane(t)
	a, _ := newTestAgent(t, plane, nil, nil)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := a.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got %v", err)
	}
}

func TestBootJoinAndHeartbeat(t *testing.T) {
	plane := newFakePlane(t)
	a, board := newTestAgent(t, plane, nil, seedCredentials)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, "first heartbeat", func() bool {
		return plane.heartbeatCount() >= 1
	})

	if got := board.joins(); got != 1 {
		t.Errorf("join attempts = %d, want 1", got)
	}

	hb := plane.firstHeartbeat()
	if hb.DeviceID != a.DeviceID() {
		t.Errorf("heartbeat device_id = %q, want %q", hb.DeviceID, a.DeviceID())
	}
	if hb.Type != "dosing_unit" {
		t.Errorf("heartbeat type = %q, want dosing_unit", hb.Type)
	}
	if hb.Version != version.Version {
		t.Errorf("heartbeat version = %q, want %q", hb.Version, version.Version)
	}

	// A second heartbeat one interval later proves the timer re-arms.
	waitFor(t, 3*time.Second, "second heartbeat", func() bool {
		return plane.heartbeatCount() >= 2
	})
}

func TestHeartbeatTasksDriveChannels(t *testing.T) {
	plane := newFakePlane(t)
	plane.setTasks([]cloud.Task{{Channel: 1, DurationMs: 200}})
	a, board := newTestAgent(t, plane, nil, seedCredentials)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, "channel 1 energized", func() bool {
		return board.pin(1)
	})
	waitFor(t, 2*time.Second, "channel 1 de-energized after the run", func() bool {
		return !board.pin(1)
	})

	// Both transitions reach the control plane as actuation events.
	waitFor(t, 3*time.Second, "actuation events uploaded", func() bool {
		return plane.eventCount() >= 2
	})
	first := plane.eventAt(0)
	if first.DeviceID != a.DeviceID() || first.Channel != 1 || first.State != "on" {
		t.Errorf("first event = %+v, want channel 1 on for this device", first)
	}
	if second := plane.eventAt(1); second.State != "off" {
		t.Errorf("second event state = %q, want off", second.State)
	}
}

func TestHeartbeatRejectsOverlongTask(t *testing.T) {
	plane := newFakePlane(t)
	plane.setTasks([]cloud.Task{{Channel: 2, DurationMs: 600_000}}) // over the 300s cap
	a, board := newTestAgent(t, plane, nil, seedCredentials)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, "heartbeat", func() bool {
		return plane.heartbeatCount() >= 1
	})
	time.Sleep(200 * time.Millisecond)

	if board.pin(2) {
		t.Error("overlong task should never energize the channel")
	}
}

func TestHeartbeatUpdateStanzaForcesCheck(t *testing.T) {
	plane := newFakePlane(t)
	a, _ := newTestAgent(t, plane, nil, seedCredentials)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// The boot check runs once; the next is not due for an hour.
	waitFor(t, 2*time.Second, "boot update check", func() bool {
		return plane.updateCheckCount() >= 1 && plane.heartbeatCount() >= 1
	})

	plane.setHeartbeatUpdate(&cloud.HeartbeatUpdate{Available: true, Current: "1.0.0", Latest: "1.1.0"})

	waitFor(t, 3*time.Second, "forced update check", func() bool {
		return plane.updateCheckCount() >= 2
	})
}

func TestUpdateFlowStagesAndReboots(t *testing.T) {
	oldVersion := version.Version
	version.Version = "1.0.0"
	t.Cleanup(func() { version.Version = oldVersion })

	plane := newFakePlane(t)
	image := []byte("firmware image v1.1.0")
	plane.mu.Lock()
	plane.firmware = image
	plane.updateInfo = cloud.UpdateInfo{
		UpdateAvailable: true,
		CurrentVersion:  "1.0.0",
		LatestVersion:   "1.1.0",
		DownloadURL:     "/firmware.bin",
	}
	plane.mu.Unlock()

	a, board := newTestAgent(t, plane, nil, seedCredentials)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 3*time.Second, "reboot after staging", func() bool {
		return board.opIndex("reboot") >= 0
	})

	staged := filepath.Join(a.config.Update.Dir, "firmware_1.1.0.bin")
	data, err := os.ReadFile(staged)
	if err != nil {
		t.Fatalf("staged image not found: %v", err)
	}
	if string(data) != string(image) {
		t.Errorf("staged image = %q, want %q", data, image)
	}
}

func TestWatchdogSafeStateBeforeReboot(t *testing.T) {
	plane := newFakePlane(t)
	plane.setTasks([]cloud.Task{{Channel: 0, DurationMs: 60_000}})
	a, board := newTestAgent(t, plane, func(cfg *config.Config) {
		cfg.Network.WatchdogSeconds = 1
	}, seedCredentials)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, "channel 0 energized", func() bool {
		return board.pin(0)
	})

	board.setLink(false)

	waitFor(t, 4*time.Second, "watchdog reboot", func() bool {
		return board.opIndex("reboot") >= 0
	})

	if board.pin(0) {
		t.Error("channel 0 still energized after watchdog")
	}
	offIdx := board.opIndex("pin:0:false")
	rebootIdx := board.opIndex("reboot")
	if offIdx < 0 || offIdx > rebootIdx {
		t.Errorf("de-energize at op %d, reboot at op %d; want de-energize first", offIdx, rebootIdx)
	}
}

func TestBoardPinEventCancelsTimedRun(t *testing.T) {
	plane := newFakePlane(t)
	plane.setTasks([]cloud.Task{{Channel: 3, DurationMs: 60_000}})
	a, board := newTestAgent(t, plane, nil, seedCredentials)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, "channel 3 energized", func() bool {
		return board.pin(3)
	})

	payload := (&protocol.PinEventPayload{Channel: 3, State: protocol.PinOff}).Encode()
	board.pushFrame(t, protocol.NewFrame(protocol.MsgTypePinEvent, 7, payload))

	waitFor(t, 2*time.Second, "board override applied", func() bool {
		return !board.pin(3)
	})

	time.Sleep(200 * time.Millisecond)
	if board.pin(3) {
		t.Error("channel 3 re-energized after board override")
	}
}

func TestExhaustedJoinRecoversOnLateLink(t *testing.T) {
	plane := newFakePlane(t)
	board := newFakeBoard()
	board.joinErr = errors.New("association failed")

	dir, err := os.MkdirTemp("", "agent-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.Store.Path = filepath.Join(dir, "agent.db")
	cfg.Update.Dir = filepath.Join(dir, "firmware")
	cfg.Cloud.BaseURL = plane.ts.URL
	cfg.Cloud.AuthScheme = "secret"
	cfg.Cloud.HeartbeatSeconds = 1
	cfg.Network.JoinMaxAttempts = 1
	cfg.Portal.Listen = "127.0.0.1:0"
	cfg.Agent.TickMs = 50

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	seedCredentials(t, st)
	st.Close()

	a, err := New(cfg, board)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	a.rebootFn = func() { board.recordOp("reboot") }
	t.Cleanup(func() { a.Stop() })

	// The exhausted join is tolerated; the agent stays up in
	// provisioning mode.
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := board.joins(); got != 1 {
		t.Fatalf("join attempts = %d, want 1", got)
	}
	if got := plane.heartbeatCount(); got != 0 {
		t.Fatalf("heartbeats before link = %d, want 0", got)
	}

	// The board later reports the station link up on its own.
	board.setLink(true)

	waitFor(t, 3*time.Second, "heartbeat after late link", func() bool {
		return plane.heartbeatCount() >= 1
	})
}

func TestMonitorModeDrivesDoseAndAux(t *testing.T) {
	plane := newFakePlane(t)
	a, board := newTestAgent(t, plane, func(cfg *config.Config) {
		cfg.Monitor.Enabled = true
		cfg.Monitor.Sensor = 0
		cfg.Monitor.SamplePeriodMs = 1000
		cfg.Monitor.WindowSize = 3
		cfg.Monitor.HighCount = 2
		cfg.Monitor.LowCount = 2
		cfg.Monitor.HighThreshold = 2600
		cfg.Monitor.DoseChannel = 2
		cfg.Monitor.DoseMl = 10
		cfg.Monitor.AuxChannel = 3
	}, func(t *testing.T, st *store.Store) {
		if err := st.SetBoolSetting(store.KeyDoseMonitor, true); err != nil {
			t.Fatalf("failed to seed dose monitor flag: %v", err)
		}
		if err := st.SetFloatSetting(store.KeyMsPerML, 20); err != nil {
			t.Fatalf("failed to seed calibration: %v", err)
		}
	})

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	board.mu.Lock()
	sensorSet, sensor, periodMs := board.sensorSet, board.sensor, board.periodMs
	board.mu.Unlock()
	if !sensorSet || sensor != 0 || periodMs != 1000 {
		t.Fatalf("sensor config = (%v, %d, %d), want (true, 0, 1000)", sensorSet, sensor, periodMs)
	}

	sample := func(value uint16) {
		payload := (&protocol.SensorSamplePayload{Sensor: 0, Value: value}).Encode()
		board.pushFrame(t, protocol.NewFrame(protocol.MsgTypeSensorSample, 1, payload))
	}

	// Two high samples flip the mode and trigger one 200ms dose.
	sample(3000)
	sample(3000)
	waitFor(t, 2*time.Second, "dose pump energized", func() bool {
		return board.pin(2)
	})
	waitFor(t, 2*time.Second, "dose pump off after the run", func() bool {
		return !board.pin(2)
	})

	// Two low samples flip back; the aux channel asserts in low mode.
	sample(100)
	sample(100)
	waitFor(t, 2*time.Second, "aux channel asserted in low mode", func() bool {
		return board.pin(3)
	})

	// A second excursion doses again, exactly once per transition.
	sample(3000)
	sample(3000)
	waitFor(t, 2*time.Second, "second dose", func() bool {
		return board.pin(2)
	})
}

func TestRestoreOnBootReassertsChannels(t *testing.T) {
	plane := newFakePlane(t)
	a, board := newTestAgent(t, plane, func(cfg *config.Config) {
		cfg.Actuation.RestoreOnBoot = true
	}, func(t *testing.T, st *store.Store) {
		if err := st.UpsertChannelState(1, true, "portal"); err != nil {
			t.Fatalf("failed to seed channel state: %v", err)
		}
		if err := st.UpsertChannelState(2, false, "cloud"); err != nil {
			t.Fatalf("failed to seed channel state: %v", err)
		}
	})

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if !board.pin(1) {
		t.Error("channel 1 not restored after boot")
	}
	if board.pin(2) {
		t.Error("channel 2 was off, should stay off")
	}
}

func TestBootReconcilesStaleChannelState(t *testing.T) {
	plane := newFakePlane(t)
	a, board := newTestAgent(t, plane, nil, func(t *testing.T, st *store.Store) {
		if err := st.UpsertChannelState(1, true, "portal"); err != nil {
			t.Fatalf("failed to seed channel state: %v", err)
		}
	})

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if board.pin(1) {
		t.Error("channel 1 re-energized without restore_on_boot")
	}

	states, err := a.st.GetChannelStates()
	if err != nil {
		t.Fatalf("GetChannelStates failed: %v", err)
	}
	for _, cs := range states {
		if cs.Channel == 1 {
			if cs.On {
				t.Error("stale on-state not reconciled to off")
			}
			if cs.Source != "boot" {
				t.Errorf("reconciled source = %q, want boot", cs.Source)
			}
			return
		}
	}
	t.Fatal("channel 1 state missing from store")
}
