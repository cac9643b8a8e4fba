// Package portal serves the local device surface: the provisioning pages,
// the JSON control endpoints used by the companion app, metrics, and the
// /live websocket stream. It is reachable over the device AP while the
// device is unprovisioned and over the station network afterwards.
package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/florasys/field-agent/internal/actuate"
	"github.com/florasys/field-agent/internal/classify"
	"github.com/florasys/field-agent/internal/logging"
	"github.com/florasys/field-agent/internal/metrics"
	"github.com/florasys/field-agent/internal/netmgr"
	"github.com/florasys/field-agent/internal/protocol"
	"github.com/florasys/field-agent/internal/store"
)

// rebootDelay gives the /save response time to reach the client before
// the device goes down.
const rebootDelay = 250 * time.Millisecond

// Deps are the components the portal exposes. Classifier may be nil on
// device types without a monitor.
type Deps struct {
	Store      *store.Store
	Sched      *actuate.Scheduler
	Net        *netmgr.Manager
	Classifier *classify.Classifier
	DeviceID   string
	DeviceType string
	Version    string
	MsPerML    float64 // fallback when the store has no pump calibration
	Reboot     func()
}

// Server is the local HTTP server.
type Server struct {
	deps    Deps
	hub     *hub
	httpSrv *http.Server
	started time.Time
}

// New creates a portal server listening on addr.
func New(addr string, deps Deps) *Server {
	s := &Server{
		deps:    deps,
		hub:     newHub(),
		started: time.Now(),
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleStatus)
	mux.HandleFunc("GET /wifi", s.handleWifiForm)
	mux.HandleFunc("POST /wifi", s.handleSave)
	mux.HandleFunc("POST /save", s.handleSave)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("POST /toggle", s.handleToggle)
	mux.HandleFunc("POST /pump", s.handlePump)
	mux.HandleFunc("GET /dose_monitor", s.handleDoseMonitorGet)
	mux.HandleFunc("POST /dose_monitor", s.handleDoseMonitorSet)
	mux.HandleFunc("POST /pump_calibration", s.handleCalibration)
	mux.HandleFunc("GET /discovery", s.handleDiscovery)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /live", s.hub)
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpSrv.Addr, err)
	}
	logging.Info("Portal listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error("Portal server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown disconnects /live clients and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpSrv.Shutdown(ctx)
}

// Update is one message on the /live stream.
type Update struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
	Time  time.Time   `json:"time"`
}

// Broadcast pushes one event to every /live client.
func (s *Server) Broadcast(event string, data interface{}) {
	s.hub.Broadcast(Update{Event: event, Data: data, Time: time.Now().UTC()})
}

var statusTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head>
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.DeviceID}}</title>
<style>body{font-family:sans-serif;margin:2em}table{border-collapse:collapse}td,th{border:1px solid #ccc;padding:4px 10px}</style>
</head>
<body>
<h1>{{.DeviceType}}</h1>
<p>{{.DeviceID}} &middot; firmware {{.Version}} &middot; {{.Connectivity}} &middot; up {{.Uptime}}</p>
<table>
<tr><th>Channel</th><th>State</th><th>Source</th></tr>
{{range .Channels}}<tr><td>{{.Channel}}</td><td>{{if .On}}on{{else}}off{{end}}</td><td>{{.Source}}</td></tr>
{{end}}</table>
{{if .Calibrating}}<p><strong>Calibration in progress</strong></p>{{end}}
<p><a href="/wifi">Network settings</a></p>
</body>
</html>
`))

var wifiTemplate = template.Must(template.New("wifi").Parse(`<!DOCTYPE html>
<html>
<head>
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Network settings</title>
<style>body{font-family:sans-serif;margin:2em}label{display:block;margin-top:1em}</style>
</head>
<body>
<h1>Network settings</h1>
<form method="post" action="/save">
<label>Network name <input name="ssid" value="{{.SSID}}" maxlength="32" required></label>
<label>Passphrase <input name="passphrase" type="password" maxlength="64"></label>
<label>Device AP passphrase <input name="ap_passphrase" type="password" maxlength="64" placeholder="unchanged"></label>
<p><button type="submit">Save and reboot</button></p>
</form>
</body>
</html>
`))

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	page := struct {
		DeviceID     string
		DeviceType   string
		Version      string
		Connectivity string
		Uptime       time.Duration
		Channels     []actuate.State
		Calibrating  bool
	}{
		DeviceID:     s.deps.DeviceID,
		DeviceType:   s.deps.DeviceType,
		Version:      s.deps.Version,
		Connectivity: s.connectivity(),
		Uptime:       time.Since(s.started).Round(time.Second),
		Channels:     s.deps.Sched.States(),
		Calibrating:  s.deps.Sched.Calibrating(),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusTemplate.Execute(w, page); err != nil {
		logging.Error("Failed to render status page", zap.Error(err))
	}
}

func (s *Server) handleWifiForm(w http.ResponseWriter, r *http.Request) {
	ssid, _ := s.deps.Store.GetSetting(store.KeyStationSSID)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := wifiTemplate.Execute(w, struct{ SSID string }{SSID: ssid}); err != nil {
		logging.Error("Failed to render wifi page", zap.Error(err))
	}
}

type saveRequest struct {
	SSID         string `json:"ssid"`
	Passphrase   string `json:"passphrase"`
	APPassphrase string `json:"ap_passphrase"`
}

// handleSave persists new network credentials and reboots. The reboot is
// the documented provisioning policy: the boot sequence is the only place
// a station join happens, so new credentials take effect by going through
// it again.
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed body")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "malformed form")
			return
		}
		req.SSID = r.PostFormValue("ssid")
		req.Passphrase = r.PostFormValue("passphrase")
		req.APPassphrase = r.PostFormValue("ap_passphrase")
	}

	if req.SSID == "" || len(req.SSID) > protocol.MaxSSIDLen {
		writeError(w, http.StatusBadRequest, "ssid length out of range")
		return
	}
	if len(req.Passphrase) > protocol.MaxPassphraseLen {
		writeError(w, http.StatusBadRequest, "passphrase too long")
		return
	}
	if req.APPassphrase != "" && (len(req.APPassphrase) < 8 || len(req.APPassphrase) > protocol.MaxPassphraseLen) {
		writeError(w, http.StatusBadRequest, "ap passphrase must be 8 to 64 characters")
		return
	}

	if err := s.deps.Store.SetSetting(store.KeyStationSSID, req.SSID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save credentials")
		return
	}
	if err := s.deps.Store.SetSetting(store.KeyStationPass, req.Passphrase); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save credentials")
		return
	}
	if req.APPassphrase != "" {
		if err := s.deps.Store.SetSetting(store.KeyAPPass, req.APPassphrase); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to save credentials")
			return
		}
	}

	logging.Info("Network credentials saved", zap.String("ssid", req.SSID))
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "saved", "reboot": true})

	if s.deps.Reboot != nil {
		time.AfterFunc(rebootDelay, s.deps.Reboot)
	}
}

type stateResponse struct {
	DeviceID     string          `json:"device_id"`
	Type         string          `json:"type"`
	Version      string          `json:"version"`
	Connectivity string          `json:"connectivity"`
	UptimeS      int64           `json:"uptime_s"`
	Calibrating  bool            `json:"calibrating"`
	Channels     []actuate.State `json:"channels"`
	MonitorMode  string          `json:"monitor_mode,omitempty"`
	DoseMonitor  bool            `json:"dose_monitor"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	doseMonitor, _ := s.deps.Store.GetBoolSetting(store.KeyDoseMonitor, false)

	resp := stateResponse{
		DeviceID:     s.deps.DeviceID,
		Type:         s.deps.DeviceType,
		Version:      s.deps.Version,
		Connectivity: s.connectivity(),
		UptimeS:      int64(time.Since(s.started).Seconds()),
		Calibrating:  s.deps.Sched.Calibrating(),
		Channels:     s.deps.Sched.States(),
		DoseMonitor:  doseMonitor,
	}
	if s.deps.Classifier != nil {
		resp.MonitorMode = s.deps.Classifier.Mode().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

type toggleRequest struct {
	Channel int `json:"channel"`
}

type toggleResponse struct {
	Channel  int  `json:"channel"`
	NewState bool `json:"new_state"`
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	on, err := s.deps.Sched.Get(req.Channel)
	if err != nil {
		writeActuationError(w, err)
		return
	}
	if err := s.deps.Sched.Set(req.Channel, !on, "portal"); err != nil {
		writeActuationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toggleResponse{Channel: req.Channel, NewState: !on})
}

type pumpRequest struct {
	Pump   int     `json:"pump"`
	Amount float64 `json:"amount"` // milliliters
}

type pumpResponse struct {
	Pump       int   `json:"pump"`
	DurationMs int64 `json:"duration_ms"`
}

// handlePump converts a volume to a run time using the persisted pump
// calibration and submits it.
func (s *Server) handlePump(w http.ResponseWriter, r *http.Request) {
	var req pumpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	msPerML, err := s.deps.Store.GetFloatSetting(store.KeyMsPerML, s.deps.MsPerML)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read pump calibration")
		return
	}

	d := time.Duration(req.Amount * msPerML * float64(time.Millisecond))
	if err := s.deps.Sched.Submit(req.Pump, d, "portal"); err != nil {
		writeActuationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pumpResponse{Pump: req.Pump, DurationMs: d.Milliseconds()})
}

type doseMonitorState struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleDoseMonitorGet(w http.ResponseWriter, r *http.Request) {
	enabled, err := s.deps.Store.GetBoolSetting(store.KeyDoseMonitor, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read setting")
		return
	}
	writeJSON(w, http.StatusOK, doseMonitorState{Enabled: enabled})
}

func (s *Server) handleDoseMonitorSet(w http.ResponseWriter, r *http.Request) {
	var req doseMonitorState
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := s.deps.Store.SetBoolSetting(store.KeyDoseMonitor, req.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save setting")
		return
	}
	logging.Info("Dose monitor setting changed", zap.Bool("enabled", req.Enabled))
	writeJSON(w, http.StatusOK, req)
}

type calibrationRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	var req calibrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	switch req.Command {
	case "start":
		if err := s.deps.Sched.StartCalibration("portal"); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	case "stop":
		if err := s.deps.Sched.StopCalibration("portal"); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "command must be start or stop")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"calibrating": s.deps.Sched.Calibrating()})
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"device_id": s.deps.DeviceID,
		"type":      s.deps.DeviceType,
		"version":   s.deps.Version,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.deps.Version})
}

func (s *Server) connectivity() string {
	if s.deps.Net == nil {
		return "unknown"
	}
	return s.deps.Net.State().String()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeActuationError maps scheduler rejections to 400 and everything
// else, driver faults included, to 500.
func writeActuationError(w http.ResponseWriter, err error) {
	if errors.Is(err, actuate.ErrInvalidChannel) || errors.Is(err, actuate.ErrInvalidDuration) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
