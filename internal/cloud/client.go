// Package cloud is the control-plane client. It owns the bearer credential
// and the re-authentication policy: a call that comes back 401 invalidates
// the cached token, re-authenticates once, and retries the original call
// once. A second 401 surfaces as AuthError and never loops.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/florasys/field-agent/internal/logging"
)

// Auth schemes. With SchemeToken the activation secret is exchanged for a
// short-lived token via /authenticate; with SchemeSecret the secret itself
// is the bearer credential and a 401 is terminal for the cycle.
const (
	SchemeToken  = "token"
	SchemeSecret = "secret"
)

// AuthError means the control plane rejected our credential past the one
// allowed retry, or the authenticate exchange itself failed.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%d): %s", e.Status, e.Message)
}

// ProtocolError is a non-auth failure talking to the control plane: an
// error status or a response body that did not parse.
type ProtocolError struct {
	Status  int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Message)
}

// Config holds the control-plane endpoint settings.
type Config struct {
	BaseURL         string
	AuthScheme      string
	Timeout         time.Duration
	DownloadTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "https://api.florasys.io",
		AuthScheme:      SchemeToken,
		Timeout:         5 * time.Second,
		DownloadTimeout: 10 * time.Minute,
	}
}

// Task is one pending actuator run delivered by a heartbeat.
type Task struct {
	Channel    int   `json:"channel"`
	DurationMs int64 `json:"duration_ms"`
}

// HeartbeatRequest identifies the device to the control plane.
type HeartbeatRequest struct {
	DeviceID string `json:"device_id"`
	Type     string `json:"type"`
	Version  string `json:"version"`
}

// HeartbeatUpdate is the informational update stanza a heartbeat response
// may carry. It has no download URL; the update check endpoint does.
type HeartbeatUpdate struct {
	Available bool   `json:"available"`
	Current   string `json:"current"`
	Latest    string `json:"latest"`
}

// HeartbeatResponse carries pending tasks and optional update metadata.
type HeartbeatResponse struct {
	Status        string           `json:"status,omitempty"`
	StatusMessage string           `json:"status_message,omitempty"`
	Tasks         []Task           `json:"tasks"`
	Update        *HeartbeatUpdate `json:"update,omitempty"`
}

// UpdateInfo is the update check response.
type UpdateInfo struct {
	UpdateAvailable bool   `json:"update_available"`
	CurrentVersion  string `json:"current_version"`
	LatestVersion   string `json:"latest_version"`
	DownloadURL     string `json:"download_url"`
}

// Event is a fire-and-forget channel or mode transition report.
type Event struct {
	DeviceID string `json:"device_id"`
	Channel  int    `json:"channel"`
	State    string `json:"state"`
}

// Client talks to the control plane on behalf of one device. There is one
// client per process; the bearer credential lives here and nowhere else.
type Client struct {
	config   Config
	http     *http.Client
	download *http.Client

	deviceID string
	secret   string

	mu      sync.Mutex
	token   string
	onToken func(token string)
}

// New creates a client. token may be empty; with the token scheme the
// first call will authenticate before proceeding.
func New(config Config, deviceID, secret, token string) *Client {
	return &Client{
		config:   config,
		http:     &http.Client{Timeout: config.Timeout},
		download: &http.Client{Timeout: config.DownloadTimeout},
		deviceID: deviceID,
		secret:   secret,
		token:    token,
	}
}

// SetTokenCallback registers a function invoked with every newly issued
// token, so the caller can persist it.
func (c *Client) SetTokenCallback(cb func(token string)) {
	c.mu.Lock()
	c.onToken = cb
	c.mu.Unlock()
}

// bearer returns the credential attached to requests under the configured
// scheme.
func (c *Client) bearer() string {
	if c.config.AuthScheme == SchemeSecret {
		return c.secret
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	c.token = token
	cb := c.onToken
	c.mu.Unlock()

	if cb != nil && token != "" {
		cb(token)
	}
}

// Authenticate exchanges the device identity and activation secret for a
// bearer token. Under the secret scheme it is a no-op.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.config.AuthScheme == SchemeSecret {
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"device_id":         c.deviceID,
		"activation_secret": c.secret,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/authenticate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{Status: resp.StatusCode, Message: "activation rejected"}
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ProtocolError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	var authResp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return &AuthError{Status: resp.StatusCode, Message: fmt.Sprintf("malformed auth response: %v", err)}
	}
	if authResp.Token == "" {
		return &AuthError{Status: resp.StatusCode, Message: "auth response carried no token"}
	}

	c.setToken(authResp.Token)
	logging.Info("Authenticated with control plane", zap.String("device_id", c.deviceID))
	return nil
}

// send issues one request with the current bearer attached.
func (c *Client) send(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b := c.bearer(); b != "" {
		req.Header.Set("Authorization", "Bearer "+b)
	}

	return c.http.Do(req)
}

// do runs one control-plane call through the single-retry-on-401 policy
// and decodes the response into out when it is non-nil.
func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	// With the token scheme, acquire a token up front rather than
	// provoking a 401 on the very first call.
	if c.config.AuthScheme == SchemeToken && c.bearer() == "" {
		if err := c.Authenticate(ctx); err != nil {
			return err
		}
	}

	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if c.config.AuthScheme == SchemeSecret {
			return &AuthError{Status: resp.StatusCode, Message: "activation secret rejected"}
		}

		c.setToken("")
		if err := c.Authenticate(ctx); err != nil {
			return err
		}

		resp, err = c.send(ctx, method, path, body)
		if err != nil {
			return fmt.Errorf("retry request failed: %w", err)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return &AuthError{Status: resp.StatusCode, Message: "credential rejected after re-authentication"}
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ProtocolError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &ProtocolError{Status: resp.StatusCode, Message: fmt.Sprintf("malformed response: %v", err)}
		}
	}
	return nil
}

// Heartbeat reports liveness and pulls pending tasks.
func (c *Client) Heartbeat(ctx context.Context, req HeartbeatRequest) (*HeartbeatResponse, error) {
	var resp HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckUpdate asks whether newer firmware exists for this device.
func (c *Client) CheckUpdate(ctx context.Context) (*UpdateInfo, error) {
	var info UpdateInfo
	path := "/update?device_id=" + url.QueryEscape(c.deviceID)
	if err := c.do(ctx, http.MethodGet, path, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// PostEvent reports a channel transition. The response body is ignored;
// callers treat any error as "leave it queued".
func (c *Client) PostEvent(ctx context.Context, ev Event) error {
	return c.do(ctx, http.MethodPost, "/event", ev, nil)
}

// OpenFirmware opens the firmware stream at downloadURL, which may be
// absolute or relative to the base URL. The returned size is -1 when the
// server did not declare Content-Length. The caller must close the reader.
func (c *Client) OpenFirmware(ctx context.Context, downloadURL string) (io.ReadCloser, int64, error) {
	full := downloadURL
	if strings.HasPrefix(downloadURL, "/") {
		full = c.config.BaseURL + downloadURL
	}

	open := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create download request: %w", err)
		}
		if b := c.bearer(); b != "" {
			req.Header.Set("Authorization", "Bearer "+b)
		}
		return c.download.Do(req)
	}

	if c.config.AuthScheme == SchemeToken && c.bearer() == "" {
		if err := c.Authenticate(ctx); err != nil {
			return nil, 0, err
		}
	}

	resp, err := open()
	if err != nil {
		return nil, 0, fmt.Errorf("download request failed: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized && c.config.AuthScheme == SchemeToken {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		c.setToken("")
		if err := c.Authenticate(ctx); err != nil {
			return nil, 0, err
		}
		resp, err = open()
		if err != nil {
			return nil, 0, fmt.Errorf("download retry failed: %w", err)
		}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, 0, &AuthError{Status: resp.StatusCode, Message: "download rejected"}
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, 0, &ProtocolError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	return resp.Body, resp.ContentLength, nil
}
