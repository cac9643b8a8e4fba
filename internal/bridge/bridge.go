// Package bridge talks to the board MCU over ZeroMQ sockets. Commands go
// out on a REQ socket and are acknowledged synchronously; pin events,
// sensor samples, and link reports arrive on a SUB socket.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"github.com/florasys/field-agent/internal/logging"
	"github.com/florasys/field-agent/internal/metrics"
	"github.com/florasys/field-agent/internal/protocol"
)

// Config holds the board socket endpoints.
type Config struct {
	EventURL   string // SUB socket for board events
	CommandURL string // REQ socket for board commands
}

// DefaultConfig returns the endpoints the board firmware binds by default.
func DefaultConfig() Config {
	return Config{
		EventURL:   "ipc:///run/florasys/board_event",
		CommandURL: "ipc:///run/florasys/board_command",
	}
}

// joinGrace pads the board's own association timeout so its result frame
// normally arrives before we give up waiting for it.
const joinGrace = 2 * time.Second

// Client drives the board MCU.
type Client struct {
	config    Config
	eventSock zmq4.Socket
	cmdSock   zmq4.Socket
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// cmdMu serializes REQ/REP exchanges; mu guards everything below it.
	cmdMu      sync.Mutex
	mu         sync.Mutex
	running    bool
	seq        uint16
	linkUp     bool
	joinWaiter chan protocol.JoinResultPayload
	onFrame    func(*protocol.Frame)
}

// New creates a client for the given endpoints.
func New(config Config) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start connects both sockets and starts the event loop.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("bridge already running")
	}
	c.running = true
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}

	c.eventSock = zmq4.NewSub(c.ctx)
	if err := c.eventSock.Dial(c.config.EventURL); err != nil {
		return fail(fmt.Errorf("failed to connect event socket: %w", err))
	}
	if err := c.eventSock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		c.eventSock.Close()
		return fail(fmt.Errorf("failed to subscribe: %w", err))
	}

	c.cmdSock = zmq4.NewReq(c.ctx)
	if err := c.cmdSock.Dial(c.config.CommandURL); err != nil {
		c.eventSock.Close()
		return fail(fmt.Errorf("failed to connect command socket: %w", err))
	}

	c.wg.Add(1)
	go c.eventLoop()

	logging.Info("Board bridge started",
		zap.String("event_url", c.config.EventURL),
		zap.String("command_url", c.config.CommandURL),
	)
	return nil
}

// Stop stops the event loop and closes both sockets.
func (c *Client) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	if c.eventSock != nil {
		c.eventSock.Close()
	}
	if c.cmdSock != nil {
		c.cmdSock.Close()
	}

	logging.Info("Board bridge stopped")
	return nil
}

// SetFrameCallback sets the callback for board event frames. The callback
// runs on the event loop goroutine.
func (c *Client) SetFrameCallback(cb func(*protocol.Frame)) {
	c.mu.Lock()
	c.onFrame = cb
	c.mu.Unlock()
}

// LinkUp reports the station link state from the most recent board event.
func (c *Client) LinkUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linkUp
}

// Hello asks the board for its channel count and firmware version.
func (c *Client) Hello() (*protocol.HelloPayload, error) {
	reply, err := c.request(protocol.MsgTypeHello, nil)
	if err != nil {
		return nil, err
	}
	if reply.Header.MsgType != protocol.MsgTypeHello {
		return nil, fmt.Errorf("unexpected reply %s to hello",
			protocol.MsgTypeString(reply.Header.MsgType))
	}
	return protocol.DecodeHelloPayload(reply.Payload)
}

// SetPin drives one actuation channel.
func (c *Client) SetPin(channel int, on bool) error {
	if channel < 0 || channel > 0xFF {
		return fmt.Errorf("channel %d out of range", channel)
	}
	state := uint8(protocol.PinOff)
	if on {
		state = protocol.PinOn
	}
	p := protocol.SetPinPayload{Channel: uint8(channel), State: state}
	return c.command(protocol.MsgTypeSetPin, p.Encode())
}

// Join asks the board to associate with a station network and waits for
// the result event. The board enforces its own association timeout and
// reports it in the result; the wait here only covers a board that never
// answers at all.
func (c *Client) Join(ssid, passphrase string, timeout time.Duration) error {
	if err := validateCredentials(ssid, passphrase); err != nil {
		return err
	}

	waiter := make(chan protocol.JoinResultPayload, 1)
	c.mu.Lock()
	c.joinWaiter = waiter
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.joinWaiter == waiter {
			c.joinWaiter = nil
		}
		c.mu.Unlock()
	}()

	p := protocol.JoinPayload{SSID: ssid, Passphrase: passphrase}
	if err := c.command(protocol.MsgTypeJoin, p.Encode()); err != nil {
		return err
	}

	select {
	case res := <-waiter:
		if res.Status != protocol.JoinOK {
			return fmt.Errorf("join failed: %s", protocol.JoinStatusString(res.Status))
		}
		logging.Info("Joined station network",
			zap.String("ssid", ssid),
			zap.Int8("rssi", res.RSSI),
		)
		return nil
	case <-time.After(timeout + joinGrace):
		return fmt.Errorf("join failed: no result from board within %s", timeout+joinGrace)
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// StartAccessPoint brings up the configuration AP with the given
// credentials. The board keeps the AP running until the next reboot or
// reconfiguration.
func (c *Client) StartAccessPoint(ssid, passphrase string) error {
	if err := validateCredentials(ssid, passphrase); err != nil {
		return err
	}
	p := protocol.APConfigPayload{SSID: ssid, Passphrase: passphrase}
	return c.command(protocol.MsgTypeAPConfig, p.Encode())
}

// ConfigureSensor sets the sampling period for one analog input.
func (c *Client) ConfigureSensor(sensor uint8, periodMs uint32) error {
	p := protocol.SensorConfigPayload{Sensor: sensor, PeriodMs: periodMs}
	return c.command(protocol.MsgTypeSensorConfig, p.Encode())
}

// Reboot asks the board MCU to reset itself.
func (c *Client) Reboot() error {
	return c.command(protocol.MsgTypeReboot, nil)
}

func validateCredentials(ssid, passphrase string) error {
	if len(ssid) == 0 || len(ssid) > protocol.MaxSSIDLen {
		return fmt.Errorf("SSID length %d out of range", len(ssid))
	}
	if len(passphrase) > protocol.MaxPassphraseLen {
		return fmt.Errorf("passphrase length %d out of range", len(passphrase))
	}
	return nil
}

// command sends a frame and checks that the board acknowledged it.
func (c *Client) command(msgType uint8, payload []byte) error {
	reply, err := c.request(msgType, payload)
	if err != nil {
		return err
	}
	if reply.Header.MsgType != protocol.MsgTypeAck {
		return fmt.Errorf("unexpected reply %s to %s",
			protocol.MsgTypeString(reply.Header.MsgType), protocol.MsgTypeString(msgType))
	}
	ack, err := protocol.DecodeAckPayload(reply.Payload)
	if err != nil {
		return err
	}
	if ack.Status != protocol.AckOK {
		return fmt.Errorf("board rejected %s: %s",
			protocol.MsgTypeString(msgType), protocol.AckStatusString(ack.Status))
	}
	return nil
}

// request sends one frame on the command socket and returns the decoded
// reply. REQ/REP pairs strictly, so exchanges are serialized.
func (c *Client) request(msgType uint8, payload []byte) (*protocol.Frame, error) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil, fmt.Errorf("bridge not running")
	}
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	frame := protocol.NewFrame(msgType, seq, payload)

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if err := c.cmdSock.Send(zmq4.NewMsg(frame.Encode())); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", protocol.MsgTypeString(msgType), err)
	}

	resp, err := c.cmdSock.Recv()
	if err != nil {
		return nil, fmt.Errorf("failed to receive reply to %s: %w",
			protocol.MsgTypeString(msgType), err)
	}
	if len(resp.Frames) == 0 {
		return nil, fmt.Errorf("empty reply to %s", protocol.MsgTypeString(msgType))
	}

	reply, err := protocol.Decode(resp.Frames[0])
	if err != nil {
		return nil, fmt.Errorf("malformed reply to %s: %w",
			protocol.MsgTypeString(msgType), err)
	}
	return reply, nil
}

// eventLoop receives frames from the board's event socket.
func (c *Client) eventLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		msg, err := c.eventSock.Recv()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			continue
		}

		if len(msg.Frames) == 0 {
			continue
		}

		frame, err := protocol.Decode(msg.Frames[0])
		if err != nil {
			logging.Warn("Dropping malformed board frame", zap.Error(err))
			continue
		}

		c.handleFrame(frame)
	}
}

// handleFrame updates cached link state, signals any join waiter, and
// forwards the frame to the registered callback.
func (c *Client) handleFrame(frame *protocol.Frame) {
	switch frame.Header.MsgType {
	case protocol.MsgTypeJoinResult:
		res, err := protocol.DecodeJoinResultPayload(frame.Payload)
		if err != nil {
			logging.Warn("Dropping malformed join result", zap.Error(err))
			return
		}
		c.mu.Lock()
		if res.Status == protocol.JoinOK {
			c.setLinkLocked(true)
		}
		waiter := c.joinWaiter
		c.joinWaiter = nil
		c.mu.Unlock()
		if waiter != nil {
			waiter <- *res
		}

	case protocol.MsgTypeLinkStatus:
		status, err := protocol.DecodeLinkStatusPayload(frame.Payload)
		if err != nil {
			logging.Warn("Dropping malformed link status", zap.Error(err))
			return
		}
		c.mu.Lock()
		c.setLinkLocked(status.State == protocol.LinkUp)
		c.mu.Unlock()
	}

	c.mu.Lock()
	cb := c.onFrame
	c.mu.Unlock()
	if cb != nil {
		cb(frame)
	}
}

func (c *Client) setLinkLocked(up bool) {
	if up == c.linkUp {
		return
	}
	c.linkUp = up
	if up {
		metrics.LinkUp.Set(1)
		logging.Info("Station link up")
	} else {
		metrics.LinkUp.Set(0)
		logging.Warn("Station link down")
	}
}
