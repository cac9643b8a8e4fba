package bridge

import (
	"strings"
	"testing"

	"github.com/florasys/field-agent/internal/protocol"
)

func TestValidateCredentials(t *testing.T) {
	tests := []struct {
		name    string
		ssid    string
		pass    string
		wantErr bool
	}{
		{"Valid", "barn-wifi", "hunter22", false},
		{"OpenNetwork", "barn-wifi", "", false},
		{"MaxLengths", strings.Repeat("s", 32), strings.Repeat("p", 64), false},
		{"EmptySSID", "", "hunter22", true},
		{"LongSSID", strings.Repeat("s", 33), "hunter22", true},
		{"LongPassphrase", "barn-wifi", strings.Repeat("p", 65), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateCredentials(tt.ssid, tt.pass)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateCredentials(%q, %q) error = %v, wantErr %v",
					tt.ssid, tt.pass, err, tt.wantErr)
			}
		})
	}
}

func TestCommandsFailWhenNotRunning(t *testing.T) {
	c := New(DefaultConfig())

	if _, err := c.Hello(); err == nil {
		t.Error("Hello before Start should fail")
	}
	if err := c.SetPin(0, true); err == nil {
		t.Error("SetPin before Start should fail")
	}
}

func linkStatusFrame(t *testing.T, state uint8) *protocol.Frame {
	t.Helper()
	p := protocol.LinkStatusPayload{State: state}
	return protocol.NewFrame(protocol.MsgTypeLinkStatus, 1, p.Encode())
}

func TestHandleFrameTracksLinkState(t *testing.T) {
	c := New(DefaultConfig())

	if c.LinkUp() {
		t.Fatal("link should start down")
	}

	c.handleFrame(linkStatusFrame(t, protocol.LinkUp))
	if !c.LinkUp() {
		t.Error("link status up not applied")
	}

	c.handleFrame(linkStatusFrame(t, protocol.LinkDown))
	if c.LinkUp() {
		t.Error("link status down not applied")
	}
}

func TestHandleFrameSignalsJoinWaiter(t *testing.T) {
	c := New(DefaultConfig())

	waiter := make(chan protocol.JoinResultPayload, 1)
	c.mu.Lock()
	c.joinWaiter = waiter
	c.mu.Unlock()

	res := protocol.JoinResultPayload{Status: protocol.JoinOK, RSSI: -55}
	c.handleFrame(protocol.NewFrame(protocol.MsgTypeJoinResult, 2, res.Encode()))

	select {
	case got := <-waiter:
		if got.Status != protocol.JoinOK || got.RSSI != -55 {
			t.Errorf("waiter got %+v, want status OK rssi -55", got)
		}
	default:
		t.Fatal("join waiter not signaled")
	}

	if !c.LinkUp() {
		t.Error("successful join should mark the link up")
	}

	c.mu.Lock()
	cleared := c.joinWaiter == nil
	c.mu.Unlock()
	if !cleared {
		t.Error("join waiter not cleared after signaling")
	}
}

func TestHandleFrameFailedJoinLeavesLinkDown(t *testing.T) {
	c := New(DefaultConfig())

	waiter := make(chan protocol.JoinResultPayload, 1)
	c.mu.Lock()
	c.joinWaiter = waiter
	c.mu.Unlock()

	res := protocol.JoinResultPayload{Status: protocol.JoinAuthFail}
	c.handleFrame(protocol.NewFrame(protocol.MsgTypeJoinResult, 3, res.Encode()))

	select {
	case got := <-waiter:
		if got.Status != protocol.JoinAuthFail {
			t.Errorf("waiter status = %d, want JoinAuthFail", got.Status)
		}
	default:
		t.Fatal("join waiter not signaled")
	}

	if c.LinkUp() {
		t.Error("failed join must not mark the link up")
	}
}

func TestHandleFrameForwardsToCallback(t *testing.T) {
	c := New(DefaultConfig())

	var got []*protocol.Frame
	c.SetFrameCallback(func(frame *protocol.Frame) {
		got = append(got, frame)
	})

	pin := protocol.PinEventPayload{Channel: 2, State: protocol.PinOn}
	c.handleFrame(protocol.NewFrame(protocol.MsgTypePinEvent, 4, pin.Encode()))
	c.handleFrame(linkStatusFrame(t, protocol.LinkUp))

	if len(got) != 2 {
		t.Fatalf("callback saw %d frames, want 2", len(got))
	}
	if got[0].Header.MsgType != protocol.MsgTypePinEvent {
		t.Errorf("first frame type = %#x, want pin event", got[0].Header.MsgType)
	}
	if got[1].Header.MsgType != protocol.MsgTypeLinkStatus {
		t.Errorf("second frame type = %#x, want link status", got[1].Header.MsgType)
	}
}
