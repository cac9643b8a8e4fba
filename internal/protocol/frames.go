// Package protocol defines the binary frame format spoken between the agent
// and the board I/O daemon over its ZeroMQ sockets.
//
// Every frame starts with a fixed 6-byte header (magic, version, message
// type, sequence) followed by a message-specific payload. Multi-byte fields
// are little-endian. Strings are length-prefixed with a single byte.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame magic and version
const (
	MagicByte1      = 0xF5
	MagicByte2      = 0xA7
	ProtocolVersion = 1
)

// Message types
const (
	MsgTypeHello        = 0x01 // board identification handshake
	MsgTypeSetPin       = 0x02 // command: drive an actuation channel
	MsgTypePinEvent     = 0x03 // event: a channel changed state
	MsgTypeSensorSample = 0x04 // event: raw sensor reading
	MsgTypeSensorConfig = 0x05 // command: set sensor sampling period
	MsgTypeJoin         = 0x06 // command: join a station network
	MsgTypeJoinResult   = 0x07 // event: outcome of a join attempt
	MsgTypeLinkStatus   = 0x08 // event: periodic station link report
	MsgTypeAPConfig     = 0x09 // command: reconfigure the access point
	MsgTypeReboot       = 0x0A // command: reboot the board
	MsgTypeAck          = 0x0B // response: command acknowledgement
)

// Ack status codes
const (
	AckOK         = 0x00
	AckBadFrame   = 0x01 // frame failed to decode on the board
	AckBadChannel = 0x02 // channel or sensor index out of range
	AckBusy       = 0x03 // board cannot take the command right now
)

// Join result codes
const (
	JoinOK       = 0x00
	JoinNotFound = 0x01 // SSID not seen in scan
	JoinAuthFail = 0x02 // passphrase rejected
	JoinTimeout  = 0x03 // association did not complete in time
)

// Link states reported by link_status events
const (
	LinkDown = 0x00
	LinkUp   = 0x01
)

// Pin states
const (
	PinOff = 0x00
	PinOn  = 0x01
)

// Limits on length-prefixed string fields
const (
	MaxSSIDLen       = 32
	MaxPassphraseLen = 64
)

// HeaderSize is the fixed size of the frame header in bytes
const HeaderSize = 6

// Header is the fixed preamble of every frame.
type Header struct {
	Magic    [2]byte
	Version  uint8
	MsgType  uint8
	Sequence uint16
}

// NewHeader creates a header with the current magic and version.
func NewHeader(msgType uint8, sequence uint16) Header {
	return Header{
		Magic:    [2]byte{MagicByte1, MagicByte2},
		Version:  ProtocolVersion,
		MsgType:  msgType,
		Sequence: sequence,
	}
}

// IsValid reports whether the magic bytes and version match this revision.
func (h *Header) IsValid() bool {
	return h.Magic[0] == MagicByte1 && h.Magic[1] == MagicByte2 && h.Version == ProtocolVersion
}

// Frame is a decoded board frame.
type Frame struct {
	Header  Header
	Payload []byte
}

// NewFrame builds a frame of the given type around an encoded payload.
func NewFrame(msgType uint8, sequence uint16, payload []byte) *Frame {
	return &Frame{
		Header:  NewHeader(msgType, sequence),
		Payload: payload,
	}
}

// Encode serializes the frame to wire format.
func (f *Frame) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = f.Header.Magic[0]
	buf[1] = f.Header.Magic[1]
	buf[2] = f.Header.Version
	buf[3] = f.Header.MsgType
	binary.LittleEndian.PutUint16(buf[4:6], f.Header.Sequence)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Decode parses a frame from wire format. The payload is copied out of the
// input buffer so the caller may reuse it.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	f := &Frame{
		Header: Header{
			Magic:    [2]byte{data[0], data[1]},
			Version:  data[2],
			MsgType:  data[3],
			Sequence: binary.LittleEndian.Uint16(data[4:6]),
		},
	}

	if f.Header.Magic[0] != MagicByte1 || f.Header.Magic[1] != MagicByte2 {
		return nil, fmt.Errorf("invalid magic bytes: 0x%02X 0x%02X", data[0], data[1])
	}
	if f.Header.Version != ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", f.Header.Version)
	}

	if len(data) > HeaderSize {
		f.Payload = make([]byte, len(data)-HeaderSize)
		copy(f.Payload, data[HeaderSize:])
	}

	return f, nil
}

// HelloPayload is the board's identification, returned in reply to a hello
// command.
type HelloPayload struct {
	Channels uint8 // actuation channels the board exposes
	FwMajor  uint8 // board MCU firmware version
	FwMinor  uint8
	FwPatch  uint8
}

// Encode serializes the payload
func (p *HelloPayload) Encode() []byte {
	return []byte{p.Channels, p.FwMajor, p.FwMinor, p.FwPatch}
}

// DecodeHelloPayload parses a hello payload
func DecodeHelloPayload(data []byte) (*HelloPayload, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("hello payload too short: %d bytes", len(data))
	}
	return &HelloPayload{
		Channels: data[0],
		FwMajor:  data[1],
		FwMinor:  data[2],
		FwPatch:  data[3],
	}, nil
}

// SetPinPayload commands a single actuation channel.
type SetPinPayload struct {
	Channel uint8
	State   uint8 // PinOff or PinOn
}

// Encode serializes the payload
func (p *SetPinPayload) Encode() []byte {
	return []byte{p.Channel, p.State}
}

// DecodeSetPinPayload parses a set_pin payload
func DecodeSetPinPayload(data []byte) (*SetPinPayload, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("set_pin payload too short: %d bytes", len(data))
	}
	return &SetPinPayload{Channel: data[0], State: data[1]}, nil
}

// PinEventPayload reports an actual channel state change on the board.
type PinEventPayload struct {
	Channel uint8
	State   uint8
}

// Encode serializes the payload
func (p *PinEventPayload) Encode() []byte {
	return []byte{p.Channel, p.State}
}

// DecodePinEventPayload parses a pin_event payload
func DecodePinEventPayload(data []byte) (*PinEventPayload, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("pin_event payload too short: %d bytes", len(data))
	}
	return &PinEventPayload{Channel: data[0], State: data[1]}, nil
}

// SensorSamplePayload carries one raw ADC reading.
type SensorSamplePayload struct {
	Sensor uint8
	Value  uint16
}

// Encode serializes the payload
func (p *SensorSamplePayload) Encode() []byte {
	buf := make([]byte, 3)
	buf[0] = p.Sensor
	binary.LittleEndian.PutUint16(buf[1:3], p.Value)
	return buf
}

// DecodeSensorSamplePayload parses a sensor_sample payload
func DecodeSensorSamplePayload(data []byte) (*SensorSamplePayload, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("sensor_sample payload too short: %d bytes", len(data))
	}
	return &SensorSamplePayload{
		Sensor: data[0],
		Value:  binary.LittleEndian.Uint16(data[1:3]),
	}, nil
}

// SensorConfigPayload sets the sampling period of one sensor.
type SensorConfigPayload struct {
	Sensor   uint8
	PeriodMs uint32
}

// Encode serializes the payload
func (p *SensorConfigPayload) Encode() []byte {
	buf := make([]byte, 5)
	buf[0] = p.Sensor
	binary.LittleEndian.PutUint32(buf[1:5], p.PeriodMs)
	return buf
}

// DecodeSensorConfigPayload parses a sensor_config payload
func DecodeSensorConfigPayload(data []byte) (*SensorConfigPayload, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("sensor_config payload too short: %d bytes", len(data))
	}
	return &SensorConfigPayload{
		Sensor:   data[0],
		PeriodMs: binary.LittleEndian.Uint32(data[1:5]),
	}, nil
}

// JoinPayload asks the board to associate with a station network.
type JoinPayload struct {
	SSID       string
	Passphrase string
}

// Encode serializes the payload
func (p *JoinPayload) Encode() []byte {
	return encodeCredentials(p.SSID, p.Passphrase)
}

// DecodeJoinPayload parses a join payload
func DecodeJoinPayload(data []byte) (*JoinPayload, error) {
	ssid, pass, err := decodeCredentials("join", data)
	if err != nil {
		return nil, err
	}
	return &JoinPayload{SSID: ssid, Passphrase: pass}, nil
}

// JoinResultPayload reports the outcome of a join attempt.
type JoinResultPayload struct {
	Status uint8
	RSSI   int8 // signal strength when joined, 0 otherwise
}

// Encode serializes the payload
func (p *JoinResultPayload) Encode() []byte {
	return []byte{p.Status, byte(p.RSSI)}
}

// DecodeJoinResultPayload parses a join_result payload
func DecodeJoinResultPayload(data []byte) (*JoinResultPayload, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("join_result payload too short: %d bytes", len(data))
	}
	return &JoinResultPayload{Status: data[0], RSSI: int8(data[1])}, nil
}

// LinkStatusPayload is the board's periodic station link report.
type LinkStatusPayload struct {
	State uint8 // LinkDown or LinkUp
	RSSI  int8
}

// Encode serializes the payload
func (p *LinkStatusPayload) Encode() []byte {
	return []byte{p.State, byte(p.RSSI)}
}

// DecodeLinkStatusPayload parses a link_status payload
func DecodeLinkStatusPayload(data []byte) (*LinkStatusPayload, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("link_status payload too short: %d bytes", len(data))
	}
	return &LinkStatusPayload{State: data[0], RSSI: int8(data[1])}, nil
}

// APConfigPayload reconfigures the always-on access point.
type APConfigPayload struct {
	SSID       string
	Passphrase string
}

// Encode serializes the payload
func (p *APConfigPayload) Encode() []byte {
	return encodeCredentials(p.SSID, p.Passphrase)
}

// DecodeAPConfigPayload parses an ap_config payload
func DecodeAPConfigPayload(data []byte) (*APConfigPayload, error) {
	ssid, pass, err := decodeCredentials("ap_config", data)
	if err != nil {
		return nil, err
	}
	return &APConfigPayload{SSID: ssid, Passphrase: pass}, nil
}

// AckPayload acknowledges a command.
type AckPayload struct {
	Status uint8
}

// Encode serializes the payload
func (p *AckPayload) Encode() []byte {
	return []byte{p.Status}
}

// DecodeAckPayload parses an ack payload
func DecodeAckPayload(data []byte) (*AckPayload, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("ack payload too short: %d bytes", len(data))
	}
	return &AckPayload{Status: data[0]}, nil
}

// encodeCredentials packs two length-prefixed strings.
func encodeCredentials(ssid, passphrase string) []byte {
	buf := make([]byte, 0, 2+len(ssid)+len(passphrase))
	buf = append(buf, byte(len(ssid)))
	buf = append(buf, ssid...)
	buf = append(buf, byte(len(passphrase)))
	buf = append(buf, passphrase...)
	return buf
}

// decodeCredentials unpacks two length-prefixed strings, enforcing the SSID
// and passphrase limits.
func decodeCredentials(what string, data []byte) (string, string, error) {
	if len(data) < 2 {
		return "", "", fmt.Errorf("%s payload too short: %d bytes", what, len(data))
	}
	ssidLen := int(data[0])
	if ssidLen > MaxSSIDLen {
		return "", "", fmt.Errorf("%s SSID too long: %d bytes", what, ssidLen)
	}
	if len(data) < 1+ssidLen+1 {
		return "", "", fmt.Errorf("%s payload truncated", what)
	}
	ssid := string(data[1 : 1+ssidLen])

	passLen := int(data[1+ssidLen])
	if passLen > MaxPassphraseLen {
		return "", "", fmt.Errorf("%s passphrase too long: %d bytes", what, passLen)
	}
	if len(data) < 2+ssidLen+passLen {
		return "", "", fmt.Errorf("%s payload truncated", what)
	}
	pass := string(data[2+ssidLen : 2+ssidLen+passLen])

	return ssid, pass, nil
}

// MsgTypeString returns a human-readable name for a message type.
func MsgTypeString(msgType uint8) string {
	switch msgType {
	case MsgTypeHello:
		return "hello"
	case MsgTypeSetPin:
		return "set_pin"
	case MsgTypePinEvent:
		return "pin_event"
	case MsgTypeSensorSample:
		return "sensor_sample"
	case MsgTypeSensorConfig:
		return "sensor_config"
	case MsgTypeJoin:
		return "join"
	case MsgTypeJoinResult:
		return "join_result"
	case MsgTypeLinkStatus:
		return "link_status"
	case MsgTypeAPConfig:
		return "ap_config"
	case MsgTypeReboot:
		return "reboot"
	case MsgTypeAck:
		return "ack"
	default:
		return fmt.Sprintf("unknown(0x%02X)", msgType)
	}
}

// AckStatusString returns a human-readable name for an ack status code.
func AckStatusString(status uint8) string {
	switch status {
	case AckOK:
		return "ok"
	case AckBadFrame:
		return "bad_frame"
	case AckBadChannel:
		return "bad_channel"
	case AckBusy:
		return "busy"
	default:
		return fmt.Sprintf("unknown(0x%02X)", status)
	}
}

// JoinStatusString returns a human-readable name for a join result code.
func JoinStatusString(status uint8) string {
	switch status {
	case JoinOK:
		return "ok"
	case JoinNotFound:
		return "not_found"
	case JoinAuthFail:
		return "auth_failed"
	case JoinTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("unknown(0x%02X)", status)
	}
}
