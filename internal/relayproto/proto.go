// Package relayproto defines the JSON wire protocol exchanged between the
// relay hub and its clients over a WebSocket connection. Every text
// message is one Frame: an event name plus an event-specific payload.
package relayproto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Event names.
const (
	EventHello        = "hello"
	EventPing         = "ping"
	EventPong         = "pong"
	EventMachineAlive = "machine-alive"
	EventSessionAlive = "session-alive"
	EventAccessError  = "access:error"

	EventTunnelRequest = "tunnel:request"
	EventTunnelOpen    = "tunnel:open"
	EventTunnelReady   = "tunnel:ready"
	EventTunnelData    = "tunnel:data"
	EventTunnelClose   = "tunnel:close"
	EventTunnelError   = "tunnel:error"

	EventTerminalCreate   = "terminal:create"
	EventTerminalOpen     = "terminal:open"
	EventTerminalRegister = "terminal:register"
	EventTerminalAttach   = "terminal:attach"
	EventTerminalDetach   = "terminal:detach"
	EventTerminalHistory  = "terminal:history"
	EventTerminalReady    = "terminal:ready"
	EventTerminalOutput   = "terminal:output"
	EventTerminalExit     = "terminal:exit"
	EventTerminalError    = "terminal:error"
	EventTerminalWrite    = "terminal:write"
	EventTerminalResize   = "terminal:resize"
	EventTerminalClose    = "terminal:close"
	EventTerminalActivity = "terminal:activity"
)

// Client types announced at connect time.
const (
	ClientUser          = "user"
	ClientMachineScoped = "machine-scoped"
	ClientSessionScoped = "session-scoped"
)

// Access error scopes.
const (
	ScopeMachine = "machine"
	ScopeSession = "session"
)

// MaxIDLen bounds every opaque identifier carried in a payload.
const MaxIDLen = 256

// MaxTerminalDim bounds terminal columns and rows.
const MaxTerminalDim = 1000

// ErrInvalidPayload marks a frame whose payload failed validation.
var ErrInvalidPayload = errors.New("invalid payload")

// Frame is the top-level envelope exchanged on the relay WebSocket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Encode marshals an event and its payload into one frame.
func Encode(event string, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	b, err := json.Marshal(outFrame{Event: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return b, nil
}

// Decode parses one frame. The payload stays raw until DecodeData.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing event", ErrInvalidPayload)
	}
	return f, nil
}

// Validator is implemented by every inbound payload.
type Validator interface {
	Validate() error
}

// DecodeData unmarshals and validates the payload of f.
func DecodeData[T any, PT interface {
	*T
	Validator
}](f Frame) (T, error) {
	var v T
	if len(f.Data) == 0 {
		return v, fmt.Errorf("%w: %s: missing data", ErrInvalidPayload, f.Event)
	}
	if err := json.Unmarshal(f.Data, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, f.Event, err)
	}
	if err := PT(&v).Validate(); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, f.Event, err)
	}
	return v, nil
}

// IsPriority reports whether event is connection housekeeping that may
// jump ahead of queued frames. Relay events never do: tunnel and terminal
// frames share one FIFO so a close or exit cannot overtake data queued
// before it.
func IsPriority(event string) bool {
	switch event {
	case EventHello, EventPing, EventPong, EventAccessError:
		return true
	default:
		return false
	}
}

// EncodeData base64-encodes a raw byte chunk for tunnel:data.
func EncodeData(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeData64 decodes a base64 tunnel:data chunk.
func DecodeData64(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
