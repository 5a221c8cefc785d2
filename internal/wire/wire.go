// Package wire defines the tagged JSON frame schema shared by the
// relay, the agent, the gateway, and the viewer. Every WebSocket
// message is a single JSON object {"type": string, "payload": object};
// the type tag discriminates the payload variant.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode"
)

// DefaultMaxMessageBytes caps a single frame unless configured otherwise.
const DefaultMaxMessageBytes = 256 * 1024

// Frame type tags.
const (
	TypeAgentRegister       = "agent.register"
	TypeAgentTerminalList   = "agent.terminal_list"
	TypeAgentTerminalOutput = "agent.terminal_output"
	TypeAgentCaptureSources = "agent.capture_sources"
	TypeAgentScreenCapture  = "agent.screen_capture"
	TypeAgentCommandResult  = "agent.command_result"
	TypeAgentError          = "agent.error"

	TypeClientHello   = "client.hello"
	TypeClientCommand = "client.command"

	TypeRelayState = "relay.state"
	TypeRelayAck   = "relay.ack"
)

// Frame is a decoded wire message with its payload still raw.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var (
	// ErrNotObject is returned for frames that are not JSON objects.
	ErrNotObject = errors.New("wire: frame is not a JSON object")
	// ErrMissingType is returned for frames without a string type tag.
	ErrMissingType = errors.New("wire: frame has no string type")
)

// Decode parses a single frame. It rejects non-object messages and
// messages whose type tag is missing or not a string.
func Decode(data []byte) (*Frame, error) {
	if !startsWithObject(data) {
		return nil, ErrNotObject
	}
	// Probe the type tag as a raw value first so a non-string type is
	// reported as a protocol error rather than a generic unmarshal one.
	var probe struct {
		Type    json.RawMessage `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("wire: decode frame: %w", err)
	}
	var typ string
	if len(probe.Type) == 0 || json.Unmarshal(probe.Type, &typ) != nil || typ == "" {
		return nil, ErrMissingType
	}
	return &Frame{Type: typ, Payload: probe.Payload}, nil
}

// Encode serializes a frame with the given type tag and payload.
func Encode(typ string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s payload: %w", typ, err)
	}
	data, err := json.Marshal(Frame{Type: typ, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s frame: %w", typ, err)
	}
	return data, nil
}

// MustEncode is Encode for payloads that cannot fail to marshal
// (plain structs of strings and numbers). It panics otherwise.
func MustEncode(typ string, payload any) []byte {
	data, err := Encode(typ, payload)
	if err != nil {
		panic(err)
	}
	return data
}

// Unmarshal decodes the frame payload into v.
func (f *Frame) Unmarshal(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("wire: %s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("wire: decode %s payload: %w", f.Type, err)
	}
	return nil
}

// Raw re-serializes the frame for verbatim forwarding.
func (f *Frame) Raw() []byte {
	data, err := json.Marshal(f)
	if err != nil {
		// A Frame built by Decode always re-marshals.
		panic(fmt.Sprintf("wire: re-marshal %s frame: %v", f.Type, err))
	}
	return data
}

func startsWithObject(data []byte) bool {
	for _, b := range data {
		if unicode.IsSpace(rune(b)) {
			continue
		}
		return b == '{'
	}
	return false
}
