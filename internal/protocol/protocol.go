// Package protocol defines the messages exchanged with a terminal client.
//
// Inbound, a message is either raw keystroke bytes or a control envelope
// (resize, validation, control). How the two are told apart depends on the
// Framing:
//
//   - FramingLegacy: a message that decodes as a JSON object whose "type"
//     names a known envelope is a command; anything else is raw input. A
//     learner typing the literal text of an envelope therefore sends a
//     command, not keystrokes.
//   - FramingPrefixed: a message is a command only if its first byte is
//     ControlPrefix, followed by the JSON envelope. Every other message is
//     raw input, verbatim.
//
// Outbound, sandbox output is sent as raw text and results and errors as
// JSON envelopes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Framing selects how inbound messages are classified.
type Framing string

const (
	FramingLegacy   Framing = "legacy"
	FramingPrefixed Framing = "prefixed"
)

// ControlPrefix marks a control envelope under FramingPrefixed.
const ControlPrefix byte = 0x01

// Envelope type tags.
const (
	TypeResize           = "resize"
	TypeValidation       = "validation"
	TypeControl          = "control"
	TypeValidationResult = "validationResult"
	TypeError            = "error"
)

// Kind classifies a decoded inbound message.
type Kind int

const (
	KindRaw Kind = iota
	KindResize
	KindValidate
	KindContext

	// KindInvalid is a prefixed message whose envelope did not decode.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindResize:
		return "resize"
	case KindValidate:
		return "validate"
	case KindContext:
		return "context"
	case KindInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Resize asks for new terminal dimensions.
type Resize struct {
	Cols int
	Rows int
}

// Validate asks for one non-interactive grading command.
type Validate struct {
	Command string
}

// Context carries informational session context. It is accepted and ignored.
type Context struct {
	Payload string
}

// Message is one decoded inbound message. Exactly one of the payload
// fields is meaningful, selected by Kind.
type Message struct {
	Kind     Kind
	Raw      []byte
	Resize   Resize
	Validate Validate
	Context  Context
	Err      error
}

// ErrUnknownEnvelope is returned for a prefixed envelope with an unknown type.
var ErrUnknownEnvelope = errors.New("unknown envelope type")

// envelope is the wire form of an inbound command. Fields are kept raw so
// legacy decoding can be as forgiving as the clients that produce it.
type envelope struct {
	Type    string          `json:"type"`
	Cols    json.RawMessage `json:"cols"`
	Rows    json.RawMessage `json:"rows"`
	Command json.RawMessage `json:"command"`
	Payload json.RawMessage `json:"payload"`
}

// Decode classifies one inbound message.
func Decode(framing Framing, data []byte) Message {
	if framing == FramingPrefixed {
		return decodePrefixed(data)
	}
	return decodeLegacy(data)
}

func decodeLegacy(data []byte) Message {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{Kind: KindRaw, Raw: data}
	}

	switch env.Type {
	case TypeResize:
		return Message{Kind: KindResize, Resize: Resize{
			Cols: lenientInt(env.Cols),
			Rows: lenientInt(env.Rows),
		}}
	case TypeValidation:
		var cmd string
		_ = json.Unmarshal(env.Command, &cmd)
		return Message{Kind: KindValidate, Validate: Validate{Command: cmd}}
	case TypeControl:
		return Message{Kind: KindContext, Context: Context{Payload: payloadString(env.Payload)}}
	default:
		return Message{Kind: KindRaw, Raw: data}
	}
}

func decodePrefixed(data []byte) Message {
	if len(data) == 0 || data[0] != ControlPrefix {
		return Message{Kind: KindRaw, Raw: data}
	}

	var env envelope
	if err := json.Unmarshal(data[1:], &env); err != nil {
		return invalid(fmt.Errorf("malformed control envelope: %w", err))
	}

	switch env.Type {
	case TypeResize:
		var r struct {
			Cols int `json:"cols"`
			Rows int `json:"rows"`
		}
		if err := json.Unmarshal(data[1:], &r); err != nil {
			return invalid(fmt.Errorf("malformed resize envelope: %w", err))
		}
		return Message{Kind: KindResize, Resize: Resize{Cols: r.Cols, Rows: r.Rows}}
	case TypeValidation:
		var cmd string
		if len(env.Command) > 0 {
			if err := json.Unmarshal(env.Command, &cmd); err != nil {
				return invalid(fmt.Errorf("malformed validation envelope: command must be a string"))
			}
		}
		return Message{Kind: KindValidate, Validate: Validate{Command: cmd}}
	case TypeControl:
		return Message{Kind: KindContext, Context: Context{Payload: payloadString(env.Payload)}}
	default:
		return invalid(fmt.Errorf("%w: %q", ErrUnknownEnvelope, env.Type))
	}
}

func invalid(err error) Message {
	return Message{Kind: KindInvalid, Err: err}
}

// lenientInt reads a JSON number, or returns 0.
func lenientInt(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0
	}
	if f < 0 || f > math.MaxInt32 {
		return 0
	}
	return int(f)
}

func payloadString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// EncodeResize builds an inbound resize message, as a client would send it.
func EncodeResize(framing Framing, cols, rows int) []byte {
	return encodeCommand(framing, map[string]any{"type": TypeResize, "cols": cols, "rows": rows})
}

// EncodeValidate builds an inbound validation message.
func EncodeValidate(framing Framing, command string) []byte {
	return encodeCommand(framing, map[string]any{"type": TypeValidation, "command": command})
}

func encodeCommand(framing Framing, v any) []byte {
	data, _ := json.Marshal(v)
	if framing == FramingPrefixed {
		return append([]byte{ControlPrefix}, data...)
	}
	return data
}
