package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode_Legacy(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		kind    Kind
		cols    int
		rows    int
		command string
		payload string
	}{
		{name: "raw keystrokes", input: "ls -la\r", kind: KindRaw},
		{name: "single key", input: "\x03", kind: KindRaw},
		{name: "resize", input: `{"type":"resize","cols":120,"rows":40}`, kind: KindResize, cols: 120, rows: 40},
		{name: "resize with float dims", input: `{"type":"resize","cols":100.0,"rows":30}`, kind: KindResize, cols: 100, rows: 30},
		{name: "resize missing dims", input: `{"type":"resize"}`, kind: KindResize},
		{name: "resize with string dims", input: `{"type":"resize","cols":"wide","rows":"tall"}`, kind: KindResize},
		{name: "validation", input: `{"type":"validation","command":"test -f notes.txt"}`, kind: KindValidate, command: "test -f notes.txt"},
		{name: "validation missing command", input: `{"type":"validation"}`, kind: KindValidate},
		{name: "control string payload", input: `{"type":"control","payload":"task-3"}`, kind: KindContext, payload: "task-3"},
		{name: "control object payload", input: `{"type":"control","payload":{"task":3}}`, kind: KindContext, payload: `{"task":3}`},
		{name: "unknown type is raw", input: `{"type":"paste","data":"x"}`, kind: KindRaw},
		{name: "object without type is raw", input: `{"cols":1}`, kind: KindRaw},
		{name: "json array is raw", input: `[1,2,3]`, kind: KindRaw},
		{name: "json string is raw", input: `"resize"`, kind: KindRaw},
		{name: "json null is raw", input: `null`, kind: KindRaw},
		{name: "truncated json is raw", input: `{"type":"resize","cols":`, kind: KindRaw},
		{name: "prefixed envelope is raw in legacy mode", input: "\x01" + `{"type":"resize","cols":1,"rows":1}`, kind: KindRaw},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := Decode(FramingLegacy, []byte(tt.input))
			if msg.Kind != tt.kind {
				t.Fatalf("Expected kind %s, got %s", tt.kind, msg.Kind)
			}
			switch tt.kind {
			case KindRaw:
				if string(msg.Raw) != tt.input {
					t.Errorf("Expected raw input forwarded verbatim, got %q", msg.Raw)
				}
			case KindResize:
				if msg.Resize.Cols != tt.cols || msg.Resize.Rows != tt.rows {
					t.Errorf("Expected %dx%d, got %dx%d", tt.cols, tt.rows, msg.Resize.Cols, msg.Resize.Rows)
				}
			case KindValidate:
				if msg.Validate.Command != tt.command {
					t.Errorf("Expected command %q, got %q", tt.command, msg.Validate.Command)
				}
			case KindContext:
				if msg.Context.Payload != tt.payload {
					t.Errorf("Expected payload %q, got %q", tt.payload, msg.Context.Payload)
				}
			}
		})
	}
}

// Typing the literal text of a resize envelope is consumed as a resize
// under legacy framing, and forwarded as keystrokes under prefixed framing.
func TestDecode_AmbiguousInput(t *testing.T) {
	literal := []byte(`{"type":"resize","cols":1,"rows":1}`)

	legacy := Decode(FramingLegacy, literal)
	if legacy.Kind != KindResize {
		t.Errorf("Expected legacy framing to consume as resize, got %s", legacy.Kind)
	}
	if legacy.Resize.Cols != 1 || legacy.Resize.Rows != 1 {
		t.Errorf("Expected 1x1, got %dx%d", legacy.Resize.Cols, legacy.Resize.Rows)
	}

	prefixed := Decode(FramingPrefixed, literal)
	if prefixed.Kind != KindRaw {
		t.Errorf("Expected prefixed framing to forward as raw, got %s", prefixed.Kind)
	}
	if string(prefixed.Raw) != string(literal) {
		t.Errorf("Expected raw bytes unchanged, got %q", prefixed.Raw)
	}
}

func TestDecode_Prefixed(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		kind    Kind
		command string
		wantErr error
	}{
		{name: "plain text", input: []byte("echo hi\r"), kind: KindRaw},
		{name: "empty message", input: []byte{}, kind: KindRaw},
		{name: "resize", input: EncodeResize(FramingPrefixed, 80, 24), kind: KindResize},
		{name: "validation", input: EncodeValidate(FramingPrefixed, "exit 0"), kind: KindValidate, command: "exit 0"},
		{name: "control", input: append([]byte{ControlPrefix}, `{"type":"control","payload":"x"}`...), kind: KindContext},
		{name: "malformed json", input: append([]byte{ControlPrefix}, `{"type":`...), kind: KindInvalid},
		{name: "bare prefix", input: []byte{ControlPrefix}, kind: KindInvalid},
		{name: "unknown type", input: append([]byte{ControlPrefix}, `{"type":"paste"}`...), kind: KindInvalid, wantErr: ErrUnknownEnvelope},
		{name: "non-numeric resize", input: append([]byte{ControlPrefix}, `{"type":"resize","cols":"x","rows":1}`...), kind: KindInvalid},
		{name: "non-string command", input: append([]byte{ControlPrefix}, `{"type":"validation","command":42}`...), kind: KindInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := Decode(FramingPrefixed, tt.input)
			if msg.Kind != tt.kind {
				t.Fatalf("Expected kind %s, got %s (err=%v)", tt.kind, msg.Kind, msg.Err)
			}
			if tt.kind == KindInvalid && msg.Err == nil {
				t.Error("Expected decode error to be set")
			}
			if tt.wantErr != nil && !errors.Is(msg.Err, tt.wantErr) {
				t.Errorf("Expected error %v, got %v", tt.wantErr, msg.Err)
			}
			if tt.kind == KindValidate && msg.Validate.Command != tt.command {
				t.Errorf("Expected command %q, got %q", tt.command, msg.Validate.Command)
			}
			if tt.kind == KindResize && (msg.Resize.Cols != 80 || msg.Resize.Rows != 24) {
				t.Errorf("Expected 80x24, got %dx%d", msg.Resize.Cols, msg.Resize.Rows)
			}
		})
	}
}

func TestEncode_Outbound(t *testing.T) {
	data, err := Encode(NewValidationResult("echo hi", true, "hi"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if got["type"] != "validationResult" {
		t.Errorf("Expected type validationResult, got %v", got["type"])
	}
	if got["success"] != true || got["output"] != "hi" || got["command"] != "echo hi" {
		t.Errorf("Unexpected result envelope: %s", data)
	}
	if _, ok := got["timedOut"]; ok {
		t.Errorf("Expected timedOut omitted when false, got %s", data)
	}

	data, err = Encode(NewError("boom"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(data) != `{"type":"error","message":"boom"}` {
		t.Errorf("Unexpected error envelope: %s", data)
	}
}

func TestBanner(t *testing.T) {
	if got := Banner("Terminal session ended."); got != "\r\n[Server] Terminal session ended.\r\n" {
		t.Errorf("Unexpected banner %q", got)
	}
}
