package protocol

import "encoding/json"

// ValidationResult reports one validation run.
type ValidationResult struct {
	Type     string `json:"type"`
	Success  bool   `json:"success"`
	Output   string `json:"output"`
	Command  string `json:"command"`
	TimedOut bool   `json:"timedOut,omitempty"`
}

// NewValidationResult returns a result envelope with its type tag set.
func NewValidationResult(command string, success bool, output string) ValidationResult {
	return ValidationResult{
		Type:    TypeValidationResult,
		Success: success,
		Output:  output,
		Command: command,
	}
}

// ErrorMessage is a fatal or per-message error notice.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewError returns an error envelope with its type tag set.
func NewError(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}

// Encode marshals an outbound envelope.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Banner formats an informational line for the terminal.
func Banner(text string) string {
	return "\r\n[Server] " + text + "\r\n"
}
