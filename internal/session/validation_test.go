package session

import "testing"

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "plain", input: "hi\n", want: "hi"},
		{name: "crlf", input: "line1\r\nline2\r\n", want: "line1\nline2"},
		{name: "color codes", input: "\x1b[32mPASS\x1b[0m\n", want: "PASS"},
		{name: "cursor movement", input: "\x1b[2K\x1b[1Gdone", want: "done"},
		{name: "bell and backspace", input: "a\x07b\x08c", want: "abc"},
		{name: "tabs kept", input: "a\tb", want: "a\tb"},
		{name: "invalid utf8 dropped", input: "ok\xff", want: "ok"},
		{name: "empty", input: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize([]byte(tt.input)); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}
