package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/obot-platform/labterm/internal/config"
	"github.com/obot-platform/labterm/internal/database"
	"github.com/obot-platform/labterm/internal/image"
	"github.com/obot-platform/labterm/internal/model"
	"github.com/obot-platform/labterm/internal/sandbox"
	"github.com/obot-platform/labterm/internal/sandbox/mock"
	"github.com/obot-platform/labterm/internal/session"
	"github.com/obot-platform/labterm/internal/store"
)

type testServer struct {
	server   *httptest.Server
	provider *mock.Provider
	manager  *session.Manager
	store    *store.Store
	gate     *image.Gate
}

func newTestServer(t *testing.T, provider *mock.Provider) *testServer {
	t.Helper()

	cfg := &config.Config{
		TerminalPath:       "/terminal",
		CORSAllowedOrigins: []string{"*"},
		SandboxImage:       "interactive-terminal-env",
		SandboxUser:        "student",
		SandboxWorkDir:     "/home/student",
		SandboxShell:       []string{"/bin/bash", "-l"},
		SandboxStopTime:    time.Second,
		ValidationTimeout:  30 * time.Second,
		Framing:            config.FramingLegacy,
		DatabaseDriver:     "sqlite",
		DatabaseDSN:        "sqlite3://" + filepath.Join(t.TempDir(), "labterm.db"),
	}

	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	st := store.New(db.DB)

	logger := zap.NewNop()
	gate := image.NewGate(provider, cfg.SandboxImage, logger)
	manager := session.NewManager(provider, gate, st, session.OptionsFromConfig(cfg), logger)
	srv := httptest.NewServer(NewRouter(New(cfg, manager, gate, st, logger)))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
		srv.Close()
		db.Close()
	})

	return &testServer{server: srv, provider: provider, manager: manager, store: st, gate: gate}
}

func (ts *testServer) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/terminal" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (ts *testServer) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(ts.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

// liveSessionID waits for the one live session to be running.
func (ts *testServer) liveSessionID(t *testing.T) string {
	t.Helper()
	var id string
	waitFor(t, "running session", func() bool {
		for _, info := range ts.manager.Sessions() {
			if info.State == session.StateRunning {
				id = info.ID
				return true
			}
		}
		return false
	})
	return id
}

// readUntil reads frames until match returns true. Text frames that hold
// an envelope are passed as env; all text is accumulated into output.
func readUntil(t *testing.T, conn *websocket.Conn, match func(output string, env map[string]any) bool) string {
	t.Helper()
	var output strings.Builder
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Read failed before match (output so far %q): %v", output.String(), err)
		}
		var env map[string]any
		if json.Unmarshal(data, &env) != nil || env["type"] == nil {
			env = nil
			output.Write(data)
		}
		if match(output.String(), env) {
			return output.String()
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestTerminal_InteractiveSession(t *testing.T) {
	provider := mock.NewProvider()
	provider.ExecFunc = func(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
		if cmd[len(cmd)-1] == "exit 0" {
			return &sandbox.ExecResult{ExitCode: 0}, nil
		}
		return &sandbox.ExecResult{ExitCode: 1}, nil
	}
	ts := newTestServer(t, provider)

	conn := ts.dial(t, "?cols=100&rows=30")
	readUntil(t, conn, func(out string, _ map[string]any) bool { return strings.Contains(out, "started.") })

	id := ts.liveSessionID(t)
	pty := provider.PTY(id)
	if calls := pty.ResizeCalls(); len(calls) == 0 || calls[0].Cols != 100 || calls[0].Rows != 30 {
		t.Errorf("Expected initial size from query, got %v", calls)
	}
	pty.SetOnInput(func(p *mock.MockPTY, data []byte) {
		if string(data) == "pwd\n" {
			p.Emit([]byte("/home/student\r\n"))
		}
	})

	if err := conn.WriteMessage(websocket.TextMessage, []byte("pwd\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	readUntil(t, conn, func(out string, _ map[string]any) bool { return strings.Contains(out, "/home/student") })

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"resize","cols":120,"rows":40}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	waitFor(t, "resize", func() bool {
		calls := pty.ResizeCalls()
		last := calls[len(calls)-1]
		return last.Cols == 120 && last.Rows == 40
	})

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"validation","command":"exit 0"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	var result map[string]any
	readUntil(t, conn, func(_ string, env map[string]any) bool {
		if env != nil && env["type"] == "validationResult" {
			result = env
			return true
		}
		return false
	})
	if result["success"] != true || result["command"] != "exit 0" {
		t.Errorf("Unexpected validation result: %v", result)
	}

	if err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	waitFor(t, "session teardown", func() bool { return ts.manager.Count() == 0 })

	if removed := provider.Removed(); len(removed) != 1 || removed[0] != id {
		t.Errorf("Expected sandbox %s removed, got %v", id, removed)
	}
	rec, err := ts.store.GetSessionByID(context.Background(), id)
	if err != nil {
		t.Fatalf("Expected journal record: %v", err)
	}
	if rec.State != "terminated" {
		t.Errorf("Expected journal state terminated, got %s", rec.State)
	}
}

func TestTerminal_SetupFailure(t *testing.T) {
	provider := mock.NewProvider()
	provider.CreateFunc = func(ctx context.Context, sessionID string, opts sandbox.CreateOptions) (*sandbox.Sandbox, error) {
		return nil, errors.New("daemon unavailable")
	}
	ts := newTestServer(t, provider)

	conn := ts.dial(t, "")
	var envErr map[string]any
	readUntil(t, conn, func(_ string, env map[string]any) bool {
		if env != nil && env["type"] == "error" {
			envErr = env
			return true
		}
		return false
	})
	if msg, _ := envErr["message"].(string); !strings.Contains(msg, "daemon unavailable") {
		t.Errorf("Expected cause in error message, got %q", msg)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("Expected normal closure, got %v", err)
	}
	waitFor(t, "session unregistered", func() bool { return ts.manager.Count() == 0 })
}

func TestTerminal_SandboxExit(t *testing.T) {
	provider := mock.NewProvider()
	ts := newTestServer(t, provider)

	conn := ts.dial(t, "")
	readUntil(t, conn, func(out string, _ map[string]any) bool { return strings.Contains(out, "started.") })

	provider.PTY(ts.liveSessionID(t)).EndOutput()

	readUntil(t, conn, func(out string, _ map[string]any) bool { return strings.Contains(out, "Terminal session ended.") })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("Expected normal closure, got %v", err)
	}
	waitFor(t, "sandbox removal", func() bool { return len(provider.Removed()) == 1 })
}

func TestTerminal_DisconnectDuringSetup(t *testing.T) {
	provider := mock.NewProvider()
	provider.SetImagePresent(false)
	building := make(chan struct{})
	release := make(chan struct{})
	provider.BuildFunc = func(ctx context.Context, progress func(string)) error {
		close(building)
		<-release
		return nil
	}
	ts := newTestServer(t, provider)
	defer close(release)

	conn := ts.dial(t, "")
	<-building
	conn.Close()

	waitFor(t, "aborted setup", func() bool { return ts.manager.Count() == 0 })
	if len(provider.GetSandboxes()) != 0 {
		t.Errorf("Expected no sandbox after aborted setup, got %d", len(provider.GetSandboxes()))
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, mock.NewProvider())

	var body map[string]string
	if code := ts.get(t, "/healthz", &body); code != http.StatusOK {
		t.Errorf("Expected 200, got %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body)
	}
}

func TestGetStatus(t *testing.T) {
	ts := newTestServer(t, mock.NewProvider())
	if err := ts.gate.EnsureReady(context.Background(), nil); err != nil {
		t.Fatalf("EnsureReady failed: %v", err)
	}

	var status StatusResponse
	if code := ts.get(t, "/api/status", &status); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if status.Image.State != image.StateReady {
		t.Errorf("Expected image ready, got %s", status.Image.State)
	}
	if status.Framing != "legacy" {
		t.Errorf("Expected legacy framing, got %s", status.Framing)
	}
	if status.JournalDriver != "sqlite" || status.JournalDisk == nil {
		t.Errorf("Expected sqlite journal disk usage, got %+v", status)
	}
	if len(status.JournalFiles) == 0 {
		t.Error("Expected journal database file listed")
	}
	if status.Host.CPUs < 1 {
		t.Errorf("Expected host CPUs, got %d", status.Host.CPUs)
	}
}

func TestSessionsAPI(t *testing.T) {
	provider := mock.NewProvider()
	provider.ExecFunc = func(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
		return &sandbox.ExecResult{ExitCode: 0, Output: []byte("ok\n")}, nil
	}
	ts := newTestServer(t, provider)

	conn := ts.dial(t, "")
	readUntil(t, conn, func(out string, _ map[string]any) bool { return strings.Contains(out, "started.") })
	id := ts.liveSessionID(t)

	var live struct {
		Sessions []session.Info `json:"sessions"`
	}
	if code := ts.get(t, "/api/sessions", &live); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(live.Sessions) != 1 || live.Sessions[0].ID != id || live.Sessions[0].Cols != session.DefaultCols {
		t.Errorf("Unexpected live sessions: %+v", live.Sessions)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"validation","command":"true"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	readUntil(t, conn, func(_ string, env map[string]any) bool { return env != nil && env["type"] == "validationResult" })

	var rec model.Session
	if code := ts.get(t, "/api/sessions/"+id, &rec); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if rec.ID != id || rec.State != "running" {
		t.Errorf("Unexpected session record: %+v", rec)
	}

	var validations struct {
		Validations []model.Validation `json:"validations"`
	}
	waitFor(t, "journaled validation", func() bool {
		ts.get(t, "/api/sessions/"+id+"/validations", &validations)
		return len(validations.Validations) == 1
	})
	if v := validations.Validations[0]; v.Command != "true" || !v.Success || v.Output != "ok" {
		t.Errorf("Unexpected validation record: %+v", v)
	}

	var history struct {
		Sessions []model.Session `json:"sessions"`
	}
	if code := ts.get(t, "/api/history?limit=5", &history); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(history.Sessions) != 1 || history.Sessions[0].ID != id {
		t.Errorf("Unexpected history: %+v", history.Sessions)
	}

	if code := ts.get(t, "/api/history?limit=zero", nil); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", code)
	}
	if code := ts.get(t, "/api/sessions/00000000-0000-0000-0000-000000000000", nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown session, got %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, mock.NewProvider())
	ts.get(t, "/healthz", nil)

	resp, err := http.Get(ts.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{"labterm_sessions_active", `route="/healthz"`} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Expected metrics to contain %s", want)
		}
	}
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "wildcard", allowed: []string{"*"}, origin: "https://evil.example", want: true},
		{name: "no origin header", allowed: []string{"https://lab.example"}, origin: "", want: true},
		{name: "listed origin", allowed: []string{"https://lab.example"}, origin: "https://lab.example", want: true},
		{name: "unlisted origin", allowed: []string{"https://lab.example"}, origin: "https://evil.example", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/terminal", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := originChecker(tt.allowed)(r); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}
