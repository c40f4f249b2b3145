package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/docker/docker/api/types/container"
	"github.com/helmdeck/helmdeck/internal/engine"
	"github.com/helmdeck/helmdeck/internal/middleware"
	"github.com/helmdeck/helmdeck/internal/terminal"
)

// fakeTermClient backs terminal sessions with an in-process pipe.
// Unused Client methods panic if reached.
type fakeTermClient struct {
	engine.Client

	mu       sync.Mutex
	running  bool
	exitCode int
	stdin    bytes.Buffer
	pw       *io.PipeWriter
	resizes  [][2]uint16
}

func (f *fakeTermClient) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	running := f.running
	f.mu.Unlock()
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    id,
			State: &container.State{Running: running},
		},
	}, nil
}

func (f *fakeTermClient) ExecCreate(ctx context.Context, containerID string, cmd []string, interactive bool) (string, error) {
	return "exec-1", nil
}

func (f *fakeTermClient) ExecAttach(ctx context.Context, execID string, interactive bool) (*engine.ExecStream, error) {
	pr, pw := io.Pipe()
	f.mu.Lock()
	f.pw = pw
	f.mu.Unlock()
	return engine.NewExecStream(&f.stdin, pr, func() { pr.Close() }), nil
}

func (f *fakeTermClient) ExecExitCode(ctx context.Context, execID string) (int, error) {
	return f.exitCode, nil
}

func (f *fakeTermClient) ExecResize(ctx context.Context, execID string, cols, rows uint16) error {
	f.mu.Lock()
	f.resizes = append(f.resizes, [2]uint16{cols, rows})
	f.mu.Unlock()
	return nil
}

func (f *fakeTermClient) stdinString() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stdin.String()
}

// setupTerminalServer starts an HTTP server that serves TerminalWS with
// the fake engine pre-attached, as EndpointContext would.
func setupTerminalServer(t *testing.T, eng *fakeTermClient) *httptest.Server {
	t.Helper()

	TermManager = terminal.NewManager()
	SessionStartTimeout = 5 * time.Second

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		desc := &middleware.EndpointDescriptor{ID: "local", Name: "local", Local: true}
		TerminalWS(w, middleware.WithEngine(r, eng, desc))
	}))
	t.Cleanup(func() {
		ts.Close()
		TermManager.Stop()
	})
	return ts
}

func dialTerminal(t *testing.T, ctx context.Context, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn, env wsEnvelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil reads envelopes until one of the wanted type arrives.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, msgType string) wsEnvelope {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read while waiting for %s: %v", msgType, err)
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type == msgType {
			return env
		}
	}
}

func waitForCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTerminalWSSessionLifecycle(t *testing.T) {
	setupTestDB(t)
	eng := &fakeTermClient{running: true, exitCode: 0}
	ts := setupTerminalServer(t, eng)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialTerminal(t, ctx, ts)
	defer conn.CloseNow()

	sendEnvelope(t, ctx, conn, wsEnvelope{Type: "session:start", ContainerID: "c1", Shell: "/bin/sh"})

	ready := readUntil(t, ctx, conn, "session:ready")
	if ready.SessionID == "" {
		t.Error("expected a session id in the ready event")
	}
	if ready.Shell != "/bin/sh" {
		t.Errorf("expected /bin/sh, got %q", ready.Shell)
	}

	// Keystrokes reach the exec's stdin in order.
	sendEnvelope(t, ctx, conn, wsEnvelope{Type: "session:input", Data: []byte("ls\n")})
	waitForCond(t, "stdin input", func() bool { return eng.stdinString() == "ls\n" })

	// Exec output arrives as output events.
	eng.mu.Lock()
	pw := eng.pw
	eng.mu.Unlock()
	if _, err := pw.Write([]byte("file-a\n")); err != nil {
		t.Fatalf("emit output: %v", err)
	}
	out := readUntil(t, ctx, conn, "session:output")
	if string(out.Data) != "file-a\n" {
		t.Errorf("expected relayed output, got %q", out.Data)
	}

	// Stream end surfaces the exit code.
	pw.Close()
	end := readUntil(t, ctx, conn, "session:end")
	if end.ExitCode == nil || *end.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", end.ExitCode)
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

func TestTerminalWSStartStoppedContainer(t *testing.T) {
	setupTestDB(t)
	eng := &fakeTermClient{running: false}
	ts := setupTerminalServer(t, eng)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialTerminal(t, ctx, ts)
	defer conn.CloseNow()

	sendEnvelope(t, ctx, conn, wsEnvelope{Type: "session:start", ContainerID: "c1", Shell: "/bin/sh"})

	errEvent := readUntil(t, ctx, conn, "session:error")
	if !strings.Contains(errEvent.Message, "not running") {
		t.Errorf("expected a not-running message, got %q", errEvent.Message)
	}

	// The connection survives and can start a session once the
	// container is running.
	eng.mu.Lock()
	eng.running = true
	eng.mu.Unlock()

	sendEnvelope(t, ctx, conn, wsEnvelope{Type: "session:start", ContainerID: "c1", Shell: "/bin/sh"})
	readUntil(t, ctx, conn, "session:ready")

	conn.Close(websocket.StatusNormalClosure, "")
}

func TestTerminalWSStartWithoutContainerID(t *testing.T) {
	setupTestDB(t)
	eng := &fakeTermClient{running: true}
	ts := setupTerminalServer(t, eng)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialTerminal(t, ctx, ts)
	defer conn.CloseNow()

	sendEnvelope(t, ctx, conn, wsEnvelope{Type: "session:start"})
	errEvent := readUntil(t, ctx, conn, "session:error")
	if !strings.Contains(errEvent.Message, "container id") {
		t.Errorf("expected a container id message, got %q", errEvent.Message)
	}
}

func TestTerminalWSResizeClampsDimensions(t *testing.T) {
	setupTestDB(t)
	eng := &fakeTermClient{running: true}
	ts := setupTerminalServer(t, eng)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialTerminal(t, ctx, ts)
	defer conn.CloseNow()

	sendEnvelope(t, ctx, conn, wsEnvelope{Type: "session:start", ContainerID: "c1", Shell: "/bin/sh"})
	readUntil(t, ctx, conn, "session:ready")

	sendEnvelope(t, ctx, conn, wsEnvelope{Type: "session:resize", Cols: 1000, Rows: 500})

	waitForCond(t, "resize forwarded", func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.resizes) == 1
	})
	eng.mu.Lock()
	got := eng.resizes[0]
	eng.mu.Unlock()
	if got[0] != terminal.MaxResizeCols || got[1] != terminal.MaxResizeRows {
		t.Errorf("expected clamp to %dx%d, got %dx%d",
			terminal.MaxResizeCols, terminal.MaxResizeRows, got[0], got[1])
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

func TestTokenBucket(t *testing.T) {
	tb := newTokenBucket(2, 100)

	if !tb.allow() || !tb.allow() {
		t.Fatal("expected burst capacity to be available")
	}
	if tb.allow() {
		t.Error("expected empty bucket to deny")
	}

	time.Sleep(50 * time.Millisecond)
	if !tb.allow() {
		t.Error("expected refill after waiting")
	}
}

func TestTerminalWSDisconnectTearsDownSession(t *testing.T) {
	setupTestDB(t)
	eng := &fakeTermClient{running: true}
	ts := setupTerminalServer(t, eng)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialTerminal(t, ctx, ts)
	sendEnvelope(t, ctx, conn, wsEnvelope{Type: "session:start", ContainerID: "c1", Shell: "/bin/sh"})
	readUntil(t, ctx, conn, "session:ready")

	if TermManager.Count() != 1 {
		t.Fatalf("expected one live session, got %d", TermManager.Count())
	}

	conn.Close(websocket.StatusNormalClosure, "")

	waitForCond(t, "session teardown on disconnect", func() bool {
		return TermManager.Count() == 0
	})
}
