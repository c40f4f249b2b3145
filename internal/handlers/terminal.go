package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/helmdeck/helmdeck/internal/engine"
	"github.com/helmdeck/helmdeck/internal/logutil"
	"github.com/helmdeck/helmdeck/internal/middleware"
	"github.com/helmdeck/helmdeck/internal/terminal"
)

// terminalRateLimit defines the maximum number of messages allowed per
// second per WebSocket connection. Messages beyond this rate are dropped.
const terminalRateLimit = 200

// terminalRateBurst is the token bucket burst size, allowing short bursts
// of rapid input (e.g., paste operations) before rate limiting kicks in.
const terminalRateBurst = 200

// TermManager and SessionStartTimeout are set from main before the
// router starts.
var (
	TermManager         *terminal.Manager
	SessionStartTimeout = 30 * time.Second
)

// wsEnvelope is the single message shape both directions use. Data is
// raw terminal bytes, base64 on the wire.
type wsEnvelope struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId,omitempty"`
	ContainerID string `json:"containerId,omitempty"`
	Shell       string `json:"shell,omitempty"`
	Data        []byte `json:"data,omitempty"`
	Cols        uint16 `json:"cols,omitempty"`
	Rows        uint16 `json:"rows,omitempty"`
	Message     string `json:"error,omitempty"`
	ExitCode    *int   `json:"code,omitempty"`
}

// wsEmitter serializes session events onto one WebSocket connection.
// The mutex keeps the relay goroutine and lifecycle notifications from
// interleaving frames.
type wsEmitter struct {
	mu   sync.Mutex
	conn *websocket.Conn
	ctx  context.Context
}

func (e *wsEmitter) send(env wsEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.Write(e.ctx, websocket.MessageText, data)
}

func (e *wsEmitter) Ready(sessionID, shell string) {
	e.send(wsEnvelope{Type: "session:ready", SessionID: sessionID, Shell: shell})
}

func (e *wsEmitter) Output(data []byte) error {
	return e.send(wsEnvelope{Type: "session:output", Data: data})
}

func (e *wsEmitter) SessionError(msg string) {
	e.send(wsEnvelope{Type: "session:error", Message: msg})
}

func (e *wsEmitter) End(code int) {
	e.send(wsEnvelope{Type: "session:end", ExitCode: &code})
}

// TerminalWS upgrades the request and serves one connection's terminal
// traffic. The endpoint was already selected, authorized and resolved
// by the surrounding middleware; this handler only speaks the session
// protocol. Whatever session the connection holds is torn down when the
// socket goes away.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	client := middleware.GetEngine(r)
	desc := middleware.GetEndpoint(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Failed to accept terminal websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	connID := uuid.New().String()
	defer TermManager.Teardown(connID)

	conn.SetReadLimit(1024 * 1024)

	emitter := &wsEmitter{conn: conn, ctx: ctx}
	limiter := newTokenBucket(terminalRateBurst, terminalRateLimit)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}

		// Rate limit: drop messages that exceed the allowed rate
		if !limiter.allow() {
			continue
		}

		var msg wsEnvelope
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "session:start":
			startSession(ctx, emitter, client, desc.ID, connID, msg)
		case "session:input":
			if len(msg.Data) > terminal.MaxInputMessageSize {
				log.Printf("Terminal input message too large: conn=%s size=%d limit=%d",
					connID, len(msg.Data), terminal.MaxInputMessageSize)
				continue
			}
			TermManager.Input(connID, msg.Data)
		case "session:resize":
			if msg.Cols == 0 || msg.Rows == 0 {
				continue
			}
			cols, rows := msg.Cols, msg.Rows
			if cols > terminal.MaxResizeCols {
				cols = terminal.MaxResizeCols
			}
			if rows > terminal.MaxResizeRows {
				rows = terminal.MaxResizeRows
			}
			TermManager.Resize(ctx, connID, cols, rows)
		}
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

// startSession runs the bounded start sequence and reports failures as
// session:error events so the connection survives a bad target.
func startSession(ctx context.Context, emitter *wsEmitter, client engine.Client, endpointID, connID string, msg wsEnvelope) {
	if msg.ContainerID == "" {
		emitter.SessionError("A container id is required to start a session")
		return
	}

	startCtx, cancel := context.WithTimeout(ctx, SessionStartTimeout)
	defer cancel()

	_, err := TermManager.Start(startCtx, terminal.StartRequest{
		ConnID:      connID,
		Client:      client,
		EndpointID:  endpointID,
		ContainerID: msg.ContainerID,
		Shell:       msg.Shell,
		Emitter:     emitter,
	})
	if err != nil {
		switch {
		case errors.Is(err, terminal.ErrContainerNotRunning):
			emitter.SessionError("Container is not running")
		case engine.IsNotFound(err):
			emitter.SessionError("Container not found")
		case errors.Is(err, context.DeadlineExceeded):
			emitter.SessionError("Session start timed out")
		default:
			log.Printf("Failed to start session on %s for container %s: %v",
				logutil.SanitizeForLog(endpointID), logutil.SanitizeForLog(msg.ContainerID), err)
			emitter.SessionError("Failed to start terminal session")
		}
	}
}

// tokenBucket implements a simple token bucket rate limiter for terminal messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow checks if a message is allowed and consumes a token.
func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}
