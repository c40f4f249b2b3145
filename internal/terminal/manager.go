package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/helmdeck/helmdeck/internal/engine"
	"github.com/helmdeck/helmdeck/internal/logutil"
	"github.com/helmdeck/helmdeck/internal/shell"
)

var (
	// ErrContainerNotRunning aborts a start before any exec is created.
	ErrContainerNotRunning = errors.New("container is not running")
	// ErrNoSession is returned for input against a connection in Idle.
	ErrNoSession = errors.New("no active session for connection")
	// ErrInvalidState rejects input outside Ready/Active. Stale input is
	// rejected rather than queued so it can never leak into a session
	// created after a fast restart.
	ErrInvalidState = errors.New("session is not accepting input")
)

// StartRequest carries everything needed to start a session on a
// connection.
type StartRequest struct {
	ConnID      string
	Client      engine.Client
	EndpointID  string
	ContainerID string
	// Shell, when set, skips detection.
	Shell   string
	Emitter Emitter
}

// Manager owns all terminal sessions of this process, keyed by connection
// id. Sessions on different connections are fully independent; the map is
// the only shared state.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	// ShellProbeTimeout bounds each shell-detection probe.
	ShellProbeTimeout time.Duration
}

func NewManager() *Manager {
	return &Manager{
		sessions:          make(map[string]*Session),
		ShellProbeTimeout: shell.DefaultProbeTimeout,
	}
}

// Start creates a session for the connection, tearing down any prior
// session on the same connection first. The target container must be
// running. The returned session is Active and relaying output.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Session, error) {
	if prior := m.Session(req.ConnID); prior != nil {
		log.Printf("Replacing session %s on connection %s", prior.ID, logutil.SanitizeForLog(req.ConnID))
		m.Teardown(req.ConnID)
	}

	inspect, err := req.Client.InspectContainer(ctx, req.ContainerID)
	if err != nil {
		return nil, fmt.Errorf("inspect container: %w", err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return nil, ErrContainerNotRunning
	}

	shellPath := req.Shell
	if shellPath == "" {
		shellPath = shell.Detect(ctx, req.Client, req.ContainerID, m.ShellProbeTimeout)
	}

	sess := &Session{
		ID:          uuid.New().String(),
		ConnID:      req.ConnID,
		EndpointID:  req.EndpointID,
		ContainerID: req.ContainerID,
		Shell:       shellPath,
		CreatedAt:   time.Now(),
		client:      req.Client,
		emitter:     req.Emitter,
		state:       StateStarting,
	}

	// Claim the slot before attaching so concurrent input is rejected
	// with ErrInvalidState instead of reaching a half-built session.
	m.mu.Lock()
	m.sessions[req.ConnID] = sess
	m.mu.Unlock()

	execID, err := req.Client.ExecCreate(ctx, req.ContainerID, []string{shellPath}, true)
	if err != nil {
		m.remove(sess)
		return nil, err
	}

	stream, err := req.Client.ExecAttach(ctx, execID, true)
	if err != nil {
		m.remove(sess)
		return nil, err
	}

	sess.execID = execID
	sess.stream = stream

	sess.setState(StateReady)
	req.Emitter.Ready(sess.ID, shellPath)
	sess.setState(StateActive)

	go m.relay(sess)

	log.Printf("Session %s started: connection=%s endpoint=%s container=%s shell=%s",
		sess.ID, logutil.SanitizeForLog(req.ConnID), logutil.SanitizeForLog(req.EndpointID),
		logutil.SanitizeForLog(req.ContainerID), shellPath)

	return sess, nil
}

// relay pumps stream output to the connection in arrival order until the
// stream ends or fails. It runs for the lifetime of the session.
func (m *Manager) relay(sess *Session) {
	buf := make([]byte, 32*1024)
	for {
		n, err := sess.stream.Stdout.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if werr := sess.emitter.Output(data); werr != nil {
				// Connection gone; disconnect teardown follows.
				m.remove(sess)
				sess.finish(StateEnded, nil)
				return
			}
		}
		if err != nil {
			m.remove(sess)
			if errors.Is(err, io.EOF) || sess.State() != StateActive {
				code := m.exitCode(sess)
				sess.finish(StateEnded, func() { sess.emitter.End(code) })
			} else {
				log.Printf("Session %s stream failed: %v", sess.ID, err)
				sess.finish(StateErrored, func() { sess.emitter.SessionError("terminal stream lost") })
			}
			return
		}
	}
}

func (m *Manager) exitCode(sess *Session) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	code, err := sess.client.ExecExitCode(ctx, sess.execID)
	if err != nil {
		return -1
	}
	return code
}

// Input writes bytes to the session's stream in the order received. Valid
// only in Ready/Active. A write failure notifies the connection once and
// leaves state unchanged; the caller is expected to restart.
func (m *Manager) Input(connID string, data []byte) error {
	sess := m.Session(connID)
	if sess == nil {
		return ErrNoSession
	}
	if st := sess.State(); st != StateReady && st != StateActive {
		return ErrInvalidState
	}
	if _, err := sess.stream.Stdin.Write(data); err != nil {
		sess.emitter.SessionError("terminal input lost")
	}
	return nil
}

// Resize forwards new dimensions to the exec. A no-op outside Active;
// forwarding failures are logged and non-fatal.
func (m *Manager) Resize(ctx context.Context, connID string, cols, rows uint16) {
	sess := m.Session(connID)
	if sess == nil || sess.State() != StateActive {
		return
	}
	if err := sess.client.ExecResize(ctx, sess.execID, cols, rows); err != nil {
		log.Printf("Session %s resize: %v", sess.ID, err)
	}
}

// Teardown forces release of a connection's session from any state:
// the slot is freed and the stream closed before it returns. Safe to call
// when the connection is already Idle.
func (m *Manager) Teardown(connID string) {
	m.mu.Lock()
	sess := m.sessions[connID]
	delete(m.sessions, connID)
	m.mu.Unlock()

	if sess == nil {
		return
	}
	sess.finish(StateEnded, nil)
	log.Printf("Session %s torn down: connection=%s", sess.ID, logutil.SanitizeForLog(connID))
}

// Session returns the connection's current session, or nil when Idle.
func (m *Manager) Session(connID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[connID]
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Stop tears down every session. Called on shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	conns := make([]string, 0, len(m.sessions))
	for connID := range m.sessions {
		conns = append(conns, connID)
	}
	m.mu.Unlock()

	for _, connID := range conns {
		m.Teardown(connID)
	}
}

// remove frees the slot only if it still belongs to this session, so a
// relay exiting late cannot evict a successor session.
func (m *Manager) remove(sess *Session) {
	m.mu.Lock()
	if m.sessions[sess.ConnID] == sess {
		delete(m.sessions, sess.ConnID)
	}
	m.mu.Unlock()
}
