package terminal

import (
	"sync"
	"time"

	"github.com/helmdeck/helmdeck/internal/engine"
)

// State is the lifecycle state of a terminal session.
type State string

const (
	// StateIdle means the connection has no session.
	StateIdle State = "idle"
	// StateStarting means the exec is being created and attached.
	StateStarting State = "starting"
	// StateReady means the exec is attached but no bytes have flowed yet.
	StateReady State = "ready"
	// StateActive means bytes are flowing.
	StateActive State = "active"
	// StateEnded means the exec finished cleanly.
	StateEnded State = "ended"
	// StateErrored means the stream or exec failed mid-session.
	StateErrored State = "errored"
)

// Resize clamps, applied before forwarding a resize to the exec.
const (
	MaxResizeCols uint16 = 512
	MaxResizeRows uint16 = 256
)

// MaxInputMessageSize bounds a single input write.
const MaxInputMessageSize = 64 * 1024

// Emitter delivers session events to the owning connection. Output returns
// an error when the connection can no longer accept bytes, which stops the
// session's relay.
type Emitter interface {
	Ready(sessionID, shell string)
	Output(data []byte) error
	SessionError(msg string)
	End(code int)
}

// Session pairs one connection with one exec handle's duplex stream. A
// connection owns at most one session at a time; the manager enforces
// that invariant.
type Session struct {
	ID          string
	ConnID      string
	EndpointID  string
	ContainerID string
	Shell       string
	CreatedAt   time.Time

	client  engine.Client
	execID  string
	stream  *engine.ExecStream
	emitter Emitter

	mu        sync.Mutex
	state     State
	closeOnce sync.Once
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// finish performs the session's single teardown: the final state is set,
// notify (if any) runs once, and the stream is released. Every later call
// is a no-op, so teardown racing a relay exit cannot double-close the
// stream or double-notify the connection.
func (s *Session) finish(final State, notify func()) {
	s.closeOnce.Do(func() {
		s.setState(final)
		if notify != nil {
			notify()
		}
		if s.stream != nil {
			s.stream.Close()
		}
	})
}
