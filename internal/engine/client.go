package engine

import (
	"context"
	"io"
	"sync"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Client is the narrow capability surface every resolved endpoint exposes.
// Both the host-local and remote constructors return this interface, so the
// session layer and shell detection never branch on locality.
type Client interface {
	// Ping performs the cheapest liveness call the engine offers.
	Ping(ctx context.Context) error
	// Info returns engine identification for test-connection responses.
	Info(ctx context.Context) (Info, error)

	ListContainers(ctx context.Context, all bool) ([]container.Summary, error)
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RestartContainer(ctx context.Context, id string) error

	// ExecCreate creates a command execution inside a running container.
	// Interactive execs get stdin, a pseudo-tty and combined output.
	ExecCreate(ctx context.Context, containerID string, cmd []string, interactive bool) (string, error)
	// ExecAttach attaches to a created exec and returns its duplex stream.
	ExecAttach(ctx context.Context, execID string, interactive bool) (*ExecStream, error)
	ExecResize(ctx context.Context, execID string, cols, rows uint16) error
	ExecExitCode(ctx context.Context, execID string) (int, error)

	Close() error
}

// Info is the engine identification subset surfaced to callers.
type Info struct {
	Name            string `json:"name"`
	ServerVersion   string `json:"server_version"`
	OperatingSystem string `json:"operating_system"`
	Architecture    string `json:"architecture"`
	NCPU            int    `json:"ncpu"`
	MemTotal        int64  `json:"mem_total"`
	Containers      int    `json:"containers"`
	Images          int    `json:"images"`
}

// ExecStream is the duplex byte stream of an attached exec. Close is
// idempotent; the underlying hijacked connection is released exactly once.
type ExecStream struct {
	Stdin  io.Writer
	Stdout io.Reader

	once    sync.Once
	closeFn func()
}

func NewExecStream(stdin io.Writer, stdout io.Reader, closeFn func()) *ExecStream {
	return &ExecStream{Stdin: stdin, Stdout: stdout, closeFn: closeFn}
}

func (s *ExecStream) Close() {
	s.once.Do(func() {
		if s.closeFn != nil {
			s.closeFn()
		}
	})
}

// IsNotFound reports whether err is the engine's not-found error.
func IsNotFound(err error) bool {
	return dockerclient.IsErrNotFound(err)
}

// demuxStream decodes the engine's stream multiplexing frames from a
// non-tty exec stream so callers read plain output bytes. stdout and
// stderr frames are merged in arrival order. The decoder reads full
// frame headers regardless of how the transport chunks them.
func demuxStream(r io.Reader) io.Reader {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, r)
		pw.CloseWithError(err)
	}()
	return pr
}
