package shell

import (
	"context"
	"io"
	"log"
	"strings"
	"time"

	"github.com/helmdeck/helmdeck/internal/engine"
	"github.com/helmdeck/helmdeck/internal/logutil"
)

// Candidates is the ordered shell preference list, most capable first.
var Candidates = []string{"/bin/bash", "/bin/ash", "/bin/sh"}

// Fallback is returned when no candidate answers the probe. A container
// with no detectable shell still gets a best-effort session.
const Fallback = "/bin/sh"

// sentinel is echoed inside the container to confirm a candidate shell
// actually executes commands.
const sentinel = "helmdeck-shell-ok"

const probeOutputLimit = 4096

// DefaultProbeTimeout bounds each individual candidate probe.
const DefaultProbeTimeout = 3 * time.Second

// Detect probes the container for an interactive shell by running a
// sentinel echo through each candidate in order. The first candidate whose
// trimmed output matches wins and no further candidates are tried. A probe
// timeout or non-zero exit just moves detection to the next candidate.
func Detect(ctx context.Context, client engine.Client, containerID string, probeTimeout time.Duration) string {
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}

	for _, candidate := range Candidates {
		if probeCandidate(ctx, client, containerID, candidate, probeTimeout) {
			return candidate
		}
	}

	log.Printf("No shell answered probe in container %s, falling back to %s",
		logutil.SanitizeForLog(containerID), Fallback)
	return Fallback
}

func probeCandidate(ctx context.Context, client engine.Client, containerID, candidate string, timeout time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execID, err := client.ExecCreate(probeCtx, containerID, []string{candidate, "-c", "echo " + sentinel}, false)
	if err != nil {
		return false
	}

	stream, err := client.ExecAttach(probeCtx, execID, false)
	if err != nil {
		return false
	}
	defer stream.Close()

	output, err := io.ReadAll(io.LimitReader(stream.Stdout, probeOutputLimit))
	if err != nil && len(output) == 0 {
		return false
	}

	if strings.TrimSpace(string(output)) != sentinel {
		return false
	}

	code, err := client.ExecExitCode(probeCtx, execID)
	if err != nil || code != 0 {
		return false
	}
	return true
}
