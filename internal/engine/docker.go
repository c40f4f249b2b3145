package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
)

const stopTimeoutSeconds = 30

// dockerClient adapts the engine API client to the Client capability
// interface. One instance is bound to one endpoint's transport.
type dockerClient struct {
	api *dockerclient.Client
}

func (c *dockerClient) Ping(ctx context.Context) error {
	_, err := c.api.Ping(ctx)
	return err
}

func (c *dockerClient) Info(ctx context.Context) (Info, error) {
	raw, err := c.api.Info(ctx)
	if err != nil {
		return Info{}, err
	}
	return Info{
		Name:            raw.Name,
		ServerVersion:   raw.ServerVersion,
		OperatingSystem: raw.OperatingSystem,
		Architecture:    raw.Architecture,
		NCPU:            raw.NCPU,
		MemTotal:        raw.MemTotal,
		Containers:      raw.Containers,
		Images:          raw.Images,
	}, nil
}

func (c *dockerClient) ListContainers(ctx context.Context, all bool) ([]container.Summary, error) {
	return c.api.ContainerList(ctx, container.ListOptions{All: all})
}

func (c *dockerClient) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	return c.api.ContainerInspect(ctx, id)
}

func (c *dockerClient) StartContainer(ctx context.Context, id string) error {
	return c.api.ContainerStart(ctx, id, container.StartOptions{})
}

func (c *dockerClient) StopContainer(ctx context.Context, id string) error {
	timeout := stopTimeoutSeconds
	return c.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
}

func (c *dockerClient) RestartContainer(ctx context.Context, id string) error {
	timeout := stopTimeoutSeconds
	return c.api.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeout})
}

func (c *dockerClient) ExecCreate(ctx context.Context, containerID string, cmd []string, interactive bool) (string, error) {
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	}
	if interactive {
		execCfg.AttachStdin = true
		execCfg.Tty = true
		execCfg.ConsoleSize = &[2]uint{24, 80}
	}

	resp, err := c.api.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return "", fmt.Errorf("exec create: %w", err)
	}
	return resp.ID, nil
}

func (c *dockerClient) ExecAttach(ctx context.Context, execID string, interactive bool) (*ExecStream, error) {
	resp, err := c.api.ContainerExecAttach(ctx, execID, container.ExecAttachOptions{Tty: interactive})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	// With a tty the stream is raw; without one the engine multiplexes
	// stdout/stderr and the frames must be decoded.
	var stdout io.Reader = resp.Reader
	if !interactive {
		stdout = demuxStream(resp.Reader)
	}

	return NewExecStream(resp.Conn, stdout, func() { resp.Close() }), nil
}

func (c *dockerClient) ExecResize(ctx context.Context, execID string, cols, rows uint16) error {
	return c.api.ContainerExecResize(ctx, execID, container.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	})
}

func (c *dockerClient) ExecExitCode(ctx context.Context, execID string) (int, error) {
	inspect, err := c.api.ContainerExecInspect(ctx, execID)
	if err != nil {
		return -1, fmt.Errorf("exec inspect: %w", err)
	}
	return inspect.ExitCode, nil
}

func (c *dockerClient) Close() error {
	return c.api.Close()
}

var _ Client = (*dockerClient)(nil)
