package containerengine

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
)

// RunRequest describes a single preview/service container to start.
type RunRequest struct {
	Name          string
	Image         string
	Env           map[string]string
	ContainerPort int
	NetworkName   string
	Labels        map[string]string
	Command       []string
}

// RunResult is what a caller needs to track and later reach a started
// container: its ID for stop/remove, and the host port the launch pipeline
// should hand back as the preview URL target.
type RunResult struct {
	ContainerID string
	HostPort    int
}

// RunContainer creates, attaches to network, and starts a container,
// publishing ContainerPort to an ephemeral host port.
func (e *DockerEngine) RunContainer(ctx context.Context, req RunRequest) (*RunResult, error) {
	var result *RunResult
	err := e.guard(ctx, func(ctx context.Context) error {
		env := make([]string, 0, len(req.Env))
		for k, v := range req.Env {
			env = append(env, k+"="+v)
		}

		exposedPort := nat.Port(fmt.Sprintf("%d/tcp", req.ContainerPort))
		containerCfg := &container.Config{
			Image:        req.Image,
			Env:          env,
			Labels:       req.Labels,
			Cmd:          req.Command,
			ExposedPorts: nat.PortSet{exposedPort: struct{}{}},
		}
		hostCfg := &container.HostConfig{
			PortBindings: nat.PortMap{
				exposedPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
			},
			RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		}
		var netCfg *network.NetworkingConfig
		if req.NetworkName != "" {
			netCfg = &network.NetworkingConfig{
				EndpointsConfig: map[string]*network.EndpointSettings{
					req.NetworkName: {},
				},
			}
		}

		created, err := e.api.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, req.Name)
		if err != nil {
			return fmt.Errorf("create container: %w", err)
		}

		if err := e.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
			return fmt.Errorf("start container %s: %w", created.ID, err)
		}

		inspect, err := e.api.ContainerInspect(ctx, created.ID)
		if err != nil {
			return fmt.Errorf("inspect container %s: %w", created.ID, err)
		}
		hostPort, err := hostPortFor(inspect, req.ContainerPort)
		if err != nil {
			return fmt.Errorf("resolve published port: %w", err)
		}

		result = &RunResult{ContainerID: created.ID, HostPort: hostPort}
		return nil
	})
	return result, err
}

// TailLogs streams a container's combined stdout/stderr lines to onLogLine
// until the context is cancelled or the container exits (follow=true) or
// the current buffered output is exhausted (follow=false).
func (e *DockerEngine) TailLogs(ctx context.Context, containerID string, follow bool, onLogLine func(line string)) error {
	return e.guard(ctx, func(ctx context.Context) error {
		rc, err := e.api.ContainerLogs(ctx, containerID, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     follow,
			Timestamps: false,
		})
		if err != nil {
			return fmt.Errorf("stream logs for %s: %w", containerID, err)
		}
		defer rc.Close()
		if err := streamLogs(rc, onLogLine); err != nil && err != io.EOF {
			return err
		}
		return nil
	})
}

// Wait blocks until the container exits or the context is cancelled,
// returning the container's exit code.
func (e *DockerEngine) Wait(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := e.api.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, fmt.Errorf("wait for container %s: %w", containerID, err)
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// defaultStopTimeout is used by callers that don't have an opinion on how
// long to wait for graceful shutdown before Docker sends SIGKILL.
const defaultStopTimeout = 10 * time.Second
