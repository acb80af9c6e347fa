// Package containerengine is the container-build and container-run
// capability the ingestion, build, and launch pipelines depend on,
// wrapping the Docker Engine API client behind a small interface so a
// pipeline never imports the Docker SDK directly.
package containerengine

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/benediktbwimmer/apphub-controlplane/internal/breaker"
)

// Engine is the capability every pipeline depends on.
type Engine interface {
	BuildImage(ctx context.Context, req BuildRequest, onLogLine func(line string)) (string, error)
	EnsureNetwork(ctx context.Context, name string) (string, error)
	RunContainer(ctx context.Context, req RunRequest) (*RunResult, error)
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string) error
	Close() error
}

// DockerEngine implements Engine against a real Docker daemon, with calls
// gated by a circuit breaker so a dead daemon fails fast instead of
// hanging every pipeline worker.
type DockerEngine struct {
	api     *client.Client
	breaker *breaker.CircuitBreaker
}

// New opens a Docker client from the ambient environment
// (DOCKER_HOST/DOCKER_CERT_PATH, falling back to the default socket).
func New() (*DockerEngine, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerEngine{
		api:     api,
		breaker: breaker.New(time.Minute, 30*time.Second, 0.5, 5),
	}, nil
}

func (e *DockerEngine) Close() error { return e.api.Close() }

func (e *DockerEngine) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if !e.breaker.Allow() {
		return fmt.Errorf("container engine circuit open")
	}
	err := fn(ctx)
	e.breaker.Record(err == nil)
	return err
}

func (e *DockerEngine) EnsureNetwork(ctx context.Context, name string) (string, error) {
	var id string
	err := e.guard(ctx, func(ctx context.Context) error {
		args := filters.NewArgs(filters.Arg("name", name))
		list, err := e.api.NetworkList(ctx, network.ListOptions{Filters: args})
		if err != nil {
			return fmt.Errorf("list networks: %w", err)
		}
		for _, item := range list {
			if item.Name == name {
				id = item.ID
				return nil
			}
		}
		resp, err := e.api.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
		if err != nil {
			return fmt.Errorf("create network: %w", err)
		}
		id = resp.ID
		return nil
	})
	return id, err
}

func (e *DockerEngine) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	return e.guard(ctx, func(ctx context.Context) error {
		seconds := int(timeout.Seconds())
		return e.api.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	})
}

func (e *DockerEngine) RemoveContainer(ctx context.Context, containerID string) error {
	return e.guard(ctx, func(ctx context.Context) error {
		return e.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	})
}

// hostPortFor resolves the published host port for a container's exposed
// containerPort/tcp binding.
func hostPortFor(inspect container.InspectResponse, containerPort int) (int, error) {
	if inspect.NetworkSettings == nil {
		return 0, fmt.Errorf("container has no network settings")
	}
	key := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
	bindings, ok := inspect.NetworkSettings.Ports[key]
	if !ok || len(bindings) == 0 {
		return 0, fmt.Errorf("no host port bound for %s", key)
	}
	var port int
	if _, err := fmt.Sscanf(bindings[0].HostPort, "%d", &port); err != nil {
		return 0, fmt.Errorf("parse host port %q: %w", bindings[0].HostPort, err)
	}
	return port, nil
}

// streamLogs demultiplexes a Docker log/attach stream (the 8-byte-header
// stdout/stderr framing ContainerLogs and ContainerAttach produce without a
// TTY) and calls onLine for each complete line.
func streamLogs(r io.Reader, onLine func(line string)) error {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, r)
		pw.CloseWithError(err)
	}()
	return splitLines(pr, onLine)
}

// splitLines reads r to completion, calling onLine for each '\n'-terminated
// line and once more for any trailing partial line before EOF.
func splitLines(r io.Reader, onLine func(line string)) error {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				idx := indexByte(buf, '\n')
				if idx < 0 {
					break
				}
				onLine(string(buf[:idx]))
				buf = buf[idx+1:]
			}
		}
		if err != nil {
			if len(buf) > 0 {
				onLine(string(buf))
			}
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
