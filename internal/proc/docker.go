package proc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// stopTimeoutSeconds is passed to the daemon as the container stop
// grace period.
const stopTimeoutSeconds = 5

// dockerPingTimeout bounds the daemon reachability probe so an
// unresponsive daemon does not stall teardown.
const dockerPingTimeout = 3 * time.Second

// DockerStopper stops containers that publish reserved workspace ports
// to the host. Development servers are frequently run inside compose
// stacks, so freeing a port can mean stopping a container rather than
// signaling a native process.
type DockerStopper struct {
	inner  *client.Client
	logger *slog.Logger
}

// NewDockerStopper connects to the Docker daemon with automatic socket
// detection and verifies it responds. Returns an error when no daemon
// is reachable; callers treat that as "no containers to stop".
func NewDockerStopper(ctx context.Context, logger *slog.Logger) (*DockerStopper, error) {
	if logger == nil {
		logger = slog.Default()
	}

	host := os.Getenv("DOCKER_HOST")
	if host == "" {
		var err error
		host, err = detectDockerHost()
		if err != nil {
			return nil, err
		}
	}

	c, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker client for %q: %w", host, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, dockerPingTimeout)
	defer cancel()
	if _, err := c.Ping(pingCtx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("docker daemon not responding: %w", err)
	}

	return &DockerStopper{inner: c, logger: logger}, nil
}

// StopPublishers stops every running container that publishes one of
// the given ports on the host. Stop failures on individual containers
// are logged and skipped.
func (d *DockerStopper) StopPublishers(ctx context.Context, ports []int) error {
	containers, err := d.inner.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	want := make(map[int]bool, len(ports))
	for _, p := range ports {
		want[p] = true
	}

	timeout := stopTimeoutSeconds
	for _, c := range containers {
		port, match := publishesAny(c.Ports, want)
		if !match {
			continue
		}
		d.logger.Info("stopping container holding reserved port",
			"container", c.ID[:12], "port", port)
		if err := d.inner.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
			d.logger.Warn("container stop failed", "container", c.ID[:12], "error", err)
		}
	}
	return nil
}

// publishesAny returns the first host-published port of the container
// that appears in want.
func publishesAny(ports []container.Port, want map[int]bool) (int, bool) {
	for _, p := range ports {
		if p.PublicPort != 0 && want[int(p.PublicPort)] {
			return int(p.PublicPort), true
		}
	}
	return 0, false
}

// Close releases the underlying client. Safe to call on a nil receiver.
func (d *DockerStopper) Close() error {
	if d == nil || d.inner == nil {
		return nil
	}
	return d.inner.Close()
}

// detectDockerHost probes the platform's known socket locations. The
// existence check is cheap and does not need a running daemon; Ping
// verifies connectivity afterwards.
func detectDockerHost() (string, error) {
	candidates := []string{"/var/run/docker.sock"}
	if runtime.GOOS == "darwin" {
		if home, err := os.UserHomeDir(); err == nil {
			candidates = append(candidates, home+"/.docker/run/docker.sock")
		}
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return "unix://" + path, nil
		}
	}
	return "", fmt.Errorf("docker socket not found at any of %v", candidates)
}
