package proc

import (
	"context"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	// gracePeriod is how long a process gets to exit after SIGTERM
	// before SIGKILL is sent.
	gracePeriod = 3 * time.Second

	// gracePollInterval is how often process liveness is re-checked
	// while waiting out the grace period.
	gracePollInterval = 100 * time.Millisecond
)

// Reclaimer frees the OS-level holders of a set of ports. The
// production implementation signals native listeners and stops Docker
// containers; tests substitute fakes.
type Reclaimer interface {
	Reclaim(ctx context.Context, ports []int) error
}

// PortReclaimer terminates native processes via lsof + signals and
// delegates container-published ports to an optional Docker stopper.
type PortReclaimer struct {
	docker *DockerStopper
	logger *slog.Logger

	// listPIDs resolves the processes listening on a TCP port.
	// Overridable in tests.
	listPIDs func(ctx context.Context, port int) ([]int, error)
}

// NewPortReclaimer creates a reclaimer. docker may be nil when no
// daemon is reachable; container ports are then skipped.
func NewPortReclaimer(docker *DockerStopper, logger *slog.Logger) *PortReclaimer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PortReclaimer{docker: docker, logger: logger, listPIDs: lsofListeners}
}

// Reclaim frees every port in the list. Individual failures are logged
// and skipped; the method only errors when the context is done.
func (r *PortReclaimer) Reclaim(ctx context.Context, ports []int) error {
	if r.docker != nil {
		if err := r.docker.StopPublishers(ctx, ports); err != nil {
			r.logger.Debug("container port reclaim skipped", "error", err)
		}
	}

	for _, port := range ports {
		if err := ctx.Err(); err != nil {
			return err
		}
		pids, err := r.listPIDs(ctx, port)
		if err != nil {
			// lsof exits non-zero when nothing listens; also covers a
			// missing lsof binary.
			r.logger.Debug("no listeners found", "port", port, "error", err)
			continue
		}
		for _, pid := range pids {
			r.terminate(ctx, pid, port)
		}
	}
	return nil
}

// terminate sends SIGTERM, waits out the grace period, then SIGKILLs a
// survivor.
func (r *PortReclaimer) terminate(ctx context.Context, pid, port int) {
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		r.logger.Debug("signal failed", "pid", pid, "port", port, "error", err)
		return
	}
	r.logger.Info("terminating port holder", "pid", pid, "port", port)

	deadline := time.Now().Add(gracePeriod)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(gracePollInterval):
		}
	}

	if processAlive(pid) {
		r.logger.Warn("process ignored SIGTERM, killing", "pid", pid, "port", port)
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// processAlive reports whether pid exists. Signal 0 performs the
// existence check without delivering anything; EPERM means the process
// exists but belongs to another user.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// lsofListeners shells out to lsof to find PIDs with a TCP listener on
// port. The -t flag produces bare PIDs, one per line.
func lsofListeners(ctx context.Context, port int) ([]int, error) {
	out, err := exec.CommandContext(ctx, "lsof", "-t", "-i", "tcp:"+strconv.Itoa(port), "-s", "TCP:LISTEN").Output()
	if err != nil {
		return nil, err
	}

	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}
