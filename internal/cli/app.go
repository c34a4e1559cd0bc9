package cli

import (
	"context"
	"log/slog"

	"github.com/mmr-tortoise/agentree/internal/config"
	"github.com/mmr-tortoise/agentree/internal/lifecycle"
	"github.com/mmr-tortoise/agentree/internal/port"
	"github.com/mmr-tortoise/agentree/internal/proc"
	"github.com/mmr-tortoise/agentree/internal/reconcile"
	"github.com/mmr-tortoise/agentree/internal/registry"
	"github.com/mmr-tortoise/agentree/internal/review"
	"github.com/mmr-tortoise/agentree/internal/vcs"
)

// app holds the wired collaborators every command works against.
type app struct {
	cfg     *config.Config
	store   *registry.Store
	manager *lifecycle.Manager
	engine  *reconcile.Engine
	docker  *proc.DockerStopper
	logger  *slog.Logger
}

// newApp loads configuration and wires the production stack. The Docker
// daemon is optional: when unreachable, port reclaim only signals
// native processes.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.Default()
	store := registry.NewStore(cfg.RegistryPath, cfg.PortRangeStart, cfg.PortRangeEnd, logger)
	allocator := port.NewAllocator(store, port.NewScanner())
	git := vcs.NewGit()

	docker, err := proc.NewDockerStopper(ctx, logger)
	if err != nil {
		logger.Debug("docker unavailable, container port reclaim disabled", "error", err)
		docker = nil
	}
	reclaimer := proc.NewPortReclaimer(docker, logger)
	bootstrap := lifecycle.NewShellBootstrapper(logger)
	reviews := review.NewGitHub(cfg.GHPath)

	manager := lifecycle.NewManager(store, allocator, git, reviews, reclaimer, bootstrap, cfg, logger)
	engine := reconcile.NewEngine(store, git, reviews, logger)

	return &app{
		cfg:     cfg,
		store:   store,
		manager: manager,
		engine:  engine,
		docker:  docker,
		logger:  logger,
	}, nil
}

// close releases held connections.
func (a *app) close() {
	_ = a.docker.Close()
}
