package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/docker/docker/api/types/container"

	"github.com/loppo-llc/runner/internal/store"
)

// Launcher creates adapters for instances and probes or cleans up the
// resources behind them.
type Launcher struct {
	shell     string
	docker    DockerAPI
	composeFn ComposeFunc
	logger    *slog.Logger
}

type Option func(*Launcher)

// WithDocker enables the container variants. Without it they fail with
// ErrRuntimeUnavailable.
func WithDocker(api DockerAPI) Option {
	return func(l *Launcher) { l.docker = api }
}

// WithCompose replaces the docker compose CLI invocation.
func WithCompose(fn ComposeFunc) Option {
	return func(l *Launcher) { l.composeFn = fn }
}

func NewLauncher(shell string, logger *slog.Logger, opts ...Option) *Launcher {
	if shell == "" {
		shell = "bash"
	}
	l := &Launcher{
		shell:     shell,
		composeFn: runCompose,
		logger:    logger,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Launcher) needDocker(inst *store.Instance) error {
	if inst.Kind.IsContainer() && l.docker == nil {
		return fmt.Errorf("%s instance %s: %w", inst.Kind, inst.ID, ErrRuntimeUnavailable)
	}
	return nil
}

// Start launches (or, for containers, adopts) the backend of inst.
func (l *Launcher) Start(ctx context.Context, inst *store.Instance, workDir string) (Adapter, error) {
	if err := l.needDocker(inst); err != nil {
		return nil, err
	}
	switch inst.Kind {
	case store.KindShell, "":
		env := append(os.Environ(), "TERM=xterm-256color")
		env = append(env, envList(inst.Env)...)
		p, err := startLocal(l.shell, inst.Command, workDir, env)
		if err != nil {
			return nil, err
		}
		l.logger.Info("process started", "instance", inst.ID, "pid", p.info.PID)
		return p, nil
	case store.KindDocker:
		return l.openContainer(ctx, inst, workDir)
	case store.KindDockerCompose:
		return l.openCompose(ctx, inst, workDir)
	default:
		return nil, fmt.Errorf("unknown instance type %q", inst.Kind)
	}
}

// Running reports whether a container instance's backend is up without a
// session attached to it. Shell instances never outlive their session.
func (l *Launcher) Running(ctx context.Context, inst *store.Instance, workDir string) (bool, error) {
	if !inst.Kind.IsContainer() {
		return false, nil
	}
	if err := l.needDocker(inst); err != nil {
		return false, err
	}
	if inst.Kind == store.KindDockerCompose {
		list, err := l.composeContainers(ctx, inst, workDir, true)
		return len(list) > 0, err
	}
	running, _, err := l.containerRunning(ctx, inst)
	return running, err
}

// StopResidual stops a container backend that has no session.
func (l *Launcher) StopResidual(ctx context.Context, inst *store.Instance, workDir string, force bool) error {
	running, err := l.Running(ctx, inst, workDir)
	if err != nil || !running {
		return err
	}
	if inst.Kind == store.KindDockerCompose {
		if force {
			return l.compose(ctx, workDir, "kill")
		}
		return l.compose(ctx, workDir, "stop")
	}
	return stopContainer(ctx, l.docker, inst.ContainerName(), force)
}

// Remove deletes the runtime resources of inst.
func (l *Launcher) Remove(ctx context.Context, inst *store.Instance, workDir string) error {
	if !inst.Kind.IsContainer() || l.docker == nil {
		return nil
	}
	if inst.Kind == store.KindDockerCompose {
		return l.compose(ctx, workDir, "down")
	}
	err := l.docker.ContainerRemove(ctx, inst.ContainerName(), container.RemoveOptions{Force: true})
	if err != nil && !isGone(err) {
		return fmt.Errorf("remove container %s: %w", inst.ContainerName(), err)
	}
	return nil
}
