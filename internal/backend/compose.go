package backend

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"

	"github.com/loppo-llc/runner/internal/store"
)

const (
	labelComposeProject = "com.docker.compose.project"
	labelComposeService = "com.docker.compose.service"
)

// ComposeFunc runs `docker compose <args>` in dir and returns its combined output.
type ComposeFunc func(ctx context.Context, dir string, args ...string) ([]byte, error)

func runCompose(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "docker", append([]string{"compose"}, args...)...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// ProjectName derives the compose project name the CLI uses for dir:
// the lowercased base name with characters outside [a-z0-9_-] removed.
func ProjectName(dir string) string {
	base := strings.ToLower(filepath.Base(filepath.Clean(dir)))
	var b strings.Builder
	for _, r := range base {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (l *Launcher) compose(ctx context.Context, dir string, args ...string) error {
	out, err := l.composeFn(ctx, dir, args...)
	if err != nil {
		return fmt.Errorf("docker compose %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// composeContainers lists the project's containers, sorted by name. With
// running set only running containers are returned.
func (l *Launcher) composeContainers(ctx context.Context, inst *store.Instance, workDir string, running bool) ([]container.Summary, error) {
	args := filters.NewArgs(filters.Arg("label", labelComposeProject+"="+ProjectName(workDir)))
	if inst.Docker.Service != "" {
		args.Add("label", labelComposeService+"="+inst.Docker.Service)
	}
	list, err := l.docker.ContainerList(ctx, container.ListOptions{All: !running, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list compose containers: %w", err)
	}
	sort.Slice(list, func(i, j int) bool {
		return firstName(list[i]) < firstName(list[j])
	})
	return list, nil
}

func firstName(c container.Summary) string {
	if len(c.Names) == 0 {
		return c.ID
	}
	return strings.TrimPrefix(c.Names[0], "/")
}

// openCompose brings the project up and attaches to its primary container:
// the configured service, or the first running container by name.
func (l *Launcher) openCompose(ctx context.Context, inst *store.Instance, workDir string) (Adapter, error) {
	if err := l.compose(ctx, workDir, "up", "-d"); err != nil {
		return nil, err
	}
	list, err := l.composeContainers(ctx, inst, workDir, true)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("compose project %s has no running containers", ProjectName(workDir))
	}
	primary := list[0]

	tty := false
	if info, err := l.docker.ContainerInspect(ctx, primary.ID); err == nil {
		tty = hasTTY(info)
	}
	command := "docker compose up"
	if inst.Docker.Service != "" {
		command += " " + inst.Docker.Service
	}

	a, err := attachContainer(ctx, l.docker, primary.ID, tty, command)
	if err != nil {
		return nil, err
	}
	a.stop = func(ctx context.Context, force bool) error {
		if force {
			return l.compose(ctx, workDir, "kill")
		}
		return l.compose(ctx, workDir, "stop")
	}
	waitCh, errCh := l.docker.ContainerWait(context.Background(), primary.ID, container.WaitConditionNotRunning)
	go a.watch(waitCh, errCh)
	l.logger.Info("attached to compose container", "instance", inst.ID, "container", firstName(primary))
	return a, nil
}
