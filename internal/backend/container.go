package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"

	"github.com/loppo-llc/runner/internal/store"
)

const (
	LabelInstance     = "runner.instance"
	defaultWorkingDir = "/workspace"
)

// attached streams a container's attach connection.
type attached struct {
	*base
	api  DockerAPI
	conn types.HijackedResponse
	info Info
	stop func(ctx context.Context, force bool) error
}

// attachContainer opens the attach stream before anything else happens to
// the container, so no output is emitted before we listen. Streams without
// a TTY are multiplexed and go through a Demuxer.
func attachContainer(ctx context.Context, api DockerAPI, id string, tty bool, command string) (*attached, error) {
	resp, err := api.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
		Logs:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", id, err)
	}
	a := &attached{
		base: newBase(),
		api:  api,
		conn: resp,
		info: Info{Command: command, ContainerID: id, TTY: tty},
	}
	a.stop = a.stopContainer

	var split func([]byte) [][]byte
	if !tty {
		d := &Demuxer{}
		split = d.payloads
	}
	go a.pump(resp.Reader, split)
	return a, nil
}

// watch finishes the adapter when the runtime reports the container gone.
func (a *attached) watch(waitCh <-chan container.WaitResponse, errCh <-chan error) {
	code := -1
	select {
	case res := <-waitCh:
		code = int(res.StatusCode)
	case <-errCh:
	}
	select {
	case <-a.readDone:
	case <-time.After(drainGrace):
	}
	a.conn.Close()
	a.finish(code)
}

func (a *attached) Write(p []byte) error {
	_, err := a.conn.Conn.Write(p)
	return err
}

func (a *attached) Resize(cols, rows uint16) error {
	if !a.info.TTY || cols == 0 || rows == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.api.ContainerResize(ctx, a.info.ContainerID, container.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
}

func (a *attached) Stop(ctx context.Context, force bool) error {
	return a.stop(ctx, force)
}

func (a *attached) stopContainer(ctx context.Context, force bool) error {
	return stopContainer(ctx, a.api, a.info.ContainerID, force)
}

func (a *attached) Info() Info { return a.info }

func stopContainer(ctx context.Context, api DockerAPI, id string, force bool) error {
	var err error
	if force {
		err = api.ContainerKill(ctx, id, "SIGKILL")
	} else {
		err = api.ContainerStop(ctx, id, container.StopOptions{})
	}
	if err != nil && !isGone(err) {
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

// isGone matches errors for containers that no longer exist or are already
// being removed or stopped.
func isGone(err error) bool {
	return cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err)
}

func containerCommand(inst *store.Instance) string {
	if inst.Docker.Command == "" {
		return inst.Docker.Image
	}
	return inst.Docker.Image + " " + inst.Docker.Command
}

// openContainer adopts the instance's container if it is already running,
// otherwise creates (or reuses) it, attaches, and starts it.
func (l *Launcher) openContainer(ctx context.Context, inst *store.Instance, workDir string) (Adapter, error) {
	name := inst.ContainerName()
	command := containerCommand(inst)

	existing, err := l.docker.ContainerInspect(ctx, name)
	switch {
	case err == nil && existing.ContainerJSONBase == nil:
		return nil, fmt.Errorf("inspect container %s: empty response", name)
	case err == nil && isRunning(existing):
		a, err := attachContainer(ctx, l.docker, existing.ID, hasTTY(existing), command)
		if err != nil {
			return nil, err
		}
		waitCh, errCh := l.docker.ContainerWait(context.Background(), existing.ID, container.WaitConditionNotRunning)
		go a.watch(waitCh, errCh)
		l.logger.Info("attached to running container", "instance", inst.ID, "container", name)
		return a, nil
	case err != nil && !cerrdefs.IsNotFound(err):
		return nil, fmt.Errorf("inspect container %s: %w", name, err)
	}

	var id string
	tty := true
	if err == nil {
		id = existing.ID
		tty = hasTTY(existing)
	} else {
		id, err = l.createContainer(ctx, inst, workDir)
		if err != nil {
			return nil, err
		}
	}

	a, err := attachContainer(ctx, l.docker, id, tty, command)
	if err != nil {
		return nil, err
	}
	waitCh, errCh := l.docker.ContainerWait(context.Background(), id, container.WaitConditionNextExit)
	if err := l.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		a.conn.Close()
		return nil, fmt.Errorf("start container %s: %w", name, err)
	}
	go a.watch(waitCh, errCh)
	l.logger.Info("container started", "instance", inst.ID, "container", name, "id", id)
	return a, nil
}

func (l *Launcher) createContainer(ctx context.Context, inst *store.Instance, workDir string) (string, error) {
	name := inst.ContainerName()
	if inst.Docker.Image == "" {
		return "", fmt.Errorf("instance %s has no image configured", inst.ID)
	}
	if err := ensureImage(ctx, l.docker, inst.Docker.Image, l.logger); err != nil {
		return "", err
	}

	exposed, bindings, err := nat.ParsePortSpecs(inst.Docker.Ports)
	if err != nil {
		return "", fmt.Errorf("parse ports: %w", err)
	}
	cwd := inst.Docker.WorkingDir
	if cwd == "" {
		cwd = defaultWorkingDir
	}
	binds := append([]string{workDir + ":" + cwd}, inst.Docker.Volumes...)

	cfg := &container.Config{
		Image:        inst.Docker.Image,
		Env:          envList(inst.Env),
		WorkingDir:   cwd,
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ExposedPorts: exposed,
		Labels:       map[string]string{LabelInstance: inst.ID},
	}
	if fields := strings.Fields(inst.Docker.Command); len(fields) > 0 {
		cfg.Cmd = fields
	}
	hostCfg := &container.HostConfig{
		Binds:        binds,
		PortBindings: bindings,
		AutoRemove:   true,
	}

	resp, err := l.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err == nil {
		return resp.ID, nil
	}
	if !cerrdefs.IsConflict(err) {
		return "", fmt.Errorf("create container %s: %w", name, err)
	}
	// lost a race with another creator; use theirs
	existing, ierr := l.docker.ContainerInspect(ctx, name)
	if ierr != nil {
		return "", fmt.Errorf("create container %s: %w", name, err)
	}
	return existing.ID, nil
}

func (l *Launcher) containerRunning(ctx context.Context, inst *store.Instance) (bool, string, error) {
	info, err := l.docker.ContainerInspect(ctx, inst.ContainerName())
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("inspect container %s: %w", inst.ContainerName(), err)
	}
	if info.ContainerJSONBase == nil {
		return false, "", nil
	}
	return isRunning(info), info.ID, nil
}

func isRunning(info container.InspectResponse) bool {
	return info.ContainerJSONBase != nil && info.State != nil && info.State.Running
}

func hasTTY(info container.InspectResponse) bool {
	return info.Config != nil && info.Config.Tty
}
