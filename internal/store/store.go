package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/loppo-llc/runner/internal/permission"
)

const instancesFile = "instances.json"

var ErrNotFound = errors.New("instance not found")

type Kind string

const (
	KindShell         Kind = "shell"
	KindDocker        Kind = "docker"
	KindDockerCompose Kind = "docker_compose"
)

// IsContainer reports whether instances of this kind run under the container runtime.
func (k Kind) IsContainer() bool {
	return k == KindDocker || k == KindDockerCompose
}

type DockerConfig struct {
	Image         string   `json:"image,omitempty"`
	ContainerName string   `json:"containerName,omitempty"`
	Ports         []string `json:"ports,omitempty"`
	Volumes       []string `json:"volumes,omitempty"`
	WorkingDir    string   `json:"workingDir,omitempty"`
	Command       string   `json:"command,omitempty"`
	// compose only: service to attach to
	Service string `json:"service,omitempty"`
}

// Instance is the persisted definition of one runnable unit.
type Instance struct {
	ID               string                      `json:"id"`
	Name             string                      `json:"name"`
	Kind             Kind                        `json:"type"`
	Command          string                      `json:"command,omitempty"`
	Cwd              string                      `json:"cwd,omitempty"`
	Env              map[string]string           `json:"env,omitempty"`
	Docker           DockerConfig                `json:"dockerConfig"`
	AutoStartOnBoot  bool                        `json:"autoStartOnBoot"`
	AutoRestart      bool                        `json:"autoRestart"`
	AutoDeleteOnExit bool                        `json:"autoDeleteOnExit"`
	Permissions      map[string]permission.Grant `json:"permissions,omitempty"`

	// written back by the runtime while a container session is live
	ContainerID string `json:"dockerContainerId,omitempty"`
}

// ContainerName returns the configured container name or the default
// derived from the instance id.
func (inst *Instance) ContainerName() string {
	if inst.Docker.ContainerName != "" {
		return inst.Docker.ContainerName
	}
	return "runner-" + inst.ID
}

// Store persists instance configs as a single JSON document.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

func New(dataDir string, logger *slog.Logger) *Store {
	return &Store{
		path:   filepath.Join(dataDir, instancesFile),
		logger: logger,
	}
}

// List returns all persisted instances. A missing file is an empty list.
func (st *Store) List() ([]Instance, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.load()
}

func (st *Store) Get(id string) (*Instance, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	list, err := st.load()
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == id {
			inst := list[i]
			return &inst, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Put inserts or replaces an instance by id.
func (st *Store) Put(inst Instance) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	list, err := st.load()
	if err != nil {
		return err
	}
	for i := range list {
		if list[i].ID == inst.ID {
			list[i] = inst
			return st.save(list)
		}
	}
	return st.save(append(list, inst))
}

// SetContainerID records (or clears, with "") the container currently
// backing an instance.
func (st *Store) SetContainerID(id, containerID string) error {
	return st.update(id, func(inst *Instance) {
		inst.ContainerID = containerID
	})
}

func (st *Store) Delete(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	list, err := st.load()
	if err != nil {
		return err
	}
	out := list[:0]
	found := false
	for _, inst := range list {
		if inst.ID == id {
			found = true
			continue
		}
		out = append(out, inst)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return st.save(out)
}

// Grant implements permission.GrantSource.
func (st *Store) Grant(instanceID, userID string) (permission.Grant, bool) {
	inst, err := st.Get(instanceID)
	if err != nil {
		return permission.Grant{}, false
	}
	g, ok := inst.Permissions[userID]
	return g, ok
}

func (st *Store) update(id string, fn func(*Instance)) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	list, err := st.load()
	if err != nil {
		return err
	}
	for i := range list {
		if list[i].ID == id {
			fn(&list[i])
			return st.save(list)
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (st *Store) load() ([]Instance, error) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read instances: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var list []Instance
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse instances: %w", err)
	}
	return list, nil
}

// save writes the list using atomic rename.
func (st *Store) save(list []Instance) error {
	if list == nil {
		list = []Instance{}
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal instances: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(st.path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write instances: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename instances file: %w", err)
	}
	st.logger.Debug("instances saved", "count", len(list))
	return nil
}
