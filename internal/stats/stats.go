// Package stats samples host and per-instance resource usage on a schedule
// and publishes it to connected clients.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-units"
	"github.com/loppo-llc/runner/internal/session"
	"github.com/prometheus/procfs"
	"github.com/robfig/cron/v3"
)

// Publisher is the broadcast primitive of the terminal broker.
type Publisher interface {
	Broadcast(v any, exclude map[string]bool)
	SubscribersOf(s *session.Session) []string
	SendTo(ids []string, v any)
}

// Sessions lists live sessions.
type Sessions interface {
	List() []*session.Session
}

// ContainerStats is the slice of the Docker client used for container
// sampling.
type ContainerStats interface {
	ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error)
}

type SystemStats struct {
	Type          string  `json:"type"`
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryUsedMB  float64 `json:"memoryUsedMB"`
	MemoryTotalMB float64 `json:"memoryTotalMB"`
	Memory        string  `json:"memory"`
	Load1         float64 `json:"load1"`
	Instances     int     `json:"instances"`
}

type InstanceStats struct {
	Type       string  `json:"type"`
	ID         string  `json:"id"`
	CPUPercent float64 `json:"cpuPercent"`
	MemoryMB   float64 `json:"memoryMB"`
	Memory     string  `json:"memory"`
}

// cpuSample is a cumulative counter pair: busy time of the subject and
// wall (or total system) time it is measured against.
type cpuSample struct {
	busy  float64
	total float64
}

func (prev cpuSample) percent(cur cpuSample, scale float64) float64 {
	dt := cur.total - prev.total
	if prev.total == 0 || dt <= 0 {
		return 0
	}
	busy := cur.busy - prev.busy
	if busy < 0 {
		return 0
	}
	return round1(busy / dt * scale * 100)
}

type Sampler struct {
	sessions Sessions
	pub      Publisher
	docker   ContainerStats
	interval time.Duration
	logger   *slog.Logger

	proc    procfs.FS
	hasProc bool
	now     func() time.Time
	cron    *cron.Cron

	mu       sync.Mutex
	system   cpuSample
	previous map[string]cpuSample
}

// New returns a sampler. docker may be nil when no container runtime is
// configured. Host figures are only available where /proc is mounted.
func New(sessions Sessions, pub Publisher, docker ContainerStats, interval time.Duration, logger *slog.Logger) *Sampler {
	s := &Sampler{
		sessions: sessions,
		pub:      pub,
		docker:   docker,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		previous: make(map[string]cpuSample),
	}
	if fs, err := procfs.NewDefaultFS(); err == nil {
		s.proc = fs
		s.hasProc = true
	} else {
		logger.Debug("procfs unavailable, host stats disabled", "err", err)
	}
	return s
}

// Start schedules sampling every interval. A tick still running when the
// next one is due is skipped.
func (s *Sampler) Start() error {
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.interval)
		defer cancel()
		s.Tick(ctx)
	}); err != nil {
		return fmt.Errorf("schedule stats %q: %w", spec, err)
	}
	s.cron.Start()
	s.logger.Info("stats sampler started", "interval", s.interval)
	return nil
}

// Stop waits for a running tick to finish.
func (s *Sampler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Tick takes one sample. Instance stats go to the instance's terminal
// subscribers, who are then left out of the host-wide broadcast.
func (s *Sampler) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in stats tick", "panic", r)
		}
	}()

	live := s.sessions.List()
	watching := make(map[string]bool)
	seen := make(map[string]bool, len(live))
	for _, sess := range live {
		seen[sess.ID] = true
		ids := s.pub.SubscribersOf(sess)
		if len(ids) == 0 {
			continue
		}
		st, ok := s.instance(ctx, sess)
		if !ok {
			continue
		}
		for _, id := range ids {
			watching[id] = true
		}
		s.pub.SendTo(ids, st)
	}
	s.forget(seen)

	if sys, ok := s.host(len(live)); ok {
		s.pub.Broadcast(sys, watching)
	}
}

// forget drops CPU baselines of sessions that are gone.
func (s *Sampler) forget(live map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.previous {
		if !live[key] {
			delete(s.previous, key)
		}
	}
}

func (s *Sampler) host(instances int) (SystemStats, bool) {
	if !s.hasProc {
		return SystemStats{}, false
	}
	stat, err := s.proc.Stat()
	if err != nil {
		s.logger.Debug("read /proc/stat failed", "err", err)
		return SystemStats{}, false
	}
	cpu := stat.CPUTotal
	idle := cpu.Idle + cpu.Iowait
	total := cpu.User + cpu.Nice + cpu.System + cpu.Idle + cpu.Iowait + cpu.IRQ + cpu.SoftIRQ + cpu.Steal
	cur := cpuSample{busy: total - idle, total: total}

	s.mu.Lock()
	pct := s.system.percent(cur, 1)
	s.system = cur
	s.mu.Unlock()

	out := SystemStats{Type: "system-stats", CPUPercent: pct, Instances: instances}
	if mem, err := s.proc.Meminfo(); err == nil && mem.MemTotal != nil && mem.MemAvailable != nil {
		totalBytes := float64(*mem.MemTotal) * 1024
		usedBytes := float64(*mem.MemTotal-*mem.MemAvailable) * 1024
		out.MemoryTotalMB = toMB(totalBytes)
		out.MemoryUsedMB = toMB(usedBytes)
		out.Memory = units.HumanSize(usedBytes) + " / " + units.HumanSize(totalBytes)
	}
	if load, err := s.proc.LoadAvg(); err == nil {
		out.Load1 = load.Load1
	}
	return out, true
}

func (s *Sampler) instance(ctx context.Context, sess *session.Session) (InstanceStats, bool) {
	info := sess.Info().Backend
	switch {
	case info.ContainerID != "":
		return s.containerStats(ctx, sess.ID, info.ContainerID)
	case info.PID > 0:
		return s.processStats(sess.ID, info.PID)
	}
	return InstanceStats{}, false
}

func (s *Sampler) processStats(id string, pid int) (InstanceStats, bool) {
	if !s.hasProc {
		return InstanceStats{}, false
	}
	p, err := s.proc.Proc(pid)
	if err != nil {
		return InstanceStats{}, false
	}
	ps, err := p.Stat()
	if err != nil {
		return InstanceStats{}, false
	}
	wall := float64(s.now().UnixNano()) / float64(time.Second)
	cur := cpuSample{busy: ps.CPUTime(), total: wall}

	s.mu.Lock()
	pct := s.previous[id].percent(cur, 1)
	s.previous[id] = cur
	s.mu.Unlock()

	rss := float64(ps.ResidentMemory())
	return InstanceStats{
		Type:       "instance-stats",
		ID:         id,
		CPUPercent: pct,
		MemoryMB:   toMB(rss),
		Memory:     units.HumanSize(rss),
	}, true
}

func (s *Sampler) containerStats(ctx context.Context, id, containerID string) (InstanceStats, bool) {
	if s.docker == nil {
		return InstanceStats{}, false
	}
	resp, err := s.docker.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		s.logger.Debug("container stats failed", "id", id, "err", err)
		return InstanceStats{}, false
	}
	defer resp.Body.Close()
	var st container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		s.logger.Debug("decode container stats failed", "id", id, "err", err)
		return InstanceStats{}, false
	}

	// one-shot samples carry no usable precpu block; diff against our own
	// previous tick instead
	cur := cpuSample{busy: float64(st.CPUStats.CPUUsage.TotalUsage), total: float64(st.CPUStats.SystemUsage)}
	cpus := float64(st.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(st.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = float64(runtime.NumCPU())
	}

	s.mu.Lock()
	pct := s.previous[id].percent(cur, cpus)
	s.previous[id] = cur
	s.mu.Unlock()

	used := float64(memoryUsed(st.MemoryStats))
	return InstanceStats{
		Type:       "instance-stats",
		ID:         id,
		CPUPercent: pct,
		MemoryMB:   toMB(used),
		Memory:     units.HumanSize(used),
	}, true
}

// memoryUsed subtracts page cache the way `docker stats` does.
func memoryUsed(m container.MemoryStats) uint64 {
	cache := m.Stats["inactive_file"]
	if cache == 0 {
		cache = m.Stats["total_inactive_file"]
	}
	if cache > m.Usage {
		return m.Usage
	}
	return m.Usage - cache
}

func toMB(b float64) float64 {
	return round1(b / (1024 * 1024))
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
