package session

import (
	"context"

	"golang.org/x/sync/errgroup"
)

const reconcileParallelism = 8

// Reconcile brings the registry in line with the world at boot: container
// instances whose backend is already running are adopted, then every
// autoStartOnBoot instance that is still not live is started. Failures are
// logged per instance and never stop the pass.
func (m *Manager) Reconcile(ctx context.Context) error {
	list, err := m.store.List()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileParallelism)
	for i := range list {
		inst := &list[i]
		if !inst.Kind.IsContainer() {
			continue
		}
		g.Go(func() error {
			running, err := m.runtime.Running(gctx, inst, m.WorkDir(inst))
			if err != nil {
				m.logger.Warn("reconcile: probe failed", "id", inst.ID, "err", err)
				return nil
			}
			if !running {
				return nil
			}
			m.logger.Info("reconcile: adopting running backend", "id", inst.ID, "name", inst.Name)
			if err := m.adopt(gctx, inst.ID); err != nil {
				m.logger.Warn("reconcile: attach failed", "id", inst.ID, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, inst := range list {
		if !inst.AutoStartOnBoot || m.IsRunning(inst.ID) {
			continue
		}
		m.logger.Info("auto-starting instance", "id", inst.ID, "name", inst.Name)
		if err := m.Start(ctx, inst.ID); err != nil {
			m.logger.Warn("auto-start failed", "id", inst.ID, "err", err)
		}
	}
	return nil
}
