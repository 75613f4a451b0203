package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/loppo-llc/runner/internal/permission"
)

var ErrUnknownAction = errors.New("unknown action")

// Perform runs a lifecycle action on behalf of a user. Permission checks
// are the caller's job.
func (m *Manager) Perform(ctx context.Context, id string, a permission.Action) error {
	m.logger.Info("instance action", "id", id, "action", a)
	switch a {
	case permission.ActionStart:
		return m.Start(ctx, id)
	case permission.ActionStop:
		return m.Stop(ctx, id, StopOptions{UserTriggered: true})
	case permission.ActionRestart:
		return m.Restart(ctx, id)
	case permission.ActionTerminate:
		return m.Stop(ctx, id, StopOptions{Force: true, UserTriggered: true})
	case permission.ActionForceRestart:
		return m.ForceRestart(ctx, id)
	case permission.ActionInterrupt:
		return m.Interrupt(id)
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, a)
}
