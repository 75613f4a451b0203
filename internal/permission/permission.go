// Package permission answers whether a user may perform an operation on an
// instance. Terminal levels are ordinal; each level grants everything below it.
package permission

import (
	"errors"
	"fmt"
)

var ErrDenied = errors.New("permission denied")

type Level string

const (
	None         Level = ""
	ReadOnly     Level = "read-only"
	ReadWrite    Level = "read-write"
	ReadWriteOps Level = "read-write-ops"
	FullControl  Level = "full-control"
)

var ranks = map[Level]int{
	None:         0,
	ReadOnly:     1,
	ReadWrite:    2,
	ReadWriteOps: 3,
	FullControl:  4,
}

// Rank returns the ordinal of l. Unknown strings rank as None.
func (l Level) Rank() int {
	return ranks[l]
}

// Satisfies reports whether l is at least required.
func (l Level) Satisfies(required Level) bool {
	return l.Rank() >= required.Rank()
}

func ParseLevel(s string) (Level, error) {
	l := Level(s)
	if _, ok := ranks[l]; !ok {
		return None, fmt.Errorf("unknown permission level: %q", s)
	}
	return l, nil
}

// Grant is one user's permissions on one instance as persisted with the
// instance config.
type Grant struct {
	Terminal       Level `json:"terminal,omitempty"`
	FileManagement bool  `json:"fileManagement,omitempty"`
}

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User is the authenticated principal bound to a connection or request.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// GrantSource looks up the grant a user holds on an instance. ok is false
// when the instance does not exist.
type GrantSource interface {
	Grant(instanceID, userID string) (g Grant, ok bool)
}

// Oracle checks terminal levels against the grants of a GrantSource.
type Oracle struct {
	grants GrantSource
}

func NewOracle(grants GrantSource) *Oracle {
	return &Oracle{grants: grants}
}

// Level returns the effective terminal level of u on instanceID. Admins
// always have full control.
func (o *Oracle) Level(u User, instanceID string) Level {
	if u.IsAdmin() {
		return FullControl
	}
	g, ok := o.grants.Grant(instanceID, u.ID)
	if !ok {
		return None
	}
	return g.Terminal
}

// Check returns ErrDenied unless u holds at least required on instanceID.
func (o *Oracle) Check(u User, instanceID string, required Level) error {
	if u.IsAdmin() {
		return nil
	}
	if _, ok := o.grants.Grant(instanceID, u.ID); !ok {
		return ErrDenied
	}
	if !o.Level(u, instanceID).Satisfies(required) {
		return ErrDenied
	}
	return nil
}

// CanView reports whether u holds any grant on instanceID.
func (o *Oracle) CanView(u User, instanceID string) bool {
	if u.IsAdmin() {
		return true
	}
	_, ok := o.grants.Grant(instanceID, u.ID)
	return ok
}

// Action is a lifecycle operation requested through the action endpoint.
type Action string

const (
	ActionStart        Action = "start"
	ActionStop         Action = "stop"
	ActionRestart      Action = "restart"
	ActionTerminate    Action = "terminate"
	ActionForceRestart Action = "force-restart"
	ActionInterrupt    Action = "interrupt"
)

// actionLevels holds the minimum terminal level for each action.
var actionLevels = map[Action]Level{
	ActionStart:        ReadWriteOps,
	ActionStop:         ReadWriteOps,
	ActionRestart:      ReadWriteOps,
	ActionTerminate:    FullControl,
	ActionForceRestart: FullControl,
	ActionInterrupt:    FullControl,
}

// RequiredFor returns the level needed for a and whether a is known.
func RequiredFor(a Action) (Level, bool) {
	l, ok := actionLevels[a]
	return l, ok
}

// CheckAction is Check with the level looked up from the action table.
func (o *Oracle) CheckAction(u User, instanceID string, a Action) error {
	required, ok := RequiredFor(a)
	if !ok {
		return fmt.Errorf("unknown action: %q", a)
	}
	return o.Check(u, instanceID, required)
}
