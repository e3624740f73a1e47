// Package permission answers farm-scoped authorization questions.
//
// Roles are per farm membership. owner and manager are elevated: they may
// approve, reject and purge. member may submit and read. viewer may read.
//
// Import Path: farmops.io/bulkops/internal/permission
package permission

import (
	"context"
	"sync"
)

// FarmRole is a user's role on a farm.
type FarmRole string

const (
	RoleOwner   FarmRole = "owner"
	RoleManager FarmRole = "manager"
	RoleMember  FarmRole = "member"
	RoleViewer  FarmRole = "viewer"
)

// Actions checked against a FarmRole.
const (
	ActionView    = "view"
	ActionSubmit  = "submit"
	ActionApprove = "approve"
	ActionPurge   = "purge"
)

// Valid reports whether r is a known role.
func (r FarmRole) Valid() bool {
	switch r {
	case RoleOwner, RoleManager, RoleMember, RoleViewer:
		return true
	}
	return false
}

// Elevated reports whether r may approve or reject requests.
func (r FarmRole) Elevated() bool {
	return r == RoleOwner || r == RoleManager
}

// RoleCanPerform checks if role may perform action.
func RoleCanPerform(role FarmRole, action string) bool {
	switch role {
	case RoleOwner, RoleManager:
		return true
	case RoleMember:
		return action == ActionView || action == ActionSubmit
	case RoleViewer:
		return action == ActionView
	default:
		return false
	}
}

// Checker resolves a user's role on a farm.
type Checker interface {
	// FarmRole returns the user's role and whether any membership exists.
	FarmRole(ctx context.Context, userID, farmID string) (FarmRole, bool, error)
}

// HasElevatedRole reports whether userID holds an elevated role on farmID.
func HasElevatedRole(ctx context.Context, c Checker, userID, farmID string) (bool, error) {
	return Can(ctx, c, userID, farmID, ActionApprove)
}

// Can reports whether userID may perform action on farmID.
func Can(ctx context.Context, c Checker, userID, farmID, action string) (bool, error) {
	if userID == "" || farmID == "" {
		return false, nil
	}
	role, found, err := c.FarmRole(ctx, userID, farmID)
	if err != nil {
		return false, err
	}
	return found && RoleCanPerform(role, action), nil
}

// Static is an in-memory Checker.
type Static struct {
	mu    sync.RWMutex
	roles map[string]map[string]FarmRole // farm -> user -> role
}

// NewStatic creates an empty Static checker.
func NewStatic() *Static {
	return &Static{roles: make(map[string]map[string]FarmRole)}
}

// Grant assigns role to userID on farmID.
func (s *Static) Grant(farmID, userID string, role FarmRole) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roles[farmID] == nil {
		s.roles[farmID] = make(map[string]FarmRole)
	}
	s.roles[farmID][userID] = role
}

// FarmRole implements Checker.
func (s *Static) FarmRole(_ context.Context, userID, farmID string) (FarmRole, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[farmID][userID]
	return role, ok, nil
}
