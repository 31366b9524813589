// Package rbac is the pure permission matrix of the platform. Roles and
// capabilities are fixed at compile time; no code path grants a capability
// outside the table below.
package rbac

import (
	"errors"
	"fmt"
	"strings"
)

// Role is one of the fixed platform roles.
type Role string

const (
	RoleUser       Role = "USER"
	RoleSupport    Role = "SUPPORT"
	RoleAnalyst    Role = "ANALYST"
	RoleModerator  Role = "MODERATOR"
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

// Capability is a named permission checked against a role's fixed set.
type Capability string

const (
	CapChatCreate      Capability = "chat:create"
	CapChatRead        Capability = "chat:read"
	CapChatDelete      Capability = "chat:delete"
	CapUserRead        Capability = "user:read"
	CapUserBan         Capability = "user:ban"
	CapUserPromote     Capability = "user:promote"
	CapUserDelete      Capability = "user:delete"
	CapUserResetPwd    Capability = "user:reset_password"
	CapModelConfigure  Capability = "model:configure"
	CapSettingsManage  Capability = "settings:manage"
	CapLogsRead        Capability = "logs:read"
	CapSystemConfigure Capability = "system:configure"
	CapSecurityManage  Capability = "security:manage"
	CapAnalyticsView   Capability = "analytics:view"
	CapAnalyticsExport Capability = "analytics:export"
	CapContentModerate Capability = "content:moderate"
	CapAuditExport     Capability = "audit:export"
	CapSupportTickets  Capability = "support:tickets"
)

var ErrAccessDenied = errors.New("rbac: access denied")

// AccessDeniedError names the missing capability. Roles and capabilities are
// not secret, so this error is safe to surface to callers.
type AccessDeniedError struct {
	Capability Capability
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: missing capability %s", e.Capability)
}

func (e *AccessDeniedError) Unwrap() error { return ErrAccessDenied }

// rolePermissions is the single source of truth for capability grants.
var rolePermissions = map[Role][]Capability{
	RoleUser: {
		CapChatCreate, CapChatRead, CapChatDelete,
	},
	RoleSupport: {
		CapUserRead, CapUserResetPwd, CapSupportTickets, CapLogsRead,
	},
	RoleAnalyst: {
		CapChatRead, CapUserRead, CapLogsRead,
		CapAnalyticsView, CapAnalyticsExport, CapAuditExport,
	},
	RoleModerator: {
		CapChatRead, CapUserRead, CapUserBan, CapLogsRead, CapContentModerate,
	},
	RoleAdmin: {
		CapChatCreate, CapChatRead, CapChatDelete,
		CapUserRead, CapUserBan, CapUserPromote, CapUserResetPwd,
		CapModelConfigure, CapSettingsManage, CapLogsRead,
		CapAnalyticsView, CapContentModerate,
	},
	RoleSuperAdmin: {
		CapChatCreate, CapChatRead, CapChatDelete,
		CapUserRead, CapUserBan, CapUserPromote, CapUserDelete, CapUserResetPwd,
		CapModelConfigure, CapSettingsManage, CapLogsRead,
		CapSystemConfigure, CapSecurityManage,
		CapAnalyticsView, CapAnalyticsExport, CapContentModerate,
		CapAuditExport, CapSupportTickets,
	},
}

// roleLevels is a strict total order over roles, independent of the
// capability table. Higher level means more privileged.
var roleLevels = map[Role]int{
	RoleUser:       0,
	RoleSupport:    1,
	RoleAnalyst:    2,
	RoleModerator:  3,
	RoleAdmin:      4,
	RoleSuperAdmin: 5,
}

// Valid reports whether r is one of the declared roles.
func (r Role) Valid() bool {
	_, ok := roleLevels[r]
	return ok
}

// Level returns the hierarchy level of the role. Unknown roles map to -1 so
// they can never modify anything.
func (r Role) Level() int {
	lvl, ok := roleLevels[r]
	if !ok {
		return -1
	}
	return lvl
}

// ParseRole normalizes raw input into a Role.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(raw)))
	if !role.Valid() {
		return "", fmt.Errorf("rbac: unknown role %q", raw)
	}
	return role, nil
}

// Has reports whether the role holds the capability.
func Has(role Role, cap Capability) bool {
	for _, c := range rolePermissions[role] {
		if c == cap {
			return true
		}
	}
	return false
}

// Require returns an AccessDeniedError naming the capability when the role
// does not hold it.
func Require(role Role, cap Capability) error {
	if !Has(role, cap) {
		return &AccessDeniedError{Capability: cap}
	}
	return nil
}

// CanModify reports whether an actor may mutate a target account. Strictly
// greater level is required, so equal roles can never touch each other.
// Self-modification is rejected separately by the caller, which knows ids.
func CanModify(actor, target Role) bool {
	return actor.Level() > target.Level()
}

// Capabilities returns a copy of the role's capability set.
func Capabilities(role Role) []Capability {
	src := rolePermissions[role]
	out := make([]Capability, len(src))
	copy(out, src)
	return out
}

// Roles lists all declared roles in ascending hierarchy order.
func Roles() []Role {
	return []Role{RoleUser, RoleSupport, RoleAnalyst, RoleModerator, RoleAdmin, RoleSuperAdmin}
}
