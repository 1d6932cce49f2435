package authz

import (
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of principal roles.
type Role string

const (
	RoleAdministrator Role = "administrator"
	RoleSupervisor    Role = "supervisor"
	RolePublisher     Role = "publisher"
	RoleSchool        Role = "school"
	RoleTeacher       Role = "teacher"
	RoleStudent       Role = "student"
)

// roleRank is the hierarchy table. Tenant roles share rank 1 and are mutually unranked.
var roleRank = map[Role]int{
	RoleAdministrator: 3,
	RoleSupervisor:    2,
	RolePublisher:     1,
	RoleSchool:        1,
	RoleTeacher:       1,
	RoleStudent:       1,
}

// ownerTypes maps each tenant role to the storage root it owns.
var ownerTypes = map[Role]string{
	RolePublisher: "publishers",
	RoleSchool:    "schools",
	RoleTeacher:   "teachers",
	RoleStudent:   "students",
}

// ParseRole converts a raw string into a Role.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := roleRank[role]; !ok {
		return "", fmt.Errorf("authz: unknown role %q", raw)
	}
	return role, nil
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Rank returns the position of r in the hierarchy; 0 for unknown roles.
func (r Role) Rank() int {
	return roleRank[r]
}

// Bypass reports whether r skips ownership checks entirely.
func (r Role) Bypass() bool {
	return r == RoleAdministrator || r == RoleSupervisor
}

// OwnerType returns the storage root owned by r, if any.
func (r Role) OwnerType() (string, bool) {
	ot, ok := ownerTypes[r]
	return ot, ok
}

// Outranks reports whether r sits strictly above other in the hierarchy.
// Tenant roles never outrank one another.
func (r Role) Outranks(other Role) bool {
	return r.Rank() > other.Rank()
}

// Principal describes the authenticated actor.
type Principal struct {
	ID       string
	Role     Role
	TenantID string
}

// Action is the operation class being authorized.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// ParseAction converts a raw string into an Action.
func ParseAction(raw string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionRead:
		return ActionRead, nil
	case ActionWrite:
		return ActionWrite, nil
	}
	return "", fmt.Errorf("authz: unknown action %q", raw)
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allow  bool
	Reason string
	// Path is the normalized path the decision applies to; empty when parsing failed.
	Path string
}

// Grant widens read access on a path or path prefix to one grantee.
type Grant struct {
	ID        string
	Ref       string
	AssetID   string
	GranteeID string
	ExpiresAt *time.Time
}

// ActiveAt reports whether the grant is still in force at t.
func (g *Grant) ActiveAt(t time.Time) bool {
	if g == nil {
		return false
	}
	return g.ExpiresAt == nil || t.Before(*g.ExpiresAt)
}
