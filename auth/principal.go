// Package auth provides credential verification and the principal model for
// the authentication core.
package auth

import (
	"encoding/json"

	"github.com/gatehouselabs/gatehouse/store"
)

// Role is the coarse account role. Fine-grained rights live in
// PermissionSet.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Admin reports whether the role grants the admin surface.
func (r Role) Admin() bool {
	return r == RoleAdmin
}

// PermissionSet is the product's fine-grained permission JSON as stored on
// the user row: menu visibility flags, per-action booleans, and the list of
// project statuses the user may see. The zero value denies everything.
type PermissionSet struct {
	Menus           map[string]bool `json:"menus,omitempty"`
	Actions         map[string]bool `json:"actions,omitempty"`
	VisibleStatuses []string        `json:"visible_statuses,omitempty"`
}

// CanSeeMenu reports whether a menu entry is visible.
func (p PermissionSet) CanSeeMenu(name string) bool {
	return p.Menus[name]
}

// Can reports whether an action is allowed.
func (p PermissionSet) Can(action string) bool {
	return p.Actions[action]
}

// Principal is an authenticated actor. It is rebuilt from the persistence
// layer on every verified request so role and permission edits take effect
// immediately, never cached across requests.
type Principal struct {
	ID          string
	Email       string
	Name        string
	Role        Role
	Permissions PermissionSet
}

// PrincipalFromUser projects a user row onto a Principal. Corrupt
// permission JSON degrades to the zero PermissionSet rather than blocking
// authentication.
func PrincipalFromUser(u *store.User) *Principal {
	p := &Principal{
		ID:    u.ID,
		Email: u.Email,
		Name:  u.Name,
		Role:  Role(u.Role),
	}
	if len(u.Permissions) > 0 {
		_ = json.Unmarshal(u.Permissions, &p.Permissions)
	}
	return p
}
