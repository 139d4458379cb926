package authz

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/platinummonkey/beacon/pkg/activity"
	"github.com/platinummonkey/beacon/pkg/contextkeys"
)

// Role is the coarse privilege level of a caller
type Role string

const (
	RoleAnonymous  Role = "anonymous"
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// ParseRole parses a role name. Unknown names map to RoleUser so a typo never
// grants privilege.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleSuperAdmin:
		return RoleSuperAdmin
	case "", RoleAnonymous:
		return RoleAnonymous
	default:
		return RoleUser
	}
}

// Principal identifies the caller of an operation
type Principal struct {
	UserID string `json:"userId,omitempty"`
	Role   Role   `json:"role"`
}

// Anonymous returns the principal used when no identity is present
func Anonymous() Principal {
	return Principal{Role: RoleAnonymous}
}

// Authenticated reports whether the principal carries a user id
func (p Principal) Authenticated() bool {
	return p.UserID != ""
}

// Privileged reports whether the principal may read system-wide data
func (p Principal) Privileged() bool {
	return p.Role == RoleAdmin || p.Role == RoleSuperAdmin
}

// IsSuperAdmin reports whether the principal holds the destructive-operations role
func (p Principal) IsSuperAdmin() bool {
	return p.Role == RoleSuperAdmin
}

func (p Principal) String() string {
	if !p.Authenticated() {
		return string(p.Role)
	}
	return fmt.Sprintf("%s(%s)", p.UserID, p.Role)
}

// Capability names an operation gated by the authorizer
type Capability string

const (
	CapIngest          Capability = "activity:write"
	CapAnalyticsRead   Capability = "analytics:read"
	CapAnalyticsQuery  Capability = "analytics:query"
	CapRetentionRead   Capability = "retention:read"
	CapRetentionManage Capability = "retention:manage"
	CapRetentionPurge  Capability = "retention:purge"
)

// Authorizer resolves callers and answers capability checks. The RBAC model
// behind it lives outside this service.
type Authorizer interface {
	// Identify extracts the caller from a request. It never fails for a
	// missing identity; it returns Anonymous instead.
	Identify(r *http.Request) (Principal, error)

	// Allowed reports whether p holds capability c
	Allowed(ctx context.Context, p Principal, c Capability) bool
}

// RoleTable maps capabilities to the minimum role that holds them
type RoleTable map[Capability][]Role

// DefaultRoleTable grants read access to any authenticated user and retention
// management to admins. Purge is super admin only.
func DefaultRoleTable() RoleTable {
	return RoleTable{
		CapIngest:          {RoleAnonymous, RoleUser, RoleAdmin, RoleSuperAdmin},
		CapAnalyticsRead:   {RoleUser, RoleAdmin, RoleSuperAdmin},
		CapAnalyticsQuery:  {RoleUser, RoleAdmin, RoleSuperAdmin},
		CapRetentionRead:   {RoleAdmin, RoleSuperAdmin},
		CapRetentionManage: {RoleAdmin, RoleSuperAdmin},
		CapRetentionPurge:  {RoleSuperAdmin},
	}
}

// Allows reports whether role holds c
func (t RoleTable) Allows(role Role, c Capability) bool {
	for _, r := range t[c] {
		if r == role {
			return true
		}
	}
	return false
}

// HeaderAuthorizer trusts identity headers set by an upstream gateway
type HeaderAuthorizer struct {
	UserHeader string
	RoleHeader string
	Table      RoleTable
}

// NewHeaderAuthorizer creates an authorizer reading X-User-ID and X-User-Role
func NewHeaderAuthorizer() *HeaderAuthorizer {
	return &HeaderAuthorizer{
		UserHeader: "X-User-ID",
		RoleHeader: "X-User-Role",
		Table:      DefaultRoleTable(),
	}
}

var _ Authorizer = (*HeaderAuthorizer)(nil)

// Identify reads the identity headers
func (a *HeaderAuthorizer) Identify(r *http.Request) (Principal, error) {
	userID := strings.TrimSpace(r.Header.Get(a.UserHeader))
	role := ParseRole(r.Header.Get(a.RoleHeader))
	if userID == "" {
		if role != RoleAnonymous {
			return Principal{}, &activity.AuthorizationError{Reason: "role supplied without a user id"}
		}
		return Anonymous(), nil
	}
	if role == RoleAnonymous {
		role = RoleUser
	}
	return Principal{UserID: userID, Role: role}, nil
}

// Allowed checks the role table
func (a *HeaderAuthorizer) Allowed(_ context.Context, p Principal, c Capability) bool {
	return a.Table.Allows(p.Role, c)
}

// FromContext returns the principal stored in ctx, or Anonymous
func FromContext(ctx context.Context) Principal {
	if p, ok := ctx.Value(contextkeys.PrincipalKey).(Principal); ok {
		return p
	}
	return Anonymous()
}

// WithPrincipal stores p in ctx
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = contextkeys.WithPrincipal(ctx, p)
	if p.Authenticated() {
		ctx = contextkeys.WithUserID(ctx, p.UserID)
	}
	return ctx
}

// Require returns an AuthorizationError unless p holds c
func Require(ctx context.Context, a Authorizer, p Principal, c Capability) error {
	if a.Allowed(ctx, p, c) {
		return nil
	}
	return &activity.AuthorizationError{Reason: fmt.Sprintf("%s lacks %s", p, c)}
}
