package shared

import (
	"context"
	"strings"
)

// Role is the coarse role supplied by the identity provider.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleAccountant Role = "accountant"
	RoleClient     Role = "client"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	UID   string
	Role  Role
	OrgID string
}

// ParseRole normalises a raw role string.
func ParseRole(raw string) Role {
	return Role(strings.ToLower(strings.TrimSpace(raw)))
}

// CanMutate reports whether the identity may run mutating ledger operations.
func (i Identity) CanMutate() bool {
	return i.Role == RoleAdmin || i.Role == RoleAccountant
}

// IsElevated reports whether the identity may reopen closed periods.
func (i Identity) IsElevated() bool {
	return i.Role == RoleAdmin
}

// RequireMutate returns an AuthorizationError unless the identity may mutate
// data of the given organisation.
func (i Identity) RequireMutate(orgID string) error {
	if i.OrgID == "" || i.OrgID != orgID {
		return NewAuthorizationError("organisation mismatch", true)
	}
	if !i.CanMutate() {
		return NewAuthorizationError("role "+string(i.Role)+" cannot modify ledger data", false)
	}
	return nil
}

// RequireRead returns an AuthorizationError unless the identity may read a
// record of orgID owned by ownerUID. Clients only read their own records.
func (i Identity) RequireRead(orgID, ownerUID string) error {
	if i.OrgID == "" || i.OrgID != orgID {
		return NewAuthorizationError("organisation mismatch", true)
	}
	switch i.Role {
	case RoleAdmin, RoleAccountant:
		return nil
	case RoleClient:
		if ownerUID != "" && ownerUID == i.UID {
			return nil
		}
		return NewAuthorizationError("client does not own record", true)
	default:
		return NewAuthorizationError("unknown role", false)
	}
}

type identityContextKey struct{}

// ContextWithIdentity stores the identity in context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the identity from context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}
