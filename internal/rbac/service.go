package rbac

import (
	"context"
	"strings"

	"github.com/studioledger/studioledger/internal/shared"
)

// Service resolves permissions for an authenticated identity.
type Service struct {
	overrides map[shared.Role][]string
}

// NewService constructs a Service using the built-in role grants.
func NewService() *Service {
	return &Service{overrides: map[shared.Role][]string{}}
}

// Grant adds permissions to a role on top of the built-in grants.
func (s *Service) Grant(role shared.Role, perms ...string) {
	for _, p := range perms {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			s.overrides[role] = append(s.overrides[role], p)
		}
	}
}

// ListPermissions returns the permission catalogue.
func (s *Service) ListPermissions(context.Context) ([]Permission, error) {
	out := make([]Permission, len(catalogue))
	copy(out, catalogue)
	return out, nil
}

// EffectivePermissions returns the permissions granted to the identity.
func (s *Service) EffectivePermissions(_ context.Context, id shared.Identity) ([]string, error) {
	granted := append([]string(nil), shared.RolePermissions(id.Role)...)
	if s != nil {
		granted = append(granted, s.overrides[id.Role]...)
	}
	return granted, nil
}
