package shared

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	wrapped := fmt.Errorf("documents: send: %w", NewConflictError("already sent", "SENT"))
	require.ErrorIs(t, wrapped, ErrConflict)
	var conflict *ConflictError
	require.ErrorAs(t, wrapped, &conflict)
	require.Equal(t, "SENT", conflict.CurrentState)

	cause := errors.New("serialization failure")
	require.ErrorIs(t, &ConflictError{Reason: "contended", Err: cause}, cause)

	require.ErrorIs(t, NewValidationError("amount must be positive"), ErrValidation)
	require.ErrorIs(t, NewNotFoundError("document", "d-1"), ErrNotFound)
	require.ErrorIs(t, NewAuthorizationError("nope", false), ErrForbidden)
	require.NotErrorIs(t, NewValidationError("x"), ErrConflict)
}

func TestUserSafeMessage(t *testing.T) {
	require.Equal(t, "", UserSafeMessage(nil))
	require.Equal(t, ErrNotFound.Error(), UserSafeMessage(NewAuthorizationError("other org", true)))
	require.Equal(t, "internal error", UserSafeMessage(errors.New("pq: connection reset")))
	require.Contains(t, UserSafeMessage(NewValidationError("memo is required")), "memo is required")
}

func TestIdentityGuards(t *testing.T) {
	accountant := Identity{UID: "u-1", Role: RoleAccountant, OrgID: "org-1"}
	client := Identity{UID: "c-1", Role: RoleClient, OrgID: "org-1"}

	require.NoError(t, accountant.RequireMutate("org-1"))
	var authErr *AuthorizationError
	require.ErrorAs(t, accountant.RequireMutate("org-2"), &authErr)
	require.True(t, authErr.CrossTenant)
	require.ErrorAs(t, client.RequireMutate("org-1"), &authErr)
	require.False(t, authErr.CrossTenant)

	require.NoError(t, client.RequireRead("org-1", "c-1"))
	require.ErrorAs(t, client.RequireRead("org-1", "c-2"), &authErr)
	require.True(t, authErr.CrossTenant)
	require.Error(t, Identity{UID: "x", Role: "guest", OrgID: "org-1"}.RequireRead("org-1", "x"))

	require.Equal(t, RoleAdmin, ParseRole("  ADMIN "))
	ctx := ContextWithIdentity(context.Background(), accountant)
	got, ok := IdentityFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, accountant, got)
	_, ok = IdentityFromContext(context.Background())
	require.False(t, ok)
}

func TestRolePermissions(t *testing.T) {
	require.Contains(t, RolePermissions(RoleAdmin), PermPeriodReopen)
	require.NotContains(t, RolePermissions(RoleAccountant), PermPeriodReopen)
	require.Equal(t, []string{PermPortalView}, RolePermissions(RoleClient))
	require.Empty(t, RolePermissions("guest"))
}

func TestValidatePeriodTransition(t *testing.T) {
	cases := []struct {
		from, to string
		elevated bool
		ok       bool
	}{
		{PeriodStatusOpen, PeriodStatusClosed, false, true},
		{PeriodStatusClosed, PeriodStatusOpen, true, true},
		{PeriodStatusClosed, PeriodStatusOpen, false, false},
		{PeriodStatusClosed, PeriodStatusClosed, true, false},
		{PeriodStatusOpen, PeriodStatusOpen, true, false},
		{"LOCKED", PeriodStatusOpen, true, false},
	}
	for _, tc := range cases {
		err := ValidatePeriodTransition(tc.from, tc.to, tc.elevated)
		if tc.ok {
			require.NoError(t, err, "%s→%s", tc.from, tc.to)
		} else {
			require.ErrorIs(t, err, ErrInvalidPeriodTransition, "%s→%s", tc.from, tc.to)
		}
	}
}

func TestResolveIdempotencyKey(t *testing.T) {
	key, err := ResolveIdempotencyKey(" hdr-1 ", "body-1")
	require.NoError(t, err)
	require.Equal(t, "hdr-1", key)

	key, err = ResolveIdempotencyKey("", "body-1")
	require.NoError(t, err)
	require.Equal(t, "body-1", key)

	for _, bad := range []string{"", "has space", strings.Repeat("k", 129), "tab\tkey"} {
		_, err := ResolveIdempotencyKey("", bad)
		require.ErrorIs(t, err, ErrValidation, bad)
	}
}

func TestNormalizePage(t *testing.T) {
	limit, offset := NormalizePage(0, -5)
	require.Equal(t, 50, limit)
	require.Equal(t, 0, offset)
	limit, offset = NormalizePage(10000, 20)
	require.Equal(t, 500, limit)
	require.Equal(t, 20, offset)
}
