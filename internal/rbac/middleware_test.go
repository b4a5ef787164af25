package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/studioledger/studioledger/internal/shared"
)

func serve(t *testing.T, mw func(http.Handler) http.Handler, id *shared.Identity) int {
	t.Helper()
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if id != nil {
		req = req.WithContext(shared.ContextWithIdentity(req.Context(), *id))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr.Code
}

func TestRequireAnyByRole(t *testing.T) {
	m := Middleware{Service: NewService()}
	edit := m.RequireAny(shared.PermLedgerEdit)

	require.Equal(t, http.StatusNoContent, serve(t, edit, &shared.Identity{UID: "u1", Role: shared.RoleAccountant, OrgID: "org"}))
	require.Equal(t, http.StatusForbidden, serve(t, edit, &shared.Identity{UID: "c1", Role: shared.RoleClient, OrgID: "org"}))
	require.Equal(t, http.StatusUnauthorized, serve(t, edit, nil))
}

func TestRequireAllNeedsEveryPermission(t *testing.T) {
	m := Middleware{Service: NewService()}
	reopen := m.RequireAll(shared.PermPeriodClose, shared.PermPeriodReopen)

	require.Equal(t, http.StatusNoContent, serve(t, reopen, &shared.Identity{UID: "a1", Role: shared.RoleAdmin, OrgID: "org"}))
	require.Equal(t, http.StatusForbidden, serve(t, reopen, &shared.Identity{UID: "u1", Role: shared.RoleAccountant, OrgID: "org"}))
}

func TestGrantExtendsRole(t *testing.T) {
	svc := NewService()
	svc.Grant(shared.RoleAccountant, " LEDGER.PERIOD.REOPEN ")
	m := Middleware{Service: svc}

	code := serve(t, m.RequireAny(shared.PermPeriodReopen), &shared.Identity{UID: "u1", Role: shared.RoleAccountant, OrgID: "org"})
	require.Equal(t, http.StatusNoContent, code)
}

func TestNormalizePermissionsDedupes(t *testing.T) {
	require.Equal(t, []string{"ledger.view"}, normalizePermissions([]string{" Ledger.View", "ledger.view", ""}))
}
