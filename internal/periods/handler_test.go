package periods

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/studioledger/studioledger/internal/documents"
	"github.com/studioledger/studioledger/internal/rbac"
	"github.com/studioledger/studioledger/internal/shared"
)

func newTestRouter(f fixture) http.Handler {
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), f.svc, nil, rbac.Middleware{Service: rbac.NewService()})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if uid := req.Header.Get("X-Test-UID"); uid != "" {
				id := shared.Identity{UID: uid, Role: shared.ParseRole(req.Header.Get("X-Test-Role")), OrgID: "org-1"}
				req = req.WithContext(shared.ContextWithIdentity(req.Context(), id))
			}
			next.ServeHTTP(w, req)
		})
	})
	h.MountRoutes(r)
	return r
}

func call(t *testing.T, router http.Handler, method, path string, who shared.Identity, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Test-UID", who.UID)
	req.Header.Set("X-Test-Role", string(who.Role))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	out := map[string]any{}
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	}
	return rr.Code, out
}

func TestClosePeriodOverHTTP(t *testing.T) {
	f := newFixture()
	f.docs.docs = []documents.Document{doc("inv-draft", documents.KindInvoice, documents.StatusDraft, day(2025, 3, 14))}
	router := newTestRouter(f)

	code, out := call(t, router, http.MethodPost, "/periods/close", accountant, map[string]any{"year": 2025, "month": 3})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, []any{"DRAFT_DOCUMENTS"}, out["failedChecks"])

	code, out = call(t, router, http.MethodGet, "/periods/2025/3/checks", accountant, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, []any{"DRAFT_DOCUMENTS"}, out["failedChecks"])

	code, out = call(t, router, http.MethodPost, "/periods/close", accountant, map[string]any{"year": 2025, "month": 3, "checklistAck": true})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "success", out["status"])
	period := out["period"].(map[string]any)
	require.Equal(t, "CLOSED", period["status"])

	code, out = call(t, router, http.MethodPost, "/periods/close", accountant, map[string]any{"year": 2025, "month": 3, "checklistAck": true})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "CLOSED", out["currentState"])

	code, _ = call(t, router, http.MethodPost, "/periods/close", client, map[string]any{"year": 2025, "month": 4})
	require.Equal(t, http.StatusForbidden, code)

	code, _ = call(t, router, http.MethodGet, "/periods/2025/3", client, nil)
	require.Equal(t, http.StatusForbidden, code)

	code, out = call(t, router, http.MethodGet, "/periods?year=2025", accountant, nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, out["periods"], 1)
}

func TestReopenPeriodOverHTTP(t *testing.T) {
	f := newFixture()
	router := newTestRouter(f)

	code, _ := call(t, router, http.MethodPost, "/periods/close", accountant, map[string]any{"year": 2025, "month": 3})
	require.Equal(t, http.StatusOK, code)

	code, _ = call(t, router, http.MethodPost, "/periods/reopen", accountant, map[string]any{"year": 2025, "month": 3, "reason": "late bill"})
	require.Equal(t, http.StatusForbidden, code)

	code, _ = call(t, router, http.MethodPost, "/periods/reopen", admin, map[string]any{"year": 2025, "month": 3})
	require.Equal(t, http.StatusBadRequest, code)

	code, out := call(t, router, http.MethodPost, "/periods/reopen", admin, map[string]any{"year": 2025, "month": 3, "reason": "late bill"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "OPEN", out["period"].(map[string]any)["status"])
}

func TestAdjustmentsOverHTTP(t *testing.T) {
	f := newFixture()
	router := newTestRouter(f)
	body := map[string]any{
		"year":  2025,
		"month": 3,
		"memo":  "reclass software spend",
		"lines": []map[string]any{
			{"bucket": "EXPENSE", "amount": "-80.00"},
			{"bucket": "PAYROLL", "amount": "80.00"},
		},
	}

	code, out := call(t, router, http.MethodPost, "/adjustments", accountant, body)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "OPEN", out["currentState"])

	code, _ = call(t, router, http.MethodPost, "/periods/close", accountant, map[string]any{"year": 2025, "month": 3})
	require.Equal(t, http.StatusOK, code)

	code, out = call(t, router, http.MethodPost, "/adjustments", accountant, body)
	require.Equal(t, http.StatusCreated, code)
	id := out["adjustmentId"].(string)

	code, out = call(t, router, http.MethodPost, "/adjustments/"+id+"/publish", accountant, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "JV-2025-0001", out["number"])

	code, _ = call(t, router, http.MethodPost, "/adjustments/"+id+"/void", accountant, map[string]any{})
	require.Equal(t, http.StatusBadRequest, code)

	code, out = call(t, router, http.MethodPost, "/adjustments/"+id+"/void", accountant, map[string]any{"reason": "wrong bucket"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "VOID", out["adjustment"].(map[string]any)["status"])

	code, out = call(t, router, http.MethodGet, "/periods/2025/3/adjustments", accountant, nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, out["adjustments"], 1)

	code, _ = call(t, router, http.MethodGet, "/adjustments/missing", accountant, nil)
	require.Equal(t, http.StatusNotFound, code)
}
