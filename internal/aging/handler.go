package aging

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/studioledger/studioledger/internal/documents"
	"github.com/studioledger/studioledger/internal/platform/httpx"
	"github.com/studioledger/studioledger/internal/rbac"
	"github.com/studioledger/studioledger/internal/shared"
)

type reportService interface {
	Report(ctx context.Context, actor shared.Identity, side Side, asOf *time.Time) (Report, error)
}

// Handler exposes aging reports.
type Handler struct {
	logger  *slog.Logger
	service reportService
	rbac    rbac.Middleware
}

// NewHandler constructs the aging HTTP handler.
func NewHandler(logger *slog.Logger, service reportService, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.RequireAll(shared.PermLedgerView)).Get("/reports/aging", h.report)
}

func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	q := r.URL.Query()
	asOf, err := documents.ParseDate(q.Get("asOf"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	report, err := h.service.Report(r.Context(), actor, Side(q.Get("side")), asOf)
	if err != nil {
		if httpx.StatusFor(err) >= http.StatusInternalServerError {
			h.logger.Error("aging report failed", slog.String("org_id", actor.OrgID), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.Success(w, http.StatusOK, map[string]any{"report": report})
}
