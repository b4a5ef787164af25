package periods

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/studioledger/studioledger/internal/platform/httpx"
	"github.com/studioledger/studioledger/internal/rbac"
	"github.com/studioledger/studioledger/internal/shared"
)

type periodService interface {
	Get(ctx context.Context, actor shared.Identity, year, month int) (Period, error)
	List(ctx context.Context, actor shared.Identity, year int) ([]Period, error)
	Checks(ctx context.Context, actor shared.Identity, year, month int) ([]CheckResult, error)
	Close(ctx context.Context, actor shared.Identity, year, month int, ack bool) (Period, error)
	Reopen(ctx context.Context, actor shared.Identity, year, month int, reason string) (Period, error)
	CreateAdjustment(ctx context.Context, actor shared.Identity, in AdjustmentInput) (JournalAdjustment, error)
	PublishAdjustment(ctx context.Context, actor shared.Identity, id string) (JournalAdjustment, error)
	VoidAdjustment(ctx context.Context, actor shared.Identity, id, reason string) (JournalAdjustment, error)
	GetAdjustment(ctx context.Context, actor shared.Identity, id string) (JournalAdjustment, error)
	ListAdjustments(ctx context.Context, actor shared.Identity, year, month int) ([]JournalAdjustment, error)
}

// Handler exposes period close and journal adjustments over JSON.
type Handler struct {
	logger   *slog.Logger
	service  periodService
	validate *validator.Validate
	rbac     rbac.Middleware
}

// NewHandler constructs the periods HTTP handler.
func NewHandler(logger *slog.Logger, service periodService, validate *validator.Validate, rbac rbac.Middleware) *Handler {
	if validate == nil {
		validate = validator.New()
	}
	return &Handler{logger: logger, service: service, validate: validate, rbac: rbac}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/periods", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAll(shared.PermLedgerView))
			r.Get("/", h.list)
			r.Get("/{year}/{month}", h.get)
			r.Get("/{year}/{month}/checks", h.checks)
			r.Get("/{year}/{month}/adjustments", h.listAdjustments)
		})
		r.With(h.rbac.RequireAll(shared.PermPeriodClose)).Post("/close", h.close)
		r.With(h.rbac.RequireAll(shared.PermPeriodReopen)).Post("/reopen", h.reopen)
	})
	r.Route("/adjustments", func(r chi.Router) {
		r.With(h.rbac.RequireAll(shared.PermLedgerView)).Get("/{id}", h.getAdjustment)
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAll(shared.PermLedgerEdit))
			r.Post("/", h.createAdjustment)
			r.Post("/{id}/publish", h.publishAdjustment)
			r.Post("/{id}/void", h.voidAdjustment)
		})
	})
}

type closeRequest struct {
	Year         int  `json:"year" validate:"required"`
	Month        int  `json:"month" validate:"required,min=1,max=12"`
	ChecklistAck bool `json:"checklistAck"`
}

type reopenRequest struct {
	Year   int    `json:"year" validate:"required"`
	Month  int    `json:"month" validate:"required,min=1,max=12"`
	Reason string `json:"reason" validate:"max=500"`
}

type adjustmentRequest struct {
	Year  int              `json:"year" validate:"required"`
	Month int              `json:"month" validate:"required,min=1,max=12"`
	Memo  string           `json:"memo" validate:"max=500"`
	Lines []AdjustmentLine `json:"lines" validate:"required,min=1"`
}

type voidRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func identity(r *http.Request) (shared.Identity, error) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		return shared.Identity{}, httpx.ErrUnauthorized
	}
	return id, nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status := httpx.StatusFor(err); status >= http.StatusInternalServerError {
		h.logger.Error("period request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	} else {
		h.logger.Warn("period request rejected", slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func yearMonth(r *http.Request) (int, int, error) {
	year, yerr := strconv.Atoi(chi.URLParam(r, "year"))
	month, merr := strconv.Atoi(chi.URLParam(r, "month"))
	if yerr != nil || merr != nil {
		return 0, 0, shared.NewValidationError("year and month must be numeric")
	}
	return year, month, nil
}

func (h *Handler) close(w http.ResponseWriter, r *http.Request) {
	actor, err := identity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req closeRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.service.Close(r.Context(), actor, req.Year, req.Month, req.ChecklistAck)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.Success(w, http.StatusOK, map[string]any{"period": p})
}

func (h *Handler) reopen(w http.ResponseWriter, r *http.Request) {
	actor, err := identity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req reopenRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.service.Reopen(r.Context(), actor, req.Year, req.Month, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.Success(w, http.StatusOK, map[string]any{"period": p})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, err := identity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	year, err := strconv.Atoi(r.URL.Query().Get("year"))
	if err != nil {
		h.fail(w, r, shared.NewValidationError("year query parameter is required"))
		return
	}
	items, err := h.service.List(r.Context(), actor, year)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if items == nil {
		items = []Period{}
	}
	httpx.Success(w, http.StatusOK, map[string]any{"periods": items})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	actor, err := identity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	year, month, err := yearMonth(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.service.Get(r.Context(), actor, year, month)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.Success(w, http.StatusOK, map[string]any{"period": p})
}

func (h *Handler) checks(w http.ResponseWriter, r *http.Request) {
	actor, err := identity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	year, month, err := yearMonth(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	results, err := h.service.Checks(r.Context(), actor, year, month)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	failing := []string{}
	for _, c := range results {
		if !c.Passed {
			failing = append(failing, string(c.Code))
		}
	}
	httpx.Success(w, http.StatusOK, map[string]any{"checks": results, "failedChecks": failing})
}

func (h *Handler) listAdjustments(w http.ResponseWriter, r *http.Request) {
	actor, err := identity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	year, month, err := yearMonth(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items, err := h.service.ListAdjustments(r.Context(), actor, year, month)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if items == nil {
		items = []JournalAdjustment{}
	}
	httpx.Success(w, http.StatusOK, map[string]any{"adjustments": items})
}

func (h *Handler) getAdjustment(w http.ResponseWriter, r *http.Request) {
	actor, err := identity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	j, err := h.service.GetAdjustment(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.Success(w, http.StatusOK, map[string]any{"adjustment": j})
}

func (h *Handler) createAdjustment(w http.ResponseWriter, r *http.Request) {
	actor, err := identity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req adjustmentRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	j, err := h.service.CreateAdjustment(r.Context(), actor, AdjustmentInput{
		Year:  req.Year,
		Month: req.Month,
		Lines: req.Lines,
		Memo:  req.Memo,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.Success(w, http.StatusCreated, map[string]any{"adjustmentId": j.ID, "adjustment": j})
}

func (h *Handler) publishAdjustment(w http.ResponseWriter, r *http.Request) {
	actor, err := identity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	j, err := h.service.PublishAdjustment(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.Success(w, http.StatusOK, map[string]any{"number": j.Number, "adjustment": j})
}

func (h *Handler) voidAdjustment(w http.ResponseWriter, r *http.Request) {
	actor, err := identity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req voidRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	j, err := h.service.VoidAdjustment(r.Context(), actor, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.Success(w, http.StatusOK, map[string]any{"adjustment": j})
}
