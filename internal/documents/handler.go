package documents

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/studioledger/studioledger/internal/money"
	"github.com/studioledger/studioledger/internal/platform/httpx"
	"github.com/studioledger/studioledger/internal/rbac"
	"github.com/studioledger/studioledger/internal/shared"
)

type documentService interface {
	Create(ctx context.Context, actor shared.Identity, in CreateInput) (Document, error)
	UpdateDraft(ctx context.Context, actor shared.Identity, id string, in UpdateInput) (Document, error)
	Send(ctx context.Context, actor shared.Identity, id string) (Document, error)
	Cancel(ctx context.Context, actor shared.Identity, id, reason string) (Document, error)
	Void(ctx context.Context, actor shared.Identity, id, reason string) (Document, error)
	Accept(ctx context.Context, actor shared.Identity, id, note string) (Document, error)
	Reject(ctx context.Context, actor shared.Identity, id, note string) (Document, error)
	Convert(ctx context.Context, actor shared.Identity, id string, in ConvertInput) (Document, error)
	Get(ctx context.Context, actor shared.Identity, id string) (Document, error)
	List(ctx context.Context, actor shared.Identity, filter ListFilter) ([]Document, error)
}

// Notifier is told about documents that were just issued so rendering and
// delivery can happen out of band.
type Notifier interface {
	NotifyIssued(ctx context.Context, doc Document) error
}

// Handler exposes the document lifecycle over JSON.
type Handler struct {
	logger   *slog.Logger
	service  documentService
	validate *validator.Validate
	rbac     rbac.Middleware
	notifier Notifier
	extras   []func(Kind, chi.Router)
}

// NewHandler constructs the document HTTP handler. notifier may be nil.
func NewHandler(logger *slog.Logger, service documentService, validate *validator.Validate, rbac rbac.Middleware, notifier Notifier) *Handler {
	if validate == nil {
		validate = validator.New()
	}
	return &Handler{logger: logger, service: service, validate: validate, rbac: rbac, notifier: notifier}
}

// Extend registers additional routes under every document prefix, e.g.
// /invoices/{id}/payments.
func (h *Handler) Extend(mount func(kind Kind, r chi.Router)) {
	h.extras = append(h.extras, mount)
}

// Routes maps URL prefixes to the document kind they serve.
var Routes = map[string]Kind{
	"/invoices": KindInvoice,
	"/quotes":   KindQuote,
	"/bills":    KindBill,
	"/payslips": KindPayslip,
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	for prefix, kind := range Routes {
		r.Route(prefix, func(r chi.Router) {
			r.With(h.rbac.RequireAny(shared.PermLedgerView, shared.PermPortalView)).Get("/", h.list(kind))
			r.With(h.rbac.RequireAny(shared.PermLedgerView, shared.PermPortalView)).Get("/{id}", h.get(kind))
			r.With(h.rbac.RequireAll(shared.PermLedgerEdit)).Post("/", h.create(kind))
			r.Group(func(r chi.Router) {
				r.Use(h.rbac.RequireAll(shared.PermLedgerEdit), h.requireKind(kind))
				r.Put("/{id}", h.update)
				r.Post("/{id}/send", h.send)
				r.Post("/{id}/cancel", h.cancel)
				r.Post("/{id}/void", h.void)
				if kind == KindQuote || kind == KindInvoice {
					r.Post("/{id}/accept", h.decide(true))
					r.Post("/{id}/reject", h.decide(false))
					r.Post("/{id}/convert", h.convert)
				}
			})
			for _, mount := range h.extras {
				mount(kind, r)
			}
		})
	}
}

type lineItemRequest struct {
	Description string          `json:"description" validate:"required,max=500"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	TaxRate     decimal.Decimal `json:"taxRate"`
	Category    string          `json:"category" validate:"max=100"`
}

type discountRequest struct {
	Mode  string          `json:"mode" validate:"omitempty,oneof=PERCENT AMOUNT"`
	Value decimal.Decimal `json:"value"`
}

type createRequest struct {
	Type      string            `json:"type" validate:"omitempty,oneof=BUDGET FINAL"`
	ClientID  string            `json:"clientId" validate:"required,max=128"`
	Items     []lineItemRequest `json:"items" validate:"required,min=1,dive"`
	Discount  *discountRequest  `json:"discount"`
	TaxMode   string            `json:"taxMode" validate:"omitempty,oneof=EXCLUSIVE INCLUSIVE"`
	Shipping  *decimal.Decimal  `json:"shipping"`
	IssueDate string            `json:"issueDate" validate:"omitempty,datetime=2006-01-02"`
	DueDate   string            `json:"dueDate" validate:"omitempty,datetime=2006-01-02"`
	Notes     string            `json:"notes" validate:"max=2000"`
}

type updateRequest struct {
	ClientID  *string           `json:"clientId" validate:"omitempty,max=128"`
	Items     []lineItemRequest `json:"items" validate:"omitempty,min=1,dive"`
	Discount  *discountRequest  `json:"discount"`
	TaxMode   *string           `json:"taxMode" validate:"omitempty,oneof=EXCLUSIVE INCLUSIVE"`
	Shipping  *decimal.Decimal  `json:"shipping"`
	IssueDate string            `json:"issueDate" validate:"omitempty,datetime=2006-01-02"`
	DueDate   string            `json:"dueDate" validate:"omitempty,datetime=2006-01-02"`
	Notes     *string           `json:"notes" validate:"omitempty,max=2000"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type convertRequest struct {
	IssueDate string `json:"issueDate" validate:"omitempty,datetime=2006-01-02"`
	DueDate   string `json:"dueDate" validate:"omitempty,datetime=2006-01-02"`
}

func toItems(in []lineItemRequest) []money.LineItem {
	if in == nil {
		return nil
	}
	items := make([]money.LineItem, len(in))
	for i, it := range in {
		items[i] = money.LineItem{
			Description: strings.TrimSpace(it.Description),
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			TaxRate:     it.TaxRate,
			Category:    strings.TrimSpace(it.Category),
		}
	}
	return items
}

func toDiscount(in *discountRequest) money.Discount {
	if in == nil {
		return money.Discount{Mode: money.DiscountAmount}
	}
	return money.Discount{Mode: money.DiscountMode(in.Mode), Value: in.Value}
}

// ParseDate parses an optional YYYY-MM-DD value.
func ParseDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, shared.NewValidationError("date " + raw + " must be YYYY-MM-DD")
	}
	return &t, nil
}

func identity(r *http.Request) (shared.Identity, error) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		return shared.Identity{}, httpx.ErrUnauthorized
	}
	return id, nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := httpx.StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("document request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	} else {
		h.logger.Warn("document request rejected", slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

// matchKind hides documents of another kind behind a not found error.
func matchKind(doc Document, kind Kind, id string) error {
	if doc.Kind != kind {
		return shared.NewNotFoundError(strings.ToLower(string(kind)), id)
	}
	return nil
}

// requireKind refuses {id} routes whose document belongs to another prefix.
func (h *Handler) requireKind(kind Kind) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := identity(r)
			if err != nil {
				h.fail(w, r, err)
				return
			}
			id := chi.URLParam(r, "id")
			doc, err := h.service.Get(r.Context(), actor, id)
			if err == nil {
				err = matchKind(doc, kind, id)
			}
			if err != nil {
				h.fail(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func idField(kind Kind) string {
	return strings.ToLower(string(kind)) + "Id"
}

func (h *Handler) create(kind Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := identity(r)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		var req createRequest
		if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
			h.fail(w, r, err)
			return
		}
		issue, err := ParseDate(req.IssueDate)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		due, err := ParseDate(req.DueDate)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		in := CreateInput{
			Kind:      kind,
			Subtype:   Subtype(req.Type),
			ClientID:  req.ClientID,
			Items:     toItems(req.Items),
			Discount:  toDiscount(req.Discount),
			TaxMode:   money.TaxMode(req.TaxMode),
			IssueDate: issue,
			DueDate:   due,
			Notes:     req.Notes,
		}
		if req.Shipping != nil {
			in.Shipping = *req.Shipping
		}
		doc, err := h.service.Create(r.Context(), actor, in)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.Success(w, http.StatusCreated, map[string]any{
			idField(kind): doc.ID,
			"document":    doc,
		})
	}
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	actor, err := identity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req updateRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	in := UpdateInput{ClientID: req.ClientID, Items: toItems(req.Items), Shipping: req.Shipping, Notes: req.Notes}
	if req.Discount != nil {
		d := toDiscount(req.Discount)
		in.Discount = &d
	}
	if req.TaxMode != nil {
		mode := money.TaxMode(*req.TaxMode)
		in.TaxMode = &mode
	}
	if in.IssueDate, err = ParseDate(req.IssueDate); err != nil {
		h.fail(w, r, err)
		return
	}
	if in.DueDate, err = ParseDate(req.DueDate); err != nil {
		h.fail(w, r, err)
		return
	}
	doc, err := h.service.UpdateDraft(r.Context(), actor, chi.URLParam(r, "id"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.Success(w, http.StatusOK, map[string]any{"document": doc})
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	actor, err := identity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	doc, err := h.service.Send(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if h.notifier != nil {
		if err := h.notifier.NotifyIssued(r.Context(), doc); err != nil {
			h.logger.Error("enqueue document notification", slog.String("document_id", doc.ID), slog.Any("error", err))
		}
	}
	httpx.Success(w, http.StatusOK, map[string]any{
		"number":    doc.Number,
		"newStatus": doc.Status,
		"document":  doc,
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.withReason(w, r, h.service.Cancel)
}

func (h *Handler) void(w http.ResponseWriter, r *http.Request) {
	h.withReason(w, r, h.service.Void)
}

func (h *Handler) decide(accept bool) http.HandlerFunc {
	if accept {
		return func(w http.ResponseWriter, r *http.Request) { h.withReason(w, r, h.service.Accept) }
	}
	return func(w http.ResponseWriter, r *http.Request) { h.withReason(w, r, h.service.Reject) }
}

func (h *Handler) withReason(w http.ResponseWriter, r *http.Request, op func(context.Context, shared.Identity, string, string) (Document, error)) {
	actor, err := identity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req reasonRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	doc, err := op(r.Context(), actor, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.Success(w, http.StatusOK, map[string]any{"newStatus": doc.Status, "document": doc})
}

func (h *Handler) convert(w http.ResponseWriter, r *http.Request) {
	actor, err := identity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req convertRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	var in ConvertInput
	if in.IssueDate, err = ParseDate(req.IssueDate); err != nil {
		h.fail(w, r, err)
		return
	}
	if in.DueDate, err = ParseDate(req.DueDate); err != nil {
		h.fail(w, r, err)
		return
	}
	doc, err := h.service.Convert(r.Context(), actor, chi.URLParam(r, "id"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.Success(w, http.StatusCreated, map[string]any{"invoiceId": doc.ID, "document": doc})
}

func (h *Handler) get(kind Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := identity(r)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		id := chi.URLParam(r, "id")
		doc, err := h.service.Get(r.Context(), actor, id)
		if err == nil {
			err = matchKind(doc, kind, id)
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.Success(w, http.StatusOK, map[string]any{"document": doc})
	}
}

func (h *Handler) list(kind Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := identity(r)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		q := r.URL.Query()
		filter := ListFilter{Kind: kind, ClientID: strings.TrimSpace(q.Get("clientId"))}
		for _, raw := range q["status"] {
			for _, st := range strings.Split(raw, ",") {
				if st = strings.ToUpper(strings.TrimSpace(st)); st != "" {
					filter.Statuses = append(filter.Statuses, Status(st))
				}
			}
		}
		if filter.From, err = ParseDate(q.Get("from")); err != nil {
			h.fail(w, r, err)
			return
		}
		if filter.To, err = ParseDate(q.Get("to")); err != nil {
			h.fail(w, r, err)
			return
		}
		if q.Get("limit") != "" || q.Get("offset") != "" {
			limit, _ := strconv.Atoi(q.Get("limit"))
			offset, _ := strconv.Atoi(q.Get("offset"))
			filter.Limit, filter.Offset = shared.NormalizePage(limit, offset)
		}
		docs, err := h.service.List(r.Context(), actor, filter)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if docs == nil {
			docs = []Document{}
		}
		httpx.Success(w, http.StatusOK, map[string]any{"documents": docs})
	}
}
