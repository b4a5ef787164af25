package payments

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/studioledger/studioledger/internal/documents"
	"github.com/studioledger/studioledger/internal/platform/httpx"
	"github.com/studioledger/studioledger/internal/rbac"
	"github.com/studioledger/studioledger/internal/shared"
)

type paymentService interface {
	RecordPayment(ctx context.Context, actor shared.Identity, in PaymentInput) (Result, error)
	ListPayments(ctx context.Context, actor shared.Identity, kind documents.Kind, documentID string) ([]Payment, error)
	RecordReceipt(ctx context.Context, actor shared.Identity, in ReceiptInput) (Receipt, bool, error)
	ApplyReceipt(ctx context.Context, actor shared.Identity, receiptID, documentID string) (Receipt, Result, error)
	GetReceipt(ctx context.Context, actor shared.Identity, id string) (Receipt, error)
	ListReceipts(ctx context.Context, actor shared.Identity, filter ReceiptFilter) ([]Receipt, error)
}

// Handler exposes payments and receipts over JSON.
type Handler struct {
	logger   *slog.Logger
	service  paymentService
	validate *validator.Validate
	rbac     rbac.Middleware
}

// NewHandler constructs the payments HTTP handler.
func NewHandler(logger *slog.Logger, service paymentService, validate *validator.Validate, rbac rbac.Middleware) *Handler {
	if validate == nil {
		validate = validator.New()
	}
	return &Handler{logger: logger, service: service, validate: validate, rbac: rbac}
}

// MountDocumentRoutes registers /{id}/payments under a document prefix.
// Estimates take no payments and get no routes.
func (h *Handler) MountDocumentRoutes(kind documents.Kind, r chi.Router) {
	if kind == documents.KindQuote {
		return
	}
	r.With(h.rbac.RequireAny(shared.PermLedgerView, shared.PermPortalView)).Get("/{id}/payments", h.listPayments(kind))
	r.With(h.rbac.RequireAll(shared.PermLedgerEdit)).Post("/{id}/payments", h.recordPayment(kind))
}

// MountRoutes registers receipt routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/receipts", func(r chi.Router) {
		r.With(h.rbac.RequireAny(shared.PermLedgerView, shared.PermPortalView)).Get("/", h.listReceipts)
		r.With(h.rbac.RequireAny(shared.PermLedgerView, shared.PermPortalView)).Get("/{id}", h.getReceipt)
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAll(shared.PermLedgerEdit))
			r.Post("/", h.recordReceipt)
			r.Post("/{id}/apply", h.applyReceipt)
		})
	})
}

type paymentRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	PaidAt         string          `json:"paidAt" validate:"omitempty,datetime=2006-01-02"`
	Method         string          `json:"method" validate:"omitempty,oneof=BANK_TRANSFER CASH CARD CHEQUE OTHER"`
	Reference      string          `json:"reference" validate:"max=200"`
	IdempotencyKey string          `json:"idempotencyKey" validate:"max=128"`
}

type receiptRequest struct {
	ClientID       string          `json:"clientId" validate:"required,max=128"`
	Amount         decimal.Decimal `json:"amount"`
	ReceivedAt     string          `json:"receivedAt" validate:"omitempty,datetime=2006-01-02"`
	Method         string          `json:"method" validate:"omitempty,oneof=BANK_TRANSFER CASH CARD CHEQUE OTHER"`
	Reference      string          `json:"reference" validate:"max=200"`
	IdempotencyKey string          `json:"idempotencyKey" validate:"max=128"`
}

type applyRequest struct {
	DocumentID string `json:"documentId" validate:"required,max=128"`
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
		h.logger.Error("payment request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	} else {
		h.logger.Warn("payment request rejected", slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func resultBody(res Result) map[string]any {
	return map[string]any{
		"paymentId": res.Payment.ID,
		"newStatus": res.Document.Status,
		"amountDue": res.Document.Totals.AmountDue.StringFixed(2),
		"replayed":  res.Replayed,
		"payment":   res.Payment,
	}
}

func (h *Handler) recordPayment(kind documents.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := identity(r)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		var req paymentRequest
		if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
			h.fail(w, r, err)
			return
		}
		key, err := shared.ResolveIdempotencyKey(r.Header.Get(shared.IdempotencyHeader), req.IdempotencyKey)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		paidAt, err := documents.ParseDate(req.PaidAt)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		res, err := h.service.RecordPayment(r.Context(), actor, PaymentInput{
			Kind:           kind,
			DocumentID:     chi.URLParam(r, "id"),
			Amount:         req.Amount,
			PaidAt:         paidAt,
			Method:         Method(req.Method),
			Reference:      req.Reference,
			IdempotencyKey: key,
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		status := http.StatusCreated
		if res.Replayed {
			status = http.StatusOK
		}
		httpx.Success(w, status, resultBody(res))
	}
}

func (h *Handler) listPayments(kind documents.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := identity(r)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		items, err := h.service.ListPayments(r.Context(), actor, kind, chi.URLParam(r, "id"))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if items == nil {
			items = []Payment{}
		}
		httpx.Success(w, http.StatusOK, map[string]any{"payments": items})
	}
}

func (h *Handler) recordReceipt(w http.ResponseWriter, r *http.Request) {
	actor, err := identity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req receiptRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	key, err := shared.ResolveIdempotencyKey(r.Header.Get(shared.IdempotencyHeader), req.IdempotencyKey)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	received, err := documents.ParseDate(req.ReceivedAt)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rc, created, err := h.service.RecordReceipt(r.Context(), actor, ReceiptInput{
		ClientID:       req.ClientID,
		Amount:         req.Amount,
		ReceivedAt:     received,
		Method:         Method(req.Method),
		Reference:      req.Reference,
		IdempotencyKey: key,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	httpx.Success(w, status, map[string]any{"receiptId": rc.ID, "replayed": !created, "receipt": rc})
}

func (h *Handler) applyReceipt(w http.ResponseWriter, r *http.Request) {
	actor, err := identity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req applyRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	rc, res, err := h.service.ApplyReceipt(r.Context(), actor, chi.URLParam(r, "id"), req.DocumentID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	body := resultBody(res)
	body["receipt"] = rc
	httpx.Success(w, http.StatusOK, body)
}

func (h *Handler) getReceipt(w http.ResponseWriter, r *http.Request) {
	actor, err := identity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rc, err := h.service.GetReceipt(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.Success(w, http.StatusOK, map[string]any{"receipt": rc})
}

func (h *Handler) listReceipts(w http.ResponseWriter, r *http.Request) {
	actor, err := identity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := ReceiptFilter{
		ClientID: strings.TrimSpace(q.Get("clientId")),
		Status:   ReceiptStatus(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
	}
	if filter.From, err = documents.ParseDate(q.Get("from")); err != nil {
		h.fail(w, r, err)
		return
	}
	if filter.To, err = documents.ParseDate(q.Get("to")); err != nil {
		h.fail(w, r, err)
		return
	}
	items, err := h.service.ListReceipts(r.Context(), actor, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if items == nil {
		items = []Receipt{}
	}
	httpx.Success(w, http.StatusOK, map[string]any{"receipts": items})
}
