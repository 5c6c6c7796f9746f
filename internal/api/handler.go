package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"xmrgate/internal/gateway"
	"xmrgate/internal/invoice"
	"xmrgate/internal/logging"
	"xmrgate/internal/subscriber"
)

const (
	maxRequestBody = 4 << 10

	DefaultConfirmations = 10
	DefaultExpiresIn     = 30
	DefaultMaxWait       = 30 * time.Second
)

// Gateway is the subset of *gateway.Gateway the handler serves.
type Gateway interface {
	NewInvoice(ctx context.Context, req gateway.InvoiceRequest) (*invoice.Invoice, error)
	GetInvoice(ctx context.Context, id invoice.ID) (*invoice.Invoice, error)
	RemoveInvoice(ctx context.Context, id invoice.ID) (*invoice.Invoice, error)
	Subscribe(ctx context.Context, id invoice.ID) (*subscriber.Subscriber, error)
	Status(ctx context.Context) (gateway.Status, error)
}

// Options tune the handler. Zero values take the package defaults.
type Options struct {
	DefaultConfirmations uint64
	DefaultExpiresIn     uint64
	// MaxWait caps the long-poll wait of the update endpoint.
	MaxWait time.Duration
}

// Handler handles HTTP requests.
type Handler struct {
	gw             Gateway
	opts           Options
	pendingLimiter *PendingInvoiceLimiter
	mux            *http.ServeMux
}

// NewHandler creates a new HTTP handler.
// If pendingLimiter is nil, no pending invoice limit is enforced.
func NewHandler(gw Gateway, opts Options, pendingLimiter *PendingInvoiceLimiter) *Handler {
	if opts.DefaultConfirmations == 0 {
		opts.DefaultConfirmations = DefaultConfirmations
	}
	if opts.DefaultExpiresIn == 0 {
		opts.DefaultExpiresIn = DefaultExpiresIn
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	h := &Handler{
		gw:             gw,
		opts:           opts,
		pendingLimiter: pendingLimiter,
		mux:            http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("POST /api/invoice", h.handleCreate)
	h.mux.HandleFunc("GET /api/invoice/{id}", h.handleGet)
	h.mux.HandleFunc("GET /api/invoice/{id}/update", h.handleUpdate)
	h.mux.HandleFunc("DELETE /api/invoice/{id}", h.handleDelete)
	h.mux.HandleFunc("GET /api/status", h.handleStatus)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// CreateInvoiceRequest is the request body for creating an invoice.
type CreateInvoiceRequest struct {
	// Amount is a decimal XMR string such as "1.5".
	Amount        string  `json:"amount"`
	Confirmations *uint64 `json:"confirmations,omitempty"`
	ExpiresIn     uint64  `json:"expires_in,omitempty"`
	Description   string  `json:"description,omitempty"`
}

// InvoiceResponse is the public view of an invoice.
type InvoiceResponse struct {
	ID                    string    `json:"id"`
	Address               string    `json:"address"`
	State                 string    `json:"state"`
	Amount                string    `json:"amount"`
	AmountPaid            string    `json:"amount_paid"`
	Confirmations         uint64    `json:"confirmations"`
	ConfirmationsRequired uint64    `json:"confirmations_required"`
	CurrentHeight         uint64    `json:"current_height"`
	ExpirationHeight      uint64    `json:"expiration_height"`
	ExpiresIn             uint64    `json:"expires_in"`
	Description           string    `json:"description,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

func newInvoiceResponse(inv *invoice.Invoice) InvoiceResponse {
	return InvoiceResponse{
		ID:                    inv.ID.String(),
		Address:               inv.Address,
		State:                 inv.State.String(),
		Amount:                invoice.FormatXMR(inv.Amount),
		AmountPaid:            invoice.FormatXMR(inv.AmountPaid),
		Confirmations:         inv.Confirmations(),
		ConfirmationsRequired: inv.ConfirmationsRequired,
		CurrentHeight:         inv.CurrentHeight,
		ExpirationHeight:      inv.ExpirationHeight,
		ExpiresIn:             inv.ExpiresIn(),
		Description:           inv.Description,
		CreatedAt:             inv.CreatedAt,
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ip := extractIP(r)
	if h.pendingLimiter != nil && !h.pendingLimiter.CanCreate(ip) {
		logging.HTTP.WithFields(log.Fields{
			"ip":      ip,
			"pending": h.pendingLimiter.PendingCount(ip),
		}).Warn("pending invoice limit reached")
		http.Error(w, "too many unpaid invoices", http.StatusTooManyRequests)
		return
	}

	var req CreateInvoiceRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := invoice.ParseXMR(req.Amount)
	if err != nil {
		http.Error(w, "invalid amount", http.StatusBadRequest)
		return
	}

	confirmations := h.opts.DefaultConfirmations
	if req.Confirmations != nil {
		confirmations = *req.Confirmations
	}
	expiresIn := h.opts.DefaultExpiresIn
	if req.ExpiresIn != 0 {
		expiresIn = req.ExpiresIn
	}

	inv, err := h.gw.NewInvoice(r.Context(), gateway.InvoiceRequest{
		Amount:                amount,
		ConfirmationsRequired: confirmations,
		ExpiresIn:             expiresIn,
		Description:           req.Description,
	})
	if err != nil {
		h.writeError(w, "create invoice", err)
		return
	}

	if h.pendingLimiter != nil {
		h.pendingLimiter.TrackPendingInvoice(ip, inv.ID.String())
	}
	writeJSON(w, http.StatusCreated, newInvoiceResponse(inv))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inv, err := h.gw.GetInvoice(r.Context(), id)
	if err != nil {
		h.writeError(w, "get invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, newInvoiceResponse(inv))
}

// handleUpdate blocks until the invoice changes or the wait elapses. A
// timeout answers 204 so clients simply poll again.
func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	wait := h.opts.MaxWait
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			http.Error(w, "invalid wait", http.StatusBadRequest)
			return
		}
		wait = min(d, h.opts.MaxWait)
	}

	sub, err := h.gw.Subscribe(r.Context(), id)
	if err != nil {
		h.writeError(w, "subscribe", err)
		return
	}
	defer sub.Close()

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	inv, err := sub.Recv(ctx)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, newInvoiceResponse(&inv))
	case errors.Is(err, context.DeadlineExceeded):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		http.Error(w, "subscription closed", http.StatusServiceUnavailable)
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inv, err := h.gw.RemoveInvoice(r.Context(), id)
	if err != nil {
		h.writeError(w, "remove invoice", err)
		return
	}
	if h.pendingLimiter != nil {
		h.pendingLimiter.OnInvoiceSettled(inv.ID.String())
	}
	writeJSON(w, http.StatusOK, newInvoiceResponse(inv))
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.gw.Status(r.Context())
	if err != nil {
		h.writeError(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func pathID(w http.ResponseWriter, r *http.Request) (invoice.ID, bool) {
	id, err := invoice.ParseID(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid invoice id", http.StatusBadRequest)
		return invoice.ID{}, false
	}
	return id, true
}

// writeError maps gateway errors onto status codes.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		http.Error(w, "invoice not found", http.StatusNotFound)
	case errors.Is(err, gateway.ErrNotTerminal):
		http.Error(w, "invoice is still open", http.StatusConflict)
	case errors.Is(err, gateway.ErrDuplicateIndex):
		http.Error(w, "subaddress already in use", http.StatusConflict)
	case errors.Is(err, gateway.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, subscriber.ErrClosed):
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
	default:
		logging.HTTP.WithError(err).WithField("op", op).Error("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Internal.WithError(err).Warn("failed to encode response")
	}
}
