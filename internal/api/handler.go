// Package api exposes the exchange over HTTP. Authentication happens in front
// of this service; the caller's account arrives in the X-Account-ID header.
//
// Prices, amounts and balances travel as JSON strings so no value ever passes
// through float64.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/spot-exchange/internal/exchange"
	"github.com/atmx/spot-exchange/internal/ledger"
	"github.com/atmx/spot-exchange/internal/limits"
	"github.com/atmx/spot-exchange/internal/model"
	"github.com/atmx/spot-exchange/internal/money"
	"github.com/atmx/spot-exchange/internal/notify"
	"github.com/atmx/spot-exchange/internal/symbol"
)

// AccountHeader carries the authenticated account id.
const AccountHeader = "X-Account-ID"

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 500
)

// Handler serves the exchange HTTP API.
type Handler struct {
	svc      *exchange.Service
	hub      *notify.WSHub
	validate *Validator
	funding  bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithFunding registers the account opening and deposit endpoints. They
// create money out of nothing and must stay off in production.
func WithFunding() Option {
	return func(h *Handler) { h.funding = true }
}

// NewHandler creates the HTTP handlers. hub may be nil, in which case the
// WebSocket endpoint is not registered.
func NewHandler(svc *exchange.Service, hub *notify.WSHub, opts ...Option) *Handler {
	h := &Handler{svc: svc, hub: hub, validate: NewValidator()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the API routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/orders", h.GetOrderBook)
	r.Post("/orders", h.PlaceOrder)
	r.Post("/orders/{orderID}/cancel", h.CancelOrder)
	r.Get("/trades", h.RecentTrades)

	r.Get("/profile", h.GetProfile)
	r.Get("/profile/orders", h.ListOrders)

	if h.funding {
		r.Post("/accounts", h.OpenAccount)
		r.Post("/deposits", h.Deposit)
	}

	if h.hub != nil {
		r.Get("/ws", h.HandleWS)
	}
}

// --- Request types ---

// PlaceOrderRequest is the JSON body for POST /orders.
type PlaceOrderRequest struct {
	Symbol string `json:"symbol" validate:"required,max=16"`
	Side   string `json:"side" validate:"required,oneof=buy sell"`
	Price  string `json:"price" validate:"required,numeric"`
	Amount string `json:"amount" validate:"required,numeric"`
}

// OpenAccountRequest is the JSON body for POST /accounts.
type OpenAccountRequest struct {
	Name    string `json:"name" validate:"required,max=128"`
	Balance string `json:"balance" validate:"omitempty,numeric"`
}

// DepositRequest is the JSON body for POST /deposits. An empty symbol
// deposits cash.
type DepositRequest struct {
	Symbol string `json:"symbol" validate:"omitempty,max=16"`
	Amount string `json:"amount" validate:"required,numeric"`
}

// --- Handlers ---

// GetOrderBook handles GET /orders?symbol=BTC&side=buy
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	sym := r.URL.Query().Get("symbol")
	if sym == "" {
		writeError(w, "symbol is required", http.StatusBadRequest)
		return
	}
	orders, err := h.svc.GetOrderBook(r.Context(), sym, model.Side(r.URL.Query().Get("side")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(orders))
}

// PlaceOrder handles POST /orders
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}
	var req PlaceOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	policy := h.svc.Policy()
	price, err := money.Parse(req.Price, policy.PricePrecision)
	if err != nil {
		writeError(w, "price: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}
	amount, err := money.Parse(req.Amount, policy.AmountPrecision)
	if err != nil {
		writeError(w, "amount: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}

	order, err := h.svc.PlaceOrder(r.Context(), exchange.PlaceOrderRequest{
		AccountID: accountID,
		Symbol:    req.Symbol,
		Side:      model.Side(req.Side),
		Price:     price,
		Amount:    amount,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// CancelOrder handles POST /orders/{orderID}/cancel
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}
	order, err := h.svc.CancelOrder(r.Context(), chi.URLParam(r, "orderID"), accountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// RecentTrades handles GET /trades?symbol=BTC&limit=50
func (h *Handler) RecentTrades(w http.ResponseWriter, r *http.Request) {
	sym := r.URL.Query().Get("symbol")
	if sym == "" {
		writeError(w, "symbol is required", http.StatusBadRequest)
		return
	}
	limit := defaultTradeLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxTradeLimit {
			writeError(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}
	trades, err := h.svc.RecentTrades(r.Context(), sym, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(trades))
}

// GetProfile handles GET /profile
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}
	profile, err := h.svc.GetProfile(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// ListOrders handles GET /profile/orders?status=open
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}
	status := model.OrderStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.StatusOpen, model.StatusFilled, model.StatusCancelled:
	default:
		writeError(w, "status must be open, filled or cancelled", http.StatusBadRequest)
		return
	}
	orders, err := h.svc.ListOrders(r.Context(), accountID, status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(orders))
}

// OpenAccount handles POST /accounts
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	balance := decimal.Zero
	if req.Balance != "" {
		var err error
		if balance, err = money.Parse(req.Balance, h.svc.Policy().BalancePrecision); err != nil {
			writeError(w, "balance: "+err.Error(), http.StatusUnprocessableEntity)
			return
		}
	}
	account, err := h.svc.OpenAccount(r.Context(), req.Name, balance)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

// Deposit handles POST /deposits and returns the updated profile.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}
	var req DepositRequest
	if !h.decode(w, r, &req) {
		return
	}

	policy := h.svc.Policy()
	scale := policy.BalancePrecision
	if req.Symbol != "" {
		scale = policy.AmountPrecision
	}
	amount, err := money.Parse(req.Amount, scale)
	if err != nil {
		writeError(w, "amount: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}

	ctx := r.Context()
	if req.Symbol == "" {
		err = h.svc.Deposit(ctx, accountID, amount)
	} else {
		err = h.svc.DepositAsset(ctx, accountID, req.Symbol, amount)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	profile, err := h.svc.GetProfile(ctx, accountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// HandleWS handles GET /ws. The connection joins the private channel of the
// account in the X-Account-ID header, which the gateway sets after
// authenticating the handshake.
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccount(w, r)
	if !ok {
		return
	}
	h.hub.HandleWS(w, r, accountID)
}

// --- Helpers ---

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := h.validate.Validate(dst); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func requireAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(AccountHeader)
	if id == "" {
		writeError(w, AccountHeader+" header is required", http.StatusUnauthorized)
		return "", false
	}
	return id, true
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, exchange.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, exchange.ErrOrderNotFound),
		errors.Is(err, exchange.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, exchange.ErrInvalidOrder),
		errors.Is(err, exchange.ErrAlreadyFilled),
		errors.Is(err, exchange.ErrAlreadyCancelled),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientAssets),
		errors.Is(err, symbol.ErrInvalidSymbol),
		errors.Is(err, symbol.ErrUnsupported),
		errors.Is(err, limits.ErrBelowMinimum),
		errors.Is(err, limits.ErrAboveMaximum):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrUnderflow):
		return http.StatusInternalServerError
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusUnprocessableEntity
	case errors.Is(err, exchange.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
