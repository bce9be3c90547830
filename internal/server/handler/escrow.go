package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/opengrove/marketd/internal/domain"
	"github.com/opengrove/marketd/internal/service"
)

// EscrowService defines the methods the escrow handler requires from the
// service layer.
type EscrowService interface {
	Deposit(ctx context.Context, p service.DepositParams) (domain.EscrowAccount, error)
	Withdraw(ctx context.Context, p service.WithdrawParams) (domain.EscrowAccount, error)
	Balance(ctx context.Context, marketplace, depositor, currency common.Address) (domain.EscrowAccount, error)
}

// EscrowHandler serves escrow deposit, withdrawal, and balance endpoints.
type EscrowHandler struct {
	escrow EscrowService
	logger *slog.Logger
}

// NewEscrowHandler creates an EscrowHandler.
func NewEscrowHandler(escrow EscrowService, logger *slog.Logger) *EscrowHandler {
	return &EscrowHandler{
		escrow: escrow,
		logger: logger,
	}
}

// escrowMoveRequest is the shared JSON body for deposits and withdrawals.
// Actor is only meaningful on withdrawals.
type escrowMoveRequest struct {
	Marketplace string `json:"marketplace"`
	Depositor   string `json:"depositor"`
	Currency    string `json:"currency"`
	Amount      uint64 `json:"amount"`
	Actor       string `json:"actor"`
}

func (req escrowMoveRequest) parse() (marketplace, depositor, currency common.Address, ok bool) {
	marketplace, ok = parseAddress(req.Marketplace)
	if !ok {
		return
	}
	depositor, ok = parseAddress(req.Depositor)
	if !ok {
		return
	}
	currency = domain.NativeCurrency
	if req.Currency != "" {
		currency, ok = parseAddress(req.Currency)
	}
	return
}

// Deposit credits a depositor's escrow balance, creating the account on
// first use.
// POST /api/escrow/deposits
func (h *EscrowHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req escrowMoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	marketplace, depositor, currency, ok := req.parse()
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address in request")
		return
	}
	if req.Amount == 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	acct, err := h.escrow.Deposit(r.Context(), service.DepositParams{
		Marketplace: marketplace,
		Depositor:   depositor,
		Currency:    currency,
		Amount:      req.Amount,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// Withdraw debits a depositor's escrow balance. The depositor withdraws
// their own funds; the marketplace authority may act on their behalf.
// POST /api/escrow/withdrawals
func (h *EscrowHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req escrowMoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	marketplace, depositor, currency, ok := req.parse()
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address in request")
		return
	}
	actor, ok := parseAddress(req.Actor)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid actor address")
		return
	}

	acct, err := h.escrow.Withdraw(r.Context(), service.WithdrawParams{
		Marketplace: marketplace,
		Depositor:   depositor,
		Currency:    currency,
		Amount:      req.Amount,
		Actor:       actor,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// Balance returns the escrow account for (marketplace, depositor, currency).
// GET /api/escrow/balance?marketplace=0x..&depositor=0x..&currency=0x..
func (h *EscrowHandler) Balance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	marketplace, ok := parseAddress(q.Get("marketplace"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid marketplace address")
		return
	}
	depositor, ok := parseAddress(q.Get("depositor"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid depositor address")
		return
	}
	currency := domain.NativeCurrency
	if v := q.Get("currency"); v != "" {
		currency, ok = parseAddress(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid currency address")
			return
		}
	}

	acct, err := h.escrow.Balance(r.Context(), marketplace, depositor, currency)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}
