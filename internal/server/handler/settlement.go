package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/opengrove/marketd/internal/domain"
	"github.com/opengrove/marketd/internal/settlement"
)

// SettlementService defines the methods the settlement handler requires
// from the orchestrator.
type SettlementService interface {
	Settle(ctx context.Context, req settlement.Request) (domain.SettlementReceipt, error)
	Receipt(ctx context.Context, id string) (domain.SettlementReceipt, error)
	Receipts(ctx context.Context, marketplace common.Address, opts domain.ListOpts) ([]domain.SettlementReceipt, error)
}

// settleLockTTL bounds how long one settlement may hold its edge lock.
const settleLockTTL = 10 * time.Second

// SettlementHandler serves settlement and receipt endpoints.
type SettlementHandler struct {
	settlements SettlementService
	locks       domain.LockManager // nil disables edge locking
	logger      *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler. locks may be nil.
func NewSettlementHandler(settlements SettlementService, locks domain.LockManager, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{
		settlements: settlements,
		locks:       locks,
		logger:      logger,
	}
}

// settleRequest is the JSON body for settlements. NotarySignature is a
// 0x-prefixed 65-byte hex string when the gate enforces.
type settleRequest struct {
	SellerRecord      string  `json:"seller_record"`
	BuyerRecord       string  `json:"buyer_record"`
	MakerFeeBp        *int16  `json:"maker_fee_bp"`
	TakerFeeBp        *uint16 `json:"taker_fee_bp"`
	NotarySignature   string  `json:"notary_signature"`
	SellerApproved    bool    `json:"seller_approved"`
	AuthorityApproved bool    `json:"authority_approved"`
}

// Settle executes one settlement end to end and returns the receipt. An
// edge lock keyed by the seller record keeps a client retry from racing its
// own in-flight request; the state machine itself never needs the lock.
// POST /api/settlements
func (h *SettlementHandler) Settle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	sellerRecord, ok := parseAddress(req.SellerRecord)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid seller_record address")
		return
	}
	buyerRecord, ok := parseAddress(req.BuyerRecord)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid buyer_record address")
		return
	}

	var notarySig []byte
	if req.NotarySignature != "" {
		sig, err := hexutil.Decode(req.NotarySignature)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid notary_signature hex")
			return
		}
		notarySig = sig
	}

	if h.locks != nil {
		unlock, err := h.locks.Acquire(r.Context(), "settle:"+sellerRecord.Hex(), settleLockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				writeError(w, http.StatusConflict, "settlement already in flight for this listing")
				return
			}
			// A broken lock backend must not block settlements; fall through.
			h.logger.WarnContext(r.Context(), "handler: settlement lock unavailable",
				slog.String("error", err.Error()),
			)
		} else {
			defer unlock()
		}
	}

	rcpt, err := h.settlements.Settle(r.Context(), settlement.Request{
		SellerRecord:      sellerRecord,
		BuyerRecord:       buyerRecord,
		MakerFeeBp:        req.MakerFeeBp,
		TakerFeeBp:        req.TakerFeeBp,
		NotarySignature:   notarySig,
		SellerApproved:    req.SellerApproved,
		AuthorityApproved: req.AuthorityApproved,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, rcpt)
}

// GetReceipt returns a settlement receipt by ID.
// GET /api/receipts/{id}
func (h *SettlementHandler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing receipt id")
		return
	}

	rcpt, err := h.settlements.Receipt(r.Context(), id)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

// listReceiptsResponse wraps the receipt list response.
type listReceiptsResponse struct {
	Receipts []domain.SettlementReceipt `json:"receipts"`
}

// ListReceipts returns receipts for a marketplace, newest first.
// GET /api/receipts?marketplace=0x...&limit=50&offset=0
func (h *SettlementHandler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	marketplace, ok := parseAddress(r.URL.Query().Get("marketplace"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid marketplace address")
		return
	}

	rcpts, err := h.settlements.Receipts(r.Context(), marketplace, parseListOpts(r))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if rcpts == nil {
		rcpts = []domain.SettlementReceipt{}
	}
	writeJSON(w, http.StatusOK, listReceiptsResponse{Receipts: rcpts})
}
