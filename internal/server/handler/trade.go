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

// TradeService defines the methods the trade handler requires from the
// service layer.
type TradeService interface {
	List(ctx context.Context, p service.ListParams) (domain.TradeRecord, error)
	PlaceBid(ctx context.Context, p service.BidParams) (domain.TradeRecord, error)
	CancelListing(ctx context.Context, record, actor common.Address) error
	CancelBid(ctx context.Context, record, actor common.Address) error
	Reprice(ctx context.Context, record, actor common.Address, newPrice uint64) (domain.TradeRecord, error)
	Migrate(ctx context.Context, marketplace, asset, holder, actor common.Address) error
	GetRecord(ctx context.Context, record common.Address) (domain.TradeRecord, error)
	ListOpen(ctx context.Context, marketplace common.Address, side domain.TradeSide, opts domain.ListOpts) ([]domain.TradeRecord, error)
	ListByOwner(ctx context.Context, marketplace, owner common.Address, opts domain.ListOpts) ([]domain.TradeRecord, error)
}

// TradeHandler serves listing and bid endpoints.
type TradeHandler struct {
	trades TradeService
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		trades: trades,
		logger: logger,
	}
}

// openRecordRequest is the JSON body shared by listing and bid creation.
// RoyaltyBp is only meaningful on bids.
type openRecordRequest struct {
	Marketplace string `json:"marketplace"`
	Owner       string `json:"owner"`
	Referrer    string `json:"referrer"`
	Asset       string `json:"asset"`
	Currency    string `json:"currency"`
	Price       uint64 `json:"price"`
	Quantity    uint64 `json:"quantity"`
	Expiry      int64  `json:"expiry"`
	RoyaltyBp   uint16 `json:"royalty_bp"`
}

func (req openRecordRequest) parse() (marketplace, owner, referrer, asset, currency common.Address, ok bool) {
	marketplace, ok = parseAddress(req.Marketplace)
	if !ok {
		return
	}
	owner, ok = parseAddress(req.Owner)
	if !ok {
		return
	}
	if req.Referrer != "" {
		referrer, ok = parseAddress(req.Referrer)
		if !ok {
			return
		}
	}
	asset, ok = parseAddress(req.Asset)
	if !ok {
		return
	}
	currency = domain.NativeCurrency
	if req.Currency != "" {
		currency, ok = parseAddress(req.Currency)
	}
	return
}

// CreateListing opens a sell-side trade record and moves the asset into its
// listed custody state.
// POST /api/listings
func (h *TradeHandler) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req openRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	marketplace, owner, referrer, asset, currency, ok := req.parse()
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address in request")
		return
	}

	rec, err := h.trades.List(r.Context(), service.ListParams{
		Marketplace: marketplace,
		Seller:      owner,
		Referrer:    referrer,
		Asset:       asset,
		Currency:    currency,
		Price:       req.Price,
		Quantity:    req.Quantity,
		Expiry:      req.Expiry,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// CreateBid opens a buy-side trade record. Funds are checked against escrow
// at settlement time, not here.
// POST /api/bids
func (h *TradeHandler) CreateBid(w http.ResponseWriter, r *http.Request) {
	var req openRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	marketplace, owner, referrer, asset, currency, ok := req.parse()
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address in request")
		return
	}

	rec, err := h.trades.PlaceBid(r.Context(), service.BidParams{
		Marketplace: marketplace,
		Buyer:       owner,
		Referrer:    referrer,
		Asset:       asset,
		Currency:    currency,
		Price:       req.Price,
		Quantity:    req.Quantity,
		Expiry:      req.Expiry,
		RoyaltyBp:   req.RoyaltyBp,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// CancelListing closes a seller record and restores the asset's pre-listing
// custody state.
// DELETE /api/listings/{addr}?actor=0x...
func (h *TradeHandler) CancelListing(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, h.trades.CancelListing)
}

// CancelBid closes a buyer record.
// DELETE /api/bids/{addr}?actor=0x...
func (h *TradeHandler) CancelBid(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, h.trades.CancelBid)
}

func (h *TradeHandler) cancel(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, record, actor common.Address) error) {
	record, ok := parseAddress(pathParam(r, "addr"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid record address")
		return
	}
	actor, ok := parseAddress(r.URL.Query().Get("actor"))
	if !ok {
		writeError(w, http.StatusBadRequest, "actor query parameter required")
		return
	}

	if err := fn(r.Context(), record, actor); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "closed",
		"record": record.Hex(),
	})
}

// repriceRequest is the JSON body for listing reprices.
type repriceRequest struct {
	Actor string `json:"actor"`
	Price uint64 `json:"price"`
}

// Reprice atomically replaces a listing with one at a new price. The
// response carries the replacement record, whose address differs from the
// old one.
// POST /api/listings/{addr}/reprice
func (h *TradeHandler) Reprice(w http.ResponseWriter, r *http.Request) {
	record, ok := parseAddress(pathParam(r, "addr"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid record address")
		return
	}

	var req repriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	actor, ok := parseAddress(req.Actor)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid actor address")
		return
	}

	rec, err := h.trades.Reprice(r.Context(), record, actor, req.Price)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// migrateRequest is the JSON body for legacy custody migration.
type migrateRequest struct {
	Marketplace string `json:"marketplace"`
	Holder      string `json:"holder"`
	Actor       string `json:"actor"`
}

// Migrate upgrades a legacy custody record to the current layout. A no-op
// for asset standards without a legacy format.
// POST /api/assets/{asset}/migrate
func (h *TradeHandler) Migrate(w http.ResponseWriter, r *http.Request) {
	asset, ok := parseAddress(pathParam(r, "asset"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asset address")
		return
	}

	var req migrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	marketplace, ok := parseAddress(req.Marketplace)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid marketplace address")
		return
	}
	holder, ok := parseAddress(req.Holder)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid holder address")
		return
	}
	actor, ok := parseAddress(req.Actor)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid actor address")
		return
	}

	if err := h.trades.Migrate(r.Context(), marketplace, asset, holder, actor); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "migrated",
		"asset":  asset.Hex(),
	})
}

// GetRecord returns a single trade record by address.
// GET /api/records/{addr}
func (h *TradeHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	record, ok := parseAddress(pathParam(r, "addr"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid record address")
		return
	}

	rec, err := h.trades.GetRecord(r.Context(), record)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// listRecordsResponse wraps record list responses.
type listRecordsResponse struct {
	Records []domain.TradeRecord `json:"records"`
}

// ListRecords returns open records for a marketplace. With owner set it
// returns that owner's records on both sides; otherwise side selects
// listings or bids (default listings).
// GET /api/records?marketplace=0x...&owner=0x...&side=seller&limit=50&offset=0
func (h *TradeHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	marketplace, ok := parseAddress(q.Get("marketplace"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid marketplace address")
		return
	}
	opts := parseListOpts(r)

	var recs []domain.TradeRecord
	var err error

	if ownerParam := q.Get("owner"); ownerParam != "" {
		owner, ok := parseAddress(ownerParam)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid owner address")
			return
		}
		recs, err = h.trades.ListByOwner(r.Context(), marketplace, owner, opts)
	} else {
		side := domain.SideSeller
		switch q.Get("side") {
		case "", "seller":
		case "buyer":
			side = domain.SideBuyer
		default:
			writeError(w, http.StatusBadRequest, "side must be seller or buyer")
			return
		}
		recs, err = h.trades.ListOpen(r.Context(), marketplace, side, opts)
	}

	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if recs == nil {
		recs = []domain.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, listRecordsResponse{Records: recs})
}
