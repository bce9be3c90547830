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

// MarketplaceService defines the methods the marketplace handler requires
// from the service layer.
type MarketplaceService interface {
	Create(ctx context.Context, p service.CreateMarketplaceParams) (domain.MarketplaceConfig, error)
	Get(ctx context.Context, marketplace common.Address) (domain.MarketplaceConfig, error)
	UpdateConfig(ctx context.Context, marketplace, actor common.Address, upd domain.ConfigUpdate) (domain.MarketplaceConfig, error)
	WithdrawTreasury(ctx context.Context, marketplace, actor, currency common.Address, amount uint64) (domain.EscrowAccount, error)
}

// MarketplaceHandler serves marketplace configuration endpoints.
type MarketplaceHandler struct {
	marketplaces MarketplaceService
	logger       *slog.Logger
}

// NewMarketplaceHandler creates a MarketplaceHandler.
func NewMarketplaceHandler(marketplaces MarketplaceService, logger *slog.Logger) *MarketplaceHandler {
	return &MarketplaceHandler{
		marketplaces: marketplaces,
		logger:       logger,
	}
}

// createMarketplaceRequest is the JSON body for marketplace creation.
type createMarketplaceRequest struct {
	Creator            string `json:"creator"`
	Authority          string `json:"authority"`
	TreasuryWithdrawal string `json:"treasury_withdrawal"`
	Notary             string `json:"notary"`
	TotalFeeBp         uint16 `json:"total_fee_bp"`
	BuyerReferralBp    uint16 `json:"buyer_referral_bp"`
	SellerReferralBp   uint16 `json:"seller_referral_bp"`
	RequiresNotary     bool   `json:"requires_notary"`
	Nprob              uint8  `json:"nprob"`
}

// Create registers a new marketplace. The marketplace and treasury addresses
// are derived from the creator, so the response carries both.
// POST /api/marketplaces
func (h *MarketplaceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createMarketplaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	creator, ok := parseAddress(req.Creator)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid creator address")
		return
	}
	authority, ok := parseAddress(req.Authority)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid authority address")
		return
	}

	p := service.CreateMarketplaceParams{
		Creator:          creator,
		Authority:        authority,
		TotalFeeBp:       req.TotalFeeBp,
		BuyerReferralBp:  req.BuyerReferralBp,
		SellerReferralBp: req.SellerReferralBp,
		RequiresNotary:   req.RequiresNotary,
		Nprob:            req.Nprob,
	}
	// Optional addresses default to zero when absent.
	if req.TreasuryWithdrawal != "" {
		addr, ok := parseAddress(req.TreasuryWithdrawal)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid treasury_withdrawal address")
			return
		}
		p.TreasuryWithdrawal = addr
	}
	if req.Notary != "" {
		addr, ok := parseAddress(req.Notary)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid notary address")
			return
		}
		p.Notary = addr
	}

	cfg, err := h.marketplaces.Create(r.Context(), p)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

// Get returns a marketplace configuration by address.
// GET /api/marketplaces/{addr}
func (h *MarketplaceHandler) Get(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(pathParam(r, "addr"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid marketplace address")
		return
	}

	cfg, err := h.marketplaces.Get(r.Context(), addr)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// updateConfigRequest carries the actor plus the subset of fields to change.
// Absent fields are left untouched.
type updateConfigRequest struct {
	Actor              string  `json:"actor"`
	Authority          *string `json:"authority"`
	Treasury           *string `json:"treasury"`
	TreasuryWithdrawal *string `json:"treasury_withdrawal"`
	Notary             *string `json:"notary"`
	TotalFeeBp         *uint16 `json:"total_fee_bp"`
	BuyerReferralBp    *uint16 `json:"buyer_referral_bp"`
	SellerReferralBp   *uint16 `json:"seller_referral_bp"`
	RequiresNotary     *bool   `json:"requires_notary"`
	Nprob              *uint8  `json:"nprob"`
}

// UpdateConfig applies a partial configuration update. Only the marketplace
// authority may call this.
// PATCH /api/marketplaces/{addr}
func (h *MarketplaceHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(pathParam(r, "addr"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid marketplace address")
		return
	}

	var req updateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	actor, ok := parseAddress(req.Actor)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid actor address")
		return
	}

	upd := domain.ConfigUpdate{
		TotalFeeBp:       req.TotalFeeBp,
		BuyerReferralBp:  req.BuyerReferralBp,
		SellerReferralBp: req.SellerReferralBp,
		RequiresNotary:   req.RequiresNotary,
		Nprob:            req.Nprob,
	}
	for _, f := range []struct {
		src *string
		dst **common.Address
	}{
		{req.Authority, &upd.Authority},
		{req.Treasury, &upd.Treasury},
		{req.TreasuryWithdrawal, &upd.TreasuryWithdrawal},
		{req.Notary, &upd.Notary},
	} {
		if f.src == nil {
			continue
		}
		a, ok := parseAddress(*f.src)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid address in update")
			return
		}
		*f.dst = &a
	}

	cfg, err := h.marketplaces.UpdateConfig(r.Context(), addr, actor, upd)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// treasuryWithdrawRequest is the JSON body for treasury withdrawals.
type treasuryWithdrawRequest struct {
	Actor    string `json:"actor"`
	Currency string `json:"currency"`
	Amount   uint64 `json:"amount"`
}

// WithdrawTreasury drains accumulated fees from the marketplace treasury.
// The actor must be the configured withdrawal destination.
// POST /api/marketplaces/{addr}/treasury/withdraw
func (h *MarketplaceHandler) WithdrawTreasury(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(pathParam(r, "addr"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid marketplace address")
		return
	}

	var req treasuryWithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	actor, ok := parseAddress(req.Actor)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid actor address")
		return
	}
	currency := domain.NativeCurrency
	if req.Currency != "" {
		currency, ok = parseAddress(req.Currency)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid currency address")
			return
		}
	}

	acct, err := h.marketplaces.WithdrawTreasury(r.Context(), addr, actor, currency, req.Amount)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}
