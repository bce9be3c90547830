package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengrove/marketd/internal/crypto"
	"github.com/opengrove/marketd/internal/domain"
	"github.com/opengrove/marketd/internal/registry"
	"github.com/opengrove/marketd/internal/service"
	"github.com/opengrove/marketd/internal/settlement"
	"github.com/opengrove/marketd/internal/store/memory"
	"github.com/opengrove/marketd/internal/transfer"
)

var (
	creator   = common.HexToAddress("0x01")
	authority = common.HexToAddress("0x02")
	seller    = common.HexToAddress("0x11")
	buyer     = common.HexToAddress("0x12")
	asset     = common.HexToAddress("0xf1")
)

// fixture serves the real route table against the in-process store, so
// handler tests exercise the same path-value routing the server registers.
type fixture struct {
	st  *memory.Store
	mux *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	st := memory.New()
	proxy, err := crypto.GenerateProxy()
	require.NoError(t, err)
	sel := transfer.NewSelector(proxy)

	marketplaces := service.NewMarketplaceService(st, nil, logger)
	escrow := service.NewEscrowService(st, nil, logger)
	trades := service.NewTradeService(st, sel, proxy, nil, nil, logger)
	orch := settlement.New(st, sel, proxy, nil, nil, nil, logger)

	hh := NewHealthHandler("local", logger)
	mh := NewMarketplaceHandler(marketplaces, logger)
	eh := NewEscrowHandler(escrow, logger)
	th := NewTradeHandler(trades, logger)
	sh := NewSettlementHandler(orch, nil, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", hh.HealthCheck)
	mux.HandleFunc("POST /api/marketplaces", mh.Create)
	mux.HandleFunc("GET /api/marketplaces/{addr}", mh.Get)
	mux.HandleFunc("PATCH /api/marketplaces/{addr}", mh.UpdateConfig)
	mux.HandleFunc("POST /api/marketplaces/{addr}/treasury/withdraw", mh.WithdrawTreasury)
	mux.HandleFunc("POST /api/escrow/deposits", eh.Deposit)
	mux.HandleFunc("POST /api/escrow/withdrawals", eh.Withdraw)
	mux.HandleFunc("GET /api/escrow/balance", eh.Balance)
	mux.HandleFunc("POST /api/listings", th.CreateListing)
	mux.HandleFunc("DELETE /api/listings/{addr}", th.CancelListing)
	mux.HandleFunc("POST /api/bids", th.CreateBid)
	mux.HandleFunc("GET /api/records", th.ListRecords)
	mux.HandleFunc("GET /api/records/{addr}", th.GetRecord)
	mux.HandleFunc("POST /api/settlements", sh.Settle)
	mux.HandleFunc("GET /api/receipts/{id}", sh.GetReceipt)
	mux.HandleFunc("GET /api/receipts", sh.ListReceipts)

	return &fixture{st: st, mux: mux}
}

// do issues a request against the mux and decodes the JSON response into out
// (when out is non-nil).
func (f *fixture) do(t *testing.T, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	if out != nil && rr.Code < 300 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), out), "body: %s", rr.Body.String())
	}
	return rr
}

func (f *fixture) errCode(t *testing.T, rr *httptest.ResponseRecorder) uint32 {
	t.Helper()
	var eb errorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &eb))
	return eb.Code
}

func (f *fixture) createMarketplace(t *testing.T) common.Address {
	t.Helper()
	var cfg domain.MarketplaceConfig
	rr := f.do(t, http.MethodPost, "/api/marketplaces", map[string]any{
		"creator":             creator.Hex(),
		"authority":           authority.Hex(),
		"treasury_withdrawal": common.HexToAddress("0x03").Hex(),
		"total_fee_bp":        500,
		"buyer_referral_bp":   100,
		"seller_referral_bp":  100,
	}, &cfg)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return cfg.Address
}

func (f *fixture) seedAsset(t *testing.T) {
	t.Helper()
	require.NoError(t, f.st.Execute(context.Background(), func(ctx context.Context, s domain.Stores) error {
		return s.Custody.Put(ctx, domain.AssetCustody{
			Asset:    asset,
			Holder:   seller,
			Holding:  registry.Holding(asset, seller),
			Standard: domain.StandardPlain,
			Format:   domain.CustodyFormatCurrent,
		})
	}))
}

func (f *fixture) deposit(t *testing.T, mkt common.Address, who common.Address, amount uint64) {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/api/escrow/deposits", map[string]any{
		"marketplace": mkt.Hex(),
		"depositor":   who.Hex(),
		"amount":      amount,
	}, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	var body map[string]any
	rr := f.do(t, http.MethodGet, "/api/health", nil, &body)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "local", body["mode"])
	assert.Contains(t, body, "uptime_seconds")
}

func TestMarketplaceEndpoints(t *testing.T) {
	f := newFixture(t)
	mkt := f.createMarketplace(t)

	var got domain.MarketplaceConfig
	rr := f.do(t, http.MethodGet, "/api/marketplaces/"+mkt.Hex(), nil, &got)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, registry.Marketplace(creator), got.Address)
	assert.Equal(t, uint16(500), got.TotalFeeBp)

	// Duplicate creation conflicts.
	rr = f.do(t, http.MethodPost, "/api/marketplaces", map[string]any{
		"creator":   creator.Hex(),
		"authority": authority.Hex(),
	}, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, domain.ErrAlreadyExists.Code, f.errCode(t, rr))

	// Only the authority may reconfigure.
	rr = f.do(t, http.MethodPatch, "/api/marketplaces/"+mkt.Hex(), map[string]any{
		"actor":        seller.Hex(),
		"total_fee_bp": 300,
	}, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, domain.ErrUnauthorized.Code, f.errCode(t, rr))

	rr = f.do(t, http.MethodPatch, "/api/marketplaces/"+mkt.Hex(), map[string]any{
		"actor":        authority.Hex(),
		"total_fee_bp": 300,
	}, &got)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, uint16(300), got.TotalFeeBp)

	// Unknown marketplace.
	rr = f.do(t, http.MethodGet, "/api/marketplaces/"+common.HexToAddress("0xdead").Hex(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// Malformed address.
	rr = f.do(t, http.MethodGet, "/api/marketplaces/nonsense", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestEscrowEndpoints(t *testing.T) {
	f := newFixture(t)
	mkt := f.createMarketplace(t)
	f.deposit(t, mkt, buyer, 1000)

	var acct domain.EscrowAccount
	rr := f.do(t, http.MethodGet,
		fmt.Sprintf("/api/escrow/balance?marketplace=%s&depositor=%s", mkt.Hex(), buyer.Hex()),
		nil, &acct)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, uint64(1000), acct.Balance)

	// Overdraw maps to 402 with the stable code.
	rr = f.do(t, http.MethodPost, "/api/escrow/withdrawals", map[string]any{
		"marketplace": mkt.Hex(),
		"depositor":   buyer.Hex(),
		"actor":       buyer.Hex(),
		"amount":      5000,
	}, nil)
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
	assert.Equal(t, domain.ErrInsufficientFunds.Code, f.errCode(t, rr))

	// A stranger cannot withdraw someone else's funds.
	rr = f.do(t, http.MethodPost, "/api/escrow/withdrawals", map[string]any{
		"marketplace": mkt.Hex(),
		"depositor":   buyer.Hex(),
		"actor":       seller.Hex(),
		"amount":      100,
	}, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/escrow/withdrawals", map[string]any{
		"marketplace": mkt.Hex(),
		"depositor":   buyer.Hex(),
		"actor":       buyer.Hex(),
		"amount":      400,
	}, &acct)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, uint64(600), acct.Balance)

	// Zero-amount deposits are rejected at the edge.
	rr = f.do(t, http.MethodPost, "/api/escrow/deposits", map[string]any{
		"marketplace": mkt.Hex(),
		"depositor":   buyer.Hex(),
		"amount":      0,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTradeAndSettlementFlow(t *testing.T) {
	f := newFixture(t)
	mkt := f.createMarketplace(t)
	f.seedAsset(t)
	f.deposit(t, mkt, buyer, 1_000_000)

	var listing domain.TradeRecord
	rr := f.do(t, http.MethodPost, "/api/listings", map[string]any{
		"marketplace": mkt.Hex(),
		"owner":       seller.Hex(),
		"asset":       asset.Hex(),
		"price":       1_000_000,
		"quantity":    1,
	}, &listing)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, domain.SideSeller, listing.Side)

	var bid domain.TradeRecord
	rr = f.do(t, http.MethodPost, "/api/bids", map[string]any{
		"marketplace": mkt.Hex(),
		"owner":       buyer.Hex(),
		"asset":       asset.Hex(),
		"price":       1_000_000,
		"quantity":    1,
		"royalty_bp":  1000,
	}, &bid)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	// Listings show up in the open-records index.
	var listed listRecordsResponse
	rr = f.do(t, http.MethodGet, "/api/records?marketplace="+mkt.Hex(), nil, &listed)
	assert.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, listed.Records, 1)
	assert.Equal(t, listing.Address, listed.Records[0].Address)

	var rcpt domain.SettlementReceipt
	rr = f.do(t, http.MethodPost, "/api/settlements", map[string]any{
		"seller_record": listing.Address.Hex(),
		"buyer_record":  bid.Address.Hex(),
	}, &rcpt)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, uint64(1_000_000), rcpt.Price)
	assert.NotEmpty(t, rcpt.ID)

	// The receipt is queryable by id and by marketplace.
	rr = f.do(t, http.MethodGet, "/api/receipts/"+rcpt.ID, nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var rcpts listReceiptsResponse
	rr = f.do(t, http.MethodGet, "/api/receipts?marketplace="+mkt.Hex(), nil, &rcpts)
	assert.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, rcpts.Receipts, 1)

	// Settling the same pair again conflicts: both records are closed.
	rr = f.do(t, http.MethodPost, "/api/settlements", map[string]any{
		"seller_record": listing.Address.Hex(),
		"buyer_record":  bid.Address.Hex(),
	}, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, domain.ErrEmptyTradeState.Code, f.errCode(t, rr))

	// A closed record reads as gone-but-existed, not 404.
	rr = f.do(t, http.MethodGet, "/api/records/"+listing.Address.Hex(), nil, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	// A record that never existed is a plain 404.
	rr = f.do(t, http.MethodGet, "/api/records/"+common.HexToAddress("0xbeef").Hex(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCancelListingEndpoint(t *testing.T) {
	f := newFixture(t)
	mkt := f.createMarketplace(t)
	f.seedAsset(t)

	var listing domain.TradeRecord
	rr := f.do(t, http.MethodPost, "/api/listings", map[string]any{
		"marketplace": mkt.Hex(),
		"owner":       seller.Hex(),
		"asset":       asset.Hex(),
		"price":       500,
		"quantity":    1,
	}, &listing)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	// Missing actor is rejected before touching the service.
	rr = f.do(t, http.MethodDelete, "/api/listings/"+listing.Address.Hex(), nil, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodDelete,
		"/api/listings/"+listing.Address.Hex()+"?actor="+seller.Hex(), nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	// Cancelling again conflicts.
	rr = f.do(t, http.MethodDelete,
		"/api/listings/"+listing.Address.Hex()+"?actor="+seller.Hex(), nil, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}
