package service

import (
	"context"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengrove/marketd/internal/crypto"
	"github.com/opengrove/marketd/internal/domain"
	"github.com/opengrove/marketd/internal/registry"
	"github.com/opengrove/marketd/internal/store/memory"
	"github.com/opengrove/marketd/internal/transfer"
)

var (
	creator    = common.HexToAddress("0x01")
	authority  = common.HexToAddress("0x02")
	withdrawal = common.HexToAddress("0x03")
	seller     = common.HexToAddress("0x11")
	buyer      = common.HexToAddress("0x12")
	asset      = common.HexToAddress("0xf1")
	currency   = domain.NativeCurrency
	stranger   = common.HexToAddress("0xee")
)

type env struct {
	st      *memory.Store
	markets *MarketplaceService
	escrows *EscrowService
	trades  *TradeService
	cfg     domain.MarketplaceConfig
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	st := memory.New()
	proxy, err := crypto.GenerateProxy()
	require.NoError(t, err)
	sel := transfer.NewSelector(proxy)

	markets := NewMarketplaceService(st, nil, logger)
	cfg, err := markets.Create(context.Background(), CreateMarketplaceParams{
		Creator:            creator,
		Authority:          authority,
		TreasuryWithdrawal: withdrawal,
		TotalFeeBp:         500,
		BuyerReferralBp:    100,
		SellerReferralBp:   100,
	})
	require.NoError(t, err)

	return &env{
		st:      st,
		markets: markets,
		escrows: NewEscrowService(st, nil, logger),
		trades:  NewTradeService(st, sel, proxy, nil, nil, logger),
		cfg:     cfg,
	}
}

func (e *env) seedAsset(t *testing.T, std domain.AssetStandard) {
	t.Helper()
	lock := domain.LockState("")
	if std == domain.StandardRestricted {
		lock = domain.LockUnlocked
	}
	require.NoError(t, e.st.Execute(context.Background(), func(ctx context.Context, s domain.Stores) error {
		return s.Custody.Put(ctx, domain.AssetCustody{
			Asset:    asset,
			Holder:   seller,
			Holding:  registry.Holding(asset, seller),
			Standard: std,
			Lock:     lock,
			Format:   domain.CustodyFormatCurrent,
		})
	}))
}

func (e *env) custody(t *testing.T) domain.AssetCustody {
	t.Helper()
	var c domain.AssetCustody
	require.NoError(t, e.st.View(context.Background(), func(ctx context.Context, s domain.Stores) error {
		var err error
		c, err = s.Custody.Get(ctx, asset)
		return err
	}))
	return c
}

func (e *env) list(t *testing.T, price uint64) domain.TradeRecord {
	t.Helper()
	rec, err := e.trades.List(context.Background(), ListParams{
		Marketplace: e.cfg.Address,
		Seller:      seller,
		Asset:       asset,
		Currency:    currency,
		Price:       price,
		Quantity:    1,
	})
	require.NoError(t, err)
	return rec
}

func TestCreateMarketplace(t *testing.T) {
	e := newEnv(t)

	assert.Equal(t, registry.Marketplace(creator), e.cfg.Address)
	assert.Equal(t, registry.Treasury(e.cfg.Address), e.cfg.Treasury)

	// One marketplace per creator.
	_, err := e.markets.Create(context.Background(), CreateMarketplaceParams{
		Creator:   creator,
		Authority: authority,
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	// Referral fees above the total are rejected up front.
	_, err = e.markets.Create(context.Background(), CreateMarketplaceParams{
		Creator:          common.HexToAddress("0x42"),
		Authority:        authority,
		TotalFeeBp:       100,
		BuyerReferralBp:  80,
		SellerReferralBp: 80,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidBasisPoints)
}

func TestUpdateConfig(t *testing.T) {
	e := newEnv(t)
	fee := uint16(250)

	_, err := e.markets.UpdateConfig(context.Background(), e.cfg.Address, stranger, domain.ConfigUpdate{TotalFeeBp: &fee})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	got, err := e.markets.UpdateConfig(context.Background(), e.cfg.Address, authority, domain.ConfigUpdate{TotalFeeBp: &fee})
	require.NoError(t, err)
	assert.Equal(t, fee, got.TotalFeeBp)

	// The post-update config is validated as a whole: dropping the total
	// below the combined referral fees fails.
	bad := uint16(100)
	_, err = e.markets.UpdateConfig(context.Background(), e.cfg.Address, authority, domain.ConfigUpdate{TotalFeeBp: &bad})
	assert.ErrorIs(t, err, domain.ErrInvalidBasisPoints)

	// The failed update left the previous value in place.
	cur, err := e.markets.Get(context.Background(), e.cfg.Address)
	require.NoError(t, err)
	assert.Equal(t, fee, cur.TotalFeeBp)
}

func TestEscrowDepositWithdraw(t *testing.T) {
	e := newEnv(t)

	acct, err := e.escrows.Deposit(context.Background(), DepositParams{
		Marketplace: e.cfg.Address,
		Depositor:   buyer,
		Currency:    currency,
		Amount:      500,
	})
	require.NoError(t, err)
	assert.Equal(t, registry.Escrow(e.cfg.Address, buyer, currency), acct.Address)
	assert.Equal(t, uint64(500), acct.Balance)

	// Only the depositor (or the authority) withdraws.
	_, err = e.escrows.Withdraw(context.Background(), WithdrawParams{
		Marketplace: e.cfg.Address, Depositor: buyer, Currency: currency, Amount: 100, Actor: stranger,
	})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	acct, err = e.escrows.Withdraw(context.Background(), WithdrawParams{
		Marketplace: e.cfg.Address, Depositor: buyer, Currency: currency, Amount: 500, Actor: buyer,
	})
	require.NoError(t, err)
	assert.Zero(t, acct.Balance)

	// Overdraw fails; the account persists at zero rather than closing.
	_, err = e.escrows.Withdraw(context.Background(), WithdrawParams{
		Marketplace: e.cfg.Address, Depositor: buyer, Currency: currency, Amount: 1, Actor: buyer,
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	acct, err = e.escrows.Balance(context.Background(), e.cfg.Address, buyer, currency)
	require.NoError(t, err)
	assert.Zero(t, acct.Balance)
}

func TestWithdrawTreasury(t *testing.T) {
	e := newEnv(t)

	// Seed the treasury ledger directly.
	_, err := e.escrows.Deposit(context.Background(), DepositParams{
		Marketplace: e.cfg.Address,
		Depositor:   e.cfg.Treasury,
		Currency:    currency,
		Amount:      10_000,
	})
	require.NoError(t, err)

	// Only the configured withdrawal destination drains the treasury; even
	// the authority is refused.
	_, err = e.markets.WithdrawTreasury(context.Background(), e.cfg.Address, stranger, currency, 1_000)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = e.markets.WithdrawTreasury(context.Background(), e.cfg.Address, authority, currency, 1_000)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	acct, err := e.markets.WithdrawTreasury(context.Background(), e.cfg.Address, withdrawal, currency, 1_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(9_000), acct.Balance)

	_, err = e.markets.WithdrawTreasury(context.Background(), e.cfg.Address, withdrawal, currency, 100_000)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestList_SameTermsTwice(t *testing.T) {
	e := newEnv(t)
	e.seedAsset(t, domain.StandardPlain)
	rec := e.list(t, 1_000)

	_, err := e.trades.List(context.Background(), ListParams{
		Marketplace: e.cfg.Address,
		Seller:      seller,
		Asset:       asset,
		Currency:    currency,
		Price:       1_000,
		Quantity:    1,
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	// The record layer dedupes exact terms only; a plain asset can carry a
	// second listing at a different price (and thus a different address).
	rec2, err := e.trades.List(context.Background(), ListParams{
		Marketplace: e.cfg.Address,
		Seller:      seller,
		Asset:       asset,
		Currency:    currency,
		Price:       2_000,
		Quantity:    1,
	})
	require.NoError(t, err)
	assert.NotEqual(t, rec.Address, rec2.Address)
}

func TestCancelListing(t *testing.T) {
	e := newEnv(t)
	e.seedAsset(t, domain.StandardRestricted)
	rec := e.list(t, 1_000)

	assert.Equal(t, domain.LockListed, e.custody(t).Lock)

	// An actor who is neither the owner nor the authority gets the key
	// mismatch code, not the generic one.
	err := e.trades.CancelListing(context.Background(), rec.Address, stranger)
	assert.ErrorIs(t, err, domain.ErrPublicKeyMismatch)

	require.NoError(t, e.trades.CancelListing(context.Background(), rec.Address, seller))
	assert.Equal(t, domain.LockUnlocked, e.custody(t).Lock)

	_, err = e.trades.GetRecord(context.Background(), rec.Address)
	assert.ErrorIs(t, err, domain.ErrEmptyTradeState)

	// Cancelling again distinguishes closed from never-existed.
	err = e.trades.CancelListing(context.Background(), rec.Address, seller)
	assert.ErrorIs(t, err, domain.ErrEmptyTradeState)
	err = e.trades.CancelListing(context.Background(), common.HexToAddress("0xdead"), seller)
	assert.ErrorIs(t, err, domain.ErrTradeStateNotInitialized)
}

func TestCancelBid(t *testing.T) {
	e := newEnv(t)
	rec, err := e.trades.PlaceBid(context.Background(), BidParams{
		Marketplace: e.cfg.Address,
		Buyer:       buyer,
		Asset:       asset,
		Currency:    currency,
		Price:       1_000,
		Quantity:    1,
	})
	require.NoError(t, err)

	err = e.trades.CancelBid(context.Background(), rec.Address, stranger)
	assert.ErrorIs(t, err, domain.ErrPublicKeyMismatch)

	// The authority can also cancel on the owner's behalf.
	require.NoError(t, e.trades.CancelBid(context.Background(), rec.Address, authority))
	_, err = e.trades.GetRecord(context.Background(), rec.Address)
	assert.ErrorIs(t, err, domain.ErrEmptyTradeState)
}

func TestReprice(t *testing.T) {
	e := newEnv(t)
	e.seedAsset(t, domain.StandardRestricted)
	rec := e.list(t, 1_000)

	_, err := e.trades.Reprice(context.Background(), rec.Address, stranger, 2_000)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	newRec, err := e.trades.Reprice(context.Background(), rec.Address, seller, 2_000)
	require.NoError(t, err)
	assert.NotEqual(t, rec.Address, newRec.Address)
	assert.Equal(t, uint64(2_000), newRec.Price)

	// Old record is closed, new one is live, and the asset stayed listed
	// under the proxy delegation the whole time.
	_, err = e.trades.GetRecord(context.Background(), rec.Address)
	assert.ErrorIs(t, err, domain.ErrEmptyTradeState)
	got, err := e.trades.GetRecord(context.Background(), newRec.Address)
	require.NoError(t, err)
	assert.Equal(t, newRec.Address, got.Address)
	assert.Equal(t, domain.LockListed, e.custody(t).Lock)
}

func TestMigrate(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.st.Execute(context.Background(), func(ctx context.Context, s domain.Stores) error {
		return s.Custody.Put(ctx, domain.AssetCustody{
			Asset:    asset,
			Holder:   seller,
			Holding:  registry.Holding(asset, seller),
			Standard: domain.StandardRestricted,
			Format:   domain.CustodyFormatLegacy,
		})
	}))

	err := e.trades.Migrate(context.Background(), e.cfg.Address, asset, seller, stranger)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	require.NoError(t, e.trades.Migrate(context.Background(), e.cfg.Address, asset, seller, seller))
	c := e.custody(t)
	assert.Equal(t, domain.CustodyFormatCurrent, c.Format)
	assert.Equal(t, domain.LockListed, c.Lock)
}

func TestMigrate_PlainAssetIsNoop(t *testing.T) {
	e := newEnv(t)
	e.seedAsset(t, domain.StandardPlain)

	require.NoError(t, e.trades.Migrate(context.Background(), e.cfg.Address, asset, seller, seller))
	assert.Equal(t, domain.CustodyFormatCurrent, e.custody(t).Format)
}

func TestListOpenAndByOwner(t *testing.T) {
	e := newEnv(t)
	e.seedAsset(t, domain.StandardPlain)
	e.list(t, 1_000)
	e.list(t, 2_000)

	open, err := e.trades.ListOpen(context.Background(), e.cfg.Address, domain.SideSeller, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, open, 2)

	paged, err := e.trades.ListOpen(context.Background(), e.cfg.Address, domain.SideSeller, domain.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, paged, 1)

	mine, err := e.trades.ListByOwner(context.Background(), e.cfg.Address, seller, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	none, err := e.trades.ListByOwner(context.Background(), e.cfg.Address, stranger, domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, none)
}
