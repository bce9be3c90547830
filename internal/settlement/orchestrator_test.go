package settlement

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengrove/marketd/internal/crypto"
	"github.com/opengrove/marketd/internal/domain"
	"github.com/opengrove/marketd/internal/notary"
	"github.com/opengrove/marketd/internal/registry"
	"github.com/opengrove/marketd/internal/service"
	"github.com/opengrove/marketd/internal/store/memory"
	"github.com/opengrove/marketd/internal/transfer"
)

var (
	creator   = common.HexToAddress("0x01")
	authority = common.HexToAddress("0x02")
	seller    = common.HexToAddress("0x11")
	buyer     = common.HexToAddress("0x12")
	buyerRef  = common.HexToAddress("0x21")
	sellerRef = common.HexToAddress("0x22")
	asset     = common.HexToAddress("0xf1")
	currency  = domain.NativeCurrency
)

type fixture struct {
	st        *memory.Store
	orch      *Orchestrator
	trades    *service.TradeService
	escrows   *service.EscrowService
	cfg       domain.MarketplaceConfig
	notaryKey *ecdsa.PrivateKey
}

func newFixture(t *testing.T, requiresNotary bool, nprob uint8) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	st := memory.New()
	proxy, err := crypto.GenerateProxy()
	require.NoError(t, err)
	sel := transfer.NewSelector(proxy)

	notaryKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	markets := service.NewMarketplaceService(st, nil, logger)
	cfg, err := markets.Create(context.Background(), service.CreateMarketplaceParams{
		Creator:            creator,
		Authority:          authority,
		TreasuryWithdrawal: common.HexToAddress("0x03"),
		Notary:             ethcrypto.PubkeyToAddress(notaryKey.PublicKey),
		TotalFeeBp:         500,
		BuyerReferralBp:    100,
		SellerReferralBp:   100,
		RequiresNotary:     requiresNotary,
		Nprob:              nprob,
	})
	require.NoError(t, err)

	return &fixture{
		st:        st,
		orch:      New(st, sel, proxy, nil, nil, nil, logger),
		trades:    service.NewTradeService(st, sel, proxy, nil, nil, logger),
		escrows:   service.NewEscrowService(st, nil, logger),
		cfg:       cfg,
		notaryKey: notaryKey,
	}
}

func (f *fixture) seedAsset(t *testing.T, royalties []domain.RoyaltyShare) {
	t.Helper()
	require.NoError(t, f.st.Execute(context.Background(), func(ctx context.Context, s domain.Stores) error {
		return s.Custody.Put(ctx, domain.AssetCustody{
			Asset:     asset,
			Holder:    seller,
			Holding:   registry.Holding(asset, seller),
			Standard:  domain.StandardPlain,
			Format:    domain.CustodyFormatCurrent,
			Royalties: royalties,
		})
	}))
}

func (f *fixture) deposit(t *testing.T, depositor common.Address, amount uint64) {
	t.Helper()
	_, err := f.escrows.Deposit(context.Background(), service.DepositParams{
		Marketplace: f.cfg.Address,
		Depositor:   depositor,
		Currency:    currency,
		Amount:      amount,
	})
	require.NoError(t, err)
}

func (f *fixture) openPair(t *testing.T, askPrice, bidPrice uint64, royaltyBp uint16) (sellRec, bidRec domain.TradeRecord) {
	t.Helper()
	sellRec, err := f.trades.List(context.Background(), service.ListParams{
		Marketplace: f.cfg.Address,
		Seller:      seller,
		Referrer:    sellerRef,
		Asset:       asset,
		Currency:    currency,
		Price:       askPrice,
		Quantity:    1,
	})
	require.NoError(t, err)

	bidRec, err = f.trades.PlaceBid(context.Background(), service.BidParams{
		Marketplace: f.cfg.Address,
		Buyer:       buyer,
		Referrer:    buyerRef,
		Asset:       asset,
		Currency:    currency,
		Price:       bidPrice,
		Quantity:    1,
		RoyaltyBp:   royaltyBp,
	})
	require.NoError(t, err)
	return sellRec, bidRec
}

func (f *fixture) balance(t *testing.T, depositor common.Address) uint64 {
	t.Helper()
	acct, err := f.escrows.Balance(context.Background(), f.cfg.Address, depositor, currency)
	require.NoError(t, err)
	return acct.Balance
}

func TestSettle_DistributesFeesAndMovesCustody(t *testing.T) {
	f := newFixture(t, false, 0)
	f.seedAsset(t, nil)
	f.deposit(t, buyer, 2_000_000)
	sellRec, bidRec := f.openPair(t, 1_000_000, 1_000_000, 0)

	rcpt, err := f.orch.Settle(context.Background(), Request{
		SellerRecord: sellRec.Address,
		BuyerRecord:  bidRec.Address,
	})
	require.NoError(t, err)

	// 500bp total fee, 100bp to each referrer, remainder to treasury.
	assert.Equal(t, uint64(1_000_000), rcpt.Price)
	assert.Equal(t, uint64(30_000), rcpt.Distribution.TreasuryFee)
	assert.Equal(t, uint64(10_000), rcpt.Distribution.BuyerReferralFee)
	assert.Equal(t, uint64(10_000), rcpt.Distribution.SellerReferralFee)
	assert.Equal(t, uint64(950_000), rcpt.Distribution.SellerProceeds)

	assert.Equal(t, uint64(1_000_000), f.balance(t, buyer))
	assert.Equal(t, uint64(30_000), f.balance(t, f.cfg.Treasury))
	assert.Equal(t, uint64(10_000), f.balance(t, buyerRef))
	assert.Equal(t, uint64(10_000), f.balance(t, sellerRef))
	assert.Equal(t, uint64(950_000), f.balance(t, seller))

	// Custody moved to the buyer.
	require.NoError(t, f.st.View(context.Background(), func(ctx context.Context, s domain.Stores) error {
		c, err := s.Custody.Get(ctx, asset)
		require.NoError(t, err)
		assert.Equal(t, buyer, c.Holder)
		return nil
	}))

	// The receipt is queryable and both records are gone.
	got, err := f.orch.Receipt(context.Background(), rcpt.ID)
	require.NoError(t, err)
	assert.Equal(t, rcpt.ID, got.ID)
}

func TestSettle_TwiceFailsOnClosedRecords(t *testing.T) {
	f := newFixture(t, false, 0)
	f.seedAsset(t, nil)
	f.deposit(t, buyer, 2_000_000)
	sellRec, bidRec := f.openPair(t, 1_000_000, 1_000_000, 0)

	req := Request{SellerRecord: sellRec.Address, BuyerRecord: bidRec.Address}
	_, err := f.orch.Settle(context.Background(), req)
	require.NoError(t, err)

	_, err = f.orch.Settle(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrEmptyTradeState)

	// The second attempt moved no money.
	assert.Equal(t, uint64(1_000_000), f.balance(t, buyer))
	assert.Equal(t, uint64(950_000), f.balance(t, seller))
}

func TestSettle_BidAboveAskSettlesAtAsk(t *testing.T) {
	f := newFixture(t, false, 0)
	f.seedAsset(t, nil)
	f.deposit(t, buyer, 2_000_000)
	sellRec, bidRec := f.openPair(t, 1_000_000, 1_500_000, 0)

	rcpt, err := f.orch.Settle(context.Background(), Request{
		SellerRecord: sellRec.Address,
		BuyerRecord:  bidRec.Address,
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(1_000_000), rcpt.Price)
	assert.Equal(t, uint64(1_000_000), f.balance(t, buyer), "buyer pays the ask, not the bid")
}

func TestSettle_BidBelowAskRejected(t *testing.T) {
	f := newFixture(t, false, 0)
	f.seedAsset(t, nil)
	f.deposit(t, buyer, 2_000_000)
	sellRec, bidRec := f.openPair(t, 1_000_000, 999_999, 0)

	_, err := f.orch.Settle(context.Background(), Request{
		SellerRecord: sellRec.Address,
		BuyerRecord:  bidRec.Address,
	})
	assert.ErrorIs(t, err, domain.ErrPriceMismatch)
}

func TestSettle_InsufficientEscrow(t *testing.T) {
	f := newFixture(t, false, 0)
	f.seedAsset(t, nil)
	f.deposit(t, buyer, 999_999)
	sellRec, bidRec := f.openPair(t, 1_000_000, 1_000_000, 0)

	_, err := f.orch.Settle(context.Background(), Request{
		SellerRecord: sellRec.Address,
		BuyerRecord:  bidRec.Address,
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	// Nothing changed: records still open, custody with the seller.
	_, err = f.trades.GetRecord(context.Background(), sellRec.Address)
	require.NoError(t, err)
	require.NoError(t, f.st.View(context.Background(), func(ctx context.Context, s domain.Stores) error {
		c, err := s.Custody.Get(ctx, asset)
		require.NoError(t, err)
		assert.Equal(t, seller, c.Holder)
		return nil
	}))
}

func TestSettle_ExpiredRecordRejected(t *testing.T) {
	f := newFixture(t, false, 0)
	f.seedAsset(t, nil)
	f.deposit(t, buyer, 2_000_000)

	sellRec, err := f.trades.List(context.Background(), service.ListParams{
		Marketplace: f.cfg.Address,
		Seller:      seller,
		Asset:       asset,
		Currency:    currency,
		Price:       1_000_000,
		Quantity:    1,
		Expiry:      time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	bidRec, err := f.trades.PlaceBid(context.Background(), service.BidParams{
		Marketplace: f.cfg.Address,
		Buyer:       buyer,
		Asset:       asset,
		Currency:    currency,
		Price:       1_000_000,
		Quantity:    1,
	})
	require.NoError(t, err)

	// Jump settlement time past the listing's expiry.
	f.orch.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err = f.orch.Settle(context.Background(), Request{
		SellerRecord: sellRec.Address,
		BuyerRecord:  bidRec.Address,
	})
	assert.ErrorIs(t, err, domain.ErrRecordExpired)
}

func TestSettle_ZeroPriceNeedsExplicitConsent(t *testing.T) {
	f := newFixture(t, false, 0)
	f.seedAsset(t, nil)
	sellRec, bidRec := f.openPair(t, 0, 0, 0)

	req := Request{SellerRecord: sellRec.Address, BuyerRecord: bidRec.Address}
	_, err := f.orch.Settle(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrPartiesMustAgree)

	req.SellerApproved = true
	rcpt, err := f.orch.Settle(context.Background(), req)
	require.NoError(t, err)

	// A free transfer moves custody but no funds; the buyer never needed an
	// escrow account.
	assert.Zero(t, rcpt.Distribution.SellerProceeds)
	_, err = f.escrows.Balance(context.Background(), f.cfg.Address, buyer, currency)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSettle_MissingReferrersFoldIntoTreasury(t *testing.T) {
	f := newFixture(t, false, 0)
	f.seedAsset(t, nil)
	f.deposit(t, buyer, 2_000_000)

	sellRec, err := f.trades.List(context.Background(), service.ListParams{
		Marketplace: f.cfg.Address,
		Seller:      seller,
		Asset:       asset,
		Currency:    currency,
		Price:       1_000_000,
		Quantity:    1,
	})
	require.NoError(t, err)
	bidRec, err := f.trades.PlaceBid(context.Background(), service.BidParams{
		Marketplace: f.cfg.Address,
		Buyer:       buyer,
		Asset:       asset,
		Currency:    currency,
		Price:       1_000_000,
		Quantity:    1,
	})
	require.NoError(t, err)

	_, err = f.orch.Settle(context.Background(), Request{
		SellerRecord: sellRec.Address,
		BuyerRecord:  bidRec.Address,
	})
	require.NoError(t, err)

	// No referrer on either side: the full 500bp lands in treasury.
	assert.Equal(t, uint64(50_000), f.balance(t, f.cfg.Treasury))
	assert.Equal(t, uint64(950_000), f.balance(t, seller))
}

func TestSettle_RoyaltiesPaidWithinBuyerCeiling(t *testing.T) {
	beneficiary := common.HexToAddress("0x31")
	f := newFixture(t, false, 0)
	f.seedAsset(t, []domain.RoyaltyShare{{Beneficiary: beneficiary, Bp: 250}})
	f.deposit(t, buyer, 2_000_000)
	sellRec, bidRec := f.openPair(t, 1_000_000, 1_000_000, 250)

	rcpt, err := f.orch.Settle(context.Background(), Request{
		SellerRecord: sellRec.Address,
		BuyerRecord:  bidRec.Address,
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(25_000), rcpt.Distribution.RoyaltyTotal())
	assert.Equal(t, uint64(25_000), f.balance(t, beneficiary))
	assert.Equal(t, uint64(925_000), f.balance(t, seller))
}

func TestSettle_RoyaltyAboveBuyerCeilingRejected(t *testing.T) {
	beneficiary := common.HexToAddress("0x31")
	f := newFixture(t, false, 0)
	f.seedAsset(t, []domain.RoyaltyShare{{Beneficiary: beneficiary, Bp: 300}})
	f.deposit(t, buyer, 2_000_000)
	sellRec, bidRec := f.openPair(t, 1_000_000, 1_000_000, 250)

	_, err := f.orch.Settle(context.Background(), Request{
		SellerRecord: sellRec.Address,
		BuyerRecord:  bidRec.Address,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidBasisPoints)
}

func TestSettle_NotaryGate(t *testing.T) {
	// Nprob 100 means every trade is enforced.
	f := newFixture(t, true, 100)
	f.seedAsset(t, nil)
	f.deposit(t, buyer, 2_000_000)
	sellRec, bidRec := f.openPair(t, 1_000_000, 1_000_000, 0)

	req := Request{SellerRecord: sellRec.Address, BuyerRecord: bidRec.Address}
	_, err := f.orch.Settle(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrSaleRequiresSigner)

	// A signature from the wrong key is rejected.
	wrongKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	digest := notary.Digest(sellRec.Address, bidRec.Address, 1_000_000)
	req.NotarySignature, err = ethcrypto.Sign(digest.Bytes(), wrongKey)
	require.NoError(t, err)
	_, err = f.orch.Settle(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidNotary)

	// The configured notary's co-signature unblocks the settlement.
	req.NotarySignature, err = ethcrypto.Sign(digest.Bytes(), f.notaryKey)
	require.NoError(t, err)
	_, err = f.orch.Settle(context.Background(), req)
	require.NoError(t, err)
}

func TestSettle_MakerTakerOverride(t *testing.T) {
	f := newFixture(t, false, 0)
	f.seedAsset(t, nil)
	f.deposit(t, buyer, 2_000_000)
	sellRec, bidRec := f.openPair(t, 1_000_000, 1_000_000, 0)

	maker, taker := int16(200), uint16(400)
	rcpt, err := f.orch.Settle(context.Background(), Request{
		SellerRecord: sellRec.Address,
		BuyerRecord:  bidRec.Address,
		MakerFeeBp:   &maker,
		TakerFeeBp:   &taker,
	})
	require.NoError(t, err)

	// 600bp effective fee replaces the flat 500bp.
	assert.Equal(t, uint64(40_000), rcpt.Distribution.TreasuryFee)
	assert.Equal(t, uint64(940_000), rcpt.Distribution.SellerProceeds)
}

func TestSettle_MarketplaceMismatch(t *testing.T) {
	f := newFixture(t, false, 0)
	f.seedAsset(t, nil)
	f.deposit(t, buyer, 2_000_000)
	sellRec, _ := f.openPair(t, 1_000_000, 1_000_000, 0)

	// A second marketplace with its own bid for the same asset.
	logger := slog.New(slog.DiscardHandler)
	markets := service.NewMarketplaceService(f.st, nil, logger)
	other, err := markets.Create(context.Background(), service.CreateMarketplaceParams{
		Creator:   common.HexToAddress("0x99"),
		Authority: authority,
	})
	require.NoError(t, err)
	otherBid, err := f.trades.PlaceBid(context.Background(), service.BidParams{
		Marketplace: other.Address,
		Buyer:       buyer,
		Asset:       asset,
		Currency:    currency,
		Price:       1_000_000,
		Quantity:    1,
	})
	require.NoError(t, err)

	_, err = f.orch.Settle(context.Background(), Request{
		SellerRecord: sellRec.Address,
		BuyerRecord:  otherBid.Address,
	})
	assert.ErrorIs(t, err, domain.ErrMarketplaceMismatch)
}

func TestSettle_ConservationAcrossLedger(t *testing.T) {
	beneficiary := common.HexToAddress("0x31")
	f := newFixture(t, false, 0)
	f.seedAsset(t, []domain.RoyaltyShare{{Beneficiary: beneficiary, Bp: 333}})
	f.deposit(t, buyer, 1_000_001)
	sellRec, bidRec := f.openPair(t, 1_000_001, 1_000_001, 333)

	rcpt, err := f.orch.Settle(context.Background(), Request{
		SellerRecord: sellRec.Address,
		BuyerRecord:  bidRec.Address,
	})
	require.NoError(t, err)

	// Every unit debited from the buyer is credited somewhere.
	total := f.balance(t, f.cfg.Treasury) +
		f.balance(t, buyerRef) +
		f.balance(t, sellerRef) +
		f.balance(t, beneficiary) +
		f.balance(t, seller)
	assert.Equal(t, rcpt.Price, total)
	assert.Zero(t, f.balance(t, buyer))
}
