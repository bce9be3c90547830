// Package settlement implements the one entry point through which assets and
// funds ever change hands: matching a sell-side and a buy-side trade record,
// enforcing the notary gate, moving custody through the asset's transfer
// strategy, and disbursing the price through the escrow ledger. Everything
// runs inside a single unit of work; a failure at any step leaves no trace.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/opengrove/marketd/internal/crypto"
	"github.com/opengrove/marketd/internal/domain"
	"github.com/opengrove/marketd/internal/fees"
	"github.com/opengrove/marketd/internal/ledger"
	"github.com/opengrove/marketd/internal/notary"
	"github.com/opengrove/marketd/internal/registry"
	"github.com/opengrove/marketd/internal/service"
	"github.com/opengrove/marketd/internal/transfer"
)

// Request identifies the two records to settle and carries the settlement-
// time authorization material.
type Request struct {
	SellerRecord common.Address
	BuyerRecord  common.Address

	// MakerFeeBp and TakerFeeBp, when both present, override the
	// marketplace's flat fee for this settlement. A negative maker fee is a
	// treasury-funded rebate.
	MakerFeeBp *int16
	TakerFeeBp *uint16

	// NotarySignature is the notary's 65-byte co-signature over the
	// settlement digest. Required only when the gate enforces for these
	// terms.
	NotarySignature []byte

	// SellerApproved and AuthorityApproved record off-ledger consent to a
	// zero-price transfer. A free transfer needs at least one of them.
	SellerApproved    bool
	AuthorityApproved bool
}

// Orchestrator drives settlements. cache, bus, and archiver may be nil in
// local mode; they only affect post-commit side effects.
type Orchestrator struct {
	uow      domain.UnitOfWork
	selector *transfer.Selector
	proxy    *crypto.Proxy
	cache    domain.ListingCache
	bus      domain.SignalBus
	archiver domain.ReceiptArchiver
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Orchestrator with all required dependencies.
func New(
	uow domain.UnitOfWork,
	selector *transfer.Selector,
	proxy *crypto.Proxy,
	cache domain.ListingCache,
	bus domain.SignalBus,
	archiver domain.ReceiptArchiver,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		uow:      uow,
		selector: selector,
		proxy:    proxy,
		cache:    cache,
		bus:      bus,
		archiver: archiver,
		logger:   logger,
		now:      time.Now,
	}
}

// Settle executes one settlement end to end. The trade settles at the
// seller's asking price; a bid above the ask pays only the ask. On success
// both records are closed, custody has moved, the buyer's escrow is debited,
// and every payee is credited in the same ledger, with a receipt recording
// the exact split.
func (o *Orchestrator) Settle(ctx context.Context, req Request) (domain.SettlementReceipt, error) {
	now := o.now()
	var rcpt domain.SettlementReceipt
	err := o.uow.Execute(ctx, func(ctx context.Context, st domain.Stores) error {
		seller, buyer, cfg, err := o.loadParties(ctx, st, req)
		if err != nil {
			return err
		}
		price := seller.Price

		if err := checkCompatible(seller, buyer, now); err != nil {
			return err
		}
		if price == 0 && !req.SellerApproved && !req.AuthorityApproved {
			return domain.ErrPartiesMustAgree
		}
		if err := notary.Check(cfg, seller, buyer, price, req.NotarySignature); err != nil {
			return err
		}
		if err := checkFunds(ctx, st, buyer, price); err != nil {
			return err
		}

		custody, err := st.Custody.Get(ctx, seller.Asset)
		if err != nil {
			return fmt.Errorf("settlement: custody for %s: %w", seller.Asset.Hex(), err)
		}
		// The buyer consented to a royalty ceiling when bidding; a schedule
		// above it cannot settle against this bid.
		if custody.RoyaltyTotalBp() > int(buyer.RoyaltyBp) {
			return domain.ErrInvalidBasisPoints
		}

		dist, err := fees.Distribute(fees.Params{
			Price:            price,
			TotalFeeBp:       cfg.TotalFeeBp,
			BuyerReferralBp:  cfg.BuyerReferralBp,
			SellerReferralBp: cfg.SellerReferralBp,
			MakerFeeBp:       req.MakerFeeBp,
			TakerFeeBp:       req.TakerFeeBp,
			Royalties:        custody.Royalties,
		})
		if err != nil {
			return err
		}

		proof, err := o.proxy.Authorize(seller.Marketplace, seller.Asset)
		if err != nil {
			return err
		}
		strat, err := o.selector.ForStandard(custody.Standard)
		if err != nil {
			return err
		}
		xfer, err := strat.Transfer(ctx, st, transfer.Request{
			Marketplace: seller.Marketplace,
			Asset:       seller.Asset,
			From:        seller.Owner,
			To:          buyer.Owner,
			Proof:       proof,
		})
		if err != nil {
			return err
		}

		if err := o.disburse(ctx, st, cfg, seller, buyer, dist, now); err != nil {
			return err
		}

		if err := st.Trades.Close(ctx, seller.Address); err != nil {
			return err
		}
		if err := st.Trades.Close(ctx, buyer.Address); err != nil {
			return err
		}

		rcpt = domain.SettlementReceipt{
			ID:             uuid.NewString(),
			Marketplace:    seller.Marketplace,
			Asset:          seller.Asset,
			Seller:         seller.Owner,
			Buyer:          buyer.Owner,
			Currency:       seller.Currency,
			SellerRecord:   seller.Address,
			BuyerRecord:    buyer.Address,
			Price:          price,
			Quantity:       seller.Quantity,
			Distribution:   dist,
			Transfer:       xfer,
			NotaryEnforced: notary.Enforced(cfg, seller, buyer),
			SettledAt:      now,
		}
		return st.Receipts.Insert(ctx, rcpt)
	})
	if err != nil {
		return domain.SettlementReceipt{}, err
	}

	o.afterCommit(ctx, rcpt)
	return rcpt, nil
}

// loadParties fetches both records and the marketplace config, verifying the
// record addresses against their terms and the config against its creator.
func (o *Orchestrator) loadParties(ctx context.Context, st domain.Stores, req Request) (seller, buyer domain.TradeRecord, cfg domain.MarketplaceConfig, err error) {
	seller, err = st.Trades.Get(ctx, req.SellerRecord)
	if err != nil {
		return seller, buyer, cfg, fmt.Errorf("settlement: seller record: %w", err)
	}
	buyer, err = st.Trades.Get(ctx, req.BuyerRecord)
	if err != nil {
		return seller, buyer, cfg, fmt.Errorf("settlement: buyer record: %w", err)
	}
	if seller.Side != domain.SideSeller || buyer.Side != domain.SideBuyer {
		return seller, buyer, cfg, domain.ErrAddressMismatch
	}
	for _, rec := range []domain.TradeRecord{seller, buyer} {
		if registry.TradeRecord(domain.TermsOf(rec)) != rec.Address {
			return seller, buyer, cfg, domain.ErrAddressMismatch
		}
	}

	cfg, err = st.Config.Get(ctx, seller.Marketplace)
	if err != nil {
		return seller, buyer, cfg, fmt.Errorf("settlement: marketplace config: %w", err)
	}
	if err = registry.Verify(cfg.Address, registry.NSMarketplace, cfg.Creator.Bytes()); err != nil {
		return seller, buyer, cfg, err
	}
	return seller, buyer, cfg, nil
}

// checkCompatible enforces the pairwise preconditions between the two
// records, in a fixed order so callers see deterministic failures.
func checkCompatible(seller, buyer domain.TradeRecord, now time.Time) error {
	if seller.Marketplace != buyer.Marketplace {
		return domain.ErrMarketplaceMismatch
	}
	if seller.Asset != buyer.Asset {
		return domain.ErrAssetMismatch
	}
	if seller.Currency != buyer.Currency {
		return domain.ErrCurrencyMismatch
	}
	if buyer.Price < seller.Price {
		return domain.ErrPriceMismatch
	}
	if seller.Quantity != buyer.Quantity {
		return domain.ErrQuantityMismatch
	}
	// Expiry is re-checked here even though it was checked at open time; a
	// record can expire while sitting open.
	if seller.Expired(now) || buyer.Expired(now) {
		return domain.ErrRecordExpired
	}
	return nil
}

// checkFunds verifies the buyer's escrow covers the price before any custody
// change begins. There are no holds; the balance is simply required to be
// there at this instant and the debit lands in the same unit of work.
func checkFunds(ctx context.Context, st domain.Stores, buyer domain.TradeRecord, price uint64) error {
	if price == 0 {
		return nil
	}
	acct, err := ledger.Account(ctx, st, buyer.Marketplace, buyer.Owner, buyer.Currency)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrInsufficientFunds
	}
	if err != nil {
		return err
	}
	if acct.Balance < price {
		return domain.ErrInsufficientFunds
	}
	return nil
}

// disburse moves the price from the buyer's escrow to every payee's escrow.
// A missing referrer folds that referral fee back into the treasury, keeping
// the conservation invariant intact.
func (o *Orchestrator) disburse(ctx context.Context, st domain.Stores, cfg domain.MarketplaceConfig, seller, buyer domain.TradeRecord, dist domain.Distribution, now time.Time) error {
	mkt, cur := seller.Marketplace, seller.Currency

	// A zero-price transfer moves no funds at all; the buyer may not even
	// have an escrow account.
	if dist.Price == 0 {
		return nil
	}
	if _, err := ledger.Debit(ctx, st, mkt, buyer.Owner, cur, dist.Price, now); err != nil {
		return err
	}

	treasury := dist.TreasuryFee
	if buyer.Referrer == (common.Address{}) {
		treasury += dist.BuyerReferralFee
	} else if _, err := ledger.Credit(ctx, st, mkt, buyer.Referrer, cur, dist.BuyerReferralFee, now); err != nil {
		return err
	}
	if seller.Referrer == (common.Address{}) {
		treasury += dist.SellerReferralFee
	} else if _, err := ledger.Credit(ctx, st, mkt, seller.Referrer, cur, dist.SellerReferralFee, now); err != nil {
		return err
	}
	if _, err := ledger.Credit(ctx, st, mkt, cfg.Treasury, cur, treasury, now); err != nil {
		return err
	}

	for _, r := range dist.Royalties {
		if _, err := ledger.Credit(ctx, st, mkt, r.Beneficiary, cur, r.Amount, now); err != nil {
			return err
		}
	}

	_, err := ledger.Credit(ctx, st, mkt, seller.Owner, cur, dist.SellerProceeds, now)
	return err
}

// afterCommit runs the non-transactional side effects of a successful
// settlement: cache invalidation, the event fanout, and the durable receipt
// archive. All of them are best-effort.
func (o *Orchestrator) afterCommit(ctx context.Context, rcpt domain.SettlementReceipt) {
	if o.cache != nil {
		for _, addr := range []common.Address{rcpt.SellerRecord, rcpt.BuyerRecord} {
			if err := o.cache.Invalidate(ctx, addr); err != nil {
				o.logger.WarnContext(ctx, "settlement: cache invalidate failed",
					slog.String("record", addr.Hex()),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	o.logger.InfoContext(ctx, "settlement: trade settled",
		slog.String("receipt", rcpt.ID),
		slog.String("asset", rcpt.Asset.Hex()),
		slog.Uint64("price", rcpt.Price),
		slog.Uint64("seller_proceeds", rcpt.Distribution.SellerProceeds),
	)

	if o.bus != nil {
		asset, record := rcpt.Asset, rcpt.SellerRecord
		payload, err := json.Marshal(domain.Event{
			Type:        domain.EventSettled,
			Marketplace: rcpt.Marketplace,
			Asset:       &asset,
			Record:      &record,
			At:          rcpt.SettledAt,
			Payload:     rcpt,
		})
		if err == nil {
			err = o.bus.Publish(ctx, service.EventsChannel, payload)
		}
		if err != nil {
			o.logger.WarnContext(ctx, "settlement: publish event failed",
				slog.String("receipt", rcpt.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if o.archiver != nil {
		if err := o.archiver.ArchiveReceipt(ctx, rcpt); err != nil {
			o.logger.WarnContext(ctx, "settlement: receipt archive failed",
				slog.String("receipt", rcpt.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Receipt fetches one settlement receipt by id.
func (o *Orchestrator) Receipt(ctx context.Context, id string) (domain.SettlementReceipt, error) {
	var rcpt domain.SettlementReceipt
	err := o.uow.View(ctx, func(ctx context.Context, st domain.Stores) error {
		var err error
		rcpt, err = st.Receipts.Get(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.SettlementReceipt{}, err
		}
		return domain.SettlementReceipt{}, fmt.Errorf("settlement: get receipt %s: %w", id, err)
	}
	return rcpt, nil
}

// Receipts pages through a marketplace's settlement receipts, newest first.
func (o *Orchestrator) Receipts(ctx context.Context, marketplace common.Address, opts domain.ListOpts) ([]domain.SettlementReceipt, error) {
	var rcpts []domain.SettlementReceipt
	err := o.uow.View(ctx, func(ctx context.Context, st domain.Stores) error {
		var err error
		rcpts, err = st.Receipts.ListByMarketplace(ctx, marketplace, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("settlement: list receipts: %w", err)
	}
	return rcpts, nil
}
