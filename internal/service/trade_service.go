package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/opengrove/marketd/internal/crypto"
	"github.com/opengrove/marketd/internal/domain"
	"github.com/opengrove/marketd/internal/registry"
	"github.com/opengrove/marketd/internal/transfer"
)

// TradeService manages the open-order lifecycle: listings, bids,
// cancellations, reprices, and custody-format migration. Settlement itself
// lives in the settlement orchestrator.
type TradeService struct {
	uow      domain.UnitOfWork
	selector *transfer.Selector
	proxy    *crypto.Proxy
	cache    domain.ListingCache
	bus      domain.SignalBus
	logger   *slog.Logger
	now      func() time.Time
}

// NewTradeService creates a TradeService with all required dependencies.
// cache and bus may be nil in local mode.
func NewTradeService(
	uow domain.UnitOfWork,
	selector *transfer.Selector,
	proxy *crypto.Proxy,
	cache domain.ListingCache,
	bus domain.SignalBus,
	logger *slog.Logger,
) *TradeService {
	return &TradeService{
		uow:      uow,
		selector: selector,
		proxy:    proxy,
		cache:    cache,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
	}
}

// ListParams describes a new sell-side listing.
type ListParams struct {
	Marketplace common.Address
	Seller      common.Address
	Referrer    common.Address
	Asset       common.Address
	Currency    common.Address
	Price       uint64
	Quantity    uint64
	Expiry      int64
}

// List opens a sell-side trade record and transitions the asset into its
// listed custody state under the marketplace signing proxy. The record
// address is derived from the full terms, so listing the same terms twice
// fails with ErrAlreadyExists.
func (s *TradeService) List(ctx context.Context, p ListParams) (domain.TradeRecord, error) {
	now := s.now()
	rec := domain.TradeRecord{
		Marketplace: p.Marketplace,
		Side:        domain.SideSeller,
		Owner:       p.Seller,
		Referrer:    p.Referrer,
		Asset:       p.Asset,
		Currency:    p.Currency,
		Price:       p.Price,
		Quantity:    p.Quantity,
		Expiry:      p.Expiry,
		Holding:     registry.Holding(p.Asset, p.Seller),
		CreatedAt:   now,
	}
	rec.Address = registry.TradeRecord(domain.TermsOf(rec))
	if err := rec.Validate(now); err != nil {
		return domain.TradeRecord{}, err
	}

	proof, err := s.proxy.Authorize(p.Marketplace, p.Asset)
	if err != nil {
		return domain.TradeRecord{}, err
	}
	err = s.uow.Execute(ctx, func(ctx context.Context, st domain.Stores) error {
		if _, err := loadConfig(ctx, st, p.Marketplace); err != nil {
			return err
		}
		strat, err := s.selector.ForAsset(ctx, st, p.Asset)
		if err != nil {
			return err
		}
		if err := strat.Prepare(ctx, st, p.Marketplace, p.Asset, p.Seller, proof); err != nil {
			return err
		}
		return st.Trades.Open(ctx, rec)
	})
	if err != nil {
		return domain.TradeRecord{}, err
	}

	s.cacheSet(ctx, rec)
	s.logger.InfoContext(ctx, "trade_service: listing opened",
		slog.String("record", rec.Address.Hex()),
		slog.String("asset", rec.Asset.Hex()),
		slog.Uint64("price", rec.Price),
	)
	s.publishRecord(ctx, domain.EventListingOpened, rec, now)
	return rec, nil
}

// BidParams describes a new buy-side order.
type BidParams struct {
	Marketplace common.Address
	Buyer       common.Address
	Referrer    common.Address
	Asset       common.Address
	Currency    common.Address
	Price       uint64
	Quantity    uint64
	Expiry      int64

	// RoyaltyBp is the creator royalty the buyer accepts paying, in basis
	// points. Settlement rejects assets whose royalty schedule exceeds it.
	RoyaltyBp uint16
}

// PlaceBid opens a buy-side trade record. Bids touch no custody state; funds
// are only checked against escrow at settlement time.
func (s *TradeService) PlaceBid(ctx context.Context, p BidParams) (domain.TradeRecord, error) {
	now := s.now()
	rec := domain.TradeRecord{
		Marketplace: p.Marketplace,
		Side:        domain.SideBuyer,
		Owner:       p.Buyer,
		Referrer:    p.Referrer,
		Asset:       p.Asset,
		Currency:    p.Currency,
		Price:       p.Price,
		Quantity:    p.Quantity,
		Expiry:      p.Expiry,
		RoyaltyBp:   p.RoyaltyBp,
		CreatedAt:   now,
	}
	rec.Address = registry.TradeRecord(domain.TermsOf(rec))
	if err := rec.Validate(now); err != nil {
		return domain.TradeRecord{}, err
	}

	err := s.uow.Execute(ctx, func(ctx context.Context, st domain.Stores) error {
		if _, err := loadConfig(ctx, st, p.Marketplace); err != nil {
			return err
		}
		return st.Trades.Open(ctx, rec)
	})
	if err != nil {
		return domain.TradeRecord{}, err
	}

	s.cacheSet(ctx, rec)
	s.logger.InfoContext(ctx, "trade_service: bid opened",
		slog.String("record", rec.Address.Hex()),
		slog.String("asset", rec.Asset.Hex()),
		slog.Uint64("price", rec.Price),
	)
	s.publishRecord(ctx, domain.EventBidOpened, rec, now)
	return rec, nil
}

// CancelListing closes a sell-side record and restores the asset's
// pre-listing custody state. The owner cancels their own listing; the
// marketplace authority may also cancel (e.g. delisting).
func (s *TradeService) CancelListing(ctx context.Context, record, actor common.Address) error {
	now := s.now()
	var rec domain.TradeRecord
	err := s.uow.Execute(ctx, func(ctx context.Context, st domain.Stores) error {
		var err error
		rec, err = st.Trades.Get(ctx, record)
		if err != nil {
			return err
		}
		if rec.Side != domain.SideSeller {
			return domain.ErrAddressMismatch
		}
		cfg, err := loadConfig(ctx, st, rec.Marketplace)
		if err != nil {
			return err
		}
		if actor != rec.Owner && actor != cfg.Authority {
			return domain.ErrPublicKeyMismatch
		}

		proof, err := s.proxy.Authorize(rec.Marketplace, rec.Asset)
		if err != nil {
			return err
		}
		strat, err := s.selector.ForAsset(ctx, st, rec.Asset)
		if err != nil {
			return err
		}
		if err := strat.Release(ctx, st, rec.Marketplace, rec.Asset, rec.Owner, proof); err != nil {
			return err
		}
		return st.Trades.Close(ctx, record)
	})
	if err != nil {
		return err
	}

	s.cacheInvalidate(ctx, record)
	s.logger.InfoContext(ctx, "trade_service: listing cancelled",
		slog.String("record", record.Hex()),
	)
	s.publishRecord(ctx, domain.EventListingClosed, rec, now)
	return nil
}

// CancelBid closes a buy-side record. No custody state is involved.
func (s *TradeService) CancelBid(ctx context.Context, record, actor common.Address) error {
	now := s.now()
	var rec domain.TradeRecord
	err := s.uow.Execute(ctx, func(ctx context.Context, st domain.Stores) error {
		var err error
		rec, err = st.Trades.Get(ctx, record)
		if err != nil {
			return err
		}
		if rec.Side != domain.SideBuyer {
			return domain.ErrAddressMismatch
		}
		cfg, err := loadConfig(ctx, st, rec.Marketplace)
		if err != nil {
			return err
		}
		if actor != rec.Owner && actor != cfg.Authority {
			return domain.ErrPublicKeyMismatch
		}
		return st.Trades.Close(ctx, record)
	})
	if err != nil {
		return err
	}

	s.cacheInvalidate(ctx, record)
	s.logger.InfoContext(ctx, "trade_service: bid cancelled",
		slog.String("record", record.Hex()),
	)
	s.publishRecord(ctx, domain.EventBidClosed, rec, now)
	return nil
}

// Reprice changes the price of an open listing. Record addresses bake the
// price in, so a reprice is a close-plus-open in one unit of work: the old
// record is retired and a new record at the new price (and new address) is
// opened while the asset stays listed throughout.
func (s *TradeService) Reprice(ctx context.Context, record, actor common.Address, newPrice uint64) (domain.TradeRecord, error) {
	now := s.now()
	var (
		old    domain.TradeRecord
		newRec domain.TradeRecord
	)
	err := s.uow.Execute(ctx, func(ctx context.Context, st domain.Stores) error {
		var err error
		old, err = st.Trades.Get(ctx, record)
		if err != nil {
			return err
		}
		if old.Side != domain.SideSeller {
			return domain.ErrAddressMismatch
		}
		if _, err := loadConfig(ctx, st, old.Marketplace); err != nil {
			return err
		}
		if actor != old.Owner {
			return domain.ErrUnauthorized
		}

		newRec = old
		newRec.Price = newPrice
		newRec.CreatedAt = now
		newRec.Version = 0
		newRec.Address = registry.TradeRecord(domain.TermsOf(newRec))
		if err := newRec.Validate(now); err != nil {
			return err
		}

		// The asset is already listed; Prepare verifies the existing
		// delegation still belongs to us rather than re-locking.
		proof, err := s.proxy.Authorize(old.Marketplace, old.Asset)
		if err != nil {
			return err
		}
		strat, err := s.selector.ForAsset(ctx, st, old.Asset)
		if err != nil {
			return err
		}
		if err := strat.Prepare(ctx, st, old.Marketplace, old.Asset, old.Owner, proof); err != nil {
			return err
		}

		if err := st.Trades.Close(ctx, record); err != nil {
			return err
		}
		return st.Trades.Open(ctx, newRec)
	})
	if err != nil {
		return domain.TradeRecord{}, err
	}

	s.cacheInvalidate(ctx, record)
	s.cacheSet(ctx, newRec)
	s.logger.InfoContext(ctx, "trade_service: listing repriced",
		slog.String("old_record", record.Hex()),
		slog.String("new_record", newRec.Address.Hex()),
		slog.Uint64("price", newPrice),
	)
	s.publishRecord(ctx, domain.EventListingClosed, old, now)
	s.publishRecord(ctx, domain.EventListingOpened, newRec, now)
	return newRec, nil
}

// Migrate upgrades a legacy-format custody record to the current format so
// the asset can settle. Assets whose strategy has no legacy format are a
// no-op. The holder migrates their own asset; the authority may migrate on
// their behalf.
func (s *TradeService) Migrate(ctx context.Context, marketplace, asset, holder, actor common.Address) error {
	now := s.now()
	proof, err := s.proxy.Authorize(marketplace, asset)
	if err != nil {
		return err
	}
	err = s.uow.Execute(ctx, func(ctx context.Context, st domain.Stores) error {
		cfg, err := loadConfig(ctx, st, marketplace)
		if err != nil {
			return err
		}
		if actor != holder && actor != cfg.Authority {
			return domain.ErrUnauthorized
		}
		strat, err := s.selector.ForAsset(ctx, st, asset)
		if err != nil {
			return err
		}
		m, ok := strat.(transfer.Migrator)
		if !ok {
			return nil
		}
		return m.Migrate(ctx, st, marketplace, asset, holder, proof)
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "trade_service: custody migrated",
		slog.String("asset", asset.Hex()),
		slog.String("holder", holder.Hex()),
	)
	publish(ctx, s.bus, s.logger, domain.Event{
		Type:        domain.EventListingMigrated,
		Marketplace: marketplace,
		Asset:       &asset,
		At:          now,
	})
	return nil
}

// GetRecord fetches one open trade record, trying the listing cache before
// the store.
func (s *TradeService) GetRecord(ctx context.Context, record common.Address) (domain.TradeRecord, error) {
	if s.cache != nil {
		if rec, err := s.cache.Get(ctx, record); err == nil {
			return rec, nil
		}
	}
	var rec domain.TradeRecord
	err := s.uow.View(ctx, func(ctx context.Context, st domain.Stores) error {
		var err error
		rec, err = st.Trades.Get(ctx, record)
		return err
	})
	if err != nil {
		return domain.TradeRecord{}, err
	}
	s.cacheSet(ctx, rec)
	return rec, nil
}

// ListOpen pages through the marketplace's open records on one side.
func (s *TradeService) ListOpen(ctx context.Context, marketplace common.Address, side domain.TradeSide, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	var recs []domain.TradeRecord
	err := s.uow.View(ctx, func(ctx context.Context, st domain.Stores) error {
		var err error
		recs, err = st.Trades.ListOpen(ctx, marketplace, side, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("trade_service: list open: %w", err)
	}
	return recs, nil
}

// ListByOwner pages through one owner's open records on a marketplace.
func (s *TradeService) ListByOwner(ctx context.Context, marketplace, owner common.Address, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	var recs []domain.TradeRecord
	err := s.uow.View(ctx, func(ctx context.Context, st domain.Stores) error {
		var err error
		recs, err = st.Trades.ListByOwner(ctx, marketplace, owner, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("trade_service: list by owner: %w", err)
	}
	return recs, nil
}

func (s *TradeService) cacheSet(ctx context.Context, rec domain.TradeRecord) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "trade_service: cache set failed",
			slog.String("record", rec.Address.Hex()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *TradeService) cacheInvalidate(ctx context.Context, record common.Address) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, record); err != nil {
		s.logger.WarnContext(ctx, "trade_service: cache invalidate failed",
			slog.String("record", record.Hex()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *TradeService) publishRecord(ctx context.Context, typ string, rec domain.TradeRecord, at time.Time) {
	addr := rec.Address
	asset := rec.Asset
	publish(ctx, s.bus, s.logger, domain.Event{
		Type:        typ,
		Marketplace: rec.Marketplace,
		Asset:       &asset,
		Record:      &addr,
		At:          at,
		Payload:     rec,
	})
}
