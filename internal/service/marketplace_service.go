package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/opengrove/marketd/internal/domain"
	"github.com/opengrove/marketd/internal/ledger"
	"github.com/opengrove/marketd/internal/registry"
)

// MarketplaceService manages marketplace configuration records and the
// treasury ledger attached to them.
type MarketplaceService struct {
	uow    domain.UnitOfWork
	bus    domain.SignalBus
	logger *slog.Logger
	now    func() time.Time
}

// NewMarketplaceService creates a MarketplaceService with all required
// dependencies.
func NewMarketplaceService(
	uow domain.UnitOfWork,
	bus domain.SignalBus,
	logger *slog.Logger,
) *MarketplaceService {
	return &MarketplaceService{
		uow:    uow,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// CreateMarketplaceParams describes a new marketplace. Creator is the
// immutable identity anchor the config address is derived from; everything
// else is mutable later through UpdateConfig.
type CreateMarketplaceParams struct {
	Creator            common.Address
	Authority          common.Address
	TreasuryWithdrawal common.Address
	Notary             common.Address

	TotalFeeBp       uint16
	BuyerReferralBp  uint16
	SellerReferralBp uint16

	RequiresNotary bool
	Nprob          uint8
}

// Create derives the marketplace and treasury addresses from the creator and
// persists the configuration record. One marketplace per creator: a second
// Create for the same creator fails with ErrAlreadyExists.
func (s *MarketplaceService) Create(ctx context.Context, p CreateMarketplaceParams) (domain.MarketplaceConfig, error) {
	now := s.now()
	addr := registry.Marketplace(p.Creator)
	cfg := domain.MarketplaceConfig{
		Address:            addr,
		Authority:          p.Authority,
		Creator:            p.Creator,
		Treasury:           registry.Treasury(addr),
		TreasuryWithdrawal: p.TreasuryWithdrawal,
		Notary:             p.Notary,
		TotalFeeBp:         p.TotalFeeBp,
		BuyerReferralBp:    p.BuyerReferralBp,
		SellerReferralBp:   p.SellerReferralBp,
		RequiresNotary:     p.RequiresNotary,
		Nprob:              p.Nprob,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := cfg.ValidateFees(); err != nil {
		return domain.MarketplaceConfig{}, err
	}

	err := s.uow.Execute(ctx, func(ctx context.Context, st domain.Stores) error {
		return st.Config.Create(ctx, cfg)
	})
	if err != nil {
		return domain.MarketplaceConfig{}, fmt.Errorf("marketplace_service: create: %w", err)
	}

	s.logger.InfoContext(ctx, "marketplace_service: marketplace created",
		slog.String("marketplace", cfg.Address.Hex()),
		slog.String("creator", cfg.Creator.Hex()),
	)
	publish(ctx, s.bus, s.logger, domain.Event{
		Type:        domain.EventConfigUpdated,
		Marketplace: cfg.Address,
		At:          now,
		Payload:     cfg,
	})
	return cfg, nil
}

// Get loads a marketplace configuration, verifying its derived address.
func (s *MarketplaceService) Get(ctx context.Context, marketplace common.Address) (domain.MarketplaceConfig, error) {
	var cfg domain.MarketplaceConfig
	err := s.uow.View(ctx, func(ctx context.Context, st domain.Stores) error {
		var err error
		cfg, err = loadConfig(ctx, st, marketplace)
		return err
	})
	if err != nil {
		return domain.MarketplaceConfig{}, err
	}
	return cfg, nil
}

// UpdateConfig applies the bounded update set to the marketplace
// configuration. Only the current authority may update; the fee invariants
// are re-validated against the post-update values as a whole.
func (s *MarketplaceService) UpdateConfig(ctx context.Context, marketplace, actor common.Address, upd domain.ConfigUpdate) (domain.MarketplaceConfig, error) {
	now := s.now()
	var cfg domain.MarketplaceConfig
	err := s.uow.Execute(ctx, func(ctx context.Context, st domain.Stores) error {
		var err error
		cfg, err = loadConfig(ctx, st, marketplace)
		if err != nil {
			return err
		}
		if actor != cfg.Authority {
			return domain.ErrUnauthorized
		}

		if upd.Authority != nil {
			cfg.Authority = *upd.Authority
		}
		if upd.Treasury != nil {
			cfg.Treasury = *upd.Treasury
		}
		if upd.TreasuryWithdrawal != nil {
			cfg.TreasuryWithdrawal = *upd.TreasuryWithdrawal
		}
		if upd.Notary != nil {
			cfg.Notary = *upd.Notary
		}
		if upd.TotalFeeBp != nil {
			cfg.TotalFeeBp = *upd.TotalFeeBp
		}
		if upd.BuyerReferralBp != nil {
			cfg.BuyerReferralBp = *upd.BuyerReferralBp
		}
		if upd.SellerReferralBp != nil {
			cfg.SellerReferralBp = *upd.SellerReferralBp
		}
		if upd.RequiresNotary != nil {
			cfg.RequiresNotary = *upd.RequiresNotary
		}
		if upd.Nprob != nil {
			cfg.Nprob = *upd.Nprob
		}
		if err := cfg.ValidateFees(); err != nil {
			return err
		}

		cfg.UpdatedAt = now
		return st.Config.Update(ctx, cfg)
	})
	if err != nil {
		return domain.MarketplaceConfig{}, err
	}

	s.logger.InfoContext(ctx, "marketplace_service: config updated",
		slog.String("marketplace", cfg.Address.Hex()),
	)
	publish(ctx, s.bus, s.logger, domain.Event{
		Type:        domain.EventConfigUpdated,
		Marketplace: cfg.Address,
		At:          now,
		Payload:     cfg,
	})
	return cfg, nil
}

// WithdrawTreasury debits the marketplace's treasury escrow balance for
// payout to the configured withdrawal destination. Only the destination
// itself may trigger it; the authority changes the destination through
// UpdateConfig but cannot drain funds in the same call that redirects them.
func (s *MarketplaceService) WithdrawTreasury(ctx context.Context, marketplace, actor, currency common.Address, amount uint64) (domain.EscrowAccount, error) {
	now := s.now()
	var (
		cfg  domain.MarketplaceConfig
		acct domain.EscrowAccount
	)
	err := s.uow.Execute(ctx, func(ctx context.Context, st domain.Stores) error {
		var err error
		cfg, err = loadConfig(ctx, st, marketplace)
		if err != nil {
			return err
		}
		if actor != cfg.TreasuryWithdrawal {
			return domain.ErrUnauthorized
		}
		acct, err = ledger.Debit(ctx, st, marketplace, cfg.Treasury, currency, amount, now)
		return err
	})
	if err != nil {
		return domain.EscrowAccount{}, err
	}

	s.logger.InfoContext(ctx, "marketplace_service: treasury withdrawal",
		slog.String("marketplace", marketplace.Hex()),
		slog.String("destination", cfg.TreasuryWithdrawal.Hex()),
		slog.Uint64("amount", amount),
	)
	publish(ctx, s.bus, s.logger, domain.Event{
		Type:        domain.EventWithdrawal,
		Marketplace: marketplace,
		At:          now,
		Payload: map[string]any{
			"depositor":   cfg.Treasury.Hex(),
			"destination": cfg.TreasuryWithdrawal.Hex(),
			"currency":    currency.Hex(),
			"amount":      amount,
			"balance":     acct.Balance,
		},
	})
	return acct, nil
}

// loadConfig fetches and address-verifies a marketplace configuration. Every
// service operation resolves the config through this path, so a corrupted or
// mis-derived record can never be acted on.
func loadConfig(ctx context.Context, st domain.Stores, marketplace common.Address) (domain.MarketplaceConfig, error) {
	cfg, err := st.Config.Get(ctx, marketplace)
	if err != nil {
		return domain.MarketplaceConfig{}, fmt.Errorf("marketplace_service: get config %s: %w", marketplace.Hex(), err)
	}
	if err := registry.Verify(cfg.Address, registry.NSMarketplace, cfg.Creator.Bytes()); err != nil {
		return domain.MarketplaceConfig{}, err
	}
	return cfg, nil
}
