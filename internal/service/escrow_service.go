package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/opengrove/marketd/internal/domain"
	"github.com/opengrove/marketd/internal/ledger"
)

// EscrowService manages depositor-facing escrow operations. Settlement
// disbursements go through the same ledger but are driven by the settlement
// orchestrator, not this service.
type EscrowService struct {
	uow    domain.UnitOfWork
	bus    domain.SignalBus
	logger *slog.Logger
	now    func() time.Time
}

// NewEscrowService creates an EscrowService with all required dependencies.
func NewEscrowService(
	uow domain.UnitOfWork,
	bus domain.SignalBus,
	logger *slog.Logger,
) *EscrowService {
	return &EscrowService{
		uow:    uow,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// DepositParams identifies the escrow tuple and the amount to credit.
type DepositParams struct {
	Marketplace common.Address
	Depositor   common.Address
	Currency    common.Address
	Amount      uint64
}

// Deposit credits the depositor's escrow balance, creating the account on
// first use. The marketplace must exist; the external currency movement that
// funds the deposit happens before this call and is outside the ledger.
func (s *EscrowService) Deposit(ctx context.Context, p DepositParams) (domain.EscrowAccount, error) {
	now := s.now()
	var acct domain.EscrowAccount
	err := s.uow.Execute(ctx, func(ctx context.Context, st domain.Stores) error {
		if _, err := loadConfig(ctx, st, p.Marketplace); err != nil {
			return err
		}
		var err error
		acct, err = ledger.Credit(ctx, st, p.Marketplace, p.Depositor, p.Currency, p.Amount, now)
		return err
	})
	if err != nil {
		return domain.EscrowAccount{}, err
	}

	s.logger.InfoContext(ctx, "escrow_service: deposit",
		slog.String("marketplace", p.Marketplace.Hex()),
		slog.String("depositor", p.Depositor.Hex()),
		slog.Uint64("amount", p.Amount),
		slog.Uint64("balance", acct.Balance),
	)
	publish(ctx, s.bus, s.logger, domain.Event{
		Type:        domain.EventDeposit,
		Marketplace: p.Marketplace,
		At:          now,
		Payload: map[string]any{
			"depositor": p.Depositor.Hex(),
			"currency":  p.Currency.Hex(),
			"amount":    p.Amount,
			"balance":   acct.Balance,
		},
	})
	return acct, nil
}

// WithdrawParams identifies the escrow tuple, the amount to debit, and who is
// asking.
type WithdrawParams struct {
	Marketplace common.Address
	Depositor   common.Address
	Currency    common.Address
	Amount      uint64
	Actor       common.Address
}

// Withdraw debits the depositor's escrow balance. The depositor withdraws
// their own funds; the marketplace authority may also withdraw on a
// depositor's behalf. Anything beyond the balance fails with
// ErrInsufficientFunds.
func (s *EscrowService) Withdraw(ctx context.Context, p WithdrawParams) (domain.EscrowAccount, error) {
	now := s.now()
	var acct domain.EscrowAccount
	err := s.uow.Execute(ctx, func(ctx context.Context, st domain.Stores) error {
		cfg, err := loadConfig(ctx, st, p.Marketplace)
		if err != nil {
			return err
		}
		if p.Actor != p.Depositor && p.Actor != cfg.Authority {
			return domain.ErrUnauthorized
		}
		acct, err = ledger.Debit(ctx, st, p.Marketplace, p.Depositor, p.Currency, p.Amount, now)
		return err
	})
	if err != nil {
		return domain.EscrowAccount{}, err
	}

	s.logger.InfoContext(ctx, "escrow_service: withdrawal",
		slog.String("marketplace", p.Marketplace.Hex()),
		slog.String("depositor", p.Depositor.Hex()),
		slog.Uint64("amount", p.Amount),
		slog.Uint64("balance", acct.Balance),
	)
	publish(ctx, s.bus, s.logger, domain.Event{
		Type:        domain.EventWithdrawal,
		Marketplace: p.Marketplace,
		At:          now,
		Payload: map[string]any{
			"depositor": p.Depositor.Hex(),
			"currency":  p.Currency.Hex(),
			"amount":    p.Amount,
			"balance":   acct.Balance,
		},
	})
	return acct, nil
}

// Balance reads the current escrow account for the tuple. A tuple that never
// received a deposit reports ErrNotFound, not a zero balance.
func (s *EscrowService) Balance(ctx context.Context, marketplace, depositor, currency common.Address) (domain.EscrowAccount, error) {
	var acct domain.EscrowAccount
	err := s.uow.View(ctx, func(ctx context.Context, st domain.Stores) error {
		var err error
		acct, err = ledger.Account(ctx, st, marketplace, depositor, currency)
		return err
	})
	if err != nil {
		return domain.EscrowAccount{}, err
	}
	return acct, nil
}
