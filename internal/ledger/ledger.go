// Package ledger is the escrow ledger: custodial balances per
// (marketplace, depositor, currency), credited and debited by deposits,
// withdrawals, and settlement disbursements. Accounts are created on first
// credit, never go negative, and persist at zero. There is no hold or
// reservation concept; settlement simply requires the balance to cover the
// price at that instant.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/opengrove/marketd/internal/domain"
	"github.com/opengrove/marketd/internal/registry"
)

// Account loads the escrow account for the tuple, verifying its derived
// address. It returns domain.ErrNotFound when no deposit has ever created it.
func Account(ctx context.Context, s domain.Stores, marketplace, depositor, currency common.Address) (domain.EscrowAccount, error) {
	addr := registry.Escrow(marketplace, depositor, currency)
	acct, err := s.Escrow.Get(ctx, addr)
	if err != nil {
		return domain.EscrowAccount{}, err
	}
	if err := registry.Verify(acct.Address, registry.NSEscrow,
		acct.Marketplace.Bytes(), acct.Depositor.Bytes(), acct.Currency.Bytes()); err != nil {
		return domain.EscrowAccount{}, err
	}
	return acct, nil
}

// Credit adds amount to the tuple's balance, creating the account on first
// use. A credit of zero against an existing account is a no-op but still
// valid: zero-fee referrers are paid zero, not rejected.
func Credit(ctx context.Context, s domain.Stores, marketplace, depositor, currency common.Address, amount uint64, now time.Time) (domain.EscrowAccount, error) {
	acct, err := Account(ctx, s, marketplace, depositor, currency)
	if errors.Is(err, domain.ErrNotFound) {
		acct = domain.EscrowAccount{
			Address:     registry.Escrow(marketplace, depositor, currency),
			Marketplace: marketplace,
			Depositor:   depositor,
			Currency:    currency,
			Balance:     amount,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.Escrow.Create(ctx, acct); err != nil {
			return domain.EscrowAccount{}, fmt.Errorf("ledger: create escrow account: %w", err)
		}
		return acct, nil
	}
	if err != nil {
		return domain.EscrowAccount{}, err
	}

	if acct.Balance+amount < acct.Balance {
		return domain.EscrowAccount{}, domain.ErrNumericalOverflow
	}
	acct.Balance += amount
	acct.UpdatedAt = now
	if err := s.Escrow.Update(ctx, acct); err != nil {
		return domain.EscrowAccount{}, fmt.Errorf("ledger: credit escrow account: %w", err)
	}
	return acct, nil
}

// Debit removes amount from the tuple's balance. It fails with
// ErrInsufficientFunds, leaving the balance unchanged, when the account
// does not exist or holds less than amount.
func Debit(ctx context.Context, s domain.Stores, marketplace, depositor, currency common.Address, amount uint64, now time.Time) (domain.EscrowAccount, error) {
	acct, err := Account(ctx, s, marketplace, depositor, currency)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.EscrowAccount{}, domain.ErrInsufficientFunds
	}
	if err != nil {
		return domain.EscrowAccount{}, err
	}

	if acct.Balance < amount {
		return domain.EscrowAccount{}, domain.ErrInsufficientFunds
	}
	acct.Balance -= amount
	acct.UpdatedAt = now
	if err := s.Escrow.Update(ctx, acct); err != nil {
		return domain.EscrowAccount{}, fmt.Errorf("ledger: debit escrow account: %w", err)
	}
	return acct, nil
}
