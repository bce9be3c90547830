package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/opengrove/marketd/internal/domain"
)

// EscrowStore implements domain.EscrowStore using PostgreSQL.
type EscrowStore struct {
	q querier
}

func (s *EscrowStore) Get(ctx context.Context, addr common.Address) (domain.EscrowAccount, error) {
	const query = `
		SELECT address, marketplace, depositor, currency, balance,
		       created_at, updated_at, version
		FROM escrow_accounts
		WHERE address = $1`

	var (
		acct                                  domain.EscrowAccount
		address, marketplace, depositor, curr []byte
		balance                               int64
	)
	err := s.q.QueryRow(ctx, query, addr.Bytes()).Scan(
		&address, &marketplace, &depositor, &curr, &balance,
		&acct.CreatedAt, &acct.UpdatedAt, &acct.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.EscrowAccount{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.EscrowAccount{}, fmt.Errorf("postgres: get escrow account %s: %w", addr.Hex(), err)
	}

	acct.Address = common.BytesToAddress(address)
	acct.Marketplace = common.BytesToAddress(marketplace)
	acct.Depositor = common.BytesToAddress(depositor)
	acct.Currency = common.BytesToAddress(curr)
	acct.Balance = uint64(balance)
	return acct, nil
}

func (s *EscrowStore) Create(ctx context.Context, acct domain.EscrowAccount) error {
	const query = `
		INSERT INTO escrow_accounts (
			address, marketplace, depositor, currency, balance,
			created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 1)`

	_, err := s.q.Exec(ctx, query,
		acct.Address.Bytes(), acct.Marketplace.Bytes(), acct.Depositor.Bytes(),
		acct.Currency.Bytes(), int64(acct.Balance), acct.CreatedAt, acct.UpdatedAt,
	)
	if err != nil {
		if mapped := mapError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("postgres: create escrow account %s: %w", acct.Address.Hex(), err)
	}
	return nil
}

func (s *EscrowStore) Update(ctx context.Context, acct domain.EscrowAccount) error {
	const query = `
		UPDATE escrow_accounts SET
			balance = $2, updated_at = $3, version = version + 1
		WHERE address = $1 AND version = $4`

	tag, err := s.q.Exec(ctx, query,
		acct.Address.Bytes(), int64(acct.Balance), acct.UpdatedAt, acct.Version,
	)
	if err != nil {
		return fmt.Errorf("postgres: update escrow account %s: %w", acct.Address.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return versionConflict(ctx, s.q, "escrow_accounts", "address", acct.Address.Bytes())
	}
	return nil
}
