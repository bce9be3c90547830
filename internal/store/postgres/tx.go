package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opengrove/marketd/internal/domain"
)

// querier is the subset of pgx both a pool and a transaction satisfy. Store
// implementations run against whichever the unit of work hands them.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UnitOfWork implements domain.UnitOfWork on top of PostgreSQL transactions.
// Execute runs serializable so two units touching the same rows cannot both
// commit; the loser surfaces ErrRecordConflict, same as an optimistic version
// mismatch.
type UnitOfWork struct {
	pool *pgxpool.Pool
}

// NewUnitOfWork wraps the client's pool.
func NewUnitOfWork(c *Client) *UnitOfWork {
	return &UnitOfWork{pool: c.Pool()}
}

func storesFor(q querier) domain.Stores {
	return domain.Stores{
		Config:   &ConfigStore{q: q},
		Trades:   &TradeStore{q: q},
		Escrow:   &EscrowStore{q: q},
		Custody:  &CustodyStore{q: q},
		Policies: &PolicyStore{q: q},
		Receipts: &ReceiptStore{q: q},
	}
}

// Execute runs fn inside a serializable transaction, committing only if fn
// returns nil.
func (u *UnitOfWork) Execute(ctx context.Context, fn func(ctx context.Context, s domain.Stores) error) error {
	tx, err := u.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, storesFor(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("postgres: commit: %w", err))
	}
	return nil
}

// View runs fn inside a read-only repeatable-read transaction and always
// rolls back.
func (u *UnitOfWork) View(ctx context.Context, fn func(ctx context.Context, s domain.Stores) error) error {
	tx, err := u.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("postgres: begin read tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	return fn(ctx, storesFor(tx))
}

// Postgres error codes mapped into the domain taxonomy.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// mapError translates low-level postgres failures into domain errors where a
// stable meaning exists. Everything else passes through wrapped.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return domain.ErrAlreadyExists
		case pgSerializationFailure, pgDeadlockDetected:
			return domain.ErrRecordConflict
		}
	}
	return err
}

// addrOrNil converts an optional address to its byte form for nullable
// columns.
func addrOrNil(a *common.Address) []byte {
	if a == nil {
		return nil
	}
	return a.Bytes()
}

// nilOrAddr converts a nullable column back to an optional address.
func nilOrAddr(b []byte) *common.Address {
	if len(b) == 0 {
		return nil
	}
	a := common.BytesToAddress(b)
	return &a
}
