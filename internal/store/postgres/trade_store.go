package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/opengrove/marketd/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL. Closed records
// keep their row with closed_at set, which is what lets Get and Close report
// "already closed" separately from "never existed".
type TradeStore struct {
	q querier
}

const tradeColumns = `
	address, marketplace, side, owner, referrer, asset, currency,
	price, quantity, expiry, royalty_bp, holding, created_at, version`

func (s *TradeStore) Open(ctx context.Context, rec domain.TradeRecord) error {
	// Reopening the exact same terms after a close is legitimate: the closed
	// row is recycled in place. An existing open row is a duplicate.
	const query = `
		INSERT INTO trade_records (
			address, marketplace, side, owner, referrer, asset, currency,
			price, quantity, expiry, royalty_bp, holding, created_at, closed_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NULL, 1)
		ON CONFLICT (address) DO UPDATE SET
			owner = EXCLUDED.owner, referrer = EXCLUDED.referrer,
			royalty_bp = EXCLUDED.royalty_bp, holding = EXCLUDED.holding,
			created_at = EXCLUDED.created_at, closed_at = NULL,
			version = trade_records.version + 1
		WHERE trade_records.closed_at IS NOT NULL`

	tag, err := s.q.Exec(ctx, query,
		rec.Address.Bytes(), rec.Marketplace.Bytes(), string(rec.Side),
		rec.Owner.Bytes(), rec.Referrer.Bytes(), rec.Asset.Bytes(), rec.Currency.Bytes(),
		int64(rec.Price), int64(rec.Quantity), rec.Expiry, int32(rec.RoyaltyBp),
		rec.Holding.Bytes(), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: open trade record %s: %w", rec.Address.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (s *TradeStore) Get(ctx context.Context, addr common.Address) (domain.TradeRecord, error) {
	query := `SELECT` + tradeColumns + `, closed_at FROM trade_records WHERE address = $1`

	var (
		rec      domain.TradeRecord
		closedAt *time.Time
	)
	row := s.q.QueryRow(ctx, query, addr.Bytes())
	if err := scanTrade(row, &rec, &closedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TradeRecord{}, domain.ErrTradeStateNotInitialized
		}
		return domain.TradeRecord{}, fmt.Errorf("postgres: get trade record %s: %w", addr.Hex(), err)
	}
	if closedAt != nil {
		return domain.TradeRecord{}, domain.ErrEmptyTradeState
	}
	return rec, nil
}

func (s *TradeStore) Close(ctx context.Context, addr common.Address) error {
	const query = `
		UPDATE trade_records SET closed_at = NOW(), version = version + 1
		WHERE address = $1 AND closed_at IS NULL`

	tag, err := s.q.Exec(ctx, query, addr.Bytes())
	if err != nil {
		return fmt.Errorf("postgres: close trade record %s: %w", addr.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := s.q.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM trade_records WHERE address = $1)",
			addr.Bytes(),
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("postgres: check trade record %s: %w", addr.Hex(), err)
		}
		if exists {
			return domain.ErrEmptyTradeState
		}
		return domain.ErrTradeStateNotInitialized
	}
	return nil
}

func (s *TradeStore) ListByOwner(ctx context.Context, marketplace, owner common.Address, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	query := `SELECT` + tradeColumns + `
		FROM trade_records
		WHERE marketplace = $1 AND owner = $2 AND closed_at IS NULL
		ORDER BY created_at, address
		LIMIT $3 OFFSET $4`

	rows, err := s.q.Query(ctx, query, marketplace.Bytes(), owner.Bytes(), limitOf(opts), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade records by owner: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

func (s *TradeStore) ListOpen(ctx context.Context, marketplace common.Address, side domain.TradeSide, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	query := `SELECT` + tradeColumns + `
		FROM trade_records
		WHERE marketplace = $1 AND side = $2 AND closed_at IS NULL
		ORDER BY created_at, address
		LIMIT $3 OFFSET $4`

	rows, err := s.q.Query(ctx, query, marketplace.Bytes(), string(side), limitOf(opts), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open trade records: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// limitOf caps unbounded list queries.
func limitOf(opts domain.ListOpts) int {
	if opts.Limit <= 0 || opts.Limit > 1000 {
		return 1000
	}
	return opts.Limit
}

func scanTrade(row pgx.Row, rec *domain.TradeRecord, closedAt **time.Time) error {
	var (
		address, marketplace, owner, referrer, asset, currency, holding []byte
		side                                                            string
		price, quantity                                                 int64
		royaltyBp                                                       int32
	)
	dest := []any{
		&address, &marketplace, &side, &owner, &referrer, &asset, &currency,
		&price, &quantity, &rec.Expiry, &royaltyBp, &holding, &rec.CreatedAt, &rec.Version,
	}
	if closedAt != nil {
		dest = append(dest, closedAt)
	}
	if err := row.Scan(dest...); err != nil {
		return err
	}

	rec.Address = common.BytesToAddress(address)
	rec.Marketplace = common.BytesToAddress(marketplace)
	rec.Side = domain.TradeSide(side)
	rec.Owner = common.BytesToAddress(owner)
	rec.Referrer = common.BytesToAddress(referrer)
	rec.Asset = common.BytesToAddress(asset)
	rec.Currency = common.BytesToAddress(currency)
	rec.Price = uint64(price)
	rec.Quantity = uint64(quantity)
	rec.RoyaltyBp = uint16(royaltyBp)
	rec.Holding = common.BytesToAddress(holding)
	return nil
}

func collectTrades(rows pgx.Rows) ([]domain.TradeRecord, error) {
	var out []domain.TradeRecord
	for rows.Next() {
		var rec domain.TradeRecord
		if err := scanTrade(rows, &rec, nil); err != nil {
			return nil, fmt.Errorf("postgres: scan trade record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate trade records: %w", err)
	}
	return out, nil
}
