package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/opengrove/marketd/internal/domain"
)

// ReceiptStore implements domain.ReceiptStore using PostgreSQL. Receipts are
// append-only; the distribution and transfer breakdowns are stored as JSONB
// since they are read back whole, never filtered on.
type ReceiptStore struct {
	q querier
}

func (s *ReceiptStore) Insert(ctx context.Context, r domain.SettlementReceipt) error {
	dist, err := json.Marshal(r.Distribution)
	if err != nil {
		return fmt.Errorf("postgres: encode distribution: %w", err)
	}
	xfer, err := json.Marshal(r.Transfer)
	if err != nil {
		return fmt.Errorf("postgres: encode transfer: %w", err)
	}

	const query = `
		INSERT INTO settlement_receipts (
			id, marketplace, asset, seller, buyer, currency,
			seller_record, buyer_record, price, quantity,
			distribution, transfer, notary_enforced, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = s.q.Exec(ctx, query,
		r.ID, r.Marketplace.Bytes(), r.Asset.Bytes(), r.Seller.Bytes(), r.Buyer.Bytes(),
		r.Currency.Bytes(), r.SellerRecord.Bytes(), r.BuyerRecord.Bytes(),
		int64(r.Price), int64(r.Quantity), dist, xfer, r.NotaryEnforced, r.SettledAt,
	)
	if err != nil {
		if mapped := mapError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("postgres: insert receipt %s: %w", r.ID, err)
	}
	return nil
}

const receiptColumns = `
	id, marketplace, asset, seller, buyer, currency,
	seller_record, buyer_record, price, quantity,
	distribution, transfer, notary_enforced, settled_at`

func (s *ReceiptStore) Get(ctx context.Context, id string) (domain.SettlementReceipt, error) {
	query := `SELECT` + receiptColumns + ` FROM settlement_receipts WHERE id = $1`

	r, err := scanReceipt(s.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SettlementReceipt{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SettlementReceipt{}, fmt.Errorf("postgres: get receipt %s: %w", id, err)
	}
	return r, nil
}

func (s *ReceiptStore) ListByMarketplace(ctx context.Context, marketplace common.Address, opts domain.ListOpts) ([]domain.SettlementReceipt, error) {
	query := `SELECT` + receiptColumns + `
		FROM settlement_receipts
		WHERE marketplace = $1
		ORDER BY settled_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.q.Query(ctx, query, marketplace.Bytes(), limitOf(opts), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list receipts: %w", err)
	}
	defer rows.Close()

	var out []domain.SettlementReceipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan receipt: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate receipts: %w", err)
	}
	return out, nil
}

func (s *ReceiptStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.SettlementReceipt, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT` + receiptColumns + `
		FROM settlement_receipts
		WHERE settled_at < $1
		ORDER BY settled_at
		LIMIT $2`

	rows, err := s.q.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list receipts before %s: %w", before, err)
	}
	defer rows.Close()

	var out []domain.SettlementReceipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan receipt: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate receipts: %w", err)
	}
	return out, nil
}

func scanReceipt(row pgx.Row) (domain.SettlementReceipt, error) {
	var (
		r                                   domain.SettlementReceipt
		marketplace, asset, seller, buyer   []byte
		currency, sellerRecord, buyerRecord []byte
		price, quantity                     int64
		dist, xfer                          []byte
	)
	err := row.Scan(
		&r.ID, &marketplace, &asset, &seller, &buyer, &currency,
		&sellerRecord, &buyerRecord, &price, &quantity,
		&dist, &xfer, &r.NotaryEnforced, &r.SettledAt,
	)
	if err != nil {
		return domain.SettlementReceipt{}, err
	}

	r.Marketplace = common.BytesToAddress(marketplace)
	r.Asset = common.BytesToAddress(asset)
	r.Seller = common.BytesToAddress(seller)
	r.Buyer = common.BytesToAddress(buyer)
	r.Currency = common.BytesToAddress(currency)
	r.SellerRecord = common.BytesToAddress(sellerRecord)
	r.BuyerRecord = common.BytesToAddress(buyerRecord)
	r.Price = uint64(price)
	r.Quantity = uint64(quantity)
	if err := json.Unmarshal(dist, &r.Distribution); err != nil {
		return domain.SettlementReceipt{}, err
	}
	if err := json.Unmarshal(xfer, &r.Transfer); err != nil {
		return domain.SettlementReceipt{}, err
	}
	return r, nil
}
