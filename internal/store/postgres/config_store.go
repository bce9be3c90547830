package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/opengrove/marketd/internal/domain"
)

// ConfigStore implements domain.ConfigStore using PostgreSQL.
type ConfigStore struct {
	q querier
}

func (s *ConfigStore) Create(ctx context.Context, cfg domain.MarketplaceConfig) error {
	const query = `
		INSERT INTO marketplaces (
			address, authority, creator, treasury, treasury_withdrawal, notary,
			total_fee_bp, buyer_referral_bp, seller_referral_bp,
			requires_notary, nprob, created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)`

	_, err := s.q.Exec(ctx, query,
		cfg.Address.Bytes(), cfg.Authority.Bytes(), cfg.Creator.Bytes(),
		cfg.Treasury.Bytes(), cfg.TreasuryWithdrawal.Bytes(), cfg.Notary.Bytes(),
		int32(cfg.TotalFeeBp), int32(cfg.BuyerReferralBp), int32(cfg.SellerReferralBp),
		cfg.RequiresNotary, int32(cfg.Nprob), cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		if mapped := mapError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("postgres: create marketplace %s: %w", cfg.Address.Hex(), err)
	}
	return nil
}

func (s *ConfigStore) Get(ctx context.Context, addr common.Address) (domain.MarketplaceConfig, error) {
	const query = `
		SELECT address, authority, creator, treasury, treasury_withdrawal, notary,
		       total_fee_bp, buyer_referral_bp, seller_referral_bp,
		       requires_notary, nprob, created_at, updated_at, version
		FROM marketplaces
		WHERE address = $1`

	var (
		cfg                                                      domain.MarketplaceConfig
		address, authority, creator, treasury, withdrawal, notar []byte
		totalFee, buyerRef, sellerRef, nprob                     int32
	)
	err := s.q.QueryRow(ctx, query, addr.Bytes()).Scan(
		&address, &authority, &creator, &treasury, &withdrawal, &notar,
		&totalFee, &buyerRef, &sellerRef,
		&cfg.RequiresNotary, &nprob, &cfg.CreatedAt, &cfg.UpdatedAt, &cfg.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.MarketplaceConfig{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.MarketplaceConfig{}, fmt.Errorf("postgres: get marketplace %s: %w", addr.Hex(), err)
	}

	cfg.Address = common.BytesToAddress(address)
	cfg.Authority = common.BytesToAddress(authority)
	cfg.Creator = common.BytesToAddress(creator)
	cfg.Treasury = common.BytesToAddress(treasury)
	cfg.TreasuryWithdrawal = common.BytesToAddress(withdrawal)
	cfg.Notary = common.BytesToAddress(notar)
	cfg.TotalFeeBp = uint16(totalFee)
	cfg.BuyerReferralBp = uint16(buyerRef)
	cfg.SellerReferralBp = uint16(sellerRef)
	cfg.Nprob = uint8(nprob)
	return cfg, nil
}

func (s *ConfigStore) Update(ctx context.Context, cfg domain.MarketplaceConfig) error {
	const query = `
		UPDATE marketplaces SET
			authority = $2, treasury = $3, treasury_withdrawal = $4, notary = $5,
			total_fee_bp = $6, buyer_referral_bp = $7, seller_referral_bp = $8,
			requires_notary = $9, nprob = $10, updated_at = $11,
			version = version + 1
		WHERE address = $1 AND version = $12`

	tag, err := s.q.Exec(ctx, query,
		cfg.Address.Bytes(), cfg.Authority.Bytes(),
		cfg.Treasury.Bytes(), cfg.TreasuryWithdrawal.Bytes(), cfg.Notary.Bytes(),
		int32(cfg.TotalFeeBp), int32(cfg.BuyerReferralBp), int32(cfg.SellerReferralBp),
		cfg.RequiresNotary, int32(cfg.Nprob), cfg.UpdatedAt, cfg.Version,
	)
	if err != nil {
		return fmt.Errorf("postgres: update marketplace %s: %w", cfg.Address.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return versionConflict(ctx, s.q, "marketplaces", "address", cfg.Address.Bytes())
	}
	return nil
}

// versionConflict distinguishes a missing row from a stale-version write when
// an optimistic UPDATE affected nothing.
func versionConflict(ctx context.Context, q querier, table, keyCol string, key any) error {
	var exists bool
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE %s = $1)", table, keyCol)
	if err := q.QueryRow(ctx, query, key).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check %s row: %w", table, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrRecordConflict
}
