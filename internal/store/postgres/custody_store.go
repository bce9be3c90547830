package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/opengrove/marketd/internal/domain"
)

// CustodyStore implements domain.CustodyStore using PostgreSQL. The royalty
// schedule rides along as JSONB; it is read far more often than written and
// never queried by beneficiary.
type CustodyStore struct {
	q querier
}

func (s *CustodyStore) Get(ctx context.Context, asset common.Address) (domain.AssetCustody, error) {
	const query = `
		SELECT asset, holder, holding, standard, lock_state, delegate,
		       frozen, policy, royalties, deposit, format, updated_at, version
		FROM asset_custody
		WHERE asset = $1`

	var (
		c                           domain.AssetCustody
		assetB, holder, holding     []byte
		delegate, policy, royalties []byte
		standard, lockState         string
		deposit                     int64
	)
	err := s.q.QueryRow(ctx, query, asset.Bytes()).Scan(
		&assetB, &holder, &holding, &standard, &lockState, &delegate,
		&c.Frozen, &policy, &royalties, &deposit, &c.Format, &c.UpdatedAt, &c.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AssetCustody{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.AssetCustody{}, fmt.Errorf("postgres: get custody %s: %w", asset.Hex(), err)
	}

	c.Asset = common.BytesToAddress(assetB)
	c.Holder = common.BytesToAddress(holder)
	c.Holding = common.BytesToAddress(holding)
	c.Standard = domain.AssetStandard(standard)
	c.Lock = domain.LockState(lockState)
	c.Delegate = nilOrAddr(delegate)
	c.Policy = nilOrAddr(policy)
	c.Deposit = uint64(deposit)
	if len(royalties) > 0 {
		if err := json.Unmarshal(royalties, &c.Royalties); err != nil {
			return domain.AssetCustody{}, fmt.Errorf("postgres: decode royalties for %s: %w", asset.Hex(), err)
		}
	}
	return c, nil
}

func (s *CustodyStore) Put(ctx context.Context, c domain.AssetCustody) error {
	royalties, err := json.Marshal(c.Royalties)
	if err != nil {
		return fmt.Errorf("postgres: encode royalties: %w", err)
	}

	const query = `
		INSERT INTO asset_custody (
			asset, holder, holding, standard, lock_state, delegate,
			frozen, policy, royalties, deposit, format, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), 1)`

	_, err = s.q.Exec(ctx, query,
		c.Asset.Bytes(), c.Holder.Bytes(), c.Holding.Bytes(),
		string(c.Standard), string(c.Lock), addrOrNil(c.Delegate),
		c.Frozen, addrOrNil(c.Policy), royalties, int64(c.Deposit), c.Format,
	)
	if err != nil {
		if mapped := mapError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("postgres: put custody %s: %w", c.Asset.Hex(), err)
	}
	return nil
}

func (s *CustodyStore) Update(ctx context.Context, c domain.AssetCustody) error {
	royalties, err := json.Marshal(c.Royalties)
	if err != nil {
		return fmt.Errorf("postgres: encode royalties: %w", err)
	}

	const query = `
		UPDATE asset_custody SET
			holder = $2, holding = $3, lock_state = $4, delegate = $5,
			frozen = $6, policy = $7, royalties = $8, deposit = $9,
			format = $10, updated_at = NOW(), version = version + 1
		WHERE asset = $1 AND version = $11`

	tag, err := s.q.Exec(ctx, query,
		c.Asset.Bytes(), c.Holder.Bytes(), c.Holding.Bytes(),
		string(c.Lock), addrOrNil(c.Delegate),
		c.Frozen, addrOrNil(c.Policy), royalties, int64(c.Deposit),
		c.Format, c.Version,
	)
	if err != nil {
		return fmt.Errorf("postgres: update custody %s: %w", c.Asset.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return versionConflict(ctx, s.q, "asset_custody", "asset", c.Asset.Bytes())
	}
	return nil
}
