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

// PolicyStore implements domain.PolicyStore using PostgreSQL. Policies are
// descriptors synced from an external source of truth, so Put is an upsert
// and there is no version column.
type PolicyStore struct {
	q querier
}

func (s *PolicyStore) Get(ctx context.Context, addr common.Address) (domain.Policy, error) {
	const query = `
		SELECT address, allowed_marketplaces, denied_assets, transfers_suspended
		FROM policies
		WHERE address = $1`

	var (
		p               domain.Policy
		address         []byte
		allowed, denied []byte
	)
	err := s.q.QueryRow(ctx, query, addr.Bytes()).Scan(&address, &allowed, &denied, &p.TransfersSuspended)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Policy{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Policy{}, fmt.Errorf("postgres: get policy %s: %w", addr.Hex(), err)
	}

	p.Address = common.BytesToAddress(address)
	if err := json.Unmarshal(allowed, &p.AllowedMarketplaces); err != nil {
		return domain.Policy{}, fmt.Errorf("postgres: decode policy %s: %w", addr.Hex(), err)
	}
	if err := json.Unmarshal(denied, &p.DeniedAssets); err != nil {
		return domain.Policy{}, fmt.Errorf("postgres: decode policy %s: %w", addr.Hex(), err)
	}
	return p, nil
}

func (s *PolicyStore) Put(ctx context.Context, p domain.Policy) error {
	allowed, err := json.Marshal(p.AllowedMarketplaces)
	if err != nil {
		return fmt.Errorf("postgres: encode policy: %w", err)
	}
	denied, err := json.Marshal(p.DeniedAssets)
	if err != nil {
		return fmt.Errorf("postgres: encode policy: %w", err)
	}

	const query = `
		INSERT INTO policies (address, allowed_marketplaces, denied_assets, transfers_suspended)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address) DO UPDATE SET
			allowed_marketplaces = EXCLUDED.allowed_marketplaces,
			denied_assets        = EXCLUDED.denied_assets,
			transfers_suspended  = EXCLUDED.transfers_suspended`

	if _, err := s.q.Exec(ctx, query, p.Address.Bytes(), allowed, denied, p.TransfersSuspended); err != nil {
		return fmt.Errorf("postgres: put policy %s: %w", p.Address.Hex(), err)
	}
	return nil
}
