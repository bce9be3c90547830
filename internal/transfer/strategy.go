// Package transfer abstracts the three mutually-incompatible asset transfer
// protocols behind one strategy interface. The settlement orchestrator picks
// a strategy by the asset's declared standard and sees a uniform
// post-condition from all three: on success custody is binary-owned by the
// destination, on failure custody is unchanged. Protocol-specific lock and
// policy state never leaks into the orchestrator.
package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/opengrove/marketd/internal/crypto"
	"github.com/opengrove/marketd/internal/domain"
	"github.com/opengrove/marketd/internal/registry"
)

// Request describes one custody move from seller to buyer.
type Request struct {
	Marketplace common.Address
	Asset       common.Address
	From        common.Address
	To          common.Address
	Proof       crypto.AuthorityProof
}

// Strategy is the capability interface for one asset transfer protocol. All
// methods operate on the transactional stores of the enclosing unit of work,
// so a failure at any point rolls back with the rest of the operation.
type Strategy interface {
	Standard() domain.AssetStandard

	// Prepare transitions the asset into its listed state when the owner
	// lists it (lock, delegate, freeze, whatever the protocol needs). It must verify
	// that seller actually holds the asset.
	Prepare(ctx context.Context, s domain.Stores, marketplace, asset, seller common.Address, proof crypto.AuthorityProof) error

	// Release reverses Prepare when a listing is cancelled, restoring the
	// asset to its pre-listing custody and lock state.
	Release(ctx context.Context, s domain.Stores, marketplace, asset, seller common.Address, proof crypto.AuthorityProof) error

	// Transfer moves custody from req.From to req.To at settlement and
	// reports a uniform receipt.
	Transfer(ctx context.Context, s domain.Stores, req Request) (domain.TransferReceipt, error)
}

// Migrator is implemented by strategies whose custody records have a legacy
// format that must be upgraded before settlement. Migrating an asset whose
// strategy does not implement Migrator is a no-op.
type Migrator interface {
	Migrate(ctx context.Context, s domain.Stores, marketplace, asset, seller common.Address, proof crypto.AuthorityProof) error
}

// Selector holds the registered strategies, keyed by asset standard.
type Selector struct {
	strategies map[domain.AssetStandard]Strategy
}

// NewSelector registers the three built-in strategies around the given
// signing proxy.
func NewSelector(proxy *crypto.Proxy) *Selector {
	sel := &Selector{strategies: make(map[domain.AssetStandard]Strategy)}
	sel.register(&Plain{})
	sel.register(&Restricted{proxySigner: proxy.Signer()})
	sel.register(&PolicyGated{proxySigner: proxy.Signer()})
	return sel
}

func (sel *Selector) register(s Strategy) {
	sel.strategies[s.Standard()] = s
}

// ForStandard returns the strategy for the given asset standard.
func (sel *Selector) ForStandard(std domain.AssetStandard) (Strategy, error) {
	s, ok := sel.strategies[std]
	if !ok {
		return nil, fmt.Errorf("transfer: unknown asset standard %q", std)
	}
	return s, nil
}

// ForAsset loads the asset's custody record and returns the matching
// strategy.
func (sel *Selector) ForAsset(ctx context.Context, s domain.Stores, asset common.Address) (Strategy, error) {
	c, err := s.Custody.Get(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("transfer: custody for %s: %w", asset.Hex(), err)
	}
	return sel.ForStandard(c.Standard)
}

// loadHeldCustody fetches the custody record for asset, verifies the holding
// address derivation, and checks that holder actually holds it.
func loadHeldCustody(ctx context.Context, s domain.Stores, asset, holder common.Address) (domain.AssetCustody, error) {
	c, err := s.Custody.Get(ctx, asset)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.AssetCustody{}, domain.ErrTradeStateNotInitialized
		}
		return domain.AssetCustody{}, err
	}
	if err := registry.Verify(c.Holding, registry.NSHolding, asset.Bytes(), c.Holder.Bytes()); err != nil {
		return domain.AssetCustody{}, err
	}
	if c.Holder != holder {
		return domain.AssetCustody{}, domain.ErrPublicKeyMismatch
	}
	return c, nil
}

// moveHolder rewrites the holder and derived holding address on c.
func moveHolder(c *domain.AssetCustody, to common.Address) {
	c.Holder = to
	c.Holding = registry.Holding(c.Asset, to)
}
