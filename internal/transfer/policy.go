package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/opengrove/marketd/internal/crypto"
	"github.com/opengrove/marketd/internal/domain"
)

// PolicyGated moves assets whose transfers are vetoable by an external
// policy descriptor. Every custody-changing operation first consults the
// policy bound to the asset and fails whole with ErrPolicyViolation if the
// policy forbids this marketplace or the specific transfer. The asset sits
// frozen at rest; a transfer thaws it, moves custody, and refreezes it in
// one unit, so a failure anywhere leaves it frozen in place.
type PolicyGated struct {
	proxySigner common.Address
}

func (g *PolicyGated) Standard() domain.AssetStandard { return domain.StandardPolicyGated }

// checkPolicy resolves and evaluates the policy descriptor bound to the
// asset. An asset without a bound policy is freely transferable.
func (g *PolicyGated) checkPolicy(ctx context.Context, s domain.Stores, c domain.AssetCustody, marketplace common.Address) error {
	if c.Policy == nil {
		return nil
	}
	pol, err := s.Policies.Get(ctx, *c.Policy)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// A dangling policy reference denies by default.
			return domain.ErrPolicyViolation
		}
		return fmt.Errorf("transfer: resolve policy %s: %w", c.Policy.Hex(), err)
	}
	if !pol.Allows(marketplace, c.Asset) {
		return domain.ErrPolicyViolation
	}
	return nil
}

func (g *PolicyGated) Prepare(ctx context.Context, s domain.Stores, marketplace, asset, seller common.Address, proof crypto.AuthorityProof) error {
	c, err := loadHeldCustody(ctx, s, asset, seller)
	if err != nil {
		return fmt.Errorf("transfer: prepare policy-gated listing: %w", err)
	}
	if err := g.checkPolicy(ctx, s, c, marketplace); err != nil {
		return err
	}
	if err := proof.Verify(g.proxySigner, marketplace, asset); err != nil {
		return fmt.Errorf("transfer: prepare policy-gated listing: %w", err)
	}

	// Freeze the asset for the duration of the listing.
	if !c.Frozen {
		c.Frozen = true
		if err := s.Custody.Update(ctx, c); err != nil {
			return fmt.Errorf("transfer: prepare policy-gated listing: update custody: %w", err)
		}
	}
	return nil
}

func (g *PolicyGated) Release(ctx context.Context, s domain.Stores, marketplace, asset, seller common.Address, proof crypto.AuthorityProof) error {
	c, err := loadHeldCustody(ctx, s, asset, seller)
	if err != nil {
		return fmt.Errorf("transfer: release policy-gated listing: %w", err)
	}
	if err := g.checkPolicy(ctx, s, c, marketplace); err != nil {
		return err
	}
	if err := proof.Verify(g.proxySigner, marketplace, asset); err != nil {
		return fmt.Errorf("transfer: release policy-gated listing: %w", err)
	}

	// Thaw: the owner regains free use of the asset.
	if c.Frozen {
		c.Frozen = false
		if err := s.Custody.Update(ctx, c); err != nil {
			return fmt.Errorf("transfer: release policy-gated listing: update custody: %w", err)
		}
	}
	return nil
}

func (g *PolicyGated) Transfer(ctx context.Context, s domain.Stores, req Request) (domain.TransferReceipt, error) {
	c, err := loadHeldCustody(ctx, s, req.Asset, req.From)
	if err != nil {
		return domain.TransferReceipt{}, fmt.Errorf("transfer: policy-gated: %w", err)
	}
	if err := g.checkPolicy(ctx, s, c, req.Marketplace); err != nil {
		return domain.TransferReceipt{}, err
	}
	if err := req.Proof.Verify(g.proxySigner, req.Marketplace, req.Asset); err != nil {
		return domain.TransferReceipt{}, fmt.Errorf("transfer: policy-gated: %w", err)
	}

	// Thaw-move-refreeze collapses to a single committed write: the asset is
	// observable only frozen-in-place or frozen-at-destination.
	moveHolder(&c, req.To)
	c.Frozen = true
	if err := s.Custody.Update(ctx, c); err != nil {
		return domain.TransferReceipt{}, fmt.Errorf("transfer: policy-gated: update custody: %w", err)
	}

	return domain.TransferReceipt{
		ID:       uuid.NewString(),
		Asset:    req.Asset,
		From:     req.From,
		To:       req.To,
		Standard: domain.StandardPolicyGated,
	}, nil
}
