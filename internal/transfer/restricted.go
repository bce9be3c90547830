package transfer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/opengrove/marketd/internal/crypto"
	"github.com/opengrove/marketd/internal/domain"
)

// Restricted moves protocol-restricted assets: the asset carries a
// delegation/lock state and may only be moved by the marketplace signing
// proxy while listed. Listing transitions Unlocked → Listed under the proxy
// delegation; settlement presents the delegation and unlocks atomically with
// the custody change; cancellation reverses the lock before returning
// custody.
//
// Custody records written before the delegation field existed carry the
// legacy format. They are upgraded transparently on list and cancel; a
// settlement that reaches one un-migrated fails with
// ErrOldSellerNotInitialized.
type Restricted struct {
	proxySigner common.Address
}

func (r *Restricted) Standard() domain.AssetStandard { return domain.StandardRestricted }

// Migrate upgrades a legacy custody record to the current format: the legacy
// listing is re-expressed as a proxy delegation in the Listed state. It is a
// no-op for current-format records.
func (r *Restricted) Migrate(ctx context.Context, s domain.Stores, marketplace, asset, seller common.Address, proof crypto.AuthorityProof) error {
	c, err := loadHeldCustody(ctx, s, asset, seller)
	if err != nil {
		return fmt.Errorf("transfer: migrate restricted: %w", err)
	}
	if c.Format >= domain.CustodyFormatCurrent {
		return nil
	}
	if err := proof.Verify(r.proxySigner, marketplace, asset); err != nil {
		return fmt.Errorf("transfer: migrate restricted: %w", err)
	}

	delegate := proof.Account
	c.Lock = domain.LockListed
	c.Delegate = &delegate
	c.Format = domain.CustodyFormatCurrent
	if err := s.Custody.Update(ctx, c); err != nil {
		return fmt.Errorf("transfer: migrate restricted: update custody: %w", err)
	}
	return nil
}

func (r *Restricted) Prepare(ctx context.Context, s domain.Stores, marketplace, asset, seller common.Address, proof crypto.AuthorityProof) error {
	if err := r.Migrate(ctx, s, marketplace, asset, seller, proof); err != nil {
		return err
	}
	c, err := loadHeldCustody(ctx, s, asset, seller)
	if err != nil {
		return fmt.Errorf("transfer: prepare restricted listing: %w", err)
	}
	if err := proof.Verify(r.proxySigner, marketplace, asset); err != nil {
		return fmt.Errorf("transfer: prepare restricted listing: %w", err)
	}

	delegate := proof.Account
	switch c.Lock {
	case domain.LockListed:
		// Relisting (e.g. a reprice): the delegation must already be ours.
		if c.Delegate == nil || *c.Delegate != delegate {
			return fmt.Errorf("transfer: prepare restricted listing: %w", domain.ErrDelegateMissing)
		}
		return nil
	case domain.LockUnlocked:
		c.Lock = domain.LockListed
		c.Delegate = &delegate
		if err := s.Custody.Update(ctx, c); err != nil {
			return fmt.Errorf("transfer: prepare restricted listing: update custody: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("transfer: prepare restricted listing: %w", domain.ErrAssetLocked)
	}
}

func (r *Restricted) Release(ctx context.Context, s domain.Stores, marketplace, asset, seller common.Address, proof crypto.AuthorityProof) error {
	if err := r.Migrate(ctx, s, marketplace, asset, seller, proof); err != nil {
		return err
	}
	c, err := loadHeldCustody(ctx, s, asset, seller)
	if err != nil {
		return fmt.Errorf("transfer: release restricted listing: %w", err)
	}
	if c.Lock != domain.LockListed {
		return fmt.Errorf("transfer: release restricted listing: not listed: %w", domain.ErrEmptyTradeState)
	}
	if err := proof.Verify(r.proxySigner, marketplace, asset); err != nil {
		return fmt.Errorf("transfer: release restricted listing: %w", err)
	}

	c.Lock = domain.LockUnlocked
	c.Delegate = nil
	if err := s.Custody.Update(ctx, c); err != nil {
		return fmt.Errorf("transfer: release restricted listing: update custody: %w", err)
	}
	return nil
}

func (r *Restricted) Transfer(ctx context.Context, s domain.Stores, req Request) (domain.TransferReceipt, error) {
	c, err := loadHeldCustody(ctx, s, req.Asset, req.From)
	if err != nil {
		return domain.TransferReceipt{}, fmt.Errorf("transfer: restricted: %w", err)
	}
	if c.Format < domain.CustodyFormatCurrent {
		return domain.TransferReceipt{}, fmt.Errorf("transfer: restricted: %w", domain.ErrOldSellerNotInitialized)
	}
	if c.Lock != domain.LockListed {
		return domain.TransferReceipt{}, fmt.Errorf("transfer: restricted: asset not listed: %w", domain.ErrDelegateMissing)
	}
	if c.Delegate == nil || *c.Delegate != req.Proof.Account {
		return domain.TransferReceipt{}, fmt.Errorf("transfer: restricted: %w", domain.ErrDelegateMissing)
	}
	if err := req.Proof.Verify(r.proxySigner, req.Marketplace, req.Asset); err != nil {
		return domain.TransferReceipt{}, fmt.Errorf("transfer: restricted: %w", err)
	}

	// Custody and lock state change together or not at all.
	moveHolder(&c, req.To)
	c.Lock = domain.LockUnlocked
	c.Delegate = nil
	if err := s.Custody.Update(ctx, c); err != nil {
		return domain.TransferReceipt{}, fmt.Errorf("transfer: restricted: update custody: %w", err)
	}

	return domain.TransferReceipt{
		ID:       uuid.NewString(),
		Asset:    req.Asset,
		From:     req.From,
		To:       req.To,
		Standard: domain.StandardRestricted,
	}, nil
}
