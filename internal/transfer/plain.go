package transfer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/opengrove/marketd/internal/crypto"
	"github.com/opengrove/marketd/internal/domain"
)

// Plain moves freely transferable assets: a straightforward custody change
// with no delegation, lock state, or policy involvement. Listing and
// cancellation leave the asset untouched beyond verifying the holder.
type Plain struct{}

func (p *Plain) Standard() domain.AssetStandard { return domain.StandardPlain }

func (p *Plain) Prepare(ctx context.Context, s domain.Stores, marketplace, asset, seller common.Address, _ crypto.AuthorityProof) error {
	_, err := loadHeldCustody(ctx, s, asset, seller)
	if err != nil {
		return fmt.Errorf("transfer: prepare plain listing: %w", err)
	}
	return nil
}

func (p *Plain) Release(ctx context.Context, s domain.Stores, marketplace, asset, seller common.Address, _ crypto.AuthorityProof) error {
	_, err := loadHeldCustody(ctx, s, asset, seller)
	if err != nil {
		return fmt.Errorf("transfer: release plain listing: %w", err)
	}
	return nil
}

func (p *Plain) Transfer(ctx context.Context, s domain.Stores, req Request) (domain.TransferReceipt, error) {
	c, err := loadHeldCustody(ctx, s, req.Asset, req.From)
	if err != nil {
		return domain.TransferReceipt{}, fmt.Errorf("transfer: plain: %w", err)
	}

	// Vacating the source holding account reclaims its storage deposit for
	// the previous holder.
	reclaimed := c.Deposit
	c.Deposit = 0

	moveHolder(&c, req.To)
	if err := s.Custody.Update(ctx, c); err != nil {
		return domain.TransferReceipt{}, fmt.Errorf("transfer: plain: update custody: %w", err)
	}

	return domain.TransferReceipt{
		ID:               uuid.NewString(),
		Asset:            req.Asset,
		From:             req.From,
		To:               req.To,
		Standard:         domain.StandardPlain,
		ReclaimedDeposit: reclaimed,
	}, nil
}
