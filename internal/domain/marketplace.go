package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MaxBasisPoints is the denominator of every fee computation: 10000bp = 100%.
const MaxBasisPoints = 10_000

// MaxPrice is the largest representable price in base currency units. Prices
// are unsigned but capped below 2^63 so downstream systems that store them as
// signed integers never overflow.
const MaxPrice uint64 = 1<<63 - 1

// NativeCurrency is the zero address, denoting the ledger's native unit.
// Any other currency value identifies a specific token.
var NativeCurrency common.Address

// MarketplaceConfig is the per-marketplace configuration record. It is
// created once, mutated only by Authority through UpdateConfig, and never
// deleted. Creator is the immutable identity anchor the config address is
// derived from.
type MarketplaceConfig struct {
	Address common.Address

	Authority common.Address
	Creator   common.Address

	Treasury           common.Address
	TreasuryWithdrawal common.Address // destination allowed to drain Treasury
	Notary             common.Address

	TotalFeeBp       uint16
	BuyerReferralBp  uint16
	SellerReferralBp uint16

	RequiresNotary bool
	// Nprob is the notary enforcement probability in percent (0-100). The
	// gate evaluates it deterministically from the trade terms.
	Nprob uint8

	CreatedAt time.Time
	UpdatedAt time.Time

	// Version is the optimistic-concurrency token maintained by the stores.
	Version int64
}

// ConfigUpdate is the bounded set of fields UpdateConfig may change.
// Nil pointers leave the corresponding field untouched.
type ConfigUpdate struct {
	Authority          *common.Address
	Treasury           *common.Address
	TreasuryWithdrawal *common.Address
	Notary             *common.Address
	TotalFeeBp         *uint16
	BuyerReferralBp    *uint16
	SellerReferralBp   *uint16
	RequiresNotary     *bool
	Nprob              *uint8
}

// ValidateFees enforces buyer_referral_bp + seller_referral_bp <= total_fee_bp
// <= 10000 and nprob <= 100.
func (c MarketplaceConfig) ValidateFees() error {
	if int(c.TotalFeeBp) > MaxBasisPoints {
		return ErrInvalidBasisPoints
	}
	if int(c.BuyerReferralBp)+int(c.SellerReferralBp) > int(c.TotalFeeBp) {
		return ErrInvalidBasisPoints
	}
	if c.Nprob > 100 {
		return ErrInvalidBasisPoints
	}
	return nil
}
