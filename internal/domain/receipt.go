package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RoyaltyPayout is one computed royalty amount.
type RoyaltyPayout struct {
	Beneficiary common.Address
	Amount      uint64
}

// Distribution is the exact split of sale proceeds. Its components always sum
// to Price: TreasuryFee + BuyerReferralFee + SellerReferralFee + royalties +
// SellerProceeds == Price.
type Distribution struct {
	Price             uint64
	TreasuryFee       uint64
	BuyerReferralFee  uint64
	SellerReferralFee uint64
	Royalties         []RoyaltyPayout
	SellerProceeds    uint64

	// MakerRebate is paid out of treasury to the maker when a negative maker
	// fee is configured. It is already reflected in SellerProceeds and
	// TreasuryFee; the field is informational.
	MakerRebate uint64
}

// RoyaltyTotal sums all royalty payouts.
func (d Distribution) RoyaltyTotal() uint64 {
	var total uint64
	for _, r := range d.Royalties {
		total += r.Amount
	}
	return total
}

// TransferReceipt is the uniform success report every transfer strategy
// returns to the settlement layer.
type TransferReceipt struct {
	ID       string
	Asset    common.Address
	From     common.Address
	To       common.Address
	Standard AssetStandard

	// ReclaimedDeposit is the storage deposit returned to the previous holder
	// when the vacated holding account was closed (plain transfers only).
	ReclaimedDeposit uint64
}

// SettlementReceipt records one completed settlement: the matched records,
// the computed distribution, and the transfer that moved the asset.
type SettlementReceipt struct {
	ID           string
	Marketplace  common.Address
	Asset        common.Address
	Seller       common.Address
	Buyer        common.Address
	Currency     common.Address
	SellerRecord common.Address
	BuyerRecord  common.Address
	Price        uint64
	Quantity     uint64

	Distribution   Distribution
	Transfer       TransferReceipt
	NotaryEnforced bool

	SettledAt time.Time
}
