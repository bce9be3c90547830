package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AssetStandard selects which transfer protocol moves an asset. It is
// declared when the asset first enters custody and never changes.
type AssetStandard string

const (
	// StandardPlain assets move with a straightforward custody change.
	StandardPlain AssetStandard = "plain"
	// StandardRestricted assets carry a delegation/lock state and may only be
	// moved by a program-controlled authority while listed.
	StandardRestricted AssetStandard = "restricted"
	// StandardPolicyGated assets consult an external policy descriptor before
	// any custody change and are frozen between transfers.
	StandardPolicyGated AssetStandard = "policy-gated"
)

// LockState is the delegation/lock state of a restricted asset.
type LockState string

const (
	LockUnlocked LockState = "unlocked"
	LockLocked   LockState = "locked"
	LockListed   LockState = "listed"
)

// Custody record format versions. Legacy restricted records predate the
// delegation field and must be migrated before settlement.
const (
	CustodyFormatLegacy  = 1
	CustodyFormatCurrent = 2
)

// AssetCustody is the per-asset custody record: who holds the asset, under
// which transfer standard, and the protocol-specific lock/policy state. There
// is exactly one custody record per asset; transfers rewrite Holder and
// Holding atomically with the protocol state.
type AssetCustody struct {
	Asset  common.Address
	Holder common.Address
	// Holding is the derived holding-account address for the current holder.
	Holding  common.Address
	Standard AssetStandard

	// Lock and Delegate apply to restricted assets. Delegate is the
	// program-controlled authority permitted to move the asset while listed;
	// nil means no delegation is in force.
	Lock     LockState
	Delegate *common.Address

	// Frozen and Policy apply to policy-gated assets. Policy points at the
	// external policy descriptor bound to the asset.
	Frozen bool
	Policy *common.Address

	// Royalties is the creator royalty schedule attached to the asset.
	// Shares sum to at most 10000bp.
	Royalties []RoyaltyShare

	// Deposit is the storage deposit reclaimed when a holding account is
	// vacated by a plain transfer.
	Deposit uint64

	// Format is the record format version; CustodyFormatLegacy records must
	// be upgraded on first interaction.
	Format int

	UpdatedAt time.Time
	Version   int64
}

// RoyaltyShare is one beneficiary's slice of the creator royalty schedule.
type RoyaltyShare struct {
	Beneficiary common.Address
	Bp          uint16
}

// RoyaltyTotalBp sums the royalty schedule in basis points.
func (c AssetCustody) RoyaltyTotalBp() int {
	total := 0
	for _, s := range c.Royalties {
		total += int(s.Bp)
	}
	return total
}

// Policy is an external policy descriptor for a policy-gated asset. An empty
// AllowedMarketplaces list permits every marketplace.
type Policy struct {
	Address             common.Address
	AllowedMarketplaces []common.Address
	DeniedAssets        []common.Address
	TransfersSuspended  bool
}

// Allows reports whether the policy permits moving asset on marketplace.
func (p Policy) Allows(marketplace, asset common.Address) bool {
	if p.TransfersSuspended {
		return false
	}
	for _, a := range p.DeniedAssets {
		if a == asset {
			return false
		}
	}
	if len(p.AllowedMarketplaces) == 0 {
		return true
	}
	for _, m := range p.AllowedMarketplaces {
		if m == marketplace {
			return true
		}
	}
	return false
}
