package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TradeSide distinguishes seller listings from buyer orders.
type TradeSide string

const (
	SideSeller TradeSide = "seller"
	SideBuyer  TradeSide = "buyer"
)

// TradeRecord is a content-addressed statement of intent to buy or sell at
// specific terms. Its address is derived from the full economic terms, so
// changing the price means closing this record and opening a new one, a
// record's price is never mutated in place. The existence of an open record
// is the sole signal that the order is still live.
type TradeRecord struct {
	Address     common.Address
	Marketplace common.Address
	Side        TradeSide
	Owner       common.Address

	// Referrer receives the side's referral fee at settlement. The zero
	// address means no referrer; zero-fee referrers are still valid payees.
	Referrer common.Address

	Asset    common.Address
	Currency common.Address
	Price    uint64
	Quantity uint64

	// Expiry is a unix timestamp; 0 means the record never expires. Checked
	// at creation and re-checked at settlement.
	Expiry int64

	// RoyaltyBp is the creator royalty the buyer accepted when bidding.
	// Meaningful on buyer records only.
	RoyaltyBp uint16

	// Holding is the asset-custody location at listing time. Meaningful on
	// seller records only.
	Holding common.Address

	CreatedAt time.Time
	Version   int64
}

// Terms captures the economic identity of a trade record: the fields the
// record address is derived from.
type Terms struct {
	Marketplace common.Address
	Owner       common.Address
	Asset       common.Address
	Currency    common.Address
	Side        TradeSide
	Price       uint64
	Quantity    uint64
	Expiry      int64
}

// TermsOf extracts the economic identity of r.
func TermsOf(r TradeRecord) Terms {
	return Terms{
		Marketplace: r.Marketplace,
		Owner:       r.Owner,
		Asset:       r.Asset,
		Currency:    r.Currency,
		Side:        r.Side,
		Price:       r.Price,
		Quantity:    r.Quantity,
		Expiry:      r.Expiry,
	}
}

// Expired reports whether the record's expiry has passed at the given time.
// A zero expiry never expires.
func (r TradeRecord) Expired(at time.Time) bool {
	return r.Expiry != 0 && r.Expiry <= at.Unix()
}

// Validate checks the static invariants every record must satisfy at open
// time: price within bounds, quantity positive, expiry (if set) in the
// future, royalty within 10000bp.
func (r TradeRecord) Validate(now time.Time) error {
	if r.Price > MaxPrice {
		return ErrInvalidPrice
	}
	if r.Quantity == 0 {
		return ErrInvalidQuantity
	}
	if r.Expiry != 0 && r.Expiry <= now.Unix() {
		return ErrInvalidExpiry
	}
	if int(r.RoyaltyBp) > MaxBasisPoints {
		return ErrInvalidBasisPoints
	}
	return nil
}
