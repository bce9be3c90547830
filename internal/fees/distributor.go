// Package fees computes the split of sale proceeds among treasury,
// referrers, creator royalty beneficiaries, and the seller. Distribute is a
// pure function: it touches no state and is safe to recompute at any point.
package fees

import (
	"math/big"

	"github.com/opengrove/marketd/internal/domain"
)

var bpDenom = big.NewInt(domain.MaxBasisPoints)

// Params are the inputs to one distribution.
type Params struct {
	Price uint64

	TotalFeeBp       uint16
	BuyerReferralBp  uint16
	SellerReferralBp uint16

	// MakerFeeBp and TakerFeeBp, when both set, replace the flat TotalFeeBp
	// split with role-differentiated fees. A negative maker fee is a rebate
	// paid out of treasury to the maker rather than collected.
	MakerFeeBp *int16
	TakerFeeBp *uint16

	// Royalties is the creator royalty schedule; shares sum to at most
	// 10000bp.
	Royalties []domain.RoyaltyShare
}

// bpShare returns floor(bp * price / 10000) as a big.Int. All intermediate
// arithmetic is done in big.Int so the product cannot overflow at MaxPrice.
func bpShare(price uint64, bp int64) *big.Int {
	v := new(big.Int).SetUint64(price)
	v.Mul(v, big.NewInt(bp))
	return v.Quo(v, bpDenom)
}

// narrow converts v to uint64, rejecting negatives and values that do not
// fit the currency unit width.
func narrow(v *big.Int) (uint64, error) {
	if v.Sign() < 0 || !v.IsUint64() {
		return 0, domain.ErrNumericalOverflow
	}
	return v.Uint64(), nil
}

// Distribute computes the exact split for the given parameters. The returned
// components always satisfy
//
//	TreasuryFee + BuyerReferralFee + SellerReferralFee + Σ royalties + SellerProceeds == Price
//
// Total deductions exceeding the price are rejected with ErrNumericalOverflow
// rather than clamped: a schedule that cannot pay the seller is a
// configuration error, not a rounding problem.
func Distribute(p Params) (domain.Distribution, error) {
	if int(p.TotalFeeBp) > domain.MaxBasisPoints ||
		int(p.BuyerReferralBp)+int(p.SellerReferralBp) > int(p.TotalFeeBp) {
		return domain.Distribution{}, domain.ErrInvalidBasisPoints
	}
	royaltyBp := 0
	for _, s := range p.Royalties {
		royaltyBp += int(s.Bp)
	}
	if royaltyBp > domain.MaxBasisPoints {
		return domain.Distribution{}, domain.ErrInvalidBasisPoints
	}

	buyerRef := bpShare(p.Price, int64(p.BuyerReferralBp))
	sellerRef := bpShare(p.Price, int64(p.SellerReferralBp))

	// Total platform fee: flat, or maker+taker when the override is present.
	var totalFee *big.Int
	var makerRebate uint64
	if p.MakerFeeBp != nil && p.TakerFeeBp != nil {
		if int(*p.TakerFeeBp) > domain.MaxBasisPoints {
			return domain.Distribution{}, domain.ErrInvalidBasisPoints
		}
		makerFee := bpShare(p.Price, int64(*p.MakerFeeBp))
		takerFee := bpShare(p.Price, int64(*p.TakerFeeBp))
		totalFee = new(big.Int).Add(makerFee, takerFee)
		if makerFee.Sign() < 0 {
			rebate, err := narrow(new(big.Int).Neg(makerFee))
			if err != nil {
				return domain.Distribution{}, err
			}
			makerRebate = rebate
		}
	} else {
		totalFee = bpShare(p.Price, int64(p.TotalFeeBp))
	}

	// Treasury keeps whatever the referrers do not. A negative maker fee can
	// push this below zero, meaning the treasury cannot fund the rebate plus
	// the referral fees; that is rejected, never clamped.
	treasury := new(big.Int).Sub(totalFee, buyerRef)
	treasury.Sub(treasury, sellerRef)

	royaltyTotal := new(big.Int)
	payouts := make([]domain.RoyaltyPayout, 0, len(p.Royalties))
	for _, s := range p.Royalties {
		share := bpShare(p.Price, int64(s.Bp))
		amount, err := narrow(share)
		if err != nil {
			return domain.Distribution{}, err
		}
		royaltyTotal.Add(royaltyTotal, share)
		payouts = append(payouts, domain.RoyaltyPayout{Beneficiary: s.Beneficiary, Amount: amount})
	}

	proceeds := new(big.Int).SetUint64(p.Price)
	proceeds.Sub(proceeds, totalFee)
	proceeds.Sub(proceeds, royaltyTotal)

	d := domain.Distribution{Price: p.Price, MakerRebate: makerRebate, Royalties: payouts}
	var err error
	if d.TreasuryFee, err = narrow(treasury); err != nil {
		return domain.Distribution{}, err
	}
	if d.BuyerReferralFee, err = narrow(buyerRef); err != nil {
		return domain.Distribution{}, err
	}
	if d.SellerReferralFee, err = narrow(sellerRef); err != nil {
		return domain.Distribution{}, err
	}
	if d.SellerProceeds, err = narrow(proceeds); err != nil {
		return domain.Distribution{}, err
	}
	return d, nil
}
