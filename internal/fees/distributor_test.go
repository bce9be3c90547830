package fees

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengrove/marketd/internal/domain"
)

func beneficiary(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

func i16(v int16) *int16   { return &v }
func u16(v uint16) *uint16 { return &v }

func conserved(t *testing.T, d domain.Distribution) {
	t.Helper()
	total := d.TreasuryFee + d.BuyerReferralFee + d.SellerReferralFee + d.RoyaltyTotal() + d.SellerProceeds
	assert.Equal(t, d.Price, total, "components must sum exactly to price")
}

func TestDistribute_FlatFee(t *testing.T) {
	d, err := Distribute(Params{
		Price:            1_000_000,
		TotalFeeBp:       500,
		BuyerReferralBp:  100,
		SellerReferralBp: 100,
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(30_000), d.TreasuryFee)
	assert.Equal(t, uint64(10_000), d.BuyerReferralFee)
	assert.Equal(t, uint64(10_000), d.SellerReferralFee)
	assert.Equal(t, uint64(950_000), d.SellerProceeds)
	conserved(t, d)
}

func TestDistribute_ConservationTable(t *testing.T) {
	cases := []struct {
		name    string
		price   uint64
		total   uint16
		buyer   uint16
		seller  uint16
		royalty uint16
	}{
		{"zero price", 0, 500, 100, 100, 500},
		{"one unit", 1, 500, 100, 100, 500},
		{"odd price floors", 999_999, 333, 111, 111, 250},
		{"full fee", 12_345_678, 10_000, 5_000, 5_000, 0},
		{"no fee", 12_345_678, 0, 0, 0, 0},
		{"max price", domain.MaxPrice, 975, 25, 50, 1_000},
		{"all royalty", 777, 0, 0, 0, 10_000},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := Distribute(Params{
				Price:            tc.price,
				TotalFeeBp:       tc.total,
				BuyerReferralBp:  tc.buyer,
				SellerReferralBp: tc.seller,
				Royalties: []domain.RoyaltyShare{
					{Beneficiary: beneficiary(1), Bp: tc.royalty},
				},
			})
			require.NoError(t, err)
			conserved(t, d)
		})
	}
}

func TestDistribute_MultipleRoyaltyBeneficiaries(t *testing.T) {
	d, err := Distribute(Params{
		Price:      1_000_000,
		TotalFeeBp: 200,
		Royalties: []domain.RoyaltyShare{
			{Beneficiary: beneficiary(1), Bp: 300},
			{Beneficiary: beneficiary(2), Bp: 150},
			{Beneficiary: beneficiary(3), Bp: 50},
		},
	})
	require.NoError(t, err)

	require.Len(t, d.Royalties, 3)
	assert.Equal(t, uint64(30_000), d.Royalties[0].Amount)
	assert.Equal(t, uint64(15_000), d.Royalties[1].Amount)
	assert.Equal(t, uint64(5_000), d.Royalties[2].Amount)
	conserved(t, d)
}

func TestDistribute_MakerTakerOverride(t *testing.T) {
	d, err := Distribute(Params{
		Price:            1_000_000,
		TotalFeeBp:       500, // ignored when the override is present
		BuyerReferralBp:  50,
		SellerReferralBp: 50,
		MakerFeeBp:       i16(100),
		TakerFeeBp:       u16(200),
	})
	require.NoError(t, err)

	// total fee = 10_000 + 20_000; referrers take 5_000 each.
	assert.Equal(t, uint64(20_000), d.TreasuryFee)
	assert.Equal(t, uint64(970_000), d.SellerProceeds)
	assert.Zero(t, d.MakerRebate)
	conserved(t, d)
}

func TestDistribute_NegativeMakerFeeIsRebate(t *testing.T) {
	d, err := Distribute(Params{
		Price:      1_000_000,
		MakerFeeBp: i16(-50),
		TakerFeeBp: u16(200),
	})
	require.NoError(t, err)

	// total fee = -5_000 + 20_000 = 15_000, rebate funded by treasury.
	assert.Equal(t, uint64(15_000), d.TreasuryFee)
	assert.Equal(t, uint64(985_000), d.SellerProceeds)
	assert.Equal(t, uint64(5_000), d.MakerRebate)
	conserved(t, d)
}

func TestDistribute_RebateExceedingTakerFeeRejected(t *testing.T) {
	_, err := Distribute(Params{
		Price:      1_000_000,
		MakerFeeBp: i16(-300),
		TakerFeeBp: u16(100),
	})
	assert.ErrorIs(t, err, domain.ErrNumericalOverflow)
}

func TestDistribute_NegativeProceedsRejected(t *testing.T) {
	// 95% fee + 10% royalty cannot be paid out of a 100% price.
	_, err := Distribute(Params{
		Price:      1_000_000,
		TotalFeeBp: 9_500,
		Royalties: []domain.RoyaltyShare{
			{Beneficiary: beneficiary(1), Bp: 1_000},
		},
	})
	assert.ErrorIs(t, err, domain.ErrNumericalOverflow)
}

func TestDistribute_BadBasisPointsRejected(t *testing.T) {
	_, err := Distribute(Params{Price: 100, TotalFeeBp: 10_001})
	assert.ErrorIs(t, err, domain.ErrInvalidBasisPoints)

	_, err = Distribute(Params{Price: 100, TotalFeeBp: 100, BuyerReferralBp: 60, SellerReferralBp: 60})
	assert.ErrorIs(t, err, domain.ErrInvalidBasisPoints)

	_, err = Distribute(Params{Price: 100, Royalties: []domain.RoyaltyShare{
		{Beneficiary: beneficiary(1), Bp: 6_000},
		{Beneficiary: beneficiary(2), Bp: 6_000},
	}})
	assert.ErrorIs(t, err, domain.ErrInvalidBasisPoints)
}

func TestDistribute_ZeroFeeReferrerStillValid(t *testing.T) {
	d, err := Distribute(Params{
		Price:            10, // 100bp of 10 floors to 0
		TotalFeeBp:       500,
		BuyerReferralBp:  100,
		SellerReferralBp: 100,
	})
	require.NoError(t, err)
	assert.Zero(t, d.BuyerReferralFee)
	assert.Zero(t, d.SellerReferralFee)
	conserved(t, d)
}
