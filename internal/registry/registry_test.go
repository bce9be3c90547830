package registry

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengrove/marketd/internal/domain"
)

func addr(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

func TestDerive_Deterministic(t *testing.T) {
	a1, s1 := Derive(NSEscrow, addr(1).Bytes(), addr(2).Bytes())
	a2, s2 := Derive(NSEscrow, addr(1).Bytes(), addr(2).Bytes())

	assert.Equal(t, a1, a2)
	assert.Equal(t, s1, s2)
}

func TestDerive_SeedPerturbationChangesAddress(t *testing.T) {
	base, _ := Derive(NSEscrow, addr(1).Bytes(), addr(2).Bytes())

	perturbed, _ := Derive(NSEscrow, addr(1).Bytes(), addr(3).Bytes())
	assert.NotEqual(t, base, perturbed)

	reordered, _ := Derive(NSEscrow, addr(2).Bytes(), addr(1).Bytes())
	assert.NotEqual(t, base, reordered)

	otherNS, _ := Derive(NSHolding, addr(1).Bytes(), addr(2).Bytes())
	assert.NotEqual(t, base, otherNS)
}

func TestDerive_LengthPrefixPreventsSeedSplicing(t *testing.T) {
	// ("ab", "c") and ("a", "bc") concatenate identically; the length
	// prefixes must keep them apart.
	a1, _ := Derive(NSMarketplace, []byte("ab"), []byte("c"))
	a2, _ := Derive(NSMarketplace, []byte("a"), []byte("bc"))
	assert.NotEqual(t, a1, a2)
}

func TestVerify(t *testing.T) {
	a, _ := Derive(NSTreasury, addr(7).Bytes())

	require.NoError(t, Verify(a, NSTreasury, addr(7).Bytes()))

	err := Verify(a, NSTreasury, addr(8).Bytes())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAddressMismatch)
}

func TestTradeRecord_TermsBakedIn(t *testing.T) {
	terms := domain.Terms{
		Marketplace: addr(1),
		Owner:       addr(2),
		Asset:       addr(3),
		Currency:    domain.NativeCurrency,
		Side:        domain.SideSeller,
		Price:       1_000_000,
		Quantity:    1,
		Expiry:      0,
	}

	base := TradeRecord(terms)

	repriced := terms
	repriced.Price = 2_000_000
	assert.NotEqual(t, base, TradeRecord(repriced), "new price must yield a new record identity")

	buyerSide := terms
	buyerSide.Side = domain.SideBuyer
	assert.NotEqual(t, base, TradeRecord(buyerSide), "seller and buyer records never share an address")

	assert.Equal(t, base, TradeRecord(terms), "identical terms round-trip to the same address")
}
