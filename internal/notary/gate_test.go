package notary

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengrove/marketd/internal/domain"
)

func addr(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

func records(price uint64) (domain.TradeRecord, domain.TradeRecord) {
	seller := domain.TradeRecord{
		Address: addr(10), Owner: addr(1), Asset: addr(5), Price: price, Side: domain.SideSeller,
	}
	buyer := domain.TradeRecord{
		Address: addr(11), Owner: addr(2), Asset: addr(5), Price: price, Side: domain.SideBuyer,
	}
	return seller, buyer
}

func TestEnforced_Deterministic(t *testing.T) {
	cfg := domain.MarketplaceConfig{Address: addr(9), RequiresNotary: true, Nprob: 50}
	seller, buyer := records(1_000_000)

	first := Enforced(cfg, seller, buyer)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Enforced(cfg, seller, buyer),
			"identical terms must always evaluate the same way")
	}
}

func TestEnforced_Thresholds(t *testing.T) {
	seller, buyer := records(1_000_000)

	off := domain.MarketplaceConfig{Address: addr(9), RequiresNotary: false, Nprob: 100}
	assert.False(t, Enforced(off, seller, buyer), "disabled gate never enforces")

	never := domain.MarketplaceConfig{Address: addr(9), RequiresNotary: true, Nprob: 0}
	assert.False(t, Enforced(never, seller, buyer), "nprob 0 never enforces")

	always := domain.MarketplaceConfig{Address: addr(9), RequiresNotary: true, Nprob: 100}
	assert.True(t, Enforced(always, seller, buyer), "nprob 100 always enforces")
}

func TestCheck_CoSignature(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	notaryAddr := ethcrypto.PubkeyToAddress(key.PublicKey)

	cfg := domain.MarketplaceConfig{
		Address:        addr(9),
		Notary:         notaryAddr,
		RequiresNotary: true,
		Nprob:          100,
	}
	seller, buyer := records(1_000_000)

	// Missing signature.
	err = Check(cfg, seller, buyer, seller.Price, nil)
	assert.ErrorIs(t, err, domain.ErrSaleRequiresSigner)

	// Valid co-signature.
	digest := Digest(seller.Address, buyer.Address, seller.Price)
	sig, err := ethcrypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)
	assert.NoError(t, Check(cfg, seller, buyer, seller.Price, sig))

	// Signature from the wrong key.
	wrongKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	badSig, err := ethcrypto.Sign(digest.Bytes(), wrongKey)
	require.NoError(t, err)
	assert.ErrorIs(t, Check(cfg, seller, buyer, seller.Price, badSig), domain.ErrInvalidNotary)

	// Signature over the wrong digest.
	otherDigest := Digest(seller.Address, buyer.Address, seller.Price+1)
	staleSig, err := ethcrypto.Sign(otherDigest.Bytes(), key)
	require.NoError(t, err)
	assert.ErrorIs(t, Check(cfg, seller, buyer, seller.Price, staleSig), domain.ErrInvalidNotary)
}

func TestCheck_NotEnforcedSkipsSignature(t *testing.T) {
	cfg := domain.MarketplaceConfig{Address: addr(9), RequiresNotary: true, Nprob: 0}
	seller, buyer := records(42)

	assert.NoError(t, Check(cfg, seller, buyer, seller.Price, nil))
}
