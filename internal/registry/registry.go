// Package registry derives stable, collision-free addresses for every
// logical marketplace entity from a fixed namespace plus semantic seeds.
// Derivation is pure: the same seed list always produces the same address,
// so no entity needs a separate discovery index. Trade-record seeds bake the
// full economic terms into the address, which makes "one open order per
// exact terms" the natural invariant.
package registry

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/opengrove/marketd/internal/domain"
)

// program is the fixed top-level namespace. Bumping it invalidates every
// derived address, so it changes only on incompatible layout revisions.
const program = "marketd/v1"

// Entity namespaces. Each logical entity kind derives under its own
// namespace so two kinds can never collide even with identical seeds.
const (
	NSMarketplace  = "marketplace"
	NSTreasury     = "treasury"
	NSEscrow       = "escrow"
	NSSellerRecord = "seller-record"
	NSBuyerRecord  = "buyer-record"
	NSSigningProxy = "signing-proxy"
	NSHolding      = "holding"
)

// Derive computes the address and salt for the ordered seed list under the
// given namespace. Seeds are length-prefixed before hashing so no two
// distinct seed lists can produce the same preimage.
func Derive(namespace string, seeds ...[]byte) (common.Address, byte) {
	buf := make([]byte, 0, 64)
	buf = append(buf, program...)
	buf = append(buf, 0)
	buf = append(buf, namespace...)
	buf = append(buf, 0)
	for _, s := range seeds {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(s)))
		buf = append(buf, l[:]...)
		buf = append(buf, s...)
	}

	digest := ethcrypto.Keccak256(buf)
	salt := digest[len(digest)-1]
	addr := common.BytesToAddress(ethcrypto.Keccak256(digest, []byte{salt}))
	return addr, salt
}

// Verify re-derives the address for the seed list and compares it against
// the caller-supplied address. Every access to a marketplace entity goes
// through Verify; a mismatch aborts the operation.
func Verify(addr common.Address, namespace string, seeds ...[]byte) error {
	derived, _ := Derive(namespace, seeds...)
	if derived != addr {
		return domain.ErrAddressMismatch
	}
	return nil
}

func u64be(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func i64be(v int64) []byte {
	return u64be(uint64(v))
}

// Marketplace derives the config record address from its immutable creator.
func Marketplace(creator common.Address) common.Address {
	addr, _ := Derive(NSMarketplace, creator.Bytes())
	return addr
}

// Treasury derives the marketplace treasury address.
func Treasury(marketplace common.Address) common.Address {
	addr, _ := Derive(NSTreasury, marketplace.Bytes())
	return addr
}

// SigningProxy derives the marketplace-scoped program authority address that
// restricted and policy-gated transfers are delegated to.
func SigningProxy(marketplace common.Address) common.Address {
	addr, _ := Derive(NSSigningProxy, marketplace.Bytes())
	return addr
}

// Escrow derives the escrow account address for one
// (marketplace, depositor, currency) tuple.
func Escrow(marketplace, depositor, currency common.Address) common.Address {
	addr, _ := Derive(NSEscrow, marketplace.Bytes(), depositor.Bytes(), currency.Bytes())
	return addr
}

// Holding derives the holding-account address an asset occupies while held
// by holder.
func Holding(asset, holder common.Address) common.Address {
	addr, _ := Derive(NSHolding, asset.Bytes(), holder.Bytes())
	return addr
}

// TradeRecord derives the content address of a trade record from its full
// economic terms. Changing any term (price, quantity, expiry, ...) yields a
// different address, so records are never repriced in place.
func TradeRecord(t domain.Terms) common.Address {
	ns := NSSellerRecord
	if t.Side == domain.SideBuyer {
		ns = NSBuyerRecord
	}
	addr, _ := Derive(ns,
		t.Marketplace.Bytes(),
		t.Owner.Bytes(),
		t.Asset.Bytes(),
		t.Currency.Bytes(),
		u64be(t.Price),
		u64be(t.Quantity),
		i64be(t.Expiry),
	)
	return addr
}
