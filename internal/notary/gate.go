// Package notary implements the conditional third-party co-signature gate.
// Enforcement is deterministic, not random: a hash of the trade's economic
// terms modulo 100 is compared against the configured probability, so the
// same trade terms always evaluate the same way and a party cannot retry a
// settlement to dodge enforcement.
package notary

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/opengrove/marketd/internal/domain"
)

func u64be(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// Enforced reports whether the trade described by the two records requires
// the notary's co-signature under cfg.
func Enforced(cfg domain.MarketplaceConfig, seller, buyer domain.TradeRecord) bool {
	if !cfg.RequiresNotary {
		return false
	}
	h := ethcrypto.Keccak256(
		cfg.Address.Bytes(),
		seller.Asset.Bytes(),
		seller.Owner.Bytes(),
		buyer.Owner.Bytes(),
		u64be(seller.Price),
	)
	roll := binary.BigEndian.Uint64(h[:8]) % 100
	return roll < uint64(cfg.Nprob)
}

// Digest is the 32-byte message the notary co-signs for one settlement: the
// two record addresses plus the settlement price.
func Digest(sellerRecord, buyerRecord common.Address, price uint64) common.Hash {
	return common.BytesToHash(ethcrypto.Keccak256(
		[]byte("marketd/notary"),
		sellerRecord.Bytes(),
		buyerRecord.Bytes(),
		u64be(price),
	))
}

// Check runs the gate for one settlement. When enforcement applies, sig must
// be a 65-byte recoverable signature over Digest that recovers to cfg.Notary;
// a missing signature fails with ErrSaleRequiresSigner and a wrong one with
// ErrInvalidNotary.
func Check(cfg domain.MarketplaceConfig, seller, buyer domain.TradeRecord, price uint64, sig []byte) error {
	if !Enforced(cfg, seller, buyer) {
		return nil
	}
	if len(sig) == 0 {
		return domain.ErrSaleRequiresSigner
	}
	if len(sig) != ethcrypto.SignatureLength {
		return domain.ErrInvalidNotary
	}

	// Accept both 0/1 and legacy 27/28 recovery ids.
	recovSig := make([]byte, ethcrypto.SignatureLength)
	copy(recovSig, sig)
	if recovSig[64] >= 27 {
		recovSig[64] -= 27
	}

	digest := Digest(seller.Address, buyer.Address, price)
	pub, err := ethcrypto.SigToPub(digest.Bytes(), recovSig)
	if err != nil {
		return domain.ErrInvalidNotary
	}
	if ethcrypto.PubkeyToAddress(*pub) != cfg.Notary {
		return domain.ErrInvalidNotary
	}
	return nil
}
