package crypto

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/opengrove/marketd/internal/domain"
	"github.com/opengrove/marketd/internal/registry"
)

// Proxy is the marketplace signing proxy: a program-controlled key, never a
// human wallet. Restricted and policy-gated transfer strategies require the
// moving authority to be this identity; the orchestrator holds the Proxy and
// presents AuthorityProofs to them.
type Proxy struct {
	key    *ecdsa.PrivateKey
	signer common.Address
}

// NewProxy builds a Proxy from a hex private key (as returned by LoadKey).
func NewProxy(privateKeyHex string) (*Proxy, error) {
	key, err := ethcrypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse proxy key: %w", err)
	}
	return &Proxy{
		key:    key,
		signer: ethcrypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// GenerateProxy creates a Proxy with a fresh random key. Used by tests and
// the local run mode.
func GenerateProxy() (*Proxy, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto: generate proxy key: %w", err)
	}
	return &Proxy{
		key:    key,
		signer: ethcrypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Signer returns the address of the proxy's signing key.
func (p *Proxy) Signer() common.Address {
	return p.signer
}

// AuthorityProof authorizes one asset move on one marketplace. Account is the
// derived marketplace proxy account that custody delegations point at; the
// signature binds the signer key to that account for the specific asset.
type AuthorityProof struct {
	Account   common.Address
	Signer    common.Address
	Signature []byte
}

func authorityDigest(account, marketplace, asset common.Address) []byte {
	return ethcrypto.Keccak256(
		[]byte("marketd/authority"),
		account.Bytes(),
		marketplace.Bytes(),
		asset.Bytes(),
	)
}

// Authorize produces an AuthorityProof for moving asset on marketplace.
func (p *Proxy) Authorize(marketplace, asset common.Address) (AuthorityProof, error) {
	account := registry.SigningProxy(marketplace)
	sig, err := ethcrypto.Sign(authorityDigest(account, marketplace, asset), p.key)
	if err != nil {
		return AuthorityProof{}, fmt.Errorf("crypto: sign authority proof: %w", err)
	}
	return AuthorityProof{Account: account, Signer: p.signer, Signature: sig}, nil
}

// Verify checks that the proof covers (marketplace, asset), that its account
// is the derived proxy account for the marketplace, and that the signature
// recovers to the expected signer key.
func (pr AuthorityProof) Verify(expectedSigner common.Address, marketplace, asset common.Address) error {
	if err := registry.Verify(pr.Account, registry.NSSigningProxy, marketplace.Bytes()); err != nil {
		return err
	}
	if len(pr.Signature) != ethcrypto.SignatureLength {
		return domain.ErrPublicKeyMismatch
	}
	pub, err := ethcrypto.SigToPub(authorityDigest(pr.Account, marketplace, asset), pr.Signature)
	if err != nil {
		return domain.ErrPublicKeyMismatch
	}
	recovered := ethcrypto.PubkeyToAddress(*pub)
	if recovered != pr.Signer || recovered != expectedSigner {
		return domain.ErrPublicKeyMismatch
	}
	return nil
}
