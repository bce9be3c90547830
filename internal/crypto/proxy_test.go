package crypto

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengrove/marketd/internal/domain"
	"github.com/opengrove/marketd/internal/registry"
)

func TestProxy_AuthorizeVerify(t *testing.T) {
	proxy, err := GenerateProxy()
	require.NoError(t, err)

	marketplace := common.HexToAddress("0x01")
	asset := common.HexToAddress("0x02")

	proof, err := proxy.Authorize(marketplace, asset)
	require.NoError(t, err)

	assert.Equal(t, registry.SigningProxy(marketplace), proof.Account)
	assert.NoError(t, proof.Verify(proxy.Signer(), marketplace, asset))
}

func TestProxy_VerifyRejectsWrongBinding(t *testing.T) {
	proxy, err := GenerateProxy()
	require.NoError(t, err)

	marketplace := common.HexToAddress("0x01")
	asset := common.HexToAddress("0x02")

	proof, err := proxy.Authorize(marketplace, asset)
	require.NoError(t, err)

	// Proof for one asset does not authorize another.
	err = proof.Verify(proxy.Signer(), marketplace, common.HexToAddress("0x03"))
	assert.ErrorIs(t, err, domain.ErrPublicKeyMismatch)

	// Proof account must match the marketplace's derived proxy account.
	err = proof.Verify(proxy.Signer(), common.HexToAddress("0x04"), asset)
	assert.ErrorIs(t, err, domain.ErrAddressMismatch)

	// A different key cannot impersonate the proxy.
	other, err := GenerateProxy()
	require.NoError(t, err)
	err = proof.Verify(other.Signer(), marketplace, asset)
	assert.ErrorIs(t, err, domain.ErrPublicKeyMismatch)
}

func TestKeyFileRoundTrip(t *testing.T) {
	const keyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

	blob, err := EncryptKey(keyHex, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, keyHex, got)

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)
}
