package identity

import (
	"encoding/hex"
	"strings"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestSignAndRecover(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	digest := [32]byte(ethcrypto.Keccak256Hash([]byte("payload")))
	sig, err := Sign(digest, key)
	require.NoError(t, err)
	require.Len(t, sig, SignatureLength)

	got, err := Recover(digest, sig)
	require.NoError(t, err)
	require.Equal(t, AddressOf(key), got)
}

func TestRecoverDifferentDigest(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	digest := [32]byte(ethcrypto.Keccak256Hash([]byte("payload")))
	sig, err := Sign(digest, key)
	require.NoError(t, err)

	other := [32]byte(ethcrypto.Keccak256Hash([]byte("tampered")))
	got, err := Recover(other, sig)
	require.NoError(t, err)
	require.NotEqual(t, AddressOf(key), got)
}

func TestRecoverRejectsShortSignature(t *testing.T) {
	var digest [32]byte
	_, err := Recover(digest, []byte{1, 2, 3})
	require.Error(t, err)
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("0x00112233445566778899aabbccddeeff00112233")
	require.NoError(t, err)
	require.Equal(t, "0x00112233445566778899aabbccddeeff00112233", strings.ToLower(addr.Hex()))

	_, err = ParseAddress("not-an-address")
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestKeyFromHexRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	hexKey := "0x" + hex.EncodeToString(ethcrypto.FromECDSA(key))
	parsed, err := KeyFromHex(hexKey)
	require.NoError(t, err)
	require.Equal(t, AddressOf(key), AddressOf(parsed))
}
