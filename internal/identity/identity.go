package identity

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Address is a 20-byte account identifier. Externally-owned accounts derive
// it from a secp256k1 public key; controller contracts and programmable
// accounts are opaque addresses registered out of band.
type Address = common.Address

// Zero is the empty address, used as the "none" sentinel for controllers and
// as the native-currency token id.
var Zero Address

// SignatureLength is the expected [R || S || V] signature size.
const SignatureLength = 65

var ErrInvalidAddress = errors.New("invalid address")

// GenerateKey creates a fresh secp256k1 private key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	return key, nil
}

// KeyFromHex parses a 32-byte secp256k1 private key from hex.
func KeyFromHex(s string) (*ecdsa.PrivateKey, error) {
	if len(s) >= 2 && s[:2] == "0x" {
		s = s[2:]
	}
	key, err := ethcrypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// AddressOf derives the account address for a private key.
func AddressOf(key *ecdsa.PrivateKey) Address {
	return ethcrypto.PubkeyToAddress(key.PublicKey)
}

// ParseAddress parses a hex-encoded address with basic validation.
func ParseAddress(s string) (Address, error) {
	if !common.IsHexAddress(s) {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

// Sign produces a 65-byte recoverable signature over a 32-byte digest.
func Sign(digest [32]byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := ethcrypto.Sign(digest[:], key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	return sig, nil
}

// Recover returns the address whose key produced the signature over digest.
func Recover(digest [32]byte, sig []byte) (Address, error) {
	if len(sig) != SignatureLength {
		return Zero, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	pub, err := ethcrypto.SigToPub(digest[:], sig)
	if err != nil {
		return Zero, fmt.Errorf("recover signer: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
