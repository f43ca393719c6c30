// Package typedsig implements the canonical, versioned typed-message encoding
// used by the approval registry. A permit digest binds the grantor, the
// controller, the controller's registered name, the approval parameters and
// the grantor's current nonce under a domain separator, so a signature is
// only valid for one registry instance and one nonce.
package typedsig

import (
	"encoding/binary"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"obligo.org/internal/identity"
)

// Domain identifies one registry deployment. Two domains never produce the
// same digest for the same payload.
type Domain struct {
	Name     string
	Version  string
	LedgerID uint64
	Registry identity.Address
}

// Validator is the programmable-account extension point: instead of raw
// signature recovery, the account itself judges whether a signature is valid
// for a digest.
type Validator interface {
	ValidSignature(digest [32]byte, sig []byte) bool
}

// PayEntry is one per-claim entry of a "specific claims" pay approval.
type PayEntry struct {
	ClaimID  uint64
	Amount   int64
	Deadline uint64 // unix seconds, 0 means no deadline
}

var (
	domainTypeHash = keccak([]byte("Domain(string name,string version,uint64 ledgerId,address registry)"))

	createClaimTypeHash = keccak([]byte("PermitCreateClaim(address grantor,address controller,string controllerName,uint8 kind,uint64 count,bool bindingAllowed,uint64 nonce)"))

	payEntryTypeHash = keccak([]byte("PayEntry(uint64 claimId,uint64 amount,uint64 deadline)"))
	payClaimTypeHash = keccak([]byte("PermitPayClaim(address grantor,address controller,string controllerName,uint8 kind,uint64 deadline,PayEntry[] entries,uint64 nonce)PayEntry(uint64 claimId,uint64 amount,uint64 deadline)"))

	authTokenTypeHash = keccak([]byte("AuthToken(address account,uint64 issuedAt)"))

	updateBindingTypeHash = keccak([]byte("PermitUpdateBinding(address grantor,address controller,string controllerName,uint64 count,uint64 nonce)"))
	cancelClaimTypeHash   = keccak([]byte("PermitCancelClaim(address grantor,address controller,string controllerName,uint64 count,uint64 nonce)"))
	impairClaimTypeHash   = keccak([]byte("PermitImpairClaim(address grantor,address controller,string controllerName,uint64 count,uint64 nonce)"))
)

// Separator returns the domain separator hash.
func (d Domain) Separator() [32]byte {
	return keccak(
		domainTypeHash[:],
		encString(d.Name),
		encString(d.Version),
		encUint64(d.LedgerID),
		encAddress(d.Registry),
	)
}

// AuthTokenDigest builds the challenge an account signs to obtain a bearer
// token. issuedAt (unix seconds) bounds the signature's useful life; the
// domain binds it to one registry instance, so a capture cannot be replayed
// against another deployment.
func AuthTokenDigest(d Domain, account identity.Address, issuedAt uint64) [32]byte {
	structHash := keccak(
		authTokenTypeHash[:],
		encAddress(account),
		encUint64(issuedAt),
	)
	return finalize(d, structHash)
}

// CreateClaimDigest builds the permit digest for the create-claim family.
func CreateClaimDigest(d Domain, grantor, controller identity.Address, controllerName string, kind uint8, count uint64, bindingAllowed bool, nonce uint64) [32]byte {
	structHash := keccak(
		createClaimTypeHash[:],
		encAddress(grantor),
		encAddress(controller),
		encString(controllerName),
		encUint64(uint64(kind)),
		encUint64(count),
		encBool(bindingAllowed),
		encUint64(nonce),
	)
	return finalize(d, structHash)
}

// PayClaimDigest builds the permit digest for the pay-claim family.
func PayClaimDigest(d Domain, grantor, controller identity.Address, controllerName string, kind uint8, deadline uint64, entries []PayEntry, nonce uint64) [32]byte {
	structHash := keccak(
		payClaimTypeHash[:],
		encAddress(grantor),
		encAddress(controller),
		encString(controllerName),
		encUint64(uint64(kind)),
		encUint64(deadline),
		encEntries(entries),
		encUint64(nonce),
	)
	return finalize(d, structHash)
}

// UpdateBindingDigest builds the permit digest for the update-binding family.
func UpdateBindingDigest(d Domain, grantor, controller identity.Address, controllerName string, count, nonce uint64) [32]byte {
	return countDigest(d, updateBindingTypeHash, grantor, controller, controllerName, count, nonce)
}

// CancelClaimDigest builds the permit digest for the cancel-claim family.
func CancelClaimDigest(d Domain, grantor, controller identity.Address, controllerName string, count, nonce uint64) [32]byte {
	return countDigest(d, cancelClaimTypeHash, grantor, controller, controllerName, count, nonce)
}

// ImpairClaimDigest builds the permit digest for the impair-claim family.
func ImpairClaimDigest(d Domain, grantor, controller identity.Address, controllerName string, count, nonce uint64) [32]byte {
	return countDigest(d, impairClaimTypeHash, grantor, controller, controllerName, count, nonce)
}

func countDigest(d Domain, typeHash [32]byte, grantor, controller identity.Address, controllerName string, count, nonce uint64) [32]byte {
	structHash := keccak(
		typeHash[:],
		encAddress(grantor),
		encAddress(controller),
		encString(controllerName),
		encUint64(count),
		encUint64(nonce),
	)
	return finalize(d, structHash)
}

// finalize combines separator and struct hash under the 0x1901 prefix.
func finalize(d Domain, structHash [32]byte) [32]byte {
	sep := d.Separator()
	return keccak([]byte{0x19, 0x01}, sep[:], structHash[:])
}

func encEntries(entries []PayEntry) []byte {
	var packed []byte
	for _, e := range entries {
		h := keccak(
			payEntryTypeHash[:],
			encUint64(e.ClaimID),
			encUint64(uint64(e.Amount)),
			encUint64(e.Deadline),
		)
		packed = append(packed, h[:]...)
	}
	h := keccak(packed)
	return h[:]
}

func keccak(data ...[]byte) [32]byte {
	return [32]byte(ethcrypto.Keccak256Hash(data...))
}

func encUint64(v uint64) []byte {
	var b [32]byte
	binary.BigEndian.PutUint64(b[24:], v)
	return b[:]
}

func encAddress(a identity.Address) []byte {
	var b [32]byte
	copy(b[12:], a.Bytes())
	return b[:]
}

func encBool(v bool) []byte {
	var b [32]byte
	if v {
		b[31] = 1
	}
	return b[:]
}

func encString(s string) []byte {
	h := keccak([]byte(s))
	return h[:]
}
