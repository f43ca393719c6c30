package approvals

import (
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"obligo.org/internal/identity"
	"obligo.org/internal/typedsig"
)

type staticNames map[identity.Address]string

func (s staticNames) NameOf(c identity.Address) (string, error) {
	name, ok := s[c]
	if !ok {
		return "", ErrNotAuthorized
	}
	return name, nil
}

type fixture struct {
	reg        *Registry
	grantorKey *ecdsa.PrivateKey
	grantor    identity.Address
	controller identity.Address
	name       string
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := identity.GenerateKey()
	require.NoError(t, err)

	controller := identity.Address{0xc0}
	names := staticNames{controller: "invoice-wrapper"}

	f := &fixture{
		grantorKey: key,
		grantor:    identity.AddressOf(key),
		controller: controller,
		name:       "invoice-wrapper",
		now:        time.Unix(1_700_000_000, 0).UTC(),
	}
	domain := typedsig.Domain{Name: "ObligoClaims", Version: "1", LedgerID: 1, Registry: identity.Address{0xee}}
	f.reg = NewRegistry(domain, names, WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) signCreate(t *testing.T, kind CreateKind, count uint64, bindingAllowed bool, nonce uint64) []byte {
	t.Helper()
	digest := typedsig.CreateClaimDigest(f.reg.Domain(), f.grantor, f.controller, f.name, uint8(kind), count, bindingAllowed, nonce)
	sig, err := identity.Sign(digest, f.grantorKey)
	require.NoError(t, err)
	return sig
}

func (f *fixture) signPay(t *testing.T, kind PayKind, deadline uint64, entries []typedsig.PayEntry, nonce uint64) []byte {
	t.Helper()
	digest := typedsig.PayClaimDigest(f.reg.Domain(), f.grantor, f.controller, f.name, uint8(kind), deadline, entries, nonce)
	sig, err := identity.Sign(digest, f.grantorKey)
	require.NoError(t, err)
	return sig
}

func (f *fixture) signCancel(t *testing.T, count, nonce uint64) []byte {
	t.Helper()
	digest := typedsig.CancelClaimDigest(f.reg.Domain(), f.grantor, f.controller, f.name, count, nonce)
	sig, err := identity.Sign(digest, f.grantorKey)
	require.NoError(t, err)
	return sig
}

func TestPermitCreateClaimAndReplay(t *testing.T) {
	f := newFixture(t)

	sig := f.signCreate(t, CreateApproved, 3, false, 0)
	require.NoError(t, f.reg.PermitCreateClaim(f.grantor, f.controller, CreateApproved, 3, false, sig))

	got := f.reg.GetApprovals(f.grantor, f.controller).Create
	require.Equal(t, CreateApproved, got.Kind)
	require.Equal(t, uint64(3), got.Count)
	require.Equal(t, uint64(1), got.Nonce)

	// replaying the same signed payload must fail: the nonce moved on.
	err := f.reg.PermitCreateClaim(f.grantor, f.controller, CreateApproved, 3, false, sig)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestPermitRejectsWrongSigner(t *testing.T) {
	f := newFixture(t)
	otherKey, err := identity.GenerateKey()
	require.NoError(t, err)

	digest := typedsig.CreateClaimDigest(f.reg.Domain(), f.grantor, f.controller, f.name, uint8(CreateApproved), 1, false, 0)
	sig, err := identity.Sign(digest, otherKey)
	require.NoError(t, err)

	err = f.reg.PermitCreateClaim(f.grantor, f.controller, CreateApproved, 1, false, sig)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestPermitRejectsUnknownController(t *testing.T) {
	f := newFixture(t)
	unknown := identity.Address{0xdd}
	err := f.reg.PermitCreateClaim(f.grantor, unknown, CreateApproved, 1, false, nil)
	require.Error(t, err)
}

func TestCreateParamValidation(t *testing.T) {
	f := newFixture(t)

	// revoke must carry zero count and no flags
	sig := f.signCreate(t, CreateUnapproved, 1, false, 0)
	err := f.reg.PermitCreateClaim(f.grantor, f.controller, CreateUnapproved, 1, false, sig)
	require.ErrorIs(t, err, ErrInvalidParams)

	// approved requires count >= 1
	sig = f.signCreate(t, CreateApproved, 0, false, 0)
	err = f.reg.PermitCreateClaim(f.grantor, f.controller, CreateApproved, 0, false, sig)
	require.ErrorIs(t, err, ErrInvalidParams)

	// a failed permit must not consume the nonce
	require.Equal(t, uint64(0), f.reg.GetApprovals(f.grantor, f.controller).Create.Nonce)
}

func TestRevokeClearsButBumpsNonce(t *testing.T) {
	f := newFixture(t)

	sig := f.signPay(t, PayApprovedForSpecific, 0, []typedsig.PayEntry{{ClaimID: 1, Amount: 100}}, 0)
	require.NoError(t, f.reg.PermitPayClaim(f.grantor, f.controller, PayApprovedForSpecific, 0, []typedsig.PayEntry{{ClaimID: 1, Amount: 100}}, sig))

	sig = f.signPay(t, PayUnapproved, 0, nil, 1)
	require.NoError(t, f.reg.PermitPayClaim(f.grantor, f.controller, PayUnapproved, 0, nil, sig))

	got := f.reg.GetApprovals(f.grantor, f.controller).Pay
	require.Equal(t, PayUnapproved, got.Kind)
	require.Empty(t, got.Entries)
	require.Equal(t, uint64(2), got.Nonce)
}

func TestUnlimitedCreateSpendKeepsSentinelAndNonce(t *testing.T) {
	f := newFixture(t)

	sig := f.signCreate(t, CreateApproved, CountUnlimited, false, 0)
	require.NoError(t, f.reg.PermitCreateClaim(f.grantor, f.controller, CreateApproved, CountUnlimited, false, sig))

	for i := 0; i < 3; i++ {
		require.NoError(t, f.reg.SpendCreateClaim(f.grantor, f.controller, true, false))
	}
	got := f.reg.GetApprovals(f.grantor, f.controller).Create
	require.Equal(t, CountUnlimited, got.Count)
	// spends never touch the nonce
	require.Equal(t, uint64(1), got.Nonce)
}

func TestCountedCancelApprovalExhausts(t *testing.T) {
	f := newFixture(t)

	sig := f.signCancel(t, 1, 0)
	require.NoError(t, f.reg.PermitCancelClaim(f.grantor, f.controller, 1, sig))

	require.NoError(t, f.reg.SpendCancelClaim(f.grantor, f.controller))
	err := f.reg.SpendCancelClaim(f.grantor, f.controller)
	require.ErrorIs(t, err, ErrNotAuthorized)
}

func TestSpendCreateRoleChecks(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.reg.SetCreateApproval(f.grantor, f.controller, CreateCreditorOnly, 5, false))
	require.NoError(t, f.reg.SpendCreateClaim(f.grantor, f.controller, true, false))
	require.ErrorIs(t, f.reg.SpendCreateClaim(f.grantor, f.controller, false, false), ErrNotAuthorized)

	require.NoError(t, f.reg.SetCreateApproval(f.grantor, f.controller, CreateDebtorOnly, 5, false))
	require.NoError(t, f.reg.SpendCreateClaim(f.grantor, f.controller, false, false))
	require.ErrorIs(t, f.reg.SpendCreateClaim(f.grantor, f.controller, true, false), ErrNotAuthorized)
}

func TestSpendCreateBindingFlag(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.reg.SetCreateApproval(f.grantor, f.controller, CreateApproved, 5, false))
	require.ErrorIs(t, f.reg.SpendCreateClaim(f.grantor, f.controller, true, true), ErrNotAuthorized)

	require.NoError(t, f.reg.SetCreateApproval(f.grantor, f.controller, CreateApproved, 5, true))
	require.NoError(t, f.reg.SpendCreateClaim(f.grantor, f.controller, true, true))
}

func TestSpendCreateExhaustionResetsRecord(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.reg.SetCreateApproval(f.grantor, f.controller, CreateApproved, 1, false))
	require.NoError(t, f.reg.SpendCreateClaim(f.grantor, f.controller, true, false))

	got := f.reg.GetApprovals(f.grantor, f.controller).Create
	require.Equal(t, CreateUnapproved, got.Kind)
	require.Equal(t, uint64(0), got.Count)
	require.ErrorIs(t, f.reg.SpendCreateClaim(f.grantor, f.controller, true, false), ErrNotAuthorized)
}

func TestSpendPaySpecificDrawdown(t *testing.T) {
	f := newFixture(t)

	entries := []typedsig.PayEntry{{ClaimID: 7, Amount: 100}}
	require.NoError(t, f.reg.SetPayApproval(f.grantor, f.controller, PayApprovedForSpecific, 0, entries))

	require.NoError(t, f.reg.SpendPayClaim(f.grantor, f.controller, 7, 40))
	got := f.reg.GetApprovals(f.grantor, f.controller).Pay
	require.Len(t, got.Entries, 1)
	require.Equal(t, int64(60), got.Entries[0].Amount)

	// over-spend rejected
	require.ErrorIs(t, f.reg.SpendPayClaim(f.grantor, f.controller, 7, 61), ErrNotAuthorized)

	// exact drain removes the entry and resets the record
	require.NoError(t, f.reg.SpendPayClaim(f.grantor, f.controller, 7, 60))
	got = f.reg.GetApprovals(f.grantor, f.controller).Pay
	require.Equal(t, PayUnapproved, got.Kind)
	require.Empty(t, got.Entries)

	// uncovered claim
	require.ErrorIs(t, f.reg.SpendPayClaim(f.grantor, f.controller, 8, 1), ErrNotAuthorized)
}

func TestSpendPayDeadlines(t *testing.T) {
	f := newFixture(t)
	soon := uint64(f.now.Unix()) + 60

	require.NoError(t, f.reg.SetPayApproval(f.grantor, f.controller, PayApprovedForAll, soon, nil))
	require.NoError(t, f.reg.SpendPayClaim(f.grantor, f.controller, 1, 10))

	// move the clock past the deadline
	f.now = f.now.Add(2 * time.Minute)
	require.ErrorIs(t, f.reg.SpendPayClaim(f.grantor, f.controller, 1, 10), ErrPastDeadline)
}

func TestPermitPayRejectsPastDeadline(t *testing.T) {
	f := newFixture(t)
	past := uint64(f.now.Unix()) - 1

	err := f.reg.SetPayApproval(f.grantor, f.controller, PayApprovedForAll, past, nil)
	require.ErrorIs(t, err, ErrInvalidParams)

	err = f.reg.SetPayApproval(f.grantor, f.controller, PayApprovedForSpecific, 0, []typedsig.PayEntry{{ClaimID: 1, Amount: 10, Deadline: past}})
	require.ErrorIs(t, err, ErrInvalidParams)
}

type approveAllValidator struct{}

func (approveAllValidator) ValidSignature([32]byte, []byte) bool { return true }

type rejectAllValidator struct{}

func (rejectAllValidator) ValidSignature([32]byte, []byte) bool { return false }

func TestContractAccountValidator(t *testing.T) {
	f := newFixture(t)
	account := identity.Address{0x55}

	f.reg.RegisterValidator(account, approveAllValidator{})
	require.NoError(t, f.reg.PermitCancelClaim(account, f.controller, 2, []byte("contract-sig")))
	require.Equal(t, uint64(2), f.reg.GetApprovals(account, f.controller).Cancel.Count)

	f.reg.RegisterValidator(account, rejectAllValidator{})
	err := f.reg.PermitCancelClaim(account, f.controller, 2, []byte("contract-sig"))
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.reg.SetCreateApproval(f.grantor, f.controller, CreateApproved, 2, false))
	require.NoError(t, f.reg.SetPayApproval(f.grantor, f.controller, PayApprovedForSpecific, 0, []typedsig.PayEntry{{ClaimID: 1, Amount: 100}}))
	snap := f.reg.Snapshot()

	require.NoError(t, f.reg.SpendCreateClaim(f.grantor, f.controller, true, false))
	require.NoError(t, f.reg.SpendPayClaim(f.grantor, f.controller, 1, 100))

	f.reg.Restore(snap)
	set := f.reg.GetApprovals(f.grantor, f.controller)
	require.Equal(t, uint64(2), set.Create.Count)
	require.Len(t, set.Pay.Entries, 1)
	require.Equal(t, int64(100), set.Pay.Entries[0].Amount)
}
