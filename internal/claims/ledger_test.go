package claims

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"obligo.org/internal/approvals"
	"obligo.org/internal/fees"
	"obligo.org/internal/identity"
	"obligo.org/internal/token"
	"obligo.org/internal/typedsig"
)

type staticNames map[identity.Address]string

func (s staticNames) NameOf(c identity.Address) (string, error) {
	name, ok := s[c]
	if !ok {
		return "", fmt.Errorf("unknown controller %s", c.Hex())
	}
	return name, nil
}

type fixture struct {
	ledger     *Ledger
	bank       *token.Bank
	reg        *approvals.Registry
	now        time.Time
	events     []Event
	admin      identity.Address
	sink       identity.Address
	creditor   identity.Address
	debtor     identity.Address
	stranger   identity.Address
	controller identity.Address
}

func addr(b byte) identity.Address {
	var a identity.Address
	a[19] = b
	return a
}

func newFixture(t *testing.T, policy func(f *fixture) fees.Policy) *fixture {
	t.Helper()
	f := &fixture{
		now:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		admin:      addr(0xad),
		sink:       addr(0xfe),
		creditor:   addr(0x01),
		debtor:     addr(0x02),
		stranger:   addr(0x03),
		controller: addr(0x0c),
	}
	f.bank = token.NewBank()
	domain := typedsig.Domain{Name: "ObligoClaims", Version: "1", LedgerID: 1, Registry: addr(0xaa)}
	f.reg = approvals.NewRegistry(domain, staticNames{f.controller: "acme-billing"},
		approvals.WithClock(func() time.Time { return f.now }))
	p := fees.DefaultPolicy(f.sink)
	if policy != nil {
		p = policy(f)
	}
	f.ledger = NewLedger(f.bank, p, f.reg,
		WithClock(func() time.Time { return f.now }),
		WithAdmin(f.admin),
		WithEventSink(func(e Event) { f.events = append(f.events, e) }))
	return f
}

func (f *fixture) params() CreateParams {
	return CreateParams{
		Creditor:    f.creditor,
		Debtor:      f.debtor,
		Description: "invoice 42",
		Amount:      100,
		DueBy:       f.now.Add(30 * 24 * time.Hour),
	}
}

func (f *fixture) mustCreate(t *testing.T) Claim {
	t.Helper()
	c, err := f.ledger.CreateClaim(f.creditor, f.params(), 0)
	require.NoError(t, err)
	return c
}

func (f *fixture) fund(holder identity.Address, amount int64) {
	if err := f.bank.Mint(token.Native, holder, amount); err != nil {
		panic(err)
	}
}

func TestCreateClaim(t *testing.T) {
	f := newFixture(t, nil)

	c, err := f.ledger.CreateClaim(f.creditor, f.params(), 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), c.ID)
	require.Equal(t, StatusPending, c.Status)
	require.Equal(t, BindingUnbound, c.Binding)
	require.False(t, c.Controlled())

	owner, err := f.ledger.OwnerOf(c.ID)
	require.NoError(t, err)
	require.Equal(t, f.creditor, owner)

	// debtor may also create a claim naming themself
	c2, err := f.ledger.CreateClaim(f.debtor, f.params(), 0)
	require.NoError(t, err)
	require.Equal(t, uint64(2), c2.ID)
	owner, err = f.ledger.OwnerOf(c2.ID)
	require.NoError(t, err)
	require.Equal(t, f.creditor, owner)

	require.Equal(t, uint64(2), f.ledger.CurrentClaimID())
}

func TestCreateClaimValidation(t *testing.T) {
	f := newFixture(t, nil)

	p := f.params()
	p.Amount = 0
	_, err := f.ledger.CreateClaim(f.creditor, p, 0)
	require.ErrorIs(t, err, ErrZeroAmount)

	p = f.params()
	p.Debtor = identity.Zero
	_, err = f.ledger.CreateClaim(f.creditor, p, 0)
	require.ErrorIs(t, err, ErrMissingParty)

	p = f.params()
	p.DueBy = f.now.Add(-time.Hour)
	_, err = f.ledger.CreateClaim(f.creditor, p, 0)
	require.ErrorIs(t, err, ErrDueDatePast)

	_, err = f.ledger.CreateClaim(f.stranger, f.params(), 0)
	require.ErrorIs(t, err, ErrNotParty)
	require.ErrorIs(t, err, ErrAuthorization)

	// only the debtor can mint an already-bound claim
	p = f.params()
	p.Binding = BindingBound
	_, err = f.ledger.CreateClaim(f.creditor, p, 0)
	require.ErrorIs(t, err, ErrBadBinding)
	c, err := f.ledger.CreateClaim(f.debtor, p, 0)
	require.NoError(t, err)
	require.Equal(t, BindingBound, c.Binding)

	p = f.params()
	p.ImpairmentGrace = -time.Hour
	_, err = f.ledger.CreateClaim(f.creditor, p, 0)
	require.ErrorIs(t, err, ErrNegativeGrace)
}

func TestCreateFee(t *testing.T) {
	f := newFixture(t, func(f *fixture) fees.Policy {
		return fees.Policy{
			CreateFee:  10,
			Exemptions: fees.NewAllowList(addr(0x77)),
			Calc:       fees.Zero{},
			Sink:       f.sink,
		}
	})
	f.fund(f.creditor, 50)

	_, err := f.ledger.CreateClaim(f.creditor, f.params(), 0)
	require.ErrorIs(t, err, ErrWrongFee)
	_, err = f.ledger.CreateClaim(f.creditor, f.params(), 11)
	require.ErrorIs(t, err, ErrWrongFee)

	_, err = f.ledger.CreateClaim(f.creditor, f.params(), 10)
	require.NoError(t, err)
	require.Equal(t, int64(40), f.bank.BalanceOf(token.Native, f.creditor))
	require.Equal(t, int64(10), f.bank.BalanceOf(token.Native, f.sink))

	// exempt creditor attaches nothing
	p := f.params()
	p.Creditor = addr(0x77)
	p.Debtor = f.creditor
	_, err = f.ledger.CreateClaim(f.creditor, p, 0)
	require.NoError(t, err)
}

func TestPayClaimPartialThenFull(t *testing.T) {
	f := newFixture(t, nil)
	p := f.params()
	p.PayerReceivesClaim = true
	c, err := f.ledger.CreateClaim(f.creditor, p, 0)
	require.NoError(t, err)
	f.fund(f.debtor, 100)

	c, err = f.ledger.PayClaim(f.debtor, c.ID, 40)
	require.NoError(t, err)
	require.Equal(t, StatusRepaying, c.Status)
	require.Equal(t, int64(40), c.Paid)
	require.Equal(t, int64(60), c.Remaining())
	owner, _ := f.ledger.OwnerOf(c.ID)
	require.Equal(t, f.creditor, owner, "ownership must not move on partial payment")

	c, err = f.ledger.PayClaim(f.debtor, c.ID, 60)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, c.Status)
	require.Equal(t, int64(0), c.Remaining())
	owner, _ = f.ledger.OwnerOf(c.ID)
	require.Equal(t, f.debtor, owner, "full payment hands the claim to the payer")

	require.Equal(t, int64(100), f.bank.BalanceOf(token.Native, f.creditor))
	require.Equal(t, int64(0), f.bank.BalanceOf(token.Native, f.debtor))

	_, err = f.ledger.PayClaim(f.debtor, c.ID, 1)
	require.ErrorIs(t, err, ErrNotPayable)
}

func TestPayClaimValidation(t *testing.T) {
	f := newFixture(t, nil)
	c := f.mustCreate(t)
	f.fund(f.debtor, 1000)

	_, err := f.ledger.PayClaim(f.debtor, c.ID, 0)
	require.ErrorIs(t, err, ErrZeroAmount)

	_, err = f.ledger.PayClaim(f.debtor, c.ID, 101)
	require.ErrorIs(t, err, ErrOverPayment)

	_, err = f.ledger.PayClaim(f.stranger, c.ID, 10)
	require.ErrorIs(t, err, token.ErrInsufficientFunds)

	_, err = f.ledger.PayClaim(f.debtor, 99, 10)
	require.ErrorIs(t, err, ErrNotFound)

	// anyone with funds may pay, not just the debtor
	f.fund(f.stranger, 10)
	got, err := f.ledger.PayClaim(f.stranger, c.ID, 10)
	require.NoError(t, err)
	require.Equal(t, int64(10), got.Paid)
}

func TestPaymentFeeWithheld(t *testing.T) {
	f := newFixture(t, func(f *fixture) fees.Policy {
		return fees.Policy{Calc: fees.BasisPoints{Points: 500}, Sink: f.sink} // 5%
	})
	c := f.mustCreate(t)
	f.fund(f.debtor, 100)

	_, err := f.ledger.PayClaim(f.debtor, c.ID, 100)
	require.NoError(t, err)
	require.Equal(t, int64(95), f.bank.BalanceOf(token.Native, f.creditor))
	require.Equal(t, int64(5), f.bank.BalanceOf(token.Native, f.sink))
}

func TestPayOwnClaim(t *testing.T) {
	// a debtor who ended up owning the claim pays without moving funds to
	// themself
	f := newFixture(t, nil)
	c := f.mustCreate(t)
	require.NoError(t, f.ledger.TransferOwnership(f.creditor, c.ID, f.debtor))
	f.fund(f.debtor, 100)

	got, err := f.ledger.PayClaim(f.debtor, c.ID, 100)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, got.Status)
	require.Equal(t, int64(100), f.bank.BalanceOf(token.Native, f.debtor))
}

func TestCancelClaim(t *testing.T) {
	f := newFixture(t, nil)

	c := f.mustCreate(t)
	got, err := f.ledger.CancelClaim(f.creditor, c.ID, "duplicate")
	require.NoError(t, err)
	require.Equal(t, StatusRescinded, got.Status)

	c = f.mustCreate(t)
	got, err = f.ledger.CancelClaim(f.debtor, c.ID, "disputed")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, got.Status)

	_, err = f.ledger.CancelClaim(f.creditor, c.ID, "")
	require.ErrorIs(t, err, ErrNotPending)

	c = f.mustCreate(t)
	_, err = f.ledger.CancelClaim(f.stranger, c.ID, "")
	require.ErrorIs(t, err, ErrNotParty)

	// a bound debtor has committed and cannot reject
	_, err = f.ledger.UpdateBinding(f.debtor, c.ID, BindingBound)
	require.NoError(t, err)
	_, err = f.ledger.CancelClaim(f.debtor, c.ID, "")
	require.ErrorIs(t, err, ErrBoundDebtor)

	// repaying claims are past the point of cancellation
	c = f.mustCreate(t)
	f.fund(f.debtor, 10)
	_, err = f.ledger.PayClaim(f.debtor, c.ID, 10)
	require.NoError(t, err)
	_, err = f.ledger.CancelClaim(f.creditor, c.ID, "")
	require.ErrorIs(t, err, ErrNotPending)
}

func TestImpairClaim(t *testing.T) {
	f := newFixture(t, nil)
	p := f.params()
	p.ImpairmentGrace = 48 * time.Hour
	c, err := f.ledger.CreateClaim(f.creditor, p, 0)
	require.NoError(t, err)

	_, err = f.ledger.ImpairClaim(f.debtor, c.ID)
	require.ErrorIs(t, err, ErrNotOwner)

	_, err = f.ledger.ImpairClaim(f.creditor, c.ID)
	require.ErrorIs(t, err, ErrNotOverdue)

	f.now = p.DueBy.Add(time.Hour)
	_, err = f.ledger.ImpairClaim(f.creditor, c.ID)
	require.ErrorIs(t, err, ErrNotOverdue, "grace period still running")

	f.now = p.DueBy.Add(p.ImpairmentGrace)
	got, err := f.ledger.ImpairClaim(f.creditor, c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusImpaired, got.Status)

	// impaired claims still accept payment and can complete
	f.fund(f.debtor, 100)
	got, err = f.ledger.PayClaim(f.debtor, c.ID, 100)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, got.Status)
}

func TestImpairRequiresDueDate(t *testing.T) {
	f := newFixture(t, nil)
	p := f.params()
	p.DueBy = time.Time{}
	c, err := f.ledger.CreateClaim(f.creditor, p, 0)
	require.NoError(t, err)

	_, err = f.ledger.ImpairClaim(f.creditor, c.ID)
	require.ErrorIs(t, err, ErrNoDueDate)
}

func TestMarkClaimAsPaid(t *testing.T) {
	f := newFixture(t, nil)
	c := f.mustCreate(t)

	_, err := f.ledger.MarkClaimAsPaid(f.debtor, c.ID)
	require.ErrorIs(t, err, ErrNotOwner)

	got, err := f.ledger.MarkClaimAsPaid(f.creditor, c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, got.Status)
	// no funds moved
	require.Equal(t, int64(0), f.bank.BalanceOf(token.Native, f.creditor))

	_, err = f.ledger.MarkClaimAsPaid(f.creditor, c.ID)
	require.ErrorIs(t, err, ErrTerminalStatus)
}

func TestUpdateBinding(t *testing.T) {
	f := newFixture(t, nil)
	c := f.mustCreate(t)

	// creditor proposes, debtor accepts
	got, err := f.ledger.UpdateBinding(f.creditor, c.ID, BindingPending)
	require.NoError(t, err)
	require.Equal(t, BindingPending, got.Binding)

	_, err = f.ledger.UpdateBinding(f.creditor, c.ID, BindingBound)
	require.ErrorIs(t, err, ErrBadBinding, "only the debtor can bind")
	_, err = f.ledger.UpdateBinding(f.debtor, c.ID, BindingUnbound)
	require.ErrorIs(t, err, ErrBadBinding)
	_, err = f.ledger.UpdateBinding(f.stranger, c.ID, BindingPending)
	require.ErrorIs(t, err, ErrNotParty)

	got, err = f.ledger.UpdateBinding(f.debtor, c.ID, BindingBound)
	require.NoError(t, err)
	require.Equal(t, BindingBound, got.Binding)

	// bound is final
	_, err = f.ledger.UpdateBinding(f.debtor, c.ID, BindingBound)
	require.ErrorIs(t, err, ErrBindingFinal)

	// no binding changes after a terminal status
	c2 := f.mustCreate(t)
	_, err = f.ledger.CancelClaim(f.creditor, c2.ID, "")
	require.NoError(t, err)
	_, err = f.ledger.UpdateBinding(f.creditor, c2.ID, BindingPending)
	require.ErrorIs(t, err, ErrTerminalStatus)
}

func TestTransferOwnership(t *testing.T) {
	f := newFixture(t, nil)
	c := f.mustCreate(t)

	err := f.ledger.TransferOwnership(f.debtor, c.ID, f.stranger)
	require.ErrorIs(t, err, ErrNotOwner)

	err = f.ledger.TransferOwnership(f.creditor, c.ID, identity.Zero)
	require.ErrorIs(t, err, ErrMissingParty)

	require.NoError(t, f.ledger.TransferOwnership(f.creditor, c.ID, f.stranger))
	owner, _ := f.ledger.OwnerOf(c.ID)
	require.Equal(t, f.stranger, owner)

	// the new owner holds the owner-side rights
	got, err := f.ledger.CancelClaim(f.stranger, c.ID, "")
	require.NoError(t, err)
	require.Equal(t, StatusRescinded, got.Status)
}

func TestControlledClaimLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	// creditor grants the controller one create and unlimited cancels
	require.NoError(t, f.reg.SetCreateApproval(f.creditor, f.controller, approvals.CreateCreditorOnly, 1, false))
	require.NoError(t, f.reg.SetCancelClaimApproval(f.creditor, f.controller, approvals.CountUnlimited))

	c, err := f.ledger.CreateClaimFrom(f.controller, f.creditor, f.params(), 0)
	require.NoError(t, err)
	require.True(t, c.Controlled())
	require.Equal(t, f.controller, c.Controller)

	// the approval was consumed
	_, err = f.ledger.CreateClaimFrom(f.controller, f.creditor, f.params(), 0)
	require.ErrorIs(t, err, approvals.ErrNotAuthorized)

	// direct mutations are locked out for everyone, parties included
	_, err = f.ledger.PayClaim(f.debtor, c.ID, 10)
	require.ErrorIs(t, err, ErrControlledClaim)
	_, err = f.ledger.CancelClaim(f.creditor, c.ID, "")
	require.ErrorIs(t, err, ErrControlledClaim)
	_, err = f.ledger.UpdateBinding(f.debtor, c.ID, BindingBound)
	require.ErrorIs(t, err, ErrControlledClaim)
	err = f.ledger.TransferOwnership(f.creditor, c.ID, f.stranger)
	require.ErrorIs(t, err, ErrControlledClaim)

	// only the recorded controller may act
	other := addr(0x0d)
	_, err = f.ledger.CancelClaimFrom(other, f.creditor, c.ID, "")
	require.ErrorIs(t, err, ErrNotController)

	got, err := f.ledger.CancelClaimFrom(f.controller, f.creditor, c.ID, "")
	require.NoError(t, err)
	require.Equal(t, StatusRescinded, got.Status)
}

func TestCreateClaimFromRoleAndBinding(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.reg.SetCreateApproval(f.debtor, f.controller, approvals.CreateDebtorOnly, 2, false))

	// grantor must be on the approved side
	p := f.params()
	_, err := f.ledger.CreateClaimFrom(f.controller, f.creditor, p, 0)
	require.ErrorIs(t, err, approvals.ErrNotAuthorized)

	// the debtor's approval does not allow binding states
	p.Binding = BindingBound
	_, err = f.ledger.CreateClaimFrom(f.controller, f.debtor, p, 0)
	require.ErrorIs(t, err, approvals.ErrNotAuthorized)

	p.Binding = BindingUnbound
	c, err := f.ledger.CreateClaimFrom(f.controller, f.debtor, p, 0)
	require.NoError(t, err)
	require.Equal(t, f.debtor, c.Debtor)

	// controllers may backdate due dates when importing existing debts
	p = f.params()
	p.DueBy = f.now.Add(-24 * time.Hour)
	_, err = f.ledger.CreateClaimFrom(f.controller, f.debtor, p, 0)
	require.NoError(t, err)
}

func TestPayClaimFrom(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.reg.SetCreateApproval(f.creditor, f.controller, approvals.CreateCreditorOnly, 1, false))
	c, err := f.ledger.CreateClaimFrom(f.controller, f.creditor, f.params(), 0)
	require.NoError(t, err)
	f.fund(f.debtor, 100)

	// no pay approval yet
	_, err = f.ledger.PayClaimFrom(f.controller, f.debtor, c.ID, 40)
	require.ErrorIs(t, err, approvals.ErrNotAuthorized)

	require.NoError(t, f.reg.SetPayApproval(f.debtor, f.controller, approvals.PayApprovedForSpecific, 0,
		[]typedsig.PayEntry{{ClaimID: c.ID, Amount: 100}}))

	got, err := f.ledger.PayClaimFrom(f.controller, f.debtor, c.ID, 40)
	require.NoError(t, err)
	require.Equal(t, StatusRepaying, got.Status)

	got, err = f.ledger.PayClaimFrom(f.controller, f.debtor, c.ID, 60)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, got.Status)
	require.Equal(t, int64(100), f.bank.BalanceOf(token.Native, f.creditor))

	// failed validation must not consume approval entries
	set := f.reg.GetApprovals(f.debtor, f.controller)
	require.Equal(t, approvals.PayUnapproved, set.Pay.Kind, "entry fully drawn down")
}

func TestPayClaimFromRejectsBeforeSpending(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.reg.SetCreateApproval(f.creditor, f.controller, approvals.CreateCreditorOnly, 1, false))
	c, err := f.ledger.CreateClaimFrom(f.controller, f.creditor, f.params(), 0)
	require.NoError(t, err)
	require.NoError(t, f.reg.SetPayApproval(f.debtor, f.controller, approvals.PayApprovedForSpecific, 0,
		[]typedsig.PayEntry{{ClaimID: c.ID, Amount: 100}}))

	// debtor has no funds: validation fails before the approval is touched
	_, err = f.ledger.PayClaimFrom(f.controller, f.debtor, c.ID, 40)
	require.ErrorIs(t, err, token.ErrInsufficientFunds)
	set := f.reg.GetApprovals(f.debtor, f.controller)
	require.Equal(t, int64(100), set.Pay.Entries[0].Amount)
}

func TestImpairAndMarkPaidFrom(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.reg.SetCreateApproval(f.creditor, f.controller, approvals.CreateCreditorOnly, 2, false))
	require.NoError(t, f.reg.SetImpairClaimApproval(f.creditor, f.controller, 1))

	p := f.params()
	p.DueBy = f.now.Add(-time.Hour) // backdated import, already overdue
	c, err := f.ledger.CreateClaimFrom(f.controller, f.creditor, p, 0)
	require.NoError(t, err)

	got, err := f.ledger.ImpairClaimFrom(f.controller, f.creditor, c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusImpaired, got.Status)

	// approval exhausted
	c2, err := f.ledger.CreateClaimFrom(f.controller, f.creditor, p, 0)
	require.NoError(t, err)
	_, err = f.ledger.ImpairClaimFrom(f.controller, f.creditor, c2.ID)
	require.ErrorIs(t, err, approvals.ErrNotAuthorized)

	// marking paid is owner-gated through the controller, no approval family
	got, err = f.ledger.MarkClaimAsPaidFrom(f.controller, f.creditor, c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, got.Status)
	_, err = f.ledger.MarkClaimAsPaidFrom(f.controller, f.debtor, c2.ID)
	require.ErrorIs(t, err, ErrNotOwner)
}

func TestUpdateBindingFrom(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.reg.SetCreateApproval(f.creditor, f.controller, approvals.CreateCreditorOnly, 1, false))
	c, err := f.ledger.CreateClaimFrom(f.controller, f.creditor, f.params(), 0)
	require.NoError(t, err)

	require.NoError(t, f.reg.SetUpdateBindingApproval(f.creditor, f.controller, 1))
	require.NoError(t, f.reg.SetUpdateBindingApproval(f.debtor, f.controller, 1))

	got, err := f.ledger.UpdateBindingFrom(f.controller, f.creditor, c.ID, BindingPending)
	require.NoError(t, err)
	require.Equal(t, BindingPending, got.Binding)

	got, err = f.ledger.UpdateBindingFrom(f.controller, f.debtor, c.ID, BindingBound)
	require.NoError(t, err)
	require.Equal(t, BindingBound, got.Binding)

	// binding stays final through the controller, even with approval left
	require.NoError(t, f.reg.SetUpdateBindingApproval(f.debtor, f.controller, 1))
	_, err = f.ledger.UpdateBindingFrom(f.controller, f.debtor, c.ID, BindingBound)
	require.ErrorIs(t, err, ErrBindingFinal)
}

func TestTransferOwnershipFrom(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.reg.SetCreateApproval(f.creditor, f.controller, approvals.CreateCreditorOnly, 1, false))
	c, err := f.ledger.CreateClaimFrom(f.controller, f.creditor, f.params(), 0)
	require.NoError(t, err)

	err = f.ledger.TransferOwnershipFrom(f.controller, f.debtor, c.ID, f.stranger)
	require.ErrorIs(t, err, ErrNotOwner)

	require.NoError(t, f.ledger.TransferOwnershipFrom(f.controller, f.creditor, c.ID, f.stranger))
	owner, _ := f.ledger.OwnerOf(c.ID)
	require.Equal(t, f.stranger, owner)

	// -From variants refuse uncontrolled claims
	direct := f.mustCreate(t)
	err = f.ledger.TransferOwnershipFrom(f.controller, f.creditor, direct.ID, f.stranger)
	require.ErrorIs(t, err, ErrNotControlled)
}

func TestLockStates(t *testing.T) {
	f := newFixture(t, nil)
	c := f.mustCreate(t)
	f.fund(f.debtor, 100)

	require.ErrorIs(t, f.ledger.SetLockState(f.stranger, NoNewClaims), ErrNotAdmin)

	require.NoError(t, f.ledger.SetLockState(f.admin, NoNewClaims))
	_, err := f.ledger.CreateClaim(f.creditor, f.params(), 0)
	require.ErrorIs(t, err, ErrLocked)
	_, err = f.ledger.PayClaim(f.debtor, c.ID, 10)
	require.NoError(t, err, "existing claims keep working under no-new-claims")

	require.NoError(t, f.ledger.SetLockState(f.admin, Locked))
	_, err = f.ledger.PayClaim(f.debtor, c.ID, 10)
	require.ErrorIs(t, err, ErrLocked)
	_, err = f.ledger.CancelClaim(f.creditor, c.ID, "")
	require.ErrorIs(t, err, ErrLocked)
	err = f.ledger.TransferOwnership(f.creditor, c.ID, f.stranger)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, f.ledger.SetLockState(f.admin, Unlocked))
	_, err = f.ledger.PayClaim(f.debtor, c.ID, 10)
	require.NoError(t, err)
}

type testURIs struct{}

func (testURIs) URIFor(c Claim, owner identity.Address) string {
	return fmt.Sprintf("https://meta.obligo.org/claims/%d", c.ID)
}

func TestTokenURI(t *testing.T) {
	f := newFixture(t, nil)
	WithURIBuilder(testURIs{})(f.ledger)

	c1 := f.mustCreate(t)
	uri, err := f.ledger.TokenURI(c1.ID)
	require.NoError(t, err)
	require.Equal(t, "https://meta.obligo.org/claims/1", uri)

	p := f.params()
	p.URI = "ipfs://QmExplicit"
	c2, err := f.ledger.CreateClaim(f.creditor, p, 0)
	require.NoError(t, err)
	uri, err = f.ledger.TokenURI(c2.ID)
	require.NoError(t, err)
	require.Equal(t, "ipfs://QmExplicit", uri)

	_, err = f.ledger.TokenURI(99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEvents(t *testing.T) {
	f := newFixture(t, nil)
	c := f.mustCreate(t)
	f.fund(f.debtor, 100)
	_, err := f.ledger.PayClaim(f.debtor, c.ID, 100)
	require.NoError(t, err)

	require.Len(t, f.events, 2)
	require.Equal(t, EventCreated, f.events[0].Type)
	require.Equal(t, EventPayment, f.events[1].Type)
	require.Equal(t, int64(100), f.events[1].Amount)
	require.Equal(t, StatusPaid, f.events[1].Status)
	require.Equal(t, f.now, f.events[1].At)
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t, nil)
	c := f.mustCreate(t)
	snap := f.ledger.Snapshot()

	f.fund(f.debtor, 100)
	_, err := f.ledger.PayClaim(f.debtor, c.ID, 100)
	require.NoError(t, err)
	_, err = f.ledger.CreateClaim(f.creditor, f.params(), 0)
	require.NoError(t, err)

	f.ledger.Restore(snap)

	got, err := f.ledger.GetClaim(c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, int64(0), got.Paid)
	require.Equal(t, uint64(1), f.ledger.CurrentClaimID())
	_, err = f.ledger.GetClaim(2)
	require.ErrorIs(t, err, ErrNotFound)

	// the snapshot is insulated from later mutation
	_, err = f.ledger.PayClaim(f.debtor, c.ID, 50)
	require.NoError(t, err)
	f.ledger.Restore(snap)
	got, err = f.ledger.GetClaim(c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), got.Paid)
}

func TestErrorClasses(t *testing.T) {
	for _, tc := range []struct {
		err   error
		class error
	}{
		{ErrZeroAmount, ErrValidation},
		{ErrNotOwner, ErrAuthorization},
		{ErrNotPayable, ErrState},
		{ErrWrongFee, ErrPolicy},
	} {
		require.True(t, errors.Is(tc.err, tc.class), "%v should wrap %v", tc.err, tc.class)
	}
}
