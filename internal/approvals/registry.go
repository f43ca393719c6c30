// Package approvals stores, per (grantor, controller) pair, the five
// independent approval records a controller can later spend against the claim
// ledger. Records change only through the signature-verified permit
// operations (or the grantor's own direct calls); every state change
// increments the family's nonce by exactly one, which is what defeats replay.
package approvals

import (
	"fmt"
	"time"

	"obligo.org/internal/identity"
	"obligo.org/internal/typedsig"
)

// NameResolver resolves a controller's registered name. The name is part of
// the signed payload.
type NameResolver interface {
	NameOf(controller identity.Address) (string, error)
}

type pair struct {
	grantor    identity.Address
	controller identity.Address
}

// Registry is the approval store. Single writer; callers go through the node
// facade.
type Registry struct {
	domain     typedsig.Domain
	names      NameResolver
	validators map[identity.Address]typedsig.Validator
	now        func() time.Time

	create  map[pair]CreateApproval
	pay     map[pair]PayApproval
	binding map[pair]CountApproval
	cancel  map[pair]CountApproval
	impair  map[pair]CountApproval
}

// Option configures the registry.
type Option func(*Registry)

// WithClock overrides the registry clock. Test use.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(domain typedsig.Domain, names NameResolver, opts ...Option) *Registry {
	r := &Registry{
		domain:     domain,
		names:      names,
		validators: make(map[identity.Address]typedsig.Validator),
		now:        time.Now,
		create:     make(map[pair]CreateApproval),
		pay:        make(map[pair]PayApproval),
		binding:    make(map[pair]CountApproval),
		cancel:     make(map[pair]CountApproval),
		impair:     make(map[pair]CountApproval),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Domain returns the typed-message domain clients must sign against.
func (r *Registry) Domain() typedsig.Domain { return r.domain }

// RegisterValidator installs a programmable-account signature validator for
// an address. Permits from that grantor go through the validator instead of
// raw recovery.
func (r *Registry) RegisterValidator(addr identity.Address, v typedsig.Validator) {
	r.validators[addr] = v
}

// GetApprovals returns a copy of all five approval records for a pair.
func (r *Registry) GetApprovals(grantor, controller identity.Address) Set {
	k := pair{grantor, controller}
	s := Set{
		Create:        r.create[k],
		Pay:           r.pay[k],
		UpdateBinding: r.binding[k],
		Cancel:        r.cancel[k],
		Impair:        r.impair[k],
	}
	s.Pay.Entries = clonePayEntries(s.Pay.Entries)
	return s
}

// --- permit operations (signature-verified) ---

// PermitCreateClaim verifies the signature against the grantor's current
// nonce and overwrites the create-claim approval.
func (r *Registry) PermitCreateClaim(grantor, controller identity.Address, kind CreateKind, count uint64, bindingAllowed bool, sig []byte) error {
	name, err := r.names.NameOf(controller)
	if err != nil {
		return err
	}
	k := pair{grantor, controller}
	cur := r.create[k]
	digest := typedsig.CreateClaimDigest(r.domain, grantor, controller, name, uint8(kind), count, bindingAllowed, cur.Nonce)
	if err := r.verify(grantor, digest, sig); err != nil {
		return err
	}
	return r.setCreate(k, kind, count, bindingAllowed)
}

// SetCreateApproval is the grantor's direct, unsigned variant.
func (r *Registry) SetCreateApproval(grantor, controller identity.Address, kind CreateKind, count uint64, bindingAllowed bool) error {
	if _, err := r.names.NameOf(controller); err != nil {
		return err
	}
	return r.setCreate(pair{grantor, controller}, kind, count, bindingAllowed)
}

func (r *Registry) setCreate(k pair, kind CreateKind, count uint64, bindingAllowed bool) error {
	switch kind {
	case CreateUnapproved:
		if count != 0 || bindingAllowed {
			return fmt.Errorf("%w: revoke requires zero count and no flags", ErrInvalidParams)
		}
	case CreateCreditorOnly, CreateDebtorOnly, CreateApproved:
		if count == 0 {
			return fmt.Errorf("%w: approval count must be at least 1", ErrInvalidParams)
		}
	default:
		return fmt.Errorf("%w: unknown create-claim approval kind %d", ErrInvalidParams, kind)
	}
	cur := r.create[k]
	r.create[k] = CreateApproval{Kind: kind, Count: count, BindingAllowed: bindingAllowed, Nonce: cur.Nonce + 1}
	return nil
}

// PermitPayClaim verifies the signature and overwrites the pay-claim approval.
func (r *Registry) PermitPayClaim(grantor, controller identity.Address, kind PayKind, deadline uint64, entries []typedsig.PayEntry, sig []byte) error {
	name, err := r.names.NameOf(controller)
	if err != nil {
		return err
	}
	k := pair{grantor, controller}
	cur := r.pay[k]
	digest := typedsig.PayClaimDigest(r.domain, grantor, controller, name, uint8(kind), deadline, entries, cur.Nonce)
	if err := r.verify(grantor, digest, sig); err != nil {
		return err
	}
	return r.setPay(k, kind, deadline, entries)
}

// SetPayApproval is the grantor's direct, unsigned variant.
func (r *Registry) SetPayApproval(grantor, controller identity.Address, kind PayKind, deadline uint64, entries []typedsig.PayEntry) error {
	if _, err := r.names.NameOf(controller); err != nil {
		return err
	}
	return r.setPay(pair{grantor, controller}, kind, deadline, entries)
}

func (r *Registry) setPay(k pair, kind PayKind, deadline uint64, entries []typedsig.PayEntry) error {
	now := uint64(r.now().Unix())
	switch kind {
	case PayUnapproved:
		if deadline != 0 || len(entries) != 0 {
			return fmt.Errorf("%w: revoke requires no deadline and no entries", ErrInvalidParams)
		}
	case PayApprovedForAll:
		if len(entries) != 0 {
			return fmt.Errorf("%w: approved-for-all takes no per-claim entries", ErrInvalidParams)
		}
		if deadline != 0 && deadline <= now {
			return fmt.Errorf("%w: deadline is in the past", ErrInvalidParams)
		}
	case PayApprovedForSpecific:
		if len(entries) == 0 {
			return fmt.Errorf("%w: specific approval requires at least one entry", ErrInvalidParams)
		}
		for _, e := range entries {
			if e.ClaimID == 0 {
				return fmt.Errorf("%w: entry claim id is required", ErrInvalidParams)
			}
			if e.Amount <= 0 {
				return fmt.Errorf("%w: entry amount must be > 0", ErrInvalidParams)
			}
			if e.Deadline != 0 && e.Deadline <= now {
				return fmt.Errorf("%w: entry deadline is in the past", ErrInvalidParams)
			}
		}
	default:
		return fmt.Errorf("%w: unknown pay-claim approval kind %d", ErrInvalidParams, kind)
	}
	cur := r.pay[k]
	r.pay[k] = PayApproval{Kind: kind, Deadline: deadline, Entries: clonePayEntries(entries), Nonce: cur.Nonce + 1}
	return nil
}

// PermitUpdateBinding verifies the signature and overwrites the
// update-binding approval. A zero count revokes.
func (r *Registry) PermitUpdateBinding(grantor, controller identity.Address, count uint64, sig []byte) error {
	return r.permitCount(r.binding, typedsig.UpdateBindingDigest, grantor, controller, count, sig)
}

// PermitCancelClaim verifies the signature and overwrites the cancel-claim
// approval. A zero count revokes.
func (r *Registry) PermitCancelClaim(grantor, controller identity.Address, count uint64, sig []byte) error {
	return r.permitCount(r.cancel, typedsig.CancelClaimDigest, grantor, controller, count, sig)
}

// PermitImpairClaim verifies the signature and overwrites the impair-claim
// approval. A zero count revokes.
func (r *Registry) PermitImpairClaim(grantor, controller identity.Address, count uint64, sig []byte) error {
	return r.permitCount(r.impair, typedsig.ImpairClaimDigest, grantor, controller, count, sig)
}

type countDigestFunc func(d typedsig.Domain, grantor, controller identity.Address, name string, count, nonce uint64) [32]byte

func (r *Registry) permitCount(store map[pair]CountApproval, digestFn countDigestFunc, grantor, controller identity.Address, count uint64, sig []byte) error {
	name, err := r.names.NameOf(controller)
	if err != nil {
		return err
	}
	k := pair{grantor, controller}
	cur := store[k]
	digest := digestFn(r.domain, grantor, controller, name, count, cur.Nonce)
	if err := r.verify(grantor, digest, sig); err != nil {
		return err
	}
	store[k] = CountApproval{Count: count, Nonce: cur.Nonce + 1}
	return nil
}

// SetUpdateBindingApproval is the grantor's direct, unsigned variant.
func (r *Registry) SetUpdateBindingApproval(grantor, controller identity.Address, count uint64) error {
	return r.setCount(r.binding, grantor, controller, count)
}

// SetCancelClaimApproval is the grantor's direct, unsigned variant.
func (r *Registry) SetCancelClaimApproval(grantor, controller identity.Address, count uint64) error {
	return r.setCount(r.cancel, grantor, controller, count)
}

// SetImpairClaimApproval is the grantor's direct, unsigned variant.
func (r *Registry) SetImpairClaimApproval(grantor, controller identity.Address, count uint64) error {
	return r.setCount(r.impair, grantor, controller, count)
}

func (r *Registry) setCount(store map[pair]CountApproval, grantor, controller identity.Address, count uint64) error {
	if _, err := r.names.NameOf(controller); err != nil {
		return err
	}
	k := pair{grantor, controller}
	cur := store[k]
	store[k] = CountApproval{Count: count, Nonce: cur.Nonce + 1}
	return nil
}

// --- spend primitives (called by the claim ledger, not externally signed) ---

// SpendCreateClaim consumes one unit of create-claim approval. isCreditor
// states which side the grantor takes on the new claim; wantsBinding is set
// when the claim is created with a non-default binding state.
func (r *Registry) SpendCreateClaim(grantor, controller identity.Address, isCreditor, wantsBinding bool) error {
	k := pair{grantor, controller}
	a := r.create[k]
	switch a.Kind {
	case CreateApproved:
	case CreateCreditorOnly:
		if !isCreditor {
			return fmt.Errorf("%w: approval is creditor-only", ErrNotAuthorized)
		}
	case CreateDebtorOnly:
		if isCreditor {
			return fmt.Errorf("%w: approval is debtor-only", ErrNotAuthorized)
		}
	default:
		return fmt.Errorf("%w: no create-claim approval", ErrNotAuthorized)
	}
	if wantsBinding && !a.BindingAllowed {
		return fmt.Errorf("%w: approval does not permit binding changes", ErrNotAuthorized)
	}
	if a.Count == 0 {
		return fmt.Errorf("%w: create-claim approval exhausted", ErrNotAuthorized)
	}
	if a.Count != CountUnlimited {
		a.Count--
		if a.Count == 0 {
			a = CreateApproval{Nonce: a.Nonce}
		}
	}
	r.create[k] = a
	return nil
}

// SpendPayClaim consumes pay-claim approval covering (claimID, amount).
// Specific approvals are drawn down per entry; exhausted entries are removed
// and an emptied list resets the record to unapproved.
func (r *Registry) SpendPayClaim(grantor, controller identity.Address, claimID uint64, amount int64) error {
	k := pair{grantor, controller}
	a := r.pay[k]
	now := uint64(r.now().Unix())
	switch a.Kind {
	case PayApprovedForAll:
		if a.Deadline != 0 && a.Deadline < now {
			return ErrPastDeadline
		}
		return nil
	case PayApprovedForSpecific:
		for i, e := range a.Entries {
			if e.ClaimID != claimID {
				continue
			}
			if e.Deadline != 0 && e.Deadline < now {
				return ErrPastDeadline
			}
			if e.Amount < amount {
				return fmt.Errorf("%w: approved amount %d below payment %d", ErrNotAuthorized, e.Amount, amount)
			}
			e.Amount -= amount
			if e.Amount == 0 {
				a.Entries = append(a.Entries[:i], a.Entries[i+1:]...)
			} else {
				a.Entries[i] = e
			}
			if len(a.Entries) == 0 {
				a = PayApproval{Nonce: a.Nonce}
			}
			r.pay[k] = a
			return nil
		}
		return fmt.Errorf("%w: claim %d not covered by pay approval", ErrNotAuthorized, claimID)
	default:
		return fmt.Errorf("%w: no pay-claim approval", ErrNotAuthorized)
	}
}

// SpendUpdateBinding consumes one unit of update-binding approval.
func (r *Registry) SpendUpdateBinding(grantor, controller identity.Address) error {
	return r.spendCount(r.binding, grantor, controller, FamilyUpdateBinding)
}

// SpendCancelClaim consumes one unit of cancel-claim approval.
func (r *Registry) SpendCancelClaim(grantor, controller identity.Address) error {
	return r.spendCount(r.cancel, grantor, controller, FamilyCancelClaim)
}

// SpendImpairClaim consumes one unit of impair-claim approval.
func (r *Registry) SpendImpairClaim(grantor, controller identity.Address) error {
	return r.spendCount(r.impair, grantor, controller, FamilyImpairClaim)
}

func (r *Registry) spendCount(store map[pair]CountApproval, grantor, controller identity.Address, family string) error {
	k := pair{grantor, controller}
	a := store[k]
	if a.Count == 0 {
		return fmt.Errorf("%w: no %s approval", ErrNotAuthorized, family)
	}
	if a.Count != CountUnlimited {
		a.Count--
	}
	store[k] = a
	return nil
}

func (r *Registry) verify(grantor identity.Address, digest [32]byte, sig []byte) error {
	if v, ok := r.validators[grantor]; ok {
		if !v.ValidSignature(digest, sig) {
			return ErrInvalidSignature
		}
		return nil
	}
	signer, err := identity.Recover(digest, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if signer != grantor {
		return ErrInvalidSignature
	}
	return nil
}

// --- snapshot support for the batch executor ---

// State is a deep copy of the registry's mutable records.
type State struct {
	Create  map[pair]CreateApproval
	Pay     map[pair]PayApproval
	Binding map[pair]CountApproval
	Cancel  map[pair]CountApproval
	Impair  map[pair]CountApproval
}

// Snapshot captures all approval records.
func (r *Registry) Snapshot() State {
	s := State{
		Create:  make(map[pair]CreateApproval, len(r.create)),
		Pay:     make(map[pair]PayApproval, len(r.pay)),
		Binding: make(map[pair]CountApproval, len(r.binding)),
		Cancel:  make(map[pair]CountApproval, len(r.cancel)),
		Impair:  make(map[pair]CountApproval, len(r.impair)),
	}
	for k, v := range r.create {
		s.Create[k] = v
	}
	for k, v := range r.pay {
		v.Entries = clonePayEntries(v.Entries)
		s.Pay[k] = v
	}
	for k, v := range r.binding {
		s.Binding[k] = v
	}
	for k, v := range r.cancel {
		s.Cancel[k] = v
	}
	for k, v := range r.impair {
		s.Impair[k] = v
	}
	return s
}

// Restore replaces all approval records with a snapshot.
func (r *Registry) Restore(s State) {
	r.create = make(map[pair]CreateApproval, len(s.Create))
	for k, v := range s.Create {
		r.create[k] = v
	}
	r.pay = make(map[pair]PayApproval, len(s.Pay))
	for k, v := range s.Pay {
		v.Entries = clonePayEntries(v.Entries)
		r.pay[k] = v
	}
	r.binding = make(map[pair]CountApproval, len(s.Binding))
	for k, v := range s.Binding {
		r.binding[k] = v
	}
	r.cancel = make(map[pair]CountApproval, len(s.Cancel))
	for k, v := range s.Cancel {
		r.cancel[k] = v
	}
	r.impair = make(map[pair]CountApproval, len(s.Impair))
	for k, v := range s.Impair {
		r.impair[k] = v
	}
}

func clonePayEntries(in []typedsig.PayEntry) []typedsig.PayEntry {
	if len(in) == 0 {
		return nil
	}
	out := make([]typedsig.PayEntry, len(in))
	copy(out, in)
	return out
}
