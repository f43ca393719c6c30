// Package fees implements the protocol fee policy: a flat fee collected at
// claim creation unless the creditor is on the exemption list, plus a
// pluggable calculator for payment-time fees. Both are consulted by the claim
// ledger and routed to the fee sink.
package fees

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"obligo.org/internal/identity"
)

// Calculator computes the fee withheld from a payment.
type Calculator interface {
	FeeFor(payer identity.Address, claimID uint64, amount int64) int64
}

// Zero charges nothing on payments.
type Zero struct{}

func (Zero) FeeFor(identity.Address, uint64, int64) int64 { return 0 }

// BasisPoints charges amount*Points/10000, rounded down.
type BasisPoints struct {
	Points int64
}

func (b BasisPoints) FeeFor(_ identity.Address, _ uint64, amount int64) int64 {
	if b.Points <= 0 {
		return 0
	}
	return amount * b.Points / 10000
}

// ExemptionLookup answers whether an address is exempt from the create fee.
type ExemptionLookup interface {
	IsExempt(addr identity.Address) bool
}

// AllowList is the in-process exemption store.
type AllowList struct {
	members map[identity.Address]struct{}
}

func NewAllowList(members ...identity.Address) *AllowList {
	l := &AllowList{members: make(map[identity.Address]struct{}, len(members))}
	for _, m := range members {
		l.members[m] = struct{}{}
	}
	return l
}

func (l *AllowList) Add(addr identity.Address)    { l.members[addr] = struct{}{} }
func (l *AllowList) Remove(addr identity.Address) { delete(l.members, addr) }

func (l *AllowList) IsExempt(addr identity.Address) bool {
	_, ok := l.members[addr]
	return ok
}

// CachedLookup memoizes exemption answers with a TTL. Useful when the lookup
// is backed by a remote allow-list service.
type CachedLookup struct {
	inner ExemptionLookup
	cache *gocache.Cache
}

func NewCachedLookup(inner ExemptionLookup, ttl time.Duration) *CachedLookup {
	return &CachedLookup{
		inner: inner,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (c *CachedLookup) IsExempt(addr identity.Address) bool {
	key := addr.Hex()
	if v, ok := c.cache.Get(key); ok {
		return v.(bool)
	}
	v := c.inner.IsExempt(addr)
	c.cache.Set(key, v, gocache.DefaultExpiration)
	return v
}

// Policy bundles everything the ledger needs to price an operation.
type Policy struct {
	CreateFee  int64 // flat native-currency fee per created claim
	Exemptions ExemptionLookup
	Calc       Calculator
	Sink       identity.Address
}

// DefaultPolicy charges nothing and exempts nobody.
func DefaultPolicy(sink identity.Address) Policy {
	return Policy{Exemptions: NewAllowList(), Calc: Zero{}, Sink: sink}
}

// RequiredCreateFee returns the fee that must accompany claim creation.
func (p Policy) RequiredCreateFee(creditor identity.Address) int64 {
	if p.CreateFee <= 0 {
		return 0
	}
	if p.Exemptions != nil && p.Exemptions.IsExempt(creditor) {
		return 0
	}
	return p.CreateFee
}

// PaymentFee returns the fee withheld from a payment before it reaches the
// claim owner.
func (p Policy) PaymentFee(payer identity.Address, claimID uint64, amount int64) int64 {
	if p.Calc == nil {
		return 0
	}
	fee := p.Calc.FeeFor(payer, claimID, amount)
	if fee < 0 {
		return 0
	}
	if fee > amount {
		return amount
	}
	return fee
}
