// Package token holds fungible balances for the ledger: the native currency
// (zero-address sentinel) and any number of token contracts, all in int64
// minor units. The bank is the only mutator of balances; the claim ledger
// consumes it for payments and fee routing.
package token

import (
	"errors"

	"obligo.org/internal/identity"
)

// Native is the payment-token sentinel for the native currency.
var Native identity.Address

var (
	ErrInsufficientFunds = errors.New("token: insufficient funds")
	ErrInvalidAmount     = errors.New("token: amount must be > 0")
	ErrSelfTransfer      = errors.New("token: sender and receiver are the same")
)

// Bank tracks per-token, per-address balances.
// Single writer; callers go through the node facade.
type Bank struct {
	balances map[identity.Address]map[identity.Address]int64 // token -> holder -> amount
}

func NewBank() *Bank {
	return &Bank{balances: make(map[identity.Address]map[identity.Address]int64)}
}

// BalanceOf returns the holder's balance for a token.
func (b *Bank) BalanceOf(tok, holder identity.Address) int64 {
	return b.balances[tok][holder]
}

// Mint credits a holder. Used by provisioning and tests; payments never mint.
func (b *Bank) Mint(tok, holder identity.Address, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	b.credit(tok, holder, amount)
	return nil
}

// Transfer moves amount of tok from one holder to another.
func (b *Bank) Transfer(tok, from, to identity.Address, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if from == to {
		return ErrSelfTransfer
	}
	if b.balances[tok][from] < amount {
		return ErrInsufficientFunds
	}
	b.balances[tok][from] -= amount
	b.credit(tok, to, amount)
	return nil
}

func (b *Bank) credit(tok, holder identity.Address, amount int64) {
	m, ok := b.balances[tok]
	if !ok {
		m = make(map[identity.Address]int64)
		b.balances[tok] = m
	}
	m[holder] += amount
}

// Snapshot returns a deep copy of all balances.
func (b *Bank) Snapshot() map[identity.Address]map[identity.Address]int64 {
	out := make(map[identity.Address]map[identity.Address]int64, len(b.balances))
	for tok, holders := range b.balances {
		m := make(map[identity.Address]int64, len(holders))
		for h, v := range holders {
			m[h] = v
		}
		out[tok] = m
	}
	return out
}

// Restore replaces all balances with a snapshot.
func (b *Bank) Restore(snap map[identity.Address]map[identity.Address]int64) {
	b.balances = make(map[identity.Address]map[identity.Address]int64, len(snap))
	for tok, holders := range snap {
		m := make(map[identity.Address]int64, len(holders))
		for h, v := range holders {
			m[h] = v
		}
		b.balances[tok] = m
	}
}
