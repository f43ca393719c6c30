// Package core assembles the claim ledger, approval registry, token bank and
// controller directory behind a single mutex, and guarantees that every
// operation either fully applies or leaves no trace: each mutation runs
// against a snapshot and is rolled back on error, including partial effects
// such as an approval spent before a later step failed.
package core

import (
	"context"
	"sync"
	"time"

	"obligo.org/internal/approvals"
	"obligo.org/internal/claims"
	"obligo.org/internal/directory"
	"obligo.org/internal/fees"
	"obligo.org/internal/identity"
	"obligo.org/internal/obs"
	"obligo.org/internal/stream"
	"obligo.org/internal/token"
	"obligo.org/internal/typedsig"
)

// Archiver mirrors applied state into durable storage. Archival is
// best-effort: the in-memory node is the source of truth and archive errors
// are logged, never surfaced to callers.
type Archiver interface {
	SaveClaim(ctx context.Context, c claims.Claim, owner identity.Address) error
	SaveEvent(ctx context.Context, e claims.Event) error
}

// Config carries the node's construction parameters.
type Config struct {
	Domain typedsig.Domain
	Policy fees.Policy
	Admin  identity.Address
	URIs   claims.URIBuilder
}

// Node is the process-wide ledger facade. All access goes through it.
type Node struct {
	mu      sync.Mutex
	ledger  *claims.Ledger
	reg     *approvals.Registry
	bank    *token.Bank
	dir     *directory.Directory
	policy  fees.Policy
	events  *stream.Stream
	archive Archiver
	pending []claims.Event
	clock   func() time.Time
}

// Option configures the node.
type Option func(*Node)

// WithStream attaches the event fan-out.
func WithStream(s *stream.Stream) Option {
	return func(n *Node) { n.events = s }
}

// WithArchiver attaches the durable mirror.
func WithArchiver(a Archiver) Option {
	return func(n *Node) { n.archive = a }
}

// WithClock overrides the ledger and registry clocks. Test use.
func WithClock(now func() time.Time) Option {
	return func(n *Node) { n.clock = now }
}

func NewNode(cfg Config, opts ...Option) *Node {
	n := &Node{
		bank:   token.NewBank(),
		dir:    directory.New(),
		policy: cfg.Policy,
	}
	for _, opt := range opts {
		opt(n)
	}
	regOpts := []approvals.Option{}
	ledgerOpts := []claims.Option{
		claims.WithAdmin(cfg.Admin),
		claims.WithEventSink(func(e claims.Event) { n.pending = append(n.pending, e) }),
	}
	if cfg.URIs != nil {
		ledgerOpts = append(ledgerOpts, claims.WithURIBuilder(cfg.URIs))
	}
	if n.clock != nil {
		regOpts = append(regOpts, approvals.WithClock(n.clock))
		ledgerOpts = append(ledgerOpts, claims.WithClock(n.clock))
	}
	n.reg = approvals.NewRegistry(cfg.Domain, n.dir, regOpts...)
	n.ledger = claims.NewLedger(n.bank, cfg.Policy, n.reg, ledgerOpts...)
	return n
}

// --- transactional guard ---

type snapshot struct {
	ledger  claims.State
	reg     approvals.State
	bank    map[identity.Address]map[identity.Address]int64
	dir     map[identity.Address]string
	pending int
}

func (n *Node) take() snapshot {
	return snapshot{
		ledger:  n.ledger.Snapshot(),
		reg:     n.reg.Snapshot(),
		bank:    n.bank.Snapshot(),
		dir:     n.dir.Snapshot(),
		pending: len(n.pending),
	}
}

func (n *Node) rollback(s snapshot) {
	n.ledger.Restore(s.ledger)
	n.reg.Restore(s.reg)
	n.bank.Restore(s.bank)
	n.dir.Restore(s.dir)
	n.pending = n.pending[:s.pending]
}

// guarded runs fn against a snapshot. On error everything is rolled back; on
// success the events accumulated by fn are flushed to subscribers and the
// archive. Caller must hold n.mu.
func (n *Node) guarded(ctx context.Context, fn func() error) error {
	snap := n.take()
	if err := fn(); err != nil {
		n.rollback(snap)
		return err
	}
	n.flush(ctx, snap.pending)
	return nil
}

func (n *Node) flush(ctx context.Context, from int) {
	for _, e := range n.pending[from:] {
		n.record(ctx, e)
	}
	n.pending = n.pending[:0]
	obs.SetFeeSinkBalance(n.bank.BalanceOf(token.Native, n.policy.Sink))
}

func (n *Node) record(ctx context.Context, e claims.Event) {
	c, err := n.ledger.GetClaim(e.ClaimID)
	if err != nil {
		return
	}
	switch e.Type {
	case claims.EventCreated:
		origin := "direct"
		if c.Controlled() {
			origin = "controller"
		}
		obs.ClaimCreated(origin)
	case claims.EventPayment:
		obs.ClaimPaid()
	}
	if n.events != nil {
		n.events.Publish(e)
	}
	if n.archive != nil {
		if err := n.archive.SaveClaim(ctx, c, e.Owner); err != nil {
			obs.LogWarn("archive claim failed", map[string]any{"claim_id": e.ClaimID, "error": err.Error()})
		}
		if err := n.archive.SaveEvent(ctx, e); err != nil {
			obs.LogWarn("archive event failed", map[string]any{"claim_id": e.ClaimID, "error": err.Error()})
		}
	}
}

// --- claim operations ---

func (n *Node) CreateClaim(ctx context.Context, caller identity.Address, p claims.CreateParams, feePaid int64) (claims.Claim, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var c claims.Claim
	err := n.guarded(ctx, func() error {
		var err error
		c, err = n.ledger.CreateClaim(caller, p, feePaid)
		return err
	})
	return c, err
}

func (n *Node) CreateClaimFrom(ctx context.Context, controller, actingFor identity.Address, p claims.CreateParams, feePaid int64) (claims.Claim, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var c claims.Claim
	err := n.guarded(ctx, func() error {
		var err error
		c, err = n.ledger.CreateClaimFrom(controller, actingFor, p, feePaid)
		return err
	})
	if err == nil {
		obs.ApprovalSpent(approvals.FamilyCreateClaim)
	}
	return c, err
}

func (n *Node) PayClaim(ctx context.Context, caller identity.Address, id uint64, amount int64) (claims.Claim, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var c claims.Claim
	err := n.guarded(ctx, func() error {
		var err error
		c, err = n.ledger.PayClaim(caller, id, amount)
		return err
	})
	return c, err
}

func (n *Node) PayClaimFrom(ctx context.Context, controller, payer identity.Address, id uint64, amount int64) (claims.Claim, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var c claims.Claim
	err := n.guarded(ctx, func() error {
		var err error
		c, err = n.ledger.PayClaimFrom(controller, payer, id, amount)
		return err
	})
	if err == nil {
		obs.ApprovalSpent(approvals.FamilyPayClaim)
	}
	return c, err
}

func (n *Node) CancelClaim(ctx context.Context, caller identity.Address, id uint64, note string) (claims.Claim, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var c claims.Claim
	err := n.guarded(ctx, func() error {
		var err error
		c, err = n.ledger.CancelClaim(caller, id, note)
		return err
	})
	return c, err
}

func (n *Node) CancelClaimFrom(ctx context.Context, controller, actingFor identity.Address, id uint64, note string) (claims.Claim, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var c claims.Claim
	err := n.guarded(ctx, func() error {
		var err error
		c, err = n.ledger.CancelClaimFrom(controller, actingFor, id, note)
		return err
	})
	if err == nil {
		obs.ApprovalSpent(approvals.FamilyCancelClaim)
	}
	return c, err
}

func (n *Node) ImpairClaim(ctx context.Context, caller identity.Address, id uint64) (claims.Claim, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var c claims.Claim
	err := n.guarded(ctx, func() error {
		var err error
		c, err = n.ledger.ImpairClaim(caller, id)
		return err
	})
	return c, err
}

func (n *Node) ImpairClaimFrom(ctx context.Context, controller, actingFor identity.Address, id uint64) (claims.Claim, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var c claims.Claim
	err := n.guarded(ctx, func() error {
		var err error
		c, err = n.ledger.ImpairClaimFrom(controller, actingFor, id)
		return err
	})
	if err == nil {
		obs.ApprovalSpent(approvals.FamilyImpairClaim)
	}
	return c, err
}

func (n *Node) MarkClaimAsPaid(ctx context.Context, caller identity.Address, id uint64) (claims.Claim, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var c claims.Claim
	err := n.guarded(ctx, func() error {
		var err error
		c, err = n.ledger.MarkClaimAsPaid(caller, id)
		return err
	})
	return c, err
}

func (n *Node) MarkClaimAsPaidFrom(ctx context.Context, controller, actingFor identity.Address, id uint64) (claims.Claim, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var c claims.Claim
	err := n.guarded(ctx, func() error {
		var err error
		c, err = n.ledger.MarkClaimAsPaidFrom(controller, actingFor, id)
		return err
	})
	return c, err
}

func (n *Node) UpdateBinding(ctx context.Context, caller identity.Address, id uint64, b claims.Binding) (claims.Claim, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var c claims.Claim
	err := n.guarded(ctx, func() error {
		var err error
		c, err = n.ledger.UpdateBinding(caller, id, b)
		return err
	})
	return c, err
}

func (n *Node) UpdateBindingFrom(ctx context.Context, controller, actingFor identity.Address, id uint64, b claims.Binding) (claims.Claim, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var c claims.Claim
	err := n.guarded(ctx, func() error {
		var err error
		c, err = n.ledger.UpdateBindingFrom(controller, actingFor, id, b)
		return err
	})
	if err == nil {
		obs.ApprovalSpent(approvals.FamilyUpdateBinding)
	}
	return c, err
}

func (n *Node) TransferOwnership(ctx context.Context, caller identity.Address, id uint64, to identity.Address) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.guarded(ctx, func() error {
		return n.ledger.TransferOwnership(caller, id, to)
	})
}

func (n *Node) TransferOwnershipFrom(ctx context.Context, controller, from identity.Address, id uint64, to identity.Address) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.guarded(ctx, func() error {
		return n.ledger.TransferOwnershipFrom(controller, from, id, to)
	})
}

func (n *Node) SetLockState(caller identity.Address, state claims.LockState) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ledger.SetLockState(caller, state)
}

// --- claim queries ---

func (n *Node) GetClaim(id uint64) (claims.Claim, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ledger.GetClaim(id)
}

func (n *Node) OwnerOf(id uint64) (identity.Address, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ledger.OwnerOf(id)
}

func (n *Node) CurrentClaimID() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ledger.CurrentClaimID()
}

func (n *Node) TokenURI(id uint64) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ledger.TokenURI(id)
}

// --- approvals ---

// Domain returns the typed-message domain clients sign permits against.
func (n *Node) Domain() typedsig.Domain { return n.reg.Domain() }

func (n *Node) PermitCreateClaim(grantor, controller identity.Address, kind approvals.CreateKind, count uint64, bindingAllowed bool, sig []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := n.reg.PermitCreateClaim(grantor, controller, kind, count, bindingAllowed, sig)
	if err == nil {
		obs.ApprovalPermitted(approvals.FamilyCreateClaim)
	}
	return err
}

func (n *Node) PermitPayClaim(grantor, controller identity.Address, kind approvals.PayKind, deadline uint64, entries []typedsig.PayEntry, sig []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := n.reg.PermitPayClaim(grantor, controller, kind, deadline, entries, sig)
	if err == nil {
		obs.ApprovalPermitted(approvals.FamilyPayClaim)
	}
	return err
}

func (n *Node) PermitUpdateBinding(grantor, controller identity.Address, count uint64, sig []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := n.reg.PermitUpdateBinding(grantor, controller, count, sig)
	if err == nil {
		obs.ApprovalPermitted(approvals.FamilyUpdateBinding)
	}
	return err
}

func (n *Node) PermitCancelClaim(grantor, controller identity.Address, count uint64, sig []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := n.reg.PermitCancelClaim(grantor, controller, count, sig)
	if err == nil {
		obs.ApprovalPermitted(approvals.FamilyCancelClaim)
	}
	return err
}

func (n *Node) PermitImpairClaim(grantor, controller identity.Address, count uint64, sig []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := n.reg.PermitImpairClaim(grantor, controller, count, sig)
	if err == nil {
		obs.ApprovalPermitted(approvals.FamilyImpairClaim)
	}
	return err
}

func (n *Node) SetCreateApproval(grantor, controller identity.Address, kind approvals.CreateKind, count uint64, bindingAllowed bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reg.SetCreateApproval(grantor, controller, kind, count, bindingAllowed)
}

func (n *Node) SetPayApproval(grantor, controller identity.Address, kind approvals.PayKind, deadline uint64, entries []typedsig.PayEntry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reg.SetPayApproval(grantor, controller, kind, deadline, entries)
}

func (n *Node) SetUpdateBindingApproval(grantor, controller identity.Address, count uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reg.SetUpdateBindingApproval(grantor, controller, count)
}

func (n *Node) SetCancelClaimApproval(grantor, controller identity.Address, count uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reg.SetCancelClaimApproval(grantor, controller, count)
}

func (n *Node) SetImpairClaimApproval(grantor, controller identity.Address, count uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reg.SetImpairClaimApproval(grantor, controller, count)
}

func (n *Node) GetApprovals(grantor, controller identity.Address) approvals.Set {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reg.GetApprovals(grantor, controller)
}

// RegisterValidator installs a programmable-account signature validator.
func (n *Node) RegisterValidator(addr identity.Address, v typedsig.Validator) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reg.RegisterValidator(addr, v)
}

// --- directory ---

func (n *Node) RegisterController(controller identity.Address, name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dir.Register(controller, name)
}

func (n *Node) ControllerName(controller identity.Address) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dir.NameOf(controller)
}

// --- balances (provisioning and inspection) ---

func (n *Node) Mint(tok, holder identity.Address, amount int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bank.Mint(tok, holder, amount)
}

func (n *Node) BalanceOf(tok, holder identity.Address) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bank.BalanceOf(tok, holder)
}
