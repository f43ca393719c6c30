// Package claims implements the claim state machine: creation, payment,
// cancellation, impairment and binding updates, plus the ownership table and
// the controller lock. A claim created through a controller can only be
// mutated by that controller; everyone else is rejected, including the
// original creditor and debtor.
package claims

import (
	"strings"
	"time"

	"obligo.org/internal/approvals"
	"obligo.org/internal/fees"
	"obligo.org/internal/identity"
	"obligo.org/internal/token"
)

// URIBuilder is the external metadata collaborator. It is only consulted for
// claims created without an explicit URI.
type URIBuilder interface {
	URIFor(c Claim, owner identity.Address) string
}

// Ledger owns the claim and ownership tables.
// Single writer; callers go through the node facade.
type Ledger struct {
	claims  map[uint64]*Claim
	owners  map[uint64]identity.Address
	nextID  uint64
	lock    LockState
	admin   identity.Address
	bank    *token.Bank
	policy  fees.Policy
	reg     *approvals.Registry
	uris    URIBuilder
	now     func() time.Time
	onEvent func(Event)
}

// Option configures the ledger.
type Option func(*Ledger)

// WithClock overrides the ledger clock. Test use.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithEventSink installs the event callback.
func WithEventSink(fn func(Event)) Option {
	return func(l *Ledger) { l.onEvent = fn }
}

// WithURIBuilder installs the metadata collaborator.
func WithURIBuilder(b URIBuilder) Option {
	return func(l *Ledger) { l.uris = b }
}

// WithAdmin sets the address allowed to change the lock state.
func WithAdmin(admin identity.Address) Option {
	return func(l *Ledger) { l.admin = admin }
}

func NewLedger(bank *token.Bank, policy fees.Policy, reg *approvals.Registry, opts ...Option) *Ledger {
	l := &Ledger{
		claims: make(map[uint64]*Claim),
		owners: make(map[uint64]identity.Address),
		bank:   bank,
		policy: policy,
		reg:    reg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// --- queries ---

// GetClaim returns a copy of the claim.
func (l *Ledger) GetClaim(id uint64) (Claim, error) {
	c, ok := l.claims[id]
	if !ok {
		return Claim{}, ErrNotFound
	}
	return *c, nil
}

// OwnerOf returns the current owner of a claim.
func (l *Ledger) OwnerOf(id uint64) (identity.Address, error) {
	owner, ok := l.owners[id]
	if !ok {
		return identity.Zero, ErrNotFound
	}
	return owner, nil
}

// CurrentClaimID returns the most recently minted claim id.
func (l *Ledger) CurrentClaimID() uint64 { return l.nextID }

// TokenURI resolves the claim's metadata URI: the explicit one when set,
// otherwise the builder's.
func (l *Ledger) TokenURI(id uint64) (string, error) {
	c, ok := l.claims[id]
	if !ok {
		return "", ErrNotFound
	}
	if c.URI != "" {
		return c.URI, nil
	}
	if l.uris == nil {
		return "", nil
	}
	return l.uris.URIFor(*c, l.owners[id]), nil
}

// LockState returns the global mutation gate.
func (l *Ledger) LockState() LockState { return l.lock }

// SetLockState changes the global mutation gate. Admin only.
func (l *Ledger) SetLockState(caller identity.Address, state LockState) error {
	if l.admin == identity.Zero || caller != l.admin {
		return ErrNotAdmin
	}
	l.lock = state
	return nil
}

// --- create ---

// CreateClaim mints a direct claim. The caller must be the creditor or the
// debtor; ownership goes to the creditor. feePaid is the native-currency
// amount attached and must match the required protocol fee exactly.
func (l *Ledger) CreateClaim(caller identity.Address, p CreateParams, feePaid int64) (Claim, error) {
	if l.lock != Unlocked {
		return Claim{}, ErrLocked
	}
	if caller != p.Creditor && caller != p.Debtor {
		return Claim{}, ErrNotParty
	}
	if err := l.validateCreate(p, caller, false); err != nil {
		return Claim{}, err
	}
	if err := l.collectCreateFee(caller, p.Creditor, feePaid); err != nil {
		return Claim{}, err
	}
	return l.mint(caller, p, identity.Zero), nil
}

// CreateClaimFrom mints a controlled claim on behalf of actingFor, spending
// one unit of the grantor's create-claim approval. The resulting claim is
// permanently locked to the calling controller.
func (l *Ledger) CreateClaimFrom(controller, actingFor identity.Address, p CreateParams, feePaid int64) (Claim, error) {
	if l.lock != Unlocked {
		return Claim{}, ErrLocked
	}
	if actingFor != p.Creditor && actingFor != p.Debtor {
		return Claim{}, ErrNotParty
	}
	if err := l.validateCreate(p, actingFor, true); err != nil {
		return Claim{}, err
	}
	isCreditor := actingFor == p.Creditor
	wantsBinding := p.Binding != BindingUnbound
	if err := l.reg.SpendCreateClaim(actingFor, controller, isCreditor, wantsBinding); err != nil {
		return Claim{}, err
	}
	if err := l.collectCreateFee(controller, p.Creditor, feePaid); err != nil {
		return Claim{}, err
	}
	return l.mint(actingFor, p, controller), nil
}

func (l *Ledger) validateCreate(p CreateParams, actor identity.Address, byController bool) error {
	if p.Amount <= 0 {
		return ErrZeroAmount
	}
	if p.Creditor == identity.Zero || p.Debtor == identity.Zero {
		return ErrMissingParty
	}
	if !p.DueBy.IsZero() && p.DueBy.Before(l.now()) && !byController {
		return ErrDueDatePast
	}
	switch p.Binding {
	case BindingUnbound, BindingPending:
	case BindingBound:
		// only the debtor can bind themself at creation
		if actor != p.Debtor {
			return ErrBadBinding
		}
	default:
		return ErrBadBinding
	}
	if p.ImpairmentGrace < 0 {
		return ErrNegativeGrace
	}
	return nil
}

func (l *Ledger) collectCreateFee(payer, creditor identity.Address, feePaid int64) error {
	required := l.policy.RequiredCreateFee(creditor)
	if feePaid != required {
		return ErrWrongFee
	}
	if required == 0 {
		return nil
	}
	return l.bank.Transfer(token.Native, payer, l.policy.Sink, required)
}

func (l *Ledger) mint(actor identity.Address, p CreateParams, controller identity.Address) Claim {
	l.nextID++
	c := &Claim{
		ID:                 l.nextID,
		Creditor:           p.Creditor,
		Debtor:             p.Debtor,
		Description:        strings.TrimSpace(p.Description),
		Amount:             p.Amount,
		Token:              p.Token,
		DueBy:              p.DueBy,
		Binding:            p.Binding,
		Status:             StatusPending,
		Controller:         controller,
		PayerReceivesClaim: p.PayerReceivesClaim,
		ImpairmentGrace:    p.ImpairmentGrace,
		URI:                p.URI,
		CreatedAt:          l.now().UTC(),
	}
	l.claims[c.ID] = c
	l.owners[c.ID] = p.Creditor
	l.emit(Event{Type: EventCreated, ClaimID: c.ID, Actor: actor, Amount: c.Amount, Status: c.Status, Binding: c.Binding, Owner: p.Creditor})
	return *c
}

// --- pay ---

// PayClaim applies a payment from the caller to a direct claim.
func (l *Ledger) PayClaim(caller identity.Address, id uint64, amount int64) (Claim, error) {
	c, ok := l.claims[id]
	if !ok {
		return Claim{}, ErrNotFound
	}
	if c.Controlled() {
		return Claim{}, ErrControlledClaim
	}
	if err := l.validatePay(caller, c, amount); err != nil {
		return Claim{}, err
	}
	l.applyPay(caller, c, amount)
	return *c, nil
}

// PayClaimFrom applies a payment from payer through the claim's controller,
// spending the payer's pay-claim approval.
func (l *Ledger) PayClaimFrom(controller, payer identity.Address, id uint64, amount int64) (Claim, error) {
	c, err := l.controlled(controller, id)
	if err != nil {
		return Claim{}, err
	}
	if err := l.validatePay(payer, c, amount); err != nil {
		return Claim{}, err
	}
	if err := l.reg.SpendPayClaim(payer, controller, id, amount); err != nil {
		return Claim{}, err
	}
	l.applyPay(payer, c, amount)
	return *c, nil
}

func (l *Ledger) validatePay(payer identity.Address, c *Claim, amount int64) error {
	if l.lock == Locked {
		return ErrLocked
	}
	if amount <= 0 {
		return ErrZeroAmount
	}
	if !c.Status.Payable() {
		return ErrNotPayable
	}
	if c.Paid+amount > c.Amount {
		return ErrOverPayment
	}
	if l.bank.BalanceOf(c.Token, payer) < amount {
		return token.ErrInsufficientFunds
	}
	return nil
}

func (l *Ledger) applyPay(payer identity.Address, c *Claim, amount int64) {
	owner := l.owners[c.ID]
	fee := l.policy.PaymentFee(payer, c.ID, amount)
	if net := amount - fee; net > 0 && payer != owner {
		// validated above; the bank cannot refuse at this point
		_ = l.bank.Transfer(c.Token, payer, owner, net)
	}
	if fee > 0 && payer != l.policy.Sink {
		_ = l.bank.Transfer(c.Token, payer, l.policy.Sink, fee)
	}

	c.Paid += amount
	if c.Paid == c.Amount {
		c.Status = StatusPaid
		if c.PayerReceivesClaim && owner != payer {
			l.owners[c.ID] = payer
			l.emit(Event{Type: EventTransferred, ClaimID: c.ID, Actor: payer, Status: c.Status, Binding: c.Binding, Owner: payer})
		}
	} else {
		c.Status = StatusRepaying
	}
	l.emit(Event{Type: EventPayment, ClaimID: c.ID, Actor: payer, Amount: amount, Status: c.Status, Binding: c.Binding, Owner: l.owners[c.ID]})
}

// --- cancel ---

// CancelClaim rescinds (owner) or rejects (debtor) a pending direct claim.
func (l *Ledger) CancelClaim(caller identity.Address, id uint64, note string) (Claim, error) {
	c, ok := l.claims[id]
	if !ok {
		return Claim{}, ErrNotFound
	}
	if c.Controlled() {
		return Claim{}, ErrControlledClaim
	}
	next, err := l.validateCancel(caller, c)
	if err != nil {
		return Claim{}, err
	}
	l.applyCancel(caller, c, next, note)
	return *c, nil
}

// CancelClaimFrom cancels a controlled claim on behalf of actingFor,
// spending one unit of the grantor's cancel-claim approval.
func (l *Ledger) CancelClaimFrom(controller, actingFor identity.Address, id uint64, note string) (Claim, error) {
	c, err := l.controlled(controller, id)
	if err != nil {
		return Claim{}, err
	}
	next, err := l.validateCancel(actingFor, c)
	if err != nil {
		return Claim{}, err
	}
	if err := l.reg.SpendCancelClaim(actingFor, controller); err != nil {
		return Claim{}, err
	}
	l.applyCancel(actingFor, c, next, note)
	return *c, nil
}

func (l *Ledger) validateCancel(actor identity.Address, c *Claim) (Status, error) {
	if l.lock == Locked {
		return 0, ErrLocked
	}
	if c.Status != StatusPending {
		return 0, ErrNotPending
	}
	switch actor {
	case l.owners[c.ID]:
		return StatusRescinded, nil
	case c.Debtor:
		if c.Binding == BindingBound {
			return 0, ErrBoundDebtor
		}
		return StatusRejected, nil
	default:
		return 0, ErrNotParty
	}
}

func (l *Ledger) applyCancel(actor identity.Address, c *Claim, next Status, note string) {
	c.Status = next
	l.emit(Event{Type: EventCanceled, ClaimID: c.ID, Actor: actor, Status: c.Status, Binding: c.Binding, Owner: l.owners[c.ID], Note: strings.TrimSpace(note)})
}

// --- impair ---

// ImpairClaim marks an overdue direct claim as impaired.
func (l *Ledger) ImpairClaim(caller identity.Address, id uint64) (Claim, error) {
	c, ok := l.claims[id]
	if !ok {
		return Claim{}, ErrNotFound
	}
	if c.Controlled() {
		return Claim{}, ErrControlledClaim
	}
	if err := l.validateImpair(caller, c); err != nil {
		return Claim{}, err
	}
	l.applyImpair(caller, c)
	return *c, nil
}

// ImpairClaimFrom impairs a controlled claim on behalf of the owner,
// spending one unit of the impair-claim approval.
func (l *Ledger) ImpairClaimFrom(controller, actingFor identity.Address, id uint64) (Claim, error) {
	c, err := l.controlled(controller, id)
	if err != nil {
		return Claim{}, err
	}
	if err := l.validateImpair(actingFor, c); err != nil {
		return Claim{}, err
	}
	if err := l.reg.SpendImpairClaim(actingFor, controller); err != nil {
		return Claim{}, err
	}
	l.applyImpair(actingFor, c)
	return *c, nil
}

func (l *Ledger) validateImpair(actor identity.Address, c *Claim) error {
	if l.lock == Locked {
		return ErrLocked
	}
	if actor != l.owners[c.ID] {
		return ErrNotOwner
	}
	if c.Status != StatusPending && c.Status != StatusRepaying {
		return ErrTerminalStatus
	}
	if c.DueBy.IsZero() {
		return ErrNoDueDate
	}
	if l.now().Before(c.DueBy.Add(c.ImpairmentGrace)) {
		return ErrNotOverdue
	}
	return nil
}

func (l *Ledger) applyImpair(actor identity.Address, c *Claim) {
	c.Status = StatusImpaired
	l.emit(Event{Type: EventImpaired, ClaimID: c.ID, Actor: actor, Status: c.Status, Binding: c.Binding, Owner: l.owners[c.ID]})
}

// --- mark as paid ---

// MarkClaimAsPaid force-terminates a direct claim as paid without moving
// funds, for settlements that happened off ledger.
func (l *Ledger) MarkClaimAsPaid(caller identity.Address, id uint64) (Claim, error) {
	c, ok := l.claims[id]
	if !ok {
		return Claim{}, ErrNotFound
	}
	if c.Controlled() {
		return Claim{}, ErrControlledClaim
	}
	if err := l.validateMarkPaid(caller, c); err != nil {
		return Claim{}, err
	}
	l.applyMarkPaid(caller, c)
	return *c, nil
}

// MarkClaimAsPaidFrom is the controller-mediated variant; actingFor must be
// the current owner.
func (l *Ledger) MarkClaimAsPaidFrom(controller, actingFor identity.Address, id uint64) (Claim, error) {
	c, err := l.controlled(controller, id)
	if err != nil {
		return Claim{}, err
	}
	if err := l.validateMarkPaid(actingFor, c); err != nil {
		return Claim{}, err
	}
	l.applyMarkPaid(actingFor, c)
	return *c, nil
}

func (l *Ledger) validateMarkPaid(actor identity.Address, c *Claim) error {
	if l.lock == Locked {
		return ErrLocked
	}
	if actor != l.owners[c.ID] {
		return ErrNotOwner
	}
	if !c.Status.Payable() {
		return ErrTerminalStatus
	}
	return nil
}

func (l *Ledger) applyMarkPaid(actor identity.Address, c *Claim) {
	c.Status = StatusPaid
	l.emit(Event{Type: EventMarkedPaid, ClaimID: c.ID, Actor: actor, Status: c.Status, Binding: c.Binding, Owner: l.owners[c.ID]})
}

// --- binding ---

// UpdateBinding moves the debtor-consent state of a direct claim.
func (l *Ledger) UpdateBinding(caller identity.Address, id uint64, next Binding) (Claim, error) {
	c, ok := l.claims[id]
	if !ok {
		return Claim{}, ErrNotFound
	}
	if c.Controlled() {
		return Claim{}, ErrControlledClaim
	}
	if err := l.validateBinding(caller, c, next); err != nil {
		return Claim{}, err
	}
	l.applyBinding(caller, c, next)
	return *c, nil
}

// UpdateBindingFrom moves the binding of a controlled claim on behalf of
// actingFor, spending one unit of the update-binding approval.
func (l *Ledger) UpdateBindingFrom(controller, actingFor identity.Address, id uint64, next Binding) (Claim, error) {
	c, err := l.controlled(controller, id)
	if err != nil {
		return Claim{}, err
	}
	if err := l.validateBinding(actingFor, c, next); err != nil {
		return Claim{}, err
	}
	if err := l.reg.SpendUpdateBinding(actingFor, controller); err != nil {
		return Claim{}, err
	}
	l.applyBinding(actingFor, c, next)
	return *c, nil
}

func (l *Ledger) validateBinding(actor identity.Address, c *Claim, next Binding) error {
	if l.lock == Locked {
		return ErrLocked
	}
	if c.Status.Terminal() {
		return ErrTerminalStatus
	}
	if c.Binding == BindingBound {
		return ErrBindingFinal
	}
	switch actor {
	case l.owners[c.ID]:
		// creditor side proposes or withdraws a binding request
		if next != BindingUnbound && next != BindingPending {
			return ErrBadBinding
		}
	case c.Debtor:
		if next != BindingBound {
			return ErrBadBinding
		}
	default:
		return ErrNotParty
	}
	return nil
}

func (l *Ledger) applyBinding(actor identity.Address, c *Claim, next Binding) {
	c.Binding = next
	l.emit(Event{Type: EventBindingUpdated, ClaimID: c.ID, Actor: actor, Status: c.Status, Binding: c.Binding, Owner: l.owners[c.ID]})
}

// --- ownership ---

// TransferOwnership reassigns a direct claim to a new owner. Controlled
// claims can only be moved by their controller.
func (l *Ledger) TransferOwnership(caller identity.Address, id uint64, to identity.Address) error {
	c, ok := l.claims[id]
	if !ok {
		return ErrNotFound
	}
	if c.Controlled() {
		return ErrControlledClaim
	}
	return l.transfer(caller, c, to)
}

// TransferOwnershipFrom reassigns a controlled claim; only the recorded
// controller may move it, acting for the current owner.
func (l *Ledger) TransferOwnershipFrom(controller, from identity.Address, id uint64, to identity.Address) error {
	c, err := l.controlled(controller, id)
	if err != nil {
		return err
	}
	return l.transfer(from, c, to)
}

func (l *Ledger) transfer(from identity.Address, c *Claim, to identity.Address) error {
	if l.lock == Locked {
		return ErrLocked
	}
	if to == identity.Zero {
		return ErrMissingParty
	}
	if l.owners[c.ID] != from {
		return ErrNotOwner
	}
	l.owners[c.ID] = to
	l.emit(Event{Type: EventTransferred, ClaimID: c.ID, Actor: from, Status: c.Status, Binding: c.Binding, Owner: to})
	return nil
}

// --- helpers ---

func (l *Ledger) controlled(controller identity.Address, id uint64) (*Claim, error) {
	c, ok := l.claims[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !c.Controlled() {
		return nil, ErrNotControlled
	}
	if c.Controller != controller {
		return nil, ErrNotController
	}
	return c, nil
}

func (l *Ledger) emit(e Event) {
	if l.onEvent == nil {
		return
	}
	e.At = l.now().UTC()
	l.onEvent(e)
}

// --- snapshot support for the batch executor ---

// State is a deep copy of the ledger's mutable state.
type State struct {
	Claims map[uint64]Claim
	Owners map[uint64]identity.Address
	NextID uint64
	Lock   LockState
}

// Snapshot captures the claim and ownership tables.
func (l *Ledger) Snapshot() State {
	s := State{
		Claims: make(map[uint64]Claim, len(l.claims)),
		Owners: make(map[uint64]identity.Address, len(l.owners)),
		NextID: l.nextID,
		Lock:   l.lock,
	}
	for id, c := range l.claims {
		s.Claims[id] = *c
	}
	for id, o := range l.owners {
		s.Owners[id] = o
	}
	return s
}

// Restore replaces the ledger state with a snapshot.
func (l *Ledger) Restore(s State) {
	l.claims = make(map[uint64]*Claim, len(s.Claims))
	for id, c := range s.Claims {
		cc := c
		l.claims[id] = &cc
	}
	l.owners = make(map[uint64]identity.Address, len(s.Owners))
	for id, o := range s.Owners {
		l.owners[id] = o
	}
	l.nextID = s.NextID
	l.lock = s.Lock
}
