package claims

import (
	"errors"
	"fmt"
	"time"

	"obligo.org/internal/identity"
)

// Status is the claim lifecycle state.
//
//	Pending  -> Repaying | Paid | Impaired | Rescinded | Rejected
//	Repaying -> Paid | Impaired
//	Impaired -> Paid
//
// Paid, Rescinded and Rejected are terminal.
type Status uint8

const (
	StatusPending Status = iota
	StatusRepaying
	StatusPaid
	StatusImpaired
	StatusRescinded
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRepaying:
		return "repaying"
	case StatusPaid:
		return "paid"
	case StatusImpaired:
		return "impaired"
	case StatusRescinded:
		return "rescinded"
	case StatusRejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(text []byte) error {
	v, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus maps the wire form back to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "repaying":
		return StatusRepaying, nil
	case "paid":
		return StatusPaid, nil
	case "impaired":
		return StatusImpaired, nil
	case "rescinded":
		return StatusRescinded, nil
	case "rejected":
		return StatusRejected, nil
	default:
		return 0, fmt.Errorf("%w: unknown status %q", ErrValidation, s)
	}
}

// Terminal reports whether no further lifecycle transition is possible.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusRescinded || s == StatusRejected
}

// Payable reports whether payments are accepted in this state.
func (s Status) Payable() bool {
	return s == StatusPending || s == StatusRepaying || s == StatusImpaired
}

// Binding is the debtor's consent state toward a claim. Bound is terminal.
type Binding uint8

const (
	BindingUnbound Binding = iota
	BindingPending
	BindingBound
)

func (b Binding) String() string {
	switch b {
	case BindingUnbound:
		return "unbound"
	case BindingPending:
		return "binding_pending"
	case BindingBound:
		return "bound"
	default:
		return fmt.Sprintf("binding(%d)", uint8(b))
	}
}

func (b Binding) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

func (b *Binding) UnmarshalText(text []byte) error {
	v, err := ParseBinding(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// ParseBinding maps the wire form back to a Binding.
func ParseBinding(s string) (Binding, error) {
	switch s {
	case "unbound":
		return BindingUnbound, nil
	case "binding_pending":
		return BindingPending, nil
	case "bound":
		return BindingBound, nil
	default:
		return 0, fmt.Errorf("%w: unknown binding %q", ErrValidation, s)
	}
}

// LockState gates mutation globally.
type LockState uint8

const (
	Unlocked LockState = iota
	NoNewClaims
	Locked
)

func (l LockState) String() string {
	switch l {
	case Unlocked:
		return "unlocked"
	case NoNewClaims:
		return "no_new_claims"
	case Locked:
		return "locked"
	default:
		return fmt.Sprintf("lock(%d)", uint8(l))
	}
}

// ParseLockState maps the wire form back to a LockState.
func ParseLockState(s string) (LockState, error) {
	switch s {
	case "unlocked":
		return Unlocked, nil
	case "no_new_claims":
		return NoNewClaims, nil
	case "locked":
		return Locked, nil
	default:
		return 0, fmt.Errorf("%w: unknown lock state %q", ErrValidation, s)
	}
}

// Claim is one IOU record. The current owner lives in the ownership table,
// not on the claim; Creditor is the original creditor.
type Claim struct {
	ID                 uint64           `json:"id"`
	Creditor           identity.Address `json:"creditor"`
	Debtor             identity.Address `json:"debtor"`
	Description        string           `json:"description"`
	Amount             int64            `json:"amount"`
	Paid               int64            `json:"paid"`
	Token              identity.Address `json:"token"`
	DueBy              time.Time        `json:"due_by,omitzero"`
	Binding            Binding          `json:"binding"`
	Status             Status           `json:"status"`
	Controller         identity.Address `json:"controller"`
	PayerReceivesClaim bool             `json:"payer_receives_claim"`
	ImpairmentGrace    time.Duration    `json:"impairment_grace"`
	URI                string           `json:"uri,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

// Controlled reports whether mutation rights are locked to a controller.
func (c Claim) Controlled() bool { return c.Controller != identity.Zero }

// Remaining is the unpaid portion.
func (c Claim) Remaining() int64 { return c.Amount - c.Paid }

// CreateParams carries everything needed to mint a claim.
type CreateParams struct {
	Creditor           identity.Address
	Debtor             identity.Address
	Description        string
	Amount             int64
	Token              identity.Address
	DueBy              time.Time
	Binding            Binding
	PayerReceivesClaim bool
	ImpairmentGrace    time.Duration
	URI                string
}

// Error classes. Specific errors wrap one of these so the boundary can map
// them without knowing each case.
var (
	ErrValidation    = errors.New("claims: validation error")
	ErrAuthorization = errors.New("claims: authorization error")
	ErrState         = errors.New("claims: state error")
	ErrPolicy        = errors.New("claims: policy error")
	ErrNotFound      = errors.New("claims: claim not found")
)

var (
	ErrZeroAmount      = fmt.Errorf("%w: amount must be > 0", ErrValidation)
	ErrOverPayment     = fmt.Errorf("%w: payment exceeds remaining claim amount", ErrValidation)
	ErrMissingParty    = fmt.Errorf("%w: creditor and debtor are required", ErrValidation)
	ErrDueDatePast     = fmt.Errorf("%w: due date is in the past", ErrValidation)
	ErrBadBinding      = fmt.Errorf("%w: illegal binding for this actor", ErrValidation)
	ErrNegativeGrace   = fmt.Errorf("%w: impairment grace must not be negative", ErrValidation)
	ErrNotParty        = fmt.Errorf("%w: caller is neither creditor nor debtor", ErrAuthorization)
	ErrNotOwner        = fmt.Errorf("%w: caller is not the claim owner", ErrAuthorization)
	ErrNotController   = fmt.Errorf("%w: caller is not the claim's controller", ErrAuthorization)
	ErrControlledClaim = fmt.Errorf("%w: claim is controlled, call through its controller", ErrAuthorization)
	ErrNotControlled   = fmt.Errorf("%w: claim has no controller", ErrAuthorization)
	ErrNotAdmin        = fmt.Errorf("%w: caller is not the ledger admin", ErrAuthorization)
	ErrNotPayable      = fmt.Errorf("%w: claim does not accept payment in its current status", ErrState)
	ErrNotPending      = fmt.Errorf("%w: operation requires a pending claim", ErrState)
	ErrBoundDebtor     = fmt.Errorf("%w: bound debtor cannot cancel", ErrState)
	ErrBindingFinal    = fmt.Errorf("%w: binding is final", ErrState)
	ErrTerminalStatus  = fmt.Errorf("%w: claim is in a terminal status", ErrState)
	ErrNoDueDate       = fmt.Errorf("%w: claim has no due date", ErrState)
	ErrNotOverdue      = fmt.Errorf("%w: impairment grace period has not elapsed", ErrState)
	ErrWrongFee        = fmt.Errorf("%w: incorrect fee attached", ErrPolicy)
	ErrLocked          = fmt.Errorf("%w: ledger is locked", ErrPolicy)
)

// Event describes one applied mutation, published to the stream, the audit
// log and the archive.
type Event struct {
	Type    string           `json:"type"`
	ClaimID uint64           `json:"claim_id"`
	Actor   identity.Address `json:"actor"`
	Amount  int64            `json:"amount,omitempty"`
	Status  Status           `json:"status"`
	Binding Binding          `json:"binding"`
	Owner   identity.Address `json:"owner"`
	Note    string           `json:"note,omitempty"`
	At      time.Time        `json:"at"`
}

// Event types.
const (
	EventCreated        = "claim.created"
	EventPayment        = "claim.payment"
	EventCanceled       = "claim.canceled"
	EventImpaired       = "claim.impaired"
	EventMarkedPaid     = "claim.marked_paid"
	EventBindingUpdated = "claim.binding_updated"
	EventTransferred    = "claim.transferred"
)
