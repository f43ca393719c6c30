package approvals

import (
	"errors"
	"fmt"

	"obligo.org/internal/typedsig"
)

// CreateKind is the flavor of a create-claim approval.
type CreateKind uint8

const (
	CreateUnapproved CreateKind = iota
	CreateCreditorOnly
	CreateDebtorOnly
	CreateApproved // full: grantor may be named as either side
)

// PayKind is the flavor of a pay-claim approval.
type PayKind uint8

const (
	PayUnapproved PayKind = iota
	PayApprovedForAll
	PayApprovedForSpecific
)

// ParseCreateKind maps the wire form back to a CreateKind.
func ParseCreateKind(s string) (CreateKind, error) {
	switch s {
	case "unapproved":
		return CreateUnapproved, nil
	case "creditor_only":
		return CreateCreditorOnly, nil
	case "debtor_only":
		return CreateDebtorOnly, nil
	case "approved":
		return CreateApproved, nil
	default:
		return 0, fmt.Errorf("%w: unknown create-claim approval kind %q", ErrInvalidParams, s)
	}
}

func (k CreateKind) String() string {
	switch k {
	case CreateUnapproved:
		return "unapproved"
	case CreateCreditorOnly:
		return "creditor_only"
	case CreateDebtorOnly:
		return "debtor_only"
	case CreateApproved:
		return "approved"
	default:
		return fmt.Sprintf("create_kind(%d)", uint8(k))
	}
}

func (k CreateKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// ParsePayKind maps the wire form back to a PayKind.
func ParsePayKind(s string) (PayKind, error) {
	switch s {
	case "unapproved":
		return PayUnapproved, nil
	case "all":
		return PayApprovedForAll, nil
	case "specific":
		return PayApprovedForSpecific, nil
	default:
		return 0, fmt.Errorf("%w: unknown pay-claim approval kind %q", ErrInvalidParams, s)
	}
}

func (k PayKind) String() string {
	switch k {
	case PayUnapproved:
		return "unapproved"
	case PayApprovedForAll:
		return "all"
	case PayApprovedForSpecific:
		return "specific"
	default:
		return fmt.Sprintf("pay_kind(%d)", uint8(k))
	}
}

func (k PayKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// CountUnlimited never decrements when spent.
const CountUnlimited = ^uint64(0)

// Family names, used in digests' type strings, metrics and the HTTP surface.
const (
	FamilyCreateClaim   = "create_claim"
	FamilyPayClaim      = "pay_claim"
	FamilyUpdateBinding = "update_binding"
	FamilyCancelClaim   = "cancel_claim"
	FamilyImpairClaim   = "impair_claim"
)

// CreateApproval authorizes a controller to create claims naming the grantor.
type CreateApproval struct {
	Kind           CreateKind `json:"kind"`
	Count          uint64     `json:"count"`
	BindingAllowed bool       `json:"binding_allowed"`
	Nonce          uint64     `json:"nonce"`
}

// PayApproval authorizes a controller to pay claims from the grantor's funds.
type PayApproval struct {
	Kind     PayKind            `json:"kind"`
	Deadline uint64             `json:"deadline"` // unix seconds, 0 = none
	Entries  []typedsig.PayEntry `json:"entries,omitempty"`
	Nonce    uint64             `json:"nonce"`
}

// CountApproval is the (count, nonce) record shared by the update-binding,
// cancel-claim and impair-claim families.
type CountApproval struct {
	Count uint64 `json:"count"`
	Nonce uint64 `json:"nonce"`
}

// Set is the full approval state for one (grantor, controller) pair.
type Set struct {
	Create        CreateApproval `json:"create_claim"`
	Pay           PayApproval    `json:"pay_claim"`
	UpdateBinding CountApproval  `json:"update_binding"`
	Cancel        CountApproval  `json:"cancel_claim"`
	Impair        CountApproval  `json:"impair_claim"`
}

var (
	// ErrInvalidSignature: signature does not recover to the grantor and no
	// registered validator accepted it.
	ErrInvalidSignature = errors.New("approvals: invalid signature")
	// ErrInvalidParams: approval parameters are illegal for the requested flavor.
	ErrInvalidParams = errors.New("approvals: invalid approval parameters")
	// ErrNotAuthorized: no stored approval covers the requested spend.
	ErrNotAuthorized = errors.New("approvals: operation not authorized")
	// ErrPastDeadline: the stored approval's deadline has passed.
	ErrPastDeadline = errors.New("approvals: approval deadline passed")
)
