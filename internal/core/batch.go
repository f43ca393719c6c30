package core

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"obligo.org/internal/approvals"
	"obligo.org/internal/claims"
	"obligo.org/internal/identity"
	"obligo.org/internal/obs"
	"obligo.org/internal/typedsig"
)

// Batch op names.
const (
	OpCreateClaim   = "create_claim"
	OpPayClaim      = "pay_claim"
	OpCancelClaim   = "cancel_claim"
	OpImpairClaim   = "impair_claim"
	OpMarkClaimPaid = "mark_claim_as_paid"
	OpUpdateBinding = "update_binding"
	OpTransferClaim = "transfer_ownership"

	OpPermitCreateClaim   = "permit_create_claim"
	OpPermitPayClaim      = "permit_pay_claim"
	OpPermitUpdateBinding = "permit_update_binding"
	OpPermitCancelClaim   = "permit_cancel_claim"
	OpPermitImpairClaim   = "permit_impair_claim"

	OpApproveCreateClaim   = "approve_create_claim"
	OpApprovePayClaim      = "approve_pay_claim"
	OpApproveUpdateBinding = "approve_update_binding"
	OpApproveCancelClaim   = "approve_cancel_claim"
	OpApproveImpairClaim   = "approve_impair_claim"
)

var (
	ErrUnknownOp = fmt.Errorf("%w: unknown batch op", claims.ErrValidation)
	ErrBadParams = fmt.Errorf("%w: malformed batch params", claims.ErrValidation)
)

// Call is one operation inside a batch. When acting_for is present in the
// params, the authenticated caller acts as the controller for that grantor.
type Call struct {
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params"`
}

// CallResult reports the outcome of one batch call, in input order.
type CallResult struct {
	Op    string        `json:"op"`
	OK    bool          `json:"ok"`
	Error string        `json:"error,omitempty"`
	Claim *claims.Claim `json:"claim,omitempty"`
}

// ExecuteBatch runs the calls sequentially under one lock. With
// revertOnFailure the batch is all-or-nothing: the first failure rolls back
// every prior call's effects and the batch returns that call's error.
// Without it, failed calls are individually rolled back and execution
// continues; the per-call results report what happened.
func (n *Node) ExecuteBatch(ctx context.Context, caller identity.Address, calls []Call, revertOnFailure bool) ([]CallResult, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	results := make([]CallResult, 0, len(calls))

	if revertOnFailure {
		err := n.guarded(ctx, func() error {
			for i, call := range calls {
				c, err := n.dispatch(caller, call)
				if err != nil {
					results = append(results, CallResult{Op: call.Op, Error: err.Error()})
					return fmt.Errorf("batch call %d (%s): %w", i, call.Op, err)
				}
				results = append(results, CallResult{Op: call.Op, OK: true, Claim: c})
			}
			return nil
		})
		if err != nil {
			// rolled back: none of the reported successes took effect
			for i := range results {
				results[i].OK = false
			}
			return results, err
		}
		obs.BatchExecuted("atomic")
		return results, nil
	}

	for _, call := range calls {
		var c *claims.Claim
		err := n.guarded(ctx, func() error {
			var err error
			c, err = n.dispatch(caller, call)
			return err
		})
		if err != nil {
			results = append(results, CallResult{Op: call.Op, Error: err.Error()})
			continue
		}
		results = append(results, CallResult{Op: call.Op, OK: true, Claim: c})
	}
	obs.BatchExecuted("tolerant")
	return results, nil
}

type batchCreateParams struct {
	ActingFor          *identity.Address `json:"acting_for,omitempty"`
	Creditor           identity.Address  `json:"creditor"`
	Debtor             identity.Address  `json:"debtor"`
	Description        string            `json:"description"`
	Amount             int64             `json:"amount"`
	Token              identity.Address  `json:"token"`
	DueBy              *time.Time        `json:"due_by,omitempty"`
	Binding            string            `json:"binding,omitempty"`
	PayerReceivesClaim bool              `json:"payer_receives_claim,omitempty"`
	ImpairmentGraceSec int64             `json:"impairment_grace_seconds,omitempty"`
	URI                string            `json:"uri,omitempty"`
	Fee                int64             `json:"fee,omitempty"`
}

type batchClaimParams struct {
	ActingFor *identity.Address `json:"acting_for,omitempty"`
	ClaimID   uint64            `json:"claim_id"`
	Amount    int64             `json:"amount,omitempty"`
	Note      string            `json:"note,omitempty"`
	Binding   string            `json:"binding,omitempty"`
	To        identity.Address  `json:"to,omitempty"`
}

type batchPayEntry struct {
	ClaimID  uint64 `json:"claim_id"`
	Amount   int64  `json:"amount"`
	Deadline uint64 `json:"deadline,omitempty"`
}

type batchApprovalParams struct {
	Grantor        *identity.Address `json:"grantor,omitempty"`    // permits only
	Controller     *identity.Address `json:"controller,omitempty"` // permits default to the caller
	Kind           string            `json:"kind,omitempty"`
	Count          uint64            `json:"count,omitempty"`
	Unlimited      bool              `json:"unlimited,omitempty"`
	BindingAllowed bool              `json:"binding_allowed,omitempty"`
	Deadline       uint64            `json:"deadline,omitempty"`
	Entries        []batchPayEntry   `json:"entries,omitempty"`
	Signature      string            `json:"signature,omitempty"`
}

func (p batchApprovalParams) count() uint64 {
	if p.Unlimited {
		return approvals.CountUnlimited
	}
	return p.Count
}

func (p batchApprovalParams) payEntries() []typedsig.PayEntry {
	entries := make([]typedsig.PayEntry, 0, len(p.Entries))
	for _, e := range p.Entries {
		entries = append(entries, typedsig.PayEntry{ClaimID: e.ClaimID, Amount: e.Amount, Deadline: e.Deadline})
	}
	return entries
}

// dispatch decodes and applies one call. Caller must hold n.mu; rollback is
// the batch guard's responsibility.
func (n *Node) dispatch(caller identity.Address, call Call) (*claims.Claim, error) {
	switch call.Op {
	case OpCreateClaim:
		var p batchCreateParams
		if err := decodeParams(call.Params, &p); err != nil {
			return nil, err
		}
		binding := claims.BindingUnbound
		if p.Binding != "" {
			var err error
			if binding, err = claims.ParseBinding(p.Binding); err != nil {
				return nil, err
			}
		}
		cp := claims.CreateParams{
			Creditor:           p.Creditor,
			Debtor:             p.Debtor,
			Description:        p.Description,
			Amount:             p.Amount,
			Token:              p.Token,
			Binding:            binding,
			PayerReceivesClaim: p.PayerReceivesClaim,
			ImpairmentGrace:    time.Duration(p.ImpairmentGraceSec) * time.Second,
			URI:                p.URI,
		}
		if p.DueBy != nil {
			cp.DueBy = *p.DueBy
		}
		if p.ActingFor != nil {
			c, err := n.ledger.CreateClaimFrom(caller, *p.ActingFor, cp, p.Fee)
			if err == nil {
				obs.ApprovalSpent(approvals.FamilyCreateClaim)
			}
			return &c, err
		}
		c, err := n.ledger.CreateClaim(caller, cp, p.Fee)
		return &c, err

	case OpPayClaim:
		var p batchClaimParams
		if err := decodeParams(call.Params, &p); err != nil {
			return nil, err
		}
		if p.ActingFor != nil {
			c, err := n.ledger.PayClaimFrom(caller, *p.ActingFor, p.ClaimID, p.Amount)
			if err == nil {
				obs.ApprovalSpent(approvals.FamilyPayClaim)
			}
			return &c, err
		}
		c, err := n.ledger.PayClaim(caller, p.ClaimID, p.Amount)
		return &c, err

	case OpCancelClaim:
		var p batchClaimParams
		if err := decodeParams(call.Params, &p); err != nil {
			return nil, err
		}
		if p.ActingFor != nil {
			c, err := n.ledger.CancelClaimFrom(caller, *p.ActingFor, p.ClaimID, p.Note)
			if err == nil {
				obs.ApprovalSpent(approvals.FamilyCancelClaim)
			}
			return &c, err
		}
		c, err := n.ledger.CancelClaim(caller, p.ClaimID, p.Note)
		return &c, err

	case OpImpairClaim:
		var p batchClaimParams
		if err := decodeParams(call.Params, &p); err != nil {
			return nil, err
		}
		if p.ActingFor != nil {
			c, err := n.ledger.ImpairClaimFrom(caller, *p.ActingFor, p.ClaimID)
			if err == nil {
				obs.ApprovalSpent(approvals.FamilyImpairClaim)
			}
			return &c, err
		}
		c, err := n.ledger.ImpairClaim(caller, p.ClaimID)
		return &c, err

	case OpMarkClaimPaid:
		var p batchClaimParams
		if err := decodeParams(call.Params, &p); err != nil {
			return nil, err
		}
		if p.ActingFor != nil {
			c, err := n.ledger.MarkClaimAsPaidFrom(caller, *p.ActingFor, p.ClaimID)
			return &c, err
		}
		c, err := n.ledger.MarkClaimAsPaid(caller, p.ClaimID)
		return &c, err

	case OpUpdateBinding:
		var p batchClaimParams
		if err := decodeParams(call.Params, &p); err != nil {
			return nil, err
		}
		binding, err := claims.ParseBinding(p.Binding)
		if err != nil {
			return nil, err
		}
		if p.ActingFor != nil {
			c, err := n.ledger.UpdateBindingFrom(caller, *p.ActingFor, p.ClaimID, binding)
			if err == nil {
				obs.ApprovalSpent(approvals.FamilyUpdateBinding)
			}
			return &c, err
		}
		c, err := n.ledger.UpdateBinding(caller, p.ClaimID, binding)
		return &c, err

	case OpTransferClaim:
		var p batchClaimParams
		if err := decodeParams(call.Params, &p); err != nil {
			return nil, err
		}
		if p.ActingFor != nil {
			return nil, n.ledger.TransferOwnershipFrom(caller, *p.ActingFor, p.ClaimID, p.To)
		}
		return nil, n.ledger.TransferOwnership(caller, p.ClaimID, p.To)

	case OpPermitCreateClaim, OpPermitPayClaim, OpPermitUpdateBinding,
		OpPermitCancelClaim, OpPermitImpairClaim:
		return nil, n.dispatchPermit(caller, call)

	case OpApproveCreateClaim, OpApprovePayClaim, OpApproveUpdateBinding,
		OpApproveCancelClaim, OpApproveImpairClaim:
		return nil, n.dispatchApprovalSet(caller, call)

	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownOp, call.Op)
	}
}

// dispatchPermit applies a signed approval update inside a batch, so a
// controller can install a permit and spend it in the same atomic batch. The
// authenticated caller is the controller unless the params name another one.
func (n *Node) dispatchPermit(caller identity.Address, call Call) error {
	var p batchApprovalParams
	if err := decodeParams(call.Params, &p); err != nil {
		return err
	}
	if p.Grantor == nil {
		return fmt.Errorf("%w: grantor is required for permits", ErrBadParams)
	}
	sig, err := decodeSignature(p.Signature)
	if err != nil {
		return err
	}
	grantor := *p.Grantor
	controller := caller
	if p.Controller != nil {
		controller = *p.Controller
	}

	var family string
	switch call.Op {
	case OpPermitCreateClaim:
		family = approvals.FamilyCreateClaim
		kind, kerr := approvals.ParseCreateKind(p.Kind)
		if kerr != nil {
			return kerr
		}
		err = n.reg.PermitCreateClaim(grantor, controller, kind, p.count(), p.BindingAllowed, sig)
	case OpPermitPayClaim:
		family = approvals.FamilyPayClaim
		kind, kerr := approvals.ParsePayKind(p.Kind)
		if kerr != nil {
			return kerr
		}
		err = n.reg.PermitPayClaim(grantor, controller, kind, p.Deadline, p.payEntries(), sig)
	case OpPermitUpdateBinding:
		family = approvals.FamilyUpdateBinding
		err = n.reg.PermitUpdateBinding(grantor, controller, p.count(), sig)
	case OpPermitCancelClaim:
		family = approvals.FamilyCancelClaim
		err = n.reg.PermitCancelClaim(grantor, controller, p.count(), sig)
	case OpPermitImpairClaim:
		family = approvals.FamilyImpairClaim
		err = n.reg.PermitImpairClaim(grantor, controller, p.count(), sig)
	}
	if err != nil {
		return err
	}
	obs.ApprovalPermitted(family)
	return nil
}

// dispatchApprovalSet applies the caller's own unsigned approval update.
func (n *Node) dispatchApprovalSet(caller identity.Address, call Call) error {
	var p batchApprovalParams
	if err := decodeParams(call.Params, &p); err != nil {
		return err
	}
	if p.Grantor != nil || p.Signature != "" {
		return fmt.Errorf("%w: direct approval sets take neither grantor nor signature", ErrBadParams)
	}
	if p.Controller == nil {
		return fmt.Errorf("%w: controller is required", ErrBadParams)
	}
	controller := *p.Controller

	switch call.Op {
	case OpApproveCreateClaim:
		kind, err := approvals.ParseCreateKind(p.Kind)
		if err != nil {
			return err
		}
		return n.reg.SetCreateApproval(caller, controller, kind, p.count(), p.BindingAllowed)
	case OpApprovePayClaim:
		kind, err := approvals.ParsePayKind(p.Kind)
		if err != nil {
			return err
		}
		return n.reg.SetPayApproval(caller, controller, kind, p.Deadline, p.payEntries())
	case OpApproveUpdateBinding:
		return n.reg.SetUpdateBindingApproval(caller, controller, p.count())
	case OpApproveCancelClaim:
		return n.reg.SetCancelClaimApproval(caller, controller, p.count())
	case OpApproveImpairClaim:
		return n.reg.SetImpairClaimApproval(caller, controller, p.count())
	}
	return fmt.Errorf("%w %q", ErrUnknownOp, call.Op)
}

func decodeSignature(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, fmt.Errorf("%w: signature is required", ErrBadParams)
	}
	sig, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not valid hex", ErrBadParams)
	}
	return sig, nil
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: params are required", ErrBadParams)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrBadParams, err)
	}
	return nil
}
