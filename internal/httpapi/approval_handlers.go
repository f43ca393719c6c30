package httpapi

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"obligo.org/internal/approvals"
	"obligo.org/internal/identity"
	"obligo.org/internal/typedsig"
)

type payEntryRequest struct {
	ClaimID  uint64 `json:"claim_id"`
	Amount   int64  `json:"amount"`
	Deadline uint64 `json:"deadline,omitempty"` // unix seconds, 0 = none
}

type createApprovalRequest struct {
	Grantor        string `json:"grantor,omitempty"` // required for permits
	Kind           string `json:"kind"`
	Count          uint64 `json:"count,omitempty"`
	Unlimited      bool   `json:"unlimited,omitempty"`
	BindingAllowed bool   `json:"binding_allowed,omitempty"`
	Signature      string `json:"signature,omitempty"`
}

type payApprovalRequest struct {
	Grantor   string            `json:"grantor,omitempty"`
	Kind      string            `json:"kind"`
	Deadline  uint64            `json:"deadline,omitempty"`
	Entries   []payEntryRequest `json:"entries,omitempty"`
	Signature string            `json:"signature,omitempty"`
}

type countApprovalRequest struct {
	Grantor   string `json:"grantor,omitempty"`
	Count     uint64 `json:"count,omitempty"`
	Unlimited bool   `json:"unlimited,omitempty"`
	Signature string `json:"signature,omitempty"`
}

func (a *API) handleApprovalsQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	grantor, err := identity.ParseAddress(r.URL.Query().Get("grantor"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "grantor query parameter must be a valid address")
		return
	}
	controller, err := identity.ParseAddress(r.URL.Query().Get("controller"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "controller query parameter must be a valid address")
		return
	}
	writeJSON(w, http.StatusOK, a.node.GetApprovals(grantor, controller))
}

// handleApprovalFamily routes /v1/approvals/{family} (direct set by the
// authenticated grantor) and /v1/approvals/{family}/permit (signed).
func (a *API) handleApprovalFamily(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/approvals/")
	family, mode, _ := strings.Cut(rest, "/")
	permit := false
	switch mode {
	case "":
	case "permit":
		permit = true
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	controller := r.URL.Query().Get("controller")
	controllerAddr, err := identity.ParseAddress(controller)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "controller query parameter must be a valid address")
		return
	}

	switch family {
	case approvals.FamilyCreateClaim:
		a.approveCreate(w, r, caller, controllerAddr, permit)
	case approvals.FamilyPayClaim:
		a.approvePay(w, r, caller, controllerAddr, permit)
	case approvals.FamilyUpdateBinding, approvals.FamilyCancelClaim, approvals.FamilyImpairClaim:
		a.approveCount(w, r, family, caller, controllerAddr, permit)
	default:
		writeError(w, r, http.StatusNotFound, "unknown approval family")
	}
}

func (a *API) approveCreate(w http.ResponseWriter, r *http.Request, caller, controller identity.Address, permit bool) {
	var req createApprovalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	kind, err := approvals.ParseCreateKind(req.Kind)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	count := req.Count
	if req.Unlimited {
		count = approvals.CountUnlimited
	}

	if permit {
		grantor, sig, err := permitInputs(req.Grantor, req.Signature)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.node.PermitCreateClaim(grantor, controller, kind, count, req.BindingAllowed, sig); err != nil {
			handleDomainError(w, r, err)
			return
		}
		a.approvalOK(w, r, approvals.FamilyCreateClaim, grantor, controller)
		return
	}
	if err := a.node.SetCreateApproval(caller, controller, kind, count, req.BindingAllowed); err != nil {
		handleDomainError(w, r, err)
		return
	}
	a.approvalOK(w, r, approvals.FamilyCreateClaim, caller, controller)
}

func (a *API) approvePay(w http.ResponseWriter, r *http.Request, caller, controller identity.Address, permit bool) {
	var req payApprovalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	kind, err := approvals.ParsePayKind(req.Kind)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	entries := make([]typedsig.PayEntry, 0, len(req.Entries))
	for _, e := range req.Entries {
		entries = append(entries, typedsig.PayEntry{ClaimID: e.ClaimID, Amount: e.Amount, Deadline: e.Deadline})
	}

	if permit {
		grantor, sig, err := permitInputs(req.Grantor, req.Signature)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.node.PermitPayClaim(grantor, controller, kind, req.Deadline, entries, sig); err != nil {
			handleDomainError(w, r, err)
			return
		}
		a.approvalOK(w, r, approvals.FamilyPayClaim, grantor, controller)
		return
	}
	if err := a.node.SetPayApproval(caller, controller, kind, req.Deadline, entries); err != nil {
		handleDomainError(w, r, err)
		return
	}
	a.approvalOK(w, r, approvals.FamilyPayClaim, caller, controller)
}

func (a *API) approveCount(w http.ResponseWriter, r *http.Request, family string, caller, controller identity.Address, permit bool) {
	var req countApprovalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	count := req.Count
	if req.Unlimited {
		count = approvals.CountUnlimited
	}

	if permit {
		grantor, sig, err := permitInputs(req.Grantor, req.Signature)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		switch family {
		case approvals.FamilyUpdateBinding:
			err = a.node.PermitUpdateBinding(grantor, controller, count, sig)
		case approvals.FamilyCancelClaim:
			err = a.node.PermitCancelClaim(grantor, controller, count, sig)
		case approvals.FamilyImpairClaim:
			err = a.node.PermitImpairClaim(grantor, controller, count, sig)
		}
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		a.approvalOK(w, r, family, grantor, controller)
		return
	}

	var err error
	switch family {
	case approvals.FamilyUpdateBinding:
		err = a.node.SetUpdateBindingApproval(caller, controller, count)
	case approvals.FamilyCancelClaim:
		err = a.node.SetCancelClaimApproval(caller, controller, count)
	case approvals.FamilyImpairClaim:
		err = a.node.SetImpairClaimApproval(caller, controller, count)
	}
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	a.approvalOK(w, r, family, caller, controller)
}

func (a *API) approvalOK(w http.ResponseWriter, r *http.Request, family string, grantor, controller identity.Address) {
	a.audit(r.Context(), "approvals."+family, "approval", grantor.Hex(), map[string]string{
		"controller": controller.Hex(),
	})
	writeJSON(w, http.StatusOK, a.node.GetApprovals(grantor, controller))
}

func permitInputs(grantor, signature string) (identity.Address, []byte, error) {
	addr, err := identity.ParseAddress(grantor)
	if err != nil {
		return identity.Zero, nil, errors.New("grantor is not a valid address")
	}
	sig, err := parseSignature(signature)
	if err != nil {
		return identity.Zero, nil, err
	}
	return addr, sig, nil
}

func parseSignature(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, errors.New("signature is required")
	}
	sig, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.New("signature is not valid hex")
	}
	// length is validated during recovery; programmable accounts may use
	// other formats
	return sig, nil
}
