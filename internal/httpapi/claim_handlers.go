package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"obligo.org/internal/claims"
	"obligo.org/internal/identity"
	"obligo.org/internal/token"
)

type createClaimRequest struct {
	ActingFor          string     `json:"acting_for,omitempty"`
	Creditor           string     `json:"creditor"`
	Debtor             string     `json:"debtor"`
	Description        string     `json:"description,omitempty"`
	Amount             int64      `json:"amount"`
	Token              string     `json:"token,omitempty"`
	DueBy              *time.Time `json:"due_by,omitempty"`
	Binding            string     `json:"binding,omitempty"`
	PayerReceivesClaim bool       `json:"payer_receives_claim,omitempty"`
	ImpairmentGraceSec int64      `json:"impairment_grace_seconds,omitempty"`
	URI                string     `json:"uri,omitempty"`
	Fee                int64      `json:"fee,omitempty"`
}

type payClaimRequest struct {
	ActingFor string `json:"acting_for,omitempty"`
	Amount    int64  `json:"amount"`
}

type cancelClaimRequest struct {
	ActingFor string `json:"acting_for,omitempty"`
	Note      string `json:"note,omitempty"`
}

type actingForRequest struct {
	ActingFor string `json:"acting_for,omitempty"`
}

type updateBindingRequest struct {
	ActingFor string `json:"acting_for,omitempty"`
	Binding   string `json:"binding"`
}

type transferRequest struct {
	ActingFor string `json:"acting_for,omitempty"`
	To        string `json:"to"`
}

func (a *API) handleClaimsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createClaim(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleCurrentClaimID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"current_id": a.node.CurrentClaimID()})
}

func (a *API) handleClaimResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/claims/")
	if rest == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	idPart, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil || id == 0 {
		writeError(w, r, http.StatusNotFound, "claim not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getClaim(w, r, id)
	case "uri":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getClaimURI(w, r, id)
	case "pay":
		a.postAction(w, r, id, a.payClaim)
	case "cancel":
		a.postAction(w, r, id, a.cancelClaim)
	case "impair":
		a.postAction(w, r, id, a.impairClaim)
	case "mark-paid":
		a.postAction(w, r, id, a.markClaimPaid)
	case "binding":
		a.postAction(w, r, id, a.updateBinding)
	case "transfer":
		a.postAction(w, r, id, a.transferClaim)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) postAction(w http.ResponseWriter, r *http.Request, id uint64, fn func(http.ResponseWriter, *http.Request, uint64)) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	fn(w, r, id)
}

func (a *API) createClaim(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req createClaimRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	creditor, err := identity.ParseAddress(req.Creditor)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "creditor is not a valid address")
		return
	}
	debtor, err := identity.ParseAddress(req.Debtor)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "debtor is not a valid address")
		return
	}
	payToken := token.Native
	if strings.TrimSpace(req.Token) != "" {
		if payToken, err = identity.ParseAddress(req.Token); err != nil {
			writeError(w, r, http.StatusBadRequest, "token is not a valid address")
			return
		}
	}
	binding := claims.BindingUnbound
	if req.Binding != "" {
		if binding, err = claims.ParseBinding(req.Binding); err != nil {
			handleDomainError(w, r, err)
			return
		}
	}
	if req.ImpairmentGraceSec < 0 {
		writeError(w, r, http.StatusBadRequest, "impairment_grace_seconds must be >= 0")
		return
	}

	params := claims.CreateParams{
		Creditor:           creditor,
		Debtor:             debtor,
		Description:        req.Description,
		Amount:             req.Amount,
		Token:              payToken,
		Binding:            binding,
		PayerReceivesClaim: req.PayerReceivesClaim,
		ImpairmentGrace:    time.Duration(req.ImpairmentGraceSec) * time.Second,
		URI:                req.URI,
	}
	if req.DueBy != nil {
		params.DueBy = *req.DueBy
	}

	var c claims.Claim
	if req.ActingFor != "" {
		actingFor, err := identity.ParseAddress(req.ActingFor)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "acting_for is not a valid address")
			return
		}
		c, err = a.node.CreateClaimFrom(r.Context(), caller, actingFor, params, req.Fee)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
	} else {
		c, err = a.node.CreateClaim(r.Context(), caller, params, req.Fee)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
	}

	a.audit(r.Context(), "claims.create", "claim", strconv.FormatUint(c.ID, 10), map[string]string{
		"creditor": c.Creditor.Hex(),
		"debtor":   c.Debtor.Hex(),
		"amount":   strconv.FormatInt(c.Amount, 10),
	})

	w.Header().Set("Location", "/v1/claims/"+strconv.FormatUint(c.ID, 10))
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) getClaim(w http.ResponseWriter, r *http.Request, id uint64) {
	c, err := a.node.GetClaim(id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	owner, err := a.node.OwnerOf(id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"claim": c,
		"owner": owner.Hex(),
	})
}

func (a *API) getClaimURI(w http.ResponseWriter, r *http.Request, id uint64) {
	uri, err := a.node.TokenURI(id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uri": uri})
}

func (a *API) payClaim(w http.ResponseWriter, r *http.Request, id uint64) {
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req payClaimRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var c claims.Claim
	if req.ActingFor != "" {
		payer, err := identity.ParseAddress(req.ActingFor)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "acting_for is not a valid address")
			return
		}
		c, err = a.node.PayClaimFrom(r.Context(), caller, payer, id, req.Amount)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
	} else {
		c, err = a.node.PayClaim(r.Context(), caller, id, req.Amount)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
	}

	a.audit(r.Context(), "claims.pay", "claim", strconv.FormatUint(id, 10), map[string]string{
		"amount": strconv.FormatInt(req.Amount, 10),
		"status": c.Status.String(),
	})
	writeJSON(w, http.StatusOK, c)
}

func (a *API) cancelClaim(w http.ResponseWriter, r *http.Request, id uint64) {
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req cancelClaimRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var c claims.Claim
	if req.ActingFor != "" {
		actingFor, err := identity.ParseAddress(req.ActingFor)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "acting_for is not a valid address")
			return
		}
		c, err = a.node.CancelClaimFrom(r.Context(), caller, actingFor, id, req.Note)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
	} else {
		c, err = a.node.CancelClaim(r.Context(), caller, id, req.Note)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
	}

	a.audit(r.Context(), "claims.cancel", "claim", strconv.FormatUint(id, 10), map[string]string{
		"status": c.Status.String(),
	})
	writeJSON(w, http.StatusOK, c)
}

func (a *API) impairClaim(w http.ResponseWriter, r *http.Request, id uint64) {
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req actingForRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var c claims.Claim
	if req.ActingFor != "" {
		actingFor, err := identity.ParseAddress(req.ActingFor)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "acting_for is not a valid address")
			return
		}
		c, err = a.node.ImpairClaimFrom(r.Context(), caller, actingFor, id)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
	} else {
		c, err = a.node.ImpairClaim(r.Context(), caller, id)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
	}

	a.audit(r.Context(), "claims.impair", "claim", strconv.FormatUint(id, 10), nil)
	writeJSON(w, http.StatusOK, c)
}

func (a *API) markClaimPaid(w http.ResponseWriter, r *http.Request, id uint64) {
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req actingForRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var c claims.Claim
	if req.ActingFor != "" {
		actingFor, err := identity.ParseAddress(req.ActingFor)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "acting_for is not a valid address")
			return
		}
		c, err = a.node.MarkClaimAsPaidFrom(r.Context(), caller, actingFor, id)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
	} else {
		c, err = a.node.MarkClaimAsPaid(r.Context(), caller, id)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
	}

	a.audit(r.Context(), "claims.mark_paid", "claim", strconv.FormatUint(id, 10), nil)
	writeJSON(w, http.StatusOK, c)
}

func (a *API) updateBinding(w http.ResponseWriter, r *http.Request, id uint64) {
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req updateBindingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	binding, err := claims.ParseBinding(req.Binding)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	var c claims.Claim
	if req.ActingFor != "" {
		actingFor, err := identity.ParseAddress(req.ActingFor)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "acting_for is not a valid address")
			return
		}
		c, err = a.node.UpdateBindingFrom(r.Context(), caller, actingFor, id, binding)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
	} else {
		c, err = a.node.UpdateBinding(r.Context(), caller, id, binding)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
	}

	a.audit(r.Context(), "claims.update_binding", "claim", strconv.FormatUint(id, 10), map[string]string{
		"binding": c.Binding.String(),
	})
	writeJSON(w, http.StatusOK, c)
}

func (a *API) transferClaim(w http.ResponseWriter, r *http.Request, id uint64) {
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	to, err := identity.ParseAddress(req.To)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "to is not a valid address")
		return
	}

	if req.ActingFor != "" {
		from, err := identity.ParseAddress(req.ActingFor)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "acting_for is not a valid address")
			return
		}
		if err := a.node.TransferOwnershipFrom(r.Context(), caller, from, id, to); err != nil {
			handleDomainError(w, r, err)
			return
		}
	} else {
		if err := a.node.TransferOwnership(r.Context(), caller, id, to); err != nil {
			handleDomainError(w, r, err)
			return
		}
	}

	a.audit(r.Context(), "claims.transfer", "claim", strconv.FormatUint(id, 10), map[string]string{
		"to": to.Hex(),
	})
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "owner": to.Hex()})
}
