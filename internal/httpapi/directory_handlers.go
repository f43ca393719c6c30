package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"obligo.org/internal/claims"
	"obligo.org/internal/identity"
	"obligo.org/internal/token"
)

type registerControllerRequest struct {
	Name string `json:"name"`
}

func (a *API) handleDirectoryCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req registerControllerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Name) > 128 {
		writeError(w, r, http.StatusBadRequest, "name must be <=128 characters")
		return
	}
	// controllers register themselves: the directory entry is bound into
	// every permit digest naming them
	if err := a.node.RegisterController(caller, req.Name); err != nil {
		handleDomainError(w, r, err)
		return
	}

	a.audit(r.Context(), "directory.register", "controller", caller.Hex(), map[string]string{
		"name": req.Name,
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"controller": caller.Hex(),
		"name":       strings.TrimSpace(req.Name),
	})
}

func (a *API) handleDirectoryResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	raw := strings.TrimPrefix(r.URL.Path, "/v1/directory/")
	addr, err := identity.ParseAddress(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "controller address is invalid")
		return
	}
	name, err := a.node.ControllerName(addr)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"controller": addr.Hex(),
		"name":       name,
	})
}

func (a *API) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	raw := strings.TrimPrefix(r.URL.Path, "/v1/balances/")
	holder, err := identity.ParseAddress(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "holder address is invalid")
		return
	}
	tok := token.Native
	if q := strings.TrimSpace(r.URL.Query().Get("token")); q != "" {
		if tok, err = identity.ParseAddress(q); err != nil {
			writeError(w, r, http.StatusBadRequest, "token query parameter must be a valid address")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"holder":  holder.Hex(),
		"token":   tok.Hex(),
		"balance": a.node.BalanceOf(tok, holder),
	})
}

type mintRequest struct {
	Holder string `json:"holder"`
	Token  string `json:"token,omitempty"`
	Amount int64  `json:"amount"`
}

// handleMint provisions balances. Admin only.
func (a *API) handleMint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	if a.admin == identity.Zero || caller != a.admin {
		writeError(w, r, http.StatusForbidden, "minting requires the ledger admin")
		return
	}
	var req mintRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	holder, err := identity.ParseAddress(req.Holder)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "holder is not a valid address")
		return
	}
	tok := token.Native
	if strings.TrimSpace(req.Token) != "" {
		if tok, err = identity.ParseAddress(req.Token); err != nil {
			writeError(w, r, http.StatusBadRequest, "token is not a valid address")
			return
		}
	}
	if err := a.node.Mint(tok, holder, req.Amount); err != nil {
		handleDomainError(w, r, err)
		return
	}

	a.audit(r.Context(), "token.mint", "holder", holder.Hex(), map[string]string{
		"amount": strconv.FormatInt(req.Amount, 10),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"holder":  holder.Hex(),
		"token":   tok.Hex(),
		"balance": a.node.BalanceOf(tok, holder),
	})
}

type lockRequest struct {
	State string `json:"state"`
}

// handleLock flips the global mutation gate. Admin only (enforced by the
// ledger).
func (a *API) handleLock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req lockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	state, err := claims.ParseLockState(req.State)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if err := a.node.SetLockState(caller, state); err != nil {
		handleDomainError(w, r, err)
		return
	}

	a.audit(r.Context(), "admin.lock", "ledger", req.State, nil)
	writeJSON(w, http.StatusOK, map[string]any{"state": state.String()})
}
