package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"obligo.org/internal/auth"
	"obligo.org/internal/identity"
	"obligo.org/internal/typedsig"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	// devCallerHeader supplies the caller address when token auth is not
	// configured. Development only.
	devCallerHeader = "X-Caller-Address"
)

var publicPaths = []string{
	"/v1/auth/token",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if !auth.Enabled() {
			if caller := strings.TrimSpace(r.Header.Get(devCallerHeader)); caller != "" {
				r = r.WithContext(auth.ContextWithCaller(r.Context(), caller))
			}
			next.ServeHTTP(w, r)
			return
		}

		tok, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		address, err := auth.ParseAndValidate(tok)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithCaller(r.Context(), address)))
	})
}

// requireCaller resolves the authenticated caller's ledger address.
func requireCaller(r *http.Request) (identity.Address, error) {
	raw, ok := auth.CallerFromContext(r.Context())
	if !ok {
		return identity.Zero, errors.New("caller identity is required")
	}
	addr, err := identity.ParseAddress(raw)
	if err != nil {
		return identity.Zero, errors.New("caller identity is not a valid address")
	}
	return addr, nil
}

type tokenRequest struct {
	Address   string `json:"address"`
	IssuedAt  int64  `json:"issued_at"` // unix seconds, client clock
	Signature string `json:"signature"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// tokenChallengeSkew bounds how far a signed challenge's issued_at may drift
// from server time. Outside the window the signature is treated as stale.
const tokenChallengeSkew = 5 * time.Minute

// handleToken issues a JWT bound to a ledger address. Issuance requires a
// signature over the address's auth challenge, so a token only goes to a
// caller who controls the address's key; after that, every mutation is still
// checked against claim roles, ownership and approvals.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !auth.Enabled() {
		writeError(w, r, http.StatusServiceUnavailable, "token auth is not configured")
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	addr, err := identity.ParseAddress(req.Address)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "address is not a valid ledger address")
		return
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	drift := time.Since(time.Unix(req.IssuedAt, 0))
	if drift > tokenChallengeSkew || drift < -tokenChallengeSkew {
		writeError(w, r, http.StatusForbidden, "challenge timestamp is outside the accepted window")
		return
	}
	digest := typedsig.AuthTokenDigest(a.node.Domain(), addr, uint64(req.IssuedAt))
	signer, err := identity.Recover(digest, sig)
	if err != nil || signer != addr {
		writeError(w, r, http.StatusForbidden, "signature does not prove control of the address")
		return
	}

	const ttl = time.Hour
	tok, err := auth.GenerateToken(addr.Hex(), ttl)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: tok, ExpiresIn: int64(ttl.Seconds())})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	tok := strings.TrimSpace(header[len(bearer):])
	if tok == "" {
		return "", errors.New("missing bearer token")
	}
	return tok, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
