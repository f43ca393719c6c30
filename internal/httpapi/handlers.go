package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"obligo.org/internal/approvals"
	"obligo.org/internal/audit"
	"obligo.org/internal/claims"
	"obligo.org/internal/core"
	"obligo.org/internal/directory"
	"obligo.org/internal/identity"
	"obligo.org/internal/obs"
	"obligo.org/internal/stream"
	"obligo.org/internal/token"
)

// ReadyProbe checks external dependencies (archive database) for readiness.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the ledger node.
type API struct {
	mux        *http.ServeMux
	node       *core.Node
	events     *stream.Stream
	readyProbe ReadyProbe
	admin      identity.Address
	version    string

	rateBurst  int
	ratePerSec int
	maxBody    int64
}

func New(rp ReadyProbe, version string, node *core.Node, events *stream.Stream, admin identity.Address) *API {
	a := &API{
		mux:        http.NewServeMux(),
		node:       node,
		events:     events,
		readyProbe: rp,
		admin:      admin,
		version:    version,
		rateBurst:  20,
		ratePerSec: 10,
		maxBody:    1 << 20,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// auth
	a.mux.HandleFunc("/v1/auth/token", a.handleToken)

	// claims
	a.mux.HandleFunc("/v1/claims", a.handleClaimsCollection)
	a.mux.HandleFunc("/v1/claims/current-id", a.handleCurrentClaimID)
	a.mux.HandleFunc("/v1/claims/", a.handleClaimResource)

	// approvals
	a.mux.HandleFunc("/v1/approvals", a.handleApprovalsQuery)
	a.mux.HandleFunc("/v1/approvals/", a.handleApprovalFamily)

	// batch
	a.mux.HandleFunc("/v1/batch", a.handleBatch)

	// controller directory
	a.mux.HandleFunc("/v1/directory", a.handleDirectoryCollection)
	a.mux.HandleFunc("/v1/directory/", a.handleDirectoryResource)

	// balances and provisioning
	a.mux.HandleFunc("/v1/balances/", a.handleBalance)
	a.mux.HandleFunc("/v1/mint", a.handleMint)

	// admin
	a.mux.HandleFunc("/v1/admin/lock", a.handleLock)

	// event streams
	a.mux.HandleFunc("/v1/stream", a.Stream)
	a.mux.HandleFunc("/v1/stream/ws", a.StreamWS)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "obligo-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	d := a.node.Domain()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "obligo-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
		"domain": map[string]any{
			"name":      d.Name,
			"version":   d.Version,
			"ledger_id": d.LedgerID,
			"registry":  d.Registry.Hex(),
		},
	})
}

func (a *API) audit(ctx context.Context, event, entity, id string, meta map[string]string) {
	fields := map[string]any{
		"entity":    entity,
		"entity_id": id,
	}
	for k, v := range meta {
		fields[k] = v
	}
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.LogWarn("audit log failed", map[string]any{"error": err.Error()})
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleDomainError maps ledger error classes onto HTTP status codes.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, claims.ErrNotFound),
		errors.Is(err, directory.ErrUnknownController):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, claims.ErrValidation),
		errors.Is(err, approvals.ErrInvalidParams),
		errors.Is(err, token.ErrInvalidAmount),
		errors.Is(err, directory.ErrEmptyName),
		errors.Is(err, core.ErrUnknownOp),
		errors.Is(err, core.ErrBadParams):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, claims.ErrAuthorization),
		errors.Is(err, approvals.ErrNotAuthorized),
		errors.Is(err, approvals.ErrInvalidSignature):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, claims.ErrState),
		errors.Is(err, approvals.ErrPastDeadline),
		errors.Is(err, token.ErrInsufficientFunds),
		errors.Is(err, token.ErrSelfTransfer):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, claims.ErrPolicy):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
