package httpapi

import (
	"net/http"
	"strconv"

	"obligo.org/internal/core"
)

type batchRequest struct {
	RevertOnFailure bool        `json:"revert_on_failure"`
	Calls           []core.Call `json:"calls"`
}

type batchResponse struct {
	OK      bool              `json:"ok"`
	Error   string            `json:"error,omitempty"`
	Results []core.CallResult `json:"results"`
}

const maxBatchCalls = 100

func (a *API) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Calls) > maxBatchCalls {
		writeError(w, r, http.StatusBadRequest, "too many batch calls")
		return
	}

	results, err := a.node.ExecuteBatch(r.Context(), caller, req.Calls, req.RevertOnFailure)
	if results == nil {
		results = []core.CallResult{}
	}
	resp := batchResponse{OK: err == nil, Results: results}
	if err != nil {
		resp.Error = err.Error()
	}

	a.audit(r.Context(), "batch.execute", "batch", strconv.Itoa(len(req.Calls)), map[string]string{
		"revert_on_failure": strconv.FormatBool(req.RevertOnFailure),
		"ok":                strconv.FormatBool(err == nil),
	})

	// an atomic failure is reported with the status of its first error
	if err != nil && req.RevertOnFailure {
		writeJSON(w, batchFailureStatus(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// batchFailureStatus maps the failing call's error class using the same rules
// as single operations.
func batchFailureStatus(err error) int {
	rec := statusRecorder{}
	handleDomainError(&rec, &http.Request{}, err)
	return rec.code
}

type statusRecorder struct {
	header http.Header
	code   int
}

func (s *statusRecorder) Header() http.Header {
	if s.header == nil {
		s.header = make(http.Header)
	}
	return s.header
}

func (s *statusRecorder) Write(b []byte) (int, error) { return len(b), nil }
func (s *statusRecorder) WriteHeader(code int)        { s.code = code }
