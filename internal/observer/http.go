package observer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/berth-dev/baton/internal/lifecycle"
	"github.com/berth-dev/baton/internal/store"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error   string        `json:"error"`
	Missing []store.Phase `json:"missing,omitempty"`
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var phaseErr *lifecycle.IncompletePhaseError
	switch {
	case errors.As(err, &phaseErr):
		return http.StatusPreconditionFailed
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrUnknownSession),
		errors.Is(err, store.ErrUnknownGroup):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateSession),
		errors.Is(err, store.ErrDuplicateGroup),
		errors.Is(err, store.ErrAlreadyTerminal),
		errors.Is(err, store.ErrNotTerminal),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrGroupBusy),
		errors.Is(err, store.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidInput),
		errors.Is(err, lifecycle.ErrUnknownRule):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	var phaseErr *lifecycle.IncompletePhaseError
	if errors.As(err, &phaseErr) {
		resp.Missing = phaseErr.Missing
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSONStatus(w, status, resp)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		// Allow empty body for requests with no fields.
		return true
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid JSON: %v", err)})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// queryInt parses an integer query parameter, returning def when absent.
func queryInt(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("query parameter %s: %w: %q is not an integer", name, store.ErrInvalidInput, raw)
	}
	return n, nil
}
