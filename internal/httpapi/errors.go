package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/ocx/vessel-relay/internal/relayerr"
)

// statusFor maps a relayerr.Kind to the HTTP status spec.md §7 assigns
// it. This is the single translation point the design notes call for.
func statusFor(kind relayerr.Kind) int {
	switch kind {
	case relayerr.KindAuthFailure:
		return http.StatusUnauthorized
	case relayerr.KindGateDenied, relayerr.KindCrossAgent:
		return http.StatusForbidden
	case relayerr.KindRateLimited:
		return http.StatusTooManyRequests
	case relayerr.KindValidation:
		return http.StatusBadRequest
	case relayerr.KindApexUnreach:
		return http.StatusBadGateway
	case relayerr.KindCapacity:
		return http.StatusConflict
	case relayerr.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError translates err into a JSON error body and status code. A
// bare (non-relayerr) error is treated as internal.
func writeError(w http.ResponseWriter, err error) {
	if re, ok := relayerr.As(err); ok {
		status := re.StatusCode
		if status == 0 {
			status = statusFor(re.Kind)
		}
		writeJSON(w, status, map[string]string{"error": re.Message, "kind": string(re.Kind)})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
