package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/tjj9020/kinable-sub001/internal/router"
)

// errorBody is the machine-readable half of a failure envelope.
type errorBody struct {
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// envelope is the uniform JSON wrapper on every response.
type envelope struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

func writeSuccess(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success: false,
		Message: message,
		Error:   &errorBody{Code: code},
	})
}

// writeRouteError maps a routing failure onto an HTTP status and the failure
// envelope. Client-fixable codes map to 4xx; upstream and internal faults map
// to 5xx.
func writeRouteError(w http.ResponseWriter, err error) {
	var perr *router.ProviderError
	if !errors.As(err, &perr) {
		writeError(w, http.StatusInternalServerError, string(router.ErrInternal), err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch perr.Code {
	case router.ErrContent, router.ErrCapability:
		status = http.StatusBadRequest
	case router.ErrRateLimit:
		status = http.StatusTooManyRequests
		if perr.RetryAfter > 0 {
			secs := int(perr.RetryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	case router.ErrTimeout:
		status = http.StatusGatewayTimeout
	case router.ErrAuth:
		status = http.StatusBadGateway
	case router.ErrNoModelAvailable:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, string(perr.Code), perr.Message)
}
