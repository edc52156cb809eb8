package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/riptide/rgec/pkg/version"
)

// Transport-level error codes. These identify failures the request never got
// far enough to reach internal/types.Code for - the request was refused by a
// middleware before the core ever saw it.
const (
	codeUnauthorized = "unauthorized"
	codeRateLimited  = "rate_limited"
	codeTimeout      = "request_timeout"
	codeInternal     = "internal_error"
)

// errorResponse represents a consistent error response format for failures
// raised by middleware rather than the Core facade.
type errorResponse struct {
	Status    string `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	StartTime int64  `json:"startTimestamp"`
	EndTime   int64  `json:"endTimestamp"`
	Version   string `json:"version"`
}

// writeErrorResponse writes a consistent error response with proper fields.
// startTime should be the time when the request started processing.
func writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string, startTime time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := errorResponse{
		Status:    "error",
		Code:      code,
		Message:   message,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Str("message", message).Msg("failed to encode middleware error response")
	}
}
