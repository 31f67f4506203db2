package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dmitrymomot/jobqueue/pkg/environment"
	"github.com/dmitrymomot/jobqueue/pkg/logger"
	"github.com/dmitrymomot/jobqueue/pkg/requestid"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type dataResponse struct {
	Data any `json:"data"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, v any) {
	writeJSON(w, http.StatusOK, dataResponse{Data: v})
}

// writeError answers with the status of err; fallback is the message of unexpected errors
func writeError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error, fallback string) {
	ctx := r.Context()
	code, msg := statusFor(err, fallback)

	body := ErrorResponse{Error: msg, RequestID: requestid.FromContext(ctx)}
	if !environment.IsProduction(ctx) && err.Error() != msg {
		body.Details = err.Error()
	}

	if code >= http.StatusInternalServerError {
		log.ErrorContext(ctx, msg,
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			logger.Error(err))
	} else {
		log.DebugContext(ctx, msg, slog.Int("status", code), logger.Error(err))
	}
	writeJSON(w, code, body)
}
