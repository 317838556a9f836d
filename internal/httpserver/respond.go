package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/wisbric/storeforge/internal/apperror"
)

// errorEnvelope is the wire shape for a failed request.
type errorEnvelope struct {
	RequestID string         `json:"requestId"`
	Error     *apperror.Error `json:"error"`
}

// Respond writes data as JSON, merged with the request id from context.
func Respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	body := map[string]any{"requestId": RequestIDFromContext(r.Context())}
	if m, err := toMap(data); err == nil {
		for k, v := range m {
			body[k] = v
		}
	} else if data != nil {
		body["data"] = data
	}

	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func toMap(data any) (map[string]any, error) {
	if data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// RespondAppError writes err in the shared {requestId, error} envelope. Any
// error not already an *apperror.Error is logged with full detail and mapped
// to a safe INTERNAL_ERROR response.
func RespondAppError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	e := apperror.As(err)
	if e.Code == "INTERNAL_ERROR" {
		logger.Error("unhandled error", "error", err, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		RequestID: RequestIDFromContext(r.Context()),
		Error:     e,
	})
}
