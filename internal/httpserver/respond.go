package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/covertsh/covert/internal/coverterr"
)

// envelope is the wire shape mandated for every logical response: a single
// "data" key on success, a single "error" key on failure.
type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Respond writes {"data": v} with the given status code.
func Respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(envelope{Data: v}); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// RespondError writes {"error": message} with the given status code.
func RespondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(envelope{Error: message}); err != nil {
		slog.Error("encoding error response", "error", err)
	}
}

// RespondErr inspects err's coverterr.Kind (if any) to choose a status code
// and a client-safe message, and writes the error envelope.
func RespondErr(w http.ResponseWriter, err error) {
	RespondError(w, coverterr.Status(err), coverterr.ClientMessage(err))
}
