package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/m-mizutani/goerr/v2"

	"github.com/xiy/projmem/internal/chat"
	"github.com/xiy/projmem/internal/provider"
)

const maxBodyBytes = 8 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	if ew, ok := w.(interface{ setError(string) }); ok {
		ew.setError(msg)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(v)
}

// statusFor maps workspace and provider errors to an HTTP status.
func statusFor(err error) int {
	var cfgErr *provider.ConfigError
	var upErr *provider.UpstreamError
	switch {
	case errors.Is(err, chat.ErrNoProviderSelected):
		return http.StatusConflict
	case errors.Is(err, provider.ErrUnknownProvider):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrUnknownTask), errors.Is(err, chat.ErrNoDiagnostics):
		return http.StatusBadRequest
	case errors.As(err, &cfgErr), errors.Is(err, provider.ErrNotConfigured):
		return http.StatusBadRequest
	case errors.As(err, &upErr), errors.Is(err, provider.ErrMalformedResponse):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// handleError logs err with any goerr values and writes it to the client.
func handleError(w http.ResponseWriter, r *http.Request, logger *log.Logger, err error) {
	status := statusFor(err)
	var ge *goerr.Error
	if errors.As(err, &ge) {
		logger.Error("HTTP error",
			"id", GetRequestID(r.Context()),
			"status", status,
			"error", err.Error(),
			"values", ge.Values(),
			"stack", ge.Stacks(),
		)
	} else {
		logger.Error("HTTP error",
			"id", GetRequestID(r.Context()),
			"status", status,
			"error", err.Error(),
		)
	}
	writeError(w, status, err.Error())
}
