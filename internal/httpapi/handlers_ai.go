package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"github.com/xiy/projmem/internal/chat"
	"github.com/xiy/projmem/internal/config"
	"github.com/xiy/projmem/internal/provider"
	"github.com/xiy/projmem/internal/workspace"
	"github.com/xiy/projmem/pkg/types"
)

type aiHandler struct {
	ws     *workspace.Workspace
	logger *log.Logger
}

type sendRequest struct {
	Message string               `json:"message"`
	Context types.MessageContext `json:"context"`
}

// Send handles POST /ai/messages
func (h *aiHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	resp, err := h.ws.SendMessage(r.Context(), req.Message, req.Context)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Providers handles GET /ai/providers
func (h *aiHandler) Providers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ws.Providers())
}

// SetProvider handles PUT /ai/providers/{id}. The body is a provider
// section; an empty body is an empty section.
func (h *aiHandler) SetProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var sec config.ProviderSection
	if err := decodeJSON(r, &sec); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	cfg, err := provider.ConfigFromSection(id, sec)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}
	if _, err := h.ws.SetProvider(r.Context(), id, cfg); err != nil {
		handleError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "provider": id})
}

// TestConnection handles POST /ai/providers/current/test
func (h *aiHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"connected": h.ws.TestConnection(r.Context())})
}

// Models handles GET /ai/models
func (h *aiHandler) Models(w http.ResponseWriter, r *http.Request) {
	models := h.ws.Models(r.Context())
	if models == nil {
		models = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"models": models})
}

// Diagnose handles GET /ai/diagnose?provider={id}. Without provider the
// current one is checked.
func (h *aiHandler) Diagnose(w http.ResponseWriter, r *http.Request) {
	eps, err := h.ws.Session().Diagnose(r.Context(), r.URL.Query().Get("provider"))
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": eps})
}

// RunTask handles POST /ai/tasks
func (h *aiHandler) RunTask(w http.ResponseWriter, r *http.Request) {
	var req chat.TaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}
	res, err := h.ws.Session().RunTask(r.Context(), req)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// History handles GET /ai/history
func (h *aiHandler) History(w http.ResponseWriter, r *http.Request) {
	data, err := h.ws.Session().Export()
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ImportHistory handles PUT /ai/history
func (h *aiHandler) ImportHistory(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := decodeJSON(r, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.ws.Session().Import(raw); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"messages": len(h.ws.Session().History())})
}

// ClearHistory handles DELETE /ai/history
func (h *aiHandler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	h.ws.Session().Clear()
	w.WriteHeader(http.StatusNoContent)
}
