package httpapi

import (
	"net/http"

	"github.com/xiy/projmem/internal/workspace"
)

type healthHandler struct {
	ws *workspace.Workspace
}

type healthResponse struct {
	Status   string `json:"status"`
	Project  string `json:"project,omitempty"`
	Provider string `json:"provider,omitempty"`
}

func (h *healthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Project: h.ws.ActiveProject()}
	if info, ok := h.ws.Session().CurrentProvider(); ok {
		resp.Provider = info.ID
	}
	writeJSON(w, http.StatusOK, resp)
}
