package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/xiy/projmem/internal/workspace"
	"github.com/xiy/projmem/pkg/types"
)

type projectHandler struct {
	ws     *workspace.Workspace
	logger *log.Logger
}

func pathParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	p, err := workspace.ResolvePath(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "path is required")
		return "", false
	}
	return p, true
}

// List handles GET /projects?q=&limit=. Without q it lists by recency.
func (h *projectHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var recs []types.ProjectMemoryRecord
	switch {
	case strings.TrimSpace(q) != "":
		recs = h.ws.Memory().Search(r.Context(), q)
	case limit > 0:
		recs = h.ws.Memory().Recent(r.Context(), limit)
	default:
		recs = h.ws.Memory().List(r.Context())
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	writeJSON(w, http.StatusOK, types.Summaries(recs))
}

type openRequest struct {
	ProjectPath string `json:"projectPath"`
}

// Open handles POST /projects/open
func (h *projectHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.ProjectPath) == "" {
		writeError(w, http.StatusBadRequest, "projectPath is required")
		return
	}
	rec, found, err := h.ws.OpenProject(r.Context(), req.ProjectPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out := map[string]any{"found": found, "project": h.ws.ActiveProject()}
	if found {
		out["record"] = rec.Summary()
	}
	writeJSON(w, http.StatusOK, out)
}

// Load handles GET /projects/state?path=
func (h *projectHandler) Load(w http.ResponseWriter, r *http.Request) {
	path, ok := pathParam(w, r)
	if !ok {
		return
	}
	rec, found := h.ws.LoadProjectState(r.Context(), path)
	if !found {
		writeError(w, http.StatusNotFound, "no memory for "+path)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type saveRequest struct {
	ProjectPath string             `json:"projectPath"`
	State       types.ProjectState `json:"state"`
}

// Save handles PUT /projects/state
func (h *projectHandler) Save(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	path, err := workspace.ResolvePath(req.ProjectPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, "projectPath is required")
		return
	}
	if !h.ws.SaveProjectState(r.Context(), path, req.State) {
		writeError(w, http.StatusInternalServerError, "save failed for "+path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

// Delete handles DELETE /projects/state?path=
func (h *projectHandler) Delete(w http.ResponseWriter, r *http.Request) {
	path, ok := pathParam(w, r)
	if !ok {
		return
	}
	if !h.ws.Memory().Delete(r.Context(), path) {
		writeError(w, http.StatusInternalServerError, "delete failed for "+path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateMetadata handles PATCH /projects/metadata?path=
func (h *projectHandler) UpdateMetadata(w http.ResponseWriter, r *http.Request) {
	path, ok := pathParam(w, r)
	if !ok {
		return
	}
	var patch types.MetadataPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !h.ws.Memory().UpdateMetadata(r.Context(), path, patch) {
		writeError(w, http.StatusNotFound, "no memory for "+path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}
