// Package httpapi serves the workspace over HTTP for editors that prefer it
// to stdio.
package httpapi

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"github.com/xiy/projmem/internal/ledger"
	"github.com/xiy/projmem/internal/metrics"
	"github.com/xiy/projmem/internal/workspace"
)

// RequestSink receives one summary per handled request.
type RequestSink interface {
	LogRequest(ctx context.Context, rec ledger.Request) error
}

// NewRouter creates the chi router with all routes and middleware. m and
// sink may be nil.
func NewRouter(ws *workspace.Workspace, m *metrics.Metrics, sink RequestSink, logger *log.Logger) *chi.Mux {
	if logger == nil {
		logger = log.Default()
	}
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))
	r.Use(Ledger(sink, logger))

	healthH := &healthHandler{ws: ws}
	aiH := &aiHandler{ws: ws, logger: logger}
	projectH := &projectHandler{ws: ws, logger: logger}

	r.Get("/health", healthH.Health)
	r.Method("GET", "/metrics", m.Handler())

	r.Route("/ai", func(r chi.Router) {
		r.Post("/messages", aiH.Send)
		r.Get("/providers", aiH.Providers)
		r.Put("/providers/{id}", aiH.SetProvider)
		r.Post("/providers/current/test", aiH.TestConnection)
		r.Get("/models", aiH.Models)
		r.Get("/diagnose", aiH.Diagnose)
		r.Post("/tasks", aiH.RunTask)
		r.Get("/history", aiH.History)
		r.Put("/history", aiH.ImportHistory)
		r.Delete("/history", aiH.ClearHistory)
	})

	r.Route("/projects", func(r chi.Router) {
		r.Get("/", projectH.List)
		r.Post("/open", projectH.Open)
		r.Get("/state", projectH.Load)
		r.Put("/state", projectH.Save)
		r.Delete("/state", projectH.Delete)
		r.Patch("/metadata", projectH.UpdateMetadata)
	})

	return r
}
