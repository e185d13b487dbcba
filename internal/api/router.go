package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/lexarchive/internal/catalog"
	"github.com/starford/lexarchive/internal/ingest"
)

// Runner starts ingestion runs in the background.
type Runner interface {
	Start(ctx context.Context, req ingest.Request, done func(ingest.Summary, error)) (string, error)
	Running() bool
}

// Deps are the collaborators of the API.
type Deps struct {
	Catalog *catalog.Service
	// Runner, if nil, disables the run endpoints.
	Runner Runner
	// RunContext bounds runs started over HTTP; it outlives the request.
	RunContext context.Context
	// Events, if non-nil, is mounted at GET /events.
	Events      http.Handler
	AuthEnabled bool
	Token       string
}

// NewRouter creates a chi router with all API routes mounted.
func NewRouter(d Deps) chi.Router {
	h := NewHandler(d.Catalog, d.Runner, d.RunContext)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(d.AuthEnabled, d.Token))

	r.Get("/instruments", h.ListInstruments)
	r.Route("/instruments/{instrument}/fragments/{code}", func(r chi.Router) {
		r.Get("/", h.GetFragment)
		r.Get("/current", h.GetCurrent)
		r.Get("/snapshots", h.ListSnapshots)
		r.Get("/annexes", h.ListAnnexes)
	})
	r.Get("/queries/{name}", h.Query)

	r.Get("/stats", h.Stats)
	r.Get("/verify", h.Verify)

	r.Post("/runs", h.StartRun)
	r.Get("/runs/current", h.RunStatus)

	if d.Events != nil {
		r.Get("/events", d.Events.ServeHTTP)
	}
	return r
}
