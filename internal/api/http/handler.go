package http

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/merkledb/merkledb/internal/cid"
	"github.com/merkledb/merkledb/internal/logging"
	"github.com/merkledb/merkledb/internal/schema"
	"github.com/merkledb/merkledb/internal/table"
)

// Options configures a Handler.
type Options struct {
	Logger logrus.FieldLogger

	// Gatherer serves /metrics. The route is absent when nil.
	Gatherer prometheus.Gatherer

	// OnSave is called with every root saved through the API
	OnSave func(ctx context.Context, root cid.CID) error

	// Middleware wraps every /v1 route, outermost first
	Middleware []func(http.Handler) http.Handler

	// Done ends open watch streams when closed
	Done <-chan struct{}
}

// Handler serves one schema.
type Handler struct {
	schema *schema.Schema
	logger logrus.FieldLogger
	opts   Options
}

// NewHandler creates a handler for s.
func NewHandler(s *schema.Schema, opts Options) *Handler {
	return &Handler{
		schema: s,
		logger: logging.OrDiscard(opts.Logger).WithField("component", "http"),
		opts:   opts,
	}
}

// Routes returns the HTTP routes of the API.
func (h *Handler) Routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/tables", h.createTable)
	api.HandleFunc("POST /v1/tables/{table}/rows", h.withTable(h.insert))
	api.HandleFunc("POST /v1/tables/{table}/bulk", h.withTable(h.bulkInsert))
	api.HandleFunc("POST /v1/tables/{table}/upsert", h.withTable(h.upsert))
	api.HandleFunc("POST /v1/tables/{table}/query", h.withTable(h.query))
	api.HandleFunc("POST /v1/tables/{table}/delete", h.withTable(h.delete))
	api.HandleFunc("POST /v1/tables/{table}/flush", h.withTable(h.flush))
	api.HandleFunc("GET /v1/tables/{table}/index/{index}", h.withTable(h.findByIndex))
	api.HandleFunc("GET /v1/tables/{table}/aggregate/{field}", h.withTable(h.aggregate))
	api.HandleFunc("GET /v1/tables/{table}/stats", h.withTable(h.stats))
	api.HandleFunc("POST /v1/schema/save", h.save)
	api.HandleFunc("GET /v1/schema", h.describe)
	api.HandleFunc("GET /v1/watch", h.watch)

	middleware := append([]func(http.Handler) http.Handler{
		RecoveryMiddleware(h.logger),
		RequestIDMiddleware,
		LoggingMiddleware(h.logger),
	}, h.opts.Middleware...)

	mux := http.NewServeMux()
	mux.Handle("/v1/", ChainMiddleware(middleware...)(api))
	mux.HandleFunc("GET /health", h.health)
	if h.opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (h *Handler) withTable(fn func(http.ResponseWriter, *http.Request, *table.Table)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := h.schema.Table(r.PathValue("table"))
		if err != nil {
			fail(w, r, err)
			return
		}
		fn(w, r, t)
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"schema": h.schema.Name(),
	})
}
