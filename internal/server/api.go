package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/nholik/compose-medic/internal/diagnostics"
	"github.com/nholik/compose-medic/internal/health"
	"github.com/nholik/compose-medic/internal/recovery"
	"github.com/nholik/compose-medic/internal/topology"
)

// Operator is the query and command surface exposed over HTTP.
type Operator interface {
	Graph() *topology.Graph
	Snapshots() map[string]health.Snapshot
	Streaks() []recovery.Streak
	Streak(service string) (recovery.Streak, bool)
	Reset(ctx context.Context, service string) error
	Force(ctx context.Context, service string, action recovery.Action) (recovery.Streak, error)
	Collect(ctx context.Context, service string) (diagnostics.Bundle, error)
	Bundles(ctx context.Context) ([]diagnostics.Entry, error)
	Bundle(ctx context.Context, id string) (diagnostics.Bundle, error)
	Reload(ctx context.Context) (bool, error)
}

// ServiceView is one service as reported by the API.
type ServiceView struct {
	topology.ServiceDescriptor
	Snapshot *health.Snapshot `json:"snapshot,omitempty"`
	Streak   *recovery.Streak `json:"streak,omitempty"`
}

// ServicesResponse is the body of GET /api/v1/services.
type ServicesResponse struct {
	Status   health.Status `json:"status"`
	Failing  []string      `json:"failing"`
	Services []ServiceView `json:"services"`
}

// TopologyResponse is the body of GET /api/v1/topology.
type TopologyResponse struct {
	Order    []string                     `json:"order"`
	Services []topology.ServiceDescriptor `json:"services"`
}

type errorResponse struct {
	Error string `json:"error"`
}

const (
	commandRateLimit  = 30
	commandRateWindow = time.Minute
)

type api struct {
	logger zerolog.Logger
	op     Operator
}

func mountAPI(r chi.Router, logger zerolog.Logger, op Operator) {
	a := &api{logger: logger, op: op}
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/services", a.listServices)
		r.Get("/services/{name}", a.getService)
		r.Get("/streaks", a.listStreaks)
		r.Get("/topology", a.getTopology)
		r.Get("/diagnostics", a.listBundles)
		r.Get("/diagnostics/{id}", a.getBundle)

		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitAll(commandRateLimit, commandRateWindow))
			r.Post("/services/{name}/reset", a.reset)
			r.Post("/services/{name}/actions/{action}", a.force)
			r.Post("/services/{name}/diagnostics", a.collect)
			r.Post("/topology/reload", a.reload)
		})
	})
}

func (a *api) listServices(w http.ResponseWriter, _ *http.Request) {
	graph := a.op.Graph()
	snapshots := a.op.Snapshots()
	streaks := make(map[string]recovery.Streak)
	for _, s := range a.op.Streaks() {
		streaks[s.Service] = s
	}

	summary := health.Summarize(graph, snapshots)
	resp := ServicesResponse{Status: summary.Status, Failing: summary.Failing, Services: []ServiceView{}}
	if resp.Failing == nil {
		resp.Failing = []string{}
	}
	for _, name := range graph.Order() {
		desc, _ := graph.Descriptor(name)
		resp.Services = append(resp.Services, view(desc, snapshots, streaks))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) getService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	desc, ok := a.op.Graph().Descriptor(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown service "+name)
		return
	}
	streaks := make(map[string]recovery.Streak, 1)
	if s, ok := a.op.Streak(name); ok {
		streaks[name] = s
	}
	writeJSON(w, http.StatusOK, view(desc, a.op.Snapshots(), streaks))
}

func (a *api) listStreaks(w http.ResponseWriter, _ *http.Request) {
	streaks := a.op.Streaks()
	if streaks == nil {
		streaks = []recovery.Streak{}
	}
	writeJSON(w, http.StatusOK, streaks)
}

func (a *api) getTopology(w http.ResponseWriter, _ *http.Request) {
	graph := a.op.Graph()
	resp := TopologyResponse{Order: graph.Order(), Services: []topology.ServiceDescriptor{}}
	for _, name := range resp.Order {
		desc, _ := graph.Descriptor(name)
		resp.Services = append(resp.Services, desc)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) listBundles(w http.ResponseWriter, r *http.Request) {
	entries, err := a.op.Bundles(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *api) getBundle(w http.ResponseWriter, r *http.Request) {
	bundle, err := a.op.Bundle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (a *api) reset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.op.Reset(r.Context(), name); err != nil {
		a.fail(w, r, err)
		return
	}
	a.logger.Info().Str("service", name).Msg("operator reset streak")
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) force(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	action, err := recovery.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	streak, err := a.op.Force(r.Context(), name, action)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.logger.Info().Str("service", name).Str("action", string(action)).Msg("operator forced action")
	writeJSON(w, http.StatusAccepted, streak)
}

func (a *api) collect(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := a.op.Graph().Descriptor(name); !ok {
		writeError(w, http.StatusNotFound, "unknown service "+name)
		return
	}
	bundle, err := a.op.Collect(r.Context(), name)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bundle)
}

func (a *api) reload(w http.ResponseWriter, r *http.Request) {
	changed, err := a.op.Reload(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	var configErr *topology.ConfigError
	switch {
	case errors.Is(err, recovery.ErrUnknownService),
		errors.Is(err, recovery.ErrNoStreak),
		errors.Is(err, diagnostics.ErrBundleNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &configErr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		a.logger.Error().Err(err).Str("path", r.URL.Path).Msg("operator request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func view(desc topology.ServiceDescriptor, snapshots map[string]health.Snapshot, streaks map[string]recovery.Streak) ServiceView {
	v := ServiceView{ServiceDescriptor: desc}
	if snap, ok := snapshots[desc.Name]; ok {
		v.Snapshot = &snap
	}
	if streak, ok := streaks[desc.Name]; ok {
		v.Streak = &streak
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
