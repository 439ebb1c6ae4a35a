// Package controlapi exposes the engine's operational HTTP surface:
// start/stop/pause/resume/halt/undeploy/promote/cutover/status routes
// plus /healthz and /metrics (SPEC_FULL.md §4.0), grounded on the
// teacher's cmd/appserver HTTP service composition.
package controlapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hcengine/integration-engine/internal/engine"
	"github.com/hcengine/integration-engine/internal/engineerr"
	"github.com/hcengine/integration-engine/internal/logging"
	"github.com/hcengine/integration-engine/internal/metrics"
)

// Server wires an *engine.Engine into a chi router.
type Server struct {
	eng     *engine.Engine
	metrics *metrics.Metrics
	log     *logging.Logger
	router  chi.Router
}

// New builds a Server. log may be nil for a default component logger.
func New(eng *engine.Engine, m *metrics.Metrics, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NewDefault("controlapi")
	}
	s := &Server{eng: eng, metrics: m, log: log}
	s.router = s.buildRouter()
	return s
}

// Handler returns the server's http.Handler, suitable for http.Server.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequest)

	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/channels", func(r chi.Router) {
		r.Get("/", s.handleListChannels)
		r.Route("/{channelID}", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Post("/start", s.handleAction(func(ctx context.Context, id string) error { return s.eng.Start(ctx, id) }))
			r.Post("/stop", s.handleAction(func(ctx context.Context, id string) error { return s.eng.Stop(ctx, id) }))
			r.Post("/pause", s.handleAction(func(ctx context.Context, id string) error { return s.eng.Pause(ctx, id) }))
			r.Post("/resume", s.handleAction(func(ctx context.Context, id string) error { return s.eng.Resume(ctx, id) }))
			r.Post("/halt", s.handleAction(func(ctx context.Context, id string) error { return s.eng.Halt(ctx, id) }))
			r.Post("/undeploy", s.handleAction(func(ctx context.Context, id string) error { return s.eng.Undeploy(ctx, id) }))
			r.Post("/promote", s.handlePromote)
		})
	})
	r.Post("/cutover", s.handleCutover)

	return r
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("control api request")
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	ids := s.eng.ChannelIDs()
	out := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		state, _ := s.eng.State(id)
		out = append(out, map[string]interface{}{
			"id":        id,
			"state":     state,
			"promoted":  s.eng.Promoted(id),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"shadowMode": s.eng.ShadowMode(),
		"channels":   out,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "channelID")
	state, ok := s.eng.State(id)
	if !ok {
		writeError(w, engineerr.Configuration("channel "+id+" not deployed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       id,
		"state":    state,
		"promoted": s.eng.Promoted(id),
	})
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "channelID")
	s.eng.Promote(id)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "promoted": "true"})
}

func (s *Server) handleCutover(w http.ResponseWriter, r *http.Request) {
	results := s.eng.Cutover(r.Context())
	out := make(map[string]string, len(results))
	failed := false
	for id, err := range results {
		if err != nil {
			out[id] = err.Error()
			failed = true
		} else {
			out[id] = "ok"
		}
	}
	status := http.StatusOK
	if failed {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]interface{}{"results": out})
}

func (s *Server) handleAction(fn func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "channelID")
		if err := fn(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		state, _ := s.eng.State(id)
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "state": state})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	if engineerr.Is(err, engineerr.CodeConfiguration) {
		status, code = http.StatusNotFound, string(engineerr.CodeConfiguration)
	} else if engineerr.Is(err, engineerr.CodeConflict) {
		status, code = http.StatusConflict, string(engineerr.CodeConflict)
	} else if engineerr.Is(err, engineerr.CodeHalted) {
		status, code = http.StatusConflict, string(engineerr.CodeHalted)
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}
