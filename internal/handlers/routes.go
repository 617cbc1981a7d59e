package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Routes collects what NewRouter mounts. Nil handlers are not registered.
type Routes struct {
	MetaWebhookPath      string
	EvolutionWebhookPath string

	Meta      *MetaHandler
	Evolution *EvolutionHandler
	Agent     *AgentHandler
	Dispatch  *DispatchHandler
	Health    Pinger
}

func NewRouter(rt Routes) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", healthHandler(rt.Health)).Methods(http.MethodGet)

	if rt.Meta != nil {
		path := orDefault(rt.MetaWebhookPath, "/webhooks/meta")
		r.HandleFunc(path, rt.Meta.Verify).Methods(http.MethodGet)
		r.HandleFunc(path, rt.Meta.Handle).Methods(http.MethodPost)
		log.Info().Str("path", path).Msg("Registered Meta webhook handler")
	}
	if rt.Evolution != nil {
		path := orDefault(rt.EvolutionWebhookPath, "/webhooks/evolution")
		r.HandleFunc(path, rt.Evolution.Handle).Methods(http.MethodPost)
		log.Info().Str("path", path).Msg("Registered Evolution webhook handler")
	}
	if rt.Agent != nil {
		r.HandleFunc("/agent/process", rt.Agent.Process).Methods(http.MethodPost)
	}
	if rt.Dispatch != nil {
		admin := r.PathPrefix("/admin/dispatch").Subrouter()
		admin.HandleFunc("/status", rt.Dispatch.Status).Methods(http.MethodGet)
		admin.HandleFunc("/tasks", rt.Dispatch.Tasks).Methods(http.MethodGet)
		admin.HandleFunc("/tasks/{taskId}", rt.Dispatch.Task).Methods(http.MethodGet)
		admin.HandleFunc("/retry", rt.Dispatch.Retry).Methods(http.MethodPost)
		admin.HandleFunc("/retry/{taskId}", rt.Dispatch.Retry).Methods(http.MethodPost)
	}
	return r
}

func healthHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				log.Error().Err(err).Msg("Health check failed")
				respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": err.Error()})
				return
			}
		}
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
