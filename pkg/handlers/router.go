package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Handlers bundles every API handler.
type Handlers struct {
	Query      *QueryHandler
	Index      *IndexHandler
	Experiment *ExperimentHandler
	Health     *HealthHandler
}

// Register mounts the API routes on r.
func (h *Handlers) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", h.Health.Health).Methods(http.MethodGet)
	api.HandleFunc("/query", h.Query.RunQuery).Methods(http.MethodPost)
	api.HandleFunc("/sql", h.Query.RunSQL).Methods(http.MethodPost)
	api.HandleFunc("/manage-index", h.Index.ManageIndex).Methods(http.MethodPost)
	api.HandleFunc("/modify-data", h.Experiment.ModifyData).Methods(http.MethodPost)
	api.HandleFunc("/experiments", h.Experiment.Catalog).Methods(http.MethodGet)
	api.HandleFunc("/experiments/{family}/seeded", h.Experiment.CheckSeeded).Methods(http.MethodGet)
	api.HandleFunc("/experiments/{family}/steps/{step}", h.Experiment.RunStep).Methods(http.MethodPost)
}

// NewRouter returns a router with every API route mounted.
func NewRouter(h *Handlers) *mux.Router {
	r := mux.NewRouter()
	h.Register(r)
	return r
}
