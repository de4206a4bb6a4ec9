package handlers

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Database  string `json:"database"`
	Cache     string `json:"cache"`
}

// HealthHandler reports process and dependency health. It reads the pool's
// last periodic check and never queries the database itself.
type HealthHandler struct {
	db    HealthChecker
	cache CacheHealth
	now   func() time.Time
}

// NewHealthHandler creates a new health handler. cache may be nil.
func NewHealthHandler(db HealthChecker, cache CacheHealth) *HealthHandler {
	return &HealthHandler{db: db, cache: cache, now: time.Now}
}

// Health handles GET /api/health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		Database:  "healthy",
		Cache:     "disabled",
	}
	if h.db == nil || !h.db.Healthy() {
		resp.Status = "degraded"
		resp.Database = "unhealthy"
	}
	if h.cache != nil && h.cache.Enabled() {
		resp.Cache = "enabled"
	}
	writeJSON(w, http.StatusOK, resp)
}
