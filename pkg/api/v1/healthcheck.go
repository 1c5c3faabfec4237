package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mcp-ambassador/ambassador/pkg/logger"
	"github.com/mcp-ambassador/ambassador/pkg/storage"
)

// HealthcheckRoutes reports aggregate liveness only; no topology or
// per-server detail crosses this endpoint.
type HealthcheckRoutes struct {
	store storage.Store
}

// HealthcheckRouter creates the router for the health endpoint.
func HealthcheckRouter(store storage.Store) http.Handler {
	routes := HealthcheckRoutes{store: store}

	r := chi.NewRouter()
	r.Get("/", routes.health)
	return r
}

func (h *HealthcheckRoutes) health(w http.ResponseWriter, r *http.Request) {
	// The seeded all-users group doubles as a cheap storage probe.
	if _, err := h.store.Groups().GetByName(r.Context(), storage.AllUsersGroup); err != nil {
		logger.Errorw("health check storage probe failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
