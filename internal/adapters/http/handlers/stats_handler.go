package handlers

import (
	"context"
	"net/http"

	"github.com/JeanGrijp/admission-controller/internal/core/services"
	"github.com/JeanGrijp/admission-controller/internal/logging"
)

// StatsProvider fornece as estatísticas por regra.
type StatsProvider interface {
	Stats(ctx context.Context) ([]services.RuleStats, error)
}

// NewStatsHandler expõe as estatísticas de cada regra em JSON.
func NewStatsHandler(provider StatsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := provider.Stats(r.Context())
		if err != nil {
			logging.FromContext(r.Context()).Error("failed to collect admission stats", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rules": stats})
	}
}
