package monitor

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/snapmatch-ai/snapmatch/pkg/observability"
)

// Handler serves the pull-based summary surface as JSON.
type Handler struct {
	monitor *Monitor
	logger  observability.Logger
}

// NewHandler creates a Handler over monitor. A nil logger falls back to
// a no-op logger.
func NewHandler(monitor *Monitor, logger observability.Logger) *Handler {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Handler{monitor: monitor, logger: logger}
}

type summaryResponse struct {
	Timestamp time.Time          `json:"timestamp"`
	Stages    map[string]Summary `json:"stages"`
}

// ServeHTTP writes the current per-stage summaries. A `stage` query
// parameter narrows the response to one stage.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := summaryResponse{Timestamp: time.Now().UTC()}
	if stage := r.URL.Query().Get("stage"); stage != "" {
		resp.Stages = map[string]Summary{stage: h.monitor.Summary(stage)}
	} else {
		resp.Stages = h.monitor.SnapshotAll()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn("failed to encode summary response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
