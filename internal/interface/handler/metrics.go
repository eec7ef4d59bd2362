package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"protero/internal/domain"
	"protero/internal/usecase"
)

const prometheusContentType = "text/plain; version=0.0.4; charset=utf-8"

// MetricsHandler はメトリクスサーバーのエンドポイントを提供する.
// 読み取り専用で, GET と HEAD 以外は 405 を返す.
type MetricsHandler struct {
	metricsUseCase *usecase.MetricsUseCase
	logger         domain.Logger
}

func NewMetricsHandler(
	metricsUseCase *usecase.MetricsUseCase, logger domain.Logger,
) *MetricsHandler {
	return &MetricsHandler{
		metricsUseCase: metricsUseCase,
		logger:         logger,
	}
}

// Routes はメトリクスサーバーのルーティングを返す
func (h *MetricsHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", readOnly(h.HandleMetrics))
	mux.Handle("/stats", readOnly(h.HandleStats))
	mux.Handle("/health", readOnly(h.HandleHealth))
	return mux
}

// HandleMetrics はPrometheus形式のテキストを返す
func (h *MetricsHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	body, err := h.metricsUseCase.GetPrometheusMetrics(r.Context())
	if err != nil {
		h.logger.Error("Failed to get metrics", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", prometheusContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Write([]byte(body))
}

// HandleStats はスナップショットをJSONで返す
func (h *MetricsHandler) HandleStats(w http.ResponseWriter, _ *http.Request) {
	snapshot, err := h.metricsUseCase.GetMetricsSnapshot()
	if err != nil {
		h.logger.Error("Failed to get metrics snapshot", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, snapshot)
}

type healthStatus struct {
	Status    string    `json:"status"`
	StartTime time.Time `json:"start_time,omitempty"`
	Uptime    string    `json:"uptime,omitempty"`
}

// HandleHealth は稼働状況を返す. スナップショットが取れなければ 503.
func (h *MetricsHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	snapshot, err := h.metricsUseCase.GetMetricsSnapshot()
	if err != nil {
		h.logger.Warn("Health check degraded", map[string]interface{}{
			"error": err.Error(),
		})
		h.writeJSON(w, http.StatusServiceUnavailable, healthStatus{Status: "degraded"})
		return
	}
	h.writeJSON(w, http.StatusOK, healthStatus{
		Status:    "up",
		StartTime: snapshot.StartTime,
		Uptime:    snapshot.Uptime,
	})
}

func (h *MetricsHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode metrics", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	w.Write(append(b, '\n'))
}

func readOnly(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	})
}
