package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Brownie44l1/flower-api/internal/labels"
	"github.com/Brownie44l1/flower-api/internal/metrics"
	"github.com/Brownie44l1/flower-api/internal/predict"
	"github.com/Brownie44l1/flower-api/internal/preprocess"
)

// RequestIDHeader carries the per-request id echoed back to clients.
const RequestIDHeader = "X-Request-ID"

type Handler struct {
	service        *predict.Service
	metrics        *metrics.Metrics
	gatherer       prometheus.Gatherer
	logger         *zap.Logger
	maxUploadBytes int64
}

func NewHandler(service *predict.Service, m *metrics.Metrics, gatherer prometheus.Gatherer, logger *zap.Logger, maxUploadBytes int64) *Handler {
	return &Handler{
		service:        service,
		metrics:        m,
		gatherer:       gatherer,
		logger:         logger,
		maxUploadBytes: maxUploadBytes,
	}
}

// Routes returns the HTTP surface wrapped in CORS and request-id middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.instrument("/", h.Home))
	mux.HandleFunc("GET /health", h.instrument("/health", h.Health))
	mux.HandleFunc("POST /predict", h.instrument("/predict", h.Predict))
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	return enableCORS(withRequestID(mux))
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+RequestIDHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) instrument(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		duration := time.Since(start)

		h.logger.Info("request",
			zap.String("request_id", r.Header.Get(RequestIDHeader)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", duration))
		h.metrics.Requests.WithLabelValues(path, r.Method, strconv.Itoa(rec.status)).Inc()
		h.metrics.RequestDuration.WithLabelValues(path).Observe(duration.Seconds())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "API Flower Identifier Online"})
}

type healthResponse struct {
	Status       string `json:"status"`
	ModelLoaded  bool   `json:"model_loaded"`
	LabelsLoaded bool   `json:"labels_loaded"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:       "healthy",
		ModelLoaded:  h.service.ModelLoaded(),
		LabelsLoaded: h.service.Catalog().State() == labels.Loaded,
	})
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With(zap.String("request_id", r.Header.Get(RequestIDHeader)))

	if !h.service.ModelLoaded() {
		h.metrics.Predictions.WithLabelValues(metrics.OutcomeModelNotLoaded).Inc()
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: predict.ErrModelNotLoaded.Error()})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		h.metrics.Predictions.WithLabelValues(metrics.OutcomeInvalidInput).Inc()
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to parse form"})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.metrics.Predictions.WithLabelValues(metrics.OutcomeInvalidInput).Inc()
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "no image file provided, use 'file' as the form field name"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.metrics.Predictions.WithLabelValues(metrics.OutcomeInvalidInput).Inc()
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read uploaded file"})
		return
	}

	logger.Debug("received file", zap.String("filename", header.Filename), zap.Int64("size", header.Size))

	start := time.Now()
	result, err := h.service.Predict(r.Context(), data)
	h.metrics.InferenceDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		h.metrics.Predictions.WithLabelValues(metrics.OutcomeSuccess).Inc()
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, predict.ErrModelNotLoaded):
		h.metrics.Predictions.WithLabelValues(metrics.OutcomeModelNotLoaded).Inc()
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case errors.Is(err, preprocess.ErrDecode):
		h.metrics.Predictions.WithLabelValues(metrics.OutcomeInvalidInput).Inc()
		logger.Warn("invalid image", zap.String("filename", header.Filename), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		h.metrics.Predictions.WithLabelValues(metrics.OutcomeError).Inc()
		logger.Error("prediction failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "prediction failed"})
	}
}
