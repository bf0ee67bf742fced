package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/Tutortoise/detection-api/config"
	"github.com/Tutortoise/detection-api/detections"
	"github.com/Tutortoise/detection-api/logging"
	"github.com/Tutortoise/detection-api/models"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type AppState struct {
	Config   *config.Config
	Detector Detector
	// Pool is nil when the detector is not pool backed.
	Pool  *ModelSessionPool
	Log   *logrus.Logger
	Clock func() time.Time
}

type InfoResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Model  string `json:"model"`
}

type ErrorResponse struct {
	Detail string `json:"detail"`
}

// routes wires the router behind CORS, request ids and the access log.
func (s *AppState) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleRoot).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/predict", handlePredict(s)).Methods("POST")
	s.addMonitoringRoutes(r)

	var handler http.Handler = r
	handler = accessLogMiddleware(s.Log)(handler)
	handler = requestIDMiddleware(handler)
	return newCORS().Handler(handler)
}

func (s *AppState) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func (s *AppState) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, InfoResponse{
		Status:    StatusRunning,
		Service:   s.Config.ServiceName,
		Version:   s.Config.ServiceVersion,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
}

// handleHealth reports healthy for as long as the process serves; the model
// is loaded before the listener is bound.
func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: StatusHealthy, Model: ModelLoaded})
}

func handlePredict(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTotal := time.Now()
		ctx := r.Context()
		timings := &models.ProcessingTimings{RequestID: logging.RequestID(ctx)}

		limit := state.Config.MaxUploadBytes
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

		imgBytes, err := readUpload(r, limit)
		if err != nil {
			state.sendErrorResponse(w, r, err)
			return
		}

		// Decode image
		decodeStart := time.Now()
		img, err := detections.DecodeImage(imgBytes)
		timings.ImageDecode = time.Since(decodeStart)
		if err != nil {
			state.sendErrorResponse(w, r, err)
			return
		}

		result, err := state.Detector.Detect(ctx, img, timings)
		if err != nil {
			state.sendErrorResponse(w, r, err)
			return
		}

		timings.Total = time.Since(startTotal)
		logTimings(state.Log, timings)

		logging.FromContext(ctx, state.Log).WithFields(logrus.Fields{
			"detections": len(result),
			"width":      img.Bounds().Dx(),
			"height":     img.Bounds().Dy(),
		}).Info("Prediction completed")

		writeJSON(w, http.StatusOK, models.PredictionResponse{
			Predictions: models.ToPredictions(result),
		})
	}
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	response := map[string]interface{}{
		"cpu_features": detections.CPUFeatures(),
	}
	if s.Pool != nil {
		response["pool"] = s.Pool.Stats()
	}
	writeJSON(w, http.StatusOK, response)
}

// statusForError maps a processing error onto the HTTP response it produces.
func statusForError(err error) (int, string) {
	if detections.IsInvalidInput(err) {
		return http.StatusBadRequest, detections.PublicMessage(err)
	}
	return http.StatusInternalServerError, fmt.Sprintf(MsgProcessingFailed, err.Error())
}

func (s *AppState) sendErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := statusForError(err)

	entry := logging.FromContext(r.Context(), s.Log).WithFields(logrus.Fields{
		"kind":  detections.KindOf(err).String(),
		"error": err.Error(),
	})
	if status == http.StatusBadRequest {
		entry.Warn("Rejected upload")
	} else {
		entry.Error("Error processing image")
	}

	writeJSON(w, status, ErrorResponse{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
