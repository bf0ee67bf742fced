package main

import (
	"net/http"

	"github.com/Tutortoise/detection-api/logging"
	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

const requestIDHeader = "X-Request-ID"

// requestIDMiddleware reuses the caller's X-Request-ID or mints one, and echoes it back.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), requestID)))
	})
}

func accessLogMiddleware(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)

			entry := logging.FromContext(r.Context(), log).WithFields(logrus.Fields{
				"method":        r.Method,
				"path":          r.URL.Path,
				"status":        m.Code,
				"latency_ms":    m.Duration.Milliseconds(),
				"response_size": m.Written,
				"ip":            r.RemoteAddr,
				"user_agent":    r.UserAgent(),
			})

			switch {
			case m.Code >= http.StatusInternalServerError:
				entry.Error("Server error")
			case m.Code >= http.StatusBadRequest:
				entry.Warn("Client error")
			default:
				entry.Info("Request handled")
			}
		})
	}
}

// newCORS allows any origin with credentials; the request origin is reflected
// since a wildcard is not valid alongside credentials.
func newCORS() *cors.Cors {
	return cors.New(cors.Options{
		AllowOriginFunc: func(string) bool { return true },
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
			http.MethodDelete, http.MethodHead, http.MethodOptions,
		},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
}
