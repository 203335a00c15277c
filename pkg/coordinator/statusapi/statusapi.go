// Package statusapi is a small read-only HTTP surface over a
// coordinator: GET /v1/status and GET /v1/clients. No mutating
// endpoints — all writes still go through Coordinator.RunTransaction.
//
// Grounded on github.com/marmos91/dittofs's pkg/controlplane/api
// (chi.NewRouter, middleware stack, bytes.Buffer-then-WriteHeader JSON
// encoding in handlers/response.go) scaled down to the coordinator's
// narrower, unauthenticated operability surface.
package statusapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/marmos91/dittofs/pkg/coordinator"
)

// response mirrors the teacher's Response envelope.
type response struct {
	Status    string      `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body response) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		logger.Error("failed to encode status api response", "error", err)
		http.Error(w, `{"status":"error","error":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// statusPayload is GET /v1/status's data shape.
type statusPayload struct {
	ClientID  string `json:"clientId"`
	State     string `json:"state"`
	IsPrimary bool   `json:"isPrimary"`
}

// clientsPayload is GET /v1/clients's data shape.
type clientsPayload struct {
	ActiveClients []string `json:"activeClients"`
}

// NewRouter builds the chi router for c. corsOrigins lists allowed
// origins for local-origin dev tooling (an empty slice disables CORS
// entirely, matching a conservative production default).
func NewRouter(c *coordinator.Coordinator, logger *slog.Logger, corsOrigins []string) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{http.MethodGet},
			MaxAge:         300,
		}))
	}

	r.Get("/v1/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, logger, http.StatusOK, response{
			Status:    "ok",
			Timestamp: time.Now().UTC(),
			Data: statusPayload{
				ClientID:  c.ClientID(),
				State:     c.State(),
				IsPrimary: c.IsPrimary(),
			},
		})
	})

	r.Get("/v1/clients", func(w http.ResponseWriter, req *http.Request) {
		ids, err := c.GetActiveClients(req.Context())
		if err != nil {
			writeJSON(w, logger, http.StatusServiceUnavailable, response{
				Status:    "error",
				Timestamp: time.Now().UTC(),
				Error:     err.Error(),
			})
			return
		}
		writeJSON(w, logger, http.StatusOK, response{
			Status:    "ok",
			Timestamp: time.Now().UTC(),
			Data:      clientsPayload{ActiveClients: ids},
		})
	})

	return r
}
