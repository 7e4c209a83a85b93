// Package server exposes the coordinator over HTTP: inference dispatch,
// deployment state and control, an SSE event stream, and Prometheus metrics.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/isopool/isopool/internal/balancer"
	"github.com/isopool/isopool/internal/config"
	"github.com/isopool/isopool/internal/deployment"
	"github.com/isopool/isopool/internal/dispatch"
	"github.com/isopool/isopool/internal/logx"
	"github.com/isopool/isopool/internal/metrics"
)

// New constructs the HTTP handler for the coordinator.
func New(cfg config.Config, dep *deployment.Deployment, preg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	if preg == nil {
		preg = prometheus.NewRegistry()
		metrics.Register(preg)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(ar chi.Router) {
		ar.Post("/inference", handleInference(dep))
		ar.Get("/state", handleState(dep))
		ar.Post("/scale", handleScale(dep))
		ar.Post("/pause", handleControl(dep.Pause))
		ar.Post("/resume", handleControl(dep.Resume))
		ar.Get("/events", handleEvents(dep))
	})

	// When the metrics address points elsewhere, main serves /metrics on a
	// dedicated listener instead of the API router.
	if cfg.MetricsAddr == "" || cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}

	return r
}

type inferenceRequest struct {
	RequestID string         `json:"request_id,omitempty"`
	Prompt    string         `json:"prompt"`
	Options   map[string]any `json:"options,omitempty"`
}

func handleInference(dep *deployment.Deployment) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req inferenceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
		if req.Prompt == "" {
			writeError(w, http.StatusBadRequest, errors.New("prompt is required"))
			return
		}
		resp, err := dep.Dispatch(r.Context(), dispatch.Request{
			RequestID: req.RequestID,
			Prompt:    req.Prompt,
			Options:   req.Options,
		})
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type stateResponse struct {
	Status string `json:"status"`
	Nodes  any    `json:"nodes"`
	Count  int    `json:"count"`
}

func handleState(dep *deployment.Deployment) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		nodes := dep.Nodes()
		writeJSON(w, http.StatusOK, stateResponse{
			Status: string(dep.Status()),
			Nodes:  nodes,
			Count:  len(nodes),
		})
	}
}

type scaleRequest struct {
	Target int `json:"target"`
}

func handleScale(dep *deployment.Deployment) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scaleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
		if req.Target < 0 {
			writeError(w, http.StatusBadRequest, errors.New("target must be non-negative"))
			return
		}
		if err := dep.ScaleTo(r.Context(), req.Target); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		nodes := dep.Nodes()
		writeJSON(w, http.StatusOK, stateResponse{Status: string(dep.Status()), Nodes: nodes, Count: len(nodes)})
	}
}

func handleControl(op func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := op(); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// handleEvents streams coordinator events as SSE frames until the client
// disconnects.
func handleEvents(dep *deployment.Deployment) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
			return
		}
		ch, cancel := dep.Events().Subscribe()
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case e, open := <-ch:
				if !open {
					return
				}
				data, err := json.Marshal(e)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind(), data)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}

// statusFor maps coordinator errors onto HTTP status codes.
func statusFor(err error) int {
	var ise *deployment.InvalidStateError
	switch {
	case errors.As(err, &ise):
		return http.StatusConflict
	case errors.Is(err, balancer.ErrNoHealthyNodes):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Debug().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
