/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package apiserver is the HTTP adapter: routing, auth, JSON codecs and the
// error-kind to status mapping. All domain behavior lives in the controllers
// it fronts.
package apiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/falconeye-dev/falcon-eye/pkg/chat"
	agentcontroller "github.com/falconeye-dev/falcon-eye/pkg/controllers/agent"
	cameracontroller "github.com/falconeye-dev/falcon-eye/pkg/controllers/camera"
	croncontroller "github.com/falconeye-dev/falcon-eye/pkg/controllers/cron"
	"github.com/falconeye-dev/falcon-eye/pkg/errors"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/cluster"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/node"
	"github.com/falconeye-dev/falcon-eye/pkg/providers/recorder"
	"github.com/falconeye-dev/falcon-eye/pkg/proxy"
	"github.com/falconeye-dev/falcon-eye/pkg/scan"
	"github.com/falconeye-dev/falcon-eye/pkg/store"
	"github.com/falconeye-dev/falcon-eye/pkg/tools"
)

type Server struct {
	store     *store.Store
	cluster   cluster.Client
	nodes     node.Provider
	cameras   *cameracontroller.Controller
	agents    *agentcontroller.Controller
	crons     *croncontroller.Controller
	recorders *recorder.Supervisor
	router    *chat.Router
	registry  *tools.Registry
	proxy     *proxy.Proxy
	scanner   *scan.Scanner

	apiToken    string
	settingsCtx func(context.Context) context.Context
}

type Config struct {
	Store     *store.Store
	Cluster   cluster.Client
	Nodes     node.Provider
	Cameras   *cameracontroller.Controller
	Agents    *agentcontroller.Controller
	Crons     *croncontroller.Controller
	Recorders *recorder.Supervisor
	Router    *chat.Router
	Registry  *tools.Registry
	Proxy     *proxy.Proxy
	Scanner   *scan.Scanner

	APIToken string
	// SettingsCtx attaches the current durable settings to request contexts.
	SettingsCtx func(context.Context) context.Context
}

func NewServer(cfg Config) *Server {
	return &Server{
		store:       cfg.Store,
		cluster:     cfg.Cluster,
		nodes:       cfg.Nodes,
		cameras:     cfg.Cameras,
		agents:      cfg.Agents,
		crons:       cfg.Crons,
		recorders:   cfg.Recorders,
		router:      cfg.Router,
		registry:    cfg.Registry,
		proxy:       cfg.Proxy,
		scanner:     cfg.Scanner,
		apiToken:    cfg.APIToken,
		settingsCtx: cfg.SettingsCtx,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Range"},
		MaxAge:         300,
	}))
	r.Use(s.withSettings)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Route("/cameras", s.cameraRoutes)
		r.Route("/recordings", s.recordingRoutes)
		r.Route("/nodes", s.nodeRoutes)
		r.Route("/settings", s.settingsRoutes)
		r.Route("/agents", s.agentRoutes)
		r.Route("/chat", s.chatRoutes)
		r.Route("/tools", s.toolRoutes)
		r.Route("/cron-jobs", s.cronRoutes)
	})
	return r
}

// withSettings attaches the durable settings to every request context so
// handlers and controllers read one consistent snapshot.
func (s *Server) withSettings(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.settingsCtx != nil {
			r = r.WithContext(s.settingsCtx(r.Context()))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.FromContext(r.Context()).V(1).Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// bearerAuth enforces the static API token when one is configured.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.apiToken {
			respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid bearer token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// respondJSON writes the value with the given status.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError maps error kinds onto HTTP statuses.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	kind, _ := errors.KindOf(err)
	switch kind {
	case errors.KindValidation:
		status = http.StatusBadRequest
	case errors.KindNotFound:
		status = http.StatusNotFound
	case errors.KindConflict:
		status = http.StatusConflict
	case errors.KindTransient:
		status = http.StatusServiceUnavailable
	case errors.KindCluster:
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		log.FromContext(r.Context()).Error(err, "request failed", "path", r.URL.Path)
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeJSON parses the request body into v.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Validation("invalid request body: %s", err)
	}
	return nil
}
