package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/camofy/camofy/internal/api/handlers"
	"github.com/camofy/camofy/internal/api/middleware"
	"github.com/camofy/camofy/internal/auth"
	"github.com/camofy/camofy/internal/config"
)

// NewRouter builds camofy's HTTP router: health/version, the /api/*
// REST surface, and the /api/events WebSocket upgrade, all behind the
// auth service's token middleware.
func NewRouter(cfg *config.Config, h *handlers.Handlers, authSvc *auth.Service) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(authSvc.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   parseCORSOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Auth-Token"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler)

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Get("/status", h.AuthStatus)
			r.Post("/password", h.SetPassword)
			r.Post("/login", h.Login)
		})

		r.Route("/profiles", func(r chi.Router) {
			r.Get("/", h.ListProfiles)
			r.Route("/remote", func(r chi.Router) {
				r.Post("/", h.CreateRemoteProfile)
				r.Route("/{id}", func(r chi.Router) {
					r.Delete("/", h.DeleteRemoteProfile)
					r.Post("/activate", h.ActivateRemoteProfile)
					r.Post("/fetch", h.FetchRemoteProfile)
				})
			})
			r.Route("/user", func(r chi.Router) {
				r.Post("/", h.CreateUserProfile)
				r.Route("/{id}", func(r chi.Router) {
					r.Put("/", h.UpdateUserProfile)
					r.Delete("/", h.DeleteUserProfile)
					r.Post("/activate", h.ActivateUserProfile)
				})
			})
		})

		r.Route("/core", func(r chi.Router) {
			r.Get("/info", h.CoreInfo)
			r.Get("/status", h.CoreStatus)
			r.Get("/operation", h.CoreOperation)
			r.Post("/download", h.CoreDownload)
			r.Post("/start", h.CoreStart)
			r.Post("/stop", h.CoreStop)
			r.Post("/restart", h.CoreRestart)
		})

		r.Route("/proxies", func(r chi.Router) {
			r.Get("/", h.ListProxies)
			r.Put("/{group}", h.SelectProxy)
			r.Get("/group/{group}/delay", h.GroupDelay)
			r.Get("/node/{proxy}/delay", h.ProxyDelay)
		})

		r.Get("/selections", h.ListSelections)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", h.GetTasks)
			r.Put("/subscription", h.UpdateSubscriptionTask)
			r.Put("/geoip", h.UpdateGeoIPTask)
		})

		r.Get("/events", h.Events)
	})

	return r
}

func parseCORSOrigins() []string {
	v := os.Getenv("CAMOFY_CORS_ORIGINS")
	if v == "" {
		return []string{"*"}
	}
	var origins []string
	for _, o := range strings.Split(v, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "camofy"})
}

func versionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"service": "camofy"})
}
