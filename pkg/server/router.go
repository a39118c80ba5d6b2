package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/changegate/changegate/pkg/audit"
	"github.com/changegate/changegate/pkg/identity"
	"github.com/changegate/changegate/pkg/metrics"
)

const apiPrefix = "/api/v1"

// Router assembles the HTTP API.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(httpMetrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-Principal", "X-User-Roles"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(s.identityMW)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route(apiPrefix, func(api chi.Router) {
		api.Route("/changes", func(cr chi.Router) {
			cr.With(s.caches.ListMiddleware()).Get("/", s.listChanges)
			cr.With(identity.RequireActor).Post("/", s.createChange)

			cr.Route("/{changeID}", func(one chi.Router) {
				one.With(s.caches.ChangeMiddleware()).Get("/", s.getChange)
				one.With(identity.RequireActor).Post("/tests/run", s.runTests)
				one.Get("/tests", s.listTestResults)
				one.With(identity.RequireActor).Post("/deploy", s.deployChange)
				one.With(identity.RequireActor).Post("/rollback", s.rollbackChange)
				one.With(identity.RequireActor).Post("/cancel", s.cancelChange)
				one.Get("/audit", s.changeAudit)
				one.Get("/snapshots", s.changeSnapshots)
			})
		})

		api.Route("/workflows/{workflowID}", func(wr chi.Router) {
			wr.Get("/", s.getWorkflow)
			wr.With(identity.RequireActor).Post("/approve", s.approveWorkflow)
			wr.With(identity.RequireActor).Post("/reject", s.rejectWorkflow)
		})

		api.Route("/emergencies", func(er chi.Router) {
			er.Get("/", s.listEmergencies)
			er.With(identity.RequireActor).Post("/", s.declareEmergency)
			er.Route("/{emergencyID}", func(one chi.Router) {
				one.Get("/", s.getEmergency)
				one.With(identity.RequireActor).Post("/activate", s.activateEmergency)
				one.With(identity.RequireActor).Post("/containment", s.containEmergency)
				one.With(identity.RequireActor).Post("/recovery", s.recoverEmergency)
			})
		})

		api.Mount("/audit", audit.Router(s.pipeline.Registry().Audit()))
	})

	return r
}

// httpMetrics records request duration and status per method.
func httpMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		metrics.ObserveHTTP(r.Method, ww.Status(), time.Since(start))
	})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready once the schema is migrated and the database still
// answers pings.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "server is still starting")
		return
	}
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "database unreachable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
