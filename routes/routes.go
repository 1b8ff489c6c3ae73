package routes

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/upb/governed-core/app"
	"github.com/upb/governed-core/handlers"
	"github.com/upb/governed-core/middleware"
	"github.com/upb/governed-core/models"
	"github.com/upb/governed-core/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(deps.Config.Server.RequestTimeout))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	health := handlers.NewHealthHandler(deps.Ledger, deps.Logger)
	for name, check := range deps.ReadinessChecks() {
		health.WithCheck(name, check)
	}
	r.Get("/health", health.HandleHealth)
	r.Get("/health/ready", health.HandleReadiness)

	authzHandler := handlers.NewAuthzHandler(deps.Gate, deps.Logger)
	dutyHandler := handlers.NewDutyHandler(deps.Engine, deps.Logger)
	ledgerHandler := handlers.NewLedgerHandler(deps.Ledger, deps.Logger)
	evidenceHandler := handlers.NewEvidenceHandler(deps.Exporter, deps.Logger)
	notImplemented := handlers.HandleNotImplemented(deps.Logger)

	gate := middleware.NewGateMiddleware(deps.Gate, handlers.ErrorWriter(deps.Logger), deps.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)

		r.Post("/authorize", authzHandler.HandleAuthorize)
		r.Post("/duty/calculate", dutyHandler.HandleCalculate)

		r.Route("/ledger", func(r chi.Router) {
			r.Get("/records", ledgerHandler.HandleListRecords)
			r.Post("/verify", ledgerHandler.HandleVerify)
		})

		r.Route("/evidence", func(r chi.Router) {
			r.Post("/exports", evidenceHandler.HandleExport)
			r.Get("/manifests/{runId}", evidenceHandler.HandleGetManifest)
		})

		// Extension call sites: authorized and recorded, behavior pending
		r.Route("/catalogue", func(r chi.Router) {
			r.With(gate.RequireAction(models.ActionCreateDraft)).Post("/drafts", notImplemented)
			r.With(gate.RequireAction(models.ActionApproveDraft)).Post("/drafts/{id}/approve", notImplemented)
			r.With(gate.RequireAction(models.ActionPublish)).Post("/publish", notImplemented)
		})
		r.With(gate.RequireActionFrom(documentAction)).Post("/documents/{action}", notImplemented)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "Endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
	})

	return r
}

// documentAction maps /documents/sign-document to SIGN_DOCUMENT. Actions
// outside the configured catalog are denied by the gate as unknown.
func documentAction(r *http.Request) models.Action {
	name := strings.ToUpper(strings.ReplaceAll(chi.URLParam(r, "action"), "-", "_"))
	return models.Action(name)
}
