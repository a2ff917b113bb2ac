package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth/v5"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/api/handler"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/api/middleware"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/app/service"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/common/security"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/metrics"
)

type RouterConfig struct {
	ServiceName string
	// Tokens guards the trigger routes; nil leaves them open.
	Tokens *security.TokenIssuer
}

func NewRouter(syncService *service.SyncService, cfg RouterConfig, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	hello := fmt.Sprintf("Hello, you have reached %s! I'm doing just fine ^^", cfg.ServiceName)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(hello))
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	syncHandler := handler.NewSyncHandler(syncService, logger)
	syncHandler.RegisterStateRoutes(r)
	r.Group(func(triggers chi.Router) {
		if cfg.Tokens != nil {
			triggers.Use(jwtauth.Verifier(cfg.Tokens.Auth()))
			triggers.Use(middleware.Authenticator)
			triggers.Use(middleware.AdminOnly)
		}
		syncHandler.RegisterTriggerRoutes(triggers)
	})

	return r
}
