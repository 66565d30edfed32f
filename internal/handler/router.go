package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	dmhandler "github.com/zhouzirui/z-tavern/dmsync/internal/handler/dm"
	"github.com/zhouzirui/z-tavern/dmsync/internal/metrics"
	middlewarePkg "github.com/zhouzirui/z-tavern/dmsync/internal/middleware"
	"github.com/zhouzirui/z-tavern/dmsync/internal/service/identity"
	"github.com/zhouzirui/z-tavern/dmsync/pkg/utils"
)

// Deps 路由依赖
type Deps struct {
	Sessions       dmhandler.Sessions
	Authenticator  identity.Authenticator
	Metrics        *metrics.Recorder
	AllowedOrigins []string
	Backend        string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.AllowedOrigins))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Instrument)
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok", "backend": deps.Backend})
	})

	dmHandler := dmhandler.New(deps.Sessions)
	r.Route("/api/dm", func(api chi.Router) {
		api.Use(middlewarePkg.Auth(deps.Authenticator))
		dmHandler.RegisterRoutes(api)
	})

	return r
}
