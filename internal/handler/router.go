package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zhouzirui/site-safety/backend/internal/config"
	sessionHandler "github.com/zhouzirui/site-safety/backend/internal/handler/session"
	"github.com/zhouzirui/site-safety/backend/internal/metrics"
	middlewarePkg "github.com/zhouzirui/site-safety/backend/internal/middleware"
	"github.com/zhouzirui/site-safety/backend/pkg/utils"
)

// Options 汇总构建路由所需的依赖。
type Options struct {
	// Coordinator 为空时分析与对话接口返回 503。
	Coordinator   sessionHandler.Coordinator
	Registry      *prometheus.Registry
	Server        config.ServerConfig
	MaxImageBytes int64
	// Limiter 为空时不限流。
	Limiter *middlewarePkg.RateLimiter
}

// NewRouter wires HTTP routes to core services.
func NewRouter(opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(opts.Server.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	if opts.Registry != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(opts.Registry))
	}

	var limit func(http.Handler) http.Handler
	if opts.Limiter != nil {
		limit = opts.Limiter.Middleware
	}

	r.Route("/api", func(api chi.Router) {
		if opts.Coordinator == nil {
			api.HandleFunc("/*", func(w http.ResponseWriter, _ *http.Request) {
				utils.RespondErrorCode(w, http.StatusServiceUnavailable, utils.CodeUnavailable, "analysis service unavailable")
			})
			return
		}
		sessionHandler.New(opts.Coordinator, opts.MaxImageBytes, limit).RegisterRoutes(api)
	})

	return r
}
