package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/storyflow/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger            *slog.Logger
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter
	Identity          middleware.IdentitySource

	Session SessionServiceInterface
	Blog    BlogServiceInterface
	Support SupportServiceInterface
	// Fetcher は/api/fetchの呼び出し先。nilならルートを登録しない。
	Fetcher DynamicFetcher

	// Metrics は/metricsで公開するハンドラー。nilならルートを登録しない。
	Metrics http.Handler
}

// NewRouter はデスク用APIのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → Identity → RateLimit → CSRF
//
// /health と /metrics はレート制限とCSRF検証の外に置く。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	csrf := deps.CSRF
	if csrf.Logger == nil {
		csrf.Logger = logger
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewIdentityMiddleware(deps.Identity))

	r.Get("/health", Health)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	sessionHandler := NewSessionHandler(deps.Session, deps.Blog)
	postHandler := NewPostHandler(deps.Blog, logger)
	supportHandler := NewSupportHandler(deps.Support)

	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}
		r.Use(middleware.NewCSRFMiddleware(csrf))

		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(csrf))

		r.Route("/api/session", func(r chi.Router) {
			r.Get("/", sessionHandler.Get)
			r.Post("/login", sessionHandler.Login)
			r.Post("/signup", sessionHandler.Signup)
			r.Post("/logout", sessionHandler.Logout)
			r.Put("/settings", sessionHandler.SetSettings)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireUser)
				r.Put("/edit-target", sessionHandler.OpenEditTarget)
				r.Delete("/edit-target", sessionHandler.CloseEditTarget)
				r.Put("/delete-target", sessionHandler.OpenDeleteTarget)
				r.Delete("/delete-target", sessionHandler.CloseDeleteTarget)
			})
		})

		r.Get("/api/feed", postHandler.Feed)
		r.Post("/api/feed/refresh", postHandler.RefreshFeed)
		r.Get("/api/posts/{key}", postHandler.Get)

		// 著者の操作はサインインが必要
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUser)

			r.Get("/api/posts", postHandler.List)
			r.Get("/api/manage", postHandler.Manage)
			r.Post("/api/manage/refresh", postHandler.RefreshManage)

			r.Post("/api/posts", postHandler.Create)
			r.Put("/api/posts/{key}", postHandler.Update)
			r.Delete("/api/posts/{key}", postHandler.Delete)
		})

		if deps.Fetcher != nil {
			fetchHandler := NewFetchHandler(deps.Fetcher)
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireUser)
				if deps.RateLimiter != nil {
					r.Use(deps.RateLimiter.QueryMiddleware())
				}
				r.Post("/api/fetch", fetchHandler.Fetch)
			})
		}

		r.Route("/api/support", func(r chi.Router) {
			r.Get("/messages", supportHandler.Messages)
			if deps.RateLimiter != nil {
				r.With(deps.RateLimiter.QueryMiddleware()).Post("/query", supportHandler.Query)
			} else {
				r.Post("/query", supportHandler.Query)
			}
		})
	})

	return r
}
