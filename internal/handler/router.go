package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/termtunnel/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger // nilの場合はslog.Default()
	APIToken          string
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Metrics           middleware.HTTPStatusRecorder
	MetricsHandler    http.Handler // nilの場合は/metricsを公開しない

	// ヘルスチェック（nil可）
	HealthChecker Pinger

	// ログイン
	LoginService LoginServiceInterface
	LoginConfig  LoginHandlerConfig

	// プロビジョニング
	ProvisionService ProvisionServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Logging → Metrics → Recovery → SecurityHeaders → CORS → (ルート別) RateLimit → OperatorAuth
//
// ログイン系（/login*, /oauth/callback）と/health, /metricsはオペレーター認証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.Metrics != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	}
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	loginConfig := deps.LoginConfig
	if loginConfig.Logger == nil {
		loginConfig.Logger = logger
	}
	loginHandler := NewLoginHandler(deps.LoginService, loginConfig)
	provisionHandler := NewProvisionHandler(deps.ProvisionService)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// ログインハンドシェイク（CLIとブラウザから呼ばれる）
	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.LoginMiddleware())
		}

		r.Post("/login", loginHandler.Start)
		r.Route("/login/{id}", func(r chi.Router) {
			r.Post("/", loginHandler.Submit)
			r.Get("/", loginHandler.SubmitQuery)
			r.Get("/status", loginHandler.Status)
			r.Get("/whoami", loginHandler.Whoami)
		})
		r.Get("/oauth/callback", loginHandler.Callback)
	})

	// --- オペレーター認証が必要なルート ---
	// ミドルウェアスタック: RateLimit(General) → OperatorAuth
	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}
		r.Use(middleware.NewOperatorAuthMiddleware(deps.APIToken))

		r.Post("/provision", provisionHandler.Provision)
		r.Route("/provision/{subdomain}", func(r chi.Router) {
			r.Get("/", provisionHandler.Get)
			r.Delete("/", provisionHandler.Deprovision)
		})
		r.Post("/rotate-key/{subdomain}", provisionHandler.RotateKey)
		r.Post("/record-login/{subdomain}", provisionHandler.RecordLogin)
		r.Get("/history/{subdomain}", provisionHandler.History)
	})

	return r
}
