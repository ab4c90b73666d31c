package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/termtunnel/internal/auth"
	"github.com/hitoshi/termtunnel/internal/cloudflare"
	"github.com/hitoshi/termtunnel/internal/config"
	"github.com/hitoshi/termtunnel/internal/database"
	"github.com/hitoshi/termtunnel/internal/handler"
	"github.com/hitoshi/termtunnel/internal/logger"
	"github.com/hitoshi/termtunnel/internal/metrics"
	"github.com/hitoshi/termtunnel/internal/middleware"
	"github.com/hitoshi/termtunnel/internal/provision"
	"github.com/hitoshi/termtunnel/internal/repository"
	"github.com/hitoshi/termtunnel/internal/security"
	"github.com/hitoshi/termtunnel/internal/worker/cleanup"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// outboundTimeout は外部API呼び出し1回あたりのタイムアウト。
const outboundTimeout = 30 * time.Second

// errDatabaseRequired はDATABASE_URLが必要なコマンドで未設定の場合に返す。
var errDatabaseRequired = errors.New("DATABASE_URL is required for this command")

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.Bool("persistent_store", cfg.DatabaseURL != ""),
	)

	// SIGINT/SIGTERMでキャンセルされるコンテキスト
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openStore は設定に応じたRecord Storeを返す。
// DATABASE_URLが空の場合はインメモリストアを使い、*sql.DBはnilになる。
func openStore(ctx context.Context, cfg *config.Config) (repository.Store, *sql.DB, error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL が未設定のため、インメモリストアを使用します（再起動で消えます）")
		return repository.NewMemoryStore(), nil, nil
	}

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	slog.Info("database connection established")
	return repository.NewPostgresStore(db), db, nil
}

// Server はワイヤリング済みのHTTPハンドラーと後始末を保持する。
type Server struct {
	Handler http.Handler
	Cleanup *cleanup.CleanupJob
	close   func()
}

// Close はバックグラウンドのリソースを解放する。
func (s *Server) Close() {
	if s.close != nil {
		s.close()
	}
}

// NewServer は設定とストアから全依存関係をワイヤリングしたServerを構築する。
// pingerがnilの場合、/healthは常にokを返す。
func NewServer(cfg *config.Config, store repository.Store, pinger handler.Pinger, reg *prometheus.Registry) *Server {
	// 1. メトリクス
	collector := metrics.NewCollector(reg)

	// 2. 外部クライアント
	outbound := newOutboundClient(cfg)

	cfClient := cloudflare.NewClient(cloudflare.Config{
		APIToken:  cfg.CloudflareToken,
		AccountID: cfg.CloudflareAccountID,
		ZoneID:    cfg.CloudflareZoneID,
		BaseURL:   cfg.CloudflareAPIBase,
	}, outbound, slog.Default())
	cfClient.SetObserver(collector)

	oauthProvider := auth.NewGitHubOAuthProvider(auth.GitHubOAuthConfig{
		ClientID:     cfg.GitHubClientID,
		ClientSecret: cfg.GitHubClientSecret,
		RedirectURL:  cfg.GitHubRedirectURL,
		HTTPClient:   outbound,
	})

	// 3. ドメインサービス
	loginService := auth.NewService(oauthProvider, store.LoginSessions(), auth.ServiceConfig{
		ClientID:   cfg.GitHubClientID,
		SessionTTL: cfg.LoginSessionTTL,
	})

	provisionService := provision.NewService(
		cfClient, store.Provisions(), store.LoginEvents(),
		provision.Config{RequireSecret: cfg.DeprovisionRequireSecret},
		slog.Default(),
	)
	provisionService.SetObserver(collector)

	// 4. クリーンアップジョブ
	cleanupJob := cleanup.NewCleanupJob(store.LoginSessions(), slog.Default())
	cleanupJob.TTL = cfg.LoginSessionTTL
	cleanupJob.SetRecorder(collector)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		APIToken:          cfg.APIToken,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Metrics:           collector,
		MetricsHandler:    metrics.Handler(reg),
		HealthChecker:     pinger,

		LoginService: loginService,
		LoginConfig:  handler.LoginHandlerConfig{SuccessURL: cfg.LoginSuccessURL},

		ProvisionService: provisionService,
	})

	return &Server{
		Handler: router,
		Cleanup: cleanupJob,
		close:   rateLimiter.Stop,
	}
}

// newOutboundClient はCloudflareとGitHubへの呼び出しに使うHTTPクライアントを返す。
// OutboundAllowPrivateが有効な場合のみ接続先の制限を外す。
func newOutboundClient(cfg *config.Config) *http.Client {
	if cfg.OutboundAllowPrivate {
		slog.Warn("OUTBOUND_ALLOW_PRIVATE が有効です。外部API呼び出しの接続先制限を無効化します")
		return &http.Client{Timeout: outboundTimeout}
	}
	return security.NewOutboundClient(outboundTimeout)
}

// rateLimiterConfig はreq/min単位の設定をレートリミッターの設定に変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rlCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rlCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rlCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitLogin > 0 {
		rlCfg.LoginRate = rate.Limit(float64(cfg.RateLimitLogin) / 60.0)
		rlCfg.LoginBurst = cfg.RateLimitLogin
	}
	return rlCfg
}

// runServe はAPIサーバーモードで起動する。
// ストアを開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. ストア
	store, db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	var pinger handler.Pinger
	if db != nil {
		defer db.Close()
		pinger = db
	}

	// 2. ワイヤリング
	srv := NewServer(cfg, store, pinger, metrics.NewRegistry())
	defer srv.Close()

	// インメモリストアは別プロセスのworkerと共有できないため、同一プロセスで期限切れセッションを回収する
	if db == nil {
		go srv.Cleanup.Start(ctx, cfg.CleanupInterval)
	}

	// 3. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.Handler,
		ReadTimeout:  15 * time.Second,
		// Cloudflareの3回の呼び出し（各30秒まで）を待てるようにする
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れログインセッションのクリーンアップを定期実行する。
// ctxがキャンセルされると終了する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errDatabaseRequired
	}

	store, db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// workerはHTTPを公開しないため、件数はジョブのログで確認する
	job := cleanup.NewCleanupJob(store.LoginSessions(), slog.Default())
	job.TTL = cfg.LoginSessionTTL

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("login_session_ttl", cfg.LoginSessionTTL),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	job.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errDatabaseRequired
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, err := database.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}

	slog.Info("database migrations completed successfully", slog.Uint64("schema_version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
