package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/termtunnel/internal/model"
	"github.com/hitoshi/termtunnel/internal/security"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database（空の場合はインメモリストア）
	DatabaseURL string

	// Cloudflare
	CloudflareToken     string
	CloudflareAccountID string
	CloudflareZoneID    string
	CloudflareAPIBase   string

	// OutboundAllowPrivate がtrueの場合、外部APIへの接続先にプライベートアドレスを許可する（ローカル検証用）
	OutboundAllowPrivate bool

	// GitHub OAuth
	GitHubClientID     string
	GitHubClientSecret string
	GitHubRedirectURL  string

	// Login
	LoginSessionTTL time.Duration
	LoginSuccessURL string

	// Operator
	APIToken                 string
	DeprovisionRequireSecret bool

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitLogin   int

	// Worker
	CleanupInterval time.Duration

	// Server
	ServerPort string
	BaseURL    string

	// CORS（カンマ区切りで複数指定可）
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は、不足しているものをまとめて*model.ConfigurationErrorで返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.CloudflareToken = required("CLOUDFLARE_TOKEN")
	cfg.CloudflareAccountID = required("CLOUDFLARE_ACCOUNT_ID")
	cfg.CloudflareZoneID = required("CLOUDFLARE_ZONE_ID")
	cfg.GitHubClientID = required("GITHUB_CLIENT_ID")
	cfg.GitHubClientSecret = required("GITHUB_CLIENT_SECRET")

	if len(missing) > 0 {
		return nil, &model.ConfigurationError{Missing: missing}
	}

	// Optional fields with defaults
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.CloudflareAPIBase = getEnvString("CLOUDFLARE_API_BASE", "")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BaseURL = strings.TrimRight(getEnvString("BASE_URL", "http://localhost:"+cfg.ServerPort), "/")
	cfg.GitHubRedirectURL = getEnvString("GITHUB_REDIRECT_URL", cfg.BaseURL+"/oauth/callback")
	cfg.LoginSessionTTL = getEnvDuration("LOGIN_SESSION_TTL", 15*time.Minute)
	cfg.LoginSuccessURL = getEnvString("LOGIN_SUCCESS_URL", "")
	cfg.APIToken = os.Getenv("API_TOKEN")
	cfg.DeprovisionRequireSecret = getEnvBool("DEPROVISION_REQUIRE_SECRET", false)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 30)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")
	cfg.OutboundAllowPrivate = getEnvBool("OUTBOUND_ALLOW_PRIVATE", false)

	if cfg.CloudflareAPIBase != "" && !cfg.OutboundAllowPrivate {
		if err := security.ValidateEndpoint(cfg.CloudflareAPIBase); err != nil {
			return nil, fmt.Errorf("CLOUDFLARE_API_BASE is not allowed: %w", err)
		}
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
