// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/hitoshi/termtunnel/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// operatorContextKey はオペレータートークンで認証済みであることを示すキー。
var operatorContextKey = contextKey("operator")

// NewOperatorAuthMiddleware はAuthorizationヘッダーのBearerトークンを
// オペレーターのAPIトークンと照合するミドルウェアを返す。
// apiTokenが空の場合は検証を行わない（オープンモード）。
// 不一致の場合は401 Unauthorizedを返す。
func NewOperatorAuthMiddleware(apiToken string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiToken == "" {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := BearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(apiToken)) != 1 {
				slog.Warn("operator token mismatch",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("client_ip", ClientIP(r)),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			markOperator(r.Context())
			ctx := context.WithValue(r.Context(), operatorContextKey, true)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IsOperator はリクエストがオペレータートークンで認証済みかを返す。
func IsOperator(ctx context.Context) bool {
	ok, _ := ctx.Value(operatorContextKey).(bool)
	return ok
}

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// ClientIP はリクエスト元のIPアドレスを返す。
// X-Forwarded-Forがある場合は先頭のアドレスを使う。
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
