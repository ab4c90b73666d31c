// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/termtunnel/internal/middleware"
	"github.com/hitoshi/termtunnel/internal/model"
)

// handleServiceError はサービス層のエラーを適切なHTTPレスポンスに変換する。
// 想定外のエラーは詳細をログに残し、クライアントには500のみを返す。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		status := mapAPIErrorToHTTPStatus(apiErr.Code)
		if status >= http.StatusInternalServerError {
			slog.Error("request failed",
				slog.String("code", apiErr.Code),
				slog.String("error", err.Error()),
			)
		}
		middleware.WriteErrorResponse(w, status, apiErr)
		return
	}

	var remoteErr *model.RemoteResourceError
	if errors.As(err, &remoteErr) {
		slog.Error("remote resource call failed",
			slog.String("kind", remoteErr.Kind),
			slog.String("resource", remoteErr.Resource),
			slog.Int("status_code", remoteErr.StatusCode),
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusBadGateway, &model.APIError{
			Code:     model.ErrCodeRemoteResource,
			Message:  remoteErr.Error(),
			Category: "upstream",
			Action:   "しばらく待ってから再度お試しください。",
		})
		return
	}

	var cfgErr *model.ConfigurationError
	if errors.As(err, &cfgErr) {
		slog.Error("server is not configured", slog.Any("missing", cfgErr.Missing))
		middleware.WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
			Code:     model.ErrCodeConfiguration,
			Message:  cfgErr.Error(),
			Category: "system",
			Action:   "サーバーの環境変数を確認してください。",
		})
		return
	}

	slog.Error("unexpected service error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorのコードをHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(code string) int {
	switch code {
	case model.ErrCodeInvalidRequest,
		model.ErrCodeInvalidSubdomain,
		model.ErrCodeInvalidToken,
		model.ErrCodeInvalidState,
		model.ErrCodeNoVerifiedEmail,
		model.ErrCodeIdentityMissing:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeProvisionNotFound, model.ErrCodeLoginSessionNotFound:
		return http.StatusNotFound
	case model.ErrCodeTunnelConflict:
		return http.StatusConflict
	case model.ErrCodeUpstreamAuth, model.ErrCodeRemoteResource:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	middleware.WriteJSON(w, status, v)
}

// decodeJSON はリクエストボディをデコードする。ボディが空の場合はvを変更しない。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// statusResponse は操作結果のみを返すレスポンス。
type statusResponse struct {
	Status string `json:"status"`
}

const maxBodyBytes = 64 << 10
