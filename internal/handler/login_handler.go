package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/termtunnel/internal/auth"
	"github.com/hitoshi/termtunnel/internal/middleware"
	"github.com/hitoshi/termtunnel/internal/model"
)

// LoginServiceInterface はログインハンドラーが必要とするサービスインターフェース。
type LoginServiceInterface interface {
	Start(ctx context.Context) (*auth.LoginStart, error)
	Submit(ctx context.Context, id, token string) error
	Callback(ctx context.Context, code, state string) (*model.VerifiedIdentity, error)
	Status(ctx context.Context, id string) (bool, error)
	Whoami(ctx context.Context, id, token string) (string, error)
}

// LoginHandlerConfig はログインハンドラーの設定。
type LoginHandlerConfig struct {
	// SuccessURL はGitHub認証完了後のリダイレクト先。空の場合はJSONで応答する。
	SuccessURL string
	// Logger はハンドラーのログ出力先。nilの場合はslog.Default()。
	Logger *slog.Logger
}

// LoginHandler はCLIログインのHTTPハンドラー。
type LoginHandler struct {
	service LoginServiceInterface
	config  LoginHandlerConfig
	logger  *slog.Logger
}

// NewLoginHandler はLoginHandlerを生成する。
func NewLoginHandler(service LoginServiceInterface, config LoginHandlerConfig) *LoginHandler {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LoginHandler{service: service, config: config, logger: logger}
}

// startLoginResponse はPOST /loginのレスポンス。
type startLoginResponse struct {
	URL          string `json:"url"`
	Token        string `json:"token"`
	ClientID     string `json:"client_id"`
	AuthorizeURL string `json:"authorize_url"`
}

// submitTokenRequest はPOST /login/{id}のリクエストボディ。
type submitTokenRequest struct {
	Token string `json:"token"`
}

// Start はログインセッションを発行する。
// POST /login
func (h *LoginHandler) Start(w http.ResponseWriter, r *http.Request) {
	start, err := h.service.Start(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, startLoginResponse{
		URL:          start.URL,
		Token:        start.Token,
		ClientID:     start.ClientID,
		AuthorizeURL: start.AuthorizeURL,
	})
}

// Submit はボディのトークンでセッションを検証済みにする。
// POST /login/{id}
func (h *LoginHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディが不正です"))
		return
	}
	h.submit(w, r, req.Token)
}

// SubmitQuery はクエリパラメータのトークンでセッションを検証済みにする。
// ブラウザでURLを開くだけで完了できるようにするためのGET版。
// GET /login/{id}?token=xxx
func (h *LoginHandler) SubmitQuery(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, r.URL.Query().Get("token"))
}

func (h *LoginHandler) submit(w http.ResponseWriter, r *http.Request, token string) {
	id := chi.URLParam(r, "id")
	if err := h.service.Submit(r.Context(), id, token); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "verified"})
}

// Status はセッションの検証状態を返す。
// GET /login/{id}/status
func (h *LoginHandler) Status(w http.ResponseWriter, r *http.Request) {
	verified, err := h.service.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": verified})
}

// Whoami は検証済みセッションのメールアドレスを返す。
// ログイントークンはAuthorizationヘッダーのBearerで受け取る。
// GET /login/{id}/whoami
func (h *LoginHandler) Whoami(w http.ResponseWriter, r *http.Request) {
	token, _ := middleware.BearerToken(r)
	email, err := h.service.Whoami(r.Context(), chi.URLParam(r, "id"), token)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"email": email})
}

// Callback はGitHub OAuthのコールバックを処理する。
// GET /oauth/callback?code=xxx&state=yyy
func (h *LoginHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errParam := q.Get("error"); errParam != "" {
		h.logger.Warn("github authorization denied", slog.String("error", errParam))
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("GitHubでの認可が拒否されました"))
		return
	}

	identity, err := h.service.Callback(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if h.config.SuccessURL == "" {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "verified",
			"email":  identity.Email,
		})
		return
	}
	http.Redirect(w, r, h.config.SuccessURL, http.StatusTemporaryRedirect)
}
