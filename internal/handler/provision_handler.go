package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/termtunnel/internal/middleware"
	"github.com/hitoshi/termtunnel/internal/model"
	"github.com/hitoshi/termtunnel/internal/provision"
)

// ProvisionServiceInterface はプロビジョニングハンドラーが必要とするサービスインターフェース。
type ProvisionServiceInterface interface {
	Provision(ctx context.Context, req provision.Request) (*model.Provision, error)
	Get(ctx context.Context, subdomain string) (*model.Provision, error)
	Deprovision(ctx context.Context, subdomain, callerSecret string) error
	RotateKey(ctx context.Context, subdomain string) error
	RecordLogin(ctx context.Context, subdomain, user, ip string) error
	History(ctx context.Context, subdomain string) ([]*model.LoginEvent, error)
}

// ProvisionHandler はプロビジョニング関連のHTTPハンドラー。
type ProvisionHandler struct {
	service ProvisionServiceInterface
}

// NewProvisionHandler はProvisionHandlerを生成する。
func NewProvisionHandler(service ProvisionServiceInterface) *ProvisionHandler {
	return &ProvisionHandler{service: service}
}

// provisionRequest はPOST /provisionのリクエストボディ。emailはidentityの別名。
type provisionRequest struct {
	Identity  string `json:"identity"`
	Email     string `json:"email"`
	Subdomain string `json:"subdomain"`
	GitHubID  string `json:"github_id"`
}

// provisionResponse はプロビジョニング結果のレスポンス。
type provisionResponse struct {
	TunnelID    string `json:"tunnel_id"`
	TunnelToken string `json:"tunnel_token"`
	DNSRecordID string `json:"dns_record_id"`
	AccessAppID string `json:"access_app_id"`
}

// deprovisionRequest はDELETE /provision/{subdomain}のリクエストボディ。
type deprovisionRequest struct {
	TunnelToken string `json:"tunnel_token"`
}

// recordLoginRequest はPOST /record-login/{subdomain}のリクエストボディ。
type recordLoginRequest struct {
	User string `json:"user"`
	IP   string `json:"ip"`
}

// loginEventResponse はログイン履歴の1件。
type loginEventResponse struct {
	User      string    `json:"user"`
	IP        string    `json:"ip"`
	Timestamp time.Time `json:"timestamp"`
}

func toProvisionResponse(p *model.Provision) provisionResponse {
	return provisionResponse{
		TunnelID:    p.TunnelID,
		TunnelToken: p.TunnelToken,
		DNSRecordID: p.DNSRecordID,
		AccessAppID: p.AccessAppID,
	}
}

// Provision はトンネル・DNS・Accessアプリを用意する。
// POST /provision
func (h *ProvisionHandler) Provision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディが不正です"))
		return
	}

	identity := req.Identity
	if identity == "" {
		identity = req.Email
	}
	if req.Subdomain == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("subdomain は必須です"))
		return
	}

	p, err := h.service.Provision(r.Context(), provision.Request{
		Identity:   identity,
		ExternalID: req.GitHubID,
		Subdomain:  req.Subdomain,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toProvisionResponse(p))
}

// Get は保存済みのプロビジョニング情報を返す。
// GET /provision/{subdomain}
func (h *ProvisionHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), chi.URLParam(r, "subdomain"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProvisionResponse(p))
}

// Deprovision はリソースを逆順に削除する。
// DELETE /provision/{subdomain}
func (h *ProvisionHandler) Deprovision(w http.ResponseWriter, r *http.Request) {
	var req deprovisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディが不正です"))
		return
	}

	if err := h.service.Deprovision(r.Context(), chi.URLParam(r, "subdomain"), req.TunnelToken); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "deleted"})
}

// RotateKey はトンネルのホスト鍵をローテーションする。
// POST /rotate-key/{subdomain}
func (h *ProvisionHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RotateKey(r.Context(), chi.URLParam(r, "subdomain")); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "rotated"})
}

// RecordLogin はログインを履歴に追加する。ipが省略された場合は接続元アドレスを使う。
// POST /record-login/{subdomain}
func (h *ProvisionHandler) RecordLogin(w http.ResponseWriter, r *http.Request) {
	var req recordLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディが不正です"))
		return
	}
	if req.IP == "" {
		req.IP = middleware.ClientIP(r)
	}

	if err := h.service.RecordLogin(r.Context(), chi.URLParam(r, "subdomain"), req.User, req.IP); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "recorded"})
}

// History はログイン履歴を新しい順に返す。
// GET /history/{subdomain}
func (h *ProvisionHandler) History(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.History(r.Context(), chi.URLParam(r, "subdomain"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]loginEventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, loginEventResponse{User: e.User, IP: e.IP, Timestamp: e.Timestamp})
	}
	writeJSON(w, http.StatusOK, resp)
}
