package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/termtunnel/internal/model"
	"github.com/hitoshi/termtunnel/internal/provision"
)

// --- モック定義 ---

// mockProvisionService はProvisionServiceInterfaceのモック実装。
type mockProvisionService struct {
	provisionFn   func(ctx context.Context, req provision.Request) (*model.Provision, error)
	getFn         func(ctx context.Context, subdomain string) (*model.Provision, error)
	deprovisionFn func(ctx context.Context, subdomain, callerSecret string) error
	rotateKeyFn   func(ctx context.Context, subdomain string) error
	recordLoginFn func(ctx context.Context, subdomain, user, ip string) error
	historyFn     func(ctx context.Context, subdomain string) ([]*model.LoginEvent, error)
}

func (m *mockProvisionService) Provision(ctx context.Context, req provision.Request) (*model.Provision, error) {
	if m.provisionFn != nil {
		return m.provisionFn(ctx, req)
	}
	return nil, nil
}

func (m *mockProvisionService) Get(ctx context.Context, subdomain string) (*model.Provision, error) {
	if m.getFn != nil {
		return m.getFn(ctx, subdomain)
	}
	return nil, nil
}

func (m *mockProvisionService) Deprovision(ctx context.Context, subdomain, callerSecret string) error {
	if m.deprovisionFn != nil {
		return m.deprovisionFn(ctx, subdomain, callerSecret)
	}
	return nil
}

func (m *mockProvisionService) RotateKey(ctx context.Context, subdomain string) error {
	if m.rotateKeyFn != nil {
		return m.rotateKeyFn(ctx, subdomain)
	}
	return nil
}

func (m *mockProvisionService) RecordLogin(ctx context.Context, subdomain, user, ip string) error {
	if m.recordLoginFn != nil {
		return m.recordLoginFn(ctx, subdomain, user, ip)
	}
	return nil
}

func (m *mockProvisionService) History(ctx context.Context, subdomain string) ([]*model.LoginEvent, error) {
	if m.historyFn != nil {
		return m.historyFn(ctx, subdomain)
	}
	return nil, nil
}

func sampleProvision() *model.Provision {
	return &model.Provision{
		Subdomain:   "x.example.com",
		Owner:       "u@example.com",
		TunnelID:    "tun-1",
		TunnelToken: "secret-1",
		DNSRecordID: "dns-1",
		AccessAppID: "app-1",
	}
}

// --- POST /provision ---

func TestProvisionHandler_Provision_Success(t *testing.T) {
	var got provision.Request
	svc := &mockProvisionService{
		provisionFn: func(ctx context.Context, req provision.Request) (*model.Provision, error) {
			got = req
			return sampleProvision(), nil
		},
	}
	h := NewProvisionHandler(svc)

	body := `{"identity":"u@example.com","subdomain":"x.example.com","github_id":"42"}`
	w := httptest.NewRecorder()
	h.Provision(w, httptest.NewRequest(http.MethodPost, "/provision", bytes.NewBufferString(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got.Identity != "u@example.com" || got.Subdomain != "x.example.com" || got.ExternalID != "42" {
		t.Errorf("request = %+v", got)
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	want := map[string]string{
		"tunnel_id":     "tun-1",
		"tunnel_token":  "secret-1",
		"dns_record_id": "dns-1",
		"access_app_id": "app-1",
	}
	for k, v := range want {
		if resp[k] != v {
			t.Errorf("%s = %q, want %q", k, resp[k], v)
		}
	}
}

func TestProvisionHandler_Provision_EmailAlias(t *testing.T) {
	var got provision.Request
	svc := &mockProvisionService{
		provisionFn: func(ctx context.Context, req provision.Request) (*model.Provision, error) {
			got = req
			return sampleProvision(), nil
		},
	}
	h := NewProvisionHandler(svc)

	body := `{"email":"alias@example.com","subdomain":"x.example.com"}`
	w := httptest.NewRecorder()
	h.Provision(w, httptest.NewRequest(http.MethodPost, "/provision", bytes.NewBufferString(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got.Identity != "alias@example.com" {
		t.Errorf("Identity = %q, want alias@example.com", got.Identity)
	}
}

func TestProvisionHandler_Provision_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"不正なJSON", `{"identity":`},
		{"subdomainなし", `{"identity":"u@example.com"}`},
		{"ボディなし", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			svc := &mockProvisionService{
				provisionFn: func(ctx context.Context, req provision.Request) (*model.Provision, error) {
					called = true
					return nil, nil
				},
			}
			h := NewProvisionHandler(svc)

			w := httptest.NewRecorder()
			h.Provision(w, httptest.NewRequest(http.MethodPost, "/provision", bytes.NewBufferString(tt.body)))

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if called {
				t.Error("service should not be called")
			}
		})
	}
}

func TestProvisionHandler_Provision_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"不正なサブドメイン", model.NewInvalidSubdomainError("bad", "IPアドレスは指定できません"), http.StatusBadRequest},
		{"トンネル競合", model.NewTunnelConflictError("x.example.com"), http.StatusConflict},
		{"リモート失敗", &model.RemoteResourceError{Kind: "create", Resource: "tunnel", StatusCode: 500}, http.StatusBadGateway},
		{"設定不足", &model.ConfigurationError{Missing: []string{"CLOUDFLARE_ZONE_ID"}}, http.StatusInternalServerError},
		{"ストア障害", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockProvisionService{
				provisionFn: func(ctx context.Context, req provision.Request) (*model.Provision, error) {
					return nil, tt.err
				},
			}
			h := NewProvisionHandler(svc)

			body := `{"identity":"u@example.com","subdomain":"x.example.com"}`
			w := httptest.NewRecorder()
			h.Provision(w, httptest.NewRequest(http.MethodPost, "/provision", bytes.NewBufferString(body)))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

// --- GET /provision/{subdomain} ---

func TestProvisionHandler_Get(t *testing.T) {
	svc := &mockProvisionService{
		getFn: func(ctx context.Context, subdomain string) (*model.Provision, error) {
			if subdomain != "x.example.com" {
				return nil, model.NewProvisionNotFoundError(subdomain)
			}
			return sampleProvision(), nil
		},
	}
	h := NewProvisionHandler(svc)

	w := httptest.NewRecorder()
	h.Get(w, withChiURLParam(httptest.NewRequest(http.MethodGet, "/provision/x.example.com", nil), "subdomain", "x.example.com"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	w = httptest.NewRecorder()
	h.Get(w, withChiURLParam(httptest.NewRequest(http.MethodGet, "/provision/y.example.com", nil), "subdomain", "y.example.com"))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// --- DELETE /provision/{subdomain} ---

func TestProvisionHandler_Deprovision(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantSecret string
		wantStatus int
	}{
		{"トークンあり", `{"tunnel_token":"secret-1"}`, nil, "secret-1", http.StatusOK},
		{"ボディなし", ``, nil, "", http.StatusOK},
		{"トークン不一致", `{"tunnel_token":"wrong"}`, model.NewForbiddenError(), "wrong", http.StatusForbidden},
		{"存在しない", ``, model.NewProvisionNotFoundError("x.example.com"), "", http.StatusNotFound},
		{"削除途中で失敗", ``, model.NewDeletionFailedError("dns_record", errors.New("boom")), "", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotSecret string
			svc := &mockProvisionService{
				deprovisionFn: func(ctx context.Context, subdomain, callerSecret string) error {
					gotSecret = callerSecret
					return tt.err
				},
			}
			h := NewProvisionHandler(svc)

			req := httptest.NewRequest(http.MethodDelete, "/provision/x.example.com", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()
			h.Deprovision(w, withChiURLParam(req, "subdomain", "x.example.com"))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if gotSecret != tt.wantSecret {
				t.Errorf("callerSecret = %q, want %q", gotSecret, tt.wantSecret)
			}
			if tt.wantStatus == http.StatusOK {
				var resp map[string]string
				json.NewDecoder(w.Body).Decode(&resp)
				if resp["status"] != "deleted" {
					t.Errorf("status = %q, want deleted", resp["status"])
				}
			}
		})
	}
}

// --- POST /rotate-key/{subdomain} ---

func TestProvisionHandler_RotateKey(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"成功", nil, http.StatusOK},
		{"存在しない", model.NewProvisionNotFoundError("x.example.com"), http.StatusNotFound},
		{"ローテーション失敗", model.NewRotationFailedError(&model.RemoteResourceError{Kind: "rotate", Resource: "host_key"}), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockProvisionService{
				rotateKeyFn: func(ctx context.Context, subdomain string) error { return tt.err },
			}
			h := NewProvisionHandler(svc)

			w := httptest.NewRecorder()
			h.RotateKey(w, withChiURLParam(httptest.NewRequest(http.MethodPost, "/rotate-key/x.example.com", nil), "subdomain", "x.example.com"))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

// --- POST /record-login/{subdomain} ---

func TestProvisionHandler_RecordLogin(t *testing.T) {
	var gotUser, gotIP string
	svc := &mockProvisionService{
		recordLoginFn: func(ctx context.Context, subdomain, user, ip string) error {
			gotUser, gotIP = user, ip
			return nil
		},
	}
	h := NewProvisionHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/record-login/x.example.com", bytes.NewBufferString(`{"user":"alice","ip":"198.51.100.1"}`))
	w := httptest.NewRecorder()
	h.RecordLogin(w, withChiURLParam(req, "subdomain", "x.example.com"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotUser != "alice" || gotIP != "198.51.100.1" {
		t.Errorf("RecordLogin(user=%q, ip=%q)", gotUser, gotIP)
	}
}

func TestProvisionHandler_RecordLogin_DefaultsToClientIP(t *testing.T) {
	var gotIP string
	svc := &mockProvisionService{
		recordLoginFn: func(ctx context.Context, subdomain, user, ip string) error {
			gotIP = ip
			return nil
		},
	}
	h := NewProvisionHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/record-login/x.example.com", bytes.NewBufferString(`{"user":"alice"}`))
	req.RemoteAddr = "192.0.2.44:5555"
	w := httptest.NewRecorder()
	h.RecordLogin(w, withChiURLParam(req, "subdomain", "x.example.com"))

	if gotIP != "192.0.2.44" {
		t.Errorf("ip = %q, want 192.0.2.44", gotIP)
	}
}

func TestProvisionHandler_RecordLogin_MissingUser(t *testing.T) {
	svc := &mockProvisionService{
		recordLoginFn: func(ctx context.Context, subdomain, user, ip string) error {
			return model.NewInvalidRequestError("user は必須です")
		},
	}
	h := NewProvisionHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/record-login/x.example.com", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	h.RecordLogin(w, withChiURLParam(req, "subdomain", "x.example.com"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// --- GET /history/{subdomain} ---

func TestProvisionHandler_History(t *testing.T) {
	t3 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := &mockProvisionService{
		historyFn: func(ctx context.Context, subdomain string) ([]*model.LoginEvent, error) {
			return []*model.LoginEvent{
				{User: "carol", IP: "192.0.2.3", Timestamp: t3},
				{User: "bob", IP: "192.0.2.2", Timestamp: t3.Add(-time.Hour)},
			}, nil
		},
	}
	h := NewProvisionHandler(svc)

	w := httptest.NewRecorder()
	h.History(w, withChiURLParam(httptest.NewRequest(http.MethodGet, "/history/x.example.com", nil), "subdomain", "x.example.com"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp []loginEventResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("len = %d, want 2", len(resp))
	}
	if resp[0].User != "carol" || !resp[0].Timestamp.Equal(t3) {
		t.Errorf("resp[0] = %+v", resp[0])
	}
}

func TestProvisionHandler_History_EmptyIsArray(t *testing.T) {
	h := NewProvisionHandler(&mockProvisionService{})

	w := httptest.NewRecorder()
	h.History(w, withChiURLParam(httptest.NewRequest(http.MethodGet, "/history/none.example.com", nil), "subdomain", "none.example.com"))

	if got := bytes.TrimSpace(w.Body.Bytes()); string(got) != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}
