// Package cloudflare はトンネル・DNS・Accessアプリを管理するCloudflare v4 APIのクライアントを提供する。
package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/termtunnel/internal/model"
)

const (
	// DefaultBaseURL はCloudflare v4 APIのベースURL。
	DefaultBaseURL = "https://api.cloudflare.com/client/v4"

	// requestTimeout は1回のAPI呼び出しのタイムアウト。
	requestTimeout = 30 * time.Second

	// maxResponseBytes はレスポンスボディの読み取り上限。
	maxResponseBytes = 1 << 20

	// tunnelDomain はトンネルを指すCNAMEのターゲットドメイン。
	tunnelDomain = "cfargotunnel.com"

	// accessSessionDuration はAccessアプリのセッション有効期間。
	accessSessionDuration = "15m"
)

// リソース種別
const (
	resourceTunnel       = "tunnel"
	resourceDNSRecord    = "dns_record"
	resourceAccessApp    = "access_app"
	resourceAccessPolicy = "access_policy"
)

// 操作種別
const (
	kindLookup = "lookup"
	kindCreate = "create"
	kindUpdate = "update"
	kindDelete = "delete"
	kindRotate = "rotate"
)

// Config はCloudflare APIクライアントの設定。
type Config struct {
	APIToken  string
	AccountID string
	ZoneID    string
	BaseURL   string // 空の場合はDefaultBaseURL
}

// Tunnel はトンネル作成結果。既存トンネルを再利用した場合Tokenは空になる。
type Tunnel struct {
	ID    string
	Token string
}

// DNSRecord はDNSレコード作成結果。
type DNSRecord struct {
	ID string
}

// AccessApp はAccessアプリ作成結果。
type AccessApp struct {
	ID string
}

// CallObserver はAPI呼び出しの結果を受け取る。メトリクス収集に使用する。
type CallObserver interface {
	ObserveRemoteCall(operation string, duration time.Duration, err error)
}

// Client はCloudflare v4 APIのクライアント。
// 呼び出しはリトライせず、失敗は*model.RemoteResourceErrorとして返す。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	config     Config
	observer   CallObserver
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(config Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		config:     config,
	}
}

// SetObserver はAPI呼び出しのオブザーバーを設定する。
func (c *Client) SetObserver(observer CallObserver) {
	c.observer = observer
}

// envelope はCloudflare v4 APIの共通レスポンス形式。
type envelope struct {
	Success bool            `json:"success"`
	Errors  []apiMessage    `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type apiMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type idResult struct {
	ID string `json:"id"`
}

type tunnelResult struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

type dnsRecordResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

type accessPolicyResult struct {
	ID       string       `json:"id"`
	Decision string       `json:"decision"`
	Include  []accessRule `json:"include"`
}

type accessAppResult struct {
	ID     string `json:"id"`
	Domain string `json:"domain"`
}

type accessRule struct {
	Email accessEmail `json:"email"`
}

type accessEmail struct {
	Email string `json:"email"`
}

// CreateTunnel は名前でトンネルを検索し、存在すればそのIDを返す。
// 存在しなければ新規作成し、IDとコネクタトークンを返す。
func (c *Client) CreateTunnel(ctx context.Context, name string) (*Tunnel, error) {
	if err := c.requireConfig(true, false); err != nil {
		return nil, err
	}
	path := "/accounts/" + url.PathEscape(c.config.AccountID) + "/cfd_tunnel"

	var found []tunnelResult
	query := url.Values{"name": {name}, "is_deleted": {"false"}}
	if err := c.do(ctx, kindLookup, resourceTunnel, http.MethodGet, path, query, nil, &found); err != nil {
		return nil, err
	}
	for _, t := range found {
		if t.Name != name {
			continue
		}
		if t.ID == "" {
			return nil, missingField(kindLookup, resourceTunnel, "id")
		}
		c.logger.Info("既存のトンネルを再利用します",
			slog.String("tunnel_name", name),
			slog.String("tunnel_id", t.ID),
		)
		return &Tunnel{ID: t.ID}, nil
	}

	var created tunnelResult
	body := map[string]string{"name": name, "config_src": "cloudflare"}
	if err := c.do(ctx, kindCreate, resourceTunnel, http.MethodPost, path, nil, body, &created); err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, missingField(kindCreate, resourceTunnel, "id")
	}

	return &Tunnel{ID: created.ID, Token: created.Token}, nil
}

// DeleteTunnel はトンネルを削除する。
func (c *Client) DeleteTunnel(ctx context.Context, tunnelID string) error {
	if err := c.requireConfig(true, false); err != nil {
		return err
	}
	path := "/accounts/" + url.PathEscape(c.config.AccountID) + "/cfd_tunnel/" + url.PathEscape(tunnelID)
	return c.do(ctx, kindDelete, resourceTunnel, http.MethodDelete, path, nil, nil, nil)
}

// RotateHostKey はトンネルのホスト鍵をローテーションする。
func (c *Client) RotateHostKey(ctx context.Context, tunnelID string) error {
	if err := c.requireConfig(true, false); err != nil {
		return err
	}
	path := "/accounts/" + url.PathEscape(c.config.AccountID) + "/cfd_tunnel/" + url.PathEscape(tunnelID) + "/host_key/rotate"
	return c.do(ctx, kindRotate, resourceTunnel, http.MethodPost, path, nil, nil, nil)
}

// CreateDNSRecord はサブドメインからトンネルへのプロキシ済みCNAMEレコードを用意する。
// 同名のCNAMEが既にあれば再利用し、向き先が異なる場合はトンネルを指すよう更新する。
func (c *Client) CreateDNSRecord(ctx context.Context, subdomain, tunnelID string) (*DNSRecord, error) {
	if err := c.requireConfig(false, true); err != nil {
		return nil, err
	}
	path := "/zones/" + url.PathEscape(c.config.ZoneID) + "/dns_records"
	target := tunnelID + "." + tunnelDomain

	existing, err := c.findDNSRecord(ctx, path, subdomain)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !strings.EqualFold(strings.TrimSuffix(existing.Content, "."), target) {
			patch := map[string]any{"content": target, "proxied": true}
			if err := c.do(ctx, kindUpdate, resourceDNSRecord, http.MethodPatch, path+"/"+url.PathEscape(existing.ID), nil, patch, nil); err != nil {
				return nil, err
			}
		}
		c.logger.Info("既存のDNSレコードを再利用します",
			slog.String("subdomain", subdomain),
			slog.String("dns_record_id", existing.ID),
		)
		return &DNSRecord{ID: existing.ID}, nil
	}

	body := map[string]any{
		"type":    "CNAME",
		"name":    subdomain,
		"content": target,
		"proxied": true,
	}
	var created idResult
	if err := c.do(ctx, kindCreate, resourceDNSRecord, http.MethodPost, path, nil, body, &created); err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, missingField(kindCreate, resourceDNSRecord, "id")
	}

	return &DNSRecord{ID: created.ID}, nil
}

// findDNSRecord はサブドメインに一致するCNAMEレコードを返す。見つからない場合はnilを返す。
// APIは完全修飾名で返すため、前方一致で取得してゾーン相対の名前とも照合する。
func (c *Client) findDNSRecord(ctx context.Context, path, subdomain string) (*dnsRecordResult, error) {
	var found []dnsRecordResult
	query := url.Values{"type": {"CNAME"}, "name.startswith": {subdomain}}
	if err := c.do(ctx, kindLookup, resourceDNSRecord, http.MethodGet, path, query, nil, &found); err != nil {
		return nil, err
	}
	want := strings.ToLower(subdomain)
	for i := range found {
		name := strings.ToLower(strings.TrimSuffix(found[i].Name, "."))
		if name != want && !strings.HasPrefix(name, want+".") {
			continue
		}
		if found[i].ID == "" {
			return nil, missingField(kindLookup, resourceDNSRecord, "id")
		}
		return &found[i], nil
	}
	return nil, nil
}

// DeleteDNSRecord はDNSレコードを削除する。
func (c *Client) DeleteDNSRecord(ctx context.Context, recordID string) error {
	if err := c.requireConfig(false, true); err != nil {
		return err
	}
	path := "/zones/" + url.PathEscape(c.config.ZoneID) + "/dns_records/" + url.PathEscape(recordID)
	return c.do(ctx, kindDelete, resourceDNSRecord, http.MethodDelete, path, nil, nil, nil)
}

// CreateAccessApp はサブドメインのSSH用Accessアプリを用意し、identityのみを許可するポリシーを付与する。
// ドメインが一致する既存アプリがあれば新規作成せずに再利用し、ポリシーも1件に揃える。
func (c *Client) CreateAccessApp(ctx context.Context, identity, subdomain string) (*AccessApp, error) {
	if err := c.requireConfig(true, false); err != nil {
		return nil, err
	}
	appsPath := "/accounts/" + url.PathEscape(c.config.AccountID) + "/access/apps"

	appID, err := c.findAccessApp(ctx, appsPath, subdomain)
	if err != nil {
		return nil, err
	}

	created := appID == ""
	if created {
		var result accessAppResult
		body := map[string]string{
			"name":             subdomain,
			"domain":           subdomain,
			"type":             "ssh",
			"session_duration": accessSessionDuration,
		}
		if err := c.do(ctx, kindCreate, resourceAccessApp, http.MethodPost, appsPath, nil, body, &result); err != nil {
			return nil, err
		}
		if result.ID == "" {
			return nil, missingField(kindCreate, resourceAccessApp, "id")
		}
		appID = result.ID
	}

	if err := c.ensurePolicy(ctx, appsPath+"/"+url.PathEscape(appID)+"/policies", identity, created); err != nil {
		return nil, err
	}

	return &AccessApp{ID: appID}, nil
}

// ensurePolicy はアプリのポリシーをidentityのみを許可する1件に揃える。
// 既存アプリでは一致するポリシーを再利用し、それ以外は置き換えたうえで余分なものを削除する。
func (c *Client) ensurePolicy(ctx context.Context, policyPath, identity string, fresh bool) error {
	policy := map[string]any{
		"name":     "allow " + identity,
		"decision": "allow",
		"include":  []accessRule{{Email: accessEmail{Email: identity}}},
	}
	if fresh {
		return c.do(ctx, kindCreate, resourceAccessPolicy, http.MethodPost, policyPath, nil, policy, nil)
	}

	var existing []accessPolicyResult
	if err := c.do(ctx, kindLookup, resourceAccessPolicy, http.MethodGet, policyPath, nil, nil, &existing); err != nil {
		return err
	}
	if len(existing) == 0 {
		return c.do(ctx, kindCreate, resourceAccessPolicy, http.MethodPost, policyPath, nil, policy, nil)
	}

	keep := 0
	for i, p := range existing {
		if allowsOnly(p, identity) {
			keep = i
			break
		}
	}
	if existing[keep].ID == "" {
		return missingField(kindLookup, resourceAccessPolicy, "id")
	}
	if !allowsOnly(existing[keep], identity) {
		path := policyPath + "/" + url.PathEscape(existing[keep].ID)
		if err := c.do(ctx, kindUpdate, resourceAccessPolicy, http.MethodPut, path, nil, policy, nil); err != nil {
			return err
		}
	}
	for i, p := range existing {
		if i == keep || p.ID == "" {
			continue
		}
		if err := c.do(ctx, kindDelete, resourceAccessPolicy, http.MethodDelete, policyPath+"/"+url.PathEscape(p.ID), nil, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// allowsOnly はポリシーがidentityのメールアドレスだけを対象にしているか判定する。
func allowsOnly(p accessPolicyResult, identity string) bool {
	return p.Decision == "allow" && len(p.Include) == 1 && strings.EqualFold(p.Include[0].Email.Email, identity)
}

// findAccessApp はドメインが一致するAccessアプリのIDを返す。見つからない場合は空文字を返す。
func (c *Client) findAccessApp(ctx context.Context, appsPath, domain string) (string, error) {
	var apps []accessAppResult
	if err := c.do(ctx, kindLookup, resourceAccessApp, http.MethodGet, appsPath, nil, nil, &apps); err != nil {
		return "", err
	}
	for _, app := range apps {
		if !strings.EqualFold(strings.TrimSuffix(app.Domain, "."), domain) {
			continue
		}
		if app.ID == "" {
			return "", missingField(kindLookup, resourceAccessApp, "id")
		}
		c.logger.Info("既存のAccessアプリを再利用します",
			slog.String("subdomain", domain),
			slog.String("access_app_id", app.ID),
		)
		return app.ID, nil
	}
	return "", nil
}

// DeleteAccessApp はAccessアプリを削除する。
func (c *Client) DeleteAccessApp(ctx context.Context, appID string) error {
	if err := c.requireConfig(true, false); err != nil {
		return err
	}
	path := "/accounts/" + url.PathEscape(c.config.AccountID) + "/access/apps/" + url.PathEscape(appID)
	return c.do(ctx, kindDelete, resourceAccessApp, http.MethodDelete, path, nil, nil, nil)
}

// requireConfig は呼び出しに必要な設定が揃っているか確認する。
// 不足がある場合はネットワーク呼び出しの前に*model.ConfigurationErrorを返す。
func (c *Client) requireConfig(needAccount, needZone bool) error {
	var missing []string
	if c.config.APIToken == "" {
		missing = append(missing, "CLOUDFLARE_TOKEN")
	}
	if needAccount && c.config.AccountID == "" {
		missing = append(missing, "CLOUDFLARE_ACCOUNT_ID")
	}
	if needZone && c.config.ZoneID == "" {
		missing = append(missing, "CLOUDFLARE_ZONE_ID")
	}
	if len(missing) > 0 {
		return &model.ConfigurationError{Missing: missing}
	}
	return nil
}

// do はAPIを呼び出し、エンベロープを検証してresultをoutにデコードする。
func (c *Client) do(ctx context.Context, kind, resource, method, path string, query url.Values, body any, out any) (err error) {
	start := time.Now()
	if c.observer != nil {
		defer func() {
			c.observer.ObserveRemoteCall(kind+"_"+resource, time.Since(start), err)
		}()
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	reqURL := c.config.BaseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", resource, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", resource, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Cloudflare APIの呼び出しに失敗しました",
			slog.String("operation", kind),
			slog.String("resource", resource),
			slog.String("error", err.Error()),
		)
		return &model.RemoteResourceError{Kind: kind, Resource: resource, Detail: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &model.RemoteResourceError{
			Kind: kind, Resource: resource, StatusCode: resp.StatusCode,
			Detail: "failed to read response: " + err.Error(),
		}
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 || decodeErr != nil || !env.Success {
		detail := errorDetail(env.Errors)
		if detail == "" && decodeErr != nil {
			detail = "invalid response body: " + decodeErr.Error()
		}
		if detail == "" {
			detail = http.StatusText(resp.StatusCode)
		}
		c.logger.Error("Cloudflare APIがエラーを返しました",
			slog.String("operation", kind),
			slog.String("resource", resource),
			slog.Int("http_status", resp.StatusCode),
			slog.String("detail", detail),
		)
		return &model.RemoteResourceError{Kind: kind, Resource: resource, StatusCode: resp.StatusCode, Detail: detail}
	}

	if out == nil {
		return nil
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return missingField(kind, resource, "result")
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return &model.RemoteResourceError{
			Kind: kind, Resource: resource, StatusCode: resp.StatusCode,
			Detail: "invalid result: " + err.Error(),
		}
	}

	return nil
}

// errorDetail はエンベロープのエラー一覧を1行にまとめる。
func errorDetail(messages []apiMessage) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		if m.Code != 0 {
			parts = append(parts, fmt.Sprintf("%d: %s", m.Code, m.Message))
		} else {
			parts = append(parts, m.Message)
		}
	}
	return strings.Join(parts, "; ")
}

func missingField(kind, resource, field string) error {
	return &model.RemoteResourceError{
		Kind:     kind,
		Resource: resource,
		Detail:   fmt.Sprintf("response is missing required field %q", field),
	}
}
