// Package provision はトンネル・DNSレコード・Accessアプリの作成と削除を順序立てて行うドメインロジックを提供する。
package provision

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/termtunnel/internal/cloudflare"
	"github.com/hitoshi/termtunnel/internal/model"
	"github.com/hitoshi/termtunnel/internal/repository"
	"github.com/hitoshi/termtunnel/internal/security"
)

// ResourceClient は外部プラットフォーム上のリソースを操作するクライアントのインターフェース。
type ResourceClient interface {
	CreateTunnel(ctx context.Context, name string) (*cloudflare.Tunnel, error)
	DeleteTunnel(ctx context.Context, tunnelID string) error
	RotateHostKey(ctx context.Context, tunnelID string) error
	CreateDNSRecord(ctx context.Context, subdomain, tunnelID string) (*cloudflare.DNSRecord, error)
	DeleteDNSRecord(ctx context.Context, recordID string) error
	CreateAccessApp(ctx context.Context, identity, subdomain string) (*cloudflare.AccessApp, error)
	DeleteAccessApp(ctx context.Context, appID string) error
}

// OperationObserver はオーケストレーション操作の結果を受け取る。
type OperationObserver interface {
	ObserveOperation(operation string, err error)
}

// Request はプロビジョニング要求。
type Request struct {
	Identity   string // アクセスを許可するメールアドレス
	ExternalID string // GitHubユーザーID（任意）
	Subdomain  string
}

// Config はオーケストレーターの設定。
type Config struct {
	// RequireSecret がtrueの場合、削除時にトンネルトークンの提示を必須とする。
	RequireSecret bool
}

// Service はプロビジョニングのオーケストレーター。状態はRecord Storeのみが保持する。
type Service struct {
	client   ResourceClient
	records  repository.ProvisionRepository
	events   repository.LoginEventRepository
	config   Config
	logger   *slog.Logger
	observer OperationObserver
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	client ResourceClient,
	records repository.ProvisionRepository,
	events repository.LoginEventRepository,
	config Config,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client:  client,
		records: records,
		events:  events,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// SetObserver は操作結果のオブザーバーを設定する。
func (s *Service) SetObserver(observer OperationObserver) {
	s.observer = observer
}

func (s *Service) observe(operation string, err error) {
	if s.observer != nil {
		s.observer.ObserveOperation(operation, err)
	}
}

// Provision はトンネル、DNSレコード、Accessアプリを順に用意し、結果を保存する。
// 途中で失敗した場合は作成済みのリソースを残したままエラーを返す。
func (s *Service) Provision(ctx context.Context, req Request) (p *model.Provision, err error) {
	defer func() { s.observe("provision", err) }()

	if req.Identity == "" {
		return nil, model.NewInvalidRequestError("identity は必須です")
	}
	subdomain, err := security.NormalizeSubdomain(req.Subdomain)
	if err != nil {
		return nil, model.NewInvalidSubdomainError(req.Subdomain, err.Error())
	}

	// 1. トンネル（同名があれば再利用）
	tunnel, err := s.client.CreateTunnel(ctx, subdomain)
	if err != nil {
		return nil, fmt.Errorf("トンネルの作成に失敗しました (subdomain=%s): %w", subdomain, err)
	}

	// 2. トークンの決定: 新規作成時のみ発行されるため、再利用時は保存済みの値を使う
	existing, err := s.records.FindBySubdomain(ctx, subdomain)
	if err != nil {
		return nil, fmt.Errorf("既存のプロビジョニング情報の取得に失敗しました: %w", err)
	}
	token := tunnel.Token
	if token == "" {
		if existing == nil || existing.TunnelToken == "" {
			s.logger.Warn("トンネルは存在するがトークンを復元できません",
				slog.String("subdomain", subdomain),
				slog.String("tunnel_id", tunnel.ID),
			)
			return nil, model.NewTunnelConflictError(subdomain)
		}
		token = existing.TunnelToken
	}

	// 3. DNSレコード
	dns, err := s.client.CreateDNSRecord(ctx, subdomain, tunnel.ID)
	if err != nil {
		return nil, fmt.Errorf("DNSレコードの作成に失敗しました (subdomain=%s, tunnel=%s): %w", subdomain, tunnel.ID, err)
	}

	// 4. Accessアプリとポリシー
	app, err := s.client.CreateAccessApp(ctx, req.Identity, subdomain)
	if err != nil {
		return nil, fmt.Errorf("Accessアプリの作成に失敗しました (subdomain=%s): %w", subdomain, err)
	}

	// 5. 保存（既存レコードは上書き）
	now := s.now()
	p = &model.Provision{
		Subdomain:       subdomain,
		Owner:           req.Identity,
		OwnerExternalID: req.ExternalID,
		TunnelID:        tunnel.ID,
		TunnelToken:     token,
		DNSRecordID:     dns.ID,
		AccessAppID:     app.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if existing != nil {
		p.CreatedAt = existing.CreatedAt
		if p.OwnerExternalID == "" {
			p.OwnerExternalID = existing.OwnerExternalID
		}
	}
	if err := s.records.Upsert(ctx, p); err != nil {
		return nil, fmt.Errorf("プロビジョニング情報の保存に失敗しました: %w", err)
	}

	s.logger.Info("provisioned",
		slog.String("subdomain", subdomain),
		slog.String("tunnel_id", p.TunnelID),
		slog.String("dns_record_id", p.DNSRecordID),
		slog.String("access_app_id", p.AccessAppID),
		slog.Bool("tunnel_reused", tunnel.Token == ""),
	)
	return p, nil
}

// Get はサブドメインのプロビジョニング情報を返す。
func (s *Service) Get(ctx context.Context, subdomain string) (*model.Provision, error) {
	return s.lookup(ctx, subdomain)
}

// Deprovision はAccessアプリ、DNSレコード、トンネルの順に削除し、すべて成功した場合のみレコードを削除する。
func (s *Service) Deprovision(ctx context.Context, subdomain, callerSecret string) (err error) {
	defer func() { s.observe("deprovision", err) }()

	p, err := s.lookup(ctx, subdomain)
	if err != nil {
		return err
	}

	if !s.ownerAllowed(p, callerSecret) {
		s.logger.Warn("削除要求のトークンが一致しません", slog.String("subdomain", p.Subdomain))
		return model.NewForbiddenError()
	}

	steps := []struct {
		resource string
		delete   func() error
	}{
		{"access_app", func() error { return s.client.DeleteAccessApp(ctx, p.AccessAppID) }},
		{"dns_record", func() error { return s.client.DeleteDNSRecord(ctx, p.DNSRecordID) }},
		{"tunnel", func() error { return s.client.DeleteTunnel(ctx, p.TunnelID) }},
	}
	for _, step := range steps {
		if err := step.delete(); err != nil {
			s.logger.Error("リソースの削除に失敗しました",
				slog.String("subdomain", p.Subdomain),
				slog.String("resource", step.resource),
				slog.String("error", err.Error()),
			)
			return model.NewDeletionFailedError(step.resource, err)
		}
	}

	if err := s.records.DeleteBySubdomain(ctx, p.Subdomain); err != nil {
		return fmt.Errorf("プロビジョニング情報の削除に失敗しました: %w", err)
	}

	s.logger.Info("deprovisioned", slog.String("subdomain", p.Subdomain))
	return nil
}

// ownerAllowed は削除要求者がトンネルトークンの所有者かを判定する。
// トークンが提示された場合は常に照合する。提示がない場合はRequireSecretの設定に従う。
func (s *Service) ownerAllowed(p *model.Provision, callerSecret string) bool {
	if callerSecret != "" {
		return subtle.ConstantTimeCompare([]byte(p.TunnelToken), []byte(callerSecret)) == 1
	}
	return !s.config.RequireSecret || p.TunnelToken == ""
}

// RotateKey はトンネルのホスト鍵をローテーションする。保存済みのトークンは変更しない。
func (s *Service) RotateKey(ctx context.Context, subdomain string) (err error) {
	defer func() { s.observe("rotate_key", err) }()

	p, err := s.lookup(ctx, subdomain)
	if err != nil {
		return err
	}

	if err := s.client.RotateHostKey(ctx, p.TunnelID); err != nil {
		return model.NewRotationFailedError(err)
	}

	s.logger.Info("host key rotated",
		slog.String("subdomain", p.Subdomain),
		slog.String("tunnel_id", p.TunnelID),
	)
	return nil
}

// RecordLogin はサブドメインへのログインを履歴に追加する。
func (s *Service) RecordLogin(ctx context.Context, subdomain, user, ip string) (err error) {
	defer func() { s.observe("record_login", err) }()

	if subdomain == "" {
		return model.NewInvalidRequestError("subdomain は必須です")
	}
	user = security.StripMarkup(user)
	if user == "" {
		return model.NewInvalidRequestError("user は必須です")
	}

	event := &model.LoginEvent{
		ID:        uuid.New().String(),
		Subdomain: canonicalKey(subdomain),
		User:      user,
		IP:        ip,
		Timestamp: s.now().UTC(),
	}
	if err := s.events.Append(ctx, event); err != nil {
		return fmt.Errorf("ログイン履歴の保存に失敗しました: %w", err)
	}
	return nil
}

// History はサブドメインのログイン履歴を新しい順に返す。
func (s *Service) History(ctx context.Context, subdomain string) ([]*model.LoginEvent, error) {
	events, err := s.events.ListBySubdomain(ctx, canonicalKey(subdomain))
	if err != nil {
		return nil, fmt.Errorf("ログイン履歴の取得に失敗しました: %w", err)
	}
	return events, nil
}

// lookup はサブドメインのレコードを取得し、存在しない場合はNotFoundを返す。
func (s *Service) lookup(ctx context.Context, subdomain string) (*model.Provision, error) {
	key, err := security.NormalizeSubdomain(subdomain)
	if err != nil {
		// 不正なホスト名で保存されたレコードは存在しない
		return nil, model.NewProvisionNotFoundError(subdomain)
	}

	p, err := s.records.FindBySubdomain(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("プロビジョニング情報の取得に失敗しました: %w", err)
	}
	if p == nil {
		return nil, model.NewProvisionNotFoundError(subdomain)
	}
	return p, nil
}

// canonicalKey は履歴のキーに使うサブドメインを正規化する。
// 正規化できない値はそのまま使う。
func canonicalKey(subdomain string) string {
	if key, err := security.NormalizeSubdomain(subdomain); err == nil {
		return key
	}
	return subdomain
}

// compile-time interface check
var _ ResourceClient = (*cloudflare.Client)(nil)
