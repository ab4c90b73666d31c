// Package auth はCLIログインのワンタイムトークンによるハンドシェイクとGitHub OAuth連携を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/termtunnel/internal/model"
	"github.com/hitoshi/termtunnel/internal/repository"
)

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Login          string
	Email          string // プライマリかつ検証済みのアドレス。なければ空
	Provider       string
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// ServiceConfig はログインハンドシェイクの設定。
type ServiceConfig struct {
	ClientID   string        // GitHub OAuthクライアントID
	SessionTTL time.Duration // 未検証セッションの有効期間。0以下で無期限
}

// LoginStart はログイン開始時にCLIへ返す情報。
type LoginStart struct {
	ID           string
	Token        string
	URL          string
	ClientID     string
	AuthorizeURL string
}

// loginState はOAuthのstateパラメータに埋め込むセッション情報。
type loginState struct {
	UID   string `json:"uid"`
	Token string `json:"token"`
}

// Service はログインハンドシェイクのビジネスロジックを提供する。
type Service struct {
	oauth    OAuthProvider
	sessions repository.LoginSessionRepository
	config   ServiceConfig
	now      func() time.Time
}

// NewService はServiceを生成する。
func NewService(oauth OAuthProvider, sessions repository.LoginSessionRepository, config ServiceConfig) *Service {
	return &Service{
		oauth:    oauth,
		sessions: sessions,
		config:   config,
		now:      time.Now,
	}
}

// Start は新しいログインセッションを発行する。
func (s *Service) Start(ctx context.Context) (*LoginStart, error) {
	if s.config.ClientID == "" {
		return nil, &model.ConfigurationError{Missing: []string{"GITHUB_CLIENT_ID"}}
	}

	token, err := generateLoginToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate login token: %w", err)
	}

	session := &model.LoginSession{
		ID:        strings.ReplaceAll(uuid.New().String(), "-", ""),
		Token:     token,
		CreatedAt: s.now(),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create login session: %w", err)
	}

	slog.Info("login session started", slog.String("login_id", session.ID))

	return &LoginStart{
		ID:           session.ID,
		Token:        session.Token,
		URL:          "/login/" + session.ID,
		ClientID:     s.config.ClientID,
		AuthorizeURL: s.oauth.GetLoginURL(EncodeState(session.ID, session.Token)),
	}, nil
}

// Submit はトークンを照合しセッションを検証済みにする。再送しても結果は変わらない。
func (s *Service) Submit(ctx context.Context, id, token string) error {
	session, err := s.findActive(ctx, id)
	if err != nil {
		return err
	}
	if session == nil || !tokenMatches(session.Token, token) {
		return model.NewInvalidTokenError()
	}

	if err := s.sessions.MarkVerified(ctx, id, model.VerifiedIdentity{}); err != nil {
		return fmt.Errorf("failed to verify login session: %w", err)
	}

	slog.Info("login session verified by token", slog.String("login_id", id))
	return nil
}

// Callback はGitHub OAuthのコールバックを処理し、セッションに検証済みIDを紐付ける。
func (s *Service) Callback(ctx context.Context, code, state string) (*model.VerifiedIdentity, error) {
	if code == "" {
		return nil, model.NewInvalidRequestError("code は必須です")
	}

	// 1. stateからセッションIDとトークンを復元
	uid, token, err := DecodeState(state)
	if err != nil {
		return nil, model.NewInvalidStateError(err.Error())
	}

	// 2. 認可コードを交換してユーザー情報を取得
	info, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		slog.Warn("GitHub OAuth exchange failed", slog.String("error", err.Error()))
		return nil, model.NewUpstreamAuthError(err)
	}
	if info.Email == "" {
		return nil, model.NewNoVerifiedEmailError()
	}

	// 3. セッションを照合して検証済みにする
	session, err := s.findActive(ctx, uid)
	if err != nil {
		return nil, err
	}
	if session == nil || !tokenMatches(session.Token, token) {
		return nil, model.NewInvalidStateError("セッションまたはトークンが一致しません")
	}

	identity := model.VerifiedIdentity{
		Email:       info.Email,
		GitHubID:    info.ProviderUserID,
		GitHubLogin: info.Login,
	}
	if err := s.sessions.MarkVerified(ctx, uid, identity); err != nil {
		return nil, fmt.Errorf("failed to verify login session: %w", err)
	}

	slog.Info("login session verified by github",
		slog.String("login_id", uid),
		slog.String("github_login", info.Login),
	)
	return &identity, nil
}

// Status はセッションが検証済みかどうかを返す。
func (s *Service) Status(ctx context.Context, id string) (bool, error) {
	session, err := s.findActive(ctx, id)
	if err != nil {
		return false, err
	}
	if session == nil {
		return false, model.NewLoginSessionNotFoundError(id)
	}
	return session.Verified, nil
}

// Whoami は検証済みセッションに紐付いたメールアドレスを返す。
func (s *Service) Whoami(ctx context.Context, id, token string) (string, error) {
	session, err := s.findActive(ctx, id)
	if err != nil {
		return "", err
	}
	if session == nil || !session.Verified || !tokenMatches(session.Token, token) {
		return "", model.NewUnauthorizedError()
	}
	if session.Email == "" {
		return "", model.NewIdentityMissingError()
	}
	return session.Email, nil
}

// findActive はセッションを取得する。期限切れの未検証セッションは存在しないものとして扱う。
func (s *Service) findActive(ctx context.Context, id string) (*model.LoginSession, error) {
	if id == "" {
		return nil, nil
	}
	session, err := s.sessions.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find login session: %w", err)
	}
	if session == nil || session.IsExpired(s.now(), s.config.SessionTTL) {
		return nil, nil
	}
	return session, nil
}

// EncodeState はセッションIDとトークンをOAuthのstateパラメータにエンコードする。
func EncodeState(uid, token string) string {
	b, _ := json.Marshal(loginState{UID: uid, Token: token})
	return base64.URLEncoding.EncodeToString(b)
}

// DecodeState はstateパラメータからセッションIDとトークンを取り出す。
// パディングの有無はどちらも受け付ける。
func DecodeState(state string) (uid, token string, err error) {
	if state == "" {
		return "", "", fmt.Errorf("state is empty")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(state, "="))
	if err != nil {
		return "", "", fmt.Errorf("state is not base64url: %w", err)
	}
	var st loginState
	if err := json.Unmarshal(raw, &st); err != nil {
		return "", "", fmt.Errorf("state is not valid JSON: %w", err)
	}
	if st.UID == "" || st.Token == "" {
		return "", "", fmt.Errorf("state is missing uid or token")
	}
	return st.UID, st.Token, nil
}

func tokenMatches(stored, given string) bool {
	if given == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}

// generateLoginToken は8バイトの乱数からURLセーフなトークンを生成する。
func generateLoginToken() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
