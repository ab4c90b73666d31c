package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/termtunnel/internal/model"
	"github.com/hitoshi/termtunnel/internal/repository"
)

// --- モック定義 ---

type mockOAuthProvider struct {
	getLoginURLFn  func(state string) string
	exchangeCodeFn func(ctx context.Context, code string) (*OAuthUserInfo, error)
}

func (m *mockOAuthProvider) GetLoginURL(state string) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state)
	}
	return "https://github.com/login/oauth/authorize?state=" + state
}

func (m *mockOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, code)
	}
	return nil, nil
}

type mockLoginSessionRepo struct {
	createFn       func(ctx context.Context, s *model.LoginSession) error
	findByIDFn     func(ctx context.Context, id string) (*model.LoginSession, error)
	markVerifiedFn func(ctx context.Context, id string, identity model.VerifiedIdentity) error
}

func (m *mockLoginSessionRepo) Create(ctx context.Context, s *model.LoginSession) error {
	if m.createFn != nil {
		return m.createFn(ctx, s)
	}
	return nil
}

func (m *mockLoginSessionRepo) FindByID(ctx context.Context, id string) (*model.LoginSession, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockLoginSessionRepo) MarkVerified(ctx context.Context, id string, identity model.VerifiedIdentity) error {
	if m.markVerifiedFn != nil {
		return m.markVerifiedFn(ctx, id, identity)
	}
	return nil
}

func (m *mockLoginSessionRepo) DeleteExpiredUnverified(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

// --- compile-time interface checks ---
var _ OAuthProvider = (*mockOAuthProvider)(nil)
var _ repository.LoginSessionRepository = (*mockLoginSessionRepo)(nil)

func githubUserProvider(email string) *mockOAuthProvider {
	return &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
			return &OAuthUserInfo{
				ProviderUserID: "42",
				Login:          "octocat",
				Email:          email,
				Provider:       "github",
			}, nil
		},
	}
}

func newTestService(provider OAuthProvider) (*Service, *repository.MemoryStore) {
	store := repository.NewMemoryStore()
	svc := NewService(provider, store, ServiceConfig{ClientID: "client-123", SessionTTL: 15 * time.Minute})
	return svc, store
}

func assertAPIErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *model.APIError(%s)", err, code)
	}
	if apiErr.Code != code {
		t.Errorf("error code = %q, want %q", apiErr.Code, code)
	}
}

// --- テスト ---

func TestStart_ReturnsSessionAndAuthorizeURL(t *testing.T) {
	svc, store := newTestService(&mockOAuthProvider{})
	ctx := context.Background()

	start, err := svc.Start(ctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if len(start.ID) != 32 || strings.Contains(start.ID, "-") {
		t.Errorf("ID = %q, want 32文字のhex", start.ID)
	}
	if start.URL != "/login/"+start.ID {
		t.Errorf("URL = %q, want %q", start.URL, "/login/"+start.ID)
	}
	if start.ClientID != "client-123" {
		t.Errorf("ClientID = %q, want client-123", start.ClientID)
	}
	if raw, err := base64.RawURLEncoding.DecodeString(start.Token); err != nil || len(raw) != 8 {
		t.Errorf("Token = %q はURLセーフな8バイトトークンであるべき", start.Token)
	}

	uid, token, err := DecodeState(strings.TrimPrefix(start.AuthorizeURL, "https://github.com/login/oauth/authorize?state="))
	if err != nil {
		t.Fatalf("AuthorizeURL の state をデコードできない: %v", err)
	}
	if uid != start.ID || token != start.Token {
		t.Errorf("state = (%q, %q), want (%q, %q)", uid, token, start.ID, start.Token)
	}

	session, _ := store.FindByID(ctx, start.ID)
	if session == nil || session.Verified {
		t.Errorf("未検証のセッションが保存されるべき: %+v", session)
	}
}

func TestStart_TokensAreUnique(t *testing.T) {
	svc, _ := newTestService(&mockOAuthProvider{})
	ctx := context.Background()

	a, _ := svc.Start(ctx)
	b, _ := svc.Start(ctx)
	if a.ID == b.ID || a.Token == b.Token {
		t.Error("セッションIDとトークンは毎回異なるべき")
	}
}

func TestStart_MissingClientID_ReturnsConfigurationError(t *testing.T) {
	svc := NewService(&mockOAuthProvider{}, repository.NewMemoryStore(), ServiceConfig{})

	_, err := svc.Start(context.Background())

	var cfgErr *model.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *model.ConfigurationError", err)
	}
}

func TestSubmit_ValidToken_VerifiesIdempotently(t *testing.T) {
	svc, _ := newTestService(&mockOAuthProvider{})
	ctx := context.Background()
	start, _ := svc.Start(ctx)

	for i := 0; i < 2; i++ {
		if err := svc.Submit(ctx, start.ID, start.Token); err != nil {
			t.Fatalf("Submit() #%d error = %v", i+1, err)
		}
	}

	verified, err := svc.Status(ctx, start.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !verified {
		t.Error("verified = false, want true")
	}
}

func TestSubmit_InvalidToken(t *testing.T) {
	svc, _ := newTestService(&mockOAuthProvider{})
	ctx := context.Background()
	start, _ := svc.Start(ctx)

	tests := []struct {
		name  string
		id    string
		token string
	}{
		{"トークン不一致", start.ID, "wrong"},
		{"トークン空", start.ID, ""},
		{"存在しないID", "unknown", start.Token},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.Submit(ctx, tt.id, tt.token)
			assertAPIErrorCode(t, err, model.ErrCodeInvalidToken)
		})
	}

	verified, _ := svc.Status(ctx, start.ID)
	if verified {
		t.Error("誤ったトークンでセッションが検証済みになってはならない")
	}
}

func TestSubmit_ExpiredSession_IsRejected(t *testing.T) {
	svc, _ := newTestService(&mockOAuthProvider{})
	ctx := context.Background()
	start, _ := svc.Start(ctx)

	svc.now = func() time.Time { return time.Now().Add(16 * time.Minute) }

	err := svc.Submit(ctx, start.ID, start.Token)
	assertAPIErrorCode(t, err, model.ErrCodeInvalidToken)

	_, err = svc.Status(ctx, start.ID)
	assertAPIErrorCode(t, err, model.ErrCodeLoginSessionNotFound)
}

func TestSubmit_VerifiedSessionNeverExpires(t *testing.T) {
	svc, _ := newTestService(&mockOAuthProvider{})
	ctx := context.Background()
	start, _ := svc.Start(ctx)
	svc.Submit(ctx, start.ID, start.Token)

	svc.now = func() time.Time { return time.Now().Add(24 * time.Hour) }

	verified, err := svc.Status(ctx, start.ID)
	if err != nil || !verified {
		t.Errorf("Status() = (%v, %v), want (true, nil)", verified, err)
	}
}

func TestStatus_UnknownID_ReturnsNotFound(t *testing.T) {
	svc, _ := newTestService(&mockOAuthProvider{})

	_, err := svc.Status(context.Background(), "nope")
	assertAPIErrorCode(t, err, model.ErrCodeLoginSessionNotFound)
}

func TestCallback_BindsVerifiedIdentity(t *testing.T) {
	svc, store := newTestService(githubUserProvider("u@example.com"))
	ctx := context.Background()
	start, _ := svc.Start(ctx)

	identity, err := svc.Callback(ctx, "auth-code", EncodeState(start.ID, start.Token))
	if err != nil {
		t.Fatalf("Callback() error = %v", err)
	}
	if identity.Email != "u@example.com" || identity.GitHubID != "42" || identity.GitHubLogin != "octocat" {
		t.Errorf("identity = %+v", identity)
	}

	session, _ := store.FindByID(ctx, start.ID)
	if !session.Verified || session.Email != "u@example.com" || session.GitHubLogin != "octocat" {
		t.Errorf("session = %+v, want verified with github identity", session)
	}

	email, err := svc.Whoami(ctx, start.ID, start.Token)
	if err != nil {
		t.Fatalf("Whoami() error = %v", err)
	}
	if email != "u@example.com" {
		t.Errorf("Whoami() = %q, want u@example.com", email)
	}
}

func TestCallback_InvalidState(t *testing.T) {
	exchanged := false
	provider := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
			exchanged = true
			return &OAuthUserInfo{Email: "u@example.com"}, nil
		},
	}
	svc, _ := newTestService(provider)

	for _, state := range []string{"", "!!!not-base64!!!", base64.URLEncoding.EncodeToString([]byte("not json")), EncodeState("", "t")} {
		_, err := svc.Callback(context.Background(), "code", state)
		assertAPIErrorCode(t, err, model.ErrCodeInvalidState)
	}
	if exchanged {
		t.Error("stateが不正な場合はコード交換を行ってはならない")
	}
}

func TestCallback_TokenMismatch_ReturnsInvalidState(t *testing.T) {
	svc, store := newTestService(githubUserProvider("u@example.com"))
	ctx := context.Background()
	start, _ := svc.Start(ctx)

	_, err := svc.Callback(ctx, "code", EncodeState(start.ID, "wrong-token"))
	assertAPIErrorCode(t, err, model.ErrCodeInvalidState)

	session, _ := store.FindByID(ctx, start.ID)
	if session.Verified {
		t.Error("不一致のstateでセッションが検証済みになってはならない")
	}
}

func TestCallback_ExchangeFailure_ReturnsUpstreamAuthError(t *testing.T) {
	provider := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
			return nil, errors.New("bad_verification_code")
		},
	}
	svc, _ := newTestService(provider)
	ctx := context.Background()
	start, _ := svc.Start(ctx)

	_, err := svc.Callback(ctx, "code", EncodeState(start.ID, start.Token))
	assertAPIErrorCode(t, err, model.ErrCodeUpstreamAuth)
}

func TestCallback_NoVerifiedEmail(t *testing.T) {
	svc, _ := newTestService(githubUserProvider(""))
	ctx := context.Background()
	start, _ := svc.Start(ctx)

	_, err := svc.Callback(ctx, "code", EncodeState(start.ID, start.Token))
	assertAPIErrorCode(t, err, model.ErrCodeNoVerifiedEmail)
}

func TestCallback_MissingCode(t *testing.T) {
	svc, _ := newTestService(githubUserProvider("u@example.com"))

	_, err := svc.Callback(context.Background(), "", EncodeState("a", "b"))
	assertAPIErrorCode(t, err, model.ErrCodeInvalidRequest)
}

func TestWhoami(t *testing.T) {
	svc, _ := newTestService(githubUserProvider("u@example.com"))
	ctx := context.Background()

	unverified, _ := svc.Start(ctx)
	tokenOnly, _ := svc.Start(ctx)
	svc.Submit(ctx, tokenOnly.ID, tokenOnly.Token)

	tests := []struct {
		name  string
		id    string
		token string
		code  string
	}{
		{"未検証", unverified.ID, unverified.Token, model.ErrCodeUnauthorized},
		{"トークン不一致", tokenOnly.ID, "wrong", model.ErrCodeUnauthorized},
		{"存在しないID", "missing", "x", model.ErrCodeUnauthorized},
		{"メール未設定", tokenOnly.ID, tokenOnly.Token, model.ErrCodeIdentityMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Whoami(ctx, tt.id, tt.token)
			assertAPIErrorCode(t, err, tt.code)
		})
	}
}

func TestService_RepositoryError_IsWrapped(t *testing.T) {
	repoErr := errors.New("connection refused")
	repo := &mockLoginSessionRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.LoginSession, error) {
			return nil, repoErr
		},
	}
	svc := NewService(&mockOAuthProvider{}, repo, ServiceConfig{ClientID: "c"})

	_, err := svc.Status(context.Background(), "abc")
	if !errors.Is(err, repoErr) {
		t.Errorf("error = %v, want wrapping %v", err, repoErr)
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		t.Errorf("リポジトリエラーはAPIErrorに変換されるべきではない: %v", apiErr)
	}
}

func TestEncodeDecodeState(t *testing.T) {
	state := EncodeState("uid-1", "tok-1")

	uid, token, err := DecodeState(state)
	if err != nil {
		t.Fatalf("DecodeState() error = %v", err)
	}
	if uid != "uid-1" || token != "tok-1" {
		t.Errorf("DecodeState() = (%q, %q), want (uid-1, tok-1)", uid, token)
	}

	// パディングなしでも受け付ける
	if _, _, err := DecodeState(strings.TrimRight(state, "=")); err != nil {
		t.Errorf("パディングなしの state でエラー: %v", err)
	}
}
