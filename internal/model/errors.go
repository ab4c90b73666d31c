// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strings"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, provision, system
	Action   string // ユーザー向け対処方法
	Err      error  // 原因となったエラー（任意）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeInvalidSubdomain     = "INVALID_SUBDOMAIN"
	ErrCodeTunnelConflict       = "TUNNEL_CONFLICT"
	ErrCodeProvisionNotFound    = "PROVISION_NOT_FOUND"
	ErrCodeLoginSessionNotFound = "LOGIN_SESSION_NOT_FOUND"
	ErrCodeForbidden            = "FORBIDDEN"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeInvalidToken         = "INVALID_TOKEN"
	ErrCodeInvalidState         = "INVALID_STATE"
	ErrCodeUpstreamAuth         = "UPSTREAM_AUTH_ERROR"
	ErrCodeNoVerifiedEmail      = "NO_VERIFIED_EMAIL"
	ErrCodeIdentityMissing      = "IDENTITY_MISSING"
	ErrCodeDeletionFailed       = "DELETION_FAILED"
	ErrCodeRotationFailed       = "ROTATION_FAILED"
	ErrCodeRemoteResource       = "REMOTE_RESOURCE_ERROR"
	ErrCodeConfiguration        = "CONFIGURATION_ERROR"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// NewInvalidRequestError はリクエストボディ不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewInvalidSubdomainError は無効なサブドメインエラーを生成する。
func NewInvalidSubdomainError(subdomain, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSubdomain,
		Message:  fmt.Sprintf("無効なサブドメインです: %s (%s)", subdomain, reason),
		Category: "validation",
		Action:   "foo や x.example.com のようなホスト名を指定してください。",
	}
}

// NewTunnelConflictError はトンネルがリモートに存在するが
// ローカルにトークンが残っていない場合のエラーを生成する。
func NewTunnelConflictError(subdomain string) *APIError {
	return &APIError{
		Code:     ErrCodeTunnelConflict,
		Message:  fmt.Sprintf("トンネルは既に存在しますが、トークンが見つかりません: %s", subdomain),
		Category: "provision",
		Action:   "運用者がリモートのトンネルを手動で削除または照合してから再実行してください。",
	}
}

// NewProvisionNotFoundError はプロビジョニング未検出エラーを生成する。
func NewProvisionNotFoundError(subdomain string) *APIError {
	return &APIError{
		Code:     ErrCodeProvisionNotFound,
		Message:  fmt.Sprintf("指定されたサブドメインは登録されていません: %s", subdomain),
		Category: "provision",
		Action:   "サブドメインを確認してください。",
	}
}

// NewLoginSessionNotFoundError はログインセッション未検出エラーを生成する。
func NewLoginSessionNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeLoginSessionNotFound,
		Message:  fmt.Sprintf("ログインセッションが見つかりません: %s", id),
		Category: "auth",
		Action:   "ログインをやり直してください。",
	}
}

// NewForbiddenError はトンネルトークン不一致エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "トンネルトークンが一致しません。",
		Category: "auth",
		Action:   "プロビジョニング時に発行されたトンネルトークンを指定してください。",
	}
}

// NewUnauthorizedError は認証失敗エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "有効なBearerトークンを指定してください。",
	}
}

// NewInvalidTokenError はログイントークン不一致エラーを生成する。
func NewInvalidTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "ログイントークンが無効です。",
		Category: "auth",
		Action:   "表示されたトークンを確認するか、ログインをやり直してください。",
	}
}

// NewInvalidStateError はOAuth stateの不正エラーを生成する。
func NewInvalidStateError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidState,
		Message:  fmt.Sprintf("stateパラメータが不正です: %s", reason),
		Category: "auth",
		Action:   "ログインをやり直してください。",
	}
}

// NewUpstreamAuthError はIdPとの通信失敗エラーを生成する。
func NewUpstreamAuthError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamAuth,
		Message:  "IdPとの認証処理に失敗しました。",
		Category: "auth",
		Action:   "しばらく待ってから再度ログインしてください。",
		Err:      err,
	}
}

// NewNoVerifiedEmailError は検証済みプライマリメールが存在しない場合のエラーを生成する。
func NewNoVerifiedEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeNoVerifiedEmail,
		Message:  "検証済みのプライマリメールアドレスが見つかりません。",
		Category: "auth",
		Action:   "GitHubでプライマリメールアドレスを検証してから再度ログインしてください。",
	}
}

// NewIdentityMissingError は検証済みセッションにメールが紐付いていない場合のエラーを生成する。
func NewIdentityMissingError() *APIError {
	return &APIError{
		Code:     ErrCodeIdentityMissing,
		Message:  "セッションにメールアドレスが設定されていません。",
		Category: "auth",
		Action:   "GitHubログインでセッションを検証してください。",
	}
}

// NewDeletionFailedError はリモートリソースの削除失敗エラーを生成する。
// ローカルのレコードは残るため、削除は再実行できる。
func NewDeletionFailedError(resource string, err error) *APIError {
	return &APIError{
		Code:     ErrCodeDeletionFailed,
		Message:  fmt.Sprintf("リソースの削除に失敗しました: %s", resource),
		Category: "provision",
		Action:   "詳細を確認し、削除を再実行してください。",
		Err:      err,
	}
}

// NewRotationFailedError はホストキーのローテーション失敗エラーを生成する。
func NewRotationFailedError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeRotationFailed,
		Message:  "ホストキーのローテーションに失敗しました。",
		Category: "provision",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      err,
	}
}

// RemoteResourceError は外部プラットフォームが成功以外の応答を返したことを表す。
type RemoteResourceError struct {
	Kind       string // 操作種別: create, delete, lookup, rotate
	Resource   string // リソース種別: tunnel, dns_record, access_app, access_policy
	Detail     string
	StatusCode int // HTTPステータス（通信失敗時は0）
}

// Error はerrorインターフェースを実装する。
func (e *RemoteResourceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s failed with status %d: %s", e.Kind, e.Resource, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Kind, e.Resource, e.Detail)
}

// ConfigurationError は必須の外部設定が欠けていることを表す。
type ConfigurationError struct {
	Missing []string
}

// Error はerrorインターフェースを実装する。
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("required configuration is not set: %s", strings.Join(e.Missing, ", "))
}
