package model

import "time"

// LoginSession はワンタイムトークンによるログインハンドシェイクの状態を表す。
// 作成時は未検証で、トークン一致またはIdPコールバックで一度だけ検証済みになる。
type LoginSession struct {
	ID          string
	Token       string
	Verified    bool
	Email       string
	GitHubID    string
	GitHubLogin string
	CreatedAt   time.Time
}

// VerifiedIdentity はログインセッションに紐付ける検証済みIDを表す。
// トークンのみで検証した場合はゼロ値となる。
type VerifiedIdentity struct {
	Email       string
	GitHubID    string
	GitHubLogin string
}

// IsExpired はセッションが未検証のまま有効期間を超過しているかを返す。
// ttlが0以下の場合は期限切れとしない。検証済みセッションは期限切れにならない。
func (s *LoginSession) IsExpired(now time.Time, ttl time.Duration) bool {
	if s.Verified || ttl <= 0 {
		return false
	}
	return now.Sub(s.CreatedAt) > ttl
}
