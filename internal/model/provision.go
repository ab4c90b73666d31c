// Package model はドメインモデルを定義する。
package model

import "time"

// Provision はサブドメイン単位のプロビジョニング結果を表す。
// サブドメインが主キーであり、トンネルがリモートに存在すると
// 見なされる間だけレコードが存在する。
type Provision struct {
	Subdomain       string
	Owner           string // アクセスポリシーに紐付けたメールアドレス
	OwnerExternalID string // GitHub ID 等（任意）
	TunnelID        string
	TunnelToken     string // コネクタトークン。作成時にのみリモートから返却される
	DNSRecordID     string
	AccessAppID     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LoginEvent はサブドメインへのログイン記録を表す。
// 追記専用で、更新・削除は行わない。
type LoginEvent struct {
	ID        string
	Subdomain string
	User      string
	IP        string
	Timestamp time.Time
}
