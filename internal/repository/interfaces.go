// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/termtunnel/internal/model"
)

// ProvisionRepository はプロビジョニング結果の永続化インターフェース。
// サブドメインを主キーとする。
type ProvisionRepository interface {
	// Upsert はサブドメインをキーにレコードを作成、または既存レコードを上書き更新する。
	// 既存レコードのCreatedAtは維持する。
	Upsert(ctx context.Context, provision *model.Provision) error

	// FindBySubdomain はサブドメインでレコードを取得する。見つからない場合はnilを返す。
	FindBySubdomain(ctx context.Context, subdomain string) (*model.Provision, error)

	// DeleteBySubdomain はサブドメインのレコードを削除する。
	// 存在しない場合もエラーにしない。
	DeleteBySubdomain(ctx context.Context, subdomain string) error
}

// LoginSessionRepository はログインセッションの永続化インターフェース。
type LoginSessionRepository interface {
	// Create はログインセッションを作成する。
	Create(ctx context.Context, session *model.LoginSession) error

	// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.LoginSession, error)

	// MarkVerified はセッションを検証済みにし、IDフィールドを設定する。
	// 空のIDフィールドは既存の値を上書きしない。既に検証済みでもエラーにしない。
	MarkVerified(ctx context.Context, id string, identity model.VerifiedIdentity) error

	// DeleteExpiredUnverified はcreated_atがbeforeより古い未検証セッションを削除し、
	// 削除件数を返す。
	DeleteExpiredUnverified(ctx context.Context, before time.Time) (int64, error)
}

// LoginEventRepository はログイン履歴の永続化インターフェース。追記専用。
type LoginEventRepository interface {
	// Append はログインイベントを追加する。
	Append(ctx context.Context, event *model.LoginEvent) error

	// ListBySubdomain はサブドメインのログインイベントをTimestamp降順で返す。
	ListBySubdomain(ctx context.Context, subdomain string) ([]*model.LoginEvent, error)
}

// Store はプロビジョニングとログインに関する全レコードを扱うストア。
// オーケストレーターは状態を持たず、永続状態はすべてStore経由で読み書きする。
type Store interface {
	Provisions() ProvisionRepository
	LoginSessions() LoginSessionRepository
	LoginEvents() LoginEventRepository
}
