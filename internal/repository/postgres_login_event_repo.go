package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/termtunnel/internal/model"
)

// PostgresLoginEventRepo はPostgreSQLを使用したログイン履歴リポジトリ。
type PostgresLoginEventRepo struct {
	db *sql.DB
}

// NewPostgresLoginEventRepo はPostgresLoginEventRepoを生成する。
func NewPostgresLoginEventRepo(db *sql.DB) *PostgresLoginEventRepo {
	return &PostgresLoginEventRepo{db: db}
}

// Append はログインイベントを追加する。
func (r *PostgresLoginEventRepo) Append(ctx context.Context, e *model.LoginEvent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO login_events (id, subdomain, login_user, ip, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.Subdomain, e.User, e.IP, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append login event: %w", err)
	}
	return nil
}

// ListBySubdomain はサブドメインのログインイベントを新しい順に返す。
func (r *PostgresLoginEventRepo) ListBySubdomain(ctx context.Context, subdomain string) ([]*model.LoginEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, subdomain, login_user, ip, occurred_at
		 FROM login_events
		 WHERE subdomain = $1
		 ORDER BY occurred_at DESC, id DESC`,
		subdomain,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list login events: %w", err)
	}
	defer rows.Close()

	events := make([]*model.LoginEvent, 0)
	for rows.Next() {
		e := &model.LoginEvent{}
		if err := rows.Scan(&e.ID, &e.Subdomain, &e.User, &e.IP, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan login event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate login events: %w", err)
	}

	return events, nil
}

// compile-time interface check
var _ LoginEventRepository = (*PostgresLoginEventRepo)(nil)
