package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/termtunnel/internal/model"
)

// PostgresLoginSessionRepo はPostgreSQLを使用したログインセッションリポジトリ。
type PostgresLoginSessionRepo struct {
	db *sql.DB
}

// NewPostgresLoginSessionRepo はPostgresLoginSessionRepoを生成する。
func NewPostgresLoginSessionRepo(db *sql.DB) *PostgresLoginSessionRepo {
	return &PostgresLoginSessionRepo{db: db}
}

// Create はログインセッションを作成する。
func (r *PostgresLoginSessionRepo) Create(ctx context.Context, s *model.LoginSession) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO login_sessions (id, token, verified, email, github_id, github_login, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.Token, s.Verified, s.Email, s.GitHubID, s.GitHubLogin, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create login session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresLoginSessionRepo) FindByID(ctx context.Context, id string) (*model.LoginSession, error) {
	s := &model.LoginSession{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, token, verified, email, github_id, github_login, created_at
		 FROM login_sessions
		 WHERE id = $1`,
		id,
	).Scan(&s.ID, &s.Token, &s.Verified, &s.Email, &s.GitHubID, &s.GitHubLogin, &s.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find login session: %w", err)
	}

	return s, nil
}

// MarkVerified はセッションを検証済みにする。
// 空文字のIDフィールドはNULLIFにより既存値を維持する。
func (r *PostgresLoginSessionRepo) MarkVerified(ctx context.Context, id string, identity model.VerifiedIdentity) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE login_sessions SET
		   verified = TRUE,
		   email = COALESCE(NULLIF($2, ''), email),
		   github_id = COALESCE(NULLIF($3, ''), github_id),
		   github_login = COALESCE(NULLIF($4, ''), github_login)
		 WHERE id = $1`,
		id, identity.Email, identity.GitHubID, identity.GitHubLogin,
	)
	if err != nil {
		return fmt.Errorf("failed to mark login session verified: %w", err)
	}
	return nil
}

// DeleteExpiredUnverified はbeforeより古い未検証セッションを削除する。
func (r *PostgresLoginSessionRepo) DeleteExpiredUnverified(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM login_sessions WHERE verified = FALSE AND created_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired login sessions: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ LoginSessionRepository = (*PostgresLoginSessionRepo)(nil)
