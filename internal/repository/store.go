package repository

import "database/sql"

// PostgresStore はPostgreSQLリポジトリ群をStoreとしてまとめる。
type PostgresStore struct {
	provisions    *PostgresProvisionRepo
	loginSessions *PostgresLoginSessionRepo
	loginEvents   *PostgresLoginEventRepo
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		provisions:    NewPostgresProvisionRepo(db),
		loginSessions: NewPostgresLoginSessionRepo(db),
		loginEvents:   NewPostgresLoginEventRepo(db),
	}
}

// Provisions はプロビジョニングリポジトリを返す。
func (s *PostgresStore) Provisions() ProvisionRepository { return s.provisions }

// LoginSessions はログインセッションリポジトリを返す。
func (s *PostgresStore) LoginSessions() LoginSessionRepository { return s.loginSessions }

// LoginEvents はログイン履歴リポジトリを返す。
func (s *PostgresStore) LoginEvents() LoginEventRepository { return s.loginEvents }

// compile-time interface check
var _ Store = (*PostgresStore)(nil)
