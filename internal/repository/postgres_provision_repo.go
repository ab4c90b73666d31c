package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/termtunnel/internal/model"
)

// PostgresProvisionRepo はPostgreSQLを使用したプロビジョニングリポジトリ。
type PostgresProvisionRepo struct {
	db *sql.DB
}

// NewPostgresProvisionRepo はPostgresProvisionRepoを生成する。
func NewPostgresProvisionRepo(db *sql.DB) *PostgresProvisionRepo {
	return &PostgresProvisionRepo{db: db}
}

// Upsert はサブドメインをキーにレコードを作成または上書き更新する。
// 再プロビジョニング時はcreated_atを維持し、それ以外の列を置き換える。
func (r *PostgresProvisionRepo) Upsert(ctx context.Context, p *model.Provision) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO provisions (subdomain, owner, owner_external_id, tunnel_id, tunnel_token,
		                         dns_record_id, access_app_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (subdomain) DO UPDATE SET
		   owner = EXCLUDED.owner,
		   owner_external_id = EXCLUDED.owner_external_id,
		   tunnel_id = EXCLUDED.tunnel_id,
		   tunnel_token = EXCLUDED.tunnel_token,
		   dns_record_id = EXCLUDED.dns_record_id,
		   access_app_id = EXCLUDED.access_app_id,
		   updated_at = EXCLUDED.updated_at`,
		p.Subdomain, p.Owner, p.OwnerExternalID, p.TunnelID, p.TunnelToken,
		p.DNSRecordID, p.AccessAppID, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert provision: %w", err)
	}
	return nil
}

// FindBySubdomain はサブドメインでレコードを取得する。見つからない場合はnilを返す。
func (r *PostgresProvisionRepo) FindBySubdomain(ctx context.Context, subdomain string) (*model.Provision, error) {
	p := &model.Provision{}
	err := r.db.QueryRowContext(ctx,
		`SELECT subdomain, owner, owner_external_id, tunnel_id, tunnel_token,
		        dns_record_id, access_app_id, created_at, updated_at
		 FROM provisions
		 WHERE subdomain = $1`,
		subdomain,
	).Scan(&p.Subdomain, &p.Owner, &p.OwnerExternalID, &p.TunnelID, &p.TunnelToken,
		&p.DNSRecordID, &p.AccessAppID, &p.CreatedAt, &p.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find provision: %w", err)
	}

	return p, nil
}

// DeleteBySubdomain はサブドメインのレコードを削除する。
func (r *PostgresProvisionRepo) DeleteBySubdomain(ctx context.Context, subdomain string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM provisions WHERE subdomain = $1`,
		subdomain,
	)
	if err != nil {
		return fmt.Errorf("failed to delete provision: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ProvisionRepository = (*PostgresProvisionRepo)(nil)
