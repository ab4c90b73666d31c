package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/termtunnel/internal/model"
)

// MemoryStore はプロセス内メモリを使用するStore実装。
// DATABASE_URL未設定時の単一プロセス運用とテストで使用する。
// 同一キーへの書き込みは後勝ちとなる。
type MemoryStore struct {
	mu         sync.RWMutex
	provisions map[string]model.Provision
	sessions   map[string]model.LoginSession
	events     map[string][]model.LoginEvent
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		provisions: make(map[string]model.Provision),
		sessions:   make(map[string]model.LoginSession),
		events:     make(map[string][]model.LoginEvent),
	}
}

// Provisions はプロビジョニングリポジトリとして自身を返す。
func (s *MemoryStore) Provisions() ProvisionRepository { return s }

// LoginSessions はログインセッションリポジトリとして自身を返す。
func (s *MemoryStore) LoginSessions() LoginSessionRepository { return s }

// LoginEvents はログイン履歴リポジトリとして自身を返す。
func (s *MemoryStore) LoginEvents() LoginEventRepository { return s }

// --- ProvisionRepository ---

// Upsert はサブドメインをキーにレコードを作成または上書きする。
func (s *MemoryStore) Upsert(_ context.Context, p *model.Provision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *p
	if existing, ok := s.provisions[p.Subdomain]; ok && !existing.CreatedAt.IsZero() {
		stored.CreatedAt = existing.CreatedAt
	}
	s.provisions[p.Subdomain] = stored
	return nil
}

// FindBySubdomain はサブドメインでレコードを取得する。見つからない場合はnilを返す。
func (s *MemoryStore) FindBySubdomain(_ context.Context, subdomain string) (*model.Provision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.provisions[subdomain]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// DeleteBySubdomain はサブドメインのレコードを削除する。
func (s *MemoryStore) DeleteBySubdomain(_ context.Context, subdomain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.provisions, subdomain)
	return nil
}

// --- LoginSessionRepository ---

// Create はログインセッションを作成する。
func (s *MemoryStore) Create(_ context.Context, session *model.LoginSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = *session
	return nil
}

// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
func (s *MemoryStore) FindByID(_ context.Context, id string) (*model.LoginSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

// MarkVerified はセッションを検証済みにする。空のIDフィールドは既存値を維持する。
// 存在しないIDは無視する。
func (s *MemoryStore) MarkVerified(_ context.Context, id string, identity model.VerifiedIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil
	}
	session.Verified = true
	if identity.Email != "" {
		session.Email = identity.Email
	}
	if identity.GitHubID != "" {
		session.GitHubID = identity.GitHubID
	}
	if identity.GitHubLogin != "" {
		session.GitHubLogin = identity.GitHubLogin
	}
	s.sessions[id] = session
	return nil
}

// DeleteExpiredUnverified はbeforeより古い未検証セッションを削除する。
func (s *MemoryStore) DeleteExpiredUnverified(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, session := range s.sessions {
		if !session.Verified && session.CreatedAt.Before(before) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// --- LoginEventRepository ---

// Append はログインイベントを追加する。
func (s *MemoryStore) Append(_ context.Context, e *model.LoginEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.Subdomain] = append(s.events[e.Subdomain], *e)
	return nil
}

// ListBySubdomain はサブドメインのログインイベントを新しい順に返す。
// 同時刻のイベントは後から追加したものを先に返す。
func (s *MemoryStore) ListBySubdomain(_ context.Context, subdomain string) ([]*model.LoginEvent, error) {
	s.mu.RLock()
	stored := s.events[subdomain]
	events := make([]*model.LoginEvent, len(stored))
	for i := range stored {
		e := stored[len(stored)-1-i]
		events[i] = &e
	}
	s.mu.RUnlock()

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	return events, nil
}

// compile-time interface check
var (
	_ Store                  = (*MemoryStore)(nil)
	_ ProvisionRepository    = (*MemoryStore)(nil)
	_ LoginSessionRepository = (*MemoryStore)(nil)
	_ LoginEventRepository   = (*MemoryStore)(nil)
)
