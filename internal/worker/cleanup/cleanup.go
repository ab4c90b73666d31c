// Package cleanup は未検証のまま期限切れになったログインセッションの削除ジョブを提供する。
// 期限切れのセッションはハンドシェイク側で存在しないものとして扱われるため、
// このジョブは保存領域の回収のみを担う。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SessionPurger は期限切れの未検証セッションを削除するストアのインターフェース。
type SessionPurger interface {
	DeleteExpiredUnverified(ctx context.Context, before time.Time) (int64, error)
}

// ExpiredRecorder は削除件数を受け取る。
type ExpiredRecorder interface {
	RecordExpiredLoginSessions(count int64)
}

// CleanupJob は期限切れログインセッションの削除ジョブ。
// 冪等な削除処理のため、何度実行しても結果は変わらない。
type CleanupJob struct {
	sessions SessionPurger
	logger   *slog.Logger
	recorder ExpiredRecorder
	now      func() time.Time
	TTL      time.Duration // 未検証セッションの有効期間（デフォルト: 15分）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの有効期間は15分。
func NewCleanupJob(sessions SessionPurger, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		sessions: sessions,
		logger:   logger,
		now:      time.Now,
		TTL:      15 * time.Minute,
	}
}

// SetRecorder は削除件数の記録先を設定する。
func (j *CleanupJob) SetRecorder(recorder ExpiredRecorder) {
	j.recorder = recorder
}

// Run は作成からTTL以上経過した未検証セッションを削除する。
// TTLが0以下の場合はセッションを失効させない設定のため何もしない。
func (j *CleanupJob) Run(ctx context.Context) error {
	if j.TTL <= 0 {
		return nil
	}

	start := time.Now()
	before := j.now().Add(-j.TTL)

	deletedCount, err := j.sessions.DeleteExpiredUnverified(ctx, before)
	if err != nil {
		j.logger.Error("ログインセッションのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("ttl", j.TTL),
		)
		return fmt.Errorf("ログインセッションのクリーンアップに失敗: %w", err)
	}

	if j.recorder != nil {
		j.recorder.RecordExpiredLoginSessions(deletedCount)
	}

	j.logger.Info("ログインセッションのクリーンアップが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Duration("ttl", j.TTL),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は指定間隔のティッカーでジョブを実行する。
// 起動直後に1回実行し、コンテキストがキャンセルされるまで継続する。
// intervalが0以下の場合は1時間間隔で実行する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました", slog.Duration("interval", interval))

	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
