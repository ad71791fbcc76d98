// Package cleanup は期限切れの失効トークンを削除するジョブを提供する。
// リフレッシュトークンは有効期限を過ぎれば検証で拒否されるため、
// revoked_tokensの行は期限後に削除してよい。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const deleteExpiredQuery = `DELETE FROM revoked_tokens WHERE expires_at < $1`

// CleanupJob は有効期限を過ぎた失効トークンの削除ジョブ。
// 冪等で、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	db     Executor
	logger *slog.Logger
	now    func() time.Time

	// Grace は有効期限を過ぎてから削除するまでの猶予（デフォルト: 0）。
	Grace time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Run はexpires_atが現在時刻からGraceを引いた時刻より前の行を削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.now().Add(-j.Grace)

	result, err := j.db.ExecContext(ctx, deleteExpiredQuery, cutoff)
	if err != nil {
		j.logger.Error("revoked token cleanup failed",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to delete expired revoked tokens: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("failed to read deleted row count",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to read deleted row count: %w", err)
	}

	j.logger.Info("revoked token cleanup completed",
		slog.Int64("deleted_count", deletedCount),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回Runを実行し、その後intervalごとに繰り返す。
// ctxがキャンセルされるまでブロックする。Runの失敗はログに記録して継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
