// Package refresh は投稿コレクションのバックグラウンド更新を提供する。
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Refresher はコレクションを取り直す処理。
type Refresher interface {
	RefreshFeed(ctx context.Context) error
	RefreshAuthorPosts(ctx context.Context) error
}

// Identity は現在のユーザーIDを返す。未ログインの場合は空文字。
type Identity interface {
	UserID() string
}

// job は1サイクル内で実行する更新1件。
type job struct {
	name string
	run  func(ctx context.Context) error
}

// Scheduler はコレクションの定期更新を行う。
// 公開フィードは常に、著者の投稿はログイン中のみ更新する。
// 1サイクル内の更新はsemaphoreパターンで並列数を制御して実行する。
type Scheduler struct {
	refresher      Refresher
	identity       Identity
	logger         *slog.Logger
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値2を使用する。
func NewScheduler(refresher Refresher, identity Identity, logger *slog.Logger, maxConcurrency int) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		refresher:      refresher,
		identity:       identity,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("更新スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("更新サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("更新スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("更新サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (s *Scheduler) jobs() []job {
	jobs := []job{{name: "public_feed", run: s.refresher.RefreshFeed}}
	if s.identity != nil && s.identity.UserID() != "" {
		jobs = append(jobs, job{name: "author_posts", run: s.refresher.RefreshAuthorPosts})
	}
	return jobs
}

// RunOnce は更新対象を1回ずつ並列で取り直す。
// 個別の更新の失敗はログに記録し、サイクル全体のエラーにはしない。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	jobs := s.jobs()

	s.logger.Info("更新サイクルを開始します",
		slog.Int("job_count", len(jobs)),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, j := range jobs {
		wg.Add(1)
		sem <- struct{}{}

		go func(j job) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := j.run(ctx); err != nil {
				s.logger.Error("コレクションの更新に失敗しました",
					slog.String("job", j.name),
					slog.String("error", err.Error()),
				)
			}
		}(j)
	}

	wg.Wait()

	s.logger.Info("更新サイクルが完了しました",
		slog.Int("job_count", len(jobs)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}
