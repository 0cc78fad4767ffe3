package gateway

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

const (
	// feedJitter は公開フィード取得のバックオフに加える揺らぎの上限。
	feedJitter = 200 * time.Millisecond
	// authorJitter は著者投稿取得のバックオフに加える揺らぎの上限。
	authorJitter = 150 * time.Millisecond
	// backoffFactor はリトライごとの遅延倍率。
	backoffFactor = 1.5
)

// RetryPolicy はリトライ付き読み込みの設定。
// 最初の試行に加えて最大MaxRetries回まで再試行する。
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxJitter  time.Duration
}

// MaxAttempts は試行回数の上限を返す。
func (p RetryPolicy) MaxAttempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Backoff はattempt回目の失敗後、次の試行までの基本遅延を返す。
// attemptは1始まりで、遅延は BaseDelay * 1.5^attempt となる。
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(math.Round(float64(p.BaseDelay) * math.Pow(backoffFactor, float64(attempt))))
}

// AttemptFunc は各試行の開始時に呼ばれる。attemptは0始まり。
type AttemptFunc func(attempt int)

// fetchWithRetry は読み込み系の呼び出しをポリシーに従って再試行する。
// 試行は厳密に逐次で、コンテキストが終了した時点で打ち切る。
func (c *Client) fetchWithRetry(ctx context.Context, path string, opts RequestOptions, policy RetryPolicy, onAttempt AttemptFunc) Result {
	var last Result
	maxAttempts := policy.MaxAttempts()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if onAttempt != nil {
			onAttempt(attempt)
		}

		last = c.Call(ctx, "GET", path, opts)
		if last.OK {
			return last
		}
		if ctx.Err() != nil {
			return last
		}
		if attempt+1 >= maxAttempts {
			break
		}

		wait := policy.Backoff(attempt + 1)
		if policy.MaxJitter > 0 {
			wait += c.jitter(policy.MaxJitter)
		}

		c.metrics.RecordRetry(opts.Operation)
		c.logger.Warn("API読み込みをリトライします",
			slog.String("operation", opts.Operation),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", wait),
			slog.String("error", last.Error),
		)

		if err := c.sleep(ctx, wait); err != nil {
			return last
		}
	}

	c.logger.Error("リトライ後もAPI読み込みに失敗しました",
		slog.String("operation", opts.Operation),
		slog.Int("attempts", maxAttempts),
		slog.String("error", last.Error),
	)
	return last
}

// sleepContext はdだけ待機する。コンテキストが先に終了した場合はそのエラーを返す。
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}
