// Package cache はユーザーごとの投稿一覧のローカルキャッシュを提供する。
//
// キャッシュはあくまで表示の先出し用で、ネットワークから取得に成功した結果が常に優先される。
// 内容が壊れている場合はキャッシュミスとして扱い、呼び出し元にエラーを返さない。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/storyflow/internal/metrics"
	"github.com/hitoshi/storyflow/internal/model"
)

const (
	// KeyPrefix はすべてのキャッシュキーの接頭辞。
	KeyPrefix = "author_blogs_cache"
	// AnonymousMarker はユーザーIDがない場合にキーへ使う値。
	AnonymousMarker = "anon"
	// DefaultMaxPosts は1エントリに保存する投稿の上限。
	DefaultMaxPosts = 100
)

// ErrNotFound はキーが存在しない場合にBackendが返すエラー。
var ErrNotFound = errors.New("cache entry not found")

// Backend はキー・値ストア。
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// LocalCache はユーザーIDをキーにした投稿一覧のキャッシュ。
type LocalCache struct {
	backend  Backend
	maxPosts int
	logger   *slog.Logger
	metrics  metrics.Recorder
}

// NewLocalCache はLocalCacheを生成する。maxPostsが0以下の場合は100件を上限とする。
func NewLocalCache(backend Backend, maxPosts int, logger *slog.Logger, recorder metrics.Recorder) *LocalCache {
	if maxPosts <= 0 {
		maxPosts = DefaultMaxPosts
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &LocalCache{
		backend:  backend,
		maxPosts: maxPosts,
		logger:   logger,
		metrics:  recorder,
	}
}

// Key はユーザーIDに対応するキャッシュキーを返す。
func Key(userID string) string {
	if strings.TrimSpace(userID) == "" {
		userID = AnonymousMarker
	}
	return KeyPrefix + "_" + userID
}

// Write は投稿一覧を保存する。先頭から上限件数までを保存する。
func (c *LocalCache) Write(ctx context.Context, userID string, posts []model.Post) error {
	if len(posts) > c.maxPosts {
		posts = posts[:c.maxPosts]
	}
	if posts == nil {
		posts = []model.Post{}
	}

	data, err := json.Marshal(posts)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	key := Key(userID)
	if err := c.backend.Set(ctx, key, data); err != nil {
		return fmt.Errorf("failed to write cache entry %s: %w", key, err)
	}
	return nil
}

// Read は保存済みの投稿一覧を返す。
// エントリがない、または内容が読めない場合は ok=false を返す。
func (c *LocalCache) Read(ctx context.Context, userID string) ([]model.Post, bool) {
	key := Key(userID)

	data, err := c.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("キャッシュの読み込みに失敗しました",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		c.metrics.RecordCacheLookup(metrics.CacheMiss)
		return nil, false
	}

	var posts []model.Post
	if err := json.Unmarshal(data, &posts); err != nil {
		corrupt := model.NewCacheCorruptError(key, err)
		c.logger.Debug("壊れたキャッシュエントリを無視します",
			slog.String("key", key),
			slog.String("error", corrupt.Error()),
		)
		c.metrics.RecordCacheLookup(metrics.CacheCorrupt)
		return nil, false
	}
	if posts == nil {
		c.metrics.RecordCacheLookup(metrics.CacheCorrupt)
		return nil, false
	}

	c.metrics.RecordCacheLookup(metrics.CacheHit)
	return posts, true
}

// PurgeAll は接頭辞に一致するすべてのエントリを削除する。
// ログアウトとユーザー切り替え時に呼ぶ。
func (c *LocalCache) PurgeAll(ctx context.Context) error {
	n, err := c.backend.DeletePrefix(ctx, KeyPrefix)
	if err != nil {
		return fmt.Errorf("failed to purge cache: %w", err)
	}
	c.logger.Debug("キャッシュを削除しました", slog.Int("entries", n))
	return nil
}
