// Package app はコマンドの解析と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/storyflow/internal/blog"
	"github.com/hitoshi/storyflow/internal/cache"
	"github.com/hitoshi/storyflow/internal/config"
	"github.com/hitoshi/storyflow/internal/database"
	"github.com/hitoshi/storyflow/internal/gateway"
	"github.com/hitoshi/storyflow/internal/handler"
	"github.com/hitoshi/storyflow/internal/logger"
	"github.com/hitoshi/storyflow/internal/metrics"
	"github.com/hitoshi/storyflow/internal/middleware"
	"github.com/hitoshi/storyflow/internal/render"
	"github.com/hitoshi/storyflow/internal/security"
	"github.com/hitoshi/storyflow/internal/store"
	"github.com/hitoshi/storyflow/internal/support"
	"github.com/hitoshi/storyflow/internal/worker/refresh"
)

// Init はアプリケーションの初期化を行う。
// ログを先にセットアップしてから設定を読み込み、設定のログレベルを反映する。
func Init(w io.Writer) (*config.Config, error) {
	logger.SetupDefault(w)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.SetLevel(cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("api_base_url", cfg.APIBaseURL),
		slog.String("cache_backend", cfg.CacheBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// Components は組み立て済みの依存関係。
type Components struct {
	Registry  *prometheus.Registry
	Gateway   *gateway.Client
	Cache     *cache.LocalCache
	Content   *store.Content
	Session   *store.Session
	Blog      *blog.Service
	Chat      *support.Chat
	Scheduler *refresh.Scheduler

	closers []func() error
}

// Close は保持しているリソースを解放する。
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	return errors.Join(errs...)
}

// Build は設定から全コンポーネントを組み立てる。
// sqliteバックエンドの場合はマイグレーションを適用してからキャッシュを開く。
func Build(cfg *config.Config, log *slog.Logger) (*Components, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &Components{Registry: prometheus.NewRegistry()}
	recorder := metrics.NewCollector(c.Registry)

	backend, err := openCacheBackend(cfg, c)
	if err != nil {
		c.Close()
		return nil, err
	}

	client, err := gateway.NewClient(gateway.Config{
		BaseURL:    cfg.APIBaseURL,
		Timeout:    cfg.RequestTimeout,
		Rate:       cfg.OutboundRate,
		Burst:      cfg.OutboundBurst,
		MaxRetries: cfg.FetchMaxRetries,
		RetryDelay: cfg.FetchRetryDelay,
	}, log, recorder, security.NewSSRFGuard())
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}
	c.Gateway = client

	c.Cache = cache.NewLocalCache(backend, cfg.CacheMaxPosts, log, recorder)
	c.Content = store.NewContent()
	c.Session = store.NewSession(client, c.Content, c.Cache, log)
	c.Blog = blog.NewService(c.Content, client, c.Cache, c.Session,
		render.NewRenderer(security.NewContentSanitizer()), log, recorder)
	c.Chat = support.NewChat(client, log)
	c.Scheduler = refresh.NewScheduler(c.Blog, c.Session, log, 0)

	return c, nil
}

func openCacheBackend(cfg *config.Config, c *Components) (cache.Backend, error) {
	if cfg.CacheBackend == config.CacheBackendMemory {
		return cache.NewMemoryBackend(), nil
	}

	if _, err := database.RunMigrations(cfg.CacheDBPath); err != nil {
		return nil, fmt.Errorf("failed to migrate cache database: %w", err)
	}
	db, err := database.Open(cfg.CacheDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	c.closers = append(c.closers, db.Close)
	return cache.NewSQLBackend(db), nil
}

// NewRouter はコンポーネントからデスク用APIのルーターを構築する。
func (c *Components) NewRouter(cfg *config.Config, log *slog.Logger, limiter *middleware.RateLimiter) http.Handler {
	return handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       limiter,
		Identity:          c.Session,
		Session:           c.Session,
		Blog:              c.Blog,
		Support:           c.Chat,
		Fetcher:           c.Gateway,
		Metrics:           metrics.Handler(c.Registry),
	})
}

// rateLimiterConfig は設定のreq/minをreq/secに変換したレート制限設定を返す。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	return rl
}

// runServe はデスク用APIサーバーを起動する。
// REFRESH_INTERVALが正の場合はバックグラウンド更新も開始する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	c, err := Build(cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	limiter := middleware.NewRateLimiter(rateLimiterConfig(cfg), log)
	defer limiter.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      c.NewRouter(cfg, log, limiter),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout*time.Duration(cfg.FetchMaxRetries+1) + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.RefreshInterval > 0 {
		go c.Scheduler.Start(ctx, cfg.RefreshInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runMigrate はキャッシュデータベースのマイグレーションを実行する。
// メモリバックエンドではマイグレーション対象がないため何もしない。
func runMigrate(cfg *config.Config) error {
	if cfg.CacheBackend != config.CacheBackendSQLite {
		slog.Info("cache backend has no schema; skipping migrations",
			slog.String("cache_backend", cfg.CacheBackend),
		)
		return nil
	}

	slog.Info("running cache migrations", slog.String("path", cfg.CacheDBPath))
	version, err := database.RunMigrations(cfg.CacheDBPath)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("cache migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck は/healthにリクエストを送り、結果を返す。
// distroless環境でのDockerヘルスチェック用。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}
