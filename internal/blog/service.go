// Package blog は投稿コレクションとリモートAPIの同期を行う。
//
// 読み込みはゲートウェイ経由でストアへ書き込み、作成・更新・削除は
// ミューテーションコーディネーターを通じて楽観的に反映する。
// 呼び出し元のcontextがキャンセルされた場合、到着した結果はストアへ書き込まない。
package blog

import (
	"context"
	"log/slog"

	"github.com/hitoshi/storyflow/internal/gateway"
	"github.com/hitoshi/storyflow/internal/metrics"
	"github.com/hitoshi/storyflow/internal/model"
	"github.com/hitoshi/storyflow/internal/mutation"
	"github.com/hitoshi/storyflow/internal/render"
	"github.com/hitoshi/storyflow/internal/store"
)

// API は同期に使うリモートAPI。
type API interface {
	FetchPublicFeed(ctx context.Context, opts gateway.FetchOptions) ([]model.Post, error)
	FetchAuthorPosts(ctx context.Context, q gateway.AuthorQuery) ([]model.Post, error)
	CreatePost(ctx context.Context, in model.PostInput) (model.Post, error)
	UpdatePost(ctx context.Context, id string, patch model.PostPatch) (model.Post, bool, error)
	DeletePost(ctx context.Context, id string) error
}

// PostCache はユーザーごとの投稿一覧キャッシュ。
type PostCache interface {
	Read(ctx context.Context, userID string) ([]model.Post, bool)
	Write(ctx context.Context, userID string, posts []model.Post) error
}

// Identity は現在のユーザーIDを返す。
type Identity interface {
	UserID() string
}

// Service は投稿の同期サービス。
type Service struct {
	content  *store.Content
	api      API
	cache    PostCache
	identity Identity
	coord    *mutation.Coordinator
	renderer *render.Renderer
	logger   *slog.Logger
}

// NewService はServiceを生成する。cacheとrendererはnilでもよい。
func NewService(content *store.Content, api API, cache PostCache, identity Identity, renderer *render.Renderer, logger *slog.Logger, recorder metrics.Recorder) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		content:  content,
		api:      api,
		cache:    cache,
		identity: identity,
		renderer: renderer,
		logger:   logger,
	}
	s.coord = mutation.NewCoordinator(content, api, s.RefreshAuthorPosts, logger, recorder)
	return s
}

// Content はサービスが書き込むストアを返す。
func (s *Service) Content() *store.Content {
	return s.content
}

// Feed は公開フィードのスナップショットを返す。
func (s *Service) Feed() store.CollectionState {
	return s.content.Feed()
}

// AuthorPosts は著者コレクションのスナップショットを返す。
func (s *Service) AuthorPosts() store.CollectionState {
	return s.content.AuthorPosts()
}

// Generic は互換用の汎用リストを返す。著者コレクションの派生ビュー。
func (s *Service) Generic() store.CollectionState {
	return s.content.Generic()
}

// MutationState は投稿に対する変更の状態を返す。
func (s *Service) MutationState(id string) mutation.State {
	return s.coord.State(id)
}

// MutationOutcome は投稿に対する直近の変更の結果を返す。
func (s *Service) MutationOutcome(id string) (mutation.Outcome, bool) {
	return s.coord.Outcome(id)
}

func (s *Service) userID() string {
	if s.identity == nil {
		return ""
	}
	return s.identity.UserID()
}

// RefreshFeed は公開フィードを取得して置き換える。
// 失敗時は既存の投稿を残したままエラーを記録する。
func (s *Service) RefreshFeed(ctx context.Context) error {
	s.content.BeginFeedLoad()

	posts, err := s.api.FetchPublicFeed(ctx, gateway.FetchOptions{
		OnAttempt: s.attemptLogger(gateway.OpPublicFeed),
	})
	if ctx.Err() != nil {
		s.content.AbortFeedLoad()
		return ctx.Err()
	}
	if err != nil {
		s.content.FailFeed(err.Error())
		return err
	}

	s.content.ReplaceFeed(posts)
	s.logger.Debug("公開フィードを更新しました", slog.Int("posts", len(posts)))
	return nil
}

// RefreshAuthorPosts は著者コレクションを取得して置き換え、キャッシュに書き込む。
// 取得中にログアウトやユーザーの切り替えがあった場合、結果は破棄する。
func (s *Service) RefreshAuthorPosts(ctx context.Context) error {
	epoch, user := s.content.Epoch(), s.userID()
	s.content.BeginAuthorLoad()

	posts, err := s.api.FetchAuthorPosts(ctx, gateway.AuthorQuery{
		OnAttempt: s.attemptLogger(gateway.OpAuthorPosts),
	})
	if ctx.Err() != nil {
		s.content.Guard(epoch, s.content.AbortAuthorLoad)
		return ctx.Err()
	}
	if err != nil {
		s.content.Guard(epoch, func() { s.content.FailAuthor(err.Error()) })
		return err
	}

	applied := s.content.Guard(epoch, func() {
		s.content.ReplaceAuthorPosts(posts)
		s.writeCache(ctx, user)
	})
	if !applied {
		s.discarded(gateway.OpAuthorPosts, user)
		return nil
	}
	s.logger.Debug("著者の投稿を更新しました", slog.Int("posts", len(posts)))
	return nil
}

// discarded は世代が変わったために結果を捨てたことを記録する。
func (s *Service) discarded(op, user string) {
	s.logger.Info("ユーザーが切り替わったため結果を破棄しました",
		slog.String("operation", op),
		slog.String("user_id", user),
	)
}

func (s *Service) attemptLogger(op string) gateway.AttemptFunc {
	return func(attempt int) {
		if attempt > 0 {
			s.logger.Debug("読み込みを再試行しています",
				slog.String("operation", op),
				slog.Int("attempt", attempt),
			)
		}
	}
}

// ManagementOptions は管理画面を開くときのオプション。
type ManagementOptions struct {
	// Force は取得済みでもネットワークから取り直す。
	Force bool
	// OnPaint はキャッシュから先出しした時点で呼ばれる。
	OnPaint func(posts []model.Post)
}

// OpenManagement は管理画面用に著者コレクションを用意する。
// キャッシュがあれば先にストアへ反映してからネットワークで取得する。
// 取得済みで投稿がある場合はForceでない限り何もしない。
func (s *Service) OpenManagement(ctx context.Context, opts ManagementOptions) (store.CollectionState, error) {
	current := s.content.AuthorPosts()
	if current.Fetched && len(current.Posts) > 0 && !opts.Force {
		return current, nil
	}

	if s.cache != nil {
		epoch, user := s.content.Epoch(), s.userID()
		if cached, ok := s.cache.Read(ctx, user); ok && ctx.Err() == nil {
			seeded := false
			s.content.Guard(epoch, func() { seeded = s.content.SeedAuthorPosts(cached) })
			if seeded && opts.OnPaint != nil {
				opts.OnPaint(cached)
			}
		}
	}

	err := s.RefreshAuthorPosts(ctx)
	return s.content.AuthorPosts(), err
}

// CreatePost は入力を検証して投稿を作成し、著者コレクションの先頭に追加する。
func (s *Service) CreatePost(ctx context.Context, in model.PostInput) (model.Post, error) {
	if err := in.Validate(); err != nil {
		return model.Post{}, err
	}

	epoch, user := s.content.Epoch(), s.userID()
	p, err := s.api.CreatePost(ctx, in)
	if ctx.Err() != nil {
		return model.Post{}, ctx.Err()
	}
	if err != nil {
		s.content.Guard(epoch, func() { s.content.SetAuthorError(err.Error()) })
		return model.Post{}, err
	}

	inserted := s.content.Guard(epoch, func() {
		s.content.InsertPost(p)
		s.writeCache(ctx, user)
	})
	if !inserted {
		s.discarded(gateway.OpCreatePost, user)
		return p, nil
	}
	s.logger.Info("投稿を作成しました", slog.String("post_id", p.ID))
	return p, nil
}

// UpdatePost は変更のあるフィールドだけを楽観的に更新する。
// 差分がない場合はNoChangesエラーを返し、ネットワークには送信しない。
func (s *Service) UpdatePost(ctx context.Context, id string, patch model.PostPatch) (model.Post, error) {
	// 処理中の値との差分は取らない
	if err := s.coord.EnsureIdle(id, mutation.KindUpdate); err != nil {
		return model.Post{}, err
	}
	epoch, user := s.content.Epoch(), s.userID()
	current, ok := s.content.EditablePost(id)
	if !ok {
		return model.Post{}, model.NewPostNotFoundError(id)
	}
	changes := patch.Changes(current)
	if changes.IsEmpty() {
		return current, model.NewNoChangesError()
	}
	if err := changes.Validate(); err != nil {
		return current, err
	}

	p, err := s.coord.Update(ctx, id, changes)
	if err != nil {
		return p, err
	}
	s.content.Guard(epoch, func() { s.writeCache(ctx, user) })
	return p, nil
}

// DeletePost は投稿を楽観的に削除する。失敗時は著者コレクションを取り直す。
func (s *Service) DeletePost(ctx context.Context, id string) error {
	epoch, user := s.content.Epoch(), s.userID()
	if err := s.coord.Delete(ctx, id); err != nil {
		return err
	}
	s.content.Guard(epoch, func() { s.writeCache(ctx, user) })
	return nil
}

// writeCache は現在の著者コレクションをuserのキャッシュに書き込む。失敗はログのみ。
// Content.Guardの中から呼ぶ。
func (s *Service) writeCache(ctx context.Context, user string) {
	if s.cache == nil {
		return
	}
	posts := s.content.AuthorPosts().Posts
	if err := s.cache.Write(ctx, user, posts); err != nil {
		s.logger.Warn("ローカルキャッシュの書き込みに失敗しました", slog.String("error", err.Error()))
	}
}
