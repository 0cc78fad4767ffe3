// Package store はアプリケーションセッション中のクライアント状態を保持する。
//
// Content は公開フィードと著者の投稿を、Session は認証状態とダイアログの状態を扱う。
// どちらも明示的に生成して依存先へ注入する値で、パッケージグローバルな状態は持たない。
// 読み出しは常にコピーを返すため、呼び出し側が受け取ったスライスを変更しても状態は変わらない。
package store

import (
	"sync"

	"github.com/hitoshi/storyflow/internal/model"
)

// CollectionState はコレクション1つ分のスナップショット。
type CollectionState struct {
	Posts   []model.Post `json:"posts"`
	Fetched bool         `json:"fetched"`
	Loading bool         `json:"loading"`
	Error   string       `json:"error,omitempty"`
}

type collection struct {
	posts   []model.Post
	fetched bool
	loading bool
	err     string
}

func (c *collection) snapshot() CollectionState {
	return CollectionState{
		Posts:   clonePosts(c.posts),
		Fetched: c.fetched,
		Loading: c.loading,
		Error:   c.err,
	}
}

func (c *collection) indexOf(id string) int {
	for i, p := range c.posts {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Content は投稿コレクションのストア。
//
// 公開フィードはサーバーの読み取り専用ミラーで、ReplaceFeed以外では変化しない。
// 著者コレクションは編集可能な作業セットで、作成・更新・削除はここにだけ反映される。
// 互換用の汎用リストは著者コレクションの派生ビューとしてGenericで提供する。
//
// 編集可能なコレクションには世代(epoch)があり、ClearEditableのたびに進む。
// 非同期の結果はGuardを通して書き込み、開始時と世代が変わっていれば破棄する。
type Content struct {
	// guard はClearEditableとGuard内の書き込みを直列化する。muより先に取る。
	guard  sync.Mutex
	mu     sync.RWMutex
	feed   collection
	author collection
	epoch  uint64
}

// NewContent は空のContentを生成する。
func NewContent() *Content {
	return &Content{}
}

// Feed は公開フィードのスナップショットを返す。
func (s *Content) Feed() CollectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.feed.snapshot()
}

// AuthorPosts は著者コレクションのスナップショットを返す。
func (s *Content) AuthorPosts() CollectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.author.snapshot()
}

// Generic は汎用リストを返す。著者コレクションと同じ内容を持つ読み取り専用ビュー。
func (s *Content) Generic() CollectionState {
	return s.AuthorPosts()
}

// BeginFeedLoad は公開フィードの読み込み開始を記録する。
func (s *Content) BeginFeedLoad() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feed.loading = true
	s.feed.err = ""
}

// FailFeed は公開フィードの読み込み失敗を記録する。既存の投稿は保持する。
func (s *Content) FailFeed(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feed.loading = false
	s.feed.err = msg
}

// AbortFeedLoad は呼び出し元が結果を必要としなくなった場合に読み込み中フラグだけを下ろす。
func (s *Content) AbortFeedLoad() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feed.loading = false
}

// ReplaceFeed は取得に成功した一覧で公開フィードを置き換える。
func (s *Content) ReplaceFeed(posts []model.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feed.posts = clonePosts(posts)
	s.feed.fetched = true
	s.feed.loading = false
	s.feed.err = ""
}

// BeginAuthorLoad は著者コレクションの読み込み開始を記録する。
func (s *Content) BeginAuthorLoad() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.author.loading = true
	s.author.err = ""
}

// FailAuthor は著者コレクションの読み込み失敗を記録する。既存の投稿は保持する。
func (s *Content) FailAuthor(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.author.loading = false
	s.author.err = msg
}

// AbortAuthorLoad は著者コレクションの読み込み中フラグだけを下ろす。
func (s *Content) AbortAuthorLoad() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.author.loading = false
}

// SetAuthorError はミューテーション失敗などのエラーを著者コレクションに記録する。
func (s *Content) SetAuthorError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.author.err = msg
}

// ReplaceAuthorPosts は取得に成功した一覧で著者コレクションを置き換える。
func (s *Content) ReplaceAuthorPosts(posts []model.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.author.posts = clonePosts(posts)
	s.author.fetched = true
	s.author.loading = false
	s.author.err = ""
}

// SeedAuthorPosts はキャッシュの内容で著者コレクションを先出しする。
// fetchedは立てないため、続くネットワーク取得で必ず置き換えられる。
// すでに取得済みの場合は何もしない。
func (s *Content) SeedAuthorPosts(posts []model.Post) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.author.fetched {
		return false
	}
	s.author.posts = clonePosts(posts)
	return true
}

// InsertPost は作成された投稿を編集可能なコレクションの先頭に追加する。
// 同じIDの投稿が既にあれば置き換えて先頭に移動する。公開フィードには追加しない。
func (s *Content) InsertPost(p model.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.author.indexOf(p.ID); i >= 0 {
		s.author.posts = append(s.author.posts[:i], s.author.posts[i+1:]...)
	}
	s.author.posts = append([]model.Post{p}, s.author.posts...)
}

// PatchPost はパッチを投稿に適用し、適用後の値を返す。
// 投稿が存在しない場合は何もせずfalseを返す。
func (s *Content) PatchPost(id string, patch model.PostPatch) (model.Post, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.author.indexOf(id)
	if i < 0 {
		return model.Post{}, false
	}
	s.author.posts[i] = s.author.posts[i].Apply(patch)
	return s.author.posts[i], true
}

// MergePost はサーバーが返したレコードを投稿に反映する。存在しない場合は何もしない。
func (s *Content) MergePost(id string, server model.Post) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.author.indexOf(id)
	if i < 0 {
		return false
	}
	s.author.posts[i] = s.author.posts[i].Merge(server)
	return true
}

// RestorePost は投稿をスナップショットの値に戻す。存在しない場合は何もしない。
func (s *Content) RestorePost(snapshot model.Post) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.author.indexOf(snapshot.ID)
	if i < 0 {
		return false
	}
	s.author.posts[i] = snapshot
	return true
}

// DeletePost は投稿を編集可能なコレクションから取り除き、削除した値を返す。
// 存在しない場合は何もせずfalseを返す。
func (s *Content) DeletePost(id string) (model.Post, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.author.indexOf(id)
	if i < 0 {
		return model.Post{}, false
	}
	removed := s.author.posts[i]
	s.author.posts = append(s.author.posts[:i:i], s.author.posts[i+1:]...)
	return removed, true
}

// Post は著者コレクション、公開フィードの順にIDで投稿を探す。
func (s *Content) Post(id string) (model.Post, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.author.indexOf(id); i >= 0 {
		return s.author.posts[i], true
	}
	if i := s.feed.indexOf(id); i >= 0 {
		return s.feed.posts[i], true
	}
	return model.Post{}, false
}

// EditablePost は著者コレクションからIDで投稿を探す。
func (s *Content) EditablePost(id string) (model.Post, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.author.indexOf(id); i >= 0 {
		return s.author.posts[i], true
	}
	return model.Post{}, false
}

// Epoch は編集可能なコレクションの現在の世代を返す。
func (s *Content) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// Guard は世代がepochのままであればfnを実行してtrueを返す。
// fnの実行中はClearEditableが待たされるため、fn内の書き込みが消去後に残ることはない。
// fnからClearEditableやGuardを呼んではならない。
func (s *Content) Guard(epoch uint64, fn func()) bool {
	s.guard.Lock()
	defer s.guard.Unlock()
	if s.Epoch() != epoch {
		return false
	}
	fn()
	return true
}

// ClearEditable は編集可能なコレクションとその取得済みフラグを消去し、世代を進める。
// ログアウトとユーザー切り替え時に呼ぶ。
func (s *Content) ClearEditable() {
	s.guard.Lock()
	defer s.guard.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.author = collection{}
	s.epoch++
}

func clonePosts(posts []model.Post) []model.Post {
	if posts == nil {
		return []model.Post{}
	}
	out := make([]model.Post, len(posts))
	copy(out, posts)
	return out
}
