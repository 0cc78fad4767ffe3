package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/storyflow/internal/model"
)

// AuthAPI は認証エンドポイントの呼び出し。
type AuthAPI interface {
	Login(ctx context.Context, creds model.Credentials) (model.User, error)
	Signup(ctx context.Context, reg model.Registration) (model.User, error)
	Logout(ctx context.Context) error
}

// CachePurger はユーザーごとのローカルキャッシュを全削除する。
type CachePurger interface {
	PurgeAll(ctx context.Context) error
}

// SessionState はセッションストアのスナップショット。
type SessionState struct {
	User            *model.User `json:"user"`
	IsAuthenticated bool        `json:"isAuthenticated"`
	Loading         bool        `json:"loading"`
	Error           string      `json:"error,omitempty"`

	EditTarget   *model.Post `json:"editTarget,omitempty"`
	EditOpen     bool        `json:"editOpen"`
	DeleteTarget *model.Post `json:"deleteTarget,omitempty"`
	DeleteOpen   bool        `json:"deleteOpen"`
	SettingsOpen bool        `json:"settingsOpen"`
}

// Session は認証状態とダイアログの状態を保持するストア。
// isAuthenticatedは常にuserの有無と一致する。
type Session struct {
	mu      sync.RWMutex
	state   SessionState
	api     AuthAPI
	content *Content
	cache   CachePurger
	logger  *slog.Logger
}

// NewSession はSessionを生成する。cacheはnilでもよい。
func NewSession(api AuthAPI, content *Content, cache CachePurger, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		api:     api,
		content: content,
		cache:   cache,
		logger:  logger,
	}
}

// State はセッションのスナップショットを返す。
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.state
	if st.User != nil {
		u := *st.User
		st.User = &u
	}
	if st.EditTarget != nil {
		p := *st.EditTarget
		st.EditTarget = &p
	}
	if st.DeleteTarget != nil {
		p := *st.DeleteTarget
		st.DeleteTarget = &p
	}
	return st
}

// User は現在のユーザーを返す。
func (s *Session) User() (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.User == nil {
		return model.User{}, false
	}
	return *s.state.User, true
}

// UserID は現在のユーザーIDを返す。未ログインの場合は空文字。
func (s *Session) UserID() string {
	u, _ := s.User()
	return u.ID
}

// Login は認証してユーザーを設定する。
// 入力検証エラーはストアに書き込まずに返す。成功・失敗にかかわらずloadingは必ず下ろす。
func (s *Session) Login(ctx context.Context, creds model.Credentials) (model.User, error) {
	if err := creds.Validate(); err != nil {
		return model.User{}, err
	}
	return s.authenticate(ctx, func(ctx context.Context) (model.User, error) {
		return s.api.Login(ctx, creds)
	})
}

// Register はアカウントを登録してユーザーを設定する。
func (s *Session) Register(ctx context.Context, reg model.Registration) (model.User, error) {
	if err := reg.Validate(); err != nil {
		return model.User{}, err
	}
	return s.authenticate(ctx, func(ctx context.Context) (model.User, error) {
		return s.api.Signup(ctx, reg)
	})
}

func (s *Session) authenticate(ctx context.Context, call func(context.Context) (model.User, error)) (model.User, error) {
	s.mu.Lock()
	s.state.Loading = true
	s.state.Error = ""
	s.mu.Unlock()

	u, err := call(ctx)

	s.mu.Lock()
	s.state.Loading = false
	if err != nil {
		s.state.Error = err.Error()
		s.mu.Unlock()
		return model.User{}, err
	}

	previous := ""
	if s.state.User != nil {
		previous = s.state.User.ID
	}
	s.state.User = &u
	s.state.IsAuthenticated = true
	s.mu.Unlock()

	if previous != "" && previous != u.ID {
		s.logger.Info("ユーザーが切り替わったため編集中の投稿を消去します",
			slog.String("previous_user_id", previous),
			slog.String("user_id", u.ID),
		)
		s.resetUserData(ctx)
	}
	return u, nil
}

// Logout はローカルの状態を消去し、notifyServerがtrueならサーバー側のセッションも破棄する。
// サーバーの呼び出しはローカルの消去後に行い、失敗してもローカルの状態は戻さない。
func (s *Session) Logout(ctx context.Context, notifyServer bool) {
	s.mu.Lock()
	s.state = SessionState{}
	s.mu.Unlock()

	s.resetUserData(ctx)

	if !notifyServer {
		return
	}
	if err := s.api.Logout(ctx); err != nil {
		s.logger.Warn("サーバー側のログアウトに失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// resetUserData は編集可能なコレクションとユーザーごとのキャッシュを消去する。
func (s *Session) resetUserData(ctx context.Context) {
	s.content.ClearEditable()
	if s.cache == nil {
		return
	}
	if err := s.cache.PurgeAll(ctx); err != nil {
		s.logger.Warn("ローカルキャッシュの削除に失敗しました", slog.String("error", err.Error()))
	}
}

// OpenEditTarget は編集ダイアログの対象を設定して表示する。既存の対象は置き換える。
func (s *Session) OpenEditTarget(p model.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.EditTarget = &p
	s.state.EditOpen = true
}

// CloseEditTarget は編集ダイアログを閉じて対象を消去する。
func (s *Session) CloseEditTarget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.EditTarget = nil
	s.state.EditOpen = false
}

// OpenDeleteTarget は削除確認ダイアログの対象を設定して表示する。
func (s *Session) OpenDeleteTarget(p model.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.DeleteTarget = &p
	s.state.DeleteOpen = true
}

// CloseDeleteTarget は削除確認ダイアログを閉じて対象を消去する。
func (s *Session) CloseDeleteTarget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.DeleteTarget = nil
	s.state.DeleteOpen = false
}

// SetSettingsOpen は設定ダイアログの表示状態を変更する。
func (s *Session) SetSettingsOpen(open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.SettingsOpen = open
}
