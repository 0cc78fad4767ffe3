package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/storyflow/internal/middleware"
	"github.com/hitoshi/storyflow/internal/model"
	"github.com/hitoshi/storyflow/internal/store"
)

// SessionServiceInterface はセッションハンドラーが必要とするセッションストアの操作。
type SessionServiceInterface interface {
	State() store.SessionState
	Login(ctx context.Context, creds model.Credentials) (model.User, error)
	Register(ctx context.Context, reg model.Registration) (model.User, error)
	Logout(ctx context.Context, notifyServer bool)
	OpenEditTarget(p model.Post)
	CloseEditTarget()
	OpenDeleteTarget(p model.Post)
	CloseDeleteTarget()
	SetSettingsOpen(open bool)
}

// PostFinder はキーから投稿を探す。
type PostFinder interface {
	FindPost(key string) (model.Post, bool)
}

// SessionHandler は認証状態とダイアログ状態のHTTPハンドラー。
type SessionHandler struct {
	session SessionServiceInterface
	posts   PostFinder
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(session SessionServiceInterface, posts PostFinder) *SessionHandler {
	return &SessionHandler{session: session, posts: posts}
}

// targetRequest はダイアログ対象の投稿を指定するリクエストボディ。
type targetRequest struct {
	Key string `json:"key"`
}

// settingsRequest は設定ダイアログの開閉リクエストボディ。
type settingsRequest struct {
	Open bool `json:"open"`
}

// logoutRequest はログアウトのリクエストボディ。省略時はサーバーにも通知する。
type logoutRequest struct {
	NotifyServer *bool `json:"notifyServer"`
}

// Get は現在のセッション状態を返す。
// GET /api/session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session.State())
}

// Login はログインを処理する。
// POST /api/session/login
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds model.Credentials
	if err := decodeJSON(w, r, &creds); err != nil {
		middleware.WriteError(w, err)
		return
	}
	if _, err := h.session.Login(r.Context(), creds); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.session.State())
}

// Signup はアカウント登録を処理する。
// POST /api/session/signup
func (h *SessionHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var reg model.Registration
	if err := decodeJSON(w, r, &reg); err != nil {
		middleware.WriteError(w, err)
		return
	}
	if _, err := h.session.Register(r.Context(), reg); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.session.State())
}

// Logout はローカルの状態を消去し、必要ならサーバーにも通知する。
// サーバー側の失敗はレスポンスに影響しない。
// POST /api/session/logout
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	notify := true
	if r.ContentLength > 0 {
		var req logoutRequest
		if err := decodeJSON(w, r, &req); err != nil {
			middleware.WriteError(w, err)
			return
		}
		if req.NotifyServer != nil {
			notify = *req.NotifyServer
		}
	}
	h.session.Logout(r.Context(), notify)
	w.WriteHeader(http.StatusNoContent)
}

// OpenEditTarget は編集ダイアログの対象を設定する。
// PUT /api/session/edit-target
func (h *SessionHandler) OpenEditTarget(w http.ResponseWriter, r *http.Request) {
	p, ok := h.resolveTarget(w, r)
	if !ok {
		return
	}
	h.session.OpenEditTarget(p)
	writeJSON(w, http.StatusOK, h.session.State())
}

// CloseEditTarget は編集ダイアログを閉じる。
// DELETE /api/session/edit-target
func (h *SessionHandler) CloseEditTarget(w http.ResponseWriter, r *http.Request) {
	h.session.CloseEditTarget()
	writeJSON(w, http.StatusOK, h.session.State())
}

// OpenDeleteTarget は削除確認ダイアログの対象を設定する。
// PUT /api/session/delete-target
func (h *SessionHandler) OpenDeleteTarget(w http.ResponseWriter, r *http.Request) {
	p, ok := h.resolveTarget(w, r)
	if !ok {
		return
	}
	h.session.OpenDeleteTarget(p)
	writeJSON(w, http.StatusOK, h.session.State())
}

// CloseDeleteTarget は削除確認ダイアログを閉じる。
// DELETE /api/session/delete-target
func (h *SessionHandler) CloseDeleteTarget(w http.ResponseWriter, r *http.Request) {
	h.session.CloseDeleteTarget()
	writeJSON(w, http.StatusOK, h.session.State())
}

// SetSettings は設定ダイアログを開閉する。
// PUT /api/session/settings
func (h *SessionHandler) SetSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}
	h.session.SetSettingsOpen(req.Open)
	writeJSON(w, http.StatusOK, h.session.State())
}

func (h *SessionHandler) resolveTarget(w http.ResponseWriter, r *http.Request) (model.Post, bool) {
	var req targetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return model.Post{}, false
	}
	if req.Key == "" {
		middleware.WriteError(w, model.NewValidationError("key is required"))
		return model.Post{}, false
	}
	p, ok := h.posts.FindPost(req.Key)
	if !ok {
		middleware.WriteError(w, model.NewPostNotFoundError(req.Key))
		return model.Post{}, false
	}
	return p, true
}
