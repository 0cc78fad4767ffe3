package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/storyflow/internal/blog"
	"github.com/hitoshi/storyflow/internal/middleware"
	"github.com/hitoshi/storyflow/internal/model"
	"github.com/hitoshi/storyflow/internal/store"
)

// BlogServiceInterface は投稿ハンドラーが必要とする同期サービスの操作。
type BlogServiceInterface interface {
	PostFinder
	Feed() store.CollectionState
	Generic() store.CollectionState
	RefreshFeed(ctx context.Context) error
	OpenManagement(ctx context.Context, opts blog.ManagementOptions) (store.CollectionState, error)
	ManagementRows() []blog.ManagementRow
	CreatePost(ctx context.Context, in model.PostInput) (model.Post, error)
	UpdatePost(ctx context.Context, id string, patch model.PostPatch) (model.Post, error)
	DeletePost(ctx context.Context, id string) error
	Detail(key string) (blog.PostDetail, error)
}

// PostHandler は公開フィード、管理画面、投稿のHTTPハンドラー。
type PostHandler struct {
	service BlogServiceInterface
	logger  *slog.Logger
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(service BlogServiceInterface, logger *slog.Logger) *PostHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostHandler{service: service, logger: logger}
}

// manageResponse は管理画面のレスポンス。
type manageResponse struct {
	Rows    []blog.ManagementRow `json:"rows"`
	Fetched bool                 `json:"fetched"`
	Loading bool                 `json:"loading"`
	Error   string               `json:"error,omitempty"`
}

// Feed は公開フィードを返す。未取得の場合はその場で読み込む。
// 読み込みに失敗しても、記録されたエラーを含む状態を200で返す。
// GET /api/feed
func (h *PostHandler) Feed(w http.ResponseWriter, r *http.Request) {
	state := h.service.Feed()
	if !state.Fetched && !state.Loading {
		if err := h.service.RefreshFeed(r.Context()); err != nil && r.Context().Err() != nil {
			return
		}
		state = h.service.Feed()
	}
	writeJSON(w, http.StatusOK, state)
}

// RefreshFeed は公開フィードを取り直す。
// POST /api/feed/refresh
func (h *PostHandler) RefreshFeed(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RefreshFeed(r.Context()); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.service.Feed())
}

// List はサインイン中のユーザーの汎用リストを返す。読み込みは行わない。
// GET /api/posts
func (h *PostHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Generic())
}

// Manage は管理画面の一覧を返す。
// GET /api/manage
func (h *PostHandler) Manage(w http.ResponseWriter, r *http.Request) {
	h.openManagement(w, r, false)
}

// RefreshManage は著者コレクションを強制的に取り直す。
// POST /api/manage/refresh
func (h *PostHandler) RefreshManage(w http.ResponseWriter, r *http.Request) {
	h.openManagement(w, r, true)
}

// openManagement はキャッシュかネットワークから取得できた一覧があれば、
// 取得に失敗していてもエラーを含めて200で返す。
func (h *PostHandler) openManagement(w http.ResponseWriter, r *http.Request, force bool) {
	state, err := h.service.OpenManagement(r.Context(), blog.ManagementOptions{Force: force})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if len(state.Posts) == 0 {
			middleware.WriteError(w, err)
			return
		}
		h.logger.Warn("著者の投稿の取得に失敗したため手元の一覧を返します", slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusOK, manageResponse{
		Rows:    h.service.ManagementRows(),
		Fetched: state.Fetched,
		Loading: state.Loading,
		Error:   state.Error,
	})
}

// Create は投稿を作成する。
// POST /api/posts
func (h *PostHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in model.PostInput
	if err := decodeJSON(w, r, &in); err != nil {
		middleware.WriteError(w, err)
		return
	}
	p, err := h.service.CreatePost(r.Context(), in)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// Get は記事ページの表示内容を返す。keyはID、slug、またはエンコード済みタイトル。
// GET /api/posts/{key}
func (h *PostHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.Detail(chi.URLParam(r, "key"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Update は投稿を楽観的に更新する。失敗時はロールバック後の投稿は返さずエラーのみ返す。
// PUT /api/posts/{key}
func (h *PostHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.resolveID(w, r)
	if !ok {
		return
	}
	var patch model.PostPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		middleware.WriteError(w, err)
		return
	}
	p, err := h.service.UpdatePost(r.Context(), id, patch)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Delete は投稿を楽観的に削除する。
// DELETE /api/posts/{key}
func (h *PostHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.resolveID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeletePost(r.Context(), id); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resolveID はURLのキーを投稿IDに解決する。
func (h *PostHandler) resolveID(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := chi.URLParam(r, "key")
	p, ok := h.service.FindPost(key)
	if !ok {
		middleware.WriteError(w, model.NewPostNotFoundError(key))
		return "", false
	}
	return p.ID, true
}
