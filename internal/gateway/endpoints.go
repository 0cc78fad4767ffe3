package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/hitoshi/storyflow/internal/model"
)

// 操作名（ログとメトリクスのラベル）
const (
	OpLogin        = "login"
	OpSignup       = "signup"
	OpLogout       = "logout"
	OpPublicFeed   = "public_feed"
	OpAuthorPosts  = "author_posts"
	OpCreatePost   = "create_post"
	OpUpdatePost   = "update_post"
	OpDeletePost   = "delete_post"
	OpAIQuery      = "ai_query"
	OpDynamicFetch = "dynamic_fetch"
)

// FetchOptions はリトライ付き読み込みのオプション。
type FetchOptions struct {
	// OnAttempt は各試行の開始時に呼ばれる（進捗表示用）。
	OnAttempt AttemptFunc
}

// AuthorQuery は著者投稿の取得条件。
type AuthorQuery struct {
	// AuthorID が空の場合はセッションのユーザー自身の投稿を取得する。
	AuthorID string
	// Path が指定された場合はエンドポイントを上書きする。
	Path      string
	OnAttempt AttemptFunc
}

// Login は認証してユーザーを返す。
func (c *Client) Login(ctx context.Context, creds model.Credentials) (model.User, error) {
	res := c.Call(ctx, http.MethodPost, "/api/auth/login", RequestOptions{
		Credentialed: true,
		Body:         creds,
		Operation:    OpLogin,
	})
	return c.userResult(res, "Login failed")
}

// Signup はアカウントを登録してユーザーを返す。
func (c *Client) Signup(ctx context.Context, reg model.Registration) (model.User, error) {
	res := c.Call(ctx, http.MethodPost, "/api/auth/signup", RequestOptions{
		Credentialed: true,
		Body:         reg,
		Operation:    OpSignup,
	})
	return c.userResult(res, "Registration failed")
}

func (c *Client) userResult(res Result, fallback string) (model.User, error) {
	if !res.OK {
		return model.User{}, res.Err(fallback)
	}
	u, ok := DecodeUser(res.Data)
	if !ok {
		return model.User{}, model.NewTransportError("unexpected authentication response", res.Status)
	}
	return u, nil
}

// Logout はサーバー側のセッションを破棄する。
func (c *Client) Logout(ctx context.Context) error {
	res := c.Call(ctx, http.MethodPost, "/api/auth/logout", RequestOptions{
		Credentialed: true,
		Operation:    OpLogout,
	})
	return res.Err("Logout failed")
}

// FetchPublicFeed は公開フィードをリトライ付きで取得する。認証情報は送らない。
func (c *Client) FetchPublicFeed(ctx context.Context, opts FetchOptions) ([]model.Post, error) {
	res := c.fetchWithRetry(ctx, "/api/blogs", RequestOptions{
		Credentialed: false,
		Operation:    OpPublicFeed,
	}, c.feedRetry, opts.OnAttempt)
	if !res.OK {
		return nil, res.Err("Failed to fetch blogs after retries")
	}
	return DecodeList(res.Data), nil
}

// FetchAuthorPosts は著者の投稿をリトライ付きで取得する。
func (c *Client) FetchAuthorPosts(ctx context.Context, q AuthorQuery) ([]model.Post, error) {
	path := q.Path
	if path == "" {
		path = "/api/blogs/author"
		if q.AuthorID != "" {
			path += "/" + url.PathEscape(q.AuthorID)
		}
	}

	res := c.fetchWithRetry(ctx, path, RequestOptions{
		Credentialed: true,
		Operation:    OpAuthorPosts,
	}, c.authRetry, q.OnAttempt)
	if !res.OK {
		return nil, res.Err("Failed to fetch author blogs after retries")
	}
	return DecodeList(res.Data), nil
}

// CreatePost は投稿を作成する。1回だけ試行する。
// サーバーが投稿を返さなかった場合は入力値から組み立てた投稿を返す。
func (c *Client) CreatePost(ctx context.Context, in model.PostInput) (model.Post, error) {
	res := c.Call(ctx, http.MethodPost, "/api/blogs", RequestOptions{
		Credentialed: true,
		Body:         in,
		Operation:    OpCreatePost,
	})
	if !res.OK {
		return model.Post{}, res.Err("Failed to create blog")
	}

	if p, ok := DecodePost(res.Data); ok {
		return p, nil
	}
	return model.Post{
		ID:      uuid.NewString(),
		Title:   in.Title,
		Content: in.Content,
		Slug:    in.Slug,
		Tagline: in.Tagline,
		Status:  model.StatusPublished,
		Author:  model.Author{Name: defaultAuthorName, Role: defaultAuthorRole},
	}, nil
}

// UpdatePost は投稿を更新する。1回だけ試行する。
// サーバーが更新後の投稿を返した場合は2番目の戻り値がtrueになる。
func (c *Client) UpdatePost(ctx context.Context, id string, patch model.PostPatch) (model.Post, bool, error) {
	res := c.Call(ctx, http.MethodPut, "/api/blogs/edit/"+url.PathEscape(id), RequestOptions{
		Credentialed: true,
		Body:         patch,
		Operation:    OpUpdatePost,
	})
	if !res.OK {
		return model.Post{}, false, res.Err("Failed to update blog")
	}
	p, ok := DecodePost(res.Data)
	return p, ok, nil
}

// DeletePost は投稿を削除する。1回だけ試行する。
// サーバーが{success:false}を返した場合は業務エラーとして扱う。
func (c *Client) DeletePost(ctx context.Context, id string) error {
	res := c.Call(ctx, http.MethodDelete, "/api/blogs/delete/"+url.PathEscape(id), RequestOptions{
		Credentialed: true,
		Operation:    OpDeletePost,
	})
	if !res.OK {
		return res.Err("Failed to delete blog")
	}

	var body struct {
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal(res.Data, &body); err == nil && body.Success != nil && !*body.Success {
		return model.NewApplicationError("Failed to delete blog", res.Status)
	}
	return nil
}

// AskAI はサポートチャットの質問を送信し、サーバーの生のレスポンスを返す。
func (c *Client) AskAI(ctx context.Context, question string) (json.RawMessage, error) {
	res := c.Call(ctx, http.MethodPost, "/api/ai/query", RequestOptions{
		Credentialed: true,
		Body:         map[string]string{"question": question},
		Operation:    OpAIQuery,
	})
	if !res.OK {
		return nil, res.Err("AI query failed")
	}
	return res.Data, nil
}

// DynamicRequest は任意エンドポイントへのリクエスト。
type DynamicRequest struct {
	Method       string
	URL          string // APIのパス、または絶対URL
	Body         any
	Credentialed bool
}

// FetchDynamic は任意のパスまたは絶対URLを1回だけ呼び出す。
// API以外のホストはSSRFガードで検証した専用クライアントで送信し、Cookieは送らない。
func (c *Client) FetchDynamic(ctx context.Context, req DynamicRequest) (json.RawMessage, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	res := c.Call(ctx, method, req.URL, RequestOptions{
		Credentialed: req.Credentialed,
		Body:         req.Body,
		Operation:    OpDynamicFetch,
	})
	if !res.OK {
		return nil, res.Err("Dynamic fetch failed")
	}
	return res.Data, nil
}
