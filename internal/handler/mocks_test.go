package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/storyflow/internal/blog"
	"github.com/hitoshi/storyflow/internal/gateway"
	"github.com/hitoshi/storyflow/internal/middleware"
	"github.com/hitoshi/storyflow/internal/model"
	"github.com/hitoshi/storyflow/internal/store"
	"github.com/hitoshi/storyflow/internal/support"
)

// --- モック定義 ---

// mockSession はSessionServiceInterfaceのモック実装。
type mockSession struct {
	loginFn    func(ctx context.Context, creds model.Credentials) (model.User, error)
	registerFn func(ctx context.Context, reg model.Registration) (model.User, error)

	state        store.SessionState
	logoutNotify []bool
}

func (m *mockSession) State() store.SessionState { return m.state }

func (m *mockSession) Login(ctx context.Context, creds model.Credentials) (model.User, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, creds)
	}
	u := model.User{ID: "u1", Email: creds.Email}
	m.state.User, m.state.IsAuthenticated = &u, true
	return u, nil
}

func (m *mockSession) Register(ctx context.Context, reg model.Registration) (model.User, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, reg)
	}
	u := model.User{ID: "u2", Email: reg.Email, FullName: reg.FullName}
	m.state.User, m.state.IsAuthenticated = &u, true
	return u, nil
}

func (m *mockSession) Logout(ctx context.Context, notifyServer bool) {
	m.logoutNotify = append(m.logoutNotify, notifyServer)
	m.state = store.SessionState{}
}

func (m *mockSession) OpenEditTarget(p model.Post) { m.state.EditTarget, m.state.EditOpen = &p, true }
func (m *mockSession) CloseEditTarget()            { m.state.EditTarget, m.state.EditOpen = nil, false }
func (m *mockSession) OpenDeleteTarget(p model.Post) {
	m.state.DeleteTarget, m.state.DeleteOpen = &p, true
}
func (m *mockSession) CloseDeleteTarget()     { m.state.DeleteTarget, m.state.DeleteOpen = nil, false }
func (m *mockSession) SetSettingsOpen(o bool) { m.state.SettingsOpen = o }

// UserID はIdentitySourceとして使う。
func (m *mockSession) UserID() string {
	if m.state.User == nil {
		return ""
	}
	return m.state.User.ID
}

// mockBlog はBlogServiceInterfaceのモック実装。
type mockBlog struct {
	posts []model.Post
	feed  store.CollectionState

	refreshFeedFn    func(ctx context.Context) error
	openManagementFn func(ctx context.Context, opts blog.ManagementOptions) (store.CollectionState, error)
	createFn         func(ctx context.Context, in model.PostInput) (model.Post, error)
	updateFn         func(ctx context.Context, id string, patch model.PostPatch) (model.Post, error)
	deleteFn         func(ctx context.Context, id string) error
	detailFn         func(key string) (blog.PostDetail, error)

	refreshFeedCalls int
	lastManageOpts   blog.ManagementOptions
}

func (m *mockBlog) FindPost(key string) (model.Post, bool) {
	for _, p := range m.posts {
		if p.ID == key || p.Slug == key {
			return p, true
		}
	}
	return model.Post{}, false
}

func (m *mockBlog) Feed() store.CollectionState { return m.feed }

func (m *mockBlog) Generic() store.CollectionState {
	return store.CollectionState{Posts: m.posts, Fetched: true}
}

func (m *mockBlog) RefreshFeed(ctx context.Context) error {
	m.refreshFeedCalls++
	if m.refreshFeedFn != nil {
		return m.refreshFeedFn(ctx)
	}
	m.feed = store.CollectionState{Posts: m.posts, Fetched: true}
	return nil
}

func (m *mockBlog) OpenManagement(ctx context.Context, opts blog.ManagementOptions) (store.CollectionState, error) {
	m.lastManageOpts = opts
	if m.openManagementFn != nil {
		return m.openManagementFn(ctx, opts)
	}
	return store.CollectionState{Posts: m.posts, Fetched: true}, nil
}

func (m *mockBlog) ManagementRows() []blog.ManagementRow {
	rows := make([]blog.ManagementRow, 0, len(m.posts))
	for _, p := range m.posts {
		rows = append(rows, blog.ManagementRow{ID: p.ID, Title: p.Title})
	}
	return rows
}

func (m *mockBlog) CreatePost(ctx context.Context, in model.PostInput) (model.Post, error) {
	if m.createFn != nil {
		return m.createFn(ctx, in)
	}
	return model.Post{ID: "new", Title: in.Title, Slug: in.Slug}, nil
}

func (m *mockBlog) UpdatePost(ctx context.Context, id string, patch model.PostPatch) (model.Post, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, id, patch)
	}
	return model.Post{ID: id}, nil
}

func (m *mockBlog) DeletePost(ctx context.Context, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}

func (m *mockBlog) Detail(key string) (blog.PostDetail, error) {
	if m.detailFn != nil {
		return m.detailFn(key)
	}
	p, ok := m.FindPost(key)
	if !ok {
		return blog.PostDetail{}, model.NewPostNotFoundError(key)
	}
	return blog.PostDetail{Post: p}, nil
}

// mockSupport はSupportServiceInterfaceのモック実装。
type mockSupport struct {
	askFn    func(ctx context.Context, q string) (support.Message, error)
	messages []support.Message
}

func (m *mockSupport) Messages() []support.Message { return m.messages }

func (m *mockSupport) Ask(ctx context.Context, q string) (support.Message, error) {
	if m.askFn != nil {
		return m.askFn(ctx, q)
	}
	msg := support.Message{ID: "m1", Role: support.RoleAssistant, Content: "answer to " + q}
	m.messages = append(m.messages, msg)
	return msg, nil
}

// mockFetcher はDynamicFetcherのモック実装。
type mockFetcher struct {
	fetchFn func(ctx context.Context, req gateway.DynamicRequest) (json.RawMessage, error)
	last    gateway.DynamicRequest
	calls   int
}

func (m *mockFetcher) FetchDynamic(ctx context.Context, req gateway.DynamicRequest) (json.RawMessage, error) {
	m.calls++
	m.last = req
	if m.fetchFn != nil {
		return m.fetchFn(ctx, req)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

// --- テストヘルパー ---

func samplePosts() []model.Post {
	return []model.Post{
		{ID: "p1", Title: "First", Slug: "first", Content: "one"},
		{ID: "p2", Title: "Second", Slug: "second", Content: "two"},
	}
}

type testEnv struct {
	router  http.Handler
	session *mockSession
	blog    *mockBlog
	support *mockSupport
	fetcher *mockFetcher
}

// newTestEnv はモックを組み込んだルーターを生成する。signedInならu1でログイン済みにする。
func newTestEnv(signedIn bool) *testEnv {
	env := &testEnv{
		session: &mockSession{},
		blog:    &mockBlog{posts: samplePosts()},
		support: &mockSupport{},
		fetcher: &mockFetcher{},
	}
	if signedIn {
		u := model.User{ID: "u1"}
		env.session.state = store.SessionState{User: &u, IsAuthenticated: true}
	}
	env.router = NewRouter(&RouterDeps{
		CORSAllowedOrigin: "http://localhost:5173",
		Identity:          env.session,
		Session:           env.session,
		Blog:              env.blog,
		Support:           env.support,
		Fetcher:           env.fetcher,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics"))
		}),
	})
	return env
}

const testCSRFToken = "test-token"

// do はリクエストを送る。状態変更メソッドにはCSRFトークンを付与する。
func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.AddCookie(&http.Cookie{Name: "csrf_token", Value: testCSRFToken})
		req.Header.Set("X-CSRF-Token", testCSRFToken)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// parseError はレスポンスボディから統一エラーフォーマットをパースする。
func parseError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v\nraw: %s", err, w.Body.String())
	}
}
