package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/storyflow/internal/metrics"
	"github.com/hitoshi/storyflow/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// sleepRecorder は待機時間を記録するだけで実際には待たない。
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

// newTestClient はhttptestサーバー向けのClientを生成する。
// リトライの待機は記録のみで、揺らぎは0に固定する。
func newTestClient(t *testing.T, baseURL string, maxRetries int) (*Client, *sleepRecorder) {
	t.Helper()

	var buf bytes.Buffer
	c, err := NewClient(Config{
		BaseURL:    baseURL,
		Timeout:    5 * time.Second,
		MaxRetries: maxRetries,
		RetryDelay: 600 * time.Millisecond,
	}, newTestLogger(&buf), nil, nil)
	if err != nil {
		t.Fatalf("NewClient がエラーを返した: %v", err)
	}

	rec := &sleepRecorder{}
	c.sleep = rec.sleep
	c.jitter = func(time.Duration) time.Duration { return 0 }
	return c, rec
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestNewClient_InvalidBaseURL(t *testing.T) {
	if _, err := NewClient(Config{BaseURL: "not a url"}, nil, nil, nil); err == nil {
		t.Fatal("expected error for invalid base URL, got nil")
	}
}

func TestCall_Success_ReturnsDataAndStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/blogs" {
			t.Errorf("path = %s, want /api/blogs", r.URL.Path)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept = %q, want application/json", got)
		}
		writeJSON(w, http.StatusOK, []map[string]string{{"_id": "1"}})
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL, 0)
	res := c.Call(context.Background(), http.MethodGet, "/api/blogs", RequestOptions{})

	if !res.OK {
		t.Fatalf("OK = false, error = %q", res.Error)
	}
	if res.Status != http.StatusOK {
		t.Errorf("Status = %d, want %d", res.Status, http.StatusOK)
	}
	if !strings.Contains(string(res.Data), `"_id":"1"`) {
		t.Errorf("Data = %s, want to contain _id", res.Data)
	}
}

func TestCall_SendsJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		body, _ := io.ReadAll(r.Body)
		var got map[string]string
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("body is not JSON: %s", body)
		}
		if got["question"] != "hello?" {
			t.Errorf("question = %q, want %q", got["question"], "hello?")
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL, 0)
	res := c.Call(context.Background(), http.MethodPost, "/api/ai/query", RequestOptions{
		Body: map[string]string{"question": "hello?"},
	})
	if !res.OK {
		t.Fatalf("OK = false, error = %q", res.Error)
	}
	// 空ボディはnullとして扱う
	if string(res.Data) != "null" {
		t.Errorf("Data = %s, want null", res.Data)
	}
}

func TestCall_ErrorMessagePrecedence(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantError    string
		wantCategory string
	}{
		{
			name:         "errorフィールドが最優先",
			status:       http.StatusBadRequest,
			body:         `{"error":"Slug already exists","message":"Bad Request"}`,
			wantError:    "Slug already exists",
			wantCategory: model.CategoryApplication,
		},
		{
			name:         "errorがなければmessage",
			status:       http.StatusUnauthorized,
			body:         `{"message":"Invalid credentials"}`,
			wantError:    "Invalid credentials",
			wantCategory: model.CategoryApplication,
		},
		{
			name:         "サーバーメッセージがなければトランスポートのメッセージ",
			status:       http.StatusInternalServerError,
			body:         `<html>oops</html>`,
			wantError:    "Request failed with status code 500",
			wantCategory: model.CategoryTransport,
		},
		{
			name:         "空のerrorはスキップしてmessage",
			status:       http.StatusConflict,
			body:         `{"error":"","message":"Already taken"}`,
			wantError:    "Already taken",
			wantCategory: model.CategoryApplication,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			c, _ := newTestClient(t, server.URL, 0)
			res := c.Call(context.Background(), http.MethodGet, "/x", RequestOptions{})

			if res.OK {
				t.Fatal("OK = true, want false")
			}
			if res.Status != tt.status {
				t.Errorf("Status = %d, want %d", res.Status, tt.status)
			}
			if res.Error != tt.wantError {
				t.Errorf("Error = %q, want %q", res.Error, tt.wantError)
			}
			if res.Category != tt.wantCategory {
				t.Errorf("Category = %q, want %q", res.Category, tt.wantCategory)
			}
		})
	}
}

func TestCall_TransportFailure_NeverPanics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c, _ := newTestClient(t, url, 0)
	res := c.Call(context.Background(), http.MethodGet, "/api/blogs", RequestOptions{})

	if res.OK {
		t.Fatal("OK = true, want false")
	}
	if res.Error == "" {
		t.Error("Error should carry the transport message")
	}
	if res.Category != model.CategoryTransport {
		t.Errorf("Category = %q, want %q", res.Category, model.CategoryTransport)
	}

	err := res.Err("fallback")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Category != model.CategoryTransport {
		t.Errorf("Err() = %v, want transport APIError", err)
	}
}

func TestCall_CredentialedSendsCookie_PublicDoesNot(t *testing.T) {
	var mu sync.Mutex
	cookieSeen := map[string]bool{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			http.SetCookie(w, &http.Cookie{Name: "token", Value: "secret", Path: "/"})
			writeJSON(w, http.StatusOK, map[string]any{"user": map[string]string{"_id": "u1", "email": "a@example.com"}})
		default:
			_, err := r.Cookie("token")
			mu.Lock()
			cookieSeen[r.URL.Path] = err == nil
			mu.Unlock()
			writeJSON(w, http.StatusOK, []any{})
		}
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL, 0)
	ctx := context.Background()

	if _, err := c.Login(ctx, model.Credentials{Email: "a@example.com", Password: "pw"}); err != nil {
		t.Fatalf("Login がエラーを返した: %v", err)
	}
	if _, err := c.FetchAuthorPosts(ctx, AuthorQuery{}); err != nil {
		t.Fatalf("FetchAuthorPosts がエラーを返した: %v", err)
	}
	if _, err := c.FetchPublicFeed(ctx, FetchOptions{}); err != nil {
		t.Fatalf("FetchPublicFeed がエラーを返した: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !cookieSeen["/api/blogs/author"] {
		t.Error("credentialed request must carry the session cookie")
	}
	if cookieSeen["/api/blogs"] {
		t.Error("public request must not carry the session cookie")
	}
}

// mockGuard はURLGuardのテスト用実装。
type mockGuard struct {
	validateFn func(string) error
	client     *http.Client
	validated  []string
}

func (m *mockGuard) ValidateURL(rawURL string) error {
	m.validated = append(m.validated, rawURL)
	if m.validateFn != nil {
		return m.validateFn(rawURL)
	}
	return nil
}

func (m *mockGuard) NewSafeClient(time.Duration) *http.Client {
	return m.client
}

func TestCall_ForeignAbsoluteURL_GoesThroughGuard(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("API server should not be called")
	}))
	defer api.Close()

	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("token"); err == nil {
			t.Error("foreign host must not receive session cookies")
		}
		writeJSON(w, http.StatusOK, map[string]string{"ok": "yes"})
	}))
	defer foreign.Close()

	c, _ := newTestClient(t, api.URL, 0)
	guard := &mockGuard{client: foreign.Client()}
	c.guard = guard

	data, err := c.FetchDynamic(context.Background(), DynamicRequest{URL: foreign.URL + "/status", Credentialed: true})
	if err != nil {
		t.Fatalf("FetchDynamic がエラーを返した: %v", err)
	}
	if !strings.Contains(string(data), `"ok":"yes"`) {
		t.Errorf("data = %s", data)
	}
	if len(guard.validated) != 1 {
		t.Errorf("ValidateURL calls = %d, want 1", len(guard.validated))
	}
}

func TestCall_ForeignAbsoluteURL_BlockedByGuard(t *testing.T) {
	c, _ := newTestClient(t, "http://api.example.com", 0)
	c.guard = &mockGuard{validateFn: func(string) error { return errors.New("blocked IP address") }}

	res := c.Call(context.Background(), http.MethodGet, "http://169.254.169.254/latest", RequestOptions{})
	if res.OK {
		t.Fatal("OK = true, want false")
	}
	if !strings.Contains(res.Error, "blocked") {
		t.Errorf("Error = %q, want to mention blocked", res.Error)
	}
}

func TestCall_ForeignAbsoluteURL_WithoutGuardIsRejected(t *testing.T) {
	c, _ := newTestClient(t, "http://api.example.com", 0)

	res := c.Call(context.Background(), http.MethodGet, "https://other.example.com/x", RequestOptions{})
	if res.OK {
		t.Fatal("OK = true, want false")
	}
}

func TestCall_SameHostAbsoluteURL_UsesAPIClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"n": 1})
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL, 0)
	res := c.Call(context.Background(), http.MethodGet, server.URL+"/api/custom", RequestOptions{})
	if !res.OK {
		t.Fatalf("OK = false, error = %q", res.Error)
	}
}

func TestCall_CanceledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []any{})
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := c.Call(ctx, http.MethodGet, "/api/blogs", RequestOptions{})
	if res.OK {
		t.Fatal("OK = true, want false for canceled context")
	}
}

// requestCounter はRecordRequestの呼び出しだけを記録する。
type requestCounter struct {
	metrics.Nop
	mu      sync.Mutex
	results map[string][]bool
}

func (r *requestCounter) RecordRequest(op string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = make(map[string][]bool)
	}
	r.results[op] = append(r.results[op], ok)
}

func TestCall_UnencodableBody_RecordsFailure(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	rec := &requestCounter{}
	c, err := NewClient(Config{BaseURL: server.URL, Timeout: time.Second}, newTestLogger(&bytes.Buffer{}), rec, nil)
	if err != nil {
		t.Fatalf("NewClient がエラーを返した: %v", err)
	}

	res := c.Call(context.Background(), http.MethodPost, "/api/blogs", RequestOptions{
		Body:      map[string]any{"ch": make(chan int)},
		Operation: OpCreatePost,
	})

	if res.OK || res.Category != model.CategoryTransport {
		t.Fatalf("result = %+v, want transport failure", res)
	}
	if called {
		t.Error("request should not be sent when the body cannot be encoded")
	}
	got := rec.results[OpCreatePost]
	if len(got) != 1 || got[0] {
		t.Errorf("RecordRequest(%s) = %v, want [false]", OpCreatePost, got)
	}
}
