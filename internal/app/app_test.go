package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hitoshi/storyflow/internal/config"
	"github.com/hitoshi/storyflow/internal/store"
)

func TestInit_AppliesConfigAndLogLevel(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://api.example.com/")
	t.Setenv("LOG_LEVEL", "warn")

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("Init がエラーを返した: %v", err)
	}
	t.Cleanup(func() { slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil))) })

	if cfg.APIBaseURL != "https://api.example.com" {
		t.Errorf("APIBaseURL = %q", cfg.APIBaseURL)
	}

	slog.Info("hidden")
	slog.Warn("shown")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected one JSON log line, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "shown" {
		t.Errorf("msg = %v, want %q", entry["msg"], "shown")
	}
}

func TestInit_InvalidConfig(t *testing.T) {
	t.Setenv("API_BASE_URL", "not a url")

	cfg, err := Init(io.Discard)
	if err == nil {
		t.Fatal("Init should fail for invalid API_BASE_URL")
	}
	if cfg != nil {
		t.Error("expected nil config on error")
	}
}

func TestRun_MigrateCreatesCacheSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	t.Setenv("CACHE_BACKEND", "sqlite")
	t.Setenv("CACHE_DB_PATH", path)

	if err := Run(io.Discard, []string{"migrate"}); err != nil {
		t.Fatalf("Run(migrate) がエラーを返した: %v", err)
	}

	// 2回目は変更なしで成功する
	if err := Run(io.Discard, []string{"migrate"}); err != nil {
		t.Fatalf("second Run(migrate) がエラーを返した: %v", err)
	}
}

func TestRateLimiterConfig_ConvertsPerMinute(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimitGeneral = 60

	rl := rateLimiterConfig(cfg)

	if float64(rl.GeneralRate) != 1 || rl.GeneralBurst != 60 {
		t.Errorf("rate = %v, burst = %d", rl.GeneralRate, rl.GeneralBurst)
	}
}

// fakeUpstream はリモートAPIの最小限の実装。
func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/blogs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"blog":{"_id":"new1","title":"Fresh","content":"Body","slug":"fresh"}}`))
			return
		}
		if len(r.Cookies()) > 0 {
			t.Errorf("public feed request carried cookies: %v", r.Cookies())
		}
		w.Write([]byte(`{"blogs":[{"_id":"f1","title":"Hello","slug":"hello","content":"Para one\n\nPara two"}]}`))
	})
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"user":{"_id":"u1","email":"a@example.com","fullName":"Ann"}}`))
	})
	mux.HandleFunc("/api/blogs/author", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("sid"); err != nil || c.Value != "abc" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"Not authenticated"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"_id":"a1","title":"Mine","content":"draft","status":"draft"}]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, baseURL, backend string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.APIBaseURL = baseURL
	cfg.CacheBackend = backend
	cfg.CacheDBPath = filepath.Join(t.TempDir(), "cache.db")
	cfg.FetchMaxRetries = 0
	return cfg
}

func TestBuild_EndToEnd(t *testing.T) {
	for _, backend := range []string{config.CacheBackendMemory, config.CacheBackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			upstream := fakeUpstream(t)
			cfg := testConfig(t, upstream.URL, backend)
			log := slog.New(slog.NewJSONHandler(io.Discard, nil))

			c, err := Build(cfg, log)
			if err != nil {
				t.Fatalf("Build がエラーを返した: %v", err)
			}
			defer c.Close()

			router := c.NewRouter(cfg, log, nil)
			send := func(method, path, body string) *httptest.ResponseRecorder {
				req := httptest.NewRequest(method, path, strings.NewReader(body))
				if method != http.MethodGet {
					req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "t"})
					req.Header.Set("X-CSRF-Token", "t")
				}
				w := httptest.NewRecorder()
				router.ServeHTTP(w, req)
				return w
			}

			w := send(http.MethodGet, "/api/feed", "")
			var feed store.CollectionState
			json.NewDecoder(w.Body).Decode(&feed)
			if w.Code != http.StatusOK || len(feed.Posts) != 1 || feed.Posts[0].ID != "f1" {
				t.Fatalf("feed: status = %d, state = %+v", w.Code, feed)
			}

			if w := send(http.MethodGet, "/api/manage", ""); w.Code != http.StatusUnauthorized {
				t.Errorf("manage before login: status = %d, want 401", w.Code)
			}

			if w := send(http.MethodPost, "/api/session/login", `{"email":"a@example.com","password":"pw"}`); w.Code != http.StatusOK {
				t.Fatalf("login: status = %d, body = %s", w.Code, w.Body.String())
			}

			w = send(http.MethodGet, "/api/manage", "")
			if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"a1"`) {
				t.Fatalf("manage: status = %d, body = %s", w.Code, w.Body.String())
			}

			if w := send(http.MethodPost, "/api/posts", `{"title":"Fresh","content":"Body","slug":"fresh"}`); w.Code != http.StatusCreated {
				t.Fatalf("create: status = %d, body = %s", w.Code, w.Body.String())
			}
			if got := c.Content.AuthorPosts().Posts; len(got) != 2 || got[0].ID != "new1" {
				t.Errorf("author posts = %+v, want new post at head", got)
			}

			cached, ok := c.Cache.Read(context.Background(), "u1")
			if !ok || len(cached) != 2 {
				t.Errorf("cache = %v (ok=%v), want 2 posts", cached, ok)
			}

			w = send(http.MethodPost, "/api/fetch", `{"url":"/api/blogs"}`)
			if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"f1"`) {
				t.Errorf("fetch: status = %d, body = %s", w.Code, w.Body.String())
			}
			w = send(http.MethodPost, "/api/fetch", `{"url":"http://169.254.169.254/latest/meta-data"}`)
			if w.Code != http.StatusBadGateway || !strings.Contains(w.Body.String(), "blocked") {
				t.Errorf("fetch private address: status = %d, body = %s", w.Code, w.Body.String())
			}

			w = send(http.MethodGet, "/metrics", "")
			if !strings.Contains(w.Body.String(), "storyflow_api_requests_total") {
				t.Error("metrics should expose gateway counters")
			}
		})
	}
}
