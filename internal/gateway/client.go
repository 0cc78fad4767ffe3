// Package gateway はStoryFlowのリモートREST APIとの通信を担う。
//
// すべての呼び出しは例外を投げず、Resultとして成功・失敗を返す。
// 公開エンドポイントへのリクエストには認証情報（Cookie）を付与せず、
// 認証付きリクエストには常にCookieJarのセッションを付与する。
// レスポンスの形の揺れ（配列、{blogs}、{posts}、{blog}）はこのパッケージの
// デコーダーで一度だけ吸収し、以降の層には正規化済みのmodel.Postだけを渡す。
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/hitoshi/storyflow/internal/metrics"
	"github.com/hitoshi/storyflow/internal/model"
)

const (
	// maxResponseSize はレスポンスボディの読み取り上限。
	maxResponseSize = 5 << 20
	userAgent       = "StoryFlow/1.0"
)

// URLGuard は外部ホストへの動的リクエストを検証する。
type URLGuard interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// Config はClientの設定。
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	Rate       float64 // 1秒あたりの送信リクエスト数。0以下で無制限
	Burst      int
	MaxRetries int
	RetryDelay time.Duration
}

// RequestOptions は1回の呼び出しのオプション。
type RequestOptions struct {
	// Credentialed がtrueの場合はセッションCookieを付与する。
	Credentialed bool
	// Body はJSONとして送信する値。nilの場合はボディなし。
	Body any
	// Operation はログとメトリクスのラベルに使う操作名。
	Operation string
}

// Result は呼び出し結果。OKがfalseの場合はErrorに表示用メッセージが入る。
type Result struct {
	OK       bool
	Data     json.RawMessage
	Status   int
	Error    string
	Category string
}

// Err は失敗した結果をAPIErrorに変換する。
// サーバーもトランスポートもメッセージを返さなかった場合はfallbackを使う。
func (r Result) Err(fallback string) error {
	if r.OK {
		return nil
	}
	msg := r.Error
	if msg == "" {
		msg = fallback
	}
	if r.Category == model.CategoryApplication {
		return model.NewApplicationError(msg, r.Status)
	}
	return model.NewTransportError(msg, r.Status)
}

// Client はリモートAPIのクライアント。
type Client struct {
	baseURL   *url.URL
	authHTTP  *http.Client // CookieJar付き
	anonHTTP  *http.Client // Cookieを一切送らない
	guard     URLGuard
	limiter   *rate.Limiter
	logger    *slog.Logger
	metrics   metrics.Recorder
	timeout   time.Duration
	feedRetry RetryPolicy
	authRetry RetryPolicy

	// テスト用に差し替え可能
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// NewClient はClientの新しいインスタンスを生成する。
// guardがnilの場合、APIホスト以外への絶対URLリクエストは拒否される。
func NewClient(cfg Config, logger *slog.Logger, recorder metrics.Recorder, guard URLGuard) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid API base URL %q", cfg.BaseURL)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL:   base,
		authHTTP:  &http.Client{Timeout: cfg.Timeout, Jar: jar},
		anonHTTP:  &http.Client{Timeout: cfg.Timeout},
		guard:     guard,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    logger,
		metrics:   recorder,
		timeout:   cfg.Timeout,
		feedRetry: RetryPolicy{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryDelay, MaxJitter: feedJitter},
		authRetry: RetryPolicy{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryDelay, MaxJitter: authorJitter},
		sleep:     sleepContext,
		jitter:    randomJitter,
	}, nil
}

// BaseURL はAPIのベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Call はAPIを1回だけ呼び出す。失敗時もパニックやエラーではなくResultで返す。
// pathが絶対URLの場合、APIと同じホストならそのまま、別ホストならSSRFガードを通して送信する。
func (c *Client) Call(ctx context.Context, method, path string, opts RequestOptions) Result {
	op := opts.Operation
	if op == "" {
		op = "call"
	}

	target, httpClient, err := c.resolve(path, opts.Credentialed)
	if err != nil {
		c.metrics.RecordRequest(op, false)
		return Result{Error: err.Error(), Category: model.CategoryTransport}
	}

	var body io.Reader
	if opts.Body != nil {
		payload, err := json.Marshal(opts.Body)
		if err != nil {
			c.metrics.RecordRequest(op, false)
			return Result{Error: fmt.Sprintf("failed to encode request body: %v", err), Category: model.CategoryTransport}
		}
		body = bytes.NewReader(payload)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		c.metrics.RecordRequest(op, false)
		return Result{Error: contextMessage(ctx, err), Category: model.CategoryTransport}
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), target, body)
	if err != nil {
		c.metrics.RecordRequest(op, false)
		return Result{Error: fmt.Sprintf("failed to build request: %v", err), Category: model.CategoryTransport}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := httpClient.Do(req)
	c.metrics.RecordLatency(op, time.Since(start))
	if err != nil {
		c.metrics.RecordRequest(op, false)
		c.logger.Warn("APIリクエストに失敗しました",
			slog.String("operation", op),
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.String("error", err.Error()),
		)
		return Result{Error: transportMessage(ctx, err), Category: model.CategoryTransport}
	}
	defer resp.Body.Close()

	c.metrics.RecordHTTPStatus(resp.StatusCode)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.metrics.RecordRequest(op, false)
		return Result{
			Status:   resp.StatusCode,
			Error:    fmt.Sprintf("failed to read response body: %v", err),
			Category: model.CategoryTransport,
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.metrics.RecordRequest(op, true)
		if len(bytes.TrimSpace(data)) == 0 {
			data = []byte("null")
		}
		return Result{OK: true, Data: data, Status: resp.StatusCode}
	}

	c.metrics.RecordRequest(op, false)
	result := Result{Status: resp.StatusCode, Data: rawJSONOrNil(data)}
	if msg := serverMessage(data); msg != "" {
		result.Error = msg
		result.Category = model.CategoryApplication
	} else {
		result.Error = fmt.Sprintf("Request failed with status code %d", resp.StatusCode)
		result.Category = model.CategoryTransport
	}

	c.logger.Warn("APIがエラーステータスを返しました",
		slog.String("operation", op),
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("http_status", resp.StatusCode),
		slog.String("error", result.Error),
	)
	return result
}

// resolve はリクエスト先URLと使用するHTTPクライアントを決定する。
func (c *Client) resolve(path string, credentialed bool) (string, *http.Client, error) {
	pick := c.anonHTTP
	if credentialed {
		pick = c.authHTTP
	}

	if !isAbsoluteURL(path) {
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		return c.baseURL.String() + path, pick, nil
	}

	u, err := url.Parse(path)
	if err != nil {
		return "", nil, fmt.Errorf("invalid URL: %w", err)
	}
	if strings.EqualFold(u.Host, c.baseURL.Host) && u.Scheme == c.baseURL.Scheme {
		return u.String(), pick, nil
	}

	if c.guard == nil {
		return "", nil, fmt.Errorf("requests to %s are not allowed", u.Host)
	}
	if err := c.guard.ValidateURL(u.String()); err != nil {
		return "", nil, fmt.Errorf("blocked URL: %w", err)
	}
	// 外部ホストへはセッションCookieを送らない
	return u.String(), c.guard.NewSafeClient(c.timeout), nil
}

func isAbsoluteURL(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// serverMessage はエラーレスポンスからサーバーのメッセージを取り出す。
// errorフィールドをmessageフィールドより優先する。
func serverMessage(data []byte) string {
	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ""
	}
	if msg := stringField(envelope.Error); msg != "" {
		return msg
	}
	return stringField(envelope.Message)
}

// stringField はJSON文字列、または{message}を持つオブジェクトから文字列を取り出す。
func stringField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.Message)
	}
	return ""
}

func rawJSONOrNil(data []byte) json.RawMessage {
	if json.Valid(data) {
		return data
	}
	return nil
}

// transportMessage は通信エラーを表示用メッセージに変換する。
func transportMessage(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return contextMessage(ctx, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return "timeout exceeded"
		}
		if urlErr.Err != nil {
			return urlErr.Err.Error()
		}
	}
	return err.Error()
}

func contextMessage(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return "timeout exceeded"
	}
	if ctx.Err() != nil {
		return "request canceled"
	}
	return err.Error()
}
