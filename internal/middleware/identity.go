// Package middleware はデスクHTTPファサードのミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/hitoshi/storyflow/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

// ErrNoUser はコンテキストにユーザーIDがない場合のエラー。
var ErrNoUser = errors.New("user id not found in context")

// IdentitySource は現在サインインしているユーザーのIDを返す。未ログインなら空文字。
type IdentitySource interface {
	UserID() string
}

// NewIdentityMiddleware はセッションストアのユーザーIDをリクエストコンテキストに注入する。
// 未ログインでもリクエストは通し、コンテキストにはIDを設定しない。
func NewIdentityMiddleware(source IdentitySource) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := source.UserID(); id != "" {
				r = r.WithContext(WithUserID(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireUser はログインが必要なルートで未ログインのリクエストに401を返す。
// NewIdentityMiddlewareの後に配置する。
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := UserIDFromContext(r.Context()); err != nil {
			WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
				Code:     "UNAUTHENTICATED",
				Message:  "Please sign in to continue",
				Category: model.CategoryValidation,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithUserID はユーザーIDを格納したコンテキストを返す。
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// UserIDFromContext はコンテキストからユーザーIDを取り出す。
func UserIDFromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(userIDContextKey).(string)
	if !ok || id == "" {
		return "", ErrNoUser
	}
	return id, nil
}
