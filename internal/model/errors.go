// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// エラーカテゴリ
const (
	CategoryTransport   = "transport"
	CategoryValidation  = "validation"
	CategoryApplication = "application"
	CategoryCache       = "cache"
	CategoryConflict    = "conflict"
	CategoryNotFound    = "not_found"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示するメッセージとエラーの分類を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // ユーザー向けメッセージ
	Category string // カテゴリ: transport, validation, application, cache, conflict, not_found
	Status   int    // リモートAPIのHTTPステータス（不明な場合は0）

	// Fields は入力検証エラーのフィールド別メッセージ。
	Fields map[string]string
}

// Error はerrorインターフェースを実装する。
// 呼び出し元がそのまま表示できるようにメッセージのみを返す。
func (e *APIError) Error() string {
	return e.Message
}

// 定義済みエラーコード
const (
	ErrCodeRequestFailed  = "REQUEST_FAILED"
	ErrCodeServerRejected = "SERVER_REJECTED"
	ErrCodeValidation     = "VALIDATION_FAILED"
	ErrCodeBusy           = "MUTATION_IN_FLIGHT"
	ErrCodePostNotFound   = "POST_NOT_FOUND"
	ErrCodeCacheCorrupt   = "CACHE_CORRUPT"
	ErrCodeNoChanges      = "NO_CHANGES"
)

// DefaultErrorMessage はサーバーからもトランスポートからもメッセージが得られない場合の表示文言。
const DefaultErrorMessage = "Request failed"

// NewTransportError は通信失敗（接続不可、タイムアウト、不正なレスポンス）のエラーを生成する。
func NewTransportError(message string, status int) *APIError {
	if message == "" {
		message = DefaultErrorMessage
	}
	return &APIError{
		Code:     ErrCodeRequestFailed,
		Message:  message,
		Category: CategoryTransport,
		Status:   status,
	}
}

// NewApplicationError はサーバーが業務エラーとして返したエラーを生成する。
func NewApplicationError(message string, status int) *APIError {
	if message == "" {
		message = DefaultErrorMessage
	}
	return &APIError{
		Code:     ErrCodeServerRejected,
		Message:  message,
		Category: CategoryApplication,
		Status:   status,
	}
}

// NewValidationError はクライアント側の入力検証エラーを生成する。
// このエラーはストアには書き込まれない。
func NewValidationError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  message,
		Category: CategoryValidation,
	}
}

// NewNoChangesError は編集内容に差分がない場合のエラーを生成する。
func NewNoChangesError() *APIError {
	return &APIError{
		Code:     ErrCodeNoChanges,
		Message:  "No changes to save",
		Category: CategoryValidation,
	}
}

// NewBusyError は同一投稿への変更が処理中の場合のエラーを生成する。
func NewBusyError(postID string) *APIError {
	return &APIError{
		Code:     ErrCodeBusy,
		Message:  fmt.Sprintf("another change to post %s is still in progress", postID),
		Category: CategoryConflict,
	}
}

// NewPostNotFoundError は投稿が見つからない場合のエラーを生成する。
func NewPostNotFoundError(key string) *APIError {
	return &APIError{
		Code:     ErrCodePostNotFound,
		Message:  fmt.Sprintf("post not found: %s", key),
		Category: CategoryNotFound,
	}
}

// NewCacheCorruptError はローカルキャッシュの内容が読めない場合のエラーを生成する。
// 呼び出し側ではキャッシュミスとして扱う。
func NewCacheCorruptError(key string, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeCacheCorrupt,
		Message:  fmt.Sprintf("cache entry %s is unreadable: %v", key, cause),
		Category: CategoryCache,
	}
}

// CategoryOf はエラーのカテゴリを返す。
// APIError以外のエラーはtransportとして扱う。
func CategoryOf(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Category
	}
	return CategoryTransport
}
