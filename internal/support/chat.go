// Package support はAIサポートチャットの会話を管理する。
package support

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/storyflow/internal/model"
)

// メッセージの送信者
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleLoading   = "loading"
)

const (
	// NoResponseText は応答が空の場合の表示。
	NoResponseText = "No response from server."
	// LoadingText は応答待ちの間に表示するメッセージ。
	LoadingText = "Analyzing… please wait..."

	maxRawAnswer = 2000
)

// Message は会話の1メッセージ。
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// API はAI問い合わせのエンドポイント。
type API interface {
	AskAI(ctx context.Context, question string) (json.RawMessage, error)
}

// Chat はサポートチャットの会話。
type Chat struct {
	mu       sync.RWMutex
	messages []Message
	api      API
	logger   *slog.Logger
	now      func() time.Time
}

// NewChat はChatを生成する。
func NewChat(api API, logger *slog.Logger) *Chat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chat{api: api, logger: logger, now: time.Now}
}

// Messages は会話のコピーを返す。
func (c *Chat) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Reset は会話を消去する。
func (c *Chat) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}

func (c *Chat) push(role, content string) Message {
	m := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: c.now(),
	}
	c.mu.Lock()
	c.messages = append(c.messages, m)
	c.mu.Unlock()
	return m
}

func (c *Chat) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.messages {
		if m.ID == id {
			c.messages = append(c.messages[:i:i], c.messages[i+1:]...)
			return
		}
	}
}

// Ask は質問を送信し、会話に回答を追加して返す。
// 応答待ちの間は読み込み中メッセージを置き、完了時に取り除く。
// 失敗した場合は "Error: <メッセージ>" を回答として追加し、エラーも返す。
func (c *Chat) Ask(ctx context.Context, question string) (Message, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Message{}, model.NewValidationError("Question is required")
	}

	c.push(RoleUser, question)
	loading := c.push(RoleLoading, LoadingText)

	raw, err := c.api.AskAI(ctx, question)
	c.remove(loading.ID)

	if err != nil {
		c.logger.Warn("サポートへの問い合わせに失敗しました", slog.String("error", err.Error()))
		return c.push(RoleAssistant, "Error: "+err.Error()), err
	}
	return c.push(RoleAssistant, ExtractAnswer(raw)), nil
}

// ExtractAnswer はサーバーの応答から表示する回答を取り出す。
// answer、reply、message、data内の同名フィールド、textの順に探し、
// どれもなければJSON全体を先頭2000文字まで返す。
func ExtractAnswer(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return NoResponseText
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return NoResponseText
		}
		return s
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return truncate(string(raw))
	}

	for _, key := range []string{"answer", "reply"} {
		if v, ok := field(obj, key); ok {
			return v
		}
	}
	if v, ok := stringField(obj, "message"); ok {
		return v
	}
	if data, ok := obj["data"]; ok {
		var inner map[string]json.RawMessage
		if json.Unmarshal(data, &inner) == nil {
			for _, key := range []string{"answer", "reply", "message"} {
				if v, ok := stringField(inner, key); ok {
					return v
				}
			}
		}
	}
	if v, ok := stringField(obj, "text"); ok {
		return v
	}
	return truncate(string(raw))
}

// field は文字列ならそのまま、それ以外の値はJSONのまま返す。
func field(obj map[string]json.RawMessage, key string) (string, bool) {
	if v, ok := stringField(obj, key); ok {
		return v, true
	}
	v, ok := obj[key]
	if !ok || isEmptyJSON(v) {
		return "", false
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, v); err != nil {
		return string(v), true
	}
	return compact.String(), true
}

func stringField(obj map[string]json.RawMessage, key string) (string, bool) {
	v, ok := obj[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

func isEmptyJSON(v json.RawMessage) bool {
	switch string(bytes.TrimSpace(v)) {
	case "", "null", "false", "0", `""`:
		return true
	}
	return false
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxRawAnswer {
		return s
	}
	return string(r[:maxRawAnswer])
}
