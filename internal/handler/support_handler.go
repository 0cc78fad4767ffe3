package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/storyflow/internal/middleware"
	"github.com/hitoshi/storyflow/internal/support"
)

// SupportServiceInterface はAIサポートの会話。
type SupportServiceInterface interface {
	Messages() []support.Message
	Ask(ctx context.Context, question string) (support.Message, error)
}

// SupportHandler はAIサポートのHTTPハンドラー。
type SupportHandler struct {
	chat SupportServiceInterface
}

// NewSupportHandler はSupportHandlerを生成する。
func NewSupportHandler(chat SupportServiceInterface) *SupportHandler {
	return &SupportHandler{chat: chat}
}

type queryRequest struct {
	Question string `json:"question"`
}

// queryResponse は質問への回答と会話全体。
type queryResponse struct {
	Answer   support.Message   `json:"answer"`
	Messages []support.Message `json:"messages"`
	Error    string            `json:"error,omitempty"`
}

// Messages は会話の履歴を返す。
// GET /api/support/messages
func (h *SupportHandler) Messages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]support.Message{"messages": h.chat.Messages()})
}

// Query は質問を送信する。サーバーへの問い合わせが失敗した場合も
// 会話にはエラーの回答が追加されるため、200で返してerrorに理由を含める。
// POST /api/support/query
func (h *SupportHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	answer, err := h.chat.Ask(r.Context(), req.Question)
	if err != nil && answer.ID == "" {
		middleware.WriteError(w, err)
		return
	}

	resp := queryResponse{Answer: answer, Messages: h.chat.Messages()}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
