package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/hitoshi/storyflow/internal/gateway"
	"github.com/hitoshi/storyflow/internal/middleware"
	"github.com/hitoshi/storyflow/internal/model"
)

// DynamicFetcher は任意のAPIパスまたは絶対URLを呼び出す。
type DynamicFetcher interface {
	FetchDynamic(ctx context.Context, req gateway.DynamicRequest) (json.RawMessage, error)
}

// FetchHandler は任意エンドポイント呼び出しのHTTPハンドラー。
type FetchHandler struct {
	fetcher DynamicFetcher
}

// NewFetchHandler はFetchHandlerを生成する。
func NewFetchHandler(fetcher DynamicFetcher) *FetchHandler {
	return &FetchHandler{fetcher: fetcher}
}

type fetchRequest struct {
	Method       string          `json:"method"`
	URL          string          `json:"url"`
	Body         json.RawMessage `json:"body,omitempty"`
	Credentialed bool            `json:"credentialed"`
}

type fetchResponse struct {
	Data json.RawMessage `json:"data"`
}

var fetchMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Fetch はAPIのパスまたは絶対URLを1回だけ呼び出し、レスポンスをそのまま返す。
// API以外のホストはSSRFガードを通り、Cookieは送らない。
// POST /api/fetch
func (h *FetchHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	target := strings.TrimSpace(req.URL)
	if target == "" {
		middleware.WriteError(w, model.NewValidationError("URL is required"))
		return
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	if !fetchMethods[method] {
		middleware.WriteError(w, model.NewValidationError("Unsupported method: "+req.Method))
		return
	}

	var body any
	if len(req.Body) > 0 && string(req.Body) != "null" {
		body = req.Body
	}

	data, err := h.fetcher.FetchDynamic(r.Context(), gateway.DynamicRequest{
		Method:       method,
		URL:          target,
		Body:         body,
		Credentialed: req.Credentialed,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fetchResponse{Data: data})
}
