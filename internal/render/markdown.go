package render

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Sanitizer はHTMLから危険な要素を取り除く。
type Sanitizer interface {
	Sanitize(html string) string
}

// Renderer は投稿本文をHTMLに変換する。
type Renderer struct {
	md        goldmark.Markdown
	sanitizer Sanitizer
}

// NewRenderer はRendererを生成する。
// 本文の改行はそのまま<br>として扱い、出力は必ずsanitizerを通す。
func NewRenderer(sanitizer Sanitizer) *Renderer {
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			extension.Strikethrough,
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
			html.WithXHTML(),
		),
	)
	return &Renderer{md: md, sanitizer: sanitizer}
}

// HTML は本文をMarkdownとして変換し、サニタイズしたHTMLを返す。
func (r *Renderer) HTML(content string) (string, error) {
	if content == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(content), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown to HTML: %w", err)
	}
	return r.sanitizer.Sanitize(buf.String()), nil
}
