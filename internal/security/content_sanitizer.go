// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizer は投稿本文から生成したHTMLをサニタイズし、
// 他のユーザーが書いた投稿を表示する際のXSSを防ぐ。
// bluemondayの許可リストポリシーで安全なタグと属性のみを通過させる。
package security

import (
	"regexp"

	"github.com/microcosm-cc/bluemonday"
)

// httpsOnly はimgのsrcに許可するURLパターン。
var httpsOnly = regexp.MustCompile(`^https://`)

// ContentSanitizer は投稿HTMLのサニタイズを行う。
// 生成後は読み取り専用のため、複数goroutineから同時に使用できる。
type ContentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer は投稿表示用のポリシーでContentSanitizerを生成する。
// ポリシーの内容:
//   - 許可タグ: p, br, h1〜h6, ul, ol, li, blockquote, pre, code, strong, em, del, hr, a, img
//   - 禁止タグ: script, iframe, style および全てのon*イベント属性
//   - imgのsrc属性: httpsスキームのみ
//   - aタグ: 外部リンクにtarget="_blank"とrel="noopener noreferrer"を付与
func NewContentSanitizer() *ContentSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "hr",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em", "del",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	p.AllowAttrs("src").Matching(httpsOnly).OnElements("img")
	p.AllowAttrs("alt").OnElements("img")
	p.AllowURLSchemes("http", "https", "mailto")

	return &ContentSanitizer{policy: p}
}

// Sanitize はHTMLをサニタイズして安全なHTMLを返す。
// 空文字列の入力には空文字列を返す。
func (s *ContentSanitizer) Sanitize(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	return s.policy.Sanitize(rawHTML)
}
