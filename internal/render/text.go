// Package render は投稿を表示用に整形する。
package render

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/storyflow/internal/model"
)

const (
	// DefaultExcerptLength は一覧の抜粋に使う文字数。
	DefaultExcerptLength = 300
	// CardExcerptLength は関連記事カードの抜粋に使う文字数。
	CardExcerptLength = 120

	charsPerMinute = 200
	minReadMinutes = 2

	dateLayout = "Jan 2, 2006"
	// NoDate は日時がない場合の表示。
	NoDate = "—"
)

var blankLine = regexp.MustCompile(`\n\s*\n`)

// Paragraphs は本文を空行で段落に分割する。空の段落は除く。
func Paragraphs(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	parts := blankLine.Split(content, -1)

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Excerpt は本文の先頭n文字を返す。nが0以下の場合はDefaultExcerptLengthを使う。
func Excerpt(content string, n int) string {
	if n <= 0 {
		n = DefaultExcerptLength
	}
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= n {
		return content
	}
	return strings.TrimSpace(string([]rune(content)[:n]))
}

// ReadMinutes は本文の読了目安（分）を返す。最短2分。
func ReadMinutes(content string) int {
	n := utf8.RuneCountInString(content)
	minutes := (n + charsPerMinute - 1) / charsPerMinute
	return max(minReadMinutes, minutes)
}

// ReadTime は "N min read" 形式の読了目安を返す。
func ReadTime(content string) string {
	return fmt.Sprintf("%d min read", ReadMinutes(content))
}

// DisplayDate は日時を "Jan 2, 2006" 形式で返す。nilの場合はNoDate。
func DisplayDate(t *time.Time) string {
	if t == nil || t.IsZero() {
		return NoDate
	}
	return t.Format(dateLayout)
}

// RouteKey は投稿の個別ページに使うキーを返す。
// slug、ID、小文字にしてURLエンコードしたタイトルの順に使う。
func RouteKey(p model.Post) string {
	if p.Slug != "" {
		return p.Slug
	}
	if p.ID != "" {
		return p.ID
	}
	return url.PathEscape(strings.ToLower(p.Title))
}
