package blog

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/hitoshi/storyflow/internal/model"
	"github.com/hitoshi/storyflow/internal/mutation"
	"github.com/hitoshi/storyflow/internal/render"
)

// DefaultRelatedCount は記事ページの「次に読む」に並べる件数。
const DefaultRelatedCount = 3

// FindPost はID、slug、またはURLエンコードした小文字のタイトルで投稿を探す。
// 大文字小文字は区別しない。著者コレクション、公開フィードの順に探す。
func (s *Service) FindPost(key string) (model.Post, bool) {
	candidates := keyCandidates(key)
	if len(candidates) == 0 {
		return model.Post{}, false
	}
	for _, p := range s.searchPool() {
		if matchesKey(p, candidates) {
			return p, true
		}
	}
	return model.Post{}, false
}

// RelatedPosts は記事ページに並べる投稿を返す。
// 先頭は対象の投稿で、残りは重複を除いた他の投稿で埋める。nが0以下の場合は3件。
func (s *Service) RelatedPosts(key string, n int) []model.Post {
	if n <= 0 {
		n = DefaultRelatedCount
	}

	out := make([]model.Post, 0, n)
	seen := make(map[string]bool)

	current, found := s.FindPost(key)
	if found {
		out = append(out, current)
		seen[identityKey(current)] = true
	}

	for _, p := range s.searchPool() {
		if len(out) >= n {
			break
		}
		id := identityKey(p)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, p)
	}
	return out
}

// searchPool は著者コレクションと公開フィードをこの順に連結する。
func (s *Service) searchPool() []model.Post {
	author := s.content.AuthorPosts().Posts
	feed := s.content.Feed().Posts
	pool := make([]model.Post, 0, len(author)+len(feed))
	pool = append(pool, author...)
	return append(pool, feed...)
}

func keyCandidates(key string) []string {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	out := []string{strings.ToLower(key)}
	if decoded, err := url.PathUnescape(key); err == nil && decoded != key {
		out = append(out, strings.ToLower(decoded))
	}
	return out
}

func matchesKey(p model.Post, candidates []string) bool {
	fields := []string{strings.ToLower(p.ID)}
	if p.Slug != "" {
		slug := strings.ToLower(p.Slug)
		fields = append(fields, slug)
		if decoded, err := url.PathUnescape(slug); err == nil {
			fields = append(fields, decoded)
		}
	}
	if p.Title != "" {
		title := strings.ToLower(p.Title)
		fields = append(fields, url.PathEscape(title), title)
	}

	for _, f := range fields {
		if f == "" {
			continue
		}
		for _, c := range candidates {
			if f == c {
				return true
			}
		}
	}
	return false
}

// identityKey は重複判定に使う値。ID、slug、タイトルの順に使う。
func identityKey(p model.Post) string {
	switch {
	case p.ID != "":
		return p.ID
	case p.Slug != "":
		return p.Slug
	default:
		return p.Title
	}
}

// ManagementRow は管理画面の一覧1行分。
type ManagementRow struct {
	ID       string           `json:"id"`
	Title    string           `json:"title"`
	Excerpt  string           `json:"excerpt"`
	Status   model.PostStatus `json:"status"`
	Date     string           `json:"date"`
	RouteKey string           `json:"routeKey"`
	Busy     bool             `json:"busy"`
}

// ManagementRows は著者コレクションを管理画面の一覧行に変換する。
func (s *Service) ManagementRows() []ManagementRow {
	posts := s.content.AuthorPosts().Posts
	rows := make([]ManagementRow, 0, len(posts))
	for _, p := range posts {
		rows = append(rows, ManagementRow{
			ID:       p.ID,
			Title:    p.Title,
			Excerpt:  render.Excerpt(p.Content, render.DefaultExcerptLength),
			Status:   p.Status,
			Date:     render.DisplayDate(p.DisplayTime()),
			RouteKey: render.RouteKey(p),
			Busy:     s.coord.State(p.ID) == mutation.StateApplying,
		})
	}
	return rows
}

// RelatedCard は「次に読む」のカード1枚分。
type RelatedCard struct {
	Title    string `json:"title"`
	Excerpt  string `json:"excerpt"`
	ReadTime string `json:"readTime"`
	Author   string `json:"author"`
	RouteKey string `json:"routeKey"`
}

// PostDetail は記事ページの表示内容。
type PostDetail struct {
	Post       model.Post    `json:"post"`
	Paragraphs []string      `json:"paragraphs"`
	HTML       string        `json:"html,omitempty"`
	Excerpt    string        `json:"excerpt"`
	ReadTime   string        `json:"readTime"`
	Date       string        `json:"date"`
	Related    []RelatedCard `json:"related"`
}

// Detail は記事ページの表示内容を組み立てる。見つからない場合はNotFoundエラーを返す。
func (s *Service) Detail(key string) (PostDetail, error) {
	p, ok := s.FindPost(key)
	if !ok {
		return PostDetail{}, model.NewPostNotFoundError(key)
	}

	d := PostDetail{
		Post:       p,
		Paragraphs: render.Paragraphs(p.Content),
		Excerpt:    render.Excerpt(p.Content, render.DefaultExcerptLength),
		ReadTime:   render.ReadTime(p.Content),
		Date:       render.DisplayDate(p.DisplayTime()),
	}
	if s.renderer != nil {
		html, err := s.renderer.HTML(p.Content)
		if err != nil {
			return PostDetail{}, fmt.Errorf("failed to render post %s: %w", p.ID, err)
		}
		d.HTML = html
	}

	for _, r := range s.RelatedPosts(key, DefaultRelatedCount) {
		d.Related = append(d.Related, RelatedCard{
			Title:    r.Title,
			Excerpt:  render.Excerpt(r.Content, render.CardExcerptLength),
			ReadTime: render.ReadTime(r.Content),
			Author:   r.Author.Name,
			RouteKey: render.RouteKey(r),
		})
	}
	return d, nil
}
