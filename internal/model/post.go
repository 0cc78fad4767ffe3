package model

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// PostStatus は投稿の公開状態を表す。
type PostStatus string

const (
	StatusPublished PostStatus = "Published"
	StatusDraft     PostStatus = "Draft"
)

// Author は投稿者の表示情報を表す。読み取り専用。
type Author struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// Post は正規化済みの投稿を表す。
// IDはサーバーの_id/idから導出され、欠落時はペイロードから決定的に生成される。
type Post struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Slug      string     `json:"slug"`
	Tagline   string     `json:"tagline,omitempty"`
	Status    PostStatus `json:"status"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	Author    Author     `json:"author"`
}

// DisplayTime は一覧表示に使う日時を返す。updatedAtがなければcreatedAtを使う。
func (p Post) DisplayTime() *time.Time {
	if p.UpdatedAt != nil {
		return p.UpdatedAt
	}
	return p.CreatedAt
}

// Apply はパッチの指定フィールドを投稿に適用した新しい値を返す。
func (p Post) Apply(patch PostPatch) Post {
	if patch.Title != nil {
		p.Title = *patch.Title
	}
	if patch.Content != nil {
		p.Content = *patch.Content
	}
	return p
}

// Merge はサーバーが返したレコードの非ゼロフィールドで投稿を上書きした値を返す。
// IDとslugは変更しない。
func (p Post) Merge(server Post) Post {
	if server.Title != "" {
		p.Title = server.Title
	}
	if server.Content != "" {
		p.Content = server.Content
	}
	if server.Tagline != "" {
		p.Tagline = server.Tagline
	}
	if server.Status != "" {
		p.Status = server.Status
	}
	if server.CreatedAt != nil {
		p.CreatedAt = server.CreatedAt
	}
	if server.UpdatedAt != nil {
		p.UpdatedAt = server.UpdatedAt
	}
	if server.Author.Name != "" {
		p.Author = server.Author
	}
	return p
}

// PostInput は新規投稿の入力を表す。
type PostInput struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Tagline string `json:"tagline"`
	Slug    string `json:"slug"`
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Validate は必須項目とslugの形式を検証する。
// 問題がある場合はフィールドごとのメッセージを持つValidationErrorを返す。
func (in PostInput) Validate() error {
	fields := map[string]string{}
	if strings.TrimSpace(in.Title) == "" {
		fields["title"] = "Title is required"
	}
	if strings.TrimSpace(in.Content) == "" {
		fields["content"] = "Content is required"
	}
	slug := strings.TrimSpace(in.Slug)
	switch {
	case slug == "":
		fields["slug"] = "Slug is required"
	case !slugPattern.MatchString(slug):
		fields["slug"] = "Slug may contain only lowercase letters, digits and hyphens"
	}
	return fieldErrors(fields)
}

// PostPatch は編集ダイアログから送る部分更新を表す。nilのフィールドは変更しない。
type PostPatch struct {
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
}

// IsEmpty は変更対象のフィールドが1つもないかを返す。
func (p PostPatch) IsEmpty() bool {
	return p.Title == nil && p.Content == nil
}

// Changes は現在の投稿と比べて実際に値が変わるフィールドだけを残したパッチを返す。
func (p PostPatch) Changes(current Post) PostPatch {
	var out PostPatch
	if p.Title != nil && *p.Title != current.Title {
		t := *p.Title
		out.Title = &t
	}
	if p.Content != nil && *p.Content != current.Content {
		c := *p.Content
		out.Content = &c
	}
	return out
}

// Validate は空のタイトル・本文への変更を拒否する。
func (p PostPatch) Validate() error {
	fields := map[string]string{}
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		fields["title"] = "Title is required"
	}
	if p.Content != nil && strings.TrimSpace(*p.Content) == "" {
		fields["content"] = "Content is required"
	}
	return fieldErrors(fields)
}

// fieldErrors はフィールドエラーのマップからValidationErrorを組み立てる。
// マップが空ならnilを返す。
func fieldErrors(fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, fields[k])
	}
	err := NewValidationError(strings.Join(msgs, "; "))
	err.Fields = fields
	return err
}
