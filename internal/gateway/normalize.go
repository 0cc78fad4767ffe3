package gateway

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/storyflow/internal/model"
)

const (
	defaultAuthorName = "Unknown Author"
	defaultAuthorRole = "Author"
)

// postIDNamespace はIDを持たない投稿の決定的IDを生成するための名前空間。
var postIDNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://storyflow.app/posts"))

// rawPost はサーバーが返す投稿の生の形。フィールド名の揺れをここで受け止める。
type rawPost struct {
	MongoID   json.RawMessage `json:"_id"`
	ID        json.RawMessage `json:"id"`
	Title     string          `json:"title"`
	Name      string          `json:"name"`
	Content   string          `json:"content"`
	Body      string          `json:"body"`
	Excerpt   string          `json:"excerpt"`
	Slug      string          `json:"slug"`
	Tagline   string          `json:"tagline"`
	Category  string          `json:"category"`
	Status    string          `json:"status"`
	Published *bool           `json:"published"`
	CreatedAt string          `json:"createdAt"`
	UpdatedAt string          `json:"updatedAt"`
	Date      string          `json:"date"`
	Author    json.RawMessage `json:"author"`
	FullName  string          `json:"fullName"`
}

type rawAuthor struct {
	MongoID  json.RawMessage `json:"_id"`
	ID       json.RawMessage `json:"id"`
	FullName string          `json:"fullName"`
	Name     string          `json:"name"`
	Role     string          `json:"role"`
}

// DecodeList はリスト系レスポンスを正規化済みの投稿列に変換する。
// 受け付ける形は、配列そのもの、{blogs:[…]}、{posts:[…]}のいずれか。
// それ以外の形は空の列として扱う。
// IDを持たない要素には内容から決定的なIDを割り当て、同じIDが重複した場合は先勝ちとする。
func DecodeList(data json.RawMessage) []model.Post {
	items := listItems(data)
	posts := make([]model.Post, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	occurrences := make(map[string]int)

	for _, item := range items {
		p, ok := decodePost(item, occurrences)
		if !ok {
			continue
		}
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		posts = append(posts, p)
	}
	return posts
}

// listItems はタグ付きユニオンとしてレスポンスの形を判定し、要素の生JSONを返す。
func listItems(data json.RawMessage) []json.RawMessage {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}

	switch trimmed[0] {
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil
		}
		return arr
	case '{':
		var envelope struct {
			Blogs json.RawMessage `json:"blogs"`
			Posts json.RawMessage `json:"posts"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil
		}
		for _, candidate := range []json.RawMessage{envelope.Blogs, envelope.Posts} {
			c := bytes.TrimSpace(candidate)
			if len(c) > 0 && c[0] == '[' {
				var arr []json.RawMessage
				if err := json.Unmarshal(c, &arr); err == nil {
					return arr
				}
			}
		}
	}
	return nil
}

// DecodePost は単一投稿のレスポンスを変換する。
// {blog:{…}}、{post:{…}}、または投稿オブジェクトそのものを受け付ける。
func DecodePost(data json.RawMessage) (model.Post, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return model.Post{}, false
	}

	var envelope struct {
		Blog json.RawMessage `json:"blog"`
		Post json.RawMessage `json:"post"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return model.Post{}, false
	}
	for _, candidate := range []json.RawMessage{envelope.Blog, envelope.Post} {
		c := bytes.TrimSpace(candidate)
		if len(c) > 0 && c[0] == '{' {
			return decodePost(c, map[string]int{})
		}
	}

	if !looksLikePost(trimmed) {
		return model.Post{}, false
	}
	return decodePost(trimmed, map[string]int{})
}

// looksLikePost はオブジェクトが投稿として扱えるフィールドを持つかを判定する。
func looksLikePost(data []byte) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}
	for _, key := range []string{"_id", "id", "title", "content", "slug"} {
		if _, ok := fields[key]; ok {
			return true
		}
	}
	return false
}

// decodePost は生の投稿を正規化する。occurrencesは同一内容の投稿を区別するための出現回数。
func decodePost(data json.RawMessage, occurrences map[string]int) (model.Post, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return model.Post{}, false
	}

	var raw rawPost
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return model.Post{}, false
	}

	id := firstNonEmpty(idString(raw.MongoID), idString(raw.ID))
	if id == "" {
		id = fallbackID(trimmed, occurrences)
	}

	p := model.Post{
		ID:        id,
		Title:     firstNonEmpty(raw.Title, raw.Name),
		Content:   firstNonEmpty(raw.Content, raw.Body, raw.Excerpt),
		Slug:      raw.Slug,
		Tagline:   firstNonEmpty(raw.Tagline, raw.Category),
		Status:    deriveStatus(raw.Status, raw.Published),
		CreatedAt: parseTime(raw.CreatedAt),
		UpdatedAt: parseTime(firstNonEmpty(raw.UpdatedAt, raw.Date)),
		Author:    decodeAuthor(raw.Author, raw.FullName),
	}
	return p, true
}

// fallbackID はIDを持たない投稿の内容からUUIDv5を生成する。
// 同じペイロードからは常に同じIDが得られ、同一リスト内の同一内容はn番目として区別する。
func fallbackID(data []byte, occurrences map[string]int) string {
	key := string(data)
	n := occurrences[key]
	occurrences[key] = n + 1

	name := data
	if n > 0 {
		name = append(append([]byte{}, data...), []byte("#"+strconv.Itoa(n))...)
	}
	return uuid.NewSHA1(postIDNamespace, name).String()
}

// deriveStatus は公開状態を導出する。
// status が "draft"（大文字小文字無視）か published が false の場合は Draft。
func deriveStatus(status string, published *bool) model.PostStatus {
	if strings.EqualFold(strings.TrimSpace(status), "draft") {
		return model.StatusDraft
	}
	if published != nil && !*published {
		return model.StatusDraft
	}
	return model.StatusPublished
}

func decodeAuthor(data json.RawMessage, fullName string) model.Author {
	author := model.Author{Role: defaultAuthorRole}

	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) > 0 && trimmed[0] == '{':
		var ra rawAuthor
		if err := json.Unmarshal(trimmed, &ra); err == nil {
			author.ID = firstNonEmpty(idString(ra.MongoID), idString(ra.ID))
			author.Name = firstNonEmpty(ra.FullName, ra.Name)
			if ra.Role != "" {
				author.Role = ra.Role
			}
		}
	case len(trimmed) > 0:
		author.ID = idString(trimmed)
	}

	author.Name = firstNonEmpty(author.Name, fullName, defaultAuthorName)
	return author
}

// idString はID値を文字列に変換する。文字列、数値、{"$oid": "…"} を受け付ける。
func idString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err == nil {
		return n.String()
	}
	var oid struct {
		OID string `json:"$oid"`
	}
	if err := json.Unmarshal(trimmed, &oid); err == nil {
		return oid.OID
	}
	return ""
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// DecodeUser は認証レスポンスからユーザーを取り出す。{user:{…}} またはユーザーオブジェクトそのもの。
func DecodeUser(data json.RawMessage) (model.User, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return model.User{}, false
	}

	var envelope struct {
		User json.RawMessage `json:"user"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err == nil {
		if u := bytes.TrimSpace(envelope.User); len(u) > 0 && u[0] == '{' {
			trimmed = u
		}
	}

	var raw struct {
		MongoID  json.RawMessage `json:"_id"`
		ID       json.RawMessage `json:"id"`
		Email    string          `json:"email"`
		FullName string          `json:"fullName"`
		Name     string          `json:"name"`
		Role     string          `json:"role"`
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return model.User{}, false
	}

	u := model.User{
		ID:       firstNonEmpty(idString(raw.MongoID), idString(raw.ID)),
		Email:    raw.Email,
		FullName: firstNonEmpty(raw.FullName, raw.Name),
		Role:     raw.Role,
	}
	if u.ID == "" && u.Email == "" {
		return model.User{}, false
	}
	return u, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
