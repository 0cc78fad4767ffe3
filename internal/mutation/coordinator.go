// Package mutation は投稿の楽観的な更新・削除を調停する。
//
// 変更はまずストアに即時反映し、その後ネットワークへ送信する。
// 投稿IDごとに Idle → Applying → Committed|RolledBack の状態機械を1つだけ持ち、
// Applying中の投稿に対する2つ目の変更は送信せずに拒否する。
package mutation

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hitoshi/storyflow/internal/metrics"
	"github.com/hitoshi/storyflow/internal/model"
	"github.com/hitoshi/storyflow/internal/store"
)

// State は投稿ごとの変更の状態。
type State string

const (
	StateIdle       State = "idle"
	StateApplying   State = "applying"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
)

// Kind は変更の種類。
type Kind string

const (
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// API はミューテーションで使うリモートAPI。
type API interface {
	UpdatePost(ctx context.Context, id string, patch model.PostPatch) (model.Post, bool, error)
	DeletePost(ctx context.Context, id string) error
}

// RefetchFunc は削除失敗後に著者コレクションを取り直す関数。
type RefetchFunc func(ctx context.Context) error

// Outcome は投稿に対する直近の変更の結果。
type Outcome struct {
	Kind  Kind   `json:"kind"`
	State State  `json:"state"`
	Error string `json:"error,omitempty"`
}

// machine は処理中の変更1件分の状態。
type machine struct {
	kind     Kind
	snapshot model.Post
	epoch    uint64
}

// Coordinator は楽観的な変更を調停する。
type Coordinator struct {
	mu       sync.Mutex
	inflight map[string]*machine
	outcomes map[string]Outcome

	content *store.Content
	api     API
	refetch RefetchFunc
	logger  *slog.Logger
	metrics metrics.Recorder
}

// NewCoordinator はCoordinatorを生成する。refetchがnilの場合、削除失敗時の再取得は行わない。
func NewCoordinator(content *store.Content, api API, refetch RefetchFunc, logger *slog.Logger, recorder metrics.Recorder) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Coordinator{
		inflight: make(map[string]*machine),
		outcomes: make(map[string]Outcome),
		content:  content,
		api:      api,
		refetch:  refetch,
		logger:   logger,
		metrics:  recorder,
	}
}

// IsBusy はエラーが処理中の変更による拒否かを返す。
func IsBusy(err error) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeBusy
}

// State は投稿の現在の状態を返す。処理中でなければ直近の結果、結果もなければIdle。
func (c *Coordinator) State(id string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.inflight[id]; ok {
		return StateApplying
	}
	if o, ok := c.outcomes[id]; ok {
		return o.State
	}
	return StateIdle
}

// Outcome は投稿に対する直近の変更の結果を返す。
func (c *Coordinator) Outcome(id string) (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.outcomes[id]
	return o, ok
}

// EnsureIdle は投稿に処理中の変更があればBusyエラーを返す。
// 差分の計算など、状態機械を進める前の判定に使う。
func (c *Coordinator) EnsureIdle(id string, kind Kind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[id]; busy {
		c.metrics.RecordMutation(string(kind), "busy")
		return model.NewBusyError(id)
	}
	return nil
}

// begin は投稿の状態機械をApplyingに進める。
// 処理中の変更がある場合、または投稿が編集可能なコレクションにない場合はエラーを返す。
func (c *Coordinator) begin(id string, kind Kind) (*machine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.inflight[id]; busy {
		c.metrics.RecordMutation(string(kind), "busy")
		return nil, model.NewBusyError(id)
	}
	epoch := c.content.Epoch()
	snapshot, ok := c.content.EditablePost(id)
	if !ok {
		return nil, model.NewPostNotFoundError(id)
	}
	m := &machine{kind: kind, snapshot: snapshot, epoch: epoch}
	c.inflight[id] = m
	return m, nil
}

// finish は状態機械を終了状態に進めて解放する。
func (c *Coordinator) finish(id string, m *machine, state State, err error) {
	o := Outcome{Kind: m.kind, State: state}
	if err != nil {
		o.Error = err.Error()
	}

	c.mu.Lock()
	delete(c.inflight, id)
	c.outcomes[id] = o
	c.mu.Unlock()

	c.metrics.RecordMutation(string(m.kind), string(state))
}

// Update はパッチを即時に適用してからサーバーへ送信する。
// 成功時はサーバーが返したレコードで整合させ、失敗時は適用前のスナップショットに戻す。
// 開始後にログアウトやユーザーの切り替えがあった場合、ストアには書き込まない。
// 戻り値は処理後の投稿。
func (c *Coordinator) Update(ctx context.Context, id string, patch model.PostPatch) (model.Post, error) {
	m, err := c.begin(id, KindUpdate)
	if err != nil {
		return model.Post{}, err
	}

	optimistic := m.snapshot.Apply(patch)
	c.content.Guard(m.epoch, func() { c.content.PatchPost(id, patch) })

	server, returned, err := c.api.UpdatePost(ctx, id, patch)
	if err != nil {
		c.content.Guard(m.epoch, func() {
			c.content.RestorePost(m.snapshot)
			c.content.SetAuthorError(err.Error())
		})
		c.finish(id, m, StateRolledBack, err)
		c.logger.Warn("更新をロールバックしました",
			slog.String("post_id", id),
			slog.String("error", err.Error()),
		)
		return m.snapshot, err
	}

	// キャンセル後に届いたレコードでは整合させず、適用済みの値をそのまま確定とする
	result := optimistic
	if returned && ctx.Err() == nil {
		c.content.Guard(m.epoch, func() {
			c.content.MergePost(id, server)
			if p, ok := c.content.EditablePost(id); ok {
				result = p
			}
		})
	}
	c.finish(id, m, StateCommitted, nil)
	return result, nil
}

// Delete は投稿を即時に取り除いてからサーバーへ送信する。
// 失敗時は取り除いた投稿を戻さず、著者コレクションを再取得して整合させる。
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	m, err := c.begin(id, KindDelete)
	if err != nil {
		return err
	}

	c.content.Guard(m.epoch, func() { c.content.DeletePost(id) })

	if err := c.api.DeletePost(ctx, id); err != nil {
		c.finish(id, m, StateRolledBack, err)
		c.logger.Warn("削除に失敗したため著者の投稿を再取得します",
			slog.String("post_id", id),
			slog.String("error", err.Error()),
		)
		if c.refetch != nil {
			if rerr := c.refetch(ctx); rerr != nil {
				c.logger.Error("削除失敗後の再取得に失敗しました",
					slog.String("post_id", id),
					slog.String("error", rerr.Error()),
				)
			}
		}
		// 再取得の成功でエラーが消えないよう、最後に記録する
		c.content.Guard(m.epoch, func() { c.content.SetAuthorError(err.Error()) })
		return err
	}

	c.finish(id, m, StateCommitted, nil)
	return nil
}
