package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/stakepilot/internal/domain"
	"github.com/betbot/stakepilot/internal/ports"
	"github.com/betbot/stakepilot/pkg/persistence"
)

var log = logrus.WithField("module", "store")

const (
	tagGlobal   = "global"
	tagScuderia = "scuderia"
	tagRegia    = "regia"
	tagSettings = "settings"
	tagTable    = "table"
	tagSeen     = "seen"
	tagDeck     = "deck"
)

// 冲突重试上限（Update 整体重放闭包）
const maxConflictRetries = 5

// Repository 基于 persistence.Service 的 ports.Store 实现，文档均为 JSON
type Repository struct {
	svc      persistence.Service
	ns       string
	defaults domain.Settings
	now      func() time.Time
}

var _ ports.Store = (*Repository)(nil)

// Option 构造选项
type Option func(*Repository)

// WithNamespace 键前缀，默认 "engine"
func WithNamespace(ns string) Option {
	return func(r *Repository) {
		if strings.TrimSpace(ns) != "" {
			r.ns = ns
		}
	}
}

// WithClock 替换时间源（测试用）
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// New 创建仓库，defaults 为 Settings 首次访问时的默认快照
func New(svc persistence.Service, defaults domain.Settings, opts ...Option) *Repository {
	r := &Repository{
		svc:      svc,
		ns:       "engine",
		defaults: defaults.Clone(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) key(id, tag string) string {
	return persistence.Key(r.ns, id, tag)
}

func (r *Repository) tableKey(tableID int) string {
	return r.key(tagTable, strconv.Itoa(tableID))
}

func (r *Repository) seenKey(tableID, handIndex int) string {
	return r.key(tagSeen, fmt.Sprintf("%d:%d", tableID, handIndex))
}

// view 只读事务
func (r *Repository) view(ctx context.Context, fn func(*tx) error) error {
	return r.svc.View(ctx, func(t persistence.Txn) error {
		return fn(newTx(r, t, false))
	})
}

// update 读改写事务：闭包成功后把事务内加载过的文档全部写回
func (r *Repository) update(ctx context.Context, fn func(*tx) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = r.svc.Update(ctx, func(t persistence.Txn) error {
			x := newTx(r, t, true)
			if err := fn(x); err != nil {
				return err
			}
			return x.flush()
		})
		if !errors.Is(err, persistence.ErrConflict) {
			break
		}
		log.Debugf("事务冲突，重试 attempt=%d", attempt+1)
	}
	return err
}

// Update 跨聚合事务
func (r *Repository) Update(ctx context.Context, fn func(ports.Tx) error) error {
	return r.update(ctx, func(x *tx) error { return fn(x) })
}

func (r *Repository) Global(ctx context.Context) (domain.GlobalState, error) {
	var out domain.GlobalState
	err := r.view(ctx, func(x *tx) error {
		g, err := x.Global()
		if err != nil {
			return err
		}
		out = *g
		return nil
	})
	return out, err
}

func (r *Repository) UpdateGlobal(ctx context.Context, fn func(*domain.GlobalState) error) (domain.GlobalState, error) {
	var out domain.GlobalState
	err := r.update(ctx, func(x *tx) error {
		g, err := x.Global()
		if err != nil {
			return err
		}
		if err := fn(g); err != nil {
			return err
		}
		out = *g
		return nil
	})
	return out, err
}

func (r *Repository) Scuderia(ctx context.Context) (domain.ScuderiaState, error) {
	var out domain.ScuderiaState
	err := r.view(ctx, func(x *tx) error {
		s, err := x.Scuderia()
		if err != nil {
			return err
		}
		out = *s
		return nil
	})
	return out, err
}

func (r *Repository) UpdateScuderia(ctx context.Context, fn func(*domain.ScuderiaState) error) (domain.ScuderiaState, error) {
	var out domain.ScuderiaState
	err := r.update(ctx, func(x *tx) error {
		s, err := x.Scuderia()
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
		out = *s
		return nil
	})
	return out, err
}

func (r *Repository) Regia(ctx context.Context) (domain.RegiaState, error) {
	var out domain.RegiaState
	err := r.view(ctx, func(x *tx) error {
		s, err := x.Regia()
		if err != nil {
			return err
		}
		out = *s
		return nil
	})
	return out, err
}

func (r *Repository) UpdateRegia(ctx context.Context, fn func(*domain.RegiaState) error) (domain.RegiaState, error) {
	var out domain.RegiaState
	err := r.update(ctx, func(x *tx) error {
		s, err := x.Regia()
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
		out = *s
		return nil
	})
	return out, err
}

func (r *Repository) Settings(ctx context.Context) (domain.Settings, error) {
	var out domain.Settings
	err := r.view(ctx, func(x *tx) error {
		s, err := x.Settings()
		if err != nil {
			return err
		}
		out = s.Clone()
		return nil
	})
	return out, err
}

func (r *Repository) UpdateSettings(ctx context.Context, fn func(*domain.Settings) error) (domain.Settings, error) {
	var out domain.Settings
	err := r.update(ctx, func(x *tx) error {
		s, err := x.Settings()
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
		out = s.Clone()
		return nil
	})
	return out, err
}

func (r *Repository) Table(ctx context.Context, tableID int) (domain.TableState, error) {
	var out domain.TableState
	err := r.view(ctx, func(x *tx) error {
		t, err := x.Table(tableID)
		if err != nil {
			return err
		}
		out = *t
		return nil
	})
	return out, err
}

func (r *Repository) UpdateTable(ctx context.Context, tableID int, fn func(*domain.TableState) error) (domain.TableState, error) {
	var out domain.TableState
	err := r.update(ctx, func(x *tx) error {
		t, err := x.Table(tableID)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		out = *t
		return nil
	})
	return out, err
}

// TableIDs 已持久化的桌号（升序）
func (r *Repository) TableIDs(ctx context.Context) ([]int, error) {
	prefix := r.key(tagTable, "") + ":"
	var ids []int
	err := r.svc.View(ctx, func(t persistence.Txn) error {
		keys, err := t.Keys(prefix)
		if err != nil {
			return err
		}
		for _, k := range keys {
			id, err := strconv.Atoi(strings.TrimPrefix(k, prefix))
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
		return nil
	})
	sort.Ints(ids)
	return ids, err
}

// FoldTableMargin 同一事务内：全局 += 新桌累计 - 旧桌累计
func (r *Repository) FoldTableMargin(ctx context.Context, tableID int, newTableMarginUnits float64) (domain.GlobalState, error) {
	var out domain.GlobalState
	err := r.update(ctx, func(x *tx) error {
		t, err := x.Table(tableID)
		if err != nil {
			return err
		}
		g, err := x.Global()
		if err != nil {
			return err
		}
		g.GlobalMarginUnits += newTableMarginUnits - t.MarginUnits
		t.MarginUnits = newTableMarginUnits
		out = *g
		return nil
	})
	return out, err
}

func (r *Repository) IsSeen(ctx context.Context, tableID, handIndex int) (bool, error) {
	seen := false
	err := r.svc.View(ctx, func(t persistence.Txn) error {
		_, err := t.Get(r.seenKey(tableID, handIndex))
		if errors.Is(err, persistence.ErrNotExists) {
			return nil
		}
		if err != nil {
			return err
		}
		seen = true
		return nil
	})
	return seen, err
}

// MarkSeen 幂等标记
func (r *Repository) MarkSeen(ctx context.Context, tableID, handIndex int) error {
	stamp := r.now().UTC().Format(time.RFC3339Nano)
	return r.svc.Update(ctx, func(t persistence.Txn) error {
		return t.Set(r.seenKey(tableID, handIndex), []byte(stamp))
	})
}

func (r *Repository) Deck(ctx context.Context, key string) (domain.DeckState, bool, error) {
	var out domain.DeckState
	found := false
	err := r.svc.View(ctx, func(t persistence.Txn) error {
		err := persistence.LoadJSON(t, r.key(tagDeck, key), &out)
		if errors.Is(err, persistence.ErrNotExists) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return out, found, err
}

func (r *Repository) PutDeck(ctx context.Context, key string, st domain.DeckState) error {
	st.UpdatedAt = r.now().UTC()
	return r.svc.Update(ctx, func(t persistence.Txn) error {
		return persistence.SaveJSON(t, r.key(tagDeck, key), st)
	})
}
