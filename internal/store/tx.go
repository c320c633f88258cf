package store

import (
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/stakepilot/internal/domain"
	"github.com/betbot/stakepilot/pkg/persistence"
)

// tx 事务内的聚合缓存。同一事务内多次访问同一聚合返回同一指针；
// 可写事务在加载时即打上更新时间，提交前统一写回。
type tx struct {
	r        *Repository
	txn      persistence.Txn
	writable bool
	stamp    time.Time

	global   *domain.GlobalState
	scuderia *domain.ScuderiaState
	regia    *domain.RegiaState
	settings *domain.Settings
	tables   map[int]*domain.TableState
}

func newTx(r *Repository, txn persistence.Txn, writable bool) *tx {
	return &tx{
		r:        r,
		txn:      txn,
		writable: writable,
		stamp:    r.now().UTC(),
		tables:   make(map[int]*domain.TableState),
	}
}

// load 读取文档，不存在时返回 false（由调用方填默认值）
func (x *tx) load(key string, out interface{}) (bool, error) {
	err := persistence.LoadJSON(x.txn, key, out)
	if errors.Is(err, persistence.ErrNotExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (x *tx) Global() (*domain.GlobalState, error) {
	if x.global != nil {
		return x.global, nil
	}
	var g domain.GlobalState
	if _, err := x.load(x.r.key(tagGlobal, ""), &g); err != nil {
		return nil, err
	}
	if x.writable {
		g.UpdatedAt = x.stamp
	}
	x.global = &g
	return x.global, nil
}

func (x *tx) Scuderia() (*domain.ScuderiaState, error) {
	if x.scuderia != nil {
		return x.scuderia, nil
	}
	var s domain.ScuderiaState
	if _, err := x.load(x.r.key(tagScuderia, ""), &s); err != nil {
		return nil, err
	}
	if x.writable {
		s.UpdatedAt = x.stamp
	}
	x.scuderia = &s
	return x.scuderia, nil
}

func (x *tx) Regia() (*domain.RegiaState, error) {
	if x.regia != nil {
		return x.regia, nil
	}
	s := domain.DefaultRegiaState()
	found, err := x.load(x.r.key(tagRegia, ""), &s)
	if err != nil {
		return nil, err
	}
	if !found {
		s = domain.DefaultRegiaState()
	}
	if x.writable {
		s.UpdatedAt = x.stamp
	}
	x.regia = &s
	return x.regia, nil
}

func (x *tx) Settings() (*domain.Settings, error) {
	if x.settings != nil {
		return x.settings, nil
	}
	var s domain.Settings
	found, err := x.load(x.r.key(tagSettings, ""), &s)
	if err != nil {
		return nil, err
	}
	if !found {
		s = x.r.defaults.Clone()
	}
	x.settings = &s
	return x.settings, nil
}

func (x *tx) Table(tableID int) (*domain.TableState, error) {
	if t, ok := x.tables[tableID]; ok {
		return t, nil
	}
	var t domain.TableState
	found, err := x.load(x.r.tableKey(tableID), &t)
	if err != nil {
		return nil, err
	}
	if !found {
		t = domain.TableState{TableID: tableID}
	}
	if x.writable {
		t.UpdatedAt = x.stamp
	}
	x.tables[tableID] = &t
	return x.tables[tableID], nil
}

// flush 写回本事务加载过的所有聚合
func (x *tx) flush() error {
	if x.global != nil {
		if err := persistence.SaveJSON(x.txn, x.r.key(tagGlobal, ""), x.global); err != nil {
			return err
		}
	}
	if x.scuderia != nil {
		if err := persistence.SaveJSON(x.txn, x.r.key(tagScuderia, ""), x.scuderia); err != nil {
			return err
		}
	}
	if x.regia != nil {
		if err := persistence.SaveJSON(x.txn, x.r.key(tagRegia, ""), x.regia); err != nil {
			return err
		}
	}
	if x.settings != nil {
		if err := persistence.SaveJSON(x.txn, x.r.key(tagSettings, ""), x.settings); err != nil {
			return err
		}
	}
	for id, t := range x.tables {
		if err := persistence.SaveJSON(x.txn, x.r.tableKey(id), t); err != nil {
			return err
		}
	}
	return nil
}
