package deck

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/betbot/stakepilot/internal/domain"
)

var log = logrus.WithField("module", "deck")

const (
	defaultTotalCards = 416 // 8 副牌
	cardsPerHand      = 4
	newShoeSlack      = 20
)

// Store 牌靴状态的持久化
type Store interface {
	Deck(ctx context.Context, key string) (domain.DeckState, bool, error)
	PutDeck(ctx context.Context, key string, st domain.DeckState) error
}

// Tracker 根据剩余牌数推算手数。客户端只上报剩余牌数，不上报手数。
type Tracker struct {
	store Store

	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock 带引用计数，空闲后即删除
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewTracker 创建追踪器
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, locks: make(map[string]*keyLock)}
}

// Key 按 用户 / 机器 / 桌 分区
func Key(user, computer string, tableID int) string {
	return fmt.Sprintf("%s:%s:%d", user, computer, tableID)
}

func (t *Tracker) lock(key string) func() {
	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &keyLock{}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
	}
}

// Observe 记录一次剩余牌数，返回当前手数（至少为 1）以及是否换了新牌靴
func (t *Tracker) Observe(ctx context.Context, key string, remaining int) (int, bool, error) {
	unlock := t.lock(key)
	defer unlock()

	st, found, err := t.store.Deck(ctx, key)
	if err != nil {
		return 0, false, fmt.Errorf("load deck %s: %w", key, err)
	}

	newShoe := false
	if !found {
		st = domain.DeckState{LastRemaining: remaining, HandIndex: 0, TotalCards: defaultTotalCards}
	} else {
		newShoe = Advance(&st, remaining)
	}

	if err := t.store.PutDeck(ctx, key, st); err != nil {
		return 0, false, fmt.Errorf("save deck %s: %w", key, err)
	}
	if newShoe {
		log.WithField("deck", key).Infof("新牌靴: total=%d remaining=%d", st.TotalCards, remaining)
	}
	return HandNumber(st), newShoe, nil
}

// Advance 应用一次观测，返回是否为新牌靴
func Advance(st *domain.DeckState, remaining int) bool {
	if st.TotalCards <= 0 {
		st.TotalCards = defaultTotalCards
	}

	if remaining > st.LastRemaining && remaining > st.TotalCards-newShoeSlack {
		st.TotalCards = shoeSize(remaining)
		st.HandIndex = 0
		st.LastRemaining = remaining
		return true
	}

	diff := st.LastRemaining - remaining
	switch {
	case diff < 0:
		// 剩余牌数回升但不像新牌靴：按已发牌数重估
		st.HandIndex = maxInt(0, (st.TotalCards-remaining)/cardsPerHand)
		st.LastRemaining = remaining
	case diff >= cardsPerHand:
		st.HandIndex += diff / cardsPerHand
		st.LastRemaining = remaining
	}
	return false
}

// HandNumber 对外的手数，从 1 开始
func HandNumber(st domain.DeckState) int {
	if st.HandIndex > 0 {
		return st.HandIndex
	}
	return 1
}

func shoeSize(remaining int) int {
	switch {
	case remaining > 450:
		return 520
	case remaining > 350:
		return 416
	case remaining > 250:
		return 312
	default:
		return defaultTotalCards
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
