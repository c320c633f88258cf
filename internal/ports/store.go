package ports

import (
	"context"

	"github.com/betbot/stakepilot/internal/domain"
)

// Store 决策引擎依赖的持久化协作者。
//
// 所有聚合首次访问时按默认值惰性创建；Update* 系列以读改写闭包的方式做局部合并，
// 更新时间由存储层统一打戳。
type Store interface {
	Global(ctx context.Context) (domain.GlobalState, error)
	UpdateGlobal(ctx context.Context, fn func(*domain.GlobalState) error) (domain.GlobalState, error)

	Scuderia(ctx context.Context) (domain.ScuderiaState, error)
	UpdateScuderia(ctx context.Context, fn func(*domain.ScuderiaState) error) (domain.ScuderiaState, error)

	Regia(ctx context.Context) (domain.RegiaState, error)
	UpdateRegia(ctx context.Context, fn func(*domain.RegiaState) error) (domain.RegiaState, error)

	Settings(ctx context.Context) (domain.Settings, error)
	UpdateSettings(ctx context.Context, fn func(*domain.Settings) error) (domain.Settings, error)

	Table(ctx context.Context, tableID int) (domain.TableState, error)
	UpdateTable(ctx context.Context, tableID int, fn func(*domain.TableState) error) (domain.TableState, error)
	TableIDs(ctx context.Context) ([]int, error)

	// FoldTableMargin 在同一事务中读取桌累计与全局累计，并把差值折算进全局
	FoldTableMargin(ctx context.Context, tableID int, newTableMarginUnits float64) (domain.GlobalState, error)

	IsSeen(ctx context.Context, tableID, handIndex int) (bool, error)
	MarkSeen(ctx context.Context, tableID, handIndex int) error

	Deck(ctx context.Context, key string) (domain.DeckState, bool, error)
	PutDeck(ctx context.Context, key string, st domain.DeckState) error

	// Update 跨聚合事务
	Update(ctx context.Context, fn func(Tx) error) error
}

// Tx 事务内对聚合的可变视图，闭包返回 nil 时统一提交
type Tx interface {
	Global() (*domain.GlobalState, error)
	Scuderia() (*domain.ScuderiaState, error)
	Regia() (*domain.RegiaState, error)
	Settings() (*domain.Settings, error)
	Table(tableID int) (*domain.TableState, error)
}
