package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/betbot/stakepilot/internal/domain"
	"github.com/betbot/stakepilot/internal/ports"
	"github.com/betbot/stakepilot/pkg/persistence"
)

func backends(t *testing.T) map[string]persistence.Service {
	t.Helper()
	bdb, err := persistence.OpenBadger(persistence.BadgerOptions{InMemory: true})
	require.NoError(t, err)
	sdb, err := persistence.OpenSQLite(":memory:")
	require.NoError(t, err)
	out := map[string]persistence.Service{
		"memory": persistence.NewMemoryService(),
		"badger": bdb,
		"sqlite": sdb,
	}
	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func TestLazyDefaults(t *testing.T) {
	ctx := context.Background()
	defaults := domain.DefaultSettings()
	defaults.K = 2.5

	for name, svc := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := New(svc, defaults)

			g, err := repo.Global(ctx)
			require.NoError(t, err)
			require.Equal(t, 0, g.HeavyCount)

			regia, err := repo.Regia(ctx)
			require.NoError(t, err)
			require.Equal(t, 900.0, regia.TargetUnitsTotal)
			require.Equal(t, 10, regia.TargetTables)

			s, err := repo.Settings(ctx)
			require.NoError(t, err)
			require.Equal(t, 2.5, s.K)
			require.Len(t, s.Levels, 8)

			tbl, err := repo.Table(ctx, 3)
			require.NoError(t, err)
			require.Equal(t, 3, tbl.TableID)
			require.Nil(t, tbl.LastAdvice)
		})
	}
}

func TestUpdateStampsTime(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	repo := New(persistence.NewMemoryService(), domain.DefaultSettings(), WithClock(func() time.Time { return fixed }))

	g, err := repo.UpdateGlobal(ctx, func(g *domain.GlobalState) error {
		g.Cooldown = 3
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, fixed, g.UpdatedAt)

	again, err := repo.Global(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, again.Cooldown)
	require.True(t, fixed.Equal(again.UpdatedAt))
}

func TestPartialMerge(t *testing.T) {
	ctx := context.Background()
	repo := New(persistence.NewMemoryService(), domain.DefaultSettings())

	_, err := repo.UpdateGlobal(ctx, func(g *domain.GlobalState) error {
		g.HeavyCount = 2
		g.PortfolioDebtUnits = 61
		return nil
	})
	require.NoError(t, err)
	_, err = repo.UpdateGlobal(ctx, func(g *domain.GlobalState) error {
		g.Cooldown = 4
		return nil
	})
	require.NoError(t, err)

	g, err := repo.Global(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, g.HeavyCount)
	require.Equal(t, 61.0, g.PortfolioDebtUnits)
	require.Equal(t, 4, g.Cooldown)
}

func TestFoldTableMarginConservation(t *testing.T) {
	ctx := context.Background()
	for name, svc := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := New(svc, domain.DefaultSettings())

			const tables, steps = 6, 20
			var wg sync.WaitGroup
			for id := 1; id <= tables; id++ {
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					for i := 1; i <= steps; i++ {
						total := float64(id*i) - 3.5
						if _, err := repo.FoldTableMargin(ctx, id, total); err != nil {
							t.Errorf("fold table=%d: %v", id, err)
							return
						}
					}
				}(id)
			}
			wg.Wait()

			ids, err := repo.TableIDs(ctx)
			require.NoError(t, err)
			require.Len(t, ids, tables)

			sum := 0.0
			for _, id := range ids {
				tbl, err := repo.Table(ctx, id)
				require.NoError(t, err)
				sum += tbl.MarginUnits
			}
			g, err := repo.Global(ctx)
			require.NoError(t, err)
			require.InDelta(t, sum, g.GlobalMarginUnits, 1e-9)
		})
	}
}

func TestFoldTableMarginIsSetBased(t *testing.T) {
	ctx := context.Background()
	repo := New(persistence.NewMemoryService(), domain.DefaultSettings())

	for i := 0; i < 3; i++ {
		_, err := repo.FoldTableMargin(ctx, 1, 12)
		require.NoError(t, err)
	}
	g, err := repo.FoldTableMargin(ctx, 2, -2)
	require.NoError(t, err)
	require.Equal(t, 10.0, g.GlobalMarginUnits)
}

func TestSeenLedger(t *testing.T) {
	ctx := context.Background()
	for name, svc := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := New(svc, domain.DefaultSettings())

			seen, err := repo.IsSeen(ctx, 1, 5)
			require.NoError(t, err)
			require.False(t, seen)

			require.NoError(t, repo.MarkSeen(ctx, 1, 5))
			require.NoError(t, repo.MarkSeen(ctx, 1, 5))

			seen, err = repo.IsSeen(ctx, 1, 5)
			require.NoError(t, err)
			require.True(t, seen)

			seen, err = repo.IsSeen(ctx, 2, 5)
			require.NoError(t, err)
			require.False(t, seen)
		})
	}
}

func TestMultiAggregateUpdate(t *testing.T) {
	ctx := context.Background()
	repo := New(persistence.NewMemoryService(), domain.DefaultSettings())

	err := repo.Update(ctx, func(x ports.Tx) error {
		g, err := x.Global()
		if err != nil {
			return err
		}
		s, err := x.Scuderia()
		if err != nil {
			return err
		}
		g.HeavyCount++
		s.HandsSinceLastHeavy = 0
		s.RecentHeavyTimestamps = append(s.RecentHeavyTimestamps, time.Unix(100, 0).UTC())
		return nil
	})
	require.NoError(t, err)

	g, err := repo.Global(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, g.HeavyCount)
	s, err := repo.Scuderia(ctx)
	require.NoError(t, err)
	require.Len(t, s.RecentHeavyTimestamps, 1)
}

func TestDeckState(t *testing.T) {
	ctx := context.Background()
	repo := New(persistence.NewMemoryService(), domain.DefaultSettings())

	_, found, err := repo.Deck(ctx, "u:c:1")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, repo.PutDeck(ctx, "u:c:1", domain.DeckState{LastRemaining: 400, HandIndex: 4, TotalCards: 416}))
	st, found, err := repo.Deck(ctx, "u:c:1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 4, st.HandIndex)
	require.Equal(t, 416, st.TotalCards)
}
