package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func openAll(t *testing.T) map[string]Service {
	t.Helper()

	bdb, err := OpenBadger(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	sdb, err := OpenSQLite(":memory:")
	require.NoError(t, err)

	out := map[string]Service{
		"memory": NewMemoryService(),
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

func TestKey(t *testing.T) {
	require.Equal(t, "state:7:table", Key("state", "7", "table"))
	require.Equal(t, "state:global", Key("state", "global", ""))
}

func TestServiceRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, svc := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			err := svc.View(ctx, func(txn Txn) error {
				_, err := txn.Get("missing")
				return err
			})
			require.ErrorIs(t, err, ErrNotExists)

			type doc struct {
				N int `json:"n"`
			}
			require.NoError(t, svc.Update(ctx, func(txn Txn) error {
				if err := SaveJSON(txn, "a:1", doc{N: 1}); err != nil {
					return err
				}
				return SaveJSON(txn, "a:2", doc{N: 2})
			}))

			var got doc
			require.NoError(t, svc.View(ctx, func(txn Txn) error {
				return LoadJSON(txn, "a:2", &got)
			}))
			require.Equal(t, 2, got.N)

			var keys []string
			require.NoError(t, svc.View(ctx, func(txn Txn) error {
				var err error
				keys, err = txn.Keys("a:")
				return err
			}))
			require.Equal(t, []string{"a:1", "a:2"}, keys)

			require.NoError(t, svc.Update(ctx, func(txn Txn) error { return txn.Delete("a:1") }))
			err = svc.View(ctx, func(txn Txn) error { return LoadJSON(txn, "a:1", &got) })
			require.ErrorIs(t, err, ErrNotExists)
		})
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	for name, svc := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			err := svc.Update(ctx, func(txn Txn) error {
				if err := txn.Set("k", []byte("v")); err != nil {
					return err
				}
				return boom
			})
			require.ErrorIs(t, err, boom)

			err = svc.View(ctx, func(txn Txn) error {
				_, err := txn.Get("k")
				return err
			})
			require.ErrorIs(t, err, ErrNotExists)
		})
	}
}

func TestConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	for name, svc := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			const workers, rounds = 8, 25
			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < rounds; i++ {
						err := svc.Update(ctx, func(txn Txn) error {
							var n int
							if err := LoadJSON(txn, "counter", &n); err != nil && !errors.Is(err, ErrNotExists) {
								return err
							}
							return SaveJSON(txn, "counter", n+1)
						})
						// badger 在极端竞争下可能重试耗尽，这里再提交一次
						for errors.Is(err, ErrConflict) {
							err = svc.Update(ctx, func(txn Txn) error {
								var n int
								if err := LoadJSON(txn, "counter", &n); err != nil && !errors.Is(err, ErrNotExists) {
									return err
								}
								return SaveJSON(txn, "counter", n+1)
							})
						}
						if err != nil {
							panic(fmt.Sprintf("update: %v", err))
						}
					}
				}()
			}
			wg.Wait()

			var n int
			require.NoError(t, svc.View(ctx, func(txn Txn) error { return LoadJSON(txn, "counter", &n) }))
			require.Equal(t, workers*rounds, n)
		})
	}
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("")
	require.NoError(t, err)
	require.Nil(t, k)

	hexKey := "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	k, err = ParseKey(hexKey)
	require.NoError(t, err)
	require.Len(t, k, 32)

	_, err = ParseKey("abcd")
	require.Error(t, err)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Options{Driver: "redis"})
	require.Error(t, err)
}
