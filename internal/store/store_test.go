package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 兩個實作共用同一組行為測試，確保 MemoryStore 與 Redis 語意一致。
func stores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client),
	}
}

func TestHashOperations(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.HGet(ctx, "h", "missing")
			assert.ErrorIs(t, err, ErrNoKey)

			require.NoError(t, s.HSet(ctx, "h", "a", "1"))
			require.NoError(t, s.HSet(ctx, "h", "b", "2"))

			v, err := s.HGet(ctx, "h", "a")
			require.NoError(t, err)
			assert.Equal(t, "1", v)

			all, err := s.HGetAll(ctx, "h")
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"a": "1", "b": "2"}, all)

			n, err := s.HLen(ctx, "h")
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			require.NoError(t, s.HDel(ctx, "h", "a"))
			_, err = s.HGet(ctx, "h", "a")
			assert.ErrorIs(t, err, ErrNoKey)
		})
	}
}

func TestHIncrBy(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			n, err := s.HIncrBy(ctx, "stats", "total", 1)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			n, err = s.HIncrBy(ctx, "stats", "total", 5)
			require.NoError(t, err)
			assert.Equal(t, int64(6), n)

			n, err = s.HIncrBy(ctx, "stats", "total", -2)
			require.NoError(t, err)
			assert.Equal(t, int64(4), n)
		})
	}
}

func TestZPopMaxOrdering(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.ZAdd(ctx, "z", "low", 1))
			require.NoError(t, s.ZAdd(ctx, "z", "high", 9))
			require.NoError(t, s.ZAdd(ctx, "z", "mid", 5))

			for _, want := range []string{"high", "mid", "low"} {
				member, _, ok, err := s.ZPopMax(ctx, "z")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, want, member)
			}

			_, _, ok, err := s.ZPopMax(ctx, "z")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestZPopMaxTieBreaksByMember(t *testing.T) {
	// Redis 同分數時依 member 字典序取最大者，MemoryStore 必須一致
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.ZAdd(ctx, "z", "aaa", 3))
			require.NoError(t, s.ZAdd(ctx, "z", "bbb", 3))

			member, _, ok, err := s.ZPopMax(ctx, "z")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "bbb", member)
		})
	}
}

func TestZRangeAndRemove(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.ZAdd(ctx, "z", "a", 2))
			require.NoError(t, s.ZAdd(ctx, "z", "b", 1))

			members, err := s.ZRangeWithScores(ctx, "z")
			require.NoError(t, err)
			require.Len(t, members, 2)
			// 升冪排列
			assert.Equal(t, "b", members[0].Member)
			assert.Equal(t, float64(1), members[0].Score)
			assert.Equal(t, "a", members[1].Member)

			require.NoError(t, s.ZRem(ctx, "z", "b"))
			n, err := s.ZCard(ctx, "z")
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestZAddUpdatesScore(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.ZAdd(ctx, "z", "a", 1))
			require.NoError(t, s.ZAdd(ctx, "z", "a", 10))

			n, err := s.ZCard(ctx, "z")
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			_, score, ok, err := s.ZPopMax(ctx, "z")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, float64(10), score)
		})
	}
}

func TestDel(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.HSet(ctx, "h", "a", "1"))
			require.NoError(t, s.ZAdd(ctx, "z", "a", 1))
			require.NoError(t, s.Del(ctx, "h", "z"))

			n, err := s.HLen(ctx, "h")
			require.NoError(t, err)
			assert.Zero(t, n)
			c, err := s.ZCard(ctx, "z")
			require.NoError(t, err)
			assert.Zero(t, c)
		})
	}
}
