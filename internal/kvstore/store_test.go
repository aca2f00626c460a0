package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWithClient(client, nil), mr
}

func TestStore_GetSetDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)

	require.NoError(t, s.Delete(ctx, "k"))
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_Incr(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	v, err := s.Incr(ctx, "counter", 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	v, err = s.Incr(ctx, "counter", 5)
	require.NoError(t, err)
	require.Equal(t, int64(6), v)
}

func TestStore_HashOps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HashSet(ctx, "h", map[string]string{"a": "1", "b": "2"}))
	all, err := s.HashGetAll(ctx, "h")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, all)

	n, err := s.HashIncr(ctx, "h", "a", 4)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
}

func TestStore_SortedSetOps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ZAdd(ctx, "z", 1, "m1"))
	require.NoError(t, s.ZAdd(ctx, "z", 2, "m2"))
	require.NoError(t, s.ZAdd(ctx, "z", 3, "m3"))

	n, err := s.ZCard(ctx, "z")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	removed, err := s.ZRemRangeByScore(ctx, "z", 0, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	members, err := s.ZRangeWithScores(ctx, "z", 0, -1)
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, "m2", members[0].Member)
}

func TestStore_SetOps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SAdd(ctx, "s", "a", "b", "c"))
	n, err := s.SCard(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	require.NoError(t, s.SRem(ctx, "s", "b"))
	members, err := s.SMembers(ctx, "s")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "c"}, members)
}

func TestStore_SlidingWindowCount(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.ZAdd(ctx, "w", float64(now.Add(-90*time.Second).Unix()), "old"))
	require.NoError(t, s.ZAdd(ctx, "w", float64(now.Unix()), "recent"))

	count, err := s.SlidingWindowCount(ctx, "w", now, 60*time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestStore_BurstTryConsume(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		ok, err := s.BurstTryConsume(ctx, "burst", time.Minute, 5, 1, now)
		require.NoError(t, err)
		require.True(t, ok, "attempt %d should be admitted", i)
	}

	ok, err := s.BurstTryConsume(ctx, "burst", time.Minute, 5, 1, now)
	require.NoError(t, err)
	require.False(t, ok, "6th attempt should exceed the burst limit")

	ok, err = s.BurstTryConsume(ctx, "burst", time.Minute, 5, 1, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, ok, "burst resets once the window elapses")
}

func TestStore_Pipeline(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Pipeline(ctx, []Op{
		{Kind: OpSet, Key: "p1", Value: "v1", TTL: time.Minute},
		{Kind: OpIncr, Key: "p2", Delta: 3},
		{Kind: OpSAdd, Key: "p3", Value: "m"},
	})
	require.NoError(t, err)

	v, ok, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", v)

	n, err := s.SCard(ctx, "p3")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestStore_UnavailableAfterClose(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, _, err := s.Get(context.Background(), "k")
	require.Error(t, err)
}
