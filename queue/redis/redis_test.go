package redis

import (
	"context"
	"testing"

	"github.com/poundifdef/queuemon/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueueFromClient(client, "redis:queue:")
	t.Cleanup(func() { q.Shutdown() })

	return q, mr
}

func TestObserveUnknownQueue(t *testing.T) {
	q, _ := newTestQueue(t)

	obs, err := q.Observe(context.Background(), "missing", 0)
	require.NoError(t, err)
	assert.Equal(t, models.Observation{}, obs)
}

func TestObserve(t *testing.T) {
	q, mr := newTestQueue(t)

	for i, score := range []float64{1, 5, 5, 9, 10} {
		_, err := mr.ZAdd("redis:queue:jobs:queue", score, string(rune('a'+i)))
		require.NoError(t, err)
	}

	obs, err := q.Observe(context.Background(), "jobs", 5)
	require.NoError(t, err)

	assert.Equal(t, int64(5), obs.Cardinality)
	// open interval: the two members scored exactly 5 are not counted
	assert.Equal(t, int64(2), obs.NewerThan)
	assert.True(t, obs.HasTop)
	assert.Equal(t, 10.0, obs.TopScore)
}

func TestObserveWrongType(t *testing.T) {
	q, mr := newTestQueue(t)
	require.NoError(t, mr.Set("redis:queue:jobs:queue", "not a set"))

	_, err := q.Observe(context.Background(), "jobs", 0)
	assert.Error(t, err)
}

func TestEnqueueRangeAndPayloads(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "jobs", 30, 3, []byte(`"c"`)))
	require.NoError(t, q.Enqueue(ctx, "jobs", 10, 1, []byte(`"a"`)))
	require.NoError(t, q.Enqueue(ctx, "jobs", 20, 2, []byte(`"b"`)))

	ids, err := q.RangeByRank(ctx, "jobs", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20}, ids)

	mr.HDel("redis:queue:jobs:values", "20")

	payloads, err := q.Payloads(ctx, "jobs", []int64{10, 20, 30})
	require.NoError(t, err)
	require.Len(t, payloads, 3)
	assert.Equal(t, []byte(`"a"`), payloads[0])
	assert.Nil(t, payloads[1])
	assert.Equal(t, []byte(`"c"`), payloads[2])

	queues, err := q.ListQueues(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"jobs"}, queues)
}

func TestRangeByRankInvalidMember(t *testing.T) {
	q, mr := newTestQueue(t)
	_, err := mr.ZAdd("redis:queue:jobs:queue", 1, "not-a-number")
	require.NoError(t, err)

	_, err = q.RangeByRank(context.Background(), "jobs", 0, 10)
	assert.ErrorIs(t, err, models.ErrInvalidMember)
}

func TestPayloadsEmpty(t *testing.T) {
	q, _ := newTestQueue(t)

	payloads, err := q.Payloads(context.Background(), "jobs", nil)
	require.NoError(t, err)
	assert.Empty(t, payloads)
}

func TestDequeue(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	for i := int64(1); i <= 4; i++ {
		require.NoError(t, q.Enqueue(ctx, "jobs", i, float64(i), []byte("x")))
	}

	ids, err := q.Dequeue(ctx, "jobs", 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	members, err := mr.ZMembers("redis:queue:jobs:queue")
	require.NoError(t, err)
	assert.Equal(t, []string{"4"}, members)

	keys, err := mr.HKeys("redis:queue:jobs:values")
	require.NoError(t, err)
	assert.Equal(t, []string{"4"}, keys)

	ids, err = q.Dequeue(ctx, "empty", 3)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStoreUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	q := NewRedisQueueFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), "redis:queue:")
	defer q.Shutdown()
	mr.Close()

	_, err = q.Observe(context.Background(), "jobs", 0)
	assert.Error(t, err)

	_, err = q.ListQueues(context.Background())
	assert.Error(t, err)
}
