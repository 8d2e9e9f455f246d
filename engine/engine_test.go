package engine

import (
	"context"
	"strconv"
	"testing"

	"github.com/poundifdef/queuemon/models"
	redisqueue "github.com/poundifdef/queuemon/queue/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const queueKey = "redis:queue:jobs:queue"

func newTestEngine(t *testing.T) (*Engine, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	store := redisqueue.NewRedisQueueFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "redis:queue:")
	t.Cleanup(func() { store.Shutdown() })

	return NewEngine(store), mr
}

func add(t *testing.T, mr *miniredis.Miniredis, scores ...float64) {
	t.Helper()
	for _, score := range scores {
		_, err := mr.ZAdd(queueKey, score, strconv.FormatFloat(score, 'f', -1, 64))
		require.NoError(t, err)
	}
}

func remove(t *testing.T, mr *miniredis.Miniredis, scores ...float64) {
	t.Helper()
	for _, score := range scores {
		_, err := mr.ZRem(queueKey, strconv.FormatFloat(score, 'f', -1, 64))
		require.NoError(t, err)
	}
}

func TestSnapshotBootstrap(t *testing.T) {
	e, mr := newTestEngine(t)
	add(t, mr, 2, 4, 6, 8, 10)

	result, baseline, err := e.Snapshot(context.Background(), "jobs", nil)
	require.NoError(t, err)

	// previousLength starts at 0, so 0 + 5 - 5 items were removed
	assert.Equal(t, models.DeltaResult{Items: 5, NewItems: 5, RemovedItems: 0}, result)
	assert.Equal(t, models.Baseline{PreviousLength: 5, PreviousMaxScore: 10}, baseline)
}

func TestSnapshotSequence(t *testing.T) {
	e, mr := newTestEngine(t)
	ctx := context.Background()
	add(t, mr, 2, 4, 6, 8, 10)

	_, baseline, err := e.Snapshot(ctx, "jobs", nil)
	require.NoError(t, err)

	// pure addition
	add(t, mr, 11, 12, 13)
	result, baseline, err := e.Snapshot(ctx, "jobs", &baseline)
	require.NoError(t, err)
	assert.Equal(t, models.DeltaResult{Items: 8, NewItems: 3, RemovedItems: 0}, result)
	assert.Equal(t, models.Baseline{PreviousLength: 8, PreviousMaxScore: 13}, baseline)

	// pure removal
	remove(t, mr, 2, 4)
	result, baseline, err = e.Snapshot(ctx, "jobs", &baseline)
	require.NoError(t, err)
	assert.Equal(t, models.DeltaResult{Items: 6, NewItems: 0, RemovedItems: 2}, result)
	assert.Equal(t, models.Baseline{PreviousLength: 6, PreviousMaxScore: 13}, baseline)

	// mixed churn
	add(t, mr, 14, 15, 16, 17)
	remove(t, mr, 6, 8, 12)
	result, baseline, err = e.Snapshot(ctx, "jobs", &baseline)
	require.NoError(t, err)
	assert.Equal(t, models.DeltaResult{Items: 7, NewItems: 4, RemovedItems: 3}, result)
	assert.Equal(t, models.Baseline{PreviousLength: 7, PreviousMaxScore: 17}, baseline)
}

func TestSnapshotTracksCardinality(t *testing.T) {
	e, mr := newTestEngine(t)
	ctx := context.Background()

	var baseline *models.Baseline
	maxScore := 0.0
	score := 0.0

	for step := 0; step < 20; step++ {
		for i := 0; i < step%4+1; i++ {
			score++
			add(t, mr, score)
		}
		if step%3 == 2 {
			members, err := mr.ZMembers(queueKey)
			require.NoError(t, err)
			_, err = mr.ZRem(queueKey, members[0])
			require.NoError(t, err)
		}

		result, next, err := e.Snapshot(ctx, "jobs", baseline)
		require.NoError(t, err)

		members, err := mr.ZMembers(queueKey)
		require.NoError(t, err)
		assert.Equal(t, int64(len(members)), result.Items)
		assert.Equal(t, int64(len(members)), next.PreviousLength)
		assert.GreaterOrEqual(t, next.PreviousMaxScore, maxScore)
		assert.False(t, result.Inconsistent())

		maxScore = next.PreviousMaxScore
		baseline = &next
	}
}

func TestSnapshotHighWaterMarkSurvivesEmptyQueue(t *testing.T) {
	e, mr := newTestEngine(t)
	ctx := context.Background()
	add(t, mr, 1, 2, 3)

	_, baseline, err := e.Snapshot(ctx, "jobs", nil)
	require.NoError(t, err)

	remove(t, mr, 1, 2, 3)
	result, next, err := e.Snapshot(ctx, "jobs", &baseline)
	require.NoError(t, err)

	assert.Equal(t, models.DeltaResult{Items: 0, NewItems: 0, RemovedItems: 3}, result)
	assert.Equal(t, models.Baseline{PreviousLength: 0, PreviousMaxScore: 3}, next)
}

func TestSnapshotUnknownQueue(t *testing.T) {
	e, _ := newTestEngine(t)

	result, baseline, err := e.Snapshot(context.Background(), "nonexistent", nil)
	require.NoError(t, err)

	assert.Equal(t, models.DeltaResult{}, result)
	assert.Equal(t, models.Baseline{}, baseline)
}

func TestSnapshotNegativeRemovalIsReported(t *testing.T) {
	e, mr := newTestEngine(t)
	ctx := context.Background()
	add(t, mr, 1, 2)

	_, baseline, err := e.Snapshot(ctx, "jobs", nil)
	require.NoError(t, err)

	// a member scored at the high-water mark is never counted as new
	_, err = mr.ZAdd(queueKey, 2, "late")
	require.NoError(t, err)

	result, _, err := e.Snapshot(ctx, "jobs", &baseline)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), result.RemovedItems)
	assert.True(t, result.Inconsistent())
}

func TestSnapshotStoreUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	store := redisqueue.NewRedisQueueFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), "redis:queue:")
	defer store.Shutdown()
	mr.Close()

	e := NewEngine(store)
	prev := models.Baseline{PreviousLength: 4, PreviousMaxScore: 9}

	_, baseline, err := e.Snapshot(context.Background(), "jobs", &prev)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
	assert.Equal(t, prev, baseline)

	_, err = e.ListQueues(context.Background())
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)

	_, err = e.FetchPage(context.Background(), "jobs", 3)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
}

func TestFetchPage(t *testing.T) {
	e, mr := newTestEngine(t)
	ctx := context.Background()

	for _, id := range []int64{50, 10, 40, 20, 30} {
		member := strconv.FormatInt(id, 10)
		_, err := mr.ZAdd(queueKey, float64(id), member)
		require.NoError(t, err)
		mr.HSet("redis:queue:jobs:values", member, "payload-"+member)
	}
	mr.HDel("redis:queue:jobs:values", "20")

	want := []models.Item{
		{ID: 10, Payload: []byte("payload-10")},
		{ID: 20, Missing: true},
		{ID: 30, Payload: []byte("payload-30")},
	}

	for i := 0; i < 3; i++ {
		items, err := e.FetchPage(ctx, "jobs", 3)
		require.NoError(t, err)
		assert.Equal(t, want, items)
	}
}

func TestFetchPageBounds(t *testing.T) {
	e, mr := newTestEngine(t)
	ctx := context.Background()
	add(t, mr, 1, 2)

	items, err := e.FetchPage(ctx, "jobs", 0)
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = e.FetchPage(ctx, "jobs", 10)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = e.FetchPage(ctx, "jobs", -1)
	assert.ErrorIs(t, err, models.ErrInvalidCount)

	items, err = e.FetchPage(ctx, "nonexistent", 5)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestFetchPageInvalidMember(t *testing.T) {
	e, mr := newTestEngine(t)
	_, err := mr.ZAdd(queueKey, 1, "not-a-number")
	require.NoError(t, err)

	_, err = e.FetchPage(context.Background(), "jobs", 3)
	assert.ErrorIs(t, err, models.ErrInvalidMember)
	assert.NotErrorIs(t, err, models.ErrStoreUnavailable)
}

func TestListQueues(t *testing.T) {
	e, mr := newTestEngine(t)
	ctx := context.Background()

	queues, err := e.ListQueues(ctx)
	require.NoError(t, err)
	assert.Empty(t, queues)

	_, err = mr.SAdd("redis:queue:set", "mail", "jobs")
	require.NoError(t, err)

	queues, err = e.ListQueues(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.QueueInfo{{Name: "jobs"}, {Name: "mail"}}, queues)
}
