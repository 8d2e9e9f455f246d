package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/poundifdef/queuemon/config"
	"github.com/poundifdef/queuemon/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisQueue reads queues laid out as
//
//	<prefix><name>:queue   sorted set of item ids, scored by enqueue time
//	<prefix><name>:values  hash of item id to payload
//	<prefix>set            set of queue names
type RedisQueue struct {
	Client *redis.Client
	Prefix string
}

func NewRedisQueue(cfg config.RedisConfig) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return NewRedisQueueFromClient(client, cfg.Prefix)
}

func NewRedisQueueFromClient(client *redis.Client, prefix string) *RedisQueue {
	log.Info().Str("addr", client.Options().Addr).Str("prefix", prefix).Msg("Using redis backend")

	return &RedisQueue{
		Client: client,
		Prefix: prefix,
	}
}

func (q *RedisQueue) queueKey(queue string) string {
	return q.Prefix + queue + ":queue"
}

func (q *RedisQueue) valuesKey(queue string) string {
	return q.Prefix + queue + ":values"
}

func (q *RedisQueue) registryKey() string {
	return q.Prefix + "set"
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}

func parseMember(member string) (int64, error) {
	id, err := strconv.ParseInt(member, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", models.ErrInvalidMember, member)
	}
	return id, nil
}

func (q *RedisQueue) Observe(ctx context.Context, queue string, after float64) (models.Observation, error) {
	key := q.queueKey(queue)

	var (
		card  *redis.IntCmd
		count *redis.IntCmd
		top   *redis.ZSliceCmd
	)

	// MULTI/EXEC so all three reads see the same state of the set
	_, err := q.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		card = pipe.ZCard(ctx, key)
		count = pipe.ZCount(ctx, key, "("+formatScore(after), "+inf")
		top = pipe.ZRevRangeWithScores(ctx, key, 0, 0)
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("queue", queue).Msg("Unable to observe queue")
		return models.Observation{}, err
	}

	rc := models.Observation{
		Cardinality: card.Val(),
		NewerThan:   count.Val(),
	}

	if members := top.Val(); len(members) > 0 {
		rc.HasTop = true
		rc.TopScore = members[0].Score
	}

	return rc, nil
}

func (q *RedisQueue) RangeByRank(ctx context.Context, queue string, start int64, stop int64) ([]int64, error) {
	members, err := q.Client.ZRange(ctx, q.queueKey(queue), start, stop).Result()
	if err != nil {
		return nil, err
	}

	rc := make([]int64, len(members))
	for i, member := range members {
		id, err := parseMember(member)
		if err != nil {
			return nil, err
		}
		rc[i] = id
	}

	return rc, nil
}

func (q *RedisQueue) Payloads(ctx context.Context, queue string, ids []int64) ([][]byte, error) {
	rc := make([][]byte, len(ids))
	if len(ids) == 0 {
		return rc, nil
	}

	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = strconv.FormatInt(id, 10)
	}

	values, err := q.Client.HMGet(ctx, q.valuesKey(queue), fields...).Result()
	if err != nil {
		return nil, err
	}

	for i, v := range values {
		if s, ok := v.(string); ok {
			rc[i] = []byte(s)
		}
	}

	return rc, nil
}

func (q *RedisQueue) ListQueues(ctx context.Context) ([]string, error) {
	rc, err := q.Client.SMembers(ctx, q.registryKey()).Result()
	if err != nil {
		log.Error().Err(err).Msg("Unable to list queues")
		return nil, err
	}

	return rc, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, queue string, id int64, score float64, payload []byte) error {
	member := strconv.FormatInt(id, 10)

	_, err := q.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, q.registryKey(), queue)
		pipe.HSet(ctx, q.valuesKey(queue), member, payload)
		pipe.ZAdd(ctx, q.queueKey(queue), redis.Z{Score: score, Member: member})
		return nil
	})
	if err != nil {
		return err
	}

	log.Trace().Str("queue", queue).Int64("id", id).Float64("score", score).Msg("Enqueued item")
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, queue string, n int) ([]int64, error) {
	if n <= 0 {
		return nil, nil
	}

	popped, err := q.Client.ZPopMin(ctx, q.queueKey(queue), int64(n)).Result()
	if err != nil {
		return nil, err
	}

	if len(popped) == 0 {
		return nil, nil
	}

	rc := make([]int64, 0, len(popped))
	fields := make([]string, 0, len(popped))
	for _, z := range popped {
		member, _ := z.Member.(string)
		fields = append(fields, member)

		id, err := parseMember(member)
		if err != nil {
			log.Error().Err(err).Str("queue", queue).Msg("Dequeued unparseable member")
			continue
		}
		rc = append(rc, id)
	}

	err = q.Client.HDel(ctx, q.valuesKey(queue), fields...).Err()
	if err != nil {
		log.Error().Err(err).Str("queue", queue).Ints64("ids", rc).Msg("Unable to delete payloads")
	}

	return rc, nil
}

func (q *RedisQueue) Shutdown() error {
	return q.Client.Close()
}
