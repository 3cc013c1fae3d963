package queue

import (
	"context"
	"time"

	r "github.com/redis/go-redis/v9"
)

type RedisQ struct {
	rdb   *r.Client
	block time.Duration
}

func NewRedisQ(rdb *r.Client) *RedisQ { return &RedisQ{rdb: rdb, block: 5 * time.Second} }

func (q *RedisQ) Enqueue(ctx context.Context, topic string, msg Message) error {
	return q.rdb.LPush(ctx, "queue:"+topic, msg.encode()).Err()
}

func (q *RedisQ) Dequeue(ctx context.Context, topic string) (Message, bool, error) {
	res, err := q.rdb.BRPop(ctx, q.block, "queue:"+topic).Result()
	if err == r.Nil {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	if len(res) != 2 {
		return Message{}, false, nil
	}
	msg, err := decode([]byte(res[1]))
	if err != nil {
		return Message{}, false, err
	}
	return msg, true, nil
}
