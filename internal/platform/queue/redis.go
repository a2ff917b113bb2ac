package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

func ConnectRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to Redis: %w", err)
	}
	slog.Info("Successfully connected to Redis", "addr", addr)
	return rdb, nil
}

func CloseRedis(rdb *redis.Client) {
	if rdb != nil {
		rdb.Close()
		slog.Info("Redis connection closed")
	}
}

// pollTimeout bounds a single BRPOP so shutdown is noticed promptly.
const pollTimeout = time.Second

// RedisTriggerQueue is a FIFO list: producers LPUSH, the worker BRPOPs.
type RedisTriggerQueue struct {
	rdb  redis.UniversalClient
	name string
}

func NewRedisTriggerQueue(rdb redis.UniversalClient, name string) *RedisTriggerQueue {
	return &RedisTriggerQueue{rdb: rdb, name: name}
}

func (q *RedisTriggerQueue) Push(ctx context.Context, signal Signal) error {
	if err := q.rdb.LPush(ctx, q.name, string(signal)).Err(); err != nil {
		return fmt.Errorf("push %s to %s: %w", signal, q.name, err)
	}
	return nil
}

func (q *RedisTriggerQueue) Pop(ctx context.Context) (Signal, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res, err := q.rdb.BRPop(ctx, pollTimeout, q.name).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("pop from %s: %w", q.name, err)
		}
		// res is [queueName, value]
		if len(res) < 2 || res[1] == "" {
			continue
		}
		return Signal(res[1]), nil
	}
}
