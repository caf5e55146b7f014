package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a LIST-based queue. Producer: LPUSH; consumer: BRPOP
// with timeout.
type RedisQueue struct {
	rdb *redis.Client
	ns  string
}

// RedisConfig configures the RedisQueue.
type RedisConfig struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	Namespace string
}

// NewRedisQueue creates a Redis-backed queue.
func NewRedisQueue(cfg RedisConfig) (*RedisQueue, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "tutorengine"
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
	return &RedisQueue{rdb: rdb, ns: cfg.Namespace}, nil
}

func (q *RedisQueue) key(queueName string) string {
	return fmt.Sprintf("%s:queue:%s", q.ns, queueName)
}

// Enqueue adds a record to the named queue.
func (q *RedisQueue) Enqueue(ctx context.Context, queueName string, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("nil record")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.key(queueName), string(b)).Err()
}

// DequeueWithTimeout retrieves a record via BRPOP, waiting up to timeout.
func (q *RedisQueue) DequeueWithTimeout(ctx context.Context, queueName string, timeout time.Duration) (*Record, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.key(queueName)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty
		}
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply length %d", len(res))
	}
	var rec Record
	if err := json.Unmarshal([]byte(res[1]), &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

// Len returns the number of pending records.
func (q *RedisQueue) Len(ctx context.Context, queueName string) (int, error) {
	n, err := q.rdb.LLen(ctx, q.key(queueName)).Result()
	return int(n), err
}

// Close closes the underlying client.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}
