// Package queue is a reliable Redis list queue with at-least-once delivery.
//
// Enqueue pushes onto the pending list. Dequeue atomically moves the oldest
// entry onto the consumer's own processing list; Ack removes it from there.
// Each consumer keeps a heartbeat key alive; Recover pushes back the entries
// of consumers whose heartbeat expired.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Delivery is one dequeued message. Payload must be acked once handled.
type Delivery struct {
	Payload []byte
	raw     string
}

type RedisQueue struct {
	rdb        redis.UniversalClient
	name       string
	consumer   string
	pending    string
	processing string
	consumers  string
	ttl        time.Duration
}

// DefaultHeartbeatTTL is how long a consumer counts as alive after its last heartbeat.
const DefaultHeartbeatTTL = 30 * time.Second

// NewRedisClient connects to url (redis://...) and pings it.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// NewRedisQueue uses the list "<name>:pending" shared by everyone and the list
// "<name>:processing:<consumer>" owned by this consumer. Producers that never
// dequeue may pass any consumer id.
func NewRedisQueue(rdb redis.UniversalClient, name, consumer string) *RedisQueue {
	return &RedisQueue{
		rdb:        rdb,
		name:       name,
		consumer:   consumer,
		pending:    name + ":pending",
		processing: processingKey(name, consumer),
		consumers:  name + ":consumers",
		ttl:        DefaultHeartbeatTTL,
	}
}

func processingKey(name, consumer string) string { return name + ":processing:" + consumer }

func aliveKey(name, consumer string) string { return name + ":alive:" + consumer }

// HeartbeatTTL is the lifetime of one heartbeat; refresh well within it.
func (q *RedisQueue) HeartbeatTTL() time.Duration { return q.ttl }

// Heartbeat registers the consumer and marks it alive for HeartbeatTTL.
func (q *RedisQueue) Heartbeat(ctx context.Context) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, q.consumers, q.consumer)
		p.Set(ctx, aliveKey(q.name, q.consumer), time.Now().UTC().Format(time.RFC3339), q.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, payload []byte) error {
	if err := q.rdb.LPush(ctx, q.pending, payload).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for a message. It returns (nil, nil) on timeout.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	raw, err := q.rdb.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return &Delivery{Payload: []byte(raw), raw: raw}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.rdb.LRem(ctx, q.processing, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Recover moves the unacknowledged messages of consumers without a live
// heartbeat back to the pending list and returns how many were moved.
// Lists of live consumers, this one included, are left alone.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	ids, err := q.rdb.SMembers(ctx, q.consumers).Result()
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	n := 0
	for _, id := range ids {
		if id == q.consumer {
			continue
		}
		alive, err := q.rdb.Exists(ctx, aliveKey(q.name, id)).Result()
		if err != nil {
			return n, fmt.Errorf("recover: %w", err)
		}
		if alive > 0 {
			continue
		}
		moved, err := q.drain(ctx, processingKey(q.name, id))
		n += moved
		if err != nil {
			return n, err
		}
		if err := q.rdb.SRem(ctx, q.consumers, id).Err(); err != nil {
			return n, fmt.Errorf("recover: %w", err)
		}
	}
	return n, nil
}

// drain moves every entry of list back to pending. LMOVE is atomic per entry,
// so two consumers draining the same list never duplicate a message.
func (q *RedisQueue) drain(ctx context.Context, list string) (int, error) {
	n := 0
	for {
		err := q.rdb.LMove(ctx, list, q.pending, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover %s: %w", list, err)
		}
		n++
	}
}

// Depth is the number of pending messages.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.pending).Result()
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
