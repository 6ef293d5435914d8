package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"videothingy/newsreel/internal/apperr"
	"videothingy/newsreel/internal/queue"
	"videothingy/newsreel/internal/worker"
)

// Enqueuer is the producer side of queue.RedisQueue.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload []byte) error
}

// RedisDispatcher publishes stage jobs for a Consumer in any process.
type RedisDispatcher struct {
	q Enqueuer
}

func NewRedisDispatcher(q Enqueuer) *RedisDispatcher {
	return &RedisDispatcher{q: q}
}

func (d *RedisDispatcher) Dispatch(ctx context.Context, job StageJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return apperr.New(apperr.KindInfra, "jobs.RedisDispatcher.Dispatch", err)
	}
	if err := d.q.Enqueue(ctx, payload); err != nil {
		return apperr.New(apperr.KindTransient, "jobs.RedisDispatcher.Dispatch", err)
	}
	return nil
}

// Source is the consumer side of queue.RedisQueue.
type Source interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Recover(ctx context.Context) (int, error)
	Heartbeat(ctx context.Context) error
	HeartbeatTTL() time.Duration
}

// Consumer moves queued stage jobs onto the worker pool. A message is acked
// only after its stage ran to completion, so a crash mid-stage redelivers it.
// While running it keeps its heartbeat alive and recovers the messages of
// consumers whose heartbeat lapsed.
type Consumer struct {
	src         Source
	pool        *worker.Dispatcher
	exec        Executor
	log         *logrus.Logger
	pollTimeout time.Duration
	backoff     time.Duration
}

func NewConsumer(src Source, pool *worker.Dispatcher, exec Executor, log *logrus.Logger) *Consumer {
	return &Consumer{
		src:         src,
		pool:        pool,
		exec:        exec,
		log:         log,
		pollTimeout: 5 * time.Second,
		backoff:     500 * time.Millisecond,
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.src.Heartbeat(ctx); err != nil {
		return err
	}
	if err := c.recover(ctx); err != nil {
		return err
	}
	go c.keepAlive(ctx)

	for {
		if ctx.Err() != nil {
			return nil
		}
		d, err := c.src.Dequeue(ctx, c.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.WithError(err).Error("Dequeue failed")
			if !sleep(ctx, c.backoff) {
				return nil
			}
			continue
		}
		if d == nil {
			continue
		}
		c.handle(ctx, d)
	}
}

// keepAlive refreshes the heartbeat three times per TTL and recovers lapsed consumers.
func (c *Consumer) keepAlive(ctx context.Context) {
	every := c.src.HeartbeatTTL() / 3
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.src.Heartbeat(ctx); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Error("Heartbeat failed")
		}
		if err := c.recover(ctx); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Error("Recovering lapsed consumers failed")
		}
	}
}

func (c *Consumer) recover(ctx context.Context) error {
	n, err := c.src.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		c.log.WithField("count", n).Warn("Requeued stage jobs of a lapsed consumer")
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, d *queue.Delivery) {
	job, err := Decode(d.Payload)
	if err != nil {
		c.log.WithError(err).Error("Dropping malformed stage job")
		c.ack(ctx, d)
		return
	}

	t := &task{job: job, exec: c.exec, after: func(ctx context.Context, _ error) {
		// shutdown interrupted the stage; leave it for redelivery
		if ctx.Err() != nil {
			return
		}
		c.ack(ctx, d)
	}}
	for {
		err := c.pool.SubmitJob(t)
		if err == nil {
			return
		}
		if !errors.Is(err, worker.ErrQueueFull) || !sleep(ctx, c.backoff) {
			c.log.WithError(err).WithField("job_id", job.JobID).Warn("Stage job left for redelivery")
			return
		}
	}
}

func (c *Consumer) ack(ctx context.Context, d *queue.Delivery) {
	if err := c.src.Ack(ctx, d); err != nil {
		c.log.WithError(err).Error("Ack failed")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
