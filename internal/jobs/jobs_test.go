package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"videothingy/newsreel/internal/apperr"
	"videothingy/newsreel/internal/queue"
	"videothingy/newsreel/internal/worker"
)

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type recordingExecutor struct {
	mu   sync.Mutex
	seen []StageJob
	done chan struct{}
}

func (e *recordingExecutor) ExecuteStage(_ context.Context, job StageJob) error {
	e.mu.Lock()
	e.seen = append(e.seen, job)
	e.mu.Unlock()
	if e.done != nil {
		e.done <- struct{}{}
	}
	return nil
}

type fakeSource struct {
	mu        sync.Mutex
	items     []*queue.Delivery
	acked     []*queue.Delivery
	recovered int
	ttl       time.Duration

	heartbeats   int
	recoverCalls int
}

func (f *fakeSource) Dequeue(ctx context.Context, _ time.Duration) (*queue.Delivery, error) {
	f.mu.Lock()
	if len(f.items) > 0 {
		d := f.items[0]
		f.items = f.items[1:]
		f.mu.Unlock()
		return d, nil
	}
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (f *fakeSource) Ack(_ context.Context, d *queue.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, d)
	return nil
}

func (f *fakeSource) Recover(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoverCalls++
	return f.recovered, nil
}

func (f *fakeSource) Heartbeat(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeSource) HeartbeatTTL() time.Duration {
	if f.ttl == 0 {
		return time.Minute
	}
	return f.ttl
}

func (f *fakeSource) calls() (heartbeats, recovers int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats, f.recoverCalls
}

func (f *fakeSource) ackedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked)
}

type fakeEnqueuer struct {
	payloads [][]byte
	err      error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func TestDecode(t *testing.T) {
	job := NewStageJob("v1", StageRender, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))
	raw, _ := json.Marshal(job)
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.JobID != job.JobID || got.VideoID != job.VideoID || got.Stage != job.Stage || !got.EnqueuedAt.Equal(job.EnqueuedAt) {
		t.Fatalf("Decode: want=%+v got=%+v", job, got)
	}

	for _, bad := range []string{`nope`, `{"video_id":"v1","stage":"explode"}`, `{"stage":"analyze"}`} {
		if _, err := Decode([]byte(bad)); err == nil {
			t.Fatalf("Decode(%s): want error", bad)
		}
	}
}

func TestLocalDispatcherRunsOnPool(t *testing.T) {
	pool := worker.NewDispatcher(2, 4, newTestLogger())
	pool.Run(context.Background())
	exec := &recordingExecutor{}
	d := NewLocalDispatcher(pool, exec)

	if err := d.Dispatch(context.Background(), NewStageJob("v1", StageAnalyze, time.Now())); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	pool.Stop()

	if len(exec.seen) != 1 || exec.seen[0].VideoID != "v1" || exec.seen[0].Stage != StageAnalyze {
		t.Fatalf("executed: got=%+v", exec.seen)
	}
}

func TestLocalDispatcherQueueFullIsTransient(t *testing.T) {
	pool := worker.NewDispatcher(1, 0, newTestLogger())
	d := NewLocalDispatcher(pool, &recordingExecutor{})
	err := d.Dispatch(context.Background(), NewStageJob("v1", StageAnalyze, time.Now()))
	if !apperr.Is(err, apperr.KindTransient) {
		t.Fatalf("Dispatch: want transient got=%v", err)
	}
	pool.Stop()
}

func TestRedisDispatcherEncodesJob(t *testing.T) {
	q := &fakeEnqueuer{}
	job := NewStageJob("v9", StageRegenerate, time.Now().UTC())
	if err := NewRedisDispatcher(q).Dispatch(context.Background(), job); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got, err := Decode(q.payloads[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.JobID != job.JobID || got.VideoID != "v9" || got.Stage != StageRegenerate {
		t.Fatalf("payload: got=%+v", got)
	}

	q.err = errors.New("connection refused")
	if err := NewRedisDispatcher(q).Dispatch(context.Background(), job); !apperr.Is(err, apperr.KindTransient) {
		t.Fatalf("Dispatch failure: want transient got=%v", err)
	}
}

func TestConsumerExecutesAndAcks(t *testing.T) {
	good, _ := json.Marshal(NewStageJob("v1", StageRender, time.Now()))
	src := &fakeSource{items: []*queue.Delivery{
		{Payload: good},
		{Payload: []byte("garbage")},
	}}
	pool := worker.NewDispatcher(1, 4, newTestLogger())
	pool.Run(context.Background())
	exec := &recordingExecutor{done: make(chan struct{}, 1)}
	c := NewConsumer(src, pool, exec, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	select {
	case <-exec.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stage job was not executed")
	}
	pool.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for src.ackedCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := src.ackedCount(); got != 2 {
		t.Fatalf("acked: want=%d got=%d", 2, got)
	}
}

func TestInlineDispatcherRunsBeforeReturning(t *testing.T) {
	exec := &recordingExecutor{}
	d := NewInlineDispatcher(exec)
	if err := d.Dispatch(context.Background(), NewStageJob("v3", StageAnalyze, time.Now())); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.seen) != 1 || exec.seen[0].VideoID != "v3" {
		t.Fatalf("executed: got=%+v", exec.seen)
	}
}

func TestConsumerKeepsHeartbeatAndRecovers(t *testing.T) {
	src := &fakeSource{ttl: 30 * time.Millisecond}
	pool := worker.NewDispatcher(1, 1, newTestLogger())
	pool.Run(context.Background())
	defer pool.Stop()
	c := NewConsumer(src, pool, &recordingExecutor{}, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hb, rc := src.calls(); hb >= 3 && rc >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if hb, rc := src.calls(); hb < 3 || rc < 3 {
		t.Fatalf("heartbeats=%d recovers=%d: want at least 3 each", hb, rc)
	}
}
