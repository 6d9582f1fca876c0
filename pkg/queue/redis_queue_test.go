package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, cfg Config) *RedisJobQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if cfg.Stream == "" {
		cfg.Stream = "test:cleanup"
	}
	if cfg.Group == "" {
		cfg.Group = "test-group"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer-1"
	}
	q, err := NewRedisJobQueue(client, cfg)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func TestEnqueueValidatesInput(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, " ", []string{"covers/u/a"}); err == nil {
		t.Fatalf("expected error for empty book id")
	}
	if _, err := q.Enqueue(ctx, "book-1", nil); err == nil {
		t.Fatalf("expected error for no keys")
	}
	if _, err := NewRedisJobQueue(nil, Config{Stream: "s"}); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestJobsEnqueuedBeforeStartAreDeliveredAndRetried(t *testing.T) {
	q := newTestQueue(t, Config{Block: 20 * time.Millisecond, RetryDelay: time.Millisecond, MaxRetries: 3})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := q.Enqueue(ctx, "book-1", []string{"covers/u/a", "summaries/u/b"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var calls atomic.Int32
	q.Start(ctx, 1, func(_ context.Context, j Job) error {
		if len(j.Keys) != 2 || j.BookID != "book-1" {
			t.Errorf("unexpected job payload %+v", j)
		}
		if calls.Add(1) == 1 {
			return errors.New("object store unavailable")
		}
		return nil
	})

	got := waitForStatus(t, q, job.ID, StatusDone)
	if got.Attempts != 2 || got.ErrorMessage != "" {
		t.Fatalf("unexpected final job %+v", got)
	}
}

func TestJobGivesUpAfterMaxRetries(t *testing.T) {
	q := newTestQueue(t, Config{Block: 20 * time.Millisecond, RetryDelay: time.Millisecond, MaxRetries: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := q.Enqueue(ctx, "book-2", []string{"covers/u/a"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.Start(ctx, 2, func(context.Context, Job) error { return errors.New("still down") })

	got := waitForStatus(t, q, job.ID, StatusFailed)
	if got.Attempts != 2 || got.ErrorMessage != "still down" {
		t.Fatalf("unexpected failed job %+v", got)
	}
}

func TestRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, job := newPendingMessage(t)

	if err := q.requeueAndAck(ctx, msgID, job); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["job_id"] != job.ID || got.Values["book_id"] != job.BookID || got.Values["keys"] != `["covers/u/a"]` {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, job := newPendingMessage(t)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceled, msgID, job); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}
	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func newPendingMessage(t *testing.T) (*RedisJobQueue, context.Context, string, Job) {
	t.Helper()
	q := newTestQueue(t, Config{RetryDelay: time.Millisecond})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "book-1", []string{"covers/u/a"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}
	return q, ctx, streams[0].Messages[0].ID, job
}

func waitForStatus(t *testing.T, q *RedisJobQueue, jobID, status string) Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, found, err := q.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if found && job.Status == status {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _, _ := q.GetJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %s, last %+v", jobID, status, job)
	return Job{}
}
