// Package queue runs media cleanup jobs on a Redis stream consumer group.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"bookbuddy/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Job removes the media objects a deleted book left behind.
type Job struct {
	ID           string    `json:"id"`
	BookID       string    `json:"bookId"`
	Keys         []string  `json:"keys"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Handler processes one job. A returned error schedules a retry until the
// attempt budget is spent.
type Handler func(context.Context, Job) error

type RedisJobQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	logger       *slog.Logger

	groupMu sync.Mutex
	grouped bool
}

type Config struct {
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
	Logger     *slog.Logger
}

// NewRedisJobQueue builds a queue on an existing client; zero config values
// fall back to defaults.
func NewRedisJobQueue(client *redis.Client, cfg Config) (*RedisJobQueue, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	q := &RedisJobQueue{
		client:       client,
		stream:       stream,
		group:        orString(cfg.Group, "media-cleanup"),
		consumerBase: orString(cfg.Consumer, util.NewID()),
		jobTTL:       orDuration(cfg.JobTTL, 24*time.Hour),
		maxRetries:   cfg.MaxRetries,
		block:        orDuration(cfg.Block, 5*time.Second),
		claimIdle:    orDuration(cfg.ClaimIdle, 30*time.Second),
		retryDelay:   orDuration(cfg.RetryDelay, 2*time.Second),
		maxLen:       orInt64(cfg.MaxLen, 10000),
		readCount:    orInt64(cfg.ReadCount, 10),
		claimCount:   orInt64(cfg.ClaimCount, 10),
		logger:       cfg.Logger,
	}
	if q.maxRetries <= 0 {
		q.maxRetries = 5
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q, nil
}

// Enqueue schedules removal of keys for bookID.
func (q *RedisJobQueue) Enqueue(ctx context.Context, bookID string, keys []string) (Job, error) {
	bookID = strings.TrimSpace(bookID)
	if bookID == "" {
		return Job{}, errors.New("bookId required")
	}
	if len(keys) == 0 {
		return Job{}, errors.New("no keys to clean up")
	}
	if err := q.ensureGroup(ctx); err != nil {
		return Job{}, err
	}
	now := time.Now().UTC()
	job := Job{
		ID:        util.NewID(),
		BookID:    bookID,
		Keys:      append([]string(nil), keys...),
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	values, err := messageValues(job)
	if err != nil {
		return Job{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		return Job{}, fmt.Errorf("enqueue cleanup: %w", err)
	}
	return job, nil
}

// GetJob returns the stored status of jobID.
func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (Job, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Job{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, false, err
	}
	if len(data) == 0 {
		return Job{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Start runs concurrency consumers until ctx is done.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := q.ensureGroup(ctx); err != nil {
		q.logger.Warn("cleanup queue group not created", "stream", q.stream, "error", err)
	}
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

// ensureGroup creates the consumer group from the start of the stream so jobs
// enqueued before the first consumer are still delivered.
func (q *RedisJobQueue) ensureGroup(ctx context.Context) error {
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.grouped {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	q.grouped = true
	return nil
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				q.logger.Warn("cleanup queue read failed", "consumer", consumer, "error", err)
				sleep(ctx, q.retryDelay)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values["job_id"].(string)
	bookID, _ := msg.Values["book_id"].(string)
	rawKeys, _ := msg.Values["keys"].(string)
	var keys []string
	if jobID == "" || bookID == "" || json.Unmarshal([]byte(rawKeys), &keys) != nil {
		q.logger.Warn("dropping malformed cleanup message", "message_id", msg.ID)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, jobID, bookID, keys)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	err = handler(ctx, job)
	if err == nil {
		_ = q.setStatus(ctx, jobID, StatusDone, "")
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if job.Attempts >= q.maxRetries {
		q.logger.Error("media cleanup gave up", "job_id", jobID, "book_id", bookID, "attempts", job.Attempts, "error", err)
		_ = q.setStatus(ctx, jobID, StatusFailed, err.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	}
	q.logger.Warn("media cleanup will retry", "job_id", jobID, "book_id", bookID, "attempts", job.Attempts, "error", err)
	_ = q.setStatus(ctx, jobID, StatusQueued, err.Error())
	if !sleep(ctx, q.retryDelay) {
		return
	}
	if err := q.requeueAndAck(ctx, msg.ID, job); err != nil {
		q.logger.Warn("cleanup requeue failed, leaving message pending", "job_id", jobID, "error", err)
	}
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

// requeueAndAck moves the job to the stream tail atomically; on failure the
// original message stays pending and is reclaimed later.
func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID string, job Job) error {
	values, err := messageValues(job)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: values,
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) markProcessing(ctx context.Context, jobID, bookID string, keys []string) (Job, error) {
	job, found, err := q.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if !found {
		job = Job{ID: jobID}
	}
	job.BookID = bookID
	job.Keys = keys
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) setStatus(ctx context.Context, jobID, status, errMsg string) error {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = status
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, job Job) error {
	keys, err := json.Marshal(job.Keys)
	if err != nil {
		return err
	}
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"bookId":    job.BookID,
		"keys":      string(keys),
		"status":    job.Status,
		"error":     job.ErrorMessage,
		"attempts":  strconv.Itoa(job.Attempts),
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("write job status: %w", err)
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func messageValues(job Job) (map[string]any, error) {
	keys, err := json.Marshal(job.Keys)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"job_id":  job.ID,
		"book_id": job.BookID,
		"keys":    string(keys),
	}, nil
}

func decodeJob(jobID string, data map[string]string) Job {
	job := Job{
		ID:           jobID,
		BookID:       data["bookId"],
		Status:       data["status"],
		ErrorMessage: data["error"],
	}
	if v := data["keys"]; v != "" {
		_ = json.Unmarshal([]byte(v), &job.Keys)
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		job.Attempts = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		job.UpdatedAt = t
	}
	return job
}

// sleep waits d or until ctx ends; it reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func orString(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}

func orDuration(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

func orInt64(v, fallback int64) int64 {
	if v > 0 {
		return v
	}
	return fallback
}
