package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ChronoSend/internal/metrics"
)

const (
	delayedKey = "chronosend:delayed" // ZSET, score = ready-at unix seconds
	readyKey   = "chronosend:ready"   // LIST, jobs eligible right now
	activeKey  = "chronosend:active"  // SET of job ids queued or running
	doneKey    = "chronosend:done"    // LIST, recently completed (observability)
	deadKey    = "chronosend:dead"    // LIST, terminally failed (inspection)

	doneRetention = 100
	deadRetention = 1000
)

// Job is the ephemeral queue-side handle on an email. The id doubles as the
// idempotency token: enqueueing an id that is already queued or running is a
// no-op, which is what makes recovery safe to re-run.
type Job struct {
	ID      string `json:"id"`
	EmailID string `json:"email_id"`
}

type DelayedQueue struct {
	rdb *redis.Client
	log *zap.Logger
}

func New(rdb *redis.Client, log *zap.Logger) *DelayedQueue {
	return &DelayedQueue{rdb: rdb, log: log}
}

// Enqueue registers the job and parks it until delay elapses (or pushes it
// straight onto the ready list when it is already due). Returns false without
// error when the job id is already active.
func (q *DelayedQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) (bool, error) {
	member, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}

	added, err := q.rdb.SAdd(ctx, activeKey, job.ID).Result()
	if err != nil {
		return false, fmt.Errorf("register job: %w", err)
	}
	if added == 0 {
		return false, nil
	}

	if delay > 0 {
		readyAt := time.Now().UTC().Add(delay)
		err = q.rdb.ZAdd(ctx, delayedKey, redis.Z{Score: float64(readyAt.Unix()), Member: member}).Err()
	} else {
		err = q.rdb.LPush(ctx, readyKey, member).Err()
	}
	if err != nil {
		// roll the registration back so a later enqueue can succeed
		q.rdb.SRem(ctx, activeKey, job.ID)
		return false, fmt.Errorf("enqueue job: %w", err)
	}
	return true, nil
}

// Dequeue blocks up to block for an eligible job. ok=false means the wait
// timed out with nothing ready.
func (q *DelayedQueue) Dequeue(ctx context.Context, block time.Duration) (Job, bool, error) {
	res, err := q.rdb.BRPop(ctx, block, readyKey).Result()
	if err == redis.Nil {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("dequeue: %w", err)
	}
	if len(res) != 2 {
		return Job{}, false, fmt.Errorf("dequeue: unexpected reply %v", res)
	}

	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return Job{}, false, fmt.Errorf("unmarshal job: %w", err)
	}
	return job, true, nil
}

// MoveDue shifts jobs whose ready time has passed from the delayed set to the
// ready list. Jobs never become eligible before their ready time.
func (q *DelayedQueue) MoveDue(ctx context.Context, now time.Time, batch int64) (int, error) {
	members, err := q.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UTC().Unix()), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(members) == 0 {
		return 0, err
	}

	pipe := q.rdb.TxPipeline()
	for _, m := range members {
		pipe.LPush(ctx, readyKey, m)
		pipe.ZRem(ctx, delayedKey, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("move due: %w", err)
	}
	return len(members), nil
}

// Finish releases the job id so the same id can be enqueued again (deferral,
// recovery after a later crash) and records the job in a bounded retention
// list for inspection.
func (q *DelayedQueue) Finish(ctx context.Context, job Job, failed bool) error {
	member, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	retKey, keep := doneKey, int64(doneRetention)
	if failed {
		retKey, keep = deadKey, int64(deadRetention)
	}

	pipe := q.rdb.TxPipeline()
	pipe.SRem(ctx, activeKey, job.ID)
	pipe.LPush(ctx, retKey, member)
	pipe.LTrim(ctx, retKey, 0, keep-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// Run polls the delayed set until ctx is cancelled, promoting due jobs and
// publishing queue depth gauges.
func (q *DelayedQueue) Run(ctx context.Context, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()

	q.log.Info("queue poller started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			q.log.Info("queue poller stopped")
			return
		case <-tick.C:
			if _, err := q.MoveDue(ctx, time.Now(), 200); err != nil && ctx.Err() == nil {
				q.log.Warn("move due failed", zap.Error(err))
			}
			q.publishDepths(ctx)
		}
	}
}

func (q *DelayedQueue) publishDepths(ctx context.Context) {
	if delayed, err := q.rdb.ZCard(ctx, delayedKey).Result(); err == nil {
		metrics.QueueDepth.WithLabelValues("delayed").Set(float64(delayed))
	}
	if ready, err := q.rdb.LLen(ctx, readyKey).Result(); err == nil {
		metrics.QueueDepth.WithLabelValues("ready").Set(float64(ready))
	}
	if active, err := q.rdb.SCard(ctx, activeKey).Result(); err == nil {
		metrics.QueueDepth.WithLabelValues("active").Set(float64(active))
	}
}
