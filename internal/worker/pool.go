package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ChronoSend/internal/audit"
	"ChronoSend/internal/email"
	"ChronoSend/internal/metrics"
	"ChronoSend/internal/models"
	"ChronoSend/internal/queue"
	"ChronoSend/internal/ratelimit"
	"ChronoSend/internal/retry"
	"ChronoSend/internal/store"
)

// Store is the slice of the record store the pool needs. Every write here is
// an atomic single-row transition.
type Store interface {
	GetByID(ctx context.Context, id string) (*models.Email, error)
	MarkProcessing(ctx context.Context, id string) (bool, error)
	MarkSent(ctx context.Context, id string, attempts int) error
	MarkFailed(ctx context.Context, id string, attempts int, lastError string) error
	MarkDeferred(ctx context.Context, id string, runAt time.Time, attempts int, lastError string) error
}

type Queue interface {
	Enqueue(ctx context.Context, job queue.Job, delay time.Duration) (bool, error)
	Dequeue(ctx context.Context, block time.Duration) (queue.Job, bool, error)
	Finish(ctx context.Context, job queue.Job, failed bool) error
}

type Deliverer interface {
	Send(ctx context.Context, e *models.Email) error
}

type RateLimiter interface {
	Check(ctx context.Context, ownerID string) ratelimit.Status
	Increment(ctx context.Context, ownerID string) (int64, error)
}

// Pool drains eligible jobs with bounded parallelism. The global limiter caps
// attempts started per second across all workers; Spacing smooths burst load
// on the relay independently of concurrency.
type Pool struct {
	Store   Store
	Queue   Queue
	Sender  Deliverer
	Rate    RateLimiter
	Global  *rate.Limiter
	Audit   audit.Sink
	Log     *zap.Logger
	Policy  retry.Policy
	Spacing time.Duration
}

const dequeueBlock = 2 * time.Second

func (p *Pool) Start(ctx context.Context, wg *sync.WaitGroup, workers int) {
	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			p.Log.Info("worker started", zap.Int("worker_id", id))

			for {
				select {
				case <-ctx.Done():
					p.Log.Info("worker shutting down", zap.Int("worker_id", id))
					return
				default:
				}

				job, ok, err := p.Queue.Dequeue(ctx, dequeueBlock)
				if err != nil {
					if ctx.Err() != nil {
						p.Log.Info("worker shutting down", zap.Int("worker_id", id))
						return
					}
					p.Log.Error("dequeue failed", zap.Int("worker_id", id), zap.Error(err))
					time.Sleep(time.Second)
					continue
				}
				if !ok {
					continue
				}

				p.process(ctx, id, job)
			}
		}(i)
	}
}

func (p *Pool) process(ctx context.Context, workerID int, job queue.Job) {
	log := p.Log.With(zap.Int("worker_id", workerID), zap.String("email_id", job.EmailID))

	// Global throughput ceiling, applied before the attempt is visible anywhere.
	if err := p.Global.Wait(ctx); err != nil {
		log.Warn("global limiter stopped by context", zap.Error(err))
		return
	}

	// Outcome persistence must survive shutdown: in-flight attempts get their
	// grace period, so writes after this point use a detached context.
	out := context.WithoutCancel(ctx)

	e, err := p.Store.GetByID(ctx, job.EmailID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("queued email no longer exists")
			p.finish(out, job, false)
			return
		}
		log.Error("load email failed", zap.Error(err))
		p.finish(out, job, false)
		return
	}

	// ----------------------------
	// Claim (single check-and-set)
	// ----------------------------
	claimed, err := p.Store.MarkProcessing(ctx, e.ID)
	if err != nil {
		log.Error("claim failed", zap.Error(err))
		p.finish(out, job, false)
		return
	}
	if !claimed {
		// Cancelled, already terminal, or claimed by another worker.
		log.Info("email not claimable, skipping", zap.String("status", string(e.Status)))
		p.finish(out, job, false)
		return
	}

	// ----------------------------
	// Per-owner rate limit
	// ----------------------------
	st := p.Rate.Check(ctx, e.OwnerID)
	if !st.Allowed {
		delay := time.Until(st.ResetAt)
		if delay <= 0 {
			delay = retry.NextWindowDelay(time.Now())
		}
		p.deferRetry(out, log, e, job, e.Attempts, delay, "rate limited")
		metrics.RateLimited.Inc()
		log.Info("owner rate limited",
			zap.String("owner_id", e.OwnerID),
			zap.Int("current", st.Current),
			zap.Int("limit", st.Limit),
			zap.Duration("retry_in", delay),
		)
		return
	}

	// ----------------------------
	// Minimum inter-attempt spacing
	// ----------------------------
	if p.Spacing > 0 {
		select {
		case <-ctx.Done():
			// Claimed but never executed; recovery sweeps it back to pending.
			log.Info("shutdown before delivery, abandoning attempt")
			return
		case <-time.After(p.Spacing):
		}
	}

	// ----------------------------
	// Delivery
	// ----------------------------
	attempts := e.Attempts + 1
	start := time.Now()
	sendErr := p.Sender.Send(ctx, e)
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())

	switch {
	case sendErr == nil:
		p.persistLoudly(out, log, func(ctx context.Context) error {
			return p.Store.MarkSent(ctx, e.ID, attempts)
		})
		if _, err := p.Rate.Increment(out, e.OwnerID); err != nil {
			log.Warn("rate counter increment failed", zap.Error(err))
		}
		p.Audit.Record(out, e.ID, models.StatusSent, "delivered to "+e.To)
		p.finish(out, job, false)
		metrics.EmailsSent.Inc()
		log.Info("email sent", zap.String("to", e.To), zap.Int("attempts", attempts))

	case email.IsTerminal(sendErr):
		p.persistLoudly(out, log, func(ctx context.Context) error {
			return p.Store.MarkFailed(ctx, e.ID, attempts, sendErr.Error())
		})
		p.Audit.Record(out, e.ID, models.StatusFailed, sendErr.Error())
		p.finish(out, job, true)
		metrics.EmailFailures.Inc()
		log.Warn("email failed terminally", zap.String("to", e.To), zap.Error(sendErr))

	case p.Policy.Exhausted(attempts):
		msg := "max attempts reached: " + sendErr.Error()
		p.persistLoudly(out, log, func(ctx context.Context) error {
			return p.Store.MarkFailed(ctx, e.ID, attempts, msg)
		})
		p.Audit.Record(out, e.ID, models.StatusFailed, msg)
		p.finish(out, job, true)
		metrics.EmailFailures.Inc()
		log.Warn("email failed after max attempts",
			zap.String("to", e.To),
			zap.Int("attempts", attempts),
			zap.Error(sendErr),
		)

	default:
		delay := p.Policy.TransientDelay(attempts)
		p.deferRetry(out, log, e, job, attempts, delay, sendErr.Error())
		log.Warn("transient delivery failure, retrying",
			zap.String("to", e.To),
			zap.Int("attempts", attempts),
			zap.Duration("retry_in", delay),
			zap.Error(sendErr),
		)
	}
}

// deferRetry parks the email for a later retry: persist the deferred status first,
// release the queue job, then re-enqueue under the same job id. Enqueue is
// idempotent by id, and the id was just released, so this is a fresh enqueue.
func (p *Pool) deferRetry(ctx context.Context, log *zap.Logger, e *models.Email, job queue.Job, attempts int, delay time.Duration, reason string) {
	runAt := time.Now().UTC().Add(delay)
	if err := p.Store.MarkDeferred(ctx, e.ID, runAt, attempts, reason); err != nil {
		log.Error("mark deferred failed", zap.Error(err))
	}
	p.Audit.Record(ctx, e.ID, models.StatusDeferred, reason)
	p.finish(ctx, job, false)
	if _, err := p.Queue.Enqueue(ctx, job, delay); err != nil {
		// The row is deferred with the right scheduled_at, so recovery will
		// re-enqueue it on the next start even if this fails.
		log.Error("re-enqueue failed", zap.Error(err))
	}
	metrics.EmailsDeferred.Inc()
}

// persistLoudly writes a terminal outcome with aggressive retries. Losing a
// terminal write risks a duplicate future send or a permanently stuck row, so
// this is the one failure the pool refuses to shrug off quietly.
func (p *Pool) persistLoudly(ctx context.Context, log *zap.Logger, write func(context.Context) error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(func() error { return write(ctx) }, backoff.WithContext(b, ctx))
	if err != nil {
		log.Error("CRITICAL: terminal status write lost after retries", zap.Error(err))
	}
}

func (p *Pool) finish(ctx context.Context, job queue.Job, failed bool) {
	if err := p.Queue.Finish(ctx, job, failed); err != nil {
		p.Log.Warn("queue finish failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
