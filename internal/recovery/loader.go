package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"ChronoSend/internal/models"
	"ChronoSend/internal/queue"
)

type Store interface {
	ListNonTerminal(ctx context.Context, before *time.Time) ([]*models.Email, error)
	MarkFailed(ctx context.Context, id string, attempts int, lastError string) error
	SweepStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job, delay time.Duration) (bool, error)
}

type Stats struct {
	Swept    int64 // processing rows returned to pending
	Requeued int   // jobs (re-)enqueued
	Skipped  int   // jobs already present in the queue
	Expired  int   // stale schedules marked failed instead of re-sent
}

// Loader reconciles the record store with the execution queue after a process
// start. Enqueue is idempotent by job id, so running the loader over a
// half-recovered state, or twice, changes nothing.
type Loader struct {
	Store Store
	Queue Enqueuer
	Log   *zap.Logger

	// MissedSendAfter is the staleness cutoff: an email overdue by more than
	// this is marked failed rather than delivered meaninglessly late.
	MissedSendAfter time.Duration

	// ProcessingStaleAfter bounds how long a processing claim is trusted. Rows
	// older than this were orphaned by a crash and go back to pending.
	ProcessingStaleAfter time.Duration

	Now func() time.Time
}

// Run executes one recovery pass. Store unavailability is retried with backoff
// and ultimately reported, never fatal: a failed recovery degrades delivery,
// not the process.
func (l *Loader) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(func() error {
		s, err := l.pass(ctx)
		if err != nil {
			l.Log.Warn("recovery pass failed, retrying", zap.Error(err))
			return err
		}
		stats = s
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return stats, fmt.Errorf("recovery: %w", err)
	}

	l.Log.Info("recovery complete",
		zap.Int64("swept", stats.Swept),
		zap.Int("requeued", stats.Requeued),
		zap.Int("skipped", stats.Skipped),
		zap.Int("expired", stats.Expired),
	)
	return stats, nil
}

func (l *Loader) pass(ctx context.Context) (Stats, error) {
	var stats Stats
	now := l.now()

	swept, err := l.Store.SweepStaleProcessing(ctx, l.ProcessingStaleAfter)
	if err != nil {
		return stats, err
	}
	stats.Swept = swept

	items, err := l.Store.ListNonTerminal(ctx, nil)
	if err != nil {
		return stats, err
	}

	for _, e := range items {
		if e.Status == models.StatusProcessing {
			// Claim too fresh to sweep; a live worker may still hold it.
			continue
		}

		overdue := now.Sub(e.ScheduledAt)
		if l.MissedSendAfter > 0 && overdue > l.MissedSendAfter {
			msg := fmt.Sprintf("schedule missed by %s, not re-sent", overdue.Round(time.Second))
			if err := l.Store.MarkFailed(ctx, e.ID, e.Attempts, msg); err != nil {
				return stats, err
			}
			stats.Expired++
			l.Log.Warn("stale schedule expired",
				zap.String("email_id", e.ID),
				zap.Time("scheduled_at", e.ScheduledAt),
			)
			continue
		}

		delay := e.ScheduledAt.Sub(now)
		if delay < 0 {
			delay = 0
		}
		added, err := l.Queue.Enqueue(ctx, queue.Job{ID: e.JobID(), EmailID: e.ID}, delay)
		if err != nil {
			return stats, err
		}
		if added {
			stats.Requeued++
		} else {
			stats.Skipped++
		}
	}
	return stats, nil
}

func (l *Loader) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}
