package retry

import "time"

// Policy decides, per failure class, when an email becomes eligible again and
// when it stops being retried at all.
type Policy struct {
	MaxAttempts int
	Cap         time.Duration
}

func NewPolicy(maxAttempts int, maxDelay time.Duration) Policy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	return Policy{MaxAttempts: maxAttempts, Cap: maxDelay}
}

// TransientDelay returns the backoff before retry number attempt+1:
// min(2^attempt seconds, Cap). attempt is the count of attempts already made.
func (p Policy) TransientDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^attempt seconds without overflowing for large attempt values
	if attempt > 30 {
		return p.Cap
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Exhausted reports whether attempts has reached the configured maximum, at
// which point the email is marked failed instead of rescheduled.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// NextWindowDelay returns the time until the start of the next wall-clock hour
// in UTC. Rate-limited emails are deferred until then; rate limiting does not
// count as a delivery attempt.
func NextWindowDelay(now time.Time) time.Duration {
	now = now.UTC()
	next := now.Truncate(time.Hour).Add(time.Hour)
	return next.Sub(now)
}
